package service

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/kvforge/kvforge/internal/database"
	"github.com/kvforge/kvforge/internal/jobs"
	"github.com/kvforge/kvforge/internal/metrics"
	"github.com/kvforge/kvforge/internal/models"
)

// webhookCollaborator enqueues one delivery job per enabled, verified,
// active webhook on the repository. The tracking id is minted here so every
// retry of the same delivery shares it in the audit log.
type webhookCollaborator struct {
	db    database.DB
	queue *jobs.Queue
}

func NewWebhookCollaborator(db database.DB, queue *jobs.Queue) Collaborator {
	return &webhookCollaborator{db: db, queue: queue}
}

func (c *webhookCollaborator) Name() string { return "webhook-dispatch" }

type webhookJobPayload struct {
	EnabledWebhookID int64  `json:"enabled_webhook_id"`
	RepositoryID     int64  `json:"repository_id"`
	BranchID         int64  `json:"branch_id"`
	ActorID          int64  `json:"actor_id"`
	TrackingID       string `json:"tracking_id"`
}

func (c *webhookCollaborator) Enqueue(ctx context.Context, change BranchChange) error {
	hooks, err := c.db.ListEnabledWebhooks(ctx, change.RepositoryID)
	if err != nil {
		return fmt.Errorf("list enabled webhooks: %w", err)
	}
	for _, hook := range hooks {
		if !hook.IsActive {
			continue
		}
		key, err := c.db.GetWebhookKey(ctx, hook.WebhookKeyID)
		if err != nil {
			if noRows(err) {
				continue
			}
			return fmt.Errorf("load webhook key: %w", err)
		}
		if !key.IsVerified {
			continue
		}
		_, err = c.queue.Enqueue(ctx, webhookJobPayload{
			EnabledWebhookID: hook.ID,
			RepositoryID:     change.RepositoryID,
			BranchID:         change.BranchID,
			ActorID:          change.ActorID,
			TrackingID:       uuid.NewString(),
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// branchPayload is the wire shape of the branch inside a delivery body.
type branchPayload struct {
	ID                int64     `json:"id"`
	Name              string    `json:"name"`
	LastCommit        string    `json:"lastCommit"`
	CreatedBy         int64     `json:"createdBy"`
	CreatedByUsername string    `json:"createdByUsername"`
	CreatedAt         time.Time `json:"createdAt"`
	BaseBranchID      *int64    `json:"baseBranchId"`
}

type deliveryBody struct {
	Event        string `json:"event"`
	RepositoryID int64  `json:"repositoryId"`
	Payload      struct {
		Branch branchPayload `json:"branch"`
	} `json:"payload"`
}

// WebhookDispatcher performs one signed delivery attempt per job run and
// records an audit row regardless of outcome. A failed attempt surfaces as
// a job error so the queue's backoff policy drives the retries; exhausting
// them leaves only the audit trail.
type WebhookDispatcher struct {
	db      database.DB
	client  *http.Client
	sem     *semaphore.Weighted
	logger  *slog.Logger
	metrics *metrics.Set
}

func NewWebhookDispatcher(db database.DB, timeout time.Duration, maxInFlight int64, logger *slog.Logger) *WebhookDispatcher {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if maxInFlight <= 0 {
		maxInFlight = 4
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookDispatcher{
		db:      db,
		client:  &http.Client{Timeout: timeout},
		sem:     semaphore.NewWeighted(maxInFlight),
		logger:  logger,
		metrics: metrics.Default(),
	}
}

func (d *WebhookDispatcher) Process(ctx context.Context, job *models.Job) error {
	var payload webhookJobPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("decode webhook payload: %w", err)
	}

	hook, err := d.db.GetEnabledWebhook(ctx, payload.EnabledWebhookID)
	if err != nil {
		if noRows(err) {
			return nil
		}
		return fmt.Errorf("load enabled webhook: %w", err)
	}
	if !hook.IsActive {
		return nil
	}
	key, err := d.db.GetWebhookKey(ctx, hook.WebhookKeyID)
	if err != nil {
		return fmt.Errorf("load webhook key: %w", err)
	}

	body, err := d.buildBody(ctx, payload)
	if err != nil {
		return err
	}
	if body == nil {
		return nil
	}

	if err := d.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer d.sem.Release(1)

	attempt := job.AttemptCount
	if attempt < 1 {
		attempt = 1
	}

	start := time.Now()
	statusCode, deliverErr := d.post(ctx, hook, key, body, attempt, payload.TrackingID)
	d.metrics.WebhookDuration.Observe(time.Since(start).Seconds())

	sum := sha256.Sum256(body)
	event := &models.WebhookEvent{
		EnabledWebhookID: hook.ID,
		RepoID:           payload.RepositoryID,
		TrackingID:       payload.TrackingID,
		AttemptCount:     attempt,
		DidSucceed:       deliverErr == nil,
		StatusCode:       statusCode,
		PayloadHash:      hex.EncodeToString(sum[:]),
	}
	if deliverErr != nil {
		event.Error = deliverErr.Error()
	}
	if err := d.db.CreateWebhookEvent(ctx, event); err != nil {
		return fmt.Errorf("record webhook event: %w", err)
	}

	if deliverErr != nil {
		d.metrics.WebhookDelivered.WithLabelValues("failure").Inc()
		d.logger.Warn("webhook delivery failed",
			"tracking_id", payload.TrackingID, "attempt", attempt, "status", statusCode, "error", deliverErr)
		return deliverErr
	}
	d.metrics.WebhookDelivered.WithLabelValues("success").Inc()
	return nil
}

// buildBody assembles the canonical delivery JSON. A nil body with nil
// error means the underlying branch is gone and the job is a stale no-op.
func (d *WebhookDispatcher) buildBody(ctx context.Context, payload webhookJobPayload) ([]byte, error) {
	branch, err := d.db.GetBranch(ctx, payload.BranchID)
	if err != nil {
		if noRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("load branch: %w", err)
	}
	creator, err := d.db.GetUserByID(ctx, branch.CreatedBy)
	if err != nil && !noRows(err) {
		return nil, fmt.Errorf("load branch creator: %w", err)
	}
	username := ""
	if creator != nil {
		username = creator.Username
	}

	var body deliveryBody
	body.Event = "branch.updated"
	body.RepositoryID = payload.RepositoryID
	body.Payload.Branch = branchPayload{
		ID:                branch.ID,
		Name:              branch.Name,
		LastCommit:        branch.LastCommit,
		CreatedBy:         branch.CreatedBy,
		CreatedByUsername: username,
		CreatedAt:         branch.CreatedAt,
		BaseBranchID:      branch.BaseBranchID,
	}
	return json.Marshal(body)
}

func (d *WebhookDispatcher) post(ctx context.Context, hook *models.EnabledWebhook, key *models.WebhookKey, body []byte, attempt int, trackingID string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhookURL(hook, key), bytes.NewReader(body))
	if err != nil {
		return 0, &DeliveryError{Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "kvforge-webhook/1.0")
	req.Header.Set("X-KVForge-Event", "branch.updated")
	req.Header.Set("X-KVForge-Signature-256", SignPayload(key.Secret, body))
	req.Header.Set("X-KVForge-Attempt", strconv.Itoa(attempt))
	req.Header.Set("X-KVForge-Tracking-ID", trackingID)

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, &DeliveryError{Err: err}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 32*1024))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, &DeliveryError{StatusCode: resp.StatusCode}
	}
	return resp.StatusCode, nil
}

// webhookURL composes the delivery target from the registered key's domain
// and the per-repository enablement.
func webhookURL(hook *models.EnabledWebhook, key *models.WebhookKey) string {
	protocol := hook.Protocol
	if protocol == "" {
		protocol = "https"
	}
	host := key.Domain
	if hook.Subdomain != "" {
		host = hook.Subdomain + "." + host
	}
	if hook.Port != nil {
		host = host + ":" + strconv.Itoa(*hook.Port)
	}
	return protocol + "://" + host + hook.URI
}

// SignPayload computes the signature header value for a delivery body.
func SignPayload(secret string, body []byte) string {
	m := hmac.New(sha256.New, []byte(secret))
	m.Write(body)
	return "sha256=" + hex.EncodeToString(m.Sum(nil))
}

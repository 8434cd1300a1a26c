package jobs

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kvforge/kvforge/internal/database"
	"github.com/kvforge/kvforge/internal/metrics"
	"github.com/kvforge/kvforge/internal/models"
)

const (
	defaultRetryBackoff = 5 * time.Second
	defaultMaxAttempts  = 3
)

// Queue names used by the propagation hub.
const (
	QueueWebhook       = "webhook"
	QueueNotification  = "notification"
	QueueBranchRefresh = "branch_refresh"
)

// Queue persists jobs for a single named queue and drives their status
// transitions. Retries back off exponentially from RetryBackoff.
type Queue struct {
	db           database.DB
	name         string
	retryBackoff time.Duration
	maxAttempts  int
	terminal     func(error) bool
	metrics      *metrics.Set
}

type QueueOptions struct {
	RetryBackoff time.Duration
	MaxAttempts  int
	// Terminal classifies processing errors that no retry can fix; jobs
	// failing with one are failed immediately instead of requeued.
	Terminal func(error) bool
	Metrics  *metrics.Set
}

func NewQueue(db database.DB, name string, opts QueueOptions) *Queue {
	backoff := opts.RetryBackoff
	if backoff <= 0 {
		backoff = defaultRetryBackoff
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.Default()
	}
	return &Queue{
		db:           db,
		name:         name,
		retryBackoff: backoff,
		maxAttempts:  maxAttempts,
		terminal:     opts.Terminal,
		metrics:      m,
	}
}

func (q *Queue) Name() string { return q.name }

// Enqueue marshals payload and inserts a queued job ready for immediate
// claim. The returned job carries a fresh tracking id.
func (q *Queue) Enqueue(ctx context.Context, payload any) (*models.Job, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s job payload: %w", q.name, err)
	}
	job := &models.Job{
		JobID:         uuid.NewString(),
		Queue:         q.name,
		Payload:       data,
		Status:        models.JobQueued,
		MaxAttempts:   q.maxAttempts,
		NextAttemptAt: time.Now().UTC(),
	}
	if err := q.db.EnqueueJob(ctx, job); err != nil {
		return nil, err
	}
	q.metrics.JobsEnqueued.WithLabelValues(q.name).Inc()
	return job, nil
}

func (q *Queue) Claim(ctx context.Context) (*models.Job, error) {
	job, err := q.db.ClaimJob(ctx, q.name, time.Now().UTC())
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		q.metrics.ClaimFailures.WithLabelValues(q.name).Inc()
		return nil, err
	}
	return job, nil
}

func (q *Queue) Complete(ctx context.Context, jobID int64) error {
	if err := q.db.CompleteJob(ctx, jobID, models.JobCompleted, ""); err != nil {
		return err
	}
	q.metrics.JobsCompleted.WithLabelValues(q.name, models.JobCompleted).Inc()
	return nil
}

func (q *Queue) Fail(ctx context.Context, jobID int64, runErr error) error {
	if err := q.db.CompleteJob(ctx, jobID, models.JobFailed, failureMessage(runErr)); err != nil {
		return err
	}
	q.metrics.JobsCompleted.WithLabelValues(q.name, models.JobFailed).Inc()
	return nil
}

// RetryOrFail requeues a failed job with exponential backoff, or marks it
// failed once all attempts are used. Errors the queue's Terminal classifier
// recognizes skip the retries and fail on the spot.
func (q *Queue) RetryOrFail(ctx context.Context, job *models.Job, runErr error) error {
	if job == nil {
		return fmt.Errorf("job is nil")
	}
	message := failureMessage(runErr)
	spent := job.MaxAttempts > 0 && job.AttemptCount >= job.MaxAttempts
	if spent || (q.terminal != nil && q.terminal(runErr)) {
		if err := q.db.CompleteJob(ctx, job.ID, models.JobFailed, message); err != nil {
			return err
		}
		q.metrics.JobsCompleted.WithLabelValues(q.name, models.JobFailed).Inc()
		return nil
	}
	nextAttempt := time.Now().UTC().Add(q.backoffDelay(job.AttemptCount))
	return q.db.RequeueJob(ctx, job.ID, message, nextAttempt)
}

func (q *Queue) backoffDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 16 {
		attempt = 16
	}
	return q.retryBackoff << (attempt - 1)
}

func failureMessage(err error) string {
	if err == nil {
		return "job failed"
	}
	msg := strings.TrimSpace(err.Error())
	if msg == "" {
		return "job failed"
	}
	return msg
}

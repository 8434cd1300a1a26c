package service

import (
	"context"
	"crypto/hmac"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/kvforge/kvforge/internal/jobs"
	"github.com/kvforge/kvforge/internal/models"
)

type capturedRequest struct {
	body      []byte
	signature string
	attempt   string
	tracking  string
}

func hookTarget(t *testing.T, ts *testServices, repoID int64, serverURL, secret string) *models.EnabledWebhook {
	t.Helper()
	ctx := context.Background()
	u, err := url.Parse(serverURL)
	if err != nil {
		t.Fatal(err)
	}
	port, err := strconv.Atoi(u.Port())
	if err != nil {
		t.Fatal(err)
	}

	key := &models.WebhookKey{Domain: u.Hostname(), Secret: secret, IsVerified: true}
	if err := ts.db.CreateWebhookKey(ctx, key); err != nil {
		t.Fatal(err)
	}
	hook := &models.EnabledWebhook{
		RepoID:       repoID,
		WebhookKeyID: key.ID,
		Protocol:     "http",
		Port:         &port,
		URI:          "/hook",
		IsActive:     true,
	}
	if err := ts.db.CreateEnabledWebhook(ctx, hook); err != nil {
		t.Fatal(err)
	}
	return hook
}

func TestWebhookRetriesExhaustWithAuditTrail(t *testing.T) {
	ts := newTestServices(t, nil)
	ctx := context.Background()
	owner := ts.createUser(t, "alice", false)
	repo := ts.createRepo(t, owner, "data", false)
	branch := ts.createBranch(t, repo, "main", "c1", nil, owner.ID)

	var mu sync.Mutex
	var requests []capturedRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		requests = append(requests, capturedRequest{
			body:      body,
			signature: r.Header.Get("X-KVForge-Signature-256"),
			attempt:   r.Header.Get("X-KVForge-Attempt"),
			tracking:  r.Header.Get("X-KVForge-Tracking-ID"),
		})
		mu.Unlock()
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	const secret = "s3cret"
	hook := hookTarget(t, ts, repo.ID, server.URL, secret)

	queue := jobs.NewQueue(ts.db, jobs.QueueWebhook, jobs.QueueOptions{
		RetryBackoff: time.Nanosecond,
		MaxAttempts:  3,
	})
	collab := NewWebhookCollaborator(ts.db, queue)
	if err := collab.Enqueue(ctx, BranchChange{RepositoryID: repo.ID, BranchID: branch.ID, ActorID: owner.ID}); err != nil {
		t.Fatal(err)
	}

	dispatcher := NewWebhookDispatcher(ts.db, time.Second, 2, nil)
	claims := drainQueue(t, queue, dispatcher.Process)
	if claims != 3 {
		t.Fatalf("expected 3 delivery attempts, got %d", claims)
	}

	events, err := ts.db.ListWebhookEvents(ctx, hook.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 audit rows, got %d", len(events))
	}
	for i, ev := range events {
		if ev.AttemptCount != i+1 {
			t.Fatalf("audit row %d has attempt %d", i, ev.AttemptCount)
		}
		if ev.DidSucceed {
			t.Fatalf("audit row %d marked successful against a failing endpoint", i)
		}
		if ev.StatusCode != http.StatusInternalServerError {
			t.Fatalf("audit row %d status = %d", i, ev.StatusCode)
		}
		if ev.TrackingID != events[0].TrackingID {
			t.Fatal("all attempts of one delivery must share a tracking id")
		}
	}

	jobRows, err := ts.db.ListJobs(ctx, jobs.QueueWebhook)
	if err != nil {
		t.Fatal(err)
	}
	if len(jobRows) != 1 || jobRows[0].Status != models.JobFailed {
		t.Fatalf("exhausted delivery job must be terminally failed: %+v", jobRows)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(requests) != 3 {
		t.Fatalf("endpoint saw %d requests", len(requests))
	}
	for i, req := range requests {
		want := SignPayload(secret, req.body)
		if !hmac.Equal([]byte(req.signature), []byte(want)) {
			t.Fatalf("request %d signature does not verify: got %q want %q", i, req.signature, want)
		}
		if req.attempt != strconv.Itoa(i+1) {
			t.Fatalf("request %d attempt header = %q", i, req.attempt)
		}
		if req.tracking == "" {
			t.Fatalf("request %d missing tracking id", i)
		}
	}
}

func TestWebhookDeliverySucceeds(t *testing.T) {
	ts := newTestServices(t, nil)
	ctx := context.Background()
	owner := ts.createUser(t, "alice", false)
	repo := ts.createRepo(t, owner, "data", false)
	branch := ts.createBranch(t, repo, "main", "c1", nil, owner.ID)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	hook := hookTarget(t, ts, repo.ID, server.URL, "topsecret")
	queue := jobs.NewQueue(ts.db, jobs.QueueWebhook, jobs.QueueOptions{MaxAttempts: 3})
	collab := NewWebhookCollaborator(ts.db, queue)
	if err := collab.Enqueue(ctx, BranchChange{RepositoryID: repo.ID, BranchID: branch.ID, ActorID: owner.ID}); err != nil {
		t.Fatal(err)
	}

	dispatcher := NewWebhookDispatcher(ts.db, time.Second, 2, nil)
	if claims := drainQueue(t, queue, dispatcher.Process); claims != 1 {
		t.Fatalf("expected 1 attempt, got %d", claims)
	}

	events, err := ts.db.ListWebhookEvents(ctx, hook.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || !events[0].DidSucceed || events[0].StatusCode != http.StatusNoContent {
		t.Fatalf("unexpected audit rows: %+v", events)
	}
}

func TestWebhookSkipsUnverifiedAndInactive(t *testing.T) {
	ts := newTestServices(t, nil)
	ctx := context.Background()
	owner := ts.createUser(t, "alice", false)
	repo := ts.createRepo(t, owner, "data", false)
	branch := ts.createBranch(t, repo, "main", "c1", nil, owner.ID)

	unverified := &models.WebhookKey{Domain: "example.com", Secret: "x", IsVerified: false}
	if err := ts.db.CreateWebhookKey(ctx, unverified); err != nil {
		t.Fatal(err)
	}
	if err := ts.db.CreateEnabledWebhook(ctx, &models.EnabledWebhook{
		RepoID: repo.ID, WebhookKeyID: unverified.ID, Protocol: "https", IsActive: true,
	}); err != nil {
		t.Fatal(err)
	}
	verified := &models.WebhookKey{Domain: "example.com", Secret: "x", IsVerified: true}
	if err := ts.db.CreateWebhookKey(ctx, verified); err != nil {
		t.Fatal(err)
	}
	if err := ts.db.CreateEnabledWebhook(ctx, &models.EnabledWebhook{
		RepoID: repo.ID, WebhookKeyID: verified.ID, Protocol: "https", IsActive: false,
	}); err != nil {
		t.Fatal(err)
	}

	queue := jobs.NewQueue(ts.db, jobs.QueueWebhook, jobs.QueueOptions{})
	collab := NewWebhookCollaborator(ts.db, queue)
	if err := collab.Enqueue(ctx, BranchChange{RepositoryID: repo.ID, BranchID: branch.ID, ActorID: owner.ID}); err != nil {
		t.Fatal(err)
	}
	jobRows, err := ts.db.ListJobs(ctx, jobs.QueueWebhook)
	if err != nil {
		t.Fatal(err)
	}
	if len(jobRows) != 0 {
		t.Fatalf("unverified or inactive hooks must not enqueue, got %d jobs", len(jobRows))
	}
}

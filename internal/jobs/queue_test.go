package jobs

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/kvforge/kvforge/internal/database"
	"github.com/kvforge/kvforge/internal/models"
)

func newQueueDB(t *testing.T) *database.SQLiteDB {
	t.Helper()
	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "jobs.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(context.Background()); err != nil {
		t.Fatal(err)
	}
	return db
}

func TestQueueEnqueueClaimComplete(t *testing.T) {
	db := newQueueDB(t)
	ctx := context.Background()
	q := NewQueue(db, "test", QueueOptions{MaxAttempts: 3})

	job, err := q.Enqueue(ctx, map[string]int{"n": 1})
	if err != nil {
		t.Fatal(err)
	}
	if job.JobID == "" {
		t.Fatal("enqueue must mint a job id")
	}
	if job.Status != models.JobQueued {
		t.Fatalf("status = %q, want queued", job.Status)
	}

	claimed, err := q.Claim(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if claimed == nil || claimed.JobID != job.JobID {
		t.Fatalf("claimed wrong job: %+v", claimed)
	}
	if claimed.AttemptCount != 1 {
		t.Fatalf("claim must count the attempt, got %d", claimed.AttemptCount)
	}
	if claimed.Status != models.JobInProgress {
		t.Fatalf("claimed status = %q", claimed.Status)
	}

	// Claiming again while the job is in progress finds nothing.
	again, err := q.Claim(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if again != nil {
		t.Fatalf("in-progress job must not be claimable: %+v", again)
	}

	if err := q.Complete(ctx, claimed.ID); err != nil {
		t.Fatal(err)
	}
	rows, err := db.ListJobs(ctx, "test")
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 || rows[0].Status != models.JobCompleted {
		t.Fatalf("completed job in wrong state: %+v", rows)
	}
}

func TestQueueIsolatesQueuesByName(t *testing.T) {
	db := newQueueDB(t)
	ctx := context.Background()
	a := NewQueue(db, "a", QueueOptions{})
	b := NewQueue(db, "b", QueueOptions{})

	if _, err := a.Enqueue(ctx, "payload"); err != nil {
		t.Fatal(err)
	}
	got, err := b.Claim(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Fatalf("queue b claimed queue a's job: %+v", got)
	}
}

func TestQueueTerminalErrorSkipsRetries(t *testing.T) {
	db := newQueueDB(t)
	ctx := context.Background()
	permanent := errors.New("actor may not merge")
	q := NewQueue(db, "test", QueueOptions{
		RetryBackoff: time.Nanosecond,
		MaxAttempts:  5,
		Terminal:     func(err error) bool { return errors.Is(err, permanent) },
	})

	job, err := q.Enqueue(ctx, map[string]int{"n": 1})
	if err != nil {
		t.Fatal(err)
	}
	claimed, err := q.Claim(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if err := q.RetryOrFail(ctx, claimed, permanent); err != nil {
		t.Fatal(err)
	}

	listed, err := db.ListJobs(ctx, "test")
	if err != nil {
		t.Fatal(err)
	}
	if len(listed) != 1 || listed[0].JobID != job.JobID {
		t.Fatalf("unexpected jobs: %+v", listed)
	}
	if listed[0].Status != models.JobFailed {
		t.Fatalf("status = %q, want failed on first attempt", listed[0].Status)
	}
	if listed[0].AttemptCount != 1 {
		t.Fatalf("attempt count = %d, want 1", listed[0].AttemptCount)
	}

	// A retryable error on the same queue still goes back for another run.
	job2, err := q.Enqueue(ctx, map[string]int{"n": 2})
	if err != nil {
		t.Fatal(err)
	}
	claimed2, err := q.Claim(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if claimed2 == nil || claimed2.JobID != job2.JobID {
		t.Fatalf("claimed wrong job: %+v", claimed2)
	}
	if err := q.RetryOrFail(ctx, claimed2, errors.New("endpoint down")); err != nil {
		t.Fatal(err)
	}
	listed, err = db.ListJobs(ctx, "test")
	if err != nil {
		t.Fatal(err)
	}
	for _, j := range listed {
		if j.JobID == job2.JobID && j.Status != models.JobQueued {
			t.Fatalf("retryable failure status = %q, want queued", j.Status)
		}
	}
}

func TestQueueRetryBacksOffThenFails(t *testing.T) {
	db := newQueueDB(t)
	ctx := context.Background()
	q := NewQueue(db, "retry", QueueOptions{RetryBackoff: time.Nanosecond, MaxAttempts: 2})

	if _, err := q.Enqueue(ctx, "payload"); err != nil {
		t.Fatal(err)
	}

	runErr := errors.New("endpoint down")
	for attempt := 1; attempt <= 2; attempt++ {
		job, err := q.Claim(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if job == nil {
			t.Fatalf("attempt %d: no job claimable", attempt)
		}
		if job.AttemptCount != attempt {
			t.Fatalf("attempt count = %d, want %d", job.AttemptCount, attempt)
		}
		if err := q.RetryOrFail(ctx, job, runErr); err != nil {
			t.Fatal(err)
		}
	}

	rows, err := db.ListJobs(ctx, "retry")
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 job row, got %d", len(rows))
	}
	if rows[0].Status != models.JobFailed {
		t.Fatalf("exhausted job status = %q, want failed", rows[0].Status)
	}
	if rows[0].LastError != "endpoint down" {
		t.Fatalf("last error = %q", rows[0].LastError)
	}

	if job, err := q.Claim(ctx); err != nil || job != nil {
		t.Fatalf("failed job must not be claimable: %+v %v", job, err)
	}
}

func TestQueueBackoffGrowsExponentially(t *testing.T) {
	q := &Queue{retryBackoff: time.Second}
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second}
	for i, w := range want {
		if got := q.backoffDelay(i + 1); got != w {
			t.Fatalf("backoff(%d) = %v, want %v", i+1, got, w)
		}
	}
	if got := q.backoffDelay(100); got != time.Second<<15 {
		t.Fatalf("backoff must cap, got %v", got)
	}
}

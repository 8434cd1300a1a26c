package jobs

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kvforge/kvforge/internal/models"
)

func TestWorkerPoolProcessesJobs(t *testing.T) {
	db := newQueueDB(t)
	ctx := context.Background()
	q := NewQueue(db, "work", QueueOptions{MaxAttempts: 3})

	const jobCount = 5
	for i := 0; i < jobCount; i++ {
		if _, err := q.Enqueue(ctx, map[string]int{"i": i}); err != nil {
			t.Fatal(err)
		}
	}

	var processed atomic.Int64
	done := make(chan struct{})
	pool := NewWorkerPool(q, func(ctx context.Context, job *models.Job) error {
		if processed.Add(1) == jobCount {
			close(done)
		}
		return nil
	}, WorkerPoolOptions{Workers: 2, PollInterval: 5 * time.Millisecond})

	if err := pool.Start(ctx); err != nil {
		t.Fatal(err)
	}
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("worker pool did not drain the queue")
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		rows, err := db.ListJobs(ctx, "work")
		if err != nil {
			t.Fatal(err)
		}
		completed := 0
		for _, row := range rows {
			if row.Status == models.JobCompleted {
				completed++
			}
		}
		if completed == jobCount {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected %d completed jobs, have %d", jobCount, completed)
		}
		time.Sleep(10 * time.Millisecond)
	}

	stopCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := pool.Stop(stopCtx); err != nil {
		t.Fatal(err)
	}
}

func TestWorkerPoolRetriesFailingJob(t *testing.T) {
	db := newQueueDB(t)
	ctx := context.Background()
	q := NewQueue(db, "flaky", QueueOptions{RetryBackoff: time.Nanosecond, MaxAttempts: 3})

	if _, err := q.Enqueue(ctx, "payload"); err != nil {
		t.Fatal(err)
	}

	var attempts atomic.Int64
	done := make(chan struct{})
	pool := NewWorkerPool(q, func(ctx context.Context, job *models.Job) error {
		n := attempts.Add(1)
		if n < 3 {
			return errors.New("transient")
		}
		defer close(done)
		return nil
	}, WorkerPoolOptions{Workers: 1, PollInterval: 5 * time.Millisecond})

	if err := pool.Start(ctx); err != nil {
		t.Fatal(err)
	}
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("job never succeeded")
	}
	stopCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := pool.Stop(stopCtx); err != nil {
		t.Fatal(err)
	}
	if got := attempts.Load(); got != 3 {
		t.Fatalf("expected 3 attempts, got %d", got)
	}
}

func TestWorkerPoolStartRequiresConfiguration(t *testing.T) {
	pool := NewWorkerPool(nil, nil, WorkerPoolOptions{})
	if err := pool.Start(context.Background()); err == nil {
		t.Fatal("unconfigured pool must refuse to start")
	}
}

func TestWorkerPoolStopIsIdempotent(t *testing.T) {
	db := newQueueDB(t)
	q := NewQueue(db, "idle", QueueOptions{})
	pool := NewWorkerPool(q, func(ctx context.Context, job *models.Job) error { return nil },
		WorkerPoolOptions{Workers: 1, PollInterval: 5 * time.Millisecond})

	ctx := context.Background()
	if err := pool.Start(ctx); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 2; i++ {
		stopCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		if err := pool.Stop(stopCtx); err != nil {
			t.Fatal(err)
		}
		cancel()
	}
}

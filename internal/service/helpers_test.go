package service

import (
	"context"
	"encoding/json"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/kvforge/kvforge/internal/database"
	"github.com/kvforge/kvforge/internal/jobs"
	"github.com/kvforge/kvforge/internal/models"
	"github.com/kvforge/kvforge/internal/stateengine"
)

func newTestDB(t *testing.T) *database.SQLiteDB {
	t.Helper()
	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(context.Background()); err != nil {
		t.Fatal(err)
	}
	return db
}

// testServices wires the full service graph against a throwaway database.
type testServices struct {
	db            *database.SQLiteDB
	engine        stateengine.Engine
	commits       *CommitService
	evaluator     *Evaluator
	branches      *BranchService
	mergeRequests *MergeRequestService
	hub           *PropagationHub
	refreshQueue  *jobs.Queue
	webhookQueue  *jobs.Queue
	notifyQueue   *jobs.Queue
}

func newTestServices(t *testing.T, engine stateengine.Engine) *testServices {
	t.Helper()
	db := newTestDB(t)
	if engine == nil {
		engine = stateengine.NewKVEngine()
	}
	logger := slog.Default()

	commits := NewCommitService(db, engine, logger)
	evaluator := NewEvaluator(engine, commits.DataSource(), logger)

	refreshQueue := jobs.NewQueue(db, jobs.QueueBranchRefresh, jobs.QueueOptions{Terminal: IsTerminal})
	webhookQueue := jobs.NewQueue(db, jobs.QueueWebhook, jobs.QueueOptions{Terminal: IsTerminal})
	notifyQueue := jobs.NewQueue(db, jobs.QueueNotification, jobs.QueueOptions{Terminal: IsTerminal})

	hub := NewPropagationHub(logger,
		NewConflictRecomputeCollaborator(refreshQueue),
		NewPreMergeSynthesisCollaborator(refreshQueue),
		NewWebhookCollaborator(db, webhookQueue),
		NewNotificationCollaborator(notifyQueue),
	)

	mergeRequests := NewMergeRequestService(db, commits, evaluator, engine, hub, logger)
	branches := NewBranchService(db, commits, evaluator, engine, hub, logger)

	return &testServices{
		db:            db,
		engine:        engine,
		commits:       commits,
		evaluator:     evaluator,
		branches:      branches,
		mergeRequests: mergeRequests,
		hub:           hub,
		refreshQueue:  refreshQueue,
		webhookQueue:  webhookQueue,
		notifyQueue:   notifyQueue,
	}
}

func (ts *testServices) createUser(t *testing.T, username string, admin bool) *models.User {
	t.Helper()
	u := &models.User{Username: username, Email: username + "@example.com", IsAdmin: admin}
	if err := ts.db.CreateUser(context.Background(), u); err != nil {
		t.Fatal(err)
	}
	return u
}

func (ts *testServices) createRepo(t *testing.T, owner *models.User, name string, private bool) *models.Repository {
	t.Helper()
	repo := &models.Repository{
		OwnerUserID:   &owner.ID,
		Name:          name,
		DefaultBranch: "main",
		IsPrivate:     private,
	}
	if err := ts.db.CreateRepository(context.Background(), repo); err != nil {
		t.Fatal(err)
	}
	return repo
}

func (ts *testServices) createBranch(t *testing.T, repo *models.Repository, name, head string, baseID *int64, creator int64) *models.Branch {
	t.Helper()
	b := &models.Branch{
		RepoID:       repo.ID,
		Name:         name,
		LastCommit:   head,
		BaseBranchID: baseID,
		CreatedBy:    creator,
	}
	if err := ts.db.CreateBranch(context.Background(), b); err != nil {
		t.Fatal(err)
	}
	return b
}

func setDiff(t *testing.T, key, value string) []byte {
	t.Helper()
	d := stateengine.Diff{Sets: map[string]json.RawMessage{key: json.RawMessage(value)}}
	raw, err := json.Marshal(d)
	if err != nil {
		t.Fatal(err)
	}
	return raw
}

func testCommit(sha, parent string, authorID int64, diff []byte) models.Commit {
	return models.Commit{Sha: sha, ParentSha: parent, AuthorID: authorID, Diff: diff}
}

// writeChain ingests a linear chain of commits and returns the tip sha.
func (ts *testServices) writeChain(t *testing.T, repo *models.Repository, commits ...models.Commit) string {
	t.Helper()
	if err := ts.commits.WriteCommitList(context.Background(), repo, commits); err != nil {
		t.Fatal(err)
	}
	return commits[len(commits)-1].Sha
}

// drainQueue claims and processes queued jobs until the queue is empty.
func drainQueue(t *testing.T, q *jobs.Queue, process func(ctx context.Context, job *models.Job) error) int {
	t.Helper()
	ctx := context.Background()
	n := 0
	for {
		job, err := q.Claim(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if job == nil {
			return n
		}
		n++
		if err := process(ctx, job); err != nil {
			if retryErr := q.RetryOrFail(ctx, job, err); retryErr != nil {
				t.Fatal(retryErr)
			}
			continue
		}
		if err := q.Complete(ctx, job.ID); err != nil {
			t.Fatal(err)
		}
	}
}

// stubEngine overrides selected engine functions for property-style tests;
// anything not overridden falls through to the real implementation.
type stubEngine struct {
	stateengine.Engine
	divergence   func(baseSha, headSha string) (*stateengine.Divergence, error)
	canAutoMerge func(intoSha, fromSha, ancestorSha string) (bool, error)
}

func newStubEngine() *stubEngine {
	return &stubEngine{Engine: stateengine.NewKVEngine()}
}

func (s *stubEngine) DivergenceOrigin(ctx context.Context, ds stateengine.DataSource, repoID int64, baseSha, headSha string) (*stateengine.Divergence, error) {
	if s.divergence != nil {
		return s.divergence(baseSha, headSha)
	}
	return s.Engine.DivergenceOrigin(ctx, ds, repoID, baseSha, headSha)
}

func (s *stubEngine) CanAutoMerge(ctx context.Context, ds stateengine.DataSource, repoID int64, intoSha, fromSha, ancestorSha string) (bool, error) {
	if s.canAutoMerge != nil {
		return s.canAutoMerge(intoSha, fromSha, ancestorSha)
	}
	return s.Engine.CanAutoMerge(ctx, ds, repoID, intoSha, fromSha, ancestorSha)
}

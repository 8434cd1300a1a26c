package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/kvforge/kvforge/internal/jobs"
	"github.com/kvforge/kvforge/internal/models"
)

// BranchChange is the event fanned out after any committed transaction that
// moves a branch head.
type BranchChange struct {
	RepositoryID int64 `json:"repository_id"`
	BranchID     int64 `json:"branch_id"`
	ActorID      int64 `json:"actor_id"`
}

// Collaborator reacts to a branch change by enqueuing its own job. The work
// itself runs later on a queue worker, never inline.
type Collaborator interface {
	Name() string
	Enqueue(ctx context.Context, change BranchChange) error
}

// PropagationHub feeds branch changes to an ordered collaborator list.
// Registration order is load-bearing: state recomputation runs before the
// webhook and notification fan-out that reads its output.
type PropagationHub struct {
	collaborators []Collaborator
	logger        *slog.Logger
}

func NewPropagationHub(logger *slog.Logger, collaborators ...Collaborator) *PropagationHub {
	if logger == nil {
		logger = slog.Default()
	}
	return &PropagationHub{collaborators: collaborators, logger: logger}
}

// OnBranchChanged is invoked synchronously after commit. Enqueue failures
// are logged and skipped; the originating mutation already succeeded and
// must not be failed retroactively.
func (h *PropagationHub) OnBranchChanged(ctx context.Context, repo *models.Repository, actorID int64, branch *models.Branch) {
	if h == nil {
		return
	}
	change := BranchChange{RepositoryID: repo.ID, BranchID: branch.ID, ActorID: actorID}
	for _, c := range h.collaborators {
		if err := c.Enqueue(ctx, change); err != nil {
			h.logger.Error("branch change fan-out failed",
				"collaborator", c.Name(), "repo_id", repo.ID, "branch_id", branch.ID, "error", err)
		}
	}
}

// refreshKind selects the branch-refresh job's work.
const (
	refreshKindRecompute  = "recompute"
	refreshKindPresynth   = "presynthesize"
	notificationEventPush = "branch.updated"
)

type branchRefreshPayload struct {
	Kind string `json:"kind"`
	BranchChange
}

// conflictRecomputeCollaborator refreshes derived conflict state for merge
// requests touching the changed branch.
type conflictRecomputeCollaborator struct {
	queue *jobs.Queue
}

func NewConflictRecomputeCollaborator(queue *jobs.Queue) Collaborator {
	return &conflictRecomputeCollaborator{queue: queue}
}

func (c *conflictRecomputeCollaborator) Name() string { return "conflict-recompute" }

func (c *conflictRecomputeCollaborator) Enqueue(ctx context.Context, change BranchChange) error {
	_, err := c.queue.Enqueue(ctx, branchRefreshPayload{Kind: refreshKindRecompute, BranchChange: change})
	return err
}

// preMergeSynthesisCollaborator refreshes dependent branches and
// pre-computes their rebase commits so a later merge is cheap.
type preMergeSynthesisCollaborator struct {
	queue *jobs.Queue
}

func NewPreMergeSynthesisCollaborator(queue *jobs.Queue) Collaborator {
	return &preMergeSynthesisCollaborator{queue: queue}
}

func (c *preMergeSynthesisCollaborator) Name() string { return "pre-merge-synthesis" }

func (c *preMergeSynthesisCollaborator) Enqueue(ctx context.Context, change BranchChange) error {
	_, err := c.queue.Enqueue(ctx, branchRefreshPayload{Kind: refreshKindPresynth, BranchChange: change})
	return err
}

// BranchRefreshHandler processes both branch-refresh job kinds. Handlers
// re-derive everything from current storage, so replays and stale jobs are
// harmless.
type BranchRefreshHandler struct {
	mergeRequests *MergeRequestService
	branches      *BranchService
}

func NewBranchRefreshHandler(mergeRequests *MergeRequestService, branches *BranchService) *BranchRefreshHandler {
	return &BranchRefreshHandler{mergeRequests: mergeRequests, branches: branches}
}

func (h *BranchRefreshHandler) Process(ctx context.Context, job *models.Job) error {
	var payload branchRefreshPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("decode branch refresh payload: %w", err)
	}
	switch payload.Kind {
	case refreshKindRecompute:
		return h.mergeRequests.RecomputeForBranch(ctx, payload.RepositoryID, payload.BranchID)
	case refreshKindPresynth:
		return h.branches.RefreshDependents(ctx, payload.RepositoryID, payload.BranchID, payload.ActorID)
	default:
		return fmt.Errorf("unknown branch refresh kind %q", payload.Kind)
	}
}

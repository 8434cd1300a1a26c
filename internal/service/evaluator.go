package service

import (
	"context"
	"log/slog"

	"github.com/kvforge/kvforge/internal/models"
	"github.com/kvforge/kvforge/internal/stateengine"
)

// Evaluation is the derived conflict state of a branch/base pair. It is
// recomputed from the stored DAG on every relevant mutation and never
// trusted from storage, because either head can advance independently.
type Evaluation struct {
	IsMerged       bool
	IsConflictFree bool
	DivergenceSha  string
	Divergence     *stateengine.Divergence
}

// Evaluator computes divergence and conflict-freeness for branch pairs by
// orchestrating the pure engine functions over the persisted DAG.
type Evaluator struct {
	engine stateengine.Engine
	source stateengine.DataSource
	logger *slog.Logger
}

func NewEvaluator(engine stateengine.Engine, source stateengine.DataSource, logger *slog.Logger) *Evaluator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Evaluator{engine: engine, source: source, logger: logger}
}

// Evaluate derives the conflict state of branch relative to base.
//
// The branch counts as merged when it has no commits left to rebase and one
// side's head is the other's common ancestor. It is conflict-free when it is
// merged, fast-forwardable, or a three-way auto-merge reports no conflicts.
func (e *Evaluator) Evaluate(ctx context.Context, branch, base *models.Branch) (*Evaluation, error) {
	div, err := e.engine.DivergenceOrigin(ctx, e.source, branch.RepoID, base.LastCommit, branch.LastCommit)
	if err != nil {
		return nil, storageErr("divergence computation", err)
	}

	isMerged := len(div.RebaseShas) == 0 &&
		branch.LastCommit != "" && base.LastCommit != "" &&
		(div.IntoLastCommonAncestor == branch.LastCommit || div.TrueOrigin == base.LastCommit)

	isConflictFree := isMerged || div.BasedOn == base.LastCommit
	if !isConflictFree {
		ok, err := e.engine.CanAutoMerge(ctx, e.source, branch.RepoID, base.LastCommit, branch.LastCommit, div.BasedOn)
		if err != nil {
			return nil, storageErr("auto-merge probe", err)
		}
		isConflictFree = ok
	}

	return &Evaluation{
		IsMerged:       isMerged,
		IsConflictFree: isConflictFree,
		DivergenceSha:  div.BasedOn,
		Divergence:     div,
	}, nil
}

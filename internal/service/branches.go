package service

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/kvforge/kvforge/internal/database"
	"github.com/kvforge/kvforge/internal/models"
	"github.com/kvforge/kvforge/internal/stateengine"
)

// BranchService mutates branch heads: pushes, direct merges, reverts and
// fix-forwards. Every head move commits first and propagates after.
type BranchService struct {
	db        database.DB
	commits   *CommitService
	evaluator *Evaluator
	engine    stateengine.Engine
	hub       *PropagationHub
	logger    *slog.Logger
}

func NewBranchService(db database.DB, commits *CommitService, evaluator *Evaluator, engine stateengine.Engine, hub *PropagationHub, logger *slog.Logger) *BranchService {
	if logger == nil {
		logger = slog.Default()
	}
	return &BranchService{
		db:        db,
		commits:   commits,
		evaluator: evaluator,
		engine:    engine,
		hub:       hub,
		logger:    logger,
	}
}

// Create makes a new branch pointing at its base's current head.
func (s *BranchService) Create(ctx context.Context, repoID int64, name string, baseBranchID *int64, actorID int64) (*models.Branch, error) {
	if strings.TrimSpace(name) == "" {
		return nil, validationErr("", "branch name is required")
	}
	if existing, err := s.db.GetBranchByName(ctx, repoID, name); err == nil && !existing.IsDeleted {
		return nil, stateConflictErr("branch %q already exists", name)
	} else if err != nil && !noRows(err) {
		return nil, storageErr("branch lookup", err)
	}

	branch := &models.Branch{
		RepoID:       repoID,
		Name:         name,
		BaseBranchID: baseBranchID,
		CreatedBy:    actorID,
	}
	if baseBranchID != nil {
		base, err := s.db.GetBranch(ctx, *baseBranchID)
		if err != nil || base.IsDeleted {
			return nil, stateConflictErr("base branch %d does not exist", *baseBranchID)
		}
		branch.LastCommit = base.LastCommit
		branch.IsConflictFree = true
	}
	if err := s.db.CreateBranch(ctx, branch); err != nil {
		return nil, storageErr("create branch", err)
	}
	return branch, nil
}

// Push ingests an ordered commit chain and advances the branch head to its
// tip. The first commit must extend the current head.
func (s *BranchService) Push(ctx context.Context, branchID, actorID int64, commits []models.Commit) error {
	if len(commits) == 0 {
		return validationErr("", "push requires at least one commit")
	}
	branch, repo, err := s.loadBranch(ctx, branchID)
	if err != nil {
		return err
	}
	if err := s.checkCanPush(ctx, repo, actorID); err != nil {
		return err
	}
	if commits[0].ParentSha != branch.LastCommit {
		return stateConflictErr("push does not extend head of %q (expected parent %s)", branch.Name, branch.LastCommit)
	}

	if err := s.commits.WriteCommitList(ctx, repo, commits); err != nil {
		return err
	}
	tip := commits[len(commits)-1].Sha
	if err := s.advanceHead(ctx, repo, branch, tip); err != nil {
		return err
	}
	s.hub.OnBranchChanged(ctx, repo, actorID, branch)
	return nil
}

// MergeBranch merges a branch directly into its base without a merge
// request. Refused while an open merge request exists on the branch; that
// flow owns the branch until resolved.
func (s *BranchService) MergeBranch(ctx context.Context, branchID, actorID int64) error {
	branch, repo, err := s.loadBranch(ctx, branchID)
	if err != nil {
		return err
	}
	if branch.BaseBranchID == nil {
		return validationErr("", "branch %q has no base branch", branch.Name)
	}
	base, err := s.db.GetBranch(ctx, *branch.BaseBranchID)
	if err != nil || base.IsDeleted {
		return stateConflictErr("base branch of %q does not exist", branch.Name)
	}

	if mr, err := s.db.GetOpenMergeRequestForBranch(ctx, branchID); err == nil && mr != nil {
		return stateConflictErr("branch %q has an open merge request; merge through it", branch.Name)
	} else if err != nil && !noRows(err) {
		return storageErr("open merge request lookup", err)
	}

	rule, err := s.loadRule(ctx, repo.ID, base.ID)
	if err != nil {
		return err
	}
	if err := s.checkCanMerge(ctx, repo, rule, actorID); err != nil {
		return err
	}

	eval, err := s.evaluator.Evaluate(ctx, branch, base)
	if err != nil {
		return err
	}
	if !eval.IsConflictFree {
		return stateConflictErr("branch %q has conflicts against %q", branch.Name, base.Name)
	}

	list, err := s.engine.MergeRebaseCommits(ctx, s.commits.DataSource(), repo.ID, branch.LastCommit, base.LastCommit, actorID)
	if err != nil {
		return storageErr("synthesize rebase commits", err)
	}
	tip := base.LastCommit
	if len(list) > 0 {
		if err := s.commits.WriteCommitList(ctx, repo, list); err != nil {
			return err
		}
		tip = list[len(list)-1].Sha
	}

	tx, err := s.db.BeginTx(ctx)
	if err != nil {
		return storageErr("begin branch merge transaction", err)
	}
	defer tx.Rollback()

	base.LastCommit = tip
	if err := tx.UpdateBranch(ctx, base); err != nil {
		return storageErr("advance base branch", err)
	}
	if err := retireSourceBranch(ctx, tx, branch, rule); err != nil {
		return err
	}
	if err := tx.TouchRepositoryLastUpdated(ctx, repo.ID, time.Now().UTC()); err != nil {
		return storageErr("stamp repository", err)
	}
	if err := tx.Commit(); err != nil {
		return storageErr("commit branch merge transaction", err)
	}

	s.logger.Info("branch merged", "repo_id", repo.ID, "branch_id", branch.ID, "merge_sha", tip)
	s.hub.OnBranchChanged(ctx, repo, actorID, base)
	return nil
}

// Revert moves the branch to a synthesized commit restoring the state at an
// earlier sha, keeping history append-only.
func (s *BranchService) Revert(ctx context.Context, branchID, actorID int64, revertToSha string) error {
	branch, repo, err := s.loadBranch(ctx, branchID)
	if err != nil {
		return err
	}
	if err := s.checkCanPush(ctx, repo, actorID); err != nil {
		return err
	}

	ds := s.commits.DataSource()
	ok, err := s.engine.CanRevert(ctx, ds, repo.ID, branch.LastCommit, revertToSha)
	if err != nil {
		return storageErr("revert probe", err)
	}
	if !ok {
		return stateConflictErr("%s is not an ancestor of the head of %q", revertToSha, branch.Name)
	}
	commit, err := s.engine.ReversionCommit(ctx, ds, repo.ID, branch.LastCommit, revertToSha, actorID)
	if err != nil {
		return storageErr("synthesize reversion commit", err)
	}
	if err := s.commits.WriteCommit(ctx, repo, commit); err != nil {
		return err
	}
	if err := s.advanceHead(ctx, repo, branch, commit.Sha); err != nil {
		return err
	}
	s.hub.OnBranchChanged(ctx, repo, actorID, branch)
	return nil
}

// AutoFix appends a fix-forward commit re-applying the changes a reversion
// on the head undid.
func (s *BranchService) AutoFix(ctx context.Context, branchID, actorID int64) error {
	branch, repo, err := s.loadBranch(ctx, branchID)
	if err != nil {
		return err
	}
	if err := s.checkCanPush(ctx, repo, actorID); err != nil {
		return err
	}

	ds := s.commits.DataSource()
	ok, err := s.engine.CanAutoFixReversion(ctx, ds, repo.ID, branch.LastCommit)
	if err != nil {
		return storageErr("fix-forward probe", err)
	}
	if !ok {
		return stateConflictErr("head of %q is not a reversion commit", branch.Name)
	}
	commit, err := s.engine.AutoFixCommit(ctx, ds, repo.ID, branch.LastCommit, actorID)
	if err != nil {
		return storageErr("synthesize fix-forward commit", err)
	}
	if err := s.commits.WriteCommit(ctx, repo, commit); err != nil {
		return err
	}
	if err := s.advanceHead(ctx, repo, branch, commit.Sha); err != nil {
		return err
	}
	s.hub.OnBranchChanged(ctx, repo, actorID, branch)
	return nil
}

// Delete soft-deletes a branch nothing depends on.
func (s *BranchService) Delete(ctx context.Context, branchID, actorID int64) error {
	branch, repo, err := s.loadBranch(ctx, branchID)
	if err != nil {
		return err
	}
	if err := s.checkCanPush(ctx, repo, actorID); err != nil {
		return err
	}
	if mr, err := s.db.GetOpenMergeRequestForBranch(ctx, branchID); err == nil && mr != nil {
		return stateConflictErr("branch %q has an open merge request", branch.Name)
	} else if err != nil && !noRows(err) {
		return storageErr("open merge request lookup", err)
	}
	dependents, err := s.db.ListBranchesByBase(ctx, repo.ID, branchID)
	if err != nil {
		return storageErr("dependent branch scan", err)
	}
	for _, dep := range dependents {
		if !dep.IsDeleted {
			return stateConflictErr("branch %q is the base of %q", branch.Name, dep.Name)
		}
	}

	branch.IsDeleted = true
	if err := s.db.UpdateBranch(ctx, branch); err != nil {
		return storageErr("delete branch", err)
	}
	return nil
}

// RefreshDependents re-derives conflict state for every branch based on the
// changed branch. When a dependent turns out conflict-free and unmerged,
// its rebase commits are synthesized and persisted ahead of time; the
// deterministic shas make the eventual merge a cheap dedupe.
func (s *BranchService) RefreshDependents(ctx context.Context, repoID, changedBranchID, actorID int64) error {
	changed, err := s.db.GetBranch(ctx, changedBranchID)
	if err != nil {
		if noRows(err) {
			return nil
		}
		return storageErr("load changed branch", err)
	}
	repo, err := s.db.GetRepositoryByID(ctx, repoID)
	if err != nil {
		return storageErr("load repository", err)
	}

	dependents, err := s.db.ListBranchesByBase(ctx, repoID, changedBranchID)
	if err != nil {
		return storageErr("dependent branch scan", err)
	}
	for i := range dependents {
		dep := &dependents[i]
		if dep.IsDeleted {
			continue
		}
		eval, err := s.evaluator.Evaluate(ctx, dep, changed)
		if err != nil {
			return err
		}
		dep.IsConflictFree = eval.IsConflictFree
		dep.IsMerged = eval.IsMerged
		if err := s.db.UpdateBranch(ctx, dep); err != nil {
			return storageErr("persist dependent branch state", err)
		}

		if eval.IsConflictFree && !eval.IsMerged {
			list, err := s.engine.MergeRebaseCommits(ctx, s.commits.DataSource(), repoID, dep.LastCommit, changed.LastCommit, actorID)
			if err != nil {
				return storageErr("pre-synthesize rebase commits", err)
			}
			if err := s.commits.WriteCommitList(ctx, repo, list); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *BranchService) advanceHead(ctx context.Context, repo *models.Repository, branch *models.Branch, tip string) error {
	tx, err := s.db.BeginTx(ctx)
	if err != nil {
		return storageErr("begin head advance transaction", err)
	}
	defer tx.Rollback()

	branch.LastCommit = tip
	if err := tx.UpdateBranch(ctx, branch); err != nil {
		return storageErr("advance branch head", err)
	}
	if err := tx.TouchRepositoryLastUpdated(ctx, repo.ID, time.Now().UTC()); err != nil {
		return storageErr("stamp repository", err)
	}
	if err := tx.Commit(); err != nil {
		return storageErr("commit head advance transaction", err)
	}
	return nil
}

func (s *BranchService) loadBranch(ctx context.Context, branchID int64) (*models.Branch, *models.Repository, error) {
	branch, err := s.db.GetBranch(ctx, branchID)
	if err != nil || branch.IsDeleted {
		return nil, nil, stateConflictErr("branch %d does not exist", branchID)
	}
	repo, err := s.db.GetRepositoryByID(ctx, branch.RepoID)
	if err != nil {
		return nil, nil, storageErr("load repository", err)
	}
	return branch, repo, nil
}

func (s *BranchService) loadRule(ctx context.Context, repoID, baseBranchID int64) (*models.ProtectedBranchRule, error) {
	rule, err := s.db.GetProtectedBranchRule(ctx, repoID, baseBranchID)
	if err != nil {
		if noRows(err) {
			return nil, nil
		}
		return nil, storageErr("load branch rule", err)
	}
	return rule, nil
}

func (s *BranchService) checkCanPush(ctx context.Context, repo *models.Repository, actorID int64) error {
	privileged, canPush, err := s.actorStanding(ctx, repo, actorID)
	if err != nil {
		return err
	}
	if !privileged && !canPush {
		return permissionErr("user %d may not push to this repository", actorID)
	}
	return nil
}

func (s *BranchService) checkCanMerge(ctx context.Context, repo *models.Repository, rule *models.ProtectedBranchRule, actorID int64) error {
	privileged, canPush, err := s.actorStanding(ctx, repo, actorID)
	if err != nil {
		return err
	}
	if privileged {
		return nil
	}
	if !canPush {
		return permissionErr("user %d may not merge in this repository", actorID)
	}
	if rule != nil && rule.RequireApprovalToMerge {
		return permissionErr("base branch requires a merge request with approval")
	}
	return nil
}

func (s *BranchService) actorStanding(ctx context.Context, repo *models.Repository, actorID int64) (privileged, canPush bool, err error) {
	user, err := s.db.GetUserByID(ctx, actorID)
	if err != nil {
		return false, false, storageErr("load user", err)
	}
	privileged = user.IsAdmin || (repo.OwnerUserID != nil && *repo.OwnerUserID == actorID)
	if !privileged && repo.OwnerOrgID != nil {
		member, err := s.db.GetOrgMember(ctx, *repo.OwnerOrgID, actorID)
		if err != nil && !noRows(err) {
			return false, false, storageErr("load org member", err)
		}
		privileged = member != nil && member.Role == "admin"
	}
	collab, err := s.db.GetCollaborator(ctx, repo.ID, actorID)
	if err != nil && !noRows(err) {
		return false, false, storageErr("load collaborator", err)
	}
	canPush = privileged || (collab != nil && collab.CanPushBranches)
	return privileged, canPush, nil
}

// retireSourceBranch flags a merged source branch, deleting it when the
// branch rule asks for cleanup and nothing else is based on it.
func retireSourceBranch(ctx context.Context, tx database.Tx, branch *models.Branch, rule *models.ProtectedBranchRule) error {
	branch.IsMerged = true
	branch.IsConflictFree = true
	if rule != nil && rule.AutoDeleteMergedFeatureBranch {
		dependents, err := tx.ListBranchesByBase(ctx, branch.RepoID, branch.ID)
		if err != nil {
			return storageErr("dependent branch scan", err)
		}
		blocked := false
		for _, dep := range dependents {
			if !dep.IsDeleted {
				blocked = true
				break
			}
		}
		if !blocked {
			branch.IsDeleted = true
		}
	}
	if err := tx.UpdateBranch(ctx, branch); err != nil {
		return storageErr("retire source branch", err)
	}
	return nil
}

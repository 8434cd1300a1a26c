package service

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/kvforge/kvforge/internal/database"
	"github.com/kvforge/kvforge/internal/models"
	"github.com/kvforge/kvforge/internal/stateengine"
)

const mrTracerName = "github.com/kvforge/kvforge/internal/service"

// MergeRequestService drives the merge-request lifecycle: creation, review
// mutation, closing and merging. A merge request is terminal once closed;
// every terminal-state mutation fails without writing.
type MergeRequestService struct {
	db        database.DB
	commits   *CommitService
	evaluator *Evaluator
	engine    stateengine.Engine
	hub       *PropagationHub
	logger    *slog.Logger
}

func NewMergeRequestService(db database.DB, commits *CommitService, evaluator *Evaluator, engine stateengine.Engine, hub *PropagationHub, logger *slog.Logger) *MergeRequestService {
	if logger == nil {
		logger = slog.Default()
	}
	return &MergeRequestService{
		db:        db,
		commits:   commits,
		evaluator: evaluator,
		engine:    engine,
		hub:       hub,
		logger:    logger,
	}
}

// Create opens a merge request for branch against its base. At most one open
// merge request may exist per branch.
func (s *MergeRequestService) Create(ctx context.Context, repoID, branchID, actorID int64, title, description string) (*models.MergeRequest, error) {
	if strings.TrimSpace(title) == "" {
		return nil, validationErr("", "title is required")
	}
	if strings.TrimSpace(description) == "" {
		return nil, validationErr("", "description is required")
	}

	repo, err := s.db.GetRepositoryByID(ctx, repoID)
	if err != nil {
		return nil, storageErr("load repository", err)
	}
	branch, err := s.db.GetBranch(ctx, branchID)
	if err != nil || branch.IsDeleted {
		return nil, stateConflictErr("branch %d does not exist", branchID)
	}
	if branch.BaseBranchID == nil {
		return nil, validationErr("", "branch %q has no base branch", branch.Name)
	}
	base, err := s.db.GetBranch(ctx, *branch.BaseBranchID)
	if err != nil || base.IsDeleted {
		return nil, stateConflictErr("base branch of %q does not exist", branch.Name)
	}

	if err := s.checkCanCreate(ctx, repo, base, actorID); err != nil {
		return nil, err
	}

	if existing, err := s.db.GetOpenMergeRequestForBranch(ctx, branchID); err == nil && existing != nil {
		return nil, stateConflictErr("branch %q already has an open merge request", branch.Name)
	} else if err != nil && !noRows(err) {
		return nil, storageErr("open merge request lookup", err)
	}

	eval, err := s.evaluator.Evaluate(ctx, branch, base)
	if err != nil {
		return nil, err
	}

	mr := &models.MergeRequest{
		RepoID:                repoID,
		BranchID:              branchID,
		Title:                 title,
		Description:           description,
		OpenedByUserID:        actorID,
		IsOpen:                true,
		IsMerged:              eval.IsMerged,
		IsConflictFree:        eval.IsConflictFree,
		DivergenceSha:         eval.DivergenceSha,
		BranchHeadShaAtCreate: branch.LastCommit,
	}

	rule, err := s.loadRule(ctx, s.db, repo.ID, base.ID)
	if err != nil {
		return nil, err
	}
	mr.ApprovalStatus = s.deriveApprovalStatus(ctx, s.db, mr, branch, rule)

	if err := s.db.CreateMergeRequest(ctx, mr); err != nil {
		return nil, storageErr("create merge request", err)
	}
	s.logger.Info("merge request opened", "merge_request_id", mr.ID, "repo_id", repoID, "branch_id", branchID)
	return mr, nil
}

func (s *MergeRequestService) checkCanCreate(ctx context.Context, repo *models.Repository, base *models.Branch, actorID int64) error {
	probe := &models.MergeRequest{OpenedByUserID: actorID}
	in, err := loadCapabilityInput(ctx, s.db, repo, probe, base, actorID)
	if err != nil {
		return err
	}
	privileged := in.User.IsAdmin ||
		(repo.OwnerUserID != nil && *repo.OwnerUserID == actorID) ||
		(in.OrgMember != nil && in.OrgMember.Role == "admin")
	canPush := privileged || (in.Collaborator != nil && in.Collaborator.CanPushBranches)
	if privileged {
		return nil
	}
	if !canPush {
		return permissionErr("user %d may not create merge requests on this repository", actorID)
	}
	if in.Rule != nil && !in.Rule.CanCreateMergeRequests {
		return permissionErr("branch rule forbids creating merge requests against %q", base.Name)
	}
	return nil
}

// Close terminates an open merge request without merging.
func (s *MergeRequestService) Close(ctx context.Context, mergeRequestID, actorID int64) error {
	mr, branch, base, repo, err := s.loadOpen(ctx, mergeRequestID)
	if err != nil {
		return err
	}

	in, err := loadCapabilityInput(ctx, s.db, repo, mr, base, actorID)
	if err != nil {
		return err
	}
	if !ComputeCapabilities(in).CanClose {
		return permissionErr("user %d may not close merge request %d", actorID, mergeRequestID)
	}

	tx, err := s.db.BeginTx(ctx)
	if err != nil {
		return storageErr("begin close transaction", err)
	}
	defer tx.Rollback()

	head := branch.LastCommit
	mr.IsOpen = false
	mr.WasClosedWithoutMerging = true
	mr.BranchHeadShaAtClose = &head
	if err := tx.UpdateMergeRequest(ctx, mr); err != nil {
		return storageErr("close merge request", err)
	}
	if err := tx.Commit(); err != nil {
		return storageErr("commit close transaction", err)
	}
	s.logger.Info("merge request closed", "merge_request_id", mr.ID)
	return nil
}

// UpdateReviewers adds and soft-removes reviewer assignments, then re-derives
// the approval status from the surviving reviews.
func (s *MergeRequestService) UpdateReviewers(ctx context.Context, mergeRequestID, actorID int64, add, remove []int64) error {
	mr, branch, base, repo, err := s.loadOpen(ctx, mergeRequestID)
	if err != nil {
		return err
	}

	in, err := loadCapabilityInput(ctx, s.db, repo, mr, base, actorID)
	if err != nil {
		return err
	}
	caps := ComputeCapabilities(in)
	selfRemovalOnly := len(add) == 0 && len(remove) == 1 && remove[0] == actorID
	if !caps.CanEditReviewers && !(selfRemovalOnly && caps.CanRemoveSelfFromReviewers) {
		return permissionErr("user %d may not edit reviewers on merge request %d", actorID, mergeRequestID)
	}

	rule, err := s.loadRule(ctx, s.db, repo.ID, base.ID)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx)
	if err != nil {
		return storageErr("begin reviewer transaction", err)
	}
	defer tx.Rollback()

	for _, userID := range add {
		existing, err := tx.GetReviewerRequest(ctx, mr.ID, userID)
		if err != nil && !noRows(err) {
			return storageErr("reviewer lookup", err)
		}
		if existing != nil && !existing.IsDeleted {
			continue
		}
		req := &models.ReviewerRequest{
			MergeRequestID:    mr.ID,
			ReviewerUserID:    userID,
			RequestedByUserID: actorID,
		}
		if err := tx.CreateReviewerRequest(ctx, req); err != nil {
			return storageErr("add reviewer", err)
		}
	}
	for _, userID := range remove {
		existing, err := tx.GetReviewerRequest(ctx, mr.ID, userID)
		if err != nil {
			if noRows(err) {
				continue
			}
			return storageErr("reviewer lookup", err)
		}
		if existing.IsDeleted {
			continue
		}
		if err := tx.SoftDeleteReviewerRequest(ctx, existing.ID); err != nil {
			return storageErr("remove reviewer", err)
		}
	}

	if err := s.storeApprovalStatus(ctx, tx, mr, branch, rule); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return storageErr("commit reviewer transaction", err)
	}
	return nil
}

// UpsertReviewStatus records or updates the actor's review. The opener may
// not review their own merge request.
func (s *MergeRequestService) UpsertReviewStatus(ctx context.Context, mergeRequestID, actorID int64, status string) error {
	switch status {
	case models.ReviewStatusApproved, models.ReviewStatusRequestedChanges, models.ReviewStatusBlocked:
	default:
		return validationErr("", "unknown review status %q", status)
	}

	mr, branch, base, repo, err := s.loadOpen(ctx, mergeRequestID)
	if err != nil {
		return err
	}
	if mr.OpenedByUserID == actorID {
		return validationErr(codeSelfReview, "a merge request may not be reviewed by its opener")
	}

	in, err := loadCapabilityInput(ctx, s.db, repo, mr, base, actorID)
	if err != nil {
		return err
	}
	if !ComputeCapabilities(in).CanReview {
		return permissionErr("user %d may not review merge request %d", actorID, mergeRequestID)
	}

	rule, err := s.loadRule(ctx, s.db, repo.ID, base.ID)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx)
	if err != nil {
		return storageErr("begin review transaction", err)
	}
	defer tx.Rollback()

	existing, err := tx.GetReviewStatusForUser(ctx, mr.ID, actorID)
	if err != nil && !noRows(err) {
		return storageErr("review lookup", err)
	}
	if existing != nil {
		existing.ApprovalStatus = status
		existing.BaseBranchIDAtCreate = branch.BaseBranchID
		existing.BranchHeadShaAtUpdate = branch.LastCommit
		if err := tx.UpdateReviewStatus(ctx, existing); err != nil {
			return storageErr("update review", err)
		}
	} else {
		review := &models.ReviewStatus{
			MergeRequestID:        mr.ID,
			UserID:                actorID,
			ApprovalStatus:        status,
			BaseBranchIDAtCreate:  branch.BaseBranchID,
			BranchHeadShaAtUpdate: branch.LastCommit,
		}
		if err := tx.CreateReviewStatus(ctx, review); err != nil {
			return storageErr("create review", err)
		}
	}

	if err := s.storeApprovalStatus(ctx, tx, mr, branch, rule); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return storageErr("commit review transaction", err)
	}
	return nil
}

// DeleteReviewStatus withdraws the actor's own review.
func (s *MergeRequestService) DeleteReviewStatus(ctx context.Context, mergeRequestID, actorID int64) error {
	mr, branch, base, _, err := s.loadOpen(ctx, mergeRequestID)
	if err != nil {
		return err
	}

	existing, err := s.db.GetReviewStatusForUser(ctx, mr.ID, actorID)
	if err != nil {
		if noRows(err) {
			return stateConflictErr("user %d has no review on merge request %d", actorID, mergeRequestID)
		}
		return storageErr("review lookup", err)
	}

	rule, err := s.loadRule(ctx, s.db, mr.RepoID, base.ID)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx)
	if err != nil {
		return storageErr("begin review delete transaction", err)
	}
	defer tx.Rollback()

	if err := tx.DeleteReviewStatus(ctx, existing.ID); err != nil {
		return storageErr("delete review", err)
	}
	if err := s.storeApprovalStatus(ctx, tx, mr, branch, rule); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return storageErr("commit review delete transaction", err)
	}
	return nil
}

// Merge executes an open, conflict-free merge request. The rebase commit
// list is synthesized and ingested first; the head advance, merge-request
// close, source-branch cleanup and repository stamp then land in one
// transaction. Collaborators are notified only after commit.
func (s *MergeRequestService) Merge(ctx context.Context, mergeRequestID, actorID int64) error {
	tracer := otel.Tracer(mrTracerName)
	ctx, span := tracer.Start(ctx, "MergeRequestService.Merge")
	defer span.End()
	span.SetAttributes(attribute.Int64("merge_request.id", mergeRequestID))

	err := s.merge(ctx, mergeRequestID, actorID)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	return err
}

func (s *MergeRequestService) merge(ctx context.Context, mergeRequestID, actorID int64) error {
	mr, branch, base, repo, err := s.loadOpen(ctx, mergeRequestID)
	if err != nil {
		return err
	}

	eval, err := s.evaluator.Evaluate(ctx, branch, base)
	if err != nil {
		return err
	}
	if !eval.IsConflictFree {
		return stateConflictErr("merge request %d has conflicts against %q", mr.ID, base.Name)
	}

	rule, err := s.loadRule(ctx, s.db, repo.ID, base.ID)
	if err != nil {
		return err
	}
	mr.ApprovalStatus = s.deriveApprovalStatus(ctx, s.db, mr, branch, rule)

	in, err := loadCapabilityInput(ctx, s.db, repo, mr, base, actorID)
	if err != nil {
		return err
	}
	caps := ComputeCapabilities(in)
	if !caps.AllowedToMerge {
		return permissionErr("user %d may not merge into %q", actorID, base.Name)
	}
	if rule != nil && rule.RequireApprovalToMerge {
		privileged := in.User.IsAdmin ||
			(repo.OwnerUserID != nil && *repo.OwnerUserID == actorID) ||
			(in.OrgMember != nil && in.OrgMember.Role == "admin")
		if caps.HasBlocked {
			return permissionErr("merge request %d is blocked by a review", mr.ID)
		}
		if !caps.HasApproved && !privileged {
			return permissionErr("merge request %d is missing approval", mr.ID)
		}
	}

	tip, err := s.synthesizeAndIngest(ctx, repo, branch, base, actorID)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx)
	if err != nil {
		return storageErr("begin merge transaction", err)
	}
	defer tx.Rollback()

	base.LastCommit = tip
	if err := tx.UpdateBranch(ctx, base); err != nil {
		return storageErr("advance base branch", err)
	}

	head := branch.LastCommit
	mr.IsOpen = false
	mr.IsMerged = true
	mr.IsConflictFree = true
	mr.MergeSha = &tip
	mr.BranchHeadShaAtClose = &head
	if err := tx.UpdateMergeRequest(ctx, mr); err != nil {
		return storageErr("close merged merge request", err)
	}

	if err := retireSourceBranch(ctx, tx, branch, rule); err != nil {
		return err
	}
	if err := tx.TouchRepositoryLastUpdated(ctx, repo.ID, time.Now().UTC()); err != nil {
		return storageErr("stamp repository", err)
	}
	if err := tx.Commit(); err != nil {
		return storageErr("commit merge transaction", err)
	}

	s.logger.Info("merge request merged",
		"merge_request_id", mr.ID, "repo_id", repo.ID, "merge_sha", tip)
	s.hub.OnBranchChanged(ctx, repo, actorID, base)
	return nil
}

// synthesizeAndIngest builds the rebase commit list for the branch onto the
// base head and persists it through the ingestion pipeline. When the base
// has not moved the engine returns the branch's own commits and the merge
// fast-forwards to the branch head; otherwise the synthesized shas are
// deterministic, so commits pre-computed by the propagation hub dedupe here
// instead of doubling up.
func (s *MergeRequestService) synthesizeAndIngest(ctx context.Context, repo *models.Repository, branch, base *models.Branch, actorID int64) (string, error) {
	list, err := s.engine.MergeRebaseCommits(ctx, s.commits.DataSource(), repo.ID, branch.LastCommit, base.LastCommit, actorID)
	if err != nil {
		return "", storageErr("synthesize rebase commits", err)
	}
	if len(list) == 0 {
		return base.LastCommit, nil
	}
	if err := s.commits.WriteCommitList(ctx, repo, list); err != nil {
		return "", err
	}
	return list[len(list)-1].Sha, nil
}

// RecomputeForBranch refreshes the derived fields of the open merge request
// on the given branch, then cascades to merge requests whose base is that
// branch. Safe to rerun: it overwrites derived state with a fresh pure
// computation.
func (s *MergeRequestService) RecomputeForBranch(ctx context.Context, repoID, branchID int64) error {
	branch, err := s.db.GetBranch(ctx, branchID)
	if err != nil {
		if noRows(err) {
			return nil
		}
		return storageErr("load branch", err)
	}

	if err := s.recomputeOne(ctx, branch); err != nil {
		return err
	}

	dependents, err := s.db.ListBranchesByBase(ctx, repoID, branchID)
	if err != nil {
		return storageErr("dependent branch scan", err)
	}
	for i := range dependents {
		if dependents[i].IsDeleted {
			continue
		}
		if err := s.recomputeOne(ctx, &dependents[i]); err != nil {
			return err
		}
	}
	return nil
}

func (s *MergeRequestService) recomputeOne(ctx context.Context, branch *models.Branch) error {
	mr, err := s.db.GetOpenMergeRequestForBranch(ctx, branch.ID)
	if err != nil {
		if noRows(err) {
			return nil
		}
		return storageErr("open merge request lookup", err)
	}
	if branch.BaseBranchID == nil {
		return nil
	}
	base, err := s.db.GetBranch(ctx, *branch.BaseBranchID)
	if err != nil {
		return storageErr("load base branch", err)
	}

	eval, err := s.evaluator.Evaluate(ctx, branch, base)
	if err != nil {
		return err
	}
	mr.IsMerged = eval.IsMerged
	mr.IsConflictFree = eval.IsConflictFree
	mr.DivergenceSha = eval.DivergenceSha

	rule, err := s.loadRule(ctx, s.db, mr.RepoID, base.ID)
	if err != nil {
		return err
	}
	mr.ApprovalStatus = s.deriveApprovalStatus(ctx, s.db, mr, branch, rule)

	if err := s.db.UpdateMergeRequest(ctx, mr); err != nil {
		return storageErr("persist recomputed merge request", err)
	}
	return nil
}

// deriveApprovalStatus folds the merge request's review rows into one
// status. When re-approval on push is required, reviews recorded against an
// older head or a different base are treated as stale and dropped.
func (s *MergeRequestService) deriveApprovalStatus(ctx context.Context, store database.Store, mr *models.MergeRequest, branch *models.Branch, rule *models.ProtectedBranchRule) string {
	if rule == nil || !rule.RequireApprovalToMerge {
		return ""
	}
	reviews, err := store.ListReviewStatuses(ctx, mr.ID)
	if err != nil {
		s.logger.Warn("review listing failed, approval left pending", "merge_request_id", mr.ID, "error", err)
		return models.ApprovalStatusPending
	}

	filtered := reviews[:0:0]
	for _, review := range reviews {
		if rule.RequireReapprovalOnPushToMerge {
			if review.BranchHeadShaAtUpdate != branch.LastCommit {
				continue
			}
			if !sameBase(review.BaseBranchIDAtCreate, branch.BaseBranchID) {
				continue
			}
		}
		filtered = append(filtered, review)
	}
	if len(filtered) == 0 {
		return models.ApprovalStatusPending
	}
	allApproved := true
	for _, review := range filtered {
		if review.ApprovalStatus == models.ReviewStatusBlocked {
			return models.ApprovalStatusBlocked
		}
		if review.ApprovalStatus != models.ReviewStatusApproved {
			allApproved = false
		}
	}
	if allApproved {
		return models.ApprovalStatusApproved
	}
	return models.ApprovalStatusPending
}

func (s *MergeRequestService) storeApprovalStatus(ctx context.Context, tx database.Tx, mr *models.MergeRequest, branch *models.Branch, rule *models.ProtectedBranchRule) error {
	mr.ApprovalStatus = s.deriveApprovalStatus(ctx, tx, mr, branch, rule)
	if err := tx.UpdateMergeRequest(ctx, mr); err != nil {
		return storageErr("persist approval status", err)
	}
	return nil
}

func (s *MergeRequestService) loadRule(ctx context.Context, store database.Store, repoID, baseBranchID int64) (*models.ProtectedBranchRule, error) {
	rule, err := store.GetProtectedBranchRule(ctx, repoID, baseBranchID)
	if err != nil {
		if noRows(err) {
			return nil, nil
		}
		return nil, storageErr("load branch rule", err)
	}
	return rule, nil
}

func (s *MergeRequestService) loadOpen(ctx context.Context, mergeRequestID int64) (*models.MergeRequest, *models.Branch, *models.Branch, *models.Repository, error) {
	mr, err := s.db.GetMergeRequest(ctx, mergeRequestID)
	if err != nil {
		if noRows(err) {
			return nil, nil, nil, nil, stateConflictErr("merge request %d does not exist", mergeRequestID)
		}
		return nil, nil, nil, nil, storageErr("load merge request", err)
	}
	if !mr.IsOpen {
		return nil, nil, nil, nil, stateConflictErr("merge request %d is closed", mergeRequestID)
	}
	branch, err := s.db.GetBranch(ctx, mr.BranchID)
	if err != nil || branch.IsDeleted {
		return nil, nil, nil, nil, stateConflictErr("branch of merge request %d does not exist", mergeRequestID)
	}
	if branch.BaseBranchID == nil {
		return nil, nil, nil, nil, stateConflictErr("branch of merge request %d has no base", mergeRequestID)
	}
	base, err := s.db.GetBranch(ctx, *branch.BaseBranchID)
	if err != nil || base.IsDeleted {
		return nil, nil, nil, nil, stateConflictErr("base branch of merge request %d does not exist", mergeRequestID)
	}
	repo, err := s.db.GetRepositoryByID(ctx, mr.RepoID)
	if err != nil {
		return nil, nil, nil, nil, storageErr("load repository", err)
	}
	return mr, branch, base, repo, nil
}

func sameBase(a, b *int64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

package service

import (
	"context"
	"database/sql"
	"errors"

	"github.com/kvforge/kvforge/internal/database"
	"github.com/kvforge/kvforge/internal/models"
)

// Capabilities is the review/approval capability set for one user on one
// merge request. It is a pure function of the loaded rows; computing it
// performs no writes.
type Capabilities struct {
	CanEditInfo                    bool `json:"can_edit_info"`
	CanEditReviewers               bool `json:"can_edit_reviewers"`
	CanRemoveSelfFromReviewers     bool `json:"can_remove_self_from_reviewers"`
	CanReview                      bool `json:"can_review"`
	CanClose                       bool `json:"can_close"`
	AllowedToMerge                 bool `json:"allowed_to_merge"`
	HasApproved                    bool `json:"has_approved"`
	HasBlocked                     bool `json:"has_blocked"`
	RequireApprovalToMerge         bool `json:"require_approval_to_merge"`
	RequireReapprovalOnPushToMerge bool `json:"require_reapproval_on_push_to_merge"`
}

// CapabilityInput carries the rows the computation reads. Rule, Collaborator,
// OrgMember and ReviewerRequest may be nil when no matching row exists.
type CapabilityInput struct {
	Repo            *models.Repository
	User            *models.User
	MergeRequest    *models.MergeRequest
	Rule            *models.ProtectedBranchRule
	Collaborator    *models.Collaborator
	OrgMember       *models.OrganizationMember
	ReviewerRequest *models.ReviewerRequest
}

// ComputeCapabilities derives the capability set. Organization admins and
// owners of personal repositories short-circuit most checks to true.
func ComputeCapabilities(in CapabilityInput) Capabilities {
	var caps Capabilities
	if in.Repo == nil || in.User == nil || in.MergeRequest == nil {
		return caps
	}

	privileged := in.User.IsAdmin ||
		(in.Repo.OwnerUserID != nil && *in.Repo.OwnerUserID == in.User.ID) ||
		(in.OrgMember != nil && in.OrgMember.Role == "admin")

	isOpener := in.MergeRequest.OpenedByUserID == in.User.ID

	canPush := privileged || (in.Collaborator != nil && in.Collaborator.CanPushBranches)
	canApprove := privileged || (in.Collaborator != nil && in.Collaborator.CanApproveMergeRequest)
	if in.Rule != nil && !in.Rule.CanApproveMergeRequests && !privileged {
		canApprove = false
	}

	caps.CanEditInfo = privileged || isOpener
	caps.CanEditReviewers = privileged || isOpener
	caps.CanRemoveSelfFromReviewers = in.ReviewerRequest != nil && !in.ReviewerRequest.IsDeleted
	caps.CanReview = canApprove && !isOpener
	caps.CanClose = privileged || isOpener

	if in.Rule != nil {
		caps.RequireApprovalToMerge = in.Rule.RequireApprovalToMerge
		caps.RequireReapprovalOnPushToMerge = in.Rule.RequireReapprovalOnPushToMerge
	}

	switch {
	case privileged:
		caps.AllowedToMerge = true
	case in.Rule != nil && in.Rule.RequireApprovalToMerge:
		caps.AllowedToMerge = canPush && in.Rule.CanMergeWithApproval
	default:
		caps.AllowedToMerge = canPush
	}

	caps.HasApproved = in.MergeRequest.ApprovalStatus == models.ApprovalStatusApproved
	caps.HasBlocked = in.MergeRequest.ApprovalStatus == models.ApprovalStatusBlocked
	return caps
}

// loadCapabilityInput gathers the rows ComputeCapabilities needs for a user
// acting on a merge request whose branch targets base.
func loadCapabilityInput(ctx context.Context, store database.Store, repo *models.Repository, mr *models.MergeRequest, base *models.Branch, userID int64) (CapabilityInput, error) {
	in := CapabilityInput{Repo: repo, MergeRequest: mr}

	user, err := store.GetUserByID(ctx, userID)
	if err != nil {
		return in, storageErr("load user", err)
	}
	in.User = user

	if repo.OwnerOrgID != nil {
		member, err := store.GetOrgMember(ctx, *repo.OwnerOrgID, userID)
		if err != nil && !noRows(err) {
			return in, storageErr("load org member", err)
		}
		in.OrgMember = member
	}

	collab, err := store.GetCollaborator(ctx, repo.ID, userID)
	if err != nil && !noRows(err) {
		return in, storageErr("load collaborator", err)
	}
	in.Collaborator = collab

	if base != nil {
		rule, err := store.GetProtectedBranchRule(ctx, repo.ID, base.ID)
		if err != nil && !noRows(err) {
			return in, storageErr("load branch rule", err)
		}
		in.Rule = rule
	}

	req, err := store.GetReviewerRequest(ctx, mr.ID, userID)
	if err != nil && !noRows(err) {
		return in, storageErr("load reviewer request", err)
	}
	in.ReviewerRequest = req
	return in, nil
}

func noRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

package database

import (
	"context"
	"time"

	"github.com/kvforge/kvforge/internal/models"
)

// Store is the data-access surface shared by the root handle and transactions.
// Multi-entity mutations run against a Tx so a failure anywhere rolls back the
// whole write set.
type Store interface {
	// Users
	CreateUser(ctx context.Context, user *models.User) error
	GetUserByID(ctx context.Context, id int64) (*models.User, error)
	AddUserStorageBytes(ctx context.Context, userID, delta int64) error

	// Organizations
	CreateOrg(ctx context.Context, org *models.Organization) error
	GetOrgByID(ctx context.Context, id int64) (*models.Organization, error)
	AddOrgStorageBytes(ctx context.Context, orgID, delta int64) error
	AddOrgMember(ctx context.Context, m *models.OrganizationMember) error
	GetOrgMember(ctx context.Context, orgID, userID int64) (*models.OrganizationMember, error)

	// Repositories
	CreateRepository(ctx context.Context, repo *models.Repository) error
	GetRepositoryByID(ctx context.Context, id int64) (*models.Repository, error)
	TouchRepositoryLastUpdated(ctx context.Context, id int64, at time.Time) error
	AddCollaborator(ctx context.Context, c *models.Collaborator) error
	GetCollaborator(ctx context.Context, repoID, userID int64) (*models.Collaborator, error)
	ListCollaborators(ctx context.Context, repoID int64) ([]models.Collaborator, error)

	// Commits
	CreateCommit(ctx context.Context, commit *models.Commit) error
	GetCommit(ctx context.Context, repoID int64, sha string) (*models.Commit, error)
	CommitExists(ctx context.Context, repoID int64, sha string) (bool, error)
	ListCommits(ctx context.Context, repoID int64) ([]models.Commit, error)

	// Commit snapshots
	CreateSnapshot(ctx context.Context, snap *models.CommitSnapshot) error
	GetSnapshot(ctx context.Context, repoID int64, sha, kind string) (*models.CommitSnapshot, error)
	DeleteOrphanedSnapshots(ctx context.Context) (int64, error)

	// Branches
	CreateBranch(ctx context.Context, branch *models.Branch) error
	GetBranch(ctx context.Context, id int64) (*models.Branch, error)
	GetBranchByName(ctx context.Context, repoID int64, name string) (*models.Branch, error)
	UpdateBranch(ctx context.Context, branch *models.Branch) error
	ListBranches(ctx context.Context, repoID int64) ([]models.Branch, error)
	ListBranchesByBase(ctx context.Context, repoID, baseBranchID int64) ([]models.Branch, error)

	// Merge requests
	CreateMergeRequest(ctx context.Context, mr *models.MergeRequest) error
	GetMergeRequest(ctx context.Context, id int64) (*models.MergeRequest, error)
	GetOpenMergeRequestForBranch(ctx context.Context, branchID int64) (*models.MergeRequest, error)
	UpdateMergeRequest(ctx context.Context, mr *models.MergeRequest) error
	ListOpenMergeRequests(ctx context.Context, repoID int64) ([]models.MergeRequest, error)

	// Reviewer requests
	CreateReviewerRequest(ctx context.Context, r *models.ReviewerRequest) error
	SoftDeleteReviewerRequest(ctx context.Context, id int64) error
	GetReviewerRequest(ctx context.Context, mergeRequestID, reviewerUserID int64) (*models.ReviewerRequest, error)
	ListReviewerRequests(ctx context.Context, mergeRequestID int64) ([]models.ReviewerRequest, error)

	// Review statuses
	CreateReviewStatus(ctx context.Context, r *models.ReviewStatus) error
	UpdateReviewStatus(ctx context.Context, r *models.ReviewStatus) error
	DeleteReviewStatus(ctx context.Context, id int64) error
	GetReviewStatusForUser(ctx context.Context, mergeRequestID, userID int64) (*models.ReviewStatus, error)
	ListReviewStatuses(ctx context.Context, mergeRequestID int64) ([]models.ReviewStatus, error)

	// Protected branch rules
	UpsertProtectedBranchRule(ctx context.Context, rule *models.ProtectedBranchRule) error
	GetProtectedBranchRule(ctx context.Context, repoID, branchID int64) (*models.ProtectedBranchRule, error)

	// Webhooks
	CreateWebhookKey(ctx context.Context, key *models.WebhookKey) error
	GetWebhookKey(ctx context.Context, id int64) (*models.WebhookKey, error)
	CreateEnabledWebhook(ctx context.Context, hook *models.EnabledWebhook) error
	GetEnabledWebhook(ctx context.Context, id int64) (*models.EnabledWebhook, error)
	ListEnabledWebhooks(ctx context.Context, repoID int64) ([]models.EnabledWebhook, error)
	CreateWebhookEvent(ctx context.Context, event *models.WebhookEvent) error
	ListWebhookEvents(ctx context.Context, enabledWebhookID int64) ([]models.WebhookEvent, error)

	// Jobs
	EnqueueJob(ctx context.Context, job *models.Job) error
	ClaimJob(ctx context.Context, queue string, now time.Time) (*models.Job, error)
	CompleteJob(ctx context.Context, id int64, status, errMsg string) error
	RequeueJob(ctx context.Context, id int64, errMsg string, nextAttempt time.Time) error
	ListJobs(ctx context.Context, queue string) ([]models.Job, error)

	// Notifications
	CreateNotification(ctx context.Context, n *models.Notification) error
	ListNotifications(ctx context.Context, userID int64) ([]models.Notification, error)
	UpsertNotificationPreference(ctx context.Context, p *models.NotificationPreference) error
	GetNotificationPreference(ctx context.Context, userID, repoID int64) (*models.NotificationPreference, error)

	// Plugins
	CreatePluginVersion(ctx context.Context, p *models.PluginVersion) error
	GetPluginVersion(ctx context.Context, name, version string) (*models.PluginVersion, error)

	// Storage utilization
	CreateBinaryUtilization(ctx context.Context, u *models.BinaryUtilization) error
	CreatePluginUtilization(ctx context.Context, u *models.PluginUtilization) error
	ListBinaryUtilizations(ctx context.Context, repoID int64, sha string) ([]models.BinaryUtilization, error)
	ListPluginUtilizations(ctx context.Context, repoID int64, sha string) ([]models.PluginUtilization, error)
}

// Tx is a unit of work spanning multiple Store calls.
type Tx interface {
	Store
	Commit() error
	Rollback() error
}

// DB is the root data-access handle. Implemented by SQLite and PostgreSQL backends.
type DB interface {
	Store
	BeginTx(ctx context.Context) (Tx, error)
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

package models

import "time"

type User struct {
	ID                   int64     `json:"id"`
	Username             string    `json:"username"`
	Email                string    `json:"email"`
	IsAdmin              bool      `json:"is_admin"`
	UtilizedStorageBytes int64     `json:"utilized_storage_bytes"`
	DiskSpaceLimitBytes  int64     `json:"disk_space_limit_bytes"`
	CreatedAt            time.Time `json:"created_at"`
}

type Organization struct {
	ID                   int64     `json:"id"`
	Name                 string    `json:"name"`
	DisplayName          string    `json:"display_name"`
	UtilizedStorageBytes int64     `json:"utilized_storage_bytes"`
	DiskSpaceLimitBytes  int64     `json:"disk_space_limit_bytes"`
	CreatedAt            time.Time `json:"created_at"`
}

type OrganizationMember struct {
	OrgID  int64  `json:"org_id"`
	UserID int64  `json:"user_id"`
	Role   string `json:"role"` // "admin", "member"
}

type Repository struct {
	ID            int64     `json:"id"`
	OwnerUserID   *int64    `json:"owner_user_id,omitempty"`
	OwnerOrgID    *int64    `json:"owner_org_id,omitempty"`
	Name          string    `json:"name"`
	Description   string    `json:"description"`
	IsPrivate     bool      `json:"is_private"`
	DefaultBranch string    `json:"default_branch"`
	LastUpdatedAt time.Time `json:"last_updated_at"`
	CreatedAt     time.Time `json:"created_at"`
}

// Collaborator carries the per-user repository settings consulted by the
// permission engine for non-owner, non-admin users.
type Collaborator struct {
	RepoID                 int64  `json:"repo_id"`
	UserID                 int64  `json:"user_id"`
	Role                   string `json:"role"` // "admin", "write", "read"
	CanPushBranches        bool   `json:"can_push_branches"`
	CanApproveMergeRequest bool   `json:"can_approve_merge_requests"`
}

// Commit is an immutable DAG node. Rows are created once by the ingestion
// pipeline and never updated; uniqueness is (repo_id, sha).
type Commit struct {
	ID            int64     `json:"id"`
	RepoID        int64     `json:"repo_id"`
	Sha           string    `json:"sha"`
	ParentSha     string    `json:"parent_sha,omitempty"`
	AuthorID      int64     `json:"author_id"`
	Timestamp     time.Time `json:"timestamp"`
	Message       string    `json:"message,omitempty"`
	Diff          []byte    `json:"-"`
	ByteSize      int64     `json:"byte_size"`
	DiffByteSize  int64     `json:"diff_byte_size"`
	KVByteSize    int64     `json:"kv_byte_size"`
	StateByteSize int64     `json:"state_byte_size"`
	IsValid       bool      `json:"is_valid"`
	MergeBase     string    `json:"merge_base,omitempty"`
	RevertFromSha string    `json:"revert_from_sha,omitempty"`
	RevertToSha   string    `json:"revert_to_sha,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// CommitSnapshot is a persisted commit artifact: the flattened KV state or the
// rendered state, zstd-compressed.
type CommitSnapshot struct {
	ID        int64     `json:"id"`
	RepoID    int64     `json:"repo_id"`
	Sha       string    `json:"sha"`
	Kind      string    `json:"kind"` // "kv", "rendered"
	Data      []byte    `json:"-"`
	Hash      string    `json:"hash"`
	CreatedAt time.Time `json:"created_at"`
}

const (
	SnapshotKindKV       = "kv"
	SnapshotKindRendered = "rendered"
)

// Branch is the mutable head pointer. IsConflictFree and IsMerged are derived
// caches; LastCommit is the only authoritative field.
type Branch struct {
	ID             int64     `json:"id"`
	RepoID         int64     `json:"repo_id"`
	Name           string    `json:"name"`
	LastCommit     string    `json:"last_commit,omitempty"`
	BaseBranchID   *int64    `json:"base_branch_id,omitempty"`
	CreatedBy      int64     `json:"created_by"`
	IsConflictFree bool      `json:"is_conflict_free"`
	IsMerged       bool      `json:"is_merged"`
	IsDeleted      bool      `json:"is_deleted"`
	CreatedAt      time.Time `json:"created_at"`
}

const (
	ApprovalStatusPending  = "pending"
	ApprovalStatusApproved = "approved"
	ApprovalStatusBlocked  = "blocked"
)

const (
	ReviewStatusApproved         = "approved"
	ReviewStatusRequestedChanges = "requested_changes"
	ReviewStatusBlocked          = "blocked"
)

type MergeRequest struct {
	ID                      int64     `json:"id"`
	RepoID                  int64     `json:"repo_id"`
	BranchID                int64     `json:"branch_id"`
	Title                   string    `json:"title"`
	Description             string    `json:"description"`
	OpenedByUserID          int64     `json:"opened_by_user_id"`
	IsOpen                  bool      `json:"is_open"`
	IsMerged                bool      `json:"is_merged"`
	IsConflictFree          bool      `json:"is_conflict_free"`
	DivergenceSha           string    `json:"divergence_sha,omitempty"`
	BranchHeadShaAtCreate   string    `json:"branch_head_sha_at_create"`
	BranchHeadShaAtClose    *string   `json:"branch_head_sha_at_close,omitempty"`
	MergeSha                *string   `json:"merge_sha,omitempty"`
	ApprovalStatus          string    `json:"approval_status"`
	WasClosedWithoutMerging bool      `json:"was_closed_without_merging"`
	CreatedAt               time.Time `json:"created_at"`
	UpdatedAt               time.Time `json:"updated_at"`
}

// ReviewerRequest assigns a user as reviewer on a merge request. Soft-deleted
// rows keep the audit trail; uniqueness applies among non-deleted rows only.
type ReviewerRequest struct {
	ID                int64     `json:"id"`
	MergeRequestID    int64     `json:"merge_request_id"`
	ReviewerUserID    int64     `json:"reviewer_user_id"`
	RequestedByUserID int64     `json:"requested_by_user_id"`
	IsDeleted         bool      `json:"is_deleted"`
	CreatedAt         time.Time `json:"created_at"`
}

// ReviewStatus snapshots the branch head and base at review time so stale
// reviews can be filtered out when the branch advances.
type ReviewStatus struct {
	ID                    int64     `json:"id"`
	MergeRequestID        int64     `json:"merge_request_id"`
	UserID                int64     `json:"user_id"`
	ApprovalStatus        string    `json:"approval_status"`
	BaseBranchIDAtCreate  *int64    `json:"base_branch_id_at_create,omitempty"`
	BranchHeadShaAtUpdate string    `json:"branch_head_sha_at_update"`
	CreatedAt             time.Time `json:"created_at"`
	UpdatedAt             time.Time `json:"updated_at"`
}

type ProtectedBranchRule struct {
	ID                             int64     `json:"id"`
	RepoID                         int64     `json:"repo_id"`
	BranchID                       int64     `json:"branch_id"`
	RequireApprovalToMerge         bool      `json:"require_approval_to_merge"`
	RequireReapprovalOnPushToMerge bool      `json:"require_reapproval_on_push_to_merge"`
	CanApproveMergeRequests        bool      `json:"can_approve_merge_requests"`
	CanCreateMergeRequests         bool      `json:"can_create_merge_requests"`
	CanMergeWithApproval           bool      `json:"can_merge_with_approval"`
	AutoDeleteMergedFeatureBranch  bool      `json:"automatically_deletes_merged_feature_branches"`
	CreatedAt                      time.Time `json:"created_at"`
}

type WebhookKey struct {
	ID          int64     `json:"id"`
	OwnerUserID *int64    `json:"owner_user_id,omitempty"`
	OwnerOrgID  *int64    `json:"owner_org_id,omitempty"`
	Domain      string    `json:"domain"`
	Secret      string    `json:"-"`
	IsVerified  bool      `json:"is_verified"`
	CreatedAt   time.Time `json:"created_at"`
}

type EnabledWebhook struct {
	ID           int64     `json:"id"`
	RepoID       int64     `json:"repo_id"`
	WebhookKeyID int64     `json:"webhook_key_id"`
	Protocol     string    `json:"protocol"` // "http", "https"
	Subdomain    string    `json:"subdomain,omitempty"`
	Port         *int      `json:"port,omitempty"`
	URI          string    `json:"uri,omitempty"`
	IsActive     bool      `json:"is_active"`
	CreatedAt    time.Time `json:"created_at"`
}

// WebhookEvent is one row of the append-only delivery audit log. One row is
// written per attempt regardless of outcome.
type WebhookEvent struct {
	ID               int64     `json:"id"`
	EnabledWebhookID int64     `json:"enabled_webhook_id"`
	RepoID           int64     `json:"repo_id"`
	TrackingID       string    `json:"tracking_id"`
	AttemptCount     int       `json:"attempt_count"`
	DidSucceed       bool      `json:"did_succeed"`
	StatusCode       int       `json:"status_code"`
	PayloadHash      string    `json:"payload_hash"`
	Error            string    `json:"error,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

const (
	JobQueued     = "queued"
	JobInProgress = "in_progress"
	JobCompleted  = "completed"
	JobFailed     = "failed"
)

// Job is one durable queue entry, consumed at-least-once.
type Job struct {
	ID            int64      `json:"id"`
	JobID         string     `json:"job_id"`
	Queue         string     `json:"queue"`
	Payload       []byte     `json:"payload"`
	Status        string     `json:"status"`
	AttemptCount  int        `json:"attempt_count"`
	MaxAttempts   int        `json:"max_attempts"`
	LastError     string     `json:"last_error,omitempty"`
	NextAttemptAt time.Time  `json:"next_attempt_at"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

type Notification struct {
	ID             int64     `json:"id"`
	UserID         int64     `json:"user_id"`
	ActorID        int64     `json:"actor_id"`
	Type           string    `json:"type"`
	Title          string    `json:"title"`
	Body           string    `json:"body"`
	RepoID         int64     `json:"repo_id"`
	MergeRequestID *int64    `json:"merge_request_id,omitempty"`
	IsRead         bool      `json:"is_read"`
	CreatedAt      time.Time `json:"created_at"`
}

type NotificationPreference struct {
	UserID int64 `json:"user_id"`
	RepoID int64 `json:"repo_id"`
	Muted  bool  `json:"muted"`
}

// PluginVersion holds a published plugin schema manifest used to validate KV
// states that reference it.
type PluginVersion struct {
	ID           int64     `json:"id"`
	Name         string    `json:"name"`
	Version      string    `json:"version"`
	ManifestJSON string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

type BinaryUtilization struct {
	ID        int64     `json:"id"`
	RepoID    int64     `json:"repo_id"`
	Sha       string    `json:"sha"`
	BinaryRef string    `json:"binary_ref"`
	ByteSize  int64     `json:"byte_size"`
	CreatedAt time.Time `json:"created_at"`
}

type PluginUtilization struct {
	ID             int64     `json:"id"`
	RepoID         int64     `json:"repo_id"`
	Sha            string    `json:"sha"`
	PluginName     string    `json:"plugin_name"`
	PluginVersion  string    `json:"plugin_version"`
	AdditionsCount int       `json:"additions_count"`
	RemovalsCount  int       `json:"removals_count"`
	CreatedAt      time.Time `json:"created_at"`
}

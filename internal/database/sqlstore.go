package database

import (
	"context"
	"database/sql"
	"strconv"
	"strings"
	"time"

	"github.com/kvforge/kvforge/internal/models"
)

// dbtx is the subset of database/sql shared by *sql.DB and *sql.Tx.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// sqlStore implements Store once for both backends. Queries are written with
// `?` placeholders and rebound for PostgreSQL.
type sqlStore struct {
	q    dbtx
	bind func(string) string
}

func bindQuestion(query string) string { return query }

func bindDollar(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// --- Users ---

func (s *sqlStore) CreateUser(ctx context.Context, user *models.User) error {
	return s.q.QueryRowContext(ctx, s.bind(
		`INSERT INTO users (username, email, is_admin, utilized_storage_bytes, disk_space_limit_bytes)
		 VALUES (?, ?, ?, ?, ?)
		 RETURNING id, created_at`),
		user.Username, user.Email, user.IsAdmin, user.UtilizedStorageBytes, user.DiskSpaceLimitBytes,
	).Scan(&user.ID, &user.CreatedAt)
}

func (s *sqlStore) GetUserByID(ctx context.Context, id int64) (*models.User, error) {
	user := &models.User{}
	err := s.q.QueryRowContext(ctx, s.bind(
		`SELECT id, username, email, is_admin, utilized_storage_bytes, disk_space_limit_bytes, created_at
		 FROM users WHERE id = ?`), id,
	).Scan(&user.ID, &user.Username, &user.Email, &user.IsAdmin,
		&user.UtilizedStorageBytes, &user.DiskSpaceLimitBytes, &user.CreatedAt)
	if err != nil {
		return nil, err
	}
	return user, nil
}

func (s *sqlStore) AddUserStorageBytes(ctx context.Context, userID, delta int64) error {
	_, err := s.q.ExecContext(ctx, s.bind(
		`UPDATE users SET utilized_storage_bytes = utilized_storage_bytes + ? WHERE id = ?`),
		delta, userID)
	return err
}

// --- Organizations ---

func (s *sqlStore) CreateOrg(ctx context.Context, org *models.Organization) error {
	return s.q.QueryRowContext(ctx, s.bind(
		`INSERT INTO orgs (name, display_name, utilized_storage_bytes, disk_space_limit_bytes)
		 VALUES (?, ?, ?, ?)
		 RETURNING id, created_at`),
		org.Name, org.DisplayName, org.UtilizedStorageBytes, org.DiskSpaceLimitBytes,
	).Scan(&org.ID, &org.CreatedAt)
}

func (s *sqlStore) GetOrgByID(ctx context.Context, id int64) (*models.Organization, error) {
	org := &models.Organization{}
	err := s.q.QueryRowContext(ctx, s.bind(
		`SELECT id, name, display_name, utilized_storage_bytes, disk_space_limit_bytes, created_at
		 FROM orgs WHERE id = ?`), id,
	).Scan(&org.ID, &org.Name, &org.DisplayName,
		&org.UtilizedStorageBytes, &org.DiskSpaceLimitBytes, &org.CreatedAt)
	if err != nil {
		return nil, err
	}
	return org, nil
}

func (s *sqlStore) AddOrgStorageBytes(ctx context.Context, orgID, delta int64) error {
	_, err := s.q.ExecContext(ctx, s.bind(
		`UPDATE orgs SET utilized_storage_bytes = utilized_storage_bytes + ? WHERE id = ?`),
		delta, orgID)
	return err
}

func (s *sqlStore) AddOrgMember(ctx context.Context, m *models.OrganizationMember) error {
	_, err := s.q.ExecContext(ctx, s.bind(
		`INSERT INTO org_members (org_id, user_id, role) VALUES (?, ?, ?)`),
		m.OrgID, m.UserID, m.Role)
	return err
}

func (s *sqlStore) GetOrgMember(ctx context.Context, orgID, userID int64) (*models.OrganizationMember, error) {
	m := &models.OrganizationMember{}
	err := s.q.QueryRowContext(ctx, s.bind(
		`SELECT org_id, user_id, role FROM org_members WHERE org_id = ? AND user_id = ?`),
		orgID, userID,
	).Scan(&m.OrgID, &m.UserID, &m.Role)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// --- Repositories ---

func (s *sqlStore) CreateRepository(ctx context.Context, repo *models.Repository) error {
	return s.q.QueryRowContext(ctx, s.bind(
		`INSERT INTO repositories (owner_user_id, owner_org_id, name, description, is_private, default_branch, last_updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		 RETURNING id, last_updated_at, created_at`),
		repo.OwnerUserID, repo.OwnerOrgID, repo.Name, repo.Description, repo.IsPrivate, repo.DefaultBranch,
	).Scan(&repo.ID, &repo.LastUpdatedAt, &repo.CreatedAt)
}

func (s *sqlStore) GetRepositoryByID(ctx context.Context, id int64) (*models.Repository, error) {
	repo := &models.Repository{}
	var ownerUser, ownerOrg sql.NullInt64
	err := s.q.QueryRowContext(ctx, s.bind(
		`SELECT id, owner_user_id, owner_org_id, name, description, is_private, default_branch, last_updated_at, created_at
		 FROM repositories WHERE id = ?`), id,
	).Scan(&repo.ID, &ownerUser, &ownerOrg, &repo.Name, &repo.Description,
		&repo.IsPrivate, &repo.DefaultBranch, &repo.LastUpdatedAt, &repo.CreatedAt)
	if err != nil {
		return nil, err
	}
	if ownerUser.Valid {
		repo.OwnerUserID = &ownerUser.Int64
	}
	if ownerOrg.Valid {
		repo.OwnerOrgID = &ownerOrg.Int64
	}
	return repo, nil
}

func (s *sqlStore) TouchRepositoryLastUpdated(ctx context.Context, id int64, at time.Time) error {
	_, err := s.q.ExecContext(ctx, s.bind(
		`UPDATE repositories SET last_updated_at = ? WHERE id = ?`), at.UTC(), id)
	return err
}

func (s *sqlStore) AddCollaborator(ctx context.Context, c *models.Collaborator) error {
	_, err := s.q.ExecContext(ctx, s.bind(
		`INSERT INTO collaborators (repo_id, user_id, role, can_push_branches, can_approve_merge_requests)
		 VALUES (?, ?, ?, ?, ?)`),
		c.RepoID, c.UserID, c.Role, c.CanPushBranches, c.CanApproveMergeRequest)
	return err
}

func (s *sqlStore) GetCollaborator(ctx context.Context, repoID, userID int64) (*models.Collaborator, error) {
	c := &models.Collaborator{}
	err := s.q.QueryRowContext(ctx, s.bind(
		`SELECT repo_id, user_id, role, can_push_branches, can_approve_merge_requests
		 FROM collaborators WHERE repo_id = ? AND user_id = ?`),
		repoID, userID,
	).Scan(&c.RepoID, &c.UserID, &c.Role, &c.CanPushBranches, &c.CanApproveMergeRequest)
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (s *sqlStore) ListCollaborators(ctx context.Context, repoID int64) ([]models.Collaborator, error) {
	rows, err := s.q.QueryContext(ctx, s.bind(
		`SELECT repo_id, user_id, role, can_push_branches, can_approve_merge_requests
		 FROM collaborators WHERE repo_id = ? ORDER BY user_id`), repoID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Collaborator
	for rows.Next() {
		var c models.Collaborator
		if err := rows.Scan(&c.RepoID, &c.UserID, &c.Role, &c.CanPushBranches, &c.CanApproveMergeRequest); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// --- Commits ---

func (s *sqlStore) CreateCommit(ctx context.Context, commit *models.Commit) error {
	if commit.Timestamp.IsZero() {
		commit.Timestamp = time.Now().UTC()
	}
	return s.q.QueryRowContext(ctx, s.bind(
		`INSERT INTO commits (
			repo_id, sha, parent_sha, author_id, committed_at, message, diff,
			byte_size, diff_byte_size, kv_byte_size, state_byte_size,
			is_valid, merge_base, revert_from_sha, revert_to_sha)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 RETURNING id, created_at`),
		commit.RepoID, commit.Sha, commit.ParentSha, commit.AuthorID, commit.Timestamp.UTC(),
		commit.Message, commit.Diff,
		commit.ByteSize, commit.DiffByteSize, commit.KVByteSize, commit.StateByteSize,
		commit.IsValid, commit.MergeBase, commit.RevertFromSha, commit.RevertToSha,
	).Scan(&commit.ID, &commit.CreatedAt)
}

func scanCommit(row interface{ Scan(...any) error }) (*models.Commit, error) {
	c := &models.Commit{}
	err := row.Scan(&c.ID, &c.RepoID, &c.Sha, &c.ParentSha, &c.AuthorID, &c.Timestamp,
		&c.Message, &c.Diff, &c.ByteSize, &c.DiffByteSize, &c.KVByteSize, &c.StateByteSize,
		&c.IsValid, &c.MergeBase, &c.RevertFromSha, &c.RevertToSha, &c.CreatedAt)
	if err != nil {
		return nil, err
	}
	return c, nil
}

const commitColumns = `id, repo_id, sha, parent_sha, author_id, committed_at, message, diff,
	byte_size, diff_byte_size, kv_byte_size, state_byte_size,
	is_valid, merge_base, revert_from_sha, revert_to_sha, created_at`

func (s *sqlStore) GetCommit(ctx context.Context, repoID int64, sha string) (*models.Commit, error) {
	return scanCommit(s.q.QueryRowContext(ctx, s.bind(
		`SELECT `+commitColumns+` FROM commits WHERE repo_id = ? AND sha = ?`),
		repoID, sha))
}

func (s *sqlStore) CommitExists(ctx context.Context, repoID int64, sha string) (bool, error) {
	var one int
	err := s.q.QueryRowContext(ctx, s.bind(
		`SELECT 1 FROM commits WHERE repo_id = ? AND sha = ?`), repoID, sha,
	).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *sqlStore) ListCommits(ctx context.Context, repoID int64) ([]models.Commit, error) {
	rows, err := s.q.QueryContext(ctx, s.bind(
		`SELECT `+commitColumns+` FROM commits WHERE repo_id = ? ORDER BY id ASC`), repoID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Commit
	for rows.Next() {
		c, err := scanCommit(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// --- Snapshots ---

func (s *sqlStore) CreateSnapshot(ctx context.Context, snap *models.CommitSnapshot) error {
	return s.q.QueryRowContext(ctx, s.bind(
		`INSERT INTO commit_snapshots (repo_id, sha, kind, data, hash)
		 VALUES (?, ?, ?, ?, ?)
		 RETURNING id, created_at`),
		snap.RepoID, snap.Sha, snap.Kind, snap.Data, snap.Hash,
	).Scan(&snap.ID, &snap.CreatedAt)
}

func (s *sqlStore) GetSnapshot(ctx context.Context, repoID int64, sha, kind string) (*models.CommitSnapshot, error) {
	snap := &models.CommitSnapshot{}
	err := s.q.QueryRowContext(ctx, s.bind(
		`SELECT id, repo_id, sha, kind, data, hash, created_at
		 FROM commit_snapshots WHERE repo_id = ? AND sha = ? AND kind = ?`),
		repoID, sha, kind,
	).Scan(&snap.ID, &snap.RepoID, &snap.Sha, &snap.Kind, &snap.Data, &snap.Hash, &snap.CreatedAt)
	if err != nil {
		return nil, err
	}
	return snap, nil
}

func (s *sqlStore) DeleteOrphanedSnapshots(ctx context.Context) (int64, error) {
	res, err := s.q.ExecContext(ctx,
		`DELETE FROM commit_snapshots
		 WHERE NOT EXISTS (
			 SELECT 1 FROM commits c
			 WHERE c.repo_id = commit_snapshots.repo_id AND c.sha = commit_snapshots.sha
		 )`)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// --- Branches ---

func (s *sqlStore) CreateBranch(ctx context.Context, branch *models.Branch) error {
	return s.q.QueryRowContext(ctx, s.bind(
		`INSERT INTO branches (repo_id, name, last_commit, base_branch_id, created_by, is_conflict_free, is_merged, is_deleted)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 RETURNING id, created_at`),
		branch.RepoID, branch.Name, branch.LastCommit, branch.BaseBranchID, branch.CreatedBy,
		branch.IsConflictFree, branch.IsMerged, branch.IsDeleted,
	).Scan(&branch.ID, &branch.CreatedAt)
}

func scanBranch(row interface{ Scan(...any) error }) (*models.Branch, error) {
	b := &models.Branch{}
	var base sql.NullInt64
	err := row.Scan(&b.ID, &b.RepoID, &b.Name, &b.LastCommit, &base, &b.CreatedBy,
		&b.IsConflictFree, &b.IsMerged, &b.IsDeleted, &b.CreatedAt)
	if err != nil {
		return nil, err
	}
	if base.Valid {
		b.BaseBranchID = &base.Int64
	}
	return b, nil
}

const branchColumns = `id, repo_id, name, last_commit, base_branch_id, created_by,
	is_conflict_free, is_merged, is_deleted, created_at`

func (s *sqlStore) GetBranch(ctx context.Context, id int64) (*models.Branch, error) {
	return scanBranch(s.q.QueryRowContext(ctx, s.bind(
		`SELECT `+branchColumns+` FROM branches WHERE id = ?`), id))
}

func (s *sqlStore) GetBranchByName(ctx context.Context, repoID int64, name string) (*models.Branch, error) {
	return scanBranch(s.q.QueryRowContext(ctx, s.bind(
		`SELECT `+branchColumns+` FROM branches WHERE repo_id = ? AND name = ? AND is_deleted = ?`),
		repoID, name, false))
}

func (s *sqlStore) UpdateBranch(ctx context.Context, branch *models.Branch) error {
	_, err := s.q.ExecContext(ctx, s.bind(
		`UPDATE branches
		 SET last_commit = ?, base_branch_id = ?, is_conflict_free = ?, is_merged = ?, is_deleted = ?
		 WHERE id = ?`),
		branch.LastCommit, branch.BaseBranchID, branch.IsConflictFree, branch.IsMerged,
		branch.IsDeleted, branch.ID)
	return err
}

func (s *sqlStore) listBranches(ctx context.Context, query string, args ...any) ([]models.Branch, error) {
	rows, err := s.q.QueryContext(ctx, s.bind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Branch
	for rows.Next() {
		b, err := scanBranch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *b)
	}
	return out, rows.Err()
}

func (s *sqlStore) ListBranches(ctx context.Context, repoID int64) ([]models.Branch, error) {
	return s.listBranches(ctx,
		`SELECT `+branchColumns+` FROM branches WHERE repo_id = ? AND is_deleted = ? ORDER BY id ASC`,
		repoID, false)
}

func (s *sqlStore) ListBranchesByBase(ctx context.Context, repoID, baseBranchID int64) ([]models.Branch, error) {
	return s.listBranches(ctx,
		`SELECT `+branchColumns+` FROM branches
		 WHERE repo_id = ? AND base_branch_id = ? AND is_deleted = ? ORDER BY id ASC`,
		repoID, baseBranchID, false)
}

// --- Merge requests ---

func (s *sqlStore) CreateMergeRequest(ctx context.Context, mr *models.MergeRequest) error {
	return s.q.QueryRowContext(ctx, s.bind(
		`INSERT INTO merge_requests (
			repo_id, branch_id, title, description, opened_by_user_id,
			is_open, is_merged, is_conflict_free, divergence_sha,
			branch_head_sha_at_create, approval_status, was_closed_without_merging, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		 RETURNING id, updated_at, created_at`),
		mr.RepoID, mr.BranchID, mr.Title, mr.Description, mr.OpenedByUserID,
		mr.IsOpen, mr.IsMerged, mr.IsConflictFree, mr.DivergenceSha,
		mr.BranchHeadShaAtCreate, mr.ApprovalStatus, mr.WasClosedWithoutMerging,
	).Scan(&mr.ID, &mr.UpdatedAt, &mr.CreatedAt)
}

func scanMergeRequest(row interface{ Scan(...any) error }) (*models.MergeRequest, error) {
	mr := &models.MergeRequest{}
	var closeSha, mergeSha sql.NullString
	err := row.Scan(&mr.ID, &mr.RepoID, &mr.BranchID, &mr.Title, &mr.Description,
		&mr.OpenedByUserID, &mr.IsOpen, &mr.IsMerged, &mr.IsConflictFree, &mr.DivergenceSha,
		&mr.BranchHeadShaAtCreate, &closeSha, &mergeSha, &mr.ApprovalStatus,
		&mr.WasClosedWithoutMerging, &mr.CreatedAt, &mr.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if closeSha.Valid {
		mr.BranchHeadShaAtClose = &closeSha.String
	}
	if mergeSha.Valid {
		mr.MergeSha = &mergeSha.String
	}
	return mr, nil
}

const mergeRequestColumns = `id, repo_id, branch_id, title, description, opened_by_user_id,
	is_open, is_merged, is_conflict_free, divergence_sha,
	branch_head_sha_at_create, branch_head_sha_at_close, merge_sha, approval_status,
	was_closed_without_merging, created_at, updated_at`

func (s *sqlStore) GetMergeRequest(ctx context.Context, id int64) (*models.MergeRequest, error) {
	return scanMergeRequest(s.q.QueryRowContext(ctx, s.bind(
		`SELECT `+mergeRequestColumns+` FROM merge_requests WHERE id = ?`), id))
}

func (s *sqlStore) GetOpenMergeRequestForBranch(ctx context.Context, branchID int64) (*models.MergeRequest, error) {
	return scanMergeRequest(s.q.QueryRowContext(ctx, s.bind(
		`SELECT `+mergeRequestColumns+` FROM merge_requests
		 WHERE branch_id = ? AND is_open = ? ORDER BY id DESC LIMIT 1`),
		branchID, true))
}

func (s *sqlStore) UpdateMergeRequest(ctx context.Context, mr *models.MergeRequest) error {
	_, err := s.q.ExecContext(ctx, s.bind(
		`UPDATE merge_requests
		 SET title = ?, description = ?, is_open = ?, is_merged = ?, is_conflict_free = ?,
			 divergence_sha = ?, branch_head_sha_at_close = ?, merge_sha = ?,
			 approval_status = ?, was_closed_without_merging = ?, updated_at = CURRENT_TIMESTAMP
		 WHERE id = ?`),
		mr.Title, mr.Description, mr.IsOpen, mr.IsMerged, mr.IsConflictFree,
		mr.DivergenceSha, mr.BranchHeadShaAtClose, mr.MergeSha,
		mr.ApprovalStatus, mr.WasClosedWithoutMerging, mr.ID)
	return err
}

func (s *sqlStore) ListOpenMergeRequests(ctx context.Context, repoID int64) ([]models.MergeRequest, error) {
	rows, err := s.q.QueryContext(ctx, s.bind(
		`SELECT `+mergeRequestColumns+` FROM merge_requests
		 WHERE repo_id = ? AND is_open = ? ORDER BY id ASC`),
		repoID, true)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.MergeRequest
	for rows.Next() {
		mr, err := scanMergeRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *mr)
	}
	return out, rows.Err()
}

// --- Reviewer requests ---

func (s *sqlStore) CreateReviewerRequest(ctx context.Context, r *models.ReviewerRequest) error {
	return s.q.QueryRowContext(ctx, s.bind(
		`INSERT INTO reviewer_requests (merge_request_id, reviewer_user_id, requested_by_user_id, is_deleted)
		 VALUES (?, ?, ?, ?)
		 RETURNING id, created_at`),
		r.MergeRequestID, r.ReviewerUserID, r.RequestedByUserID, r.IsDeleted,
	).Scan(&r.ID, &r.CreatedAt)
}

func (s *sqlStore) SoftDeleteReviewerRequest(ctx context.Context, id int64) error {
	_, err := s.q.ExecContext(ctx, s.bind(
		`UPDATE reviewer_requests SET is_deleted = ? WHERE id = ?`), true, id)
	return err
}

func (s *sqlStore) GetReviewerRequest(ctx context.Context, mergeRequestID, reviewerUserID int64) (*models.ReviewerRequest, error) {
	r := &models.ReviewerRequest{}
	err := s.q.QueryRowContext(ctx, s.bind(
		`SELECT id, merge_request_id, reviewer_user_id, requested_by_user_id, is_deleted, created_at
		 FROM reviewer_requests
		 WHERE merge_request_id = ? AND reviewer_user_id = ? AND is_deleted = ?`),
		mergeRequestID, reviewerUserID, false,
	).Scan(&r.ID, &r.MergeRequestID, &r.ReviewerUserID, &r.RequestedByUserID, &r.IsDeleted, &r.CreatedAt)
	if err != nil {
		return nil, err
	}
	return r, nil
}

func (s *sqlStore) ListReviewerRequests(ctx context.Context, mergeRequestID int64) ([]models.ReviewerRequest, error) {
	rows, err := s.q.QueryContext(ctx, s.bind(
		`SELECT id, merge_request_id, reviewer_user_id, requested_by_user_id, is_deleted, created_at
		 FROM reviewer_requests
		 WHERE merge_request_id = ? AND is_deleted = ? ORDER BY id ASC`),
		mergeRequestID, false)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.ReviewerRequest
	for rows.Next() {
		var r models.ReviewerRequest
		if err := rows.Scan(&r.ID, &r.MergeRequestID, &r.ReviewerUserID, &r.RequestedByUserID, &r.IsDeleted, &r.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// --- Review statuses ---

func (s *sqlStore) CreateReviewStatus(ctx context.Context, r *models.ReviewStatus) error {
	return s.q.QueryRowContext(ctx, s.bind(
		`INSERT INTO review_statuses (merge_request_id, user_id, approval_status, base_branch_id_at_create, branch_head_sha_at_update, updated_at)
		 VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		 RETURNING id, updated_at, created_at`),
		r.MergeRequestID, r.UserID, r.ApprovalStatus, r.BaseBranchIDAtCreate, r.BranchHeadShaAtUpdate,
	).Scan(&r.ID, &r.UpdatedAt, &r.CreatedAt)
}

func (s *sqlStore) UpdateReviewStatus(ctx context.Context, r *models.ReviewStatus) error {
	_, err := s.q.ExecContext(ctx, s.bind(
		`UPDATE review_statuses
		 SET approval_status = ?, base_branch_id_at_create = ?, branch_head_sha_at_update = ?, updated_at = CURRENT_TIMESTAMP
		 WHERE id = ?`),
		r.ApprovalStatus, r.BaseBranchIDAtCreate, r.BranchHeadShaAtUpdate, r.ID)
	return err
}

func (s *sqlStore) DeleteReviewStatus(ctx context.Context, id int64) error {
	_, err := s.q.ExecContext(ctx, s.bind(`DELETE FROM review_statuses WHERE id = ?`), id)
	return err
}

func scanReviewStatus(row interface{ Scan(...any) error }) (*models.ReviewStatus, error) {
	r := &models.ReviewStatus{}
	var base sql.NullInt64
	err := row.Scan(&r.ID, &r.MergeRequestID, &r.UserID, &r.ApprovalStatus, &base,
		&r.BranchHeadShaAtUpdate, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if base.Valid {
		r.BaseBranchIDAtCreate = &base.Int64
	}
	return r, nil
}

const reviewStatusColumns = `id, merge_request_id, user_id, approval_status,
	base_branch_id_at_create, branch_head_sha_at_update, created_at, updated_at`

func (s *sqlStore) GetReviewStatusForUser(ctx context.Context, mergeRequestID, userID int64) (*models.ReviewStatus, error) {
	return scanReviewStatus(s.q.QueryRowContext(ctx, s.bind(
		`SELECT `+reviewStatusColumns+` FROM review_statuses
		 WHERE merge_request_id = ? AND user_id = ?`),
		mergeRequestID, userID))
}

func (s *sqlStore) ListReviewStatuses(ctx context.Context, mergeRequestID int64) ([]models.ReviewStatus, error) {
	rows, err := s.q.QueryContext(ctx, s.bind(
		`SELECT `+reviewStatusColumns+` FROM review_statuses
		 WHERE merge_request_id = ? ORDER BY id ASC`),
		mergeRequestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.ReviewStatus
	for rows.Next() {
		r, err := scanReviewStatus(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// --- Protected branch rules ---

func (s *sqlStore) UpsertProtectedBranchRule(ctx context.Context, rule *models.ProtectedBranchRule) error {
	return s.q.QueryRowContext(ctx, s.bind(
		`INSERT INTO protected_branch_rules (
			repo_id, branch_id, require_approval_to_merge, require_reapproval_on_push_to_merge,
			can_approve_merge_requests, can_create_merge_requests, can_merge_with_approval,
			auto_delete_merged_feature_branches)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (repo_id, branch_id) DO UPDATE SET
			require_approval_to_merge = excluded.require_approval_to_merge,
			require_reapproval_on_push_to_merge = excluded.require_reapproval_on_push_to_merge,
			can_approve_merge_requests = excluded.can_approve_merge_requests,
			can_create_merge_requests = excluded.can_create_merge_requests,
			can_merge_with_approval = excluded.can_merge_with_approval,
			auto_delete_merged_feature_branches = excluded.auto_delete_merged_feature_branches
		 RETURNING id, created_at`),
		rule.RepoID, rule.BranchID, rule.RequireApprovalToMerge, rule.RequireReapprovalOnPushToMerge,
		rule.CanApproveMergeRequests, rule.CanCreateMergeRequests, rule.CanMergeWithApproval,
		rule.AutoDeleteMergedFeatureBranch,
	).Scan(&rule.ID, &rule.CreatedAt)
}

func (s *sqlStore) GetProtectedBranchRule(ctx context.Context, repoID, branchID int64) (*models.ProtectedBranchRule, error) {
	rule := &models.ProtectedBranchRule{}
	err := s.q.QueryRowContext(ctx, s.bind(
		`SELECT id, repo_id, branch_id, require_approval_to_merge, require_reapproval_on_push_to_merge,
			can_approve_merge_requests, can_create_merge_requests, can_merge_with_approval,
			auto_delete_merged_feature_branches, created_at
		 FROM protected_branch_rules WHERE repo_id = ? AND branch_id = ?`),
		repoID, branchID,
	).Scan(&rule.ID, &rule.RepoID, &rule.BranchID, &rule.RequireApprovalToMerge,
		&rule.RequireReapprovalOnPushToMerge, &rule.CanApproveMergeRequests,
		&rule.CanCreateMergeRequests, &rule.CanMergeWithApproval,
		&rule.AutoDeleteMergedFeatureBranch, &rule.CreatedAt)
	if err != nil {
		return nil, err
	}
	return rule, nil
}

// --- Webhooks ---

func (s *sqlStore) CreateWebhookKey(ctx context.Context, key *models.WebhookKey) error {
	return s.q.QueryRowContext(ctx, s.bind(
		`INSERT INTO webhook_keys (owner_user_id, owner_org_id, domain, secret, is_verified)
		 VALUES (?, ?, ?, ?, ?)
		 RETURNING id, created_at`),
		key.OwnerUserID, key.OwnerOrgID, key.Domain, key.Secret, key.IsVerified,
	).Scan(&key.ID, &key.CreatedAt)
}

func (s *sqlStore) GetWebhookKey(ctx context.Context, id int64) (*models.WebhookKey, error) {
	key := &models.WebhookKey{}
	var ownerUser, ownerOrg sql.NullInt64
	err := s.q.QueryRowContext(ctx, s.bind(
		`SELECT id, owner_user_id, owner_org_id, domain, secret, is_verified, created_at
		 FROM webhook_keys WHERE id = ?`), id,
	).Scan(&key.ID, &ownerUser, &ownerOrg, &key.Domain, &key.Secret, &key.IsVerified, &key.CreatedAt)
	if err != nil {
		return nil, err
	}
	if ownerUser.Valid {
		key.OwnerUserID = &ownerUser.Int64
	}
	if ownerOrg.Valid {
		key.OwnerOrgID = &ownerOrg.Int64
	}
	return key, nil
}

func (s *sqlStore) CreateEnabledWebhook(ctx context.Context, hook *models.EnabledWebhook) error {
	return s.q.QueryRowContext(ctx, s.bind(
		`INSERT INTO enabled_webhooks (repo_id, webhook_key_id, protocol, subdomain, port, uri, is_active)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 RETURNING id, created_at`),
		hook.RepoID, hook.WebhookKeyID, hook.Protocol, hook.Subdomain, hook.Port, hook.URI, hook.IsActive,
	).Scan(&hook.ID, &hook.CreatedAt)
}

func scanEnabledWebhook(row interface{ Scan(...any) error }) (*models.EnabledWebhook, error) {
	h := &models.EnabledWebhook{}
	var port sql.NullInt64
	err := row.Scan(&h.ID, &h.RepoID, &h.WebhookKeyID, &h.Protocol, &h.Subdomain, &port, &h.URI, &h.IsActive, &h.CreatedAt)
	if err != nil {
		return nil, err
	}
	if port.Valid {
		p := int(port.Int64)
		h.Port = &p
	}
	return h, nil
}

func (s *sqlStore) GetEnabledWebhook(ctx context.Context, id int64) (*models.EnabledWebhook, error) {
	return scanEnabledWebhook(s.q.QueryRowContext(ctx, s.bind(
		`SELECT id, repo_id, webhook_key_id, protocol, subdomain, port, uri, is_active, created_at
		 FROM enabled_webhooks WHERE id = ?`), id))
}

func (s *sqlStore) ListEnabledWebhooks(ctx context.Context, repoID int64) ([]models.EnabledWebhook, error) {
	rows, err := s.q.QueryContext(ctx, s.bind(
		`SELECT id, repo_id, webhook_key_id, protocol, subdomain, port, uri, is_active, created_at
		 FROM enabled_webhooks WHERE repo_id = ? ORDER BY id ASC`), repoID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.EnabledWebhook
	for rows.Next() {
		h, err := scanEnabledWebhook(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *h)
	}
	return out, rows.Err()
}

func (s *sqlStore) CreateWebhookEvent(ctx context.Context, event *models.WebhookEvent) error {
	return s.q.QueryRowContext(ctx, s.bind(
		`INSERT INTO webhook_events (enabled_webhook_id, repo_id, tracking_id, attempt_count, did_succeed, status_code, payload_hash, error)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 RETURNING id, created_at`),
		event.EnabledWebhookID, event.RepoID, event.TrackingID, event.AttemptCount,
		event.DidSucceed, event.StatusCode, event.PayloadHash, event.Error,
	).Scan(&event.ID, &event.CreatedAt)
}

func (s *sqlStore) ListWebhookEvents(ctx context.Context, enabledWebhookID int64) ([]models.WebhookEvent, error) {
	rows, err := s.q.QueryContext(ctx, s.bind(
		`SELECT id, enabled_webhook_id, repo_id, tracking_id, attempt_count, did_succeed, status_code, payload_hash, error, created_at
		 FROM webhook_events WHERE enabled_webhook_id = ? ORDER BY id ASC`), enabledWebhookID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.WebhookEvent
	for rows.Next() {
		var e models.WebhookEvent
		if err := rows.Scan(&e.ID, &e.EnabledWebhookID, &e.RepoID, &e.TrackingID, &e.AttemptCount,
			&e.DidSucceed, &e.StatusCode, &e.PayloadHash, &e.Error, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// --- Jobs ---

func (s *sqlStore) EnqueueJob(ctx context.Context, job *models.Job) error {
	if job.NextAttemptAt.IsZero() {
		job.NextAttemptAt = time.Now().UTC()
	}
	return s.q.QueryRowContext(ctx, s.bind(
		`INSERT INTO jobs (job_id, queue, payload, status, attempt_count, max_attempts, last_error, next_attempt_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		 RETURNING id, updated_at, created_at`),
		job.JobID, job.Queue, job.Payload, job.Status, job.AttemptCount, job.MaxAttempts,
		job.LastError, job.NextAttemptAt.UTC(),
	).Scan(&job.ID, &job.UpdatedAt, &job.CreatedAt)
}

func scanJob(row interface{ Scan(...any) error }) (*models.Job, error) {
	j := &models.Job{}
	var started, completed sql.NullTime
	err := row.Scan(&j.ID, &j.JobID, &j.Queue, &j.Payload, &j.Status, &j.AttemptCount,
		&j.MaxAttempts, &j.LastError, &j.NextAttemptAt, &j.CreatedAt, &j.UpdatedAt,
		&started, &completed)
	if err != nil {
		return nil, err
	}
	if started.Valid {
		j.StartedAt = &started.Time
	}
	if completed.Valid {
		j.CompletedAt = &completed.Time
	}
	return j, nil
}

const jobColumns = `id, job_id, queue, payload, status, attempt_count, max_attempts,
	last_error, next_attempt_at, created_at, updated_at, started_at, completed_at`

func (s *sqlStore) ClaimJob(ctx context.Context, queue string, now time.Time) (*models.Job, error) {
	job, err := scanJob(s.q.QueryRowContext(ctx, s.bind(
		`UPDATE jobs
		 SET status = ?,
			 attempt_count = attempt_count + 1,
			 started_at = CURRENT_TIMESTAMP,
			 completed_at = NULL,
			 updated_at = CURRENT_TIMESTAMP
		 WHERE id = (
			 SELECT id FROM jobs
			 WHERE queue = ? AND status = ? AND next_attempt_at <= ?
			 ORDER BY next_attempt_at ASC, id ASC
			 LIMIT 1
		 )
		 RETURNING `+jobColumns),
		models.JobInProgress, queue, models.JobQueued, now.UTC()))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return job, nil
}

func (s *sqlStore) CompleteJob(ctx context.Context, id int64, status, errMsg string) error {
	_, err := s.q.ExecContext(ctx, s.bind(
		`UPDATE jobs
		 SET status = ?, last_error = ?, completed_at = CURRENT_TIMESTAMP, updated_at = CURRENT_TIMESTAMP
		 WHERE id = ?`),
		status, errMsg, id)
	return err
}

func (s *sqlStore) RequeueJob(ctx context.Context, id int64, errMsg string, nextAttempt time.Time) error {
	_, err := s.q.ExecContext(ctx, s.bind(
		`UPDATE jobs
		 SET status = ?, last_error = ?, next_attempt_at = ?, started_at = NULL, updated_at = CURRENT_TIMESTAMP
		 WHERE id = ?`),
		models.JobQueued, errMsg, nextAttempt.UTC(), id)
	return err
}

func (s *sqlStore) ListJobs(ctx context.Context, queue string) ([]models.Job, error) {
	rows, err := s.q.QueryContext(ctx, s.bind(
		`SELECT `+jobColumns+` FROM jobs WHERE queue = ? ORDER BY id ASC`), queue)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *j)
	}
	return out, rows.Err()
}

// --- Notifications ---

func (s *sqlStore) CreateNotification(ctx context.Context, n *models.Notification) error {
	return s.q.QueryRowContext(ctx, s.bind(
		`INSERT INTO notifications (user_id, actor_id, type, title, body, repo_id, merge_request_id, is_read)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 RETURNING id, created_at`),
		n.UserID, n.ActorID, n.Type, n.Title, n.Body, n.RepoID, n.MergeRequestID, n.IsRead,
	).Scan(&n.ID, &n.CreatedAt)
}

func (s *sqlStore) ListNotifications(ctx context.Context, userID int64) ([]models.Notification, error) {
	rows, err := s.q.QueryContext(ctx, s.bind(
		`SELECT id, user_id, actor_id, type, title, body, repo_id, merge_request_id, is_read, created_at
		 FROM notifications WHERE user_id = ? ORDER BY id DESC`), userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Notification
	for rows.Next() {
		var n models.Notification
		var mrID sql.NullInt64
		if err := rows.Scan(&n.ID, &n.UserID, &n.ActorID, &n.Type, &n.Title, &n.Body,
			&n.RepoID, &mrID, &n.IsRead, &n.CreatedAt); err != nil {
			return nil, err
		}
		if mrID.Valid {
			n.MergeRequestID = &mrID.Int64
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (s *sqlStore) UpsertNotificationPreference(ctx context.Context, p *models.NotificationPreference) error {
	_, err := s.q.ExecContext(ctx, s.bind(
		`INSERT INTO notification_preferences (user_id, repo_id, muted)
		 VALUES (?, ?, ?)
		 ON CONFLICT (user_id, repo_id) DO UPDATE SET muted = excluded.muted`),
		p.UserID, p.RepoID, p.Muted)
	return err
}

func (s *sqlStore) GetNotificationPreference(ctx context.Context, userID, repoID int64) (*models.NotificationPreference, error) {
	p := &models.NotificationPreference{}
	err := s.q.QueryRowContext(ctx, s.bind(
		`SELECT user_id, repo_id, muted FROM notification_preferences WHERE user_id = ? AND repo_id = ?`),
		userID, repoID,
	).Scan(&p.UserID, &p.RepoID, &p.Muted)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// --- Plugins ---

func (s *sqlStore) CreatePluginVersion(ctx context.Context, p *models.PluginVersion) error {
	return s.q.QueryRowContext(ctx, s.bind(
		`INSERT INTO plugin_versions (name, version, manifest_json)
		 VALUES (?, ?, ?)
		 RETURNING id, created_at`),
		p.Name, p.Version, p.ManifestJSON,
	).Scan(&p.ID, &p.CreatedAt)
}

func (s *sqlStore) GetPluginVersion(ctx context.Context, name, version string) (*models.PluginVersion, error) {
	p := &models.PluginVersion{}
	err := s.q.QueryRowContext(ctx, s.bind(
		`SELECT id, name, version, manifest_json, created_at
		 FROM plugin_versions WHERE name = ? AND version = ?`),
		name, version,
	).Scan(&p.ID, &p.Name, &p.Version, &p.ManifestJSON, &p.CreatedAt)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// --- Storage utilization ---

func (s *sqlStore) CreateBinaryUtilization(ctx context.Context, u *models.BinaryUtilization) error {
	return s.q.QueryRowContext(ctx, s.bind(
		`INSERT INTO binary_utilizations (repo_id, sha, binary_ref, byte_size)
		 VALUES (?, ?, ?, ?)
		 RETURNING id, created_at`),
		u.RepoID, u.Sha, u.BinaryRef, u.ByteSize,
	).Scan(&u.ID, &u.CreatedAt)
}

func (s *sqlStore) CreatePluginUtilization(ctx context.Context, u *models.PluginUtilization) error {
	return s.q.QueryRowContext(ctx, s.bind(
		`INSERT INTO plugin_utilizations (repo_id, sha, plugin_name, plugin_version, additions_count, removals_count)
		 VALUES (?, ?, ?, ?, ?, ?)
		 RETURNING id, created_at`),
		u.RepoID, u.Sha, u.PluginName, u.PluginVersion, u.AdditionsCount, u.RemovalsCount,
	).Scan(&u.ID, &u.CreatedAt)
}

func (s *sqlStore) ListBinaryUtilizations(ctx context.Context, repoID int64, sha string) ([]models.BinaryUtilization, error) {
	rows, err := s.q.QueryContext(ctx, s.bind(
		`SELECT id, repo_id, sha, binary_ref, byte_size, created_at
		 FROM binary_utilizations WHERE repo_id = ? AND sha = ? ORDER BY id ASC`),
		repoID, sha)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.BinaryUtilization
	for rows.Next() {
		var u models.BinaryUtilization
		if err := rows.Scan(&u.ID, &u.RepoID, &u.Sha, &u.BinaryRef, &u.ByteSize, &u.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (s *sqlStore) ListPluginUtilizations(ctx context.Context, repoID int64, sha string) ([]models.PluginUtilization, error) {
	rows, err := s.q.QueryContext(ctx, s.bind(
		`SELECT id, repo_id, sha, plugin_name, plugin_version, additions_count, removals_count, created_at
		 FROM plugin_utilizations WHERE repo_id = ? AND sha = ? ORDER BY id ASC`),
		repoID, sha)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.PluginUtilization
	for rows.Next() {
		var u models.PluginUtilization
		if err := rows.Scan(&u.ID, &u.RepoID, &u.Sha, &u.PluginName, &u.PluginVersion,
			&u.AdditionsCount, &u.RemovalsCount, &u.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

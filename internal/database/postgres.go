package database

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"
)

type PostgresDB struct {
	sqlStore
	db *sql.DB
}

func OpenPostgres(dsn string) (*PostgresDB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	return &PostgresDB{
		sqlStore: sqlStore{q: db, bind: bindDollar},
		db:       db,
	}, nil
}

func (p *PostgresDB) Close() error { return p.db.Close() }

func (p *PostgresDB) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

func (p *PostgresDB) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, postgresSchema)
	return err
}

func (p *PostgresDB) BeginTx(ctx context.Context) (Tx, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &sqlTx{
		sqlStore: sqlStore{q: tx, bind: bindDollar},
		tx:       tx,
	}, nil
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS users (
	id BIGSERIAL PRIMARY KEY,
	username TEXT NOT NULL UNIQUE,
	email TEXT NOT NULL UNIQUE,
	is_admin BOOLEAN NOT NULL DEFAULT FALSE,
	utilized_storage_bytes BIGINT NOT NULL DEFAULT 0,
	disk_space_limit_bytes BIGINT NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS orgs (
	id BIGSERIAL PRIMARY KEY,
	name TEXT NOT NULL UNIQUE,
	display_name TEXT NOT NULL DEFAULT '',
	utilized_storage_bytes BIGINT NOT NULL DEFAULT 0,
	disk_space_limit_bytes BIGINT NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS org_members (
	org_id BIGINT NOT NULL REFERENCES orgs(id) ON DELETE CASCADE,
	user_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	role TEXT NOT NULL DEFAULT 'member',
	PRIMARY KEY (org_id, user_id)
);

CREATE TABLE IF NOT EXISTS repositories (
	id BIGSERIAL PRIMARY KEY,
	owner_user_id BIGINT REFERENCES users(id) ON DELETE CASCADE,
	owner_org_id BIGINT REFERENCES orgs(id) ON DELETE CASCADE,
	name TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	is_private BOOLEAN NOT NULL DEFAULT FALSE,
	default_branch TEXT NOT NULL DEFAULT 'main',
	last_updated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
	created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS collaborators (
	repo_id BIGINT NOT NULL REFERENCES repositories(id) ON DELETE CASCADE,
	user_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	role TEXT NOT NULL DEFAULT 'read',
	can_push_branches BOOLEAN NOT NULL DEFAULT FALSE,
	can_approve_merge_requests BOOLEAN NOT NULL DEFAULT FALSE,
	PRIMARY KEY (repo_id, user_id)
);

CREATE TABLE IF NOT EXISTS commits (
	id BIGSERIAL PRIMARY KEY,
	repo_id BIGINT NOT NULL REFERENCES repositories(id) ON DELETE CASCADE,
	sha TEXT NOT NULL,
	parent_sha TEXT NOT NULL DEFAULT '',
	author_id BIGINT NOT NULL,
	committed_at TIMESTAMPTZ NOT NULL,
	message TEXT NOT NULL DEFAULT '',
	diff BYTEA,
	byte_size BIGINT NOT NULL DEFAULT 0,
	diff_byte_size BIGINT NOT NULL DEFAULT 0,
	kv_byte_size BIGINT NOT NULL DEFAULT 0,
	state_byte_size BIGINT NOT NULL DEFAULT 0,
	is_valid BOOLEAN NOT NULL DEFAULT TRUE,
	merge_base TEXT NOT NULL DEFAULT '',
	revert_from_sha TEXT NOT NULL DEFAULT '',
	revert_to_sha TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
	UNIQUE (repo_id, sha)
);

CREATE TABLE IF NOT EXISTS commit_snapshots (
	id BIGSERIAL PRIMARY KEY,
	repo_id BIGINT NOT NULL,
	sha TEXT NOT NULL,
	kind TEXT NOT NULL,
	data BYTEA,
	hash TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
	UNIQUE (repo_id, sha, kind)
);

CREATE TABLE IF NOT EXISTS branches (
	id BIGSERIAL PRIMARY KEY,
	repo_id BIGINT NOT NULL REFERENCES repositories(id) ON DELETE CASCADE,
	name TEXT NOT NULL,
	last_commit TEXT NOT NULL DEFAULT '',
	base_branch_id BIGINT REFERENCES branches(id),
	created_by BIGINT NOT NULL,
	is_conflict_free BOOLEAN NOT NULL DEFAULT TRUE,
	is_merged BOOLEAN NOT NULL DEFAULT FALSE,
	is_deleted BOOLEAN NOT NULL DEFAULT FALSE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_branches_repo_base ON branches(repo_id, base_branch_id);

CREATE TABLE IF NOT EXISTS merge_requests (
	id BIGSERIAL PRIMARY KEY,
	repo_id BIGINT NOT NULL REFERENCES repositories(id) ON DELETE CASCADE,
	branch_id BIGINT NOT NULL REFERENCES branches(id),
	title TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	opened_by_user_id BIGINT NOT NULL,
	is_open BOOLEAN NOT NULL DEFAULT TRUE,
	is_merged BOOLEAN NOT NULL DEFAULT FALSE,
	is_conflict_free BOOLEAN NOT NULL DEFAULT FALSE,
	divergence_sha TEXT NOT NULL DEFAULT '',
	branch_head_sha_at_create TEXT NOT NULL DEFAULT '',
	branch_head_sha_at_close TEXT,
	merge_sha TEXT,
	approval_status TEXT NOT NULL DEFAULT 'pending',
	was_closed_without_merging BOOLEAN NOT NULL DEFAULT FALSE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_merge_requests_branch_open ON merge_requests(branch_id, is_open);

CREATE TABLE IF NOT EXISTS reviewer_requests (
	id BIGSERIAL PRIMARY KEY,
	merge_request_id BIGINT NOT NULL REFERENCES merge_requests(id) ON DELETE CASCADE,
	reviewer_user_id BIGINT NOT NULL,
	requested_by_user_id BIGINT NOT NULL,
	is_deleted BOOLEAN NOT NULL DEFAULT FALSE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS review_statuses (
	id BIGSERIAL PRIMARY KEY,
	merge_request_id BIGINT NOT NULL REFERENCES merge_requests(id) ON DELETE CASCADE,
	user_id BIGINT NOT NULL,
	approval_status TEXT NOT NULL,
	base_branch_id_at_create BIGINT,
	branch_head_sha_at_update TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
	UNIQUE (merge_request_id, user_id)
);

CREATE TABLE IF NOT EXISTS protected_branch_rules (
	id BIGSERIAL PRIMARY KEY,
	repo_id BIGINT NOT NULL REFERENCES repositories(id) ON DELETE CASCADE,
	branch_id BIGINT NOT NULL REFERENCES branches(id) ON DELETE CASCADE,
	require_approval_to_merge BOOLEAN NOT NULL DEFAULT FALSE,
	require_reapproval_on_push_to_merge BOOLEAN NOT NULL DEFAULT FALSE,
	can_approve_merge_requests BOOLEAN NOT NULL DEFAULT TRUE,
	can_create_merge_requests BOOLEAN NOT NULL DEFAULT TRUE,
	can_merge_with_approval BOOLEAN NOT NULL DEFAULT TRUE,
	auto_delete_merged_feature_branches BOOLEAN NOT NULL DEFAULT FALSE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
	UNIQUE (repo_id, branch_id)
);

CREATE TABLE IF NOT EXISTS webhook_keys (
	id BIGSERIAL PRIMARY KEY,
	owner_user_id BIGINT REFERENCES users(id) ON DELETE CASCADE,
	owner_org_id BIGINT REFERENCES orgs(id) ON DELETE CASCADE,
	domain TEXT NOT NULL,
	secret TEXT NOT NULL,
	is_verified BOOLEAN NOT NULL DEFAULT FALSE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS enabled_webhooks (
	id BIGSERIAL PRIMARY KEY,
	repo_id BIGINT NOT NULL REFERENCES repositories(id) ON DELETE CASCADE,
	webhook_key_id BIGINT NOT NULL REFERENCES webhook_keys(id) ON DELETE CASCADE,
	protocol TEXT NOT NULL DEFAULT 'https',
	subdomain TEXT NOT NULL DEFAULT '',
	port INTEGER,
	uri TEXT NOT NULL DEFAULT '',
	is_active BOOLEAN NOT NULL DEFAULT TRUE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS webhook_events (
	id BIGSERIAL PRIMARY KEY,
	enabled_webhook_id BIGINT NOT NULL REFERENCES enabled_webhooks(id) ON DELETE CASCADE,
	repo_id BIGINT NOT NULL,
	tracking_id TEXT NOT NULL,
	attempt_count INTEGER NOT NULL DEFAULT 0,
	did_succeed BOOLEAN NOT NULL DEFAULT FALSE,
	status_code INTEGER NOT NULL DEFAULT 0,
	payload_hash TEXT NOT NULL DEFAULT '',
	error TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS jobs (
	id BIGSERIAL PRIMARY KEY,
	job_id TEXT NOT NULL UNIQUE,
	queue TEXT NOT NULL,
	payload BYTEA,
	status TEXT NOT NULL DEFAULT 'queued',
	attempt_count INTEGER NOT NULL DEFAULT 0,
	max_attempts INTEGER NOT NULL DEFAULT 3,
	last_error TEXT NOT NULL DEFAULT '',
	next_attempt_at TIMESTAMPTZ NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
	started_at TIMESTAMPTZ,
	completed_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_jobs_claim ON jobs(queue, status, next_attempt_at, id);

CREATE TABLE IF NOT EXISTS notifications (
	id BIGSERIAL PRIMARY KEY,
	user_id BIGINT NOT NULL,
	actor_id BIGINT NOT NULL,
	type TEXT NOT NULL,
	title TEXT NOT NULL DEFAULT '',
	body TEXT NOT NULL DEFAULT '',
	repo_id BIGINT NOT NULL,
	merge_request_id BIGINT,
	is_read BOOLEAN NOT NULL DEFAULT FALSE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS notification_preferences (
	user_id BIGINT NOT NULL,
	repo_id BIGINT NOT NULL,
	muted BOOLEAN NOT NULL DEFAULT FALSE,
	PRIMARY KEY (user_id, repo_id)
);

CREATE TABLE IF NOT EXISTS plugin_versions (
	id BIGSERIAL PRIMARY KEY,
	name TEXT NOT NULL,
	version TEXT NOT NULL,
	manifest_json TEXT NOT NULL DEFAULT '{}',
	created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
	UNIQUE (name, version)
);

CREATE TABLE IF NOT EXISTS binary_utilizations (
	id BIGSERIAL PRIMARY KEY,
	repo_id BIGINT NOT NULL,
	sha TEXT NOT NULL,
	binary_ref TEXT NOT NULL,
	byte_size BIGINT NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS plugin_utilizations (
	id BIGSERIAL PRIMARY KEY,
	repo_id BIGINT NOT NULL,
	sha TEXT NOT NULL,
	plugin_name TEXT NOT NULL,
	plugin_version TEXT NOT NULL,
	additions_count INTEGER NOT NULL DEFAULT 0,
	removals_count INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`

// Compile-time interface check
var _ DB = (*PostgresDB)(nil)

package database

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

type SQLiteDB struct {
	sqlStore
	db *sql.DB
}

func OpenSQLite(dsn string) (*SQLiteDB, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// Enable WAL mode and foreign keys
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("pragma %s: %w", pragma, err)
		}
	}
	return &SQLiteDB{
		sqlStore: sqlStore{q: db, bind: bindQuestion},
		db:       db,
	}, nil
}

func (s *SQLiteDB) Close() error { return s.db.Close() }

func (s *SQLiteDB) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *SQLiteDB) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteSchema)
	return err
}

func (s *SQLiteDB) BeginTx(ctx context.Context) (Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &sqlTx{
		sqlStore: sqlStore{q: tx, bind: bindQuestion},
		tx:       tx,
	}, nil
}

type sqlTx struct {
	sqlStore
	tx *sql.Tx
}

func (t *sqlTx) Commit() error   { return t.tx.Commit() }
func (t *sqlTx) Rollback() error { return t.tx.Rollback() }

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS users (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	username TEXT NOT NULL UNIQUE,
	email TEXT NOT NULL UNIQUE,
	is_admin BOOLEAN NOT NULL DEFAULT FALSE,
	utilized_storage_bytes INTEGER NOT NULL DEFAULT 0,
	disk_space_limit_bytes INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS orgs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL UNIQUE,
	display_name TEXT NOT NULL DEFAULT '',
	utilized_storage_bytes INTEGER NOT NULL DEFAULT 0,
	disk_space_limit_bytes INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS org_members (
	org_id INTEGER NOT NULL REFERENCES orgs(id) ON DELETE CASCADE,
	user_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	role TEXT NOT NULL DEFAULT 'member',
	PRIMARY KEY (org_id, user_id)
);

CREATE TABLE IF NOT EXISTS repositories (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	owner_user_id INTEGER REFERENCES users(id) ON DELETE CASCADE,
	owner_org_id INTEGER REFERENCES orgs(id) ON DELETE CASCADE,
	name TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	is_private BOOLEAN NOT NULL DEFAULT FALSE,
	default_branch TEXT NOT NULL DEFAULT 'main',
	last_updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS collaborators (
	repo_id INTEGER NOT NULL REFERENCES repositories(id) ON DELETE CASCADE,
	user_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	role TEXT NOT NULL DEFAULT 'read',
	can_push_branches BOOLEAN NOT NULL DEFAULT FALSE,
	can_approve_merge_requests BOOLEAN NOT NULL DEFAULT FALSE,
	PRIMARY KEY (repo_id, user_id)
);

CREATE TABLE IF NOT EXISTS commits (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	repo_id INTEGER NOT NULL REFERENCES repositories(id) ON DELETE CASCADE,
	sha TEXT NOT NULL,
	parent_sha TEXT NOT NULL DEFAULT '',
	author_id INTEGER NOT NULL,
	committed_at DATETIME NOT NULL,
	message TEXT NOT NULL DEFAULT '',
	diff BLOB,
	byte_size INTEGER NOT NULL DEFAULT 0,
	diff_byte_size INTEGER NOT NULL DEFAULT 0,
	kv_byte_size INTEGER NOT NULL DEFAULT 0,
	state_byte_size INTEGER NOT NULL DEFAULT 0,
	is_valid BOOLEAN NOT NULL DEFAULT TRUE,
	merge_base TEXT NOT NULL DEFAULT '',
	revert_from_sha TEXT NOT NULL DEFAULT '',
	revert_to_sha TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	UNIQUE (repo_id, sha)
);

CREATE TABLE IF NOT EXISTS commit_snapshots (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	repo_id INTEGER NOT NULL,
	sha TEXT NOT NULL,
	kind TEXT NOT NULL,
	data BLOB,
	hash TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	UNIQUE (repo_id, sha, kind)
);

CREATE TABLE IF NOT EXISTS branches (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	repo_id INTEGER NOT NULL REFERENCES repositories(id) ON DELETE CASCADE,
	name TEXT NOT NULL,
	last_commit TEXT NOT NULL DEFAULT '',
	base_branch_id INTEGER REFERENCES branches(id),
	created_by INTEGER NOT NULL,
	is_conflict_free BOOLEAN NOT NULL DEFAULT TRUE,
	is_merged BOOLEAN NOT NULL DEFAULT FALSE,
	is_deleted BOOLEAN NOT NULL DEFAULT FALSE,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_branches_repo_base ON branches(repo_id, base_branch_id);

CREATE TABLE IF NOT EXISTS merge_requests (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	repo_id INTEGER NOT NULL REFERENCES repositories(id) ON DELETE CASCADE,
	branch_id INTEGER NOT NULL REFERENCES branches(id),
	title TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	opened_by_user_id INTEGER NOT NULL,
	is_open BOOLEAN NOT NULL DEFAULT TRUE,
	is_merged BOOLEAN NOT NULL DEFAULT FALSE,
	is_conflict_free BOOLEAN NOT NULL DEFAULT FALSE,
	divergence_sha TEXT NOT NULL DEFAULT '',
	branch_head_sha_at_create TEXT NOT NULL DEFAULT '',
	branch_head_sha_at_close TEXT,
	merge_sha TEXT,
	approval_status TEXT NOT NULL DEFAULT 'pending',
	was_closed_without_merging BOOLEAN NOT NULL DEFAULT FALSE,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_merge_requests_branch_open ON merge_requests(branch_id, is_open);

CREATE TABLE IF NOT EXISTS reviewer_requests (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	merge_request_id INTEGER NOT NULL REFERENCES merge_requests(id) ON DELETE CASCADE,
	reviewer_user_id INTEGER NOT NULL,
	requested_by_user_id INTEGER NOT NULL,
	is_deleted BOOLEAN NOT NULL DEFAULT FALSE,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS review_statuses (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	merge_request_id INTEGER NOT NULL REFERENCES merge_requests(id) ON DELETE CASCADE,
	user_id INTEGER NOT NULL,
	approval_status TEXT NOT NULL,
	base_branch_id_at_create INTEGER,
	branch_head_sha_at_update TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	UNIQUE (merge_request_id, user_id)
);

CREATE TABLE IF NOT EXISTS protected_branch_rules (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	repo_id INTEGER NOT NULL REFERENCES repositories(id) ON DELETE CASCADE,
	branch_id INTEGER NOT NULL REFERENCES branches(id) ON DELETE CASCADE,
	require_approval_to_merge BOOLEAN NOT NULL DEFAULT FALSE,
	require_reapproval_on_push_to_merge BOOLEAN NOT NULL DEFAULT FALSE,
	can_approve_merge_requests BOOLEAN NOT NULL DEFAULT TRUE,
	can_create_merge_requests BOOLEAN NOT NULL DEFAULT TRUE,
	can_merge_with_approval BOOLEAN NOT NULL DEFAULT TRUE,
	auto_delete_merged_feature_branches BOOLEAN NOT NULL DEFAULT FALSE,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	UNIQUE (repo_id, branch_id)
);

CREATE TABLE IF NOT EXISTS webhook_keys (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	owner_user_id INTEGER REFERENCES users(id) ON DELETE CASCADE,
	owner_org_id INTEGER REFERENCES orgs(id) ON DELETE CASCADE,
	domain TEXT NOT NULL,
	secret TEXT NOT NULL,
	is_verified BOOLEAN NOT NULL DEFAULT FALSE,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS enabled_webhooks (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	repo_id INTEGER NOT NULL REFERENCES repositories(id) ON DELETE CASCADE,
	webhook_key_id INTEGER NOT NULL REFERENCES webhook_keys(id) ON DELETE CASCADE,
	protocol TEXT NOT NULL DEFAULT 'https',
	subdomain TEXT NOT NULL DEFAULT '',
	port INTEGER,
	uri TEXT NOT NULL DEFAULT '',
	is_active BOOLEAN NOT NULL DEFAULT TRUE,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS webhook_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	enabled_webhook_id INTEGER NOT NULL REFERENCES enabled_webhooks(id) ON DELETE CASCADE,
	repo_id INTEGER NOT NULL,
	tracking_id TEXT NOT NULL,
	attempt_count INTEGER NOT NULL DEFAULT 0,
	did_succeed BOOLEAN NOT NULL DEFAULT FALSE,
	status_code INTEGER NOT NULL DEFAULT 0,
	payload_hash TEXT NOT NULL DEFAULT '',
	error TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS jobs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	job_id TEXT NOT NULL UNIQUE,
	queue TEXT NOT NULL,
	payload BLOB,
	status TEXT NOT NULL DEFAULT 'queued',
	attempt_count INTEGER NOT NULL DEFAULT 0,
	max_attempts INTEGER NOT NULL DEFAULT 3,
	last_error TEXT NOT NULL DEFAULT '',
	next_attempt_at DATETIME NOT NULL,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	started_at DATETIME,
	completed_at DATETIME
);
CREATE INDEX IF NOT EXISTS idx_jobs_claim ON jobs(queue, status, next_attempt_at, id);

CREATE TABLE IF NOT EXISTS notifications (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id INTEGER NOT NULL,
	actor_id INTEGER NOT NULL,
	type TEXT NOT NULL,
	title TEXT NOT NULL DEFAULT '',
	body TEXT NOT NULL DEFAULT '',
	repo_id INTEGER NOT NULL,
	merge_request_id INTEGER,
	is_read BOOLEAN NOT NULL DEFAULT FALSE,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS notification_preferences (
	user_id INTEGER NOT NULL,
	repo_id INTEGER NOT NULL,
	muted BOOLEAN NOT NULL DEFAULT FALSE,
	PRIMARY KEY (user_id, repo_id)
);

CREATE TABLE IF NOT EXISTS plugin_versions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL,
	version TEXT NOT NULL,
	manifest_json TEXT NOT NULL DEFAULT '{}',
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	UNIQUE (name, version)
);

CREATE TABLE IF NOT EXISTS binary_utilizations (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	repo_id INTEGER NOT NULL,
	sha TEXT NOT NULL,
	binary_ref TEXT NOT NULL,
	byte_size INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS plugin_utilizations (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	repo_id INTEGER NOT NULL,
	sha TEXT NOT NULL,
	plugin_name TEXT NOT NULL,
	plugin_version TEXT NOT NULL,
	additions_count INTEGER NOT NULL DEFAULT 0,
	removals_count INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`

// Compile-time interface check
var _ DB = (*SQLiteDB)(nil)

package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/kvforge/kvforge/internal/database"
	"github.com/kvforge/kvforge/internal/metrics"
	"github.com/kvforge/kvforge/internal/models"
	"github.com/kvforge/kvforge/internal/stateengine"
)

var (
	zstdEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	zstdDecoder, _ = zstd.NewReader(nil)
)

func compressSnapshot(data []byte) []byte {
	return zstdEncoder.EncodeAll(data, nil)
}

func decompressSnapshot(data []byte) ([]byte, error) {
	return zstdDecoder.DecodeAll(data, nil)
}

// stateSource adapts a database.Store to the engine's read interface,
// decoding persisted KV snapshots on demand.
type stateSource struct {
	store database.Store
}

func (s stateSource) GetCommit(ctx context.Context, repoID int64, sha string) (*models.Commit, error) {
	return s.store.GetCommit(ctx, repoID, sha)
}

func (s stateSource) GetState(ctx context.Context, repoID int64, sha string) (*stateengine.State, error) {
	snap, err := s.store.GetSnapshot(ctx, repoID, sha, models.SnapshotKindKV)
	if err != nil {
		return nil, fmt.Errorf("load kv snapshot %s: %w", sha, err)
	}
	raw, err := decompressSnapshot(snap.Data)
	if err != nil {
		return nil, fmt.Errorf("decompress kv snapshot %s: %w", sha, err)
	}
	var state stateengine.State
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, fmt.Errorf("decode kv snapshot %s: %w", sha, err)
	}
	return &state, nil
}

// CommitService is the ingestion pipeline. It persists commits into a
// repository's DAG along with their state snapshots, validates states
// against plugin schemas, and meters storage for private repositories.
type CommitService struct {
	db      database.DB
	engine  stateengine.Engine
	logger  *slog.Logger
	metrics *metrics.Set
}

func NewCommitService(db database.DB, engine stateengine.Engine, logger *slog.Logger) *CommitService {
	if logger == nil {
		logger = slog.Default()
	}
	return &CommitService{db: db, engine: engine, logger: logger, metrics: metrics.Default()}
}

// DataSource exposes the persisted DAG to engine calls made by other services.
func (s *CommitService) DataSource() stateengine.DataSource {
	return stateSource{store: s.db}
}

// WriteCommitList ingests commits in order, stopping at the first failure.
// Callers must treat an error as "abort the surrounding operation".
func (s *CommitService) WriteCommitList(ctx context.Context, repo *models.Repository, commits []models.Commit) error {
	for i := range commits {
		if err := s.WriteCommit(ctx, repo, &commits[i]); err != nil {
			return err
		}
	}
	return nil
}

// WriteCommit ingests one commit. Re-ingesting an existing (repo, sha) pair
// is a no-op, which makes replayed jobs and pre-synthesized rebase commits
// safe to write twice.
func (s *CommitService) WriteCommit(ctx context.Context, repo *models.Repository, commit *models.Commit) error {
	if repo == nil || commit == nil {
		return validationErr("", "repository and commit are required")
	}
	if commit.Sha == "" {
		return validationErr("", "commit sha is required")
	}
	commit.RepoID = repo.ID

	exists, err := s.db.CommitExists(ctx, repo.ID, commit.Sha)
	if err != nil {
		return storageErr("commit existence check", err)
	}
	if exists {
		s.metrics.CommitsIngested.WithLabelValues("duplicate").Inc()
		return nil
	}

	var diff stateengine.Diff
	if len(commit.Diff) > 0 {
		if err := json.Unmarshal(commit.Diff, &diff); err != nil {
			return validationErr("", "commit %s carries an undecodable diff: %v", commit.Sha, err)
		}
	}

	parentState := stateengine.EmptyState()
	if commit.ParentSha != "" {
		parentState, err = s.DataSource().GetState(ctx, repo.ID, commit.ParentSha)
		if err != nil {
			return storageErr("parent state load", err)
		}
	}

	state, err := s.engine.ApplyDiff(parentState, &diff)
	if err != nil {
		return validationErr("", "apply diff for %s: %v", commit.Sha, err)
	}

	commit.IsValid = s.validateState(ctx, repo.ID, commit.Sha, state)

	rendered, err := s.engine.Render(state)
	if err != nil {
		return storageErr("render state", err)
	}
	binaries := s.engine.CollectFileRefs(state)

	kvJSON, err := json.Marshal(state)
	if err != nil {
		return storageErr("encode kv state", err)
	}
	renderedJSON, err := json.Marshal(rendered)
	if err != nil {
		return storageErr("encode rendered state", err)
	}

	commit.DiffByteSize = int64(len(commit.Diff))
	commit.KVByteSize = int64(len(kvJSON))
	commit.StateByteSize = int64(len(renderedJSON))
	commit.ByteSize = commit.DiffByteSize + commit.KVByteSize + commit.StateByteSize

	// The three artifact writes are sequential, not one transaction across
	// stores. A crash between them can orphan snapshots; see
	// ReconcileOrphanedSnapshots.
	if err := s.db.CreateCommit(ctx, commit); err != nil {
		s.metrics.CommitsIngested.WithLabelValues("error").Inc()
		return storageErr("create commit", err)
	}
	if err := s.writeSnapshot(ctx, repo.ID, commit.Sha, models.SnapshotKindKV, kvJSON); err != nil {
		s.metrics.CommitsIngested.WithLabelValues("error").Inc()
		return err
	}
	if err := s.writeSnapshot(ctx, repo.ID, commit.Sha, models.SnapshotKindRendered, renderedJSON); err != nil {
		s.metrics.CommitsIngested.WithLabelValues("error").Inc()
		return err
	}

	// A concurrent writer may have raced us to the same sha. The unique
	// index makes one insert win; only the winner meters storage.
	if won, err := s.confirmOwnWrite(ctx, repo.ID, commit); err != nil {
		return err
	} else if !won {
		s.metrics.CommitsIngested.WithLabelValues("duplicate").Inc()
		return nil
	}

	if err := s.meterStorage(ctx, repo, commit); err != nil {
		return err
	}
	if err := s.recordUtilizations(ctx, repo.ID, commit.Sha, &diff, binaries); err != nil {
		return err
	}

	s.metrics.CommitsIngested.WithLabelValues("ok").Inc()
	s.logger.Info("commit ingested",
		"repo_id", repo.ID, "sha", commit.Sha, "valid", commit.IsValid, "bytes", commit.ByteSize)
	return nil
}

func (s *CommitService) writeSnapshot(ctx context.Context, repoID int64, sha, kind string, raw []byte) error {
	sum := sha256.Sum256(raw)
	snap := &models.CommitSnapshot{
		RepoID: repoID,
		Sha:    sha,
		Kind:   kind,
		Data:   compressSnapshot(raw),
		Hash:   hex.EncodeToString(sum[:]),
	}
	if err := s.db.CreateSnapshot(ctx, snap); err != nil {
		return storageErr("create "+kind+" snapshot", err)
	}
	return nil
}

func (s *CommitService) confirmOwnWrite(ctx context.Context, repoID int64, commit *models.Commit) (bool, error) {
	stored, err := s.db.GetCommit(ctx, repoID, commit.Sha)
	if err != nil {
		return false, storageErr("post-write existence check", err)
	}
	return stored.ID == commit.ID, nil
}

// validateState checks every store value against the schemas of the plugins
// the state references. Invalidity is informational: the commit still
// persists, flagged for downstream filtering.
func (s *CommitService) validateState(ctx context.Context, repoID int64, sha string, state *stateengine.State) bool {
	valid := true
	for _, ref := range state.Plugins {
		pv, err := s.db.GetPluginVersion(ctx, ref.Name, ref.Version)
		if err != nil {
			s.logger.Warn("plugin manifest unavailable",
				"repo_id", repoID, "sha", sha, "plugin", ref.Name, "version", ref.Version, "error", err)
			valid = false
			continue
		}
		schema, err := jsonschema.CompileString(ref.Name+"@"+ref.Version, pv.ManifestJSON)
		if err != nil {
			s.logger.Warn("plugin manifest does not compile",
				"plugin", ref.Name, "version", ref.Version, "error", err)
			valid = false
			continue
		}
		for key, value := range state.Store {
			if pluginNamespace(key) != ref.Name {
				continue
			}
			var doc any
			if err := json.Unmarshal(value, &doc); err != nil {
				valid = false
				continue
			}
			if err := schema.Validate(doc); err != nil {
				valid = false
			}
		}
	}
	return valid
}

func (s *CommitService) meterStorage(ctx context.Context, repo *models.Repository, commit *models.Commit) error {
	if !repo.IsPrivate {
		return nil
	}
	switch {
	case repo.OwnerUserID != nil:
		if err := s.db.AddUserStorageBytes(ctx, *repo.OwnerUserID, commit.ByteSize); err != nil {
			return storageErr("meter user storage", err)
		}
	case repo.OwnerOrgID != nil:
		if err := s.db.AddOrgStorageBytes(ctx, *repo.OwnerOrgID, commit.ByteSize); err != nil {
			return storageErr("meter org storage", err)
		}
	}
	return nil
}

func (s *CommitService) recordUtilizations(ctx context.Context, repoID int64, sha string, diff *stateengine.Diff, binaries []stateengine.BinaryRef) error {
	seen := map[string]bool{}
	for _, bin := range binaries {
		if seen[bin.Ref] {
			continue
		}
		seen[bin.Ref] = true
		row := &models.BinaryUtilization{RepoID: repoID, Sha: sha, BinaryRef: bin.Ref, ByteSize: bin.ByteSize}
		if err := s.db.CreateBinaryUtilization(ctx, row); err != nil {
			return storageErr("record binary utilization", err)
		}
	}

	type touch struct{ additions, removals int }
	touched := map[string]*touch{}
	bump := func(ns string) *touch {
		if ns == "" {
			return nil
		}
		t := touched[ns]
		if t == nil {
			t = &touch{}
			touched[ns] = t
		}
		return t
	}
	for key := range diff.Sets {
		if t := bump(pluginNamespace(key)); t != nil {
			t.additions++
		}
	}
	for _, key := range diff.Removes {
		if t := bump(pluginNamespace(key)); t != nil {
			t.removals++
		}
	}
	for _, ref := range diff.AddPlugins {
		if t := bump(ref.Name); t != nil {
			t.additions++
		}
	}
	for _, ref := range diff.RemovePlugins {
		if t := bump(ref.Name); t != nil {
			t.removals++
		}
	}

	namespaces := make([]string, 0, len(touched))
	for ns := range touched {
		namespaces = append(namespaces, ns)
	}
	sort.Strings(namespaces)
	for _, ns := range namespaces {
		t := touched[ns]
		row := &models.PluginUtilization{
			RepoID:         repoID,
			Sha:            sha,
			PluginName:     ns,
			AdditionsCount: t.additions,
			RemovalsCount:  t.removals,
		}
		if err := s.db.CreatePluginUtilization(ctx, row); err != nil {
			return storageErr("record plugin utilization", err)
		}
	}
	return nil
}

// ReconcileOrphanedSnapshots removes snapshots whose commit row never landed,
// the leftovers of a crash between the sequential artifact writes. Run from
// the reconcile subcommand or a periodic job.
func (s *CommitService) ReconcileOrphanedSnapshots(ctx context.Context) (int64, error) {
	removed, err := s.db.DeleteOrphanedSnapshots(ctx)
	if err != nil {
		return 0, storageErr("reconcile orphaned snapshots", err)
	}
	if removed > 0 {
		s.logger.Info("orphaned snapshots removed", "count", removed)
	}
	return removed, nil
}

// pluginNamespace extracts the plugin segment of a namespaced store key.
func pluginNamespace(key string) string {
	if i := strings.IndexByte(key, '/'); i > 0 {
		return key[:i]
	}
	return ""
}

package stateengine

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/kvforge/kvforge/internal/models"
)

// KVEngine is the reference Engine over key-level diffs. Two edits conflict
// when both sides change the same key to different values relative to the
// common ancestor.
type KVEngine struct{}

func NewKVEngine() *KVEngine { return &KVEngine{} }

func (e *KVEngine) ApplyDiff(prev *State, diff *Diff) (*State, error) {
	if prev == nil {
		prev = EmptyState()
	}
	next := prev.Clone()
	for _, p := range diff.RemovePlugins {
		next.Plugins = removePlugin(next.Plugins, p)
	}
	for _, p := range diff.AddPlugins {
		if !hasPlugin(next.Plugins, p) {
			next.Plugins = append(next.Plugins, p)
		}
	}
	sortPlugins(next.Plugins)
	for _, k := range diff.Removes {
		delete(next.Store, k)
	}
	for k, v := range diff.Sets {
		next.Store[k] = append(json.RawMessage(nil), v...)
	}
	return next, nil
}

func (e *KVEngine) DiffStates(from, to *State) (*Diff, error) {
	if from == nil {
		from = EmptyState()
	}
	if to == nil {
		to = EmptyState()
	}
	diff := &Diff{Sets: map[string]json.RawMessage{}}
	for _, p := range to.Plugins {
		if !hasPlugin(from.Plugins, p) {
			diff.AddPlugins = append(diff.AddPlugins, p)
		}
	}
	for _, p := range from.Plugins {
		if !hasPlugin(to.Plugins, p) {
			diff.RemovePlugins = append(diff.RemovePlugins, p)
		}
	}
	for k, v := range to.Store {
		if old, ok := from.Store[k]; !ok || !bytes.Equal(old, v) {
			diff.Sets[k] = append(json.RawMessage(nil), v...)
		}
	}
	for k := range from.Store {
		if _, ok := to.Store[k]; !ok {
			diff.Removes = append(diff.Removes, k)
		}
	}
	sort.Strings(diff.Removes)
	return diff, nil
}

// ancestry returns the ancestor chain of sha, nearest first, including sha
// itself. The walk follows parent pointers only; merge commits record their
// second parent as merge_base, which is reachable through the rebased chain.
func ancestry(ctx context.Context, ds DataSource, repoID int64, sha string) ([]string, error) {
	var chain []string
	seen := map[string]bool{}
	for sha != "" && !seen[sha] {
		seen[sha] = true
		chain = append(chain, sha)
		commit, err := ds.GetCommit(ctx, repoID, sha)
		if err != nil {
			return nil, fmt.Errorf("ancestry of %s: %w", sha, err)
		}
		sha = commit.ParentSha
	}
	return chain, nil
}

func (e *KVEngine) DivergenceOrigin(ctx context.Context, ds DataSource, repoID int64, baseSha, headSha string) (*Divergence, error) {
	d := &Divergence{}
	if headSha == "" || baseSha == "" {
		d.BasedOn = ""
		return d, nil
	}

	baseChain, err := ancestry(ctx, ds, repoID, baseSha)
	if err != nil {
		return nil, err
	}
	baseSet := make(map[string]bool, len(baseChain))
	for _, sha := range baseChain {
		baseSet[sha] = true
	}

	headChain, err := ancestry(ctx, ds, repoID, headSha)
	if err != nil {
		return nil, err
	}
	headSet := make(map[string]bool, len(headChain))
	for _, sha := range headChain {
		headSet[sha] = true
	}

	for _, sha := range headChain {
		if baseSet[sha] {
			d.TrueOrigin = sha
			break
		}
		d.RebaseShas = append(d.RebaseShas, sha)
	}
	for _, sha := range baseChain {
		if headSet[sha] {
			d.IntoLastCommonAncestor = sha
			break
		}
	}
	// RebaseShas were collected newest-first; replay order is oldest-first.
	for i, j := 0, len(d.RebaseShas)-1; i < j; i, j = i+1, j-1 {
		d.RebaseShas[i], d.RebaseShas[j] = d.RebaseShas[j], d.RebaseShas[i]
	}
	d.BasedOn = d.TrueOrigin
	return d, nil
}

func (e *KVEngine) CanAutoMerge(ctx context.Context, ds DataSource, repoID int64, intoSha, fromSha, ancestorSha string) (bool, error) {
	ancestor, err := stateOrEmpty(ctx, ds, repoID, ancestorSha)
	if err != nil {
		return false, err
	}
	into, err := stateOrEmpty(ctx, ds, repoID, intoSha)
	if err != nil {
		return false, err
	}
	from, err := stateOrEmpty(ctx, ds, repoID, fromSha)
	if err != nil {
		return false, err
	}

	intoDiff, err := e.DiffStates(ancestor, into)
	if err != nil {
		return false, err
	}
	fromDiff, err := e.DiffStates(ancestor, from)
	if err != nil {
		return false, err
	}

	intoEdits := editedKeys(intoDiff)
	for key, fromVal := range editedKeys(fromDiff) {
		intoVal, both := intoEdits[key]
		if !both {
			continue
		}
		if !bytes.Equal(intoVal, fromVal) {
			return false, nil
		}
	}
	return true, nil
}

// editedKeys maps each key touched by the diff to its final value; removed
// keys map to nil.
func editedKeys(diff *Diff) map[string]json.RawMessage {
	out := make(map[string]json.RawMessage, len(diff.Sets)+len(diff.Removes))
	for k, v := range diff.Sets {
		out[k] = v
	}
	for _, k := range diff.Removes {
		out[k] = nil
	}
	return out
}

func stateOrEmpty(ctx context.Context, ds DataSource, repoID int64, sha string) (*State, error) {
	if sha == "" {
		return EmptyState(), nil
	}
	return ds.GetState(ctx, repoID, sha)
}

func (e *KVEngine) MergeRebaseCommits(ctx context.Context, ds DataSource, repoID int64, headSha, ontoSha string, actorID int64) ([]models.Commit, error) {
	d, err := e.DivergenceOrigin(ctx, ds, repoID, ontoSha, headSha)
	if err != nil {
		return nil, err
	}

	// The base head is the branch's divergence point: nothing moved
	// underneath the branch, so its own commits fast-forward onto the base
	// unchanged and the merge tip is the branch head itself.
	if ontoSha != "" && d.TrueOrigin == ontoSha {
		var out []models.Commit
		for _, sha := range d.RebaseShas {
			original, err := ds.GetCommit(ctx, repoID, sha)
			if err != nil {
				return nil, err
			}
			out = append(out, *original)
		}
		return out, nil
	}

	var out []models.Commit
	parent := ontoSha
	for _, sha := range d.RebaseShas {
		original, err := ds.GetCommit(ctx, repoID, sha)
		if err != nil {
			return nil, err
		}
		replayed := models.Commit{
			RepoID:       repoID,
			ParentSha:    parent,
			AuthorID:     actorID,
			Message:      original.Message,
			Diff:         append([]byte(nil), original.Diff...),
			DiffByteSize: original.DiffByteSize,
		}
		replayed.Sha = commitSha(replayed.ParentSha, replayed.Diff, replayed.AuthorID)
		parent = replayed.Sha
		out = append(out, replayed)
	}
	if len(out) > 0 {
		out[len(out)-1].MergeBase = headSha
	}
	return out, nil
}

func (e *KVEngine) Render(state *State) (*RenderedState, error) {
	if state == nil {
		state = EmptyState()
	}
	rendered := &RenderedState{
		Plugins: append([]PluginRef(nil), state.Plugins...),
		Store:   make(map[string]json.RawMessage, len(state.Store)),
	}
	for k, v := range state.Store {
		rendered.Store[k] = append(json.RawMessage(nil), v...)
	}
	rendered.Binaries = e.CollectFileRefs(state)
	return rendered, nil
}

// fileRef is the embedded binary reference shape a value may carry.
type fileRef struct {
	FileRef  string `json:"fileRef"`
	ByteSize int64  `json:"byteSize"`
}

func (e *KVEngine) CollectFileRefs(state *State) []BinaryRef {
	if state == nil {
		return nil
	}
	seen := map[string]BinaryRef{}
	for _, raw := range state.Store {
		var ref fileRef
		if err := json.Unmarshal(raw, &ref); err != nil || ref.FileRef == "" {
			continue
		}
		seen[ref.FileRef] = BinaryRef{Ref: ref.FileRef, ByteSize: ref.ByteSize}
	}
	out := make([]BinaryRef, 0, len(seen))
	for _, r := range seen {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ref < out[j].Ref })
	return out
}

func (e *KVEngine) CanRevert(ctx context.Context, ds DataSource, repoID int64, headSha, revertSha string) (bool, error) {
	if headSha == "" || revertSha == "" {
		return false, nil
	}
	chain, err := ancestry(ctx, ds, repoID, headSha)
	if err != nil {
		return false, err
	}
	for _, sha := range chain {
		if sha == revertSha {
			return true, nil
		}
	}
	return false, nil
}

func (e *KVEngine) ReversionCommit(ctx context.Context, ds DataSource, repoID int64, headSha, revertSha string, actorID int64) (*models.Commit, error) {
	headState, err := stateOrEmpty(ctx, ds, repoID, headSha)
	if err != nil {
		return nil, err
	}
	targetState, err := stateOrEmpty(ctx, ds, repoID, revertSha)
	if err != nil {
		return nil, err
	}
	diff, err := e.DiffStates(headState, targetState)
	if err != nil {
		return nil, err
	}
	diffBytes, err := json.Marshal(diff)
	if err != nil {
		return nil, err
	}
	commit := &models.Commit{
		RepoID:        repoID,
		ParentSha:     headSha,
		AuthorID:      actorID,
		Message:       fmt.Sprintf("Revert to %s", shortSha(revertSha)),
		Diff:          diffBytes,
		DiffByteSize:  int64(len(diffBytes)),
		RevertFromSha: headSha,
		RevertToSha:   revertSha,
	}
	commit.Sha = commitSha(commit.ParentSha, commit.Diff, commit.AuthorID)
	return commit, nil
}

func (e *KVEngine) CanAutoFixReversion(ctx context.Context, ds DataSource, repoID int64, headSha string) (bool, error) {
	if headSha == "" {
		return false, nil
	}
	head, err := ds.GetCommit(ctx, repoID, headSha)
	if err != nil {
		return false, err
	}
	return head.RevertFromSha != "" && head.RevertToSha != "", nil
}

func (e *KVEngine) AutoFixCommit(ctx context.Context, ds DataSource, repoID int64, headSha string, actorID int64) (*models.Commit, error) {
	head, err := ds.GetCommit(ctx, repoID, headSha)
	if err != nil {
		return nil, err
	}
	if head.RevertFromSha == "" {
		return nil, fmt.Errorf("commit %s is not a reversion", shortSha(headSha))
	}
	headState, err := stateOrEmpty(ctx, ds, repoID, headSha)
	if err != nil {
		return nil, err
	}
	restoreState, err := stateOrEmpty(ctx, ds, repoID, head.RevertFromSha)
	if err != nil {
		return nil, err
	}
	diff, err := e.DiffStates(headState, restoreState)
	if err != nil {
		return nil, err
	}
	diffBytes, err := json.Marshal(diff)
	if err != nil {
		return nil, err
	}
	commit := &models.Commit{
		RepoID:       repoID,
		ParentSha:    headSha,
		AuthorID:     actorID,
		Message:      fmt.Sprintf("Fix forward to %s", shortSha(head.RevertFromSha)),
		Diff:         diffBytes,
		DiffByteSize: int64(len(diffBytes)),
	}
	commit.Sha = commitSha(commit.ParentSha, commit.Diff, commit.AuthorID)
	return commit, nil
}

// commitSha excludes timestamps so replaying the same diffs onto the same
// parent is idempotent; pre-synthesized rebase commits and a later merge
// derive identical shas and dedupe at ingestion.
func commitSha(parentSha string, diff []byte, authorID int64) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%d\x00", parentSha, authorID)
	h.Write(diff)
	return hex.EncodeToString(h.Sum(nil))
}

func shortSha(sha string) string {
	if len(sha) > 8 {
		return sha[:8]
	}
	return sha
}

func hasPlugin(list []PluginRef, p PluginRef) bool {
	for _, q := range list {
		if q.Name == p.Name && q.Version == p.Version {
			return true
		}
	}
	return false
}

func removePlugin(list []PluginRef, p PluginRef) []PluginRef {
	out := list[:0]
	for _, q := range list {
		if q.Name == p.Name && q.Version == p.Version {
			continue
		}
		out = append(out, q)
	}
	return out
}

func sortPlugins(list []PluginRef) {
	sort.Slice(list, func(i, j int) bool {
		if list[i].Name != list[j].Name {
			return list[i].Name < list[j].Name
		}
		return list[i].Version < list[j].Version
	})
}

var _ Engine = (*KVEngine)(nil)

// Package stateengine defines the state-diff/merge engine consumed by the
// orchestration core. The core never inspects state internals; it persists
// opaque snapshots and calls these functions to derive divergence, mergeability
// and synthesized commits.
package stateengine

import (
	"context"
	"encoding/json"

	"github.com/kvforge/kvforge/internal/models"
)

// PluginRef identifies a plugin schema a state depends on.
type PluginRef struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// State is the flattened key-value representation of repository data at a
// commit, plus the plugin/version list its keys are validated against.
type State struct {
	Plugins []PluginRef                `json:"plugins"`
	Store   map[string]json.RawMessage `json:"store"`
}

// Diff transforms a parent State into a child State.
type Diff struct {
	AddPlugins    []PluginRef                `json:"add_plugins,omitempty"`
	RemovePlugins []PluginRef                `json:"remove_plugins,omitempty"`
	Sets          map[string]json.RawMessage `json:"sets,omitempty"`
	Removes       []string                   `json:"removes,omitempty"`
}

// BinaryRef is a binary file reference extracted from a rendered state.
type BinaryRef struct {
	Ref      string `json:"ref"`
	ByteSize int64  `json:"byte_size"`
}

// RenderedState is the decoded display form of a State.
type RenderedState struct {
	Plugins  []PluginRef                `json:"plugins"`
	Store    map[string]json.RawMessage `json:"store"`
	Binaries []BinaryRef                `json:"binaries"`
}

// Divergence describes the relationship between two branch heads and their
// common ancestor.
type Divergence struct {
	// TrueOrigin is the nearest ancestor of the head that is also an
	// ancestor of the base head.
	TrueOrigin string
	// IntoLastCommonAncestor is the nearest ancestor of the base head that
	// is also an ancestor of the head.
	IntoLastCommonAncestor string
	// RebaseShas lists the head-side commits after TrueOrigin, oldest first.
	RebaseShas []string
	// BasedOn is the sha the branch is considered based on; stored as the
	// merge request's divergence sha.
	BasedOn string
}

// DataSource gives the engine read access to the persisted commit DAG and
// state snapshots. Implemented by the service layer.
type DataSource interface {
	GetCommit(ctx context.Context, repoID int64, sha string) (*models.Commit, error)
	GetState(ctx context.Context, repoID int64, sha string) (*State, error)
}

// Engine is the pure diff/merge function set. Implementations must be
// deterministic: concurrent recomputation of derived fields relies on equal
// inputs producing equal outputs.
type Engine interface {
	ApplyDiff(prev *State, diff *Diff) (*State, error)
	DiffStates(from, to *State) (*Diff, error)
	DivergenceOrigin(ctx context.Context, ds DataSource, repoID int64, baseSha, headSha string) (*Divergence, error)
	CanAutoMerge(ctx context.Context, ds DataSource, repoID int64, intoSha, fromSha, ancestorSha string) (bool, error)
	MergeRebaseCommits(ctx context.Context, ds DataSource, repoID int64, headSha, ontoSha string, actorID int64) ([]models.Commit, error)
	Render(state *State) (*RenderedState, error)
	CollectFileRefs(state *State) []BinaryRef
	CanRevert(ctx context.Context, ds DataSource, repoID int64, headSha, revertSha string) (bool, error)
	ReversionCommit(ctx context.Context, ds DataSource, repoID int64, headSha, revertSha string, actorID int64) (*models.Commit, error)
	CanAutoFixReversion(ctx context.Context, ds DataSource, repoID int64, headSha string) (bool, error)
	AutoFixCommit(ctx context.Context, ds DataSource, repoID int64, headSha string, actorID int64) (*models.Commit, error)
}

// EmptyState returns the state of a parentless commit's parent.
func EmptyState() *State {
	return &State{Store: map[string]json.RawMessage{}}
}

// Clone deep-copies a state.
func (s *State) Clone() *State {
	out := &State{
		Plugins: append([]PluginRef(nil), s.Plugins...),
		Store:   make(map[string]json.RawMessage, len(s.Store)),
	}
	for k, v := range s.Store {
		out.Store[k] = append(json.RawMessage(nil), v...)
	}
	return out
}

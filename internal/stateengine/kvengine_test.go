package stateengine

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/kvforge/kvforge/internal/models"
)

// memSource is an in-memory DAG for engine tests.
type memSource struct {
	commits map[string]*models.Commit
	states  map[string]*State
}

func newMemSource() *memSource {
	return &memSource{
		commits: map[string]*models.Commit{},
		states:  map[string]*State{},
	}
}

func (m *memSource) add(sha, parent string, state *State) {
	m.commits[sha] = &models.Commit{Sha: sha, ParentSha: parent}
	m.states[sha] = state
}

func (m *memSource) GetCommit(ctx context.Context, repoID int64, sha string) (*models.Commit, error) {
	c, ok := m.commits[sha]
	if !ok {
		return nil, context.Canceled
	}
	return c, nil
}

func (m *memSource) GetState(ctx context.Context, repoID int64, sha string) (*State, error) {
	s, ok := m.states[sha]
	if !ok {
		return nil, context.Canceled
	}
	return s, nil
}

func stateWith(kv map[string]string) *State {
	s := EmptyState()
	for k, v := range kv {
		s.Store[k] = json.RawMessage(v)
	}
	return s
}

func TestApplyDiffSetsRemovesAndPlugins(t *testing.T) {
	e := NewKVEngine()
	prev := stateWith(map[string]string{"a/1": `"x"`, "a/2": `"y"`})
	prev.Plugins = []PluginRef{{Name: "a", Version: "1"}}

	next, err := e.ApplyDiff(prev, &Diff{
		AddPlugins:    []PluginRef{{Name: "b", Version: "2"}},
		RemovePlugins: []PluginRef{{Name: "a", Version: "1"}},
		Sets:          map[string]json.RawMessage{"b/1": json.RawMessage(`true`)},
		Removes:       []string{"a/2"},
	})
	if err != nil {
		t.Fatal(err)
	}

	if len(next.Plugins) != 1 || next.Plugins[0].Name != "b" {
		t.Fatalf("plugin list wrong: %+v", next.Plugins)
	}
	if _, ok := next.Store["a/2"]; ok {
		t.Fatal("removed key survived")
	}
	if string(next.Store["b/1"]) != "true" {
		t.Fatalf("set key wrong: %s", next.Store["b/1"])
	}
	// The input state must be untouched.
	if _, ok := prev.Store["b/1"]; ok {
		t.Fatal("ApplyDiff mutated its input")
	}
}

func TestDiffStatesRoundTrips(t *testing.T) {
	e := NewKVEngine()
	from := stateWith(map[string]string{"a/1": `"x"`, "a/2": `"y"`})
	to := stateWith(map[string]string{"a/1": `"z"`, "a/3": `1`})
	to.Plugins = []PluginRef{{Name: "p", Version: "1"}}

	diff, err := e.DiffStates(from, to)
	if err != nil {
		t.Fatal(err)
	}
	got, err := e.ApplyDiff(from, diff)
	if err != nil {
		t.Fatal(err)
	}

	want, _ := json.Marshal(to)
	raw, _ := json.Marshal(got)
	if string(raw) != string(want) {
		t.Fatalf("round trip mismatch:\n got %s\nwant %s", raw, want)
	}
}

func TestDivergenceOriginLinearAhead(t *testing.T) {
	ds := newMemSource()
	ds.add("c1", "", stateWith(nil))
	ds.add("c2", "c1", stateWith(nil))
	ds.add("c3", "c2", stateWith(nil))

	e := NewKVEngine()
	d, err := e.DivergenceOrigin(context.Background(), ds, 1, "c1", "c3")
	if err != nil {
		t.Fatal(err)
	}
	if d.TrueOrigin != "c1" || d.BasedOn != "c1" {
		t.Fatalf("origin = %q/%q, want c1", d.TrueOrigin, d.BasedOn)
	}
	if len(d.RebaseShas) != 2 || d.RebaseShas[0] != "c2" || d.RebaseShas[1] != "c3" {
		t.Fatalf("rebase shas must replay oldest-first: %v", d.RebaseShas)
	}
	if d.IntoLastCommonAncestor != "c1" {
		t.Fatalf("into ancestor = %q, want c1", d.IntoLastCommonAncestor)
	}
}

func TestDivergenceOriginForkedHistory(t *testing.T) {
	ds := newMemSource()
	ds.add("c1", "", stateWith(nil))
	ds.add("m2", "c1", stateWith(nil))
	ds.add("f2", "c1", stateWith(nil))
	ds.add("f3", "f2", stateWith(nil))

	e := NewKVEngine()
	d, err := e.DivergenceOrigin(context.Background(), ds, 1, "m2", "f3")
	if err != nil {
		t.Fatal(err)
	}
	if d.TrueOrigin != "c1" {
		t.Fatalf("true origin = %q, want c1", d.TrueOrigin)
	}
	if len(d.RebaseShas) != 2 {
		t.Fatalf("rebase shas = %v", d.RebaseShas)
	}
	if d.IntoLastCommonAncestor != "c1" {
		t.Fatalf("into ancestor = %q, want c1", d.IntoLastCommonAncestor)
	}
}

func TestDivergenceOriginMergedHead(t *testing.T) {
	ds := newMemSource()
	ds.add("c1", "", stateWith(nil))
	ds.add("c2", "c1", stateWith(nil))

	e := NewKVEngine()
	// Base has advanced past the head: the head is fully contained.
	d, err := e.DivergenceOrigin(context.Background(), ds, 1, "c2", "c1")
	if err != nil {
		t.Fatal(err)
	}
	if len(d.RebaseShas) != 0 {
		t.Fatalf("contained head must have no rebase shas: %v", d.RebaseShas)
	}
	if d.TrueOrigin != "c1" || d.IntoLastCommonAncestor != "c1" {
		t.Fatalf("origins = %q/%q, want c1/c1", d.TrueOrigin, d.IntoLastCommonAncestor)
	}
}

func TestCanAutoMerge(t *testing.T) {
	e := NewKVEngine()
	ctx := context.Background()

	cases := []struct {
		name     string
		into     map[string]string
		from     map[string]string
		ancestor map[string]string
		want     bool
	}{
		{
			name:     "disjoint keys",
			ancestor: map[string]string{"a": `1`},
			into:     map[string]string{"a": `1`, "b": `2`},
			from:     map[string]string{"a": `1`, "c": `3`},
			want:     true,
		},
		{
			name:     "same key different values",
			ancestor: map[string]string{"a": `1`},
			into:     map[string]string{"a": `2`},
			from:     map[string]string{"a": `3`},
			want:     false,
		},
		{
			name:     "same key same value",
			ancestor: map[string]string{"a": `1`},
			into:     map[string]string{"a": `2`},
			from:     map[string]string{"a": `2`},
			want:     true,
		},
		{
			name:     "remove versus edit",
			ancestor: map[string]string{"a": `1`},
			into:     map[string]string{},
			from:     map[string]string{"a": `2`},
			want:     false,
		},
		{
			name:     "both remove",
			ancestor: map[string]string{"a": `1`, "b": `2`},
			into:     map[string]string{"b": `2`},
			from:     map[string]string{"b": `2`},
			want:     true,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ds := newMemSource()
			ds.add("anc", "", stateWith(tc.ancestor))
			ds.add("into", "anc", stateWith(tc.into))
			ds.add("from", "anc", stateWith(tc.from))
			got, err := e.CanAutoMerge(ctx, ds, 1, "into", "from", "anc")
			if err != nil {
				t.Fatal(err)
			}
			if got != tc.want {
				t.Fatalf("CanAutoMerge = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestMergeRebaseCommitsAreDeterministic(t *testing.T) {
	ds := newMemSource()
	ds.add("c1", "", stateWith(nil))
	ds.add("m2", "c1", stateWith(nil))
	ds.commits["f2"] = &models.Commit{Sha: "f2", ParentSha: "c1", Diff: []byte(`{"sets":{"x":1}}`)}
	ds.states["f2"] = stateWith(nil)
	ds.commits["f3"] = &models.Commit{Sha: "f3", ParentSha: "f2", Diff: []byte(`{"sets":{"y":2}}`)}
	ds.states["f3"] = stateWith(nil)

	e := NewKVEngine()
	ctx := context.Background()
	first, err := e.MergeRebaseCommits(ctx, ds, 1, "f3", "m2", 7)
	if err != nil {
		t.Fatal(err)
	}
	second, err := e.MergeRebaseCommits(ctx, ds, 1, "f3", "m2", 7)
	if err != nil {
		t.Fatal(err)
	}
	if len(first) != 2 || len(second) != 2 {
		t.Fatalf("expected 2 replayed commits, got %d and %d", len(first), len(second))
	}
	for i := range first {
		if first[i].Sha != second[i].Sha {
			t.Fatalf("replayed sha %d differs across runs: %s vs %s", i, first[i].Sha, second[i].Sha)
		}
	}
	if first[0].ParentSha != "m2" || first[1].ParentSha != first[0].Sha {
		t.Fatalf("replayed chain mis-linked: %+v", first)
	}
	if first[1].MergeBase != "f3" {
		t.Fatalf("tip must record the merged head, got %q", first[1].MergeBase)
	}
	// A different actor produces a different chain.
	other, err := e.MergeRebaseCommits(ctx, ds, 1, "f3", "m2", 8)
	if err != nil {
		t.Fatal(err)
	}
	if other[0].Sha == first[0].Sha {
		t.Fatal("actor id must feed the synthesized sha")
	}
}

func TestMergeRebaseCommitsFastForwardsOntoUnmovedBase(t *testing.T) {
	ds := newMemSource()
	ds.add("c1", "", stateWith(nil))
	ds.commits["f2"] = &models.Commit{Sha: "f2", ParentSha: "c1", Diff: []byte(`{"sets":{"x":1}}`)}
	ds.states["f2"] = stateWith(nil)
	ds.commits["f3"] = &models.Commit{Sha: "f3", ParentSha: "f2", Diff: []byte(`{"sets":{"y":2}}`)}
	ds.states["f3"] = stateWith(nil)

	e := NewKVEngine()
	out, err := e.MergeRebaseCommits(context.Background(), ds, 1, "f3", "c1", 7)
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 2 {
		t.Fatalf("expected the branch's own 2 commits, got %d", len(out))
	}
	if out[0].Sha != "f2" || out[1].Sha != "f3" {
		t.Fatalf("fast-forward must keep the original shas, got %q, %q", out[0].Sha, out[1].Sha)
	}
	if out[0].ParentSha != "c1" || out[1].ParentSha != "f2" {
		t.Fatalf("fast-forward must keep the original parents: %+v", out)
	}
}

func TestCollectFileRefs(t *testing.T) {
	e := NewKVEngine()
	state := stateWith(map[string]string{
		"a/1": `{"fileRef":"zz","byteSize":10}`,
		"a/2": `{"fileRef":"aa","byteSize":20}`,
		"a/3": `{"fileRef":"aa","byteSize":20}`,
		"a/4": `{"plain":"value"}`,
		"a/5": `"scalar"`,
	})
	refs := e.CollectFileRefs(state)
	if len(refs) != 2 {
		t.Fatalf("expected 2 distinct refs, got %v", refs)
	}
	if refs[0].Ref != "aa" || refs[1].Ref != "zz" {
		t.Fatalf("refs must be sorted: %v", refs)
	}
	if refs[0].ByteSize != 20 {
		t.Fatalf("byte size wrong: %+v", refs[0])
	}
}

func TestReversionCommitRestoresTarget(t *testing.T) {
	ds := newMemSource()
	ds.add("c1", "", stateWith(map[string]string{"a": `1`}))
	ds.add("c2", "c1", stateWith(map[string]string{"a": `1`, "b": `2`}))

	e := NewKVEngine()
	ctx := context.Background()

	ok, err := e.CanRevert(ctx, ds, 1, "c2", "c1")
	if err != nil || !ok {
		t.Fatalf("c1 must be revertable from c2: %v %v", ok, err)
	}
	ok, err = e.CanRevert(ctx, ds, 1, "c2", "zz")
	if err != nil || ok {
		t.Fatalf("unknown sha must not be revertable, got %v %v", ok, err)
	}

	commit, err := e.ReversionCommit(ctx, ds, 1, "c2", "c1", 7)
	if err != nil {
		t.Fatal(err)
	}
	if commit.RevertFromSha != "c2" || commit.RevertToSha != "c1" {
		t.Fatalf("reversion stamps wrong: %+v", commit)
	}

	var diff Diff
	if err := json.Unmarshal(commit.Diff, &diff); err != nil {
		t.Fatal(err)
	}
	state, err := e.ApplyDiff(ds.states["c2"], &diff)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := state.Store["b"]; ok {
		t.Fatal("reversion diff must drop the added key")
	}
}

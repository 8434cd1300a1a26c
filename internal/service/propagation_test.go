package service

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/kvforge/kvforge/internal/jobs"
	"github.com/kvforge/kvforge/internal/models"
)

func TestHubEnqueuesCollaboratorsInOrder(t *testing.T) {
	f := newMRFixture(t)
	ctx := context.Background()

	f.ts.hub.OnBranchChanged(ctx, f.repo, f.owner.ID, f.main)

	refresh, err := f.ts.db.ListJobs(ctx, jobs.QueueBranchRefresh)
	if err != nil {
		t.Fatal(err)
	}
	if len(refresh) != 2 {
		t.Fatalf("expected 2 branch refresh jobs, got %d", len(refresh))
	}
	var kinds []string
	for _, job := range refresh {
		var payload branchRefreshPayload
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			t.Fatal(err)
		}
		kinds = append(kinds, payload.Kind)
		if payload.BranchID != f.main.ID || payload.RepositoryID != f.repo.ID {
			t.Fatalf("refresh payload targets wrong branch: %+v", payload)
		}
	}
	// Recomputation must land before pre-merge synthesis.
	if kinds[0] != refreshKindRecompute || kinds[1] != refreshKindPresynth {
		t.Fatalf("refresh kinds out of order: %v", kinds)
	}

	notify, err := f.ts.db.ListJobs(ctx, jobs.QueueNotification)
	if err != nil {
		t.Fatal(err)
	}
	if len(notify) != 1 {
		t.Fatalf("expected 1 notification job, got %d", len(notify))
	}
}

func TestBranchRefreshCascadesToDependents(t *testing.T) {
	f := newMRFixture(t)
	ctx := context.Background()

	mr := f.openMergeRequest(t)

	// Advance main underneath the open merge request.
	f.ts.writeChain(t, f.repo,
		testCommit("m2", "c1", f.owner.ID, setDiff(t, "core/main", `"m2"`)),
	)
	f.main.LastCommit = "m2"
	if err := f.ts.db.UpdateBranch(ctx, f.main); err != nil {
		t.Fatal(err)
	}

	handler := NewBranchRefreshHandler(f.ts.mergeRequests, f.ts.branches)
	f.ts.hub.OnBranchChanged(ctx, f.repo, f.owner.ID, f.main)
	drainQueue(t, f.ts.refreshQueue, handler.Process)

	// The merge request on feature must have been re-derived against the
	// new base head.
	got, err := f.ts.db.GetMergeRequest(ctx, mr.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.DivergenceSha != "c1" {
		t.Fatalf("divergence sha = %q, want c1", got.DivergenceSha)
	}
	if !got.IsConflictFree {
		t.Fatal("disjoint key edits must auto-merge cleanly")
	}

	// The dependent branch's derived cache was refreshed too, and its
	// rebase commits were pre-synthesized onto the new base head.
	feature, err := f.ts.db.GetBranch(ctx, f.feature.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !feature.IsConflictFree || feature.IsMerged {
		t.Fatalf("dependent branch cache wrong: %+v", feature)
	}
	commits, err := f.ts.db.ListCommits(ctx, f.repo.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(commits) <= 4 {
		t.Fatalf("expected pre-synthesized rebase commits beyond the 4 ingested, got %d", len(commits))
	}
}

func TestPreSynthesisMakesMergeADedupe(t *testing.T) {
	f := newMRFixture(t)
	ctx := context.Background()
	mr := f.openMergeRequest(t)

	// Pre-compute the rebase commits ahead of the merge.
	if err := f.ts.branches.RefreshDependents(ctx, f.repo.ID, f.main.ID, f.owner.ID); err != nil {
		t.Fatal(err)
	}
	preCommits, err := f.ts.db.ListCommits(ctx, f.repo.ID)
	if err != nil {
		t.Fatal(err)
	}

	if err := f.ts.mergeRequests.Merge(ctx, mr.ID, f.owner.ID); err != nil {
		t.Fatal(err)
	}

	postCommits, err := f.ts.db.ListCommits(ctx, f.repo.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(postCommits) != len(preCommits) {
		t.Fatalf("merge after pre-synthesis must dedupe, commits %d -> %d",
			len(preCommits), len(postCommits))
	}
}

func TestStaleRefreshJobIsANoOp(t *testing.T) {
	f := newMRFixture(t)
	ctx := context.Background()

	handler := NewBranchRefreshHandler(f.ts.mergeRequests, f.ts.branches)
	payload, err := json.Marshal(branchRefreshPayload{
		Kind: refreshKindRecompute,
		BranchChange: BranchChange{
			RepositoryID: f.repo.ID,
			BranchID:     99999,
			ActorID:      f.owner.ID,
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := handler.Process(ctx, &models.Job{Payload: payload}); err != nil {
		t.Fatalf("refresh of a vanished branch must be a no-op: %v", err)
	}
}

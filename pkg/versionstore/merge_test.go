package versionstore

import (
	"context"
	"errors"
	"testing"

	"github.com/odvcencio/strata/pkg/index"
	"github.com/odvcencio/strata/pkg/logic"
	"github.com/odvcencio/strata/pkg/persist"
	"github.com/odvcencio/strata/pkg/persist/inmemory"
)

// divergedStore returns a store where main and feature share a base
// holding k1 and k2.
func divergedStore(t *testing.T) *Store {
	t.Helper()
	s := newTestStore(t)
	put(t, s, "main", "k1", "base")
	put(t, s, "main", "k2", "base")
	branchFrom(t, s, "feature", "main")
	return s
}

func outcomes(res *MergeResult) map[string]KeyOutcome {
	out := make(map[string]KeyOutcome)
	for _, k := range res.Keys {
		out[string(k.Key)] = k.Outcome
	}
	return out
}

func TestMergeCleanAppliesSourceChanges(t *testing.T) {
	ctx := context.Background()
	s := divergedStore(t)
	put(t, s, "feature", "k1", "feature")
	featureTip := put(t, s, "feature", "k3", "feature")
	put(t, s, "main", "k2", "main")
	mainBefore := head(t, s, "main")

	res, err := s.Merge(ctx, MergeOp{FromHash: featureTip, ToBranch: "main"})
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if !res.WasApplied || res.TargetHash != mainBefore || res.ResultantHash != head(t, s, "main") {
		t.Fatalf("Merge result = %+v", res)
	}
	got := outcomes(res)
	if len(got) != 2 || got["k1"] != OutcomeApplied || got["k3"] != OutcomeApplied {
		t.Fatalf("outcomes = %v, want k1 and k3 applied", got)
	}
	for key, want := range map[string]string{"k1": "feature", "k2": "main", "k3": "feature"} {
		if v := valueAt(t, s, "main", key); v != want {
			t.Fatalf("main[%s] = %q, want %q", key, v, want)
		}
	}

	commit, err := s.commits.FetchCommit(ctx, res.ResultantHash)
	if err != nil {
		t.Fatal(err)
	}
	if commit.DirectParent() != mainBefore || len(commit.SecondaryParents) != 1 || commit.SecondaryParents[0] != featureTip {
		t.Fatalf("merge commit parents = %v + %v", commit.DirectParent().Short(), commit.SecondaryParents)
	}
}

func TestMergeConflictWritesNothing(t *testing.T) {
	ctx := context.Background()
	s := divergedStore(t)
	featureTip := put(t, s, "feature", "k1", "feature")
	mainTip := put(t, s, "main", "k1", "main")

	_, err := s.Merge(ctx, MergeOp{FromHash: featureTip, ToBranch: "main"})
	var merr *MergeConflictError
	if !errors.As(err, &merr) {
		t.Fatalf("Merge error = %v, want *MergeConflictError", err)
	}
	if !errors.Is(err, logic.ErrConflict) {
		t.Fatal("MergeConflictError does not match ErrConflict")
	}
	conflicts := merr.Result.Conflicts()
	if len(conflicts) != 1 || conflicts[0].Key != "k1" {
		t.Fatalf("conflicts = %+v, want k1", conflicts)
	}
	if head(t, s, "main") != mainTip {
		t.Fatal("conflicting merge moved main")
	}
}

func TestMergeBehaviors(t *testing.T) {
	for _, tc := range []struct {
		behavior MergeBehavior
		outcome  KeyOutcome
		want     string
	}{
		{MergeForce, OutcomeApplied, "feature"},
		{MergeDrop, OutcomeSkipped, "main"},
	} {
		t.Run(tc.behavior.String(), func(t *testing.T) {
			ctx := context.Background()
			s := divergedStore(t)
			featureTip := put(t, s, "feature", "k1", "feature")
			put(t, s, "main", "k1", "main")

			res, err := s.Merge(ctx, MergeOp{
				FromHash:     featureTip,
				ToBranch:     "main",
				KeyBehaviors: map[index.StoreKey]MergeBehavior{"k1": tc.behavior},
			})
			if err != nil {
				t.Fatalf("Merge: %v", err)
			}
			if got := outcomes(res)["k1"]; got != tc.outcome {
				t.Fatalf("k1 outcome = %v, want %v", got, tc.outcome)
			}
			if v := valueAt(t, s, "main", "k1"); v != tc.want {
				t.Fatalf("main[k1] = %q, want %q", v, tc.want)
			}
		})
	}
}

func TestMergeIdenticalChangeIsNoOp(t *testing.T) {
	ctx := context.Background()
	s := divergedStore(t)
	featureTip := del(t, s, "feature", "k2")
	del(t, s, "main", "k2")

	res, err := s.Merge(ctx, MergeOp{FromHash: featureTip, ToBranch: "main"})
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if got := outcomes(res)["k2"]; got != OutcomeNoOp {
		t.Fatalf("k2 outcome = %v, want NOOP", got)
	}
}

func TestMergeDryRunWritesNothing(t *testing.T) {
	ctx := context.Background()
	p := &countingPersist{Persist: inmemory.New(persist.Config{RepositoryID: "test"})}
	s := newTestStoreOn(t, p)
	put(t, s, "main", "k1", "base")
	branchFrom(t, s, "feature", "main")
	featureTip := put(t, s, "feature", "k1", "feature")
	mainTip := put(t, s, "main", "k2", "main")

	objs, refs := p.objWrites.Load(), p.refWrites.Load()
	res, err := s.Merge(ctx, MergeOp{FromHash: featureTip, ToBranch: "main", DryRun: true})
	if err != nil {
		t.Fatalf("dry-run Merge: %v", err)
	}
	if res.WasApplied || !res.DryRun || res.ResultantHash != mainTip {
		t.Fatalf("dry-run result = %+v", res)
	}
	if got := outcomes(res)["k1"]; got != OutcomeApplied {
		t.Fatalf("dry-run k1 outcome = %v, want APPLIED", got)
	}
	if p.objWrites.Load() != objs || p.refWrites.Load() != refs {
		t.Fatalf("dry run wrote %d objects and %d references", p.objWrites.Load()-objs, p.refWrites.Load()-refs)
	}
	if head(t, s, "main") != mainTip {
		t.Fatal("dry run moved main")
	}
}

func TestMergeAlreadyContained(t *testing.T) {
	ctx := context.Background()
	s := divergedStore(t)
	base := head(t, s, "feature")
	tip := put(t, s, "main", "k3", "main")

	res, err := s.Merge(ctx, MergeOp{FromHash: base, ToBranch: "main"})
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if res.WasApplied || res.ResultantHash != tip {
		t.Fatalf("merge of contained commit = %+v, want no-op", res)
	}
}

func TestMergeExpectedHash(t *testing.T) {
	ctx := context.Background()
	s := divergedStore(t)
	featureTip := put(t, s, "feature", "k1", "feature")
	stale := head(t, s, "main")
	put(t, s, "main", "k3", "main")

	_, err := s.Merge(ctx, MergeOp{FromHash: featureTip, ToBranch: "main", ExpectedHash: &stale})
	if !errors.Is(err, persist.ErrConditionFailed) {
		t.Fatalf("Merge error = %v, want ErrConditionFailed", err)
	}
}

func TestParseMergeBehavior(t *testing.T) {
	for s, want := range map[string]MergeBehavior{"force": MergeForce, "DROP": MergeDrop, "Normal": MergeNormal} {
		got, err := ParseMergeBehavior(s)
		if err != nil || got != want {
			t.Fatalf("ParseMergeBehavior(%q) = %v, %v; want %v", s, got, err, want)
		}
	}
	if _, err := ParseMergeBehavior("squash"); !errors.Is(err, logic.ErrInvalidArgument) {
		t.Fatalf("ParseMergeBehavior(squash) error = %v", err)
	}
}

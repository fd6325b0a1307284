package selector

import (
	"context"
	"testing"
	"time"

	"github.com/coreos/hostdeploy/internal/vcs"
)

// fakeOracle answers ancestry questions from explicit per-pair tables,
// rather than deriving them from a constructed DAG, so each scenario can
// state exactly the git-level facts spec §8's table describes without the
// test also having to encode a consistent commit graph.
type fakeOracle struct {
	mergeBase    map[[2]string]string
	isAncestor   map[[2]string]bool
	isMergedInto map[[2]string]bool
}

func (f *fakeOracle) MergeBase(_ context.Context, a, b string) (string, error) {
	if v, ok := f.mergeBase[[2]string{a, b}]; ok {
		return v, nil
	}
	return "", vcs.ErrNoCommonAncestor
}

func (f *fakeOracle) IsAncestor(_ context.Context, a, b string) (bool, error) {
	return f.isAncestor[[2]string{a, b}], nil
}

func (f *fakeOracle) IsMergedInto(_ context.Context, branchTip, mainTip string) (bool, error) {
	return f.isMergedInto[[2]string{branchTip, mainTip}], nil
}

func commit(hash string, t time.Time) vcs.Commit {
	return vcs.Commit{Hash: hash, CommitDate: t}
}

func ts(sec int64) time.Time { return vcs.ParseRefTimestamp(sec) }

func strp(s string) *string { return &s }

func TestS1UpToDate(t *testing.T) {
	oracle := &fakeOracle{}
	refs := []vcs.Ref{{Name: "main", Tip: commit("M1", ts(10))}}

	target, err := Select(context.Background(), oracle, "alpha", "main", "testing/", "/", refs, strp("M1"))
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if target.Type != Main || target.Commit.Hash != "M1" {
		t.Errorf("got %+v, want main@M1", target)
	}
}

func TestS2TestingAheadNotMerged(t *testing.T) {
	oracle := &fakeOracle{
		mergeBase:    map[[2]string]string{{"M1", "M2"}: "M1"},
		isAncestor:   map[[2]string]bool{{"T1", "M1"}: false},
		isMergedInto: map[[2]string]bool{{"T1", "M2"}: false},
	}
	refs := []vcs.Ref{
		{Name: "main", Tip: commit("M2", ts(10))},
		{Name: "testing/alpha", Tip: commit("T1", ts(20))},
	}

	target, err := Select(context.Background(), oracle, "alpha", "main", "testing/", "/", refs, strp("M1"))
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if target.Type != Testing || target.Commit.Hash != "T1" {
		t.Errorf("got %+v, want testing@T1", target)
	}
}

func TestS3HostnameOrderInsensitiveLatestWins(t *testing.T) {
	oracle := &fakeOracle{
		mergeBase: map[[2]string]string{{"M2", "M3"}: "M2"},
		isAncestor: map[[2]string]bool{
			{"T2", "M2"}: false,
			{"T3", "M2"}: false,
		},
		isMergedInto: map[[2]string]bool{
			{"T2", "M3"}: false,
			{"T3", "M3"}: false,
		},
	}
	refs := []vcs.Ref{
		{Name: "main", Tip: commit("M3", ts(10))},
		{Name: "testing/alpha/beta", Tip: commit("T2", ts(20))},
		{Name: "testing/beta/alpha", Tip: commit("T3", ts(30))},
	}

	target, err := Select(context.Background(), oracle, "alpha", "main", "testing/", "/", refs, strp("M2"))
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if target.Type != Testing || target.Commit.Hash != "T3" {
		t.Errorf("got %+v, want testing@T3 (later timestamp)", target)
	}
}

func TestS3bOrderInsensitivityDoesNotChangeWhichHostsMatch(t *testing.T) {
	// Same fixture as S3, but only the "beta/alpha" branch exists: "alpha"
	// still must match regardless of where it appears in the name.
	oracle := &fakeOracle{
		mergeBase:    map[[2]string]string{{"M2", "M3"}: "M2"},
		isAncestor:   map[[2]string]bool{{"T3", "M2"}: false},
		isMergedInto: map[[2]string]bool{{"T3", "M3"}: false},
	}
	refs := []vcs.Ref{
		{Name: "main", Tip: commit("M3", ts(10))},
		{Name: "testing/beta/alpha", Tip: commit("T3", ts(30))},
	}

	target, err := Select(context.Background(), oracle, "alpha", "main", "testing/", "/", refs, strp("M2"))
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if target.Type != Testing || target.Commit.Hash != "T3" {
		t.Errorf("got %+v, want testing@T3", target)
	}
}

func TestS4LandedBranchBypassed(t *testing.T) {
	oracle := &fakeOracle{
		mergeBase:    map[[2]string]string{{"M3", "M4"}: "M3"},
		isMergedInto: map[[2]string]bool{{"T4", "M4"}: true},
	}
	refs := []vcs.Ref{
		{Name: "main", Tip: commit("M4", ts(10))},
		{Name: "testing/alpha", Tip: commit("T4", ts(20))},
	}

	target, err := Select(context.Background(), oracle, "alpha", "main", "testing/", "/", refs, strp("M3"))
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if target.Type != Main || target.Commit.Hash != "M4" {
		t.Errorf("got %+v, want main@M4 (T4 already landed)", target)
	}
}

func TestS5DowngradePrevention(t *testing.T) {
	// deployed=M3, main tip=M5, base=merge_base(M3,M5)=M3. T5 is not
	// merged into main, but is an ancestor of (behind) the base M3.
	oracle := &fakeOracle{
		mergeBase:    map[[2]string]string{{"M3", "M5"}: "M3"},
		isAncestor:   map[[2]string]bool{{"T5", "M3"}: true},
		isMergedInto: map[[2]string]bool{{"T5", "M5"}: false},
	}
	refs := []vcs.Ref{
		{Name: "main", Tip: commit("M5", ts(10))},
		{Name: "testing/alpha", Tip: commit("T5", ts(20))},
	}

	target, err := Select(context.Background(), oracle, "alpha", "main", "testing/", "/", refs, strp("M3"))
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if target.Type != Main || target.Commit.Hash != "M5" {
		t.Errorf("got %+v, want main@M5 (downgrade prevented)", target)
	}
}

func TestNoDeployedCommitDisablesDowngradeCheck(t *testing.T) {
	// Same facts as S5, but deployedCommit is nil: the 2b check must be
	// skipped entirely, so T5 survives (first-run / lost-marker case).
	oracle := &fakeOracle{
		isMergedInto: map[[2]string]bool{{"T5", "M5"}: false},
	}
	refs := []vcs.Ref{
		{Name: "main", Tip: commit("M5", ts(10))},
		{Name: "testing/alpha", Tip: commit("T5", ts(20))},
	}

	target, err := Select(context.Background(), oracle, "alpha", "main", "testing/", "/", refs, nil)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if target.Type != Testing || target.Commit.Hash != "T5" {
		t.Errorf("got %+v, want testing@T5 (no deployed commit, downgrade check disabled)", target)
	}
}

func TestOtherRefsIgnored(t *testing.T) {
	oracle := &fakeOracle{}
	refs := []vcs.Ref{
		{Name: "main", Tip: commit("M1", ts(10))},
		{Name: "feature/unrelated", Tip: commit("F1", ts(999))},
	}

	target, err := Select(context.Background(), oracle, "alpha", "main", "testing/", "/", refs, strp("M1"))
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if target.Type != Main || target.Commit.Hash != "M1" {
		t.Errorf("got %+v, want main@M1 (unrelated ref ignored)", target)
	}
}

func TestDeterminism(t *testing.T) {
	oracle := &fakeOracle{
		mergeBase:    map[[2]string]string{{"M1", "M2"}: "M1"},
		isAncestor:   map[[2]string]bool{{"T1", "M1"}: false},
		isMergedInto: map[[2]string]bool{{"T1", "M2"}: false},
	}
	refs := []vcs.Ref{
		{Name: "main", Tip: commit("M2", ts(10))},
		{Name: "testing/alpha", Tip: commit("T1", ts(20))},
	}

	first, err := Select(context.Background(), oracle, "alpha", "main", "testing/", "/", refs, strp("M1"))
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	for i := 0; i < 5; i++ {
		again, err := Select(context.Background(), oracle, "alpha", "main", "testing/", "/", refs, strp("M1"))
		if err != nil {
			t.Fatalf("Select: %v", err)
		}
		if again != first {
			t.Fatalf("non-deterministic: %+v != %+v", again, first)
		}
	}
}

func TestMissingMainIsAnError(t *testing.T) {
	oracle := &fakeOracle{}
	refs := []vcs.Ref{{Name: "develop", Tip: commit("D1", ts(1))}}

	if _, err := Select(context.Background(), oracle, "alpha", "main", "testing/", "/", refs, nil); err == nil {
		t.Fatal("expected an error when no ref matches the configured main branch name")
	}
}

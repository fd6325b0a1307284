// Package selector implements the target-selection algorithm, component E:
// given the current set of remote refs and (if known) the commit currently
// deployed on this host, it picks the commit this host must run next. It is
// a pure function over its inputs plus an injected ancestry oracle, so it
// can be tested without a real git checkout.
package selector

import (
	"context"
	"sort"
	"strings"

	"github.com/pkg/errors"

	"github.com/coreos/hostdeploy/internal/vcs"
)

// TargetType distinguishes a selection landing on the main branch from one
// landing on a per-host testing branch.
type TargetType string

const (
	Main    TargetType = "main"
	Testing TargetType = "testing"
)

// Target is the outcome of Select.
type Target struct {
	Commit vcs.Commit
	Type   TargetType
	Ref    string
}

// AncestryOracle answers the ancestry questions the algorithm needs,
// backed by the real VCS gateway in production and by a fake in tests.
type AncestryOracle interface {
	MergeBase(ctx context.Context, a, b string) (string, error)
	IsAncestor(ctx context.Context, a, b string) (bool, error)
	IsMergedInto(ctx context.Context, branchTip, mainTip string) (bool, error)
}

// Select implements spec §4.E. refs is the full set of remote branches;
// hostname is this host's name; mainName/testingPrefix/testingSeparator
// come from settings; deployedCommit is the hash currently active on this
// host, or nil if unknown (first run, or no success marker on disk —
// this disables the downgrade-prevention check for that run, per the
// spec's resolved Open Question).
func Select(ctx context.Context, oracle AncestryOracle, hostname, mainName, testingPrefix, testingSeparator string, refs []vcs.Ref, deployedCommit *string) (Target, error) {
	var main *vcs.Ref
	var candidates []vcs.Ref
	for i := range refs {
		r := refs[i]
		switch {
		case r.Name == mainName:
			main = &refs[i]
		case strings.HasPrefix(r.Name, testingPrefix):
			remainder := strings.TrimPrefix(r.Name, testingPrefix)
			hosts, ok := vcs.HostsFromTestingRef(remainder, testingSeparator)
			if !ok {
				continue // malformed testing ref name: "other", ignored
			}
			if _, forMe := hosts[hostname]; forMe {
				candidates = append(candidates, r)
			}
		}
	}
	if main == nil {
		return Target{}, errors.Errorf("no ref named %q among remote branches", mainName)
	}

	var base string
	haveBase := false
	if deployedCommit != nil && len(candidates) > 0 {
		b, err := oracle.MergeBase(ctx, *deployedCommit, main.Tip.Hash)
		if err != nil {
			return Target{}, errors.Wrap(err, "computing merge-base for downgrade check")
		}
		base = b
		haveBase = true
	}

	var survivors []vcs.Ref
	for _, c := range candidates {
		landed, err := oracle.IsMergedInto(ctx, c.Tip.Hash, main.Tip.Hash)
		if err != nil {
			return Target{}, errors.Wrapf(err, "checking whether %q has landed", c.Name)
		}
		if landed {
			continue // step 2a: branch has landed, use main
		}

		if haveBase {
			behind, err := oracle.IsAncestor(ctx, c.Tip.Hash, base)
			if err != nil {
				return Target{}, errors.Wrapf(err, "checking whether %q is behind the deployed base", c.Name)
			}
			if behind && c.Tip.Hash != base {
				continue // step 2b: strictly behind the current trajectory's base, no downgrade via testing
			}
		}

		survivors = append(survivors, c)
	}

	if len(survivors) == 0 {
		return Target{Commit: main.Tip, Type: Main, Ref: main.Name}, nil
	}

	sort.Slice(survivors, func(i, j int) bool {
		ti, tj := survivors[i].Tip.CommitDate, survivors[j].Tip.CommitDate
		if !ti.Equal(tj) {
			return ti.After(tj) // latest timestamp first
		}
		return survivors[i].Name < survivors[j].Name // lexicographic tie-break
	})

	winner := survivors[0]
	return Target{Commit: winner.Tip, Type: Testing, Ref: winner.Name}, nil
}

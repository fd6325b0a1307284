// Package vcs wraps the external git client: clone/fetch, ref enumeration,
// commit metadata, merge-base and ancestry queries, and checkout. It is the
// one place hostdeploy talks to git; every call goes through internal/runx
// so authentication material never touches a shell-interpreted string or a
// log line undecorated.
package vcs

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/coreos/pkg/capnslog"
	"github.com/kballard/go-shellquote"
	"github.com/pkg/errors"

	"github.com/coreos/hostdeploy/internal/redact"
	"github.com/coreos/hostdeploy/internal/runx"
)

var plog = capnslog.NewPackageLogger("github.com/coreos/hostdeploy", "vcs")

// ErrNoCommonAncestor is returned by MergeBase when the two commits share no
// history.
var ErrNoCommonAncestor = errors.New("vcs: no common ancestor")

// TransientError wraps a failure the orchestrator should treat as
// retryable on the next scheduled run (network failures during fetch).
type TransientError struct{ Underlying error }

func (e *TransientError) Error() string { return "transient vcs error: " + e.Underlying.Error() }
func (e *TransientError) Unwrap() error { return e.Underlying }

// FatalError wraps a failure indicating repository-state corruption.
type FatalError struct{ Underlying error }

func (e *FatalError) Error() string { return "fatal vcs error: " + e.Underlying.Error() }
func (e *FatalError) Unwrap() error { return e.Underlying }

// Commit is a single commit's metadata.
type Commit struct {
	Hash       string
	AuthorDate time.Time
	CommitDate time.Time
	Subject    string
}

// Ref is a remote branch and the commit at its tip.
type Ref struct {
	Name string
	Tip  Commit
}

// Gateway is the VCS gateway, component A. path is the local mirror
// directory; url/token describe the remote.
type Gateway struct {
	path  string
	url   string
	token string
	red   *redact.Redactor
}

// New constructs a Gateway for the local mirror at path tracking url,
// authenticating with token (may be empty).
func New(path, url, token string) *Gateway {
	return &Gateway{path: path, url: url, token: token, red: redact.New(token)}
}

func (g *Gateway) run(ctx context.Context, args ...string) (runx.Result, error) {
	full := append([]string{"--git-dir=" + g.path}, args...)
	res, err := runx.Run(ctx, nil, "git", full...)
	plog.Debugf("git %s", g.red.String(shellquote.Join(full...)))
	return res, err
}

// authEnv returns the environment additions that hand git the bearer token
// as an HTTP extra header via git's GIT_CONFIG_COUNT/KEY/VALUE mechanism
// (git >= 2.31), rather than an -c flag. A -c value lands in argv, which is
// readable by any user via /proc/<pid>/cmdline for the life of the child
// process; env vars are only readable via /proc/<pid>/environ, which the
// kernel restricts to the owning uid (or root). nil if no token is set.
func (g *Gateway) authEnv() []string {
	if g.token == "" {
		return nil
	}
	return []string{
		"GIT_CONFIG_COUNT=1",
		"GIT_CONFIG_KEY_0=http.extraheader",
		"GIT_CONFIG_VALUE_0=AUTHORIZATION: bearer " + g.token,
	}
}

// runAuthenticated is like run but, when a token is configured, passes it to
// git as an HTTP extra header through the environment rather than argv (see
// authEnv) so the secret is never visible via /proc/<pid>/cmdline.
func (g *Gateway) runAuthenticated(ctx context.Context, args ...string) (runx.Result, error) {
	full := append([]string{"--git-dir=" + g.path}, args...)
	res, err := runx.Run(ctx, g.authEnv(), "git", full...)
	plog.Debugf("git %s", g.red.String(shellquote.Join(full...)))
	return res, err
}

func classify(res runx.Result, err error) error {
	if err == nil {
		return nil
	}
	stderr := strings.ToLower(res.Stderr)
	transientMarkers := []string{
		"could not resolve host",
		"could not connect",
		"connection timed out",
		"connection refused",
		"unable to access",
		"the remote end hung up unexpectedly",
		"early eof",
	}
	for _, m := range transientMarkers {
		if strings.Contains(stderr, m) {
			return &TransientError{Underlying: err}
		}
	}
	return &FatalError{Underlying: err}
}

// EnsureRepo clones into path if it is absent, or asserts the existing
// repository's origin matches url.
func (g *Gateway) EnsureRepo(ctx context.Context) error {
	if _, err := os.Stat(g.path); err == nil {
		res, err := g.run(ctx, "remote", "get-url", "origin")
		if err != nil {
			return classify(res, err)
		}
		existing := strings.TrimSpace(res.Stdout)
		if existing != g.url {
			return &FatalError{Underlying: errors.Errorf("origin mismatch: repo has %q, settings want %q", existing, g.url)}
		}
		return nil
	} else if !os.IsNotExist(err) {
		return &FatalError{Underlying: err}
	}

	if err := os.MkdirAll(g.path, 0o755); err != nil {
		return &FatalError{Underlying: err}
	}
	args := []string{"clone", "--mirror", g.url, g.path}
	res, err := runx.Run(ctx, g.authEnv(), "git", args...)
	if err != nil {
		return classify(res, err)
	}
	return nil
}

// Fetch fetches all branches from origin, pruning deleted refs.
func (g *Gateway) Fetch(ctx context.Context) error {
	res, err := g.runAuthenticated(ctx, "fetch", "--prune", "origin", "+refs/heads/*:refs/heads/*")
	if err != nil {
		return classify(res, err)
	}
	return nil
}

// RemoteBranches lists local branches (the mirrored view of origin's
// branches) with their tip commit and committer timestamp.
func (g *Gateway) RemoteBranches(ctx context.Context) ([]Ref, error) {
	const sep = "\x1f"
	format := strings.Join([]string{"%(refname:short)", "%(objectname)", "%(committerdate:iso-strict)"}, sep)
	res, err := g.run(ctx, "for-each-ref", "--format="+format, "refs/heads/")
	if err != nil {
		return nil, classify(res, err)
	}

	var refs []Ref
	for _, line := range strings.Split(strings.TrimRight(res.Stdout, "\n"), "\n") {
		if line == "" {
			continue
		}
		parts := strings.Split(line, sep)
		if len(parts) != 3 {
			continue
		}
		t, err := time.Parse(time.RFC3339, parts[2])
		if err != nil {
			return nil, &FatalError{Underlying: errors.Wrapf(err, "parsing committer date %q", parts[2])}
		}
		refs = append(refs, Ref{
			Name: parts[0],
			Tip: Commit{
				Hash:       parts[1],
				CommitDate: t,
			},
		})
	}
	return refs, nil
}

// Commit returns full metadata for hash.
func (g *Gateway) Commit(ctx context.Context, hash string) (Commit, error) {
	const sep = "\x1f"
	format := strings.Join([]string{"%H", "%aI", "%cI", "%s"}, sep)
	res, err := g.run(ctx, "show", "-s", "--format="+format, hash)
	if err != nil {
		return Commit{}, classify(res, err)
	}
	parts := strings.SplitN(strings.TrimSpace(res.Stdout), sep, 4)
	if len(parts) != 4 {
		return Commit{}, &FatalError{Underlying: errors.Errorf("unexpected git show output: %q", res.Stdout)}
	}
	authorDate, err := time.Parse(time.RFC3339, parts[1])
	if err != nil {
		return Commit{}, &FatalError{Underlying: err}
	}
	commitDate, err := time.Parse(time.RFC3339, parts[2])
	if err != nil {
		return Commit{}, &FatalError{Underlying: err}
	}
	return Commit{
		Hash:       parts[0],
		AuthorDate: authorDate,
		CommitDate: commitDate,
		Subject:    parts[3],
	}, nil
}

// MergeBase returns the most recent common ancestor of a and b.
// ErrNoCommonAncestor is returned (wrapped) if the histories are disjoint.
func (g *Gateway) MergeBase(ctx context.Context, a, b string) (string, error) {
	res, err := g.run(ctx, "merge-base", a, b)
	if err != nil {
		if res.ExitCode == 1 {
			return "", ErrNoCommonAncestor
		}
		return "", classify(res, err)
	}
	return strings.TrimSpace(res.Stdout), nil
}

// IsAncestor reports whether a is an ancestor of (or equal to) b.
func (g *Gateway) IsAncestor(ctx context.Context, a, b string) (bool, error) {
	res, err := g.run(ctx, "merge-base", "--is-ancestor", a, b)
	if err == nil {
		return true, nil
	}
	if res.ExitCode == 1 {
		return false, nil
	}
	return false, classify(res, err)
}

// IsMergedInto reports whether branchTip has landed on main: true iff
// merge_base(branchTip, mainTip) == branchTip.
func (g *Gateway) IsMergedInto(ctx context.Context, branchTip, mainTip string) (bool, error) {
	base, err := g.MergeBase(ctx, branchTip, mainTip)
	if errors.Is(err, ErrNoCommonAncestor) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return base == branchTip, nil
}

// CheckoutDetached checks out hash into a detached HEAD at worktree.
func (g *Gateway) CheckoutDetached(ctx context.Context, worktree, hash string) error {
	if err := os.MkdirAll(worktree, 0o755); err != nil {
		return &FatalError{Underlying: err}
	}
	args := []string{"--git-dir=" + g.path, "--work-tree=" + worktree, "checkout", "--detach", "--force", hash}
	res, err := runx.Run(ctx, nil, "git", args...)
	plog.Debugf("git %s", g.red.String(shellquote.Join(args...)))
	if err != nil {
		return classify(res, err)
	}
	return nil
}

// HostsFromTestingRef parses a testing-ref remainder (after prefix has been
// stripped) into its set of hostnames using sep as the separator, returning
// ok=false if the remainder doesn't parse into a non-empty set.
func HostsFromTestingRef(remainder, sep string) (hosts map[string]struct{}, ok bool) {
	if remainder == "" || sep == "" {
		return nil, false
	}
	parts := strings.Split(remainder, sep)
	hosts = make(map[string]struct{}, len(parts))
	for _, p := range parts {
		if p == "" {
			return nil, false
		}
		hosts[p] = struct{}{}
	}
	if len(hosts) == 0 {
		return nil, false
	}
	return hosts, true
}

// ParseRefTimestamp is a small helper kept for callers that only have a unix
// seconds value (e.g. test fixtures) rather than an RFC3339 string.
func ParseRefTimestamp(unixSeconds int64) time.Time {
	return time.Unix(unixSeconds, 0).UTC()
}

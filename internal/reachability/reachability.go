// Package reachability implements component B: a single bounded-time check
// that the configured remote is still reachable, used by the orchestrator's
// magic-rollback verification step.
package reachability

import (
	"time"

	"github.com/coreos/pkg/capnslog"

	"github.com/coreos/hostdeploy/internal/redact"
	"github.com/coreos/hostdeploy/internal/runx"
)

var plog = capnslog.NewPackageLogger("github.com/coreos/hostdeploy", "reachability")

// Reachable performs a lightweight remote ref enumeration against url with
// a hard wall-clock cap of timeout. Any success (exit 0) is true; any
// failure or timeout is false. There are no retries inside the probe —
// the orchestrator decides whether to roll back, not this package.
func Reachable(url string, timeout time.Duration) bool {
	res, err := runx.WithTimeout(timeout, "git", "ls-remote", "--exit-code", url, "HEAD")
	if err != nil {
		plog.Warningf("reachability probe for %s failed: %v", redact.New().String(url), err)
		return false
	}
	return res.ExitCode == 0
}

// Package hook implements component G: invoking the operator's optional
// hook script with the documented environment (spec §4.G) around each
// deployment's pre/success/failed transitions.
package hook

import (
	"context"
	"fmt"

	"github.com/coreos/pkg/capnslog"

	"github.com/coreos/hostdeploy/internal/config"
	"github.com/coreos/hostdeploy/internal/runx"
)

var plog = capnslog.NewPackageLogger("github.com/coreos/hostdeploy", "hook")

// Status is the point in the deploy lifecycle the hook is invoked at.
type Status string

const (
	StatusPre     Status = "pre"
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
)

// TargetType mirrors selector.TargetType without importing it, to keep
// this package's dependency surface limited to config and runx.
type TargetType string

const (
	TargetMain    TargetType = "main"
	TargetTesting TargetType = "testing"
)

// Env is the full set of inputs the hook's environment table is built
// from.
type Env struct {
	Status               Status
	Type                 TargetType
	Mode                 config.Mode
	Commit               string
	CommitMessage        string
	SuccessCommit        string
	SuccessCommitMessage string
	Scheduled            bool
}

func (e Env) toEnvStrings() []string {
	scheduled := "0"
	if e.Scheduled {
		scheduled = "1"
	}
	return []string{
		fmt.Sprintf("DEPLOY_STATUS=%s", e.Status),
		fmt.Sprintf("DEPLOY_TYPE=%s", e.Type),
		fmt.Sprintf("DEPLOY_MODE=%s", e.Mode),
		fmt.Sprintf("DEPLOY_COMMIT=%s", e.Commit),
		fmt.Sprintf("DEPLOY_COMMIT_MESSAGE=%s", e.CommitMessage),
		fmt.Sprintf("DEPLOY_SUCCESS_COMMIT=%s", e.SuccessCommit),
		fmt.Sprintf("DEPLOY_SUCCESS_COMMIT_MESSAGE=%s", e.SuccessCommitMessage),
		fmt.Sprintf("DEPLOY_SCHEDULED=%s", scheduled),
	}
}

// Invoke runs the hook at path with env appended to the environment.
// Output is inherited to the parent's stdout/stderr, matching how the
// rebuild tool itself is run.
//
// A pre hook's error propagates to the caller: its exit status gates
// whether the deployment proceeds to Activate at all (spec §4.F,
// PreHook → Abort). success/failed hook errors are logged and
// swallowed — the deployment has already reached a terminal state and a
// broken hook script must not mask that outcome.
func Invoke(ctx context.Context, path string, env Env) (int, error) {
	if path == "" {
		return 0, nil
	}
	exitCode, err := runx.RunInherit(ctx, env.toEnvStrings(), path)
	if err != nil || exitCode != 0 {
		if env.Status == StatusPre {
			return exitCode, err
		}
		plog.Warningf("%s hook %s exited %d: %v", env.Status, path, exitCode, err)
		return exitCode, nil
	}
	return exitCode, nil
}

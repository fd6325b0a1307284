// Package deploy implements component F, the deployment orchestrator: the
// top-level state machine in spec §4.F that wires the VCS gateway, target
// selector, activation driver, generation registry, reachability probe,
// and hook invoker together into a single run.
//
// The state machine is written as an explicit sequence of typed steps
// rather than recursive callbacks, per the teacher's preference for
// procedural control flow over exception-style unwinding (mantle's own
// command implementations read the same way: check an error, return).
package deploy

import (
	"context"
	"io"
	"time"

	"github.com/coreos/pkg/capnslog"
	"github.com/pkg/errors"

	"github.com/coreos/hostdeploy/internal/activation"
	"github.com/coreos/hostdeploy/internal/config"
	"github.com/coreos/hostdeploy/internal/generation"
	"github.com/coreos/hostdeploy/internal/hook"
	"github.com/coreos/hostdeploy/internal/lockfile"
	"github.com/coreos/hostdeploy/internal/marker"
	"github.com/coreos/hostdeploy/internal/reachability"
	"github.com/coreos/hostdeploy/internal/runx"
	"github.com/coreos/hostdeploy/internal/selector"
	"github.com/coreos/hostdeploy/internal/vcs"
)

var plog = capnslog.NewPackageLogger("github.com/coreos/hostdeploy", "deploy")

// Outcome is the terminal state a Run reaches.
type Outcome int

const (
	OutcomeSucceed Outcome = iota
	OutcomeUpToDate
	OutcomeFail
	OutcomeAbort
	OutcomeBusy
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSucceed:
		return "succeed"
	case OutcomeUpToDate:
		return "up-to-date"
	case OutcomeFail:
		return "fail"
	case OutcomeAbort:
		return "abort"
	case OutcomeBusy:
		return "busy"
	default:
		return "unknown"
	}
}

// Options carries the run subcommand's flags.
type Options struct {
	Force           bool
	NoMagicRollback bool
}

// CheckResult is the check subcommand's outcome.
type CheckResult struct {
	Target   selector.Target
	UpToDate bool
}

// VCSGateway is the subset of *vcs.Gateway the orchestrator depends on. It
// is also a superset of selector.AncestryOracle, so a VCSGateway can be
// passed anywhere an AncestryOracle is expected.
type VCSGateway interface {
	EnsureRepo(ctx context.Context) error
	Fetch(ctx context.Context) error
	RemoteBranches(ctx context.Context) ([]vcs.Ref, error)
	Commit(ctx context.Context, hash string) (vcs.Commit, error)
	CheckoutDetached(ctx context.Context, worktree, hash string) error
	MergeBase(ctx context.Context, a, b string) (string, error)
	IsAncestor(ctx context.Context, a, b string) (bool, error)
	IsMergedInto(ctx context.Context, branchTip, mainTip string) (bool, error)
}

// Activator is the subset of *activation.Driver the orchestrator depends
// on.
type Activator interface {
	Activate(ctx context.Context, mode config.Mode, worktree string) (activation.Result, error)
}

// GenerationStore is the subset of *generation.Registry the orchestrator
// depends on.
type GenerationStore interface {
	Current() (generation.Generation, error)
	Previous() (*generation.Generation, error)
	Record(g generation.Generation) error
	NextNumber() (int, error)
	Activate(ctx context.Context, g generation.Generation, mode config.Mode) error
}

// Orchestrator runs deployments for a single host.
type Orchestrator struct {
	Settings  config.Settings
	Hostname  string
	Scheduled bool
	Worktree  string

	VCS         VCSGateway
	Activation  Activator
	Generations GenerationStore
	Reachable   func(url string, timeout time.Duration) bool
	RunHook     func(ctx context.Context, path string, env hook.Env) (int, error)
	Reboot      func(ctx context.Context) error

	// AcquireLock defaults to lockfile.Acquire; overridable in tests so
	// mutual-exclusion behavior can be exercised without real files.
	AcquireLock func(configDir string) (io.Closer, error)
}

// New wires an Orchestrator against the real VCS, activation, generation,
// reachability, hook, and lock implementations.
func New(settings config.Settings, hostname string, scheduled bool) *Orchestrator {
	repoPath := settings.ConfigDir + "/repo"
	worktree := settings.ConfigDir + "/worktree"
	generationsDir := settings.ConfigDir + "/generations"

	return &Orchestrator{
		Settings:    settings,
		Hostname:    hostname,
		Scheduled:   scheduled,
		Worktree:    worktree,
		VCS:         vcs.New(repoPath, settings.Origin.URL, settings.Origin.Token),
		Activation:  &activation.Driver{},
		Generations: &generation.Registry{Dir: generationsDir},
		Reachable:   reachability.Reachable,
		RunHook:     hook.Invoke,
		Reboot:      defaultReboot,
		AcquireLock: func(configDir string) (io.Closer, error) { return lockfile.Acquire(configDir) },
	}
}

func defaultReboot(ctx context.Context) error {
	_, err := runx.RunInherit(ctx, nil, "systemctl", "reboot")
	return err
}

// Run executes the run subcommand's full state machine (spec §4.F).
func (o *Orchestrator) Run(ctx context.Context, opts Options) (Outcome, error) {
	lock, err := o.AcquireLock(o.Settings.ConfigDir)
	if err != nil {
		if errors.Is(err, lockfile.ErrBusy) {
			return OutcomeBusy, err
		}
		return OutcomeAbort, errors.Wrap(err, "acquiring deploy lock")
	}
	defer lock.Close()

	target, _, deployedMarker, err := o.prepareAndSelect(ctx)
	if err != nil {
		return OutcomeAbort, err
	}

	curGen, err := o.Generations.Current()
	haveCurGen := true
	if errors.Is(err, generation.ErrNoGenerations) {
		haveCurGen = false
	} else if err != nil {
		return OutcomeAbort, errors.Wrap(err, "reading current generation")
	}

	upToDate := haveCurGen && curGen.SourceCommit == target.Commit.Hash && !opts.Force
	if upToDate {
		return OutcomeUpToDate, nil
	}

	// Checkout: resolve full commit metadata (selector only has hash and
	// committer timestamp from ref enumeration) and check it out.
	full, err := o.VCS.Commit(ctx, target.Commit.Hash)
	if err != nil {
		return OutcomeAbort, errors.Wrap(err, "resolving target commit metadata")
	}
	target.Commit = full

	if err := o.VCS.CheckoutDetached(ctx, o.Worktree, target.Commit.Hash); err != nil {
		return OutcomeAbort, errors.Wrap(err, "checking out target commit")
	}

	targetType := hook.TargetMain
	if target.Type == selector.Testing {
		targetType = hook.TargetTesting
	}
	configuredMode := o.Settings.DeployModes.Main
	if target.Type == selector.Testing {
		configuredMode = o.Settings.DeployModes.Testing
	}

	var successCommit, successMessage string
	if deployedMarker != nil {
		successCommit = deployedMarker.Commit
		successMessage = deployedMarker.Message
	}

	baseEnv := hook.Env{
		Type:                 targetType,
		Commit:               target.Commit.Hash,
		CommitMessage:        target.Commit.Subject,
		SuccessCommit:        successCommit,
		SuccessCommitMessage: successMessage,
		Scheduled:            o.Scheduled,
	}

	// PreHook: its exit code gates whether activation happens at all.
	preEnv := baseEnv
	preEnv.Status = hook.StatusPre
	preEnv.Mode = configuredMode
	if _, err := o.RunHook(ctx, o.Settings.Hook, preEnv); err != nil {
		return OutcomeAbort, errors.Wrap(err, "pre hook failed")
	}

	actRes, actErr := o.Activation.Activate(ctx, configuredMode, o.Worktree)

	switch actRes.ExitKind {
	case activation.ExitEvalFailed, activation.ExitBuildFailed:
		o.runTerminalHook(ctx, baseEnv, actRes.EffectiveMode, hook.StatusFailed)
		return OutcomeFail, errors.Wrap(actErr, "build/eval failed, no activation attempted")

	case activation.ExitActivateFailed:
		o.rollback(ctx, "activation failed")
		o.runTerminalHook(ctx, baseEnv, actRes.EffectiveMode, hook.StatusFailed)
		return OutcomeFail, errors.Wrap(actErr, "activation failed")
	}

	// exit_kind == ok: record the new generation before deciding whether
	// verification applies, so a crash right after activation still has a
	// registry entry to roll back to on the next run.
	nextNumber, err := o.Generations.NextNumber()
	if err != nil {
		return OutcomeAbort, errors.Wrap(err, "computing next generation number")
	}
	if err := o.Generations.Record(generation.Generation{
		Number:       nextNumber,
		SourceCommit: target.Commit.Hash,
		StorePath:    actRes.BuiltToplevel,
	}); err != nil {
		return OutcomeAbort, errors.Wrap(err, "recording new generation")
	}

	if o.verificationApplies(actRes, opts) {
		if !o.Reachable(o.Settings.Origin.URL, o.Settings.MagicRollbackTimeout) {
			o.rollback(ctx, "reachability probe failed")
			o.runTerminalHook(ctx, baseEnv, actRes.EffectiveMode, hook.StatusFailed)
			return OutcomeFail, errors.New("reachability probe failed after activation, rolled back")
		}
	}

	if err := marker.Write(o.Settings.ConfigDir, marker.Marker{
		Commit:    target.Commit.Hash,
		Message:   target.Commit.Subject,
		Timestamp: time.Now().UTC(),
	}); err != nil {
		plog.Errorf("writing success marker: %v", err)
	}
	o.runTerminalHook(ctx, baseEnv, actRes.EffectiveMode, hook.StatusSuccess)

	if actRes.EffectiveMode == config.ModeReboot {
		if err := o.Reboot(ctx); err != nil {
			plog.Errorf("scheduling reboot: %v", err)
		}
	}

	return OutcomeSucceed, nil
}

// verificationApplies decides whether the reachability probe gates
// Succeed, per §4.F: applies to test/switch (including
// reboot_on_kernel_change resolved to switch), and only when magic
// rollback is enabled and activation itself succeeded.
func (o *Orchestrator) verificationApplies(res activation.Result, opts Options) bool {
	if opts.NoMagicRollback {
		return false
	}
	switch res.EffectiveMode {
	case config.ModeTest, config.ModeSwitch:
		return true
	default:
		return false
	}
}

// rollback asks the generation registry to reactivate the previous
// generation, best-effort: a rollback failure is logged but never
// supersedes the original failure as the run's reported error (spec §7,
// RollbackFailure).
func (o *Orchestrator) rollback(ctx context.Context, reason string) {
	prev, err := o.Generations.Previous()
	if err != nil {
		plog.Errorf("rollback (%s): reading previous generation: %v", reason, err)
		return
	}
	if prev == nil {
		plog.Warningf("rollback (%s): no previous generation to roll back to", reason)
		return
	}
	if err := o.Generations.Activate(ctx, *prev, config.ModeSwitch); err != nil {
		plog.Errorf("rollback (%s): reactivating generation %d failed: %v", reason, prev.Number, err)
	}
}

func (o *Orchestrator) runTerminalHook(ctx context.Context, base hook.Env, effectiveMode config.Mode, status hook.Status) {
	env := base
	env.Status = status
	env.Mode = effectiveMode
	o.RunHook(ctx, o.Settings.Hook, env)
}

// Check executes the check subcommand: Prepare+Select only.
func (o *Orchestrator) Check(ctx context.Context) (CheckResult, error) {
	target, _, _, err := o.prepareAndSelect(ctx)
	if err != nil {
		return CheckResult{}, err
	}

	curGen, err := o.Generations.Current()
	if errors.Is(err, generation.ErrNoGenerations) {
		return CheckResult{Target: target, UpToDate: false}, nil
	}
	if err != nil {
		return CheckResult{}, errors.Wrap(err, "reading current generation")
	}
	return CheckResult{Target: target, UpToDate: curGen.SourceCommit == target.Commit.Hash}, nil
}

// prepareAndSelect runs Prepare (sync the mirror) then Select, shared by
// Run and Check.
func (o *Orchestrator) prepareAndSelect(ctx context.Context) (selector.Target, []vcs.Ref, *marker.Marker, error) {
	if err := o.VCS.EnsureRepo(ctx); err != nil {
		return selector.Target{}, nil, nil, errors.Wrap(err, "preparing local mirror")
	}
	if err := o.VCS.Fetch(ctx); err != nil {
		return selector.Target{}, nil, nil, errors.Wrap(err, "fetching")
	}
	refs, err := o.VCS.RemoteBranches(ctx)
	if err != nil {
		return selector.Target{}, nil, nil, errors.Wrap(err, "listing remote branches")
	}

	m, err := marker.Read(o.Settings.ConfigDir)
	if err != nil {
		return selector.Target{}, nil, nil, errors.Wrap(err, "reading success marker")
	}
	var deployedCommit *string
	if m != nil {
		deployedCommit = &m.Commit
	}

	target, err := selector.Select(ctx, o.VCS, o.Hostname, o.Settings.Origin.Main, o.Settings.Origin.TestingPrefix, o.Settings.Origin.TestingSeparator, refs, deployedCommit)
	if err != nil {
		return selector.Target{}, nil, nil, errors.Wrap(err, "selecting target")
	}
	return target, refs, m, nil
}

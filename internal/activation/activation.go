// Package activation implements component C: invoking the system-rebuild
// tool in a given deploy mode, classifying its outcome, and — for
// reboot_on_kernel_change — comparing the kernel and initrd of the booted
// system against those of the current system.
package activation

import (
	"context"
	"os"
	"path/filepath"

	"github.com/coreos/pkg/capnslog"
	"github.com/pkg/errors"

	"github.com/coreos/hostdeploy/internal/config"
	"github.com/coreos/hostdeploy/internal/runx"
)

var plog = capnslog.NewPackageLogger("github.com/coreos/hostdeploy", "activation")

// ExitKind classifies how an activation attempt ended.
type ExitKind string

const (
	ExitOK             ExitKind = "ok"
	ExitEvalFailed     ExitKind = "eval_failed"
	ExitBuildFailed    ExitKind = "build_failed"
	ExitActivateFailed ExitKind = "activate_failed"
)

// Result is the outcome of a single Activate call.
type Result struct {
	BuiltToplevel string
	EffectiveMode config.Mode
	KernelChanged bool
	ExitKind      ExitKind
}

// Driver invokes the external system-rebuild tool.
type Driver struct {
	// ToolName is the rebuild tool's executable name, an out-of-scope
	// subprocess contract per spec §6; defaults to "system-rebuild-tool".
	ToolName string
	// RunDir overrides "/run" for kernel-change detection in tests.
	RunDir string
}

func (d *Driver) toolName() string {
	if d.ToolName != "" {
		return d.ToolName
	}
	return "system-rebuild-tool"
}

func (d *Driver) runDir() string {
	if d.RunDir != "" {
		return d.RunDir
	}
	return "/run"
}

// Activate runs the rebuild tool for mode against the checked-out worktree,
// resolving reboot_on_kernel_change to either "switch" or "reboot" first.
func (d *Driver) Activate(ctx context.Context, mode config.Mode, worktree string) (Result, error) {
	effective := mode
	kernelChanged := false
	builtToplevel := ""

	if mode == config.ModeRebootOnKernelChange {
		toplevel, exitKind, err := d.build(ctx, worktree)
		if exitKind != ExitOK {
			return Result{EffectiveMode: mode, ExitKind: exitKind}, err
		}
		builtToplevel = toplevel
		kernelChanged = d.kernelChanged(toplevel)
		if kernelChanged {
			effective = config.ModeReboot
		} else {
			effective = config.ModeSwitch
		}
	}

	subcommand, err := rebuildSubcommand(effective)
	if err != nil {
		return Result{}, err
	}

	exitCode, err := runx.RunInherit(ctx, nil, d.toolName(), subcommand, worktree)
	kind := classifyExit(effective, exitCode, err)
	// BuiltToplevel is only known when the separate "build" step ran
	// (reboot_on_kernel_change); the test/switch/boot subcommands run with
	// their output passed through, so no store path is captured for them and
	// BuiltToplevel stays empty.
	res := Result{
		BuiltToplevel: builtToplevel,
		EffectiveMode: effective,
		KernelChanged: kernelChanged,
		ExitKind:      kind,
	}
	return res, errors.Wrapf(err, "%s %s", d.toolName(), subcommand)
}

// build invokes the rebuild tool's "build" subcommand, which must not
// mutate the running system, and returns the store path it printed.
func (d *Driver) build(ctx context.Context, worktree string) (string, ExitKind, error) {
	res, err := runx.Run(ctx, nil, d.toolName(), "build", worktree)
	if err != nil || res.ExitCode != 0 {
		plog.Errorf("build failed: %s", res.Stderr)
		return "", ExitBuildFailed, errors.Wrap(err, "building toplevel")
	}
	toplevel := runx.LastNonEmptyLine(res.Stdout)
	if toplevel == "" {
		return "", ExitEvalFailed, errors.New("rebuild tool produced no store path on stdout")
	}
	return toplevel, ExitOK, nil
}

// kernelChanged compares the kernel/initrd symlinks of booted-system against
// those of current-system under RunDir, treating a missing or unreadable
// symlink as "changed" — the safe pessimistic default (spec §9). The
// kernel/initrd of toplevel itself are not read.
func (d *Driver) kernelChanged(toplevel string) bool {
	booted, bootedOK := d.readKernelInitrd(filepath.Join(d.runDir(), "booted-system"))
	current, currentOK := d.readKernelInitrd(filepath.Join(d.runDir(), "current-system"))
	if !bootedOK || !currentOK {
		return true
	}
	return booted != current
}

type kernelInitrd struct{ kernel, initrd string }

func (d *Driver) readKernelInitrd(systemLink string) (kernelInitrd, bool) {
	kernel, err := os.Readlink(filepath.Join(systemLink, "kernel"))
	if err != nil {
		plog.Warningf("reading kernel symlink under %s: %v (treating as changed)", systemLink, err)
		return kernelInitrd{}, false
	}
	initrd, err := os.Readlink(filepath.Join(systemLink, "initrd"))
	if err != nil {
		plog.Warningf("reading initrd symlink under %s: %v (treating as changed)", systemLink, err)
		return kernelInitrd{}, false
	}
	return kernelInitrd{kernel: kernel, initrd: initrd}, true
}

func rebuildSubcommand(mode config.Mode) (string, error) {
	switch mode {
	case config.ModeTest:
		return "test", nil
	case config.ModeSwitch:
		return "switch", nil
	case config.ModeBoot, config.ModeReboot:
		return "boot", nil
	default:
		return "", errors.Errorf("activation: unexpected effective mode %q", mode)
	}
}

func classifyExit(mode config.Mode, exitCode int, err error) ExitKind {
	if err == nil && exitCode == 0 {
		return ExitOK
	}
	if mode == config.ModeBoot || mode == config.ModeReboot {
		// Only the bootloader default changes; no runtime activation was
		// attempted, so a failure here is a build/eval failure, not an
		// activation failure (nothing was left partially changed).
		return ExitBuildFailed
	}
	return ExitActivateFailed
}

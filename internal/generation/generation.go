// Package generation implements component D: the on-disk registry of
// generations this host has built, recorded by the orchestrator after a
// successful activation and consulted by it to find the previous
// generation for a magic rollback.
package generation

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/coreos/pkg/capnslog"
	"github.com/pkg/errors"

	"github.com/coreos/hostdeploy/internal/config"
	"github.com/coreos/hostdeploy/internal/runx"
)

var plog = capnslog.NewPackageLogger("github.com/coreos/hostdeploy", "generation")

// ErrNoGenerations is returned by Current when the registry is empty —
// the first deploy on a fresh host.
var ErrNoGenerations = errors.New("generation: no generations recorded")

// Generation is one recorded build: its ordinal, the source commit it was
// built from, and the store path the rebuild tool produced.
type Generation struct {
	Number       int    `json:"generation_number"`
	SourceCommit string `json:"source_commit"`
	StorePath    string `json:"store_path"`
}

// Registry reads and writes the generation markers under Dir.
type Registry struct {
	Dir string
	// ToolName is the external tool invoked to activate a previously
	// built store path, defaulting to "system-rebuild-tool" (the same
	// out-of-scope subprocess contract as internal/activation).
	ToolName string
}

func (r *Registry) toolName() string {
	if r.ToolName != "" {
		return r.ToolName
	}
	return "system-rebuild-tool"
}

func markerPath(dir string, number int) string {
	return filepath.Join(dir, fmt.Sprintf("%06d.json", number))
}

// list returns all recorded generations, ordered by Number ascending.
func (r *Registry) list() ([]Generation, error) {
	entries, err := os.ReadDir(r.Dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "reading generations directory")
	}
	var gens []Generation
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(r.Dir, e.Name()))
		if err != nil {
			plog.Warningf("skipping unreadable generation marker %s: %v", e.Name(), err)
			continue
		}
		var g Generation
		if err := json.Unmarshal(data, &g); err != nil {
			plog.Warningf("skipping malformed generation marker %s: %v", e.Name(), err)
			continue
		}
		gens = append(gens, g)
	}
	sort.Slice(gens, func(i, j int) bool { return gens[i].Number < gens[j].Number })
	return gens, nil
}

// Current returns the highest-numbered recorded generation.
func (r *Registry) Current() (Generation, error) {
	gens, err := r.list()
	if err != nil {
		return Generation{}, err
	}
	if len(gens) == 0 {
		return Generation{}, ErrNoGenerations
	}
	return gens[len(gens)-1], nil
}

// Previous returns the second-highest-numbered generation, or nil if
// fewer than two generations have been recorded — there is nothing to
// roll back to.
func (r *Registry) Previous() (*Generation, error) {
	gens, err := r.list()
	if err != nil {
		return nil, err
	}
	if len(gens) < 2 {
		return nil, nil
	}
	prev := gens[len(gens)-2]
	return &prev, nil
}

// Record appends g to the registry. Called by the orchestrator after a
// successful build, with g.Number one greater than the prior Current.
func (r *Registry) Record(g Generation) error {
	if err := os.MkdirAll(r.Dir, 0o755); err != nil {
		return errors.Wrap(err, "creating generations directory")
	}
	data, err := json.MarshalIndent(g, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encoding generation marker")
	}
	path := markerPath(r.Dir, g.Number)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return errors.Wrap(err, "writing generation marker")
	}
	if err := os.Rename(tmp, path); err != nil {
		return errors.Wrap(err, "renaming generation marker into place")
	}
	return nil
}

// NextNumber returns one greater than Current's number, or 1 if the
// registry is empty.
func (r *Registry) NextNumber() (int, error) {
	cur, err := r.Current()
	if errors.Is(err, ErrNoGenerations) {
		return 1, nil
	}
	if err != nil {
		return 0, err
	}
	return cur.Number + 1, nil
}

// Activate re-activates an already-built generation's store path in mode,
// without rebuilding — the rollback call from the orchestrator
// (spec §4.F's "restore the previous generation").
func (r *Registry) Activate(ctx context.Context, g Generation, mode config.Mode) error {
	subcommand, err := activateSubcommand(mode)
	if err != nil {
		return err
	}
	exitCode, err := runx.RunInherit(ctx, nil, r.toolName(), subcommand, g.StorePath)
	if err != nil || exitCode != 0 {
		return errors.Wrapf(err, "activating generation %d (%s) via %s", g.Number, g.StorePath, subcommand)
	}
	return nil
}

// activateSubcommand maps mode onto the rebuild tool's closed subcommand
// set ({test, switch, boot, build} per spec.md §6), using the same
// "switch"/"boot" names internal/activation.rebuildSubcommand emits for a
// fresh build — reactivating a previously-built store path is the same
// external contract. Generations are never reactivated in test mode (a
// rollback restores the host's persistent state, which "test" by
// definition does not touch), so ModeTest is rejected like any other
// unsupported mode.
func activateSubcommand(mode config.Mode) (string, error) {
	switch mode {
	case config.ModeSwitch:
		return "switch", nil
	case config.ModeBoot, config.ModeReboot, config.ModeRebootOnKernelChange:
		return "boot", nil
	default:
		return "", errors.Errorf("generation: cannot activate for mode %q", mode)
	}
}

// Package config loads and validates hostdeploy's settings record from a
// TOML file. Settings are read once per run and never mutated afterward.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/pkg/errors"
)

// Mode is one of the five deploy modes a generation may be activated with.
type Mode string

const (
	ModeTest                 Mode = "test"
	ModeSwitch               Mode = "switch"
	ModeBoot                 Mode = "boot"
	ModeReboot               Mode = "reboot"
	ModeRebootOnKernelChange Mode = "reboot_on_kernel_change"
)

func (m Mode) valid() bool {
	switch m {
	case ModeTest, ModeSwitch, ModeBoot, ModeReboot, ModeRebootOnKernelChange:
		return true
	}
	return false
}

// origin mirrors the TOML [origin] table before validation/resolution.
type origin struct {
	URL              string `toml:"url"`
	Main             string `toml:"main"`
	TestingPrefix    string `toml:"testing_prefix"`
	TestingSeparator string `toml:"testing_separator"`
	Token            string `toml:"token"`
	TokenFile        string `toml:"token_file"`
}

type deployModes struct {
	Main    Mode `toml:"main"`
	Testing Mode `toml:"testing"`
}

// file is the raw shape of the TOML document.
type file struct {
	ConfigDir             string      `toml:"config_dir"`
	Origin                origin      `toml:"origin"`
	Hook                  string      `toml:"hook"`
	DeployModes           deployModes `toml:"deploy_modes"`
	MagicRollbackTimeout  int         `toml:"magic_rollback_timeout"`
}

// OriginSettings is the resolved, immutable remote configuration.
type OriginSettings struct {
	URL              string
	Main             string
	TestingPrefix    string
	TestingSeparator string
	// Token is the resolved credential, from either origin.token or
	// origin.token_file. Empty when neither is set.
	Token string
}

// DeployModes holds the configured mode for each ref type.
type DeployModes struct {
	Main    Mode
	Testing Mode
}

// Settings is the full, validated, immutable configuration for a run.
type Settings struct {
	ConfigDir            string
	Origin               OriginSettings
	Hook                 string
	DeployModes          DeployModes
	MagicRollbackTimeout time.Duration
}

// Load reads and validates the TOML file at path, resolving origin.token_file
// if set. Unknown keys in the document are rejected.
func Load(path string) (Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Settings{}, errors.Wrapf(err, "reading config %q", path)
	}

	dec := toml.NewDecoder(strings.NewReader(string(data)))
	dec.DisallowUnknownFields()

	var f file
	if err := dec.Decode(&f); err != nil {
		return Settings{}, errors.Wrapf(err, "parsing config %q", path)
	}

	return f.resolve()
}

func (f file) resolve() (Settings, error) {
	if f.ConfigDir == "" {
		return Settings{}, errors.New("config_dir is required")
	}
	if f.Origin.URL == "" {
		return Settings{}, errors.New("origin.url is required")
	}
	if f.Origin.Main == "" {
		return Settings{}, errors.New("origin.main is required")
	}
	if f.Origin.TestingPrefix == "" {
		return Settings{}, errors.New("origin.testing_prefix is required")
	}
	if f.Origin.TestingSeparator == "" {
		return Settings{}, errors.New("origin.testing_separator is required")
	}
	if f.Origin.Token != "" && f.Origin.TokenFile != "" {
		return Settings{}, errors.New("exactly one of origin.token or origin.token_file may be set, not both")
	}
	if !f.DeployModes.Main.valid() {
		return Settings{}, errors.Errorf("deploy_modes.main: invalid mode %q", f.DeployModes.Main)
	}
	if !f.DeployModes.Testing.valid() {
		return Settings{}, errors.Errorf("deploy_modes.testing: invalid mode %q", f.DeployModes.Testing)
	}
	if f.MagicRollbackTimeout <= 0 {
		return Settings{}, errors.New("magic_rollback_timeout must be a positive number of seconds")
	}

	token := f.Origin.Token
	if f.Origin.TokenFile != "" {
		data, err := os.ReadFile(f.Origin.TokenFile)
		if err != nil {
			return Settings{}, errors.Wrapf(err, "reading origin.token_file %q", f.Origin.TokenFile)
		}
		token = strings.TrimSpace(string(data))
	}

	return Settings{
		ConfigDir: f.ConfigDir,
		Origin: OriginSettings{
			URL:              f.Origin.URL,
			Main:             f.Origin.Main,
			TestingPrefix:    f.Origin.TestingPrefix,
			TestingSeparator: f.Origin.TestingSeparator,
			Token:            token,
		},
		Hook: f.Hook,
		DeployModes: DeployModes{
			Main:    f.DeployModes.Main,
			Testing: f.DeployModes.Testing,
		},
		MagicRollbackTimeout: time.Duration(f.MagicRollbackTimeout) * time.Second,
	}, nil
}

// Path resolves the config file path from an explicit flag value, falling
// back to the DEPLOY_CONFIG environment variable per spec §6.
func Path(flagValue string) (string, error) {
	if flagValue != "" {
		return flagValue, nil
	}
	if env, ok := os.LookupEnv("DEPLOY_CONFIG"); ok && env != "" {
		return env, nil
	}
	return "", fmt.Errorf("no config path given: pass -c or set DEPLOY_CONFIG")
}

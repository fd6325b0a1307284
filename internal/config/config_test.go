package config

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

func writeTemp(t *testing.T, dir, name, contents string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(contents), 0o600); err != nil {
		t.Fatalf("writing %s: %v", p, err)
	}
	return p
}

const validDoc = `
config_dir = "/var/lib/hostdeploy"
magic_rollback_timeout = 60

[origin]
url = "https://example.invalid/repo.git"
main = "main"
testing_prefix = "testing/"
testing_separator = "/"

[deploy_modes]
main = "switch"
testing = "test"
`

func TestLoadValid(t *testing.T) {
	dir := t.TempDir()
	p := writeTemp(t, dir, "config.toml", validDoc)

	s, err := Load(p)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if s.ConfigDir != "/var/lib/hostdeploy" {
		t.Errorf("ConfigDir = %q", s.ConfigDir)
	}
	if s.DeployModes.Main != ModeSwitch || s.DeployModes.Testing != ModeTest {
		t.Errorf("unexpected modes: %+v", s.DeployModes)
	}
	if s.MagicRollbackTimeout.Seconds() != 60 {
		t.Errorf("MagicRollbackTimeout = %v", s.MagicRollbackTimeout)
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	dir := t.TempDir()
	p := writeTemp(t, dir, "config.toml", validDoc+"\nbogus_key = true\n")

	if _, err := Load(p); err == nil {
		t.Fatal("expected an error for an unknown key, got nil")
	}
}

const bothTokensDoc = `
config_dir = "/var/lib/hostdeploy"
magic_rollback_timeout = 60

[origin]
url = "https://example.invalid/repo.git"
main = "main"
testing_prefix = "testing/"
testing_separator = "/"
token = "inline"
token_file = "%s"

[deploy_modes]
main = "switch"
testing = "test"
`

const tokenFileDoc = `
config_dir = "/var/lib/hostdeploy"
magic_rollback_timeout = 60

[origin]
url = "https://example.invalid/repo.git"
main = "main"
testing_prefix = "testing/"
testing_separator = "/"
token_file = "%s"

[deploy_modes]
main = "switch"
testing = "test"
`

func TestLoadRejectsBothTokenForms(t *testing.T) {
	dir := t.TempDir()
	tokenFile := writeTemp(t, dir, "token", "sekret\n")
	doc := fmt.Sprintf(bothTokensDoc, tokenFile)
	p := writeTemp(t, dir, "config.toml", doc)

	if _, err := Load(p); err == nil {
		t.Fatal("expected an error when both origin.token and origin.token_file are set")
	}
}

func TestLoadResolvesTokenFile(t *testing.T) {
	dir := t.TempDir()
	tokenFile := writeTemp(t, dir, "token", "sekret\n")
	doc := fmt.Sprintf(tokenFileDoc, tokenFile)
	p := writeTemp(t, dir, "config.toml", doc)

	s, err := Load(p)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if s.Origin.Token != "sekret" {
		t.Errorf("Origin.Token = %q, want %q", s.Origin.Token, "sekret")
	}
}

func TestPathPrefersFlag(t *testing.T) {
	t.Setenv("DEPLOY_CONFIG", "/from/env")
	p, err := Path("/from/flag")
	if err != nil {
		t.Fatalf("Path: %v", err)
	}
	if p != "/from/flag" {
		t.Errorf("Path = %q, want /from/flag", p)
	}
}

func TestPathFallsBackToEnv(t *testing.T) {
	t.Setenv("DEPLOY_CONFIG", "/from/env")
	p, err := Path("")
	if err != nil {
		t.Fatalf("Path: %v", err)
	}
	if p != "/from/env" {
		t.Errorf("Path = %q, want /from/env", p)
	}
}

func TestPathErrorsWithNeither(t *testing.T) {
	t.Setenv("DEPLOY_CONFIG", "")
	os.Unsetenv("DEPLOY_CONFIG")
	if _, err := Path(""); err == nil {
		t.Fatal("expected an error with no flag and no env var")
	}
}

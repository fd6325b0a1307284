package hook

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/coreos/hostdeploy/internal/config"
)

func writeHookScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "hook.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestInvokeEmptyPathIsNoop(t *testing.T) {
	code, err := Invoke(context.Background(), "", Env{Status: StatusPre})
	if err != nil || code != 0 {
		t.Fatalf("Invoke(\"\") = (%d, %v), want (0, nil)", code, err)
	}
}

func TestInvokePassesEnvironment(t *testing.T) {
	dumpPath := filepath.Join(t.TempDir(), "env.txt")
	script := writeHookScript(t, "env > "+dumpPath+"\n")

	env := Env{
		Status:        StatusSuccess,
		Type:          TargetMain,
		Mode:          config.ModeSwitch,
		Commit:        "deadbeef",
		CommitMessage: "a commit",
		Scheduled:     true,
	}
	code, err := Invoke(context.Background(), script, env)
	if err != nil || code != 0 {
		t.Fatalf("Invoke = (%d, %v), want (0, nil)", code, err)
	}

	data, err := os.ReadFile(dumpPath)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	dump := string(data)
	for _, want := range []string{
		"DEPLOY_STATUS=success",
		"DEPLOY_TYPE=main",
		"DEPLOY_MODE=switch",
		"DEPLOY_COMMIT=deadbeef",
		"DEPLOY_COMMIT_MESSAGE=a commit",
		"DEPLOY_SCHEDULED=1",
	} {
		if !strings.Contains(dump, want) {
			t.Errorf("hook environment missing %q", want)
		}
	}
}

func TestInvokePreHookErrorPropagates(t *testing.T) {
	script := writeHookScript(t, "exit 3\n")
	code, err := Invoke(context.Background(), script, Env{Status: StatusPre})
	if err == nil {
		t.Fatal("Invoke: want error from a failing pre hook")
	}
	if code != 3 {
		t.Errorf("exit code = %d, want 3", code)
	}
}

func TestInvokeSuccessHookErrorIsSwallowed(t *testing.T) {
	script := writeHookScript(t, "exit 3\n")
	code, err := Invoke(context.Background(), script, Env{Status: StatusSuccess})
	if err != nil {
		t.Fatalf("Invoke: want nil error from a failing success hook, got %v", err)
	}
	if code != 3 {
		t.Errorf("exit code = %d, want 3", code)
	}
}

func TestInvokeFailedHookErrorIsSwallowed(t *testing.T) {
	script := writeHookScript(t, "exit 7\n")
	code, err := Invoke(context.Background(), script, Env{Status: StatusFailed})
	if err != nil {
		t.Fatalf("Invoke: want nil error from a failing failed-hook, got %v", err)
	}
	if code != 7 {
		t.Errorf("exit code = %d, want 7", code)
	}
}

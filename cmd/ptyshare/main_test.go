package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"ptyshare/internal/core"
)

func TestExitCode(t *testing.T) {
	code := func(n int) *int { return &n }
	tests := []struct {
		name string
		info *core.ExitInfo
		want int
	}{
		{name: "nil", info: nil, want: 1},
		{name: "clean", info: &core.ExitInfo{Code: code(0), Reason: "exited"}, want: 0},
		{name: "code", info: &core.ExitInfo{Code: code(3), Reason: "exited"}, want: 3},
		{name: "sigterm", info: &core.ExitInfo{Signal: "SIGTERM", Reason: "signaled"}, want: 143},
		{name: "sigkill", info: &core.ExitInfo{Signal: "SIGKILL", Reason: "signaled"}, want: 137},
		{name: "io error", info: &core.ExitInfo{Reason: "io_error"}, want: 1},
	}
	for _, tc := range tests {
		if got := exitCode(tc.info); got != tc.want {
			t.Fatalf("%s: exitCode = %d, want %d", tc.name, got, tc.want)
		}
	}
	if err := exitResult(&core.ExitInfo{Code: code(0)}); err != nil {
		t.Fatalf("clean exit should not be an error: %v", err)
	}
}

func TestConfigCommandPrintsEffectiveConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ptyshare.yaml")
	if err := os.WriteFile(path, []byte("listen: 127.0.0.1:4555\nrows: 33\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("PTYSHARE_COLS", "101")

	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"config", "--config", path, "--log-format", "text"})
	if err := root.ExecuteContext(context.Background()); err != nil {
		t.Fatalf("execute: %v", err)
	}
	for _, want := range []string{"listen: 127.0.0.1:4555", "rows: 33", "cols: 101", "format: text"} {
		if !strings.Contains(out.String(), want) {
			t.Fatalf("config output missing %q:\n%s", want, out.String())
		}
	}
}

func TestServeRequiresCommand(t *testing.T) {
	if got := run([]string{"serve"}); got != 1 {
		t.Fatalf("run(serve) = %d, want 1", got)
	}
}

package transport

import (
	"context"
	"strings"
	"testing"
)

func TestShellQuote(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"/fio-test", "'/fio-test'"},
		{"a b", "'a b'"},
		{"it's", `'it'\''s'`},
		{"", "''"},
	}
	for _, tc := range cases {
		if got := ShellQuote(tc.in); got != tc.want {
			t.Errorf("ShellQuote(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestExecCommanderCapturesOutput(t *testing.T) {
	commander := NewExecCommander()

	out, err := commander.Run(context.Background(), []string{"sh", "-c", "echo hello; echo oops >&2"})
	if err != nil {
		t.Fatalf("run returned error: %v", err)
	}
	if strings.TrimSpace(out.Stdout) != "hello" {
		t.Fatalf("unexpected stdout: %q", out.Stdout)
	}
	if strings.TrimSpace(out.Stderr) != "oops" {
		t.Fatalf("unexpected stderr: %q", out.Stderr)
	}
	if out.ExitCode != 0 {
		t.Fatalf("unexpected exit code: %d", out.ExitCode)
	}
}

func TestExecCommanderReportsExitCode(t *testing.T) {
	commander := NewExecCommander()

	out, err := commander.Run(context.Background(), []string{"sh", "-c", "exit 3"})
	if err != nil {
		t.Fatalf("nonzero exit should not be an error: %v", err)
	}
	if out.ExitCode != 3 {
		t.Fatalf("expected exit code 3, got %d", out.ExitCode)
	}
}

func TestExecCommanderRejectsEmptyArgv(t *testing.T) {
	commander := NewExecCommander()
	if _, err := commander.Run(context.Background(), nil); err == nil {
		t.Fatal("expected error for empty argv")
	}
}

package remote

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/fleetbench/fleetbench/pkg/transport"
)

func TestLongRunning(t *testing.T) {
	cases := []struct {
		command string
		want    bool
	}{
		{"fio --name=test --runtime=300 --time_based", true},
		{"fio --name=test --runtime=10 --time_based", false},
		{"fio --name=test --filename=/fio-test/testfile", true},
		{"uptime", false},
		{"mkfs.xfs /dev/vdb", false},
	}
	for _, tc := range cases {
		if got := LongRunning(tc.command); got != tc.want {
			t.Errorf("LongRunning(%q) = %v, want %v", tc.command, got, tc.want)
		}
	}
}

func newTestLauncher(t *testing.T, exec executorFunc) *Launcher {
	t.Helper()
	runner, err := NewRunner(exec, WithSleepFunc(func(time.Duration) {}))
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}
	launcher, err := NewLauncher(runner, WithLauncherSleep(func(time.Duration) {}))
	if err != nil {
		t.Fatalf("NewLauncher: %v", err)
	}
	return launcher
}

func TestLaunchShortCommandRunsSynchronously(t *testing.T) {
	var executed string
	launcher := newTestLauncher(t, func(ctx context.Context, host, command string) (transport.Output, error) {
		executed = command
		return transport.Output{}, nil
	})

	job, err := launcher.Launch(context.Background(), "vm-1", "uptime", "uptime check")
	if err != nil {
		t.Fatalf("launch returned error: %v", err)
	}
	if job.State != JobCompleted {
		t.Fatalf("expected completed state, got %s", job.State)
	}
	if executed != "uptime" {
		t.Fatalf("expected raw command execution, got %q", executed)
	}
}

func TestLaunchCapturesPID(t *testing.T) {
	var launchCmd string
	launcher := newTestLauncher(t, func(ctx context.Context, host, command string) (transport.Output, error) {
		launchCmd = command
		return transport.Output{Stdout: "12345\n"}, nil
	})

	job, err := launcher.Launch(context.Background(), "vm-1", "fio --name=test --runtime=300", "fio run")
	if err != nil {
		t.Fatalf("launch returned error: %v", err)
	}
	if job.State != JobConfirmedRunning {
		t.Fatalf("expected confirmed running, got %s", job.State)
	}
	if job.PID != 12345 {
		t.Fatalf("expected PID 12345, got %d", job.PID)
	}
	if !strings.Contains(launchCmd, "nohup bash") || !strings.Contains(launchCmd, "base64 -d") {
		t.Fatalf("launch command missing detachment plumbing: %q", launchCmd)
	}
	if !strings.Contains(launchCmd, job.ScriptPath) || !strings.Contains(launchCmd, job.LogPath) {
		t.Fatalf("launch command does not reference script/log paths: %q", launchCmd)
	}
}

func TestLaunchFallsBackToLivenessProbe(t *testing.T) {
	calls := 0
	launcher := newTestLauncher(t, func(ctx context.Context, host, command string) (transport.Output, error) {
		calls++
		if calls == 1 {
			// Launch session succeeded but no PID was printed.
			return transport.Output{Stdout: "0"}, nil
		}
		if !strings.Contains(command, "wc -l") {
			t.Fatalf("expected liveness probe, got %q", command)
		}
		return transport.Output{Stdout: "1\n"}, nil
	})

	job, err := launcher.Launch(context.Background(), "vm-1", "fio --name=test --runtime=300", "fio run")
	if err != nil {
		t.Fatalf("launch returned error: %v", err)
	}
	if job.State != JobConfirmedRunning {
		t.Fatalf("expected probe to confirm the job, got %s", job.State)
	}
}

func TestLaunchConfirmsDespiteSessionFailure(t *testing.T) {
	calls := 0
	launcher := newTestLauncher(t, func(ctx context.Context, host, command string) (transport.Output, error) {
		calls++
		if calls == 1 {
			return transport.Output{ExitCode: -1}, context.DeadlineExceeded
		}
		return transport.Output{Stdout: "2\n"}, nil
	})

	job, err := launcher.Launch(context.Background(), "vm-1", "fio --name=test --runtime=300", "fio run")
	if err != nil {
		t.Fatalf("expected confirmed job despite session failure, got error %v", err)
	}
	if job.State != JobConfirmedRunning {
		t.Fatalf("expected confirmed running, got %s", job.State)
	}
}

func TestLaunchFailsWhenProcessNeverStarts(t *testing.T) {
	launcher := newTestLauncher(t, func(ctx context.Context, host, command string) (transport.Output, error) {
		if strings.Contains(command, "wc -l") {
			return transport.Output{Stdout: "0\n"}, nil
		}
		return transport.Output{ExitCode: 255, Stderr: "connection refused"}, nil
	})

	job, err := launcher.Launch(context.Background(), "vm-1", "fio --name=test --runtime=300", "fio run")
	if err == nil {
		t.Fatal("expected launch failure")
	}
	if job.State != JobFailed {
		t.Fatalf("expected failed state, got %s", job.State)
	}
}

func TestTaskRunning(t *testing.T) {
	cases := []struct {
		name   string
		stdout string
		exit   int
		want   bool
	}{
		{"running", "2\n", 0, true},
		{"not running", "0\n", 0, false},
		{"garbage output", "ps: command not found", 0, false},
		{"probe failure", "", 255, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			launcher := newTestLauncher(t, func(ctx context.Context, host, command string) (transport.Output, error) {
				return transport.Output{Stdout: tc.stdout, ExitCode: tc.exit}, nil
			})
			if got := launcher.TaskRunning(context.Background(), "vm-1"); got != tc.want {
				t.Fatalf("TaskRunning = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestJobRunningOnlyForLiveStates(t *testing.T) {
	cases := map[JobState]bool{
		JobStarting:         false,
		JobConfirmedRunning: true,
		JobUnconfirmed:      true,
		JobCompleted:        false,
		JobFailed:           false,
	}
	for state, want := range cases {
		if got := (Job{State: state}).Running(); got != want {
			t.Errorf("Running() in state %s = %v, want %v", state, got, want)
		}
	}
}

func TestLaunchAlwaysResolvesStartingState(t *testing.T) {
	launcher := newTestLauncher(t, func(ctx context.Context, host, command string) (transport.Output, error) {
		return transport.Output{Stdout: "12345\n"}, nil
	})

	for _, command := range []string{"uptime", "fio --name=test --runtime=300"} {
		job, err := launcher.Launch(context.Background(), "vm-1", command, "launch")
		if err != nil {
			t.Fatalf("Launch(%q): %v", command, err)
		}
		if job.State == JobStarting || job.State == "" {
			t.Fatalf("Launch(%q) returned unresolved state %q", command, job.State)
		}
	}
}

package remote

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/fleetbench/fleetbench/pkg/observability"
)

// Launches that close the SSH session must not take the workload down with
// them, so long-running commands are detached with nohup behind a generated
// script and confirmed alive afterwards.

// JobState describes the lifecycle of a detached background job.
type JobState string

// States only move forward: Starting resolves into exactly one of the
// other four and never returns.
const (
	JobStarting         JobState = "starting"
	JobConfirmedRunning JobState = "confirmed_running"
	JobUnconfirmed      JobState = "unconfirmed"
	JobCompleted        JobState = "completed"
	JobFailed           JobState = "failed"
)

// Job is the handle returned by Launch.
type Job struct {
	Host       string
	PID        int
	State      JobState
	ScriptPath string
	LogPath    string
}

// Running reports whether the job is believed to still be executing.
func (j Job) Running() bool {
	return j.State == JobConfirmedRunning || j.State == JobUnconfirmed
}

const (
	// Workloads shorter than this run synchronously over the session.
	nohupRuntimeThreshold = 30

	launchTimeout   = 60 * time.Second
	livenessGrace   = 3 * time.Second
	defaultPattern  = "fio.*testfile"
	launchSettleSec = 2
)

var (
	runtimeFlagRe = regexp.MustCompile(`--runtime[=\s]+(\d+)`)
	firstNumberRe = regexp.MustCompile(`\d+`)
)

// LongRunning reports whether the command should be detached with nohup: any
// fio invocation without an explicit runtime, or one whose runtime exceeds
// the synchronous threshold.
func LongRunning(command string) bool {
	if m := runtimeFlagRe.FindStringSubmatch(command); m != nil {
		runtime, err := strconv.Atoi(m[1])
		return err == nil && runtime > nohupRuntimeThreshold
	}
	return strings.Contains(command, "fio")
}

// Launcher starts detached background jobs on remote hosts and probes their
// liveness.
type Launcher struct {
	runner   *Runner
	reporter Reporter
	pattern  string
	sleep    func(time.Duration)
	now      func() time.Time
	pid      func() int
}

// LauncherOption configures a Launcher.
type LauncherOption func(*Launcher)

// WithLivenessPattern overrides the ps pattern used to find the job's process.
func WithLivenessPattern(pattern string) LauncherOption {
	return func(l *Launcher) {
		if strings.TrimSpace(pattern) != "" {
			l.pattern = pattern
		}
	}
}

// WithLauncherReporter attaches an observability reporter to the launcher.
func WithLauncherReporter(rep Reporter) LauncherOption {
	return func(l *Launcher) {
		if rep != nil {
			l.reporter = rep
		}
	}
}

// WithLauncherSleep overrides the grace sleep before liveness rechecks.
func WithLauncherSleep(fn func(time.Duration)) LauncherOption {
	return func(l *Launcher) {
		if fn != nil {
			l.sleep = fn
		}
	}
}

// WithLauncherClock injects a custom time source for script naming.
func WithLauncherClock(fn func() time.Time) LauncherOption {
	return func(l *Launcher) {
		if fn != nil {
			l.now = fn
		}
	}
}

// NewLauncher constructs a Launcher on top of a command runner.
func NewLauncher(runner *Runner, opts ...LauncherOption) (*Launcher, error) {
	if runner == nil {
		return nil, errors.New("runner must not be nil")
	}
	launcher := &Launcher{
		runner:   runner,
		reporter: NoopReporter{},
		pattern:  defaultPattern,
		sleep:    time.Sleep,
		now:      time.Now,
		pid:      os.Getpid,
	}
	for _, opt := range opts {
		opt(launcher)
	}
	return launcher, nil
}

// Launch starts the command on the host. Long-running commands are detached
// with nohup and confirmed via PID capture or a grace-delayed process probe;
// short commands run synchronously and return a terminal job state.
func (l *Launcher) Launch(ctx context.Context, host, command, description string) (Job, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	if !LongRunning(command) {
		job := Job{Host: host, State: JobStarting}
		res := l.runner.Execute(ctx, host, Command{
			Text:        command,
			Description: description,
			Timeout:     LongTimeout,
		})
		if !res.OK {
			job.State = JobFailed
			return job, res.Err
		}
		job.State = JobCompleted
		return job, nil
	}

	stamp := l.now().Unix()
	job := Job{
		Host:       host,
		State:      JobStarting,
		ScriptPath: fmt.Sprintf("/tmp/fio_run_%d_%d.sh", stamp, l.pid()),
		LogPath:    fmt.Sprintf("/tmp/fio_background_%d_%d.log", stamp, l.pid()),
	}

	encoded := base64.StdEncoding.EncodeToString([]byte(command))
	launch := fmt.Sprintf(
		"echo '%s' | base64 -d > %s && "+
			"chmod +x %s && "+
			"nohup bash %s > %s 2>&1 & "+
			"sleep %d && "+
			"ps aux | grep -E '%s' | grep -v grep | head -1 | awk '{print $2}' || echo '0'",
		encoded, job.ScriptPath, job.ScriptPath, job.ScriptPath, job.LogPath, launchSettleSec, l.pattern,
	)

	res := l.runner.Execute(ctx, host, Command{
		Text:        launch,
		Description: description,
		Timeout:     launchTimeout,
		MaxRetries:  1,
	})

	if res.OK {
		if pid := firstNumber(res.Output.Stdout); pid > 0 {
			job.PID = pid
			job.State = JobConfirmedRunning
			l.recordLaunch(ctx, job, "pid_captured")
			return job, nil
		}
		// Launch command succeeded but no PID surfaced. The process may
		// still be starting, so give it a grace period and probe.
		if err := l.graceProbe(ctx, &job); err != nil {
			return job, err
		}
		l.recordLaunch(ctx, job, "probe_after_launch")
		return job, nil
	}

	// The launch session may have timed out after nohup already detached the
	// workload. Probe before declaring failure.
	if err := l.graceProbe(ctx, &job); err != nil {
		return job, err
	}
	if job.State == JobConfirmedRunning {
		l.recordLaunch(ctx, job, "confirmed_despite_session_failure")
		return job, nil
	}

	job.State = JobFailed
	l.recordLaunch(ctx, job, "launch_failed")
	if res.Err != nil {
		return job, fmt.Errorf("launch background job on %s: %w", host, res.Err)
	}
	return job, fmt.Errorf("launch background job on %s: process not running after launch", host)
}

func (l *Launcher) graceProbe(ctx context.Context, job *Job) error {
	done := make(chan struct{})
	go func() {
		l.sleep(livenessGrace)
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
	}

	if l.TaskRunning(ctx, job.Host) {
		job.State = JobConfirmedRunning
	} else {
		job.State = JobUnconfirmed
	}
	return nil
}

// TaskRunning probes with the launcher's default liveness pattern.
func (l *Launcher) TaskRunning(ctx context.Context, host string) bool {
	return l.TaskRunningMatching(ctx, host, l.pattern)
}

// TaskRunningMatching probes whether a process matching the pattern exists on
// the host. Probe failures report false: a host that cannot be asked is
// treated as done so the run does not wait on it forever.
func (l *Launcher) TaskRunningMatching(ctx context.Context, host, pattern string) bool {
	probe := fmt.Sprintf("ps aux | grep -E '%s' | grep -v grep | wc -l", pattern)
	res := l.runner.Execute(ctx, host, Command{
		Text:          probe,
		Description:   "checking task status",
		Timeout:       ShortTimeout,
		MaxRetries:    1,
		RetryInterval: time.Second,
	})
	if !res.OK {
		return false
	}
	count, err := strconv.Atoi(strings.TrimSpace(res.Output.Stdout))
	if err != nil {
		return false
	}
	return count > 0
}

func firstNumber(s string) int {
	m := firstNumberRe.FindString(s)
	if m == "" {
		return 0
	}
	n, err := strconv.Atoi(m)
	if err != nil {
		return 0
	}
	return n
}

func (l *Launcher) recordLaunch(ctx context.Context, job Job, path string) {
	level := observability.LevelInfo
	if job.State == JobFailed {
		level = observability.LevelError
	} else if job.State == JobUnconfirmed {
		level = observability.LevelWarn
	}
	l.reporter.RecordMetric(observability.Metric{
		Name:        "background_launches_total",
		Type:        observability.MetricCounter,
		Value:       1,
		Labels:      map[string]string{"state": string(job.State)},
		Description: "Number of detached background launches grouped by confirmation state.",
	})
	l.reporter.RecordEvent(ctx, observability.Event{
		Level: level,
		Host:  job.Host,
		Event: "background_launch",
		Fields: map[string]interface{}{
			"state":  string(job.State),
			"pid":    job.PID,
			"path":   path,
			"script": job.ScriptPath,
			"log":    job.LogPath,
		},
	})
}

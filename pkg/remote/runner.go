package remote

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fleetbench/fleetbench/pkg/observability"
	"github.com/fleetbench/fleetbench/pkg/transport"
)

// Per-attempt timeouts. Quick probes use ShortTimeout so a wedged host cannot
// stall a polling pass; setup commands get LongTimeout.
const (
	ShortTimeout = 30 * time.Second
	LongTimeout  = 300 * time.Second

	defaultMaxRetries    = 3
	defaultRetryInterval = 30 * time.Second
)

// Command describes one remote invocation with its retry policy.
type Command struct {
	Text          string
	Description   string
	Timeout       time.Duration
	MaxRetries    int
	RetryInterval time.Duration
}

// Result captures the outcome of Execute after all attempts.
type Result struct {
	OK       bool
	Output   transport.Output
	Err      error
	Attempts int
}

// Runner executes single remote commands with retries and structured reporting.
type Runner struct {
	executor      transport.Executor
	reporter      Reporter
	sleep         func(time.Duration)
	dryRun        bool
	maxRetries    int
	retryInterval time.Duration
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithReporter attaches an observability reporter to the runner.
func WithReporter(rep Reporter) RunnerOption {
	return func(r *Runner) {
		if rep != nil {
			r.reporter = rep
		}
	}
}

// WithSleepFunc overrides the sleep function used between retries.
func WithSleepFunc(fn func(time.Duration)) RunnerOption {
	return func(r *Runner) {
		if fn != nil {
			r.sleep = fn
		}
	}
}

// WithDryRun makes Execute log commands without running them.
func WithDryRun(enabled bool) RunnerOption {
	return func(r *Runner) {
		r.dryRun = enabled
	}
}

// WithRetryPolicy sets the default attempt count and retry interval used when
// a Command does not carry its own.
func WithRetryPolicy(maxRetries int, interval time.Duration) RunnerOption {
	return func(r *Runner) {
		if maxRetries > 0 {
			r.maxRetries = maxRetries
		}
		if interval > 0 {
			r.retryInterval = interval
		}
	}
}

// NewRunner constructs a Runner over the given transport executor.
func NewRunner(executor transport.Executor, opts ...RunnerOption) (*Runner, error) {
	if executor == nil {
		return nil, errors.New("executor must not be nil")
	}

	runner := &Runner{
		executor:      executor,
		reporter:      NoopReporter{},
		sleep:         time.Sleep,
		maxRetries:    defaultMaxRetries,
		retryInterval: defaultRetryInterval,
	}
	for _, opt := range opts {
		opt(runner)
	}
	if runner.reporter == nil {
		runner.reporter = NoopReporter{}
	}
	if runner.sleep == nil {
		runner.sleep = time.Sleep
	}
	return runner, nil
}

// DryRun reports whether the runner logs commands instead of executing them.
func (r *Runner) DryRun() bool {
	return r.dryRun
}

// Execute runs the command on the host, retrying failed attempts up to the
// command's retry budget. A per-attempt timeout counts as a transient failure
// and is retried like a non-zero exit; only the caller's context ending stops
// the loop early.
func (r *Runner) Execute(ctx context.Context, host string, cmd Command) Result {
	if ctx == nil {
		ctx = context.Background()
	}

	maxRetries := cmd.MaxRetries
	if maxRetries <= 0 {
		maxRetries = r.maxRetries
	}
	retryInterval := cmd.RetryInterval
	if retryInterval <= 0 {
		retryInterval = r.retryInterval
	}
	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = LongTimeout
	}

	if r.dryRun {
		r.reporter.RecordEvent(ctx, observability.Event{
			Level: observability.LevelInfo,
			Host:  host,
			Event: "dry_run_command",
			Fields: map[string]interface{}{
				"description": cmd.Description,
				"command":     cmd.Text,
			},
		})
		return Result{OK: true}
	}

	start := time.Now()
	var res Result

	for attempt := 1; attempt <= maxRetries; attempt++ {
		res.Attempts = attempt

		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		out, err := r.executor.Run(attemptCtx, host, cmd.Text)
		cancel()

		res.Output = out

		switch {
		case err == nil && out.ExitCode == 0:
			res.OK = true
			res.Err = nil
			r.recordCommand(ctx, host, cmd, res, time.Since(start))
			return res
		case ctx.Err() != nil:
			// The caller's context is gone; no attempt can run anymore.
			res.Err = ctx.Err()
			r.recordCommand(ctx, host, cmd, res, time.Since(start))
			return res
		case err != nil && errors.Is(err, context.DeadlineExceeded):
			res.Err = fmt.Errorf("command timed out after %s: %w", timeout, err)
		case err != nil:
			res.Err = err
		default:
			res.Err = fmt.Errorf("exit code %d", out.ExitCode)
		}

		if attempt < maxRetries {
			r.reporter.RecordEvent(ctx, observability.Event{
				Level: observability.LevelWarn,
				Host:  host,
				Event: "remote_command_retry",
				Fields: map[string]interface{}{
					"description": cmd.Description,
					"attempt":     attempt,
					"max":         maxRetries,
					"error":       res.Err.Error(),
					"delay_ms":    retryInterval.Milliseconds(),
				},
			})
			if err := r.sleepWithContext(ctx, retryInterval); err != nil {
				res.Err = err
				r.recordCommand(ctx, host, cmd, res, time.Since(start))
				return res
			}
		}
	}

	r.recordCommand(ctx, host, cmd, res, time.Since(start))
	return res
}

func (r *Runner) sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	done := make(chan struct{})
	go func() {
		r.sleep(d)
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

func (r *Runner) recordCommand(ctx context.Context, host string, cmd Command, res Result, duration time.Duration) {
	result := "success"
	level := observability.LevelInfo
	fields := map[string]interface{}{
		"description": cmd.Description,
		"attempts":    res.Attempts,
		"duration_ms": duration.Milliseconds(),
		"exit_code":   res.Output.ExitCode,
	}
	if !res.OK {
		result = "failure"
		level = observability.LevelError
		if res.Err != nil {
			fields["error"] = res.Err.Error()
		}
	}

	r.reporter.RecordMetric(observability.Metric{
		Name:        "remote_commands_total",
		Type:        observability.MetricCounter,
		Value:       1,
		Labels:      map[string]string{"result": result},
		Description: "Number of remote command executions grouped by result.",
	})
	r.reporter.RecordMetric(observability.Metric{
		Name:        "remote_command_seconds",
		Type:        observability.MetricHistogram,
		Value:       duration.Seconds(),
		Labels:      map[string]string{"result": result},
		Description: "Wall-clock duration of remote command executions including retries.",
		Unit:        "seconds",
	})

	r.reporter.RecordEvent(ctx, observability.Event{
		Level:  level,
		Host:   host,
		Event:  "remote_command",
		Fields: fields,
	})
}

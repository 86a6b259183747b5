package fleet

import (
	"context"
	"time"

	"github.com/fleetbench/fleetbench/pkg/observability"
	"github.com/fleetbench/fleetbench/pkg/remote"
)

const (
	defaultPollInterval = 10 * time.Second
	defaultPollGrace    = 60 * time.Second
)

// LivenessProbe reports whether the workload is still running on a host.
// Probe failures must report false so an unreachable host cannot wedge the
// wait loop.
type LivenessProbe func(ctx context.Context, host string) bool

// ArtifactProbe reports whether the host's result artifact exists. It is
// consulted only after the deadline, to distinguish a finished-but-unprobeable
// host from a genuinely incomplete one.
type ArtifactProbe func(ctx context.Context, host string) bool

// WaitResult summarises a completed wait pass.
type WaitResult struct {
	Completed    bool
	StillRunning []string
	Err          error
}

// Poller waits for detached workloads to finish across the fleet.
type Poller struct {
	interval time.Duration
	grace    time.Duration
	reporter remote.Reporter
	sleep    func(time.Duration)
	now      func() time.Time
}

// PollerOption configures a Poller.
type PollerOption func(*Poller)

// WithPollInterval overrides the delay between polling passes.
func WithPollInterval(d time.Duration) PollerOption {
	return func(p *Poller) {
		if d > 0 {
			p.interval = d
		}
	}
}

// WithPollGrace overrides the buffer added to the expected runtime before the
// wait gives up on liveness probes.
func WithPollGrace(d time.Duration) PollerOption {
	return func(p *Poller) {
		if d > 0 {
			p.grace = d
		}
	}
}

// WithPollerReporter attaches an observability reporter.
func WithPollerReporter(rep remote.Reporter) PollerOption {
	return func(p *Poller) {
		if rep != nil {
			p.reporter = rep
		}
	}
}

// WithPollerSleep overrides the sleep between passes.
func WithPollerSleep(fn func(time.Duration)) PollerOption {
	return func(p *Poller) {
		if fn != nil {
			p.sleep = fn
		}
	}
}

// WithPollerClock injects a custom time source for deterministic tests.
func WithPollerClock(fn func() time.Time) PollerOption {
	return func(p *Poller) {
		if fn != nil {
			p.now = fn
		}
	}
}

// NewPoller constructs a Poller with the default cadence.
func NewPoller(opts ...PollerOption) *Poller {
	poller := &Poller{
		interval: defaultPollInterval,
		grace:    defaultPollGrace,
		reporter: remote.NoopReporter{},
		sleep:    time.Sleep,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(poller)
	}
	return poller
}

// Wait polls every host until no workload is running, the expected runtime
// plus grace has elapsed, or the context is cancelled. After the deadline the
// artifact probe (when provided) decides whether the run counts as complete:
// a result file on every host means the workload finished even if liveness
// probes said otherwise.
func (p *Poller) Wait(ctx context.Context, hosts []string, expected time.Duration, running LivenessProbe, artifact ArtifactProbe) WaitResult {
	if ctx == nil {
		ctx = context.Background()
	}

	start := p.now()
	deadline := expected + p.grace

	for {
		stillRunning := p.probeRunning(ctx, hosts, running)
		if len(stillRunning) == 0 {
			p.recordPass(ctx, len(hosts), 0, p.now().Sub(start), "completed")
			return WaitResult{Completed: true}
		}

		elapsed := p.now().Sub(start)
		if elapsed > deadline {
			p.recordPass(ctx, len(hosts), len(stillRunning), elapsed, "deadline")
			return p.artifactFallback(ctx, hosts, stillRunning, artifact)
		}

		p.recordPass(ctx, len(hosts), len(stillRunning), elapsed, "waiting")
		if err := p.sleepWithContext(ctx, p.interval); err != nil {
			return WaitResult{StillRunning: stillRunning, Err: err}
		}
	}
}

func (p *Poller) probeRunning(ctx context.Context, hosts []string, running LivenessProbe) []string {
	results := Run(ctx, hosts, func(ctx context.Context, host string) bool {
		return running(ctx, host)
	})
	var stillRunning []string
	for _, host := range hosts {
		if results[host] {
			stillRunning = append(stillRunning, host)
		}
	}
	return stillRunning
}

func (p *Poller) artifactFallback(ctx context.Context, hosts, stillRunning []string, artifact ArtifactProbe) WaitResult {
	if artifact == nil {
		return WaitResult{StillRunning: stillRunning}
	}

	results := Run(ctx, hosts, func(ctx context.Context, host string) bool {
		return artifact(ctx, host)
	})
	present := 0
	for _, host := range hosts {
		if results[host] {
			present++
		}
	}

	level := observability.LevelWarn
	completed := present == len(hosts)
	if completed {
		level = observability.LevelInfo
	}
	p.reporter.RecordEvent(ctx, observability.Event{
		Level: level,
		Event: "poll_artifact_fallback",
		Fields: map[string]interface{}{
			"present": present,
			"hosts":   len(hosts),
		},
	})

	if completed {
		return WaitResult{Completed: true}
	}
	return WaitResult{StillRunning: stillRunning}
}

func (p *Poller) sleepWithContext(ctx context.Context, d time.Duration) error {
	done := make(chan struct{})
	go func() {
		p.sleep(d)
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

func (p *Poller) recordPass(ctx context.Context, hosts, running int, elapsed time.Duration, phase string) {
	level := observability.LevelInfo
	if phase == "deadline" {
		level = observability.LevelWarn
	}
	p.reporter.RecordMetric(observability.Metric{
		Name:        "poll_passes_total",
		Type:        observability.MetricCounter,
		Value:       1,
		Labels:      map[string]string{"phase": phase},
		Description: "Number of fleet polling passes grouped by phase.",
	})
	p.reporter.RecordEvent(ctx, observability.Event{
		Level: level,
		Event: "poll_pass",
		Fields: map[string]interface{}{
			"phase":      phase,
			"running":    running,
			"hosts":      hosts,
			"elapsed_ms": elapsed.Milliseconds(),
		},
	})
}

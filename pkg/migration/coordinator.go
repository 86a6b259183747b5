// Package migration triggers live migrations of the benchmark VMs while a
// workload is running, to measure the IO impact of moving a guest under load.
package migration

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fleetbench/fleetbench/pkg/fleet"
	"github.com/fleetbench/fleetbench/pkg/observability"
	"github.com/fleetbench/fleetbench/pkg/remote"
	"github.com/fleetbench/fleetbench/pkg/transport"
)

const defaultAttemptTimeout = 600 * time.Second

// CandidateFilter reports whether a host is eligible for live migration.
// Hosts reached over plain SSH are not VMs and must be skipped.
type CandidateFilter func(ctx context.Context, host string) bool

// Result summarises one migration round across the fleet.
type Result struct {
	Candidates []string
	Failed     []string
}

// OK reports whether every candidate migrated, counting an empty candidate
// set as success.
func (r Result) OK() bool {
	return len(r.Failed) == 0
}

// Coordinator migrates a set of VMs either sequentially with a fixed interval
// or all in parallel, with exactly one retry pass for the failures.
type Coordinator struct {
	controlPlane   transport.ControlPlane
	interval       time.Duration
	attemptTimeout time.Duration
	filter         CandidateFilter
	reporter       remote.Reporter
	sleep          func(time.Duration)
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithInterval sets the delay between sequential migrations. A zero interval
// switches the coordinator to parallel mode.
func WithInterval(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.interval = d
		}
	}
}

// WithAttemptTimeout overrides the per-migration timeout.
func WithAttemptTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.attemptTimeout = d
		}
	}
}

// WithCandidateFilter restricts migration to hosts the filter accepts.
func WithCandidateFilter(fn CandidateFilter) Option {
	return func(c *Coordinator) {
		if fn != nil {
			c.filter = fn
		}
	}
}

// WithReporter attaches an observability reporter.
func WithReporter(rep remote.Reporter) Option {
	return func(c *Coordinator) {
		if rep != nil {
			c.reporter = rep
		}
	}
}

// WithSleepFunc overrides the sleep between sequential migrations.
func WithSleepFunc(fn func(time.Duration)) Option {
	return func(c *Coordinator) {
		if fn != nil {
			c.sleep = fn
		}
	}
}

// NewCoordinator constructs a Coordinator over the virtualization control plane.
func NewCoordinator(controlPlane transport.ControlPlane, opts ...Option) (*Coordinator, error) {
	if controlPlane == nil {
		return nil, errors.New("control plane must not be nil")
	}
	coordinator := &Coordinator{
		controlPlane:   controlPlane,
		attemptTimeout: defaultAttemptTimeout,
		reporter:       remote.NoopReporter{},
		sleep:          time.Sleep,
	}
	for _, opt := range opts {
		opt(coordinator)
	}
	return coordinator, nil
}

// MigrateAll runs one migration round over the eligible hosts: a first pass
// across every candidate, then a single retry pass over the failures in the
// same mode. Hosts that fail both passes are reported in the result; a VM
// can never see more than two migration attempts per round.
func (c *Coordinator) MigrateAll(ctx context.Context, hosts []string) (Result, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	var candidates []string
	for _, host := range hosts {
		if c.filter == nil || c.filter(ctx, host) {
			candidates = append(candidates, host)
		}
	}
	res := Result{Candidates: candidates}
	if len(candidates) == 0 {
		return res, nil
	}

	failed, err := c.pass(ctx, candidates, false)
	if err != nil {
		res.Failed = failed
		return res, err
	}
	if len(failed) > 0 {
		c.reporter.RecordEvent(ctx, observability.Event{
			Level: observability.LevelWarn,
			Event: "migration_retry",
			Fields: map[string]interface{}{
				"vms": strings.Join(failed, ","),
			},
		})
		failed, err = c.pass(ctx, failed, true)
		if err != nil {
			res.Failed = failed
			return res, err
		}
	}

	res.Failed = failed
	if len(failed) > 0 {
		return res, fmt.Errorf("%d/%d migrations failed after retry: %s", len(failed), len(candidates), strings.Join(failed, ", "))
	}
	return res, nil
}

func (c *Coordinator) pass(ctx context.Context, vms []string, retry bool) ([]string, error) {
	if c.interval > 0 {
		return c.sequentialPass(ctx, vms, retry)
	}
	return c.parallelPass(ctx, vms, retry), nil
}

func (c *Coordinator) sequentialPass(ctx context.Context, vms []string, retry bool) ([]string, error) {
	var failed []string
	for i, vm := range vms {
		if err := c.migrateOne(ctx, vm, retry); err != nil {
			failed = append(failed, vm)
		}
		if i < len(vms)-1 {
			if err := c.sleepWithContext(ctx, c.interval); err != nil {
				return append(failed, vms[i+1:]...), err
			}
		}
	}
	return failed, nil
}

func (c *Coordinator) parallelPass(ctx context.Context, vms []string, retry bool) []string {
	results := fleet.Run(ctx, vms, func(ctx context.Context, vm string) error {
		return c.migrateOne(ctx, vm, retry)
	})
	return fleet.Failed(vms, results)
}

func (c *Coordinator) migrateOne(ctx context.Context, vm string, retry bool) error {
	attemptCtx, cancel := context.WithTimeout(ctx, c.attemptTimeout)
	defer cancel()

	start := time.Now()
	err := c.controlPlane.Migrate(attemptCtx, vm)
	duration := time.Since(start)

	result := "success"
	level := observability.LevelInfo
	fields := map[string]interface{}{
		"vm":          vm,
		"retry":       retry,
		"duration_ms": duration.Milliseconds(),
	}
	if err != nil {
		result = "failure"
		level = observability.LevelError
		fields["error"] = err.Error()
	}

	c.reporter.RecordMetric(observability.Metric{
		Name:        "migrations_total",
		Type:        observability.MetricCounter,
		Value:       1,
		Labels:      map[string]string{"result": result},
		Description: "Number of live migration attempts grouped by result.",
	})
	c.reporter.RecordMetric(observability.Metric{
		Name:        "migration_seconds",
		Type:        observability.MetricHistogram,
		Value:       duration.Seconds(),
		Labels:      map[string]string{"result": result},
		Description: "Duration of individual live migration attempts.",
		Unit:        "seconds",
	})
	c.reporter.RecordEvent(ctx, observability.Event{
		Level:  level,
		Host:   vm,
		Event:  "vm_migration",
		Fields: fields,
	})

	return err
}

func (c *Coordinator) sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	done := make(chan struct{})
	go func() {
		c.sleep(d)
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

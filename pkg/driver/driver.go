// Package driver sequences a complete benchmark run: connectivity pre-flight,
// storage preparation, dataset priming, the block-size by pattern test
// matrix with optional mid-run live migration, result collection, and
// cleanup.
package driver

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/fleetbench/fleetbench/pkg/config"
	"github.com/fleetbench/fleetbench/pkg/fleet"
	"github.com/fleetbench/fleetbench/pkg/migration"
	"github.com/fleetbench/fleetbench/pkg/observability"
	"github.com/fleetbench/fleetbench/pkg/remote"
	"github.com/fleetbench/fleetbench/pkg/transport"
)

// Migrator triggers one live-migration round across the fleet.
type Migrator interface {
	MigrateAll(ctx context.Context, hosts []string) (migration.Result, error)
}

// Driver owns the benchmark pipeline for one configured fleet.
type Driver struct {
	cfg      *config.Config
	hosts    []string
	runner   *remote.Runner
	launcher *remote.Launcher
	poller   *fleet.Poller

	migrator  Migrator
	collector *Collector
	reporter  remote.Reporter
	sleep     func(time.Duration)
	now       func() time.Time
}

// Option configures a Driver.
type Option func(*Driver)

// WithMigrator enables mid-run live migration.
func WithMigrator(m Migrator) Option {
	return func(d *Driver) {
		if m != nil {
			d.migrator = m
		}
	}
}

// WithCollector attaches the result collection pipeline.
func WithCollector(c *Collector) Option {
	return func(d *Driver) {
		if c != nil {
			d.collector = c
		}
	}
}

// WithReporter attaches an observability reporter.
func WithReporter(rep remote.Reporter) Option {
	return func(d *Driver) {
		if rep != nil {
			d.reporter = rep
		}
	}
}

// WithSleepFunc overrides the sleep used for the migration midpoint wait.
func WithSleepFunc(fn func(time.Duration)) Option {
	return func(d *Driver) {
		if fn != nil {
			d.sleep = fn
		}
	}
}

// WithTimeSource injects a custom time source, enabling deterministic tests.
func WithTimeSource(fn func() time.Time) Option {
	return func(d *Driver) {
		if fn != nil {
			d.now = fn
		}
	}
}

// New constructs a Driver. Every host must have a device mapping; a missing
// mapping is caught here, before anything destructive runs.
func New(cfg *config.Config, hosts []string, runner *remote.Runner, launcher *remote.Launcher, poller *fleet.Poller, opts ...Option) (*Driver, error) {
	if cfg == nil {
		return nil, errors.New("config must not be nil")
	}
	if len(hosts) == 0 {
		return nil, errors.New("host list must not be empty")
	}
	if runner == nil {
		return nil, errors.New("runner must not be nil")
	}
	if launcher == nil {
		return nil, errors.New("launcher must not be nil")
	}
	if poller == nil {
		return nil, errors.New("poller must not be nil")
	}

	var missing []string
	for _, host := range hosts {
		if _, ok := cfg.DeviceFor(host); !ok {
			missing = append(missing, host)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("no storage device configured for: %s", strings.Join(missing, ", "))
	}

	driver := &Driver{
		cfg:      cfg,
		hosts:    append([]string(nil), hosts...),
		runner:   runner,
		launcher: launcher,
		poller:   poller,
		reporter: remote.NoopReporter{},
		sleep:    time.Sleep,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(driver)
	}
	return driver, nil
}

// Hosts returns the fleet this driver targets.
func (d *Driver) Hosts() []string {
	return append([]string(nil), d.hosts...)
}

// RunID derives the identifier under which artifacts are catalogued.
func (d *Driver) RunID() string {
	return "run-" + d.now().Format("20060102-150405")
}

// Run executes the full pipeline. Collection and cleanup are attempted even
// when the test matrix reports problems, so partial results are preserved.
func (d *Driver) Run(ctx context.Context) (string, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	if !d.cfg.Retry.SkipConnectivityTest {
		if err := d.ConnectivityCheck(ctx); err != nil {
			return "", err
		}
	}
	if err := d.PrepareStorage(ctx); err != nil {
		return "", err
	}
	if err := d.WriteDataset(ctx); err != nil {
		return "", err
	}

	runErr := d.RunTests(ctx)

	var resultsDir string
	if d.collector != nil {
		var collectErr error
		resultsDir, collectErr = d.collector.Collect(ctx, d.RunID(), d.hosts)
		if collectErr != nil && runErr == nil {
			runErr = collectErr
		}
	}

	d.CleanupStorage(ctx)
	return resultsDir, runErr
}

// ConnectivityCheck verifies every host answers a trivial command before any
// destructive step runs.
func (d *Driver) ConnectivityCheck(ctx context.Context) error {
	d.recordStage(ctx, "connectivity_check")
	results := fleet.Run(ctx, d.hosts, func(ctx context.Context, host string) error {
		res := d.runner.Execute(ctx, host, remote.Command{
			Text:          "echo ok",
			Description:   "connectivity test",
			Timeout:       remote.ShortTimeout,
			MaxRetries:    d.cfg.Retry.MaxRetries,
			RetryInterval: d.cfg.RetryInterval(),
		})
		if !res.OK {
			return fmt.Errorf("connectivity test failed on %s: %w", host, resultErr(res))
		}
		return nil
	})
	if failed := fleet.Failed(d.hosts, results); len(failed) > 0 {
		return fmt.Errorf("connectivity test failed on %d/%d hosts (%s): %w",
			len(failed), len(d.hosts), strings.Join(failed, ", "), fleet.FirstError(d.hosts, results))
	}
	return nil
}

// PrepareMachines installs the benchmark toolchain where missing. This is the
// prepare-only mode: no storage is touched and no tests run.
func (d *Driver) PrepareMachines(ctx context.Context) error {
	d.recordStage(ctx, "prepare_machines")
	install := "bash -c '" +
		"if command -v fio &> /dev/null; then " +
		"echo \"fio already installed\"; fio --version; " +
		"else " +
		"dnf install -y fio xfsprogs util-linux; fio --version; " +
		"fi'"
	results := fleet.Run(ctx, d.hosts, func(ctx context.Context, host string) error {
		res := d.runner.Execute(ctx, host, remote.Command{
			Text:        install,
			Description: "installing fio dependencies",
			Timeout:     remote.LongTimeout,
		})
		if !res.OK {
			return fmt.Errorf("install fio on %s: %w", host, resultErr(res))
		}
		return nil
	})
	if failed := fleet.Failed(d.hosts, results); len(failed) > 0 {
		return fmt.Errorf("fio installation failed on %d/%d hosts (%s)", len(failed), len(d.hosts), strings.Join(failed, ", "))
	}
	return nil
}

// WriteDataset primes the test file with a fixed randwrite pass across the
// fleet and waits for it to settle. A pass that overruns its deadline is
// logged and tolerated: the dataset is best-effort seeding, not a
// measurement.
func (d *Driver) WriteDataset(ctx context.Context) error {
	d.recordStage(ctx, "write_dataset")
	command := datasetCommand(d.cfg)

	results := fleet.Run(ctx, d.hosts, func(ctx context.Context, host string) error {
		_, err := d.launcher.Launch(ctx, host, command, "writing test dataset")
		return err
	})
	launched, err := d.launchSurvivors(ctx, "write_dataset", results)
	if err != nil {
		return fmt.Errorf("dataset launch failed on every host: %w", err)
	}

	wait := d.poller.Wait(ctx, launched, d.cfg.Runtime(), func(ctx context.Context, host string) bool {
		return d.launcher.TaskRunning(ctx, host)
	}, nil)
	if wait.Err != nil {
		return wait.Err
	}
	if !wait.Completed {
		d.reporter.RecordEvent(ctx, observability.Event{
			Level: observability.LevelWarn,
			Event: "dataset_overrun",
			Fields: map[string]interface{}{
				"still_running": strings.Join(wait.StillRunning, ","),
			},
		})
	}
	return nil
}

// RunTests walks the block-size by pattern matrix sequentially. Iterations
// never overlap: each one is launched fleet-wide, optionally disturbed by a
// migration round at the temporal midpoint, and polled to completion before
// the next begins.
func (d *Driver) RunTests(ctx context.Context) error {
	counter := 0
	for _, blockSize := range d.cfg.Fio.BlockSizes {
		for _, pattern := range d.cfg.Fio.IOPatterns {
			counter++
			name := TestName(pattern, blockSize)
			d.reporter.RecordEvent(ctx, observability.Event{
				Level: observability.LevelInfo,
				Event: "test_started",
				Fields: map[string]interface{}{
					"test":       name,
					"number":     counter,
					"pattern":    pattern,
					"block_size": blockSize,
				},
			})

			if err := d.runOne(ctx, name, pattern, blockSize); err != nil {
				return fmt.Errorf("test %s: %w", name, err)
			}

			d.reporter.RecordMetric(observability.Metric{
				Name:        "tests_total",
				Type:        observability.MetricCounter,
				Value:       1,
				Labels:      map[string]string{"pattern": pattern},
				Description: "Number of completed matrix iterations grouped by IO pattern.",
			})
		}
	}
	return nil
}

func (d *Driver) runOne(ctx context.Context, name, pattern, blockSize string) error {
	command := fioCommand(d.cfg, pattern, blockSize, name)

	results := fleet.Run(ctx, d.hosts, func(ctx context.Context, host string) error {
		_, err := d.launcher.Launch(ctx, host, command, fmt.Sprintf("fio test %s", name))
		return err
	})
	launched, err := d.launchSurvivors(ctx, name, results)
	if err != nil {
		return fmt.Errorf("launch failed on every host: %w", err)
	}

	if d.cfg.MigratesPattern(pattern) && d.migrator != nil {
		if err := d.migrateAtMidpoint(ctx, pattern); err != nil {
			return err
		}
	}

	probe := "fio.*" + regexp.QuoteMeta(name)
	wait := d.poller.Wait(ctx, launched, d.cfg.Runtime(), func(ctx context.Context, host string) bool {
		return d.launcher.TaskRunningMatching(ctx, host, probe)
	}, func(ctx context.Context, host string) bool {
		return d.artifactExists(ctx, host, name)
	})
	if wait.Err != nil {
		return wait.Err
	}
	if !wait.Completed {
		d.reporter.RecordEvent(ctx, observability.Event{
			Level: observability.LevelWarn,
			Event: "test_overrun",
			Fields: map[string]interface{}{
				"test":          name,
				"still_running": strings.Join(wait.StillRunning, ","),
			},
		})
	}
	return nil
}

// launchSurvivors splits a fleet-wide launch into the hosts that carry a
// running job and the ones that failed. Individual failures are logged and
// tolerated; the iteration keeps measuring the rest of the fleet and the gap
// surfaces later as missing artifacts. Only a fleet-wide failure, with
// nothing left to poll, is an error.
func (d *Driver) launchSurvivors(ctx context.Context, name string, results map[string]error) ([]string, error) {
	failed := fleet.Failed(d.hosts, results)
	if len(failed) == 0 {
		return d.hosts, nil
	}
	d.reporter.RecordEvent(ctx, observability.Event{
		Level: observability.LevelWarn,
		Event: "launch_failed_hosts",
		Fields: map[string]interface{}{
			"test":   name,
			"failed": strings.Join(failed, ","),
			"error":  fleet.FirstError(d.hosts, results).Error(),
		},
	})
	launched := fleet.Succeeded(d.hosts, results)
	if len(launched) == 0 {
		return nil, fleet.FirstError(d.hosts, results)
	}
	return launched, nil
}

// migrateAtMidpoint sleeps until the temporal midpoint of the configured
// runtime and triggers one migration round. A failed round aborts the run
// only when migrate.fail_run is set.
func (d *Driver) migrateAtMidpoint(ctx context.Context, pattern string) error {
	midpoint := d.cfg.Runtime() / 2
	d.reporter.RecordEvent(ctx, observability.Event{
		Level: observability.LevelInfo,
		Event: "migration_scheduled",
		Fields: map[string]interface{}{
			"pattern":     pattern,
			"midpoint_ms": midpoint.Milliseconds(),
		},
	})
	if err := d.sleepWithContext(ctx, midpoint); err != nil {
		return err
	}

	res, err := d.migrator.MigrateAll(ctx, d.hosts)
	if err != nil {
		if d.cfg.Migrate != nil && d.cfg.Migrate.FailRun {
			return fmt.Errorf("migration round: %w", err)
		}
		d.reporter.RecordEvent(ctx, observability.Event{
			Level: observability.LevelWarn,
			Event: "migration_round_failed",
			Fields: map[string]interface{}{
				"pattern": pattern,
				"failed":  strings.Join(res.Failed, ","),
				"error":   err.Error(),
			},
		})
	}
	return nil
}

// CleanupStorage unmounts the test mounts and removes remote artifacts.
// Cleanup is best effort; failures are logged and do not fail the run.
func (d *Driver) CleanupStorage(ctx context.Context) {
	d.recordStage(ctx, "cleanup_storage")
	mount := transport.ShellQuote(d.cfg.Storage.MountPoint)
	outDir := transport.ShellQuote(d.cfg.Output.Directory)

	fleet.Run(ctx, d.hosts, func(ctx context.Context, host string) error {
		d.runner.Execute(ctx, host, remote.Command{
			Text:        fmt.Sprintf("mountpoint -q %s && umount %s || echo 'not mounted'", mount, mount),
			Description: "unmounting test mount",
			Timeout:     remote.ShortTimeout,
			MaxRetries:  1,
		})
		d.runner.Execute(ctx, host, remote.Command{
			Text:        fmt.Sprintf("rm -rf %s/*.json 2>/dev/null || true", outDir),
			Description: "removing remote artifacts",
			Timeout:     remote.ShortTimeout,
			MaxRetries:  1,
		})
		return nil
	})
}

func (d *Driver) artifactExists(ctx context.Context, host, name string) bool {
	check := fmt.Sprintf("test -f %s && echo 'exists' || echo 'missing'",
		transport.ShellQuote(d.cfg.Output.Directory+"/"+name+".json"))
	res := d.runner.Execute(ctx, host, remote.Command{
		Text:          check,
		Description:   "checking result file",
		Timeout:       remote.ShortTimeout,
		MaxRetries:    1,
		RetryInterval: time.Second,
	})
	return res.OK && strings.Contains(res.Output.Stdout, "exists")
}

func (d *Driver) sleepWithContext(ctx context.Context, duration time.Duration) error {
	if duration <= 0 {
		return nil
	}
	done := make(chan struct{})
	go func() {
		d.sleep(duration)
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

func (d *Driver) recordStage(ctx context.Context, stage string) {
	d.reporter.RecordEvent(ctx, observability.Event{
		Level: observability.LevelInfo,
		Event: "stage_started",
		Fields: map[string]interface{}{
			"stage": stage,
			"hosts": len(d.hosts),
		},
	})
}

func resultErr(res remote.Result) error {
	if res.Err != nil {
		return res.Err
	}
	stderr := strings.TrimSpace(res.Output.Stderr)
	if stderr != "" {
		return errors.New(stderr)
	}
	return fmt.Errorf("exit code %d", res.Output.ExitCode)
}

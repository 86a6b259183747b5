package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fleetbench/fleetbench/pkg/catalog"
	"github.com/fleetbench/fleetbench/pkg/config"
	"github.com/fleetbench/fleetbench/pkg/driver"
	"github.com/fleetbench/fleetbench/pkg/fleet"
	"github.com/fleetbench/fleetbench/pkg/lock"
	"github.com/fleetbench/fleetbench/pkg/migration"
	"github.com/fleetbench/fleetbench/pkg/observability"
	"github.com/fleetbench/fleetbench/pkg/remote"
	"github.com/fleetbench/fleetbench/pkg/transport"
	"github.com/fleetbench/fleetbench/pkg/version"
)

const (
	exitOK              = 0
	exitUsage           = 64
	exitConfigError     = 65
	exitDependencyError = 66
	exitLockHeld        = 67
	exitRunError        = 68
)

// lookPath is stubbed in tests.
var lookPath = exec.LookPath

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		usage()
		return exitUsage
	}

	switch args[0] {
	case "run":
		return commandRun(args[1:])
	case "prepare":
		return commandPrepare(args[1:])
	case "validate-config":
		return commandValidate(args[1:])
	case "version":
		fmt.Println(version.Version)
		return exitOK
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", args[0])
		usage()
		return exitUsage
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: fleetbench <command> [options]
Commands:
  run                Execute the benchmark matrix across the fleet
  prepare            Install the benchmark toolchain on every host
  validate-config    Validate the configuration file
  version            Print build version
`)
}

// runFlags collects the command-line overrides shared by run and prepare.
type runFlags struct {
	configPath       string
	dryRun           bool
	sshOnly          bool
	virtctlOnly      bool
	retryInterval    int
	maxRetries       int
	skipConnectivity bool
	pollInterval     int
	yes              bool
}

func newFlagSet(name string, stderr io.Writer, flags *runFlags) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&flags.configPath, "config", config.DefaultConfigPath, "path to configuration file")
	fs.BoolVar(&flags.dryRun, "dry-run", false, "log commands instead of executing them")
	fs.BoolVar(&flags.sshOnly, "ssh-only", false, "force the direct ssh transport for every host")
	fs.BoolVar(&flags.virtctlOnly, "virtctl-only", false, "force the virtctl transport for every host")
	fs.IntVar(&flags.retryInterval, "retry-interval", 0, "override retry.interval (seconds)")
	fs.IntVar(&flags.maxRetries, "max-retries", 0, "override retry.max_retries")
	fs.BoolVar(&flags.skipConnectivity, "skip-connectivity-test", false, "skip the connectivity pre-flight")
	fs.IntVar(&flags.pollInterval, "poll-interval", 0, "override monitoring.task_monitor_interval (seconds)")
	fs.BoolVar(&flags.yes, "yes-i-mean-it", false, "skip the confirmation prompt")
	return fs
}

// applyOverrides folds the command-line overrides into the loaded
// configuration. Flags win over the file.
func applyOverrides(cfg *config.Config, flags *runFlags) error {
	if flags.sshOnly && flags.virtctlOnly {
		return errors.New("-ssh-only and -virtctl-only are mutually exclusive")
	}
	if flags.sshOnly {
		cfg.Transport = config.TransportSSH
	}
	if flags.virtctlOnly {
		cfg.Transport = config.TransportVirtctl
	}
	if flags.dryRun {
		cfg.DryRun = true
	}
	if flags.retryInterval > 0 {
		cfg.Retry.IntervalSec = flags.retryInterval
	}
	if flags.maxRetries > 0 {
		cfg.Retry.MaxRetries = flags.maxRetries
	}
	if flags.skipConnectivity {
		cfg.Retry.SkipConnectivityTest = true
	}
	if flags.pollInterval > 0 {
		cfg.Monitoring.PollIntervalSec = flags.pollInterval
	}
	return cfg.Validate()
}

// checkDependencies verifies the external binaries the selected transport
// shells out to. The direct transport is a native ssh client and needs none.
func checkDependencies(transportMode string) error {
	var required []string
	switch transportMode {
	case config.TransportSSH:
	default:
		required = []string{"virtctl", "oc"}
	}
	var missing []string
	for _, bin := range required {
		if _, err := lookPath(bin); err != nil {
			missing = append(missing, bin)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("required binaries not found in PATH: %s", strings.Join(missing, ", "))
	}
	return nil
}

func commandValidate(args []string) int {
	return commandValidateWithWriters(args, os.Stdout, os.Stderr)
}

func commandValidateWithWriters(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("validate-config", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", config.DefaultConfigPath, "path to configuration file")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	if _, err := config.Load(*configPath); err != nil {
		fmt.Fprintf(stderr, "configuration invalid: %v\n", err)
		return exitConfigError
	}

	fmt.Fprintf(stdout, "configuration at %s is valid\n", *configPath)
	return exitOK
}

func commandRun(args []string) int {
	return commandRunWithIO(args, os.Stdin, os.Stdout, os.Stderr)
}

func commandRunWithIO(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var flags runFlags
	fs := newFlagSet("run", stderr, &flags)
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	cfg, err := config.Load(flags.configPath)
	if err != nil {
		fmt.Fprintf(stderr, "failed to load configuration: %v\n", err)
		return exitConfigError
	}
	if err := applyOverrides(cfg, &flags); err != nil {
		fmt.Fprintf(stderr, "invalid options: %v\n", err)
		return exitConfigError
	}
	if err := checkDependencies(cfg.Transport); err != nil {
		fmt.Fprintf(stderr, "dependency check failed: %v\n", err)
		return exitDependencyError
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := buildApp(ctx, cfg, stdout)
	if err != nil {
		fmt.Fprintf(stderr, "failed to initialise run: %v\n", err)
		return exitConfigError
	}
	defer app.close()

	printPlan(stdout, cfg, app.hosts)
	if !cfg.DryRun && !flags.yes {
		if !confirm(stdin, stdout) {
			fmt.Fprintln(stdout, "aborted")
			return exitOK
		}
	}

	lease, err := app.lockManager.Acquire(ctx)
	if err != nil {
		if errors.Is(err, lock.ErrNotAcquired) {
			fmt.Fprintln(stderr, "another benchmark run holds the fleet lock")
			return exitLockHeld
		}
		fmt.Fprintf(stderr, "failed to acquire fleet lock: %v\n", err)
		return exitLockHeld
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := lease.Release(releaseCtx); err != nil {
			fmt.Fprintf(stderr, "failed to release fleet lock: %v\n", err)
		}
	}()

	resultsDir, err := app.driver.Run(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "benchmark run failed: %v\n", err)
		if resultsDir != "" {
			fmt.Fprintf(stdout, "partial results in %s\n", resultsDir)
		}
		return exitRunError
	}

	if resultsDir != "" {
		fmt.Fprintf(stdout, "results collected in %s\n", resultsDir)
	}
	return exitOK
}

func commandPrepare(args []string) int {
	return commandPrepareWithWriters(args, os.Stdout, os.Stderr)
}

func commandPrepareWithWriters(args []string, stdout, stderr io.Writer) int {
	var flags runFlags
	fs := newFlagSet("prepare", stderr, &flags)
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	cfg, err := config.Load(flags.configPath)
	if err != nil {
		fmt.Fprintf(stderr, "failed to load configuration: %v\n", err)
		return exitConfigError
	}
	if err := applyOverrides(cfg, &flags); err != nil {
		fmt.Fprintf(stderr, "invalid options: %v\n", err)
		return exitConfigError
	}
	if err := checkDependencies(cfg.Transport); err != nil {
		fmt.Fprintf(stderr, "dependency check failed: %v\n", err)
		return exitDependencyError
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := buildApp(ctx, cfg, stdout)
	if err != nil {
		fmt.Fprintf(stderr, "failed to initialise: %v\n", err)
		return exitConfigError
	}
	defer app.close()

	if err := app.driver.PrepareMachines(ctx); err != nil {
		fmt.Fprintf(stderr, "preparation failed: %v\n", err)
		return exitRunError
	}
	fmt.Fprintf(stdout, "prepared %d hosts\n", len(app.hosts))
	return exitOK
}

// app holds the fully wired benchmark engine plus the resources that need
// teardown once the command finishes.
type app struct {
	hosts       []string
	driver      *driver.Driver
	lockManager lock.Manager
	closers     []func() error
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		_ = a.closers[i]()
	}
}

// buildApp wires the transports, observability sinks, and the benchmark
// pipeline from the validated configuration.
func buildApp(ctx context.Context, cfg *config.Config, console io.Writer) (*app, error) {
	a := &app{lockManager: lock.NewNoopManager()}

	logger, err := a.buildLogger(cfg, console)
	if err != nil {
		return nil, err
	}
	metrics := observability.NewPrometheusCollector()
	if cfg.Metrics.Enabled {
		a.serveMetrics(cfg.Metrics.Listen, metrics)
	}
	reporter := func(component string) *remote.StructuredReporter {
		return remote.NewStructuredReporter(component, logger, metrics)
	}

	var controlPlane transport.ControlPlane
	if cfg.Transport != config.TransportSSH {
		controlPlane = transport.NewCLIControlPlane(nil, cfg.VM.Namespace)
	}

	var resolver config.LabelResolver
	if controlPlane != nil {
		resolver = func(ctx context.Context, _ string, selector string) ([]string, error) {
			return controlPlane.ListByLabels(ctx, selector)
		}
	}
	hosts, err := cfg.ResolveHosts(ctx, resolver)
	if err != nil {
		return nil, err
	}
	a.hosts = hosts

	router, classifier, err := a.buildTransports(cfg, controlPlane)
	if err != nil {
		return nil, err
	}

	runner, err := remote.NewRunner(router,
		remote.WithReporter(reporter("remote")),
		remote.WithRetryPolicy(cfg.Retry.MaxRetries, cfg.RetryInterval()),
		remote.WithDryRun(cfg.DryRun),
	)
	if err != nil {
		return nil, err
	}
	launcher, err := remote.NewLauncher(runner, remote.WithLauncherReporter(reporter("launcher")))
	if err != nil {
		return nil, err
	}
	poller := fleet.NewPoller(
		fleet.WithPollInterval(cfg.PollInterval()),
		fleet.WithPollGrace(cfg.PollGrace()),
		fleet.WithPollerReporter(reporter("poller")),
	)

	opts := []driver.Option{driver.WithReporter(reporter("driver"))}

	// Dry runs stay local: no real migrations, no result collection, no
	// fleet lock.
	if !cfg.DryRun {
		if cfg.Migrate != nil && controlPlane != nil {
			coordinator, err := migration.NewCoordinator(controlPlane,
				migration.WithInterval(cfg.MigrateInterval()),
				migration.WithAttemptTimeout(cfg.MigrateTimeout()),
				migration.WithCandidateFilter(func(ctx context.Context, host string) bool {
					return classifier.Classify(ctx, host) == transport.KindProxied
				}),
				migration.WithReporter(reporter("migration")),
			)
			if err != nil {
				return nil, err
			}
			opts = append(opts, driver.WithMigrator(coordinator))
		}

		cat, err := catalog.Open(filepath.Join(cfg.Output.LocalDir, "fleetbench.db"))
		if err != nil {
			return nil, fmt.Errorf("open artifact catalog: %w", err)
		}
		a.closers = append(a.closers, cat.Close)

		collector, err := driver.NewCollector(cfg, runner, router,
			driver.WithRecorder(cat),
			driver.WithCollectorReporter(reporter("collector")),
		)
		if err != nil {
			return nil, err
		}
		opts = append(opts, driver.WithCollector(collector))

		if cfg.Lock != nil {
			manager, err := lock.NewEtcdManager(lock.EtcdManagerOptions{
				Endpoints: cfg.Lock.Endpoints,
				LockKey:   cfg.Lock.Key,
				Namespace: cfg.Lock.Namespace,
				TTL:       cfg.LockTTL(),
				RunID:     "run-" + time.Now().Format("20060102-150405"),
			})
			if err != nil {
				return nil, fmt.Errorf("initialise fleet lock: %w", err)
			}
			a.closers = append(a.closers, manager.Close)
			a.lockManager = manager
		}
	}

	d, err := driver.New(cfg, hosts, runner, launcher, poller, opts...)
	if err != nil {
		return nil, err
	}
	a.driver = d
	return a, nil
}

func (a *app) buildLogger(cfg *config.Config, console io.Writer) (observability.Logger, error) {
	sinks := []observability.Logger{observability.NewJSONLogger(console)}

	if err := os.MkdirAll(cfg.Output.LocalDir, 0o755); err != nil {
		return nil, fmt.Errorf("create local output directory: %w", err)
	}
	logPath := filepath.Join(cfg.Output.LocalDir, "fleetbench-"+time.Now().Format("20060102-150405")+".log")
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open run log: %w", err)
	}
	a.closers = append(a.closers, logFile.Close)
	sinks = append(sinks, observability.NewJSONLogger(logFile))

	return observability.NewMultiLogger(sinks...), nil
}

func (a *app) buildTransports(cfg *config.Config, controlPlane transport.ControlPlane) (*transport.Router, *transport.Classifier, error) {
	proxied := transport.NewVirtctlTransport(nil, cfg.VM.Namespace, cfg.SSH.User)

	var force *transport.Kind
	switch cfg.Transport {
	case config.TransportSSH:
		kind := transport.KindDirect
		force = &kind
	case config.TransportVirtctl:
		kind := transport.KindProxied
		force = &kind
	}

	var direct interface {
		transport.Executor
		transport.Copier
	}
	if strings.TrimSpace(cfg.SSH.KeyFile) != "" {
		sshTransport, err := transport.NewSSHTransport(cfg.SSH.User, cfg.SSH.Port, cfg.SSH.KeyFile, cfg.SSHConnectTimeout())
		if err != nil {
			return nil, nil, err
		}
		a.closers = append(a.closers, sshTransport.Close)
		direct = sshTransport
	} else {
		if cfg.Transport == config.TransportSSH {
			return nil, nil, errors.New("ssh transport requires ssh.key_file")
		}
		// Without a key every host has to go through the control plane.
		kind := transport.KindProxied
		force = &kind
		direct = proxied
	}

	classifier := transport.NewClassifier(force, controlPlane)
	return transport.NewRouter(classifier, direct, proxied), classifier, nil
}

func (a *app) serveMetrics(listen string, metrics *observability.PrometheusCollector) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	server := &http.Server{Addr: listen, Handler: mux}
	go func() { _ = server.ListenAndServe() }()
	a.closers = append(a.closers, func() error {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
}

func printPlan(out io.Writer, cfg *config.Config, hosts []string) {
	fmt.Fprintf(out, "benchmark plan (%s):\n", cfg.Description)
	fmt.Fprintf(out, "  hosts (%d):\n", len(hosts))
	for _, host := range hosts {
		device, _ := cfg.DeviceFor(host)
		fmt.Fprintf(out, "    %s => /dev/%s (%s on %s)\n", host, device, cfg.Storage.Filesystem, cfg.Storage.MountPoint)
	}
	fmt.Fprintf(out, "  matrix: %d block sizes x %d patterns, %ds each\n",
		len(cfg.Fio.BlockSizes), len(cfg.Fio.IOPatterns), cfg.Fio.RuntimeSec)
	if cfg.Migrate != nil {
		mode := "parallel"
		if cfg.Migrate.IntervalSec > 0 {
			mode = fmt.Sprintf("sequential, %ds apart", cfg.Migrate.IntervalSec)
		}
		fmt.Fprintf(out, "  migration: %s during %s\n", mode, strings.Join(cfg.Migrate.Workloads, ", "))
	}
	if cfg.DryRun {
		fmt.Fprintln(out, "  mode: dry-run, no commands will be executed")
	}
	fmt.Fprintf(out, "WARNING: every listed device will be reformatted with %s\n", cfg.Storage.Filesystem)
}

// confirm requires an explicit "yes" before the run may reformat devices.
func confirm(in io.Reader, out io.Writer) bool {
	fmt.Fprint(out, "Type 'yes' to continue: ")
	scanner := bufio.NewScanner(in)
	if !scanner.Scan() {
		return false
	}
	return strings.EqualFold(strings.TrimSpace(scanner.Text()), "yes")
}

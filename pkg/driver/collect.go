package driver

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v4/disk"

	"github.com/fleetbench/fleetbench/pkg/archive"
	"github.com/fleetbench/fleetbench/pkg/catalog"
	"github.com/fleetbench/fleetbench/pkg/config"
	"github.com/fleetbench/fleetbench/pkg/fleet"
	"github.com/fleetbench/fleetbench/pkg/observability"
	"github.com/fleetbench/fleetbench/pkg/remote"
	"github.com/fleetbench/fleetbench/pkg/transport"
)

// minFreeSpaceBytes is the local headroom required before result collection
// starts pulling archives from the fleet.
const minFreeSpaceBytes = 1 << 30

var nonAlnumRe = regexp.MustCompile(`[^a-z0-9]+`)

// ArtifactRecorder persists one collected artifact. *catalog.Catalog
// satisfies it.
type ArtifactRecorder interface {
	Record(ctx context.Context, artifact catalog.Artifact) (int64, error)
}

// Collector pulls result archives from every host into the local results
// tree and indexes the extracted artifacts.
type Collector struct {
	cfg       *config.Config
	runner    *remote.Runner
	copier    transport.Copier
	recorder  ArtifactRecorder
	reporter  remote.Reporter
	freeSpace func(path string) (uint64, error)
	minFree   uint64
	now       func() time.Time
}

// CollectorOption configures a Collector.
type CollectorOption func(*Collector)

// WithRecorder attaches the artifact catalog.
func WithRecorder(rec ArtifactRecorder) CollectorOption {
	return func(c *Collector) {
		if rec != nil {
			c.recorder = rec
		}
	}
}

// WithCollectorReporter attaches an observability reporter.
func WithCollectorReporter(rep remote.Reporter) CollectorOption {
	return func(c *Collector) {
		if rep != nil {
			c.reporter = rep
		}
	}
}

// WithFreeSpaceFunc overrides the local free-space probe.
func WithFreeSpaceFunc(fn func(path string) (uint64, error)) CollectorOption {
	return func(c *Collector) {
		if fn != nil {
			c.freeSpace = fn
		}
	}
}

// WithMinFreeSpace overrides the required local headroom in bytes.
func WithMinFreeSpace(bytes uint64) CollectorOption {
	return func(c *Collector) {
		if bytes > 0 {
			c.minFree = bytes
		}
	}
}

// WithCollectorClock injects a custom time source for results-dir naming.
func WithCollectorClock(fn func() time.Time) CollectorOption {
	return func(c *Collector) {
		if fn != nil {
			c.now = fn
		}
	}
}

// NewCollector constructs the collection pipeline.
func NewCollector(cfg *config.Config, runner *remote.Runner, copier transport.Copier, opts ...CollectorOption) (*Collector, error) {
	if cfg == nil {
		return nil, errors.New("config must not be nil")
	}
	if runner == nil {
		return nil, errors.New("runner must not be nil")
	}
	if copier == nil {
		return nil, errors.New("copier must not be nil")
	}
	collector := &Collector{
		cfg:       cfg,
		runner:    runner,
		copier:    copier,
		reporter:  remote.NoopReporter{},
		freeSpace: defaultFreeSpace,
		minFree:   minFreeSpaceBytes,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(collector)
	}
	return collector, nil
}

func defaultFreeSpace(path string) (uint64, error) {
	usage, err := disk.Usage(path)
	if err != nil {
		return 0, err
	}
	return usage.Free, nil
}

// ResultsDir derives the local directory for this collection pass.
func (c *Collector) ResultsDir(hostCount int) string {
	name := "fio-results-" + c.now().Format("20060102-150405")
	if desc := sanitizeDescription(c.cfg.Description); desc != "" {
		name += "-" + desc
	}
	name += fmt.Sprintf("-machines_%d", hostCount)
	return filepath.Join(c.cfg.Output.LocalDir, name)
}

// Collect archives the JSON artifacts on every host, fetches and extracts
// them into results_dir/<host>/, and records each artifact in the catalog.
// Per-host failures are reported and skipped; a host that lost its results
// must not discard everyone else's.
func (c *Collector) Collect(ctx context.Context, runID string, hosts []string) (string, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	resultsDir := c.ResultsDir(len(hosts))
	if err := c.checkFreeSpace(); err != nil {
		return "", err
	}
	if err := os.MkdirAll(resultsDir, 0o755); err != nil {
		return "", fmt.Errorf("create results directory: %w", err)
	}

	archiveName, tarFlags, compression := c.archiveParams()
	outDir := transport.ShellQuote(c.cfg.Output.Directory)

	results := fleet.Run(ctx, hosts, func(ctx context.Context, host string) error {
		return c.collectHost(ctx, runID, host, resultsDir, archiveName, tarFlags, outDir, compression)
	})

	for _, host := range fleet.Failed(hosts, results) {
		c.reporter.RecordEvent(ctx, observability.Event{
			Level: observability.LevelError,
			Host:  host,
			Event: "collection_failed",
			Fields: map[string]interface{}{
				"error": results[host].Error(),
			},
		})
	}
	c.reporter.RecordMetric(observability.Metric{
		Name:        "collections_total",
		Type:        observability.MetricCounter,
		Value:       1,
		Labels:      map[string]string{"result": collectionResult(hosts, results)},
		Description: "Number of result collection passes grouped by result.",
	})

	if len(fleet.Failed(hosts, results)) == len(hosts) {
		return resultsDir, fmt.Errorf("result collection failed on every host: %w", fleet.FirstError(hosts, results))
	}
	return resultsDir, nil
}

func (c *Collector) collectHost(ctx context.Context, runID, host, resultsDir, archiveName, tarFlags, outDir string, compression archive.Compression) error {
	hostDir := filepath.Join(resultsDir, host)
	if err := os.MkdirAll(hostDir, 0o755); err != nil {
		return fmt.Errorf("create host directory: %w", err)
	}

	res := c.runner.Execute(ctx, host, remote.Command{
		Text:        fmt.Sprintf("cd %s && tar %s %s *.json", outDir, tarFlags, archiveName),
		Description: "creating results archive",
		Timeout:     remote.LongTimeout,
	})
	if !res.OK {
		return fmt.Errorf("create archive on %s: %w", host, resultErr(res))
	}

	localArchive := filepath.Join(hostDir, archiveName)
	fetchCtx, cancel := context.WithTimeout(ctx, remote.LongTimeout)
	err := c.copier.Fetch(fetchCtx, host, c.cfg.Output.Directory+"/"+archiveName, localArchive)
	cancel()
	if err != nil {
		return fmt.Errorf("fetch archive from %s: %w", host, err)
	}

	extracted, err := archive.ExtractTar(localArchive, hostDir, compression)
	if err != nil {
		return fmt.Errorf("extract archive from %s: %w", host, err)
	}
	if err := os.Remove(localArchive); err != nil {
		return fmt.Errorf("remove archive for %s: %w", host, err)
	}

	c.recordArtifacts(ctx, runID, host, hostDir, extracted)
	return nil
}

func (c *Collector) recordArtifacts(ctx context.Context, runID, host, hostDir string, files []string) {
	if c.recorder == nil {
		return
	}
	for _, file := range files {
		pattern, blockSize, ok := parseArtifactName(filepath.Base(file))
		if !ok {
			continue
		}
		full := filepath.Join(hostDir, file)
		var size int64
		if info, err := os.Stat(full); err == nil {
			size = info.Size()
		}
		if _, err := c.recorder.Record(ctx, catalog.Artifact{
			RunID:     runID,
			Host:      host,
			Pattern:   pattern,
			BlockSize: blockSize,
			Path:      full,
			SizeBytes: size,
		}); err != nil {
			c.reporter.RecordEvent(ctx, observability.Event{
				Level: observability.LevelWarn,
				Host:  host,
				Event: "catalog_record_failed",
				Fields: map[string]interface{}{
					"path":  full,
					"error": err.Error(),
				},
			})
		}
	}
}

func (c *Collector) checkFreeSpace() error {
	free, err := c.freeSpace(c.cfg.Output.LocalDir)
	if err != nil {
		return fmt.Errorf("check free space in %s: %w", c.cfg.Output.LocalDir, err)
	}
	if free < c.minFree {
		return fmt.Errorf("not enough free space in %s: %d bytes available, %d required", c.cfg.Output.LocalDir, free, c.minFree)
	}
	return nil
}

func (c *Collector) archiveParams() (name, tarFlags string, compression archive.Compression) {
	if c.cfg.Output.Compression == config.CompressionXZ {
		return "fio-results.tar.xz", "cJf", archive.CompressionXZ
	}
	return "fio-results.tar.gz", "czf", archive.CompressionGzip
}

func collectionResult(hosts []string, results map[string]error) string {
	failed := len(fleet.Failed(hosts, results))
	switch {
	case failed == 0:
		return "success"
	case failed == len(hosts):
		return "failure"
	default:
		return "partial"
	}
}

func sanitizeDescription(description string) string {
	lowered := strings.ToLower(strings.TrimSpace(description))
	return strings.Trim(nonAlnumRe.ReplaceAllString(lowered, "_"), "_")
}

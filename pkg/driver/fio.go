package driver

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/fleetbench/fleetbench/pkg/config"
	"github.com/fleetbench/fleetbench/pkg/transport"
)

// datasetOutput is the artifact name of the priming pass.
const datasetOutput = "write_dataset"

var artifactNameRe = regexp.MustCompile(`^fio-test-(.+)-bs-(.+)\.json$`)

// TestName returns the deterministic artifact base name for one matrix cell.
func TestName(pattern, blockSize string) string {
	return fmt.Sprintf("fio-test-%s-bs-%s", pattern, blockSize)
}

// parseArtifactName extracts pattern and block size from an artifact file
// name, returning ok=false for files outside the naming contract.
func parseArtifactName(name string) (pattern, blockSize string, ok bool) {
	m := artifactNameRe.FindStringSubmatch(name)
	if m == nil {
		return "", "", false
	}
	return m[1], m[2], true
}

// fioCommand builds the remote fio invocation for one workload. Pattern,
// block size, and the other opaque config strings are single-quoted so they
// cannot be interpreted by the remote shell.
func fioCommand(cfg *config.Config, pattern, blockSize, output string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "cd %s && fio", transport.ShellQuote(cfg.Output.Directory))
	fmt.Fprintf(&b, " --name=testfile")
	fmt.Fprintf(&b, " --directory=%s", transport.ShellQuote(cfg.Storage.MountPoint))
	fmt.Fprintf(&b, " --size=%s", transport.ShellQuote(cfg.Fio.TestSize))
	fmt.Fprintf(&b, " --rw=%s", transport.ShellQuote(pattern))
	fmt.Fprintf(&b, " --bs=%s", transport.ShellQuote(blockSize))
	fmt.Fprintf(&b, " --runtime=%d", cfg.Fio.RuntimeSec)
	fmt.Fprintf(&b, " --direct=%d", cfg.Fio.DirectIO)
	fmt.Fprintf(&b, " --numjobs=%d", cfg.Fio.NumJobs)
	fmt.Fprintf(&b, " --time_based=1")
	fmt.Fprintf(&b, " --iodepth=%d", cfg.Fio.IODepth)
	fmt.Fprintf(&b, " --output-format=%s", transport.ShellQuote(cfg.Output.Format))
	if cfg.Fio.RateIOPS > 0 {
		fmt.Fprintf(&b, " --rate_iops=%d", cfg.Fio.RateIOPS)
	}
	fmt.Fprintf(&b, " --output=%s", transport.ShellQuote(output+".json"))
	return b.String()
}

// datasetCommand builds the fixed randwrite priming pass that seeds the test
// file before the measurement matrix.
func datasetCommand(cfg *config.Config) string {
	var b strings.Builder
	fmt.Fprintf(&b, "cd %s && fio", transport.ShellQuote(cfg.Output.Directory))
	fmt.Fprintf(&b, " --name=testfile")
	fmt.Fprintf(&b, " --directory=%s", transport.ShellQuote(cfg.Storage.MountPoint))
	fmt.Fprintf(&b, " --size=%s", transport.ShellQuote(cfg.Fio.TestSize))
	fmt.Fprintf(&b, " --rw=randwrite")
	fmt.Fprintf(&b, " --bs=4k")
	fmt.Fprintf(&b, " --runtime=%d", cfg.Fio.RuntimeSec)
	fmt.Fprintf(&b, " --direct=%d", cfg.Fio.DirectIO)
	fmt.Fprintf(&b, " --numjobs=%d", cfg.Fio.NumJobs)
	fmt.Fprintf(&b, " --time_based=1")
	fmt.Fprintf(&b, " --iodepth=%d", cfg.Fio.IODepth)
	fmt.Fprintf(&b, " --output-format=%s", transport.ShellQuote(cfg.Output.Format))
	fmt.Fprintf(&b, " --output=%s", transport.ShellQuote(datasetOutput+".json"))
	return b.String()
}

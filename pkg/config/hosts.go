package config

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
)

// rangePattern matches host range expressions such as vm{1..200} or vme-{1..10}.
var rangePattern = regexp.MustCompile(`^([\w-]+)\{(\d+)\.\.(\d+)\}$`)

// LabelResolver queries the virtualization control plane for VM names matching
// a label selector within a namespace.
type LabelResolver func(ctx context.Context, namespace, selector string) ([]string, error)

// ResolveHosts expands the configured host source into the concrete fleet.
// Label-based selection needs a resolver; the other sources are local.
func (c *Config) ResolveHosts(ctx context.Context, resolver LabelResolver) ([]string, error) {
	switch {
	case len(c.VM.Hosts) > 0:
		return expandAll(c.VM.Hosts)
	case strings.TrimSpace(c.VM.HostPattern) != "":
		return expandEntry(strings.TrimSpace(c.VM.HostPattern))
	case strings.TrimSpace(c.VM.HostFile) != "":
		return hostsFromFile(strings.TrimSpace(c.VM.HostFile))
	case strings.TrimSpace(c.VM.HostLabels) != "":
		if resolver == nil {
			return nil, errors.New("label-based host selection requires a control-plane resolver")
		}
		hosts, err := resolver(ctx, c.VM.Namespace, c.VM.HostLabels)
		if err != nil {
			return nil, fmt.Errorf("resolve hosts by label %q: %w", c.VM.HostLabels, err)
		}
		if len(hosts) == 0 {
			return nil, fmt.Errorf("no virtual machines match labels %q in namespace %s", c.VM.HostLabels, c.VM.Namespace)
		}
		return hosts, nil
	}
	return nil, errors.New("no host source configured")
}

// DeviceFor returns the block device configured for the host, resolving range
// patterns in the device map keys.
func (c *Config) DeviceFor(host string) (string, bool) {
	if dev, ok := c.Storage.Devices[host]; ok && strings.TrimSpace(dev) != "" {
		return dev, true
	}
	for key, dev := range c.Storage.Devices {
		names, err := expandEntry(key)
		if err != nil {
			continue
		}
		for _, name := range names {
			if name == host {
				return dev, true
			}
		}
	}
	return "", false
}

func hostsFromFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open host file: %w", err)
	}
	defer f.Close()

	hosts := make([]string, 0)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		expanded, err := expandEntry(line)
		if err != nil {
			return nil, fmt.Errorf("host file %s: %w", path, err)
		}
		hosts = append(hosts, expanded...)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read host file: %w", err)
	}
	if len(hosts) == 0 {
		return nil, fmt.Errorf("host file %s contains no hosts", path)
	}
	return hosts, nil
}

func expandAll(entries []string) ([]string, error) {
	hosts := make([]string, 0, len(entries))
	for _, entry := range entries {
		expanded, err := expandEntry(strings.TrimSpace(entry))
		if err != nil {
			return nil, err
		}
		hosts = append(hosts, expanded...)
	}
	return hosts, nil
}

// expandEntry turns prefix{start..end} into the enumerated host names; entries
// without a range expression pass through unchanged.
func expandEntry(entry string) ([]string, error) {
	if !strings.Contains(entry, "{") || !strings.Contains(entry, "..") {
		return []string{entry}, nil
	}
	match := rangePattern.FindStringSubmatch(entry)
	if match == nil {
		return nil, fmt.Errorf("cannot parse host range %q", entry)
	}
	prefix := match[1]
	start, _ := strconv.Atoi(match[2])
	end, _ := strconv.Atoi(match[3])
	if end < start {
		return nil, fmt.Errorf("host range %q is inverted", entry)
	}
	hosts := make([]string, 0, end-start+1)
	for i := start; i <= end; i++ {
		hosts = append(hosts, prefix+strconv.Itoa(i))
	}
	return hosts, nil
}

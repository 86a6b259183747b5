package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestExpandEntryRange(t *testing.T) {
	hosts, err := expandEntry("vme-{1..3}")
	if err != nil {
		t.Fatalf("expand returned error: %v", err)
	}
	want := []string{"vme-1", "vme-2", "vme-3"}
	if len(hosts) != len(want) {
		t.Fatalf("expected %d hosts, got %d", len(want), len(hosts))
	}
	for i := range want {
		if hosts[i] != want[i] {
			t.Fatalf("expected %s at %d, got %s", want[i], i, hosts[i])
		}
	}
}

func TestExpandEntryPlainHost(t *testing.T) {
	hosts, err := expandEntry("db-node.example.com")
	if err != nil {
		t.Fatalf("expand returned error: %v", err)
	}
	if len(hosts) != 1 || hosts[0] != "db-node.example.com" {
		t.Fatalf("unexpected expansion: %v", hosts)
	}
}

func TestExpandEntryRejectsInvertedRange(t *testing.T) {
	if _, err := expandEntry("vm{5..2}"); err == nil {
		t.Fatal("expected inverted range to fail")
	}
}

func TestResolveHostsFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hosts")
	content := "# fleet\nvm-a\nvm{1..2}\n\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write host file: %v", err)
	}

	cfg := &Config{VM: VMConfig{HostFile: path}}
	hosts, err := cfg.ResolveHosts(context.Background(), nil)
	if err != nil {
		t.Fatalf("resolve returned error: %v", err)
	}
	want := []string{"vm-a", "vm1", "vm2"}
	if len(hosts) != len(want) {
		t.Fatalf("expected %d hosts, got %v", len(want), hosts)
	}
	for i := range want {
		if hosts[i] != want[i] {
			t.Fatalf("expected %s at %d, got %s", want[i], i, hosts[i])
		}
	}
}

func TestResolveHostsByLabel(t *testing.T) {
	cfg := &Config{VM: VMConfig{Namespace: "perf", HostLabels: "tier=storage"}}

	resolver := func(ctx context.Context, namespace, selector string) ([]string, error) {
		if namespace != "perf" || selector != "tier=storage" {
			t.Fatalf("unexpected resolver arguments: %s %s", namespace, selector)
		}
		return []string{"vm-1", "vm-2"}, nil
	}

	hosts, err := cfg.ResolveHosts(context.Background(), resolver)
	if err != nil {
		t.Fatalf("resolve returned error: %v", err)
	}
	if len(hosts) != 2 {
		t.Fatalf("expected 2 hosts, got %v", hosts)
	}
}

func TestResolveHostsByLabelWithoutResolver(t *testing.T) {
	cfg := &Config{VM: VMConfig{HostLabels: "tier=storage"}}
	if _, err := cfg.ResolveHosts(context.Background(), nil); err == nil {
		t.Fatal("expected error without resolver")
	}
}

func TestResolveHostsByLabelEmptyResult(t *testing.T) {
	cfg := &Config{VM: VMConfig{Namespace: "perf", HostLabels: "tier=none"}}
	resolver := func(ctx context.Context, namespace, selector string) ([]string, error) {
		return nil, nil
	}
	if _, err := cfg.ResolveHosts(context.Background(), resolver); err == nil {
		t.Fatal("expected error for empty label selection")
	}
}

func TestResolveHostsByLabelResolverError(t *testing.T) {
	cfg := &Config{VM: VMConfig{Namespace: "perf", HostLabels: "tier=storage"}}
	boom := errors.New("control plane unavailable")
	resolver := func(ctx context.Context, namespace, selector string) ([]string, error) {
		return nil, boom
	}
	if _, err := cfg.ResolveHosts(context.Background(), resolver); !errors.Is(err, boom) {
		t.Fatalf("expected wrapped resolver error, got %v", err)
	}
}

func TestDeviceForExactAndPattern(t *testing.T) {
	cfg := &Config{Storage: StorageConfig{Devices: map[string]string{
		"vm-a":     "vdb",
		"vme{1..3}": "nvme0n1",
	}}}

	if dev, ok := cfg.DeviceFor("vm-a"); !ok || dev != "vdb" {
		t.Fatalf("expected exact device vdb, got %q (%v)", dev, ok)
	}
	if dev, ok := cfg.DeviceFor("vme2"); !ok || dev != "nvme0n1" {
		t.Fatalf("expected pattern device nvme0n1, got %q (%v)", dev, ok)
	}
	if _, ok := cfg.DeviceFor("unknown"); ok {
		t.Fatal("expected missing device for unknown host")
	}
}

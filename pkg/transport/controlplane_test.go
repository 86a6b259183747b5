package transport

import (
	"context"
	"strings"
	"testing"
)

type scriptedCommander struct {
	outputs []Output
	calls   [][]string
}

func (s *scriptedCommander) Run(ctx context.Context, argv []string) (Output, error) {
	s.calls = append(s.calls, append([]string(nil), argv...))
	if len(s.outputs) == 0 {
		return Output{}, nil
	}
	out := s.outputs[0]
	s.outputs = s.outputs[1:]
	return out, nil
}

func TestControlPlaneVMFound(t *testing.T) {
	commander := &scriptedCommander{outputs: []Output{{ExitCode: 0}}}
	cp := NewCLIControlPlane(commander, "perf")

	exists, err := cp.VirtualMachineExists(context.Background(), "vm-1")
	if err != nil {
		t.Fatalf("probe returned error: %v", err)
	}
	if !exists {
		t.Fatal("expected VM to exist")
	}
	if len(commander.calls) != 1 {
		t.Fatalf("expected one probe call, got %d", len(commander.calls))
	}
}

func TestControlPlaneVMIFallback(t *testing.T) {
	commander := &scriptedCommander{outputs: []Output{{ExitCode: 1}, {ExitCode: 0}}}
	cp := NewCLIControlPlane(commander, "perf")

	exists, err := cp.VirtualMachineExists(context.Background(), "vm-1")
	if err != nil {
		t.Fatalf("probe returned error: %v", err)
	}
	if !exists {
		t.Fatal("expected VMI fallback to report existence")
	}
	if len(commander.calls) != 2 {
		t.Fatalf("expected vm then vmi probes, got %d calls", len(commander.calls))
	}
	if commander.calls[1][2] != "vmi" {
		t.Fatalf("expected second probe to target vmi, got %v", commander.calls[1])
	}
}

func TestControlPlaneListByLabels(t *testing.T) {
	commander := &scriptedCommander{outputs: []Output{{Stdout: "vm-1 vm-2 "}}}
	cp := NewCLIControlPlane(commander, "perf")

	hosts, err := cp.ListByLabels(context.Background(), "tier=storage")
	if err != nil {
		t.Fatalf("list returned error: %v", err)
	}
	if len(hosts) != 2 || hosts[0] != "vm-1" || hosts[1] != "vm-2" {
		t.Fatalf("unexpected hosts: %v", hosts)
	}
}

func TestControlPlaneMigrateFailure(t *testing.T) {
	commander := &scriptedCommander{outputs: []Output{{ExitCode: 1, Stderr: "migration in progress"}}}
	cp := NewCLIControlPlane(commander, "perf")

	err := cp.Migrate(context.Background(), "vm-1")
	if err == nil || !strings.Contains(err.Error(), "migration in progress") {
		t.Fatalf("expected migrate failure with stderr, got %v", err)
	}
}

package transport

import (
	"context"
	"fmt"
	"strings"
)

// ControlPlane abstracts the virtualization control plane used for transport
// detection, label-based host discovery, and live migration.
type ControlPlane interface {
	// VirtualMachineExists reports whether a VM or VMI resource with the
	// given name exists in the configured namespace.
	VirtualMachineExists(ctx context.Context, name string) (bool, error)
	// ListByLabels returns the VM names matching a label selector.
	ListByLabels(ctx context.Context, selector string) ([]string, error)
	// Migrate triggers a live migration of the named VM and waits for the
	// CLI call to return.
	Migrate(ctx context.Context, name string) error
}

// CLIControlPlane drives the control plane through the oc and virtctl binaries.
type CLIControlPlane struct {
	commander Commander
	namespace string
}

// NewCLIControlPlane builds a control-plane client scoped to a namespace.
func NewCLIControlPlane(commander Commander, namespace string) *CLIControlPlane {
	if commander == nil {
		commander = NewExecCommander()
	}
	return &CLIControlPlane{commander: commander, namespace: namespace}
}

// VirtualMachineExists probes for a VM resource first and falls back to a VMI,
// matching hosts that were created directly as instances.
func (p *CLIControlPlane) VirtualMachineExists(ctx context.Context, name string) (bool, error) {
	out, err := p.commander.Run(ctx, []string{"oc", "get", "vm", name, "-n", p.namespace})
	if err != nil {
		return false, fmt.Errorf("probe vm %s: %w", name, err)
	}
	if out.ExitCode == 0 {
		return true, nil
	}

	out, err = p.commander.Run(ctx, []string{"oc", "get", "vmi", name, "-n", p.namespace})
	if err != nil {
		return false, fmt.Errorf("probe vmi %s: %w", name, err)
	}
	return out.ExitCode == 0, nil
}

// ListByLabels queries VM names by label selector.
func (p *CLIControlPlane) ListByLabels(ctx context.Context, selector string) ([]string, error) {
	out, err := p.commander.Run(ctx, []string{
		"oc", "get", "vms", "-n", p.namespace, "-l", selector,
		"-o", "jsonpath={range .items[*]}{.metadata.name}{' '}{end}",
	})
	if err != nil {
		return nil, fmt.Errorf("list vms by labels: %w", err)
	}
	if out.ExitCode != 0 {
		return nil, fmt.Errorf("list vms by labels: %s", strings.TrimSpace(out.Stderr))
	}
	return strings.Fields(out.Stdout), nil
}

// Migrate invokes virtctl migrate for the named VM.
func (p *CLIControlPlane) Migrate(ctx context.Context, name string) error {
	out, err := p.commander.Run(ctx, []string{"virtctl", "-n", p.namespace, "migrate", name})
	if err != nil {
		return fmt.Errorf("migrate %s: %w", name, err)
	}
	if out.ExitCode != 0 {
		return fmt.Errorf("migrate %s: %s", name, strings.TrimSpace(out.Stderr))
	}
	return nil
}

var _ ControlPlane = (*CLIControlPlane)(nil)

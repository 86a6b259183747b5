package transport

import (
	"context"
	"fmt"
	"strings"
)

const localSSHOpts = "--local-ssh-opts=-o StrictHostKeyChecking=no"

// VirtctlTransport executes commands and copies files through virtctl,
// addressing hosts as VM instances inside the configured namespace.
type VirtctlTransport struct {
	commander Commander
	namespace string
	user      string
}

// NewVirtctlTransport builds the proxied transport for a namespace.
func NewVirtctlTransport(commander Commander, namespace, user string) *VirtctlTransport {
	if commander == nil {
		commander = NewExecCommander()
	}
	if strings.TrimSpace(user) == "" {
		user = "root"
	}
	return &VirtctlTransport{commander: commander, namespace: namespace, user: user}
}

// Run implements Executor via `virtctl ssh`.
func (t *VirtctlTransport) Run(ctx context.Context, host, command string) (Output, error) {
	argv := []string{
		"virtctl", "-n", t.namespace, "ssh", localSSHOpts,
		fmt.Sprintf("%s@vmi/%s", t.user, host), "-c", command,
	}
	return t.commander.Run(ctx, argv)
}

// Fetch implements Copier via `virtctl scp`.
func (t *VirtctlTransport) Fetch(ctx context.Context, host, remotePath, localPath string) error {
	source := fmt.Sprintf("%s@vmi/%s:%s", t.user, host, remotePath)
	out, err := t.commander.Run(ctx, []string{"virtctl", "-n", t.namespace, "scp", localSSHOpts, source, localPath})
	if err != nil {
		return fmt.Errorf("fetch %s from %s: %w", remotePath, host, err)
	}
	if out.ExitCode != 0 {
		return fmt.Errorf("fetch %s from %s: %s", remotePath, host, strings.TrimSpace(out.Stderr))
	}
	return nil
}

var _ Executor = (*VirtctlTransport)(nil)
var _ Copier = (*VirtctlTransport)(nil)

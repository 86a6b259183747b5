package transport

import (
	"context"
	"strings"
)

// Kind identifies the remote-execution transport used for a host.
type Kind string

const (
	// KindDirect reaches the host over plain SSH.
	KindDirect Kind = "direct"
	// KindProxied reaches the host through the virtualization control plane.
	KindProxied Kind = "proxied"
)

// Output captures the result of a single remote or local command invocation.
type Output struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Executor runs a shell command on a remote host.
type Executor interface {
	Run(ctx context.Context, host, command string) (Output, error)
}

// Copier retrieves a single remote file into a local path.
type Copier interface {
	Fetch(ctx context.Context, host, remotePath, localPath string) error
}

// ShellQuote wraps a value in single quotes so it can be interpolated into a
// remote shell command without being interpreted.
func ShellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

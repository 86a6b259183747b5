package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
)

// SSHTransport is the direct transport: a native SSH client with one pooled
// connection per host, reused across commands for the duration of the run.
type SSHTransport struct {
	user        string
	port        int
	signer      ssh.Signer
	dialTimeout time.Duration

	mu      sync.Mutex
	clients map[string]*ssh.Client
}

// NewSSHTransport builds the direct transport from a private key file.
func NewSSHTransport(user string, port int, keyFile string, dialTimeout time.Duration) (*SSHTransport, error) {
	if user == "" {
		return nil, errors.New("ssh transport requires a user")
	}
	if port <= 0 {
		port = 22
	}
	if keyFile == "" {
		return nil, errors.New("ssh transport requires a private key file")
	}
	key, err := os.ReadFile(filepath.Clean(keyFile))
	if err != nil {
		return nil, fmt.Errorf("read ssh key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("parse ssh key: %w", err)
	}
	if dialTimeout <= 0 {
		dialTimeout = 10 * time.Second
	}
	return &SSHTransport{
		user:        user,
		port:        port,
		signer:      signer,
		dialTimeout: dialTimeout,
		clients:     make(map[string]*ssh.Client),
	}, nil
}

// Run implements Executor, executing the command in a fresh session on the
// pooled connection. The connection is torn down when the context expires so
// a wedged session cannot outlive its deadline.
func (t *SSHTransport) Run(ctx context.Context, host, command string) (Output, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	client, err := t.client(host)
	if err != nil {
		return Output{ExitCode: -1}, err
	}

	session, err := client.NewSession()
	if err != nil {
		t.drop(host, client)
		return Output{ExitCode: -1}, fmt.Errorf("open session on %s: %w", host, err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan error, 1)
	go func() { done <- session.Run(command) }()

	select {
	case <-ctx.Done():
		t.drop(host, client)
		// Closing the connection forces Run to return; only then is it
		// safe to read the buffers it was writing into.
		_ = client.Close()
		<-done
		return Output{Stdout: stdout.String(), Stderr: stderr.String(), ExitCode: -1}, ctx.Err()
	case err = <-done:
	}

	out := Output{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			out.ExitCode = exitErr.ExitStatus()
			return out, nil
		}
		out.ExitCode = -1
		return out, fmt.Errorf("run on %s: %w", host, err)
	}
	return out, nil
}

// Fetch implements Copier by streaming the remote file through a session.
// SSH sessions are 8-bit clean, so this is safe for binary archives.
func (t *SSHTransport) Fetch(ctx context.Context, host, remotePath, localPath string) error {
	if ctx == nil {
		ctx = context.Background()
	}

	client, err := t.client(host)
	if err != nil {
		return err
	}

	session, err := client.NewSession()
	if err != nil {
		t.drop(host, client)
		return fmt.Errorf("open session on %s: %w", host, err)
	}
	defer session.Close()

	local, err := os.Create(localPath)
	if err != nil {
		return fmt.Errorf("create %s: %w", localPath, err)
	}
	defer local.Close()

	session.Stdout = local

	done := make(chan error, 1)
	go func() { done <- session.Run("cat " + ShellQuote(remotePath)) }()

	select {
	case <-ctx.Done():
		t.drop(host, client)
		_ = client.Close()
		<-done
		return ctx.Err()
	case err = <-done:
	}

	if err != nil {
		return fmt.Errorf("fetch %s from %s: %w", remotePath, host, err)
	}
	return local.Sync()
}

// Close tears down every pooled connection.
func (t *SSHTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	var firstErr error
	for host, client := range t.clients {
		if err := client.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(t.clients, host)
	}
	return firstErr
}

func (t *SSHTransport) client(host string) (*ssh.Client, error) {
	t.mu.Lock()
	client, ok := t.clients[host]
	t.mu.Unlock()

	if ok {
		// Cheap aliveness check; stale connections are re-dialed.
		if _, _, err := client.SendRequest("keepalive@openssh.com", true, nil); err == nil {
			return client, nil
		}
		t.drop(host, client)
	}

	cfg := &ssh.ClientConfig{
		User:            t.user,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(t.signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         t.dialTimeout,
	}

	client, err := ssh.Dial("tcp", net.JoinHostPort(host, strconv.Itoa(t.port)), cfg)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", host, err)
	}

	t.mu.Lock()
	t.clients[host] = client
	t.mu.Unlock()
	return client, nil
}

func (t *SSHTransport) drop(host string, client *ssh.Client) {
	t.mu.Lock()
	if current, ok := t.clients[host]; ok && current == client {
		delete(t.clients, host)
	}
	t.mu.Unlock()
}

var _ Executor = (*SSHTransport)(nil)
var _ Copier = (*SSHTransport)(nil)

package transport

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"
)

type sessionHandler func(channel ssh.Channel, requests <-chan *ssh.Request)

// startSSHServer runs a minimal in-process SSH server that hands every
// session channel to the given handler, and returns the listen port plus a
// client key file accepted by the server.
func startSSHServer(t *testing.T, handle sessionHandler) (int, string) {
	t.Helper()

	_, hostKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate host key: %v", err)
	}
	hostSigner, err := ssh.NewSignerFromKey(hostKey)
	if err != nil {
		t.Fatalf("host signer: %v", err)
	}

	_, clientKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate client key: %v", err)
	}
	block, err := ssh.MarshalPrivateKey(clientKey, "")
	if err != nil {
		t.Fatalf("marshal client key: %v", err)
	}
	keyFile := filepath.Join(t.TempDir(), "id_test")
	if err := os.WriteFile(keyFile, pem.EncodeToMemory(block), 0o600); err != nil {
		t.Fatalf("write client key: %v", err)
	}

	cfg := &ssh.ServerConfig{NoClientAuth: true}
	cfg.AddHostKey(hostSigner)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { listener.Close() })

	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			go func(conn net.Conn) {
				serverConn, chans, reqs, err := ssh.NewServerConn(conn, cfg)
				if err != nil {
					return
				}
				defer serverConn.Close()
				go ssh.DiscardRequests(reqs)
				for newChannel := range chans {
					if newChannel.ChannelType() != "session" {
						_ = newChannel.Reject(ssh.UnknownChannelType, "unsupported")
						continue
					}
					channel, requests, err := newChannel.Accept()
					if err != nil {
						continue
					}
					go handle(channel, requests)
				}
			}(conn)
		}
	}()

	return listener.Addr().(*net.TCPAddr).Port, keyFile
}

func TestSSHTransportRunCapturesOutputAndExit(t *testing.T) {
	port, keyFile := startSSHServer(t, func(channel ssh.Channel, requests <-chan *ssh.Request) {
		for req := range requests {
			if req.Type != "exec" {
				_ = req.Reply(false, nil)
				continue
			}
			_ = req.Reply(true, nil)
			_, _ = channel.Write([]byte("ok\n"))
			_, _ = channel.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{Status: 0}))
			_ = channel.Close()
			return
		}
	})

	tr, err := NewSSHTransport("tester", port, keyFile, time.Second)
	if err != nil {
		t.Fatalf("NewSSHTransport: %v", err)
	}
	defer tr.Close()

	out, err := tr.Run(context.Background(), "127.0.0.1", "echo ok")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.ExitCode != 0 {
		t.Fatalf("expected exit 0, got %d", out.ExitCode)
	}
	if !strings.Contains(out.Stdout, "ok") {
		t.Fatalf("expected captured stdout, got %q", out.Stdout)
	}
}

func TestSSHTransportRunTimeoutTearsDownSafely(t *testing.T) {
	// The server keeps streaming output and never reports an exit status, so
	// the client has to give up on its deadline while the session is still
	// writing.
	port, keyFile := startSSHServer(t, func(channel ssh.Channel, requests <-chan *ssh.Request) {
		for req := range requests {
			if req.Type != "exec" {
				_ = req.Reply(false, nil)
				continue
			}
			_ = req.Reply(true, nil)
			go func() {
				for {
					if _, err := channel.Write([]byte("tick\n")); err != nil {
						return
					}
					time.Sleep(5 * time.Millisecond)
				}
			}()
		}
	})

	tr, err := NewSSHTransport("tester", port, keyFile, time.Second)
	if err != nil {
		t.Fatalf("NewSSHTransport: %v", err)
	}
	defer tr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	out, err := tr.Run(ctx, "127.0.0.1", "yes")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
	if out.ExitCode != -1 {
		t.Fatalf("expected exit code -1 on timeout, got %d", out.ExitCode)
	}
}

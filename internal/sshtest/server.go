// Package sshtest provides an in-process SSH server for tests.
//
// Exec requests run through /bin/sh -c with the channel wired to stdin,
// stdout and stderr, so tests can use ordinary shell commands (echo, sleep,
// exit, cat). Closing or signalling the channel kills the command's process
// group. The server counts concurrently open SSH connections so tests can
// assert per-host bounds.
package sshtest

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"net"
	"os/exec"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"
)

// Options configures which credentials the server accepts.
type Options struct {
	// AuthorizedKeys are accepted for any user.
	AuthorizedKeys []ssh.PublicKey
	// Password, when set, is accepted for any user.
	Password string
	// RejectExec makes the server refuse every exec request.
	RejectExec bool
}

// Server is a running test SSH server bound to 127.0.0.1.
type Server struct {
	Addr    string
	Host    string
	Port    int
	HostKey ssh.PublicKey

	listener   net.Listener
	config     *ssh.ServerConfig
	rejectExec bool
	done     chan struct{}

	mu       sync.Mutex
	netConns []net.Conn

	accepted  atomic.Int64
	active    atomic.Int64
	maxActive atomic.Int64
	stall     atomic.Bool
}

// NewServer starts a server and registers its shutdown with t.Cleanup.
func NewServer(t testing.TB, opts Options) *Server {
	t.Helper()

	_, hostPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate host key: %v", err)
	}
	hostSigner, err := ssh.NewSignerFromKey(hostPriv)
	if err != nil {
		t.Fatalf("host signer: %v", err)
	}

	authorized := make(map[string]bool, len(opts.AuthorizedKeys))
	for _, k := range opts.AuthorizedKeys {
		authorized[ssh.FingerprintSHA256(k)] = true
	}

	config := &ssh.ServerConfig{
		PublicKeyCallback: func(conn ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if authorized[ssh.FingerprintSHA256(key)] {
				return &ssh.Permissions{}, nil
			}
			return nil, fmt.Errorf("unknown public key for %s", conn.User())
		},
	}
	if opts.Password != "" {
		config.PasswordCallback = func(conn ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
			if string(password) == opts.Password {
				return &ssh.Permissions{}, nil
			}
			return nil, fmt.Errorf("password rejected for %s", conn.User())
		}
	}
	config.AddHostKey(hostSigner)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	host, portStr, _ := net.SplitHostPort(listener.Addr().String())
	port, _ := strconv.Atoi(portStr)

	s := &Server{
		Addr:       listener.Addr().String(),
		Host:       host,
		Port:       port,
		HostKey:    hostSigner.PublicKey(),
		listener:   listener,
		config:     config,
		rejectExec: opts.RejectExec,
		done:       make(chan struct{}),
	}
	go s.acceptLoop()
	t.Cleanup(s.Close)
	return s
}

func (s *Server) acceptLoop() {
	defer close(s.done)
	for {
		netConn, err := s.listener.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.netConns = append(s.netConns, netConn)
		s.mu.Unlock()
		go s.handleConn(netConn)
	}
}

func (s *Server) handleConn(netConn net.Conn) {
	sshConn, chans, reqs, err := ssh.NewServerConn(netConn, s.config)
	if err != nil {
		netConn.Close()
		return
	}
	defer sshConn.Close()

	s.accepted.Add(1)
	n := s.active.Add(1)
	defer s.active.Add(-1)
	for {
		max := s.maxActive.Load()
		if n <= max || s.maxActive.CompareAndSwap(max, n) {
			break
		}
	}

	go func() {
		for req := range reqs {
			if s.stall.Load() {
				continue
			}
			if req.WantReply {
				req.Reply(true, nil)
			}
		}
	}()

	for newChan := range chans {
		if newChan.ChannelType() != "session" {
			newChan.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}
		ch, requests, err := newChan.Accept()
		if err != nil {
			continue
		}
		go s.handleSession(ch, requests)
	}
}

func (s *Server) handleSession(ch ssh.Channel, requests <-chan *ssh.Request) {
	ctx, cancel := context.WithCancel(context.Background())
	// The request stream ends when the client closes the channel; anything
	// still running is killed then.
	defer cancel()

	for req := range requests {
		switch req.Type {
		case "exec":
			var payload struct{ Command string }
			if err := ssh.Unmarshal(req.Payload, &payload); err != nil || s.rejectExec {
				req.Reply(false, nil)
				continue
			}
			req.Reply(true, nil)
			go func(command string) {
				status, killed := runShell(ctx, ch, command)
				if !killed {
					ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{status}))
				}
				ch.Close()
			}(payload.Command)
		case "signal":
			cancel()
		default:
			if req.WantReply {
				req.Reply(false, nil)
			}
		}
	}
}

// runShell runs command under /bin/sh in its own process group so a kill
// reaches every child.
func runShell(ctx context.Context, ch ssh.Channel, command string) (status uint32, killed bool) {
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", command)
	cmd.Stdin = ch
	cmd.Stdout = ch
	cmd.Stderr = ch.Stderr()
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = 100 * time.Millisecond

	err := cmd.Run()
	if ctx.Err() != nil {
		return 0, true
	}
	if cmd.ProcessState != nil && cmd.ProcessState.ExitCode() >= 0 {
		return uint32(cmd.ProcessState.ExitCode()), false
	}
	if err != nil {
		return 127, false
	}
	return 0, false
}

// DropConnections forcefully closes every accepted TCP connection, leaving
// the listener up so new connections still succeed.
func (s *Server) DropConnections() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.netConns {
		c.Close()
	}
	s.netConns = nil
}

// Stall makes the server stop answering global requests (keepalives), which
// simulates a hung peer whose TCP connection is still open.
func (s *Server) Stall(stalled bool) { s.stall.Store(stalled) }

// Accepted returns the number of authenticated connections ever accepted.
func (s *Server) Accepted() int64 { return s.accepted.Load() }

// Active returns the number of currently open SSH connections.
func (s *Server) Active() int64 { return s.active.Load() }

// MaxActive returns the highest number of simultaneously open SSH connections.
func (s *Server) MaxActive() int64 { return s.maxActive.Load() }

// Close stops the listener and drops all connections.
func (s *Server) Close() {
	s.listener.Close()
	s.DropConnections()
	<-s.done
}

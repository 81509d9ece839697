// conn.go implements a single pooled SSH connection.
//
// A Conn wraps one authenticated *ssh.Client. Its liveness flag starts true and
// latches false on the first failed keepalive, failed probe, failed session
// open, or aborted command; once false the connection is never handed out
// again and the pool discards it on release.

package sshpool

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/crypto/ssh"
)

const (
	// keepaliveRequest is the global request used for both keepalives and
	// liveness probes. Servers that don't know it still reply (with failure),
	// which is enough to prove the transport is up.
	keepaliveRequest = "keepalive@openssh.com"

	// DefaultProbeTimeout bounds a single liveness probe.
	DefaultProbeTimeout = 5 * time.Second
)

// ExecutionResult is the outcome of one command on one host. A non-zero exit
// code is a normal result, not an error.
type ExecutionResult struct {
	ExitCode int           `json:"exit_code"`
	Stdout   string        `json:"stdout"`
	Stderr   string        `json:"stderr"`
	Duration time.Duration `json:"duration_ns"`

	rawStdout []byte
}

// StdoutBytes returns stdout exactly as the remote command wrote it. Stdout
// has invalid UTF-8 replaced; file contents must come from here.
func (r *ExecutionResult) StdoutBytes() []byte {
	if r.rawStdout != nil {
		return r.rawStdout
	}
	return []byte(r.Stdout)
}

// ConnectionMetrics tracks usage and probe outcomes for a connection.
type ConnectionMetrics struct {
	mu               sync.Mutex
	Uses             int64     `json:"uses"`
	LastProbe        time.Time `json:"last_probe"`
	SuccessfulProbes int64     `json:"successful_probes"`
	FailedProbes     int64     `json:"failed_probes"`
}

// Snapshot returns a copy of the metrics safe for concurrent use.
func (cm *ConnectionMetrics) Snapshot() ConnectionMetrics {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return ConnectionMetrics{
		Uses:             cm.Uses,
		LastProbe:        cm.LastProbe,
		SuccessfulProbes: cm.SuccessfulProbes,
		FailedProbes:     cm.FailedProbes,
	}
}

func (cm *ConnectionMetrics) recordProbe(ok bool) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.LastProbe = time.Now()
	if ok {
		cm.SuccessfulProbes++
	} else {
		cm.FailedProbes++
	}
}

func (cm *ConnectionMetrics) recordUse() {
	cm.mu.Lock()
	cm.Uses++
	cm.mu.Unlock()
}

// Conn is one authenticated SSH session to a single host.
type Conn struct {
	client    *ssh.Client
	host      HostKey
	createdAt time.Time
	lastUsed  atomic.Int64 // unix nanos
	alive     atomic.Bool
	hostKeyFP atomic.Value // string

	cancelKeepalive context.CancelFunc
	closeOnce       sync.Once
	closeErr        error

	metrics *ConnectionMetrics
}

// Open dials the host and authenticates with the descriptor's credentials:
// the private key first when one is configured, then the password when one is
// set. Credential rejection yields *AuthError; network or handshake failure
// yields *ConnectError.
func Open(ctx context.Context, d HostDescriptor) (*Conn, error) {
	d = d.WithDefaults()
	host := d.Key()

	auth, err := authMethods(d)
	if err != nil {
		return nil, &AuthError{Host: host.String(), Err: err}
	}

	c := &Conn{
		host:      host,
		createdAt: time.Now(),
		metrics:   &ConnectionMetrics{},
	}

	hostKeyCallback := d.HostKeyCallback
	if hostKeyCallback == nil {
		hostKeyCallback = ssh.InsecureIgnoreHostKey()
	}
	cfg := &ssh.ClientConfig{
		User:            d.Username,
		Auth:            auth,
		HostKeyCallback: recordingHostKeyCallback(hostKeyCallback, func(fp string) { c.hostKeyFP.Store(fp) }),
		Timeout:         d.ConnectTimeout,
	}

	addr := net.JoinHostPort(d.Address, strconv.Itoa(d.Port))
	dialer := net.Dialer{Timeout: d.ConnectTimeout}
	netConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, &ConnectError{Host: host.String(), Op: "dial", Err: err}
	}

	// The handshake is bounded by the connect timeout and by ctx.
	netConn.SetDeadline(time.Now().Add(d.ConnectTimeout))
	stop := context.AfterFunc(ctx, func() { netConn.Close() })

	sshConn, chans, reqs, err := ssh.NewClientConn(netConn, addr, cfg)
	if !stop() {
		if err == nil {
			sshConn.Close()
		}
		return nil, &ConnectError{Host: host.String(), Op: "handshake", Err: ctx.Err()}
	}
	if err != nil {
		netConn.Close()
		if isAuthFailure(err) {
			return nil, &AuthError{Host: host.String(), Err: err}
		}
		return nil, &ConnectError{Host: host.String(), Op: "handshake", Err: err}
	}
	netConn.SetDeadline(time.Time{})

	c.client = ssh.NewClient(sshConn, chans, reqs)
	c.alive.Store(true)
	c.touch()

	keepCtx, keepCancel := context.WithCancel(context.Background())
	c.cancelKeepalive = keepCancel
	if d.KeepaliveInterval > 0 {
		go c.keepalive(keepCtx, d.KeepaliveInterval)
	}
	return c, nil
}

// isAuthFailure reports whether a handshake error is a credential rejection.
// x/crypto/ssh has no typed error for this case.
func isAuthFailure(err error) bool {
	return strings.Contains(err.Error(), "unable to authenticate")
}

// keepalive sends periodic keepalive requests and latches the liveness flag
// false on the first failure.
func (c *Conn) keepalive(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, _, err := c.client.SendRequest(keepaliveRequest, true, nil); err != nil {
				log.Printf("[sshpool] keepalive failed for %s: %v, marking connection dead", c.host, err)
				c.markDead()
				return
			}
		}
	}
}

// Host returns the identity of the host this connection is bound to.
func (c *Conn) Host() HostKey { return c.host }

// CreatedAt returns when the connection was established.
func (c *Conn) CreatedAt() time.Time { return c.createdAt }

// LastUsed returns when the connection last finished a command or was opened.
func (c *Conn) LastUsed() time.Time { return time.Unix(0, c.lastUsed.Load()) }

// HostKeyFingerprint returns the SHA256 fingerprint of the server host key.
func (c *Conn) HostKeyFingerprint() string {
	fp, _ := c.hostKeyFP.Load().(string)
	return fp
}

// Metrics returns a snapshot of the connection's usage and probe counters.
func (c *Conn) Metrics() ConnectionMetrics { return c.metrics.Snapshot() }

// Alive returns the cached liveness flag without a network round trip.
func (c *Conn) Alive() bool { return c.alive.Load() }

func (c *Conn) touch() { c.lastUsed.Store(time.Now().UnixNano()) }

func (c *Conn) markDead() { c.alive.Store(false) }

// IsAlive probes the connection with a keepalive round trip bounded by
// DefaultProbeTimeout. It never returns an error; any failure reports false.
func (c *Conn) IsAlive() bool {
	return c.probe(DefaultProbeTimeout)
}

func (c *Conn) probe(timeout time.Duration) bool {
	if !c.alive.Load() {
		return false
	}

	done := make(chan error, 1)
	go func() {
		_, _, err := c.client.SendRequest(keepaliveRequest, true, nil)
		done <- err
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case err := <-done:
		if err != nil {
			c.metrics.recordProbe(false)
			c.markDead()
			return false
		}
		c.metrics.recordProbe(true)
		return true
	case <-timer.C:
		c.metrics.recordProbe(false)
		c.markDead()
		return false
	}
}

// Run executes command in a new session and waits for it to finish, for
// timeout to elapse (zero means no timeout), or for ctx to be done.
func (c *Conn) Run(ctx context.Context, command string, timeout time.Duration) (*ExecutionResult, error) {
	return c.run(ctx, command, nil, timeout)
}

// RunWithStdin is Run with stdin streamed to the remote command.
func (c *Conn) RunWithStdin(ctx context.Context, command string, stdin io.Reader, timeout time.Duration) (*ExecutionResult, error) {
	return c.run(ctx, command, stdin, timeout)
}

func (c *Conn) run(ctx context.Context, command string, stdin io.Reader, timeout time.Duration) (*ExecutionResult, error) {
	start := time.Now()
	c.metrics.recordUse()

	session, err := c.client.NewSession()
	if err != nil {
		c.markDead()
		return nil, &ConnectError{Host: c.host.String(), Op: "open session", Err: err}
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr
	if stdin != nil {
		session.Stdin = stdin
	}

	if err := session.Start(command); err != nil {
		c.markDead()
		return nil, &ConnectError{Host: c.host.String(), Op: "start", Err: err}
	}

	done := make(chan error, 1)
	go func() { done <- session.Wait() }()

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case err := <-done:
		c.touch()
		res := &ExecutionResult{
			Stdout:    strings.ToValidUTF8(stdout.String(), "\uFFFD"),
			Stderr:    strings.ToValidUTF8(stderr.String(), "\uFFFD"),
			Duration:  time.Since(start),
			rawStdout: stdout.Bytes(),
		}
		if err == nil {
			return res, nil
		}
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitStatus()
			return res, nil
		}
		return nil, fmt.Errorf("run command on %s: %w", c.host, err)
	case <-expired:
		c.abort(session)
		return nil, &ExecTimeoutError{Host: c.host.String(), Command: command, Timeout: timeout}
	case <-ctx.Done():
		c.abort(session)
		return nil, fmt.Errorf("run command on %s: %w", c.host, ctx.Err())
	}
}

// abort tears down a session whose command is still running. The connection
// is marked dead so it can never be reused in a half-closed state.
func (c *Conn) abort(session *ssh.Session) {
	session.Signal(ssh.SIGKILL)
	session.Close()
	c.markDead()
}

// Close releases the underlying session. It is safe to call more than once.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.markDead()
		if c.cancelKeepalive != nil {
			c.cancelKeepalive()
		}
		if c.client != nil {
			c.closeErr = c.client.Close()
		}
	})
	return c.closeErr
}

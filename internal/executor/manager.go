// Package executor runs commands on one or many hosts over pooled SSH
// connections.
//
// A Manager owns a sshpool.Registry. Single-host calls resolve the host's pool,
// borrow a connection, run, and always release. Multi-host calls fan the same
// cycle out over a bounded set of goroutines and collect one HostResult per
// requested host; a failing host never blocks or aborts the others.
package executor

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/gluk-w/fleetexec/internal/logutil"
	"github.com/gluk-w/fleetexec/internal/sshpool"
)

const (
	// DefaultWorkers caps concurrent hosts in a multi-host call.
	DefaultWorkers = 20

	// DefaultCommandTimeout applies when a call passes a zero timeout.
	DefaultCommandTimeout = 30 * time.Second

	testCommand = `echo "SSH test successful"`
)

// Observer is notified after every single-host execution. kind is "" on
// success, otherwise sshpool.Kind of the error.
type Observer interface {
	ObserveExec(host, kind string, elapsed time.Duration)
}

// Observers fans one observation out to several observers in order.
type Observers []Observer

func (o Observers) ObserveExec(host, kind string, elapsed time.Duration) {
	for _, obs := range o {
		if obs != nil {
			obs.ObserveExec(host, kind, elapsed)
		}
	}
}

// Options configures a Manager. Zero values fall back to package defaults.
type Options struct {
	Pool           sshpool.Options
	Workers        int
	CommandTimeout time.Duration

	// Applied to descriptors that leave these unset.
	ConnectTimeout    time.Duration
	KeepaliveInterval time.Duration
	HostKeyCallback   ssh.HostKeyCallback

	Observer Observer
}

// Manager is the execution surface over a registry of per-host pools.
type Manager struct {
	registry *sshpool.Registry
	opts     Options
}

// New creates a Manager with its own registry.
func New(opts Options) *Manager {
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = DefaultCommandTimeout
	}
	return &Manager{
		registry: sshpool.NewRegistry(opts.Pool),
		opts:     opts,
	}
}

var (
	defaultMu  sync.Mutex
	defaultMgr *Manager
)

// Default returns the process-wide Manager, creating one with default options
// on first use. Prefer passing an explicitly constructed Manager.
func Default() *Manager {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultMgr == nil {
		defaultMgr = New(Options{})
	}
	return defaultMgr
}

// SetDefault replaces the Manager returned by Default.
func SetDefault(m *Manager) {
	defaultMu.Lock()
	defaultMgr = m
	defaultMu.Unlock()
}

// Registry exposes the underlying pool registry.
func (m *Manager) Registry() *sshpool.Registry { return m.registry }

// CommandTimeout returns the timeout used when a call passes zero.
func (m *Manager) CommandTimeout() time.Duration { return m.opts.CommandTimeout }

// prepare fills manager-level defaults into d and validates it.
func (m *Manager) prepare(d sshpool.HostDescriptor) (sshpool.HostDescriptor, error) {
	if d.ConnectTimeout == 0 {
		d.ConnectTimeout = m.opts.ConnectTimeout
	}
	if d.KeepaliveInterval == 0 {
		d.KeepaliveInterval = m.opts.KeepaliveInterval
	}
	if d.HostKeyCallback == nil {
		d.HostKeyCallback = m.opts.HostKeyCallback
	}
	d = d.WithDefaults()
	if err := d.Validate(); err != nil {
		return d, err
	}
	return d, nil
}

// withConn borrows a connection for d, runs fn, and always releases it.
func (m *Manager) withConn(ctx context.Context, d sshpool.HostDescriptor, fn func(c *sshpool.Conn) error) error {
	d, err := m.prepare(d)
	if err != nil {
		return err
	}
	pool, err := m.registry.PoolFor(d)
	if err != nil {
		return err
	}
	c, err := pool.Acquire(ctx, 0)
	if err != nil {
		return err
	}
	defer func() {
		if err := pool.Release(c); err != nil {
			log.Printf("[executor] release %s: %v", pool.Host(), err)
		}
	}()
	return fn(c)
}

func (m *Manager) timeout(t time.Duration) time.Duration {
	if t <= 0 {
		return m.opts.CommandTimeout
	}
	return t
}

// ExecuteOne runs command on the host described by d. A zero timeout uses the
// manager's command timeout. A non-zero exit code is returned as a result, not
// an error.
func (m *Manager) ExecuteOne(ctx context.Context, d sshpool.HostDescriptor, command string, timeout time.Duration) (*sshpool.ExecutionResult, error) {
	start := time.Now()
	var res *sshpool.ExecutionResult
	err := m.withConn(ctx, d, func(c *sshpool.Conn) error {
		var err error
		res, err = c.Run(ctx, command, m.timeout(timeout))
		return err
	})
	m.observe(d, err, time.Since(start))
	if err != nil {
		return nil, err
	}
	return res, nil
}

// Exec is ExecuteOne with the manager's default command timeout.
func (m *Manager) Exec(ctx context.Context, d sshpool.HostDescriptor, command string) (*sshpool.ExecutionResult, error) {
	return m.ExecuteOne(ctx, d, command, 0)
}

// ExecuteBatch runs commands one after another on a single borrowed
// connection. It stops at the first command that fails to run (a non-zero exit
// does not stop it) and returns the results gathered so far with the error.
func (m *Manager) ExecuteBatch(ctx context.Context, d sshpool.HostDescriptor, commands []string, timeout time.Duration) ([]*sshpool.ExecutionResult, error) {
	results := make([]*sshpool.ExecutionResult, 0, len(commands))
	err := m.withConn(ctx, d, func(c *sshpool.Conn) error {
		for i, cmd := range commands {
			res, err := c.Run(ctx, cmd, m.timeout(timeout))
			if err != nil {
				return fmt.Errorf("batch command %d: %w", i, err)
			}
			results = append(results, res)
		}
		return nil
	})
	return results, err
}

// TestResult reports a connectivity check.
type TestResult struct {
	Host               string        `json:"host"`
	OK                 bool          `json:"ok"`
	Output             string        `json:"output"`
	Latency            time.Duration `json:"latency_ns"`
	HostKeyFingerprint string        `json:"host_key_fingerprint,omitempty"`
}

// Test borrows a connection to d and runs a trivial command on it. The
// returned error is the connection or command failure, if any.
func (m *Manager) Test(ctx context.Context, d sshpool.HostDescriptor) (*TestResult, error) {
	start := time.Now()
	tr := &TestResult{Host: hostID(d)}
	err := m.withConn(ctx, d, func(c *sshpool.Conn) error {
		tr.HostKeyFingerprint = c.HostKeyFingerprint()
		res, err := c.Run(ctx, testCommand, m.timeout(0))
		if err != nil {
			return err
		}
		tr.Output = res.Stdout
		if res.ExitCode != 0 {
			return fmt.Errorf("test command on %s exited %d: %s", tr.Host, res.ExitCode, res.Stderr)
		}
		return nil
	})
	tr.Latency = time.Since(start)
	tr.OK = err == nil
	if err != nil {
		log.Printf("[executor] connection test for %s failed: %v", tr.Host, err)
	}
	return tr, err
}

// Stats returns per-host pool statistics.
func (m *Manager) Stats() map[string]sshpool.PoolStats {
	return m.registry.Snapshot()
}

// Events returns the recent pool events for one host.
func (m *Manager) Events(host string) []sshpool.PoolEvent {
	return m.registry.Events(host)
}

// AllEvents returns recent pool events for every host.
func (m *Manager) AllEvents() map[string][]sshpool.PoolEvent {
	return m.registry.AllEvents()
}

// OnEvent subscribes l to pool events from every host.
func (m *Manager) OnEvent(l sshpool.EventListener) {
	m.registry.OnEvent(l)
}

// ReapIdle closes connections idle longer than maxIdle.
func (m *Manager) ReapIdle(maxIdle time.Duration) int {
	n := m.registry.ReapIdle(maxIdle)
	if n > 0 {
		log.Printf("[executor] reaped %d idle connection(s)", n)
	}
	return n
}

// CloseAll closes every pool. The manager cannot be used afterwards.
func (m *Manager) CloseAll() error {
	return m.registry.CloseAll()
}

func (m *Manager) observe(d sshpool.HostDescriptor, err error, elapsed time.Duration) {
	if err != nil {
		log.Printf("[executor] %s: %v", logutil.SanitizeForLog(hostID(d)), err)
	}
	if m.opts.Observer != nil {
		m.opts.Observer.ObserveExec(hostID(d), sshpool.Kind(err), elapsed)
	}
}

// hostID renders the identity a descriptor maps to after defaults.
func hostID(d sshpool.HostDescriptor) string {
	return d.WithDefaults().Key().String()
}

package executor

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/gluk-w/fleetexec/internal/logutil"
	"github.com/gluk-w/fleetexec/internal/sshpool"
)

// HostResult is one host's slot in a multi-host call: exactly one of Result
// and Err is set.
type HostResult struct {
	RunID  string                   `json:"run_id"`
	Host   string                   `json:"host"`
	Result *sshpool.ExecutionResult `json:"result,omitempty"`
	Err    error                    `json:"-"`
}

// OK reports whether the command ran (whatever its exit code).
func (r HostResult) OK() bool { return r.Err == nil }

// Kind classifies the slot's error, "" when the command ran.
func (r HostResult) Kind() string { return sshpool.Kind(r.Err) }

// ExecuteMany runs command on every host concurrently, at most the configured
// number of workers at a time, and returns one entry per distinct host
// identity. Descriptors sharing an identity run once. A zero perHostTimeout
// uses the manager's command timeout.
func (m *Manager) ExecuteMany(ctx context.Context, command string, hosts []sshpool.HostDescriptor, perHostTimeout time.Duration) map[string]HostResult {
	return m.ExecuteManyStream(ctx, command, hosts, perHostTimeout, nil)
}

// ExecMulti is ExecuteMany with the manager's default command timeout.
func (m *Manager) ExecMulti(ctx context.Context, command string, hosts []sshpool.HostDescriptor) map[string]HostResult {
	return m.ExecuteMany(ctx, command, hosts, 0)
}

// ExecuteManyStream is ExecuteMany that also hands each HostResult to onResult
// as soon as that host finishes. onResult calls are serialized.
func (m *Manager) ExecuteManyStream(ctx context.Context, command string, hosts []sshpool.HostDescriptor, perHostTimeout time.Duration, onResult func(HostResult)) map[string]HostResult {
	runID := uuid.NewString()
	start := time.Now()

	unique := make([]sshpool.HostDescriptor, 0, len(hosts))
	seen := make(map[string]bool, len(hosts))
	for _, d := range hosts {
		id := hostID(d)
		if seen[id] {
			continue
		}
		seen[id] = true
		unique = append(unique, d)
	}

	results := make(map[string]HostResult, len(unique))
	if len(unique) == 0 {
		return results
	}

	var mu sync.Mutex
	record := func(hr HostResult) {
		mu.Lock()
		defer mu.Unlock()
		results[hr.Host] = hr
		if onResult != nil {
			onResult(hr)
		}
	}

	workers := min(len(unique), m.opts.Workers)
	log.Printf("[executor] run %s: %q on %d host(s), %d worker(s)",
		runID, logutil.Truncate(command), len(unique), workers)

	var g errgroup.Group
	g.SetLimit(workers)
	for _, d := range unique {
		g.Go(func() error {
			hr := HostResult{RunID: runID, Host: hostID(d)}
			if err := ctx.Err(); err != nil {
				hr.Err = fmt.Errorf("run on %s: %w", hr.Host, err)
			} else {
				hr.Result, hr.Err = m.runUnit(ctx, d, command, perHostTimeout)
			}
			record(hr)
			return nil
		})
	}
	g.Wait()

	failed := 0
	for _, hr := range results {
		if hr.Err != nil {
			failed++
		}
	}
	log.Printf("[executor] run %s finished in %s: %d ok, %d failed",
		runID, time.Since(start).Round(time.Millisecond), len(results)-failed, failed)
	return results
}

// runUnit is one host's cycle. A panic is converted into that host's error so
// it cannot take down the other workers.
func (m *Manager) runUnit(ctx context.Context, d sshpool.HostDescriptor, command string, timeout time.Duration) (res *sshpool.ExecutionResult, err error) {
	defer func() {
		if p := recover(); p != nil {
			res, err = nil, fmt.Errorf("run on %s: panic: %v", hostID(d), p)
		}
	}()
	return m.ExecuteOne(ctx, d, command, timeout)
}

package sshpool

import (
	"fmt"
	"log"
	"sync"
	"time"
)

// Registry maps host identities to their pools. Pools are created on first
// use, at most once per identity, and share no state with each other.
type Registry struct {
	opts   Options
	events *eventLog

	mu     sync.RWMutex
	pools  map[HostKey]*Pool
	closed bool
}

// NewRegistry creates a registry whose pools are built with opts.
func NewRegistry(opts Options) *Registry {
	return &Registry{
		opts:   opts.withDefaults(),
		events: newEventLog(),
		pools:  make(map[HostKey]*Pool),
	}
}

// PoolFor returns the pool for the descriptor's identity, creating it if
// needed. A pool keeps the descriptor of the call that created it; later
// descriptors with the same identity but different credentials reuse it.
func (r *Registry) PoolFor(d HostDescriptor) (*Pool, error) {
	d = d.WithDefaults()
	key := d.Key()

	r.mu.RLock()
	p, ok := r.pools[key]
	closed := r.closed
	r.mu.RUnlock()
	if ok {
		return p, nil
	}
	if closed {
		return nil, fmt.Errorf("pool for %s: %w", key, ErrPoolClosed)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, fmt.Errorf("pool for %s: %w", key, ErrPoolClosed)
	}
	if p, ok := r.pools[key]; ok {
		return p, nil
	}
	p = newPool(d, r.opts, r.events)
	r.pools[key] = p
	log.Printf("[sshpool] created pool for %s (max %d)", key, r.opts.MaxSize)
	return p, nil
}

// Snapshot returns per-host pool statistics keyed by host identity.
func (r *Registry) Snapshot() map[string]PoolStats {
	r.mu.RLock()
	pools := make([]*Pool, 0, len(r.pools))
	for _, p := range r.pools {
		pools = append(pools, p)
	}
	r.mu.RUnlock()

	stats := make(map[string]PoolStats, len(pools))
	for _, p := range pools {
		stats[p.Host()] = p.Stats()
	}
	return stats
}

// ReapIdle closes idle connections older than maxIdle across all pools.
func (r *Registry) ReapIdle(maxIdle time.Duration) int {
	r.mu.RLock()
	pools := make([]*Pool, 0, len(r.pools))
	for _, p := range r.pools {
		pools = append(pools, p)
	}
	r.mu.RUnlock()

	total := 0
	for _, p := range pools {
		total += p.ReapIdle(maxIdle)
	}
	return total
}

// CloseAll closes every pool. Subsequent PoolFor calls fail with ErrPoolClosed.
func (r *Registry) CloseAll() error {
	r.mu.Lock()
	r.closed = true
	pools := make([]*Pool, 0, len(r.pools))
	for _, p := range r.pools {
		pools = append(pools, p)
	}
	r.mu.Unlock()

	var firstErr error
	for _, p := range pools {
		if err := p.CloseAll(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	log.Printf("[sshpool] all pools closed (%d total)", len(pools))
	return firstErr
}

// OnEvent registers a listener for pool events from every pool.
func (r *Registry) OnEvent(l EventListener) {
	r.events.onEvent(l)
}

// Events returns the recent event history for one host, oldest first.
func (r *Registry) Events(host string) []PoolEvent {
	return r.events.events(host)
}

// AllEvents returns the recent event history for every host.
func (r *Registry) AllEvents() map[string][]PoolEvent {
	return r.events.allEvents()
}

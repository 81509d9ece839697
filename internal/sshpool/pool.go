// pool.go implements the per-host bounded connection pool.
//
// Liveness is checked on acquire rather than by a background timer: every idle
// connection is probed right before it is handed out, and dead ones are closed
// and replaced. Failures between the probe and the command surface as command
// errors and are not retried here.
//
// Waiters block on a per-waiter channel queued in FIFO order. Release wakes
// exactly one waiter; a waiter that times out after being woken passes the
// wakeup on so capacity is never lost.

package sshpool

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"time"
)

const (
	// DefaultMaxSize is the default maximum number of connections per host.
	DefaultMaxSize = 5

	// DefaultAcquireTimeout bounds how long Acquire waits for capacity.
	DefaultAcquireTimeout = 30 * time.Second
)

// Options configures a Pool.
type Options struct {
	MaxSize        int
	AcquireTimeout time.Duration
	ProbeTimeout   time.Duration
}

func (o Options) withDefaults() Options {
	if o.MaxSize <= 0 {
		o.MaxSize = DefaultMaxSize
	}
	if o.AcquireTimeout <= 0 {
		o.AcquireTimeout = DefaultAcquireTimeout
	}
	if o.ProbeTimeout <= 0 {
		o.ProbeTimeout = DefaultProbeTimeout
	}
	return o
}

// PoolStats is a point-in-time view of one pool.
type PoolStats struct {
	Host      string    `json:"host"`
	Idle      int       `json:"idle"`
	OnLoan    int       `json:"on_loan"`
	Max       int       `json:"max"`
	Waiting   int       `json:"waiting"`
	Opened    int64     `json:"opened"`
	Reused    int64     `json:"reused"`
	Discarded int64     `json:"discarded"`
	Exhausted int64     `json:"exhausted"`
	Oldest    time.Time `json:"oldest,omitempty"`
	Closed    bool      `json:"closed"`
}

// Pool bounds and reuses connections to one host. At most MaxSize connections
// are open at once (idle plus on loan), and a connection is lent to at most one
// caller at a time.
type Pool struct {
	desc   HostDescriptor
	host   string
	opts   Options
	events *eventLog
	open   func(ctx context.Context, d HostDescriptor) (*Conn, error)

	mu      sync.Mutex
	idle    []*Conn
	loaned  map[*Conn]struct{}
	onLoan  int // lent connections plus slots reserved while opening or probing
	waiters []chan struct{}
	closed  bool

	opened    int64
	reused    int64
	discarded int64
	exhausted int64
}

// NewPool creates an empty pool for the host described by d.
func NewPool(d HostDescriptor, opts Options) *Pool {
	return newPool(d, opts, nil)
}

func newPool(d HostDescriptor, opts Options, events *eventLog) *Pool {
	d = d.WithDefaults()
	return &Pool{
		desc:   d,
		host:   d.Key().String(),
		opts:   opts.withDefaults(),
		events: events,
		open:   Open,
		loaned: make(map[*Conn]struct{}),
	}
}

// Host returns the pool's host identity string.
func (p *Pool) Host() string { return p.host }

// Descriptor returns the descriptor the pool opens connections with.
func (p *Pool) Descriptor() HostDescriptor { return p.desc }

// Acquire lends a live connection. Idle connections are probed first and
// discarded if dead; with none idle and spare capacity a new connection is
// opened; otherwise Acquire waits up to timeout (the pool default when
// timeout <= 0) for a release and then fails with ErrPoolExhausted.
func (p *Pool) Acquire(ctx context.Context, timeout time.Duration) (*Conn, error) {
	if timeout <= 0 {
		timeout = p.opts.AcquireTimeout
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	p.mu.Lock()
	for {
		if p.closed {
			p.mu.Unlock()
			return nil, fmt.Errorf("acquire %s: %w", p.host, ErrPoolClosed)
		}

		if n := len(p.idle); n > 0 {
			c := p.idle[n-1]
			p.idle = p.idle[:n-1]
			p.onLoan++
			p.mu.Unlock()

			if c.probe(p.opts.ProbeTimeout) {
				return p.lend(c, EventReused, "")
			}

			c.Close()
			p.emit(EventDiscarded, "idle connection failed liveness probe")
			p.mu.Lock()
			p.onLoan--
			p.discarded++
			continue
		}

		if p.onLoan < p.opts.MaxSize {
			p.onLoan++
			p.mu.Unlock()

			c, err := p.open(ctx, p.desc)
			if err != nil {
				p.mu.Lock()
				p.onLoan--
				p.signalLocked()
				p.mu.Unlock()
				p.emitOpenFailure(err)
				return nil, err
			}
			return p.lend(c, EventOpened, "host key "+c.HostKeyFingerprint())
		}

		w := make(chan struct{})
		p.waiters = append(p.waiters, w)
		p.mu.Unlock()

		select {
		case <-w:
			p.mu.Lock()
			continue
		case <-deadline.C:
			p.abandonWait(w, true)
			p.emit(EventExhausted, fmt.Sprintf("no capacity within %s", timeout))
			return nil, fmt.Errorf("acquire %s after %s (max %d): %w", p.host, timeout, p.opts.MaxSize, ErrPoolExhausted)
		case <-ctx.Done():
			p.abandonWait(w, false)
			return nil, fmt.Errorf("acquire %s: %w", p.host, ctx.Err())
		}
	}
}

// lend records c as on loan. The caller must already hold a reserved slot.
func (p *Pool) lend(c *Conn, typ EventType, details string) (*Conn, error) {
	p.mu.Lock()
	if p.closed {
		p.onLoan--
		p.mu.Unlock()
		c.Close()
		return nil, fmt.Errorf("acquire %s: %w", p.host, ErrPoolClosed)
	}
	p.loaned[c] = struct{}{}
	if typ == EventOpened {
		p.opened++
	} else {
		p.reused++
	}
	p.mu.Unlock()

	p.emit(typ, details)
	return c, nil
}

// abandonWait removes a timed-out waiter. If the waiter was signalled at the
// same moment, the wakeup is handed to the next waiter instead of being lost.
func (p *Pool) abandonWait(w chan struct{}, exhausted bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.removeWaiterLocked(w) {
		p.signalLocked()
	}
	if exhausted {
		p.exhausted++
	}
}

func (p *Pool) removeWaiterLocked(w chan struct{}) bool {
	for i, x := range p.waiters {
		if x == w {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			return true
		}
	}
	return false
}

// signalLocked wakes the longest-waiting acquirer, if any.
func (p *Pool) signalLocked() {
	if len(p.waiters) == 0 {
		return
	}
	w := p.waiters[0]
	p.waiters = p.waiters[1:]
	close(w)
}

// Release returns a borrowed connection. Live connections go back to the idle
// set; connections already known dead are closed. Either way one waiter is
// woken. Releasing a connection that is not on loan from this pool (a second
// release, or a connection from elsewhere) returns ErrNotBorrowed and changes
// nothing.
func (p *Pool) Release(c *Conn) error {
	if c == nil {
		return fmt.Errorf("release %s: %w", p.host, ErrNotBorrowed)
	}

	p.mu.Lock()
	if _, ok := p.loaned[c]; !ok {
		p.mu.Unlock()
		return fmt.Errorf("release %s: %w", p.host, ErrNotBorrowed)
	}
	delete(p.loaned, c)
	p.onLoan--

	var reason string
	switch {
	case p.closed:
		reason = "pool closed"
	case !c.Alive():
		reason = "connection marked dead"
		p.discarded++
	default:
		c.touch()
		p.idle = append(p.idle, c)
	}
	p.signalLocked()
	p.mu.Unlock()

	if reason != "" {
		c.Close()
		if reason != "pool closed" {
			p.emit(EventDiscarded, reason)
		}
	}
	return nil
}

// ReapIdle closes idle connections unused for longer than maxIdle and returns
// how many were closed.
func (p *Pool) ReapIdle(maxIdle time.Duration) int {
	now := time.Now()

	p.mu.Lock()
	var reaped []*Conn
	kept := p.idle[:0]
	for _, c := range p.idle {
		if now.Sub(c.LastUsed()) > maxIdle {
			reaped = append(reaped, c)
		} else {
			kept = append(kept, c)
		}
	}
	for i := len(kept); i < len(p.idle); i++ {
		p.idle[i] = nil
	}
	p.idle = kept
	p.mu.Unlock()

	for _, c := range reaped {
		c.Close()
	}
	if len(reaped) > 0 {
		p.emit(EventReaped, fmt.Sprintf("closed %d connection(s) idle longer than %s", len(reaped), maxIdle))
	}
	return len(reaped)
}

// CloseAll closes every idle and on-loan connection and wakes all waiters.
// Later Acquire calls fail with ErrPoolClosed. It is safe to call repeatedly.
func (p *Pool) CloseAll() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	conns := append([]*Conn(nil), p.idle...)
	p.idle = nil
	lent := 0
	for c := range p.loaned {
		conns = append(conns, c)
		lent++
	}
	waiters := p.waiters
	p.waiters = nil
	p.mu.Unlock()

	for _, w := range waiters {
		close(w)
	}

	var firstErr error
	for _, c := range conns {
		if err := c.Close(); err != nil && !errors.Is(err, net.ErrClosed) && firstErr == nil {
			firstErr = fmt.Errorf("close connection to %s: %w", p.host, err)
		}
	}
	p.emit(EventClosed, fmt.Sprintf("closed %d idle and %d on-loan connection(s)", len(conns)-lent, lent))
	log.Printf("[sshpool] pool for %s closed (%d connections)", p.host, len(conns))
	return firstErr
}

// Stats returns a snapshot of the pool's counters.
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := PoolStats{
		Host:      p.host,
		Idle:      len(p.idle),
		OnLoan:    p.onLoan,
		Max:       p.opts.MaxSize,
		Waiting:   len(p.waiters),
		Opened:    p.opened,
		Reused:    p.reused,
		Discarded: p.discarded,
		Exhausted: p.exhausted,
		Closed:    p.closed,
	}
	for _, c := range p.idle {
		if s.Oldest.IsZero() || c.CreatedAt().Before(s.Oldest) {
			s.Oldest = c.CreatedAt()
		}
	}
	for c := range p.loaned {
		if s.Oldest.IsZero() || c.CreatedAt().Before(s.Oldest) {
			s.Oldest = c.CreatedAt()
		}
	}
	return s
}

func (p *Pool) emit(typ EventType, details string) {
	if p.events != nil {
		p.events.emit(p.host, typ, details)
	}
}

func (p *Pool) emitOpenFailure(err error) {
	var authErr *AuthError
	if errors.As(err, &authErr) {
		p.emit(EventAuthFailed, err.Error())
		return
	}
	p.emit(EventConnectFailed, err.Error())
}

package sshpool

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestPoolReusesIdleConnection(t *testing.T) {
	d, srv := newTestHost(t)
	p := NewPool(d, Options{MaxSize: 2})
	defer p.CloseAll()

	c1, err := p.Acquire(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := p.Release(c1); err != nil {
		t.Fatalf("Release: %v", err)
	}
	c2, err := p.Acquire(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer p.Release(c2)

	if c1 != c2 {
		t.Error("expected the idle connection to be reused")
	}
	if n := srv.Accepted(); n != 1 {
		t.Errorf("server accepted %d connections, want 1", n)
	}
	s := p.Stats()
	if s.Opened != 1 || s.Reused != 1 || s.OnLoan != 1 || s.Idle != 0 {
		t.Errorf("stats = %+v", s)
	}
}

func TestPoolNeverExceedsMax(t *testing.T) {
	d, srv := newTestHost(t)
	const max = 3
	p := NewPool(d, Options{MaxSize: max})
	defer p.CloseAll()

	var wg sync.WaitGroup
	errs := make(chan error, 12)
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c, err := p.Acquire(context.Background(), 10*time.Second)
			if err != nil {
				errs <- err
				return
			}
			if s := p.Stats(); s.OnLoan+s.Idle > max {
				errs <- errors.New("pool exceeded its bound")
			}
			_, err = c.Run(context.Background(), "sleep 0.05", 5*time.Second)
			p.Release(c)
			if err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}

	if got := srv.MaxActive(); got > max {
		t.Errorf("server saw %d simultaneous connections, max is %d", got, max)
	}
	if s := p.Stats(); s.Opened > max || s.OnLoan != 0 {
		t.Errorf("stats = %+v", s)
	}
}

func TestAcquireBlocksUntilRelease(t *testing.T) {
	d, _ := newTestHost(t)
	p := NewPool(d, Options{MaxSize: 1})
	defer p.CloseAll()

	held, err := p.Acquire(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	got := make(chan *Conn, 1)
	go func() {
		c, err := p.Acquire(context.Background(), 5*time.Second)
		if err != nil {
			t.Errorf("blocked Acquire: %v", err)
		}
		got <- c
	}()

	waitFor(t, 2*time.Second, "acquirer to queue", func() bool { return p.Stats().Waiting == 1 })
	select {
	case <-got:
		t.Fatal("Acquire returned while the only connection was on loan")
	case <-time.After(50 * time.Millisecond):
	}

	released := time.Now()
	if err := p.Release(held); err != nil {
		t.Fatalf("Release: %v", err)
	}
	select {
	case c := <-got:
		if wait := time.Since(released); wait > time.Second {
			t.Errorf("waiter took %s to wake", wait)
		}
		if c != held {
			t.Error("waiter should receive the released connection")
		}
		p.Release(c)
	case <-time.After(3 * time.Second):
		t.Fatal("waiter was not woken by Release")
	}
}

func TestAcquireTimesOutWhenExhausted(t *testing.T) {
	d, _ := newTestHost(t)
	p := NewPool(d, Options{MaxSize: 1})
	defer p.CloseAll()

	held, err := p.Acquire(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer p.Release(held)

	start := time.Now()
	_, err = p.Acquire(context.Background(), 100*time.Millisecond)
	elapsed := time.Since(start)
	if !errors.Is(err, ErrPoolExhausted) {
		t.Fatalf("expected ErrPoolExhausted, got %v", err)
	}
	if Kind(err) != KindPoolExhausted {
		t.Errorf("Kind = %q", Kind(err))
	}
	if elapsed < 100*time.Millisecond || elapsed > 2*time.Second {
		t.Errorf("Acquire gave up after %s, want about 100ms", elapsed)
	}
	s := p.Stats()
	if s.Exhausted != 1 || s.Waiting != 0 || s.OnLoan != 1 {
		t.Errorf("stats = %+v", s)
	}
}

func TestAcquireContextCanceled(t *testing.T) {
	d, _ := newTestHost(t)
	p := NewPool(d, Options{MaxSize: 1})
	defer p.CloseAll()

	held, err := p.Acquire(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer p.Release(held)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	_, err = p.Acquire(ctx, 5*time.Second)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if s := p.Stats(); s.Waiting != 0 {
		t.Errorf("canceled waiter still queued: %+v", s)
	}
}

// With max 2, releasing one of two held connections wakes exactly one of
// two waiters; releasing the second wakes the other.
func TestReleaseWakesExactlyOneWaiter(t *testing.T) {
	d, _ := newTestHost(t)
	p := NewPool(d, Options{MaxSize: 2})
	defer p.CloseAll()

	a, err := p.Acquire(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("Acquire A: %v", err)
	}
	b, err := p.Acquire(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("Acquire B: %v", err)
	}

	woken := make(chan *Conn, 2)
	for i := 0; i < 2; i++ {
		go func() {
			c, err := p.Acquire(context.Background(), 10*time.Second)
			if err != nil {
				t.Errorf("waiter: %v", err)
				return
			}
			woken <- c
		}()
	}
	waitFor(t, 2*time.Second, "two waiters", func() bool { return p.Stats().Waiting == 2 })

	if err := p.Release(a); err != nil {
		t.Fatalf("Release A: %v", err)
	}
	var first *Conn
	select {
	case first = <-woken:
	case <-time.After(3 * time.Second):
		t.Fatal("no waiter woke after releasing A")
	}
	select {
	case <-woken:
		t.Fatal("a second waiter woke with only one connection released")
	case <-time.After(100 * time.Millisecond):
	}

	if err := p.Release(b); err != nil {
		t.Fatalf("Release B: %v", err)
	}
	var second *Conn
	select {
	case second = <-woken:
	case <-time.After(3 * time.Second):
		t.Fatal("second waiter did not wake after releasing B")
	}

	if first == second {
		t.Error("both waiters received the same connection")
	}
	p.Release(first)
	p.Release(second)
	if s := p.Stats(); s.OnLoan != 0 || s.Idle != 2 || s.Opened != 2 {
		t.Errorf("stats = %+v", s)
	}
}

func TestReleaseRejectsDoubleAndForeignRelease(t *testing.T) {
	d, _ := newTestHost(t)
	p := NewPool(d, Options{MaxSize: 2})
	defer p.CloseAll()
	other := NewPool(d, Options{MaxSize: 1})
	defer other.CloseAll()

	c, err := p.Acquire(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := p.Release(c); err != nil {
		t.Fatalf("first Release: %v", err)
	}
	if err := p.Release(c); !errors.Is(err, ErrNotBorrowed) {
		t.Errorf("second Release = %v, want ErrNotBorrowed", err)
	}
	if s := p.Stats(); s.OnLoan != 0 || s.Idle != 1 {
		t.Errorf("double release changed counters: %+v", s)
	}

	foreign, err := other.Acquire(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("Acquire from other pool: %v", err)
	}
	defer other.Release(foreign)
	if err := p.Release(foreign); !errors.Is(err, ErrNotBorrowed) {
		t.Errorf("foreign Release = %v, want ErrNotBorrowed", err)
	}
	if err := p.Release(nil); !errors.Is(err, ErrNotBorrowed) {
		t.Errorf("nil Release = %v, want ErrNotBorrowed", err)
	}
}

func TestDeadIdleConnectionIsReplaced(t *testing.T) {
	d, srv := newTestHost(t)
	p := NewPool(d, Options{MaxSize: 1, ProbeTimeout: time.Second})
	defer p.CloseAll()

	c1, err := p.Acquire(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	p.Release(c1)

	srv.DropConnections()

	c2, err := p.Acquire(context.Background(), 5*time.Second)
	if err != nil {
		t.Fatalf("Acquire after drop: %v", err)
	}
	defer p.Release(c2)
	if c2 == c1 {
		t.Fatal("dead idle connection was handed out")
	}
	res, err := c2.Run(context.Background(), "echo again", 5*time.Second)
	if err != nil || res.Stdout != "again\n" {
		t.Fatalf("Run on replacement = %+v, %v", res, err)
	}
	if s := p.Stats(); s.Discarded != 1 || s.Opened != 2 {
		t.Errorf("stats = %+v", s)
	}
}

func TestTimedOutConnectionIsNotReused(t *testing.T) {
	d, _ := newTestHost(t)
	p := NewPool(d, Options{MaxSize: 1})
	defer p.CloseAll()

	c1, err := p.Acquire(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if _, err := c1.Run(context.Background(), "sleep 10", 100*time.Millisecond); err == nil {
		t.Fatal("expected timeout")
	}
	if err := p.Release(c1); err != nil {
		t.Fatalf("Release: %v", err)
	}

	c2, err := p.Acquire(context.Background(), 2*time.Second)
	if err != nil {
		t.Fatalf("Acquire after timeout: %v", err)
	}
	defer p.Release(c2)
	if c2 == c1 {
		t.Fatal("connection that timed out was reused")
	}
	if s := p.Stats(); s.Discarded != 1 {
		t.Errorf("stats = %+v", s)
	}
}

func TestOpenFailureFreesSlot(t *testing.T) {
	d, _ := newTestHost(t)
	d.KeyData = nil
	d.Password = "wrong"
	p := NewPool(d, Options{MaxSize: 1})
	defer p.CloseAll()

	for i := 0; i < 2; i++ {
		_, err := p.Acquire(context.Background(), 200*time.Millisecond)
		var authErr *AuthError
		if !errors.As(err, &authErr) {
			t.Fatalf("attempt %d: expected *AuthError, got %v", i, err)
		}
	}
	if s := p.Stats(); s.OnLoan != 0 || s.Idle != 0 || s.Opened != 0 {
		t.Errorf("stats = %+v", s)
	}
}

func TestCloseAllFailsPendingAndFutureAcquires(t *testing.T) {
	d, _ := newTestHost(t)
	p := NewPool(d, Options{MaxSize: 1})

	held, err := p.Acquire(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	waitErr := make(chan error, 1)
	go func() {
		_, err := p.Acquire(context.Background(), 10*time.Second)
		waitErr <- err
	}()
	waitFor(t, 2*time.Second, "waiter", func() bool { return p.Stats().Waiting == 1 })

	if err := p.CloseAll(); err != nil {
		t.Fatalf("CloseAll: %v", err)
	}
	select {
	case err := <-waitErr:
		if !errors.Is(err, ErrPoolClosed) {
			t.Errorf("waiter error = %v, want ErrPoolClosed", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("CloseAll did not wake the waiter")
	}

	if held.Alive() {
		t.Error("on-loan connection should be closed by CloseAll")
	}
	if err := p.Release(held); err != nil {
		t.Errorf("Release after CloseAll: %v", err)
	}
	if _, err := p.Acquire(context.Background(), time.Second); !errors.Is(err, ErrPoolClosed) {
		t.Errorf("Acquire after CloseAll = %v, want ErrPoolClosed", err)
	}
	if err := p.CloseAll(); err != nil {
		t.Errorf("second CloseAll: %v", err)
	}
	if s := p.Stats(); !s.Closed || s.Idle != 0 || s.OnLoan != 0 {
		t.Errorf("stats = %+v", s)
	}
}

func TestReapIdle(t *testing.T) {
	d, _ := newTestHost(t)
	p := NewPool(d, Options{MaxSize: 2})
	defer p.CloseAll()

	c, err := p.Acquire(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	p.Release(c)

	if n := p.ReapIdle(time.Hour); n != 0 {
		t.Errorf("reaped %d fresh connections", n)
	}
	time.Sleep(30 * time.Millisecond)
	if n := p.ReapIdle(10 * time.Millisecond); n != 1 {
		t.Errorf("reaped %d, want 1", n)
	}
	if c.Alive() {
		t.Error("reaped connection should be closed")
	}
	if s := p.Stats(); s.Idle != 0 {
		t.Errorf("stats = %+v", s)
	}
}

func TestPoolStatsOldest(t *testing.T) {
	d, _ := newTestHost(t)
	p := NewPool(d, Options{MaxSize: 2})
	defer p.CloseAll()

	if s := p.Stats(); !s.Oldest.IsZero() || s.Max != 2 || s.Host != d.WithDefaults().Key().String() {
		t.Errorf("empty stats = %+v", s)
	}
	c, err := p.Acquire(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer p.Release(c)
	if s := p.Stats(); !s.Oldest.Equal(c.CreatedAt()) {
		t.Errorf("Oldest = %s, want %s", s.Oldest, c.CreatedAt())
	}
}

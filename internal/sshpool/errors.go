package sshpool

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrPoolExhausted is returned when Acquire times out waiting for capacity.
	ErrPoolExhausted = errors.New("connection pool exhausted")

	// ErrPoolClosed is returned for any pool operation after CloseAll.
	ErrPoolClosed = errors.New("connection pool closed")

	// ErrNotBorrowed is returned by Release for a connection that is not
	// currently on loan from that pool (double release, or a foreign
	// connection). The loan counter is left untouched.
	ErrNotBorrowed = errors.New("connection not on loan from this pool")
)

// AuthError is returned when the host rejects the configured credentials, or
// when the key material itself cannot be loaded. It is not retried.
type AuthError struct {
	Host string
	Err  error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("ssh auth failed for %s: %v", e.Host, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// ConnectError is returned for network, handshake and session-open failures.
// The attempted connection has already been discarded; callers may retry.
type ConnectError struct {
	Host string
	Op   string
	Err  error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("ssh %s %s: %v", e.Op, e.Host, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// ExecTimeoutError is returned when a command outlives its timeout. The
// command's channel has been torn down and the connection marked dead.
type ExecTimeoutError struct {
	Host    string
	Command string
	Timeout time.Duration
}

func (e *ExecTimeoutError) Error() string {
	return fmt.Sprintf("command on %s timed out after %s", e.Host, e.Timeout)
}

// Error kinds reported by Kind.
const (
	KindAuth          = "auth"
	KindConnect       = "connect"
	KindPoolExhausted = "pool_exhausted"
	KindPoolClosed    = "pool_closed"
	KindExecTimeout   = "exec_timeout"
	KindCanceled      = "canceled"
	KindError         = "error"
)

// Kind classifies err into one of the Kind* strings for API and CLI output.
// It returns "" for a nil error.
func Kind(err error) string {
	var (
		authErr    *AuthError
		connectErr *ConnectError
		timeoutErr *ExecTimeoutError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &authErr):
		return KindAuth
	case errors.As(err, &connectErr):
		return KindConnect
	case errors.As(err, &timeoutErr):
		return KindExecTimeout
	case errors.Is(err, ErrPoolExhausted):
		return KindPoolExhausted
	case errors.Is(err, ErrPoolClosed):
		return KindPoolClosed
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindCanceled
	default:
		return KindError
	}
}

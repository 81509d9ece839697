package sshpool

import (
	"context"
	"testing"
	"time"

	"github.com/gluk-w/fleetexec/internal/sshtest"
	"golang.org/x/crypto/ssh"
)

const testPassword = "s3cret"

// newTestHost starts an in-process SSH server that accepts a freshly generated
// ed25519 key and testPassword, and returns a key-based descriptor for it.
func newTestHost(t *testing.T) (HostDescriptor, *sshtest.Server) {
	t.Helper()

	pub, priv, err := GenerateKeyPair("")
	if err != nil {
		t.Fatalf("generate key pair: %v", err)
	}
	authorized := parseAuthorizedKey(t, pub)

	srv := sshtest.NewServer(t, sshtest.Options{
		AuthorizedKeys: []ssh.PublicKey{authorized},
		Password:       testPassword,
	})
	return HostDescriptor{
		Address:           srv.Host,
		Port:              srv.Port,
		Username:          "tester",
		KeyData:           priv,
		ConnectTimeout:    5 * time.Second,
		KeepaliveInterval: -1,
	}, srv
}

func parseAuthorizedKey(t *testing.T, pub []byte) ssh.PublicKey {
	t.Helper()
	key, _, _, _, err := ssh.ParseAuthorizedKey(pub)
	if err != nil {
		t.Fatalf("parse authorized key: %v", err)
	}
	return key
}

func openTestConn(t *testing.T, d HostDescriptor) *Conn {
	t.Helper()
	c, err := Open(context.Background(), d)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

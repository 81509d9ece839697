package sshpool

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/gluk-w/fleetexec/internal/sshtest"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

func TestOpenKeyTypes(t *testing.T) {
	rsaKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate rsa key: %v", err)
	}
	rsaSigner, err := ssh.NewSignerFromKey(rsaKey)
	if err != nil {
		t.Fatalf("rsa signer: %v", err)
	}

	edPubEnc, edPrivEnc, err := GenerateKeyPair("hunter2")
	if err != nil {
		t.Fatalf("generate encrypted ed25519: %v", err)
	}

	rsaPlain, err := EncodePrivateKey(rsaKey, "")
	if err != nil {
		t.Fatalf("encode rsa: %v", err)
	}
	rsaEnc, err := EncodePrivateKey(rsaKey, "hunter2")
	if err != nil {
		t.Fatalf("encode encrypted rsa: %v", err)
	}
	edPlainPub, edPlain, err := GenerateKeyPair("")
	if err != nil {
		t.Fatalf("generate ed25519: %v", err)
	}

	srv := sshtest.NewServer(t, sshtest.Options{
		AuthorizedKeys: []ssh.PublicKey{
			rsaSigner.PublicKey(),
			parseAuthorizedKey(t, edPlainPub),
			parseAuthorizedKey(t, edPubEnc),
		},
	})

	tests := []struct {
		name       string
		key        []byte
		passphrase string
	}{
		{"rsa", rsaPlain, ""},
		{"rsa encrypted", rsaEnc, "hunter2"},
		{"ed25519", edPlain, ""},
		{"ed25519 encrypted", edPrivEnc, "hunter2"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := openTestConn(t, HostDescriptor{
				Address:           srv.Host,
				Port:              srv.Port,
				Username:          "tester",
				KeyData:           tt.key,
				Passphrase:        tt.passphrase,
				KeepaliveInterval: -1,
			})
			res, err := c.Run(context.Background(), "echo ok", 5*time.Second)
			if err != nil {
				t.Fatalf("Run: %v", err)
			}
			if res.Stdout != "ok\n" || res.ExitCode != 0 {
				t.Errorf("got %+v, want stdout %q exit 0", res, "ok\n")
			}
		})
	}
}

func TestOpenKeyFromPath(t *testing.T) {
	d, _ := newTestHost(t)
	path := filepath.Join(t.TempDir(), "id_ed25519")
	if err := os.WriteFile(path, d.KeyData, 0600); err != nil {
		t.Fatalf("write key: %v", err)
	}
	d.KeyData = nil
	d.KeyPath = path

	c := openTestConn(t, d)
	if !c.Alive() {
		t.Error("new connection should be alive")
	}
}

func TestOpenPasswordOnly(t *testing.T) {
	d, _ := newTestHost(t)
	d.KeyData = nil
	d.Password = testPassword

	c := openTestConn(t, d)
	res, err := c.Run(context.Background(), "echo pw", 5*time.Second)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Stdout != "pw\n" {
		t.Errorf("stdout = %q", res.Stdout)
	}
}

func TestOpenFallsBackToPasswordAfterKey(t *testing.T) {
	d, _ := newTestHost(t)
	_, unknownKey, err := GenerateKeyPair("")
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	d.KeyData = unknownKey
	d.Password = testPassword

	openTestConn(t, d)
}

func TestOpenAuthFailure(t *testing.T) {
	d, _ := newTestHost(t)
	d.KeyData = nil
	d.Password = "wrong"

	_, err := Open(context.Background(), d)
	var authErr *AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("expected *AuthError, got %T: %v", err, err)
	}
	if Kind(err) != KindAuth {
		t.Errorf("Kind = %q, want %q", Kind(err), KindAuth)
	}
}

// The AuthError/ConnectError split depends on the wording x/crypto uses when
// every auth method is exhausted.
func TestHandshakeAuthFailureWording(t *testing.T) {
	srv := sshtest.NewServer(t, sshtest.Options{Password: testPassword})
	_, err := ssh.Dial("tcp", srv.Addr, &ssh.ClientConfig{
		User:            "tester",
		Auth:            []ssh.AuthMethod{ssh.Password("wrong")},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         5 * time.Second,
	})
	if err == nil {
		t.Fatal("expected handshake error")
	}
	if !strings.Contains(err.Error(), "unable to authenticate") {
		t.Errorf("x/crypto auth failure text changed: %q", err)
	}
	if !isAuthFailure(err) {
		t.Errorf("isAuthFailure(%q) = false", err)
	}
	if isAuthFailure(errors.New("ssh: handshake failed: EOF")) {
		t.Error("EOF must not be an auth failure")
	}
}

func TestOpenEncryptedKeyWithoutPassphrase(t *testing.T) {
	d, _ := newTestHost(t)
	_, enc, err := GenerateKeyPair("hunter2")
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	d.KeyData = enc

	_, err = Open(context.Background(), d)
	var authErr *AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("expected *AuthError, got %T: %v", err, err)
	}
	if !strings.Contains(err.Error(), "passphrase") {
		t.Errorf("error should mention the passphrase: %v", err)
	}
}

func TestOpenNoCredentials(t *testing.T) {
	d, _ := newTestHost(t)
	d.KeyData = nil

	_, err := Open(context.Background(), d)
	var authErr *AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("expected *AuthError, got %T: %v", err, err)
	}
}

func TestOpenConnectRefused(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := l.Addr().(*net.TCPAddr)
	l.Close()

	_, err = Open(context.Background(), HostDescriptor{
		Address:        "127.0.0.1",
		Port:           addr.Port,
		Password:       "x",
		ConnectTimeout: 2 * time.Second,
	})
	var connErr *ConnectError
	if !errors.As(err, &connErr) {
		t.Fatalf("expected *ConnectError, got %T: %v", err, err)
	}
	if connErr.Op != "dial" {
		t.Errorf("Op = %q, want dial", connErr.Op)
	}
	if Kind(err) != KindConnect {
		t.Errorf("Kind = %q, want %q", Kind(err), KindConnect)
	}
}

func TestOpenHandshakeTimeout(t *testing.T) {
	// A listener that accepts but never speaks SSH.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer l.Close()
	go func() {
		var held []net.Conn
		for {
			c, err := l.Accept()
			if err != nil {
				for _, c := range held {
					c.Close()
				}
				return
			}
			held = append(held, c)
		}
	}()
	addr := l.Addr().(*net.TCPAddr)

	start := time.Now()
	_, err = Open(context.Background(), HostDescriptor{
		Address:        "127.0.0.1",
		Port:           addr.Port,
		Password:       "x",
		ConnectTimeout: 200 * time.Millisecond,
	})
	var connErr *ConnectError
	if !errors.As(err, &connErr) {
		t.Fatalf("expected *ConnectError, got %T: %v", err, err)
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("Open took %s, expected it to respect the connect timeout", elapsed)
	}
}

func TestOpenKnownHosts(t *testing.T) {
	d, srv := newTestHost(t)
	dir := t.TempDir()

	good := filepath.Join(dir, "known_hosts")
	line := knownhosts.Line([]string{knownhosts.Normalize(srv.Addr)}, srv.HostKey)
	if err := os.WriteFile(good, []byte(line+"\n"), 0600); err != nil {
		t.Fatalf("write known_hosts: %v", err)
	}
	cb, err := HostKeyCallback(good)
	if err != nil {
		t.Fatalf("HostKeyCallback: %v", err)
	}
	d.HostKeyCallback = cb
	c := openTestConn(t, d)
	if got, want := c.HostKeyFingerprint(), Fingerprint(srv.HostKey); got != want {
		t.Errorf("fingerprint = %q, want %q", got, want)
	}

	otherPub, _, err := GenerateKeyPair("")
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	bad := filepath.Join(dir, "known_hosts_bad")
	line = knownhosts.Line([]string{knownhosts.Normalize(srv.Addr)}, parseAuthorizedKey(t, otherPub))
	if err := os.WriteFile(bad, []byte(line+"\n"), 0600); err != nil {
		t.Fatalf("write known_hosts: %v", err)
	}
	cb, err = HostKeyCallback(bad)
	if err != nil {
		t.Fatalf("HostKeyCallback: %v", err)
	}
	d.HostKeyCallback = cb
	_, err = Open(context.Background(), d)
	var connErr *ConnectError
	if !errors.As(err, &connErr) {
		t.Fatalf("expected *ConnectError for mismatched host key, got %T: %v", err, err)
	}
}

func TestRunExitCodeAndStreams(t *testing.T) {
	d, _ := newTestHost(t)
	c := openTestConn(t, d)

	res, err := c.Run(context.Background(), "echo out; echo err >&2; exit 3", 5*time.Second)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.ExitCode != 3 {
		t.Errorf("ExitCode = %d, want 3", res.ExitCode)
	}
	if res.Stdout != "out\n" {
		t.Errorf("Stdout = %q", res.Stdout)
	}
	if res.Stderr != "err\n" {
		t.Errorf("Stderr = %q", res.Stderr)
	}
	if res.Duration <= 0 {
		t.Errorf("Duration = %s, want > 0", res.Duration)
	}
	if !c.Alive() {
		t.Error("non-zero exit must not mark the connection dead")
	}
}

func TestRunInvalidUTF8IsReplaced(t *testing.T) {
	d, _ := newTestHost(t)
	c := openTestConn(t, d)

	res, err := c.Run(context.Background(), `printf 'a\377b'`, 5*time.Second)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Stdout != "a\uFFFDb" {
		t.Errorf("Stdout = %q, want %q", res.Stdout, "a\uFFFDb")
	}
}

func TestRunKeepsRawStdout(t *testing.T) {
	d, _ := newTestHost(t)
	c := openTestConn(t, d)

	res, err := c.Run(context.Background(), `printf '\211PNG\377\376\000\200'`, 5*time.Second)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	want := []byte{0x89, 'P', 'N', 'G', 0xff, 0xfe, 0x00, 0x80}
	if got := res.StdoutBytes(); !bytes.Equal(got, want) {
		t.Errorf("StdoutBytes = % x, want % x", got, want)
	}
	if !utf8.ValidString(res.Stdout) {
		t.Errorf("Stdout is not valid UTF-8: %q", res.Stdout)
	}

	plain := &ExecutionResult{Stdout: "text"}
	if string(plain.StdoutBytes()) != "text" {
		t.Errorf("StdoutBytes without raw output = %q", plain.StdoutBytes())
	}
}

func TestRunExecRejected(t *testing.T) {
	srv := sshtest.NewServer(t, sshtest.Options{Password: testPassword, RejectExec: true})
	c := openTestConn(t, HostDescriptor{
		Address:           srv.Host,
		Port:              srv.Port,
		Username:          "tester",
		Password:          testPassword,
		KeepaliveInterval: -1,
	})

	_, err := c.Run(context.Background(), "echo hi", 5*time.Second)
	var connErr *ConnectError
	if !errors.As(err, &connErr) || connErr.Op != "start" {
		t.Fatalf("expected *ConnectError with Op start, got %T: %v", err, err)
	}
	if Kind(err) != KindConnect {
		t.Errorf("Kind = %q, want %q", Kind(err), KindConnect)
	}
	if c.Alive() {
		t.Error("connection should be marked dead after a rejected exec")
	}
}

func TestRunWithStdin(t *testing.T) {
	d, _ := newTestHost(t)
	c := openTestConn(t, d)

	res, err := c.RunWithStdin(context.Background(), "cat", strings.NewReader("hello stdin"), 5*time.Second)
	if err != nil {
		t.Fatalf("RunWithStdin: %v", err)
	}
	if res.Stdout != "hello stdin" {
		t.Errorf("Stdout = %q", res.Stdout)
	}
}

func TestRunTimeoutMarksConnectionDead(t *testing.T) {
	d, _ := newTestHost(t)
	c := openTestConn(t, d)

	start := time.Now()
	_, err := c.Run(context.Background(), "sleep 10", 200*time.Millisecond)
	elapsed := time.Since(start)

	var timeoutErr *ExecTimeoutError
	if !errors.As(err, &timeoutErr) {
		t.Fatalf("expected *ExecTimeoutError, got %T: %v", err, err)
	}
	if timeoutErr.Timeout != 200*time.Millisecond {
		t.Errorf("Timeout = %s", timeoutErr.Timeout)
	}
	if elapsed > 2*time.Second {
		t.Errorf("Run returned after %s, want close to 200ms", elapsed)
	}
	if c.Alive() {
		t.Error("connection should be marked dead after a timeout")
	}
	if Kind(err) != KindExecTimeout {
		t.Errorf("Kind = %q", Kind(err))
	}
}

func TestRunContextCanceled(t *testing.T) {
	d, _ := newTestHost(t)
	c := openTestConn(t, d)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := c.Run(ctx, "sleep 10", 0)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected context.DeadlineExceeded, got %v", err)
	}
	if c.Alive() {
		t.Error("connection should be marked dead after an aborted command")
	}
}

func TestIsAliveAfterServerDrop(t *testing.T) {
	d, srv := newTestHost(t)
	c := openTestConn(t, d)

	if !c.IsAlive() {
		t.Fatal("fresh connection should be alive")
	}
	srv.DropConnections()
	waitFor(t, 5*time.Second, "connection to report dead", func() bool { return !c.IsAlive() })

	m := c.Metrics()
	if m.SuccessfulProbes < 1 || m.FailedProbes < 1 {
		t.Errorf("metrics = %+v, want at least one success and one failure", &m)
	}
}

func TestProbeTimesOutOnStalledServer(t *testing.T) {
	d, srv := newTestHost(t)
	c := openTestConn(t, d)

	srv.Stall(true)
	start := time.Now()
	if c.probe(200 * time.Millisecond) {
		t.Fatal("probe should fail against a stalled server")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("probe took %s", elapsed)
	}
	if c.Alive() {
		t.Error("failed probe should latch the connection dead")
	}
}

func TestCloseIdempotent(t *testing.T) {
	d, _ := newTestHost(t)
	c, err := Open(context.Background(), d)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	c.Close()
	c.Close()
	if c.Alive() || c.IsAlive() {
		t.Error("closed connection must report dead")
	}
}

func TestKeepaliveDetectsDeadPeer(t *testing.T) {
	d, srv := newTestHost(t)
	d.KeepaliveInterval = 50 * time.Millisecond
	c := openTestConn(t, d)

	srv.DropConnections()
	waitFor(t, 5*time.Second, "keepalive to mark connection dead", func() bool { return !c.Alive() })
}

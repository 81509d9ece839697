package crypto

import (
	"strings"
	"testing"
)

func newTestKeyring(t *testing.T) (*Keyring, string) {
	t.Helper()
	key, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	kr, err := NewKeyring(key)
	if err != nil {
		t.Fatalf("NewKeyring: %v", err)
	}
	return kr, key
}

func TestEncryptDecrypt(t *testing.T) {
	kr, _ := newTestKeyring(t)

	tok, err := kr.Encrypt("hunter2")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if tok == "hunter2" {
		t.Fatal("token should not equal plaintext")
	}
	got, err := kr.Decrypt(tok)
	if err != nil || got != "hunter2" {
		t.Errorf("Decrypt = %q, %v", got, err)
	}
	if _, err := kr.Decrypt("not-a-token"); err == nil {
		t.Error("expected error for garbage token")
	}
	if got, err := kr.Decrypt(""); err != nil || got != "" {
		t.Errorf("Decrypt(\"\") = %q, %v", got, err)
	}
}

func TestKeyRotation(t *testing.T) {
	oldRing, oldKey := newTestKeyring(t)
	tok, err := oldRing.Encrypt("secret")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	newKey, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	rotated, err := NewKeyring(newKey + ", " + oldKey)
	if err != nil {
		t.Fatalf("NewKeyring: %v", err)
	}
	if got, err := rotated.Decrypt(tok); err != nil || got != "secret" {
		t.Errorf("rotated Decrypt = %q, %v", got, err)
	}

	fresh, _ := rotated.Encrypt("again")
	if _, err := oldRing.Decrypt(fresh); err == nil {
		t.Error("old keyring should not decrypt tokens from the new primary key")
	}
}

func TestRevealAndSeal(t *testing.T) {
	kr, _ := newTestKeyring(t)

	sealed, err := kr.Seal("pw")
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if !strings.HasPrefix(sealed, Prefix) {
		t.Errorf("sealed value %q lacks prefix", sealed)
	}
	if got, err := kr.Reveal(sealed); err != nil || got != "pw" {
		t.Errorf("Reveal = %q, %v", got, err)
	}
	if got, err := kr.Reveal("plain"); err != nil || got != "plain" {
		t.Errorf("Reveal(plain) = %q, %v", got, err)
	}

	var none *Keyring
	if got, err := none.Reveal("plain"); err != nil || got != "plain" {
		t.Errorf("nil Reveal(plain) = %q, %v", got, err)
	}
	if _, err := none.Reveal(sealed); err == nil {
		t.Error("nil keyring must not reveal encrypted values")
	}
}

func TestNewKeyringErrors(t *testing.T) {
	if _, err := NewKeyring(""); err == nil {
		t.Error("empty key list should fail")
	}
	if _, err := NewKeyring("short"); err == nil {
		t.Error("malformed key should fail")
	}
}

func TestMask(t *testing.T) {
	tests := map[string]string{
		"":            "",
		"abc":         "****",
		"abcd":        "****",
		"supersecret": "****cret",
	}
	for in, want := range tests {
		if got := Mask(in); got != want {
			t.Errorf("Mask(%q) = %q, want %q", in, got, want)
		}
	}
}

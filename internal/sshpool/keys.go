package sshpool

import (
	"crypto"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"encoding/pem"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// minRSABits is the smallest RSA modulus accepted for client keys.
const minRSABits = 2048

// GenerateKeyPair generates an ED25519 key pair and returns the OpenSSH
// authorized_keys public key and the PEM-encoded private key. A non-empty
// passphrase encrypts the private key.
func GenerateKeyPair(passphrase string) (publicKey, privateKeyPEM []byte, err error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generate ed25519 key: %w", err)
	}

	privateKeyPEM, err = EncodePrivateKey(priv, passphrase)
	if err != nil {
		return nil, nil, err
	}

	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		return nil, nil, fmt.Errorf("create ssh public key: %w", err)
	}
	return ssh.MarshalAuthorizedKey(sshPub), privateKeyPEM, nil
}

// EncodePrivateKey marshals an RSA or ED25519 private key in OpenSSH PEM
// format, encrypted when passphrase is non-empty.
func EncodePrivateKey(key crypto.PrivateKey, passphrase string) ([]byte, error) {
	var (
		block *pem.Block
		err   error
	)
	if passphrase == "" {
		block, err = ssh.MarshalPrivateKey(key, "")
	} else {
		block, err = ssh.MarshalPrivateKeyWithPassphrase(key, "", []byte(passphrase))
	}
	if err != nil {
		return nil, fmt.Errorf("marshal private key: %w", err)
	}
	return pem.EncodeToMemory(block), nil
}

// ParsePrivateKey parses a PEM-encoded RSA or ED25519 private key into an
// ssh.Signer. Encrypted keys require passphrase. RSA keys shorter than 2048
// bits are rejected.
func ParsePrivateKey(privateKeyPEM []byte, passphrase string) (ssh.Signer, error) {
	signer, err := ssh.ParsePrivateKey(privateKeyPEM)
	if err != nil {
		var missing *ssh.PassphraseMissingError
		if !errors.As(err, &missing) {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
		if passphrase == "" {
			return nil, fmt.Errorf("parse private key: key is encrypted and no passphrase is configured")
		}
		signer, err = ssh.ParsePrivateKeyWithPassphrase(privateKeyPEM, []byte(passphrase))
		if err != nil {
			return nil, fmt.Errorf("parse private key with passphrase: %w", err)
		}
	}

	if cpk, ok := signer.PublicKey().(ssh.CryptoPublicKey); ok {
		if rk, ok := cpk.CryptoPublicKey().(*rsa.PublicKey); ok && rk.N.BitLen() < minRSABits {
			return nil, fmt.Errorf("parse private key: rsa key is %d bits, need at least %d", rk.N.BitLen(), minRSABits)
		}
	}
	return signer, nil
}

// loadSigner reads the descriptor's key material, preferring inline KeyData.
func loadSigner(d HostDescriptor) (ssh.Signer, error) {
	data := d.KeyData
	if len(data) == 0 {
		var err error
		data, err = os.ReadFile(ExpandHome(d.KeyPath))
		if err != nil {
			return nil, fmt.Errorf("read private key: %w", err)
		}
	}
	return ParsePrivateKey(data, d.Passphrase)
}

// authMethods builds the ordered auth method list: public key first when a key
// is configured, password only when one is explicitly set.
func authMethods(d HostDescriptor) ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod
	if d.KeyPath != "" || len(d.KeyData) > 0 {
		signer, err := loadSigner(d)
		if err != nil {
			return nil, err
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}
	if d.Password != "" {
		methods = append(methods, ssh.Password(d.Password))
	}
	if len(methods) == 0 {
		return nil, fmt.Errorf("no private key or password configured")
	}
	return methods, nil
}

// Fingerprint returns the SHA256 fingerprint of an SSH public key.
func Fingerprint(key ssh.PublicKey) string {
	return ssh.FingerprintSHA256(key)
}

// recordingHostKeyCallback wraps inner and hands the fingerprint of every
// host key presented (initial handshake and rekeys) to record.
func recordingHostKeyCallback(inner ssh.HostKeyCallback, record func(string)) ssh.HostKeyCallback {
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		record(Fingerprint(key))
		return inner(hostname, remote, key)
	}
}

var insecureWarnOnce sync.Once

// HostKeyCallback returns a known_hosts based callback when path is set, and
// otherwise accepts any host key (logging a warning once per process).
func HostKeyCallback(knownHostsPath string) (ssh.HostKeyCallback, error) {
	if knownHostsPath == "" {
		insecureWarnOnce.Do(func() {
			log.Printf("[sshpool] WARNING: host key verification disabled (no known_hosts file configured)")
		})
		return ssh.InsecureIgnoreHostKey(), nil
	}
	cb, err := knownhosts.New(ExpandHome(knownHostsPath))
	if err != nil {
		return nil, fmt.Errorf("load known_hosts %s: %w", knownHostsPath, err)
	}
	return cb, nil
}

// ExpandHome replaces a leading ~/ with the current user's home directory.
func ExpandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}

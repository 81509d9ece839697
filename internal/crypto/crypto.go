package crypto

import (
	"fmt"
	"strings"

	"github.com/fernet/fernet-go"
)

// Prefix marks an encrypted value in inventory files.
const Prefix = "fernet:"

// Keyring encrypts with its first key and decrypts with any of them, so keys
// can be rotated by prepending a new one.
type Keyring struct {
	keys []*fernet.Key
}

// GenerateKey returns a new base64-encoded fernet key.
func GenerateKey() (string, error) {
	var k fernet.Key
	if err := k.Generate(); err != nil {
		return "", fmt.Errorf("generate fernet key: %w", err)
	}
	return k.Encode(), nil
}

// NewKeyring parses a comma-separated list of encoded fernet keys.
func NewKeyring(encoded string) (*Keyring, error) {
	var parts []string
	for _, p := range strings.Split(encoded, ",") {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	if len(parts) == 0 {
		return nil, fmt.Errorf("fernet key: none configured")
	}
	keys, err := fernet.DecodeKeys(parts...)
	if err != nil {
		return nil, fmt.Errorf("decode fernet key: %w", err)
	}
	return &Keyring{keys: keys}, nil
}

// Encrypt returns the fernet token for plaintext, without Prefix.
func (k *Keyring) Encrypt(plaintext string) (string, error) {
	tok, err := fernet.EncryptAndSign([]byte(plaintext), k.keys[0])
	if err != nil {
		return "", fmt.Errorf("encrypt: %w", err)
	}
	return string(tok), nil
}

// Decrypt verifies and decrypts a fernet token. Tokens never expire.
func (k *Keyring) Decrypt(ciphertext string) (string, error) {
	if ciphertext == "" {
		return "", nil
	}
	msg := fernet.VerifyAndDecrypt([]byte(ciphertext), 0, k.keys)
	if msg == nil {
		return "", fmt.Errorf("decrypt: invalid token")
	}
	return string(msg), nil
}

// Reveal decrypts value when it carries Prefix and returns it unchanged
// otherwise. A nil keyring cannot reveal encrypted values.
func (k *Keyring) Reveal(value string) (string, error) {
	token, ok := strings.CutPrefix(value, Prefix)
	if !ok {
		return value, nil
	}
	if k == nil {
		return "", fmt.Errorf("decrypt: value is encrypted but no fernet key is configured")
	}
	return k.Decrypt(token)
}

// Seal encrypts value and adds Prefix.
func (k *Keyring) Seal(value string) (string, error) {
	tok, err := k.Encrypt(value)
	if err != nil {
		return "", err
	}
	return Prefix + tok, nil
}

func Mask(value string) string {
	if value == "" {
		return ""
	}
	if len(value) > 4 {
		return "****" + value[len(value)-4:]
	}
	return "****"
}

package profileauthz

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"
)

const (
	partialVisible = 4
	redacted       = "[REDACTED]"
)

// ErrNoEncryptionKey is returned when an encrypt mask is applied without a key.
var ErrNoEncryptionKey = errors.New("masker has no encryption key")

// Masker transforms field values according to a DataMaskingRule.
type Masker struct {
	aead cipher.AEAD
	rand io.Reader
}

// NewMasker builds a masker. key must be empty (encrypt disabled) or 32 bytes for AES-256-GCM.
func NewMasker(key []byte) (*Masker, error) {
	m := &Masker{rand: rand.Reader}
	if len(key) == 0 {
		return m, nil
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("encryption key must be 32 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	m.aead = aead
	return m, nil
}

// Apply masks value with rule.
func (m *Masker) Apply(rule DataMaskingRule, value string) (string, error) {
	switch rule.Type {
	case MaskPartial:
		n := utf8.RuneCountInString(value)
		if n <= partialVisible {
			return strings.Repeat(maskRune(rule), n), nil
		}
		runes := []rune(value)
		return strings.Repeat(maskRune(rule), n-partialVisible) + string(runes[n-partialVisible:]), nil
	case MaskFull:
		return strings.Repeat(maskRune(rule), utf8.RuneCountInString(value)), nil
	case MaskHash:
		sum := sha256.Sum256([]byte(value))
		return hex.EncodeToString(sum[:]), nil
	case MaskEncrypt:
		if m.aead == nil {
			return "", ErrNoEncryptionKey
		}
		nonce := make([]byte, m.aead.NonceSize())
		if _, err := io.ReadFull(m.rand, nonce); err != nil {
			return "", fmt.Errorf("nonce: %w", err)
		}
		sealed := m.aead.Seal(nonce, nonce, []byte(value), nil)
		return base64.StdEncoding.EncodeToString(sealed), nil
	case MaskRedact:
		if rule.Replacement != "" {
			return rule.Replacement, nil
		}
		return redacted, nil
	}
	return "", fmt.Errorf("unknown mask type %q", rule.Type)
}

// Decrypt reverses an encrypt mask.
func (m *Masker) Decrypt(masked string) (string, error) {
	if m.aead == nil {
		return "", ErrNoEncryptionKey
	}
	raw, err := base64.StdEncoding.DecodeString(masked)
	if err != nil {
		return "", err
	}
	ns := m.aead.NonceSize()
	if len(raw) < ns {
		return "", errors.New("ciphertext too short")
	}
	plain, err := m.aead.Open(nil, raw[:ns], raw[ns:], nil)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}

func maskRune(rule DataMaskingRule) string {
	if r, _ := utf8.DecodeRuneInString(rule.Replacement); r != utf8.RuneError {
		return string(r)
	}
	return "*"
}

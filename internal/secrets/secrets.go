// Package secrets decrypts provider credentials stored at rest.
//
// Ciphertexts are base64(iv[16] || tag[16] || data) sealed with AES-256-GCM
// under a base64-encoded 32-byte key.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

const (
	ivLen  = 16
	tagLen = 16
	keyLen = 32
)

var (
	ErrNoKey   = errors.New("secrets: encryption key is not set")
	ErrDecrypt = errors.New("secrets: decryption failed")
)

// Decrypter turns a stored credential into its plaintext.
type Decrypter interface {
	Decrypt(ciphertext string) (string, error)
}

// Plaintext returns stored credentials unchanged.
type Plaintext struct{}

func (Plaintext) Decrypt(s string) (string, error) { return s, nil }

type AESGCM struct {
	aead cipher.AEAD
}

// NewAESGCM builds a cipher from a base64-encoded 32-byte key.
func NewAESGCM(b64Key string) (*AESGCM, error) {
	b64Key = strings.TrimSpace(b64Key)
	if b64Key == "" {
		return nil, ErrNoKey
	}
	key, err := base64.StdEncoding.DecodeString(b64Key)
	if err != nil {
		return nil, fmt.Errorf("secrets: key is not valid base64: %w", err)
	}
	if len(key) != keyLen {
		return nil, fmt.Errorf("secrets: key must be %d bytes, got %d", keyLen, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("secrets: create cipher: %w", err)
	}
	aead, err := cipher.NewGCMWithNonceSize(block, ivLen)
	if err != nil {
		return nil, fmt.Errorf("secrets: create gcm: %w", err)
	}
	return &AESGCM{aead: aead}, nil
}

// FromEnv reads the key from the named environment variable. It returns
// ErrNoKey when the variable is unset or empty.
func FromEnv(name string) (*AESGCM, error) {
	return NewAESGCM(os.Getenv(name))
}

func (a *AESGCM) Decrypt(ciphertext string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(ciphertext))
	if err != nil {
		return "", fmt.Errorf("%w: invalid base64", ErrDecrypt)
	}
	if len(raw) < ivLen+tagLen {
		return "", fmt.Errorf("%w: ciphertext too short", ErrDecrypt)
	}
	iv := raw[:ivLen]
	tag := raw[ivLen : ivLen+tagLen]
	data := raw[ivLen+tagLen:]

	// The AEAD expects the tag after the data.
	sealed := make([]byte, 0, len(data)+tagLen)
	sealed = append(sealed, data...)
	sealed = append(sealed, tag...)

	plain, err := a.aead.Open(nil, iv, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("%w: invalid ciphertext or key", ErrDecrypt)
	}
	return string(plain), nil
}

// Encrypt produces a ciphertext Decrypt accepts.
func (a *AESGCM) Encrypt(plaintext string) (string, error) {
	iv := make([]byte, ivLen)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return "", fmt.Errorf("secrets: iv generation failed: %w", err)
	}
	sealed := a.aead.Seal(nil, iv, []byte(plaintext), nil)
	data, tag := sealed[:len(sealed)-tagLen], sealed[len(sealed)-tagLen:]

	out := make([]byte, 0, ivLen+tagLen+len(data))
	out = append(out, iv...)
	out = append(out, tag...)
	out = append(out, data...)
	return base64.StdEncoding.EncodeToString(out), nil
}

// GenerateKey returns a fresh base64-encoded key.
func GenerateKey() (string, error) {
	key := make([]byte, keyLen)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(key), nil
}

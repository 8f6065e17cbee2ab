package source

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
)

const ciphertextPrefix = "enc:v1:"

var ErrBadCiphertext = errors.New("malformed token ciphertext")

// TokenDecrypter turns a stored instance token into the plaintext API token.
type TokenDecrypter interface {
	Decrypt(ciphertext string) (string, error)
}

// AESGCM seals tokens as "enc:v1:" + base64(nonce || ciphertext) under a 32-byte key.
// Values without the prefix are returned unchanged.
type AESGCM struct {
	aead cipher.AEAD
}

// NewAESGCM accepts the key as 64 hex characters or standard base64 of 32 bytes.
func NewAESGCM(key string) (*AESGCM, error) {
	raw, err := decodeKey(strings.TrimSpace(key))
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(raw)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &AESGCM{aead: aead}, nil
}

func decodeKey(key string) ([]byte, error) {
	if len(key) == 64 {
		if raw, err := hex.DecodeString(key); err == nil {
			return raw, nil
		}
	}
	raw, err := base64.StdEncoding.DecodeString(key)
	if err != nil {
		return nil, fmt.Errorf("token key: %w", err)
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("token key must be 32 bytes, got %d", len(raw))
	}
	return raw, nil
}

func (a *AESGCM) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, a.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	sealed := a.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return ciphertextPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

func (a *AESGCM) Decrypt(ciphertext string) (string, error) {
	encoded, ok := strings.CutPrefix(strings.TrimSpace(ciphertext), ciphertextPrefix)
	if !ok {
		return ciphertext, nil
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBadCiphertext, err)
	}
	ns := a.aead.NonceSize()
	if len(raw) < ns+a.aead.Overhead() {
		return "", ErrBadCiphertext
	}
	plain, err := a.aead.Open(nil, raw[:ns], raw[ns:], nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBadCiphertext, err)
	}
	return string(plain), nil
}

// Plaintext passes stored tokens through and refuses sealed ones.
type Plaintext struct{}

func (Plaintext) Decrypt(ciphertext string) (string, error) {
	if strings.HasPrefix(strings.TrimSpace(ciphertext), ciphertextPrefix) {
		return "", fmt.Errorf("%w: no token key configured", ErrBadCiphertext)
	}
	return ciphertext, nil
}

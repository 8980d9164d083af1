// Package crypto seals tenant configuration carried inside envelopes. The key is
// derived from the shared grouping secret and the nonce from the envelope's
// message id, so a sealed value only opens on the envelope it was written for.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	keyInfo   = "fission/config/key"
	nonceInfo = "fission/config/iv"
)

var ErrEmptyIV = errors.New("crypto: iv is required")

func derive(secret []byte, info string, size int) ([]byte, error) {
	out := make([]byte, size)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte(info)), out); err != nil {
		return nil, err
	}
	return out, nil
}

func newGCM(secret, iv string) (cipher.AEAD, []byte, error) {
	if iv == "" {
		return nil, nil, ErrEmptyIV
	}
	key, err := derive([]byte(secret), keyInfo, 32) // AES-256
	if err != nil {
		return nil, nil, fmt.Errorf("derive key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, nil, err
	}
	nonce, err := derive([]byte(iv), nonceInfo, gcm.NonceSize())
	if err != nil {
		return nil, nil, fmt.Errorf("derive nonce: %w", err)
	}
	return gcm, nonce, nil
}

// Encrypt seals text for the envelope identified by iv.
func Encrypt(text, iv, secret string) (string, error) {
	gcm, nonce, err := newGCM(secret, iv)
	if err != nil {
		return "", err
	}
	ciphertext := gcm.Seal(nil, nonce, []byte(text), nil)
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Decrypt opens a value produced by Encrypt with the same iv and secret.
func Decrypt(cryptoText, iv, secret string) (string, error) {
	ciphertext, err := base64.StdEncoding.DecodeString(cryptoText)
	if err != nil {
		return "", err
	}
	gcm, nonce, err := newGCM(secret, iv)
	if err != nil {
		return "", err
	}
	if len(ciphertext) < gcm.Overhead() {
		return "", fmt.Errorf("ciphertext too short")
	}
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

// GenerateToken returns a random URL-safe secret suitable for fission.grouping.
func GenerateToken() string {
	b := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return ""
	}
	return base64.URLEncoding.EncodeToString(b)
}

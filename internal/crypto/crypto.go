// Package crypto provides the symmetric primitives of the auth core:
// AES-256-GCM authenticated encryption, HMAC-SHA256, secure random tokens
// and constant-time comparison. Field-level credential encryption with key
// management lives in encryptor.go.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
)

// ErrTampered is returned for any decrypt failure. It deliberately does not
// reveal whether the nonce, ciphertext or tag was the problem.
var ErrTampered = errors.New("decryption failed: tampered or corrupted ciphertext")

// KeySize is the AES-256 key length in bytes.
const KeySize = 32

// Cipher performs AEAD encryption with a fixed 32-byte key.
// Output layout: nonce || ciphertext || tag, base64-encoded.
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher builds a Cipher from raw key material.
func NewCipher(key []byte) (*Cipher, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("key must be %d bytes, got %d", KeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM mode: %w", err)
	}
	return &Cipher{aead: aead}, nil
}

// Encrypt seals plaintext under a fresh random nonce.
// Nonce reuse with the same key breaks GCM, so the nonce is always random.
func (c *Cipher) Encrypt(plaintext []byte) (string, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	sealed := c.aead.Seal(nonce, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a ciphertext produced by Encrypt. Any failure, malformed
// input included, maps to ErrTampered.
func (c *Cipher) Decrypt(encoded string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, ErrTampered
	}
	nonceSize := c.aead.NonceSize()
	if len(raw) < nonceSize {
		return nil, ErrTampered
	}
	nonce, sealed := raw[:nonceSize], raw[nonceSize:]
	plaintext, err := c.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, ErrTampered
	}
	return plaintext, nil
}

// HMACSHA256 computes the keyed hash of data.
func HMACSHA256(key, data []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return mac.Sum(nil)
}

// VerifyHMACSHA256 checks a MAC in constant time.
func VerifyHMACSHA256(key, data, expected []byte) bool {
	return hmac.Equal(HMACSHA256(key, data), expected)
}

// SHA256Hex returns the lowercase hex digest of data. For integrity-only,
// non-secret use.
func SHA256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// RandomBytes returns n bytes from the system CSPRNG.
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("crypto/rand failed: %w", err)
	}
	return b, nil
}

// RandomToken creates an unguessable URL-safe string from n random bytes.
func RandomToken(n int) (string, error) {
	b, err := RandomBytes(n)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// ConstantTimeEquals compares two strings without leaking a timing oracle.
func ConstantTimeEquals(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// Package kms abstracts the key-management service that issues wrapped data
// keys for credential encryption. The Local implementation wraps data keys
// under a master key held in the environment; a cloud KMS can be substituted
// behind the same interface.
package kms

import (
	"context"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"

	"github.com/vantagetrade/authcore/internal/crypto"
)

// DataKey is an envelope-encryption data key. Plaintext exists in memory
// only; Ciphertext is what may be persisted alongside the data it protects.
// The declaration lives in internal/crypto so the FieldEncryptor can consume
// it without importing this package back.
type DataKey = crypto.DataKey

// Client is the contract for a key-management dependency.
type Client = crypto.KMSClient

// Local implements Client with a master AES-256-GCM key. Suitable for
// development and single-region deployments without a cloud KMS.
type Local struct {
	master *crypto.Cipher
}

// NewLocal builds a Local KMS from a hex-encoded 32-byte master key.
func NewLocal(masterKeyHex string) (*Local, error) {
	key, err := hex.DecodeString(masterKeyHex)
	if err != nil {
		return nil, fmt.Errorf("master key must be hex: %w", err)
	}
	cipher, err := crypto.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("invalid master key: %w", err)
	}
	return &Local{master: cipher}, nil
}

func (l *Local) GenerateDataKey(ctx context.Context) (*DataKey, error) {
	plaintext, err := crypto.RandomBytes(crypto.KeySize)
	if err != nil {
		return nil, err
	}
	wrapped, err := l.master.Encrypt(plaintext)
	if err != nil {
		return nil, fmt.Errorf("failed to wrap data key: %w", err)
	}
	return &DataKey{
		KeyID:      uuid.NewString(),
		Plaintext:  plaintext,
		Ciphertext: []byte(wrapped),
	}, nil
}

func (l *Local) Decrypt(ctx context.Context, keyID string, ciphertext []byte) ([]byte, error) {
	plaintext, err := l.master.Decrypt(string(ciphertext))
	if err != nil {
		return nil, fmt.Errorf("failed to unwrap data key %s: %w", keyID, err)
	}
	return plaintext, nil
}

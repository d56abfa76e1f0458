package crypto

import "context"

// DataKey is an envelope-encryption data key. Plaintext exists in memory
// only; Ciphertext is what may be persisted alongside the data it protects.
type DataKey struct {
	KeyID      string
	Plaintext  []byte
	Ciphertext []byte
}

// KMSClient is the contract for a key-management dependency.
type KMSClient interface {
	// GenerateDataKey returns a fresh 32-byte data key in both halves.
	GenerateDataKey(ctx context.Context) (*DataKey, error)
	// Decrypt unwraps a previously issued ciphertext half.
	Decrypt(ctx context.Context, keyID string, ciphertext []byte) ([]byte, error)
}

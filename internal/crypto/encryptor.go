package crypto

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/vantagetrade/authcore/internal/breaker"
)

const (
	// encPrefix marks an encrypted field value and prevents double handling
	// of plaintext.
	encPrefix = "enc:"

	// DefaultCacheCap bounds the data-key cache.
	DefaultCacheCap = 100
	// DefaultCacheTTL is how long an unwrapped data key may be reused.
	DefaultCacheTTL = time.Hour
)

// FieldEncryptor is the credential-encryption service. Data keys are
// acquired from the key-management dependency through the circuit breaker
// façade and cached unwrapped with a TTL; field values are sealed with
// AES-256-GCM under the current data key.
//
// Value layout: "enc:<keyID>:<base64 wrapped key>:<base64 nonce||ct||tag>".
// Embedding the wrapped key makes every value self-describing, so a value
// outlives both the cache and key rotation.
type FieldEncryptor struct {
	kms      KMSClient
	breakers *breaker.Facade
	cache    *keyCache
	logger   *slog.Logger

	mu      sync.Mutex
	current *cachedKey
}

// NewFieldEncryptor wires the encryption service. cacheTTL <= 0 falls back
// to DefaultCacheTTL.
func NewFieldEncryptor(client KMSClient, breakers *breaker.Facade, cacheTTL time.Duration, logger *slog.Logger) *FieldEncryptor {
	if cacheTTL <= 0 {
		cacheTTL = DefaultCacheTTL
	}
	return &FieldEncryptor{
		kms:      client,
		breakers: breakers,
		cache:    newKeyCache(DefaultCacheCap, cacheTTL),
		logger:   logger,
	}
}

// activeKey returns the current data key, acquiring a fresh one from the KMS
// when none is held or the held one has aged out of the cache TTL.
func (f *FieldEncryptor) activeKey(ctx context.Context) (*cachedKey, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.current != nil {
		if entry, ok := f.cache.get(f.current.keyID); ok {
			return entry, nil
		}
		f.current = nil
	}

	dk, err := breaker.Do(ctx, f.breakers, breaker.KMS, func(ctx context.Context) (*DataKey, error) {
		return f.kms.GenerateDataKey(ctx)
	})
	if err != nil {
		return nil, fmt.Errorf("data key acquisition failed: %w", err)
	}

	cipher, err := NewCipher(dk.Plaintext)
	if err != nil {
		return nil, fmt.Errorf("kms returned unusable key material: %w", err)
	}
	entry := &cachedKey{
		keyID:      dk.KeyID,
		cipher:     cipher,
		ciphertext: dk.Ciphertext,
		createdAt:  time.Now(),
	}
	f.cache.put(entry)
	f.current = entry
	f.logger.Info("data_key_acquired", "key_id", dk.KeyID)
	return entry, nil
}

// keyFor resolves the data key for a stored value, unwrapping through the
// KMS on cache miss.
func (f *FieldEncryptor) keyFor(ctx context.Context, keyID string, wrapped []byte) (*cachedKey, error) {
	if entry, ok := f.cache.get(keyID); ok {
		return entry, nil
	}

	plaintext, err := breaker.Do(ctx, f.breakers, breaker.KMS, func(ctx context.Context) ([]byte, error) {
		return f.kms.Decrypt(ctx, keyID, wrapped)
	})
	if err != nil {
		return nil, fmt.Errorf("data key unwrap failed: %w", err)
	}
	cipher, err := NewCipher(plaintext)
	if err != nil {
		return nil, ErrTampered
	}
	entry := &cachedKey{keyID: keyID, cipher: cipher, ciphertext: wrapped, createdAt: time.Now()}
	f.cache.put(entry)
	return entry, nil
}

// Encrypt seals a plaintext value under the current data key.
func (f *FieldEncryptor) Encrypt(ctx context.Context, plaintext string) (string, error) {
	key, err := f.activeKey(ctx)
	if err != nil {
		return "", err
	}
	sealed, err := key.cipher.Encrypt([]byte(plaintext))
	if err != nil {
		return "", err
	}
	return encPrefix + key.keyID + ":" + string(key.ciphertext) + ":" + sealed, nil
}

// Decrypt opens a value produced by Encrypt. Any structural or
// cryptographic failure surfaces as ErrTampered; callers must not learn
// which part was wrong.
func (f *FieldEncryptor) Decrypt(ctx context.Context, value string) (string, error) {
	if !strings.HasPrefix(value, encPrefix) {
		return "", ErrTampered
	}
	parts := strings.SplitN(strings.TrimPrefix(value, encPrefix), ":", 3)
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return "", ErrTampered
	}

	key, err := f.keyFor(ctx, parts[0], []byte(parts[1]))
	if err != nil {
		// Upstream failures (breaker open, KMS down) are not tampering.
		if errors.Is(err, ErrTampered) {
			return "", ErrTampered
		}
		return "", err
	}
	plaintext, err := key.cipher.Decrypt(parts[2])
	if err != nil {
		return "", ErrTampered
	}
	return string(plaintext), nil
}

// EncryptField is Encrypt with nil pass-through for optional columns.
func (f *FieldEncryptor) EncryptField(ctx context.Context, value *string) (*string, error) {
	if value == nil {
		return nil, nil
	}
	out, err := f.Encrypt(ctx, *value)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// DecryptField is Decrypt with nil pass-through for optional columns.
func (f *FieldEncryptor) DecryptField(ctx context.Context, value *string) (*string, error) {
	if value == nil {
		return nil, nil
	}
	out, err := f.Decrypt(ctx, *value)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// GenerateHash produces an integrity hash for non-secret use.
func (f *FieldEncryptor) GenerateHash(data string) string {
	return SHA256Hex([]byte(data))
}

// VerifyHash checks an integrity hash in constant time.
func (f *FieldEncryptor) VerifyHash(data, expected string) bool {
	return ConstantTimeEquals(SHA256Hex([]byte(data)), expected)
}

// RotateKeys invalidates the data-key cache. The next Encrypt acquires a
// fresh key; previously written values still decrypt via their embedded
// wrapped key.
func (f *FieldEncryptor) RotateKeys() {
	f.mu.Lock()
	f.current = nil
	f.mu.Unlock()
	f.cache.clear()
	f.logger.Info("data_keys_rotated")
}

// HealthCheck round-trips a random string through encrypt/decrypt.
func (f *FieldEncryptor) HealthCheck(ctx context.Context) error {
	probe, err := RandomToken(16)
	if err != nil {
		return err
	}
	sealed, err := f.Encrypt(ctx, probe)
	if err != nil {
		return fmt.Errorf("health check encrypt failed: %w", err)
	}
	opened, err := f.Decrypt(ctx, sealed)
	if err != nil {
		return fmt.Errorf("health check decrypt failed: %w", err)
	}
	if opened != probe {
		return errors.New("health check round-trip mismatch")
	}
	return nil
}

package crypto_test

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vantagetrade/authcore/internal/breaker"
	"github.com/vantagetrade/authcore/internal/crypto"
	"github.com/vantagetrade/authcore/internal/kms"
)

// countingKMS wraps a Local KMS and counts calls, to assert cache behavior.
type countingKMS struct {
	inner     kms.Client
	generates atomic.Int64
	decrypts  atomic.Int64
}

func (c *countingKMS) GenerateDataKey(ctx context.Context) (*kms.DataKey, error) {
	c.generates.Add(1)
	return c.inner.GenerateDataKey(ctx)
}

func (c *countingKMS) Decrypt(ctx context.Context, keyID string, ct []byte) ([]byte, error) {
	c.decrypts.Add(1)
	return c.inner.Decrypt(ctx, keyID, ct)
}

const testMasterKey = "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"

func testEncryptor(t *testing.T) (*crypto.FieldEncryptor, *countingKMS) {
	t.Helper()
	local, err := kms.NewLocal(testMasterKey)
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}
	counting := &countingKMS{inner: local}
	breakers := breaker.New(breaker.Config{
		FailureRateThreshold: 50,
		SlidingWindow:        10,
		MinimumCalls:         3,
		OpenDuration:         time.Minute,
		HalfOpenCalls:        1,
		CallTimeout:          time.Second,
	}, slog.Default())
	return crypto.NewFieldEncryptor(counting, breakers, time.Hour, slog.Default()), counting
}

func TestFieldEncryptorRoundTrip(t *testing.T) {
	enc, k := testEncryptor(t)
	ctx := context.Background()

	sealed, err := enc.Encrypt(ctx, "broker-api-secret")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if sealed == "broker-api-secret" {
		t.Fatal("plaintext leaked through Encrypt")
	}

	opened, err := enc.Decrypt(ctx, sealed)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if opened != "broker-api-secret" {
		t.Errorf("round trip mismatch: %q", opened)
	}

	// Second encrypt reuses the cached data key.
	if _, err := enc.Encrypt(ctx, "another"); err != nil {
		t.Fatal(err)
	}
	if got := k.generates.Load(); got != 1 {
		t.Errorf("GenerateDataKey called %d times, want 1", got)
	}
	if got := k.decrypts.Load(); got != 0 {
		t.Errorf("Decrypt hit the KMS %d times despite a warm cache", got)
	}
}

func TestFieldEncryptorTamperDetection(t *testing.T) {
	enc, _ := testEncryptor(t)
	ctx := context.Background()

	sealed, _ := enc.Encrypt(ctx, "secret")

	// Mutate the payload portion.
	mutated := sealed[:len(sealed)-2] + "zz"
	if _, err := enc.Decrypt(ctx, mutated); !errors.Is(err, crypto.ErrTampered) {
		t.Errorf("payload mutation: got %v, want ErrTampered", err)
	}

	// Structurally broken values are equally opaque failures.
	for _, in := range []string{"plaintext", "enc:", "enc:only-one-part", "enc:a:b"} {
		if _, err := enc.Decrypt(ctx, in); !errors.Is(err, crypto.ErrTampered) {
			t.Errorf("Decrypt(%q): got %v, want ErrTampered", in, err)
		}
	}
}

func TestRotateKeysForcesNewDataKey(t *testing.T) {
	enc, k := testEncryptor(t)
	ctx := context.Background()

	before, _ := enc.Encrypt(ctx, "v1")
	enc.RotateKeys()

	if _, err := enc.Encrypt(ctx, "v2"); err != nil {
		t.Fatal(err)
	}
	if got := k.generates.Load(); got != 2 {
		t.Errorf("rotation did not force key reacquisition: %d generates", got)
	}

	// Values written before rotation still decrypt via their embedded
	// wrapped key (KMS unwrap, since the cache was cleared).
	opened, err := enc.Decrypt(ctx, before)
	if err != nil || opened != "v1" {
		t.Fatalf("pre-rotation value unreadable: (%q, %v)", opened, err)
	}
	if got := k.decrypts.Load(); got != 1 {
		t.Errorf("expected exactly one KMS unwrap after rotation, got %d", got)
	}
}

func TestEncryptFieldNilPassThrough(t *testing.T) {
	enc, _ := testEncryptor(t)
	ctx := context.Background()

	out, err := enc.EncryptField(ctx, nil)
	if err != nil || out != nil {
		t.Errorf("EncryptField(nil): got (%v, %v)", out, err)
	}
	out, err = enc.DecryptField(ctx, nil)
	if err != nil || out != nil {
		t.Errorf("DecryptField(nil): got (%v, %v)", out, err)
	}

	v := "hold"
	sealed, err := enc.EncryptField(ctx, &v)
	if err != nil || sealed == nil {
		t.Fatalf("EncryptField: (%v, %v)", sealed, err)
	}
	opened, err := enc.DecryptField(ctx, sealed)
	if err != nil || opened == nil || *opened != "hold" {
		t.Fatalf("DecryptField: (%v, %v)", opened, err)
	}
}

func TestGenerateVerifyHash(t *testing.T) {
	enc, _ := testEncryptor(t)
	h := enc.GenerateHash("ledger row")
	if !enc.VerifyHash("ledger row", h) {
		t.Error("hash did not verify")
	}
	if enc.VerifyHash("ledger row2", h) {
		t.Error("hash verified for different data")
	}
}

func TestHealthCheck(t *testing.T) {
	enc, _ := testEncryptor(t)
	if err := enc.HealthCheck(context.Background()); err != nil {
		t.Fatalf("HealthCheck: %v", err)
	}
}

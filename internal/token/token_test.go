package token

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/vantagetrade/authcore/internal/breaker"
)

func testService(t *testing.T) (*Service, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	breakers := breaker.New(breaker.Config{
		FailureRateThreshold: 50,
		SlidingWindow:        10,
		MinimumCalls:         5,
		OpenDuration:         time.Minute,
		HalfOpenCalls:        1,
		CallTimeout:          time.Second,
	}, slog.Default())

	svc, err := NewService(Config{
		SigningKeys: map[string][]byte{
			"sig-1": []byte("0123456789abcdef0123456789abcdef"),
		},
		ActiveKid:  "sig-1",
		Issuer:     "vantagetrade-auth",
		AccessTTL:  15 * time.Minute,
		RefreshTTL: 14 * 24 * time.Hour,
	}, NewRedisRevocationStore(client, breakers))
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return svc, mr
}

const fp = "Mozilla/5.0|en-US|device-123"

func TestIssueAndValidate(t *testing.T) {
	svc, _ := testService(t)
	ctx := context.Background()

	signed, issued, err := svc.Issue(42, fp, KindAccess)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	claims, err := svc.Validate(ctx, signed)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if claims.UserID != 42 || claims.Kind != KindAccess {
		t.Errorf("claims: %+v", claims)
	}
	if claims.FingerprintHash != FingerprintHash(fp) {
		t.Error("fingerprint hash not embedded")
	}
	if claims.ID != issued.ID {
		t.Error("jti mismatch")
	}
}

func TestValidateRejectsGarbage(t *testing.T) {
	svc, _ := testService(t)
	ctx := context.Background()

	for _, in := range []string{"", "not-a-jwt", "a.b.c"} {
		if _, err := svc.Validate(ctx, in); !errors.Is(err, ErrMalformed) {
			t.Errorf("Validate(%q): got %v, want ErrMalformed", in, err)
		}
	}
}

func TestValidateRejectsBadSignature(t *testing.T) {
	svc, _ := testService(t)
	other, _ := testService(t)
	// Re-key the second service so its tokens fail verification here.
	other.keys["sig-1"] = []byte("ffffffffffffffffffffffffffffffff")

	forged, _, err := other.Issue(42, fp, KindAccess)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Validate(context.Background(), forged); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("got %v, want ErrBadSignature", err)
	}
}

func TestValidateExpiryWithLeeway(t *testing.T) {
	svc, _ := testService(t)
	ctx := context.Background()

	signed, _, err := svc.Issue(7, fp, KindAccess)
	if err != nil {
		t.Fatal(err)
	}

	// 10s past expiry is inside the ±30s leeway.
	svc.now = func() time.Time { return time.Now().Add(15*time.Minute + 10*time.Second) }
	if _, err := svc.Validate(ctx, signed); err != nil {
		t.Errorf("token rejected inside leeway: %v", err)
	}

	// Well past the leeway it must be expired.
	svc.now = func() time.Time { return time.Now().Add(16 * time.Minute) }
	if _, err := svc.Validate(ctx, signed); !errors.Is(err, ErrExpired) {
		t.Errorf("got %v, want ErrExpired", err)
	}
}

func TestRefreshRotation(t *testing.T) {
	svc, _ := testService(t)
	ctx := context.Background()

	pair, err := svc.IssuePair(42, fp)
	if err != nil {
		t.Fatal(err)
	}

	next, err := svc.Refresh(ctx, pair.RefreshToken, fp)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if next.AccessToken == pair.AccessToken || next.RefreshToken == pair.RefreshToken {
		t.Error("refresh returned the same tokens")
	}

	// One-time use: the old refresh token must now be revoked.
	if _, err := svc.Refresh(ctx, pair.RefreshToken, fp); !errors.Is(err, ErrRevoked) {
		t.Fatalf("replayed refresh: got %v, want ErrRevoked", err)
	}
}

func TestRefreshRejectsAccessToken(t *testing.T) {
	svc, _ := testService(t)
	pair, _ := svc.IssuePair(42, fp)

	if _, err := svc.Refresh(context.Background(), pair.AccessToken, fp); !errors.Is(err, ErrWrongKind) {
		t.Fatalf("got %v, want ErrWrongKind", err)
	}
}

func TestRefreshDeviceMismatch(t *testing.T) {
	svc, _ := testService(t)
	pair, _ := svc.IssuePair(42, fp)

	_, err := svc.Refresh(context.Background(), pair.RefreshToken, "stolen-on-other-device")
	if !errors.Is(err, ErrDeviceMismatch) {
		t.Fatalf("got %v, want ErrDeviceMismatch", err)
	}

	// The mismatch attempt must not have consumed the token.
	if _, err := svc.Refresh(context.Background(), pair.RefreshToken, fp); err != nil {
		t.Fatalf("legitimate refresh after mismatch attempt: %v", err)
	}
}

func TestRevokeIsIdempotentAndSticky(t *testing.T) {
	svc, mr := testService(t)
	ctx := context.Background()

	signed, _, _ := svc.Issue(42, fp, KindAccess)
	if err := svc.Revoke(ctx, signed); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if err := svc.Revoke(ctx, signed); err != nil {
		t.Fatalf("second Revoke: %v", err)
	}
	if _, err := svc.Validate(ctx, signed); !errors.Is(err, ErrRevoked) {
		t.Fatalf("got %v, want ErrRevoked", err)
	}

	// Revocation entries expire with the token, bounding memory.
	mr.FastForward(16*time.Minute + Leeway)
	if got := len(mr.Keys()); got != 0 {
		t.Errorf("revocation keys not expired: %d remain", got)
	}
}

func TestRevokeAllForUser(t *testing.T) {
	svc, _ := testService(t)
	ctx := context.Background()

	base := time.Now()
	svc.now = func() time.Time { return base }
	pair, err := svc.IssuePair(42, fp)
	if err != nil {
		t.Fatal(err)
	}
	otherUser, _, err := svc.Issue(43, fp, KindAccess)
	if err != nil {
		t.Fatal(err)
	}

	// Cutoff lands after the issued tokens' iat second.
	svc.now = func() time.Time { return base.Add(2 * time.Second) }
	if err := svc.RevokeAllForUser(ctx, 42); err != nil {
		t.Fatalf("RevokeAllForUser: %v", err)
	}

	if _, err := svc.Validate(ctx, pair.AccessToken); !errors.Is(err, ErrRevoked) {
		t.Errorf("access token survived cutoff: %v", err)
	}
	if _, err := svc.Refresh(ctx, pair.RefreshToken, fp); !errors.Is(err, ErrRevoked) {
		t.Errorf("refresh token survived cutoff: %v", err)
	}
	if _, err := svc.Validate(ctx, otherUser); err != nil {
		t.Errorf("unrelated user's token caught by cutoff: %v", err)
	}

	// Tokens issued after the cutoff are unaffected.
	svc.now = func() time.Time { return base.Add(5 * time.Second) }
	fresh, err := svc.IssuePair(42, fp)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Validate(ctx, fresh.AccessToken); err != nil {
		t.Errorf("post-cutoff token rejected: %v", err)
	}
}

func TestServiceToken(t *testing.T) {
	svc, _ := testService(t)
	signed, err := svc.IssueService("portfolio-engine")
	if err != nil {
		t.Fatal(err)
	}
	claims, err := svc.Validate(context.Background(), signed)
	if err != nil {
		t.Fatal(err)
	}
	if claims.ServiceID != "portfolio-engine" || claims.Role != "SERVICE" || claims.UserID != 0 {
		t.Errorf("service claims: %+v", claims)
	}
}

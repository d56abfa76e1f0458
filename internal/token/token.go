// Package token issues and validates the platform's bearer credentials:
// short-lived access tokens and longer-lived one-time-use refresh tokens,
// both bound to a device fingerprint hash.
package token

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/vantagetrade/authcore/internal/crypto"
)

// Kind discriminates the two token flavours.
type Kind string

const (
	KindAccess  Kind = "ACCESS"
	KindRefresh Kind = "REFRESH"
)

// Error taxonomy. Signature verification and expiry are checked before any
// claim is trusted.
var (
	ErrMalformed      = errors.New("token is malformed")
	ErrBadSignature   = errors.New("token signature verification failed")
	ErrExpired        = errors.New("token has expired")
	ErrRevoked        = errors.New("token has been revoked")
	ErrWrongKind      = errors.New("token is of the wrong kind")
	ErrDeviceMismatch = errors.New("token is bound to a different device")
)

// Claims is the signed token envelope.
type Claims struct {
	UserID          int64  `json:"uid"`
	Kind            Kind   `json:"knd"`
	FingerprintHash string `json:"fph"`
	Role            string `json:"rol,omitempty"`
	ServiceID       string `json:"svc,omitempty"`
	jwt.RegisteredClaims
}

// Pair is an access/refresh token pair returned to clients.
type Pair struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    int64 // access token lifetime in seconds
}

// RevocationStore is the fast jti lookup backing one-time-use refresh and
// explicit revocation. Entries carry a TTL equal to the token's remaining
// lifetime so the set never grows unbounded.
type RevocationStore interface {
	// Revoke marks a jti revoked. It reports whether this call was the one
	// that performed the revocation (false when already revoked), which is
	// what makes refresh rotation atomic.
	Revoke(ctx context.Context, jti string, ttl time.Duration) (bool, error)
	IsRevoked(ctx context.Context, jti string) (bool, error)
	// SetUserCutoff invalidates every token of the user issued before at.
	SetUserCutoff(ctx context.Context, userID int64, at time.Time, ttl time.Duration) error
	// UserCutoff returns the user's cutoff instant, if one is set.
	UserCutoff(ctx context.Context, userID int64) (time.Time, bool, error)
}

// Leeway tolerated on expiry checks to absorb clock skew.
const Leeway = 30 * time.Second

// Service issues, validates, refreshes and revokes bearer tokens. Signing
// is HMAC-SHA256; the envelope carries a kid header so keys can rotate.
type Service struct {
	keys       map[string][]byte
	activeKid  string
	issuer     string
	accessTTL  time.Duration
	refreshTTL time.Duration
	revoked    RevocationStore
	now        func() time.Time
}

// Config for the token service.
type Config struct {
	SigningKeys map[string][]byte // kid -> 32-byte HMAC key
	ActiveKid   string
	Issuer      string
	AccessTTL   time.Duration
	RefreshTTL  time.Duration
}

// NewService validates the signing configuration and builds the service.
func NewService(cfg Config, revoked RevocationStore) (*Service, error) {
	key, ok := cfg.SigningKeys[cfg.ActiveKid]
	if !ok {
		return nil, fmt.Errorf("active kid %q has no signing key", cfg.ActiveKid)
	}
	if len(key) < 32 {
		return nil, errors.New("signing key must be at least 32 bytes")
	}
	return &Service{
		keys:       cfg.SigningKeys,
		activeKid:  cfg.ActiveKid,
		issuer:     cfg.Issuer,
		accessTTL:  cfg.AccessTTL,
		refreshTTL: cfg.RefreshTTL,
		revoked:    revoked,
		now:        time.Now,
	}, nil
}

// AccessTTL is the configured access token lifetime.
func (s *Service) AccessTTL() time.Duration { return s.accessTTL }

// FingerprintHash is the digest of a raw device fingerprint as embedded in
// tokens and stored on sessions. The raw fingerprint is never persisted.
func FingerprintHash(fingerprint string) string {
	return crypto.SHA256Hex([]byte(fingerprint))
}

// Issue creates a single signed token of the given kind bound to the
// caller's device fingerprint.
func (s *Service) Issue(userID int64, fingerprint string, kind Kind) (string, *Claims, error) {
	ttl := s.accessTTL
	if kind == KindRefresh {
		ttl = s.refreshTTL
	}
	now := s.now()
	claims := &Claims{
		UserID:          userID,
		Kind:            kind,
		FingerprintHash: FingerprintHash(fingerprint),
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    s.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := s.sign(claims)
	if err != nil {
		return "", nil, err
	}
	return signed, claims, nil
}

// IssuePair creates a fresh access+refresh pair for a user.
func (s *Service) IssuePair(userID int64, fingerprint string) (*Pair, error) {
	access, _, err := s.Issue(userID, fingerprint, KindAccess)
	if err != nil {
		return nil, err
	}
	refresh, _, err := s.Issue(userID, fingerprint, KindRefresh)
	if err != nil {
		return nil, err
	}
	return &Pair{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresIn:    int64(s.accessTTL.Seconds()),
	}, nil
}

// IssueService creates a short-lived access token denoting
// service-to-service authorisation. No user is involved.
func (s *Service) IssueService(serviceID string) (string, error) {
	now := s.now()
	claims := &Claims{
		Kind:      KindAccess,
		ServiceID: serviceID,
		Role:      "SERVICE",
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    s.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.accessTTL)),
		},
	}
	return s.sign(claims)
}

func (s *Service) sign(claims *Claims) (string, error) {
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tok.Header["kid"] = s.activeKid
	signed, err := tok.SignedString(s.keys[s.activeKid])
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// Validate parses and verifies a token: envelope, signature (by kid),
// expiry with leeway, then revocation. Claims are returned only after all
// checks pass.
func (s *Service) Validate(ctx context.Context, tokenString string) (*Claims, error) {
	parsed, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		kid, _ := t.Header["kid"].(string)
		key, ok := s.keys[kid]
		if !ok {
			return nil, fmt.Errorf("unknown kid %q", kid)
		}
		return key, nil
	}, jwt.WithLeeway(Leeway), jwt.WithTimeFunc(s.now))
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			return nil, ErrExpired
		case errors.Is(err, jwt.ErrTokenSignatureInvalid):
			return nil, ErrBadSignature
		default:
			return nil, ErrMalformed
		}
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, ErrMalformed
	}

	revoked, err := s.revoked.IsRevoked(ctx, claims.ID)
	if err != nil {
		return nil, fmt.Errorf("revocation lookup failed: %w", err)
	}
	if revoked {
		return nil, ErrRevoked
	}

	if claims.UserID != 0 {
		cutoff, ok, err := s.revoked.UserCutoff(ctx, claims.UserID)
		if err != nil {
			return nil, fmt.Errorf("cutoff lookup failed: %w", err)
		}
		// iat is serialized at second precision; compare at the same
		// granularity so tokens issued after the cutoff are not caught.
		if ok && claims.IssuedAt != nil && claims.IssuedAt.Before(cutoff.Truncate(time.Second)) {
			return nil, ErrRevoked
		}
	}
	return claims, nil
}

// RevokeAllForUser invalidates every outstanding token of a user, as after
// a password change. The cutoff lives as long as the longest-lived token
// it can affect.
func (s *Service) RevokeAllForUser(ctx context.Context, userID int64) error {
	return s.revoked.SetUserCutoff(ctx, userID, s.now(), s.refreshTTL+Leeway)
}

// Refresh exchanges a refresh token for a new pair. The old refresh token
// is revoked atomically: whichever concurrent call wins the revocation race
// gets the new pair, every other call observes ErrRevoked.
func (s *Service) Refresh(ctx context.Context, refreshToken, currentFingerprint string) (*Pair, error) {
	claims, err := s.Validate(ctx, refreshToken)
	if err != nil {
		return nil, err
	}
	if claims.Kind != KindRefresh {
		return nil, ErrWrongKind
	}
	if !crypto.ConstantTimeEquals(claims.FingerprintHash, FingerprintHash(currentFingerprint)) {
		return nil, ErrDeviceMismatch
	}

	won, err := s.revoked.Revoke(ctx, claims.ID, s.remaining(claims))
	if err != nil {
		return nil, fmt.Errorf("refresh rotation failed: %w", err)
	}
	if !won {
		return nil, ErrRevoked
	}
	return s.IssuePair(claims.UserID, currentFingerprint)
}

// Revoke invalidates a single token by jti for its remaining lifetime.
func (s *Service) Revoke(ctx context.Context, tokenString string) error {
	claims, err := s.Validate(ctx, tokenString)
	if err != nil {
		if errors.Is(err, ErrRevoked) {
			return nil // already revoked; idempotent
		}
		return err
	}
	_, err = s.revoked.Revoke(ctx, claims.ID, s.remaining(claims))
	return err
}

// RevokeClaims invalidates an already-validated token.
func (s *Service) RevokeClaims(ctx context.Context, claims *Claims) error {
	_, err := s.revoked.Revoke(ctx, claims.ID, s.remaining(claims))
	return err
}

func (s *Service) remaining(claims *Claims) time.Duration {
	ttl := claims.ExpiresAt.Sub(s.now()) + Leeway
	if ttl < time.Minute {
		ttl = time.Minute
	}
	return ttl
}

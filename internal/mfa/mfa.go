// Package mfa implements the second factor: RFC 6238 TOTP verification with
// replay defence, provisioning, and single-use backup codes.
package mfa

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"

	"github.com/vantagetrade/authcore/internal/crypto"
	"github.com/vantagetrade/authcore/internal/events"
)

var (
	ErrNotEnabled  = errors.New("mfa not enabled for user")
	ErrInvalidCode = errors.New("invalid mfa code")
	ErrReplayed    = errors.New("mfa code already used")
)

// Period is the TOTP timestep. Verification accepts the current step and one
// step on either side.
const Period = 30 * time.Second

// backupCodeCount is issued at enrollment.
const backupCodeCount = 10

// Config is a user's MFA enrollment. The secret is encrypted at rest;
// backup codes are stored hashed.
type Config struct {
	UserID          int64
	Type            string // "TOTP"
	EncryptedSecret string
	Enabled         bool
}

// Store persists MFA configuration and backup codes.
type Store interface {
	GetConfig(ctx context.Context, userID int64) (*Config, error)
	SaveConfig(ctx context.Context, cfg *Config) error
	SetEnabled(ctx context.Context, userID int64, enabled bool) error
	// ReplaceBackupCodes swaps the full hashed code set.
	ReplaceBackupCodes(ctx context.Context, userID int64, hashes []string) error
	// ConsumeBackupCode atomically deletes the hash if present and reports
	// (consumed, remaining count).
	ConsumeBackupCode(ctx context.Context, userID int64, hash string) (bool, int, error)
}

// ErrConfigNotFound is returned by stores when a user has no enrollment.
var ErrConfigNotFound = errors.New("mfa config not found")

// ReplayGuard remembers successfully verified (user, step) pairs for
// 2 × window so a code can never be accepted twice.
type ReplayGuard interface {
	// MarkUsed reports whether the pair was fresh (true) or replayed (false).
	MarkUsed(ctx context.Context, userID int64, step int64, ttl time.Duration) (bool, error)
}

// Decryptor is the slice of the credential-encryption service MFA needs.
type Decryptor interface {
	Encrypt(ctx context.Context, plaintext string) (string, error)
	Decrypt(ctx context.Context, value string) (string, error)
}

// Enrollment is returned once at enroll time; the raw secret and codes are
// never retrievable again.
type Enrollment struct {
	SecretKey       string
	ProvisioningURI string
	BackupCodes     []string
}

// Service coordinates TOTP verification, provisioning and backup codes.
type Service struct {
	store     Store
	replay    ReplayGuard
	encryptor Decryptor
	bus       *events.Bus
	issuer    string
	logger    *slog.Logger
	now       func() time.Time
}

func NewService(store Store, replay ReplayGuard, encryptor Decryptor, bus *events.Bus, issuer string, logger *slog.Logger) *Service {
	return &Service{
		store:     store,
		replay:    replay,
		encryptor: encryptor,
		bus:       bus,
		issuer:    issuer,
		logger:    logger,
		now:       time.Now,
	}
}

// Enroll provisions TOTP for a user: generates a secret, encrypts it at
// rest, and issues fresh single-use backup codes.
func (s *Service) Enroll(ctx context.Context, userID int64, accountEmail string) (*Enrollment, error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      s.issuer,
		AccountName: accountEmail,
		Period:      uint(Period.Seconds()),
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to generate totp key: %w", err)
	}

	encrypted, err := s.encryptor.Encrypt(ctx, key.Secret())
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt totp secret: %w", err)
	}

	codes, err := GenerateBackupCodes(backupCodeCount)
	if err != nil {
		return nil, err
	}
	hashes := make([]string, len(codes))
	for i, code := range codes {
		hashes[i] = crypto.SHA256Hex([]byte(code))
	}

	cfg := &Config{UserID: userID, Type: "TOTP", EncryptedSecret: encrypted, Enabled: false}
	if err := s.store.SaveConfig(ctx, cfg); err != nil {
		return nil, fmt.Errorf("failed to persist mfa config: %w", err)
	}
	if err := s.store.ReplaceBackupCodes(ctx, userID, hashes); err != nil {
		return nil, fmt.Errorf("failed to persist backup codes: %w", err)
	}

	return &Enrollment{
		SecretKey:       key.Secret(),
		ProvisioningURI: ProvisioningURI(s.issuer, accountEmail, key.Secret()),
		BackupCodes:     codes,
	}, nil
}

// Activate flips enrollment on after the user proves possession with one
// valid code.
func (s *Service) Activate(ctx context.Context, userID int64, code string) error {
	if err := s.verifyTOTP(ctx, userID, code, false); err != nil {
		return err
	}
	return s.store.SetEnabled(ctx, userID, true)
}

// VerifyTOTP checks a 6-digit code against the current step ±1 and records
// the matched step so the same code cannot be replayed within 2 × window.
func (s *Service) VerifyTOTP(ctx context.Context, userID int64, code string) error {
	return s.verifyTOTP(ctx, userID, code, true)
}

func (s *Service) verifyTOTP(ctx context.Context, userID int64, code string, requireEnabled bool) error {
	cfg, err := s.store.GetConfig(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrConfigNotFound) {
			return ErrNotEnabled
		}
		return err
	}
	if requireEnabled && !cfg.Enabled {
		return ErrNotEnabled
	}

	secret, err := s.encryptor.Decrypt(ctx, cfg.EncryptedSecret)
	if err != nil {
		return fmt.Errorf("failed to decrypt totp secret: %w", err)
	}

	step, ok := s.matchStep(code, secret)
	if !ok {
		return ErrInvalidCode
	}

	fresh, err := s.replay.MarkUsed(ctx, userID, step, 2*Period)
	if err != nil {
		return fmt.Errorf("replay guard failed: %w", err)
	}
	if !fresh {
		return ErrReplayed
	}
	return nil
}

// matchStep finds which timestep (current, previous, next) produced the
// code, comparing in constant time.
func (s *Service) matchStep(code, secret string) (int64, bool) {
	now := s.now()
	current := now.Unix() / int64(Period.Seconds())
	for _, step := range []int64{current, current - 1, current + 1} {
		at := time.Unix(step*int64(Period.Seconds()), 0)
		expected, err := totp.GenerateCodeCustom(secret, at, totp.ValidateOpts{
			Period:    uint(Period.Seconds()),
			Digits:    otp.DigitsSix,
			Algorithm: otp.AlgorithmSHA1,
		})
		if err != nil {
			continue
		}
		if crypto.ConstantTimeEquals(code, expected) {
			return step, true
		}
	}
	return 0, false
}

// RedeemBackupCode consumes a single-use backup code. Running out of codes
// is reported as an audit event, not a failure.
func (s *Service) RedeemBackupCode(ctx context.Context, userID int64, code string) error {
	cfg, err := s.store.GetConfig(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrConfigNotFound) {
			return ErrNotEnabled
		}
		return err
	}
	if !cfg.Enabled {
		return ErrNotEnabled
	}

	consumed, remaining, err := s.store.ConsumeBackupCode(ctx, userID, crypto.SHA256Hex([]byte(code)))
	if err != nil {
		return fmt.Errorf("backup code redemption failed: %w", err)
	}
	if !consumed {
		return ErrInvalidCode
	}
	if remaining == 0 {
		s.logger.Warn("backup_codes_exhausted", "user_id", userID)
		s.bus.Publish(events.Event{
			Topic:  events.TopicMFA,
			Name:   "mfa.backup_codes_exhausted",
			UserID: &userID,
		})
	}
	return nil
}

// Disable turns MFA off for a user.
func (s *Service) Disable(ctx context.Context, userID int64) error {
	return s.store.SetEnabled(ctx, userID, false)
}

// Enabled reports whether the user has an active enrollment.
func (s *Service) Enabled(ctx context.Context, userID int64) (bool, error) {
	cfg, err := s.store.GetConfig(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrConfigNotFound) {
			return false, nil
		}
		return false, err
	}
	return cfg.Enabled, nil
}

// ProvisioningURI builds the otpauth:// URI consumed by authenticator apps.
func ProvisioningURI(issuer, accountEmail, secret string) string {
	return fmt.Sprintf(
		"otpauth://totp/%s:%s?secret=%s&issuer=%s&algorithm=SHA1&digits=6&period=30",
		url.PathEscape(issuer), url.PathEscape(accountEmail), secret, url.QueryEscape(issuer),
	)
}

// GenerateBackupCodes creates cryptographically secure recovery codes in
// XXXX-XXXX format. The charset excludes I, O, 0 and 1 for readability.
func GenerateBackupCodes(count int) ([]string, error) {
	const chars = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	codes := make([]string, count)
	for i := range codes {
		raw, err := crypto.RandomBytes(8)
		if err != nil {
			return nil, err
		}
		code := make([]byte, 8)
		for j, b := range raw {
			code[j] = chars[int(b)%len(chars)]
		}
		codes[i] = string(code[:4]) + "-" + string(code[4:])
	}
	return codes, nil
}

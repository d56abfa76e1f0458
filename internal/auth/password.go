package auth

import (
	"context"
	"errors"

	"github.com/vantagetrade/authcore/internal/audit"
	"github.com/vantagetrade/authcore/internal/mfa"
	"github.com/vantagetrade/authcore/internal/token"
	"github.com/vantagetrade/authcore/internal/user"
	"github.com/vantagetrade/authcore/pkg/outcome"
	"github.com/vantagetrade/authcore/pkg/validate"
)

var loginRules = validate.Chain(
	validate.Field("email", func(r *Request) string { return r.Email }, validate.NonEmpty),
	validate.Field("password", func(r *Request) string { return r.Password }, validate.MinLen(8)),
)

// checkCredentials is the shared front half of the password and MFA flows:
// lookup, lock handling, constant-time password verification, attempt
// accounting. Every failure path emits exactly one audit record and the
// caller-visible error never reveals whether the email exists.
func (d *deps) checkCredentials(ctx context.Context, req *Request) outcome.Result[*user.User] {
	if r := loginRules(req); !r.IsOK() {
		return outcome.Fail[*user.User](r.Err())
	}

	u, err := d.users.GetByEmail(ctx, user.CanonicalEmail(req.Email))
	if err != nil {
		if errors.Is(err, user.ErrNotFound) {
			d.audited(ctx, audit.Event{
				Type: audit.EventLoginFailed, Status: audit.StatusFailed,
				IPAddress: req.IPAddress, UserAgent: req.UserAgent,
				Details: map[string]any{"reason": "unknown_email"},
			})
			return outcome.Failf[*user.User](outcome.KindBadCredentials, "invalid credentials")
		}
		return outcome.Fail[*user.User](outcome.Wrap(outcome.KindInternal, "user lookup failed", err))
	}

	now := d.now()
	if u.Locked(now) {
		d.audited(ctx, audit.Event{
			UserID: &u.ID, Type: audit.EventLoginFailed, Status: audit.StatusBlocked,
			IPAddress: req.IPAddress, UserAgent: req.UserAgent,
			Details: map[string]any{"reason": "account_locked"},
		})
		return outcome.Failf[*user.User](outcome.KindAccountLocked, "account is locked")
	}
	if u.AccountStatus == user.StatusLocked {
		// The lock has lapsed; restore the account before proceeding.
		if err := d.users.Unlock(ctx, u.ID); err != nil {
			return outcome.Fail[*user.User](outcome.Wrap(outcome.KindInternal, "unlock failed", err))
		}
		u.AccountStatus = user.StatusActive
		u.LockedUntil = nil
		u.FailedLoginAttempts = 0
	}

	switch u.AccountStatus {
	case user.StatusSuspended:
		d.audited(ctx, audit.Event{
			UserID: &u.ID, Type: audit.EventLoginFailed, Status: audit.StatusBlocked,
			IPAddress: req.IPAddress, UserAgent: req.UserAgent,
			Details: map[string]any{"reason": "account_suspended"},
		})
		return outcome.Failf[*user.User](outcome.KindAccountSuspended, "account is suspended")
	case user.StatusDeactivated:
		d.audited(ctx, audit.Event{
			UserID: &u.ID, Type: audit.EventLoginFailed, Status: audit.StatusBlocked,
			IPAddress: req.IPAddress, UserAgent: req.UserAgent,
			Details: map[string]any{"reason": "account_deactivated"},
		})
		return outcome.Failf[*user.User](outcome.KindAccountDeactivated, "account is deactivated")
	}

	if !d.hasher.Verify(u.PasswordHash, req.Password) {
		return d.badPassword(ctx, u, req)
	}
	return outcome.OK(u)
}

// badPassword bumps the attempt counter, locking the account at the
// threshold. The HTTP-visible error is the generic one either way; the
// lock surfaces on the next attempt.
func (d *deps) badPassword(ctx context.Context, u *user.User, req *Request) outcome.Result[*user.User] {
	attempts, err := d.users.IncrementFailedAttempts(ctx, u.ID)
	if err != nil {
		return outcome.Fail[*user.User](outcome.Wrap(outcome.KindInternal, "attempt accounting failed", err))
	}

	fph := token.FingerprintHash(req.Fingerprint)
	newDevice := u.LastDeviceFingerprint != "" && u.LastDeviceFingerprint != fph

	if attempts >= d.policy.MaxFailedAttempts {
		until := d.now().Add(d.policy.LockDuration)
		if err := d.users.Lock(ctx, u.ID, until); err != nil {
			return outcome.Fail[*user.User](outcome.Wrap(outcome.KindInternal, "account lock failed", err))
		}
		d.logger.Warn("account_locked", "user_id", u.ID, "until", until)
		if d.mailer != nil {
			d.sendLockNotice(ctx, u.Email)
		}
	}

	d.audited(ctx, audit.Event{
		UserID: &u.ID, Type: audit.EventLoginFailed, Status: audit.StatusFailed,
		IPAddress: req.IPAddress, UserAgent: req.UserAgent,
		FailedAttempt: attempts, NewDevice: newDevice,
		Details: map[string]any{"reason": "bad_password", "attempts": attempts},
	})
	return outcome.Failf[*user.User](outcome.KindBadCredentials, "invalid credentials")
}

// PasswordStrategy is the fallback flow: email + password. Users with MFA
// enabled get a requires-MFA response instead of tokens.
type PasswordStrategy struct {
	*deps
}

func (s *PasswordStrategy) Name() string             { return "password" }
func (s *PasswordStrategy) Priority() int            { return 10 }
func (s *PasswordStrategy) Applies(req *Request) bool { return true }

func (s *PasswordStrategy) Authenticate(ctx context.Context, req *Request) outcome.Result[*Response] {
	return outcome.FlatMap(s.checkCredentials(ctx, req), func(u *user.User) outcome.Result[*Response] {
		enabled, err := s.mfa.Enabled(ctx, u.ID)
		if err != nil {
			return outcome.Fail[*Response](outcome.Wrap(outcome.KindInternal, "mfa lookup failed", err))
		}
		if enabled {
			s.audited(ctx, audit.Event{
				UserID: &u.ID, Type: audit.EventLogin, Status: audit.StatusPending,
				IPAddress: req.IPAddress, UserAgent: req.UserAgent,
				Details: map[string]any{"reason": "mfa_required"},
			})
			return outcome.OK(&Response{RequiresMFA: true})
		}
		return s.issue(ctx, u, req)
	})
}

// MFAStrategy runs when the request carries an mfa_code: password check
// plus second factor. A failed code never consumes the password attempt
// budget.
type MFAStrategy struct {
	*deps
}

func (s *MFAStrategy) Name() string             { return "mfa" }
func (s *MFAStrategy) Priority() int            { return 20 }
func (s *MFAStrategy) Applies(req *Request) bool { return req.MFACode != "" }

func (s *MFAStrategy) Authenticate(ctx context.Context, req *Request) outcome.Result[*Response] {
	return outcome.FlatMap(s.checkCredentials(ctx, req), func(u *user.User) outcome.Result[*Response] {
		if err := s.verifySecondFactor(ctx, u.ID, req.MFACode); err != nil {
			s.audited(ctx, audit.Event{
				UserID: &u.ID, Type: audit.EventMFAFailed, Status: audit.StatusFailed,
				IPAddress: req.IPAddress, UserAgent: req.UserAgent,
			})
			return outcome.Fail[*Response](outcome.Wrap(outcome.KindBadMFA, "mfa verification failed", err))
		}
		s.audited(ctx, audit.Event{
			UserID: &u.ID, Type: audit.EventMFAVerified, Status: audit.StatusSuccess,
			IPAddress: req.IPAddress, UserAgent: req.UserAgent,
		})
		return s.issue(ctx, u, req)
	})
}

// verifySecondFactor accepts a TOTP code or, failing that, a backup code.
func (s *MFAStrategy) verifySecondFactor(ctx context.Context, userID int64, code string) error {
	err := s.mfa.VerifyTOTP(ctx, userID, code)
	if err == nil {
		return nil
	}
	if errors.Is(err, mfa.ErrInvalidCode) {
		return s.mfa.RedeemBackupCode(ctx, userID, code)
	}
	return err
}

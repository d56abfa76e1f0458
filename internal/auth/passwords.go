package auth

import (
	"context"
	"errors"
	"time"

	"github.com/vantagetrade/authcore/internal/audit"
	"github.com/vantagetrade/authcore/internal/breaker"
	"github.com/vantagetrade/authcore/internal/crypto"
	"github.com/vantagetrade/authcore/internal/notify"
	"github.com/vantagetrade/authcore/internal/user"
	"github.com/vantagetrade/authcore/pkg/outcome"
	"github.com/vantagetrade/authcore/pkg/validate"
)

// resetTokenTTL for password reset links.
const resetTokenTTL = time.Hour

// PasswordManager handles reset-by-token and change-with-proof. Every
// successful path terminates the user's sessions and revokes outstanding
// tokens.
type PasswordManager struct {
	*deps
	tokenStore user.TokenStore
	appURL     string
}

func NewPasswordManager(d Deps, tokenStore user.TokenStore, appURL string) *PasswordManager {
	return &PasswordManager{deps: d.internal(), tokenStore: tokenStore, appURL: appURL}
}

// InitiateReset issues a reset token and emails it. The result is identical
// whether the email exists or not; only the audit trail knows.
func (m *PasswordManager) InitiateReset(ctx context.Context, email, ip, userAgent string) outcome.Result[struct{}] {
	u, err := m.users.GetByEmail(ctx, user.CanonicalEmail(email))
	if err != nil {
		if errors.Is(err, user.ErrNotFound) {
			m.audited(ctx, audit.Event{
				Type: audit.EventPasswordReset, Status: audit.StatusPending,
				IPAddress: ip, UserAgent: userAgent,
				Details: map[string]any{"reason": "unknown_email"},
			})
			return outcome.OK(struct{}{})
		}
		return outcome.Fail[struct{}](outcome.Wrap(outcome.KindInternal, "user lookup failed", err))
	}

	tok, err := crypto.RandomToken(32)
	if err != nil {
		return outcome.Fail[struct{}](outcome.Wrap(outcome.KindInternal, "token generation failed", err))
	}
	err = m.tokenStore.Issue(ctx, &user.VerificationToken{
		Token:     tok,
		UserID:    u.ID,
		Type:      user.TokenPasswordReset,
		ExpiresAt: m.now().Add(resetTokenTTL),
		IPAddress: ip,
		UserAgent: userAgent,
	})
	if err != nil {
		return outcome.Fail[struct{}](outcome.Wrap(outcome.KindInternal, "token persist failed", err))
	}

	_, err = m.breakers.Execute(ctx, breaker.Email, func(ctx context.Context) (any, error) {
		return nil, m.mailer.Send(ctx, notify.Message{
			To:       u.Email,
			Template: notify.TemplatePasswordReset,
			Data:     map[string]string{"link": m.appURL + "/reset-password?token=" + tok},
		})
	})
	if err != nil {
		m.logger.Warn("reset_email_deferred", "user_id", u.ID, "err", err)
	}

	m.audited(ctx, audit.Event{
		UserID: &u.ID, Type: audit.EventPasswordReset, Status: audit.StatusPending,
		IPAddress: ip, UserAgent: userAgent,
	})
	return outcome.OK(struct{}{})
}

// CompleteReset redeems a reset token and installs the new password.
func (m *PasswordManager) CompleteReset(ctx context.Context, tok, newPassword, ip, userAgent string) outcome.Result[struct{}] {
	if err := validate.PasswordPolicy(newPassword); err != nil {
		return outcome.Fail[struct{}](err)
	}
	vt, err := m.tokenStore.Consume(ctx, tok, user.TokenPasswordReset)
	if err != nil {
		if errors.Is(err, user.ErrTokenInvalid) {
			return outcome.Failf[struct{}](outcome.KindNotFound, "reset token expired or used")
		}
		return outcome.Fail[struct{}](outcome.Wrap(outcome.KindInternal, "token consumption failed", err))
	}
	return m.install(ctx, vt.UserID, newPassword, audit.EventPasswordReset, ip, userAgent)
}

// Change installs a new password after the caller proves the current one.
func (m *PasswordManager) Change(ctx context.Context, userID int64, currentPassword, newPassword, ip, userAgent string) outcome.Result[struct{}] {
	if err := validate.PasswordPolicy(newPassword); err != nil {
		return outcome.Fail[struct{}](err)
	}
	u, err := m.users.GetByID(ctx, userID)
	if err != nil {
		return outcome.Fail[struct{}](outcome.Wrap(outcome.KindInternal, "user lookup failed", err))
	}
	if !m.hasher.Verify(u.PasswordHash, currentPassword) {
		m.audited(ctx, audit.Event{
			UserID: &u.ID, Type: audit.EventPasswordChanged, Status: audit.StatusFailed,
			IPAddress: ip, UserAgent: userAgent,
			Details: map[string]any{"reason": "bad_current_password"},
		})
		return outcome.Failf[struct{}](outcome.KindBadCredentials, "current password is incorrect")
	}
	return m.install(ctx, userID, newPassword, audit.EventPasswordChanged, ip, userAgent)
}

// install persists the new hash, then cuts off every live credential:
// sessions and outstanding tokens.
func (m *PasswordManager) install(ctx context.Context, userID int64, newPassword, event, ip, userAgent string) outcome.Result[struct{}] {
	hash, err := m.hasher.Hash(newPassword)
	if err != nil {
		return outcome.Fail[struct{}](outcome.Wrap(outcome.KindInternal, "password hashing failed", err))
	}
	if err := m.users.UpdatePassword(ctx, userID, hash, m.now().UTC()); err != nil {
		return outcome.Fail[struct{}](outcome.Wrap(outcome.KindInternal, "password persist failed", err))
	}

	if _, err := m.sessions.TerminateAllForUser(ctx, userID); err != nil {
		m.logger.Error("session_revocation_failed", "user_id", userID, "err", err)
	}
	if err := m.tokens.RevokeAllForUser(ctx, userID); err != nil {
		m.logger.Error("token_revocation_failed", "user_id", userID, "err", err)
	}

	m.audited(ctx, audit.Event{
		UserID: &userID, Type: event, Status: audit.StatusSuccess,
		IPAddress: ip, UserAgent: userAgent,
	})

	if u, err := m.users.GetByID(ctx, userID); err == nil && m.mailer != nil {
		_, err := m.breakers.Execute(ctx, breaker.Email, func(ctx context.Context) (any, error) {
			return nil, m.mailer.Send(ctx, notify.Message{
				To:       u.Email,
				Template: notify.TemplatePasswordChanged,
			})
		})
		if err != nil {
			m.logger.Warn("password_change_notice_failed", "user_id", userID, "err", err)
		}
	}
	return outcome.OK(struct{}{})
}

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

// verificationTokenTTL for email verification links.
const verificationTokenTTL = 24 * time.Hour

// RegisterRequest is the registration input.
type RegisterRequest struct {
	Email       string     `json:"email"`
	Password    string     `json:"password"`
	FirstName   string     `json:"firstName"`
	LastName    string     `json:"lastName"`
	DateOfBirth *time.Time `json:"dateOfBirth,omitempty"`
	PhoneNumber *string    `json:"phoneNumber,omitempty"`
	Address     *string    `json:"address,omitempty"`

	IPAddress string `json:"-"`
	UserAgent string `json:"-"`
}

var registerRules = validate.Chain(
	validate.Field("email", func(r *RegisterRequest) string { return r.Email }, validate.EmailFormat),
	validate.Field("password", func(r *RegisterRequest) string { return r.Password }, validate.PasswordPolicy),
	validate.Field("firstName", func(r *RegisterRequest) string { return r.FirstName }, validate.NonEmpty, validate.MaxLen(100)),
	validate.Field("lastName", func(r *RegisterRequest) string { return r.LastName }, validate.NonEmpty, validate.MaxLen(100)),
)

// Registrar runs the registration pipeline: validate, uniqueness, persist
// (user, profile, role, verification token in one transaction), send the
// verification email, audit.
type Registrar struct {
	*deps
	tokenStore user.TokenStore
	appURL     string
}

func NewRegistrar(d Deps, tokenStore user.TokenStore, appURL string) *Registrar {
	return &Registrar{deps: d.internal(), tokenStore: tokenStore, appURL: appURL}
}

// Register creates an account. The email send is not part of the
// transaction: its failure leaves the account (and token) in place and is
// recorded as pending.
func (r *Registrar) Register(ctx context.Context, req *RegisterRequest) outcome.Result[*user.User] {
	if v := registerRules(req); !v.IsOK() {
		return outcome.Fail[*user.User](v.Err())
	}

	email := user.CanonicalEmail(req.Email)
	if _, err := r.users.GetByEmail(ctx, email); err == nil {
		return r.conflict(ctx, req)
	} else if !errors.Is(err, user.ErrNotFound) {
		return outcome.Fail[*user.User](outcome.Wrap(outcome.KindInternal, "uniqueness check failed", err))
	}

	hash, err := r.hasher.Hash(req.Password)
	if err != nil {
		return outcome.Fail[*user.User](outcome.Wrap(outcome.KindInternal, "password hashing failed", err))
	}
	verifyToken, err := crypto.RandomToken(32)
	if err != nil {
		return outcome.Fail[*user.User](outcome.Wrap(outcome.KindInternal, "token generation failed", err))
	}

	now := r.now().UTC()
	reg := &user.Registration{
		User: &user.User{
			Email:             email,
			PasswordHash:      hash,
			FirstName:         req.FirstName,
			LastName:          req.LastName,
			AccountStatus:     user.StatusActive,
			KYCStatus:         user.KYCPending,
			SubscriptionTier:  user.TierFree,
			EmailVerified:     false,
			Enabled:           false,
			PasswordChangedAt: now,
			CreatedAt:         now,
		},
		Profile: &user.Profile{
			DateOfBirth: req.DateOfBirth,
			PhoneNumber: req.PhoneNumber,
			Address:     req.Address,
		},
		Role: user.RoleUser,
		Token: &user.VerificationToken{
			Token:     verifyToken,
			Type:      user.TokenEmailVerification,
			ExpiresAt: now.Add(verificationTokenTTL),
			IPAddress: req.IPAddress,
			UserAgent: req.UserAgent,
		},
	}

	if err := r.users.Register(ctx, reg); err != nil {
		if errors.Is(err, user.ErrEmailTaken) {
			return r.conflict(ctx, req)
		}
		return outcome.Fail[*user.User](outcome.Wrap(outcome.KindInternal, "registration persist failed", err))
	}

	r.sendVerification(ctx, reg.User, verifyToken, req)

	r.audited(ctx, audit.Event{
		UserID: &reg.User.ID, Type: audit.EventRegister, Status: audit.StatusSuccess,
		IPAddress: req.IPAddress, UserAgent: req.UserAgent,
	})
	return outcome.OK(reg.User)
}

func (r *Registrar) conflict(ctx context.Context, req *RegisterRequest) outcome.Result[*user.User] {
	r.audited(ctx, audit.Event{
		Type: audit.EventRegister, Status: audit.StatusFailed,
		IPAddress: req.IPAddress, UserAgent: req.UserAgent,
		Details: map[string]any{"reason": "CONFLICT"},
	})
	return outcome.Failf[*user.User](outcome.KindConflict, "email is already registered")
}

// sendVerification delivers the verification link through the email
// breaker. Failure keeps the token valid and audits delivery as pending.
func (r *Registrar) sendVerification(ctx context.Context, u *user.User, tok string, req *RegisterRequest) {
	_, err := r.breakers.Execute(ctx, breaker.Email, func(ctx context.Context) (any, error) {
		return nil, r.mailer.Send(ctx, notify.Message{
			To:       u.Email,
			Template: notify.TemplateEmailVerification,
			Data:     map[string]string{"link": r.appURL + "/auth/verify/email/" + tok},
		})
	})
	if err != nil {
		r.logger.Warn("verification_email_deferred", "user_id", u.ID, "err", err)
		r.audited(ctx, audit.Event{
			UserID: &u.ID, Type: audit.EventEmailSendPending, Status: audit.StatusPending,
			IPAddress: req.IPAddress, UserAgent: req.UserAgent,
		})
	}
}

// VerifyEmail consumes an email-verification token and marks the account
// verified.
func (r *Registrar) VerifyEmail(ctx context.Context, tok, ip, userAgent string) outcome.Result[int64] {
	vt, err := r.tokenStore.Consume(ctx, tok, user.TokenEmailVerification)
	if err != nil {
		if errors.Is(err, user.ErrTokenInvalid) {
			return outcome.Failf[int64](outcome.KindNotFound, "verification token expired or used")
		}
		return outcome.Fail[int64](outcome.Wrap(outcome.KindInternal, "token consumption failed", err))
	}
	if err := r.users.SetEmailVerified(ctx, vt.UserID); err != nil {
		return outcome.Fail[int64](outcome.Wrap(outcome.KindInternal, "verification persist failed", err))
	}
	r.audited(ctx, audit.Event{
		UserID: &vt.UserID, Type: audit.EventEmailVerified, Status: audit.StatusSuccess,
		IPAddress: ip, UserAgent: userAgent,
	})
	return outcome.OK(vt.UserID)
}

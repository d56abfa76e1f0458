// Package auth implements the authentication flows: the strategy registry
// (password, MFA, social, service API key), the registration pipeline and
// password management.
package auth

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/vantagetrade/authcore/internal/audit"
	"github.com/vantagetrade/authcore/internal/breaker"
	"github.com/vantagetrade/authcore/internal/metrics"
	"github.com/vantagetrade/authcore/internal/mfa"
	"github.com/vantagetrade/authcore/internal/notify"
	"github.com/vantagetrade/authcore/internal/session"
	"github.com/vantagetrade/authcore/internal/social"
	"github.com/vantagetrade/authcore/internal/token"
	"github.com/vantagetrade/authcore/internal/user"
	"github.com/vantagetrade/authcore/pkg/outcome"
)

// Request is a login attempt as seen by the strategies. Fingerprint is the
// raw device fingerprint; only its hash ever leaves this package.
type Request struct {
	Email          string
	Password       string
	MFACode        string
	SocialProvider string
	SocialToken    string
	APIKey         string

	IPAddress   string
	UserAgent   string
	Fingerprint string
}

// Response is a successful authentication.
type Response struct {
	AccessToken       string     `json:"accessToken,omitempty"`
	RefreshToken      string     `json:"refreshToken,omitempty"`
	TokenType         string     `json:"tokenType,omitempty"`
	ExpiresIn         int64      `json:"expiresIn,omitempty"`
	User              *user.User `json:"-"`
	DeviceFingerprint string     `json:"deviceFingerprint,omitempty"`
	SessionID         string     `json:"-"`
	RequiresMFA       bool       `json:"requiresMfa"`
	ServiceID         string     `json:"-"`
}

// Policy is the account-security configuration shared by strategies.
type Policy struct {
	MaxFailedAttempts int
	LockDuration      time.Duration
}

// Strategy is one way of proving identity. Applies inspects the request;
// the registry picks the highest-priority strategy that applies.
type Strategy interface {
	Name() string
	Priority() int
	Applies(req *Request) bool
	Authenticate(ctx context.Context, req *Request) outcome.Result[*Response]
}

// Registry selects and runs authentication strategies.
type Registry struct {
	strategies []Strategy
	logger     *slog.Logger
}

func NewRegistry(logger *slog.Logger, strategies ...Strategy) *Registry {
	sorted := make([]Strategy, len(strategies))
	copy(sorted, strategies)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Priority() > sorted[j].Priority()
	})
	return &Registry{strategies: sorted, logger: logger}
}

// Select returns the highest-priority strategy that applies to the request.
func (r *Registry) Select(req *Request) Strategy {
	for _, s := range r.strategies {
		if s.Applies(req) {
			return s
		}
	}
	return nil
}

// Authenticate routes the request to its strategy and records the outcome
// metric per strategy.
func (r *Registry) Authenticate(ctx context.Context, req *Request) outcome.Result[*Response] {
	s := r.Select(req)
	if s == nil {
		return outcome.Failf[*Response](outcome.KindValidation, "no authentication strategy applies")
	}
	res := s.Authenticate(ctx, req)
	label := "success"
	if !res.IsOK() {
		label = string(res.Err().Kind)
	}
	metrics.AuthAttempts.WithLabelValues(s.Name(), label).Inc()
	return res
}

// deps is the service graph shared by all strategies.
type deps struct {
	users    user.Store
	hasher   *Hasher
	tokens   *token.Service
	sessions *session.Manager
	mfa      *mfa.Service
	trail    *audit.Trail
	verifier social.Verifier
	breakers *breaker.Facade
	mailer   notify.Mailer
	policy   Policy
	logger   *slog.Logger
	now      func() time.Time
}

// Deps wires the strategy set. All fields are required except Verifier and
// Mailer, which only social login and registration use.
type Deps struct {
	Users    user.Store
	Hasher   *Hasher
	Tokens   *token.Service
	Sessions *session.Manager
	MFA      *mfa.Service
	Trail    *audit.Trail
	Verifier social.Verifier
	Breakers *breaker.Facade
	Mailer   notify.Mailer
	Policy   Policy
	Logger   *slog.Logger
}

func (d Deps) internal() *deps {
	return &deps{
		users:    d.Users,
		hasher:   d.Hasher,
		tokens:   d.Tokens,
		sessions: d.Sessions,
		mfa:      d.MFA,
		trail:    d.Trail,
		verifier: d.Verifier,
		breakers: d.Breakers,
		mailer:   d.Mailer,
		policy:   d.Policy,
		logger:   d.Logger,
		now:      time.Now,
	}
}

// NewStrategies builds the standard strategy set, ranked api-key > social >
// mfa > password.
func NewStrategies(d Deps, serviceKeys map[string]string) []Strategy {
	shared := d.internal()
	return []Strategy{
		&APIKeyStrategy{deps: shared, keys: serviceKeys},
		&SocialStrategy{deps: shared},
		&MFAStrategy{deps: shared},
		&PasswordStrategy{deps: shared},
	}
}

// audited emits exactly one audit record for an authentication path. Audit
// failures are logged, never surfaced.
func (d *deps) audited(ctx context.Context, ev audit.Event) {
	if _, err := d.trail.Append(ctx, ev); err != nil {
		d.logger.Error("audit_append_failed", "event", ev.Type, "err", err)
	}
}

// sendLockNotice emails the account holder about the lock through the
// email breaker. Delivery failure is non-fatal.
func (d *deps) sendLockNotice(ctx context.Context, email string) {
	_, err := d.breakers.Execute(ctx, breaker.Email, func(ctx context.Context) (any, error) {
		return nil, d.mailer.Send(ctx, notify.Message{
			To:       email,
			Template: notify.TemplateAccountLocked,
			Data:     map[string]string{"duration": d.policy.LockDuration.String()},
		})
	})
	if err != nil {
		d.logger.Warn("lock_notice_send_failed", "err", err)
	}
}

// issue finishes a successful authentication: counters, tokens, session,
// audit SUCCESS.
func (d *deps) issue(ctx context.Context, u *user.User, req *Request) outcome.Result[*Response] {
	now := d.now().UTC()
	fph := token.FingerprintHash(req.Fingerprint)
	newDevice := u.LastDeviceFingerprint != "" && u.LastDeviceFingerprint != fph
	locationShift := u.LastLoginIP != "" && u.LastLoginIP != req.IPAddress

	if err := d.users.ResetFailedAttempts(ctx, u.ID); err != nil {
		return outcome.Fail[*Response](outcome.Wrap(outcome.KindInternal, "failed to reset attempts", err))
	}
	if err := d.users.RecordLogin(ctx, u.ID, now, req.IPAddress, fph); err != nil {
		return outcome.Fail[*Response](outcome.Wrap(outcome.KindInternal, "failed to record login", err))
	}

	pair, err := d.tokens.IssuePair(u.ID, req.Fingerprint)
	if err != nil {
		return outcome.Fail[*Response](outcome.Wrap(outcome.KindInternal, "failed to issue tokens", err))
	}
	sess, err := d.sessions.Create(ctx, session.NewDevice{
		UserID:          u.ID,
		FingerprintHash: fph,
		IPAddress:       req.IPAddress,
		UserAgent:       req.UserAgent,
	})
	if err != nil {
		return outcome.Fail[*Response](outcome.Wrap(outcome.KindInternal, "failed to create session", err))
	}

	d.audited(ctx, audit.Event{
		UserID:        &u.ID,
		Type:          audit.EventLogin,
		Status:        audit.StatusSuccess,
		IPAddress:     req.IPAddress,
		UserAgent:     req.UserAgent,
		Location:      sess.Location,
		NewDevice:     newDevice,
		LocationShift: locationShift,
		Details:       map[string]any{"session_id": sess.ID},
	})

	return outcome.OK(&Response{
		AccessToken:       pair.AccessToken,
		RefreshToken:      pair.RefreshToken,
		TokenType:         "Bearer",
		ExpiresIn:         pair.ExpiresIn,
		User:              u,
		DeviceFingerprint: fph,
		SessionID:         sess.ID,
	})
}

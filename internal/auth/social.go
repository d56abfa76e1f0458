package auth

import (
	"context"
	"errors"

	"github.com/vantagetrade/authcore/internal/audit"
	"github.com/vantagetrade/authcore/internal/crypto"
	"github.com/vantagetrade/authcore/internal/social"
	"github.com/vantagetrade/authcore/internal/user"
	"github.com/vantagetrade/authcore/pkg/outcome"
)

// SocialStrategy authenticates via a third-party identity provider. The
// provider vouches for the email, so accounts created here start verified.
type SocialStrategy struct {
	*deps
}

func (s *SocialStrategy) Name() string  { return "social" }
func (s *SocialStrategy) Priority() int { return 30 }
func (s *SocialStrategy) Applies(req *Request) bool {
	return req.SocialProvider != "" && req.SocialToken != ""
}

func (s *SocialStrategy) Authenticate(ctx context.Context, req *Request) outcome.Result[*Response] {
	if !s.verifier.Supported(req.SocialProvider) {
		return outcome.Failf[*Response](outcome.KindValidation, "provider %q is not supported", req.SocialProvider)
	}

	id, err := s.verifier.Verify(ctx, req.SocialProvider, req.SocialToken)
	if err != nil {
		if errors.Is(err, social.ErrProviderRejected) {
			s.audited(ctx, audit.Event{
				Type: audit.EventLoginFailed, Status: audit.StatusFailed,
				IPAddress: req.IPAddress, UserAgent: req.UserAgent,
				Details: map[string]any{"reason": "provider_rejected", "provider": req.SocialProvider},
			})
			return outcome.Failf[*Response](outcome.KindBadCredentials, "provider rejected the token")
		}
		return outcome.Fail[*Response](outcome.Wrap(outcome.KindUpstreamDown, "provider verification failed", err))
	}

	u, err := s.users.GetByEmail(ctx, user.CanonicalEmail(id.Email))
	if errors.Is(err, user.ErrNotFound) {
		u, err = s.provision(ctx, id, req)
	}
	if err != nil {
		return outcome.Fail[*Response](outcome.Wrap(outcome.KindInternal, "social account resolution failed", err))
	}

	now := s.now()
	if u.Locked(now) {
		return outcome.Failf[*Response](outcome.KindAccountLocked, "account is locked")
	}
	switch u.AccountStatus {
	case user.StatusSuspended:
		return outcome.Failf[*Response](outcome.KindAccountSuspended, "account is suspended")
	case user.StatusDeactivated:
		return outcome.Failf[*Response](outcome.KindAccountDeactivated, "account is deactivated")
	}
	return s.issue(ctx, u, req)
}

// provision creates an account for a provider-vouched identity. The local
// password is an unguessable random value; password login stays possible
// only after an explicit reset.
func (s *SocialStrategy) provision(ctx context.Context, id *social.Identity, req *Request) (*user.User, error) {
	random, err := crypto.RandomToken(32)
	if err != nil {
		return nil, err
	}
	hash, err := s.hasher.Hash(random)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	reg := &user.Registration{
		User: &user.User{
			Email:             user.CanonicalEmail(id.Email),
			PasswordHash:      hash,
			FirstName:         id.FirstName,
			LastName:          id.LastName,
			AccountStatus:     user.StatusActive,
			KYCStatus:         user.KYCPending,
			SubscriptionTier:  user.TierFree,
			EmailVerified:     true,
			Enabled:           true,
			PasswordChangedAt: now,
			CreatedAt:         now,
		},
		Role: user.RoleUser,
	}
	if err := s.users.Register(ctx, reg); err != nil {
		return nil, err
	}

	s.audited(ctx, audit.Event{
		UserID: &reg.User.ID, Type: audit.EventRegister, Status: audit.StatusSuccess,
		IPAddress: req.IPAddress, UserAgent: req.UserAgent,
		Details: map[string]any{"provider": req.SocialProvider},
	})
	return reg.User, nil
}

// APIKeyStrategy authenticates inter-service callers by a pre-provisioned
// API key. Keys are held as SHA-256 digests; a match yields a short-lived
// service token and no user or session.
type APIKeyStrategy struct {
	*deps
	keys map[string]string // service name -> SHA-256 hex of key
}

func (s *APIKeyStrategy) Name() string              { return "api_key" }
func (s *APIKeyStrategy) Priority() int             { return 40 }
func (s *APIKeyStrategy) Applies(req *Request) bool { return req.APIKey != "" }

func (s *APIKeyStrategy) Authenticate(ctx context.Context, req *Request) outcome.Result[*Response] {
	digest := crypto.SHA256Hex([]byte(req.APIKey))
	var serviceID string
	for name, want := range s.keys {
		if crypto.ConstantTimeEquals(digest, want) {
			serviceID = name
			break
		}
	}
	if serviceID == "" {
		s.audited(ctx, audit.Event{
			Type: audit.EventLoginFailed, Status: audit.StatusFailed,
			IPAddress: req.IPAddress, UserAgent: req.UserAgent,
			Details: map[string]any{"reason": "unknown_api_key"},
		})
		return outcome.Failf[*Response](outcome.KindBadCredentials, "invalid api key")
	}

	access, err := s.tokens.IssueService(serviceID)
	if err != nil {
		return outcome.Fail[*Response](outcome.Wrap(outcome.KindInternal, "failed to issue service token", err))
	}

	s.audited(ctx, audit.Event{
		Type: audit.EventLogin, Status: audit.StatusSuccess,
		IPAddress: req.IPAddress, UserAgent: req.UserAgent,
		Details: map[string]any{"service": serviceID},
	})
	return outcome.OK(&Response{
		AccessToken: access,
		TokenType:   "Bearer",
		ExpiresIn:   int64(s.tokens.AccessTTL().Seconds()),
		ServiceID:   serviceID,
	})
}

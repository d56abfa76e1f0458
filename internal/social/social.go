// Package social verifies third-party identity-provider tokens. A token is
// only accepted after the provider itself confirms it; there is no
// development shortcut that trusts client-supplied identity.
package social

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/vantagetrade/authcore/internal/breaker"
)

var (
	ErrUnsupportedProvider = errors.New("social provider is not supported")
	ErrProviderRejected    = errors.New("provider rejected the token")
)

// Identity is what a provider vouches for.
type Identity struct {
	Email     string
	FirstName string
	LastName  string
}

// Verifier checks a provider token and returns the identity it asserts.
type Verifier interface {
	Supported(provider string) bool
	Verify(ctx context.Context, provider, token string) (*Identity, error)
}

// userinfoEndpoints per provider. The token is presented as a bearer
// credential; the provider's userinfo response is authoritative.
var userinfoEndpoints = map[string]string{
	"google": "https://openidconnect.googleapis.com/v1/userinfo",
	"github": "https://api.github.com/user",
}

// HTTPVerifier validates tokens against the provider's userinfo endpoint
// through the external_api circuit breaker.
type HTTPVerifier struct {
	providers map[string]string
	client    *http.Client
	breakers  *breaker.Facade
}

// NewHTTPVerifier restricts verification to the configured provider names.
func NewHTTPVerifier(supported []string, breakers *breaker.Facade) *HTTPVerifier {
	providers := make(map[string]string)
	for _, name := range supported {
		if endpoint, ok := userinfoEndpoints[name]; ok {
			providers[name] = endpoint
		}
	}
	return &HTTPVerifier{
		providers: providers,
		client:    &http.Client{Timeout: 5 * time.Second},
		breakers:  breakers,
	}
}

func (v *HTTPVerifier) Supported(provider string) bool {
	_, ok := v.providers[provider]
	return ok
}

func (v *HTTPVerifier) Verify(ctx context.Context, provider, token string) (*Identity, error) {
	endpoint, ok := v.providers[provider]
	if !ok {
		return nil, ErrUnsupportedProvider
	}
	return breaker.Do(ctx, v.breakers, breaker.ExternalAPI, func(ctx context.Context) (*Identity, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+token)
		resp, err := v.client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("provider request failed: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			return nil, ErrProviderRejected
		}
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("provider returned %d", resp.StatusCode)
		}

		var body struct {
			Email         string `json:"email"`
			EmailVerified bool   `json:"email_verified"`
			GivenName     string `json:"given_name"`
			FamilyName    string `json:"family_name"`
			Name          string `json:"name"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return nil, fmt.Errorf("provider response malformed: %w", err)
		}
		if body.Email == "" {
			return nil, ErrProviderRejected
		}
		id := &Identity{Email: body.Email, FirstName: body.GivenName, LastName: body.FamilyName}
		if id.FirstName == "" {
			id.FirstName = body.Name
		}
		return id, nil
	})
}

// StaticVerifier returns canned identities for known tokens. Test double.
type StaticVerifier struct {
	Providers  map[string]bool
	Identities map[string]*Identity // token -> identity
}

func (v *StaticVerifier) Supported(provider string) bool {
	return v.Providers[provider]
}

func (v *StaticVerifier) Verify(ctx context.Context, provider, token string) (*Identity, error) {
	if !v.Providers[provider] {
		return nil, ErrUnsupportedProvider
	}
	id, ok := v.Identities[token]
	if !ok {
		return nil, ErrProviderRejected
	}
	return id, nil
}

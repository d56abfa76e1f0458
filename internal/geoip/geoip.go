// Package geoip resolves IP addresses to coarse locations for session
// metadata and risk scoring. Lookups are best-effort.
package geoip

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/vantagetrade/authcore/internal/breaker"
)

// Unknown is the location recorded when resolution is unavailable.
const Unknown = "Unknown"

// Resolver maps an IP address to a "City, Country" label.
type Resolver interface {
	Resolve(ctx context.Context, ip string) (string, error)
}

// HTTPResolver queries an external geolocation endpoint through the geoip
// circuit breaker.
type HTTPResolver struct {
	endpoint string
	client   *http.Client
	breakers *breaker.Facade
}

func NewHTTPResolver(endpoint string, breakers *breaker.Facade) *HTTPResolver {
	return &HTTPResolver{
		endpoint: strings.TrimRight(endpoint, "/"),
		client:   &http.Client{Timeout: 5 * time.Second},
		breakers: breakers,
	}
}

func (r *HTTPResolver) Resolve(ctx context.Context, ip string) (string, error) {
	if net.ParseIP(ip) == nil {
		return Unknown, nil
	}
	return breaker.Do(ctx, r.breakers, breaker.GeoIP, func(ctx context.Context) (string, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.endpoint+"/"+ip, nil)
		if err != nil {
			return "", err
		}
		resp, err := r.client.Do(req)
		if err != nil {
			return "", fmt.Errorf("geoip request failed: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return "", fmt.Errorf("geoip endpoint returned %d", resp.StatusCode)
		}

		var body struct {
			City    string `json:"city"`
			Country string `json:"country"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return "", fmt.Errorf("geoip response malformed: %w", err)
		}
		switch {
		case body.City != "" && body.Country != "":
			return body.City + ", " + body.Country, nil
		case body.Country != "":
			return body.Country, nil
		default:
			return Unknown, nil
		}
	})
}

// StaticResolver returns fixed answers. Used in tests and local development.
type StaticResolver struct {
	Locations map[string]string
}

func (r *StaticResolver) Resolve(ctx context.Context, ip string) (string, error) {
	if loc, ok := r.Locations[ip]; ok {
		return loc, nil
	}
	return Unknown, nil
}

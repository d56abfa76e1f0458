// Package helpers holds the small request/response utilities shared by all
// handlers.
package helpers

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/vantagetrade/authcore/internal/breaker"
	"github.com/vantagetrade/authcore/pkg/outcome"
)

// RespondJSON writes a JSON response with the given status code.
func RespondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

// RespondError writes {"error": message} with the given status.
func RespondError(w http.ResponseWriter, status int, message string) {
	RespondJSON(w, status, map[string]string{"error": message})
}

// RespondOutcome maps an outcome error kind to its HTTP contract. Tripped
// upstream dependencies additionally set the X-Upstream-Degraded header.
func RespondOutcome(w http.ResponseWriter, err *outcome.Error) {
	switch err.Kind {
	case outcome.KindValidation:
		RespondError(w, http.StatusBadRequest, err.Msg)
	case outcome.KindNotFound:
		RespondError(w, http.StatusNotFound, "not_found")
	case outcome.KindConflict:
		RespondError(w, http.StatusConflict, "conflict")
	case outcome.KindBadCredentials, outcome.KindBadMFA:
		// Never reveal whether the email, password or code was wrong.
		RespondError(w, http.StatusUnauthorized, "bad_credentials")
	case outcome.KindAccountLocked:
		RespondError(w, http.StatusLocked, "account_locked")
	case outcome.KindAccountSuspended, outcome.KindAccountDeactivated, outcome.KindForbidden:
		RespondError(w, http.StatusForbidden, "forbidden")
	case outcome.KindMFARequired:
		RespondError(w, http.StatusUnauthorized, "mfa_required")
	case outcome.KindTokenMalformed, outcome.KindTokenExpired, outcome.KindTokenRevoked,
		outcome.KindTokenWrongKind, outcome.KindDeviceMismatch, outcome.KindUnauthorized:
		RespondError(w, http.StatusUnauthorized, "invalid_token")
	case outcome.KindUpstreamDown, outcome.KindUpstreamTimeout:
		if dep := breaker.DependencyOf(err.Err); dep != "" {
			w.Header().Set("X-Upstream-Degraded", dep)
		}
		RespondError(w, http.StatusServiceUnavailable, "upstream_unavailable")
	default:
		// An open or timed-out breaker anywhere in the chain is a degraded
		// dependency, whatever kind the service layer wrapped it in.
		if dep := breaker.DependencyOf(err.Err); dep != "" {
			switch breaker.ReasonOf(err.Err) {
			case breaker.OpenRejected, breaker.Timeout:
				w.Header().Set("X-Upstream-Degraded", dep)
				RespondError(w, http.StatusServiceUnavailable, "upstream_unavailable")
				return
			}
		}
		RespondError(w, http.StatusInternalServerError, "internal_error")
	}
}

// DecodeJSON decodes a request body, rejecting unknown fields.
func DecodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	return nil
}

// GetRealIP extracts the client IP, preferring proxy headers. The deployment
// fronts this service with a proxy that strips client-supplied values.
func GetRealIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		for _, part := range strings.Split(xff, ",") {
			if ip := net.ParseIP(strings.TrimSpace(part)); ip != nil {
				return ip.String()
			}
		}
	}
	if xr := r.Header.Get("X-Real-IP"); xr != "" {
		if ip := net.ParseIP(strings.TrimSpace(xr)); ip != nil {
			return ip.String()
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil {
		return host
	}
	return r.RemoteAddr
}

// fingerprintHeaders are the stable client headers hashed into the device
// fingerprint, in fixed order.
var fingerprintHeaders = []string{
	"User-Agent",
	"Accept-Language",
	"Sec-CH-UA",
	"Sec-CH-UA-Platform",
	"Sec-CH-UA-Mobile",
	"X-Device-Id",
}

// DeviceFingerprint derives the raw device fingerprint from the request.
// Only its SHA-256 hash is ever stored or embedded in tokens.
func DeviceFingerprint(r *http.Request) string {
	var b strings.Builder
	for i, h := range fingerprintHeaders {
		if i > 0 {
			b.WriteByte('|')
		}
		b.WriteString(r.Header.Get(h))
	}
	return b.String()
}

// FingerprintHash is the stored form of a device fingerprint.
func FingerprintHash(fingerprint string) string {
	sum := sha256.Sum256([]byte(fingerprint))
	return hex.EncodeToString(sum[:])
}

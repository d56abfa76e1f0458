package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/vantagetrade/authcore/internal/api/helpers"
	"github.com/vantagetrade/authcore/internal/api/middleware"
	"github.com/vantagetrade/authcore/internal/auth"
	"github.com/vantagetrade/authcore/internal/token"
	"github.com/vantagetrade/authcore/internal/user"
	"github.com/vantagetrade/authcore/pkg/outcome"
)

// userDTO is the public shape of an account. Password hashes and lockout
// state never leave the service.
type userDTO struct {
	ID               int64     `json:"id"`
	Email            string    `json:"email"`
	FirstName        string    `json:"firstName"`
	LastName         string    `json:"lastName"`
	Role             string    `json:"role"`
	AccountStatus    string    `json:"accountStatus"`
	KYCStatus        string    `json:"kycStatus"`
	SubscriptionTier string    `json:"subscriptionTier"`
	EmailVerified    bool      `json:"emailVerified"`
	CreatedAt        time.Time `json:"createdAt"`
}

func toUserDTO(u *user.User) *userDTO {
	return &userDTO{
		ID:               u.ID,
		Email:            u.Email,
		FirstName:        u.FirstName,
		LastName:         u.LastName,
		Role:             u.Role,
		AccountStatus:    string(u.AccountStatus),
		KYCStatus:        string(u.KYCStatus),
		SubscriptionTier: string(u.SubscriptionTier),
		EmailVerified:    u.EmailVerified,
		CreatedAt:        u.CreatedAt,
	}
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req auth.RegisterRequest
	if err := helpers.DecodeJSON(r, &req); err != nil {
		helpers.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}
	req.IPAddress = helpers.GetRealIP(r)
	req.UserAgent = r.UserAgent()

	res := s.registrar.Register(r.Context(), &req)
	if !res.IsOK() {
		helpers.RespondOutcome(w, res.Err())
		return
	}
	helpers.RespondJSON(w, http.StatusCreated, map[string]any{"user": toUserDTO(res.Value())})
}

type loginRequest struct {
	Email          string `json:"email,omitempty"`
	Password       string `json:"password,omitempty"`
	MFACode        string `json:"mfaCode,omitempty"`
	SocialProvider string `json:"socialProvider,omitempty"`
	SocialToken    string `json:"socialToken,omitempty"`
	APIKey         string `json:"apiKey,omitempty"`
}

type loginResponse struct {
	*auth.Response
	User *userDTO `json:"user,omitempty"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var body loginRequest
	if err := helpers.DecodeJSON(r, &body); err != nil {
		helpers.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	res := s.registry.Authenticate(r.Context(), &auth.Request{
		Email:          body.Email,
		Password:       body.Password,
		MFACode:        body.MFACode,
		SocialProvider: body.SocialProvider,
		SocialToken:    body.SocialToken,
		APIKey:         body.APIKey,
		IPAddress:      helpers.GetRealIP(r),
		UserAgent:      r.UserAgent(),
		Fingerprint:    helpers.DeviceFingerprint(r),
	})
	if !res.IsOK() {
		helpers.RespondOutcome(w, res.Err())
		return
	}

	out := loginResponse{Response: res.Value()}
	if res.Value().User != nil {
		out.User = toUserDTO(res.Value().User)
	}
	helpers.RespondJSON(w, http.StatusOK, out)
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var body refreshRequest
	if err := helpers.DecodeJSON(r, &body); err != nil || body.RefreshToken == "" {
		helpers.RespondError(w, http.StatusBadRequest, "refreshToken is required")
		return
	}

	pair, err := s.tokens.Refresh(r.Context(), body.RefreshToken, helpers.DeviceFingerprint(r))
	if err != nil {
		helpers.RespondOutcome(w, tokenOutcome(err))
		return
	}
	helpers.RespondJSON(w, http.StatusOK, map[string]any{
		"accessToken":  pair.AccessToken,
		"refreshToken": pair.RefreshToken,
		"tokenType":    "Bearer",
		"expiresIn":    pair.ExpiresIn,
	})
}

type logoutRequest struct {
	RefreshToken string `json:"refreshToken,omitempty"`
	SessionID    string `json:"sessionId,omitempty"`
}

// handleLogout revokes the caller's tokens and terminates the session. Body
// is optional; an empty logout still revokes the bearer token.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	claims, _ := middleware.ClaimsFrom(r.Context())

	var body logoutRequest
	if r.ContentLength > 0 {
		if err := helpers.DecodeJSON(r, &body); err != nil {
			helpers.RespondError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	if err := s.tokens.RevokeClaims(r.Context(), claims); err != nil {
		s.logger.Error("access_token_revocation_failed", "user_id", claims.UserID, "err", err)
	}
	if body.RefreshToken != "" {
		if err := s.tokens.Revoke(r.Context(), body.RefreshToken); err != nil {
			s.logger.Warn("refresh_token_revocation_failed", "user_id", claims.UserID, "err", err)
		}
	}
	if body.SessionID != "" {
		if sess, err := s.sessions.Get(r.Context(), body.SessionID); err == nil && sess.UserID == claims.UserID {
			if err := s.sessions.Terminate(r.Context(), body.SessionID); err != nil {
				s.logger.Warn("session_termination_failed", "session_id", body.SessionID, "err", err)
			}
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleVerifyEmail(w http.ResponseWriter, r *http.Request) {
	tok := chi.URLParam(r, "token")
	res := s.registrar.VerifyEmail(r.Context(), tok, helpers.GetRealIP(r), r.UserAgent())
	if !res.IsOK() {
		// A consumed or expired link is Gone, not merely missing.
		if res.Err().Kind == outcome.KindNotFound {
			helpers.RespondError(w, http.StatusGone, "verification link expired or already used")
			return
		}
		helpers.RespondOutcome(w, res.Err())
		return
	}
	helpers.RespondJSON(w, http.StatusOK, map[string]string{"status": "verified"})
}

type resetInitiateRequest struct {
	Email string `json:"email"`
}

func (s *Server) handleResetInitiate(w http.ResponseWriter, r *http.Request) {
	var body resetInitiateRequest
	if err := helpers.DecodeJSON(r, &body); err != nil || body.Email == "" {
		helpers.RespondError(w, http.StatusBadRequest, "email is required")
		return
	}
	res := s.passwords.InitiateReset(r.Context(), body.Email, helpers.GetRealIP(r), r.UserAgent())
	if !res.IsOK() {
		helpers.RespondOutcome(w, res.Err())
		return
	}
	// Accepted regardless of whether the account exists.
	helpers.RespondJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

type resetCompleteRequest struct {
	Token       string `json:"token"`
	NewPassword string `json:"newPassword"`
}

func (s *Server) handleResetComplete(w http.ResponseWriter, r *http.Request) {
	var body resetCompleteRequest
	if err := helpers.DecodeJSON(r, &body); err != nil {
		helpers.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}
	res := s.passwords.CompleteReset(r.Context(), body.Token, body.NewPassword, helpers.GetRealIP(r), r.UserAgent())
	if !res.IsOK() {
		helpers.RespondOutcome(w, res.Err())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type passwordChangeRequest struct {
	CurrentPassword string `json:"currentPassword"`
	NewPassword     string `json:"newPassword"`
}

func (s *Server) handlePasswordChange(w http.ResponseWriter, r *http.Request) {
	claims, _ := middleware.ClaimsFrom(r.Context())
	if claims.UserID == 0 {
		helpers.RespondError(w, http.StatusForbidden, "forbidden")
		return
	}

	var body passwordChangeRequest
	if err := helpers.DecodeJSON(r, &body); err != nil {
		helpers.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}
	res := s.passwords.Change(r.Context(), claims.UserID, body.CurrentPassword, body.NewPassword,
		helpers.GetRealIP(r), r.UserAgent())
	if !res.IsOK() {
		helpers.RespondOutcome(w, res.Err())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// tokenOutcome maps token service errors onto the response taxonomy.
func tokenOutcome(err error) *outcome.Error {
	switch {
	case errors.Is(err, token.ErrExpired):
		return outcome.Wrap(outcome.KindTokenExpired, "token expired", err)
	case errors.Is(err, token.ErrRevoked):
		return outcome.Wrap(outcome.KindTokenRevoked, "token revoked", err)
	case errors.Is(err, token.ErrWrongKind):
		return outcome.Wrap(outcome.KindTokenWrongKind, "wrong token kind", err)
	case errors.Is(err, token.ErrDeviceMismatch):
		return outcome.Wrap(outcome.KindDeviceMismatch, "device mismatch", err)
	case errors.Is(err, token.ErrMalformed), errors.Is(err, token.ErrBadSignature):
		return outcome.Wrap(outcome.KindTokenMalformed, "invalid token", err)
	default:
		return outcome.Wrap(outcome.KindInternal, "token operation failed", err)
	}
}

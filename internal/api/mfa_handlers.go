package api

import (
	"errors"
	"net/http"

	"github.com/vantagetrade/authcore/internal/api/helpers"
	"github.com/vantagetrade/authcore/internal/api/middleware"
	"github.com/vantagetrade/authcore/internal/mfa"
)

type mfaEnrollResponse struct {
	SecretKey       string   `json:"secretKey"`
	ProvisioningURI string   `json:"provisioningUri"`
	BackupCodes     []string `json:"backupCodes"`
}

// handleMFAEnroll provisions a TOTP secret for the caller. The secret and
// backup codes are shown exactly once; MFA stays off until verified.
func (s *Server) handleMFAEnroll(w http.ResponseWriter, r *http.Request) {
	claims, _ := middleware.ClaimsFrom(r.Context())
	if claims.UserID == 0 {
		helpers.RespondError(w, http.StatusForbidden, "forbidden")
		return
	}

	u, err := s.users.GetByID(r.Context(), claims.UserID)
	if err != nil {
		helpers.RespondError(w, http.StatusInternalServerError, "internal_error")
		return
	}

	enrollment, err := s.mfa.Enroll(r.Context(), claims.UserID, u.Email)
	if err != nil {
		s.logger.Error("mfa_enroll_failed", "user_id", claims.UserID, "err", err)
		helpers.RespondError(w, http.StatusInternalServerError, "internal_error")
		return
	}
	helpers.RespondJSON(w, http.StatusOK, mfaEnrollResponse{
		SecretKey:       enrollment.SecretKey,
		ProvisioningURI: enrollment.ProvisioningURI,
		BackupCodes:     enrollment.BackupCodes,
	})
}

type mfaCodeRequest struct {
	// UserID is optional; when present it must name the authenticated user.
	UserID int64  `json:"userId,omitempty"`
	Code   string `json:"code"`
}

// handleMFAVerify activates a pending enrollment by proving possession of
// the authenticator.
func (s *Server) handleMFAVerify(w http.ResponseWriter, r *http.Request) {
	claims, _ := middleware.ClaimsFrom(r.Context())
	if claims.UserID == 0 {
		helpers.RespondError(w, http.StatusForbidden, "forbidden")
		return
	}

	var body mfaCodeRequest
	if err := helpers.DecodeJSON(r, &body); err != nil || body.Code == "" {
		helpers.RespondError(w, http.StatusBadRequest, "code is required")
		return
	}
	if body.UserID != 0 && body.UserID != claims.UserID {
		helpers.RespondError(w, http.StatusForbidden, "forbidden")
		return
	}

	if err := s.mfa.Activate(r.Context(), claims.UserID, body.Code); err != nil {
		switch {
		case errors.Is(err, mfa.ErrInvalidCode), errors.Is(err, mfa.ErrReplayed):
			helpers.RespondError(w, http.StatusUnauthorized, "bad_credentials")
		case errors.Is(err, mfa.ErrConfigNotFound):
			helpers.RespondError(w, http.StatusConflict, "enrollment_not_started")
		default:
			s.logger.Error("mfa_activate_failed", "user_id", claims.UserID, "err", err)
			helpers.RespondError(w, http.StatusInternalServerError, "internal_error")
		}
		return
	}
	helpers.RespondJSON(w, http.StatusOK, map[string]string{"status": "enabled"})
}

func (s *Server) handleMFADisable(w http.ResponseWriter, r *http.Request) {
	claims, _ := middleware.ClaimsFrom(r.Context())
	if claims.UserID == 0 {
		helpers.RespondError(w, http.StatusForbidden, "forbidden")
		return
	}
	if err := s.mfa.Disable(r.Context(), claims.UserID); err != nil {
		s.logger.Error("mfa_disable_failed", "user_id", claims.UserID, "err", err)
		helpers.RespondError(w, http.StatusInternalServerError, "internal_error")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

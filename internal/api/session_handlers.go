package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/vantagetrade/authcore/internal/api/helpers"
	"github.com/vantagetrade/authcore/internal/api/middleware"
	"github.com/vantagetrade/authcore/internal/session"
)

type sessionDTO struct {
	ID           string    `json:"id"`
	IPAddress    string    `json:"ipAddress"`
	UserAgent    string    `json:"userAgent"`
	Location     string    `json:"location"`
	CreatedAt    time.Time `json:"createdAt"`
	LastActivity time.Time `json:"lastActivity"`
	ExpiresAt    time.Time `json:"expiresAt"`
	Current      bool      `json:"current"`
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	claims, _ := middleware.ClaimsFrom(r.Context())
	if claims.UserID == 0 {
		helpers.RespondError(w, http.StatusForbidden, "forbidden")
		return
	}

	active, err := s.sessions.List(r.Context(), claims.UserID)
	if err != nil {
		s.logger.Error("session_list_failed", "user_id", claims.UserID, "err", err)
		helpers.RespondError(w, http.StatusInternalServerError, "internal_error")
		return
	}

	callerFP := claims.FingerprintHash
	out := make([]sessionDTO, 0, len(active))
	for _, sess := range active {
		out = append(out, sessionDTO{
			ID:           sess.ID,
			IPAddress:    sess.IPAddress,
			UserAgent:    sess.UserAgent,
			Location:     sess.Location,
			CreatedAt:    sess.CreatedAt,
			LastActivity: sess.LastActivity,
			ExpiresAt:    sess.ExpiresAt,
			Current:      sess.FingerprintHash == callerFP,
		})
	}
	helpers.RespondJSON(w, http.StatusOK, map[string]any{"sessions": out})
}

func (s *Server) handleTerminateSession(w http.ResponseWriter, r *http.Request) {
	claims, _ := middleware.ClaimsFrom(r.Context())
	if claims.UserID == 0 {
		helpers.RespondError(w, http.StatusForbidden, "forbidden")
		return
	}

	id := chi.URLParam(r, "id")
	sess, err := s.sessions.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) || errors.Is(err, session.ErrExpired) {
			helpers.RespondError(w, http.StatusNotFound, "not_found")
			return
		}
		s.logger.Error("session_lookup_failed", "session_id", id, "err", err)
		helpers.RespondError(w, http.StatusInternalServerError, "internal_error")
		return
	}
	// Sessions of other users look absent, not forbidden.
	if sess.UserID != claims.UserID {
		helpers.RespondError(w, http.StatusNotFound, "not_found")
		return
	}

	if err := s.sessions.Terminate(r.Context(), id); err != nil {
		s.logger.Error("session_terminate_failed", "session_id", id, "err", err)
		helpers.RespondError(w, http.StatusInternalServerError, "internal_error")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

package api

import (
	"net/http"

	"github.com/vantagetrade/authcore/internal/api/helpers"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	helpers.RespondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleCryptoHealth proves a full encrypt/decrypt round trip with the
// active key before reporting healthy.
func (s *Server) handleCryptoHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.encryptor.HealthCheck(r.Context()); err != nil {
		s.logger.Error("crypto_health_failed", "err", err)
		helpers.RespondJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "degraded",
			"error":  "encryption round trip failed",
		})
		return
	}
	helpers.RespondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/vantagetrade/authcore/internal/api/helpers"
	"github.com/vantagetrade/authcore/internal/security"
)

// handleAdminOperation routes a request through the security facade. The
// facade authenticates, authorises, validates and audits; this handler only
// translates between HTTP and the facade's types.
func (s *Server) handleAdminOperation(w http.ResponseWriter, r *http.Request) {
	var input map[string]any
	if r.ContentLength > 0 {
		if err := helpers.DecodeJSON(r, &input); err != nil {
			helpers.RespondError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	caller := security.Caller{
		BearerToken: bearerFromRequest(r),
		IPAddress:   helpers.GetRealIP(r),
		UserAgent:   r.UserAgent(),
	}
	res := s.facade.Invoke(r.Context(), caller, chi.URLParam(r, "name"), input)
	if !res.IsOK() {
		helpers.RespondOutcome(w, res.Err())
		return
	}
	helpers.RespondJSON(w, http.StatusOK, map[string]any{"result": res.Value()})
}

func bearerFromRequest(r *http.Request) string {
	const prefix = "Bearer "
	h := r.Header.Get("Authorization")
	if len(h) > len(prefix) && h[:len(prefix)] == prefix {
		return h[len(prefix):]
	}
	return ""
}

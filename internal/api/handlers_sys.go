package api

import (
	"net/http"

	"github.com/rs/zerolog/log"
)

// HealthHandler handles GET /v1/sys/health
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": Version,
	})
}

// ResetHandler handles POST /v1/sys/reset. Root only.
func (s *Server) ResetHandler(w http.ResponseWriter, r *http.Request) {
	token := tokenFromCtx(r.Context())
	if token == nil || !token.Root {
		writeError(w, http.StatusForbidden, "permission denied")
		return
	}

	if err := s.records.Reset(r.Context()); err != nil {
		s.internalError(w, r, err)
		return
	}
	recordsTotal.Set(0)
	log.Warn().Str("request_id", requestIDFromCtx(r.Context())).Msg("record store reset")
	w.WriteHeader(http.StatusNoContent)
}

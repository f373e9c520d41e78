package api

import (
	"errors"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"
	"github.com/org/medvault/internal/records"
	"github.com/org/medvault/pkg/models"
	"github.com/rs/zerolog/log"
)

// Missing and forbidden records share one response so callers cannot discover IDs.
const msgRecordNotFound = "record not found"

type recordBody struct {
	Metadata string `json:"metadata"`
	Data     string `json:"data"`
}

// RecordCreateHandler handles POST /v1/records
func (s *Server) RecordCreateHandler(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	var req recordBody
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	id, err := s.records.Create(r.Context(), caller, req.Metadata, req.Data)
	observeOp("create", true, err)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	recordsTotal.Set(float64(s.records.Len()))
	writeJSON(w, http.StatusCreated, map[string]any{"data": map[string]any{"id": id}})
}

// RecordListOwnedHandler handles GET /v1/records
func (s *Server) RecordListOwnedHandler(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	recs := s.records.ListOwned(caller)
	observeOp("list_owned", true, nil)
	writeJSON(w, http.StatusOK, map[string]any{"data": map[string]any{"records": recs}})
}

// RecordGetHandler handles GET /v1/records/{id}
func (s *Server) RecordGetHandler(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	rec, found := s.records.Get(caller, chi.URLParam(r, "id"))
	observeOp("get", found, nil)
	if !found {
		writeError(w, http.StatusNotFound, msgRecordNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"data":    rec,
		"actions": s.guard.EffectiveActions(rec.AccessControl, caller),
	})
}

// RecordUpdateHandler handles PUT /v1/records/{id}
func (s *Server) RecordUpdateHandler(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	var req recordBody
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	updated, err := s.records.Update(r.Context(), caller, chi.URLParam(r, "id"), req.Metadata, req.Data)
	observeOp("update", updated, err)
	s.writeOutcome(w, r, updated, err)
}

// AccessGrantHandler handles PUT /v1/records/{id}/access/{principal}
func (s *Server) AccessGrantHandler(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	target, ok := targetPrincipal(w, r)
	if !ok {
		return
	}
	var req struct {
		Level string `json:"level"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	granted, err := s.records.Grant(r.Context(), caller, chi.URLParam(r, "id"), target, models.AccessLevel(req.Level))
	if errors.Is(err, records.ErrInvalidLevel) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	observeOp("grant", granted, err)
	s.writeOutcome(w, r, granted, err)
}

// AccessRevokeHandler handles DELETE /v1/records/{id}/access/{principal}
func (s *Server) AccessRevokeHandler(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	target, ok := targetPrincipal(w, r)
	if !ok {
		return
	}

	revoked, err := s.records.Revoke(r.Context(), caller, chi.URLParam(r, "id"), target)
	observeOp("revoke", revoked, err)
	s.writeOutcome(w, r, revoked, err)
}

func (s *Server) caller(w http.ResponseWriter, r *http.Request) (models.Principal, bool) {
	token := tokenFromCtx(r.Context())
	if token == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return "", false
	}
	return token.Principal, true
}

func targetPrincipal(w http.ResponseWriter, r *http.Request) (models.Principal, bool) {
	raw := chi.URLParam(r, "principal")
	// chi matches against RawPath when the request has one, leaving segments escaped.
	// Otherwise the segment is already decoded and must not be decoded again.
	if r.URL.RawPath != "" {
		unescaped, err := url.PathUnescape(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid principal")
			return "", false
		}
		raw = unescaped
	}
	if raw == "" {
		writeError(w, http.StatusBadRequest, "invalid principal")
		return "", false
	}
	return models.Principal(raw), true
}

func (s *Server) writeOutcome(w http.ResponseWriter, r *http.Request, ok bool, err error) {
	switch {
	case err != nil:
		s.internalError(w, r, err)
	case !ok:
		writeError(w, http.StatusNotFound, msgRecordNotFound)
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) internalError(w http.ResponseWriter, r *http.Request, err error) {
	log.Error().Err(err).Str("request_id", requestIDFromCtx(r.Context())).Msg("record store failure")
	writeError(w, http.StatusInternalServerError, "internal error")
}

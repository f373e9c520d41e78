package api

import (
	"net/http"
	"time"

	"github.com/org/medvault/pkg/models"
)

// TokenCreateHandler handles POST /v1/auth/token/create
func (s *Server) TokenCreateHandler(w http.ResponseWriter, r *http.Request) {
	token := tokenFromCtx(r.Context())
	if token == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req struct {
		Principal string `json:"principal"`
		TTL       string `json:"ttl"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	var ttl time.Duration
	if req.TTL != "" {
		var err error
		ttl, err = time.ParseDuration(req.TTL)
		if err != nil || ttl < 0 {
			writeError(w, http.StatusBadRequest, "invalid ttl format")
			return
		}
	}

	principal := token.Principal
	if req.Principal != "" {
		principal = models.Principal(req.Principal)
	}
	if principal != token.Principal && !token.Root {
		writeError(w, http.StatusForbidden, "permission denied")
		return
	}

	newToken, plaintext, err := s.tokens.CreateToken(r.Context(), principal, ttl, &token.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"auth": map[string]any{
			"client_token":   plaintext,
			"accessor":       newToken.ID,
			"principal":      newToken.Principal,
			"lease_duration": int(newToken.TTL.Seconds()),
		},
	})
}

// TokenRevokeHandler handles POST /v1/auth/token/revoke
func (s *Server) TokenRevokeHandler(w http.ResponseWriter, r *http.Request) {
	caller := tokenFromCtx(r.Context())
	if caller == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req struct {
		Token string `json:"token"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	// Validate the token to get its ID
	tok, err := s.tokens.ValidateToken(r.Context(), req.Token)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if tok.Principal != caller.Principal && !caller.Root {
		writeError(w, http.StatusForbidden, "permission denied")
		return
	}

	if err := s.tokens.RevokeToken(r.Context(), tok.ID); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// TokenLookupSelfHandler handles GET /v1/auth/token/lookup-self
func (s *Server) TokenLookupSelfHandler(w http.ResponseWriter, r *http.Request) {
	token := tokenFromCtx(r.Context())
	if token == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var expireTime any
	if !token.ExpiresAt.IsZero() {
		expireTime = token.ExpiresAt.Unix()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"data": map[string]any{
			"id":            token.ID,
			"principal":     token.Principal,
			"root":          token.Root,
			"ttl":           int(token.TTL.Seconds()),
			"creation_time": token.CreatedAt.Unix(),
			"expire_time":   expireTime,
		},
	})
}

package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/vng-commits/eventstore/internal/apierror"
)

type loginRequest struct {
	Email string `json:"email"`
}

// handleLogin handles POST /login (spec.md §6, §4.7).
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		apierror.WriteMethodNotAllowed(w)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, 1<<16)
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierror.WriteBadRequest(w, "invalid request body")
		return
	}
	if req.Email == "" {
		apierror.WriteBadRequest(w, "email is required")
		return
	}

	if err := s.magic.Issue(req.Email); err != nil {
		apierror.WriteInternal(w, err)
		return
	}

	w.WriteHeader(http.StatusOK)
}

type verifyResponse struct {
	Token string `json:"token"`
}

// handleAuthVerify handles GET /auth/verify?token=T (spec.md §6, §4.7).
func (s *Server) handleAuthVerify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		apierror.WriteMethodNotAllowed(w)
		return
	}

	tok := r.URL.Query().Get("token")
	if tok == "" {
		apierror.WriteBadRequest(w, "missing token")
		return
	}

	email, ok := s.magic.Verify(tok)
	if !ok {
		apierror.WriteUnauthorized(w, "invalid or expired token")
		return
	}

	jwt, err := s.tokens.GenerateToken(email, bearerLifetime)
	if err != nil {
		apierror.WriteInternal(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(verifyResponse{Token: jwt})
}

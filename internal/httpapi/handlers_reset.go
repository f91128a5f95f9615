package httpapi

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/vng-commits/eventstore/internal/apierror"
	"github.com/vng-commits/eventstore/internal/auth"
)

// handleReset handles POST /reset/: operator-only, clears resources and the
// search index, and broadcasts a system.reset event (spec.md §6, §7).
func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		apierror.WriteMethodNotAllowed(w)
		return
	}

	principal, err := auth.GetPrincipal(r.Context())
	if err != nil {
		apierror.WriteUnauthorized(w, "")
		return
	}
	if !s.cfg.IsOperator(principal.Email) {
		apierror.WriteForbidden(w, "caller is not a configured operator")
		return
	}

	if _, err := s.pipeline.Reset(r.Context(), uuid.NewString(), "httpapi", principal.Email); err != nil {
		apierror.WriteInternal(w, err)
		return
	}

	w.WriteHeader(http.StatusOK)
}

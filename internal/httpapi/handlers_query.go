package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/vng-commits/eventstore/internal/apierror"
	"github.com/vng-commits/eventstore/internal/auth"
)

// handleQuery handles GET /query?q=&limit= (spec.md §4.4, §6, §8 boundary:
// an empty q is equivalent to "*").
func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		apierror.WriteMethodNotAllowed(w)
		return
	}

	principal, err := auth.GetPrincipal(r.Context())
	if err != nil {
		apierror.WriteUnauthorized(w, "")
		return
	}

	q := r.URL.Query().Get("q")
	if q == "" {
		q = "*"
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	resp, err := s.index.Search(r.Context(), q, principal.Email, limit)
	if err != nil {
		apierror.WriteInternal(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

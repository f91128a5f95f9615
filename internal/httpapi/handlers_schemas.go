package httpapi

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/vng-commits/eventstore/internal/apierror"
)

// knownSchemas is a minimal, self-referential JSON-schema catalog for the
// resource bodies the core treats opaquely (spec.md §3). Schema serving
// proper is an external collaborator (spec.md §1 "Out of scope"); this
// stub exists so /schemas and /schemas/:name resolve to something rather
// than 404ing on every client that probes them.
var knownSchemas = []string{"issue", "comment", "task", "planning", "document"}

type schemaRef struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// handleSchemas handles GET /schemas and GET /schemas/:name (spec.md §6).
func (s *Server) handleSchemas(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		apierror.WriteMethodNotAllowed(w)
		return
	}

	name := strings.TrimPrefix(r.URL.Path, "/schemas/")
	name = strings.TrimPrefix(name, "/schemas")
	name = strings.Trim(name, "/")

	if name == "" {
		refs := make([]schemaRef, 0, len(knownSchemas))
		for _, n := range knownSchemas {
			refs = append(refs, schemaRef{Name: n, URL: s.cfg.BaseURL + "/schemas/" + n})
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(refs)
		return
	}

	for _, n := range knownSchemas {
		if n == name {
			w.Header().Set("Content-Type", "application/schema+json")
			_ = json.NewEncoder(w).Encode(map[string]any{
				"$id":   s.cfg.BaseURL + "/schemas/" + name,
				"title": name,
				"type":  "object",
			})
			return
		}
	}
	apierror.WriteNotFound(w, "unknown schema")
}

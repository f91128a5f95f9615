package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/vng-commits/eventstore/internal/apierror"
	"github.com/vng-commits/eventstore/internal/auth"
	"github.com/vng-commits/eventstore/internal/commitpipeline"
	"github.com/vng-commits/eventstore/internal/model"
	"github.com/vng-commits/eventstore/internal/store"
)

// handleEvents dispatches POST /events (submit a commit) and GET /events
// (SSE subscription) on the same path, per spec.md §6.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handlePostEvent(w, r)
	case http.MethodGet:
		s.handleSSE(w, r)
	default:
		apierror.WriteMethodNotAllowed(w)
	}
}

// handlePostEvent handles POST /events (spec.md §4.3, §6).
func (s *Server) handlePostEvent(w http.ResponseWriter, r *http.Request) {
	principal, err := auth.GetPrincipal(r.Context())
	if err != nil {
		apierror.WriteUnauthorized(w, "")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	var ev model.Event
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		apierror.WriteBadRequest(w, "invalid CloudEvent body")
		return
	}

	committed, _, err := s.pipeline.Commit(r.Context(), &ev, principal.Email)
	if err != nil {
		s.writeCommitError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(committed)
}

func (s *Server) writeCommitError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *commitpipeline.ValidationError
	switch {
	case errors.As(err, &verr):
		apierror.WriteBadRequest(w, verr.Error())
	case errors.Is(err, store.ErrConflict):
		apierror.WriteConflict(w, "event id already committed")
	default:
		apierror.WriteInternal(w, err)
	}
}

package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/vng-commits/eventstore/internal/apierror"
	"github.com/vng-commits/eventstore/internal/auth"
	"github.com/vng-commits/eventstore/internal/model"
	"github.com/vng-commits/eventstore/internal/store"
)

type resourceView struct {
	ID           string          `json:"id"`
	ResourceType string          `json:"resource_type"`
	Data         json.RawMessage `json:"data"`
}

func toResourceView(r *model.Resource) resourceView {
	return resourceView{ID: r.ID, ResourceType: r.ResourceType, Data: r.Body}
}

// handleResourcesList handles GET /resources?offset&limit (spec.md §6).
func (s *Server) handleResourcesList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		apierror.WriteMethodNotAllowed(w)
		return
	}

	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if offset < 0 {
		offset = 0
	}

	resources, err := s.store.ListResources(r.Context(), offset, limit)
	if err != nil {
		apierror.WriteInternal(w, err)
		return
	}

	views := make([]resourceView, 0, len(resources))
	for _, res := range resources {
		views = append(views, toResourceView(res))
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(views)
}

// handleResourceByID handles GET and DELETE /resources/:id (spec.md §6).
func (s *Server) handleResourceByID(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/resources/")
	if id == "" || strings.Contains(id, "/") {
		apierror.WriteNotFound(w, "resource not found")
		return
	}

	switch r.Method {
	case http.MethodGet:
		s.handleGetResource(w, r, id)
	case http.MethodDelete:
		s.handleDeleteResource(w, r, id)
	default:
		apierror.WriteMethodNotAllowed(w)
	}
}

func (s *Server) handleGetResource(w http.ResponseWriter, r *http.Request, id string) {
	res, err := s.store.GetResource(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			apierror.WriteNotFound(w, "resource not found")
			return
		}
		apierror.WriteInternal(w, err)
		return
	}

	if res.Digest != "" {
		w.Header().Set("ETag", strconv.Quote(res.Digest))
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(toResourceView(res))
}

// handleDeleteResource handles DELETE /resources/:id: it appends a
// tombstone event through the ordinary commit pipeline rather than calling
// store.DeleteResource directly, so the deletion is indexed and broadcast
// like any other commit (spec.md §4.1, §4.3).
func (s *Server) handleDeleteResource(w http.ResponseWriter, r *http.Request, id string) {
	principal, err := auth.GetPrincipal(r.Context())
	if err != nil {
		apierror.WriteUnauthorized(w, "")
		return
	}

	if _, err := s.store.GetResource(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			apierror.WriteNotFound(w, "resource not found")
			return
		}
		apierror.WriteInternal(w, err)
		return
	}

	commit := model.JSONCommit{ResourceID: id, Deleted: true}
	data, err := json.Marshal(commit)
	if err != nil {
		apierror.WriteInternal(w, err)
		return
	}

	ev := &model.Event{
		SpecVersion:     model.SpecVersion,
		ID:              uuid.NewString(),
		Source:          "httpapi",
		Type:            model.CommitEventType,
		Time:            time.Now().UTC(),
		DataContentType: "application/json",
		Data:            data,
	}

	if _, _, err := s.pipeline.Commit(r.Context(), ev, principal.Email); err != nil {
		s.writeCommitError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// Package search implements the inverted-index search engine over events
// and resources (spec.md §4.4): a bleve-backed writer/reader pair, a query
// translation layer for the grammar at the HTTP edge, and the
// authorization clause that scopes every query to a user's `involved` set.
package search

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/keyword"
	"github.com/blevesearch/bleve/v2/mapping"

	"github.com/vng-commits/eventstore/internal/model"
	"github.com/vng-commits/eventstore/internal/store"
)

const (
	// DefaultLimit is applied when a query specifies no limit (spec.md §4.4).
	DefaultLimit = 50
	// MaxLimit is the hard cap on result size regardless of requested limit.
	MaxLimit = 1000
)

const (
	docPrefixResource = "resource:"
	docPrefixEvent    = "event:"
)

// document is the shape indexed for both resources and events.
type document struct {
	ID          string                 `json:"id"`
	Type        string                 `json:"type"`
	JSONPayload map[string]interface{} `json:"json_payload"`
	Timestamp   time.Time              `json:"timestamp"`
	Involved    []string               `json:"involved,omitempty"`
}

// Index wraps a bleve index with the id/type/json_payload/timestamp/involved
// schema from spec.md §4.4, plus the deferred parent-resolution queue for
// child resources (comment|task|planning|document) indexed before their
// issue.
type Index struct {
	path string

	// idxMu guards idx itself, which Clear swaps out wholesale; everyday
	// reads/writes take RLock since bleve.Index is safe for concurrent use.
	idxMu sync.RWMutex
	idx   bleve.Index

	mu      sync.Mutex
	pending map[string][]string // parent resource id -> waiting child resource ids
}

func buildMapping() mapping.IndexMapping {
	keywordField := bleve.NewTextFieldMapping()
	keywordField.Analyzer = keyword.Name

	dateField := bleve.NewDateTimeFieldMapping()

	payload := bleve.NewDocumentMapping()
	payload.Dynamic = true

	doc := bleve.NewDocumentMapping()
	doc.AddFieldMappingsAt("id", keywordField)
	doc.AddFieldMappingsAt("type", keywordField)
	doc.AddFieldMappingsAt("involved", keywordField)
	doc.AddFieldMappingsAt("timestamp", dateField)
	doc.AddSubDocumentMapping("json_payload", payload)

	im := bleve.NewIndexMapping()
	im.DefaultMapping = doc
	return im
}

// Open opens the bleve index at path, creating it (and any parent
// directories) if absent.
func Open(path string) (*Index, error) {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("search: mkdir index dir: %w", err)
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, fmt.Errorf("search: read index dir: %w", err)
	}

	var idx bleve.Index
	if len(entries) == 0 {
		idx, err = bleve.New(path, buildMapping())
	} else {
		idx, err = bleve.Open(path)
	}
	if err != nil {
		return nil, fmt.Errorf("search: open index: %w", err)
	}

	return &Index{path: path, idx: idx, pending: make(map[string][]string)}, nil
}

// Close closes the underlying bleve index.
func (x *Index) Close() error {
	x.idxMu.RLock()
	defer x.idxMu.RUnlock()
	return x.idx.Close()
}

// Clear wipes every document (resources and events) and the pending
// parent-resolution queue, for `POST /reset/` (spec.md §6: reset "clears
// the resource table and index").
func (x *Index) Clear() error {
	x.mu.Lock()
	x.pending = make(map[string][]string)
	x.mu.Unlock()

	x.idxMu.Lock()
	defer x.idxMu.Unlock()

	if err := x.idx.Close(); err != nil {
		return fmt.Errorf("search: close index for reset: %w", err)
	}
	if err := os.RemoveAll(x.path); err != nil {
		return fmt.Errorf("search: remove index dir: %w", err)
	}
	if err := os.MkdirAll(x.path, 0o755); err != nil {
		return fmt.Errorf("search: recreate index dir: %w", err)
	}
	idx, err := bleve.New(x.path, buildMapping())
	if err != nil {
		return fmt.Errorf("search: recreate index: %w", err)
	}
	x.idx = idx
	return nil
}

func (x *Index) indexDoc(id string, doc document) error {
	x.idxMu.RLock()
	defer x.idxMu.RUnlock()
	return x.idx.Index(id, doc)
}

func (x *Index) deleteDoc(id string) error {
	x.idxMu.RLock()
	defer x.idxMu.RUnlock()
	return x.idx.Delete(id)
}

func (x *Index) searchInContext(ctx context.Context, req *bleve.SearchRequest) (*bleve.SearchResult, error) {
	x.idxMu.RLock()
	defer x.idxMu.RUnlock()
	return x.idx.SearchInContext(ctx, req)
}

// DocCount reports the number of documents currently indexed (both
// resource and event documents), used by the server to decide whether a
// fresh data directory needs a rebuild from the log on open.
func (x *Index) DocCount() (uint64, error) {
	x.idxMu.RLock()
	defer x.idxMu.RUnlock()
	return x.idx.DocCount()
}

// ResourceGetter is the subset of *store.Store the index needs to resolve
// parent involvement and to replay the log during Rebuild.
type ResourceGetter interface {
	GetResource(ctx context.Context, id string) (*model.Resource, error)
	ListEvents(ctx context.Context, since uint64, limit int) ([]*model.Event, error)
}

// IndexCommit applies the indexing side effect of one committed event
// (spec.md §4.3 step 8 / §4.4 "Writers"). res is the post-image resource,
// nil on delete. Failures here are non-fatal to the caller's commit but are
// returned so the caller can log them (spec.md §4.3 step 8).
func (x *Index) IndexCommit(ctx context.Context, ev *model.Event, commit *model.JSONCommit, res *model.Resource, resourceType string, getter ResourceGetter) error {
	if err := x.indexEventDoc(ctx, ev, commit, res); err != nil {
		return err
	}

	if commit.Deleted {
		return x.deleteDoc(docPrefixResource + commit.ResourceID)
	}
	if res == nil {
		return nil
	}
	return x.indexResource(ctx, res, resourceType, ev.Subject, getter)
}

func (x *Index) indexEventDoc(ctx context.Context, ev *model.Event, commit *model.JSONCommit, res *model.Resource) error {
	var payload map[string]interface{}
	encoded, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("search: marshal event: %w", err)
	}
	if err := json.Unmarshal(encoded, &payload); err != nil {
		return fmt.Errorf("search: decode event payload: %w", err)
	}

	var involved []string
	if res != nil {
		involved = model.Involved(res.Body)
	} else if commit != nil {
		involved = model.Involved(commit.ResourceData)
	}

	doc := document{
		ID:          ev.ID,
		Type:        "event",
		JSONPayload: payload,
		Timestamp:   ev.Time,
		Involved:    involved,
	}
	return x.indexDoc(docPrefixEvent+ev.ID, doc)
}

// indexResource indexes a materialised resource, resolving parent
// involvement for child types and deferring children whose parent hasn't
// arrived yet (spec.md §5 "Authorization filter").
func (x *Index) indexResource(ctx context.Context, res *model.Resource, resourceType, subject string, getter ResourceGetter) error {
	involved := model.Involved(res.Body)

	if model.IsChildType(resourceType) {
		parentID := subject
		parentInvolved, resolved, err := x.resolveParentInvolved(ctx, parentID, getter)
		if err != nil {
			return err
		}
		if !resolved {
			x.deferForParent(parentID, res.ID)
			involved = nil // hidden until the parent resolves (spec.md §5)
		} else {
			involved = mergeInvolved(involved, parentInvolved)
		}
	}

	if err := x.putResourceDoc(res, resourceType, involved); err != nil {
		return err
	}

	if resourceType == "issue" {
		return x.resolvePending(ctx, res.ID, involved, getter)
	}
	return nil
}

func (x *Index) putResourceDoc(res *model.Resource, resourceType string, involved []string) error {
	var payload map[string]interface{}
	if err := json.Unmarshal(res.Body, &payload); err != nil {
		return fmt.Errorf("search: decode resource body: %w", err)
	}
	doc := document{
		ID:          res.ID,
		Type:        resourceType,
		JSONPayload: payload,
		Timestamp:   res.UpdatedAt,
		Involved:    involved,
	}
	return x.indexDoc(docPrefixResource+res.ID, doc)
}

func (x *Index) resolveParentInvolved(ctx context.Context, parentID string, getter ResourceGetter) ([]string, bool, error) {
	if parentID == "" {
		return nil, false, nil
	}
	parent, err := getter.GetResource(ctx, parentID)
	if err != nil {
		if err == store.ErrNotFound {
			return nil, false, nil
		}
		return nil, false, err
	}
	return model.Involved(parent.Body), true, nil
}

func (x *Index) deferForParent(parentID, childID string) {
	x.mu.Lock()
	defer x.mu.Unlock()
	for _, existing := range x.pending[parentID] {
		if existing == childID {
			return
		}
	}
	x.pending[parentID] = append(x.pending[parentID], childID)
}

// resolvePending re-indexes any children that were waiting on parentID,
// now that it has (re)appeared (spec.md §5 "reindex pass triggered when
// the parent appears").
func (x *Index) resolvePending(ctx context.Context, parentID string, parentInvolved []string, getter ResourceGetter) error {
	x.mu.Lock()
	waiting := x.pending[parentID]
	delete(x.pending, parentID)
	x.mu.Unlock()

	for _, childID := range waiting {
		child, err := getter.GetResource(ctx, childID)
		if err != nil {
			if err == store.ErrNotFound {
				continue
			}
			return err
		}
		involved := mergeInvolved(model.Involved(child.Body), parentInvolved)
		if err := x.putResourceDoc(child, child.ResourceType, involved); err != nil {
			return err
		}
	}
	return nil
}

func mergeInvolved(own, parent []string) []string {
	seen := make(map[string]struct{}, len(own)+len(parent))
	var out []string
	for _, v := range own {
		if _, ok := seen[v]; !ok {
			seen[v] = struct{}{}
			out = append(out, v)
		}
	}
	for _, v := range parent {
		if _, ok := seen[v]; !ok {
			seen[v] = struct{}{}
			out = append(out, v)
		}
	}
	return out
}

// Rebuild replays the entire log through the indexing path (spec.md §7
// "Recovery"). The server calls it at startup when the index holds no
// documents while the log is non-empty; no other integrity check is made.
func (x *Index) Rebuild(ctx context.Context, src ResourceGetter) error {
	events, err := src.ListEvents(ctx, 0, 0)
	if err != nil {
		return fmt.Errorf("search: rebuild: list events: %w", err)
	}
	for _, ev := range events {
		if !ev.IsCommit() {
			continue
		}
		commit, err := ev.Commit()
		if err != nil {
			continue
		}
		resourceType := model.ResourceType(commit.Schema, ev.Subject)
		var res *model.Resource
		if !commit.Deleted {
			res, err = src.GetResource(ctx, commit.ResourceID)
			if err != nil && err != store.ErrNotFound {
				return err
			}
		}
		if err := x.IndexCommit(ctx, ev, commit, res, resourceType, src); err != nil {
			return fmt.Errorf("search: rebuild: index event %s: %w", ev.ID, err)
		}
	}
	return nil
}

// Hit is one search result row (spec.md §6 "/query" response shape).
type Hit struct {
	ID      string          `json:"id"`
	DocType string          `json:"doc_type"`
	Score   float64         `json:"score"`
	Content json.RawMessage `json:"content"`
}

// Response is the full result set for one query.
type Response struct {
	Query   string `json:"query"`
	Count   int    `json:"count"`
	Results []Hit  `json:"results"`
}

// Search runs queryStr, scoped to user's involved set, against a consistent
// reader snapshot (spec.md §4.4 "Readers"). limit <= 0 uses DefaultLimit;
// values above MaxLimit are clamped.
func (x *Index) Search(ctx context.Context, queryStr, user string, limit int) (*Response, error) {
	switch {
	case limit <= 0:
		limit = DefaultLimit
	case limit > MaxLimit:
		limit = MaxLimit
	}

	mainQuery := translateQuery(queryStr, user)

	authQuery := bleve.NewTermQuery(user)
	authQuery.SetField("involved")

	combined := bleve.NewConjunctionQuery(mainQuery, authQuery)

	req := bleve.NewSearchRequest(combined)
	req.Size = limit
	req.Fields = []string{"id", "type", "json_payload"}

	result, err := x.searchInContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("search: query failed: %w", err)
	}

	resp := &Response{Query: queryStr, Results: make([]Hit, 0, len(result.Hits))}
	for _, hit := range result.Hits {
		id := strings.TrimPrefix(strings.TrimPrefix(hit.ID, docPrefixResource), docPrefixEvent)
		docType, _ := hit.Fields["type"].(string)
		payload, err := json.Marshal(hit.Fields["json_payload"])
		if err != nil {
			payload = json.RawMessage("null")
		}
		resp.Results = append(resp.Results, Hit{
			ID:      id,
			DocType: docType,
			Score:   hit.Score,
			Content: payload,
		})
	}
	resp.Count = len(resp.Results)
	return resp, nil
}

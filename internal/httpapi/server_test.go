package httpapi_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/vng-commits/eventstore/internal/auth"
	"github.com/vng-commits/eventstore/internal/bus"
	"github.com/vng-commits/eventstore/internal/commitpipeline"
	"github.com/vng-commits/eventstore/internal/config"
	"github.com/vng-commits/eventstore/internal/httpapi"
	"github.com/vng-commits/eventstore/internal/identity"
	"github.com/vng-commits/eventstore/internal/model"
	"github.com/vng-commits/eventstore/internal/search"
	"github.com/vng-commits/eventstore/internal/store"
)

type testHarness struct {
	srv    *httpapi.Server
	tokens *identity.TokenManager
	cfg    *config.Config
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()

	dir := t.TempDir()
	cfg := &config.Config{
		DataDir:        dir,
		BaseURL:        "http://localhost:8000",
		JWTIssuer:      "eventstore-test",
		MagicLinkTTL:   time.Hour,
		OperatorEmails: []string{"ops@example.com"},
	}

	st, err := store.Open(cfg.DBPath())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	idx, err := search.Open(cfg.IndexPath())
	if err != nil {
		t.Fatalf("open index: %v", err)
	}
	t.Cleanup(func() { _ = idx.Close() })

	b := bus.New(bus.DefaultCapacity)

	ks, err := identity.NewInMemoryKeySet()
	if err != nil {
		t.Fatalf("keyset: %v", err)
	}
	tokens := identity.NewTokenManager(ks, cfg.JWTIssuer)
	magic := auth.NewMagicLinkIssuer(cfg.MagicLinkTTL, cfg.BaseURL, filepath.Join(dir, "mock-email.json"))

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	pipeline := commitpipeline.New(st, idx, b, logger, time.Now)

	srv := httpapi.New(cfg, st, idx, b, pipeline, tokens, magic, logger)
	return &testHarness{srv: srv, tokens: tokens, cfg: cfg}
}

func (h *testHarness) bearerFor(t *testing.T, email string) string {
	t.Helper()
	tok, err := h.tokens.GenerateToken(email, time.Hour)
	if err != nil {
		t.Fatalf("generate token: %v", err)
	}
	return tok
}

func (h *testHarness) do(t *testing.T, method, path, email string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if email != "" {
		req.Header.Set("Authorization", "Bearer "+h.bearerFor(t, email))
	}
	w := httptest.NewRecorder()
	h.srv.Handler().ServeHTTP(w, req)
	return w
}

func commitEventJSON(t *testing.T, id, subject, schema, resourceID string, resourceData, patch []byte, deleted bool) []byte {
	t.Helper()
	commit := model.JSONCommit{
		Schema:       schema,
		ResourceID:   resourceID,
		ResourceData: resourceData,
		Patch:        patch,
		Deleted:      deleted,
	}
	data, err := json.Marshal(commit)
	if err != nil {
		t.Fatalf("marshal commit: %v", err)
	}
	ev := model.Event{
		SpecVersion: model.SpecVersion,
		ID:          id,
		Source:      "test",
		Type:        model.CommitEventType,
		Subject:     subject,
		Time:        time.Now().UTC(),
		Data:        data,
	}
	encoded, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	return encoded
}

func TestLoginVerifyThenPostEvent(t *testing.T) {
	h := newTestHarness(t)

	loginBody, _ := json.Marshal(map[string]string{"email": "alice@example.com"})
	w := h.do(t, http.MethodPost, "/login", "", loginBody)
	if w.Code != http.StatusOK {
		t.Fatalf("login: expected 200, got %d: %s", w.Code, w.Body.String())
	}

	raw, err := os.ReadFile(filepath.Join(h.cfg.DataDir, "mock-email.json"))
	if err != nil {
		t.Fatalf("read mock email: %v", err)
	}
	var payload struct{ Token string `json:"token"` }
	if err := json.Unmarshal(raw, &payload); err != nil {
		t.Fatalf("unmarshal mock email: %v", err)
	}

	w = h.do(t, http.MethodGet, "/auth/verify?token="+payload.Token, "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("verify: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var verifyResp struct{ Token string `json:"token"` }
	if err := json.Unmarshal(w.Body.Bytes(), &verifyResp); err != nil {
		t.Fatalf("unmarshal verify response: %v", err)
	}
	if verifyResp.Token == "" {
		t.Fatal("expected non-empty bearer token")
	}

	// second verify of the same magic-link token must fail (single-use)
	w = h.do(t, http.MethodGet, "/auth/verify?token="+payload.Token, "", nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("second verify: expected 401, got %d", w.Code)
	}
}

// TestCreateThenPatch is spec scenario 1.
func TestCreateThenPatch(t *testing.T) {
	h := newTestHarness(t)

	create := commitEventJSON(t, "e1", "i1", "https://schemas.example.com/Issue", "i1",
		[]byte(`{"id":"i1","title":"A","status":"open","involved":["u@x"]}`), nil, false)
	w := h.do(t, http.MethodPost, "/events", "u@x", create)
	if w.Code != http.StatusAccepted {
		t.Fatalf("create: expected 202, got %d: %s", w.Code, w.Body.String())
	}

	patch := commitEventJSON(t, "e2", "i1", "https://schemas.example.com/Issue", "i1",
		nil, []byte(`{"status":"in_progress"}`), false)
	w = h.do(t, http.MethodPost, "/events", "u@x", patch)
	if w.Code != http.StatusAccepted {
		t.Fatalf("patch: expected 202, got %d: %s", w.Code, w.Body.String())
	}

	w = h.do(t, http.MethodGet, "/resources/i1", "u@x", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get: expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var view struct {
		ID   string          `json:"id"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &view); err != nil {
		t.Fatalf("unmarshal resource view: %v", err)
	}
	var body map[string]any
	if err := json.Unmarshal(view.Data, &body); err != nil {
		t.Fatalf("unmarshal resource body: %v", err)
	}
	if body["status"] != "in_progress" {
		t.Errorf("expected status in_progress, got %v", body["status"])
	}
	if body["title"] != "A" {
		t.Errorf("expected title A preserved, got %v", body["title"])
	}
}

// TestDeleteThenResurrect is spec scenario 3.
func TestDeleteThenResurrect(t *testing.T) {
	h := newTestHarness(t)

	create := commitEventJSON(t, "e1", "", "https://schemas.example.com/Issue", "i1",
		[]byte(`{"id":"i1","title":"A","involved":["u@x"]}`), nil, false)
	if w := h.do(t, http.MethodPost, "/events", "u@x", create); w.Code != http.StatusAccepted {
		t.Fatalf("create: expected 202, got %d", w.Code)
	}

	w := h.do(t, http.MethodDelete, "/resources/i1", "u@x", nil)
	if w.Code != http.StatusNoContent {
		t.Fatalf("delete: expected 204, got %d: %s", w.Code, w.Body.String())
	}

	w = h.do(t, http.MethodGet, "/resources/i1", "u@x", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("get after delete: expected 404, got %d", w.Code)
	}

	recreate := commitEventJSON(t, "e2", "", "https://schemas.example.com/Issue", "i1",
		[]byte(`{"id":"i1","title":"B","involved":["u@x"]}`), nil, false)
	if w := h.do(t, http.MethodPost, "/events", "u@x", recreate); w.Code != http.StatusAccepted {
		t.Fatalf("recreate: expected 202, got %d", w.Code)
	}

	w = h.do(t, http.MethodGet, "/resources/i1", "u@x", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get after recreate: expected 200, got %d", w.Code)
	}
	var view struct{ Data json.RawMessage `json:"data"` }
	_ = json.Unmarshal(w.Body.Bytes(), &view)
	var body map[string]any
	_ = json.Unmarshal(view.Data, &body)
	if body["title"] != "B" {
		t.Errorf("expected title B, got %v", body["title"])
	}
}

// TestAuthorizationFilter_Query is spec scenario 5.
func TestAuthorizationFilter_Query(t *testing.T) {
	h := newTestHarness(t)

	create := commitEventJSON(t, "e1", "", "https://schemas.example.com/Issue", "i1",
		[]byte(`{"id":"i1","title":"A","involved":["a@x"]}`), nil, false)
	if w := h.do(t, http.MethodPost, "/events", "a@x", create); w.Code != http.StatusAccepted {
		t.Fatalf("create: expected 202, got %d: %s", w.Code, w.Body.String())
	}

	w := h.do(t, http.MethodGet, "/query?q=*", "b@x", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("query as b: expected 200, got %d", w.Code)
	}
	var resp struct {
		Count   int `json:"count"`
		Results []struct {
			ID string `json:"id"`
		} `json:"results"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Count != 0 {
		t.Errorf("expected 0 results for uninvolved user, got %d", resp.Count)
	}

	w = h.do(t, http.MethodGet, "/query?q=*", "a@x", nil)
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	found := false
	for _, r := range resp.Results {
		if r.ID == "i1" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected i1 in results for involved user, got %+v", resp.Results)
	}
}

func TestResetRequiresOperator(t *testing.T) {
	h := newTestHarness(t)

	w := h.do(t, http.MethodPost, "/reset/", "nobody@example.com", nil)
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for non-operator, got %d", w.Code)
	}

	w = h.do(t, http.MethodPost, "/reset/", "ops@example.com", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 for operator, got %d: %s", w.Code, w.Body.String())
	}
}

func TestPostEvent_RejectsMissingBearer(t *testing.T) {
	h := newTestHarness(t)
	create := commitEventJSON(t, "e1", "", "https://schemas.example.com/Issue", "i1",
		[]byte(`{"id":"i1"}`), nil, false)
	w := h.do(t, http.MethodPost, "/events", "", create)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func TestPostEvent_RejectsAllThreeMutations(t *testing.T) {
	h := newTestHarness(t)
	commit := model.JSONCommit{
		ResourceID:   "i1",
		ResourceData: []byte(`{"id":"i1"}`),
		Patch:        []byte(`{"x":1}`),
		Deleted:      true,
	}
	data, _ := json.Marshal(commit)
	ev := model.Event{SpecVersion: model.SpecVersion, ID: "e1", Type: model.CommitEventType, Data: data, Time: time.Now()}
	encoded, _ := json.Marshal(ev)

	w := h.do(t, http.MethodPost, "/events", "u@x", encoded)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", w.Code, w.Body.String())
	}
}

// TestSnapshotPlusDelta_NoGapsNoDuplicates is spec scenario 4: it drives the
// SSE route over a real listening server since httptest.ResponseRecorder
// does not model a streaming connection.
func TestSnapshotPlusDelta_NoGapsNoDuplicates(t *testing.T) {
	h := newTestHarness(t)
	ts := httptest.NewServer(h.srv.Handler())
	defer ts.Close()

	for i := 0; i < 5; i++ {
		body := commitEventJSON(t, fmt.Sprintf("pre-%d", i), "", "https://schemas.example.com/Issue",
			fmt.Sprintf("i%d", i), []byte(fmt.Sprintf(`{"id":"i%d","involved":["u@x"]}`, i)), nil, false)
		postEvent(t, ts.URL, h.bearerFor(t, "u@x"), body)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/events", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+h.bearerFor(t, "u@x"))

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("sse request: %v", err)
	}
	defer resp.Body.Close()

	for i := 0; i < 3; i++ {
		body := commitEventJSON(t, fmt.Sprintf("post-%d", i), "", "https://schemas.example.com/Issue",
			fmt.Sprintf("j%d", i), []byte(fmt.Sprintf(`{"id":"j%d","involved":["u@x"]}`, i)), nil, false)
		postEvent(t, ts.URL, h.bearerFor(t, "u@x"), body)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 1<<20), 1<<20)

	var snapshotEvents []model.Event
	var deltaIDs []string

	frames := readSSEFrames(t, scanner, 1+3, func(name, data string) bool {
		switch name {
		case "snapshot":
			if err := json.Unmarshal([]byte(data), &snapshotEvents); err != nil {
				t.Fatalf("unmarshal snapshot: %v", err)
			}
		case "delta":
			var ev model.Event
			if err := json.Unmarshal([]byte(data), &ev); err != nil {
				t.Fatalf("unmarshal delta: %v", err)
			}
			deltaIDs = append(deltaIDs, ev.ID)
			if len(deltaIDs) == 3 {
				return false // stop after the 3 post-subscribe commits
			}
		}
		return true
	})
	_ = frames

	if len(snapshotEvents) != 5 {
		t.Fatalf("expected 5 snapshot events, got %d", len(snapshotEvents))
	}

	deadline := time.Now().Add(4 * time.Second)
	for len(deltaIDs) < 3 && time.Now().Before(deadline) {
		readSSEFrames(t, scanner, 1, func(name, data string) bool {
			if name == "delta" {
				var ev model.Event
				if err := json.Unmarshal([]byte(data), &ev); err != nil {
					t.Fatalf("unmarshal delta: %v", err)
				}
				deltaIDs = append(deltaIDs, ev.ID)
			}
			return false
		})
	}

	if len(deltaIDs) != 3 {
		t.Fatalf("expected exactly 3 deltas, got %d: %v", len(deltaIDs), deltaIDs)
	}
	seen := make(map[string]bool)
	for _, id := range deltaIDs {
		if seen[id] {
			t.Fatalf("duplicate delta id %s", id)
		}
		seen[id] = true
	}
	for i, id := range deltaIDs {
		want := fmt.Sprintf("post-%d", i)
		if id != want {
			t.Fatalf("delta order mismatch at %d: want %s got %s", i, want, id)
		}
	}
}

func postEvent(t *testing.T, baseURL, bearer string, body []byte) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, baseURL+"/events", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+bearer)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post event: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		b, _ := io.ReadAll(resp.Body)
		t.Fatalf("post event: expected 202, got %d: %s", resp.StatusCode, b)
	}
}

// readSSEFrames scans up to maxFrames SSE frames, invoking onFrame(event,
// data) for each; it stops early if onFrame returns false.
func readSSEFrames(t *testing.T, scanner *bufio.Scanner, maxFrames int, onFrame func(event, data string) bool) int {
	t.Helper()
	var eventName string
	var dataBuf strings.Builder
	count := 0

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			eventName = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			dataBuf.WriteString(strings.TrimPrefix(line, "data: "))
		case line == "":
			if eventName != "" {
				count++
				cont := onFrame(eventName, dataBuf.String())
				eventName, dataBuf = "", strings.Builder{}
				if !cont || count >= maxFrames {
					return count
				}
			}
		}
	}
	return count
}

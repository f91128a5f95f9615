package search

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vng-commits/eventstore/internal/model"
	"github.com/vng-commits/eventstore/internal/store"
)

func openTestIndex(t *testing.T) *Index {
	t.Helper()
	x, err := Open(filepath.Join(t.TempDir(), "index"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = x.Close() })
	return x
}

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "data.bbolt"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func commitEvent(id, subject string) *model.Event {
	return &model.Event{
		SpecVersion: model.SpecVersion,
		ID:          id,
		Source:      "test",
		Type:        model.CommitEventType,
		Subject:     subject,
		Time:        time.Now().UTC(),
	}
}

func TestSearch_AuthorizationFilter(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	x := openTestIndex(t)

	issue := &model.JSONCommit{ResourceID: "i1", ResourceData: json.RawMessage(`{"id":"i1","title":"Alice's issue","involved":["alice@x"]}`)}
	_, res, err := s.ApplyCommit(ctx, commitEvent("e1", "i1"), issue, "issue")
	require.NoError(t, err)
	require.NoError(t, x.IndexCommit(ctx, commitEvent("e1", "i1"), issue, res, "issue", s))

	alice, err := x.Search(ctx, "*", "alice@x", 10)
	require.NoError(t, err)
	require.Equal(t, 1, alice.Count)

	bob, err := x.Search(ctx, "*", "bob@x", 10)
	require.NoError(t, err)
	require.Equal(t, 0, bob.Count)
}

func TestSearch_ChildInheritsParentInvolved(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	x := openTestIndex(t)

	issueCommit := &model.JSONCommit{ResourceID: "i1", ResourceData: json.RawMessage(`{"id":"i1","title":"Parent","involved":["alice@x"]}`)}
	_, issueRes, err := s.ApplyCommit(ctx, commitEvent("e1", "i1"), issueCommit, "issue")
	require.NoError(t, err)
	require.NoError(t, x.IndexCommit(ctx, commitEvent("e1", "i1"), issueCommit, issueRes, "issue", s))

	commentCommit := &model.JSONCommit{ResourceID: "c1", ResourceData: json.RawMessage(`{"id":"c1","content":"hi"}`)}
	commentEv := commitEvent("e2", "i1")
	_, commentRes, err := s.ApplyCommit(ctx, commentEv, commentCommit, "comment")
	require.NoError(t, err)
	require.NoError(t, x.IndexCommit(ctx, commentEv, commentCommit, commentRes, "comment", s))

	alice, err := x.Search(ctx, "*", "alice@x", 10)
	require.NoError(t, err)
	require.Equal(t, 2, alice.Count)
}

func TestSearch_ChildIndexedBeforeParentIsHiddenThenResolved(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	x := openTestIndex(t)

	commentCommit := &model.JSONCommit{ResourceID: "c1", ResourceData: json.RawMessage(`{"id":"c1","content":"hi"}`)}
	commentEv := commitEvent("e1", "i1")
	_, commentRes, err := s.ApplyCommit(ctx, commentEv, commentCommit, "comment")
	require.NoError(t, err)
	require.NoError(t, x.IndexCommit(ctx, commentEv, commentCommit, commentRes, "comment", s))

	alice, err := x.Search(ctx, "*", "alice@x", 10)
	require.NoError(t, err)
	require.Equal(t, 0, alice.Count)

	issueCommit := &model.JSONCommit{ResourceID: "i1", ResourceData: json.RawMessage(`{"id":"i1","title":"Parent","involved":["alice@x"]}`)}
	issueEv := commitEvent("e2", "i1")
	_, issueRes, err := s.ApplyCommit(ctx, issueEv, issueCommit, "issue")
	require.NoError(t, err)
	require.NoError(t, x.IndexCommit(ctx, issueEv, issueCommit, issueRes, "issue", s))

	alice, err = x.Search(ctx, "*", "alice@x", 10)
	require.NoError(t, err)
	require.Equal(t, 2, alice.Count)
}

func TestSearch_QueryTranslation(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	x := openTestIndex(t)

	commit := &model.JSONCommit{ResourceID: "i1", ResourceData: json.RawMessage(`{"id":"i1","assignee":"alice@x","involved":["alice@x"]}`)}
	ev := commitEvent("e1", "i1")
	_, res, err := s.ApplyCommit(ctx, ev, commit, "issue")
	require.NoError(t, err)
	require.NoError(t, x.IndexCommit(ctx, ev, commit, res, "issue", s))

	byType, err := x.Search(ctx, "is:issue", "alice@x", 10)
	require.NoError(t, err)
	require.Equal(t, 1, byType.Count)

	byAssigneeMe, err := x.Search(ctx, "assignee:me", "alice@x", 10)
	require.NoError(t, err)
	require.Equal(t, 1, byAssigneeMe.Count)
}

func TestSearch_DeleteRemovesResourceKeepsEvent(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	x := openTestIndex(t)

	commit := &model.JSONCommit{ResourceID: "i1", ResourceData: json.RawMessage(`{"id":"i1","involved":["alice@x"]}`)}
	ev := commitEvent("e1", "i1")
	_, res, err := s.ApplyCommit(ctx, ev, commit, "issue")
	require.NoError(t, err)
	require.NoError(t, x.IndexCommit(ctx, ev, commit, res, "issue", s))

	delEv := commitEvent("e2", "i1")
	delCommit := &model.JSONCommit{ResourceID: "i1", Deleted: true}
	_, err = s.DeleteResource(ctx, delEv, "i1")
	require.NoError(t, err)
	require.NoError(t, x.IndexCommit(ctx, delEv, delCommit, nil, "issue", s))

	alice, err := x.Search(ctx, "is:issue", "alice@x", 10)
	require.NoError(t, err)
	require.Equal(t, 0, alice.Count)

	events, err := x.Search(ctx, "is:event", "alice@x", 10)
	require.NoError(t, err)
	require.Equal(t, 1, events.Count)
}

func TestSearch_Rebuild(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	x := openTestIndex(t)

	commit := &model.JSONCommit{ResourceID: "i1", ResourceData: json.RawMessage(`{"id":"i1","involved":["alice@x"]}`)}
	ev := commitEvent("e1", "i1")
	data, err := json.Marshal(commit)
	require.NoError(t, err)
	ev.Data = data
	_, _, err = s.ApplyCommit(ctx, ev, commit, "issue")
	require.NoError(t, err)

	require.NoError(t, x.Rebuild(ctx, s))

	alice, err := x.Search(ctx, "*", "alice@x", 10)
	require.NoError(t, err)
	require.Equal(t, 1, alice.Count)
}

package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/vng-commits/eventstore/internal/apierror"
	"github.com/vng-commits/eventstore/internal/auth"
	"github.com/vng-commits/eventstore/internal/model"
)

// handleSSE handles GET /events: snapshot then live deltas (spec.md §4.6).
//
// The bus subscription opens before the snapshot is captured, and the
// snapshot's high-water sequence is read only after that, so every commit
// lands in exactly one of the two: the snapshot (sequence <= high water)
// or the delta stream (sequence > high water). Delta messages with
// sequence <= high water arrive because the subscription was already open
// while the snapshot was being assembled; they are dropped as duplicates.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	principal, err := auth.GetPrincipal(r.Context())
	if err != nil {
		apierror.WriteUnauthorized(w, "")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		apierror.WriteInternal(w, fmt.Errorf("httpapi: response writer does not support flushing"))
		return
	}

	sub := s.bus.Subscribe()
	defer sub.Close()

	highWater := s.store.LastSequence()

	allEvents, err := s.store.ListEvents(r.Context(), 0, 0)
	if err != nil {
		apierror.WriteInternal(w, err)
		return
	}

	var snapshot []*model.Event
	for _, ev := range allEvents {
		if ev.Sequence > highWater {
			break
		}
		if s.visibleTo(r.Context(), ev, principal.Email) {
			snapshot = append(snapshot, ev)
		}
	}
	if snapshot == nil {
		snapshot = []*model.Event{}
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	if err := writeSSEFrame(w, "snapshot", snapshot); err != nil {
		return
	}
	flusher.Flush()

	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()

	lastSeq := highWater
	for {
		select {
		case <-r.Context().Done():
			return

		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()

		case msg, ok := <-sub.C:
			if !ok {
				return
			}
			if msg.Lag {
				if err := writeSSEFrame(w, "lag", map[string]uint64{"sequence": lastSeq}); err != nil {
					return
				}
				flusher.Flush()
				continue
			}

			ev := msg.Event
			if ev.Sequence <= highWater {
				continue // already included in the snapshot
			}
			lastSeq = ev.Sequence

			if !s.visibleTo(r.Context(), ev, principal.Email) {
				continue
			}

			if err := writeSSEFrame(w, "delta", ev); err != nil {
				return
			}
			flusher.Flush()

			if ev.Type == model.ResetEventType {
				return
			}
		}
	}
}

func writeSSEFrame(w http.ResponseWriter, event string, payload any) error {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, encoded)
	return err
}

// visibleTo reports whether ev should be delivered to user, applying the
// same involved-set authorization clause search applies (spec.md §5).
// system.reset is a global signal and bypasses the filter.
func (s *Server) visibleTo(ctx context.Context, ev *model.Event, user string) bool {
	if ev.Type == model.ResetEventType {
		return true
	}
	if !ev.IsCommit() {
		return false
	}
	commit, err := ev.Commit()
	if err != nil {
		return false
	}

	involved := s.resolveHistoricalInvolved(ctx, ev, commit)
	for _, u := range involved {
		if u == user {
			return true
		}
	}
	return false
}

// resolveHistoricalInvolved determines the involved set an event should be
// judged against: the resource's current materialisation if it still
// exists (not consulted for comment|task|planning|document), else the
// current involved set of the resource named by the event's subject (the
// parent issue, for child types), else the involved set declared in the
// event's own create-time payload — the best available record once a
// resource has since been deleted (spec.md §5 "current or historical").
func (s *Server) resolveHistoricalInvolved(ctx context.Context, ev *model.Event, commit *model.JSONCommit) []string {
	resourceType := model.ResourceType(commit.Schema, ev.Subject)

	if !model.IsChildType(resourceType) {
		if res, err := s.store.GetResource(ctx, commit.ResourceID); err == nil {
			if inv := model.Involved(res.Body); len(inv) > 0 {
				return inv
			}
		}
	}

	if ev.Subject != "" {
		if parent, err := s.store.GetResource(ctx, ev.Subject); err == nil {
			if inv := model.Involved(parent.Body); len(inv) > 0 {
				return inv
			}
		}
	}

	if len(commit.ResourceData) > 0 {
		return model.Involved(commit.ResourceData)
	}
	return nil
}

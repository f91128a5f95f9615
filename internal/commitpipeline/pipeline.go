// Package commitpipeline implements the ten-step commit path (spec.md
// §4.3): validate envelope, validate payload, authorize and bind the
// actor, derive resource type, apply the mutation, assign sequence,
// persist, index, broadcast, and respond. Validation and actor binding run
// first; every step from deriving the resource type through broadcast runs
// inside a single mutex so there is exactly one logical writer (spec.md §5).
package commitpipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/vng-commits/eventstore/internal/bus"
	"github.com/vng-commits/eventstore/internal/model"
	"github.com/vng-commits/eventstore/internal/search"
	"github.com/vng-commits/eventstore/internal/store"
)

// ValidationError is returned for malformed envelopes/payloads (spec.md
// §4.3 steps 1-2); callers map it to a 400 Problem Detail.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

// Pipeline composes the store, search index, and broadcast bus behind the
// single-writer critical section.
type Pipeline struct {
	mu    sync.Mutex
	store *store.Store
	index *search.Index
	bus   *bus.Bus
	log   *slog.Logger
	now   func() time.Time
}

// New constructs a Pipeline. now defaults to time.Now when nil, overridable
// for tests.
func New(s *store.Store, idx *search.Index, b *bus.Bus, log *slog.Logger, now func() time.Time) *Pipeline {
	if log == nil {
		log = slog.Default()
	}
	if now == nil {
		now = time.Now
	}
	return &Pipeline{store: s, index: idx, bus: b, log: log, now: now}
}

// Commit runs one event through all ten steps. actor is the authenticated
// caller's identity (email), derived upstream from the bearer token.
func (p *Pipeline) Commit(ctx context.Context, ev *model.Event, actor string) (*model.Event, *model.Resource, error) {
	if err := validateEnvelope(ev, p.now); err != nil {
		return nil, nil, err
	}
	if ev.Type == model.ResetEventType {
		return nil, nil, &ValidationError{Msg: "system.reset is issued via POST /reset/, not POST /events"}
	}

	commit, err := ev.Commit()
	if err != nil {
		return nil, nil, &ValidationError{Msg: err.Error()}
	}
	if err := validatePayload(commit); err != nil {
		return nil, nil, err
	}

	// Step 3: authorize write. The authenticated principal always replaces
	// data.actor (spec.md §9 open question, policy (i) "overwrite" — see
	// DESIGN.md for the rationale).
	commit.Actor = actor
	var data map[string]json.RawMessage
	if err := json.Unmarshal(ev.Data, &data); err != nil {
		return nil, nil, &ValidationError{Msg: err.Error()}
	}
	data["actor"], _ = json.Marshal(actor)
	boundData, err := json.Marshal(data)
	if err != nil {
		return nil, nil, fmt.Errorf("commitpipeline: bind actor: %w", err)
	}
	ev.Data = boundData

	p.mu.Lock()
	defer p.mu.Unlock()

	resourceType := model.ResourceType(commit.Schema, ev.Subject)

	seq, res, err := p.store.ApplyCommit(ctx, ev, commit, resourceType)
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, nil, err
		}
		return nil, nil, fmt.Errorf("commitpipeline: persist: %w", err)
	}
	ev.Sequence = seq

	if err := p.index.IndexCommit(ctx, ev, commit, res, resourceType, p.store); err != nil {
		p.log.Warn("index commit failed, index will be stale until rebuild", "event_id", ev.ID, "error", err)
	}

	p.bus.Publish(ev)

	p.log.Info("commit accepted", "event_id", ev.ID, "sequence", seq, "actor", actor)
	return ev, res, nil
}

// Reset clears the resource table and search index (but not the event
// log), appends a system.reset event, and broadcasts it so subscribers
// reinitialise (spec.md §6 "POST /reset/", §6 "SystemReset": the server
// may additionally close the stream; internal/httpapi does so on receipt).
func (p *Pipeline) Reset(ctx context.Context, eventID, source, actor string) (*model.Event, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.store.ClearResources(ctx); err != nil {
		return nil, fmt.Errorf("commitpipeline: reset: clear resources: %w", err)
	}
	if err := p.index.Clear(); err != nil {
		return nil, fmt.Errorf("commitpipeline: reset: clear index: %w", err)
	}

	ev := &model.Event{
		SpecVersion: model.SpecVersion,
		ID:          eventID,
		Source:      source,
		Type:        model.ResetEventType,
		Time:        p.now().UTC(),
	}
	seq, err := p.store.AppendSystemEvent(ctx, ev)
	if err != nil {
		return nil, fmt.Errorf("commitpipeline: reset: append event: %w", err)
	}
	ev.Sequence = seq

	p.log.Info("system.reset committed", "sequence", seq, "actor", actor)
	p.bus.Publish(ev)
	return ev, nil
}

func validateEnvelope(ev *model.Event, now func() time.Time) error {
	if ev.SpecVersion == "" {
		ev.SpecVersion = model.SpecVersion
	}
	if ev.SpecVersion != model.SpecVersion {
		return &ValidationError{Msg: fmt.Sprintf("unsupported specversion %q", ev.SpecVersion)}
	}
	if ev.ID == "" {
		return &ValidationError{Msg: "missing event id"}
	}
	if ev.Type == "" {
		return &ValidationError{Msg: "missing event type"}
	}
	if ev.Time.IsZero() {
		ev.Time = now().UTC()
	}
	return nil
}

func validatePayload(commit *model.JSONCommit) error {
	if commit.ResourceID == "" {
		return &ValidationError{Msg: "missing resource_id"}
	}
	if !commit.HasExactlyOneMutation() {
		return &ValidationError{Msg: "commit must specify exactly one of resource_data, patch, or deleted"}
	}
	return nil
}

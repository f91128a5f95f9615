// Package model defines the CloudEvent envelope and JSONCommit payload that
// flow through the commit pipeline, plus the materialised Resource shape.
package model

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// CommitEventType is the current discriminator for a resource-mutating event.
const CommitEventType = "json.commit"

// LegacyCommitEventType is accepted on ingest for backwards compatibility.
const LegacyCommitEventType = "nl.vng.zaken.json-commit.v1"

// ResetEventType marks an operator-triggered global refresh.
const ResetEventType = "system.reset"

// SpecVersion is the only CloudEvents spec version this server accepts.
const SpecVersion = "1.0"

// Event is the CloudEvents 1.0 envelope persisted in the log and streamed to
// subscribers. Sequence is assigned by the store at commit time and is not
// part of the wire envelope producers submit.
type Event struct {
	SpecVersion     string          `json:"specversion"`
	ID              string          `json:"id"`
	Source          string          `json:"source"`
	Type            string          `json:"type"`
	Subject         string          `json:"subject,omitempty"`
	Time            time.Time       `json:"time"`
	DataContentType string          `json:"datacontenttype,omitempty"`
	DataSchema      string          `json:"dataschema,omitempty"`
	Data            json.RawMessage `json:"data,omitempty"`
	Sequence        uint64          `json:"sequence"`
}

// IsCommit reports whether the event carries a JSONCommit payload, under
// either the current or legacy type discriminator.
func (e *Event) IsCommit() bool {
	return e.Type == CommitEventType || e.Type == LegacyCommitEventType
}

// Commit decodes the event's Data into a JSONCommit, applying legacy field
// name aliasing (item_id/item_data -> resource_id/resource_data).
func (e *Event) Commit() (*JSONCommit, error) {
	if len(e.Data) == 0 {
		return nil, fmt.Errorf("event %s: missing data payload", e.ID)
	}
	var raw jsonCommitWire
	if err := json.Unmarshal(e.Data, &raw); err != nil {
		return nil, fmt.Errorf("event %s: invalid commit payload: %w", e.ID, err)
	}
	return raw.normalize(), nil
}

// JSONCommit is the normalized payload of a json.commit event (spec.md §3).
type JSONCommit struct {
	Schema       string          `json:"schema,omitempty"`
	ResourceID   string          `json:"resource_id"`
	Actor        string          `json:"actor,omitempty"`
	ResourceData json.RawMessage `json:"resource_data,omitempty"`
	Patch        json.RawMessage `json:"patch,omitempty"`
	Deleted      bool            `json:"deleted,omitempty"`
}

// jsonCommitWire mirrors JSONCommit but additionally accepts the legacy
// item_id/item_data field names on ingest (spec.md §6 compatibility note).
type jsonCommitWire struct {
	Schema       string          `json:"schema,omitempty"`
	ResourceID   string          `json:"resource_id"`
	ItemID       string          `json:"item_id"`
	Actor        string          `json:"actor,omitempty"`
	ResourceData json.RawMessage `json:"resource_data,omitempty"`
	ItemData     json.RawMessage `json:"item_data"`
	Patch        json.RawMessage `json:"patch,omitempty"`
	Deleted      bool            `json:"deleted,omitempty"`
}

func (w *jsonCommitWire) normalize() *JSONCommit {
	c := &JSONCommit{
		Schema:  w.Schema,
		Actor:   w.Actor,
		Patch:   w.Patch,
		Deleted: w.Deleted,
	}
	c.ResourceID = w.ResourceID
	if c.ResourceID == "" {
		c.ResourceID = w.ItemID
	}
	c.ResourceData = w.ResourceData
	if len(c.ResourceData) == 0 {
		c.ResourceData = w.ItemData
	}
	return c
}

// HasExactlyOneMutation reports whether the commit specifies precisely one
// of resource_data, patch, or deleted (spec.md §3 "A commit with none of
// these is rejected" and §8 "all three ... -> 400").
func (c *JSONCommit) HasExactlyOneMutation() bool {
	n := 0
	if len(c.ResourceData) > 0 {
		n++
	}
	if len(c.Patch) > 0 {
		n++
	}
	if c.Deleted {
		n++
	}
	return n == 1
}

// ResourceType derives the resource_type from the commit's schema URL
// (final path segment, lowercased) or, failing that, from the prefix of
// subject before the first '/' (spec.md §4.2).
func ResourceType(schema, subject string) string {
	if schema != "" {
		segs := strings.Split(strings.TrimRight(schema, "/"), "/")
		last := segs[len(segs)-1]
		if last != "" {
			return strings.ToLower(last)
		}
	}
	if subject != "" {
		if idx := strings.Index(subject, "/"); idx > 0 {
			return strings.ToLower(subject[:idx])
		}
	}
	return "unknown"
}

// Resource is the materialised, current-state view of one resource_id.
type Resource struct {
	ID           string          `json:"id"`
	ResourceType string          `json:"resource_type"`
	Body         json.RawMessage `json:"data"`
	UpdatedAt    time.Time       `json:"updated_at"`
	Digest       string          `json:"digest,omitempty"`
}

// IsChildType reports whether resourceType inherits its `involved` set from
// a parent issue via the commit's `subject` field rather than carrying its
// own (spec.md §5).
func IsChildType(resourceType string) bool {
	switch resourceType {
	case "comment", "task", "planning", "document":
		return true
	default:
		return false
	}
}

// Involved extracts the "involved" string array from a resource body, if
// present, for authorization filtering (spec.md §5).
func Involved(body json.RawMessage) []string {
	if len(body) == 0 {
		return nil
	}
	var shape struct {
		Involved []string `json:"involved"`
	}
	if err := json.Unmarshal(body, &shape); err != nil {
		return nil
	}
	return shape.Involved
}

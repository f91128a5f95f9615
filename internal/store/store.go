// Package store implements the durable event log and current-state
// resource table over an embedded bbolt database (spec.md §4.1).
//
// Three buckets back the store: events_by_seq (sequence -> serialized
// Event, giving log iteration in commit order), events_by_id (event id ->
// sequence, for duplicate-id rejection and id lookup), and resources
// (resource id -> serialized resource record). A meta bucket persists the
// last assigned sequence so it survives restart (spec.md §9).
package store

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.etcd.io/bbolt"

	"github.com/vng-commits/eventstore/internal/canonicalize"
	"github.com/vng-commits/eventstore/internal/model"
	"github.com/vng-commits/eventstore/internal/patch"
)

var (
	// ErrNotFound is returned when a resource id has no current materialisation.
	ErrNotFound = errors.New("resource not found")
	// ErrConflict is returned when an event id has already been committed.
	ErrConflict = errors.New("event id already committed")
)

var (
	bucketEventsBySeq = []byte("events_by_seq")
	bucketEventsByID  = []byte("events_by_id")
	bucketResources   = []byte("resources")
	bucketMeta        = []byte("meta")
	keyLastSequence   = []byte("last_sequence")
)

// resourceRecord is the on-disk shape of a resources bucket value.
type resourceRecord struct {
	ResourceType string          `json:"resource_type"`
	Body         json.RawMessage `json:"body"`
	UpdatedAt    time.Time       `json:"updated_at"`
	Digest       string          `json:"digest,omitempty"`
}

// Store is the durable event log + resource table.
type Store struct {
	db *bbolt.DB

	// seqMu serializes sequence assignment; bbolt's own transaction
	// discipline already serializes writes, but the in-memory counter is
	// advanced inside the write transaction and also read by LastSequence,
	// so an explicit mutex is held across each writing transaction
	// (spec.md §9).
	seqMu sync.Mutex
	seq   uint64
}

// Open opens (creating if absent) the bbolt database at path and recovers
// the sequence counter.
func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	s := &Store{db: db}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{bucketEventsBySeq, bucketEventsByID, bucketResources, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init buckets: %w", err)
	}

	if err := s.recoverSequence(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return s, nil
}

func (s *Store) recoverSequence() error {
	return s.db.View(func(tx *bbolt.Tx) error {
		meta := tx.Bucket(bucketMeta)
		if v := meta.Get(keyLastSequence); v != nil {
			s.seq = binary.BigEndian.Uint64(v)
			return nil
		}
		// Fall back to scanning events_by_seq for max(sequence), in case the
		// meta counter was never written (e.g. database created by an older
		// version of this code).
		eb := tx.Bucket(bucketEventsBySeq)
		c := eb.Cursor()
		k, _ := c.Last()
		if k != nil {
			s.seq = binary.BigEndian.Uint64(k)
		}
		return nil
	})
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func seqKey(seq uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, seq)
	return k
}

// LastSequence returns the highest committed sequence number.
func (s *Store) LastSequence() uint64 {
	s.seqMu.Lock()
	defer s.seqMu.Unlock()
	return s.seq
}

// ApplyCommit persists a single event and its resulting resource mutation
// in one bbolt transaction (spec.md §4.3 steps 6-7). It returns the
// assigned sequence and the post-image resource (nil on delete).
func (s *Store) ApplyCommit(ctx context.Context, ev *model.Event, commit *model.JSONCommit, resourceType string) (uint64, *model.Resource, error) {
	s.seqMu.Lock()
	defer s.seqMu.Unlock()

	var assigned uint64
	var postImage *model.Resource

	err := s.db.Update(func(tx *bbolt.Tx) error {
		eventsByID := tx.Bucket(bucketEventsByID)
		if eventsByID.Get([]byte(ev.ID)) != nil {
			return ErrConflict
		}

		resources := tx.Bucket(bucketResources)
		existing, err := getResourceRecord(resources, commit.ResourceID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}

		var newBody json.RawMessage
		deleted := commit.Deleted

		switch {
		case commit.Deleted:
			// tombstone: resource removed below.
		case len(commit.ResourceData) > 0:
			newBody = commit.ResourceData
		case len(commit.Patch) > 0:
			var base json.RawMessage
			if existing != nil {
				base = existing.Body
			}
			merged, err := patch.ApplyJSON(base, commit.Patch)
			if err != nil {
				return fmt.Errorf("apply patch: %w", err)
			}
			newBody = merged
		}

		assigned = s.seq + 1
		s.seq = assigned
		ev.Sequence = assigned

		encodedEvent, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketEventsBySeq).Put(seqKey(assigned), encodedEvent); err != nil {
			return err
		}
		if err := eventsByID.Put([]byte(ev.ID), seqKey(assigned)); err != nil {
			return err
		}
		if err := tx.Bucket(bucketMeta).Put(keyLastSequence, seqKey(assigned)); err != nil {
			return err
		}

		if deleted {
			if err := resources.Delete([]byte(commit.ResourceID)); err != nil {
				return err
			}
			postImage = nil
			return nil
		}

		digest, err := canonicalize.CanonicalHash(json.RawMessage(newBody))
		if err != nil {
			return fmt.Errorf("digest resource: %w", err)
		}
		rec := resourceRecord{
			ResourceType: resourceType,
			Body:         newBody,
			UpdatedAt:    ev.Time,
			Digest:       digest,
		}
		encodedRes, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		if err := resources.Put([]byte(commit.ResourceID), encodedRes); err != nil {
			return err
		}

		postImage = &model.Resource{
			ID:           commit.ResourceID,
			ResourceType: resourceType,
			Body:         newBody,
			UpdatedAt:    rec.UpdatedAt,
			Digest:       digest,
		}
		return nil
	})
	if err != nil {
		return 0, nil, err
	}
	return assigned, postImage, nil
}

func getResourceRecord(b *bbolt.Bucket, id string) (*resourceRecord, error) {
	v := b.Get([]byte(id))
	if v == nil {
		return nil, ErrNotFound
	}
	var rec resourceRecord
	if err := json.Unmarshal(v, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// GetResource returns the current materialisation of id, or ErrNotFound.
func (s *Store) GetResource(ctx context.Context, id string) (*model.Resource, error) {
	var out *model.Resource
	err := s.db.View(func(tx *bbolt.Tx) error {
		rec, err := getResourceRecord(tx.Bucket(bucketResources), id)
		if err != nil {
			return err
		}
		out = &model.Resource{
			ID:           id,
			ResourceType: rec.ResourceType,
			Body:         rec.Body,
			UpdatedAt:    rec.UpdatedAt,
			Digest:       rec.Digest,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ListResources returns a stable-ordered (by resource id), paginated slice
// of current resources.
func (s *Store) ListResources(ctx context.Context, offset, limit int) ([]*model.Resource, error) {
	var out []*model.Resource
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketResources)
		i := 0
		return b.ForEach(func(k, v []byte) error {
			if i < offset {
				i++
				return nil
			}
			if limit > 0 && len(out) >= limit {
				return nil
			}
			var rec resourceRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			out = append(out, &model.Resource{
				ID:           string(k),
				ResourceType: rec.ResourceType,
				Body:         rec.Body,
				UpdatedAt:    rec.UpdatedAt,
				Digest:       rec.Digest,
			})
			i++
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []*model.Resource{}
	}
	return out, nil
}

// ListEvents returns events with sequence > since, in sequence order, up to
// limit (0 = unlimited). Used for SSE snapshot bootstrap and index rebuild.
func (s *Store) ListEvents(ctx context.Context, since uint64, limit int) ([]*model.Event, error) {
	var out []*model.Event
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketEventsBySeq).Cursor()
		for k, v := c.Seek(seqKey(since + 1)); k != nil; k, v = c.Next() {
			var ev model.Event
			if err := json.Unmarshal(v, &ev); err != nil {
				return err
			}
			out = append(out, &ev)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []*model.Event{}
	}
	return out, nil
}

// DeleteResource emits an internal delete event equivalent to a
// deleted:true commit (spec.md §4.1 "delete_resource").
func (s *Store) DeleteResource(ctx context.Context, ev *model.Event, resourceID string) (uint64, error) {
	commit := &model.JSONCommit{ResourceID: resourceID, Deleted: true}
	seq, _, err := s.ApplyCommit(ctx, ev, commit, "")
	return seq, err
}

// AppendSystemEvent assigns a sequence and persists an event that carries no
// resource mutation (e.g. system.reset), preserving total ordering for
// subscribers without touching the resources bucket.
func (s *Store) AppendSystemEvent(ctx context.Context, ev *model.Event) (uint64, error) {
	s.seqMu.Lock()
	defer s.seqMu.Unlock()

	var assigned uint64
	err := s.db.Update(func(tx *bbolt.Tx) error {
		eventsByID := tx.Bucket(bucketEventsByID)
		if eventsByID.Get([]byte(ev.ID)) != nil {
			return ErrConflict
		}

		assigned = s.seq + 1
		s.seq = assigned
		ev.Sequence = assigned

		encoded, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketEventsBySeq).Put(seqKey(assigned), encoded); err != nil {
			return err
		}
		if err := eventsByID.Put([]byte(ev.ID), seqKey(assigned)); err != nil {
			return err
		}
		return tx.Bucket(bucketMeta).Put(keyLastSequence, seqKey(assigned))
	})
	if err != nil {
		return 0, err
	}
	return assigned, nil
}

// ClearResources drops the entire resource table, leaving the event log
// untouched (spec.md §6, `POST /reset/` note: "does not truncate the event
// log unless an operator explicitly opts in").
func (s *Store) ClearResources(ctx context.Context) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.DeleteBucket(bucketResources); err != nil {
			return err
		}
		_, err := tx.CreateBucket(bucketResources)
		return err
	})
}

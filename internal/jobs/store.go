package jobs

import (
	"container/list"
	"fmt"
	"iter"
	"time"
)

// Store is an insertion-ordered collection of records with O(1) lookup by ID.
//
// It is a dumb container: no locking and no state checks. The scheduler owns
// the only instance and serializes every call.
type Store struct {
	order *list.List // of *Record
	byID  map[string]*list.Element
}

func NewStore() *Store {
	return &Store{order: list.New(), byID: map[string]*list.Element{}}
}

func (s *Store) Len() int { return len(s.byID) }

// Add appends r to the iteration order.
func (s *Store) Add(r *Record) error {
	if r == nil {
		return fmt.Errorf("add: nil record")
	}
	if _, ok := s.byID[r.ID]; ok {
		return fmt.Errorf("add %s: %w", r.ID, ErrDuplicateID)
	}
	s.byID[r.ID] = s.order.PushBack(r)
	return nil
}

// Get returns the live record; callers outside the owner must Clone it.
func (s *Store) Get(id string) (*Record, error) {
	el, ok := s.byID[id]
	if !ok {
		return nil, fmt.Errorf("get %s: %w", id, ErrNotFound)
	}
	return el.Value.(*Record), nil
}

func (s *Store) Remove(id string) error {
	el, ok := s.byID[id]
	if !ok {
		return fmt.Errorf("remove %s: %w", id, ErrNotFound)
	}
	s.order.Remove(el)
	delete(s.byID, id)
	return nil
}

// Enumerate yields copies of every record in insertion order. The snapshot is
// taken when Enumerate is called; iterating the result twice yields it twice.
func (s *Store) Enumerate() iter.Seq[Record] {
	snap := s.Snapshot()
	return func(yield func(Record) bool) {
		for _, r := range snap {
			if !yield(r) {
				return
			}
		}
	}
}

// Snapshot returns copies of every record in insertion order.
func (s *Store) Snapshot() []Record {
	out := make([]Record, 0, len(s.byID))
	for el := s.order.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(*Record).Clone())
	}
	return out
}

// Pending yields the IDs of pending records, oldest first. It walks the live
// order, so the store must not change while the loop runs.
func (s *Store) Pending() iter.Seq[string] {
	return func(yield func(string) bool) {
		for el := s.order.Front(); el != nil; el = el.Next() {
			if r := el.Value.(*Record); r.Status == StatusPending && !yield(r.ID) {
				return
			}
		}
	}
}

// NextPending returns the oldest pending record, or nil.
func (s *Store) NextPending() *Record {
	for id := range s.Pending() {
		return s.byID[id].Value.(*Record)
	}
	return nil
}

// Count returns how many records are in status st.
func (s *Store) Count(st Status) int {
	n := 0
	for el := s.order.Front(); el != nil; el = el.Next() {
		if el.Value.(*Record).Status == st {
			n++
		}
	}
	return n
}

// RemoveFunc deletes every record for which match returns true and reports
// each removed record to removed (if non-nil). Returns the count removed.
func (s *Store) RemoveFunc(match func(*Record) bool, removed func(Record)) int {
	n := 0
	for el := s.order.Front(); el != nil; {
		next := el.Next()
		r := el.Value.(*Record)
		if match(r) {
			s.order.Remove(el)
			delete(s.byID, r.ID)
			n++
			if removed != nil {
				removed(r.Clone())
			}
		}
		el = next
	}
	return n
}

// PruneOlderThan removes terminal records whose CompletedAt is before now-cutoff.
func (s *Store) PruneOlderThan(cutoff time.Duration, now time.Time) int {
	return s.PruneOlderThanFunc(cutoff, now, nil)
}

// PruneOlderThanFunc is PruneOlderThan with a callback per removed record.
func (s *Store) PruneOlderThanFunc(cutoff time.Duration, now time.Time, removed func(Record)) int {
	limit := now.Add(-cutoff)
	return s.RemoveFunc(func(r *Record) bool {
		return r.Status.IsTerminal() && r.CompletedAt != nil && r.CompletedAt.Before(limit)
	}, removed)
}

package jobs

import (
	"errors"
	"testing"
	"time"
)

func mustAdd(t *testing.T, s *Store, kind, input string, at time.Time) *Record {
	t.Helper()
	r := NewRecord(kind, input, at)
	if err := s.Add(r); err != nil {
		t.Fatalf("Add(%s): %v", input, err)
	}
	return r
}

func finish(t *testing.T, r *Record, at time.Time) {
	t.Helper()
	if err := r.Start(at); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := r.Complete(at, r.Input+".out", "done"); err != nil {
		t.Fatalf("Complete: %v", err)
	}
}

func TestStoreAddRejectsDuplicateID(t *testing.T) {
	t.Parallel()
	s := NewStore()
	r := mustAdd(t, s, "reverse", "a.mp4", time.Now())

	dup := *r
	if err := s.Add(&dup); !errors.Is(err, ErrDuplicateID) {
		t.Fatalf("Add duplicate = %v, want ErrDuplicateID", err)
	}
	if s.Len() != 1 {
		t.Fatalf("Len = %d, want 1", s.Len())
	}
}

func TestStoreGetAndRemoveNotFound(t *testing.T) {
	t.Parallel()
	s := NewStore()
	if _, err := s.Get("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get = %v, want ErrNotFound", err)
	}
	if err := s.Remove("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Remove = %v, want ErrNotFound", err)
	}
}

func TestStoreEnumerateInsertionOrderAndRestartable(t *testing.T) {
	t.Parallel()
	s := NewStore()
	now := time.Now()
	a := mustAdd(t, s, "k", "a", now)
	b := mustAdd(t, s, "k", "b", now)
	c := mustAdd(t, s, "k", "c", now)
	if err := s.Remove(b.ID); err != nil {
		t.Fatalf("Remove: %v", err)
	}

	seq := s.Enumerate()
	for pass := 0; pass < 2; pass++ {
		var ids []string
		for r := range seq {
			ids = append(ids, r.ID)
		}
		if len(ids) != 2 || ids[0] != a.ID || ids[1] != c.ID {
			t.Fatalf("pass %d: ids = %v, want [%s %s]", pass, ids, a.ID, c.ID)
		}
	}

	// Snapshots are copies.
	snap := s.Snapshot()
	snap[0].Status = StatusFailed
	if got, _ := s.Get(a.ID); got.Status != StatusPending {
		t.Fatalf("enumerated copy mutated the store: %s", got.Status)
	}
}

func TestStoreNextPendingIsFIFO(t *testing.T) {
	t.Parallel()
	s := NewStore()
	now := time.Now()
	a := mustAdd(t, s, "k", "a", now)
	b := mustAdd(t, s, "k", "b", now)

	if got := s.NextPending(); got != a {
		t.Fatalf("NextPending = %v, want a", got)
	}
	if err := a.Cancel(now); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if got := s.NextPending(); got != b {
		t.Fatalf("NextPending after cancel = %v, want b", got)
	}

	c := mustAdd(t, s, "k", "c", now)
	var ids []string
	for id := range s.Pending() {
		ids = append(ids, id)
	}
	if len(ids) != 2 || ids[0] != b.ID || ids[1] != c.ID {
		t.Fatalf("Pending = %v, want [%s %s]", ids, b.ID, c.ID)
	}
	for id := range s.Pending() {
		if id != b.ID {
			t.Fatalf("Pending first = %s, want %s", id, b.ID)
		}
		break
	}
}

func TestStorePruneOlderThan(t *testing.T) {
	t.Parallel()
	s := NewStore()
	now := time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC)
	window := 7 * 24 * time.Hour

	old := mustAdd(t, s, "k", "old", now.Add(-10*24*time.Hour))
	finish(t, old, now.Add(-8*24*time.Hour))
	young := mustAdd(t, s, "k", "young", now.Add(-2*24*time.Hour))
	finish(t, young, now.Add(-24*time.Hour))
	oldPending := mustAdd(t, s, "k", "old-pending", now.Add(-30*24*time.Hour))

	var removed []string
	n := s.PruneOlderThanFunc(window, now, func(r Record) { removed = append(removed, r.ID) })
	if n != 1 || len(removed) != 1 || removed[0] != old.ID {
		t.Fatalf("pruned %d %v, want only %s", n, removed, old.ID)
	}
	if _, err := s.Get(young.ID); err != nil {
		t.Fatalf("young record pruned: %v", err)
	}
	if _, err := s.Get(oldPending.ID); err != nil {
		t.Fatalf("pending record pruned: %v", err)
	}
	if n := s.PruneOlderThan(window, now); n != 0 {
		t.Fatalf("second prune removed %d", n)
	}
}

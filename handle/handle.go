// Package handle implements generation-checked resource handles.
//
// A Handle names a slot in a Table together with the unique id the slot held when the
// handle was issued. Releasing a slot clears its id, so every handle issued before the
// release stops resolving, even after the slot is reused.
package handle

import (
	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
)

// ErrStaleHandle is returned when a handle no longer names a live slot.
var ErrStaleHandle = errors.New("stale handle")

// Handle is an opaque reference to a Table slot.
type Handle struct {
	Index int
	ID    uuid.UUID
}

// Invalid is the zero handle. It never resolves.
var Invalid = Handle{Index: -1}

// IsValid reports whether h was issued by a table. It does not check staleness.
func (h Handle) IsValid() bool {
	return h.Index >= 0 && h.ID != uuid.Nil
}

func (h Handle) String() string {
	if !h.IsValid() {
		return "invalid"
	}
	return h.ID.String()
}

type slot[T any] struct {
	id     uuid.UUID
	record T
}

// Table stores records of type T behind generation-checked handles.
// It is not safe for concurrent use.
type Table[T any] struct {
	slots []slot[T]
}

// Acquire stores record in the first free slot, appending one if none is free.
func (t *Table[T]) Acquire(record T) Handle {
	id := uuid.New()
	for i := range t.slots {
		if t.slots[i].id == uuid.Nil {
			t.slots[i] = slot[T]{id: id, record: record}
			return Handle{Index: i, ID: id}
		}
	}

	t.slots = append(t.slots, slot[T]{id: id, record: record})
	return Handle{Index: len(t.slots) - 1, ID: id}
}

// Resolve returns the record h names. The pointer stays valid until the next Acquire.
func (t *Table[T]) Resolve(h Handle) (*T, error) {
	if h.Index < 0 || h.Index >= len(t.slots) || h.ID == uuid.Nil {
		return nil, errors.Wrapf(ErrStaleHandle, "handle %s", h)
	}
	s := &t.slots[h.Index]
	if s.id != h.ID {
		return nil, errors.Wrapf(ErrStaleHandle, "handle %s", h)
	}
	return &s.record, nil
}

// Release frees the slot h names and returns its record so the caller can tear down
// the native objects it owns. The slot is invalidated before the record is returned,
// and *h is set to Invalid.
func (t *Table[T]) Release(h *Handle) (T, error) {
	var zero T
	if _, err := t.Resolve(*h); err != nil {
		return zero, err
	}

	s := &t.slots[h.Index]
	s.id = uuid.Nil
	record := s.record
	s.record = zero
	*h = Invalid
	return record, nil
}

// Replace swaps the record stored behind h and issues h a new id, so holders of the
// old handle observe a stale handle. The returned handle replaces h.
func (t *Table[T]) Replace(h Handle, record T) (Handle, error) {
	if _, err := t.Resolve(h); err != nil {
		return Invalid, err
	}
	id := uuid.New()
	t.slots[h.Index] = slot[T]{id: id, record: record}
	return Handle{Index: h.Index, ID: id}, nil
}

// Each calls fn for every live slot, in slot order.
func (t *Table[T]) Each(fn func(h Handle, record *T)) {
	for i := range t.slots {
		if t.slots[i].id == uuid.Nil {
			continue
		}
		fn(Handle{Index: i, ID: t.slots[i].id}, &t.slots[i].record)
	}
}

// Live returns the number of occupied slots.
func (t *Table[T]) Live() int {
	n := 0
	for i := range t.slots {
		if t.slots[i].id != uuid.Nil {
			n++
		}
	}
	return n
}

// Len returns the number of slots, free or not.
func (t *Table[T]) Len() int {
	return len(t.slots)
}

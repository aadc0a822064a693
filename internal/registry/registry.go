// Package registry implements a table of values indexed by generation-counted handles.
//
// A handle stays valid until its value is removed: removing bumps the generation of the slot, so stale handles
// held elsewhere are detected even after the slot is reused.
package registry

import (
	"fmt"
	"sync"
)

// Handle to a value in a Table. The zero Handle is never valid.
type Handle struct {
	index      uint32
	generation uint32
}

// IsZero returns whether h is the zero (never valid) handle.
func (h Handle) IsZero() bool { return h.generation == 0 }

func (h Handle) String() string {
	return fmt.Sprintf("#%d.%d", h.index, h.generation)
}

type slot[T any] struct {
	value      T
	generation uint32
	used       bool
}

// Table holds values of type T. It is safe for concurrent use.
type Table[T any] struct {
	mu    sync.Mutex
	slots []slot[T]
	free  []uint32
	live  int
}

// Insert value and return its handle.
func (t *Table[T]) Insert(value T) Handle {
	t.mu.Lock()
	defer t.mu.Unlock()
	var index uint32
	if n := len(t.free); n > 0 {
		index = t.free[n-1]
		t.free = t.free[:n-1]
	} else {
		index = uint32(len(t.slots))
		t.slots = append(t.slots, slot[T]{})
	}
	s := &t.slots[index]
	s.generation++
	s.value = value
	s.used = true
	t.live++
	return Handle{index: index, generation: s.generation}
}

// Get returns the value of a live handle.
func (t *Table[T]) Get(h Handle) (value T, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.lookup(h)
	if s == nil {
		return
	}
	return s.value, true
}

// Contains returns whether h is still live.
func (t *Table[T]) Contains(h Handle) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lookup(h) != nil
}

// Remove the value of h, invalidating the handle. It returns false if h was not live.
func (t *Table[T]) Remove(h Handle) (value T, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.lookup(h)
	if s == nil {
		return
	}
	value = s.value
	var zero T
	s.value = zero
	s.used = false
	s.generation++
	t.free = append(t.free, h.index)
	t.live--
	return value, true
}

// Len returns the number of live values.
func (t *Table[T]) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.live
}

// Values returns a snapshot of the live values.
func (t *Table[T]) Values() []T {
	t.mu.Lock()
	defer t.mu.Unlock()
	values := make([]T, 0, t.live)
	for _, s := range t.slots {
		if s.used {
			values = append(values, s.value)
		}
	}
	return values
}

func (t *Table[T]) lookup(h Handle) *slot[T] {
	if h.IsZero() || int(h.index) >= len(t.slots) {
		return nil
	}
	s := &t.slots[h.index]
	if !s.used || s.generation != h.generation {
		return nil
	}
	return s
}

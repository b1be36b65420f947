// Package slot implements the bounded buffers that connect pipeline stages.
//
// A Slot has a fixed capacity (1 for the raw and processed slots, N for the
// dispatch buffer). Producers choose their own backpressure policy:
// TryPut drops on a full slot, PutBlocking waits until the item fits.
// Consumers choose between TryTake (poll) and TakeBlocking (wait).
//
// Every operation is safe for concurrent use; a slot is independently
// synchronized and never shares a lock with another slot.
package slot

import (
	"context"
	"fmt"
)

// DefaultCapacity is the capacity used for inter-stage slots.
const DefaultCapacity = 1

// Slot is a FIFO buffer of at most Cap() items.
type Slot[T any] struct {
	items chan T
}

// New creates a slot holding at most capacity items. Capacities below 1
// are raised to 1.
func New[T any](capacity int) *Slot[T] {
	if capacity < 1 {
		capacity = DefaultCapacity
	}
	return &Slot[T]{items: make(chan T, capacity)}
}

// TryPut stores item if there is room and reports whether it did. A full
// slot is left untouched.
func (s *Slot[T]) TryPut(item T) bool {
	select {
	case s.items <- item:
		return true
	default:
		return false
	}
}

// PutBlocking stores item, waiting for room as long as it takes. The item
// is never dropped; the only early return is cancellation of ctx.
func (s *Slot[T]) PutBlocking(ctx context.Context, item T) error {
	if s.TryPut(item) {
		return nil
	}
	select {
	case s.items <- item:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("slot put abandoned: %w", ctx.Err())
	}
}

// TryTake removes and returns the oldest item, if any.
func (s *Slot[T]) TryTake() (T, bool) {
	select {
	case item := <-s.items:
		return item, true
	default:
		var zero T
		return zero, false
	}
}

// TakeBlocking waits until an item is available and returns it. There is
// no timeout: if nothing is ever put, it returns only when ctx is done.
func (s *Slot[T]) TakeBlocking(ctx context.Context) (T, error) {
	select {
	case item := <-s.items:
		return item, nil
	case <-ctx.Done():
		var zero T
		return zero, fmt.Errorf("slot take abandoned: %w", ctx.Err())
	}
}

// Len returns the number of resident items.
func (s *Slot[T]) Len() int { return len(s.items) }

// Cap returns the slot capacity.
func (s *Slot[T]) Cap() int { return cap(s.items) }

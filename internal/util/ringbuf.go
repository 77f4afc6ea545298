package util

import "sync"

// RingBuffer retains the last N pushed values. Push never blocks and never
// grows the buffer: at capacity, each push evicts the oldest value. Safe
// for concurrent use.
type RingBuffer[T any] struct {
	mu   sync.Mutex
	data []T
	next int
	full bool
}

// NewRingBuffer creates a buffer holding at most capacity values.
func NewRingBuffer[T any](capacity int) *RingBuffer[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &RingBuffer[T]{data: make([]T, capacity)}
}

// Push stores v, evicting the oldest value when full.
func (r *RingBuffer[T]) Push(v T) {
	r.mu.Lock()
	r.data[r.next] = v
	r.next = (r.next + 1) % len(r.data)
	if r.next == 0 {
		r.full = true
	}
	r.mu.Unlock()
}

// Snapshot returns the stored values, oldest first.
func (r *RingBuffer[T]) Snapshot() []T {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.full {
		return append([]T(nil), r.data[:r.next]...)
	}
	out := make([]T, 0, len(r.data))
	out = append(out, r.data[r.next:]...)
	out = append(out, r.data[:r.next]...)
	return out
}

// Len reports how many values are stored.
func (r *RingBuffer[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.full {
		return len(r.data)
	}
	return r.next
}

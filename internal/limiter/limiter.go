package limiter

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// ErrInvalidCapacity is returned when a limiter is created with capacity < 1.
var ErrInvalidCapacity = errors.New("limiter capacity must be at least 1")

// Limiter is a counting gate of fixed capacity. Slots are granted in strict
// FIFO order of Acquire calls.
type Limiter struct {
	sem      *semaphore.Weighted
	capacity int

	inFlight atomic.Int64
	waiting  atomic.Int64
}

// Stats is a point-in-time view of the limiter for operational reporting.
type Stats struct {
	Capacity int `json:"capacity"`
	InFlight int `json:"in_flight"`
	Waiting  int `json:"waiting"`
}

// New creates a Limiter admitting at most capacity concurrent holders.
func New(capacity int) (*Limiter, error) {
	if capacity < 1 {
		return nil, ErrInvalidCapacity
	}

	return &Limiter{
		sem:      semaphore.NewWeighted(int64(capacity)),
		capacity: capacity,
	}, nil
}

// Acquire blocks until a slot is free or ctx is done.
// The returned release func gives the slot back; calling it more than once is a no-op.
func (l *Limiter) Acquire(ctx context.Context) (release func(), err error) {
	l.waiting.Add(1)
	err = l.sem.Acquire(ctx, 1)
	l.waiting.Add(-1)
	if err != nil {
		return nil, err
	}

	l.inFlight.Add(1)

	var once sync.Once
	return func() {
		once.Do(func() {
			l.inFlight.Add(-1)
			l.sem.Release(1)
		})
	}, nil
}

// Stats reports capacity, held slots and pending acquirers.
func (l *Limiter) Stats() Stats {
	return Stats{
		Capacity: l.capacity,
		InFlight: int(l.inFlight.Load()),
		Waiting:  int(l.waiting.Load()),
	}
}

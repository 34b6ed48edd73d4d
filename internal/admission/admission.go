// Package admission implements the concurrency-limiting resource gate
// (C5): a counting semaphore with optional timed acquire, guaranteed
// release on every exit path, and observability counters.
package admission

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
)

// Gate bounds the number of concurrently running task executions.
type Gate struct {
	sem      *semaphore.Weighted
	capacity int64
	inUse    int64 // atomic
}

// New creates a gate with the given capacity.
func New(capacity int64) *Gate {
	if capacity <= 0 {
		capacity = 1
	}
	return &Gate{sem: semaphore.NewWeighted(capacity), capacity: capacity}
}

// TryAcquire attempts a non-blocking acquire, returning false immediately
// if the gate is at capacity.
func (g *Gate) TryAcquire() bool {
	if g.sem.TryAcquire(1) {
		atomic.AddInt64(&g.inUse, 1)
		return true
	}
	return false
}

// Acquire blocks until a slot is available or timeout elapses, returning
// false on timeout. A zero timeout blocks indefinitely.
func (g *Gate) Acquire(timeout time.Duration) bool {
	ctx := context.Background()
	var cancel context.CancelFunc
	if timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return false
	}
	atomic.AddInt64(&g.inUse, 1)
	return true
}

// Release returns one slot to the gate. Call sites must defer Release
// immediately after a successful acquire so admission can never leak,
// including on panic-recovery paths.
func (g *Gate) Release() {
	atomic.AddInt64(&g.inUse, -1)
	g.sem.Release(1)
}

// Capacity returns the gate's configured capacity.
func (g *Gate) Capacity() int64 {
	return g.capacity
}

// InUse returns the number of currently held slots.
func (g *Gate) InUse() int64 {
	return atomic.LoadInt64(&g.inUse)
}

// Available returns the number of free slots.
func (g *Gate) Available() int64 {
	return g.capacity - g.InUse()
}

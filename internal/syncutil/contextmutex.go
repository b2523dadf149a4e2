// Package syncutil holds small synchronization primitives.
package syncutil

import (
	"context"
	"sync"
)

// ContextMutex is a mutex implemented via a buffered channel, allowing
// callers to give up waiting when their context is cancelled. The zero
// value is unlocked and ready to use.
type ContextMutex struct {
	once sync.Once
	ch   chan struct{}
}

func (m *ContextMutex) init() {
	m.once.Do(func() {
		m.ch = make(chan struct{}, 1)
		m.ch <- struct{}{} // Start unlocked.
	})
}

// LockContext acquires the mutex, respecting context cancellation.
// On success, returns an unlock function and nil error. The caller MUST call
// the unlock function when done.
// On context cancellation, returns nil and the context error.
func (m *ContextMutex) LockContext(ctx context.Context) (func(), error) {
	m.init()
	select {
	case <-m.ch:
		var released sync.Once
		return func() { released.Do(func() { m.ch <- struct{}{} }) }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// TryLock acquires the mutex only if it is free.
func (m *ContextMutex) TryLock() (func(), bool) {
	m.init()
	select {
	case <-m.ch:
		var released sync.Once
		return func() { released.Do(func() { m.ch <- struct{}{} }) }, true
	default:
		return nil, false
	}
}

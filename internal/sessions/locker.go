package sessions

import (
	"context"
	"sync"
)

// Locker serializes turns per session: a session runs at most one turn at
// a time while independent sessions proceed concurrently.
type Locker struct {
	mu    sync.Mutex
	locks map[string]chan struct{}
}

// NewLocker creates an in-process session locker.
func NewLocker() *Locker {
	return &Locker{locks: make(map[string]chan struct{})}
}

func (l *Locker) slot(sessionID string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	slot, ok := l.locks[sessionID]
	if !ok {
		slot = make(chan struct{}, 1)
		l.locks[sessionID] = slot
	}
	return slot
}

// Lock acquires the session's turn lock, blocking until it is free or the
// context is cancelled.
func (l *Locker) Lock(ctx context.Context, sessionID string) error {
	select {
	case l.slot(sessionID) <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryLock acquires the lock without blocking, reporting success.
func (l *Locker) TryLock(sessionID string) bool {
	select {
	case l.slot(sessionID) <- struct{}{}:
		return true
	default:
		return false
	}
}

// Unlock releases the session's turn lock.
func (l *Locker) Unlock(sessionID string) {
	select {
	case <-l.slot(sessionID):
	default:
	}
}

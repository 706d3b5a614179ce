// Package lock provides per-key mutual exclusion for lineage transitions:
// an in-process Local lock and a Redis lock shared by every engine replica.
package lock

import (
	"context"
	"sync"

	"github.com/warp/compliance-engine/generic"
)

// =============================================================================
// LOCAL - in-process, one semaphore per key
// =============================================================================

// Local hands out one single-slot semaphore per key. Waiting respects the
// caller's context, so a lock wait is never unbounded.
type Local struct {
	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	ch      chan struct{}
	waiters int
}

func NewLocal() *Local {
	return &Local{slots: make(map[string]*slot)}
}

// Lock blocks until key is free or ctx is done.
func (l *Local) Lock(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	s, ok := l.slots[key]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		l.slots[key] = s
	}
	s.waiters++
	l.mu.Unlock()

	select {
	case s.ch <- struct{}{}:
	case <-ctx.Done():
		l.release(key, s, false)
		return nil, waitFailed(ctx.Err())
	}

	var once sync.Once
	return func() {
		once.Do(func() { l.release(key, s, true) })
	}, nil
}

func (l *Local) release(key string, s *slot, held bool) {
	if held {
		<-s.ch
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	s.waiters--
	if s.waiters == 0 {
		delete(l.slots, key)
	}
}

// Held reports whether key is currently locked. Tests use it.
func (l *Local) Held(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.slots[key]
	return ok && len(s.ch) == 1
}

// waitFailed wraps a lock wait failure as a concurrent modification.
func waitFailed(cause error) error {
	return &waitError{cause: cause}
}

type waitError struct {
	cause error
}

func (e *waitError) Error() string {
	return "lineage lock not acquired: " + e.cause.Error()
}

func (e *waitError) Unwrap() []error {
	return []error{generic.ErrConcurrentModification, e.cause}
}

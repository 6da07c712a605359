// Package lock serialises work on a schema between flows. A flow acquires
// the lock of a schema when it creates the schema and releases it after
// the swap, so no other flow can write into or swap the schema meanwhile.
package lock

import (
	"context"
	"fmt"
	"sync"
)

// Manager acquires and releases named locks.
type Manager interface {
	// Acquire blocks until name is locked or ctx is done.
	Acquire(ctx context.Context, name string) error

	// Release unlocks name. Releasing a lock that is not held is a no-op.
	Release(name string) error

	// Held reports whether this manager holds name.
	Held(name string) bool

	// ReleaseAll unlocks everything this manager holds.
	ReleaseAll() error
}

// Local is a Manager for flows inside one process. Stores that share a
// Local exclude each other.
type Local struct {
	mu   sync.Mutex
	held map[string]chan struct{}
}

var _ Manager = (*Local)(nil)

// NewLocal returns an empty Local manager.
func NewLocal() *Local {
	return &Local{held: make(map[string]chan struct{})}
}

func (l *Local) Acquire(ctx context.Context, name string) error {
	for {
		l.mu.Lock()
		ch, busy := l.held[name]
		if !busy {
			l.held[name] = make(chan struct{})
			l.mu.Unlock()
			return nil
		}
		l.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return fmt.Errorf("acquire lock %q: %w", name, ctx.Err())
		}
	}
}

func (l *Local) Release(name string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if ch, ok := l.held[name]; ok {
		delete(l.held, name)
		close(ch)
	}
	return nil
}

func (l *Local) Held(name string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.held[name]
	return ok
}

func (l *Local) ReleaseAll() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for name, ch := range l.held {
		delete(l.held, name)
		close(ch)
	}
	return nil
}

package campaign

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// keyedMutex serializes work per campaign. Entries are dropped once no
// goroutine holds or waits for them.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[uuid.UUID]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[uuid.UUID]*refMutex)}
}

func (k *keyedMutex) Lock(id uuid.UUID) {
	k.mu.Lock()
	m, ok := k.locks[id]
	if !ok {
		m = &refMutex{}
		k.locks[id] = m
	}
	m.refs++
	k.mu.Unlock()
	m.Lock()
}

func (k *keyedMutex) Unlock(id uuid.UUID) {
	k.mu.Lock()
	m := k.locks[id]
	m.refs--
	if m.refs == 0 {
		delete(k.locks, id)
	}
	k.mu.Unlock()
	m.Unlock()
}

type heldKey struct{}

// holding reports whether ctx was derived inside locked for campaign id.
// Job hooks fired while the lock is held carry such a context.
func holding(ctx context.Context, id uuid.UUID) bool {
	held, _ := ctx.Value(heldKey{}).(uuid.UUID)
	return held == id
}

// locked runs fn with the campaign lock held.
func (s *Scheduler) locked(ctx context.Context, id uuid.UUID, fn func(ctx context.Context) error) error {
	if holding(ctx, id) {
		return fn(ctx)
	}
	s.locks.Lock(id)
	defer s.locks.Unlock(id)
	return fn(context.WithValue(ctx, heldKey{}, id))
}

// Package locker serializes router dispatch per conversation. Two messages
// from the same conversation must not race their flow transitions; messages
// from different conversations proceed in parallel.
package locker

import (
	"context"
	"sync"
)

// Locker acquires an exclusive lock on a key. The returned release func must
// be called exactly once.
type Locker interface {
	Acquire(ctx context.Context, key string) (release func(), err error)
}

type keyedEntry struct {
	sem  chan struct{}
	refs int
}

// Keyed is the in-process Locker: one semaphore per live key, dropped when
// the last holder releases. Sufficient for a single gateway process.
type Keyed struct {
	mu    sync.Mutex
	locks map[string]*keyedEntry
}

func NewKeyed() *Keyed {
	return &Keyed{locks: make(map[string]*keyedEntry)}
}

func (k *Keyed) Acquire(ctx context.Context, key string) (func(), error) {
	k.mu.Lock()
	e, ok := k.locks[key]
	if !ok {
		e = &keyedEntry{sem: make(chan struct{}, 1)}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	select {
	case e.sem <- struct{}{}:
		return func() {
			<-e.sem
			k.mu.Lock()
			e.refs--
			if e.refs == 0 {
				delete(k.locks, key)
			}
			k.mu.Unlock()
		}, nil
	case <-ctx.Done():
		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
		return nil, ctx.Err()
	}
}

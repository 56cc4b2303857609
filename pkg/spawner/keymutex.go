package spawner

import (
	"context"
	"sync"
)

// keyedMutex serializes operations per key (username) without holding an
// OS thread. Waiters for the same key queue behind the in-flight holder;
// different keys proceed fully in parallel. Acquisition honors context
// cancellation so a caller never blocks indefinitely behind a stuck peer.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*lockEntry
}

type lockEntry struct {
	refs int
	sem  chan struct{}
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*lockEntry)}
}

// Lock acquires the key's section, blocking behind any current holder.
func (k *keyedMutex) Lock(ctx context.Context, key string) error {
	k.mu.Lock()
	e := k.locks[key]
	if e == nil {
		e = &lockEntry{sem: make(chan struct{}, 1)}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	select {
	case e.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		k.release(key, e)
		return ctx.Err()
	}
}

// Unlock releases the key's section, waking the next waiter if any.
func (k *keyedMutex) Unlock(key string) {
	k.mu.Lock()
	e := k.locks[key]
	k.mu.Unlock()
	if e == nil {
		return
	}
	<-e.sem
	k.release(key, e)
}

func (k *keyedMutex) release(key string, e *lockEntry) {
	k.mu.Lock()
	e.refs--
	if e.refs == 0 {
		delete(k.locks, key)
	}
	k.mu.Unlock()
}

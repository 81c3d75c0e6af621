package registry

import (
	"context"
	"sync"
)

// keyedLocks is a set of context-aware mutexes, one per workload name
type keyedLocks struct {
	mu    sync.Mutex
	locks map[string]chan struct{}
}

func newKeyedLocks() *keyedLocks {
	return &keyedLocks{locks: make(map[string]chan struct{})}
}

func (k *keyedLocks) get(name string) chan struct{} {
	k.mu.Lock()
	defer k.mu.Unlock()

	ch, ok := k.locks[name]
	if !ok {
		ch = make(chan struct{}, 1)
		k.locks[name] = ch
	}
	return ch
}

func (k *keyedLocks) lock(ctx context.Context, name string) (func(), error) {
	ch := k.get(name)

	select {
	case ch <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() { <-ch })
	}, nil
}

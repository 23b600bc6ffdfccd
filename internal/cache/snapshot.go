package cache

import (
	"sync"
	"sync/atomic"
)

// RefCache holds one immutable snapshot that is replaced as a whole.
// Readers either see the previous snapshot or the new one, never a mix.
type RefCache[T any] struct {
	cur atomic.Pointer[T]
	// mu serializes loads so an invalidation is followed by exactly one reload.
	mu sync.Mutex
}

func (r *RefCache[T]) Load() *T {
	return r.cur.Load()
}

func (r *RefCache[T]) Store(v *T) {
	r.cur.Store(v)
}

// Invalidate drops the current snapshot; the next Get reloads it.
func (r *RefCache[T]) Invalidate() {
	r.cur.Store(nil)
}

// Get returns the current snapshot, calling load when none is held.
func (r *RefCache[T]) Get(load func() (*T, error)) (*T, error) {
	if v := r.cur.Load(); v != nil {
		return v, nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if v := r.cur.Load(); v != nil {
		return v, nil
	}
	v, err := load()
	if err != nil {
		return nil, err
	}
	r.cur.Store(v)
	return v, nil
}

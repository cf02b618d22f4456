package active

import (
	"slices"
	"sync"
)

// register adds a handler to an id-keyed handler map guarded by mu and
// returns its deregistration func.
func register[H any](mu *sync.RWMutex, counter *int64, m map[int64]H, handler H) func() {
	mu.Lock()
	defer mu.Unlock()

	*counter++
	id := *counter
	m[id] = handler

	return func() {
		mu.Lock()
		defer mu.Unlock()
		delete(m, id)
	}
}

// handlers snapshots a handler map in registration order.
func handlers[H any](mu *sync.RWMutex, m map[int64]H) []H {
	mu.RLock()
	defer mu.RUnlock()

	ids := make([]int64, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	out := make([]H, 0, len(ids))
	for _, id := range ids {
		out = append(out, m[id])
	}
	return out
}

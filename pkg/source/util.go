package source

import (
	"slices"
	"sync"
)

// sortedKeys returns handler ids in registration order.
func sortedKeys[V any](m map[int64]V) []int64 {
	keys := make([]int64, 0, len(m))
	for id := range m {
		keys = append(keys, id)
	}
	slices.Sort(keys)
	return keys
}

// notifyQueue serializes handler delivery in the order tickets were
// drawn. Tickets are drawn while the caller still holds its state
// lock, which fixes the delivery order to the mutation order; waiting
// for the turn happens with no other lock held, so a concurrently
// running handler is free to re-enter the source's read path.
type notifyQueue struct {
	mu      sync.Mutex
	cond    *sync.Cond
	next    uint64
	serving uint64
}

func newNotifyQueue() *notifyQueue {
	q := &notifyQueue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// draw allocates the next delivery slot.
func (q *notifyQueue) draw() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	t := q.next
	q.next++
	return t
}

// wait blocks until ticket's turn comes up.
func (q *notifyQueue) wait(ticket uint64) {
	q.mu.Lock()
	for q.serving != ticket {
		q.cond.Wait()
	}
	q.mu.Unlock()
}

// done finishes the current turn and admits the next ticket.
func (q *notifyQueue) done() {
	q.mu.Lock()
	q.serving++
	q.mu.Unlock()
	q.cond.Broadcast()
}

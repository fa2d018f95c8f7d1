package conversation

import (
	"context"
	"sync"
)

// queues serializes work per peer. A peer's queue is created on first use and kept for the life of the manager.
type queues struct {
	lock   sync.RWMutex
	byPeer map[string]chan struct{}
}

func newQueues() *queues {
	return &queues{byPeer: make(map[string]chan struct{})}
}

func (q *queues) get(peer string) chan struct{} {
	q.lock.RLock()
	sem, ok := q.byPeer[peer]
	q.lock.RUnlock()
	if ok {
		return sem
	}

	q.lock.Lock()
	defer q.lock.Unlock()
	if sem, ok := q.byPeer[peer]; ok {
		return sem
	}
	sem = make(chan struct{}, 1)
	q.byPeer[peer] = sem
	return sem
}

// run waits for the peer's queue and runs f on it. Waiters are admitted in arrival order.
func (q *queues) run(ctx context.Context, peer string, f func() error) error {
	sem := q.get(peer)
	select {
	case sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-sem }()
	return f()
}

package session

import (
	"context"
	goSync "sync"

	"github.com/sidkik/mirror/pkg/sync"
)

// updateQueue is an unbounded FIFO of updates waiting to be sent. Pushes
// never block, so a slow peer can't stall the goroutines that produce
// updates.
type updateQueue struct {
	lock    goSync.Mutex
	updates []sync.Update

	// signal has a buffer of one so that a push that races with a pop is
	// never missed.
	signal chan struct{}
}

func newUpdateQueue() *updateQueue {
	return &updateQueue{signal: make(chan struct{}, 1)}
}

func (q *updateQueue) push(updates ...sync.Update) {
	if len(updates) == 0 {
		return
	}

	q.lock.Lock()
	q.updates = append(q.updates, updates...)
	q.lock.Unlock()
	queueDepth.WithLabelValues().Add(float64(len(updates)))

	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// pop blocks until an update is available, or `ctx` is cancelled.
func (q *updateQueue) pop(ctx context.Context) (sync.Update, error) {
	for {
		q.lock.Lock()
		if len(q.updates) > 0 {
			u := q.updates[0]
			q.updates[0] = sync.Update{}
			q.updates = q.updates[1:]
			q.lock.Unlock()
			queueDepth.WithLabelValues().Dec()
			return u, nil
		}
		q.lock.Unlock()

		select {
		case <-q.signal:
		case <-ctx.Done():
			return sync.Update{}, ctx.Err()
		}
	}
}

func (q *updateQueue) len() int {
	q.lock.Lock()
	defer q.lock.Unlock()
	return len(q.updates)
}

// drain empties the queue and returns what was in it.
func (q *updateQueue) drain() []sync.Update {
	q.lock.Lock()
	defer q.lock.Unlock()
	updates := q.updates
	q.updates = nil
	queueDepth.WithLabelValues().Sub(float64(len(updates)))
	return updates
}

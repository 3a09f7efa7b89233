package assistant

import (
	"context"
	"errors"
	"sync"
)

var errQueueClosed = errors.New("prompt queue closed")

// turn is one queued user prompt.
type turn struct {
	Text            string
	ParentToolUseID string
}

// promptQueue hands prompts to a single consumer. When the consumer pulls
// from an empty queue it parks until the next push; pushes while no consumer
// is parked accumulate in FIFO order. At most one consumer may be parked at
// a time.
type promptQueue struct {
	mu     sync.Mutex
	items  []turn
	waiter chan turn
	closed bool
}

func newPromptQueue() *promptQueue {
	return &promptQueue{}
}

// push enqueues a turn, or hands it directly to a parked consumer.
func (q *promptQueue) push(t turn) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return errQueueClosed
	}
	if q.waiter != nil {
		q.waiter <- t
		q.waiter = nil
		return nil
	}
	q.items = append(q.items, t)
	return nil
}

// pull returns the oldest queued turn, parking until one arrives if the
// queue is empty. Returns an error once the queue is closed or ctx ends.
func (q *promptQueue) pull(ctx context.Context) (turn, error) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return turn{}, errQueueClosed
	}
	if len(q.items) > 0 {
		t := q.items[0]
		q.items = q.items[1:]
		q.mu.Unlock()
		return t, nil
	}
	if q.waiter != nil {
		q.mu.Unlock()
		return turn{}, errors.New("prompt queue already has a consumer")
	}
	ch := make(chan turn, 1)
	q.waiter = ch
	q.mu.Unlock()

	select {
	case t, ok := <-ch:
		if !ok {
			return turn{}, errQueueClosed
		}
		return t, nil
	case <-ctx.Done():
		q.mu.Lock()
		if q.waiter == ch {
			q.waiter = nil
		}
		q.mu.Unlock()
		// A push may have raced the cancellation; prefer the turn.
		select {
		case t, ok := <-ch:
			if ok {
				return t, nil
			}
		default:
		}
		return turn{}, ctx.Err()
	}
}

// close wakes any parked consumer and rejects further pushes and pulls.
func (q *promptQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	if q.waiter != nil {
		close(q.waiter)
		q.waiter = nil
	}
}

package coordinator

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

type workItem struct {
	orderID uuid.UUID
	attempt int
}

// queue is an unbounded FIFO of pending orders. Delayed retries sit in
// timers until they are due.
type queue struct {
	mu      sync.Mutex
	items   []workItem
	notify  chan struct{}
	done    chan struct{}
	timers  map[*time.Timer]struct{}
	closed  bool
	pending int
}

func newQueue() *queue {
	return &queue{
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
		timers: make(map[*time.Timer]struct{}),
	}
}

func (q *queue) push(item workItem) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.items = append(q.items, item)
	queueDepth.Set(float64(len(q.items)))
	q.mu.Unlock()
	q.wake()
}

func (q *queue) pushAfter(item workItem, delay time.Duration) {
	if delay <= 0 {
		q.push(item)
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		q.mu.Lock()
		if _, live := q.timers[t]; !live {
			q.mu.Unlock()
			return
		}
		delete(q.timers, t)
		q.pending--
		q.mu.Unlock()
		q.push(item)
	})
	q.timers[t] = struct{}{}
	q.pending++
}

func (q *queue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// pop blocks until an item is available, the queue is closed or ctx ends.
func (q *queue) pop(ctx context.Context) (workItem, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			item := q.items[0]
			q.items[0] = workItem{}
			q.items = q.items[1:]
			queueDepth.Set(float64(len(q.items)))
			more := len(q.items) > 0
			q.mu.Unlock()
			if more {
				// Pass the signal on so idle workers keep draining.
				q.wake()
			}
			return item, true
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return workItem{}, false
		}
		select {
		case <-ctx.Done():
			return workItem{}, false
		case <-q.done:
			return workItem{}, false
		case <-q.notify:
		}
	}
}

// size returns queued plus delayed items.
func (q *queue) size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) + q.pending
}

func (q *queue) close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	for t := range q.timers {
		t.Stop()
	}
	q.timers = make(map[*time.Timer]struct{})
	q.pending = 0
	q.mu.Unlock()
	close(q.done)
}

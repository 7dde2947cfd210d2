package collab

import (
	"time"

	"github.com/google/uuid"
)

// waiter is one pending long-poll: a client that already holds version and
// wants whatever comes after it. timer answers it with a heartbeat when the
// poll timeout elapses.
type waiter struct {
	id      uuid.UUID
	version int
	timer   *time.Timer
	ch      chan pollResult
}

type pollResult struct {
	events *Events
	err    error
}

func newWaiter(version int) *waiter {
	return &waiter{
		id:      uuid.New(),
		version: version,
		ch:      make(chan pollResult, 1),
	}
}

// resolve delivers the outcome. Callers must have taken w out of its queue
// first so a waiter is resolved at most once.
func (w *waiter) resolve(ev *Events, err error) {
	w.stop()
	w.ch <- pollResult{events: ev, err: err}
}

func (w *waiter) stop() {
	if w.timer != nil {
		w.timer.Stop()
	}
}

// waitQueue indexes the pending long-polls of one document. It is guarded
// by the owning instance's mutex.
type waitQueue struct {
	waiters map[uuid.UUID]*waiter
}

func newWaitQueue() *waitQueue {
	return &waitQueue{waiters: make(map[uuid.UUID]*waiter)}
}

func (q *waitQueue) add(w *waiter) {
	q.waiters[w.id] = w
}

// take removes a waiter, reporting whether it was still pending.
func (q *waitQueue) take(id uuid.UUID) (*waiter, bool) {
	w, ok := q.waiters[id]
	if ok {
		delete(q.waiters, id)
	}
	return w, ok
}

// drain removes and returns every pending waiter.
func (q *waitQueue) drain() []*waiter {
	out := make([]*waiter, 0, len(q.waiters))
	for id, w := range q.waiters {
		out = append(out, w)
		delete(q.waiters, id)
	}
	return out
}

func (q *waitQueue) len() int { return len(q.waiters) }

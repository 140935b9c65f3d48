// Copyright (c) 2021-2026 The Syntra Authors.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// The buffer-wait queue: entities blocked on buffer exhaustion, retried on release.

package loom

import (
	"sync"
)

// bufferWaiter is one entity blocked for lack of a buffer. retry must not
// block; it reports whether the waiter claimed a buffer. A retry that fails
// is expected to re-subscribe itself.
type bufferWaiter struct {
	target any         // opaque owner identity
	retry  func() bool // wake-up callback
	queued bool        // guarded by the owning queue's mutex
}

// bufferWaitQueue is the process-wide FIFO of buffer waiters.
type bufferWaitQueue struct {
	mutex sync.Mutex
	list  []*bufferWaiter
}

func newBufferWaitQueue() *bufferWaitQueue {
	return &bufferWaitQueue{}
}

// subscribe appends w to the queue. Subscribing an already queued waiter is
// a no-op, so callers may subscribe opportunistically after a failed alloc.
func (q *bufferWaitQueue) subscribe(w *bufferWaiter) {
	q.mutex.Lock()
	if !w.queued {
		w.queued = true
		q.list = append(q.list, w)
	}
	q.mutex.Unlock()
}

// unsubscribe removes w from the queue, typically because its owner is being
// destroyed. No-op if w is not queued.
func (q *bufferWaitQueue) unsubscribe(w *bufferWaiter) {
	q.mutex.Lock()
	if w.queued {
		for i, x := range q.list {
			if x == w {
				q.list = append(q.list[:i], q.list[i+1:]...)
				break
			}
		}
		w.queued = false
	}
	q.mutex.Unlock()
}

// notify wakes as many waiters, in FIFO order, as there are plausibly
// available buffers (pool free count minus the pool's safety reserve). Each
// woken waiter is removed whether or not its retry claims a buffer, which
// avoids a thundering herd while keeping eventual fairness: a failed retry
// re-subscribes and keeps its place behind the waiters woken this round.
func (q *bufferWaitQueue) notify(pool *bufferPool) {
	for {
		q.mutex.Lock()
		if len(q.list) == 0 {
			q.mutex.Unlock()
			return
		}
		avail := pool.freeCount() - pool.reserve
		if avail <= 0 {
			q.mutex.Unlock()
			return
		}
		w := q.list[0]
		q.list = q.list[1:]
		w.queued = false
		q.mutex.Unlock()
		w.retry()
	}
}

func (q *bufferWaitQueue) length() int {
	q.mutex.Lock()
	n := len(q.list)
	q.mutex.Unlock()
	return n
}

// Copyright (c) 2021-2026 The Syntra Authors.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// The cooperative scheduler: tasklet wakeups and timer tasks. The core treats
// this as "schedule a callback to run later, cancel by reference"; all
// callbacks run on the event loop goroutine.

package loom

import (
	"container/heap"
	"sync"
	"sync/atomic"
	"time"
)

// tasklet is a run-to-completion callback that can be requested to run on the
// next loop turn. A tasklet is never queued twice: wakeup uses a CAS on the
// scheduled flag so concurrent wakers collapse into one run.
type tasklet struct {
	run       func()
	nice      int32 // bias added to the insertion counter, lower runs earlier
	scheduled atomic.Bool
	order     int64 // insertion counter + nice at queue time
}

// timerTask fires once at a deadline. Re-queueing an armed task moves its
// deadline.
type timerTask struct {
	run     func()
	when    time.Time
	armed   bool
	heapIdx int // index in the timer heap, meaningless unless armed
}

// scheduler owns the run queue and the timer heap.
type scheduler struct {
	mutex   sync.Mutex
	runq    []*tasklet
	counter int64
	timers  timerHeap
	kick    func() // provided by the loop to interrupt a poll wait
}

func newScheduler() *scheduler {
	return &scheduler{}
}

// wakeup queues t to run on the next loop turn. Safe from any goroutine.
func (s *scheduler) wakeup(t *tasklet) {
	if !t.scheduled.CompareAndSwap(false, true) {
		return // already queued
	}
	s.mutex.Lock()
	s.counter++
	t.order = s.counter + int64(t.nice)
	s.runq = append(s.runq, t)
	kick := s.kick
	s.mutex.Unlock()
	if kick != nil {
		kick()
	}
}

// runTasklets drains the current run queue, honoring the nice-biased order.
// Tasklets woken while running land in the next batch.
func (s *scheduler) runTasklets() {
	s.mutex.Lock()
	batch := s.runq
	s.runq = nil
	s.mutex.Unlock()
	for i := 1; i < len(batch); i++ { // insertion sort, batches are small
		for j := i; j > 0 && batch[j-1].order > batch[j].order; j-- {
			batch[j-1], batch[j] = batch[j], batch[j-1]
		}
	}
	for _, t := range batch {
		t.scheduled.Store(false)
		t.run()
	}
}

// queueTimer arms (or re-arms) t to fire at when.
func (s *scheduler) queueTimer(t *timerTask, when time.Time) {
	s.mutex.Lock()
	t.when = when
	if t.armed {
		heap.Fix(&s.timers, t.heapIdx)
	} else {
		t.armed = true
		heap.Push(&s.timers, t)
	}
	kick := s.kick
	s.mutex.Unlock()
	if kick != nil {
		kick()
	}
}

// cancelTimer disarms t if armed.
func (s *scheduler) cancelTimer(t *timerTask) {
	s.mutex.Lock()
	if t.armed {
		heap.Remove(&s.timers, t.heapIdx)
		t.armed = false
	}
	s.mutex.Unlock()
}

// nextDeadline returns the earliest armed deadline and whether one exists.
func (s *scheduler) nextDeadline() (time.Time, bool) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if len(s.timers) == 0 {
		return time.Time{}, false
	}
	return s.timers[0].when, true
}

// fireTimers runs every timer whose deadline has passed.
func (s *scheduler) fireTimers(now time.Time) {
	for {
		s.mutex.Lock()
		if len(s.timers) == 0 || s.timers[0].when.After(now) {
			s.mutex.Unlock()
			return
		}
		t := heap.Pop(&s.timers).(*timerTask)
		t.armed = false
		s.mutex.Unlock()
		t.run()
	}
}

// pending reports whether any tasklet awaits a run.
func (s *scheduler) pending() bool {
	s.mutex.Lock()
	n := len(s.runq)
	s.mutex.Unlock()
	return n > 0
}

// timerHeap implements container/heap over timer tasks.
type timerHeap []*timerTask

func (h timerHeap) Len() int           { return len(h) }
func (h timerHeap) Less(i, j int) bool { return h[i].when.Before(h[j].when) }
func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIdx = i
	h[j].heapIdx = j
}
func (h *timerHeap) Push(x any) {
	t := x.(*timerTask)
	t.heapIdx = len(*h)
	*h = append(*h, t)
}
func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	t.heapIdx = -1
	old[n-1] = nil
	*h = old[:n-1]
	return t
}

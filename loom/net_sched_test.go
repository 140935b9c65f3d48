// Copyright (c) 2021-2026 The Syntra Authors.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

package loom

import (
	"testing"
	"time"
)

func TestTaskletWakeupCollapses(t *testing.T) {
	s := newScheduler()
	runs := 0
	task := &tasklet{run: func() { runs++ }}
	s.wakeup(task)
	s.wakeup(task)
	s.wakeup(task)
	if !s.pending() {
		t.Fatal("no pending tasklet after wakeup")
	}
	s.runTasklets()
	if runs != 1 {
		t.Errorf("runs = %d, want 1", runs)
	}
	if s.pending() {
		t.Error("run queue not drained")
	}

	// Woken again after running, it runs again.
	s.wakeup(task)
	s.runTasklets()
	if runs != 2 {
		t.Errorf("runs = %d, want 2", runs)
	}
}

func TestTaskletNiceOrder(t *testing.T) {
	s := newScheduler()
	var order []string
	urgent := &tasklet{run: func() { order = append(order, "urgent") }, nice: -10}
	lazy := &tasklet{run: func() { order = append(order, "lazy") }, nice: 10}
	plain := &tasklet{run: func() { order = append(order, "plain") }}
	s.wakeup(lazy)
	s.wakeup(plain)
	s.wakeup(urgent)
	s.runTasklets()
	want := []string{"urgent", "plain", "lazy"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestTaskletSelfWakeGoesToNextBatch(t *testing.T) {
	s := newScheduler()
	runs := 0
	var task *tasklet
	task = &tasklet{run: func() {
		runs++
		if runs == 1 {
			s.wakeup(task)
		}
	}}
	s.wakeup(task)
	s.runTasklets()
	if runs != 1 {
		t.Fatalf("runs after first batch = %d, want 1", runs)
	}
	s.runTasklets()
	if runs != 2 {
		t.Fatalf("runs after second batch = %d, want 2", runs)
	}
}

func TestTimerFireOrderAndCancel(t *testing.T) {
	s := newScheduler()
	base := time.Now()
	var fired []string
	mk := func(name string) *timerTask {
		return &timerTask{run: func() { fired = append(fired, name) }}
	}
	t1, t2, t3 := mk("a"), mk("b"), mk("c")
	s.queueTimer(t2, base.Add(2*time.Second))
	s.queueTimer(t1, base.Add(1*time.Second))
	s.queueTimer(t3, base.Add(3*time.Second))

	if when, ok := s.nextDeadline(); !ok || !when.Equal(base.Add(1*time.Second)) {
		t.Fatalf("nextDeadline = %v %v", when, ok)
	}

	s.cancelTimer(t2)
	if t2.armed {
		t.Error("cancelled timer still armed")
	}

	s.fireTimers(base.Add(90 * time.Minute))
	if len(fired) != 2 || fired[0] != "a" || fired[1] != "c" {
		t.Errorf("fired = %v, want [a c]", fired)
	}
	if _, ok := s.nextDeadline(); ok {
		t.Error("timers remain after firing past every deadline")
	}

	// Cancelling a fired timer is a no-op.
	s.cancelTimer(t1)
}

func TestTimerRequeueMovesDeadline(t *testing.T) {
	s := newScheduler()
	base := time.Now()
	fired := 0
	task := &timerTask{run: func() { fired++ }}
	s.queueTimer(task, base.Add(1*time.Second))
	s.queueTimer(task, base.Add(10*time.Second)) // pushed back

	s.fireTimers(base.Add(5 * time.Second))
	if fired != 0 {
		t.Fatal("timer fired before its moved deadline")
	}
	s.fireTimers(base.Add(15 * time.Second))
	if fired != 1 {
		t.Errorf("fired = %d, want 1", fired)
	}
	if task.armed {
		t.Error("fired timer still armed")
	}
}

func TestFireTimersHonorsNow(t *testing.T) {
	s := newScheduler()
	base := time.Now()
	fired := 0
	early := &timerTask{run: func() { fired++ }}
	late := &timerTask{run: func() { fired += 100 }}
	s.queueTimer(early, base.Add(1*time.Second))
	s.queueTimer(late, base.Add(1*time.Hour))

	s.fireTimers(base.Add(2 * time.Second))
	if fired != 1 {
		t.Fatalf("fired = %d, want only the early timer", fired)
	}
	if when, ok := s.nextDeadline(); !ok || !when.Equal(base.Add(1*time.Hour)) {
		t.Errorf("nextDeadline = %v %v", when, ok)
	}
}

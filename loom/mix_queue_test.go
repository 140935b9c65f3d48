// Copyright (c) 2021-2026 The Syntra Authors.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

package loom

import (
	"testing"
)

func TestWaitQueueFIFO(t *testing.T) {
	pool := newBufferPool(16, 3, 1)
	a1 := pool.get(0)
	a2 := pool.get(0)
	a3 := pool.get(0)
	if a1 == nil || a2 == nil || a3 == nil {
		t.Fatal("carving the pool dry failed")
	}

	var order []string
	waiter := func(name string) *bufferWaiter {
		w := &bufferWaiter{target: name}
		w.retry = func() bool {
			if area := pool.get(0); area != nil {
				order = append(order, name)
				return true
			}
			pool.wait.subscribe(w)
			return false
		}
		return w
	}
	w1, w2 := waiter("first"), waiter("second")
	pool.wait.subscribe(w1)
	pool.wait.subscribe(w1) // double subscribe is a no-op
	pool.wait.subscribe(w2)
	if n := pool.wait.length(); n != 2 {
		t.Fatalf("queue length = %d, want 2", n)
	}

	pool.put(a1) // one free minus reserve 1: nobody can be woken yet
	if len(order) != 0 {
		t.Fatalf("woke %v with nothing above the reserve", order)
	}
	pool.put(a2) // two free: exactly one waiter may claim
	if len(order) != 1 || order[0] != "first" {
		t.Fatalf("order = %v, want [first]", order)
	}
	pool.put(a3)
	if len(order) != 2 || order[1] != "second" {
		t.Fatalf("order = %v, want [first second]", order)
	}
	if n := pool.wait.length(); n != 0 {
		t.Errorf("queue length = %d, want 0", n)
	}
}

func TestWaitQueueUnsubscribe(t *testing.T) {
	pool := newBufferPool(16, 2, 0)
	a1 := pool.get(0)
	a2 := pool.get(0)

	woken := 0
	w := &bufferWaiter{}
	w.retry = func() bool {
		woken++
		return true
	}
	pool.wait.subscribe(w)
	pool.wait.unsubscribe(w)
	pool.wait.unsubscribe(w) // double unsubscribe is a no-op

	pool.put(a1)
	pool.put(a2)
	if woken != 0 {
		t.Errorf("unsubscribed waiter woken %d times", woken)
	}
}

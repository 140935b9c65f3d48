// Copyright (c) 2021-2026 The Syntra Authors.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// The fd readiness layer: a level-triggered epoll wrapper. The core only
// registers interest and gets called back; the loop goroutine owns all
// callbacks, so per-connection state needs no locking.

package loom

import (
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// polled receives readiness callbacks on the loop goroutine.
type polled interface {
	onReadable()
	onWritable()
	onHangup() // error or peer hangup readiness
}

// poller wraps one epoll instance plus an eventfd used to interrupt waits
// when another goroutine queues a tasklet or timer.
type poller struct {
	epfd    int
	wakeFd  int
	mutex   sync.Mutex
	fdTable map[int]*polledEntry
	events  []unix.EpollEvent
}

type polledEntry struct {
	pd    polled
	armed uint32 // unix.EPOLLIN | unix.EPOLLOUT currently armed
}

func newPoller() (*poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	wakeFd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(epfd)
		return nil, err
	}
	p := &poller{
		epfd:    epfd,
		wakeFd:  wakeFd,
		fdTable: make(map[int]*polledEntry),
		events:  make([]unix.EpollEvent, 128),
	}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakeFd, &unix.EpollEvent{
		Events: unix.EPOLLIN,
		Fd:     int32(wakeFd),
	}); err != nil {
		unix.Close(wakeFd)
		unix.Close(epfd)
		return nil, err
	}
	return p, nil
}

func (p *poller) close() {
	unix.Close(p.wakeFd)
	unix.Close(p.epfd)
}

// register adds fd with no interest armed yet.
func (p *poller) register(fd int, pd polled) error {
	p.mutex.Lock()
	p.fdTable[fd] = &polledEntry{pd: pd}
	p.mutex.Unlock()
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{
		Events: unix.EPOLLRDHUP,
		Fd:     int32(fd),
	})
}

// arm subscribes fd for read and/or write readiness. Hangup interest is
// always on.
func (p *poller) arm(fd int, read bool, write bool) error {
	var events uint32 = unix.EPOLLRDHUP
	if read {
		events |= unix.EPOLLIN
	}
	if write {
		events |= unix.EPOLLOUT
	}
	p.mutex.Lock()
	if e := p.fdTable[fd]; e != nil {
		e.armed = events
	}
	p.mutex.Unlock()
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &unix.EpollEvent{
		Events: events,
		Fd:     int32(fd),
	})
}

// remove forgets fd entirely. The fd is about to be closed, which also pulls
// it from the epoll set.
func (p *poller) remove(fd int) {
	p.mutex.Lock()
	delete(p.fdTable, fd)
	p.mutex.Unlock()
	unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

// kick interrupts a blocked wait. Safe from any goroutine.
func (p *poller) kick() {
	var one = [8]byte{7: 1}
	unix.Write(p.wakeFd, one[:])
}

// wait blocks for readiness up to timeout (negative means forever) and
// dispatches callbacks. Returns false if the wait was merely interrupted.
func (p *poller) wait(timeout time.Duration) bool {
	ms := -1
	if timeout >= 0 {
		ms = int(timeout / time.Millisecond)
		if ms == 0 && timeout > 0 {
			ms = 1
		}
	}
	n, err := unix.EpollWait(p.epfd, p.events, ms)
	if err != nil {
		if err == unix.EINTR {
			return false
		}
		return false
	}
	for i := 0; i < n; i++ {
		ev := &p.events[i]
		fd := int(ev.Fd)
		if fd == p.wakeFd {
			var drain [8]byte
			unix.Read(p.wakeFd, drain[:])
			continue
		}
		p.mutex.Lock()
		e := p.fdTable[fd]
		p.mutex.Unlock()
		if e == nil {
			continue // removed by an earlier callback this turn
		}
		if ev.Events&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
			e.pd.onHangup()
			continue
		}
		if ev.Events&(unix.EPOLLIN|unix.EPOLLRDHUP) != 0 {
			e.pd.onReadable()
		}
		if ev.Events&unix.EPOLLOUT != 0 {
			// The fd may have been dropped by onReadable.
			p.mutex.Lock()
			still := p.fdTable[fd] == e
			p.mutex.Unlock()
			if still {
				e.pd.onWritable()
			}
		}
	}
	return n > 0
}

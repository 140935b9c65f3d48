// Copyright (c) 2021-2026 The Syntra Authors.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// Ring buffers and the margin-aware buffer pool.

package loom

import (
	"sync"
)

// buffer is a byte ring over a fixed-capacity backing area. The valid region
// starts at head and holds data bytes, wrapping past the physical end of the
// area back to its start. A buffer with size == 0 is the "no allocation"
// sentinel and must never be written into.
type buffer struct {
	area []byte // backing area, acquired from a bufferPool. nil when unbacked
	size int    // len(area). 0 when unbacked
	head int    // read offset into area
	data int    // valid bytes stored, data <= size
}

func (b *buffer) isBacked() bool { return b.size > 0 }
func (b *buffer) isEmpty() bool  { return b.data == 0 }
func (b *buffer) isFull() bool   { return b.data == b.size }

// alloc binds a backing area from pool, leaving at least margin free entries
// behind. A buffer that is already backed keeps its area.
func (b *buffer) alloc(pool *bufferPool, margin int) bool {
	if b.isBacked() {
		return true
	}
	area := pool.get(margin)
	if area == nil {
		return false
	}
	b.area = area
	b.size = len(area)
	b.head = 0
	b.data = 0
	return true
}

// release returns the backing area to pool and notifies blocked allocators.
// No-op on an unbacked buffer.
func (b *buffer) release(pool *bufferPool) {
	if !b.isBacked() {
		return
	}
	area := b.area
	b.area = nil
	b.size = 0
	b.head = 0
	b.data = 0
	pool.put(area)
}

func (b *buffer) room() int { return b.size - b.data }

// tail returns the physical offset one past the last valid byte.
func (b *buffer) tail() int {
	tail := b.head + b.data
	if tail >= b.size {
		tail -= b.size
	}
	return tail
}

// contiguousSpace returns how many free bytes can be written at the tail
// before the write cursor would have to wrap.
func (b *buffer) contiguousSpace() int {
	if b.head+b.data >= b.size { // free region is one piece, [tail, head)
		return b.size - b.data
	}
	return b.size - (b.head + b.data) // [tail, size) is free, [0, head) may follow
}

// contiguousData returns how many valid bytes can be read from the head
// before the read cursor would have to wrap.
func (b *buffer) contiguousData() int {
	if n := b.size - b.head; b.data > n {
		return n
	}
	return b.data
}

// tailChunk returns the writable slice at the tail, contiguousSpace() long.
func (b *buffer) tailChunk() []byte {
	tail := b.tail()
	return b.area[tail : tail+b.contiguousSpace()]
}

// headChunk returns the readable slice at the head, contiguousData() long.
func (b *buffer) headChunk() []byte {
	return b.area[b.head : b.head+b.contiguousData()]
}

// commit accounts for n bytes just written into tailChunk.
func (b *buffer) commit(n int) { b.data += n }

// advance consumes n bytes from the read side, wrapping the cursor. When the
// buffer becomes logically empty the cursors are opportunistically realigned
// so the next write gets maximal contiguous space.
func (b *buffer) advance(n int) {
	b.head += n
	if b.head >= b.size {
		b.head -= b.size
	}
	b.data -= n
	if b.data == 0 {
		b.head = 0
	}
}

// realign resets the cursors of a logically empty buffer to the start of the
// area and returns the now-maximal contiguous space.
func (b *buffer) realign() int {
	if b.data == 0 {
		b.head = 0
	}
	return b.contiguousSpace()
}

// byteAt returns the byte at logical offset i from the head, wrapping.
func (b *buffer) byteAt(i int) byte {
	p := b.head + i
	if p >= b.size {
		p -= b.size
	}
	return b.area[p]
}


// isWrapped reports whether the valid region crosses the physical end of the
// backing area, i.e. headChunk() does not cover all the data.
func (b *buffer) isWrapped() bool { return b.head+b.data > b.size }

// append copies as much of src as fits, wrapping at the physical end, and
// returns how many bytes were stored.
func (b *buffer) append(src []byte) int {
	total := 0
	for len(src) > 0 {
		space := b.contiguousSpace()
		if space == 0 {
			break
		}
		if space > len(src) {
			space = len(src)
		}
		tail := b.tail()
		copy(b.area[tail:], src[:space])
		b.data += space
		src = src[space:]
		total += space
	}
	return total
}

// peek copies up to len(dst) valid bytes starting at logical offset from,
// without consuming them, and returns how many bytes were copied.
func (b *buffer) peek(dst []byte, from int) int {
	n := b.data - from
	if n <= 0 {
		return 0
	}
	if n > len(dst) {
		n = len(dst)
	}
	for i := 0; i < n; i++ {
		dst[i] = b.byteAt(from + i)
	}
	return n
}

// slowMakeContiguous copies through scratch so that the valid region becomes
// contiguous starting at physical offset 0. O(data), for use only near
// header/trailer boundaries that happen to wrap. scratch must be at least
// data bytes long.
func (b *buffer) slowMakeContiguous(scratch []byte) {
	if !b.isWrapped() {
		if b.head != 0 {
			copy(b.area, b.area[b.head:b.head+b.data])
			b.head = 0
		}
		return
	}
	first := b.size - b.head
	copy(scratch, b.area[b.head:])
	copy(scratch[first:], b.area[:b.data-first])
	copy(b.area, scratch[:b.data])
	b.head = 0
}

// bufferPool is a process-wide cache of fixed-size backing areas. All areas
// are carved at startup; get never grows the pool, so the margin guarantee
// ("leave at least margin free entries after taking one") holds under
// concurrent allocation.
type bufferPool struct {
	mutex   sync.Mutex
	free    [][]byte // free areas, LIFO
	bufSize int      // bytes per area
	count   int      // total areas owned by the pool
	wait    *bufferWaitQueue
	reserve int // safety reserve used when waking waiters
}

func newBufferPool(bufSize int, count int, reserve int) *bufferPool {
	p := &bufferPool{
		free:    make([][]byte, count),
		bufSize: bufSize,
		count:   count,
		reserve: reserve,
		wait:    newBufferWaitQueue(),
	}
	backing := make([]byte, bufSize*count)
	for i := 0; i < count; i++ {
		p.free[i] = backing[i*bufSize : (i+1)*bufSize : (i+1)*bufSize]
	}
	return p
}

// get takes one free area, or returns nil if doing so would leave fewer than
// margin free entries.
func (p *bufferPool) get(margin int) []byte {
	p.mutex.Lock()
	if len(p.free) <= margin {
		p.mutex.Unlock()
		return nil
	}
	area := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	p.mutex.Unlock()
	return area
}

// put returns an area to the pool, then retries blocked allocators.
func (p *bufferPool) put(area []byte) {
	if cap(area) != p.bufSize {
		panic("loom: foreign area returned to buffer pool")
	}
	p.mutex.Lock()
	p.free = append(p.free, area[:p.bufSize])
	p.mutex.Unlock()
	p.wait.notify(p)
}

func (p *bufferPool) freeCount() int {
	p.mutex.Lock()
	n := len(p.free)
	p.mutex.Unlock()
	return n
}

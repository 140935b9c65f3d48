// Copyright (c) 2021-2026 The Syntra Authors.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// The structured message store: a compact block list over shared backing memory.
//
// An htx places two growth regions inside one backing area: variable-length
// block payload grows up from offset 0, fixed-size block descriptors grow down
// from the end. Payload addressing is ring-like (a new block's payload may
// wrap back to offset 0 once the head blocks are consumed), and descriptor
// slot positions are reused circularly. When neither region can grow past the
// other, defrag compacts the whole store into one contiguous unwrapped layout.

package loom

import (
	"encoding/binary"
)

const ( // block kinds
	htxUnused  = 0 // tombstone, skipped on walk, reclaimed by defrag. must be 0
	htxReqLine = 1 // request start-line: method, uri, version
	htxResLine = 2 // response start-line: version, status, reason
	htxHeader  = 3 // header field: name + value
	htxPseudo  = 4 // pseudo-header field: name + value
	htxEOH     = 5 // end of header section
	htxData    = 6 // a piece of message body
	htxEOD     = 7 // end of body data (before trailers)
	htxTrailer = 8 // opaque trailer section blob
	htxOOB     = 9 // out-of-band data, forwarded untouched
	htxEOM     = 10 // end of message
)

const htxBlkSize = 8 // descriptor bytes per block: addr u32 + info u32

// htx block info packing: kind in the top 4 bits. For named blocks (header,
// pseudo-header) the low 28 bits hold the value size (20) and name size (8);
// for everything else they hold the payload size.
const (
	htxInfoKindShift = 28
	htxInfoSizeMask  = 1<<28 - 1
	htxInfoNameMask  = 1<<8 - 1
	htxInfoValShift  = 8
)

// htx is the structured message store.
type htx struct {
	area  []byte // shared backing memory, borrowed from the owning buffer
	size  int    // len(area)
	data  int    // payload bytes across all live blocks
	used  int    // live block slots, including tombstones
	tombs int    // tombstoned slots among used
	head  int    // slot position of the oldest block. meaningless when used == 0
	tail  int    // slot position of the newest block. meaningless when used == 0
	wrap  int    // slot positions currently in existence; the descriptor region is htxBlkSize*wrap bytes
	front int    // slot position of the block whose payload ends highest (forward growth point)
}

func (x *htx) init(area []byte) {
	x.area = area
	x.size = len(area)
	x.reset()
}

func (x *htx) reset() {
	x.data = 0
	x.used = 0
	x.tombs = 0
	x.head = 0
	x.tail = 0
	x.wrap = 0
	x.front = 0
}

func (x *htx) isEmpty() bool { return x.used == 0 }

// liveCount returns the number of non-tombstone blocks.
func (x *htx) liveCount() int { return x.used - x.tombs }

// freeSpace returns the payload bytes a new block could hold after a defrag,
// i.e. the accounting-level free room (may be negative when even a zero-size
// block would not fit a descriptor). A physical placement may still require a
// defrag first.
func (x *htx) freeSpace() int {
	return x.size - x.data - htxBlkSize*(x.liveCount()+1)
}

// descriptor access

func (x *htx) blkOff(pos int) int { return x.size - htxBlkSize*(pos+1) }

func (x *htx) blkAddr(pos int) int {
	return int(binary.LittleEndian.Uint32(x.area[x.blkOff(pos):]))
}
func (x *htx) blkInfo(pos int) uint32 {
	return binary.LittleEndian.Uint32(x.area[x.blkOff(pos)+4:])
}
func (x *htx) setBlk(pos int, addr int, info uint32) {
	off := x.blkOff(pos)
	binary.LittleEndian.PutUint32(x.area[off:], uint32(addr))
	binary.LittleEndian.PutUint32(x.area[off+4:], info)
}

func (x *htx) blkKind(pos int) int { return int(x.blkInfo(pos) >> htxInfoKindShift) }
func (x *htx) blkSize(pos int) int {
	info := x.blkInfo(pos)
	if kind := int(info >> htxInfoKindShift); kind == htxHeader || kind == htxPseudo {
		return int(info&htxInfoNameMask) + int(info>>htxInfoValShift&(htxInfoSizeMask>>htxInfoValShift))
	}
	return int(info & htxInfoSizeMask)
}

// blkPayload returns the whole payload of the block at pos.
func (x *htx) blkPayload(pos int) []byte {
	addr := x.blkAddr(pos)
	return x.area[addr : addr+x.blkSize(pos)]
}

// blkName and blkValue split a named block's payload.
func (x *htx) blkName(pos int) []byte {
	addr := x.blkAddr(pos)
	nameSize := int(x.blkInfo(pos) & htxInfoNameMask)
	return x.area[addr : addr+nameSize]
}
func (x *htx) blkValue(pos int) []byte {
	info := x.blkInfo(pos)
	addr := x.blkAddr(pos) + int(info&htxInfoNameMask)
	valSize := int(info >> htxInfoValShift & (htxInfoSizeMask >> htxInfoValShift))
	return x.area[addr : addr+valSize]
}

// walk order

// headPos returns the position of the oldest live block, or -1 when empty.
func (x *htx) headPos() int {
	if x.used == 0 {
		return -1
	}
	return x.head
}

// nextPos returns the position after pos in wire order, or -1 past the tail.
// Tombstones are skipped.
func (x *htx) nextPos(pos int) int {
	for pos != x.tail {
		pos++
		if pos == x.wrap {
			pos = 0
		}
		if x.blkKind(pos) != htxUnused {
			return pos
		}
	}
	return -1
}

// firstPos returns the position of the first non-tombstone block, or -1.
func (x *htx) firstPos() int {
	pos := x.headPos()
	if pos >= 0 && x.blkKind(pos) == htxUnused {
		pos = x.nextPos(pos)
	}
	return pos
}

// addBlock reserves blkSize payload bytes plus one descriptor and returns the
// new block's position, or -1 if the store is full even after a defrag would
// run. The payload is placed after the current forward growth point, wraps to
// offset 0 if only leading room remains, or triggers a defrag when neither
// fits.
func (x *htx) addBlock(kind int, blkSize int) int {
	if blkSize > x.freeSpace() {
		return -1 // full for real; not even a defrag can make this fit
	}
	if x.used == 0 {
		x.head, x.tail, x.front = 0, 0, 0
		x.used, x.wrap = 1, 1
		x.data = blkSize
		x.setBlk(0, 0, uint32(kind)<<htxInfoKindShift|uint32(blkSize))
		return 0
	}

	newPos, newWrap, ok := x.reserveSlot()
	if !ok { // slot ring is full and wrapped; only a defrag helps
		x.defrag(-1)
		newPos, newWrap, _ = x.reserveSlot()
	}
	addr, ok := x.placePayload(blkSize, newWrap)
	if !ok {
		x.defrag(-1)
		newPos, newWrap, _ = x.reserveSlot()
		addr, _ = x.placePayload(blkSize, newWrap) // must fit now, freeSpace said so
	}

	x.used++
	x.wrap = newWrap
	x.tail = newPos
	x.front = newPos
	x.data += blkSize
	x.setBlk(newPos, addr, uint32(kind)<<htxInfoKindShift|uint32(blkSize))
	return newPos
}

// reserveSlot picks the slot position for a new tail block. ok is false when
// the slot ring is full and cannot be extended without a defrag.
func (x *htx) reserveSlot() (newPos int, newWrap int, ok bool) {
	if x.used < x.wrap { // free positions exist inside the ring
		newPos = x.tail + 1
		if newPos == x.wrap {
			newPos = 0
		}
		return newPos, x.wrap, true
	}
	// used == wrap: the ring is fully occupied.
	if x.head == 0 { // unwrapped; extend the descriptor region downward
		return x.wrap, x.wrap + 1, true
	}
	return 0, x.wrap, false
}

// placePayload finds a physical address for blkSize payload bytes given that
// the descriptor region will be htxBlkSize*newWrap bytes. ok is false when a
// defrag is needed first.
func (x *htx) placePayload(blkSize int, newWrap int) (addr int, ok bool) {
	bottom := x.size - htxBlkSize*newWrap // payload must stay below this
	frontEnd := x.blkAddr(x.front) + x.blkSize(x.front)
	headAddr := x.blkAddr(x.head)
	if frontEnd >= headAddr { // payload is not wrapped; oldest payload sits lowest
		if frontEnd+blkSize <= bottom {
			return frontEnd, true
		}
		if blkSize <= headAddr { // wrap the payload to the bottom
			return 0, true
		}
		return 0, false
	}
	// payload already wrapped: the free gap is [frontEnd, headAddr)
	if frontEnd+blkSize <= headAddr {
		return frontEnd, true
	}
	return 0, false
}

// defrag rebuilds the store compacting all live blocks into one contiguous
// unwrapped layout, dropping tombstones. O(used + data). If preserve is a
// valid position, its new position is returned, else -1.
func (x *htx) defrag(preserve int) int {
	tmp := getNK(x.size)
	defer putNK(tmp)
	tmp = tmp[:x.size]

	newPreserve := -1
	n := 0    // blocks written
	addr := 0 // payload bytes written
	for pos := x.headPos(); pos >= 0; {
		if kind := x.blkKind(pos); kind != htxUnused {
			sz := x.blkSize(pos)
			copy(tmp[addr:], x.blkPayload(pos))
			off := x.size - htxBlkSize*(n+1)
			binary.LittleEndian.PutUint32(tmp[off:], uint32(addr))
			binary.LittleEndian.PutUint32(tmp[off+4:], x.blkInfo(pos))
			if pos == preserve {
				newPreserve = n
			}
			addr += sz
			n++
		}
		if pos == x.tail {
			break
		}
		pos++
		if pos == x.wrap {
			pos = 0
		}
	}
	copy(x.area, tmp)
	x.used = n
	x.tombs = 0
	x.wrap = n
	x.head = 0
	x.tail = n - 1
	x.front = n - 1
	x.data = addr
	if n == 0 {
		x.reset()
	}
	return newPreserve
}

// addStartLine appends a start-line block. For a request the segments are
// method, uri, version; for a response they are version, status, reason. The
// first two segment lengths are stored in a 4-byte prefix.
func (x *htx) addStartLine(kind int, seg1 []byte, seg2 []byte, seg3 []byte) int {
	total := 4 + len(seg1) + len(seg2) + len(seg3)
	pos := x.addBlock(kind, total)
	if pos < 0 {
		return -1
	}
	p := x.blkPayload(pos)
	binary.LittleEndian.PutUint16(p[0:], uint16(len(seg1)))
	binary.LittleEndian.PutUint16(p[2:], uint16(len(seg2)))
	q := 4
	q += copy(p[q:], seg1)
	q += copy(p[q:], seg2)
	copy(p[q:], seg3)
	return pos
}

// startLine splits a start-line block's payload back into its segments.
func (x *htx) startLine(pos int) (seg1 []byte, seg2 []byte, seg3 []byte) {
	p := x.blkPayload(pos)
	l1 := int(binary.LittleEndian.Uint16(p[0:]))
	l2 := int(binary.LittleEndian.Uint16(p[2:]))
	return p[4 : 4+l1], p[4+l1 : 4+l1+l2], p[4+l1+l2:]
}

// addHeader appends a header (or pseudo-header, or trailer-as-named) block.
func (x *htx) addHeader(kind int, name []byte, value []byte) int {
	if len(name) > htxInfoNameMask || len(value) > htxInfoSizeMask>>htxInfoValShift {
		return -1
	}
	if kind != htxHeader && kind != htxPseudo {
		return -1
	}
	pos := x.addBlockRaw(kind, uint32(kind)<<htxInfoKindShift|uint32(len(value))<<htxInfoValShift|uint32(len(name)), len(name)+len(value))
	if pos < 0 {
		return -1
	}
	p := x.blkPayload(pos)
	copy(p[copy(p, name):], value)
	return pos
}

// addBlockRaw is addBlock with a caller-built info word, for named blocks
// whose info packs two lengths.
func (x *htx) addBlockRaw(kind int, info uint32, blkSize int) int {
	pos := x.addBlock(kind, blkSize)
	if pos < 0 {
		return -1
	}
	x.setBlk(pos, x.blkAddr(pos), info)
	return pos
}

// addMarker appends a zero-payload marker block (EOH, EOD, EOM).
func (x *htx) addMarker(kind int) int {
	return x.addBlock(kind, 0)
}

// appendValue appends bytes to the store, coalescing into the tail block when
// it has the same kind. Only DATA and TRAILER blocks may coalesce. In-place
// growth requires the tail block to also be the forward growth point with
// contiguous room behind it; failing that, one defrag is attempted, then the
// bytes go into a fresh block. Returns the position holding the (last part of
// the) appended bytes, or -1 if the store is full.
func (x *htx) appendValue(kind int, value []byte) int {
	if kind != htxData && kind != htxTrailer { // non-coalescing kinds get their own block
		pos := x.addBlock(kind, len(value))
		if pos >= 0 {
			copy(x.blkPayload(pos), value)
		}
		return pos
	}
	if x.used == 0 || x.blkKind(x.tail) != kind {
		pos := x.addBlock(kind, len(value))
		if pos >= 0 {
			copy(x.blkPayload(pos), value)
		}
		return pos
	}
	if len(value) > x.freeSpace()+htxBlkSize { // growing reuses the tail descriptor
		return -1
	}
	if !x.growTail(len(value)) {
		x.defrag(-1)
		if !x.growTail(len(value)) {
			pos := x.addBlock(kind, len(value))
			if pos >= 0 {
				copy(x.blkPayload(pos), value)
			}
			return pos
		}
	}
	sz := x.blkSize(x.tail)
	copy(x.area[x.blkAddr(x.tail)+sz-len(value):], value)
	return x.tail
}

// growTail extends the tail block's payload in place by n bytes. Only legal
// when the tail block is the forward growth point and contiguous room exists.
func (x *htx) growTail(n int) bool {
	if x.tail != x.front {
		return false
	}
	addr := x.blkAddr(x.tail)
	end := addr + x.blkSize(x.tail)
	headAddr := x.blkAddr(x.head)
	var limit int
	if end > headAddr || x.used == 1 { // tail payload is in the high (unwrapped) region
		limit = x.size - htxBlkSize*x.wrap
	} else { // payload wrapped; bounded by the oldest live payload
		limit = headAddr
	}
	if end+n > limit {
		return false
	}
	info := x.blkInfo(x.tail)
	x.setBlk(x.tail, addr, info+uint32(n)) // size lives in the low bits for DATA/TRAILER
	x.data += n
	return true
}

// replaceBlockValue replaces the value of the named block at pos. Shrinking
// happens in place; growing rebuilds the store through scratch space so wire
// order is preserved. Returns the block's (possibly new) position, or -1 if
// the grown store would not fit.
func (x *htx) replaceBlockValue(pos int, newValue []byte) int {
	kind := x.blkKind(pos)
	if kind != htxHeader && kind != htxPseudo {
		return -1
	}
	info := x.blkInfo(pos)
	nameSize := int(info & htxInfoNameMask)
	oldSize := int(info >> htxInfoValShift & (htxInfoSizeMask >> htxInfoValShift))
	if len(newValue) <= oldSize { // shrink in place
		addr := x.blkAddr(pos)
		copy(x.area[addr+nameSize:], newValue)
		x.setBlk(pos, addr, uint32(kind)<<htxInfoKindShift|uint32(len(newValue))<<htxInfoValShift|uint32(nameSize))
		x.data -= oldSize - len(newValue)
		return pos
	}
	grow := len(newValue) - oldSize
	if grow > x.freeSpace()+htxBlkSize {
		return -1
	}
	// Stage the merged content, evict the old reservation, then re-insert at
	// the same wire position while compacting.
	name := append(getNK(nameSize)[:0], x.blkName(pos)...)
	defer putNK(name[:0])
	pos = x.rebuildReplacing(pos, name[:nameSize], newValue)
	return pos
}

// rebuildReplacing defrags the store while substituting newValue for the
// named block at target. Returns the target's new position.
func (x *htx) rebuildReplacing(target int, name []byte, newValue []byte) int {
	tmp := getNK(x.size)
	defer putNK(tmp)
	tmp = tmp[:x.size]

	newTarget := -1
	n, addr := 0, 0
	for pos := x.headPos(); pos >= 0; {
		if kind := x.blkKind(pos); kind != htxUnused {
			var payload []byte
			info := x.blkInfo(pos)
			if pos == target {
				info = uint32(kind)<<htxInfoKindShift | uint32(len(newValue))<<htxInfoValShift | uint32(len(name))
				copy(tmp[addr:], name)
				copy(tmp[addr+len(name):], newValue)
				payload = tmp[addr : addr+len(name)+len(newValue)]
				newTarget = n
			} else {
				payload = x.blkPayload(pos)
				copy(tmp[addr:], payload)
			}
			off := x.size - htxBlkSize*(n+1)
			binary.LittleEndian.PutUint32(tmp[off:], uint32(addr))
			binary.LittleEndian.PutUint32(tmp[off+4:], info)
			addr += len(payload)
			n++
		}
		if pos == x.tail {
			break
		}
		pos++
		if pos == x.wrap {
			pos = 0
		}
	}
	copy(x.area, tmp)
	x.used = n
	x.tombs = 0
	x.wrap = n
	x.head = 0
	x.tail = n - 1
	x.front = n - 1
	x.data = addr
	return newTarget
}

// removeBlock tombstones the block at pos. Head/tail tombstones are collapsed
// immediately; removing the sole remaining block resets the whole store.
func (x *htx) removeBlock(pos int) {
	if x.blkKind(pos) != htxUnused {
		x.data -= x.blkSize(pos)
		x.setBlk(pos, x.blkAddr(pos), 0) // htxUnused, zero size
		x.tombs++
	}
	if x.liveCount() == 0 {
		x.reset()
		return
	}
	// Collapse tombstones sitting at the head.
	for x.blkKind(x.head) == htxUnused {
		x.head++
		if x.head == x.wrap {
			x.head = 0
		}
		x.used--
		x.tombs--
	}
	// Collapse tombstones sitting at the tail.
	collapsedTail := false
	for x.blkKind(x.tail) == htxUnused {
		x.tail--
		if x.tail < 0 {
			x.tail = x.wrap - 1
		}
		x.used--
		x.tombs--
		collapsedTail = true
	}
	if collapsedTail {
		x.recomputeFront()
	}
}

// recomputeFront rescans live blocks for the forward growth point, needed
// after the front block itself was removed.
func (x *htx) recomputeFront() {
	best, bestEnd := x.head, -1
	for pos := x.headPos(); pos >= 0; pos = x.nextPos(pos) {
		if end := x.blkAddr(pos) + x.blkSize(pos); end > bestEnd {
			best, bestEnd = pos, end
		}
	}
	x.front = best
}

// transferBlocks moves blocks from src into dst, one at a time, until
// maxBytes of payload have moved, dst runs out of room, or a block of
// stopKind (inclusive) has been moved. A DATA or TRAILER block is split when
// only part of it fits. Returns payload bytes moved and whether a stopKind
// block made it across.
func htxTransferBlocks(dst *htx, src *htx, maxBytes int, stopKind int) (moved int, stopped bool) {
	for {
		pos := src.firstPos()
		if pos < 0 {
			return moved, false
		}
		kind := src.blkKind(pos)
		sz := src.blkSize(pos)
		take := sz
		if kind == htxData || kind == htxTrailer {
			if budget := maxBytes - moved; take > budget {
				take = budget
			}
			if room := dst.freeSpace(); take > room {
				take = room
			}
			if take <= 0 && sz > 0 {
				return moved, false
			}
		} else {
			if maxBytes-moved < sz || dst.freeSpace() < sz {
				return moved, false
			}
		}

		if take == sz { // move the whole block
			var newPos int
			switch kind {
			case htxHeader, htxPseudo:
				newPos = dst.addHeader(kind, src.blkName(pos), src.blkValue(pos))
			default:
				newPos = dst.addBlock(kind, sz)
				if newPos >= 0 {
					copy(dst.blkPayload(newPos), src.blkPayload(pos))
				}
			}
			if newPos < 0 {
				return moved, false
			}
			src.removeBlock(pos)
			moved += sz
			if kind == stopKind {
				return moved, true
			}
		} else { // split a DATA/TRAILER block
			newPos := dst.addBlock(kind, take)
			if newPos < 0 {
				return moved, false
			}
			copy(dst.blkPayload(newPos), src.blkPayload(pos)[:take])
			src.cutBlockFront(pos, take)
			moved += take
			return moved, false // budget or room exhausted by construction
		}
	}
}

// cutBlockFront drops the first n payload bytes of the block at pos.
func (x *htx) cutBlockFront(pos int, n int) {
	addr := x.blkAddr(pos)
	info := x.blkInfo(pos)
	x.setBlk(pos, addr+n, info-uint32(n)) // size lives in the low bits for DATA/TRAILER
	x.data -= n
}

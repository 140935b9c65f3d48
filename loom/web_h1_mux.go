// Copyright (c) 2021-2026 The Syntra Authors.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// The HTTP/1 connection/stream mux. An h1Conn owns the raw byte buffers of
// one transport connection and binds it to exactly one logical h1Stream at a
// time (strictly non-pipelined). Inbound bytes are parsed into the stream's
// block store; outbound blocks from the upper layer are serialized back to
// wire bytes, with the connection mode (keep-alive / tunnel / close) decided
// per RFC 7230 with precedence close > tunnel > keep-alive.

package loom

import (
	"bytes"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"
)

const ( // h1Conn flags
	h1cIsBack     = 1 << iota // backend-side connection
	h1cConnecting             // nonblocking connect still in progress
	h1cRdSub                  // subscribed for read readiness
	h1cWrSub                  // subscribed for write readiness
	h1cInAlloc                // blocked waiting for an input buffer
	h1cOutAlloc               // blocked waiting for an output buffer
	h1cRxAlloc                // blocked waiting for the stream's rx store buffer
	h1cInFull                 // parser stalled: rx store full, input buffer backing up
	h1cOutFull                // serializer stalled: output buffer full
	h1cEOS                    // read side saw eof
	h1cError                  // unrecoverable connection error
	h1cShutAfterWr            // close once the output buffer drains
	h1cWaitNext               // idle keep-alive slot, waiting for the next request
	h1cReleased
)

const ( // h1Stream flags
	h1sWantKAL   = 1 << iota // keep the connection after this exchange
	h1sWantTUN               // switch to opaque tunnel after this exchange
	h1sWantCLO               // close the connection after this exchange
	h1sNotFirst              // not the first request on this connection
	h1sAttached              // an upper-layer conn-stream is attached
	h1sOutChunkLast          // serializer already emitted the last chunk marker
	h1sOutTrailers           // serializer already emitted a trailer section
	h1sOut1xx                // serializing a non-final 1xx response
	h1sIn1xx                 // parsing a non-final 1xx response
)

var poolH1Conn sync.Pool

func getH1Conn(stage *Stage, fd int, isBack bool) *h1Conn {
	var c *h1Conn
	if x := poolH1Conn.Get(); x == nil {
		c = new(h1Conn)
	} else {
		c = x.(*h1Conn)
	}
	c.onGet(stage, fd, isBack)
	return c
}
func putH1Conn(c *h1Conn) {
	c.onPut()
	poolH1Conn.Put(c)
}

// h1Conn is the connection-side mux object.
type h1Conn struct {
	// Assocs
	stage *Stage
	strm  *h1Stream
	// Conn states (non-zeros)
	fd int
	id uuid.UUID
	// Conn states (zeros)
	flags  uint32
	ibuf   buffer // raw inbound bytes
	obuf   buffer // raw outbound bytes
	waiter bufferWaiter
	iofn   tasklet   // runs the receive/process cycle outside readiness callbacks
	timer  timerTask // idle / http head timeouts
	headAt time.Time // when the current request head started arriving. zero if none
}

func (c *h1Conn) onGet(stage *Stage, fd int, isBack bool) {
	c.stage = stage
	c.fd = fd
	c.id = uuid.New()
	c.flags = 0 // clears the release tombstone on a recycled conn
	if isBack {
		c.flags = h1cIsBack
	}
	c.waiter.target = c
	c.waiter.retry = c.onBufferAvail
	c.iofn.run = c.ioCycle
	c.timer.run = c.onTimeout
}
func (c *h1Conn) onPut() {
	c.stage = nil
	c.strm = nil
	c.fd = -1
	c.flags = h1cReleased // a stale queued tasklet must still see the tombstone
	c.headAt = time.Time{}
}

func (c *h1Conn) isBack() bool        { return c.flags&h1cIsBack != 0 }
func (c *h1Conn) markError()          { c.flags |= h1cError }
func (c *h1Conn) isBroken() bool      { return c.flags&(h1cError|h1cEOS) != 0 }
func (c *h1Conn) pool() *bufferPool   { return c.stage.pool }
func (c *h1Conn) sched() *scheduler   { return c.stage.sched }

// recvLimit is the input read limit: below capacity, reserving headroom for
// in-place header rewrites.
func (c *h1Conn) recvLimit() int {
	return c.stage.config.BufSize - c.stage.config.RecvHeadroom
}

// init binds the mux to an established (or still connecting) connection,
// creates the first stream, and attempts one opportunistic receive+parse pass
// before yielding to the event layer.
func (c *h1Conn) init() {
	c.stage.logger.Debug("h1 conn open", "conn", c.id, "fd", c.fd, "back", c.isBack())
	if !c.isBack() {
		c.newStream()
		c.armIdleTimeout()
	}
	if c.flags&h1cConnecting != 0 {
		c.subscribeWrite()
		return
	}
	c.recv()
}

func (c *h1Conn) newStream() {
	s := getH1Stream(c)
	if c.flags&h1cWaitNext != 0 || c.strm != nil {
		s.flags |= h1sNotFirst
	}
	c.strm = s
	c.flags &^= h1cWaitNext
}

// readiness callbacks

func (c *h1Conn) onReadable() {
	c.flags &^= h1cRdSub
	if c.flags&h1cReleased != 0 {
		return
	}
	c.recv()
}
func (c *h1Conn) onWritable() {
	c.flags &^= h1cWrSub
	if c.flags&h1cReleased != 0 {
		return
	}
	if c.flags&h1cConnecting != 0 { // connect completion
		c.flags &^= h1cConnecting
		if soerr, err := unix.GetsockoptInt(c.fd, unix.SOL_SOCKET, unix.SO_ERROR); err != nil || soerr != 0 {
			c.stage.logger.Debug("backend connect failed", "conn", c.id, "soerr", soerr)
			c.markError()
			c.notifyUpper()
			c.shut()
			return
		}
		c.wakeUpper() // the exchange may have a request waiting to serialize
	}
	c.send()
}
func (c *h1Conn) onHangup() {
	if c.flags&h1cReleased != 0 {
		return
	}
	c.flags |= h1cEOS
	// Drain whatever is readable before acting on the hangup.
	c.recv()
}

// ioCycle is the tasklet body: re-runs the receive/process/serialize cycle
// after a stall condition was relieved.
func (c *h1Conn) ioCycle() {
	if c.flags&h1cReleased != 0 {
		return
	}
	if c.strm != nil && c.strm.flags&h1sAttached != 0 {
		c.processOutput()
	}
	if c.flags&h1cReleased != 0 { // processOutput may have shut the conn
		return
	}
	c.processInput()
	c.recv()
}

func (c *h1Conn) wakeup() { c.sched().wakeup(&c.iofn) }

// onBufferAvail is the buffer-wait retry callback: claim what we were blocked
// on; report claimed so the queue's accounting stays fair.
func (c *h1Conn) onBufferAvail() bool {
	claimed := false
	if c.flags&h1cInAlloc != 0 && c.ibuf.alloc(c.pool(), c.poolMarginIn()) {
		c.flags &^= h1cInAlloc
		claimed = true
	}
	if c.flags&h1cOutAlloc != 0 && c.obuf.alloc(c.pool(), 0) {
		c.flags &^= h1cOutAlloc
		claimed = true
	}
	if c.flags&h1cRxAlloc != 0 && c.strm != nil && c.strm.allocRx() {
		c.flags &^= h1cRxAlloc
		claimed = true
	}
	if claimed {
		c.wakeup()
	} else if c.flags&(h1cInAlloc|h1cOutAlloc|h1cRxAlloc) != 0 {
		c.stage.pool.wait.subscribe(&c.waiter) // still starved, keep waiting
	}
	return claimed
}

// recv reads socket bytes into the inbound buffer and drives the parser. It
// is gated: no re-entry while subscribed, no reads while blocked on an
// allocation, none at all once the connection is in error with nothing left
// to process.
func (c *h1Conn) recv() {
	if c.flags&h1cReleased != 0 {
		return // a completed exchange can release the conn mid-cycle
	}
	if c.flags&(h1cRdSub|h1cInAlloc|h1cError|h1cShutAfterWr) != 0 {
		c.processInput()
		return
	}
	if c.flags&h1cConnecting != 0 {
		return
	}
	if !c.ibuf.alloc(c.pool(), c.poolMarginIn()) {
		c.flags |= h1cInAlloc
		c.pool().wait.subscribe(&c.waiter)
		return
	}
	for {
		space := c.ibuf.contiguousSpace()
		if limit := c.recvLimit() - c.ibuf.data; space > limit {
			space = limit
		}
		if space <= 0 {
			break // input at its read limit; the parser must make room first
		}
		chunk := c.ibuf.tailChunk()[:space]
		n, err := unix.Read(c.fd, chunk)
		if n > 0 {
			c.ibuf.commit(n)
			if c.headAt.IsZero() && !c.isBack() &&
				(c.strm == nil || c.strm.inMsg().state < h1msgChunkSize) {
				// First bytes of a request head start the head-receive clock.
				c.headAt = time.Now()
				c.armHTTPTimeout()
			}
			continue
		}
		if n == 0 && err == nil {
			c.flags |= h1cEOS
			break
		}
		if err == unix.EAGAIN {
			break
		}
		if err == unix.EINTR {
			continue
		}
		c.stage.logger.Debug("h1 read error", "conn", c.id, "err", err)
		c.markError()
		break
	}
	c.processInput()
	if c.flags&(h1cError|h1cEOS|h1cShutAfterWr|h1cReleased|h1cInFull) == 0 {
		c.subscribeRead()
	}
	if c.flags&h1cEOS != 0 && c.flags&h1cReleased == 0 {
		c.onEOS()
	}
}

func (c *h1Conn) subscribeRead() {
	if c.flags&h1cRdSub == 0 {
		c.flags |= h1cRdSub
		c.stage.poller.arm(c.fd, true, c.flags&h1cWrSub != 0)
	}
}
func (c *h1Conn) subscribeWrite() {
	if c.flags&h1cWrSub == 0 {
		c.flags |= h1cWrSub
		c.stage.poller.arm(c.fd, c.flags&h1cRdSub != 0, true)
	}
}

// poolMarginIn picks the allocation margin for the inbound buffer: frontend
// reads are the least critical allocation, so they leave the full reserve
// behind; backend responses complete an in-flight exchange and may dip into
// it.
func (c *h1Conn) poolMarginIn() int {
	if c.isBack() {
		return 0
	}
	return c.pool().reserve
}

// processInput drains the inbound buffer through the parser into the
// stream's block store, one logical step at a time, honoring the parser's
// suspension contract.
func (c *h1Conn) processInput() {
	if c.flags&(h1cError|h1cReleased) != 0 {
		return
	}
	s := c.strm
	if s == nil {
		if c.isBack() || c.ibuf.isEmpty() {
			return
		}
		c.newStream()
		s = c.strm
	}
	in := s.inMsg()
	for {
		switch in.state {
		case h1msgError:
			return
		case h1msgDone:
			c.flags &^= h1cInFull
			c.notifyUpper()
			c.syncMessages()
			return
		case h1msgTunnel:
			if !c.tunnelInput(s) {
				return
			}
		default:
			if in.state >= h1msgChunkSize { // body states
				if !c.parseBody(s, in) {
					return
				}
			} else {
				if !c.parseHead(s, in) {
					return
				}
			}
		}
	}
}

// parseHead runs the header state machine. Returns false to stop the input
// loop (need more bytes, stalled, or failed).
func (c *h1Conn) parseHead(s *h1Stream, in *h1m) bool {
	if c.ibuf.isEmpty() {
		return false
	}
	if c.ibuf.isWrapped() {
		// The header parser needs contiguous bytes; this is the rare slow path
		// near a boundary that wrapped.
		scratch := getNK(c.ibuf.data)
		c.ibuf.slowMakeContiguous(scratch)
		putNK(scratch)
	}
	src := c.ibuf.headChunk()
	ret := h1ParseHeaders(in, src, &s.head)
	if ret == 0 {
		if c.ibuf.data >= c.recvLimit() { // head too large for any buffer
			c.inputFailed(s, in)
			return false
		}
		return false
	}
	if ret < 0 {
		c.inputFailed(s, in)
		return false
	}
	if !s.commitHead(ret) { // builds the rx blocks; false means rx store stall
		return false
	}
	c.ibuf.advance(ret)
	in.next = 0
	if !c.isBack() {
		c.headAt = time.Time{}
		c.sched().cancelTimer(&c.timer)
		c.attachUpper() // headers done: the conn-stream must exist before body bytes move up
	}
	c.notifyUpper()
	return true
}

// parseBody advances sized/chunked body parsing, appending DATA blocks to the
// rx store. Returns false to stop the input loop.
func (c *h1Conn) parseBody(s *h1Stream, in *h1m) bool {
	if !s.allocRx() {
		c.flags |= h1cRxAlloc
		c.pool().wait.subscribe(&c.waiter)
		return false
	}
	switch in.state {
	case h1msgData:
		if c.ibuf.isEmpty() {
			if in.flags&h1fXferLen == 0 && c.flags&h1cEOS != 0 { // close-delimited body ends here
				s.rx.addMarker(htxEOM)
				in.state = h1msgDone
				return true
			}
			return false
		}
		take := c.ibuf.data
		if in.flags&h1fXferLen != 0 && int64(take) > in.currLen {
			take = int(in.currLen)
		}
		moved := s.moveData(&c.ibuf, take)
		if moved == 0 {
			c.flags |= h1cInFull // rx store full; wait for the upper layer to drain it
			c.notifyUpper()
			return false
		}
		c.flags &^= h1cInFull
		if in.flags&h1fXferLen != 0 {
			in.currLen -= int64(moved)
			if in.currLen == 0 {
				if in.flags&h1fChunked != 0 {
					in.state = h1msgChunkCRLF
				} else {
					s.rx.addMarker(htxEOM)
					in.state = h1msgDone
				}
			}
		} else {
			in.bodyLen += int64(moved)
		}
		return true
	case h1msgChunkSize:
		ret, size := h1ParseChunkSize(in, &c.ibuf, 0)
		if ret == 0 {
			return false
		}
		if ret < 0 {
			c.inputFailed(s, in)
			return false
		}
		c.ibuf.advance(ret)
		if size == 0 {
			in.state = h1msgTrailers
		} else {
			in.currLen = size
			in.bodyLen += size
			in.state = h1msgData
		}
		return true
	case h1msgChunkCRLF:
		ret := h1SkipChunkCRLF(in, &c.ibuf, 0)
		if ret == 0 {
			return false
		}
		if ret < 0 {
			c.inputFailed(s, in)
			return false
		}
		c.ibuf.advance(ret)
		in.state = h1msgChunkSize
		in.currLen = 0
		return true
	case h1msgTrailers:
		if c.ibuf.isEmpty() {
			return false
		}
		if c.ibuf.isWrapped() {
			// The trailer capture routine does not handle wraparound.
			scratch := getNK(c.ibuf.data)
			c.ibuf.slowMakeContiguous(scratch)
			putNK(scratch)
		}
		ret := h1MeasureTrailers(c.ibuf.headChunk(), 0)
		if ret == 0 {
			return false
		}
		if ret < 0 {
			c.inputFailed(s, in)
			return false
		}
		if s.rx.freeSpace() < ret+2*htxBlkSize {
			c.flags |= h1cInFull
			c.notifyUpper()
			return false
		}
		s.rx.addMarker(htxEOD)
		if ret > 2 { // more than the bare terminating empty line
			pos := s.rx.appendValue(htxTrailer, c.ibuf.headChunk()[:ret])
			if pos < 0 {
				c.flags |= h1cInFull
				c.notifyUpper()
				return false
			}
		}
		c.ibuf.advance(ret)
		s.rx.addMarker(htxEOM)
		in.state = h1msgDone
		return true
	}
	return false
}

// tunnelInput forwards opaque bytes upward once tunnel mode is on.
func (c *h1Conn) tunnelInput(s *h1Stream) bool {
	if c.ibuf.isEmpty() {
		return false
	}
	if !s.allocRx() {
		c.flags |= h1cRxAlloc
		c.pool().wait.subscribe(&c.waiter)
		return false
	}
	moved := s.moveData(&c.ibuf, c.ibuf.data)
	if moved == 0 {
		c.flags |= h1cInFull
		c.notifyUpper()
		return false
	}
	c.flags &^= h1cInFull
	c.notifyUpper()
	return true
}

// inputFailed handles a parse error or an oversized head: a frontend request
// gets a best-effort 400 and the connection is marked for closure; a broken
// backend response cannot be safely recovered, so the connection just closes.
func (c *h1Conn) inputFailed(s *h1Stream, in *h1m) {
	if in.state != h1msgError {
		in.setError(in.next)
	}
	c.stage.logger.Debug("h1 parse error", "conn", c.id, "back", c.isBack(),
		"state", in.errState, "pos", in.errPos)
	c.markError()
	if !c.isBack() {
		c.synthesizeError(StatusBadRequest)
	}
	c.notifyUpper()
	if c.obuf.isEmpty() {
		c.shut()
	}
}

// send flushes the outbound buffer to the socket. On full drain the buffer is
// released back to the pool and the keep-alive/tunnel synchronization is
// re-evaluated; otherwise write readiness is re-subscribed.
func (c *h1Conn) send() {
	if c.flags&h1cReleased != 0 {
		return
	}
	for !c.obuf.isEmpty() {
		chunk := c.obuf.headChunk()
		n, err := unix.Write(c.fd, chunk)
		if n > 0 {
			c.obuf.advance(n)
			continue
		}
		if err == unix.EAGAIN {
			break
		}
		if err == unix.EINTR {
			continue
		}
		c.stage.logger.Debug("h1 write error", "conn", c.id, "err", err)
		c.markError()
		c.notifyUpper()
		c.shut()
		return
	}
	if !c.obuf.isEmpty() {
		c.subscribeWrite()
		return
	}
	if c.flags&h1cOutFull != 0 { // the serializer stalled on us; let it resume
		c.flags &^= h1cOutFull
		c.wakeup()
	}
	if c.flags&h1cShutAfterWr != 0 {
		c.shut()
		return
	}
	c.obuf.release(c.pool())
	c.syncMessages()
}

// processOutput walks the upper layer's block store and re-serializes it into
// the outbound buffer, stopping cleanly on a full buffer and resuming from
// the same block on the next call.
func (c *h1Conn) processOutput() {
	if c.flags&(h1cReleased|h1cShutAfterWr) != 0 {
		return
	}
	s := c.strm
	if s == nil || s.up == nil {
		return
	}
	if c.isBack() && c.flags&h1cConnecting != 0 {
		return
	}
	tx := &s.up.tx
	if tx.isEmpty() {
		return
	}
	if !c.obuf.alloc(c.pool(), 0) {
		c.flags |= h1cOutAlloc
		c.pool().wait.subscribe(&c.waiter)
		return
	}
	out := s.outMsg()
	for {
		pos := tx.firstPos()
		if pos < 0 {
			break
		}
		if !c.serializeBlock(s, out, tx, pos) {
			break // output full or exchange done
		}
	}
	c.send()
}

// serializeBlock renders one block. Returns false to stop the walk.
func (c *h1Conn) serializeBlock(s *h1Stream, out *h1m, tx *htx, pos int) bool {
	switch kind := tx.blkKind(pos); kind {
	case htxReqLine:
		seg1, seg2, _ := tx.startLine(pos)
		line := make([]byte, 0, len(seg1)+len(seg2)+len(bytesHTTP11)+4)
		line = append(line, seg1...)
		line = append(line, ' ')
		line = append(line, seg2...)
		line = append(line, ' ')
		line = append(line, bytesHTTP11...) // backends are always spoken to in HTTP/1.1
		line = append(line, bytesCRLF...)
		if !c.emit(line) {
			return false
		}
		out.initRequest()
		out.state = h1msgHdrFirst
		tx.removeBlock(pos)
	case htxResLine:
		seg1, seg2, seg3 := tx.startLine(pos)
		line := make([]byte, 0, len(seg1)+len(seg2)+len(seg3)+4)
		line = append(line, seg1...)
		line = append(line, ' ')
		line = append(line, seg2...)
		line = append(line, ' ')
		line = append(line, seg3...)
		line = append(line, bytesCRLF...)
		if !c.emit(line) {
			return false
		}
		out.initResponse()
		out.state = h1msgHdrFirst
		status := int16(0)
		for _, d := range seg2 {
			status = status*10 + int16(d-'0')
		}
		s.status = status
		if status >= 100 && status < 200 && status != StatusSwitchingProtocols {
			s.flags |= h1sOut1xx
		}
		tx.removeBlock(pos)
	case htxHeader, htxPseudo:
		name, value := tx.blkName(pos), tx.blkValue(pos)
		if asciiEqualFold(name, bytesConnection) || asciiEqualFold(name, []byte("proxy-connection")) {
			// Absorbed here; a repaired Connection header is emitted at EOH so
			// the peer never sees a contradictory pair.
			h1ParseConnectionHeader(out, value)
			tx.removeBlock(pos)
			return true
		}
		if asciiEqualFold(name, bytesContentLength) {
			h1ParseContentLength(out, value)
		} else if asciiEqualFold(name, bytesTransferEncoding) {
			h1ParseTransferEncoding(out, value)
		}
		line := make([]byte, 0, len(name)+len(value)+4)
		line = append(line, name...)
		line = append(line, bytesColonSpace...)
		line = append(line, value...)
		line = append(line, bytesCRLF...)
		if !c.emit(line) {
			return false
		}
		tx.removeBlock(pos)
	case htxEOH:
		s.updateModeFromOutput(out)
		repaired := c.connectionHeaderFor(s)
		need := len(repaired) + len(bytesCRLF)
		if c.obuf.room() < need {
			c.flags |= h1cOutFull
			return false
		}
		c.obuf.append(repaired)
		c.obuf.append(bytesCRLF)
		h1DetermineBody(out)
		if out.state == h1msgDone && s.flags&h1sOut1xx == 0 {
			// Bodiless message; wait for the EOM block to confirm.
			out.state = h1msgData
		}
		tx.removeBlock(pos)
	case htxData:
		if !c.emitData(s, out, tx, pos) {
			return false
		}
	case htxEOD:
		if out.flags&h1fChunked != 0 && s.flags&h1sOutChunkLast == 0 {
			if !c.emit(bytesZeroCRLF) {
				return false
			}
			s.flags |= h1sOutChunkLast
		}
		tx.removeBlock(pos)
	case htxTrailer:
		if out.flags&h1fChunked != 0 {
			if s.flags&h1sOutChunkLast == 0 {
				if !c.emit(bytesZeroCRLF) {
					return false
				}
				s.flags |= h1sOutChunkLast
			}
			if !c.emit(tx.blkPayload(pos)) {
				return false
			}
			s.flags |= h1sOutTrailers
		}
		tx.removeBlock(pos)
	case htxOOB:
		if !c.emit(tx.blkPayload(pos)) {
			return false
		}
		tx.removeBlock(pos)
	case htxEOM:
		if out.flags&h1fChunked != 0 {
			if s.flags&h1sOutChunkLast == 0 {
				if !c.emit(bytesZeroCRLF) {
					return false
				}
				s.flags |= h1sOutChunkLast
			}
			if s.flags&h1sOutTrailers == 0 {
				if !c.emit(bytesCRLF) {
					return false
				}
				s.flags |= h1sOutTrailers
			}
		}
		tx.removeBlock(pos)
		if s.flags&h1sOut1xx != 0 { // the real response is still to come
			s.flags &^= h1sOut1xx | h1sOutChunkLast | h1sOutTrailers
			out.initResponse()
		} else {
			out.state = h1msgDone
		}
		return false
	default: // unused slots are collapsed by removeBlock on their neighbors
		tx.removeBlock(pos)
	}
	return true
}

// emit appends line to the outbound buffer as one unit: all or nothing, so a
// resumed serialization re-renders the same block with no duplicated bytes.
func (c *h1Conn) emit(line []byte) bool {
	if c.obuf.room() < len(line) {
		c.flags |= h1cOutFull
		return false
	}
	c.obuf.append(line)
	return true
}

// emitData renders (part of) a DATA block, with chunked re-framing when the
// outbound message is chunked. Consumed bytes are cut from the block so a
// stalled serialization resumes exactly where it stopped.
func (c *h1Conn) emitData(s *h1Stream, out *h1m, tx *htx, pos int) bool {
	payload := tx.blkPayload(pos)
	if out.flags&h1fChunked != 0 {
		var sizeBuf [18]byte
		overhead := i64ToHex(int64(len(payload)), sizeBuf[:]) + 4 // size CRLF data CRLF
		take := len(payload)
		if room := c.obuf.room() - overhead; take > room {
			take = room
		}
		if take <= 0 {
			c.flags |= h1cOutFull
			return false
		}
		n := i64ToHex(int64(take), sizeBuf[:])
		c.obuf.append(sizeBuf[:n])
		c.obuf.append(bytesCRLF)
		c.obuf.append(payload[:take])
		c.obuf.append(bytesCRLF)
		if take == len(payload) {
			tx.removeBlock(pos)
		} else {
			tx.cutBlockFront(pos, take)
			c.flags |= h1cOutFull
			return false
		}
		return true
	}
	take := len(payload)
	if room := c.obuf.room(); take > room {
		take = room
	}
	if take <= 0 {
		c.flags |= h1cOutFull
		return false
	}
	c.obuf.append(payload[:take])
	out.bodyLen += int64(take)
	if take == len(payload) {
		tx.removeBlock(pos)
		return true
	}
	tx.cutBlockFront(pos, take)
	c.flags |= h1cOutFull
	return false
}

// connectionHeaderFor renders the repaired Connection header line (possibly
// empty) matching the stream's mode decision and the peer's version.
func (c *h1Conn) connectionHeaderFor(s *h1Stream) []byte {
	switch {
	case s.flags&h1sWantTUN != 0:
		if s.status == StatusSwitchingProtocols {
			return []byte("connection: upgrade\r\n")
		}
		return nil // CONNECT tunnels carry no connection header
	case s.flags&h1sWantCLO != 0:
		if s.inMsg().flags&h1fVer11 != 0 || c.isBack() {
			return []byte("connection: close\r\n")
		}
		return nil // pre-1.1 peers close by default
	case s.flags&h1sWantKAL != 0:
		if s.inMsg().flags&h1fVer11 != 0 {
			return nil // implicit keep-alive on 1.1
		}
		return []byte("connection: keep-alive\r\n")
	default:
		return nil
	}
}

// syncMessages re-synchronizes the two directions once both the incoming and
// outgoing message of the current exchange are done and the buffers are
// drained: switch to tunnel, recycle for keep-alive, or close.
func (c *h1Conn) syncMessages() {
	s := c.strm
	if s == nil || c.flags&h1cReleased != 0 {
		return
	}
	in, out := s.inMsg(), s.outMsg()
	if !in.isDone() || !out.isDone() || !c.obuf.isEmpty() {
		return
	}
	if s.rxbuf.isBacked() && !s.rx.isEmpty() {
		return // the upper layer still has our blocks to drain
	}
	if s.flags&h1sWantTUN != 0 {
		// No more HTTP parsing on this connection: subsequent bytes are
		// forwarded opaquely in both directions.
		in.state = h1msgTunnel
		out.state = h1msgTunnel
		c.subscribeRead()
		if !c.ibuf.isEmpty() {
			c.wakeup() // early tunnel bytes arrived with the handshake
		}
		return
	}
	if c.isBack() {
		// Backend connections are not reused across exchanges here.
		c.detachUpper()
		c.shut()
		return
	}
	if s.flags&h1sWantKAL == 0 || c.stage.IsShutting() || c.isBroken() {
		c.detachUpper()
		c.shut()
		return
	}
	// Recycle for the next exchange on this connection.
	c.detachUpper()
	putH1Stream(s)
	c.strm = nil
	c.flags |= h1cWaitNext
	if c.ibuf.isEmpty() {
		c.ibuf.release(c.pool())
	} else {
		c.wakeup() // a pipelined next request is already buffered
	}
	c.armIdleTimeout()
	c.subscribeRead()
}

// onEOS handles read-side eof: an idle keep-alive slot just closes; anything
// mid-exchange is surfaced to the upper layer and closes when output drains.
func (c *h1Conn) onEOS() {
	if c.flags&h1cWaitNext != 0 && c.ibuf.isEmpty() {
		c.shut()
		return
	}
	c.notifyUpper()
	if c.strm == nil && c.ibuf.isEmpty() {
		c.shut()
		return
	}
	if c.obuf.isEmpty() && (c.strm == nil || c.strm.up == nil) {
		c.shut()
	}
}

// timeouts

func (c *h1Conn) armIdleTimeout() {
	if d := c.stage.config.IdleTimeout.std(); d > 0 {
		c.sched().queueTimer(&c.timer, time.Now().Add(d))
	}
}
func (c *h1Conn) armHTTPTimeout() {
	if d := c.stage.config.HTTPTimeout.std(); d > 0 {
		c.sched().queueTimer(&c.timer, time.Now().Add(d))
	}
}

// onTimeout fires for both the idle and the head-receive deadline. Empty or
// recycled slots are released silently per policy; a half-received request
// gets a best-effort 408.
func (c *h1Conn) onTimeout() {
	if c.flags&h1cReleased != 0 {
		return
	}
	silent := c.ibuf.isEmpty() &&
		(c.stage.config.IgnoreEmpty || c.strm == nil || c.strm.flags&h1sNotFirst != 0)
	if !silent && !c.isBack() {
		c.synthesizeError(StatusRequestTimeout)
	}
	c.markError()
	c.notifyUpper()
	if c.obuf.isEmpty() {
		c.shut()
	}
}

// synthesizeError writes a minimal error response directly into the outbound
// buffer, best-effort: skipped entirely if no buffer can be obtained.
func (c *h1Conn) synthesizeError(status int) {
	if c.flags&(h1cShutAfterWr|h1cReleased) != 0 {
		return // a synthesized response is already on its way out
	}
	if !c.obuf.alloc(c.pool(), 0) {
		return
	}
	var line []byte
	switch status {
	case StatusRequestTimeout:
		line = []byte("HTTP/1.1 408 Request Timeout\r\ncontent-length: 0\r\nconnection: close\r\n\r\n")
	case StatusBadGateway:
		line = []byte("HTTP/1.1 502 Bad Gateway\r\ncontent-length: 0\r\nconnection: close\r\n\r\n")
	default:
		line = []byte("HTTP/1.1 400 Bad Request\r\ncontent-length: 0\r\nconnection: close\r\n\r\n")
	}
	if c.obuf.room() >= len(line) {
		c.obuf.append(line)
	}
	c.flags |= h1cShutAfterWr
	c.send()
}

// upper-layer attach points

func (c *h1Conn) attachUpper() {
	s := c.strm
	if s == nil || s.flags&h1sAttached != 0 {
		return
	}
	s.flags |= h1sAttached
	startExchange(c.stage, s)
}

func (c *h1Conn) notifyUpper() {
	if s := c.strm; s != nil && s.up != nil {
		s.up.notify()
	}
}
func (c *h1Conn) wakeUpper() { c.notifyUpper() }

func (c *h1Conn) detachUpper() {
	if s := c.strm; s != nil && s.up != nil {
		up := s.up
		s.up = nil
		s.flags &^= h1sAttached
		up.onDetach()
	}
}

// shut tears the whole connection down and releases every resource.
func (c *h1Conn) shut() {
	if c.flags&h1cReleased != 0 {
		return
	}
	c.flags |= h1cReleased
	c.stage.logger.Debug("h1 conn close", "conn", c.id, "fd", c.fd)
	c.sched().cancelTimer(&c.timer)
	c.pool().wait.unsubscribe(&c.waiter)
	c.detachUpper()
	if s := c.strm; s != nil {
		putH1Stream(s)
		c.strm = nil
	}
	c.ibuf.release(c.pool())
	c.obuf.release(c.pool())
	c.stage.poller.remove(c.fd)
	unix.Close(c.fd)
	c.stage.forgetConn(c)
	putH1Conn(c)
}

// h1Stream

var poolH1Stream sync.Pool

func getH1Stream(c *h1Conn) *h1Stream {
	var s *h1Stream
	if x := poolH1Stream.Get(); x == nil {
		s = new(h1Stream)
	} else {
		s = x.(*h1Stream)
	}
	s.onUse(c)
	return s
}
func putH1Stream(s *h1Stream) {
	s.onEnd()
	poolH1Stream.Put(s)
}

// h1Stream is one logical request/response exchange on its connection.
type h1Stream struct {
	// Assocs
	conn *h1Conn
	up   *connStream // attached upper layer, nil until request headers complete
	// Stream states (zeros)
	rxbuf     buffer // backing for the rx block store
	rx        htx    // parsed incoming blocks, handed to the upper layer
	req       h1m    // request-direction parse state
	res       h1m    // response-direction parse state
	head      h1Head // scratch head, valid only while parsing
	methodBuf [16]byte
	methodLen int8
	status    int16
	flags     uint32
}

func (s *h1Stream) onUse(c *h1Conn) {
	s.conn = c
	s.req.initRequest()
	s.res.initResponse()
	if c.stage.config.TolerantNames {
		s.req.errPos = -1
		s.res.errPos = -1
	}
	s.head.reset()
}
func (s *h1Stream) onEnd() {
	if s.rxbuf.isBacked() {
		s.rxbuf.release(s.conn.pool())
	}
	s.rx = htx{}
	s.conn = nil
	s.up = nil
	s.methodLen = 0
	s.status = 0
	s.flags = 0
}

// inMsg returns the parse state of the incoming direction: the request on a
// frontend connection, the response on a backend one.
func (s *h1Stream) inMsg() *h1m {
	if s.conn.isBack() {
		return &s.res
	}
	return &s.req
}
func (s *h1Stream) outMsg() *h1m {
	if s.conn.isBack() {
		return &s.req
	}
	return &s.res
}

func (s *h1Stream) method() []byte { return s.methodBuf[:s.methodLen] }

// allocRx makes sure the rx block store has backing memory.
func (s *h1Stream) allocRx() bool {
	if s.rxbuf.isBacked() {
		return true
	}
	if !s.rxbuf.alloc(s.conn.pool(), 0) {
		return false
	}
	s.rx.init(s.rxbuf.area)
	return true
}

// commitHead validates the parsed head, runs the per-header checkers, decides
// the body framing, and emits the head blocks into the rx store. headSize is
// the wire size of the head. Returns false on an rx store stall (the caller
// retries after the upper layer drains); parse errors go through the h1m.
func (s *h1Stream) commitHead(headSize int) bool {
	c := s.conn
	in := s.inMsg()
	if !s.allocRx() {
		c.flags |= h1cRxAlloc
		c.pool().wait.subscribe(&c.waiter)
		return false
	}
	src := c.ibuf.headChunk()
	head := &s.head

	// A rough room check up front keeps the emit loop below all-or-nothing.
	// The store footprint is the head payload plus one descriptor per block,
	// so a head can fit the read limit yet overflow the store.
	if s.rx.freeSpace() < headSize+htxBlkSize*(len(head.headers)+3) {
		if s.rx.isEmpty() {
			// An empty store that cannot fit this head never will; waiting
			// on a drain would only wedge until the head timeout.
			c.inputFailed(s, in)
			return false
		}
		c.flags |= h1cInFull
		c.notifyUpper()
		return false
	}

	if !in.isResponse() {
		s.methodLen = int8(copy(s.methodBuf[:], src[head.s1.from:head.s1.edge]))
		version := src[head.s3.from:head.s3.edge]
		if in.flags&h1fVer09 != 0 {
			version = bytesHTTP10 // synthesized for an HTTP/0.9 request line
		}
		s.rx.addStartLine(htxReqLine, src[head.s1.from:head.s1.edge], src[head.s2.from:head.s2.edge], version)
	} else {
		s.status = head.status
		if s.status == StatusContinue || (s.status > StatusSwitchingProtocols && s.status < 200) {
			s.flags |= h1sIn1xx
		}
		if s.status < 200 || s.status == 204 || s.status == 304 {
			in.flags |= h1fBodyless
		}
		if bytes.Equal(s.method(), bytesHEAD) {
			in.flags |= h1fBodyless
		}
		if s.status >= 200 && s.status < 300 && bytes.Equal(s.method(), bytesCONNECT) {
			in.flags |= h1fBodyless // a successful CONNECT has no body, the tunnel follows
		}
		s.rx.addStartLine(htxResLine, src[head.s1.from:head.s1.edge], src[head.s2.from:head.s2.edge], src[head.s3.from:head.s3.edge])
	}

	for i := range head.headers {
		hdr := &head.headers[i]
		name := src[hdr.name.from:hdr.name.edge]
		value := src[hdr.value.from:hdr.value.edge]
		switch {
		case asciiEqualFold(name, bytesContentLength):
			index, ok := h1ParseContentLength(in, value)
			if !ok {
				in.setError(hdr.value.from)
				c.inputFailed(s, in)
				return false
			}
			if !index {
				continue // duplicate occurrence, already indexed
			}
		case asciiEqualFold(name, bytesTransferEncoding):
			h1ParseTransferEncoding(in, value)
		case asciiEqualFold(name, bytesConnection):
			h1ParseConnectionHeader(in, value)
		}
		s.rx.addHeader(htxHeader, name, value)
	}
	s.rx.addMarker(htxEOH)

	// A message with both Content-Length and Transfer-Encoding is a smuggling
	// vector: the transfer-coding wins and the length is dropped.
	if in.flags&h1fHasTEnc != 0 && in.flags&h1fHasCLen != 0 {
		in.flags &^= h1fHasCLen
		in.bodyLen = 0
	}

	h1DetermineBody(in)
	if in.state == h1msgDone {
		s.rx.addMarker(htxEOM)
	}
	if s.flags&h1sIn1xx != 0 {
		// An interim response; it does not drive the connection mode, and the
		// final response head is still to come on this same message.
		s.flags &^= h1sIn1xx
		in.initResponse()
		if c.stage.config.TolerantNames {
			in.errPos = -1
		}
	} else {
		s.updateModeFromInput(in)
	}
	s.head.reset()
	return true
}

// moveData moves up to max bytes from b into the rx store as DATA blocks,
// honoring the store's free room. Returns bytes moved.
func (s *h1Stream) moveData(b *buffer, max int) int {
	moved := 0
	for moved < max {
		chunk := b.headChunk()
		if len(chunk) > max-moved {
			chunk = chunk[:max-moved]
		}
		if room := s.rx.freeSpace() - htxBlkSize; room < len(chunk) {
			if room <= 0 {
				break
			}
			chunk = chunk[:room]
		}
		pos := s.rx.appendValue(htxData, chunk)
		if pos < 0 {
			break
		}
		b.advance(len(chunk))
		moved += len(chunk)
	}
	return moved
}

// connection-mode decisions, with strict precedence close > tunnel > keep-alive

func (s *h1Stream) upgradeMode(mode uint32) {
	if s.flags&h1sWantCLO != 0 {
		return // close is final
	}
	if mode == h1sWantCLO {
		s.flags = s.flags&^(h1sWantKAL|h1sWantTUN) | h1sWantCLO
		return
	}
	if mode == h1sWantTUN {
		s.flags = s.flags&^h1sWantKAL | h1sWantTUN
		return
	}
	if s.flags&(h1sWantTUN|h1sWantCLO) == 0 {
		s.flags |= h1sWantKAL
	}
}

// updateModeFromInput records the mode the incoming head asks for.
func (s *h1Stream) updateModeFromInput(in *h1m) {
	switch {
	case in.flags&h1fConnCLO != 0:
		s.upgradeMode(h1sWantCLO)
	case in.isResponse() && s.status == StatusSwitchingProtocols,
		in.isResponse() && s.status >= 200 && s.status < 300 && bytes.Equal(s.method(), bytesCONNECT):
		s.upgradeMode(h1sWantTUN)
	case in.flags&h1fVer11 == 0 && in.flags&h1fConnKAL == 0:
		s.upgradeMode(h1sWantCLO) // no implicit keep-alive before 1.1
	case in.isResponse() && in.flags&h1fXferLen == 0 && in.flags&h1fBodyless == 0:
		s.upgradeMode(h1sWantCLO) // close-delimited body
	default:
		s.upgradeMode(h1sWantKAL)
	}
	if s.conn.stage.IsShutting() && s.flags&h1sWantKAL != 0 {
		s.upgradeMode(h1sWantCLO)
	}
}

// updateModeFromOutput re-evaluates the mode while serializing the outgoing
// head (the second computation of the exchange).
func (s *h1Stream) updateModeFromOutput(out *h1m) {
	switch {
	case out.flags&h1fConnCLO != 0:
		s.upgradeMode(h1sWantCLO)
	case out.isResponse() && s.status == StatusSwitchingProtocols,
		out.isResponse() && s.status >= 200 && s.status < 300 && bytes.Equal(s.method(), bytesCONNECT):
		s.upgradeMode(h1sWantTUN)
	case out.isResponse() && out.flags&(h1fHasCLen|h1fChunked) == 0 && s.statusHasBody():
		s.upgradeMode(h1sWantCLO) // no determinable length: must close to delimit
	}
	if s.conn.stage.IsShutting() && s.flags&h1sWantKAL != 0 {
		s.upgradeMode(h1sWantCLO)
	}
	if s.flags&(h1sWantCLO|h1sWantTUN|h1sWantKAL) == 0 {
		s.upgradeMode(h1sWantKAL)
	}
}

func (s *h1Stream) statusHasBody() bool {
	return !(s.status < 200 || s.status == 204 || s.status == 304 ||
		bytes.Equal(s.method(), bytesHEAD))
}

func (m *h1m) isResponse() bool { return m.flags&h1fResponse != 0 }

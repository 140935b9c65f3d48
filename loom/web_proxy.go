// Copyright (c) 2021-2026 The Syntra Authors.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// The forwarding layer. An exchange sits above a frontend stream and a
// backend stream and shuttles blocks between their stores: request blocks
// flow frontend rx -> backend tx, response blocks flow backend rx ->
// frontend tx. The exchange never touches wire bytes; all parsing and
// serialization stays in the mux below.

package loom

import "sync"

const ( // exchange flags
	exDialed   = 1 << iota // backend connect started
	exRespSeen             // at least one response block reached the frontend
	exDone
)

var poolExchange sync.Pool

func getExchange(stage *Stage) *exchange {
	var ex *exchange
	if x := poolExchange.Get(); x == nil {
		ex = new(exchange)
	} else {
		ex = x.(*exchange)
	}
	ex.onUse(stage)
	return ex
}
func putExchange(ex *exchange) {
	ex.onEnd()
	poolExchange.Put(ex)
}

// connStream is the attach point between one mux stream and its exchange.
// tx holds the blocks the mux below still has to serialize.
type connStream struct {
	ex    *exchange
	strm  *h1Stream
	tx    htx
	txbuf buffer
}

// notify is called by the mux when new rx blocks are available, rx room was
// freed, or the connection state changed.
func (cs *connStream) notify() { cs.ex.wake() }

// onDetach is called by the mux when its side of the exchange goes away,
// either on clean completion or on a broken connection.
func (cs *connStream) onDetach() {
	cs.strm = nil
	cs.ex.wake()
}

// allocTx makes sure the tx store has backing memory. On exhaustion the
// exchange parks on the pool's wait queue.
func (cs *connStream) allocTx() bool {
	if cs.txbuf.isBacked() {
		return true
	}
	ex := cs.ex
	if !cs.txbuf.alloc(ex.stage.pool, 0) {
		ex.stage.pool.wait.subscribe(&ex.waiter)
		return false
	}
	cs.tx.init(cs.txbuf.area)
	return true
}

func (cs *connStream) releaseTx(pool *bufferPool) {
	if cs.txbuf.isBacked() {
		cs.tx = htx{}
		cs.txbuf.release(pool)
	}
}

// exchange is one request/response forwarding unit.
type exchange struct {
	// Assocs
	stage *Stage
	// Exchange states (zeros)
	front  connStream
	back   connStream
	task   tasklet
	waiter bufferWaiter
	flags  uint32
}

func (ex *exchange) onUse(stage *Stage) {
	ex.stage = stage
	ex.front.ex = ex
	ex.back.ex = ex
	ex.task.run = ex.run
	ex.waiter.target = ex
	ex.waiter.retry = ex.onBufferAvail
	ex.flags = 0
}
func (ex *exchange) onEnd() {
	ex.stage = nil
	ex.front = connStream{}
	ex.back = connStream{}
	ex.flags = exDone // a stale queued tasklet must still see the tombstone
}

// startExchange attaches a new exchange to a frontend stream whose request
// headers just completed.
func startExchange(stage *Stage, s *h1Stream) {
	ex := getExchange(stage)
	ex.front.strm = s
	s.up = &ex.front
	ex.wake()
}

func (ex *exchange) wake() {
	if ex.flags&exDone == 0 {
		ex.stage.sched.wakeup(&ex.task)
	}
}

func (ex *exchange) onBufferAvail() bool {
	ex.wake()
	return true // the run pass re-parks if it is still starved
}

// run is the exchange tasklet: dial the backend if needed, then move blocks
// in both directions and wake whichever mux got new work.
func (ex *exchange) run() {
	if ex.flags&exDone != 0 {
		return
	}
	if ex.front.strm == nil && ex.back.strm == nil {
		ex.finish()
		return
	}
	if ex.front.strm == nil {
		// Client went away mid-exchange; the backend work is moot.
		ex.dropBack()
		ex.finish()
		return
	}
	if ex.flags&exDialed == 0 {
		if !ex.dialBack() {
			return // failed hard (reported) or nothing to do yet
		}
	}
	ex.forward(&ex.front, &ex.back) // request direction
	if ex.forward(&ex.back, &ex.front) > 0 {
		ex.flags |= exRespSeen
	}
	ex.checkBackFailure()
}

// dialBack starts the backend connection and binds its stream to this
// exchange. Returns false when the exchange cannot proceed.
func (ex *exchange) dialBack() bool {
	ex.flags |= exDialed
	bc, err := ex.stage.dialBackend()
	if err != nil {
		ex.stage.logger.Warn("backend dial failed", "err", err)
		ex.failFront()
		return false
	}
	bc.newStream()
	bs := bc.strm
	bs.methodLen = int8(copy(bs.methodBuf[:], ex.front.strm.method()))
	bs.flags |= h1sAttached
	bs.up = &ex.back
	ex.back.strm = bs
	return true
}

// forward moves blocks from src's rx store into dst's tx store and pokes the
// muxes on both ends. Returns payload bytes moved.
func (ex *exchange) forward(src *connStream, dst *connStream) int {
	ss, ds := src.strm, dst.strm
	if ss == nil || ds == nil || !ss.rxbuf.isBacked() || ss.rx.isEmpty() {
		return 0
	}
	if !dst.allocTx() {
		return 0
	}
	moved, _ := htxTransferBlocks(&dst.tx, &ss.rx, 1<<30, htxEOM)
	if moved > 0 || !dst.tx.isEmpty() {
		ds.conn.wakeup() // serialize the new blocks
	}
	if moved > 0 {
		ss.conn.wakeup() // rx room freed; the parser may resume
	}
	if ss.rx.isEmpty() && ss.inMsg().isDone() && ss.rxbuf.isBacked() {
		ss.rx = htx{}
		ss.rxbuf.release(ex.stage.pool)
	}
	return moved
}

// checkBackFailure surfaces a dead backend to the client: a best-effort 502
// if no response bytes went out yet, otherwise a plain close so the client
// sees the truncation.
func (ex *exchange) checkBackFailure() {
	bs := ex.back.strm
	if bs == nil {
		if ex.flags&exDialed != 0 && ex.flags&exRespSeen == 0 && ex.front.strm != nil {
			ex.failFront()
		}
		return
	}
	bc := bs.conn
	if !bc.isBroken() {
		return
	}
	in := bs.inMsg()
	if in.isDone() || in.state == h1msgTunnel {
		return // response complete (or opaque); eof is expected
	}
	if in.flags&h1fXferLen == 0 && in.state == h1msgData {
		return // close-delimited body; the mux turns eof into EOM
	}
	ex.stage.logger.Debug("backend broken mid-response")
	ex.dropBack()
	if ex.flags&exRespSeen == 0 {
		ex.failFront()
	} else if fs := ex.front.strm; fs != nil {
		fs.conn.markError()
		fs.conn.shut()
	}
}

// failFront answers the client with a 502 and ends the exchange's frontend
// side.
func (ex *exchange) failFront() {
	if fs := ex.front.strm; fs != nil {
		fs.conn.synthesizeError(StatusBadGateway)
	}
	ex.dropBack()
}

func (ex *exchange) dropBack() {
	if bs := ex.back.strm; bs != nil {
		bs.conn.shut() // detaches us via onDetach
	}
}

func (ex *exchange) finish() {
	ex.flags |= exDone
	ex.stage.pool.wait.unsubscribe(&ex.waiter)
	ex.front.releaseTx(ex.stage.pool)
	ex.back.releaseTx(ex.stage.pool)
	putExchange(ex)
}

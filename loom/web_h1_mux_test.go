// Copyright (c) 2021-2026 The Syntra Authors.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

package loom

import (
	"bytes"
	"io"
	"log/slog"
	"testing"

	"golang.org/x/sys/unix"
)

func newTestStage(bufSize int) *Stage {
	return &Stage{
		config: &Config{BufSize: bufSize, RecvHeadroom: bufSize / 4},
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		pool:   newBufferPool(bufSize, 8, 0),
		sched:  newScheduler(),
	}
}

func newTestStream(stage *Stage, back bool) *h1Stream {
	c := &h1Conn{stage: stage, fd: -1}
	if back {
		c.flags = h1cIsBack
	}
	s := &h1Stream{conn: c}
	c.strm = s
	s.req.initRequest()
	s.res.initResponse()
	return s
}

func TestConnectionModePrecedence(t *testing.T) {
	stage := newTestStage(_1K)

	mode := func(s *h1Stream) string {
		switch {
		case s.flags&h1sWantCLO != 0:
			return "close"
		case s.flags&h1sWantTUN != 0:
			return "tunnel"
		case s.flags&h1sWantKAL != 0:
			return "keep-alive"
		}
		return "none"
	}

	// Frontend request signals.
	s := newTestStream(stage, false)
	s.req.flags |= h1fVer11
	s.updateModeFromInput(&s.req)
	if got := mode(s); got != "keep-alive" {
		t.Errorf("1.1 plain = %s", got)
	}

	s = newTestStream(stage, false)
	s.req.flags |= h1fVer11 | h1fConnCLO
	s.updateModeFromInput(&s.req)
	if got := mode(s); got != "close" {
		t.Errorf("1.1 connection close = %s", got)
	}

	s = newTestStream(stage, false)
	s.updateModeFromInput(&s.req) // HTTP/1.0, no connection header
	if got := mode(s); got != "close" {
		t.Errorf("1.0 plain = %s", got)
	}

	s = newTestStream(stage, false)
	s.req.flags |= h1fConnKAL
	s.updateModeFromInput(&s.req)
	if got := mode(s); got != "keep-alive" {
		t.Errorf("1.0 keep-alive = %s", got)
	}

	// Backend response signals.
	s = newTestStream(stage, true)
	s.status = StatusSwitchingProtocols
	s.res.flags |= h1fVer11
	s.updateModeFromInput(&s.res)
	if got := mode(s); got != "tunnel" {
		t.Errorf("101 = %s", got)
	}

	s = newTestStream(stage, true)
	s.methodLen = int8(copy(s.methodBuf[:], "CONNECT"))
	s.status = StatusOK
	s.res.flags |= h1fVer11
	s.updateModeFromInput(&s.res)
	if got := mode(s); got != "tunnel" {
		t.Errorf("CONNECT 200 = %s", got)
	}

	s = newTestStream(stage, true)
	s.status = StatusOK
	s.res.flags |= h1fVer11 // no transfer length: close-delimited body
	s.updateModeFromInput(&s.res)
	if got := mode(s); got != "close" {
		t.Errorf("close-delimited response = %s", got)
	}

	// Precedence: close beats tunnel beats keep-alive, and close is final.
	s = newTestStream(stage, false)
	s.upgradeMode(h1sWantKAL)
	s.upgradeMode(h1sWantTUN)
	if got := mode(s); got != "tunnel" {
		t.Errorf("tunnel over keep-alive = %s", got)
	}
	s.upgradeMode(h1sWantCLO)
	if got := mode(s); got != "close" {
		t.Errorf("close over tunnel = %s", got)
	}
	s.upgradeMode(h1sWantTUN)
	s.upgradeMode(h1sWantKAL)
	if got := mode(s); got != "close" {
		t.Errorf("close must be final, got %s", got)
	}

	// A graceful shutdown downgrades keep-alive to close.
	drain := newTestStage(_1K)
	drain.shutting.Store(true)
	s = newTestStream(drain, false)
	s.req.flags |= h1fVer11
	s.updateModeFromInput(&s.req)
	if got := mode(s); got != "close" {
		t.Errorf("shutdown downgrade = %s", got)
	}
}

func TestConnectionHeaderRepair(t *testing.T) {
	stage := newTestStage(_1K)
	cases := []struct {
		name   string
		back   bool
		mode   uint32
		ver11  bool
		status int16
		want   string
	}{
		{"close to 1.1 client", false, h1sWantCLO, true, 200, "connection: close\r\n"},
		{"close to 1.0 client", false, h1sWantCLO, false, 200, ""},
		{"keep-alive to 1.1 client", false, h1sWantKAL, true, 200, ""},
		{"keep-alive to 1.0 client", false, h1sWantKAL, false, 200, "connection: keep-alive\r\n"},
		{"upgrade tunnel", false, h1sWantTUN, true, 101, "connection: upgrade\r\n"},
		{"connect tunnel", false, h1sWantTUN, true, 200, ""},
		{"close to backend", true, h1sWantCLO, false, 0, "connection: close\r\n"},
	}
	for _, tc := range cases {
		s := newTestStream(stage, tc.back)
		s.flags |= tc.mode
		s.status = tc.status
		if tc.ver11 {
			s.inMsg().flags |= h1fVer11
		}
		if got := string(s.conn.connectionHeaderFor(s)); got != tc.want {
			t.Errorf("%s: %q, want %q", tc.name, got, tc.want)
		}
	}
}

// driveSerialize runs the serializer over tx, draining the outbound buffer
// whenever it fills, and returns the concatenated wire bytes.
func driveSerialize(t *testing.T, c *h1Conn, s *h1Stream, tx *htx) []byte {
	t.Helper()
	if !c.obuf.alloc(c.pool(), 0) {
		t.Fatal("obuf alloc failed")
	}
	out := s.outMsg()
	var wire []byte
	drain := func() {
		for !c.obuf.isEmpty() {
			chunk := c.obuf.headChunk()
			wire = append(wire, chunk...)
			c.obuf.advance(len(chunk))
		}
	}
	for i := 0; i < 10000; i++ {
		pos := tx.firstPos()
		if pos < 0 {
			break
		}
		if c.serializeBlock(s, out, tx, pos) {
			continue
		}
		if c.flags&h1cOutFull != 0 {
			c.flags &^= h1cOutFull
			drain()
			continue
		}
		if out.isDone() {
			break
		}
		// Message boundary: an interim response finished, the final one follows.
	}
	drain()
	return wire
}

func TestSerializeChunkedResponse(t *testing.T) {
	stage := newTestStage(_1K)
	s := newTestStream(stage, false)
	s.req.flags |= h1fVer11 // the client speaks 1.1

	var tx htx
	tx.init(make([]byte, 512))
	tx.addStartLine(htxResLine, []byte("HTTP/1.1"), []byte("200"), []byte("OK"))
	tx.addHeader(htxHeader, []byte("transfer-encoding"), []byte("chunked"))
	tx.addMarker(htxEOH)
	tx.appendValue(htxData, []byte("hello"))
	tx.addMarker(htxEOD)
	tx.addMarker(htxEOM)

	wire := driveSerialize(t, s.conn, s, &tx)
	want := "HTTP/1.1 200 OK\r\ntransfer-encoding: chunked\r\n\r\n5\r\nhello\r\n0\r\n\r\n"
	if string(wire) != want {
		t.Errorf("wire:\n got %q\nwant %q", wire, want)
	}
	if !s.outMsg().isDone() {
		t.Error("response not marked done")
	}
	if s.flags&h1sWantKAL == 0 {
		t.Error("chunked 1.1 response should keep the connection alive")
	}
}

func TestSerializeResumesAfterFullOutput(t *testing.T) {
	stage := newTestStage(32) // output buffer far smaller than the message
	s := newTestStream(stage, false)
	s.req.flags |= h1fVer11

	body := "abcdefghijklmnopqrstuvwxyz0123456789"
	var tx htx
	tx.init(make([]byte, 512))
	tx.addStartLine(htxResLine, []byte("HTTP/1.1"), []byte("200"), []byte("OK"))
	tx.addHeader(htxHeader, []byte("content-length"), []byte("36"))
	tx.addMarker(htxEOH)
	tx.appendValue(htxData, []byte(body))
	tx.addMarker(htxEOM)

	wire := driveSerialize(t, s.conn, s, &tx)
	want := "HTTP/1.1 200 OK\r\ncontent-length: 36\r\n\r\n" + body
	if string(wire) != want {
		t.Errorf("wire:\n got %q\nwant %q", wire, want)
	}
	if !s.outMsg().isDone() {
		t.Error("response not marked done")
	}
}

func TestSerializeRepairsConnectionHeaders(t *testing.T) {
	stage := newTestStage(_1K)
	s := newTestStream(stage, false)
	s.req.flags |= h1fVer11

	// The upstream said keep-alive but provided no transfer length, so the
	// close-delimited body forces a repaired "connection: close".
	var tx htx
	tx.init(make([]byte, 512))
	tx.addStartLine(htxResLine, []byte("HTTP/1.1"), []byte("200"), []byte("OK"))
	tx.addHeader(htxHeader, []byte("connection"), []byte("keep-alive"))
	tx.addHeader(htxHeader, []byte("foo"), []byte("bar"))
	tx.addMarker(htxEOH)
	tx.appendValue(htxData, []byte("tail"))
	tx.addMarker(htxEOM)

	wire := driveSerialize(t, s.conn, s, &tx)
	want := "HTTP/1.1 200 OK\r\nfoo: bar\r\nconnection: close\r\n\r\ntail"
	if string(wire) != want {
		t.Errorf("wire:\n got %q\nwant %q", wire, want)
	}
	if s.flags&h1sWantCLO == 0 {
		t.Error("mode must be close for a close-delimited body")
	}
}

func TestSerializeInterimResponse(t *testing.T) {
	stage := newTestStage(_1K)
	s := newTestStream(stage, false)
	s.req.flags |= h1fVer11

	var tx htx
	tx.init(make([]byte, 512))
	tx.addStartLine(htxResLine, []byte("HTTP/1.1"), []byte("100"), []byte("Continue"))
	tx.addMarker(htxEOH)
	tx.addMarker(htxEOM)
	tx.addStartLine(htxResLine, []byte("HTTP/1.1"), []byte("200"), []byte("OK"))
	tx.addHeader(htxHeader, []byte("content-length"), []byte("2"))
	tx.addMarker(htxEOH)
	tx.appendValue(htxData, []byte("ok"))
	tx.addMarker(htxEOM)

	wire := driveSerialize(t, s.conn, s, &tx)
	want := "HTTP/1.1 100 Continue\r\n\r\nHTTP/1.1 200 OK\r\ncontent-length: 2\r\n\r\nok"
	if string(wire) != want {
		t.Errorf("wire:\n got %q\nwant %q", wire, want)
	}
	if !s.outMsg().isDone() {
		t.Error("final response not marked done")
	}
}

func TestCommitHeadBuildsBlocks(t *testing.T) {
	stage := newTestStage(_1K)
	s := newTestStream(stage, false)
	c := s.conn
	if !c.ibuf.alloc(stage.pool, 0) {
		t.Fatal("ibuf alloc failed")
	}
	msg := "POST /up HTTP/1.1\r\nHost: h\r\nContent-Length: 4\r\n\r\nbody"
	c.ibuf.append([]byte(msg))

	in := s.inMsg()
	ret := h1ParseHeaders(in, c.ibuf.headChunk(), &s.head)
	if ret <= 0 {
		t.Fatalf("parse = %d", ret)
	}
	if !s.commitHead(ret) {
		t.Fatal("commitHead failed")
	}
	if in.state != h1msgData || in.currLen != 4 {
		t.Errorf("state = %d currLen = %d", in.state, in.currLen)
	}
	kinds := htxKinds(&s.rx)
	want := []int{htxReqLine, htxHeader, htxHeader, htxEOH}
	if len(kinds) != len(want) {
		t.Fatalf("kinds = %v, want %v", kinds, want)
	}
	pos := s.rx.firstPos()
	if s1, _, s3 := s.rx.startLine(pos); string(s1) != "POST" || string(s3) != "HTTP/1.1" {
		t.Errorf("start line = %q %q", s1, s3)
	}
	if got := s.method(); !bytes.Equal(got, []byte("POST")) {
		t.Errorf("method = %q", got)
	}
	if s.flags&h1sWantKAL == 0 {
		t.Error("plain 1.1 request should want keep-alive")
	}
}

func TestCommitHeadSmugglingDefense(t *testing.T) {
	stage := newTestStage(_1K)
	s := newTestStream(stage, false)
	c := s.conn
	c.ibuf.alloc(stage.pool, 0)
	msg := "POST / HTTP/1.1\r\nContent-Length: 4\r\nTransfer-Encoding: chunked\r\n\r\n"
	c.ibuf.append([]byte(msg))

	in := s.inMsg()
	ret := h1ParseHeaders(in, c.ibuf.headChunk(), &s.head)
	if ret != len(msg) {
		t.Fatalf("parse = %d", ret)
	}
	if !s.commitHead(ret) {
		t.Fatal("commitHead failed")
	}
	if in.flags&h1fHasCLen != 0 {
		t.Error("content-length must be dropped when transfer-encoding is present")
	}
	if in.state != h1msgChunkSize {
		t.Errorf("state = %d, want chunked body", in.state)
	}
}

func TestCommitHeadSynthesizes09Version(t *testing.T) {
	stage := newTestStage(_1K)
	s := newTestStream(stage, false)
	c := s.conn
	c.ibuf.alloc(stage.pool, 0)
	c.ibuf.append([]byte("GET /legacy\r\n"))

	in := s.inMsg()
	ret := h1ParseHeaders(in, c.ibuf.headChunk(), &s.head)
	if ret != 13 {
		t.Fatalf("parse = %d", ret)
	}
	if !s.commitHead(ret) {
		t.Fatal("commitHead failed")
	}
	_, _, s3 := s.rx.startLine(s.rx.firstPos())
	if string(s3) != "HTTP/1.0" {
		t.Errorf("synthesized version = %q", s3)
	}
	if !in.isDone() {
		t.Error("a 0.9 request has no body")
	}
	if s.flags&h1sWantCLO == 0 {
		t.Error("a 0.9 request cannot keep the connection alive")
	}
}

// newLoopStage builds a stage with a live poller and conn table, enough for
// driving a conn's receive cycle directly over a socketpair.
func newLoopStage(t *testing.T) *Stage {
	t.Helper()
	p, err := newPoller()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(p.close)
	stage := newTestStage(_16K)
	stage.poller = p
	stage.conns = make(map[int]*h1Conn)
	return stage
}

func socketPair(t *testing.T) (int, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		t.Fatal(err)
	}
	return fds[0], fds[1]
}

func TestConnRecycleClearsTombstone(t *testing.T) {
	stage := newTestStage(_1K)
	c := new(h1Conn)
	c.onGet(stage, 3, false)
	c.onPut()
	if c.flags&h1cReleased == 0 {
		t.Fatal("put conn must carry the release tombstone")
	}
	c.onGet(stage, 4, false)
	if c.flags != 0 {
		t.Errorf("recycled frontend conn flags = %#x, want 0", c.flags)
	}
	c.onPut()
	c.onGet(stage, 5, true)
	if c.flags != h1cIsBack {
		t.Errorf("recycled backend conn flags = %#x, want only the back mark", c.flags)
	}
}

func TestIOCycleSurvivesMidCycleRelease(t *testing.T) {
	stage := newLoopStage(t)
	fd, peer := socketPair(t)
	defer unix.Close(peer)

	c := getH1Conn(stage, fd, false)
	stage.trackConn(c)
	c.newStream()
	if !c.ibuf.alloc(stage.pool, 0) {
		t.Fatal("ibuf alloc failed")
	}
	c.ibuf.append([]byte("GET / HTTP/1.1\r\nb@d: x\r\n\r\n"))

	// The tasklet path: processInput answers 400 and releases the conn, and
	// the cycle then falls through to recv on the released object.
	c.ioCycle()

	if c.flags&h1cReleased == 0 {
		t.Fatal("conn should have released itself on the parse error")
	}
	resp := make([]byte, 256)
	n, err := unix.Read(peer, resp)
	if err != nil || !bytes.HasPrefix(resp[:n], []byte("HTTP/1.1 400 ")) {
		t.Fatalf("peer read = %q, %v", resp[:n], err)
	}

	// Wakeups queued before the release must be inert afterwards.
	c.ioCycle()
	c.recv()
	c.send()
}

func TestPooledConnServesNextConnection(t *testing.T) {
	stage := newLoopStage(t)

	fd1, peer1 := socketPair(t)
	defer unix.Close(peer1)
	unix.Write(peer1, []byte("GET / HTTP/1.1\r\nb@d: x\r\n\r\n"))
	c := new(h1Conn)
	c.onGet(stage, fd1, false)
	stage.trackConn(c)
	c.init() // parses, answers 400, shuts itself down
	if c.flags&h1cReleased == 0 {
		t.Fatal("first connection should have closed")
	}

	// The pool hands the same object to the next accepted connection.
	fd2, peer2 := socketPair(t)
	defer unix.Close(peer2)
	unix.Write(peer2, []byte("GET /next HTTP/1.1\r\nhost: h\r\n\r\n"))
	c.onGet(stage, fd2, false)
	stage.trackConn(c)
	c.init()

	if c.flags&h1cReleased != 0 {
		t.Fatal("recycled conn refused the new connection")
	}
	s := c.strm
	if s == nil || s.rx.isEmpty() {
		t.Fatal("request head not parsed on the recycled conn")
	}
	_, uri, _ := s.rx.startLine(s.rx.firstPos())
	if string(uri) != "/next" {
		t.Errorf("uri = %q, want /next", uri)
	}
	c.shut()
}

func TestOverflowingHeadFailsFast(t *testing.T) {
	stage := newLoopStage(t)
	fd, peer := socketPair(t)
	defer unix.Close(peer)

	// A head that fits the read limit but whose store footprint (payload plus
	// per-block descriptors) overflows an empty rx store can never be
	// committed; it must 400 at once instead of wedging until a timeout.
	var head bytes.Buffer
	head.WriteString("GET / HTTP/1.1\r\n")
	for i := 0; i < 1300; i++ {
		head.WriteString("a: b\r\n")
	}
	head.WriteString("\r\n")
	blob := head.Bytes()
	for len(blob) > 0 {
		n, err := unix.Write(peer, blob)
		if err != nil {
			t.Fatal(err)
		}
		blob = blob[n:]
	}

	c := getH1Conn(stage, fd, false)
	stage.trackConn(c)
	c.init()

	if c.flags&h1cReleased == 0 {
		t.Fatal("conn should have closed after rejecting the head")
	}
	resp := make([]byte, 256)
	n, err := unix.Read(peer, resp)
	if err != nil || !bytes.HasPrefix(resp[:n], []byte("HTTP/1.1 400 ")) {
		t.Fatalf("peer read = %q, %v", resp[:n], err)
	}
}

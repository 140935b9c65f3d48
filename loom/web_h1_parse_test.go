// Copyright (c) 2021-2026 The Syntra Authors.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

package loom

import (
	"bytes"
	"testing"
)

func TestParseRequestHeadIncremental(t *testing.T) {
	msg := []byte("GET /index.html HTTP/1.1\r\nHost: example.com\r\nContent-Length: 5\r\n\r\nhello")
	headLen := len(msg) - 5

	var m h1m
	m.initRequest()
	var head h1Head

	// Feed the head one byte at a time; the parser must suspend with 0 on
	// every prefix and complete exactly once the final CRLF is visible.
	ret := 0
	for i := 0; i <= len(msg); i++ {
		ret = h1ParseHeaders(&m, msg[:i], &head)
		if ret < 0 {
			t.Fatalf("parse error at prefix %d", i)
		}
		if ret > 0 {
			if i < headLen {
				t.Fatalf("head complete at prefix %d, want %d", i, headLen)
			}
			break
		}
	}
	if ret != headLen {
		t.Fatalf("head size = %d, want %d", ret, headLen)
	}
	if m.flags&h1fVer11 == 0 {
		t.Error("version 1.1 flag not set")
	}
	if got := msg[head.s1.from:head.s1.edge]; !bytes.Equal(got, []byte("GET")) {
		t.Errorf("method = %q", got)
	}
	if got := msg[head.s2.from:head.s2.edge]; !bytes.Equal(got, []byte("/index.html")) {
		t.Errorf("uri = %q", got)
	}
	if len(head.headers) != 2 {
		t.Fatalf("headers = %d, want 2", len(head.headers))
	}
	h0 := head.headers[0]
	if got := msg[h0.name.from:h0.name.edge]; !bytes.Equal(got, []byte("host")) {
		t.Errorf("name = %q, want lowercased host", got)
	}
	if got := msg[h0.value.from:h0.value.edge]; !bytes.Equal(got, []byte("example.com")) {
		t.Errorf("value = %q", got)
	}
	h1 := head.headers[1]
	if got := msg[h1.name.from:h1.name.edge]; !bytes.Equal(got, []byte("content-length")) {
		t.Errorf("name = %q", got)
	}
}

func TestParseHeadSplitInvariance(t *testing.T) {
	orig := "POST /submit HTTP/1.1\r\nHost: a.example\r\nTransfer-Encoding: chunked\r\nX-Thing: one two\r\n\r\n"

	extract := func(src []byte, head *h1Head) string {
		var sb bytes.Buffer
		sb.Write(src[head.s1.from:head.s1.edge])
		sb.WriteByte('|')
		sb.Write(src[head.s2.from:head.s2.edge])
		sb.WriteByte('|')
		sb.Write(src[head.s3.from:head.s3.edge])
		for _, h := range head.headers {
			sb.WriteByte('|')
			sb.Write(src[h.name.from:h.name.edge])
			sb.WriteByte('=')
			sb.Write(src[h.value.from:h.value.edge])
		}
		return sb.String()
	}

	whole := []byte(orig)
	var wm h1m
	wm.initRequest()
	var whead h1Head
	if ret := h1ParseHeaders(&wm, whole, &whead); ret != len(orig) {
		t.Fatalf("whole parse = %d", ret)
	}
	want := extract(whole, &whead)

	for split := 1; split < len(orig)-1; split++ {
		src := []byte(orig)
		var m h1m
		m.initRequest()
		var head h1Head
		if ret := h1ParseHeaders(&m, src[:split], &head); ret != 0 {
			t.Fatalf("split %d: first call = %d, want 0", split, ret)
		}
		if ret := h1ParseHeaders(&m, src, &head); ret != len(orig) {
			t.Fatalf("split %d: second call = %d, want %d", split, ret, len(orig))
		}
		if got := extract(src, &head); got != want {
			t.Fatalf("split %d:\n got %q\nwant %q", split, got, want)
		}
	}
}

func TestParseResponseHead(t *testing.T) {
	msg := []byte("HTTP/1.0 204 No Content\r\nServer: x\r\n\r\n")
	var m h1m
	m.initResponse()
	var head h1Head
	if ret := h1ParseHeaders(&m, msg, &head); ret != len(msg) {
		t.Fatalf("parse = %d", ret)
	}
	if head.status != 204 {
		t.Errorf("status = %d", head.status)
	}
	if m.flags&h1fVer11 != 0 {
		t.Error("1.0 response must not set the 1.1 flag")
	}
	if got := msg[head.s3.from:head.s3.edge]; !bytes.Equal(got, []byte("No Content")) {
		t.Errorf("reason = %q", got)
	}
}

func TestParseHTTP09(t *testing.T) {
	msg := []byte("GET /old\r\n")
	var m h1m
	m.initRequest()
	var head h1Head
	if ret := h1ParseHeaders(&m, msg, &head); ret != len(msg) {
		t.Fatalf("parse = %d, want %d", ret, len(msg))
	}
	if m.flags&h1fVer09 == 0 || m.flags&h1fVer11 != 0 {
		t.Errorf("flags = %x", m.flags)
	}
	if got := msg[head.s2.from:head.s2.edge]; !bytes.Equal(got, []byte("/old")) {
		t.Errorf("uri = %q", got)
	}
	if !head.s3.isEmpty() {
		t.Error("version span should be empty, the caller synthesizes HTTP/1.0")
	}

	// Only GET may be versionless.
	var m2 h1m
	m2.initRequest()
	var head2 h1Head
	if ret := h1ParseHeaders(&m2, []byte("POST /old\r\n"), &head2); ret >= 0 {
		t.Errorf("versionless POST accepted, ret = %d", ret)
	}

	// Bare LF works too.
	var m3 h1m
	m3.initRequest()
	var head3 h1Head
	if ret := h1ParseHeaders(&m3, []byte("GET /y\n"), &head3); ret != 7 {
		t.Errorf("bare LF parse = %d, want 7", ret)
	}
}

func TestParseObsFold(t *testing.T) {
	msg := []byte("GET / HTTP/1.1\r\nSubject: first\r\n second\r\nHost: h\r\n\r\n")
	var m h1m
	m.initRequest()
	var head h1Head
	if ret := h1ParseHeaders(&m, msg, &head); ret != len(msg) {
		t.Fatalf("parse = %d", ret)
	}
	if len(head.headers) != 2 {
		t.Fatalf("headers = %d, want 2 (fold must not split the line)", len(head.headers))
	}
	h0 := head.headers[0]
	if got := msg[h0.value.from:h0.value.edge]; !bytes.Equal(got, []byte("first   second")) {
		t.Errorf("folded value = %q", got)
	}
	h1 := head.headers[1]
	if got := msg[h1.name.from:h1.name.edge]; !bytes.Equal(got, []byte("host")) {
		t.Errorf("following header = %q", got)
	}
}

func TestParseHeaderNameTolerance(t *testing.T) {
	raw := "GET / HTTP/1.1\r\nb@d: v\r\n\r\n"

	var strict h1m
	strict.initRequest()
	var shead h1Head
	if ret := h1ParseHeaders(&strict, []byte(raw), &shead); ret >= 0 {
		t.Errorf("strict mode accepted a bad name, ret = %d", ret)
	}

	src := []byte(raw)
	var tolerant h1m
	tolerant.initRequest()
	tolerant.errPos = -1
	var thead h1Head
	if ret := h1ParseHeaders(&tolerant, src, &thead); ret != len(raw) {
		t.Fatalf("tolerant parse = %d", ret)
	}
	if tolerant.errPos < 0 {
		t.Error("tolerated position not recorded")
	}
	if got := src[thead.headers[0].name.from:thead.headers[0].name.edge]; !bytes.Equal(got, []byte("b@d")) {
		t.Errorf("name = %q", got)
	}
}

func TestContentLengthList(t *testing.T) {
	var m h1m
	m.initRequest()

	index, ok := h1ParseContentLength(&m, []byte("5, 5"))
	if !index || !ok || m.bodyLen != 5 {
		t.Fatalf("first occurrence: index=%v ok=%v bodyLen=%d", index, ok, m.bodyLen)
	}
	index, ok = h1ParseContentLength(&m, []byte("5"))
	if index || !ok {
		t.Errorf("duplicate occurrence: index=%v ok=%v", index, ok)
	}
	if _, ok = h1ParseContentLength(&m, []byte("6")); ok {
		t.Error("mismatched duplicate accepted")
	}

	var m2 h1m
	m2.initRequest()
	if _, ok := h1ParseContentLength(&m2, []byte("99999999999999999999")); ok {
		t.Error("overflowing value accepted")
	}
	var m3 h1m
	m3.initRequest()
	if _, ok := h1ParseContentLength(&m3, []byte("12a")); ok {
		t.Error("non-numeric value accepted")
	}
}

func TestTransferEncodingLastTokenWins(t *testing.T) {
	cases := []struct {
		values  []string
		chunked bool
	}{
		{[]string{"chunked"}, true},
		{[]string{"gzip, chunked"}, true},
		{[]string{"gzip, chunked, gzip"}, false},
		{[]string{"chunked"}, true},
		{[]string{"chunked", "gzip"}, false}, // a later occurrence overrides
		{[]string{"gzip", "chunked"}, true},
	}
	for i, tc := range cases {
		var m h1m
		m.initRequest()
		for _, v := range tc.values {
			h1ParseTransferEncoding(&m, []byte(v))
		}
		if got := m.flags&h1fChunked != 0; got != tc.chunked {
			t.Errorf("case %d %v: chunked = %v, want %v", i, tc.values, got, tc.chunked)
		}
		if m.flags&h1fHasTEnc == 0 {
			t.Errorf("case %d: transfer-encoding presence not recorded", i)
		}
	}
}

func TestConnectionTokensSticky(t *testing.T) {
	var m h1m
	m.initRequest()
	h1ParseConnectionHeader(&m, []byte("keep-alive"))
	h1ParseConnectionHeader(&m, []byte("close, upgrade"))
	if m.flags&h1fConnKAL == 0 || m.flags&h1fConnCLO == 0 || m.flags&h1fConnUPG == 0 {
		t.Errorf("flags = %x, tokens must accumulate across occurrences", m.flags)
	}
}

func TestDetermineBody(t *testing.T) {
	var m h1m
	m.initRequest()
	m.flags |= h1fChunked | h1fHasTEnc
	h1DetermineBody(&m)
	if m.state != h1msgChunkSize {
		t.Errorf("chunked state = %d", m.state)
	}

	m.initRequest()
	m.flags |= h1fHasCLen
	m.bodyLen = 5
	h1DetermineBody(&m)
	if m.state != h1msgData || m.currLen != 5 {
		t.Errorf("sized state = %d currLen = %d", m.state, m.currLen)
	}

	m.initRequest()
	h1DetermineBody(&m)
	if m.state != h1msgDone || m.flags&h1fXferLen == 0 {
		t.Error("indicator-less request must have no body")
	}

	m.initResponse()
	h1DetermineBody(&m)
	if m.state != h1msgData || m.flags&h1fXferLen != 0 {
		t.Error("indicator-less response body runs until close")
	}

	m.initResponse()
	m.flags |= h1fBodyless | h1fHasCLen
	m.bodyLen = 10
	h1DetermineBody(&m)
	if m.state != h1msgDone {
		t.Error("bodyless beats content-length")
	}
}

func chunkBuf(s string) *buffer {
	b := &buffer{area: make([]byte, 64), size: 64}
	b.append([]byte(s))
	return b
}

func TestParseChunkSize(t *testing.T) {
	cases := []struct {
		in   string
		ret  int
		size int64
	}{
		{"0\r\n", 3, 0},
		{"1a\r\n", 4, 26},
		{"5;name=value\r\n", 14, 5},
		{"5;x\n", 4, 5}, // lenient bare LF inside the extension
		{"5", 0, 0},
		{"5\r", 0, 0},
		{"zz\r\n", -1, 0},
		{"5\rX", -1, 0},
		{"ffffffffffffffff\r\n", -1, 0}, // overflows int64 accounting
	}
	for _, tc := range cases {
		var m h1m
		m.initRequest()
		ret, size := h1ParseChunkSize(&m, chunkBuf(tc.in), 0)
		if ret != tc.ret || (ret > 0 && size != tc.size) {
			t.Errorf("%q: ret = %d size = %d, want %d %d", tc.in, ret, size, tc.ret, tc.size)
		}
	}

	// A chunk-size line that wraps the physical buffer boundary.
	b := &buffer{area: make([]byte, 8), size: 8, head: 6}
	b.area[6], b.area[7] = '1', 'f'
	b.area[0], b.area[1] = '\r', '\n'
	b.data = 4
	var m h1m
	m.initRequest()
	if ret, size := h1ParseChunkSize(&m, b, 0); ret != 4 || size != 31 {
		t.Errorf("wrapped: ret = %d size = %d", ret, size)
	}
}

func TestSkipChunkCRLF(t *testing.T) {
	cases := []struct {
		in  string
		ret int
	}{
		{"\r\n", 2},
		{"\n", 1},
		{"\r", 0},
		{"", 0},
		{"x", -1},
		{"\rx", -1},
	}
	for _, tc := range cases {
		var m h1m
		m.initRequest()
		if ret := h1SkipChunkCRLF(&m, chunkBuf(tc.in), 0); ret != tc.ret {
			t.Errorf("%q: ret = %d, want %d", tc.in, ret, tc.ret)
		}
	}
}

func TestMeasureTrailers(t *testing.T) {
	cases := []struct {
		in  string
		ret int
	}{
		{"\r\n", 2},
		{"a: b\r\n\r\n", 8},
		{"a: b\nx: y\n\n", 11},
		{"a: b\r\n", 0},
		{"", 0},
		{" cont\r\n\r\n", -1}, // continuation lines are rejected
	}
	for _, tc := range cases {
		if ret := h1MeasureTrailers([]byte(tc.in), 0); ret != tc.ret {
			t.Errorf("%q: ret = %d, want %d", tc.in, ret, tc.ret)
		}
	}
}

func TestCheckVersion(t *testing.T) {
	if v, ok := h1CheckVersion([]byte("HTTP/1.1")); !ok || v != Version1_1 {
		t.Errorf("HTTP/1.1 = %d %v", v, ok)
	}
	if v, ok := h1CheckVersion([]byte("HTTP/1.0")); !ok || v != Version1_0 {
		t.Errorf("HTTP/1.0 = %d %v", v, ok)
	}
	for _, bad := range []string{"HTTP/1", "http/1.1", "HTTP/1.x", "HTTP/11", "SPDY/1.1"} {
		if _, ok := h1CheckVersion([]byte(bad)); ok {
			t.Errorf("%q accepted", bad)
		}
	}
}

// Copyright (c) 2021-2026 The Syntra Authors.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// The HTTP/1 incremental parser. See RFC 7230 and RFC 9112.
//
// Parsing is a resumable state machine: every function here may be called
// again from the exact logical offset it stopped at, after more bytes have
// arrived, without losing committed state. The only suspension reason is
// "insufficient bytes available", signaled by a 0 return; errors are negative
// with the position and sub-state captured in the h1m.

package loom

import (
	"bytes"
	"math"
)

const ( // h1m states
	h1msgReqBefore = iota // before request line, leading CRLFs are stripped
	h1msgMethod           // inside method token
	h1msgMethodSP         // spaces between method and uri
	h1msgURI              // inside uri
	h1msgURISP            // spaces between uri and version
	h1msgVersion          // inside version token
	h1msgReqLineEnd       // LF closing the request line

	h1msgResBefore     // before status line
	h1msgResVersion    // inside version token
	h1msgResVersionSP  // spaces between version and status code
	h1msgResCode       // inside status code
	h1msgResCodeSP     // spaces between status code and reason
	h1msgResReason     // inside reason phrase
	h1msgResLineEnd    // LF closing the status line

	h1msgHdrFirst // first byte of a header line
	h1msgHdrName  // inside field-name
	h1msgHdrL1SP  // OWS before field-value
	h1msgHdrL1LF  // LF of a line whose value has not begun
	h1msgHdrL1LWS // possible obs-fold before any value byte
	h1msgHdrVal   // inside field-value
	h1msgHdrL2LF  // LF terminating a value line
	h1msgHdrL2LWS // possible obs-fold continuing a value
	h1msgLastLF   // LF closing the header section

	h1msgChunkSize // chunk-size line
	h1msgData      // sized content or chunk payload
	h1msgChunkCRLF // CRLF between chunks
	h1msgTrailers  // trailer section
	h1msgDone      // message complete
	h1msgTunnel    // opaque forwarding, no more parsing
	h1msgError     // absorbing error state
)

const ( // h1m flags
	h1fResponse  = 1 << iota // parsing a response, not a request
	h1fVer11                 // message version is >= 1.1
	h1fVer09                 // request had no version token, HTTP/1.0 synthesized
	h1fHasCLen               // a content-length header was seen
	h1fHasTEnc               // a transfer-encoding header was seen
	h1fChunked               // framing is chunked ("chunked" was the last effective token)
	h1fConnKAL               // connection: keep-alive seen (sticky)
	h1fConnCLO               // connection: close seen (sticky)
	h1fConnUPG               // connection: upgrade seen (sticky)
	h1fBodyless              // body known absent (HEAD response, 1xx/204/304, ...)
	h1fNoPseudo              // do not emit pseudo-header blocks
	h1fXferLen               // transfer length is determinable
	h1fStrict09              // reject HTTP/0.9 requests instead of converting them
)

// h1m is the parse state of one logical HTTP/1 message direction. It persists
// across "not enough data yet" calls and is reset when the connection is
// recycled for the next message.
type h1m struct {
	state    int8   // h1msgXXX
	errState int8   // sub-state at the time of a parse error
	flags    uint32 // h1fXXX
	next     int32  // parse offset relative to the message head
	errPos   int32  // -2 strict mode, -1 tolerant mode, >= 0 first tolerated/fatal error offset
	currLen  int64  // remaining bytes of current chunk or sized content
	bodyLen  int64  // declared/accumulated body length
}

func (m *h1m) initRequest() {
	*m = h1m{state: h1msgReqBefore, errPos: -2}
}
func (m *h1m) initResponse() {
	*m = h1m{state: h1msgResBefore, flags: h1fResponse, errPos: -2}
}

func (m *h1m) inBody() bool {
	return m.state == h1msgData || m.state == h1msgChunkSize || m.state == h1msgChunkCRLF || m.state == h1msgTrailers
}
func (m *h1m) isDone() bool { return m.state == h1msgDone }

func (m *h1m) setError(at int32) int {
	m.errState = m.state
	m.state = h1msgError
	m.errPos = at
	return -1
}

// span marks a byte range relative to the message head. Offsets stay valid
// across buffer realignment since realignment keeps the head at offset 0.
type span struct {
	from int32
	edge int32
}

func (s *span) set(from int32, edge int32) { s.from, s.edge = from, edge }
func (s *span) size() int32                { return s.edge - s.from }
func (s *span) isEmpty() bool              { return s.from == s.edge }

// h1Header is one committed header line, spans into the message head bytes.
type h1Header struct {
	name  span
	value span
}

// h1Head accumulates the parsed head of one message across parser calls.
type h1Head struct {
	s1, s2, s3 span       // request: method, uri, version. response: version, status, reason
	status     int16      // parsed status code, response only
	headers    []h1Header // committed header lines, in wire order
	cur        h1Header   // the header line being scanned
}

func (h *h1Head) reset() {
	h.s1, h.s2, h.s3 = span{}, span{}, span{}
	h.status = 0
	h.headers = h.headers[:0]
	h.cur = h1Header{}
}

// h1ParseHeaders scans the message head in src (which must start at the first
// byte of the message and be contiguous) and commits the start-line and header
// lines into head. Returns the total head size in bytes once the final CRLF is
// seen, 0 if more bytes are needed (re-invoke later with a longer src), or a
// negative value on a parse error. Obsolete line folding is flattened in place
// by overwriting the CR/LF/leading whitespace with spaces, so src must be the
// live buffer bytes, not a copy.
func h1ParseHeaders(m *h1m, src []byte, head *h1Head) int {
	ptr := int(m.next)
	for {
		if ptr >= len(src) {
			m.next = int32(ptr)
			return 0
		}
		c := src[ptr]
		switch m.state {

		// request line

		case h1msgReqBefore:
			if c == '\r' || c == '\n' { // strip leading empty lines
				ptr++
				continue
			}
			head.s1.from = int32(ptr)
			m.state = h1msgMethod
			continue // reprocess c as a method byte
		case h1msgMethod:
			if t := httpTchar[c]; t != 0 {
				ptr++
				continue
			}
			if c != ' ' {
				return m.setError(int32(ptr))
			}
			head.s1.edge = int32(ptr)
			if head.s1.isEmpty() {
				return m.setError(int32(ptr))
			}
			m.state = h1msgMethodSP
			ptr++
		case h1msgMethodSP:
			if c == ' ' {
				ptr++
				continue
			}
			if c == '\r' || c == '\n' {
				return m.setError(int32(ptr))
			}
			head.s2.from = int32(ptr)
			m.state = h1msgURI
			continue
		case h1msgURI:
			if c == ' ' {
				head.s2.edge = int32(ptr)
				m.state = h1msgURISP
				ptr++
				continue
			}
			if c == '\r' || c == '\n' { // no version token: HTTP/0.9
				head.s2.edge = int32(ptr)
				if m.flags&h1fStrict09 != 0 || !bytes.Equal(src[head.s1.from:head.s1.edge], []byte("GET")) || head.s2.isEmpty() {
					return m.setError(int32(ptr))
				}
				m.flags |= h1fVer09 // version synthesized as HTTP/1.0 by the caller
				head.s3.set(int32(ptr), int32(ptr))
				if c == '\r' {
					m.state = h1msgReqLineEnd
					ptr++
					continue
				}
				// An HTTP/0.9 request has no header section: the line is the
				// whole head.
				ptr++
				m.state = h1msgLastLF
				m.next = int32(ptr)
				return ptr
			}
			if c < 0x21 || c == 0x7f { // CTL or SP in target
				return m.setError(int32(ptr))
			}
			ptr++
		case h1msgURISP:
			if c == ' ' {
				ptr++
				continue
			}
			head.s3.from = int32(ptr)
			m.state = h1msgVersion
			continue
		case h1msgVersion:
			if c == '\r' || c == '\n' {
				head.s3.edge = int32(ptr)
				ver, ok := h1CheckVersion(src[head.s3.from:head.s3.edge])
				if !ok {
					return m.setError(head.s3.from)
				}
				if ver >= Version1_1 {
					m.flags |= h1fVer11
				}
				if c == '\r' {
					m.state = h1msgReqLineEnd
				} else {
					m.state = h1msgHdrFirst
				}
				ptr++
				continue
			}
			ptr++
		case h1msgReqLineEnd:
			if c != '\n' {
				return m.setError(int32(ptr))
			}
			ptr++
			if m.flags&h1fVer09 != 0 { // no header section follows
				m.state = h1msgLastLF
				m.next = int32(ptr)
				return ptr
			}
			m.state = h1msgHdrFirst

		// status line

		case h1msgResBefore:
			if c == '\r' || c == '\n' { // strip leading empty lines
				ptr++
				continue
			}
			head.s1.from = int32(ptr)
			m.state = h1msgResVersion
			continue
		case h1msgResVersion:
			if c == ' ' {
				head.s1.edge = int32(ptr)
				ver, ok := h1CheckVersion(src[head.s1.from:head.s1.edge])
				if !ok {
					return m.setError(head.s1.from)
				}
				if ver >= Version1_1 {
					m.flags |= h1fVer11
				}
				m.state = h1msgResVersionSP
				ptr++
				continue
			}
			if c == '\r' || c == '\n' {
				return m.setError(int32(ptr))
			}
			ptr++
		case h1msgResVersionSP:
			if c == ' ' {
				ptr++
				continue
			}
			head.s2.from = int32(ptr)
			head.status = 0
			m.state = h1msgResCode
			continue
		case h1msgResCode:
			if c >= '0' && c <= '9' {
				head.status = head.status*10 + int16(c-'0')
				if head.status > 999 {
					return m.setError(int32(ptr))
				}
				ptr++
				continue
			}
			head.s2.edge = int32(ptr)
			if head.s2.size() != 3 {
				return m.setError(int32(ptr))
			}
			if c == ' ' {
				m.state = h1msgResCodeSP
				ptr++
				continue
			}
			if c == '\r' || c == '\n' { // empty reason
				head.s3.set(int32(ptr), int32(ptr))
				if c == '\r' {
					m.state = h1msgResLineEnd
				} else {
					m.state = h1msgHdrFirst
				}
				ptr++
				continue
			}
			return m.setError(int32(ptr))
		case h1msgResCodeSP:
			if c == ' ' {
				ptr++
				continue
			}
			head.s3.from = int32(ptr)
			m.state = h1msgResReason
			continue
		case h1msgResReason:
			if c == '\r' || c == '\n' {
				head.s3.edge = int32(ptr)
				if c == '\r' {
					m.state = h1msgResLineEnd
				} else {
					m.state = h1msgHdrFirst
				}
				ptr++
				continue
			}
			ptr++
		case h1msgResLineEnd:
			if c != '\n' {
				return m.setError(int32(ptr))
			}
			m.state = h1msgHdrFirst
			ptr++

		// header section

		case h1msgHdrFirst:
			if c == '\r' {
				m.state = h1msgLastLF
				ptr++
				continue
			}
			if c == '\n' { // bare LF closes the header section too
				m.state = h1msgLastLF
				continue // reprocessed by LastLF below
			}
			head.cur = h1Header{}
			head.cur.name.from = int32(ptr)
			m.state = h1msgHdrName
			continue
		case h1msgHdrName:
			if t := httpTchar[c]; t != 0 {
				if t == 2 { // A-Z, lowered in place so later matching is cheap
					src[ptr] = c + 0x20
				}
				ptr++
				continue
			}
			if c == ':' {
				head.cur.name.edge = int32(ptr)
				if head.cur.name.isEmpty() {
					return m.setError(int32(ptr))
				}
				m.state = h1msgHdrL1SP
				ptr++
				continue
			}
			// A character outside the token set. In tolerant mode the first
			// offending position is recorded and the byte is kept in the name,
			// for interop with legacy peers; in strict mode it is fatal.
			if m.errPos == -1 {
				m.errPos = int32(ptr)
				ptr++
				continue
			}
			if m.errPos >= 0 { // already recorded once, keep eating
				ptr++
				continue
			}
			return m.setError(int32(ptr))
		case h1msgHdrL1SP:
			if c == ' ' || c == '\t' {
				ptr++
				continue
			}
			if c == '\r' {
				m.state = h1msgHdrL1LF
				ptr++
				continue
			}
			if c == '\n' {
				m.state = h1msgHdrL1LF
				continue
			}
			head.cur.value.from = int32(ptr)
			m.state = h1msgHdrVal
			continue
		case h1msgHdrL1LF:
			if c != '\n' {
				return m.setError(int32(ptr))
			}
			m.state = h1msgHdrL1LWS
			ptr++
		case h1msgHdrL1LWS:
			if c == ' ' || c == '\t' { // obs-fold before any value byte
				h1FlattenFold(src, ptr)
				m.state = h1msgHdrL1SP
				continue
			}
			// Empty value. Commit and reprocess c as the next line's first byte.
			head.cur.value.set(int32(ptr), int32(ptr))
			head.headers = append(head.headers, head.cur)
			m.state = h1msgHdrFirst
			continue
		case h1msgHdrVal:
			if (c >= 0x20 && c != 0x7f) || c == '\t' {
				ptr++
				continue
			}
			if c == '\r' {
				head.cur.value.edge = int32(ptr)
				m.state = h1msgHdrL2LF
				ptr++
				continue
			}
			if c == '\n' {
				head.cur.value.edge = int32(ptr)
				m.state = h1msgHdrL2LF
				continue
			}
			return m.setError(int32(ptr))
		case h1msgHdrL2LF:
			if c != '\n' {
				return m.setError(int32(ptr))
			}
			m.state = h1msgHdrL2LWS
			ptr++
		case h1msgHdrL2LWS:
			if c == ' ' || c == '\t' { // obs-fold: splice the next line into the value
				h1FlattenFold(src, ptr)
				m.state = h1msgHdrVal
				ptr++
				continue
			}
			// Commit the line, trimming trailing OWS (including flattened folds).
			edge := head.cur.value.edge
			for edge > head.cur.value.from {
				if b := src[edge-1]; b == ' ' || b == '\t' {
					edge--
				} else {
					break
				}
			}
			head.cur.value.edge = edge
			head.headers = append(head.headers, head.cur)
			m.state = h1msgHdrFirst
			continue
		case h1msgLastLF:
			if c != '\n' {
				return m.setError(int32(ptr))
			}
			ptr++
			m.next = int32(ptr)
			return ptr // the whole head, including the final CRLF

		default: // body states and error: not ours
			return m.setError(int32(ptr))
		}
	}
}

// h1FlattenFold overwrites the CR/LF pair (or bare LF) that ends just before
// lws with plain spaces, so a folded header value reads as one line.
func h1FlattenFold(src []byte, lws int) {
	if i := lws - 1; i >= 0 && src[i] == '\n' {
		src[i] = ' '
		if i--; i >= 0 && src[i] == '\r' {
			src[i] = ' '
		}
	}
	src[lws] = ' '
}

// h1CheckVersion validates the 8-byte "HTTP/x.y" token with digit x and y,
// returning the version code.
func h1CheckVersion(v []byte) (uint8, bool) {
	if len(v) != 8 || !bytes.Equal(v[:5], []byte("HTTP/")) || v[6] != '.' {
		return 0, false
	}
	major, minor := v[5], v[7]
	if major < '0' || major > '9' || minor < '0' || minor > '9' {
		return 0, false
	}
	if major > '1' || (major == '1' && minor >= '1') {
		return Version1_1, true
	}
	return Version1_0, true
}

// header field checkers, invoked per occurrence after the head is parsed

// h1ParseContentLength parses one Content-Length occurrence, which may carry a
// comma-delimited list of repeated values. Every numeral must equal any value
// previously established for this message; a mismatch or digit overflow is a
// smuggling defense error. index reports whether this occurrence is the first
// one (to be indexed) or a duplicate (to be dropped).
func h1ParseContentLength(m *h1m, value []byte) (index bool, ok bool) {
	first := m.flags&h1fHasCLen == 0
	seen := !first
	ok = splitTokens(value, func(token []byte) bool {
		var n int64
		for _, c := range token {
			if c < '0' || c > '9' {
				return false
			}
			if n > (math.MaxInt64-int64(c-'0'))/10 {
				return false // overflow in the digit accumulation
			}
			n = n*10 + int64(c-'0')
		}
		if seen {
			if n != m.bodyLen {
				return false
			}
		} else {
			m.bodyLen = n
			m.currLen = n
			seen = true
		}
		return true
	})
	if !ok || !seen { // empty list is malformed too
		return false, false
	}
	m.flags |= h1fHasCLen
	return first, true
}

// h1ParseTransferEncoding parses one Transfer-Encoding occurrence. The
// chunked flag is recomputed on every token, so the message is chunked only
// if "chunked" is literally the last token of the last occurrence.
func h1ParseTransferEncoding(m *h1m, value []byte) {
	m.flags |= h1fHasTEnc
	splitTokens(value, func(token []byte) bool {
		if asciiEqualFold(token, bytesChunked) {
			m.flags |= h1fChunked
		} else {
			m.flags &^= h1fChunked
		}
		return true
	})
}

// h1ParseConnectionHeader parses one Connection occurrence. Tokens set sticky
// flags and never clear flags from earlier occurrences: connection semantics
// are the union across occurrences, unlike the chunked framing decision.
func h1ParseConnectionHeader(m *h1m, value []byte) {
	splitTokens(value, func(token []byte) bool {
		if asciiEqualFold(token, bytesKeepAlive) {
			m.flags |= h1fConnKAL
		} else if asciiEqualFold(token, bytesClose) {
			m.flags |= h1fConnCLO
		} else if asciiEqualFold(token, bytesUpgrade) {
			m.flags |= h1fConnUPG
		}
		return true
	})
}

// h1DetermineBody moves the parser from the completed header section into the
// proper body state. Exactly one of sized, chunked, or unknown-length applies.
func h1DetermineBody(m *h1m) {
	if m.flags&h1fBodyless != 0 {
		// HEAD, 1xx, 204 and 304 carry no body regardless of framing headers.
		m.flags |= h1fXferLen
		m.currLen = 0
		m.state = h1msgDone
		return
	}
	if m.flags&h1fChunked != 0 {
		m.flags |= h1fXferLen
		m.currLen = 0
		m.state = h1msgChunkSize
		return
	}
	if m.flags&h1fHasCLen != 0 {
		m.flags |= h1fXferLen
		if m.bodyLen == 0 || m.flags&h1fBodyless != 0 {
			m.state = h1msgDone
		} else {
			m.currLen = m.bodyLen
			m.state = h1msgData
		}
		return
	}
	if m.flags&h1fResponse == 0 || m.flags&h1fBodyless != 0 {
		// A request without a body indicator has no body.
		m.flags |= h1fXferLen
		m.bodyLen = 0
		m.state = h1msgDone
		return
	}
	// A response without a determinable length: body runs until close.
	m.currLen = 0
	m.state = h1msgData
}

// h1ParseChunkSize parses a chunk-size line at logical offset ofs of b:
// 1*HEX [ ";" ignored-extension ] CRLF. It tolerates the line wrapping around
// the buffer boundary. Returns bytes consumed (> 0) with the chunk size, 0 if
// more bytes are needed, or a negative value on error.
func h1ParseChunkSize(m *h1m, b *buffer, ofs int) (int, int64) {
	ptr := ofs
	stop := b.data
	var size int64
	digits := 0
	for {
		if ptr >= stop {
			return 0, 0
		}
		c := b.byteAt(ptr)
		h := hexTable[c]
		if h < 0 {
			break
		}
		if size > (math.MaxInt64-int64(h))/16 {
			m.setError(int32(ptr))
			return -1, 0 // chunk size overflows the accounting type
		}
		size = size*16 + int64(h)
		digits++
		ptr++
	}
	if digits == 0 {
		m.setError(int32(ptr))
		return -1, 0
	}
	if c := b.byteAt(ptr); c == ';' { // chunk-ext, ignored up to CRLF
		for {
			ptr++
			if ptr >= stop {
				return 0, 0
			}
			if c := b.byteAt(ptr); c == '\r' {
				break
			} else if c == '\n' { // be lenient here too
				ptr++
				return ptr - ofs, size
			}
		}
	}
	if b.byteAt(ptr) != '\r' {
		m.setError(int32(ptr))
		return -1, 0
	}
	ptr++
	if ptr >= stop {
		return 0, 0
	}
	if b.byteAt(ptr) != '\n' {
		m.setError(int32(ptr))
		return -1, 0
	}
	ptr++
	return ptr - ofs, size
}

// h1SkipChunkCRLF consumes the CRLF between a chunk's payload and the next
// chunk-size line, accepting a bare LF as a lenient fallback. Returns bytes
// consumed, 0 if more are needed, negative on error.
func h1SkipChunkCRLF(m *h1m, b *buffer, ofs int) int {
	if ofs >= b.data {
		return 0
	}
	switch b.byteAt(ofs) {
	case '\n':
		return 1
	case '\r':
		if ofs+1 >= b.data {
			return 0
		}
		if b.byteAt(ofs+1) != '\n' {
			m.setError(int32(ofs + 1))
			return -1
		}
		return 2
	default:
		m.setError(int32(ofs))
		return -1
	}
}

// h1MeasureTrailers scans src from ofs for the empty line terminating a
// trailer section and returns the total trailer bytes including it, 0 if the
// terminator has not arrived yet, or a negative value on a malformed line.
// src must be contiguous: callers realign the buffer first if the trailers
// wrap its physical boundary.
func h1MeasureTrailers(src []byte, ofs int) int {
	ptr := ofs
	for {
		lineStart := ptr
		for {
			if ptr >= len(src) {
				return 0
			}
			if src[ptr] == '\n' {
				break
			}
			ptr++
		}
		lineSize := ptr - lineStart
		if lineSize > 0 && src[ptr-1] == '\r' {
			lineSize--
		}
		ptr++ // past the LF
		if lineSize == 0 {
			return ptr - ofs
		}
		if src[lineStart] == ' ' || src[lineStart] == '\t' {
			return -1 // trailer continuation lines are not acceptable
		}
	}
}

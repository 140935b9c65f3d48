// Copyright (c) 2021-2026 The Syntra Authors.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// General constants, shared byte helpers, and character tables.

package loom

import (
	"sync"
)

const ( // units
	K = 1 << 10
	M = 1 << 20
	G = 1 << 30
)

const ( // sizes
	_1K  = 1 * K
	_4K  = 4 * K
	_16K = 16 * K
	_32K = 32 * K
	_64K = 64 * K
)

const ( // version codes
	Version1_0 = 0 // must be 0, default value
	Version1_1 = 1
)

const ( // best known status codes used by the core itself
	StatusContinue           = 100
	StatusSwitchingProtocols = 101
	StatusOK                 = 200
	StatusBadRequest         = 400
	StatusRequestTimeout     = 408
	StatusBadGateway         = 502
)

var httpTchar = [256]int8{ // tchar = ALPHA / DIGIT / "!" / "#" / "$" / "%" / "&" / "'" / "*" / "+" / "-" / "." / "^" / "_" / "`" / "|" / "~"
	0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
	0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
	0, 1, 0, 1, 1, 1, 1, 1, 0, 0, 1, 1, 0, 1, 1, 0, //   !   # $ % & '     * +   - .
	1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 0, 0, 0, 0, 0, 0, // 0 1 2 3 4 5 6 7 8 9
	0, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2, //   A B C D E F G H I J K L M N O
	2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 0, 0, 0, 1, 1, // P Q R S T U V W X Y Z       ^ _
	1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, // ` a b c d e f g h i j k l m n o
	1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 0, 1, 0, 1, 0, // p q r s t u v w x y z   |   ~
	0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
	0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
	0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
	0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
	0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
	0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
	0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
	0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
}

var hexTable = [256]int8{ // value of a hex digit, -1 if not a hex digit
	-1, -1, -1, -1, -1, -1, -1, -1, -1, -1, -1, -1, -1, -1, -1, -1,
	-1, -1, -1, -1, -1, -1, -1, -1, -1, -1, -1, -1, -1, -1, -1, -1,
	-1, -1, -1, -1, -1, -1, -1, -1, -1, -1, -1, -1, -1, -1, -1, -1,
	0, 1, 2, 3, 4, 5, 6, 7, 8, 9, -1, -1, -1, -1, -1, -1,
	-1, 10, 11, 12, 13, 14, 15, -1, -1, -1, -1, -1, -1, -1, -1, -1,
	-1, -1, -1, -1, -1, -1, -1, -1, -1, -1, -1, -1, -1, -1, -1, -1,
	-1, 10, 11, 12, 13, 14, 15, -1, -1, -1, -1, -1, -1, -1, -1, -1,
	-1, -1, -1, -1, -1, -1, -1, -1, -1, -1, -1, -1, -1, -1, -1, -1,
	-1, -1, -1, -1, -1, -1, -1, -1, -1, -1, -1, -1, -1, -1, -1, -1,
	-1, -1, -1, -1, -1, -1, -1, -1, -1, -1, -1, -1, -1, -1, -1, -1,
	-1, -1, -1, -1, -1, -1, -1, -1, -1, -1, -1, -1, -1, -1, -1, -1,
	-1, -1, -1, -1, -1, -1, -1, -1, -1, -1, -1, -1, -1, -1, -1, -1,
	-1, -1, -1, -1, -1, -1, -1, -1, -1, -1, -1, -1, -1, -1, -1, -1,
	-1, -1, -1, -1, -1, -1, -1, -1, -1, -1, -1, -1, -1, -1, -1, -1,
	-1, -1, -1, -1, -1, -1, -1, -1, -1, -1, -1, -1, -1, -1, -1, -1,
	-1, -1, -1, -1, -1, -1, -1, -1, -1, -1, -1, -1, -1, -1, -1, -1,
}

var ( // well known byteses
	bytesCRLF             = []byte("\r\n")
	bytesColonSpace       = []byte(": ")
	bytesConnection       = []byte("connection")
	bytesContentLength    = []byte("content-length")
	bytesTransferEncoding = []byte("transfer-encoding")
	bytesUpgrade          = []byte("upgrade")
	bytesClose            = []byte("close")
	bytesKeepAlive        = []byte("keep-alive")
	bytesChunked          = []byte("chunked")
	bytesHEAD             = []byte("HEAD")
	bytesCONNECT          = []byte("CONNECT")
	bytesHTTP10           = []byte("HTTP/1.0")
	bytesHTTP11           = []byte("HTTP/1.1")
	bytesZeroCRLF         = []byte("0\r\n")
)

var ( // scratch byte pools, by size class
	pool1K  sync.Pool
	pool4K  sync.Pool
	pool16K sync.Pool
	pool64K sync.Pool
)

// getNK returns a pooled scratch slice of at least n bytes.
func getNK(n int) []byte {
	var pool *sync.Pool
	var size int
	switch {
	case n <= _1K:
		pool, size = &pool1K, _1K
	case n <= _4K:
		pool, size = &pool4K, _4K
	case n <= _16K:
		pool, size = &pool16K, _16K
	case n <= _64K:
		pool, size = &pool64K, _64K
	default:
		return make([]byte, n)
	}
	if x := pool.Get(); x != nil {
		return x.([]byte)
	}
	return make([]byte, size)
}

func putNK(p []byte) {
	switch cap(p) {
	case _1K:
		pool1K.Put(p[:_1K])
	case _4K:
		pool4K.Put(p[:_4K])
	case _16K:
		pool16K.Put(p[:_16K])
	case _64K:
		pool64K.Put(p[:_64K])
	default:
		// outsized scratch, let the GC have it
	}
}

// asciiEqualFold reports whether a equals b under ASCII case folding. b must
// already be lower case.
func asciiEqualFold(a []byte, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := 0; i < len(a); i++ {
		c := a[i]
		if c >= 'A' && c <= 'Z' {
			c += 0x20
		}
		if c != b[i] {
			return false
		}
	}
	return true
}

// trimOWS trims optional whitespace (SP / HTAB) from both ends of p.
func trimOWS(p []byte) []byte {
	for len(p) > 0 && (p[0] == ' ' || p[0] == '\t') {
		p = p[1:]
	}
	for len(p) > 0 && (p[len(p)-1] == ' ' || p[len(p)-1] == '\t') {
		p = p[:len(p)-1]
	}
	return p
}

// splitTokens calls each for every comma-separated token of value, with OWS
// trimmed. Empty elements are skipped.
func splitTokens(value []byte, each func(token []byte) bool) bool {
	for from := 0; from <= len(value); {
		edge := from
		for edge < len(value) && value[edge] != ',' {
			edge++
		}
		if token := trimOWS(value[from:edge]); len(token) > 0 {
			if !each(token) {
				return false
			}
		}
		from = edge + 1
	}
	return true
}

// i64ToHex writes the lower-case hex form of value into dst, returning the length.
func i64ToHex(value int64, dst []byte) int {
	const digits = "0123456789abcdef"
	if value < 16 {
		dst[0] = digits[value]
		return 1
	}
	n := i64ToHex(value/16, dst)
	dst[n] = digits[value%16]
	return n + 1
}

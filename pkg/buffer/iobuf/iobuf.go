// Copyright (c) 2024 The Evmux Authors. All rights reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package iobuf implements the linear, growable byte buffer backing both
// sides of every evmux connection.
//
// The buffer is contiguous on purpose: protocol stages hand out views
// (sub-slices) into it, so the bytes of one message are always adjacent.
// Views stay valid until the next call that mutates the buffer.
package iobuf

import (
	"github.com/evmux/evmux/internal/toolkit"
)

// DefaultAlign is the allocation granularity used when none is given.
const DefaultAlign = 2048

// Buffer is a growable byte buffer with append, insert and delete-range
// operations. It is not safe for concurrent use.
type Buffer struct {
	buf   []byte
	align int
}

// New returns a Buffer with an initial capacity of size bytes. Growth is
// rounded up to a multiple of align.
func New(size, align int) *Buffer {
	if align <= 0 {
		align = DefaultAlign
	}
	b := &Buffer{align: align}
	if size > 0 {
		b.buf = make([]byte, 0, toolkit.AlignUp(size, align))
	}
	return b
}

// Bytes returns the buffered bytes. The slice aliases the buffer.
func (b *Buffer) Bytes() []byte { return b.buf }

// Len returns the number of buffered bytes.
func (b *Buffer) Len() int { return len(b.buf) }

// Cap returns the allocated size.
func (b *Buffer) Cap() int { return cap(b.buf) }

// IsEmpty tells whether nothing is buffered.
func (b *Buffer) IsEmpty() bool { return len(b.buf) == 0 }

// Reserve makes sure at least n more bytes fit without reallocation.
func (b *Buffer) Reserve(n int) {
	if n <= 0 || cap(b.buf)-len(b.buf) >= n {
		return
	}
	newBuf := make([]byte, len(b.buf), toolkit.AlignUp(len(b.buf)+n, b.align))
	copy(newBuf, b.buf)
	b.buf = newBuf
}

// Free returns the writable space after the buffered bytes, growing the
// buffer so that at least min bytes are available. Pair it with Commit.
func (b *Buffer) Free(min int) []byte {
	b.Reserve(min)
	return b.buf[len(b.buf):cap(b.buf)]
}

// Commit marks n bytes written into the slice returned by Free as buffered.
func (b *Buffer) Commit(n int) {
	if n <= 0 {
		return
	}
	if len(b.buf)+n > cap(b.buf) {
		n = cap(b.buf) - len(b.buf)
	}
	b.buf = b.buf[:len(b.buf)+n]
}

// Append adds p at the end of the buffer.
func (b *Buffer) Append(p []byte) int {
	b.Reserve(len(p))
	b.buf = append(b.buf, p...)
	return len(p)
}

// AppendString adds s at the end of the buffer.
func (b *Buffer) AppendString(s string) int {
	b.Reserve(len(s))
	b.buf = append(b.buf, s...)
	return len(s)
}

// Write implements io.Writer, it never fails.
func (b *Buffer) Write(p []byte) (int, error) {
	return b.Append(p), nil
}

// WriteString implements io.StringWriter, it never fails.
func (b *Buffer) WriteString(s string) (int, error) {
	return b.AppendString(s), nil
}

// Insert places p at offset off, shifting the following bytes right.
// An offset past the end appends.
func (b *Buffer) Insert(off int, p []byte) int {
	if off >= len(b.buf) || off < 0 {
		return b.Append(p)
	}
	n := len(p)
	b.Reserve(n)
	b.buf = b.buf[:len(b.buf)+n]
	copy(b.buf[off+n:], b.buf[off:len(b.buf)-n])
	copy(b.buf[off:], p)
	return n
}

// Delete removes n bytes starting at off and returns how many were removed.
func (b *Buffer) Delete(off, n int) int {
	if off < 0 || off >= len(b.buf) || n <= 0 {
		return 0
	}
	if off+n > len(b.buf) {
		n = len(b.buf) - off
	}
	copy(b.buf[off:], b.buf[off+n:])
	b.buf = b.buf[:len(b.buf)-n]
	return n
}

// Discard removes the first n bytes, the consumed prefix.
func (b *Buffer) Discard(n int) int {
	return b.Delete(0, n)
}

// Truncate keeps only the first n bytes.
func (b *Buffer) Truncate(n int) {
	if n >= 0 && n < len(b.buf) {
		b.buf = b.buf[:n]
	}
}

// Reset empties the buffer but keeps its memory.
func (b *Buffer) Reset() {
	b.buf = b.buf[:0]
}

// Release empties the buffer and drops its memory.
func (b *Buffer) Release() {
	b.buf = nil
}

// Shrink drops spare capacity beyond one alignment unit.
func (b *Buffer) Shrink() {
	want := toolkit.AlignUp(len(b.buf), b.align)
	if cap(b.buf) <= want || cap(b.buf)-len(b.buf) <= b.align {
		return
	}
	newBuf := make([]byte, len(b.buf), want)
	copy(newBuf, b.buf)
	b.buf = newBuf
}

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

// Package ring provides a growable circular byte buffer and Pipe, the
// single-producer/single-consumer handoff built on it.
package ring

import (
	"errors"

	"github.com/evmux/evmux/internal/toolkit"
)

const (
	// DefaultBufferSize is the first-time allocation on a ring-buffer.
	DefaultBufferSize   = 1024     // 1KB
	bufferGrowThreshold = 4 * 1024 // 4KB
)

// ErrIsEmpty will be returned when trying to read an empty ring-buffer.
var ErrIsEmpty = errors.New("ring-buffer is empty")

// Buffer is a circular buffer that grows on demand. It is not safe for
// concurrent use, see Pipe for that.
type Buffer struct {
	buf     []byte
	size    int
	r       int // next position to read
	w       int // next position to write
	isEmpty bool
}

// New returns a new Buffer whose capacity is size rounded up to a power of two.
func New(size int) *Buffer {
	if size <= 0 {
		return &Buffer{isEmpty: true}
	}
	size = toolkit.CeilToPowerOfTwo(size)
	return &Buffer{buf: make([]byte, size), size: size, isEmpty: true}
}

// Peek returns the next n bytes without advancing the read pointer,
// it returns all bytes when n <= 0. The data may wrap, in which case it is
// split over head and tail.
func (rb *Buffer) Peek(n int) (head []byte, tail []byte) {
	if rb.isEmpty {
		return
	}
	m := rb.Buffered()
	if n <= 0 || n > m {
		n = m
	}
	if rb.r+n <= rb.size {
		return rb.buf[rb.r : rb.r+n], nil
	}
	c1 := rb.size - rb.r
	return rb.buf[rb.r:], rb.buf[:n-c1]
}

// Discard skips the next n bytes by advancing the read pointer.
func (rb *Buffer) Discard(n int) int {
	if n <= 0 {
		return 0
	}
	m := rb.Buffered()
	if n < m {
		rb.r = (rb.r + n) % rb.size
		return n
	}
	rb.Reset()
	return m
}

// Read copies up to len(p) buffered bytes into p and advances the read pointer.
func (rb *Buffer) Read(p []byte) (n int, err error) {
	if len(p) == 0 {
		return 0, nil
	}
	if rb.isEmpty {
		return 0, ErrIsEmpty
	}
	head, tail := rb.Peek(len(p))
	n = copy(p, head)
	n += copy(p[n:], tail)
	rb.Discard(n)
	return n, nil
}

// Write appends p to the buffer, growing it when p does not fit.
func (rb *Buffer) Write(p []byte) (n int, err error) {
	n = len(p)
	if n == 0 {
		return
	}
	if free := rb.Available(); n > free {
		rb.grow(rb.size + n - free)
	}
	c1 := copy(rb.buf[rb.w:], p)
	if c1 < n {
		copy(rb.buf, p[c1:])
	}
	rb.w = (rb.w + n) % rb.size
	rb.isEmpty = false
	return
}

// Buffered returns the length of available bytes to read.
func (rb *Buffer) Buffered() int {
	switch {
	case rb.isEmpty:
		return 0
	case rb.w > rb.r:
		return rb.w - rb.r
	default:
		return rb.size - rb.r + rb.w
	}
}

// Available returns the length of available bytes to write without growing.
func (rb *Buffer) Available() int {
	return rb.size - rb.Buffered()
}

// Cap returns the size of the underlying buffer.
func (rb *Buffer) Cap() int {
	return rb.size
}

// IsFull tells if this ring-buffer is full.
func (rb *Buffer) IsFull() bool {
	return rb.r == rb.w && !rb.isEmpty
}

// IsEmpty tells if this ring-buffer is empty.
func (rb *Buffer) IsEmpty() bool {
	return rb.isEmpty
}

// Reset the read pointer and write pointer to zero.
func (rb *Buffer) Reset() {
	rb.isEmpty = true
	rb.r, rb.w = 0, 0
}

func (rb *Buffer) grow(newCap int) {
	if n := rb.size; n == 0 {
		if newCap <= DefaultBufferSize {
			newCap = DefaultBufferSize
		} else {
			newCap = toolkit.CeilToPowerOfTwo(newCap)
		}
	} else {
		doubleCap := n + n
		if newCap <= doubleCap {
			if n < bufferGrowThreshold {
				newCap = doubleCap
			} else {
				for 0 < n && n < newCap {
					n += n / 4
				}
				if n > 0 {
					newCap = n
				}
			}
		}
	}
	newBuf := make([]byte, newCap)
	oldLen := rb.Buffered()
	_, _ = rb.Read(newBuf)
	rb.buf = newBuf
	rb.r = 0
	rb.w = oldLen % newCap
	rb.size = newCap
	rb.isEmpty = oldLen == 0
}

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

// Package websocket encodes and decodes RFC 6455 frames.
package websocket

import (
	"crypto/rand"
	"crypto/sha1"
	"encoding/base64"
	"encoding/binary"
	"fmt"

	errorx "github.com/evmux/evmux/pkg/errors"
)

// OpCode is the frame opcode.
type OpCode byte

// Opcodes defined by RFC 6455.
const (
	OpContinue OpCode = 0x0
	OpText     OpCode = 0x1
	OpBinary   OpCode = 0x2
	OpClose    OpCode = 0x8
	OpPing     OpCode = 0x9
	OpPong     OpCode = 0xa
)

// GUID is appended to the client key when computing the accept key.
const GUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

const (
	finBit  = 0x80
	rsvBits = 0x70
	maskBit = 0x80

	// MaxHeaderLen is the longest possible frame header: 2 + 8 + 4 bytes.
	MaxHeaderLen = 14
	// MaxControlPayload is the payload limit of control frames.
	MaxControlPayload = 125
)

// IsControl tells whether op is a control opcode.
func (op OpCode) IsControl() bool { return op&0x8 != 0 }

// IsValid tells whether op is defined.
func (op OpCode) IsValid() bool {
	switch op {
	case OpContinue, OpText, OpBinary, OpClose, OpPing, OpPong:
		return true
	}
	return false
}

func (op OpCode) String() string {
	switch op {
	case OpContinue:
		return "continue"
	case OpText:
		return "text"
	case OpBinary:
		return "binary"
	case OpClose:
		return "close"
	case OpPing:
		return "ping"
	case OpPong:
		return "pong"
	}
	return fmt.Sprintf("op(%d)", byte(op))
}

// Frame is a decoded frame header.
type Frame struct {
	Fin        bool
	Op         OpCode
	Masked     bool
	Mask       [4]byte
	HeaderLen  int
	PayloadLen int
}

// Len returns the total length of the frame on the wire.
func (f *Frame) Len() int { return f.HeaderLen + f.PayloadLen }

// DecodeHeader decodes the frame header at the start of buf. It returns
// false with a nil error when the header is not complete yet. The payload is
// not required to be buffered.
func DecodeHeader(buf []byte, f *Frame) (bool, error) {
	*f = Frame{}
	if len(buf) < 2 {
		return false, nil
	}
	if buf[0]&rsvBits != 0 {
		return false, fmt.Errorf("%w: websocket reserved bits set", errorx.ErrMalformedMessage)
	}
	f.Fin = buf[0]&finBit != 0
	f.Op = OpCode(buf[0] & 0x0f)
	f.Masked = buf[1]&maskBit != 0

	n := int(buf[1] & 0x7f)
	hl := 2
	switch n {
	case 126:
		hl += 2
	case 127:
		hl += 8
	}
	if f.Masked {
		hl += 4
	}
	if len(buf) < hl {
		return false, nil
	}
	switch n {
	case 126:
		n = int(binary.BigEndian.Uint16(buf[2:]))
	case 127:
		v := binary.BigEndian.Uint64(buf[2:])
		if v>>63 != 0 {
			return false, fmt.Errorf("%w: websocket length overflow", errorx.ErrMalformedMessage)
		}
		n = int(v)
	}
	if f.Masked {
		copy(f.Mask[:], buf[hl-4:hl])
	}
	if f.Op.IsControl() && (!f.Fin || n > MaxControlPayload) {
		return false, fmt.Errorf("%w: bad websocket control frame", errorx.ErrMalformedMessage)
	}
	f.HeaderLen, f.PayloadLen = hl, n
	return true, nil
}

// Mask xors p with the masking key in place. pos is the offset of p within
// the payload, so a payload can be masked in pieces. Masking twice restores
// the original bytes.
func Mask(p []byte, key [4]byte, pos int) {
	for i := range p {
		p[i] ^= key[(pos+i)&3]
	}
}

// NewMask returns a random masking key.
func NewMask() (key [4]byte) {
	_, _ = rand.Read(key[:])
	return
}

// AppendHeader appends a frame header for a payload of n bytes. A non-nil
// mask sets the mask bit and appends the key.
func AppendHeader(dst []byte, fin bool, op OpCode, n int, mask *[4]byte) []byte {
	b0 := byte(op)
	if fin {
		b0 |= finBit
	}
	var mb byte
	if mask != nil {
		mb = maskBit
	}
	switch {
	case n < 126:
		dst = append(dst, b0, mb|byte(n))
	case n < 65536:
		dst = append(dst, b0, mb|126)
		dst = binary.BigEndian.AppendUint16(dst, uint16(n))
	default:
		dst = append(dst, b0, mb|127)
		dst = binary.BigEndian.AppendUint64(dst, uint64(n))
	}
	if mask != nil {
		dst = append(dst, mask[:]...)
	}
	return dst
}

// AppendFrame appends a complete, final frame carrying p. Client frames are
// masked with a fresh random key, p itself is not modified.
func AppendFrame(dst, p []byte, op OpCode, masked bool) []byte {
	if !masked {
		dst = AppendHeader(dst, true, op, len(p), nil)
		return append(dst, p...)
	}
	key := NewMask()
	dst = AppendHeader(dst, true, op, len(p), &key)
	off := len(dst)
	dst = append(dst, p...)
	Mask(dst[off:], key, 0)
	return dst
}

// AcceptKey computes Sec-WebSocket-Accept for the given Sec-WebSocket-Key.
func AcceptKey(key []byte) string {
	h := sha1.New()
	h.Write(key)
	h.Write([]byte(GUID))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// NewKey returns a random Sec-WebSocket-Key.
func NewKey() string {
	var nonce [16]byte
	_, _ = rand.Read(nonce[:])
	return base64.StdEncoding.EncodeToString(nonce[:])
}

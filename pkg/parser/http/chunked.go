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

package http

import (
	"fmt"

	errorx "github.com/evmux/evmux/pkg/errors"
)

const maxChunkSizeDigits = 15

func unhex(c byte) int {
	switch {
	case c >= '0' && c <= '9':
		return int(c - '0')
	case c >= 'a' && c <= 'f':
		return int(c-'a') + 10
	case c >= 'A' && c <= 'F':
		return int(c-'A') + 10
	}
	return -1
}

// SkipChunk inspects the chunk at the start of buf. It returns the total
// framed length, the length of the size line and the payload length.
// A zero total with a nil error means the chunk is not fully buffered.
func SkipChunk(buf []byte) (total, prefix, size int, err error) {
	if len(buf) < 3 {
		return 0, 0, 0, nil
	}
	i := 0
	for i < len(buf) && unhex(buf[i]) >= 0 {
		size = size<<4 | unhex(buf[i])
		i++
		if i > maxChunkSizeDigits {
			return 0, 0, 0, fmt.Errorf("%w: chunk size too long", errorx.ErrMalformedMessage)
		}
	}
	if len(buf) < i+2 {
		return 0, 0, 0, nil
	}
	if i == 0 || buf[i] != '\r' || buf[i+1] != '\n' {
		return 0, 0, 0, fmt.Errorf("%w: bad chunk size line", errorx.ErrMalformedMessage)
	}
	if len(buf) < i+size+4 {
		return 0, 0, 0, nil
	}
	if buf[i+size+2] != '\r' || buf[i+size+3] != '\n' {
		return 0, 0, 0, fmt.Errorf("%w: chunk not terminated", errorx.ErrMalformedMessage)
	}
	return i + 2 + size + 2, i + 2, size, nil
}

// Dechunk decodes a chunked body in place. buf starts right after the header
// block. When the terminating zero-length chunk is buffered, the payload of
// all chunks is moved to buf[:size] and consumed is the framed length;
// otherwise both are zero and buf is left untouched.
func Dechunk(buf []byte) (consumed, size int, err error) {
	o := 0
	for {
		n, _, dl, err := SkipChunk(buf[o:])
		if err != nil {
			return 0, 0, err
		}
		if n == 0 {
			return 0, 0, nil
		}
		o += n
		if dl == 0 {
			break
		}
	}

	o = 0
	for {
		n, pl, dl, _ := SkipChunk(buf[o:])
		copy(buf[size:], buf[o+pl:o+pl+dl])
		o += n
		size += dl
		if dl == 0 {
			return o, size, nil
		}
	}
}

// AppendChunk appends p framed as one chunk to dst. An empty p produces the
// terminating chunk.
func AppendChunk(dst, p []byte) []byte {
	dst = fmt.Appendf(dst, "%x\r\n", len(p))
	dst = append(dst, p...)
	return append(dst, '\r', '\n')
}

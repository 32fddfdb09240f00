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

package websocket

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errorx "github.com/evmux/evmux/pkg/errors"
)

func TestAcceptKey(t *testing.T) {
	// Example from RFC 6455, section 1.3.
	assert.Equal(t, "s3pPLMBiTxaQ9kYGzzhZRbK+xOo=", AcceptKey([]byte("dGhlIHNhbXBsZSBub25jZQ==")))
	assert.Len(t, NewKey(), 24)
}

func TestFrameLengths(t *testing.T) {
	for _, l := range []int{0, 1, 125, 126, 65535, 65536} {
		for _, masked := range []bool{false, true} {
			p := bytes.Repeat([]byte{'x'}, l)
			frame := AppendFrame(nil, p, OpBinary, masked)

			var f Frame
			for i := 0; i < 2; i++ {
				ok, err := DecodeHeader(frame[:i], &f)
				require.NoError(t, err)
				assert.False(t, ok)
			}
			ok, err := DecodeHeader(frame, &f)
			require.NoError(t, err)
			require.True(t, ok)
			assert.True(t, f.Fin)
			assert.Equal(t, OpBinary, f.Op)
			assert.Equal(t, masked, f.Masked)
			assert.Equal(t, l, f.PayloadLen, "length %d", l)
			assert.Equal(t, len(frame), f.Len())

			payload := frame[f.HeaderLen:]
			if f.Masked {
				Mask(payload, f.Mask, 0)
			}
			assert.True(t, bytes.Equal(p, payload), "length %d masked %v", l, masked)
		}
	}
}

func TestHeaderSizes(t *testing.T) {
	assert.Len(t, AppendHeader(nil, true, OpText, 125, nil), 2)
	assert.Len(t, AppendHeader(nil, true, OpText, 126, nil), 4)
	assert.Len(t, AppendHeader(nil, true, OpText, 65535, nil), 4)
	assert.Len(t, AppendHeader(nil, true, OpText, 65536, nil), 10)
	key := [4]byte{1, 2, 3, 4}
	assert.Len(t, AppendHeader(nil, true, OpText, 65536, &key), MaxHeaderLen)
}

func TestMaskInPieces(t *testing.T) {
	key := [4]byte{0xde, 0xad, 0xbe, 0xef}
	a := []byte("hello websocket")
	b := append([]byte(nil), a...)
	Mask(a, key, 0)
	Mask(b[:5], key, 0)
	Mask(b[5:], key, 5)
	assert.Equal(t, a, b)
}

func TestDecodeHeaderErrors(t *testing.T) {
	var f Frame
	_, err := DecodeHeader([]byte{0x80 | 0x40 | byte(OpText), 0}, &f)
	assert.ErrorIs(t, err, errorx.ErrMalformedMessage)

	_, err = DecodeHeader([]byte{byte(OpPing), 0}, &f)
	assert.ErrorIs(t, err, errorx.ErrMalformedMessage, "fragmented control frame")

	_, err = DecodeHeader([]byte{0x80 | byte(OpPing), 126, 0, 200}, &f)
	assert.ErrorIs(t, err, errorx.ErrMalformedMessage, "oversized control frame")

	assert.True(t, OpPong.IsControl())
	assert.False(t, OpBinary.IsControl())
	assert.False(t, OpCode(3).IsValid())
}

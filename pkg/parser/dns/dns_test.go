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

package dns

import (
	"net"
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errorx "github.com/evmux/evmux/pkg/errors"
)

func TestQueryAnswer(t *testing.T) {
	q, err := NewQuery(7, "example.com", dns.TypeA)
	require.NoError(t, err)

	h, err := ParseHeader(q)
	require.NoError(t, err)
	assert.Equal(t, uint16(7), h.ID)
	assert.Equal(t, uint16(1), h.QDCount)
	assert.False(t, h.IsResponse())

	qm, err := Unpack(q)
	require.NoError(t, err)
	assert.Equal(t, "example.com", Name(qm))

	a, err := NewAnswer(qm, 60, net.ParseIP("10.0.0.1"), net.ParseIP("::1"))
	require.NoError(t, err)
	am, err := Unpack(a)
	require.NoError(t, err)
	assert.True(t, am.Response)
	assert.Equal(t, uint16(7), am.Id)
	require.Len(t, am.Answer, 1, "AAAA is skipped for an A question")
	ip, ok := FirstAddr(am)
	require.True(t, ok)
	assert.Equal(t, "10.0.0.1", ip.String())
}

func TestNXDomain(t *testing.T) {
	q, err := NewQuery(1, "nowhere.test", dns.TypeA)
	require.NoError(t, err)
	qm, err := Unpack(q)
	require.NoError(t, err)
	a, err := NewAnswer(qm, 60)
	require.NoError(t, err)
	am, err := Unpack(a)
	require.NoError(t, err)
	assert.Equal(t, dns.RcodeNameError, am.Rcode)
	_, ok := FirstAddr(am)
	assert.False(t, ok)
}

func TestFrameLen(t *testing.T) {
	q, err := NewQuery(2, "a.b", dns.TypeAAAA)
	require.NoError(t, err)
	framed := AppendFrame(nil, q)
	framed = append(framed, 0xff)
	for i := 0; i < len(q)+2; i++ {
		n, err := FrameLen(framed[:i])
		require.NoError(t, err)
		assert.Zero(t, n)
	}
	n, err := FrameLen(framed)
	require.NoError(t, err)
	assert.Equal(t, len(q)+2, n)

	_, err = FrameLen([]byte{0, 3, 1, 2, 3})
	assert.ErrorIs(t, err, errorx.ErrMalformedMessage)
}

func TestUnpackMalformed(t *testing.T) {
	_, err := Unpack([]byte{1, 2, 3})
	assert.ErrorIs(t, err, errorx.ErrMalformedMessage)

	q, err := NewQuery(3, "example.com", dns.TypeA)
	require.NoError(t, err)
	_, err = Unpack(q[:len(q)-3])
	assert.ErrorIs(t, err, errorx.ErrMalformedMessage)
}

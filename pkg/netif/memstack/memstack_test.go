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

package memstack

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evmux/evmux/pkg/netif"
)

func pump(ifp *netif.Interface) {
	for i := 0; i < 4; i++ {
		ifp.Poll(time.Now())
	}
}

func TestStreamRoundTrip(t *testing.T) {
	ifp, _, err := NewInterface(net.IPv4(10, 0, 0, 1))
	require.NoError(t, err)
	assert.True(t, ifp.IsUp())
	s := ifp.Stack()

	l, err := s.Listen(nil, 80)
	require.NoError(t, err)
	_, err = s.Listen(nil, 80)
	assert.ErrorIs(t, err, ErrPortInUse)

	c, err := s.Dial("tcp", nil, 80)
	require.NoError(t, err)
	ok, err := c.Connected()
	require.NoError(t, err)
	assert.False(t, ok)
	n, err := c.Write([]byte("early"))
	require.NoError(t, err)
	assert.Zero(t, n, "writes wait for the handshake")

	pump(ifp)
	ok, _ = c.Connected()
	require.True(t, ok)
	srv, err := l.Accept()
	require.NoError(t, err)
	require.NotNil(t, srv)

	payload := make([]byte, 4000)
	for i := range payload {
		payload[i] = byte(i)
	}
	n, err = c.Write(payload)
	require.NoError(t, err)
	assert.Equal(t, len(payload), n)
	pump(ifp)

	assert.True(t, srv.Readable())
	got := make([]byte, 8192)
	n, err = srv.Read(got)
	require.NoError(t, err)
	assert.Equal(t, payload, got[:n])

	require.NoError(t, c.Close())
	pump(ifp)
	_, err = srv.Read(got)
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, uint64(0), ifp.Stats().TxDropped)
}

func TestRefused(t *testing.T) {
	ifp, _, err := NewInterface(net.IPv4(10, 0, 0, 1))
	require.NoError(t, err)
	c, err := ifp.Stack().Dial("tcp", nil, 81)
	require.NoError(t, err)
	pump(ifp)
	ok, err := c.Connected()
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrRefused)
}

func TestDatagrams(t *testing.T) {
	ifp, _, err := NewInterface(net.IPv4(10, 0, 0, 1))
	require.NoError(t, err)
	s := ifp.Stack()
	srv, err := s.ListenPacket(nil, 53)
	require.NoError(t, err)
	c, err := s.Dial("udp", nil, 53)
	require.NoError(t, err)

	_, err = c.Write([]byte("one"))
	require.NoError(t, err)
	_, err = c.Write([]byte("two"))
	require.NoError(t, err)
	pump(ifp)

	buf := make([]byte, 16)
	n, err := srv.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "one", string(buf[:n]))
	assert.Equal(t, c.LocalAddr().(*net.UDPAddr).Port, srv.RemoteAddr().(*net.UDPAddr).Port)

	_, err = srv.Write([]byte("pong"))
	require.NoError(t, err)
	pump(ifp)
	n, err = c.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "pong", string(buf[:n]))
}

func TestLinkDown(t *testing.T) {
	ifp, d, err := NewInterface(net.IPv4(10, 0, 0, 1))
	require.NoError(t, err)
	d.SetLink(false)
	pump(ifp)
	assert.False(t, ifp.IsUp())
	assert.Zero(t, ifp.Tx([]byte{1, 2, 3}))
	assert.Equal(t, uint64(1), ifp.Stats().TxDropped)
}

func TestRxQueueBound(t *testing.T) {
	s, d := New(net.IPv4(10, 0, 0, 1))
	ifp := netif.New(netif.Config{RxQueueBytes: 8}, d, s)
	require.NoError(t, ifp.Init())
	assert.True(t, ifp.Rx(make([]byte, 8)))
	assert.False(t, ifp.Rx([]byte{1}))
	assert.True(t, ifp.Pending())
	ifp.Wait(time.Second)
	ifp.Poll(time.Now())
	assert.False(t, ifp.Pending())
	assert.Equal(t, uint64(1), ifp.Stats().RxDropped)
}

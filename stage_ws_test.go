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

package evmux

import (
	"bytes"
	"fmt"
	"math/rand"
	"net/http"
	"strconv"
	"testing"
	"time"

	gws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errorx "github.com/evmux/evmux/pkg/errors"
	"github.com/evmux/evmux/pkg/parser/websocket"
)

// wsEchoServer upgrades /ws and echoes every message. It records the id of
// the connection when the request arrived and when the socket opened.
type wsEchoServer struct {
	requestIDs []uint64
	openIDs    []uint64
	controls   []websocket.OpCode
	rejected   int
}

func (s *wsEchoServer) OnEvent(c *Conn, ev Event) {
	switch ev := ev.(type) {
	case HTTPMessageEvent:
		s.requestIDs = append(s.requestIDs, c.ID())
		if string(ev.Msg.URI) != "/ws" {
			_ = c.HTTPReply(404, "", nil)
			return
		}
		if err := c.WSUpgrade(ev.Msg, "X-Server: evmux\r\n"); err != nil {
			s.rejected++
		}
	case WSOpenEvent:
		s.openIDs = append(s.openIDs, c.ID())
	case WSMessageEvent:
		_ = c.WSSend(ev.Data, ev.Op)
	case WSControlEvent:
		s.controls = append(s.controls, ev.Op)
	}
}

func TestWS_EchoWithGorillaClient(t *testing.T) {
	srv := new(wsEchoServer)
	m := newTestManager(t, WithWSControlEvents(true))
	lsn, err := m.Listen("ws://127.0.0.1:0", srv)
	require.NoError(t, err)
	url := fmt.Sprintf("ws://127.0.0.1:%d/ws", tcpPort(lsn))

	sizes := []int{0, 1, 125, 126, 65535, 65536}
	type result struct {
		header http.Header
		echoed [][]byte
		sent   [][]byte
		err    error
	}
	ch := make(chan result, 1)
	go func() {
		var r result
		defer func() { ch <- r }()
		d := gws.Dialer{HandshakeTimeout: 5 * time.Second}
		conn, resp, err := d.Dial(url, nil)
		if err != nil {
			r.err = err
			return
		}
		defer conn.Close()
		r.header = resp.Header
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		for _, n := range sizes {
			p := make([]byte, n)
			_, _ = rand.Read(p)
			r.sent = append(r.sent, p)
			if r.err = conn.WriteMessage(gws.BinaryMessage, p); r.err != nil {
				return
			}
			var got []byte
			if _, got, r.err = conn.ReadMessage(); r.err != nil {
				return
			}
			r.echoed = append(r.echoed, got)
		}
		if r.err = conn.WriteControl(gws.PingMessage, []byte("hb"), time.Now().Add(time.Second)); r.err != nil {
			return
		}
		r.err = conn.WriteMessage(gws.CloseMessage, gws.FormatCloseMessage(gws.CloseNormalClosure, "bye"))
		if r.err != nil {
			return
		}
		// The server echoes the close frame, which surfaces as a close error.
		_, _, err = conn.ReadMessage()
		if !gws.IsCloseError(err, gws.CloseNormalClosure) {
			r.err = err
		}
	}()

	r := waitResult(t, m, ch)
	require.NoError(t, r.err)
	require.Len(t, r.echoed, len(sizes))
	for i := range sizes {
		assert.True(t, bytes.Equal(r.sent[i], r.echoed[i]), "payload of %d bytes", sizes[i])
	}
	assert.Equal(t, "evmux", r.header.Get("X-Server"))
	assert.Equal(t, srv.requestIDs, srv.openIDs, "the upgrade keeps the connection")
	assert.Equal(t, []websocket.OpCode{websocket.OpPing, websocket.OpClose}, srv.controls)
}

func TestWS_UpgradeWithoutKey(t *testing.T) {
	srv := new(wsEchoServer)
	m := newTestManager(t)
	lsn, err := m.Listen("http://127.0.0.1:0", srv)
	require.NoError(t, err)

	r := waitResult(t, m, httpPeer("127.0.0.1:"+strconv.Itoa(tcpPort(lsn)), "GET /ws HTTP/1.1\r\nUpgrade: websocket\r\n\r\n", 1))
	require.NoError(t, r.err)
	assert.Equal(t, []int{426}, r.statuses)
	assert.Equal(t, []string{"WS upgrade expected\n"}, r.bodies)
	assert.Equal(t, 1, srv.rejected)
	assert.Empty(t, srv.openIDs)
}

func TestWS_ClientAndServer(t *testing.T) {
	m := newTestManager(t)
	lsn, err := m.Listen("ws://127.0.0.1:0", new(wsEchoServer))
	require.NoError(t, err)

	var (
		opened   bool
		messages []string
		closed   bool
	)
	c, err := m.WSConnect(fmt.Sprintf("ws://127.0.0.1:%d/ws", tcpPort(lsn)), HandlerFunc(func(c *Conn, ev Event) {
		switch ev := ev.(type) {
		case WSOpenEvent:
			opened = true
			assert.Equal(t, 101, ev.Msg.Status())
			_ = c.WSPrintf(websocket.OpText, "hello %d", 1)
			// Fragmented: "frag" + "mented" arrives as one message.
			_ = c.Send(websocket.AppendHeader(nil, false, websocket.OpText, 4, maskOf(1)))
			_ = c.Send(maskedPayload("frag", 1))
			_ = c.Send(websocket.AppendHeader(nil, true, websocket.OpContinue, 6, maskOf(2)))
			_ = c.Send(maskedPayload("mented", 2))
		case WSMessageEvent:
			messages = append(messages, string(ev.Data))
			if len(messages) == 2 {
				_ = c.WSSend([]byte{0x03, 0xe8}, websocket.OpClose)
			}
		case CloseEvent:
			closed = true
		}
	}), "")
	require.NoError(t, err)
	assert.Equal(t, StageWebSocket, c.Stage())

	pollUntil(t, m, func() bool { return closed })
	assert.True(t, opened)
	assert.Equal(t, []string{"hello 1", "fragmented"}, messages)
}

func maskOf(seed byte) *[4]byte {
	return &[4]byte{seed, seed + 1, seed + 2, seed + 3}
}

func maskedPayload(s string, seed byte) []byte {
	p := []byte(s)
	websocket.Mask(p, *maskOf(seed), 0)
	return p
}

func TestWS_UnmaskedClientFrame(t *testing.T) {
	m := newTestManager(t)
	var got *Error
	lsn, err := m.Listen("ws://127.0.0.1:0", HandlerFunc(func(c *Conn, ev Event) {
		switch ev := ev.(type) {
		case HTTPMessageEvent:
			_ = c.WSUpgrade(ev.Msg, "")
		case ErrorEvent:
			got = ev.Err
		}
	}))
	require.NoError(t, err)

	key := websocket.NewKey()
	raw := "GET / HTTP/1.1\r\nUpgrade: websocket\r\nConnection: Upgrade\r\n" +
		"Sec-WebSocket-Version: 13\r\nSec-WebSocket-Key: " + key + "\r\n\r\n" +
		string(websocket.AppendFrame(nil, []byte("plain"), websocket.OpText, false))
	_ = httpPeer("127.0.0.1:"+strconv.Itoa(tcpPort(lsn)), raw, 1)
	pollUntil(t, m, func() bool { return got != nil })
	assert.Equal(t, ProtocolError, got.Kind)
	assert.ErrorIs(t, got, errorx.ErrMalformedMessage)
}

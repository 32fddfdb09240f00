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
	"bufio"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errorx "github.com/evmux/evmux/pkg/errors"
)

type httpResult struct {
	statuses []int
	bodies   []string
	err      error
}

// httpPeer writes raw in random pieces and reads n responses.
func httpPeer(addr string, raw string, n int) <-chan httpResult {
	ch := make(chan httpResult, 1)
	go func() {
		var res httpResult
		defer func() { ch <- res }()
		conn, err := net.Dial("tcp", addr)
		if err != nil {
			res.err = err
			return
		}
		defer conn.Close()
		_ = conn.SetDeadline(time.Now().Add(5 * time.Second))
		for p := raw; len(p) > 0; {
			k := rand.Intn(7) + 1
			if k > len(p) {
				k = len(p)
			}
			if _, res.err = io.WriteString(conn, p[:k]); res.err != nil {
				return
			}
			p = p[k:]
			time.Sleep(time.Duration(rand.Intn(200)) * time.Microsecond)
		}
		br := bufio.NewReader(conn)
		for i := 0; i < n; i++ {
			resp, err := http.ReadResponse(br, nil)
			if err != nil {
				res.err = err
				return
			}
			body, err := io.ReadAll(resp.Body)
			_ = resp.Body.Close()
			if err != nil {
				res.err = err
				return
			}
			res.statuses = append(res.statuses, resp.StatusCode)
			res.bodies = append(res.bodies, string(body))
		}
	}()
	return ch
}

func waitResult[T any](t *testing.T, m *Manager, ch <-chan T) (v T) {
	t.Helper()
	pollUntil(t, m, func() bool {
		select {
		case v = <-ch:
			return true
		default:
			return false
		}
	})
	return
}

// describeHandler answers every request with its method, uri, query and body.
var describeHandler = HandlerFunc(func(c *Conn, ev Event) {
	if ev, ok := ev.(HTTPMessageEvent); ok {
		_ = c.HTTPReplyf(200, "Content-Type: text/plain\r\n", "%s %s ?%s [%s]",
			ev.Msg.Method, ev.Msg.URI, ev.Msg.Query, ev.Msg.Body)
	}
})

func TestHTTP_GetWithStdlibClient(t *testing.T) {
	m := newTestManager(t)
	lsn, err := m.Listen("http://127.0.0.1:0", HandlerFunc(func(c *Conn, ev Event) {
		if ev, ok := ev.(HTTPMessageEvent); ok {
			assert.True(t, c.IsResp())
			_ = c.HTTPReplyf(200, "", "hello %s", ev.Msg.URI)
			assert.False(t, c.IsResp())
		}
	}))
	require.NoError(t, err)
	assert.Equal(t, StageHTTP, lsn.Stage())

	type result struct {
		status int
		body   string
		err    error
	}
	ch := make(chan result, 1)
	go func() {
		client := &http.Client{Timeout: 5 * time.Second, Transport: &http.Transport{DisableKeepAlives: true}}
		resp, err := client.Get(fmt.Sprintf("http://127.0.0.1:%d/x", tcpPort(lsn)))
		if err != nil {
			ch <- result{err: err}
			return
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		ch <- result{status: resp.StatusCode, body: string(body), err: err}
	}()
	r := waitResult(t, m, ch)
	require.NoError(t, r.err)
	assert.Equal(t, 200, r.status)
	assert.Equal(t, "hello /x", r.body)
}

func TestHTTP_ArbitraryChunking(t *testing.T) {
	m := newTestManager(t)
	lsn, err := m.Listen("http://127.0.0.1:0", describeHandler)
	require.NoError(t, err)
	addr := "127.0.0.1:" + strconv.Itoa(tcpPort(lsn))

	body := strings.Repeat("b", 3000)
	raw := "POST /upload?name=a%20b HTTP/1.1\r\nHost: x\r\nContent-Length: 3000\r\n\r\n" + body
	for i := 0; i < 3; i++ {
		r := waitResult(t, m, httpPeer(addr, raw, 1))
		require.NoError(t, r.err)
		assert.Equal(t, []int{200}, r.statuses)
		assert.Equal(t, []string{"POST /upload ?name=a%20b [" + body + "]"}, r.bodies)
	}
}

func TestHTTP_PipelinedAndChunked(t *testing.T) {
	m := newTestManager(t)
	lsn, err := m.Listen("http://127.0.0.1:0", describeHandler)
	require.NoError(t, err)

	raw := "GET /1 HTTP/1.1\r\n\r\n" +
		"POST /2 HTTP/1.1\r\nTransfer-Encoding: chunked\r\n\r\n3\r\nabc\r\n2\r\nde\r\n0\r\n\r\n" +
		"GET /3 HTTP/1.1\r\n\r\n"
	r := waitResult(t, m, httpPeer("127.0.0.1:"+strconv.Itoa(tcpPort(lsn)), raw, 3))
	require.NoError(t, r.err)
	assert.Equal(t, []string{"GET /1 ? []", "POST /2 ? [abcde]", "GET /3 ? []"}, r.bodies)
}

func TestHTTP_DeferredReplyHoldsPipeline(t *testing.T) {
	m := newTestManager(t)
	var pending []*Conn
	lsn, err := m.Listen("http://127.0.0.1:0", HandlerFunc(func(c *Conn, ev Event) {
		if _, ok := ev.(HTTPMessageEvent); ok {
			pending = append(pending, c)
		}
	}))
	require.NoError(t, err)

	ch := httpPeer("127.0.0.1:"+strconv.Itoa(tcpPort(lsn)), "GET /a HTTP/1.1\r\n\r\nGET /b HTTP/1.1\r\n\r\n", 2)
	pollUntil(t, m, func() bool { return len(pending) == 1 })
	for i := 0; i < 5; i++ {
		require.NoError(t, m.Poll(time.Millisecond))
	}
	require.Len(t, pending, 1, "the second request waits for the first response")
	c := pending[0]
	require.True(t, c.IsResp())
	require.NoError(t, c.Printf("HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n"))
	require.NoError(t, c.HTTPPrintfChunk("first %d", 1))
	require.NoError(t, c.HTTPWriteChunk(nil))

	pollUntil(t, m, func() bool { return len(pending) == 2 })
	require.NoError(t, pending[1].HTTPReply(404, "", nil))
	r := waitResult(t, m, ch)
	require.NoError(t, r.err)
	assert.Equal(t, []int{200, 404}, r.statuses)
	assert.Equal(t, []string{"first 1", ""}, r.bodies)
}

func TestHTTP_StreamBody(t *testing.T) {
	m := newTestManager(t)
	var (
		streamed []byte
		stages   []StageKind
	)
	lsn, err := m.Listen("http://127.0.0.1:0", HandlerFunc(func(c *Conn, ev Event) {
		switch ev := ev.(type) {
		case HTTPHeadersEvent:
			if string(ev.Msg.URI) == "/stream" {
				require.NoError(t, c.StreamBody())
				stages = append(stages, c.Stage())
			}
		case ReadEvent:
			streamed = append(streamed, ev.Data...)
			if len(streamed) == 5000 {
				_ = c.HTTPReplyf(200, "", "got %d", len(streamed))
			}
		case HTTPMessageEvent:
			stages = append(stages, c.Stage())
			_ = c.HTTPReplyf(200, "", "%s", ev.Msg.URI)
		}
	}))
	require.NoError(t, err)

	raw := "PUT /stream HTTP/1.1\r\nContent-Length: 5000\r\n\r\n" + strings.Repeat("s", 5000) +
		"GET /after HTTP/1.1\r\n\r\n"
	r := waitResult(t, m, httpPeer("127.0.0.1:"+strconv.Itoa(tcpPort(lsn)), raw, 2))
	require.NoError(t, r.err)
	assert.Equal(t, []string{"got 5000", "/after"}, r.bodies)
	assert.Equal(t, strings.Repeat("s", 5000), string(streamed))
	assert.Equal(t, []StageKind{StageStreaming, StageHTTP}, stages)
}

func TestHTTP_ClientReadsChunkedResponse(t *testing.T) {
	m := newTestManager(t)
	lsn, err := m.Listen("http://127.0.0.1:0", HandlerFunc(func(c *Conn, ev Event) {
		if _, ok := ev.(HTTPMessageEvent); ok {
			_ = c.Printf("HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n")
			for _, s := range []string{"alpha ", "beta ", "gamma"} {
				_ = c.HTTPWriteChunk([]byte(s))
			}
			_ = c.HTTPWriteChunk(nil)
		}
	}))
	require.NoError(t, err)

	var (
		status  int
		body    string
		headers int
	)
	_, err = m.Connect(fmt.Sprintf("http://127.0.0.1:%d", tcpPort(lsn)), HandlerFunc(func(c *Conn, ev Event) {
		switch ev := ev.(type) {
		case ConnectEvent:
			_ = c.Printf("GET /greek HTTP/1.1\r\nHost: localhost\r\n\r\n")
		case HTTPHeadersEvent:
			headers++
		case HTTPMessageEvent:
			status, body = ev.Msg.Status(), string(ev.Msg.Body)
			c.Drain()
		}
	}))
	require.NoError(t, err)
	pollUntil(t, m, func() bool { return status != 0 })
	assert.Equal(t, 200, status)
	assert.Equal(t, "alpha beta gamma", body)
	assert.Equal(t, 1, headers)
}

func TestHTTP_ResponseUntilClose(t *testing.T) {
	m := newTestManager(t)
	lsn, err := m.Listen("tcp://127.0.0.1:0", HandlerFunc(func(c *Conn, ev Event) {
		if _, ok := ev.(ReadEvent); ok {
			c.Consume(c.Recv().Len())
			_ = c.Printf("HTTP/1.0 200 OK\r\n\r\nno length here")
			c.Drain()
		}
	}))
	require.NoError(t, err)

	var body string
	_, err = m.Connect(fmt.Sprintf("http://127.0.0.1:%d", tcpPort(lsn)), HandlerFunc(func(c *Conn, ev Event) {
		switch ev := ev.(type) {
		case ConnectEvent:
			_ = c.Printf("GET / HTTP/1.0\r\n\r\n")
		case HTTPMessageEvent:
			body = string(ev.Msg.Body)
		}
	}))
	require.NoError(t, err)
	pollUntil(t, m, func() bool { return body != "" })
	assert.Equal(t, "no length here", body)
}

func TestHTTP_HeaderTooLarge(t *testing.T) {
	m := newTestManager(t, WithMaxMessageSize(256))
	var got *Error
	lsn, err := m.Listen("http://127.0.0.1:0", HandlerFunc(func(c *Conn, ev Event) {
		if ev, ok := ev.(ErrorEvent); ok {
			got = ev.Err
		}
	}))
	require.NoError(t, err)
	go func() {
		conn, err := net.Dial("tcp", "127.0.0.1:"+strconv.Itoa(tcpPort(lsn)))
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.SetDeadline(time.Now().Add(5 * time.Second))
		_, _ = io.WriteString(conn, "GET / HTTP/1.1\r\nX-Long: "+strings.Repeat("x", 1024))
		_, _ = io.Copy(io.Discard, conn)
	}()
	pollUntil(t, m, func() bool { return got != nil })
	assert.Equal(t, ProtocolError, got.Kind)
	assert.ErrorIs(t, got, errorx.ErrMessageTooLarge)
}

func TestHTTP_StreamBodyOutsideHeaders(t *testing.T) {
	m := newTestManager(t)
	c, err := m.Connect("http://127.0.0.1:1", nil)
	require.NoError(t, err)
	assert.ErrorIs(t, c.StreamBody(), errorx.ErrUnsupportedOp)
}

func TestHTTP_SetRawAfterRequest(t *testing.T) {
	m := newTestManager(t)
	lsn, err := m.Listen("http://127.0.0.1:0", HandlerFunc(func(c *Conn, ev Event) {
		switch ev := ev.(type) {
		case HTTPMessageEvent:
			c.Data()[0] = 1
			c.SetContext(string(ev.Msg.URI))
			_ = c.HTTPReply(200, "", nil)
			c.SetRaw()
		case ReadEvent:
			assert.Equal(t, StageRaw, c.Stage())
			assert.Equal(t, byte(1), c.Data()[0])
			_ = c.Printf("%s:%s", c.Context(), ev.Data)
			c.Consume(len(ev.Data))
		}
	}))
	require.NoError(t, err)

	done := make(chan echoResult, 1)
	go func() {
		var res echoResult
		defer func() { done <- res }()
		conn, err := net.Dial("tcp", "127.0.0.1:"+strconv.Itoa(tcpPort(lsn)))
		if err != nil {
			res.err = err
			return
		}
		defer conn.Close()
		_ = conn.SetDeadline(time.Now().Add(5 * time.Second))
		if _, err = conn.Write([]byte("GET /tunnel HTTP/1.1\r\n\r\nhello")); err != nil {
			res.err = err
			return
		}
		r := bufio.NewReader(conn)
		resp, err := http.ReadResponse(r, nil)
		if err != nil {
			res.err = err
			return
		}
		_ = resp.Body.Close()
		res.got = make([]byte, len("/tunnel:hello"))
		_, res.err = io.ReadFull(r, res.got)
	}()

	res := waitResult(t, m, done)
	require.NoError(t, res.err)
	assert.Equal(t, "/tunnel:hello", string(res.got))
}

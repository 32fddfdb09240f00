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
	"time"

	errorx "github.com/evmux/evmux/pkg/errors"
	httpx "github.com/evmux/evmux/pkg/parser/http"
	"github.com/evmux/evmux/pkg/parser/websocket"
	bbPool "github.com/evmux/evmux/pkg/pool/bytebuffer"
)

// wsStage parses WebSocket frames. A client stage first waits for the 101
// response to its upgrade request.
type wsStage struct {
	handshake bool
	key       string
	msg       httpx.Message
	frag      *bbPool.ByteBuffer
	fragOp    websocket.OpCode
	closeSent bool
}

func (s *wsStage) kind() StageKind { return StageWebSocket }

func (s *wsStage) poll(*Conn, time.Time) {}

func (s *wsStage) advance(c *Conn) error {
	limit := c.mgr.opts.MaxMessageSize
	if s.handshake {
		buf := c.recv.Bytes()
		n, err := httpx.Parse(buf, &s.msg)
		if err != nil {
			return err
		}
		if n == 0 {
			if len(buf) > limit {
				return fmt.Errorf("%w: http header block exceeds %d bytes", errorx.ErrMessageTooLarge, limit)
			}
			return nil
		}
		if code := s.msg.Status(); code != 101 {
			return fmt.Errorf("%w: server replied %d", errorx.ErrUpgradeFailed, code)
		}
		accept := bytes.TrimSpace(s.msg.Header("Sec-WebSocket-Accept"))
		if string(accept) != websocket.AcceptKey([]byte(s.key)) {
			return fmt.Errorf("%w: bad Sec-WebSocket-Accept %q", errorx.ErrUpgradeFailed, accept)
		}
		s.handshake = false
		c.emit(WSOpenEvent{Msg: &s.msg})
		c.recv.Discard(n)
		s.msg.Reset()
	}

	var f websocket.Frame
	for !c.closing && c.stage == s {
		buf := c.recv.Bytes()
		ok, err := websocket.DecodeHeader(buf, &f)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if f.PayloadLen > limit {
			return fmt.Errorf("%w: websocket frame of %d bytes", errorx.ErrMessageTooLarge, f.PayloadLen)
		}
		if len(buf) < f.Len() {
			return nil
		}
		switch {
		case c.accepted && !f.Masked:
			return fmt.Errorf("%w: unmasked frame from client", errorx.ErrMalformedMessage)
		case !c.accepted && f.Masked:
			return fmt.Errorf("%w: masked frame from server", errorx.ErrMalformedMessage)
		}
		payload := buf[f.HeaderLen:f.Len()]
		if f.Masked {
			websocket.Mask(payload, f.Mask, 0)
		}
		if err = s.frame(c, &f, payload); err != nil {
			return err
		}
		c.recv.Discard(f.Len())
	}
	return nil
}

func (s *wsStage) frame(c *Conn, f *websocket.Frame, payload []byte) error {
	op := f.Op
	if !op.IsValid() {
		return fmt.Errorf("%w: websocket opcode %d", errorx.ErrMalformedMessage, byte(op))
	}

	if op.IsControl() {
		if c.mgr.opts.WSControlEvents {
			c.emit(WSControlEvent{Op: op, Data: payload})
		}
		switch op {
		case websocket.OpPing:
			_ = c.WSSend(payload, websocket.OpPong)
		case websocket.OpClose:
			if !s.closeSent {
				_ = c.WSSend(payload, websocket.OpClose)
			}
			c.Drain()
		}
		return nil
	}

	if op == websocket.OpContinue {
		if s.frag == nil {
			return fmt.Errorf("%w: continuation frame without a message", errorx.ErrMalformedMessage)
		}
		if s.frag.Len()+len(payload) > c.mgr.opts.MaxMessageSize {
			return fmt.Errorf("%w: fragmented websocket message", errorx.ErrMessageTooLarge)
		}
		_, _ = s.frag.Write(payload)
		if f.Fin {
			frag := s.frag
			s.frag = nil
			c.emit(WSMessageEvent{Op: s.fragOp, Data: frag.B})
			bbPool.Put(frag)
		}
		return nil
	}

	if s.frag != nil {
		return fmt.Errorf("%w: new message inside a fragmented one", errorx.ErrMalformedMessage)
	}
	if f.Fin {
		c.emit(WSMessageEvent{Op: op, Data: payload})
		return nil
	}
	s.frag = bbPool.Get()
	s.fragOp = op
	_, _ = s.frag.Write(payload)
	return nil
}

// WSUpgrade turns an HTTP connection into a WebSocket one, in place: the id,
// the transport and the buffers are kept. It answers 101 and delivers
// WSOpenEvent. A request without Sec-WebSocket-Key gets 426 and the
// connection drains. extraHeaders is empty or "Name: value\r\n" lines.
func (c *Conn) WSUpgrade(msg *httpx.Message, extraHeaders string) error {
	if _, ok := c.stage.(*httpStage); !ok {
		return errorx.ErrUnsupportedOp
	}
	key := bytes.TrimSpace(msg.Header("Sec-WebSocket-Key"))
	if len(key) == 0 {
		_ = c.HTTPReply(426, "", []byte("WS upgrade expected\n"))
		c.Drain()
		return errorx.ErrUpgradeFailed
	}

	bb := bbPool.Get()
	defer bbPool.Put(bb)
	bb.B = fmt.Appendf(bb.B, "HTTP/1.1 101 Switching Protocols\r\n"+
		"Upgrade: websocket\r\nConnection: Upgrade\r\nSec-WebSocket-Accept: %s\r\n",
		websocket.AcceptKey(key))
	if proto := msg.Header("Sec-WebSocket-Protocol"); len(proto) > 0 {
		if i := bytes.IndexByte(proto, ','); i >= 0 {
			proto = proto[:i]
		}
		bb.B = fmt.Appendf(bb.B, "Sec-WebSocket-Protocol: %s\r\n", bytes.TrimSpace(proto))
	}
	bb.B = append(bb.B, extraHeaders...)
	bb.B = append(bb.B, "\r\n"...)
	if err := c.Send(bb.B); err != nil {
		return err
	}
	c.resp = false
	c.setStage(new(wsStage))
	c.emit(WSOpenEvent{Msg: msg})
	return nil
}

// WSSend sends p as one WebSocket message. Frames of client connections are
// masked.
func (c *Conn) WSSend(p []byte, op websocket.OpCode) error {
	s, ok := c.stage.(*wsStage)
	if !ok {
		return errorx.ErrUnsupportedOp
	}
	bb := bbPool.Get()
	defer bbPool.Put(bb)
	bb.B = websocket.AppendFrame(bb.B, p, op, !c.accepted)
	if err := c.Send(bb.B); err != nil {
		return err
	}
	if op == websocket.OpClose {
		s.closeSent = true
	}
	return nil
}

// WSPrintf sends a formatted WebSocket message.
func (c *Conn) WSPrintf(op websocket.OpCode, format string, args ...any) error {
	return c.WSSend(fmt.Appendf(nil, format, args...), op)
}

// WSConnect connects to a ws:// or wss:// URL and sends the upgrade
// request. WSOpenEvent is delivered once the server accepted it.
// extraHeaders is empty or "Name: value\r\n" lines.
func (m *Manager) WSConnect(url string, h Handler, extraHeaders string) (*Conn, error) {
	a, err := parseAddress(url)
	if err != nil {
		return nil, err
	}
	s := &wsStage{handshake: true, key: websocket.NewKey()}
	c, err := m.connect(a, h, s)
	if err != nil {
		return nil, err
	}
	err = c.Printf("GET %s HTTP/1.1\r\n"+
		"Upgrade: websocket\r\nConnection: Upgrade\r\n"+
		"Sec-WebSocket-Version: 13\r\nSec-WebSocket-Key: %s\r\n"+
		"Host: %s\r\n%s\r\n", a.uri, s.key, a.hostport, extraHeaders)
	return c, err
}

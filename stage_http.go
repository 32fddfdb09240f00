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
	"fmt"
	"net/http"
	"time"

	errorx "github.com/evmux/evmux/pkg/errors"
	httpx "github.com/evmux/evmux/pkg/parser/http"
	bbPool "github.com/evmux/evmux/pkg/pool/bytebuffer"
)

// httpStage parses HTTP messages. The message views point into the receive
// buffer and stay valid until the message is consumed.
type httpStage struct {
	msg         httpx.Message
	headersSent bool
}

func (s *httpStage) kind() StageKind { return StageHTTP }

func (s *httpStage) poll(*Conn, time.Time) {}

func (s *httpStage) advance(c *Conn) error {
	limit := c.mgr.opts.MaxMessageSize
	for !c.resp && !c.closing && c.stage == s && !c.recv.IsEmpty() {
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

		if !s.headersSent {
			s.headersSent = true
			c.emit(HTTPHeadersEvent{Msg: &s.msg})
			if c.closing {
				return nil
			}
			if c.stage != s {
				c.recv.Discard(n)
				return nil
			}
		}

		var total int
		switch {
		case s.msg.IsChunked():
			consumed, size, err := httpx.Dechunk(buf[n:])
			if err != nil {
				return err
			}
			if consumed == 0 {
				if len(buf)-n > limit {
					return fmt.Errorf("%w: chunked body exceeds %d bytes", errorx.ErrMessageTooLarge, limit)
				}
				return nil
			}
			s.msg.Body = buf[n : n+size]
			total = n + consumed
		case s.msg.BodyLen < 0:
			if !c.eof {
				return nil
			}
			s.msg.Body = buf[n:]
			total = len(buf)
		default:
			if len(buf)-n < s.msg.BodyLen {
				return nil
			}
			total = n + s.msg.BodyLen
		}

		if c.accepted && !s.msg.IsResponse() {
			c.resp = true
		}
		c.emit(HTTPMessageEvent{Msg: &s.msg})
		c.recv.Discard(total)
		s.headersSent = false
		s.msg.Reset()
	}
	return nil
}

// endResponse marks the reply to the current request as complete, so the
// next pipelined request can be parsed.
func (c *Conn) endResponse() {
	if c.resp {
		c.resp = false
		c.needAdvance = true
	}
}

func statusText(code int) string {
	if s := http.StatusText(code); s != "" {
		return s
	}
	return "OK"
}

// HTTPReply sends a complete response with a Content-Length header. headers
// is either empty or a sequence of "Name: value\r\n" lines.
func (c *Conn) HTTPReply(code int, headers string, body []byte) error {
	bb := bbPool.Get()
	defer bbPool.Put(bb)
	bb.B = fmt.Appendf(bb.B, "HTTP/1.1 %d %s\r\n%sContent-Length: %d\r\n\r\n",
		code, statusText(code), headers, len(body))
	bb.B = append(bb.B, body...)
	if err := c.Send(bb.B); err != nil {
		return err
	}
	c.endResponse()
	return nil
}

// HTTPReplyf is HTTPReply with a formatted body.
func (c *Conn) HTTPReplyf(code int, headers, format string, args ...any) error {
	return c.HTTPReply(code, headers, fmt.Appendf(nil, format, args...))
}

// HTTPWriteChunk sends one chunk of a response started with
// "Transfer-Encoding: chunked". An empty chunk ends the response.
func (c *Conn) HTTPWriteChunk(p []byte) error {
	bb := bbPool.Get()
	defer bbPool.Put(bb)
	bb.B = httpx.AppendChunk(bb.B, p)
	if err := c.Send(bb.B); err != nil {
		return err
	}
	if len(p) == 0 {
		c.endResponse()
	}
	return nil
}

// HTTPPrintfChunk sends a formatted chunk.
func (c *Conn) HTTPPrintfChunk(format string, args ...any) error {
	return c.HTTPWriteChunk(fmt.Appendf(nil, format, args...))
}

// StreamBody makes the body of the current message arrive as ReadEvents
// instead of one HTTPMessageEvent. It is only valid in HTTPHeadersEvent.
// The stage returns to HTTP once the declared length was delivered, a
// chunked or unbounded body streams until the connection closes.
func (c *Conn) StreamBody() error {
	s, ok := c.stage.(*httpStage)
	if !ok || !s.headersSent {
		return errorx.ErrUnsupportedOp
	}
	remaining := s.msg.BodyLen
	if s.msg.IsChunked() {
		remaining = -1
	}
	if remaining == 0 {
		return nil
	}
	c.setStage(&streamStage{remaining: remaining})
	return nil
}

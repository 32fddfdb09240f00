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
	"io"
	"net"
	"time"

	"github.com/evmux/evmux/pkg/buffer/iobuf"
	"github.com/evmux/evmux/pkg/buffer/ring"
	errorx "github.com/evmux/evmux/pkg/errors"
	"github.com/evmux/evmux/pkg/metrics"
	bbPool "github.com/evmux/evmux/pkg/pool/bytebuffer"
)

// Conn is one connection of a Manager: a listener, an accepted peer or an
// outgoing client. All methods must be called from the goroutine running
// Manager.Poll, usually from within the handler.
type Conn struct {
	id      uint64
	mgr     *Manager
	handler Handler
	t       transport
	addr    *address
	local   net.Addr
	remote  net.Addr
	stage   stage
	role    string
	created time.Time

	recv *iobuf.Buffer
	send *iobuf.Buffer
	wire *iobuf.Buffer // ciphertext not yet taken by the transport

	tls      *tlsBridge
	tlsState TLSState
	pipe     *ring.Pipe
	ctx      any
	data     [32]byte

	listening, accepted, client, udp, tlsScheme    bool
	connecting, resolving, draining, closing, resp bool

	eof         bool // no more bytes will ever arrive
	rdEOF       bool // the transport reported EOF
	needAdvance bool // run the stage even without new bytes
	failed      bool // ErrorEvent was delivered
	destroyed   bool
	hasTimers   bool
	rxNew       int // bytes received in the current pass
}

func newConn(m *Manager, role string, h Handler, a *address) *Conn {
	m.nextID++
	c := &Conn{
		id:      m.nextID,
		mgr:     m,
		handler: h,
		addr:    a,
		role:    role,
		created: time.Now(),
		recv:    iobuf.New(0, 0),
		send:    iobuf.New(0, 0),
	}
	switch role {
	case metrics.RoleListener:
		c.listening = true
	case metrics.RoleAccepted:
		c.accepted = true
	default:
		c.client = true
	}
	if a != nil {
		c.udp, c.tlsScheme = a.udp, a.tls
	}
	return c
}

// ID returns the identifier of the connection, unique within its Manager.
func (c *Conn) ID() uint64 { return c.id }

// Manager returns the Manager owning the connection.
func (c *Conn) Manager() *Manager { return c.mgr }

// Recv returns the receive buffer. Bytes in it were not consumed yet.
func (c *Conn) Recv() *iobuf.Buffer { return c.recv }

// SendBuffer returns the bytes queued for sending. With TLS they are the
// plaintext not encrypted yet.
func (c *Conn) SendBuffer() *iobuf.Buffer { return c.send }

func (c *Conn) IsListening() bool { return c.listening }
func (c *Conn) IsAccepted() bool  { return c.accepted }
func (c *Conn) IsClient() bool    { return c.client }
func (c *Conn) IsUDP() bool       { return c.udp }
func (c *Conn) IsDraining() bool  { return c.draining }
func (c *Conn) IsClosing() bool   { return c.closing }

// IsTLS tells whether the connection is encrypted, or will be because its
// URL has a TLS scheme.
func (c *Conn) IsTLS() bool { return c.tlsScheme || c.tls != nil }

// IsResp tells whether an HTTP response is in progress on an accepted
// connection. Pipelined requests wait until it ends.
func (c *Conn) IsResp() bool { return c.resp }

// Context returns the user-defined context.
func (c *Conn) Context() any { return c.ctx }

// SetContext sets a user-defined context.
func (c *Conn) SetContext(ctx any) { c.ctx = ctx }

// Data returns a scratch area owned by the application.
func (c *Conn) Data() *[32]byte { return &c.data }

// LocalAddr returns the local address, nil until known.
func (c *Conn) LocalAddr() net.Addr { return c.local }

// RemoteAddr returns the peer address. On a UDP listener it follows the
// sender of the last datagram.
func (c *Conn) RemoteAddr() net.Addr {
	if c.udp && c.listening && c.t != nil {
		return c.t.RemoteAddr()
	}
	return c.remote
}

// Pipe returns the connection's inbound pipe. Exactly one other goroutine
// may write into it, every write wakes the Manager up. The handler drains
// it on PollEvent.
func (c *Conn) Pipe() *ring.Pipe {
	if c.pipe == nil {
		c.pipe = ring.NewPipe(0, c.mgr.wake)
	}
	return c.pipe
}

// Send queues p for sending. On UDP the datagram is sent right away when
// the transport is ready.
func (c *Conn) Send(p []byte) error {
	switch {
	case c.closing || c.destroyed:
		return errorx.ErrConnClosing
	case c.listening && !c.udp:
		return errorx.ErrUnsupportedOp
	}
	if c.udp && c.t != nil && !c.connecting && c.send.IsEmpty() {
		n, err := c.t.Write(p)
		if err != nil {
			return err
		}
		if n == 0 && len(p) > 0 {
			c.send.Append(p)
			return nil
		}
		c.wrote(n)
		return nil
	}
	c.send.Append(p)
	return nil
}

// Printf formats according to a format specifier and sends the result.
func (c *Conn) Printf(format string, args ...any) error {
	buf := bbPool.Get()
	defer bbPool.Put(buf)
	_, _ = fmt.Fprintf(buf, format, args...)
	return c.Send(buf.B)
}

// Consume removes the first n bytes of the receive buffer.
func (c *Conn) Consume(n int) int { return c.recv.Discard(n) }

// Drain closes the connection once everything queued has been sent.
func (c *Conn) Drain() { c.draining = true }

// Close closes the connection in the next destruction phase, whatever is
// still queued is discarded.
func (c *Conn) Close() { c.closing = true }

// Error raises an ApplicationError on the connection, which closes it.
func (c *Conn) Error(format string, args ...any) {
	c.fail(ApplicationError, fmt.Errorf(format, args...))
}

// fail marks the connection closing and delivers the only ErrorEvent it
// will ever get.
func (c *Conn) fail(kind ErrorKind, err error) {
	c.closing = true
	if c.failed || c.destroyed {
		return
	}
	c.failed = true
	e := &Error{Kind: kind, ConnID: c.id, Err: err}
	c.mgr.logger.Warnf("conn=%d %s error: %v", c.id, kind, err)
	if mt := c.mgr.metrics; mt != nil {
		mt.Errors.WithLabelValues(kind.String()).Inc()
	}
	c.emit(ErrorEvent{Err: e})
}

func (c *Conn) emit(ev Event) {
	if mt := c.mgr.metrics; mt != nil {
		mt.Events.WithLabelValues(ev.eventName()).Inc()
	}
	if c.handler != nil {
		c.handler.OnEvent(c, ev)
	}
}

// hasOutput tells whether the transport has something to write now.
func (c *Conn) hasOutput() bool {
	if c.tls == nil {
		return !c.send.IsEmpty()
	}
	return !c.wire.IsEmpty() ||
		c.tlsState == TLSEstablished && !c.send.IsEmpty() ||
		c.tls.raw.hasOutput()
}

// flushed tells whether the send side is completely empty.
func (c *Conn) flushed() bool {
	if c.tls == nil {
		return c.send.IsEmpty()
	}
	return c.send.IsEmpty() && c.wire.IsEmpty() && !c.tls.raw.hasOutput()
}

func (c *Conn) wrote(n int) {
	if mt := c.mgr.metrics; mt != nil {
		mt.BytesWritten.Add(float64(n))
	}
	c.emit(WriteEvent{N: n})
}

// readStep does one bounded read. It returns the number of plaintext bytes
// added to the receive buffer.
func (c *Conn) readStep() int {
	if c.rdEOF || !c.t.Readable() {
		return 0
	}
	opts := c.mgr.opts
	if c.recv.Len() >= opts.MaxRecvBuffer {
		c.fail(ProtocolError, errorx.ErrRecvBufferFull)
		return 0
	}

	var (
		n   int
		err error
	)
	if c.tls == nil && !c.udp {
		n, err = c.t.Read(c.recv.Free(opts.ReadChunk)[:opts.ReadChunk])
		c.recv.Commit(n)
	} else {
		// Datagrams must be read whole, ciphertext goes to the bridge.
		buf := c.mgr.readBuf
		if !c.udp {
			buf = buf[:opts.ReadChunk]
		}
		if n, err = c.t.Read(buf); n > 0 {
			if c.tls != nil {
				c.tls.raw.feed(buf[:n])
			} else {
				c.recv.Append(buf[:n])
			}
		}
	}
	if n > 0 {
		if mt := c.mgr.metrics; mt != nil {
			mt.BytesRead.Add(float64(n))
		}
	}

	switch {
	case err == io.EOF:
		c.rdEOF = true
		if c.tls != nil {
			c.tls.raw.feedEOF()
		} else {
			c.eof = true
			c.needAdvance = true
		}
	case err != nil:
		c.fail(TransportError, err)
		return 0
	}
	if c.tls != nil {
		return 0
	}
	return n
}

// writeStep writes as much as the transport accepts.
func (c *Conn) writeStep() {
	if c.t == nil || c.connecting || c.listening && !c.udp {
		return
	}
	buf := c.send
	if c.tls != nil {
		if err := c.tlsWrite(); err != nil {
			c.fail(TLSError, err)
			return
		}
		buf = c.wire
	}
	if buf.IsEmpty() || !c.t.Writable() {
		return
	}
	n, err := c.t.Write(buf.Bytes())
	if err != nil {
		c.fail(TransportError, err)
		return
	}
	if n > 0 {
		buf.Discard(n)
		c.wrote(n)
	}
}

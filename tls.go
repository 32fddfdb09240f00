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
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/evmux/evmux/pkg/buffer/iobuf"
	errorx "github.com/evmux/evmux/pkg/errors"
	"github.com/evmux/evmux/pkg/pool/byteslice"
)

// TLSState is the TLS progress of a connection.
type TLSState uint8

const (
	// TLSNone means the connection is not encrypted.
	TLSNone TLSState = iota
	// TLSHandshaking means InitTLS was called and the handshake runs.
	TLSHandshaking
	// TLSEstablished means application data flows encrypted.
	TLSEstablished
)

func (s TLSState) String() string {
	switch s {
	case TLSNone:
		return "none"
	case TLSHandshaking:
		return "handshaking"
	case TLSEstablished:
		return "established"
	}
	return fmt.Sprintf("TLSState(%d)", uint8(s))
}

// TLSOptions hold PEM encoded material for Conn.InitTLS.
type TLSOptions struct {
	// Cert and Key are the certificate chain and private key. A server
	// needs them, a client only for mutual authentication.
	Cert []byte
	Key  []byte
	// CA verifies the peer. On a server it also makes client certificates
	// mandatory. A client without CA verifies against the system roots.
	CA []byte
	// ServerName defaults to the host of the URL the client connected to.
	ServerName string
	// SkipVerify disables peer verification on a client.
	SkipVerify bool
}

func (o *TLSOptions) config(server bool, host string) (*tls.Config, error) {
	cfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		ServerName:         o.ServerName,
		InsecureSkipVerify: o.SkipVerify,
	}
	if cfg.ServerName == "" {
		cfg.ServerName = host
	}
	if len(o.Cert) > 0 {
		pair, err := tls.X509KeyPair(o.Cert, o.Key)
		if err != nil {
			return nil, err
		}
		cfg.Certificates = []tls.Certificate{pair}
	} else if server {
		return nil, errors.New("tls server needs a certificate")
	}
	if len(o.CA) > 0 {
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(o.CA) {
			return nil, errors.New("no certificate found in CA")
		}
		if server {
			cfg.ClientCAs = pool
			cfg.ClientAuth = tls.RequireAndVerifyClientCert
		} else {
			cfg.RootCAs = pool
		}
	}
	return cfg, nil
}

// InitTLS starts TLS on the connection, usually from AcceptEvent or
// ConnectEvent. Bytes queued before the handshake completes are sent
// encrypted afterwards. TLSHandshakeEvent is delivered once it completes.
func (c *Conn) InitTLS(opts TLSOptions) error {
	if c.tls != nil {
		return errorx.ErrTLSAlreadyInitialized
	}
	if c.listening || c.udp {
		return errorx.ErrUnsupportedOp
	}
	var host string
	if c.addr != nil {
		host = c.addr.host
	}
	cfg, err := opts.config(c.accepted, host)
	if err != nil {
		c.fail(TLSError, err)
		return err
	}
	b := newTLSBridge(c, cfg)
	if err = c.mgr.pool.Submit(b.run); err != nil {
		c.fail(TLSError, err)
		return err
	}
	c.tls = b
	c.tlsState = TLSHandshaking
	c.wire = iobuf.New(0, 0)
	return nil
}

// TLSState returns the TLS progress of the connection.
func (c *Conn) TLSState() TLSState { return c.tlsState }

// tlsBridge runs crypto/tls for one connection on a worker goroutine. The
// poll goroutine feeds it the ciphertext read from the transport and
// collects the plaintext, the worker never touches the connection.
type tlsBridge struct {
	conn *tls.Conn
	raw  *cipherPipe
	wake func()

	mu      sync.Mutex
	plain   []byte
	readErr error
	hsDone  bool
	hsErr   error
}

func newTLSBridge(c *Conn, cfg *tls.Config) *tlsBridge {
	raw := &cipherPipe{wake: c.mgr.wake, local: c.local, remote: c.remote}
	raw.cond = sync.NewCond(&raw.mu)
	b := &tlsBridge{raw: raw, wake: c.mgr.wake}
	if c.accepted {
		b.conn = tls.Server(raw, cfg)
	} else {
		b.conn = tls.Client(raw, cfg)
	}
	return b
}

func (b *tlsBridge) run() {
	err := b.conn.Handshake()
	b.mu.Lock()
	b.hsDone, b.hsErr = err == nil, err
	b.mu.Unlock()
	b.wake()
	if err != nil {
		return
	}
	buf := byteslice.Get(16 << 10)
	defer byteslice.Put(buf)
	for {
		n, err := b.conn.Read(buf)
		b.mu.Lock()
		b.plain = append(b.plain, buf[:n]...)
		b.readErr = err
		b.mu.Unlock()
		b.wake()
		if err != nil {
			return
		}
	}
}

// pending tells whether the worker produced something the poll loop has
// not picked up yet.
func (b *tlsBridge) pending(state TLSState) bool {
	b.mu.Lock()
	p := len(b.plain) > 0 || b.readErr != nil ||
		state == TLSHandshaking && (b.hsDone || b.hsErr != nil)
	b.mu.Unlock()
	return p || b.raw.hasOutput()
}

func (b *tlsBridge) close() {
	_ = b.raw.Close()
}

// tlsRead picks up the worker's progress: handshake outcome and plaintext.
// It returns the number of plaintext bytes added to the receive buffer.
func (c *Conn) tlsRead() int {
	b := c.tls
	b.mu.Lock()
	plain := b.plain
	b.plain = nil
	hsDone, hsErr, readErr := b.hsDone, b.hsErr, b.readErr
	b.mu.Unlock()

	if hsErr != nil {
		c.fail(TLSError, fmt.Errorf("%w: %v", errorx.ErrHandshakeFailed, hsErr))
		return 0
	}
	if hsDone && c.tlsState == TLSHandshaking {
		c.tlsState = TLSEstablished
		c.mgr.logger.Debugf("conn=%d tls established", c.id)
		c.emit(TLSHandshakeEvent{})
	}
	c.recv.Append(plain)
	if readErr != nil && !c.eof {
		if errors.Is(readErr, io.EOF) || errors.Is(readErr, io.ErrUnexpectedEOF) {
			c.eof = true
			c.needAdvance = true
		} else {
			c.fail(TLSError, readErr)
		}
	}
	return len(plain)
}

// tlsWrite encrypts the send buffer once the handshake is done and moves
// the ciphertext to the wire buffer.
func (c *Conn) tlsWrite() error {
	if c.tlsState == TLSEstablished && !c.send.IsEmpty() {
		n, err := c.tls.conn.Write(c.send.Bytes())
		c.send.Discard(n)
		if err != nil {
			return err
		}
	}
	c.tls.raw.takeOutput(c.wire)
	return nil
}

// cipherPipe is the net.Conn under tls.Conn. Reads block the worker until
// the poll loop feeds ciphertext, writes never block.
type cipherPipe struct {
	mu     sync.Mutex
	cond   *sync.Cond
	in     []byte
	out    []byte
	eof    bool
	closed bool
	wake   func()

	local, remote net.Addr
}

func (p *cipherPipe) feed(b []byte) {
	p.mu.Lock()
	p.in = append(p.in, b...)
	p.cond.Broadcast()
	p.mu.Unlock()
}

func (p *cipherPipe) feedEOF() {
	p.mu.Lock()
	p.eof = true
	p.cond.Broadcast()
	p.mu.Unlock()
}

func (p *cipherPipe) hasOutput() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.out) > 0
}

func (p *cipherPipe) takeOutput(dst *iobuf.Buffer) {
	p.mu.Lock()
	dst.Append(p.out)
	p.out = p.out[:0]
	p.mu.Unlock()
}

func (p *cipherPipe) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for len(p.in) == 0 && !p.eof && !p.closed {
		p.cond.Wait()
	}
	switch {
	case p.closed:
		return 0, net.ErrClosed
	case len(p.in) == 0:
		return 0, io.EOF
	}
	n := copy(b, p.in)
	if p.in = p.in[n:]; len(p.in) == 0 {
		p.in = nil
	}
	return n, nil
}

func (p *cipherPipe) Write(b []byte) (int, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0, net.ErrClosed
	}
	p.out = append(p.out, b...)
	p.mu.Unlock()
	p.wake()
	return len(b), nil
}

func (p *cipherPipe) Close() error {
	p.mu.Lock()
	p.closed = true
	p.cond.Broadcast()
	p.mu.Unlock()
	return nil
}

func (p *cipherPipe) LocalAddr() net.Addr              { return p.local }
func (p *cipherPipe) RemoteAddr() net.Addr             { return p.remote }
func (p *cipherPipe) SetDeadline(time.Time) error      { return nil }
func (p *cipherPipe) SetReadDeadline(time.Time) error  { return nil }
func (p *cipherPipe) SetWriteDeadline(time.Time) error { return nil }

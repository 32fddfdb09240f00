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
	"net"
	"time"

	errorx "github.com/evmux/evmux/pkg/errors"
	"github.com/evmux/evmux/pkg/netif"
)

// driverNetwork runs connections over the stack of a netif.Interface.
type driverNetwork struct {
	ifp *netif.Interface
	now func() time.Time
}

func newDriverNetwork(opts *Options) (network, error) {
	if opts.Interface.Stack() == nil {
		return nil, errorx.ErrNoDriver
	}
	return &driverNetwork{ifp: opts.Interface, now: opts.NowFunc}, nil
}

func (n *driverNetwork) listen(udp bool, ip net.IP, port int) (transport, error) {
	if udp {
		ep, err := n.ifp.Stack().ListenPacket(ip, port)
		if err != nil {
			return nil, err
		}
		return &endpointTransport{ep: ep}, nil
	}
	l, err := n.ifp.Stack().Listen(ip, port)
	if err != nil {
		return nil, err
	}
	return &listenerTransport{l: l}, nil
}

func (n *driverNetwork) dial(udp bool, ip net.IP, port int) (transport, error) {
	network := "tcp"
	if udp {
		network = "udp"
	}
	ep, err := n.ifp.Stack().Dial(network, ip, port)
	if err != nil {
		return nil, err
	}
	return &endpointTransport{ep: ep}, nil
}

func (n *driverNetwork) register(*Conn) error { return nil }

func (n *driverNetwork) unregister(*Conn) {}

func (n *driverNetwork) ready(c *Conn) bool {
	if c.t == nil || c.closing || c.listening && !c.udp {
		return false
	}
	read, write := c.interest()
	return read && c.t.Readable() || write && c.t.Writable()
}

func (n *driverNetwork) wait(_ []*Conn, d time.Duration) error {
	n.ifp.Wait(d)
	n.ifp.Poll(n.now())
	return nil
}

func (n *driverNetwork) wake() { n.ifp.Wake() }

func (n *driverNetwork) close() error { return nil }

// endpointTransport adapts a stack endpoint.
type endpointTransport struct {
	ep netif.Endpoint
}

func (t *endpointTransport) Read(p []byte) (int, error)  { return t.ep.Read(p) }
func (t *endpointTransport) Write(p []byte) (int, error) { return t.ep.Write(p) }
func (t *endpointTransport) Close() error                { return t.ep.Close() }
func (t *endpointTransport) Readable() bool              { return t.ep.Readable() }
func (t *endpointTransport) Writable() bool              { return t.ep.Writable() }
func (t *endpointTransport) LocalAddr() net.Addr         { return t.ep.LocalAddr() }
func (t *endpointTransport) RemoteAddr() net.Addr        { return t.ep.RemoteAddr() }

func (t *endpointTransport) connected() (bool, error) { return t.ep.Connected() }

// listenerTransport adapts a stack listener. It is always readable, accept
// finds out whether anything is pending.
type listenerTransport struct {
	l netif.Listener
}

func (t *listenerTransport) Read([]byte) (int, error)  { return 0, errorx.ErrUnsupportedOp }
func (t *listenerTransport) Write([]byte) (int, error) { return 0, errorx.ErrUnsupportedOp }
func (t *listenerTransport) Close() error              { return t.l.Close() }
func (t *listenerTransport) Readable() bool            { return true }
func (t *listenerTransport) Writable() bool            { return false }
func (t *listenerTransport) LocalAddr() net.Addr       { return t.l.Addr() }
func (t *listenerTransport) RemoteAddr() net.Addr      { return nil }

func (t *listenerTransport) accept() (transport, error) {
	ep, err := t.l.Accept()
	if ep == nil || err != nil {
		return nil, err
	}
	return &endpointTransport{ep: ep}, nil
}

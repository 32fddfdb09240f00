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

// Package memstack is a loopback network interface: a Driver that turns
// every transmitted frame into a received one and a tiny connection-oriented
// Stack on top of it. It serves tests and examples of driver mode, it is not
// a TCP/IP implementation.
//
// Frames carry a 5-byte header: kind, source port, destination port.
package memstack

import (
	"encoding/binary"
	"errors"
	"io"
	"net"
	"sync/atomic"
	"time"

	"github.com/evmux/evmux/pkg/netif"
)

const (
	frameSYN byte = iota + 1
	frameSYNACK
	frameData
	frameFIN
	frameRST
	frameUDP
)

const (
	hdrLen        = 5
	ephemeralBase = 49152
)

var (
	// ErrRefused is reported when no listener owns the destination port.
	ErrRefused = errors.New("memstack: connection refused")
	// ErrReset is reported when the peer vanished.
	ErrReset = errors.New("memstack: connection reset")
	// ErrPortInUse is returned when binding a port that is taken.
	ErrPortInUse = errors.New("memstack: port in use")
)

// Driver loops frames back into its own interface.
type Driver struct {
	ifp   *netif.Interface
	stack *Stack
	down  atomic.Bool
}

// Init implements netif.Driver.
func (d *Driver) Init(ifp *netif.Interface) bool {
	d.ifp = ifp
	d.stack.ifp = ifp
	return true
}

// Tx implements netif.Driver.
func (d *Driver) Tx(frame []byte) int {
	if d.down.Load() || !d.ifp.Rx(frame) {
		return 0
	}
	return len(frame)
}

// Up implements netif.Driver.
func (d *Driver) Up(*netif.Interface) bool { return !d.down.Load() }

// SetLink sets the link state.
func (d *Driver) SetLink(up bool) { d.down.Store(!up) }

type pair struct{ local, remote int }

// Stack is the loopback stack. All addresses resolve to the host itself.
type Stack struct {
	ip        net.IP
	ifp       *netif.Interface
	nextPort  int
	listeners map[int]*listener
	streams   map[pair]*stream
	packets   map[int]*packetEndpoint
}

// New returns a stack answering on ip and the driver to pair it with.
func New(ip net.IP) (*Stack, *Driver) {
	s := &Stack{
		ip:        ip,
		nextPort:  ephemeralBase,
		listeners: make(map[int]*listener),
		streams:   make(map[pair]*stream),
		packets:   make(map[int]*packetEndpoint),
	}
	return s, &Driver{stack: s}
}

// NewInterface builds and initializes an interface running a fresh stack.
func NewInterface(ip net.IP) (*netif.Interface, *Driver, error) {
	s, d := New(ip)
	ifp := netif.New(netif.Config{Name: "mem0", IP: ip, MTU: 1500}, d, s)
	if err := ifp.Init(); err != nil {
		return nil, nil, err
	}
	return ifp, d, nil
}

func (s *Stack) tx(kind byte, src, dst int, payload []byte) {
	frame := make([]byte, hdrLen+len(payload))
	frame[0] = kind
	binary.BigEndian.PutUint16(frame[1:], uint16(src))
	binary.BigEndian.PutUint16(frame[3:], uint16(dst))
	copy(frame[hdrLen:], payload)
	s.ifp.Tx(frame)
}

func (s *Stack) mss() int {
	return s.ifp.MTU - hdrLen
}

func (s *Stack) inUse(port int) bool {
	if _, ok := s.listeners[port]; ok {
		return true
	}
	if _, ok := s.packets[port]; ok {
		return true
	}
	for p := range s.streams {
		if p.local == port {
			return true
		}
	}
	return false
}

func (s *Stack) allocPort() int {
	for {
		p := s.nextPort
		s.nextPort++
		if s.nextPort > 65535 {
			s.nextPort = ephemeralBase
		}
		if !s.inUse(p) {
			return p
		}
	}
}

// Input implements netif.Stack.
func (s *Stack) Input(_ *netif.Interface, frame []byte) {
	if len(frame) < hdrLen {
		return
	}
	kind := frame[0]
	src := int(binary.BigEndian.Uint16(frame[1:]))
	dst := int(binary.BigEndian.Uint16(frame[3:]))
	payload := frame[hdrLen:]

	switch kind {
	case frameSYN:
		l, ok := s.listeners[dst]
		if !ok {
			s.tx(frameRST, dst, src, nil)
			return
		}
		st := &stream{s: s, local: dst, remote: src, connected: true}
		s.streams[pair{dst, src}] = st
		l.backlog = append(l.backlog, st)
		s.tx(frameSYNACK, dst, src, nil)
	case frameSYNACK:
		if st, ok := s.streams[pair{dst, src}]; ok {
			st.connected = true
		}
	case frameData:
		if st, ok := s.streams[pair{dst, src}]; ok && !st.eof {
			st.rx = append(st.rx, payload...)
		} else if !ok {
			s.tx(frameRST, dst, src, nil)
		}
	case frameFIN:
		if st, ok := s.streams[pair{dst, src}]; ok {
			st.eof = true
		}
	case frameRST:
		if st, ok := s.streams[pair{dst, src}]; ok {
			if st.connected {
				st.err = ErrReset
			} else {
				st.err = ErrRefused
			}
			delete(s.streams, pair{dst, src})
		}
	case frameUDP:
		if ep, ok := s.packets[dst]; ok {
			ep.queue = append(ep.queue, datagram{src: src, data: append([]byte(nil), payload...)})
		}
	}
}

// Poll implements netif.Stack, the loopback has no timers.
func (s *Stack) Poll(*netif.Interface, time.Time) {}

// Listen implements netif.Stack.
func (s *Stack) Listen(_ net.IP, port int) (netif.Listener, error) {
	if port == 0 {
		port = s.allocPort()
	} else if s.inUse(port) {
		return nil, ErrPortInUse
	}
	l := &listener{s: s, port: port}
	s.listeners[port] = l
	return l, nil
}

// ListenPacket implements netif.Stack.
func (s *Stack) ListenPacket(_ net.IP, port int) (netif.Endpoint, error) {
	if port == 0 {
		port = s.allocPort()
	} else if s.inUse(port) {
		return nil, ErrPortInUse
	}
	ep := &packetEndpoint{s: s, local: port}
	s.packets[port] = ep
	return ep, nil
}

// Dial implements netif.Stack.
func (s *Stack) Dial(network string, _ net.IP, port int) (netif.Endpoint, error) {
	local := s.allocPort()
	if network == "udp" {
		ep := &packetEndpoint{s: s, local: local, remote: port}
		s.packets[local] = ep
		return ep, nil
	}
	st := &stream{s: s, local: local, remote: port}
	s.streams[pair{local, port}] = st
	s.tx(frameSYN, local, port, nil)
	return st, nil
}

type listener struct {
	s       *Stack
	port    int
	backlog []*stream
	closed  bool
}

func (l *listener) Accept() (netif.Endpoint, error) {
	if l.closed {
		return nil, net.ErrClosed
	}
	if len(l.backlog) == 0 {
		return nil, nil
	}
	st := l.backlog[0]
	l.backlog = l.backlog[1:]
	return st, nil
}

func (l *listener) Addr() net.Addr {
	return &net.TCPAddr{IP: l.s.ip, Port: l.port}
}

func (l *listener) Close() error {
	if !l.closed {
		l.closed = true
		delete(l.s.listeners, l.port)
	}
	return nil
}

type stream struct {
	s             *Stack
	local, remote int
	rx            []byte
	eof           bool
	connected     bool
	closed        bool
	err           error
}

func (st *stream) Read(p []byte) (int, error) {
	switch {
	case st.closed:
		return 0, net.ErrClosed
	case len(st.rx) > 0:
		n := copy(p, st.rx)
		st.rx = st.rx[n:]
		return n, nil
	case st.eof:
		return 0, io.EOF
	case st.err != nil:
		return 0, st.err
	}
	return 0, nil
}

func (st *stream) Write(p []byte) (int, error) {
	switch {
	case st.closed:
		return 0, net.ErrClosed
	case st.err != nil:
		return 0, st.err
	case !st.connected:
		return 0, nil
	}
	mss := st.s.mss()
	for off := 0; off < len(p); off += mss {
		end := off + mss
		if end > len(p) {
			end = len(p)
		}
		st.s.tx(frameData, st.local, st.remote, p[off:end])
	}
	return len(p), nil
}

func (st *stream) Close() error {
	if st.closed {
		return nil
	}
	st.closed = true
	if st.err == nil {
		st.s.tx(frameFIN, st.local, st.remote, nil)
	}
	delete(st.s.streams, pair{st.local, st.remote})
	return nil
}

func (st *stream) Readable() bool {
	return len(st.rx) > 0 || st.eof || st.err != nil
}

func (st *stream) Writable() bool {
	return st.connected && !st.closed && st.err == nil
}

func (st *stream) LocalAddr() net.Addr {
	return &net.TCPAddr{IP: st.s.ip, Port: st.local}
}

func (st *stream) RemoteAddr() net.Addr {
	return &net.TCPAddr{IP: st.s.ip, Port: st.remote}
}

func (st *stream) Connected() (bool, error) {
	return st.connected, st.err
}

type datagram struct {
	src  int
	data []byte
}

type packetEndpoint struct {
	s             *Stack
	local, remote int
	queue         []datagram
	closed        bool
}

func (ep *packetEndpoint) Read(p []byte) (int, error) {
	if ep.closed {
		return 0, net.ErrClosed
	}
	if len(ep.queue) == 0 {
		return 0, nil
	}
	d := ep.queue[0]
	ep.queue = ep.queue[1:]
	ep.remote = d.src
	return copy(p, d.data), nil
}

func (ep *packetEndpoint) Write(p []byte) (int, error) {
	if ep.closed {
		return 0, net.ErrClosed
	}
	if ep.remote == 0 {
		return 0, nil
	}
	ep.s.tx(frameUDP, ep.local, ep.remote, p)
	return len(p), nil
}

func (ep *packetEndpoint) Close() error {
	if !ep.closed {
		ep.closed = true
		delete(ep.s.packets, ep.local)
	}
	return nil
}

func (ep *packetEndpoint) Readable() bool { return len(ep.queue) > 0 }

func (ep *packetEndpoint) Writable() bool { return !ep.closed }

func (ep *packetEndpoint) LocalAddr() net.Addr {
	return &net.UDPAddr{IP: ep.s.ip, Port: ep.local}
}

func (ep *packetEndpoint) RemoteAddr() net.Addr {
	return &net.UDPAddr{IP: ep.s.ip, Port: ep.remote}
}

func (ep *packetEndpoint) Connected() (bool, error) { return true, nil }

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

// Package netif couples a link-layer Driver with an external TCP/IP Stack so
// that an evmux Manager can run its connections over a user-supplied network
// interface instead of kernel sockets.
//
// The driver hands received frames to Interface.Rx from any goroutine. They
// are queued and only fed to the stack from the goroutine running the
// Manager's poll loop, by Interface.Poll.
package netif

import (
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eapache/queue"

	errorx "github.com/evmux/evmux/pkg/errors"
)

// DefaultRxQueueBytes bounds the bytes of received frames waiting for Poll.
const DefaultRxQueueBytes = 1 << 20

// Driver is the link layer.
type Driver interface {
	// Init prepares the hardware, it is called once from Interface.Init.
	Init(ifp *Interface) bool
	// Tx transmits one frame and returns the number of bytes sent, 0 on
	// failure.
	Tx(frame []byte) int
	// Up reports the link state, it is polled on every Interface.Poll.
	Up(ifp *Interface) bool
}

// Endpoint is one connection of the stack. Read and Write never block:
// (0, nil) means would-block and io.EOF from Read is an orderly close by the
// peer. For a datagram endpoint every Read returns one datagram and updates
// RemoteAddr to its sender, Write sends one datagram to RemoteAddr.
type Endpoint interface {
	io.ReadWriteCloser
	Readable() bool
	Writable() bool
	LocalAddr() net.Addr
	RemoteAddr() net.Addr
	// Connected reports whether an outgoing connection is established, or
	// the error that ended the attempt.
	Connected() (bool, error)
}

// Listener accepts stream endpoints. Accept returns nil, nil when nothing
// is pending.
type Listener interface {
	Accept() (Endpoint, error)
	Addr() net.Addr
	Close() error
}

// Stack is the TCP/IP stack driven by an Interface.
type Stack interface {
	// Input processes one received frame.
	Input(ifp *Interface, frame []byte)
	// Poll runs the stack's timers and retransmissions.
	Poll(ifp *Interface, now time.Time)
	// Listen opens a stream listener, port 0 picks a free port.
	Listen(ip net.IP, port int) (Listener, error)
	// ListenPacket opens a datagram endpoint bound to the port.
	ListenPacket(ip net.IP, port int) (Endpoint, error)
	// Dial starts a connection to ip:port, network is "tcp" or "udp".
	Dial(network string, ip net.IP, port int) (Endpoint, error)
}

// Config describes the interface addressing.
type Config struct {
	Name    string
	MAC     net.HardwareAddr
	IP      net.IP
	Mask    net.IPMask
	Gateway net.IP
	MTU     int
	// RxQueueBytes bounds queued received frames, 0 means DefaultRxQueueBytes.
	RxQueueBytes int
}

// Stats are the interface counters.
type Stats struct {
	RxFrames  uint64
	TxFrames  uint64
	RxDropped uint64
	TxDropped uint64
}

// Interface is a network interface: a driver, a stack and the queue of
// received frames between them.
type Interface struct {
	Config

	driver Driver
	stack  Stack

	mu      sync.Mutex
	rx      *queue.Queue
	rxBytes int
	notify  chan struct{}

	up    bool
	ready bool

	rxFrames, txFrames, rxDropped, txDropped atomic.Uint64
}

// New creates an interface, call Init before use.
func New(cfg Config, driver Driver, stack Stack) *Interface {
	if cfg.MTU <= 0 {
		cfg.MTU = 1500
	}
	if cfg.RxQueueBytes <= 0 {
		cfg.RxQueueBytes = DefaultRxQueueBytes
	}
	return &Interface{
		Config: cfg,
		driver: driver,
		stack:  stack,
		rx:     queue.New(),
		notify: make(chan struct{}, 1),
	}
}

// Init initializes the driver.
func (ifp *Interface) Init() error {
	if ifp.driver == nil || ifp.stack == nil {
		return errorx.ErrNoDriver
	}
	if !ifp.driver.Init(ifp) {
		return errorx.ErrDriverInit
	}
	ifp.ready = true
	ifp.up = ifp.driver.Up(ifp)
	return nil
}

// Stack returns the stack the interface feeds.
func (ifp *Interface) Stack() Stack { return ifp.stack }

// IsUp reports the link state seen by the last Poll.
func (ifp *Interface) IsUp() bool { return ifp.up }

// Rx queues a received frame, it is safe to call from any goroutine. The
// frame is copied. It returns false when the frame was dropped because the
// queue is full.
func (ifp *Interface) Rx(frame []byte) bool {
	if len(frame) == 0 {
		return true
	}
	ifp.mu.Lock()
	if ifp.rxBytes+len(frame) > ifp.RxQueueBytes {
		ifp.mu.Unlock()
		ifp.rxDropped.Add(1)
		return false
	}
	ifp.rx.Add(append([]byte(nil), frame...))
	ifp.rxBytes += len(frame)
	ifp.mu.Unlock()
	ifp.rxFrames.Add(1)
	ifp.Wake()
	return true
}

// Tx hands a frame to the driver.
func (ifp *Interface) Tx(frame []byte) int {
	n := ifp.driver.Tx(frame)
	if n <= 0 {
		ifp.txDropped.Add(1)
		return 0
	}
	ifp.txFrames.Add(1)
	return n
}

// Wake makes a pending Wait return, it is safe to call from any goroutine.
func (ifp *Interface) Wake() {
	select {
	case ifp.notify <- struct{}{}:
	default:
	}
}

// Wait blocks until a frame is queued, Wake is called or d elapses.
func (ifp *Interface) Wait(d time.Duration) {
	if d <= 0 || ifp.Pending() {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ifp.notify:
	case <-t.C:
	}
}

// Pending tells whether received frames are waiting for Poll.
func (ifp *Interface) Pending() bool {
	ifp.mu.Lock()
	defer ifp.mu.Unlock()
	return ifp.rx.Length() > 0
}

// Poll feeds queued frames to the stack, refreshes the link state and lets
// the stack run its timers. It must be called from the poll goroutine.
func (ifp *Interface) Poll(now time.Time) {
	ifp.mu.Lock()
	frames := make([][]byte, 0, ifp.rx.Length())
	for ifp.rx.Length() > 0 {
		frames = append(frames, ifp.rx.Remove().([]byte))
	}
	ifp.rxBytes = 0
	ifp.mu.Unlock()

	if ifp.ready {
		ifp.up = ifp.driver.Up(ifp)
	}
	for _, f := range frames {
		ifp.stack.Input(ifp, f)
	}
	ifp.stack.Poll(ifp, now)
}

// Stats returns a snapshot of the counters.
func (ifp *Interface) Stats() Stats {
	return Stats{
		RxFrames:  ifp.rxFrames.Load(),
		TxFrames:  ifp.txFrames.Load(),
		RxDropped: ifp.rxDropped.Load(),
		TxDropped: ifp.txDropped.Load(),
	}
}

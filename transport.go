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
	"io"
	"net"
	"time"
)

// transport moves bytes for one connection without ever blocking. Read and
// Write return (0, nil) when they would block, Read returns io.EOF when the
// peer closed. Readable and Writable reflect the readiness seen by the last
// wait of the network.
type transport interface {
	io.ReadWriteCloser
	Readable() bool
	Writable() bool
	LocalAddr() net.Addr
	RemoteAddr() net.Addr
}

// acceptor is implemented by stream listener transports. accept returns a
// nil transport when nothing is pending.
type acceptor interface {
	accept() (transport, error)
}

// dialer is implemented by transports of outgoing connections.
type dialer interface {
	// connected reports whether the connect finished, or why it failed.
	connected() (bool, error)
}

// network creates transports and waits for their readiness. It is either
// kernel sockets driven by netpoll or a netif.Interface.
type network interface {
	listen(udp bool, ip net.IP, port int) (transport, error)
	dial(udp bool, ip net.IP, port int) (transport, error)
	register(c *Conn) error
	unregister(c *Conn)
	// ready tells whether c can make progress without waiting.
	ready(c *Conn) bool
	// wait blocks for at most d or until one of conns is ready or wake is
	// called, then refreshes readiness.
	wait(conns []*Conn, d time.Duration) error
	// wake interrupts wait, it is safe to call from any goroutine.
	wake()
	close() error
}

// interest tells which readiness a connection waits for.
func (c *Conn) interest() (read, write bool) {
	if c.closing || c.t == nil {
		return false, false
	}
	return true, c.connecting || c.hasOutput()
}

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

//go:build linux || freebsd || dragonfly || darwin
// +build linux freebsd dragonfly darwin

package evmux

import (
	"io"
	"net"
	"os"
	"time"

	"golang.org/x/sys/unix"

	"github.com/evmux/evmux/internal/netpoll"
	"github.com/evmux/evmux/internal/socket"
	errorx "github.com/evmux/evmux/pkg/errors"
	"github.com/evmux/evmux/pkg/logging"
)

func newNetwork(opts *Options, logger logging.Logger) (network, error) {
	if opts.Interface != nil {
		return newDriverNetwork(opts)
	}
	poller, err := netpoll.OpenPoller()
	if err != nil {
		return nil, err
	}
	return &socketNetwork{
		poller: poller,
		opts:   opts,
		logger: logger,
		fds:    make(map[int]*fdTransport),
	}, nil
}

// socketNetwork runs connections over kernel sockets multiplexed by epoll
// or kqueue.
type socketNetwork struct {
	poller *netpoll.Poller
	opts   *Options
	logger logging.Logger
	fds    map[int]*fdTransport
}

func (n *socketNetwork) sockopts(udp bool) (opts []socket.Option) {
	if !udp && n.opts.TCPNoDelay {
		opts = append(opts, socket.Option{SetSockopt: socket.SetNoDelay, Opt: 1})
	}
	if !udp && n.opts.TCPKeepAlive > 0 {
		secs := int(n.opts.TCPKeepAlive / time.Second)
		if secs < 1 {
			secs = 1
		}
		opts = append(opts, socket.Option{SetSockopt: socket.SetKeepAlivePeriod, Opt: secs})
	}
	if n.opts.SocketRecvBuffer > 0 {
		opts = append(opts, socket.Option{SetSockopt: socket.SetRecvBuffer, Opt: n.opts.SocketRecvBuffer})
	}
	if n.opts.SocketSendBuffer > 0 {
		opts = append(opts, socket.Option{SetSockopt: socket.SetSendBuffer, Opt: n.opts.SocketSendBuffer})
	}
	return
}

func (n *socketNetwork) listen(udp bool, ip net.IP, port int) (transport, error) {
	var (
		fd   int
		addr net.Addr
		err  error
	)
	if udp {
		fd, addr, err = socket.UDPListen(ip, port, n.sockopts(true)...)
	} else {
		opts := append([]socket.Option{{SetSockopt: socket.SetReuseAddr, Opt: 1}}, n.sockopts(false)...)
		fd, addr, err = socket.TCPListen(ip, port, opts...)
	}
	if err != nil {
		return nil, err
	}
	return &fdTransport{net: n, fd: fd, udp: udp, listener: true, local: addr}, nil
}

func (n *socketNetwork) dial(udp bool, ip net.IP, port int) (transport, error) {
	if udp {
		fd, err := socket.UDPDial(ip, port, n.sockopts(true)...)
		if err != nil {
			return nil, err
		}
		local, _ := socket.LocalAddr(fd, true)
		return &fdTransport{net: n, fd: fd, udp: true, local: local, remote: &net.UDPAddr{IP: ip, Port: port}}, nil
	}
	fd, inProgress, err := socket.TCPDial(ip, port, n.sockopts(false)...)
	if err != nil {
		return nil, err
	}
	t := &fdTransport{net: n, fd: fd, dialing: inProgress, remote: &net.TCPAddr{IP: ip, Port: port}}
	if !inProgress {
		t.local, _ = socket.LocalAddr(fd, false)
	}
	return t, nil
}

func toIOEvent(read, write bool) (ev netpoll.IOEvent) {
	if read {
		ev |= netpoll.EventRead
	}
	if write {
		ev |= netpoll.EventWrite
	}
	return
}

func (n *socketNetwork) register(c *Conn) error {
	t := c.t.(*fdTransport)
	ev := toIOEvent(c.interest())
	if err := n.poller.Add(t.fd, ev); err != nil {
		return err
	}
	t.interest = ev
	n.fds[t.fd] = t
	return nil
}

func (n *socketNetwork) unregister(c *Conn) {
	t, ok := c.t.(*fdTransport)
	if !ok {
		return
	}
	if _, ok = n.fds[t.fd]; !ok {
		return
	}
	delete(n.fds, t.fd)
	if err := n.poller.Delete(t.fd, t.interest); err != nil {
		n.logger.Warnf("conn=%d unregister fd %d: %v", c.id, t.fd, err)
	}
}

func (n *socketNetwork) ready(c *Conn) bool {
	t, ok := c.t.(*fdTransport)
	return ok && c.connecting && !t.dialing
}

func (n *socketNetwork) wait(conns []*Conn, d time.Duration) error {
	for _, c := range conns {
		t, ok := c.t.(*fdTransport)
		if !ok || c.destroyed {
			continue
		}
		t.readable, t.writable = false, false
		if ev := toIOEvent(c.interest()); ev != t.interest {
			if err := n.poller.Mod(t.fd, t.interest, ev); err != nil {
				n.logger.Warnf("conn=%d update interest: %v", c.id, err)
				continue
			}
			t.interest = ev
		}
	}
	msec := int((d + time.Millisecond - 1) / time.Millisecond)
	_, err := n.poller.Wait(msec, func(fd int, ev netpoll.IOEvent) {
		if t := n.fds[fd]; t != nil {
			t.readable = ev.IsReadable() || ev.IsError()
			t.writable = ev.IsWritable() || ev.IsError()
		}
	})
	return err
}

func (n *socketNetwork) wake() {
	if err := n.poller.Trigger(); err != nil {
		n.logger.Errorf("failed to wake up the poller: %v", err)
	}
}

func (n *socketNetwork) close() error {
	return n.poller.Close()
}

// fdTransport is a non-blocking socket.
type fdTransport struct {
	net      *socketNetwork
	fd       int
	udp      bool
	listener bool
	dialing  bool
	local    net.Addr
	remote   net.Addr
	peer     unix.Sockaddr // last sender seen by a UDP listener
	interest netpoll.IOEvent
	readable bool
	writable bool
}

func isWouldBlock(err error) bool {
	return err == unix.EAGAIN || err == unix.EINTR
}

func (t *fdTransport) Read(p []byte) (int, error) {
	if t.udp {
		n, sa, err := unix.Recvfrom(t.fd, p, 0)
		if err != nil {
			if isWouldBlock(err) {
				t.readable = false
				return 0, nil
			}
			return 0, os.NewSyscallError("recvfrom", err)
		}
		if t.listener && sa != nil {
			t.peer = sa
			t.remote = socket.SockaddrToUDPAddr(sa)
		}
		return n, nil
	}
	n, err := unix.Read(t.fd, p)
	if err != nil {
		if isWouldBlock(err) {
			t.readable = false
			return 0, nil
		}
		return 0, os.NewSyscallError("read", err)
	}
	if n == 0 {
		return 0, io.EOF
	}
	return n, nil
}

func (t *fdTransport) Write(p []byte) (int, error) {
	var err error
	if t.udp && t.listener {
		if t.peer == nil {
			return 0, errorx.ErrNoPeer
		}
		if err = unix.Sendto(t.fd, p, 0, t.peer); err == nil {
			return len(p), nil
		}
	} else {
		var n int
		if n, err = unix.Write(t.fd, p); err == nil {
			return n, nil
		}
	}
	if isWouldBlock(err) {
		t.writable = false
		return 0, nil
	}
	return 0, os.NewSyscallError("write", err)
}

func (t *fdTransport) Close() error {
	return os.NewSyscallError("close", unix.Close(t.fd))
}

func (t *fdTransport) Readable() bool { return t.readable }

func (t *fdTransport) Writable() bool { return t.writable }

func (t *fdTransport) LocalAddr() net.Addr { return t.local }

func (t *fdTransport) RemoteAddr() net.Addr { return t.remote }

func (t *fdTransport) accept() (transport, error) {
	nfd, remote, err := socket.Accept(t.fd)
	if err != nil || nfd < 0 {
		return nil, err
	}
	for _, opt := range t.net.sockopts(false) {
		if err := opt.SetSockopt(nfd, opt.Opt); err != nil {
			t.net.logger.Warnf("failed to set socket option on fd %d: %v", nfd, err)
		}
	}
	local, _ := socket.LocalAddr(nfd, false)
	return &fdTransport{net: t.net, fd: nfd, local: local, remote: remote}, nil
}

func (t *fdTransport) connected() (bool, error) {
	if !t.dialing {
		return true, nil
	}
	if !t.readable && !t.writable {
		return false, nil
	}
	if err := socket.ConnectError(t.fd); err != nil {
		return false, err
	}
	t.dialing = false
	t.local, _ = socket.LocalAddr(t.fd, t.udp)
	return true, nil
}

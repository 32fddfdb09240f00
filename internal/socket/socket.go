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

// Package socket creates the non-blocking TCP and UDP sockets evmux
// multiplexes, and converts between unix.Sockaddr and net.Addr.
package socket

import (
	"net"
	"os"

	"golang.org/x/sys/unix"

	errorx "github.com/evmux/evmux/pkg/errors"
)

// Option is used for setting an option on socket.
type Option struct {
	SetSockopt func(int, int) error
	Opt        int
}

var listenerBacklogMaxSize = maxListenerBacklog()

func sockaddrOf(ip net.IP, port int) (sa unix.Sockaddr, family int, err error) {
	if len(ip) == 0 || ip.To4() != nil {
		sa4 := &unix.SockaddrInet4{Port: port}
		if ip4 := ip.To4(); ip4 != nil {
			copy(sa4.Addr[:], ip4)
		}
		return sa4, unix.AF_INET, nil
	}
	if ip6 := ip.To16(); ip6 != nil {
		sa6 := &unix.SockaddrInet6{Port: port}
		copy(sa6.Addr[:], ip6)
		return sa6, unix.AF_INET6, nil
	}
	return nil, 0, errorx.ErrInvalidNetworkAddress
}

func open(family, sotype, proto int, sockopts []Option) (fd int, err error) {
	if fd, err = sysSocket(family, sotype, proto); err != nil {
		return -1, os.NewSyscallError("socket", err)
	}
	for _, sockopt := range sockopts {
		if err = sockopt.SetSockopt(fd, sockopt.Opt); err != nil {
			_ = unix.Close(fd)
			return -1, err
		}
	}
	return fd, nil
}

// TCPListen creates a listening TCP socket bound to ip:port. A nil ip binds
// all IPv4 interfaces, port 0 picks an ephemeral port; the returned address
// tells which.
func TCPListen(ip net.IP, port int, sockopts ...Option) (fd int, addr net.Addr, err error) {
	sa, family, err := sockaddrOf(ip, port)
	if err != nil {
		return -1, nil, err
	}
	if fd, err = open(family, unix.SOCK_STREAM, unix.IPPROTO_TCP, sockopts); err != nil {
		return -1, nil, err
	}
	defer func() {
		if err != nil {
			_ = unix.Close(fd)
		}
	}()

	if err = os.NewSyscallError("bind", unix.Bind(fd, sa)); err != nil {
		return
	}
	// Set backlog size to the maximum.
	if err = os.NewSyscallError("listen", unix.Listen(fd, listenerBacklogMaxSize)); err != nil {
		return
	}
	addr, err = LocalAddr(fd, false)
	return
}

// UDPListen creates a UDP socket bound to ip:port.
func UDPListen(ip net.IP, port int, sockopts ...Option) (fd int, addr net.Addr, err error) {
	sa, family, err := sockaddrOf(ip, port)
	if err != nil {
		return -1, nil, err
	}
	if fd, err = open(family, unix.SOCK_DGRAM, unix.IPPROTO_UDP, sockopts); err != nil {
		return -1, nil, err
	}
	defer func() {
		if err != nil {
			_ = unix.Close(fd)
		}
	}()

	// Allow broadcast.
	if err = os.NewSyscallError("setsockopt", unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_BROADCAST, 1)); err != nil {
		return
	}
	if err = os.NewSyscallError("bind", unix.Bind(fd, sa)); err != nil {
		return
	}
	addr, err = LocalAddr(fd, true)
	return
}

// TCPDial starts a non-blocking connect to ip:port. When inProgress is true
// the caller waits for writability and then checks ConnectError.
func TCPDial(ip net.IP, port int, sockopts ...Option) (fd int, inProgress bool, err error) {
	sa, family, err := sockaddrOf(ip, port)
	if err != nil {
		return -1, false, err
	}
	if fd, err = open(family, unix.SOCK_STREAM, unix.IPPROTO_TCP, sockopts); err != nil {
		return -1, false, err
	}
	switch err = unix.Connect(fd, sa); err {
	case nil:
		return fd, false, nil
	case unix.EINPROGRESS, unix.EINTR, unix.EALREADY:
		return fd, true, nil
	default:
		_ = unix.Close(fd)
		return -1, false, os.NewSyscallError("connect", err)
	}
}

// UDPDial creates a UDP socket whose peer is fixed to ip:port. UDP connect
// is local state only and completes immediately.
func UDPDial(ip net.IP, port int, sockopts ...Option) (fd int, err error) {
	sa, family, err := sockaddrOf(ip, port)
	if err != nil {
		return -1, err
	}
	if fd, err = open(family, unix.SOCK_DGRAM, unix.IPPROTO_UDP, sockopts); err != nil {
		return -1, err
	}
	if err = os.NewSyscallError("connect", unix.Connect(fd, sa)); err != nil {
		_ = unix.Close(fd)
		return -1, err
	}
	return fd, nil
}

// Accept takes one pending connection off a listening socket. It returns
// -1 and a nil error when nothing is pending.
func Accept(fd int) (nfd int, remote net.Addr, err error) {
	nfd, sa, err := sysAccept(fd)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EINTR || err == unix.ECONNABORTED {
			return -1, nil, nil
		}
		return -1, nil, os.NewSyscallError("accept", err)
	}
	return nfd, SockaddrToTCPAddr(sa), nil
}

// ConnectError reports the outcome of a non-blocking connect.
func ConnectError(fd int) error {
	n, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return os.NewSyscallError("getsockopt", err)
	}
	if n != 0 {
		return os.NewSyscallError("connect", unix.Errno(n))
	}
	return nil
}

// LocalAddr returns the address fd is bound to.
func LocalAddr(fd int, udp bool) (net.Addr, error) {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return nil, os.NewSyscallError("getsockname", err)
	}
	if udp {
		return SockaddrToUDPAddr(sa), nil
	}
	return SockaddrToTCPAddr(sa), nil
}

// Sockaddr converts a UDP address into its unix form for sendto.
func Sockaddr(addr *net.UDPAddr) (unix.Sockaddr, error) {
	sa, _, err := sockaddrOf(addr.IP, addr.Port)
	return sa, err
}

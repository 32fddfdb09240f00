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

//go:build linux

package netpoll

import (
	"os"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	readEvents  = unix.EPOLLIN | unix.EPOLLPRI | unix.EPOLLRDHUP
	writeEvents = unix.EPOLLOUT
	errEvents   = unix.EPOLLERR | unix.EPOLLHUP
)

// Poller represents a poller which is in charge of monitoring file-descriptors.
type Poller struct {
	fd         int    // epoll fd
	efd        int    // eventfd
	efdBuf     []byte // efd buffer to read an 8-byte integer
	wakeupCall int32
	events     []unix.EpollEvent
}

// OpenPoller instantiates a poller.
func OpenPoller() (poller *Poller, err error) {
	poller = new(Poller)
	if poller.fd, err = unix.EpollCreate1(unix.EPOLL_CLOEXEC); err != nil {
		poller = nil
		err = os.NewSyscallError("epoll_create1", err)
		return
	}
	if poller.efd, err = unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC); err != nil {
		_ = unix.Close(poller.fd)
		poller = nil
		err = os.NewSyscallError("eventfd", err)
		return
	}
	poller.efdBuf = make([]byte, 8)
	if err = poller.Add(poller.efd, EventRead); err != nil {
		_ = poller.Close()
		poller = nil
		return
	}
	poller.events = make([]unix.EpollEvent, InitPollEventsCap)
	return
}

// Close closes the poller.
func (p *Poller) Close() error {
	_ = unix.Close(p.efd)
	return os.NewSyscallError("close", unix.Close(p.fd))
}

// Make the endianness of bytes compatible with more linux OSs under different processor-architectures,
// according to http://man7.org/linux/man-pages/man2/eventfd.2.html.
var (
	u uint64 = 1
	b        = (*(*[8]byte)(unsafe.Pointer(&u)))[:]
)

// Trigger wakes up a Wait in progress, or makes the next one return at once.
// It is safe to call from any goroutine.
func (p *Poller) Trigger() (err error) {
	if !atomic.CompareAndSwapInt32(&p.wakeupCall, 0, 1) {
		return nil
	}
	for {
		_, err = unix.Write(p.efd, b)
		if err == unix.EAGAIN {
			_, _ = unix.Read(p.efd, p.efdBuf)
			continue
		}
		break
	}
	return os.NewSyscallError("write", err)
}

// Wait blocks for at most msec milliseconds (-1 forever, 0 not at all) and
// hands every ready fd to fn. It reports whether a Trigger woke it.
func (p *Poller) Wait(msec int, fn EventHandler) (woken bool, err error) {
	n, err := unix.EpollWait(p.fd, p.events, msec)
	if err != nil {
		if err == unix.EINTR {
			return false, nil
		}
		return false, os.NewSyscallError("epoll_wait", err)
	}

	for i := 0; i < n; i++ {
		ev := &p.events[i]
		fd := int(ev.Fd)
		if fd == p.efd {
			_, _ = unix.Read(p.efd, p.efdBuf)
			atomic.StoreInt32(&p.wakeupCall, 0)
			woken = true
			continue
		}
		var out IOEvent
		if ev.Events&readEvents != 0 {
			out |= EventRead
		}
		if ev.Events&writeEvents != 0 {
			out |= EventWrite
		}
		if ev.Events&errEvents != 0 {
			out |= EventError
		}
		fn(fd, out)
	}

	if size := nextListSize(len(p.events), n); size != len(p.events) {
		p.events = make([]unix.EpollEvent, size)
	}
	return woken, nil
}

func toEpoll(interest IOEvent) uint32 {
	var ev uint32
	if interest.IsReadable() {
		ev |= readEvents
	}
	if interest.IsWritable() {
		ev |= writeEvents
	}
	return ev
}

// Add registers fd with the given interest, level-triggered.
func (p *Poller) Add(fd int, interest IOEvent) error {
	return os.NewSyscallError("epoll_ctl add",
		unix.EpollCtl(p.fd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{Fd: int32(fd), Events: toEpoll(interest)}))
}

// Mod replaces the interest of fd. The previous interest is not needed on
// Linux but keeps the signature shared with kqueue.
func (p *Poller) Mod(fd int, _, interest IOEvent) error {
	return os.NewSyscallError("epoll_ctl mod",
		unix.EpollCtl(p.fd, unix.EPOLL_CTL_MOD, fd, &unix.EpollEvent{Fd: int32(fd), Events: toEpoll(interest)}))
}

// Delete removes fd from the poller.
func (p *Poller) Delete(fd int, _ IOEvent) error {
	return os.NewSyscallError("epoll_ctl del", unix.EpollCtl(p.fd, unix.EPOLL_CTL_DEL, fd, nil))
}

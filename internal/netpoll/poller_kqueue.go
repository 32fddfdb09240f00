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

//go:build freebsd || dragonfly || darwin

package netpoll

import (
	"os"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
)

// Poller represents a poller which is in charge of monitoring file-descriptors.
type Poller struct {
	fd         int
	wakeupCall int32
	events     []unix.Kevent_t
	changes    []unix.Kevent_t
}

// OpenPoller instantiates a poller.
func OpenPoller() (poller *Poller, err error) {
	poller = new(Poller)
	if poller.fd, err = unix.Kqueue(); err != nil {
		poller = nil
		err = os.NewSyscallError("kqueue", err)
		return
	}
	if _, err = unix.Kevent(poller.fd, []unix.Kevent_t{{
		Ident:  0,
		Filter: unix.EVFILT_USER,
		Flags:  unix.EV_ADD | unix.EV_CLEAR,
	}}, nil, nil); err != nil {
		_ = poller.Close()
		poller = nil
		err = os.NewSyscallError("kevent add|clear", err)
		return
	}
	poller.events = make([]unix.Kevent_t, InitPollEventsCap)
	return
}

// Close closes the poller.
func (p *Poller) Close() error {
	return os.NewSyscallError("close", unix.Close(p.fd))
}

var note = []unix.Kevent_t{{
	Ident:  0,
	Filter: unix.EVFILT_USER,
	Fflags: unix.NOTE_TRIGGER,
}}

// Trigger wakes up a Wait in progress, or makes the next one return at once.
// It is safe to call from any goroutine.
func (p *Poller) Trigger() (err error) {
	if !atomic.CompareAndSwapInt32(&p.wakeupCall, 0, 1) {
		return nil
	}
	if _, err = unix.Kevent(p.fd, note, nil, nil); err == unix.EAGAIN {
		err = nil
	}
	return os.NewSyscallError("kevent trigger", err)
}

// Wait blocks for at most msec milliseconds (-1 forever, 0 not at all) and
// hands every ready fd to fn. It reports whether a Trigger woke it.
func (p *Poller) Wait(msec int, fn EventHandler) (woken bool, err error) {
	var tsp *unix.Timespec
	if msec >= 0 {
		ts := unix.NsecToTimespec(int64(time.Duration(msec) * time.Millisecond))
		tsp = &ts
	}
	n, err := unix.Kevent(p.fd, nil, p.events, tsp)
	if err != nil {
		if err == unix.EINTR {
			return false, nil
		}
		return false, os.NewSyscallError("kevent wait", err)
	}

	for i := 0; i < n; i++ {
		ev := &p.events[i]
		if ev.Filter == unix.EVFILT_USER {
			atomic.StoreInt32(&p.wakeupCall, 0)
			woken = true
			continue
		}
		var out IOEvent
		switch ev.Filter {
		case unix.EVFILT_READ:
			out = EventRead
		case unix.EVFILT_WRITE:
			out = EventWrite
		}
		if ev.Flags&(unix.EV_EOF|unix.EV_ERROR) != 0 {
			// A read at EOF returns 0, so the caller sees the close on its next read.
			out |= EventError | EventRead
		}
		fn(int(ev.Ident), out)
	}

	if size := nextListSize(len(p.events), n); size != len(p.events) {
		p.events = make([]unix.Kevent_t, size)
	}
	return woken, nil
}

func (p *Poller) apply(fd int, old, interest IOEvent) error {
	p.changes = p.changes[:0]
	if interest.IsReadable() && !old.IsReadable() {
		p.changes = append(p.changes, unix.Kevent_t{Ident: uint64(fd), Flags: unix.EV_ADD, Filter: unix.EVFILT_READ})
	} else if !interest.IsReadable() && old.IsReadable() {
		p.changes = append(p.changes, unix.Kevent_t{Ident: uint64(fd), Flags: unix.EV_DELETE, Filter: unix.EVFILT_READ})
	}
	if interest.IsWritable() && !old.IsWritable() {
		p.changes = append(p.changes, unix.Kevent_t{Ident: uint64(fd), Flags: unix.EV_ADD, Filter: unix.EVFILT_WRITE})
	} else if !interest.IsWritable() && old.IsWritable() {
		p.changes = append(p.changes, unix.Kevent_t{Ident: uint64(fd), Flags: unix.EV_DELETE, Filter: unix.EVFILT_WRITE})
	}
	if len(p.changes) == 0 {
		return nil
	}
	_, err := unix.Kevent(p.fd, p.changes, nil, nil)
	return os.NewSyscallError("kevent add|delete", err)
}

// Add registers fd with the given interest.
func (p *Poller) Add(fd int, interest IOEvent) error {
	return p.apply(fd, EventNone, interest)
}

// Mod moves fd from interest old to interest.
func (p *Poller) Mod(fd int, old, interest IOEvent) error {
	return p.apply(fd, old, interest)
}

// Delete removes fd from the poller, old is its current interest.
func (p *Poller) Delete(fd int, old IOEvent) error {
	return p.apply(fd, old, EventNone)
}

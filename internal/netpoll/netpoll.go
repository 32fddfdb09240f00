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

// Package netpoll is the readiness multiplexer behind Manager.Poll: epoll on
// Linux and kqueue on the BSDs and macOS. Unlike a reactor that loops
// forever, Poller.Wait performs exactly one wait and returns, so the caller
// keeps control of its pass ordering.
package netpoll

// IOEvent is a set of readiness conditions, also used to express interest.
type IOEvent uint8

const (
	// EventRead means the fd is readable, or a listener has a pending accept.
	EventRead IOEvent = 1 << iota
	// EventWrite means the fd is writable, or a pending connect finished.
	EventWrite
	// EventError means the fd reported an error or hang-up.
	EventError
)

// EventNone is the empty interest set.
const EventNone IOEvent = 0

const (
	// InitPollEventsCap represents the initial capacity of poller event-list.
	InitPollEventsCap = 128
	// MaxPollEventsCap is the maximum limitation of events that the poller can process.
	MaxPollEventsCap = 1024
	// MinPollEventsCap is the minimum limitation of events that the poller can process.
	MinPollEventsCap = 32
)

// IsReadable reports whether ev carries read readiness.
func (ev IOEvent) IsReadable() bool { return ev&EventRead != 0 }

// IsWritable reports whether ev carries write readiness.
func (ev IOEvent) IsWritable() bool { return ev&EventWrite != 0 }

// IsError reports whether ev carries an error or hang-up.
func (ev IOEvent) IsError() bool { return ev&EventError != 0 }

// EventHandler receives the readiness of one fd during Wait.
type EventHandler func(fd int, ev IOEvent)

func nextListSize(size, n int) int {
	switch {
	case n == size && size<<1 <= MaxPollEventsCap:
		return size << 1
	case n < size>>1 && size>>1 >= MinPollEventsCap:
		return size >> 1
	}
	return size
}

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
	"container/heap"
	"fmt"
	"time"

	errorx "github.com/evmux/evmux/pkg/errors"
)

// TimerFlags modify how a timer fires.
type TimerFlags uint8

const (
	// TimerRepeat makes the timer fire every interval until stopped.
	TimerRepeat TimerFlags = 1 << iota
	// TimerRunNow makes the first firing happen on the next poll pass
	// instead of one interval from now.
	TimerRunNow
)

// Timer is a callback scheduled on the poll loop. Its methods must be
// called from the poll goroutine.
type Timer struct {
	mgr      *Manager
	conn     *Conn
	seq      uint64
	index    int
	interval time.Duration
	flags    TimerFlags
	expire   time.Time
	fn       func() error
	stopped  bool
	err      *Error
}

// Stop cancels the timer. It is safe to call from the timer's own callback
// and more than once.
func (t *Timer) Stop() {
	t.stopped = true
	if t.index >= 0 {
		heap.Remove(&t.mgr.timers, t.index)
	}
}

// Expire returns when the timer fires next.
func (t *Timer) Expire() time.Time { return t.expire }

// Interval returns the period of the timer.
func (t *Timer) Interval() time.Duration { return t.interval }

// Err returns the TimerError that stopped the timer, if any.
func (t *Timer) Err() error {
	if t.err == nil {
		return nil
	}
	return t.err
}

// timerHeap orders timers by expiry, then by creation.
type timerHeap []*Timer

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	if h[i].expire.Equal(h[j].expire) {
		return h[i].seq < h[j].seq
	}
	return h[i].expire.Before(h[j].expire)
}

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	t := x.(*Timer)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

// AddTimer schedules fn on the poll loop every interval (TimerRepeat) or
// once. A callback that returns an error or panics is stopped and the error
// is kept in Timer.Err. It must be called from the poll goroutine.
func (m *Manager) AddTimer(interval time.Duration, flags TimerFlags, fn func() error) *Timer {
	return m.addTimer(nil, interval, flags, fn)
}

// AddTimer schedules a TimerEvent on this connection. The timer dies with
// the connection.
func (c *Conn) AddTimer(interval time.Duration, flags TimerFlags) *Timer {
	var t *Timer
	t = c.mgr.addTimer(c, interval, flags, func() error {
		c.emit(TimerEvent{Timer: t})
		return nil
	})
	return t
}

func (m *Manager) addTimer(c *Conn, interval time.Duration, flags TimerFlags, fn func() error) *Timer {
	if interval < 0 {
		interval = 0
	}
	if c != nil {
		c.hasTimers = true
	}
	m.timerSeq++
	now := m.now()
	t := &Timer{
		mgr:      m,
		conn:     c,
		seq:      m.timerSeq,
		index:    -1,
		interval: interval,
		flags:    flags,
		expire:   now.Add(interval),
		fn:       fn,
	}
	if flags&TimerRunNow != 0 {
		t.expire = now
	}
	heap.Push(&m.timers, t)
	return t
}

// nextExpiry returns the expiry of the earliest timer.
func (m *Manager) nextExpiry() (time.Time, bool) {
	if len(m.timers) == 0 {
		return time.Time{}, false
	}
	return m.timers[0].expire, true
}

// fireTimers runs every timer expired at now, in expiry order. Timers added
// by the callbacks wait for the next pass.
func (m *Manager) fireTimers(now time.Time) {
	last := m.timerSeq
	for len(m.timers) > 0 {
		t := m.timers[0]
		if t.expire.After(now) || t.seq > last {
			break
		}
		heap.Pop(&m.timers)
		if t.conn != nil && (t.conn.destroyed || t.conn.closing) {
			continue
		}
		if err := m.runTimer(t); err != nil {
			var id uint64
			if t.conn != nil {
				id = t.conn.id
			}
			t.err = &Error{Kind: TimerError, ConnID: id, Err: err}
			t.stopped = true
			m.logger.Errorf("timer stopped: %v", t.err)
			if m.metrics != nil {
				m.metrics.Errors.WithLabelValues(TimerError.String()).Inc()
			}
			continue
		}
		if t.flags&TimerRepeat == 0 || t.stopped || t.interval <= 0 {
			t.stopped = true
			continue
		}
		next := t.expire.Add(t.interval)
		if !next.After(now) {
			next = now.Add(t.interval)
		}
		t.expire = next
		heap.Push(&m.timers, t)
	}
}

func (m *Manager) runTimer(t *Timer) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", errorx.ErrTimerPanic, r)
		}
	}()
	if m.metrics != nil {
		m.metrics.TimersFired.Inc()
	}
	return t.fn()
}

// dropTimers removes the timers of a destroyed connection.
func (m *Manager) dropTimers(c *Conn) {
	if !c.hasTimers {
		return
	}
	n := len(m.timers)
	kept := m.timers[:0]
	for _, t := range m.timers {
		if t.conn == c {
			t.stopped = true
			t.index = -1
			continue
		}
		kept = append(kept, t)
	}
	for i := len(kept); i < n; i++ {
		m.timers[:n][i] = nil
	}
	m.timers = kept
	for i, t := range m.timers {
		t.index = i
	}
	heap.Init(&m.timers)
}

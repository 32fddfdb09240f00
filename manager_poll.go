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
	"time"

	errorx "github.com/evmux/evmux/pkg/errors"
	"github.com/evmux/evmux/pkg/metrics"
)

// maxAcceptPerPoll bounds the connections a listener accepts in one pass.
const maxAcceptPerPoll = 128

// Poll runs one pass of the event loop. It waits at most timeout for I/O,
// then services every connection, fires the expired timers, delivers the
// queued wakeups and destroys the connections marked closing.
func (m *Manager) Poll(timeout time.Duration) error {
	if m.closed.Load() {
		return errorx.ErrManagerClosed
	}
	start := time.Now()
	if err := m.net.wait(m.conns, m.computeWait(timeout)); err != nil {
		return err
	}

	now := m.now()
	// Connections accepted during the pass are serviced from the next one.
	for _, c := range m.conns {
		if !c.closing {
			m.service(c, now)
		}
	}
	m.fireTimers(now)
	m.drainWakeups()
	m.reap()

	if m.metrics != nil {
		m.metrics.PollDuration.Observe(time.Since(start).Seconds())
	}
	return nil
}

// computeWait returns how long the readiness wait may block.
func (m *Manager) computeWait(timeout time.Duration) time.Duration {
	if timeout <= 0 || len(m.conns) == 0 && len(m.timers) == 0 || !m.wakeups.IsEmpty() {
		return 0
	}
	for _, c := range m.conns {
		if c.closing || c.needAdvance || c.draining && c.flushed() ||
			c.tls != nil && c.tls.pending(c.tlsState) || m.net.ready(c) {
			return 0
		}
	}
	if at, ok := m.nextExpiry(); ok {
		d := at.Sub(m.now())
		if d <= 0 {
			return 0
		}
		if d = (d + time.Millisecond - 1) / time.Millisecond * time.Millisecond; d < timeout {
			timeout = d
		}
	}
	return timeout
}

func (m *Manager) service(c *Conn, now time.Time) {
	switch {
	case c.t == nil:
	case c.listening && !c.udp:
		m.accept(c)
	default:
		if c.connecting {
			m.checkConnect(c)
		}
		if !c.connecting && !c.closing {
			m.transfer(c)
		}
	}
	if c.closing {
		return
	}
	c.stage.poll(c, now)
	c.emit(PollEvent{Now: now})
	if c.draining && !c.closing && c.flushed() {
		c.closing = true
	}
}

// transfer moves bytes between the transport and the buffers, then lets the
// stage look at what arrived.
func (m *Manager) transfer(c *Conn) {
	n := c.readStep()
	if c.tls != nil && !c.closing {
		n = c.tlsRead()
	}
	if !c.closing {
		c.writeStep()
	}
	if !c.closing && (n > 0 || c.needAdvance) {
		c.rxNew, c.needAdvance = n, false
		c.advance()
		c.rxNew = 0
	}
	if c.eof && !c.closing {
		m.logger.Debugf("conn=%d closed by peer", c.id)
		c.closing = true
	}
}

func (m *Manager) accept(lsn *Conn) {
	a, ok := lsn.t.(acceptor)
	if !ok || !lsn.t.Readable() {
		return
	}
	for i := 0; i < maxAcceptPerPoll; i++ {
		t, err := a.accept()
		if err != nil {
			m.logger.Warnf("conn=%d accept: %v", lsn.id, err)
			return
		}
		if t == nil {
			return
		}
		c := newConn(m, metrics.RoleAccepted, lsn.handler, lsn.addr)
		c.t, c.local, c.remote = t, t.LocalAddr(), t.RemoteAddr()
		c.stage = newStage(lsn.stage.kind())
		if err = m.net.register(c); err != nil {
			m.logger.Warnf("conn=%d register accepted connection: %v", lsn.id, err)
			_ = t.Close()
			continue
		}
		m.add(c)
		m.logger.Debugf("conn=%d accepted from %s on conn=%d", c.id, c.remote, lsn.id)
		c.emit(OpenEvent{})
		c.emit(AcceptEvent{})
	}
}

// reap destroys the closing connections. Handlers run by destroy may
// create connections, so the list is compacted first.
func (m *Manager) reap() {
	var dead []*Conn
	live := m.conns[:0]
	for _, c := range m.conns {
		if c.closing {
			dead = append(dead, c)
		} else {
			live = append(live, c)
		}
	}
	if dead == nil {
		return
	}
	for i := len(live); i < len(m.conns); i++ {
		m.conns[i] = nil
	}
	m.conns = live
	for _, c := range dead {
		m.destroy(c)
	}
}

func (m *Manager) destroy(c *Conn) {
	m.resolver.cancel(c)
	if c.t != nil {
		m.net.unregister(c)
		if err := c.t.Close(); err != nil {
			m.logger.Debugf("conn=%d close transport: %v", c.id, err)
		}
	}
	if c.tls != nil {
		c.tls.close()
	}
	c.emit(CloseEvent{})
	c.destroyed = true
	m.dropTimers(c)
	delete(m.byID, c.id)
	if m.metrics != nil {
		m.metrics.ConnClosed(c.role, c.created)
	}
	m.logger.Debugf("conn=%d closed", c.id)
	c.recv.Release()
	c.send.Release()
	if c.wire != nil {
		c.wire.Release()
	}
}

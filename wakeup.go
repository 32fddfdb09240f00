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
	"github.com/evmux/evmux/internal/queue"
	errorx "github.com/evmux/evmux/pkg/errors"
)

// Wakeup queues payload for the connection id and wakes the Manager up. It
// is the only Manager method safe to call from any goroutine. The
// connection receives WakeupEvent in the next poll, unless it is gone or
// closing by then, in which case the payload is dropped.
func (m *Manager) Wakeup(id uint64, payload []byte) error {
	if m.closed.Load() {
		return errorx.ErrManagerClosed
	}
	msg := queue.GetMessage()
	msg.ConnID = id
	msg.Data = append([]byte(nil), payload...)
	m.wakeups.Enqueue(msg)
	m.wake()
	return nil
}

// Go runs fn on the worker pool and delivers its result to the connection
// id as a WakeupEvent. fn must not touch the Manager or its connections.
func (m *Manager) Go(id uint64, fn func() []byte) error {
	if fn == nil {
		return errorx.ErrNilRunnable
	}
	if m.closed.Load() {
		return errorx.ErrManagerClosed
	}
	return m.pool.Submit(func() {
		_ = m.Wakeup(id, fn())
	})
}

// drainWakeups delivers the wakeups queued before the call.
func (m *Manager) drainWakeups() {
	for n := m.wakeups.Len(); n > 0; n-- {
		msg := m.wakeups.Dequeue()
		if msg == nil {
			return
		}
		if c := m.byID[msg.ConnID]; c != nil && !c.closing {
			if mt := m.metrics; mt != nil {
				mt.Wakeups.Inc()
			}
			c.emit(WakeupEvent{Data: msg.Data})
		}
		queue.PutMessage(msg)
	}
}

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
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errorx "github.com/evmux/evmux/pkg/errors"
)

func TestWakeup_FromOtherGoroutines(t *testing.T) {
	m := newTestManager(t)
	var got []string
	c, err := m.Listen("udp://127.0.0.1:0", HandlerFunc(func(c *Conn, ev Event) {
		if ev, ok := ev.(WakeupEvent); ok {
			got = append(got, string(ev.Data))
		}
	}))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, m.Wakeup(c.ID(), []byte("ping")))
		}()
	}
	wg.Wait()
	require.NoError(t, m.Wakeup(c.ID()+100, []byte("nobody")))

	pollUntil(t, m, func() bool { return len(got) == 8 })
	for _, s := range got {
		assert.Equal(t, "ping", s)
	}
}

func TestWakeup_PayloadIsCopied(t *testing.T) {
	m := newTestManager(t)
	var got []byte
	c, err := m.Listen("udp://127.0.0.1:0", HandlerFunc(func(c *Conn, ev Event) {
		if ev, ok := ev.(WakeupEvent); ok {
			got = ev.Data
		}
	}))
	require.NoError(t, err)

	p := []byte("abc")
	require.NoError(t, m.Wakeup(c.ID(), p))
	p[0] = 'x'
	pollUntil(t, m, func() bool { return got != nil })
	assert.Equal(t, "abc", string(got))
}

func TestWakeup_ClosingConnDropsPayload(t *testing.T) {
	m := newTestManager(t)
	n := 0
	c, err := m.Listen("udp://127.0.0.1:0", HandlerFunc(func(c *Conn, ev Event) {
		if _, ok := ev.(WakeupEvent); ok {
			n++
		}
	}))
	require.NoError(t, err)
	require.NoError(t, m.Wakeup(c.ID(), []byte("late")))
	c.Close()
	require.NoError(t, m.Poll(0))
	require.NoError(t, m.Poll(0))
	assert.Zero(t, n)
}

func TestGo_DeliversResult(t *testing.T) {
	m := newTestManager(t)
	var got string
	c, err := m.Listen("udp://127.0.0.1:0", HandlerFunc(func(c *Conn, ev Event) {
		if ev, ok := ev.(WakeupEvent); ok {
			got = string(ev.Data)
		}
	}))
	require.NoError(t, err)

	require.NoError(t, m.Go(c.ID(), func() []byte { return []byte("computed") }))
	pollUntil(t, m, func() bool { return got != "" })
	assert.Equal(t, "computed", got)

	assert.ErrorIs(t, m.Go(c.ID(), nil), errorx.ErrNilRunnable)
	require.NoError(t, m.Close())
	assert.ErrorIs(t, m.Go(c.ID(), func() []byte { return nil }), errorx.ErrManagerClosed)
}

func TestPipe_WorkerToConn(t *testing.T) {
	m := newTestManager(t)
	var got []byte
	c, err := m.Listen("udp://127.0.0.1:0", HandlerFunc(func(c *Conn, ev Event) {
		if _, ok := ev.(PollEvent); ok {
			got = append(got, c.Pipe().Drain()...)
		}
	}))
	require.NoError(t, err)

	p := c.Pipe()
	go func() {
		for i := 0; i < 100; i++ {
			_, _ = p.Write([]byte{byte(i)})
		}
	}()
	pollUntil(t, m, func() bool { return len(got) == 100 })
	for i, b := range got {
		assert.Equal(t, byte(i), b)
	}
}

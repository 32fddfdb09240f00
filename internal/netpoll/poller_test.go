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

package netpoll

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func socketPair(t *testing.T) (int, int) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	require.NoError(t, unix.SetNonblock(fds[0], true))
	require.NoError(t, unix.SetNonblock(fds[1], true))
	t.Cleanup(func() {
		_ = unix.Close(fds[0])
		_ = unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func TestPollerReadWrite(t *testing.T) {
	p, err := OpenPoller()
	require.NoError(t, err)
	defer p.Close() //nolint:errcheck

	a, b := socketPair(t)
	require.NoError(t, p.Add(a, EventRead))

	got := map[int]IOEvent{}
	collect := func(fd int, ev IOEvent) { got[fd] |= ev }

	// nothing to read yet
	_, err = p.Wait(0, collect)
	require.NoError(t, err)
	assert.Empty(t, got)

	_, err = unix.Write(b, []byte("ping"))
	require.NoError(t, err)
	_, err = p.Wait(1000, collect)
	require.NoError(t, err)
	assert.True(t, got[a].IsReadable())
	assert.False(t, got[a].IsWritable())

	// switching interest to write-only stops read reports
	require.NoError(t, p.Mod(a, EventRead, EventWrite))
	got = map[int]IOEvent{}
	_, err = p.Wait(1000, collect)
	require.NoError(t, err)
	assert.True(t, got[a].IsWritable())
	assert.False(t, got[a].IsReadable())

	require.NoError(t, p.Delete(a, EventWrite))
	got = map[int]IOEvent{}
	_, err = p.Wait(0, collect)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestPollerTrigger(t *testing.T) {
	p, err := OpenPoller()
	require.NoError(t, err)
	defer p.Close() //nolint:errcheck

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = p.Trigger()
	}()
	start := time.Now()
	woken, err := p.Wait(5000, func(int, IOEvent) {})
	require.NoError(t, err)
	assert.True(t, woken)
	assert.Less(t, time.Since(start), 4*time.Second)

	// a trigger before Wait makes it return immediately
	require.NoError(t, p.Trigger())
	require.NoError(t, p.Trigger())
	woken, err = p.Wait(5000, func(int, IOEvent) {})
	require.NoError(t, err)
	assert.True(t, woken)

	woken, err = p.Wait(10, func(int, IOEvent) {})
	require.NoError(t, err)
	assert.False(t, woken)
}

func TestPeerHangupIsReadable(t *testing.T) {
	p, err := OpenPoller()
	require.NoError(t, err)
	defer p.Close() //nolint:errcheck

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	defer unix.Close(fds[0]) //nolint:errcheck
	require.NoError(t, p.Add(fds[0], EventRead))
	require.NoError(t, unix.Close(fds[1]))

	var ev IOEvent
	_, err = p.Wait(1000, func(fd int, e IOEvent) {
		if fd == fds[0] {
			ev |= e
		}
	})
	require.NoError(t, err)
	assert.True(t, ev.IsReadable())
}

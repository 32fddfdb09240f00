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
	"strconv"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evmux/evmux/pkg/metrics"
)

func TestManager_Metrics(t *testing.T) {
	mt := metrics.New("", false)
	m := newTestManager(t, WithMetrics(mt))

	lsn, err := m.Listen("tcp://127.0.0.1:0", echoHandler)
	require.NoError(t, err)
	var got []byte
	c, err := m.Connect("tcp://127.0.0.1:"+strconv.Itoa(tcpPort(lsn)), HandlerFunc(func(c *Conn, ev Event) {
		if ev, ok := ev.(ReadEvent); ok {
			got = append(got, ev.Data...)
			c.Consume(len(ev.Data))
		}
	}))
	require.NoError(t, err)
	require.NoError(t, c.Send([]byte("count me")))
	pollUntil(t, m, func() bool { return len(got) == 8 })

	for _, role := range []string{metrics.RoleListener, metrics.RoleAccepted, metrics.RoleClient} {
		assert.Equal(t, 1.0, testutil.ToFloat64(mt.TotalConnections.WithLabelValues(role)), role)
		assert.Equal(t, 1.0, testutil.ToFloat64(mt.ActiveConnections.WithLabelValues(role)), role)
	}
	assert.Equal(t, 16.0, testutil.ToFloat64(mt.BytesRead))
	assert.Equal(t, 16.0, testutil.ToFloat64(mt.BytesWritten))
	assert.Equal(t, 1.0, testutil.ToFloat64(mt.Events.WithLabelValues("accept")))
	assert.Equal(t, 1.0, testutil.ToFloat64(mt.Events.WithLabelValues("connect")))
	assert.Positive(t, testutil.CollectAndCount(mt.PollDuration))

	c.Error("enough")
	pollUntil(t, m, func() bool { return len(m.conns) == 1 })
	assert.Equal(t, 1.0, testutil.ToFloat64(mt.Errors.WithLabelValues(ApplicationError.String())))
	assert.Zero(t, testutil.ToFloat64(mt.ActiveConnections.WithLabelValues(metrics.RoleClient)))
	assert.Zero(t, testutil.ToFloat64(mt.ActiveConnections.WithLabelValues(metrics.RoleAccepted)))
}

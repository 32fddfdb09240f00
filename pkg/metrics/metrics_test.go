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

package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnLifecycle(t *testing.T) {
	m := New("", false)
	m.ConnOpened(RoleAccepted)
	m.ConnOpened(RoleAccepted)
	m.ConnOpened(RoleClient)
	m.ConnClosed(RoleAccepted, time.Now())

	assert.Equal(t, 1.0, testutil.ToFloat64(m.ActiveConnections.WithLabelValues(RoleAccepted)))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.TotalConnections.WithLabelValues(RoleAccepted)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ActiveConnections.WithLabelValues(RoleClient)))
}

func TestSeparateRegistries(t *testing.T) {
	a, b := New("", false), New("", false)
	a.BytesRead.Add(10)
	assert.Equal(t, 10.0, testutil.ToFloat64(a.BytesRead))
	assert.Zero(t, testutil.ToFloat64(b.BytesRead))
}

func TestHandler(t *testing.T) {
	m := New("test", true)
	m.Events.WithLabelValues("read").Inc()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Result().Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), `test_events_total{event="read"} 1`))
	assert.True(t, strings.Contains(string(body), "go_goroutines"))
}

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

// Package metrics provides Prometheus instrumentation for an evmux Manager.
//
// Every Metrics owns its registry so several managers can live in one
// process, and tests can gather exactly what one manager recorded.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// DefaultNamespace prefixes every metric name.
const DefaultNamespace = "evmux"

// Connection roles used as label values.
const (
	RoleListener = "listener"
	RoleAccepted = "accepted"
	RoleClient   = "client"
)

// Metrics holds all Prometheus metrics of a Manager.
type Metrics struct {
	reg *prometheus.Registry

	ActiveConnections  *prometheus.GaugeVec
	TotalConnections   *prometheus.CounterVec
	ConnectionDuration *prometheus.HistogramVec

	BytesRead    prometheus.Counter
	BytesWritten prometheus.Counter

	Events *prometheus.CounterVec
	Errors *prometheus.CounterVec

	TimersFired  prometheus.Counter
	Wakeups      prometheus.Counter
	PollDuration prometheus.Histogram
}

// New creates a Metrics with a fresh registry. withRuntime also registers
// the Go runtime and process collectors.
func New(namespace string, withRuntime bool) *Metrics {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	reg := prometheus.NewRegistry()
	if withRuntime {
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	factory := promauto.With(reg)

	return &Metrics{
		reg: reg,
		ActiveConnections: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_connections",
				Help:      "Number of currently open connections",
			},
			[]string{"role"},
		),
		TotalConnections: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "connections_total",
				Help:      "Total number of connections created",
			},
			[]string{"role"},
		),
		ConnectionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "connection_duration_seconds",
				Help:      "Connection lifetime in seconds",
				Buckets:   []float64{.01, .05, .1, .5, 1, 5, 10, 30, 60, 300, 600},
			},
			[]string{"role"},
		),
		BytesRead: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "read_bytes_total",
			Help:      "Bytes read from transports",
		}),
		BytesWritten: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "written_bytes_total",
			Help:      "Bytes written to transports",
		}),
		Events: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_total",
				Help:      "Events delivered to handlers",
			},
			[]string{"event"},
		),
		Errors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_total",
				Help:      "Connection errors by kind",
			},
			[]string{"kind"},
		),
		TimersFired: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "timers_fired_total",
			Help:      "Timer callbacks run",
		}),
		Wakeups: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "wakeups_total",
			Help:      "Wakeup payloads delivered to connections",
		}),
		PollDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "poll_duration_seconds",
			Help:      "Time spent in one poll pass, waiting included",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
		}),
	}
}

// Registry returns the registry the metrics are registered with.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// ConnOpened records a new connection.
func (m *Metrics) ConnOpened(role string) {
	m.ActiveConnections.WithLabelValues(role).Inc()
	m.TotalConnections.WithLabelValues(role).Inc()
}

// ConnClosed records the end of a connection opened at start.
func (m *Metrics) ConnClosed(role string, start time.Time) {
	m.ActiveConnections.WithLabelValues(role).Dec()
	m.ConnectionDuration.WithLabelValues(role).Observe(time.Since(start).Seconds())
}

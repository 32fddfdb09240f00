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

	"github.com/evmux/evmux/pkg/logging"
	"github.com/evmux/evmux/pkg/metrics"
	"github.com/evmux/evmux/pkg/netif"
)

const (
	// DefaultReadChunk is the number of bytes read from a stream transport
	// in one poll pass.
	DefaultReadChunk = 2048

	// DefaultMaxRecvBuffer caps the receive buffer of a connection, 3MB.
	DefaultMaxRecvBuffer = 3 << 20

	// DefaultMaxMessageSize caps an incomplete header block, frame or packet, 1MB.
	DefaultMaxMessageSize = 1 << 20

	// DefaultDNSServer is where host names are resolved.
	DefaultDNSServer = "udp://8.8.8.8:53"

	// DefaultDNSTimeout bounds one resolution.
	DefaultDNSTimeout = 3 * time.Second
)

// Option is a function that will set up option.
type Option func(opts *Options)

func loadOptions(options ...Option) *Options {
	opts := new(Options)
	for _, option := range options {
		option(opts)
	}
	if opts.ReadChunk <= 0 {
		opts.ReadChunk = DefaultReadChunk
	}
	if opts.MaxRecvBuffer <= 0 {
		opts.MaxRecvBuffer = DefaultMaxRecvBuffer
	}
	if opts.MaxMessageSize <= 0 {
		opts.MaxMessageSize = DefaultMaxMessageSize
	}
	if opts.DNSServer == "" {
		opts.DNSServer = DefaultDNSServer
	}
	if opts.DNSTimeout <= 0 {
		opts.DNSTimeout = DefaultDNSTimeout
	}
	if opts.NowFunc == nil {
		opts.NowFunc = time.Now
	}
	return opts
}

// Options are configurations for a Manager.
type Options struct {
	// ReadChunk is the most bytes read from one stream connection per poll pass.
	ReadChunk int

	// MaxRecvBuffer is the receive buffer size at which a connection that
	// keeps receiving without consuming is closed with a ProtocolError.
	MaxRecvBuffer int

	// MaxMessageSize caps incomplete HTTP header blocks, WebSocket frames and
	// MQTT packets. Larger input is treated as malformed.
	MaxMessageSize int

	// DNSServer is the URL of the name server used for host names,
	// udp://8.8.8.8:53 by default.
	DNSServer string

	// DNSTimeout bounds one resolution.
	DNSTimeout time.Duration

	// WSControlEvents makes WebSocket PING, PONG and CLOSE frames surface as
	// WSControlEvent. They are answered automatically either way.
	WSControlEvents bool

	// Interface switches the Manager to driver mode: connections run over
	// the interface's stack instead of kernel sockets.
	Interface *netif.Interface

	// Metrics, if set, receives the Manager's instrumentation.
	Metrics *metrics.Metrics

	// NowFunc is the clock used for timers, time.Now by default.
	NowFunc func() time.Time

	// TCPKeepAlive sets up a duration for (SO_KEEPALIVE) socket option.
	TCPKeepAlive time.Duration

	// TCPNoDelay controls whether the operating system should delay
	// packet transmission in hopes of sending fewer packets (Nagle's algorithm).
	TCPNoDelay bool

	// SocketRecvBuffer sets the maximum socket receive buffer in bytes.
	SocketRecvBuffer int

	// SocketSendBuffer sets the maximum socket send buffer in bytes.
	SocketSendBuffer int

	// WorkerPoolSize is the capacity of the goroutine pool running TLS
	// records and Manager.Go jobs.
	WorkerPoolSize int

	// LogPath the local path where logs will be written, this is the easiest way to set up logging,
	// evmux instantiates a default uber-go/zap logger with this given log path, you are also allowed to employ
	// you own logger during the lifetime by implementing the following log.Logger interface.
	//
	// Note that this option can be overridden by the option Logger.
	LogPath string

	// LogLevel indicates the logging level, it should be used along with LogPath.
	LogLevel logging.Level

	// Logger is the customized logger for logging info, if it is not set,
	// then evmux will use the default logger powered by go.uber.org/zap.
	Logger logging.Logger
}

// WithOptions sets up all options.
func WithOptions(options Options) Option {
	return func(opts *Options) {
		*opts = options
	}
}

// WithReadChunk sets up ReadChunk.
func WithReadChunk(n int) Option {
	return func(opts *Options) {
		opts.ReadChunk = n
	}
}

// WithMaxRecvBuffer sets up MaxRecvBuffer.
func WithMaxRecvBuffer(n int) Option {
	return func(opts *Options) {
		opts.MaxRecvBuffer = n
	}
}

// WithMaxMessageSize sets up MaxMessageSize.
func WithMaxMessageSize(n int) Option {
	return func(opts *Options) {
		opts.MaxMessageSize = n
	}
}

// WithDNSServer sets up the name server URL.
func WithDNSServer(url string) Option {
	return func(opts *Options) {
		opts.DNSServer = url
	}
}

// WithDNSTimeout sets up DNSTimeout.
func WithDNSTimeout(d time.Duration) Option {
	return func(opts *Options) {
		opts.DNSTimeout = d
	}
}

// WithWSControlEvents makes WebSocket control frames visible to handlers.
func WithWSControlEvents(enabled bool) Option {
	return func(opts *Options) {
		opts.WSControlEvents = enabled
	}
}

// WithInterface runs the Manager over a network interface driver.
func WithInterface(ifp *netif.Interface) Option {
	return func(opts *Options) {
		opts.Interface = ifp
	}
}

// WithMetrics sets up the Prometheus instrumentation.
func WithMetrics(m *metrics.Metrics) Option {
	return func(opts *Options) {
		opts.Metrics = m
	}
}

// WithNowFunc replaces the clock used by timers.
func WithNowFunc(now func() time.Time) Option {
	return func(opts *Options) {
		opts.NowFunc = now
	}
}

// WithTCPKeepAlive sets up the SO_KEEPALIVE socket option with duration.
func WithTCPKeepAlive(tcpKeepAlive time.Duration) Option {
	return func(opts *Options) {
		opts.TCPKeepAlive = tcpKeepAlive
	}
}

// WithTCPNoDelay enable/disable the TCP_NODELAY socket option.
func WithTCPNoDelay(tcpNoDelay bool) Option {
	return func(opts *Options) {
		opts.TCPNoDelay = tcpNoDelay
	}
}

// WithSocketRecvBuffer sets the maximum socket receive buffer in bytes.
func WithSocketRecvBuffer(recvBuf int) Option {
	return func(opts *Options) {
		opts.SocketRecvBuffer = recvBuf
	}
}

// WithSocketSendBuffer sets the maximum socket send buffer in bytes.
func WithSocketSendBuffer(sendBuf int) Option {
	return func(opts *Options) {
		opts.SocketSendBuffer = sendBuf
	}
}

// WithWorkerPoolSize sets up the capacity of the worker pool.
func WithWorkerPoolSize(n int) Option {
	return func(opts *Options) {
		opts.WorkerPoolSize = n
	}
}

// WithLogPath is an option to set up the local path of log file.
func WithLogPath(fileName string) Option {
	return func(opts *Options) {
		opts.LogPath = fileName
	}
}

// WithLogLevel is an option to set up the logging level.
func WithLogLevel(lvl logging.Level) Option {
	return func(opts *Options) {
		opts.LogLevel = lvl
	}
}

// WithLogger sets up a customized logger.
func WithLogger(logger logging.Logger) Option {
	return func(opts *Options) {
		opts.Logger = logger
	}
}

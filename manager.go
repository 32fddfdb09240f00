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
	"context"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/evmux/evmux/internal/queue"
	errorx "github.com/evmux/evmux/pkg/errors"
	"github.com/evmux/evmux/pkg/logging"
	"github.com/evmux/evmux/pkg/metrics"
	"github.com/evmux/evmux/pkg/pool/byteslice"
	"github.com/evmux/evmux/pkg/pool/goroutine"
)

// Manager owns a set of connections, timers and the wakeup queue. All of
// its state is driven by Poll, which must always be called from the same
// goroutine. Only Wakeup and Go may be called from other goroutines.
type Manager struct {
	opts     *Options
	logger   logging.Logger
	flush    logging.Flusher
	metrics  *metrics.Metrics
	net      network
	pool     *goroutine.Pool
	resolver *resolver
	readBuf  []byte

	conns  []*Conn
	byID   map[uint64]*Conn
	nextID uint64

	timers   timerHeap
	timerSeq uint64

	wakeups queue.MessageQueue
	closed  atomic.Bool
}

// NewManager creates a Manager with the given options.
func NewManager(opts ...Option) (*Manager, error) {
	options := loadOptions(opts...)

	logger, flush := options.Logger, logging.Flusher(nil)
	if logger == nil {
		if options.LogPath != "" {
			var err error
			if logger, flush, err = logging.CreateLoggerAsLocalFile(options.LogPath, options.LogLevel); err != nil {
				return nil, err
			}
		} else {
			logger = logging.GetDefaultLogger()
		}
	}

	nw, err := newNetwork(options, logger)
	if err != nil {
		return nil, err
	}
	pool, err := goroutine.New(options.WorkerPoolSize, logger)
	if err != nil {
		_ = nw.close()
		return nil, err
	}

	bufSize := 64 << 10
	if options.ReadChunk > bufSize {
		bufSize = options.ReadChunk
	}
	m := &Manager{
		opts:    options,
		logger:  logger,
		flush:   flush,
		metrics: options.Metrics,
		net:     nw,
		pool:    pool,
		readBuf: byteslice.Get(bufSize),
		byID:    make(map[uint64]*Conn),
		wakeups: queue.NewLockFreeQueue(),
	}
	m.resolver = newResolver(m)
	return m, nil
}

func (m *Manager) now() time.Time { return m.opts.NowFunc() }

func (m *Manager) wake() {
	if !m.closed.Load() {
		m.net.wake()
	}
}

func (m *Manager) add(c *Conn) {
	m.conns = append(m.conns, c)
	m.byID[c.id] = c
	if m.metrics != nil {
		m.metrics.ConnOpened(c.role)
	}
}

// Listen creates a listening connection. The URL scheme selects the stage
// of accepted connections, see Connect. Host names are not resolved, use
// an address or leave the host empty for all interfaces. OpenEvent is
// delivered before Listen returns.
func (m *Manager) Listen(url string, h Handler) (*Conn, error) {
	a, err := parseAddress(url)
	if err != nil {
		return nil, err
	}
	return m.listen(a, h, a.stage)
}

// ListenDNS creates a DNS server connection: a UDP listener parsing each
// datagram, or a TCP listener whose accepted connections use length
// prefixed messages.
func (m *Manager) ListenDNS(url string, h Handler) (*Conn, error) {
	a, err := parseAddress(url)
	if err != nil {
		return nil, err
	}
	return m.listen(a, h, StageDNS)
}

func (m *Manager) listen(a *address, h Handler, k StageKind) (*Conn, error) {
	if m.closed.Load() {
		return nil, errorx.ErrManagerClosed
	}
	if a.needsResolve() {
		return nil, fmt.Errorf("%w: cannot listen on host %q", errorx.ErrInvalidNetworkAddress, a.host)
	}
	t, err := m.net.listen(a.udp, a.ip, a.port)
	if err != nil {
		return nil, err
	}
	c := newConn(m, metrics.RoleListener, h, a)
	c.t, c.local, c.stage = t, t.LocalAddr(), newStage(k)
	if err = m.net.register(c); err != nil {
		_ = t.Close()
		return nil, err
	}
	m.add(c)
	m.logger.Infof("conn=%d listening on %s://%s", c.id, a.scheme, c.local)
	c.emit(OpenEvent{})
	return c, nil
}

// Connect creates an outgoing connection. The URL scheme selects the
// protocol stage:
//
//	tcp, udp      raw
//	http, https   HTTP
//	ws, wss       HTTP, see WSConnect
//	mqtt, mqtts   MQTT, see MQTTConnect
//
// For TLS schemes the handler calls InitTLS on ConnectEvent. OpenEvent is
// delivered before Connect returns, the rest of the connection lifecycle
// happens in Poll. Failures after that point are reported as ErrorEvent.
func (m *Manager) Connect(url string, h Handler) (*Conn, error) {
	a, err := parseAddress(url)
	if err != nil {
		return nil, err
	}
	return m.connect(a, h, nil)
}

func (m *Manager) connect(a *address, h Handler, st stage) (*Conn, error) {
	if m.closed.Load() {
		return nil, errorx.ErrManagerClosed
	}
	if st == nil {
		st = newStage(a.stage)
	}
	c := newConn(m, metrics.RoleClient, h, a)
	c.stage = st
	m.add(c)
	c.emit(OpenEvent{})
	if c.closing {
		return c, nil
	}
	if a.needsResolve() {
		c.resolving = true
		m.resolver.resolve(c, a.host)
		return c, nil
	}
	m.dial(c, a.ip, a.port)
	return c, nil
}

// dial starts connecting c. A UDP connection is connected right away.
func (m *Manager) dial(c *Conn, ip net.IP, port int) {
	if ip == nil {
		ip = net.IPv4(127, 0, 0, 1)
	}
	t, err := m.net.dial(c.udp, ip, port)
	if err != nil {
		c.fail(TransportError, err)
		return
	}
	c.t, c.remote, c.connecting = t, t.RemoteAddr(), true
	if c.remote == nil {
		c.remote = &net.TCPAddr{IP: ip, Port: port}
	}
	if err = m.net.register(c); err != nil {
		c.fail(TransportError, err)
		return
	}
	m.logger.Debugf("conn=%d connecting to %s", c.id, c.remote)
	if c.udp {
		m.checkConnect(c)
	}
}

// checkConnect completes a pending connect.
func (m *Manager) checkConnect(c *Conn) {
	if d, ok := c.t.(dialer); ok {
		done, err := d.connected()
		if err != nil {
			c.fail(TransportError, fmt.Errorf("connect to %s: %w", c.remote, err))
			return
		}
		if !done {
			return
		}
	}
	c.connecting = false
	c.local = c.t.LocalAddr()
	c.emit(ConnectEvent{})
}

// Conn returns the connection with the given id.
func (m *Manager) Conn(id uint64) (*Conn, error) {
	if c := m.byID[id]; c != nil {
		return c, nil
	}
	return nil, errorx.ErrConnNotFound
}

// Iterate calls fn for every connection in creation order until fn returns
// false.
func (m *Manager) Iterate(fn func(c *Conn) bool) {
	for _, c := range m.conns {
		if !fn(c) {
			return
		}
	}
}

// Close closes every connection, delivering their CloseEvent, and releases
// the Manager. Calling it more than once is a no-op. It must be called from
// the poll goroutine.
func (m *Manager) Close() error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}
	for len(m.conns) > 0 {
		for _, c := range m.conns {
			c.closing = true
		}
		m.reap()
	}
	for _, t := range m.timers {
		t.index, t.stopped = -1, true
	}
	m.timers = nil
	for msg := m.wakeups.Dequeue(); msg != nil; msg = m.wakeups.Dequeue() {
		queue.PutMessage(msg)
	}
	m.pool.Release()
	byteslice.Put(m.readBuf)
	m.readBuf = nil
	err := m.net.close()
	m.logger.Infof("manager closed")
	if m.flush != nil {
		_ = m.flush()
	}
	return err
}

// Run polls until ctx is done, waiting at most interval per pass, then
// closes the Manager.
func (m *Manager) Run(ctx context.Context, interval time.Duration) error {
	stop := context.AfterFunc(ctx, m.wake)
	var err error
	for err == nil && ctx.Err() == nil {
		if len(m.conns) == 0 && len(m.timers) == 0 && m.wakeups.IsEmpty() {
			// Nothing can make Poll block.
			select {
			case <-ctx.Done():
			case <-time.After(interval):
			}
			continue
		}
		err = m.Poll(interval)
	}
	stop()
	if cerr := m.Close(); err == nil {
		err = cerr
	}
	return err
}

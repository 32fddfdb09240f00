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
	"fmt"
	"net"

	errorx "github.com/evmux/evmux/pkg/errors"
	"github.com/evmux/evmux/pkg/parser/dns"
)

// resolver turns host names into addresses for outgoing connections. It
// owns one DNS client connection to Options.DNSServer, opened on first use,
// and matches replies to requests by transaction id.
type resolver struct {
	m       *Manager
	conn    *Conn
	txid    uint16
	pending map[uint16]*resolveReq
}

type resolveReq struct {
	c     *Conn
	host  string
	port  int
	timer *Timer
}

func newResolver(m *Manager) *resolver {
	return &resolver{m: m, pending: make(map[uint16]*resolveReq)}
}

// resolve sends an A query for host on behalf of c. The outcome is either
// ResolveEvent followed by the connect, or a TransportError on c.
func (r *resolver) resolve(c *Conn, host string) {
	if r.conn == nil {
		a, err := parseAddress(r.m.opts.DNSServer)
		if err == nil && a.needsResolve() {
			err = fmt.Errorf("%w: %s is not an address", errorx.ErrInvalidNetworkAddress, a.host)
		}
		if err != nil {
			c.fail(TransportError, fmt.Errorf("%w: dns server: %v", errorx.ErrResolveFailed, err))
			return
		}
		if r.conn, err = r.m.connect(a, HandlerFunc(r.onEvent), new(dnsStage)); err != nil {
			c.fail(TransportError, fmt.Errorf("%w: %v", errorx.ErrResolveFailed, err))
			return
		}
	}

	r.txid++
	for r.pending[r.txid] != nil || r.txid == 0 {
		r.txid++
	}
	id := r.txid
	query, err := dns.NewQuery(id, host, dns.TypeA)
	if err == nil {
		err = r.conn.DNSSend(query)
	}
	if err != nil {
		c.fail(TransportError, fmt.Errorf("%w: %s: %v", errorx.ErrResolveFailed, host, err))
		return
	}

	req := &resolveReq{c: c, host: host, port: c.addr.port}
	req.timer = r.m.addTimer(c, r.m.opts.DNSTimeout, 0, func() error {
		if r.pending[id] == req {
			delete(r.pending, id)
			c.fail(TransportError, fmt.Errorf("%w: resolving %s", errorx.ErrConnectTimeout, host))
		}
		return nil
	})
	r.pending[id] = req
	r.m.logger.Debugf("conn=%d resolving %s, id=%d", c.id, host, id)
}

// cancel forgets the requests of a connection going away.
func (r *resolver) cancel(c *Conn) {
	if !c.resolving {
		return
	}
	for id, req := range r.pending {
		if req.c == c {
			delete(r.pending, id)
		}
	}
}

func (r *resolver) onEvent(dc *Conn, ev Event) {
	switch ev := ev.(type) {
	case DNSMessageEvent:
		req := r.pending[ev.Msg.Id]
		if req == nil {
			r.m.logger.Debugf("conn=%d stray dns reply id=%d", dc.id, ev.Msg.Id)
			return
		}
		delete(r.pending, ev.Msg.Id)
		req.timer.Stop()
		r.resolved(req, ev.Msg)
	case CloseEvent:
		if dc != r.conn {
			return
		}
		r.conn = nil
		for id, req := range r.pending {
			delete(r.pending, id)
			req.timer.Stop()
			req.c.fail(TransportError, fmt.Errorf("%w: %s: dns connection closed", errorx.ErrResolveFailed, req.host))
		}
	}
}

func (r *resolver) resolved(req *resolveReq, msg *dns.Msg) {
	c := req.c
	if c.closing {
		return
	}
	ip, ok := dns.FirstAddr(msg)
	if msg.Rcode != dns.RcodeSuccess || !ok {
		c.fail(TransportError, fmt.Errorf("%w: %s: rcode %d", errorx.ErrResolveFailed, req.host, msg.Rcode))
		return
	}
	c.resolving = false
	var addr net.Addr = &net.TCPAddr{IP: ip, Port: req.port}
	if c.udp {
		addr = &net.UDPAddr{IP: ip, Port: req.port}
	}
	c.remote = addr
	r.m.logger.Debugf("conn=%d %s is %s", c.id, req.host, ip)
	c.emit(ResolveEvent{Addr: addr})
	if !c.closing {
		r.m.dial(c, ip, req.port)
	}
}

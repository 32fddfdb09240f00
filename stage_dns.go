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
	"github.com/evmux/evmux/pkg/parser/dns"
	bbPool "github.com/evmux/evmux/pkg/pool/bytebuffer"
)

// dnsStage parses DNS messages: one per datagram over UDP, length-prefixed
// over TCP.
type dnsStage struct{}

func (dnsStage) kind() StageKind { return StageDNS }

func (dnsStage) poll(*Conn, time.Time) {}

func (dnsStage) advance(c *Conn) error {
	if c.udp {
		if c.recv.IsEmpty() {
			return nil
		}
		raw := c.recv.Bytes()
		if msg, err := dns.Unpack(raw); err != nil {
			c.mgr.logger.Warnf("conn=%d dropping dns datagram: %v", c.id, err)
		} else {
			c.emit(DNSMessageEvent{Msg: msg, Raw: raw})
		}
		c.recv.Reset()
		return nil
	}
	for !c.closing && !c.recv.IsEmpty() {
		buf := c.recv.Bytes()
		n, err := dns.FrameLen(buf)
		if err != nil || n == 0 {
			return err
		}
		msg, err := dns.Unpack(buf[2:n])
		if err != nil {
			return err
		}
		c.emit(DNSMessageEvent{Msg: msg, Raw: buf[2:n]})
		c.recv.Discard(n)
	}
	return nil
}

// DNSSend sends one DNS message in wire form, adding the length prefix on
// TCP connections.
func (c *Conn) DNSSend(msg []byte) error {
	if _, ok := c.stage.(*dnsStage); !ok {
		return errorx.ErrUnsupportedOp
	}
	if c.udp {
		return c.Send(msg)
	}
	bb := bbPool.Get()
	defer bbPool.Put(bb)
	bb.B = dns.AppendFrame(bb.B, msg)
	return c.Send(bb.B)
}

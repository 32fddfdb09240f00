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

package main

import (
	"net"
	"strings"

	"github.com/eclipse/paho.mqtt.golang/packets"

	"github.com/evmux/evmux"
	"github.com/evmux/evmux/pkg/logging"
	"github.com/evmux/evmux/pkg/parser/dns"
	"github.com/evmux/evmux/pkg/parser/mqtt"
)

// withTLS starts TLS on every accepted connection before handing the events
// to next. A nil opts returns next unchanged.
func withTLS(opts *evmux.TLSOptions, next evmux.Handler) evmux.Handler {
	if opts == nil {
		return next
	}
	return evmux.HandlerFunc(func(c *evmux.Conn, ev evmux.Event) {
		if _, ok := ev.(evmux.AcceptEvent); ok {
			if err := c.InitTLS(*opts); err != nil {
				return
			}
		}
		next.OnEvent(c, ev)
	})
}

// webApp serves a greeting, a health check and a WebSocket echo on /ws.
type webApp struct {
	version string
}

func newWebApp(version string) *webApp { return &webApp{version: version} }

func (a *webApp) OnEvent(c *evmux.Conn, ev evmux.Event) {
	switch ev := ev.(type) {
	case evmux.HTTPMessageEvent:
		switch string(ev.Msg.URI) {
		case "/":
			_ = c.HTTPReplyf(200, "Content-Type: text/plain\r\n", "evmux %s\n", a.version)
		case "/health":
			n := 0
			c.Manager().Iterate(func(*evmux.Conn) bool {
				n++
				return true
			})
			_ = c.HTTPReplyf(200, "Content-Type: application/json\r\n",
				`{"status":"ok","connections":%d}`, n)
		case "/ws":
			_ = c.WSUpgrade(ev.Msg, "")
		default:
			_ = c.HTTPReply(404, "", nil)
		}
	case evmux.WSMessageEvent:
		_ = c.WSSend(ev.Data, ev.Op)
	}
}

// broker is an in-memory MQTT broker: exact and wildcard subscriptions,
// QoS 0 and 1, no retained messages and no sessions.
type broker struct {
	logger logging.Logger
	subs   map[*evmux.Conn]map[string]byte
}

func newBroker(logger logging.Logger) *broker {
	return &broker{logger: logger, subs: make(map[*evmux.Conn]map[string]byte)}
}

func (b *broker) OnEvent(c *evmux.Conn, ev evmux.Event) {
	switch ev := ev.(type) {
	case evmux.MQTTCmdEvent:
		b.command(c, ev.Packet)
	case evmux.MQTTMessageEvent:
		b.publish(ev)
	case evmux.CloseEvent:
		delete(b.subs, c)
	}
}

func (b *broker) command(c *evmux.Conn, pkt packets.ControlPacket) {
	switch p := pkt.(type) {
	case *packets.ConnectPacket:
		b.logger.Debugf("conn=%d mqtt client %q connected", c.ID(), p.ClientIdentifier)
		_ = c.MQTTConnAck(packets.Accepted)
	case *packets.SubscribePacket:
		filters := b.subs[c]
		if filters == nil {
			filters = make(map[string]byte)
			b.subs[c] = filters
		}
		codes := make([]byte, len(p.Topics))
		for i, topic := range p.Topics {
			var qos byte
			if i < len(p.Qoss) && p.Qoss[i] > 0 {
				qos = 1
			}
			filters[topic] = qos
			codes[i] = qos
		}
		_ = c.MQTTSubAck(p.MessageID, codes)
	case *packets.UnsubscribePacket:
		for _, topic := range p.Topics {
			delete(b.subs[c], topic)
		}
		_ = c.MQTTUnsubAck(p.MessageID)
	case *packets.PingreqPacket:
		_ = c.MQTTPong()
	case *packets.DisconnectPacket:
		c.Drain()
	}
}

func (b *broker) publish(msg evmux.MQTTMessageEvent) {
	for sub, filters := range b.subs {
		granted, matched := byte(0), false
		for f, qos := range filters {
			if mqtt.MatchTopic(f, msg.Topic) {
				matched = true
				if qos > granted {
					granted = qos
				}
			}
		}
		if !matched {
			continue
		}
		if msg.QoS < granted {
			granted = msg.QoS
		}
		if _, err := sub.MQTTPublish(msg.Topic, msg.Payload, granted, false); err != nil {
			b.logger.Warnf("conn=%d deliver %s: %v", sub.ID(), msg.Topic, err)
		}
	}
}

// dnsResponder answers A queries from a static table, unknown names get
// NXDOMAIN.
type dnsResponder struct {
	records map[string][]net.IP
	ttl     uint32
}

func newDNSResponder(records map[string][]net.IP, ttl uint32) *dnsResponder {
	return &dnsResponder{records: records, ttl: ttl}
}

func (d *dnsResponder) OnEvent(c *evmux.Conn, ev evmux.Event) {
	q, ok := ev.(evmux.DNSMessageEvent)
	if !ok || q.Msg.Response {
		return
	}
	answer, err := dns.NewAnswer(q.Msg, d.ttl, d.records[strings.ToLower(dns.Name(q.Msg))]...)
	if err != nil {
		return
	}
	_ = c.DNSSend(answer)
}

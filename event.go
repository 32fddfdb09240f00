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
	"net"
	"time"

	"github.com/eclipse/paho.mqtt.golang/packets"

	"github.com/evmux/evmux/pkg/parser/dns"
	httpx "github.com/evmux/evmux/pkg/parser/http"
	"github.com/evmux/evmux/pkg/parser/websocket"
)

// Event is what a Handler receives. The set of events is closed, match it
// with a type switch.
//
// Byte slices and messages carried by an event are views into connection
// buffers, they are valid only until the handler returns.
type Event interface {
	eventName() string
}

// Handler handles the events of the connections it was attached to.
type Handler interface {
	OnEvent(c *Conn, ev Event)
}

// HandlerFunc adapts an ordinary function to Handler.
type HandlerFunc func(c *Conn, ev Event)

// OnEvent calls f(c, ev).
func (f HandlerFunc) OnEvent(c *Conn, ev Event) { f(c, ev) }

type (
	// OpenEvent is the first event of every connection.
	OpenEvent struct{}

	// AcceptEvent follows OpenEvent on a connection accepted by a listener.
	AcceptEvent struct{}

	// ConnectEvent is delivered when an outgoing connection is established.
	ConnectEvent struct{}

	// ResolveEvent is delivered when the host name of an outgoing
	// connection was resolved, right before connecting to Addr.
	ResolveEvent struct {
		Addr net.Addr
	}

	// ReadEvent carries the unconsumed received bytes of a raw connection,
	// or the next piece of a streamed HTTP body.
	ReadEvent struct {
		Data []byte
	}

	// WriteEvent reports N bytes handed to the transport.
	WriteEvent struct {
		N int
	}

	// HTTPHeadersEvent is delivered once per message as soon as its header
	// block is complete. Msg.Body holds whatever part of the body arrived.
	HTTPHeadersEvent struct {
		Msg *httpx.Message
	}

	// HTTPMessageEvent is delivered once per complete HTTP message.
	HTTPMessageEvent struct {
		Msg *httpx.Message
	}

	// WSOpenEvent is delivered when a WebSocket handshake completed. On the
	// server side Msg is the upgrade request, on the client side the 101
	// response.
	WSOpenEvent struct {
		Msg *httpx.Message
	}

	// WSMessageEvent carries one complete, unmasked, reassembled message.
	WSMessageEvent struct {
		Op   websocket.OpCode
		Data []byte
	}

	// WSControlEvent carries a PING, PONG or CLOSE frame. It is only
	// delivered when the Manager was created WithWSControlEvents.
	WSControlEvent struct {
		Op   websocket.OpCode
		Data []byte
	}

	// MQTTOpenEvent is delivered to an MQTT client on CONNACK.
	MQTTOpenEvent struct {
		Code byte
	}

	// MQTTCmdEvent is delivered for every MQTT packet received.
	MQTTCmdEvent struct {
		Type   byte
		Packet packets.ControlPacket
	}

	// MQTTMessageEvent is delivered for every PUBLISH received.
	MQTTMessageEvent struct {
		Topic   string
		Payload []byte
		QoS     byte
		ID      uint16
		Retain  bool
	}

	// DNSMessageEvent carries one DNS message, Raw is its wire form.
	DNSMessageEvent struct {
		Msg *dns.Msg
		Raw []byte
	}

	// TimerEvent is delivered by a timer created with Conn.AddTimer.
	TimerEvent struct {
		Timer *Timer
	}

	// WakeupEvent carries a payload sent with Manager.Wakeup or produced by
	// a Manager.Go job.
	WakeupEvent struct {
		Data []byte
	}

	// TLSHandshakeEvent is delivered once when the TLS handshake completed.
	TLSHandshakeEvent struct{}

	// PollEvent is delivered to every connection on every poll pass.
	PollEvent struct {
		Now time.Time
	}

	// ErrorEvent is delivered at most once, for the error that closes the
	// connection.
	ErrorEvent struct {
		Err *Error
	}

	// CloseEvent is the last event of every connection.
	CloseEvent struct{}
)

func (OpenEvent) eventName() string         { return "open" }
func (AcceptEvent) eventName() string       { return "accept" }
func (ConnectEvent) eventName() string      { return "connect" }
func (ResolveEvent) eventName() string      { return "resolve" }
func (ReadEvent) eventName() string         { return "read" }
func (WriteEvent) eventName() string        { return "write" }
func (HTTPHeadersEvent) eventName() string  { return "http_headers" }
func (HTTPMessageEvent) eventName() string  { return "http_message" }
func (WSOpenEvent) eventName() string       { return "ws_open" }
func (WSMessageEvent) eventName() string    { return "ws_message" }
func (WSControlEvent) eventName() string    { return "ws_control" }
func (MQTTOpenEvent) eventName() string     { return "mqtt_open" }
func (MQTTCmdEvent) eventName() string      { return "mqtt_cmd" }
func (MQTTMessageEvent) eventName() string  { return "mqtt_message" }
func (DNSMessageEvent) eventName() string   { return "dns_message" }
func (TimerEvent) eventName() string        { return "timer" }
func (WakeupEvent) eventName() string       { return "wakeup" }
func (TLSHandshakeEvent) eventName() string { return "tls_handshake" }
func (PollEvent) eventName() string         { return "poll" }
func (ErrorEvent) eventName() string        { return "error" }
func (CloseEvent) eventName() string        { return "close" }

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
	"time"
)

// StageKind names the protocol stage of a connection.
type StageKind uint8

const (
	// StageRaw hands every received byte to the handler as ReadEvent.
	StageRaw StageKind = iota
	// StageHTTP parses HTTP/1.x requests and responses.
	StageHTTP
	// StageStreaming delivers an HTTP body piece by piece as ReadEvent.
	StageStreaming
	// StageWebSocket parses WebSocket frames.
	StageWebSocket
	// StageMQTT parses MQTT 3.1.1 packets.
	StageMQTT
	// StageDNS parses DNS messages.
	StageDNS
)

func (k StageKind) String() string {
	switch k {
	case StageRaw:
		return "raw"
	case StageHTTP:
		return "http"
	case StageStreaming:
		return "streaming"
	case StageWebSocket:
		return "websocket"
	case StageMQTT:
		return "mqtt"
	case StageDNS:
		return "dns"
	}
	return fmt.Sprintf("StageKind(%d)", uint8(k))
}

// stage turns received bytes into events. advance consumes what it can from
// the receive buffer and returns a non-nil error on malformed input. A stage
// that hands the connection to another stage returns right after consuming
// the bytes of the message that caused the switch.
type stage interface {
	kind() StageKind
	advance(c *Conn) error
	poll(c *Conn, now time.Time)
}

// maxStageHops bounds the stage switches handled in one advance.
const maxStageHops = 8

func newStage(k StageKind) stage {
	switch k {
	case StageHTTP:
		return new(httpStage)
	case StageWebSocket:
		return new(wsStage)
	case StageMQTT:
		return newMQTTStage(0)
	case StageDNS:
		return new(dnsStage)
	}
	return &rawStage{primed: true}
}

// setStage switches the connection to s. The bytes left in the receive
// buffer are handed to s within the same advance.
func (c *Conn) setStage(s stage) {
	c.stage = s
}

// advance runs the stage over the receive buffer. When the stage hands over
// to another one, the new stage continues with the leftover bytes.
func (c *Conn) advance() {
	for hops := 0; hops < maxStageHops && !c.closing; hops++ {
		s := c.stage
		if err := s.advance(c); err != nil {
			c.fail(ProtocolError, err)
			return
		}
		if c.stage == s {
			return
		}
	}
}

// Stage returns the kind of the current protocol stage.
func (c *Conn) Stage() StageKind { return c.stage.kind() }

// SetRaw switches the connection to the raw stage for the rest of its life.
// Bytes not consumed yet are delivered as ReadEvent.
func (c *Conn) SetRaw() {
	c.setStage(&rawStage{primed: true})
}

// rawStage delivers all unconsumed bytes whenever new ones arrive. The
// handler consumes with Conn.Consume.
type rawStage struct {
	primed bool
}

func (s *rawStage) kind() StageKind { return StageRaw }

func (s *rawStage) advance(c *Conn) error {
	if c.recv.IsEmpty() || !s.primed && c.rxNew == 0 {
		return nil
	}
	s.primed = false
	c.emit(ReadEvent{Data: c.recv.Bytes()})
	return nil
}

func (s *rawStage) poll(*Conn, time.Time) {}

// streamStage hands an HTTP body to the handler as it arrives, then goes
// back to HTTP. remaining is -1 when the body ends with the connection.
type streamStage struct {
	remaining int
}

func (s *streamStage) kind() StageKind { return StageStreaming }

func (s *streamStage) advance(c *Conn) error {
	if s.remaining == 0 {
		c.setStage(new(httpStage))
		return nil
	}
	if c.recv.IsEmpty() {
		return nil
	}
	n := c.recv.Len()
	if s.remaining > 0 && n > s.remaining {
		n = s.remaining
	}
	c.emit(ReadEvent{Data: c.recv.Bytes()[:n]})
	c.recv.Discard(n)
	if s.remaining > 0 {
		s.remaining -= n
		if s.remaining == 0 && c.stage == s {
			c.setStage(new(httpStage))
		}
	}
	return nil
}

func (s *streamStage) poll(*Conn, time.Time) {}

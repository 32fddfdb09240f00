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

	"github.com/eclipse/paho.mqtt.golang/packets"
	"github.com/google/uuid"

	errorx "github.com/evmux/evmux/pkg/errors"
	"github.com/evmux/evmux/pkg/parser/mqtt"
	bbPool "github.com/evmux/evmux/pkg/pool/bytebuffer"
)

// MQTTOptions configure the CONNECT packet sent by Manager.MQTTConnect.
type MQTTOptions struct {
	// ClientID defaults to a random UUID.
	ClientID     string
	Username     string
	Password     string
	WillTopic    string
	WillMessage  []byte
	WillQoS      byte
	WillRetain   bool
	CleanSession bool
	// KeepAlive is rounded to seconds, 0 means 60s.
	KeepAlive time.Duration
}

// mqttStage parses MQTT packets. A client stage also keeps the session
// alive with PINGREQ.
type mqttStage struct {
	keepAlive time.Duration
	lastSend  time.Time
	nextID    uint16
}

func newMQTTStage(keepAlive time.Duration) *mqttStage {
	return &mqttStage{keepAlive: keepAlive}
}

func (s *mqttStage) kind() StageKind { return StageMQTT }

func (s *mqttStage) advance(c *Conn) error {
	limit := c.mgr.opts.MaxMessageSize
	for !c.closing && c.stage == s {
		buf := c.recv.Bytes()
		n, err := mqtt.PacketLen(buf)
		if err != nil {
			return err
		}
		if n == 0 {
			if len(buf) > limit {
				return fmt.Errorf("%w: mqtt packet exceeds %d bytes", errorx.ErrMessageTooLarge, limit)
			}
			return nil
		}
		if n > limit {
			return fmt.Errorf("%w: mqtt packet of %d bytes", errorx.ErrMessageTooLarge, n)
		}
		pkt, err := mqtt.Decode(buf[:n])
		if err != nil {
			return err
		}
		c.emit(MQTTCmdEvent{Type: mqtt.Type(pkt), Packet: pkt})

		switch p := pkt.(type) {
		case *packets.ConnackPacket:
			if c.client {
				if p.ReturnCode != packets.Accepted {
					return fmt.Errorf("%w: return code %d", errorx.ErrMQTTRefused, p.ReturnCode)
				}
				c.emit(MQTTOpenEvent{Code: p.ReturnCode})
			}
		case *packets.PublishPacket:
			if p.Qos == 1 {
				_ = c.MQTTSend(mqtt.NewPuback(p.MessageID))
			}
			c.emit(MQTTMessageEvent{
				Topic:   p.TopicName,
				Payload: p.Payload,
				QoS:     p.Qos,
				ID:      p.MessageID,
				Retain:  p.Retain,
			})
		}
		c.recv.Discard(n)
	}
	return nil
}

func (s *mqttStage) poll(c *Conn, now time.Time) {
	if !c.client || s.keepAlive <= 0 || c.t == nil || c.connecting || c.closing {
		return
	}
	if now.Sub(s.lastSend) >= s.keepAlive {
		_ = c.MQTTPing()
	}
}

func (s *mqttStage) packetID() uint16 {
	s.nextID++
	if s.nextID == 0 {
		s.nextID = 1
	}
	return s.nextID
}

// MQTTConnect connects to an mqtt:// or mqtts:// URL and sends CONNECT.
// MQTTOpenEvent is delivered on a successful CONNACK. opts may be nil.
func (m *Manager) MQTTConnect(url string, opts *MQTTOptions, h Handler) (*Conn, error) {
	a, err := parseAddress(url)
	if err != nil {
		return nil, err
	}
	if opts == nil {
		opts = new(MQTTOptions)
	}
	keepAlive := opts.KeepAlive.Round(time.Second)
	if keepAlive <= 0 {
		keepAlive = mqtt.DefaultKeepAlive * time.Second
	}
	clientID := opts.ClientID
	if clientID == "" {
		clientID = uuid.NewString()
	}
	s := newMQTTStage(keepAlive)
	c, err := m.connect(a, h, s)
	if err != nil {
		return nil, err
	}
	err = c.MQTTSend(mqtt.NewConnect(&mqtt.ConnectOptions{
		ClientID:     clientID,
		Username:     opts.Username,
		Password:     opts.Password,
		WillTopic:    opts.WillTopic,
		WillMessage:  opts.WillMessage,
		WillQoS:      opts.WillQoS,
		WillRetain:   opts.WillRetain,
		CleanSession: opts.CleanSession,
		KeepAlive:    uint16(keepAlive / time.Second),
	}))
	return c, err
}

// MQTTSend encodes and queues any MQTT packet.
func (c *Conn) MQTTSend(pkt packets.ControlPacket) error {
	s, ok := c.stage.(*mqttStage)
	if !ok {
		return errorx.ErrUnsupportedOp
	}
	bb := bbPool.Get()
	defer bbPool.Put(bb)
	var err error
	if bb.B, err = mqtt.Append(bb.B, pkt); err != nil {
		return err
	}
	if err = c.Send(bb.B); err != nil {
		return err
	}
	s.lastSend = c.mgr.now()
	return nil
}

// MQTTPublish sends a PUBLISH and returns its packet id, 0 for QoS 0.
func (c *Conn) MQTTPublish(topic string, payload []byte, qos byte, retain bool) (uint16, error) {
	s, ok := c.stage.(*mqttStage)
	if !ok {
		return 0, errorx.ErrUnsupportedOp
	}
	var id uint16
	if qos > 0 {
		id = s.packetID()
	}
	return id, c.MQTTSend(mqtt.NewPublish(topic, payload, qos, retain, id))
}

// MQTTSubscribe sends a SUBSCRIBE for topics with the same QoS.
func (c *Conn) MQTTSubscribe(qos byte, topics ...string) (uint16, error) {
	s, ok := c.stage.(*mqttStage)
	if !ok {
		return 0, errorx.ErrUnsupportedOp
	}
	id := s.packetID()
	return id, c.MQTTSend(mqtt.NewSubscribe(id, qos, topics...))
}

// MQTTUnsubscribe sends an UNSUBSCRIBE.
func (c *Conn) MQTTUnsubscribe(topics ...string) (uint16, error) {
	s, ok := c.stage.(*mqttStage)
	if !ok {
		return 0, errorx.ErrUnsupportedOp
	}
	id := s.packetID()
	return id, c.MQTTSend(mqtt.NewUnsubscribe(id, topics...))
}

// MQTTPing sends a PINGREQ.
func (c *Conn) MQTTPing() error { return c.MQTTSend(mqtt.NewPingreq()) }

// MQTTPong sends a PINGRESP.
func (c *Conn) MQTTPong() error { return c.MQTTSend(mqtt.NewPingresp()) }

// MQTTDisconnect sends a DISCONNECT.
func (c *Conn) MQTTDisconnect() error { return c.MQTTSend(mqtt.NewDisconnect()) }

// MQTTConnAck answers a CONNECT.
func (c *Conn) MQTTConnAck(code byte) error { return c.MQTTSend(mqtt.NewConnack(code)) }

// MQTTSubAck answers a SUBSCRIBE with one return code per topic.
func (c *Conn) MQTTSubAck(id uint16, codes []byte) error {
	return c.MQTTSend(mqtt.NewSuback(id, codes))
}

// MQTTUnsubAck answers an UNSUBSCRIBE.
func (c *Conn) MQTTUnsubAck(id uint16) error { return c.MQTTSend(mqtt.NewUnsuback(id)) }

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

package mqtt

import (
	"github.com/eclipse/paho.mqtt.golang/packets"
)

// ConnectOptions are the fields of a CONNECT packet a client sets.
type ConnectOptions struct {
	ClientID     string
	Username     string
	Password     string
	WillTopic    string
	WillMessage  []byte
	WillQoS      byte
	WillRetain   bool
	CleanSession bool
	KeepAlive    uint16 // seconds, 0 means DefaultKeepAlive
}

// NewConnect builds a CONNECT packet for protocol level 4 (3.1.1).
func NewConnect(opts *ConnectOptions) *packets.ConnectPacket {
	p := packets.NewControlPacket(packets.Connect).(*packets.ConnectPacket)
	p.ProtocolName = "MQTT"
	p.ProtocolVersion = 4
	p.ClientIdentifier = opts.ClientID
	p.CleanSession = opts.CleanSession
	p.Keepalive = opts.KeepAlive
	if p.Keepalive == 0 {
		p.Keepalive = DefaultKeepAlive
	}
	if opts.Username != "" {
		p.UsernameFlag = true
		p.Username = opts.Username
	}
	if opts.Password != "" {
		p.PasswordFlag = true
		p.Password = []byte(opts.Password)
	}
	if opts.WillTopic != "" {
		p.WillFlag = true
		p.WillTopic = opts.WillTopic
		p.WillMessage = opts.WillMessage
		p.WillQos = opts.WillQoS
		p.WillRetain = opts.WillRetain
	}
	return p
}

// NewConnack builds a CONNACK packet with the given return code.
func NewConnack(code byte) *packets.ConnackPacket {
	p := packets.NewControlPacket(packets.Connack).(*packets.ConnackPacket)
	p.ReturnCode = code
	return p
}

// NewPublish builds a PUBLISH packet. id is only encoded when qos > 0.
func NewPublish(topic string, payload []byte, qos byte, retain bool, id uint16) *packets.PublishPacket {
	p := packets.NewControlPacket(packets.Publish).(*packets.PublishPacket)
	p.TopicName = topic
	p.Payload = payload
	p.Qos = qos
	p.Retain = retain
	if qos > 0 {
		p.MessageID = id
	}
	return p
}

// NewPuback acknowledges the QoS 1 publish id.
func NewPuback(id uint16) *packets.PubackPacket {
	p := packets.NewControlPacket(packets.Puback).(*packets.PubackPacket)
	p.MessageID = id
	return p
}

// NewSubscribe builds a SUBSCRIBE packet requesting qos for every topic.
func NewSubscribe(id uint16, qos byte, topics ...string) *packets.SubscribePacket {
	p := packets.NewControlPacket(packets.Subscribe).(*packets.SubscribePacket)
	p.MessageID = id
	p.Topics = topics
	p.Qoss = make([]byte, len(topics))
	for i := range p.Qoss {
		p.Qoss[i] = qos
	}
	return p
}

// NewSuback builds a SUBACK packet carrying one return code per topic.
func NewSuback(id uint16, codes []byte) *packets.SubackPacket {
	p := packets.NewControlPacket(packets.Suback).(*packets.SubackPacket)
	p.MessageID = id
	p.ReturnCodes = codes
	return p
}

// NewUnsubscribe builds an UNSUBSCRIBE packet.
func NewUnsubscribe(id uint16, topics ...string) *packets.UnsubscribePacket {
	p := packets.NewControlPacket(packets.Unsubscribe).(*packets.UnsubscribePacket)
	p.MessageID = id
	p.Topics = topics
	return p
}

// NewUnsuback acknowledges an UNSUBSCRIBE.
func NewUnsuback(id uint16) *packets.UnsubackPacket {
	p := packets.NewControlPacket(packets.Unsuback).(*packets.UnsubackPacket)
	p.MessageID = id
	return p
}

// NewPingreq builds a PINGREQ packet.
func NewPingreq() packets.ControlPacket { return packets.NewControlPacket(packets.Pingreq) }

// NewPingresp builds a PINGRESP packet.
func NewPingresp() packets.ControlPacket { return packets.NewControlPacket(packets.Pingresp) }

// NewDisconnect builds a DISCONNECT packet.
func NewDisconnect() packets.ControlPacket { return packets.NewControlPacket(packets.Disconnect) }

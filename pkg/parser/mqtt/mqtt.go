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

// Package mqtt frames MQTT 3.1.1 control packets on top of the paho packet
// codec.
//
// paho reads from an io.Reader and blocks for missing bytes, so PacketLen
// decides completeness on the raw buffer first and Decode is only ever
// handed one whole packet.
package mqtt

import (
	"bytes"
	"fmt"

	"github.com/eclipse/paho.mqtt.golang/packets"

	errorx "github.com/evmux/evmux/pkg/errors"
	bbPool "github.com/evmux/evmux/pkg/pool/bytebuffer"
)

// MaxVarintLen is the longest remaining-length encoding.
const MaxVarintLen = 4

// DefaultKeepAlive is the keep-alive period in seconds used by clients that
// do not set one.
const DefaultKeepAlive = 60

// Control packet types.
const (
	Connect     = packets.Connect
	Connack     = packets.Connack
	Publish     = packets.Publish
	Puback      = packets.Puback
	Pubrec      = packets.Pubrec
	Pubrel      = packets.Pubrel
	Pubcomp     = packets.Pubcomp
	Subscribe   = packets.Subscribe
	Suback      = packets.Suback
	Unsubscribe = packets.Unsubscribe
	Unsuback    = packets.Unsuback
	Pingreq     = packets.Pingreq
	Pingresp    = packets.Pingresp
	Disconnect  = packets.Disconnect
)

// PacketLen returns the total length of the packet at the start of buf,
// fixed header included, or 0 when it is not fully buffered yet.
func PacketLen(buf []byte) (int, error) {
	if len(buf) < 2 {
		return 0, nil
	}
	var (
		rem   int
		shift uint
	)
	for i := 1; ; i++ {
		if i > MaxVarintLen {
			return 0, fmt.Errorf("%w: mqtt remaining length too long", errorx.ErrMalformedMessage)
		}
		if i >= len(buf) {
			return 0, nil
		}
		b := buf[i]
		rem |= int(b&0x7f) << shift
		shift += 7
		if b&0x80 == 0 {
			total := 1 + i + rem
			if len(buf) < total {
				return 0, nil
			}
			return total, nil
		}
	}
}

// Decode decodes exactly one packet as measured by PacketLen. The returned
// packet owns copies of its fields.
func Decode(buf []byte) (packets.ControlPacket, error) {
	pkt, err := packets.ReadPacket(bytes.NewReader(buf))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errorx.ErrMalformedMessage, err)
	}
	return pkt, nil
}

// Type returns the control packet type of pkt.
func Type(pkt packets.ControlPacket) byte {
	switch pkt.(type) {
	case *packets.ConnectPacket:
		return Connect
	case *packets.ConnackPacket:
		return Connack
	case *packets.PublishPacket:
		return Publish
	case *packets.PubackPacket:
		return Puback
	case *packets.PubrecPacket:
		return Pubrec
	case *packets.PubrelPacket:
		return Pubrel
	case *packets.PubcompPacket:
		return Pubcomp
	case *packets.SubscribePacket:
		return Subscribe
	case *packets.SubackPacket:
		return Suback
	case *packets.UnsubscribePacket:
		return Unsubscribe
	case *packets.UnsubackPacket:
		return Unsuback
	case *packets.PingreqPacket:
		return Pingreq
	case *packets.PingrespPacket:
		return Pingresp
	case *packets.DisconnectPacket:
		return Disconnect
	}
	return 0
}

// Name returns the packet type name, such as "PUBLISH".
func Name(typ byte) string {
	if name, ok := packets.PacketNames[typ]; ok {
		return name
	}
	return fmt.Sprintf("TYPE(%d)", typ)
}

// Append encodes pkt and appends it to dst.
func Append(dst []byte, pkt packets.ControlPacket) ([]byte, error) {
	bb := bbPool.Get()
	defer bbPool.Put(bb)
	if err := pkt.Write(bb); err != nil {
		return dst, err
	}
	return append(dst, bb.B...), nil
}

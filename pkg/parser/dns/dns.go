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

// Package dns frames DNS messages for the evmux DNS stage and builds the
// queries and answers the resolver and servers need. Message encoding and
// name compression are handled by github.com/miekg/dns.
package dns

import (
	"encoding/binary"
	"fmt"
	"net"

	"github.com/miekg/dns"

	errorx "github.com/evmux/evmux/pkg/errors"
)

// HeaderLen is the size of the fixed message header.
const HeaderLen = 12

// MaxUDPSize is the largest message accepted or sent over UDP.
const MaxUDPSize = 65535

// Msg is the alias of dns.Msg.
type Msg = dns.Msg

// Query types used by the resolver and the example server.
const (
	TypeA    = dns.TypeA
	TypeAAAA = dns.TypeAAAA
)

// RcodeSuccess is the response code of an answer without error.
const RcodeSuccess = dns.RcodeSuccess

// Header is the fixed 12-byte message header.
type Header struct {
	ID      uint16
	Flags   uint16
	QDCount uint16
	ANCount uint16
	NSCount uint16
	ARCount uint16
}

// IsResponse tells whether the QR bit is set.
func (h Header) IsResponse() bool { return h.Flags&0x8000 != 0 }

// ParseHeader decodes the header at the start of buf.
func ParseHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderLen {
		return Header{}, fmt.Errorf("%w: dns message shorter than its header", errorx.ErrMalformedMessage)
	}
	return Header{
		ID:      binary.BigEndian.Uint16(buf[0:]),
		Flags:   binary.BigEndian.Uint16(buf[2:]),
		QDCount: binary.BigEndian.Uint16(buf[4:]),
		ANCount: binary.BigEndian.Uint16(buf[6:]),
		NSCount: binary.BigEndian.Uint16(buf[8:]),
		ARCount: binary.BigEndian.Uint16(buf[10:]),
	}, nil
}

// Unpack decodes a whole message.
func Unpack(buf []byte) (*Msg, error) {
	if _, err := ParseHeader(buf); err != nil {
		return nil, err
	}
	m := new(dns.Msg)
	if err := m.Unpack(buf); err != nil {
		return nil, fmt.Errorf("%w: %v", errorx.ErrMalformedMessage, err)
	}
	return m, nil
}

// FrameLen returns the length of the length-prefixed message at the start
// of a TCP stream, prefix included, or 0 when it is not fully buffered.
func FrameLen(buf []byte) (int, error) {
	if len(buf) < 2 {
		return 0, nil
	}
	n := int(binary.BigEndian.Uint16(buf))
	if n < HeaderLen {
		return 0, fmt.Errorf("%w: dns frame of %d bytes", errorx.ErrMalformedMessage, n)
	}
	if len(buf) < 2+n {
		return 0, nil
	}
	return 2 + n, nil
}

// AppendFrame appends msg with the 2-byte length prefix used over TCP.
func AppendFrame(dst, msg []byte) []byte {
	dst = binary.BigEndian.AppendUint16(dst, uint16(len(msg)))
	return append(dst, msg...)
}

// NewQuery builds a recursive query for name. Use dns.TypeA or dns.TypeAAAA
// as qtype.
func NewQuery(id uint16, name string, qtype uint16) ([]byte, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), qtype)
	m.Id = id
	m.RecursionDesired = true
	return m.Pack()
}

// Name returns the first question name without the trailing dot.
func Name(m *Msg) string {
	if len(m.Question) == 0 {
		return ""
	}
	name := m.Question[0].Name
	if n := len(name); n > 1 && name[n-1] == '.' {
		name = name[:n-1]
	}
	return name
}

// FirstAddr returns the first A or AAAA answer of a response.
func FirstAddr(m *Msg) (net.IP, bool) {
	for _, rr := range m.Answer {
		switch v := rr.(type) {
		case *dns.A:
			return v.A, true
		case *dns.AAAA:
			return v.AAAA, true
		}
	}
	return nil, false
}

// NewAnswer builds the reply to query carrying one A record per address for
// the first question. A nil or empty addrs yields NXDOMAIN.
func NewAnswer(query *Msg, ttl uint32, addrs ...net.IP) ([]byte, error) {
	m := new(dns.Msg)
	m.SetReply(query)
	m.Authoritative = true
	if len(addrs) == 0 || len(query.Question) == 0 {
		m.SetRcode(query, dns.RcodeNameError)
		return m.Pack()
	}
	q := query.Question[0]
	for _, ip := range addrs {
		hdr := dns.RR_Header{Name: q.Name, Class: dns.ClassINET, Ttl: ttl}
		if ip4 := ip.To4(); ip4 != nil {
			if q.Qtype != dns.TypeA {
				continue
			}
			hdr.Rrtype = dns.TypeA
			m.Answer = append(m.Answer, &dns.A{Hdr: hdr, A: ip4})
		} else {
			if q.Qtype != dns.TypeAAAA {
				continue
			}
			hdr.Rrtype = dns.TypeAAAA
			m.Answer = append(m.Answer, &dns.AAAA{Hdr: hdr, AAAA: ip})
		}
	}
	return m.Pack()
}

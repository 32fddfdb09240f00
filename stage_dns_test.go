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
	"strconv"
	"testing"
	"time"

	mdns "github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errorx "github.com/evmux/evmux/pkg/errors"
	"github.com/evmux/evmux/pkg/parser/dns"
)

var dnsTable = map[string][]net.IP{
	"echo.test": {net.IPv4(127, 0, 0, 1)},
	"two.test":  {net.IPv4(10, 0, 0, 1), net.IPv4(10, 0, 0, 2)},
}

// dnsServerHandler answers A queries from dnsTable.
var dnsServerHandler = HandlerFunc(func(c *Conn, ev Event) {
	if ev, ok := ev.(DNSMessageEvent); ok {
		answer, err := dns.NewAnswer(ev.Msg, 60, dnsTable[dns.Name(ev.Msg)]...)
		if err == nil {
			_ = c.DNSSend(answer)
		}
	}
})

func exchange(network, addr, name string) <-chan *mdns.Msg {
	ch := make(chan *mdns.Msg, 1)
	go func() {
		q := new(mdns.Msg)
		q.SetQuestion(mdns.Fqdn(name), mdns.TypeA)
		client := &mdns.Client{Net: network, Timeout: 5 * time.Second}
		r, _, err := client.Exchange(q, addr)
		if err != nil {
			r = nil
		}
		ch <- r
	}()
	return ch
}

func answerIPs(r *mdns.Msg) (ips []string) {
	for _, rr := range r.Answer {
		if a, ok := rr.(*mdns.A); ok {
			ips = append(ips, a.A.String())
		}
	}
	return
}

func TestDNS_ServeUDPAndTCP(t *testing.T) {
	m := newTestManager(t)
	udp, err := m.ListenDNS("udp://127.0.0.1:0", dnsServerHandler)
	require.NoError(t, err)
	tcp, err := m.ListenDNS("tcp://127.0.0.1:0", dnsServerHandler)
	require.NoError(t, err)
	assert.Equal(t, StageDNS, udp.Stage())

	r := waitResult(t, m, exchange("udp", "127.0.0.1:"+strconv.Itoa(udpPort(udp)), "two.test"))
	require.NotNil(t, r)
	assert.Equal(t, []string{"10.0.0.1", "10.0.0.2"}, answerIPs(r))
	assert.True(t, r.Authoritative)

	r = waitResult(t, m, exchange("tcp", "127.0.0.1:"+strconv.Itoa(tcpPort(tcp)), "echo.test"))
	require.NotNil(t, r)
	assert.Equal(t, []string{"127.0.0.1"}, answerIPs(r))

	r = waitResult(t, m, exchange("udp", "127.0.0.1:"+strconv.Itoa(udpPort(udp)), "missing.test"))
	require.NotNil(t, r)
	assert.Equal(t, mdns.RcodeNameError, r.Rcode)
}

// startDNS runs a miekg/dns server answering from dnsTable, or never
// answering when silent is set.
func startDNS(t *testing.T, silent bool) string {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	srv := &mdns.Server{PacketConn: pc, Handler: mdns.HandlerFunc(func(w mdns.ResponseWriter, q *mdns.Msg) {
		if silent {
			return
		}
		resp := new(mdns.Msg)
		resp.SetReply(q)
		ips := dnsTable[dns.Name(q)]
		if len(ips) == 0 {
			resp.SetRcode(q, mdns.RcodeNameError)
		}
		for _, ip := range ips {
			resp.Answer = append(resp.Answer, &mdns.A{
				Hdr: mdns.RR_Header{Name: q.Question[0].Name, Rrtype: mdns.TypeA, Class: mdns.ClassINET, Ttl: 60},
				A:   ip,
			})
		}
		_ = w.WriteMsg(resp)
	})}
	go func() { _ = srv.ActivateAndServe() }()
	t.Cleanup(func() { _ = srv.Shutdown() })
	return "udp://" + pc.LocalAddr().String()
}

func TestResolver_ConnectByName(t *testing.T) {
	m := newTestManager(t, WithDNSServer(startDNS(t, false)))
	lsn, err := m.Listen("tcp://127.0.0.1:0", echoHandler)
	require.NoError(t, err)

	var (
		resolved net.Addr
		got      string
		order    []string
	)
	c, err := m.Connect(fmt.Sprintf("tcp://echo.test:%d", tcpPort(lsn)), HandlerFunc(func(c *Conn, ev Event) {
		switch ev := ev.(type) {
		case ResolveEvent:
			resolved = ev.Addr
			order = append(order, "resolve")
		case ConnectEvent:
			order = append(order, "connect")
			_ = c.Send([]byte("by name"))
		case ReadEvent:
			got += string(ev.Data)
			c.Consume(len(ev.Data))
		}
	}))
	require.NoError(t, err)
	assert.True(t, c.resolving)

	pollUntil(t, m, func() bool { return got == "by name" })
	assert.Equal(t, []string{"resolve", "connect"}, order)
	require.NotNil(t, resolved)
	assert.Equal(t, "127.0.0.1:"+strconv.Itoa(tcpPort(lsn)), resolved.String())
	assert.False(t, c.resolving)
}

func TestResolver_Failures(t *testing.T) {
	cases := []struct {
		name    string
		silent  bool
		host    string
		wantErr error
	}{
		{"nxdomain", false, "missing.test", errorx.ErrResolveFailed},
		{"timeout", true, "echo.test", errorx.ErrConnectTimeout},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := newTestManager(t, WithDNSServer(startDNS(t, tc.silent)), WithDNSTimeout(100*time.Millisecond))
			var (
				got    *Error
				closed bool
			)
			_, err := m.Connect("tcp://"+tc.host+":80", HandlerFunc(func(c *Conn, ev Event) {
				switch ev := ev.(type) {
				case ErrorEvent:
					got = ev.Err
				case ConnectEvent:
					t.Error("unexpected connect")
				case CloseEvent:
					closed = true
				}
			}))
			require.NoError(t, err)
			pollUntil(t, m, func() bool { return closed })
			require.NotNil(t, got)
			assert.Equal(t, TransportError, got.Kind)
			assert.ErrorIs(t, got, tc.wantErr)
			assert.Empty(t, m.resolver.pending)
		})
	}
}

func TestDNS_SendOnOtherStage(t *testing.T) {
	m := newTestManager(t)
	c, err := m.Connect("udp://127.0.0.1:9", nil)
	require.NoError(t, err)
	assert.ErrorIs(t, c.DNSSend([]byte{0}), errorx.ErrUnsupportedOp)
}

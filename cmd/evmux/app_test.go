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
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/eclipse/paho.mqtt.golang/packets"
	"github.com/gorilla/websocket"
	mdns "github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evmux/evmux"
	"github.com/evmux/evmux/internal/config"
	"github.com/evmux/evmux/pkg/logging"
)

type testDaemon struct {
	http, mqtt, dns string
}

func startDaemon(t *testing.T) *testDaemon {
	t.Helper()
	cfg := config.Default()
	cfg.HTTP.Addr = "127.0.0.1:0"
	cfg.MQTT.Addr = "127.0.0.1:0"
	cfg.DNS.Addr = "127.0.0.1:0"
	cfg.DNS.Records = map[string]string{"Printer.LAN.": "192.168.1.20"}

	m, err := evmux.NewManager(evmux.WithLogger(logging.NewNopLogger()))
	require.NoError(t, err)
	lsns, err := setup(m, cfg, logging.NewNopLogger())
	require.NoError(t, err)
	require.Len(t, lsns, 3)
	d := &testDaemon{
		http: lsns[0].LocalAddr().String(),
		mqtt: lsns[1].LocalAddr().String(),
		dns:  lsns[2].LocalAddr().String(),
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx, 10*time.Millisecond) }()
	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-done)
	})
	return d
}

func TestDaemon_HTTP(t *testing.T) {
	d := startDaemon(t)
	client := &http.Client{Timeout: 5 * time.Second}

	get := func(path string) (int, string) {
		resp, err := client.Get(fmt.Sprintf("http://%s%s", d.http, path))
		require.NoError(t, err)
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		return resp.StatusCode, string(body)
	}

	code, body := get("/")
	assert.Equal(t, 200, code)
	assert.Equal(t, "evmux "+version+"\n", body)

	code, body = get("/health")
	assert.Equal(t, 200, code)
	assert.Contains(t, body, `"status":"ok"`)

	code, _ = get("/missing")
	assert.Equal(t, 404, code)
}

func TestDaemon_WebSocketEcho(t *testing.T) {
	d := startDaemon(t)
	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	conn, _, err := dialer.Dial(fmt.Sprintf("ws://%s/ws", d.http), nil)
	require.NoError(t, err)
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("echo me")))
	typ, got, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.TextMessage, typ)
	assert.Equal(t, "echo me", string(got))
}

func TestDaemon_MQTTBroker(t *testing.T) {
	d := startDaemon(t)
	conn, err := net.DialTimeout("tcp", d.mqtt, 5*time.Second)
	require.NoError(t, err)
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))

	connect := packets.NewControlPacket(packets.Connect).(*packets.ConnectPacket)
	connect.ProtocolName = "MQTT"
	connect.ProtocolVersion = 4
	connect.CleanSession = true
	connect.ClientIdentifier = "daemon-test"
	connect.Keepalive = 30
	require.NoError(t, connect.Write(conn))
	pkt, err := packets.ReadPacket(conn)
	require.NoError(t, err)
	require.IsType(t, &packets.ConnackPacket{}, pkt)
	assert.Equal(t, byte(packets.Accepted), pkt.(*packets.ConnackPacket).ReturnCode)

	sub := packets.NewControlPacket(packets.Subscribe).(*packets.SubscribePacket)
	sub.MessageID = 1
	sub.Topics = []string{"home/#"}
	sub.Qoss = []byte{1}
	require.NoError(t, sub.Write(conn))
	pkt, err = packets.ReadPacket(conn)
	require.NoError(t, err)
	require.IsType(t, &packets.SubackPacket{}, pkt)
	assert.Equal(t, []byte{1}, pkt.(*packets.SubackPacket).ReturnCodes)

	pub := packets.NewControlPacket(packets.Publish).(*packets.PublishPacket)
	pub.TopicName = "home/kitchen"
	pub.Qos = 1
	pub.MessageID = 2
	pub.Payload = []byte("21.5")
	require.NoError(t, pub.Write(conn))

	var (
		delivered *packets.PublishPacket
		acked     bool
	)
	for delivered == nil || !acked {
		pkt, err = packets.ReadPacket(conn)
		require.NoError(t, err)
		switch p := pkt.(type) {
		case *packets.PublishPacket:
			delivered = p
		case *packets.PubackPacket:
			assert.Equal(t, uint16(2), p.MessageID)
			acked = true
		}
	}
	assert.Equal(t, "home/kitchen", delivered.TopicName)
	assert.Equal(t, "21.5", string(delivered.Payload))
	assert.Equal(t, byte(1), delivered.Qos)

	require.NoError(t, packets.NewControlPacket(packets.Pingreq).Write(conn))
	pkt, err = packets.ReadPacket(conn)
	require.NoError(t, err)
	assert.IsType(t, &packets.PingrespPacket{}, pkt)
}

func TestDaemon_DNS(t *testing.T) {
	d := startDaemon(t)
	client := &mdns.Client{Net: "udp", Timeout: 5 * time.Second}

	q := new(mdns.Msg)
	q.SetQuestion("printer.lan.", mdns.TypeA)
	r, _, err := client.Exchange(q, d.dns)
	require.NoError(t, err)
	require.Len(t, r.Answer, 1)
	assert.Equal(t, "192.168.1.20", r.Answer[0].(*mdns.A).A.String())

	q.SetQuestion("scanner.lan.", mdns.TypeA)
	r, _, err = client.Exchange(q, d.dns)
	require.NoError(t, err)
	assert.Equal(t, mdns.RcodeNameError, r.Rcode)
}

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

/*
Package evmux is a non-blocking, event-driven connection manager with a
layered protocol engine.

A Manager owns listening, accepted and outgoing connections over TCP or UDP,
either on kernel sockets (epoll or kqueue) or on a user supplied network
interface (see package netif). Every connection carries a protocol stage
that turns received bytes into events: raw bytes, HTTP/1.x, WebSocket, MQTT
3.1.1 or DNS. Connections may be encrypted with TLS. Timers and wakeups from
other goroutines are delivered as events too.

Everything runs on the goroutine calling Manager.Poll, handlers included, so
a handler never needs locking. Slices carried by events point into the
receive buffer and are only valid until the handler returns.

Echo server example:

	package main

	import (
		"context"
		"log"
		"time"

		"github.com/evmux/evmux"
	)

	func main() {
		mgr, err := evmux.NewManager()
		if err != nil {
			log.Fatal(err)
		}
		_, err = mgr.Listen("tcp://:9000", evmux.HandlerFunc(func(c *evmux.Conn, ev evmux.Event) {
			if ev, ok := ev.(evmux.ReadEvent); ok {
				_ = c.Send(ev.Data)
				c.Consume(len(ev.Data))
			}
		}))
		if err != nil {
			log.Fatal(err)
		}
		log.Fatal(mgr.Run(context.Background(), time.Second))
	}

HTTP server example:

	mgr.Listen("http://:8000", evmux.HandlerFunc(func(c *evmux.Conn, ev evmux.Event) {
		if ev, ok := ev.(evmux.HTTPMessageEvent); ok {
			_ = c.HTTPReplyf(200, "Content-Type: text/plain\r\n", "hello %s\n", ev.Msg.URI)
		}
	}))
*/
package evmux

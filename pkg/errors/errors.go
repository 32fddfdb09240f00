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

// Package errors defines common errors for evmux.
package errors

import "errors"

var (
	// ErrManagerClosed occurs when trying to use a manager that has been closed.
	ErrManagerClosed = errors.New("evmux: manager has been closed")
	// ErrUnsupportedScheme occurs when an address carries a scheme evmux does not speak.
	ErrUnsupportedScheme = errors.New("evmux: only tcp, udp, http, https, ws, wss, mqtt and mqtts schemes are supported")
	// ErrUnsupportedProtocol occurs when trying to use a network that is not supported.
	ErrUnsupportedProtocol = errors.New("evmux: only tcp/tcp4/tcp6, udp/udp4/udp6 are supported")
	// ErrInvalidNetworkAddress occurs when the network address is invalid.
	ErrInvalidNetworkAddress = errors.New("evmux: invalid network address")
	// ErrUnsupportedOp occurs when calling a method that does not apply to the connection.
	ErrUnsupportedOp = errors.New("evmux: unsupported operation")
	// ErrConnNotFound occurs when a wakeup or lookup names a connection id that does not exist.
	ErrConnNotFound = errors.New("evmux: connection not found")
	// ErrConnClosing occurs when trying to queue data on a connection that is closing.
	ErrConnClosing = errors.New("evmux: connection is closing")
	// ErrPeerClosed occurs when the remote side closed the connection.
	ErrPeerClosed = errors.New("evmux: connection closed by peer")
	// ErrConnectTimeout occurs when a connect or resolve did not finish in time.
	ErrConnectTimeout = errors.New("evmux: connect timed out")
	// ErrResolveFailed occurs when a host name has no usable address.
	ErrResolveFailed = errors.New("evmux: host name could not be resolved")
	// ErrRecvBufferFull occurs when a peer keeps sending without the stage consuming.
	ErrRecvBufferFull = errors.New("evmux: receive buffer limit reached")
	// ErrMalformedMessage occurs when a stage cannot parse its input.
	ErrMalformedMessage = errors.New("evmux: malformed message")
	// ErrMessageTooLarge occurs when an incomplete message outgrows the configured maximum.
	ErrMessageTooLarge = errors.New("evmux: message too large")
	// ErrUpgradeFailed occurs when a WebSocket handshake is refused or answered wrongly.
	ErrUpgradeFailed = errors.New("evmux: websocket upgrade failed")
	// ErrMQTTRefused occurs when a broker answers CONNECT with a non-zero return code.
	ErrMQTTRefused = errors.New("evmux: mqtt connection refused")
	// ErrNoPeer occurs when a UDP listener is asked to reply before any datagram arrived.
	ErrNoPeer = errors.New("evmux: no peer to send to")
	// ErrHandshakeFailed occurs when the TLS handshake fails.
	ErrHandshakeFailed = errors.New("evmux: tls handshake failed")
	// ErrTLSAlreadyInitialized occurs when InitTLS is called twice on a connection.
	ErrTLSAlreadyInitialized = errors.New("evmux: tls already initialized")
	// ErrTimerPanic occurs when a timer callback panics.
	ErrTimerPanic = errors.New("evmux: timer callback panicked")
	// ErrNoDriver occurs when driver mode is requested without a network interface.
	ErrNoDriver = errors.New("evmux: no network interface driver configured")
	// ErrDriverInit occurs when the network interface driver refuses to initialize.
	ErrDriverInit = errors.New("evmux: network interface driver failed to initialize")
	// ErrNegativeSize occurs when trying to pass a negative size to a buffer.
	ErrNegativeSize = errors.New("evmux: negative size is not allowed")
	// ErrNilRunnable occurs when trying to execute a nil runnable.
	ErrNilRunnable = errors.New("evmux: nil runnable is not allowed")
)

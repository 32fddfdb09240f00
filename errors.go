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

import "fmt"

// ErrorKind classifies the errors reported through ErrorEvent.
type ErrorKind uint8

const (
	// TransportError comes from a socket or a driver endpoint: refused,
	// reset, failed resolution, timed out connect.
	TransportError ErrorKind = iota + 1
	// TLSError is a failed handshake or a broken record stream.
	TLSError
	// ProtocolError is input a stage could not accept.
	ProtocolError
	// TimerError is a timer callback that failed or panicked.
	TimerError
	// ApplicationError is raised by the handler with Conn.Error.
	ApplicationError
)

func (k ErrorKind) String() string {
	switch k {
	case TransportError:
		return "transport"
	case TLSError:
		return "tls"
	case ProtocolError:
		return "protocol"
	case TimerError:
		return "timer"
	case ApplicationError:
		return "application"
	}
	return fmt.Sprintf("ErrorKind(%d)", uint8(k))
}

// Error is an error attached to a connection, or to a timer when ConnID
// is 0. errors.Is and errors.As see through it to the cause.
type Error struct {
	Kind   ErrorKind
	ConnID uint64
	Err    error
}

func (e *Error) Error() string {
	if e.ConnID == 0 {
		return fmt.Sprintf("%s error: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s error on conn %d: %v", e.Kind, e.ConnID, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

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
	"net/url"
	"strconv"
	"strings"

	errorx "github.com/evmux/evmux/pkg/errors"
)

// address is a parsed connection URL.
type address struct {
	scheme   string
	host     string // as written, empty for all interfaces
	ip       net.IP // nil when host is empty or must be resolved
	port     int
	udp      bool
	tls      bool
	stage    StageKind
	uri      string // path and query, for WebSocket clients
	hostport string
}

// needsResolve tells whether host is a name rather than an address.
func (a *address) needsResolve() bool {
	return a.host != "" && a.ip == nil
}

func (a *address) network() string {
	if a.udp {
		return "udp"
	}
	return "tcp"
}

// parseAddress parses scheme://host:port. A missing scheme means tcp, a
// missing host all interfaces.
func parseAddress(s string) (*address, error) {
	if !strings.Contains(s, "://") {
		s = "tcp://" + s
	}
	u, err := url.Parse(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errorx.ErrInvalidNetworkAddress, err)
	}
	a := &address{
		scheme:   strings.ToLower(u.Scheme),
		host:     u.Hostname(),
		uri:      u.RequestURI(),
		hostport: u.Host,
	}
	switch a.scheme {
	case "tcp":
		a.stage = StageRaw
	case "udp":
		a.stage, a.udp = StageRaw, true
	case "http", "ws":
		a.stage, a.port = StageHTTP, 80
	case "https", "wss":
		a.stage, a.port, a.tls = StageHTTP, 443, true
	case "mqtt":
		a.stage, a.port = StageMQTT, 1883
	case "mqtts":
		a.stage, a.port, a.tls = StageMQTT, 8883, true
	default:
		return nil, fmt.Errorf("%w: %q", errorx.ErrUnsupportedScheme, u.Scheme)
	}
	if p := u.Port(); p != "" {
		if a.port, err = strconv.Atoi(p); err != nil || a.port < 0 || a.port > 65535 {
			return nil, fmt.Errorf("%w: bad port %q", errorx.ErrInvalidNetworkAddress, p)
		}
	}
	switch {
	case a.host == "":
	case strings.EqualFold(a.host, "localhost"):
		a.ip = net.IPv4(127, 0, 0, 1)
	default:
		a.ip = net.ParseIP(a.host)
	}
	return a, nil
}

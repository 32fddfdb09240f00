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

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	assert.False(t, cfg.TLS.Enabled())
}

func TestLoad_Layers(t *testing.T) {
	path := writeFile(t, "evmux.yaml", `
log_level: debug
poll_interval: 20ms
http:
  addr: 127.0.0.1:8080
dns:
  records:
    printer.lan: 192.168.1.20
`)
	dotenv := writeFile(t, ".env", "EVMUX_MQTT_ADDR=127.0.0.1:11883\nEVMUX_HTTP_ADDR=from-dotenv:1\n")
	t.Cleanup(func() { _ = os.Unsetenv("EVMUX_MQTT_ADDR") })
	t.Setenv("EVMUX_HTTP_ADDR", "127.0.0.1:9090")
	t.Setenv("EVMUX_DNS_TTL", "5")

	cfg, err := Load(path, dotenv, filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 20*time.Millisecond, cfg.PollInterval)
	assert.Equal(t, "127.0.0.1:9090", cfg.HTTP.Addr, "the environment wins over .env and YAML")
	assert.Equal(t, "127.0.0.1:11883", cfg.MQTT.Addr)
	assert.Equal(t, uint32(5), cfg.DNS.TTL)
	assert.Equal(t, "0.0.0.0:5353", cfg.DNS.Addr)
	assert.Equal(t, map[string]string{"printer.lan": "192.168.1.20"}, cfg.DNS.Records)
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)

	_, err = Load(writeFile(t, "a.yaml", "htp:\n  addr: x\n"))
	assert.ErrorContains(t, err, "htp")

	_, err = Load(writeFile(t, "b.yaml", "tls:\n  cert_file: c.pem\n"))
	assert.ErrorContains(t, err, "go together")

	_, err = Load(writeFile(t, "c.yaml", "http:\n  tls_addr: :8443\n"))
	assert.Error(t, err)

	_, err = Load(writeFile(t, "d.yaml", "dns:\n  records:\n    x: not-an-ip\n"))
	assert.ErrorContains(t, err, "dns record x")

	t.Setenv("EVMUX_POLL_INTERVAL", "soon")
	_, err = Load("")
	assert.Error(t, err)
}

func TestLoad_EmptyFile(t *testing.T) {
	cfg, err := Load(writeFile(t, "empty.yaml", ""))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

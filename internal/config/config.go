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

// Package config loads the configuration of the evmux daemon: a YAML file,
// then an optional .env file, then EVMUX_ environment variables, each layer
// overriding the previous one.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "EVMUX_"

// Config is the daemon configuration.
type Config struct {
	LogLevel     string        `yaml:"log_level" env:"LOG_LEVEL"`
	LogPath      string        `yaml:"log_path" env:"LOG_PATH"`
	PollInterval time.Duration `yaml:"poll_interval" env:"POLL_INTERVAL"`
	Workers      int           `yaml:"workers" env:"WORKERS"`

	HTTP    Listener `yaml:"http" envPrefix:"HTTP_"`
	MQTT    Listener `yaml:"mqtt" envPrefix:"MQTT_"`
	DNS     DNS      `yaml:"dns" envPrefix:"DNS_"`
	TLS     TLS      `yaml:"tls" envPrefix:"TLS_"`
	Metrics Metrics  `yaml:"metrics" envPrefix:"METRICS_"`
}

// Listener configures one protocol listener. An empty address disables it.
type Listener struct {
	Addr    string `yaml:"addr" env:"ADDR"`
	TLSAddr string `yaml:"tls_addr" env:"TLS_ADDR"`
}

// DNS configures the static DNS responder.
type DNS struct {
	Addr    string            `yaml:"addr" env:"ADDR"`
	TTL     uint32            `yaml:"ttl" env:"TTL"`
	Records map[string]string `yaml:"records" env:"RECORDS"`
}

// TLS points at the PEM files used by the TLS listeners. CAFile turns on
// client certificate verification.
type TLS struct {
	CertFile string `yaml:"cert_file" env:"CERT_FILE"`
	KeyFile  string `yaml:"key_file" env:"KEY_FILE"`
	CAFile   string `yaml:"ca_file" env:"CA_FILE"`
}

// Enabled tells whether a certificate is configured.
func (t TLS) Enabled() bool { return t.CertFile != "" }

// Metrics configures the Prometheus endpoint.
type Metrics struct {
	Addr    string `yaml:"addr" env:"ADDR"`
	Runtime bool   `yaml:"runtime" env:"RUNTIME"`
}

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	return &Config{
		LogLevel:     "info",
		PollInterval: 50 * time.Millisecond,
		Workers:      256,
		HTTP:         Listener{Addr: "0.0.0.0:8000"},
		MQTT:         Listener{Addr: "0.0.0.0:1883"},
		DNS:          DNS{Addr: "0.0.0.0:5353", TTL: 60},
		Metrics:      Metrics{Addr: "127.0.0.1:9100", Runtime: true},
	}
}

// Load builds the configuration from the YAML file at path, which may be
// empty, and the environment. envFiles are loaded into the environment
// first; a missing one is skipped. Variables already set win over them.
func Load(path string, envFiles ...string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err = dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", f, err)
		}
	}
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the values Load cannot check by type alone.
func (c *Config) Validate() error {
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll_interval must be positive, got %s", c.PollInterval)
	}
	if (c.TLS.CertFile == "") != (c.TLS.KeyFile == "") {
		return errors.New("tls: cert_file and key_file go together")
	}
	if !c.TLS.Enabled() && (c.HTTP.TLSAddr != "" || c.MQTT.TLSAddr != "") {
		return errors.New("tls listeners need tls.cert_file and tls.key_file")
	}
	for name, addr := range c.DNS.Records {
		if ip := net.ParseIP(addr); ip == nil || ip.To4() == nil {
			return fmt.Errorf("dns record %s: %q is not an IPv4 address", name, addr)
		}
	}
	return nil
}

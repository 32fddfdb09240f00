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
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/evmux/evmux"
	"github.com/evmux/evmux/internal/config"
	"github.com/evmux/evmux/pkg/logging"
	"github.com/evmux/evmux/pkg/metrics"
)

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath, envFile)
	if err != nil {
		return err
	}
	level, err := logging.ParseLevel(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("log_level: %w", err)
	}
	logger, flush, err := logging.NewLogger(level, cfg.LogPath)
	if err != nil {
		return err
	}
	defer func() { _ = flush() }()

	mt := metrics.New(metrics.DefaultNamespace, cfg.Metrics.Runtime)
	m, err := evmux.NewManager(
		evmux.WithLogger(logger),
		evmux.WithMetrics(mt),
		evmux.WithWorkerPoolSize(cfg.Workers),
	)
	if err != nil {
		return err
	}
	if _, err = setup(m, cfg, logger); err != nil {
		_ = m.Close()
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return m.Run(ctx, cfg.PollInterval)
	})
	if cfg.Metrics.Addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", mt.Handler())
		srv := &http.Server{Addr: cfg.Metrics.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			logger.Infof("metrics on http://%s/metrics", cfg.Metrics.Addr)
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(sctx)
		})
	}

	err = g.Wait()
	logger.Infof("evmux stopped")
	return err
}

// setup opens every listener the configuration asks for and returns them.
func setup(m *evmux.Manager, cfg *config.Config, logger logging.Logger) ([]*evmux.Conn, error) {
	var tlsOpts *evmux.TLSOptions
	if cfg.TLS.Enabled() {
		opts, err := loadTLS(cfg.TLS)
		if err != nil {
			return nil, err
		}
		tlsOpts = &opts
	}
	records := make(map[string][]net.IP, len(cfg.DNS.Records))
	for name, addr := range cfg.DNS.Records {
		name = strings.ToLower(strings.TrimSuffix(name, "."))
		records[name] = append(records[name], net.ParseIP(addr))
	}

	web := newWebApp(version)
	broker := newBroker(logger)
	type listener struct {
		url  string
		h    evmux.Handler
		dns  bool
		skip bool
	}
	list := []listener{
		{url: "http://" + cfg.HTTP.Addr, h: web, skip: cfg.HTTP.Addr == ""},
		{url: "https://" + cfg.HTTP.TLSAddr, h: withTLS(tlsOpts, web), skip: cfg.HTTP.TLSAddr == ""},
		{url: "mqtt://" + cfg.MQTT.Addr, h: broker, skip: cfg.MQTT.Addr == ""},
		{url: "mqtts://" + cfg.MQTT.TLSAddr, h: withTLS(tlsOpts, broker), skip: cfg.MQTT.TLSAddr == ""},
		{url: "udp://" + cfg.DNS.Addr, h: newDNSResponder(records, cfg.DNS.TTL), dns: true, skip: cfg.DNS.Addr == ""},
	}

	var lsns []*evmux.Conn
	for _, l := range list {
		if l.skip {
			continue
		}
		var (
			c   *evmux.Conn
			err error
		)
		if l.dns {
			c, err = m.ListenDNS(l.url, l.h)
		} else {
			c, err = m.Listen(l.url, l.h)
		}
		if err != nil {
			return nil, fmt.Errorf("listen %s: %w", l.url, err)
		}
		lsns = append(lsns, c)
	}
	return lsns, nil
}

func loadTLS(cfg config.TLS) (opts evmux.TLSOptions, err error) {
	if opts.Cert, err = os.ReadFile(cfg.CertFile); err != nil {
		return
	}
	if opts.Key, err = os.ReadFile(cfg.KeyFile); err != nil {
		return
	}
	if cfg.CAFile != "" {
		opts.CA, err = os.ReadFile(cfg.CAFile)
	}
	return
}

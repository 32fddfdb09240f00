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

// Evmux is a small multi-protocol daemon built on the evmux Manager: an HTTP
// server with a WebSocket echo endpoint, a minimal MQTT broker and a static
// DNS responder, all served by one poll loop.
//
// Usage:
//
//	evmux serve [--config evmux.yaml] [--env .env]
//	evmux version
package main

import (
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/cobra"
)

// version is set with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "evmux",
	Short: "Event-driven HTTP, WebSocket, MQTT and DNS daemon",
	Long: `evmux runs HTTP, WebSocket, MQTT and DNS listeners on a single
non-blocking poll loop and exposes Prometheus metrics on a side port.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var (
	configPath string
	envFile    string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the listeners",
	Long: `Start every configured listener and serve until SIGINT or SIGTERM.

Settings come from the YAML file given with --config, then from the .env file,
then from EVMUX_ environment variables such as EVMUX_HTTP_ADDR.`,
	Example: `  # Defaults: HTTP on :8000, MQTT on :1883, DNS on :5353
  evmux serve

  # Custom configuration, verbose logs
  EVMUX_LOG_LEVEL=debug evmux serve --config /etc/evmux.yaml`,
	RunE: runServe,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, _ []string) {
		cmd.Printf("evmux %s (%s %s/%s)\n", version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
	},
}

func init() {
	serveCmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to the YAML configuration file")
	serveCmd.Flags().StringVar(&envFile, "env", ".env", "Path to an optional dotenv file")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

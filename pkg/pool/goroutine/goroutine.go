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

// Package goroutine wraps the ants worker pool used by evmux for work that
// must never run on the poll goroutine: TLS record processing and the
// blocking jobs handed to Manager.Go.
package goroutine

import (
	"time"

	"github.com/panjf2000/ants/v2"

	"github.com/evmux/evmux/pkg/logging"
)

const (
	// DefaultAntsPoolSize sets up the capacity of worker pool, 64 * 1024.
	DefaultAntsPoolSize = 1 << 16

	// ExpiryDuration is the interval time to clean up those expired workers.
	ExpiryDuration = 10 * time.Second

	// Nonblocking makes Submit fail fast on a full pool instead of parking the
	// caller, which would be the poll goroutine.
	Nonblocking = true
)

func init() {
	// It releases the default pool from ants.
	ants.Release()
}

// Pool is the alias of ants.Pool.
type Pool = ants.Pool

type printfLogger struct {
	logging.Logger
}

func (l printfLogger) Printf(format string, args ...interface{}) {
	l.Errorf(format, args...)
}

// Default instantiates a non-blocking *Pool with the capacity of DefaultAntsPoolSize.
func Default() *Pool {
	p, _ := New(DefaultAntsPoolSize, logging.GetDefaultLogger())
	return p
}

// New instantiates a non-blocking *Pool of the given size whose worker panics
// are reported through logger.
func New(size int, logger logging.Logger) (*Pool, error) {
	if size <= 0 {
		size = DefaultAntsPoolSize
	}
	options := ants.Options{
		ExpiryDuration: ExpiryDuration,
		Nonblocking:    Nonblocking,
		Logger:         printfLogger{logger},
		PanicHandler: func(v interface{}) {
			logger.Errorf("worker exits from panic: %v", v)
		},
	}
	return ants.NewPool(size, ants.WithOptions(options))
}

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

//go:build !linux && !freebsd && !dragonfly && !darwin
// +build !linux,!freebsd,!dragonfly,!darwin

package evmux

import (
	errorx "github.com/evmux/evmux/pkg/errors"
	"github.com/evmux/evmux/pkg/logging"
)

// Only driver mode is available on this platform.
func newNetwork(opts *Options, _ logging.Logger) (network, error) {
	if opts.Interface != nil {
		return newDriverNetwork(opts)
	}
	return nil, errorx.ErrUnsupportedOp
}

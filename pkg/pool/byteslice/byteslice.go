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

// Package byteslice pools scratch byte slices in power-of-two size classes.
// evmux uses it for the shared read buffer of a Manager and the plaintext
// buffer of every TLS worker.
package byteslice

import (
	"math"
	"math/bits"
	"sync"
	"unsafe"
)

var builtinPool Pool

// Pool holds one sync.Pool per size class, 1 byte to 2GB.
type Pool struct {
	pools [32]sync.Pool
}

// Get returns a slice of length size from the built-in pool.
func Get(size int) []byte { return builtinPool.Get(size) }

// Put gives buf back to the built-in pool.
func Put(buf []byte) { builtinPool.Put(buf) }

// Get returns a slice of length size. Its capacity is size rounded up to a
// power of two and its content is whatever the previous user left.
func (p *Pool) Get(size int) []byte {
	if size <= 0 {
		return nil
	}
	if size > math.MaxInt32 {
		return make([]byte, size)
	}
	idx := class(uint32(size))
	if ptr, _ := p.pools[idx].Get().(unsafe.Pointer); ptr != nil {
		return unsafe.Slice((*byte)(ptr), 1<<idx)[:size]
	}
	return make([]byte, size, 1<<idx)
}

// Put stores buf for reuse. A slice whose capacity is not a power of two
// goes to the class below, so Get never hands out less than it promises.
func (p *Pool) Put(buf []byte) {
	size := cap(buf)
	if size == 0 || size > math.MaxInt32 {
		return
	}
	idx := class(uint32(size))
	if size != 1<<idx {
		idx--
	}
	p.pools[idx].Put(unsafe.Pointer(unsafe.SliceData(buf[:1])))
}

func class(n uint32) uint32 {
	return uint32(bits.Len32(n - 1))
}

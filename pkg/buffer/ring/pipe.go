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

package ring

import (
	"errors"
	"sync"
)

// ErrPipeFull is returned by Pipe.Write when the pipe is bounded and the
// payload does not fit.
var ErrPipeFull = errors.New("pipe is full")

// Pipe hands bytes from exactly one producer goroutine to exactly one
// consumer goroutine. In evmux the producer is a worker and the consumer is
// the goroutine running Manager.Poll, which drains the pipe of a connection
// when that connection sees its PollEvent.
type Pipe struct {
	mu     sync.Mutex
	rb     *Buffer
	limit  int
	notify func()
}

// NewPipe creates a pipe holding at most limit bytes, limit <= 0 means
// unbounded. notify, if not nil, is called after every successful write.
func NewPipe(limit int, notify func()) *Pipe {
	size := limit
	if size <= 0 {
		size = DefaultBufferSize
	}
	return &Pipe{rb: New(size), limit: limit, notify: notify}
}

// Write copies p into the pipe. A bounded pipe rejects the whole payload
// rather than splitting it.
func (p *Pipe) Write(b []byte) (int, error) {
	p.mu.Lock()
	if p.limit > 0 && p.rb.Buffered()+len(b) > p.limit {
		p.mu.Unlock()
		return 0, ErrPipeFull
	}
	n, _ := p.rb.Write(b)
	p.mu.Unlock()
	if n > 0 && p.notify != nil {
		p.notify()
	}
	return n, nil
}

// Read drains up to len(b) bytes into b. It never blocks: an empty pipe
// yields 0, nil.
func (p *Pipe) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.rb.IsEmpty() {
		return 0, nil
	}
	return p.rb.Read(b)
}

// Drain returns a copy of everything buffered and empties the pipe.
func (p *Pipe) Drain() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := p.rb.Buffered()
	if n == 0 {
		return nil
	}
	out := make([]byte, n)
	_, _ = p.rb.Read(out)
	return out
}

// Buffered returns the number of bytes waiting in the pipe.
func (p *Pipe) Buffered() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rb.Buffered()
}

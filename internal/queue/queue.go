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

// Package queue carries wakeup messages from any goroutine to the poll loop.
package queue

import "sync"

// Message is one wakeup addressed to a connection.
type Message struct {
	ConnID uint64
	Data   []byte
}

var messagePool = sync.Pool{New: func() interface{} { return new(Message) }}

// GetMessage gets a cached Message from pool.
func GetMessage() *Message {
	return messagePool.Get().(*Message)
}

// PutMessage puts the delivered Message back in pool.
func PutMessage(m *Message) {
	m.ConnID, m.Data = 0, nil
	messagePool.Put(m)
}

// MessageQueue is a multi-producer queue of wakeup messages.
type MessageQueue interface {
	Enqueue(*Message)
	Dequeue() *Message
	IsEmpty() bool
	Len() int
}

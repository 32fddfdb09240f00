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

package queue

import "sync/atomic"

// lockFreeQueue is the Michael & Scott non-blocking queue
// (https://www.cs.rochester.edu/u/scott/papers/1996_PODC_queues.pdf).
// Producers are any goroutines calling Manager.Wakeup, the single consumer is
// the poll loop. Go's garbage collector removes the ABA hazard the paper
// guards against with counted pointers.
type lockFreeQueue struct {
	head   atomic.Pointer[node]
	tail   atomic.Pointer[node]
	length atomic.Int32
}

type node struct {
	value *Message
	next  atomic.Pointer[node]
}

// NewLockFreeQueue instantiates and returns a lockFreeQueue.
func NewLockFreeQueue() MessageQueue {
	q := &lockFreeQueue{}
	n := &node{}
	q.head.Store(n)
	q.tail.Store(n)
	return q
}

// Enqueue puts the given message at the tail of the queue.
func (q *lockFreeQueue) Enqueue(m *Message) {
	n := &node{value: m}
	for {
		tail := q.tail.Load()
		next := tail.next.Load()
		if tail != q.tail.Load() {
			continue
		}
		if next != nil {
			// tail is falling behind, swing it forward.
			q.tail.CompareAndSwap(tail, next)
			continue
		}
		if tail.next.CompareAndSwap(nil, n) {
			q.tail.CompareAndSwap(tail, n)
			q.length.Add(1)
			return
		}
	}
}

// Dequeue removes and returns the message at the head of the queue.
// It returns nil if the queue is empty.
func (q *lockFreeQueue) Dequeue() *Message {
	for {
		head := q.head.Load()
		tail := q.tail.Load()
		next := head.next.Load()
		if head != q.head.Load() {
			continue
		}
		if head == tail {
			if next == nil {
				return nil
			}
			q.tail.CompareAndSwap(tail, next)
			continue
		}
		m := next.value
		if q.head.CompareAndSwap(head, next) {
			next.value = nil
			q.length.Add(-1)
			return m
		}
	}
}

// IsEmpty indicates whether this queue is empty or not.
func (q *lockFreeQueue) IsEmpty() bool {
	return q.length.Load() == 0
}

// Len returns the number of queued messages.
func (q *lockFreeQueue) Len() int {
	return int(q.length.Load())
}

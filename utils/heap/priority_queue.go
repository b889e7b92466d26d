// Copyright (c) 2016-2019 Uber Technologies, Inc.
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
package heap

import (
	"container/heap"
	"errors"
)

// Item is an entry in the priority queue. Lower priority is popped first.
type Item struct {
	Value    interface{}
	Priority int
}

// PriorityQueue implements a heap of Items.
type PriorityQueue struct {
	h *itemHeap
}

// NewPriorityQueue creates a new PriorityQueue with an optional list of
// initial items.
func NewPriorityQueue(items ...*Item) *PriorityQueue {
	h := itemHeap(items)
	heap.Init(&h)
	return &PriorityQueue{&h}
}

// Len returns the number of items in the queue.
func (q *PriorityQueue) Len() int {
	return q.h.Len()
}

// Push adds an item to the queue.
func (q *PriorityQueue) Push(i *Item) {
	heap.Push(q.h, i)
}

// Pop removes the lowest priority item from the queue. Returns an error if
// the queue is empty.
func (q *PriorityQueue) Pop() (*Item, error) {
	if q.h.Len() == 0 {
		return nil, errors.New("queue is empty")
	}
	return heap.Pop(q.h).(*Item), nil
}

type itemHeap []*Item

func (h itemHeap) Len() int { return len(h) }

func (h itemHeap) Less(i, j int) bool { return h[i].Priority < h[j].Priority }

func (h itemHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *itemHeap) Push(x interface{}) {
	*h = append(*h, x.(*Item))
}

func (h *itemHeap) Pop() interface{} {
	old := *h
	n := len(old)
	i := old[n-1]
	*h = old[:n-1]
	return i
}

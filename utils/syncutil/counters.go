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
package syncutil

import "sync"

type counter struct {
	sync.Mutex
	v int
}

// Counters provides a fixed-size list of thread-safe counters. Each counter
// locks individually, so Counters values may be copied freely.
type Counters []*counter

// NewCounters creates a new Counters of size n.
func NewCounters(n int) Counters {
	cs := make(Counters, n)
	for i := range cs {
		cs[i] = &counter{}
	}
	return cs
}

// Len returns the number of counters.
func (cs Counters) Len() int {
	return len(cs)
}

// Get returns the value of the ith counter.
func (cs Counters) Get(i int) int {
	cs[i].Lock()
	defer cs[i].Unlock()
	return cs[i].v
}

// Set sets the value of the ith counter.
func (cs Counters) Set(i, v int) {
	cs[i].Lock()
	defer cs[i].Unlock()
	cs[i].v = v
}

// Increment increments the ith counter.
func (cs Counters) Increment(i int) {
	cs[i].Lock()
	defer cs[i].Unlock()
	cs[i].v++
}

// Decrement decrements the ith counter.
func (cs Counters) Decrement(i int) {
	cs[i].Lock()
	defer cs[i].Unlock()
	cs[i].v--
}

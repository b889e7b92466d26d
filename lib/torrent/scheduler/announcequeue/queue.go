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
package announcequeue

import (
	"container/list"
	"time"

	"github.com/streambit/streambit/core"
)

// Queue manages torrents waiting to announce. Each torrent re-enters the
// queue with the next-announce time assigned by its tracker, and is not
// handed out again before that time.
type Queue interface {
	Next(now time.Time) (core.InfoHash, bool)
	Add(h core.InfoHash)
	Ready(h core.InfoHash, next time.Time)
	Eject(h core.InfoHash)
}

type entry struct {
	hash    core.InfoHash
	readyAt time.Time
}

// QueueImpl is the primary implementation of Queue. QueueImpl is not thread
// safe -- synchronization must be provided by clients.
type QueueImpl struct {
	// Main queue of torrents eligible to announce, ordered by readiness.
	readyQueue *list.List

	// Set of torrents with an announce request in flight.
	pending map[core.InfoHash]bool
}

// New returns a new QueueImpl.
func New() *QueueImpl {
	return &QueueImpl{
		readyQueue: list.New(),
		pending:    make(map[core.InfoHash]bool),
	}
}

// Next returns the next torrent whose announce time has been reached. The
// returned torrent is marked pending and will not appear in Next again
// until Ready is called for it. Returns false if no torrents are ready.
func (q *QueueImpl) Next(now time.Time) (core.InfoHash, bool) {
	for e := q.readyQueue.Front(); e != nil; e = e.Next() {
		ent := e.Value.(*entry)
		if ent.readyAt.After(now) {
			continue
		}
		q.readyQueue.Remove(e)
		q.pending[ent.hash] = true
		return ent.hash, true
	}
	return core.InfoHash{}, false
}

// Add adds a torrent to the queue, immediately eligible to announce.
// Behavior is undefined if called twice on the same torrent.
func (q *QueueImpl) Add(h core.InfoHash) {
	q.readyQueue.PushBack(&entry{hash: h})
}

// Ready places a pending torrent back in the queue, eligible again at next.
// Should be called once an announce response (or failure) is received.
func (q *QueueImpl) Ready(h core.InfoHash, next time.Time) {
	if !q.pending[h] {
		return
	}
	delete(q.pending, h)
	q.readyQueue.PushBack(&entry{hash: h, readyAt: next})
}

// Eject immediately ejects h from the announce queue, preventing it from
// announcing further.
func (q *QueueImpl) Eject(h core.InfoHash) {
	delete(q.pending, h)
	for e := q.readyQueue.Front(); e != nil; e = e.Next() {
		if e.Value.(*entry).hash == h {
			q.readyQueue.Remove(e)
		}
	}
}

// DisabledQueue is a Queue which ignores all input and constantly returns
// that there are no torrents in the queue. Suitable for test rigs which
// want to disable announcing.
type DisabledQueue struct{}

// Disabled returns a new DisabledQueue.
func Disabled() DisabledQueue {
	return DisabledQueue{}
}

// Next never returns a torrent.
func (q DisabledQueue) Next(time.Time) (core.InfoHash, bool) { return core.InfoHash{}, false }

// Add noops.
func (q DisabledQueue) Add(core.InfoHash) {}

// Ready noops.
func (q DisabledQueue) Ready(core.InfoHash, time.Time) {}

// Eject noops.
func (q DisabledQueue) Eject(core.InfoHash) {}

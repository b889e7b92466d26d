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
	"testing"
	"time"

	"github.com/streambit/streambit/core"

	"github.com/stretchr/testify/require"
)

func hashFixture(b byte) core.InfoHash {
	var h core.InfoHash
	h[0] = b
	return h
}

func TestQueueNextMarksPending(t *testing.T) {
	require := require.New(t)

	q := New()
	now := time.Now()
	h := hashFixture(1)

	q.Add(h)

	next, ok := q.Next(now)
	require.True(ok)
	require.Equal(h, next)

	// h is pending and must not be handed out again.
	_, ok = q.Next(now)
	require.False(ok)
}

func TestQueueReadyHonorsNextAnnounceTime(t *testing.T) {
	require := require.New(t)

	q := New()
	now := time.Now()
	h := hashFixture(1)

	q.Add(h)
	_, ok := q.Next(now)
	require.True(ok)

	q.Ready(h, now.Add(time.Minute))

	_, ok = q.Next(now)
	require.False(ok)

	_, ok = q.Next(now.Add(30 * time.Second))
	require.False(ok)

	next, ok := q.Next(now.Add(time.Minute))
	require.True(ok)
	require.Equal(h, next)
}

func TestQueueNextSkipsUnreadyTorrents(t *testing.T) {
	require := require.New(t)

	q := New()
	now := time.Now()
	h1 := hashFixture(1)
	h2 := hashFixture(2)

	q.Add(h1)
	_, ok := q.Next(now)
	require.True(ok)
	q.Ready(h1, now.Add(time.Hour))

	q.Add(h2)

	next, ok := q.Next(now)
	require.True(ok)
	require.Equal(h2, next)
}

func TestQueueReadyIgnoresNonPending(t *testing.T) {
	require := require.New(t)

	q := New()
	h := hashFixture(1)

	q.Ready(h, time.Now())

	_, ok := q.Next(time.Now())
	require.False(ok)
}

func TestQueueEject(t *testing.T) {
	require := require.New(t)

	q := New()
	now := time.Now()
	h := hashFixture(1)

	q.Add(h)
	q.Eject(h)

	_, ok := q.Next(now)
	require.False(ok)

	// Ejecting a pending torrent prevents Ready from re-queueing it.
	q.Add(h)
	_, ok = q.Next(now)
	require.True(ok)
	q.Eject(h)
	q.Ready(h, now)
	_, ok = q.Next(now)
	require.False(ok)
}

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
package piecerequest

import (
	"testing"
	"time"

	"github.com/streambit/streambit/core"
	"github.com/streambit/streambit/utils/syncutil"

	"github.com/andres-erbsen/clock"
	"github.com/stretchr/testify/require"
	"github.com/willf/bitset"
)

const (
	_testTimeout       = 5 * time.Second
	_testPipelineLimit = 3
	_testDemotionLimit = 3
)

func managerFixture(clk clock.Clock) *Manager {
	return NewManager(clk, _testTimeout, _testPipelineLimit, _testDemotionLimit)
}

func candidatesFixture(pieces ...uint) *bitset.BitSet {
	max := uint(0)
	for _, p := range pieces {
		if p >= max {
			max = p + 1
		}
	}
	b := bitset.New(max)
	for _, p := range pieces {
		b.Set(p)
	}
	return b
}

func flatCounters(n int) syncutil.Counters {
	c := syncutil.NewCounters(n)
	for i := 0; i < n; i++ {
		c.Set(i, 1)
	}
	return c
}

func TestReservePiecesRespectsPipelineLimit(t *testing.T) {
	require := require.New(t)

	m := managerFixture(clock.NewMock())
	peerID := core.PeerIDFixture()

	pieces := m.ReservePieces(peerID, candidatesFixture(0, 1, 2, 3, 4), flatCounters(5), false)
	require.Len(pieces, _testPipelineLimit)

	// Peer's pipeline is saturated.
	require.Empty(m.ReservePieces(peerID, candidatesFixture(0, 1, 2, 3, 4), flatCounters(5), false))
}

func TestReservePiecesPrefersUrgentThenRarest(t *testing.T) {
	require := require.New(t)

	m := managerFixture(clock.NewMock())
	peerID := core.PeerIDFixture()

	availability := syncutil.NewCounters(6)
	for i := 0; i < 6; i++ {
		availability.Set(i, 10-i) // Piece 5 is rarest.
	}

	m.Pin(1, PriorityUrgent)
	m.Pin(2, PriorityHigh)

	pieces := m.ReservePieces(peerID, candidatesFixture(0, 1, 2, 3, 4, 5), availability, false)
	require.Equal([]int{1, 2, 5}, pieces)
}

func TestReservePiecesFIFOWithinPriority(t *testing.T) {
	require := require.New(t)

	m := managerFixture(clock.NewMock())
	peerID := core.PeerIDFixture()

	// Equal priority and availability falls back to ascending piece order.
	pieces := m.ReservePieces(peerID, candidatesFixture(4, 2, 0), flatCounters(5), false)
	require.Equal([]int{0, 2, 4}, pieces)
}

func TestReservePiecesNoDuplicates(t *testing.T) {
	require := require.New(t)

	m := managerFixture(clock.NewMock())
	p1 := core.PeerIDFixture()
	p2 := core.PeerIDFixture()

	require.Equal([]int{0}, m.ReservePieces(p1, candidatesFixture(0), flatCounters(1), false))
	require.Empty(m.ReservePieces(p2, candidatesFixture(0), flatCounters(1), false))
}

func TestReservePiecesAllowsDuplicatesInEndgame(t *testing.T) {
	require := require.New(t)

	m := managerFixture(clock.NewMock())
	p1 := core.PeerIDFixture()
	p2 := core.PeerIDFixture()

	require.Equal([]int{0}, m.ReservePieces(p1, candidatesFixture(0), flatCounters(1), true))
	require.Equal([]int{0}, m.ReservePieces(p2, candidatesFixture(0), flatCounters(1), true))

	// Even in endgame, the same peer never doubles up.
	require.Empty(m.ReservePieces(p1, candidatesFixture(0), flatCounters(1), true))
}

func TestReservePiecesReassignsExpiredRequests(t *testing.T) {
	require := require.New(t)

	clk := clock.NewMock()
	m := managerFixture(clk)
	p1 := core.PeerIDFixture()
	p2 := core.PeerIDFixture()

	require.Equal([]int{0}, m.ReservePieces(p1, candidatesFixture(0), flatCounters(1), false))
	require.Empty(m.ReservePieces(p2, candidatesFixture(0), flatCounters(1), false))

	clk.Add(_testTimeout + time.Second)

	require.Equal([]int{0}, m.ReservePieces(p2, candidatesFixture(0), flatCounters(1), false))
}

func TestClearPeerReclaimsPendingPieces(t *testing.T) {
	require := require.New(t)

	m := managerFixture(clock.NewMock())
	peerID := core.PeerIDFixture()

	require.Equal(
		[]int{0, 1, 2},
		m.ReservePieces(peerID, candidatesFixture(0, 1, 2), flatCounters(3), false))

	reclaimed := m.ClearPeer(peerID)
	require.Equal([]int{0, 1, 2}, reclaimed)

	// Pieces are immediately reservable again.
	other := core.PeerIDFixture()
	require.Equal(
		[]int{0, 1, 2},
		m.ReservePieces(other, candidatesFixture(0, 1, 2), flatCounters(3), false))
}

func TestClearRemovesPriorityOverlay(t *testing.T) {
	require := require.New(t)

	m := managerFixture(clock.NewMock())

	m.Pin(0, PriorityUrgent)
	require.Equal(PriorityUrgent, m.Priority(0))

	m.Clear(0)
	require.Equal(PriorityNormal, m.Priority(0))
}

func TestMarkInvalidDemotesAfterLimit(t *testing.T) {
	require := require.New(t)

	m := managerFixture(clock.NewMock())
	m.Pin(0, PriorityUrgent)

	for i := 0; i <= _testDemotionLimit; i++ {
		peerID := core.PeerIDFixture()
		m.ReservePieces(peerID, candidatesFixture(0), flatCounters(1), true)
		m.MarkInvalid(peerID, 0)
	}
	require.Equal(PriorityHigh, m.Priority(0))
	require.Equal(_testDemotionLimit+1, m.FailureCount(0))
}

func TestGetFailedRequests(t *testing.T) {
	require := require.New(t)

	clk := clock.NewMock()
	m := managerFixture(clk)
	p1 := core.PeerIDFixture()
	p2 := core.PeerIDFixture()
	p3 := core.PeerIDFixture()

	require.Equal([]int{0}, m.ReservePieces(p1, candidatesFixture(0), flatCounters(1), false))
	m.MarkInvalid(p1, 0)

	require.Equal([]int{1}, m.ReservePieces(p2, candidatesFixture(1), flatCounters(2), false))
	m.MarkUnsent(p2, 1)

	require.Equal([]int{2}, m.ReservePieces(p3, candidatesFixture(2), flatCounters(3), false))
	clk.Add(_testTimeout + time.Second)

	failed := m.GetFailedRequests()
	require.Len(failed, 3)
	statuses := map[int]Status{}
	for _, r := range failed {
		statuses[r.Piece] = r.Status
	}
	require.Equal(StatusInvalid, statuses[0])
	require.Equal(StatusUnsent, statuses[1])
	require.Equal(StatusExpired, statuses[2])
}

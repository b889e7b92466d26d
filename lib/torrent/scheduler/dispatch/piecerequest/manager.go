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
	"sort"
	"sync"
	"time"

	"github.com/streambit/streambit/core"
	"github.com/streambit/streambit/utils/syncutil"

	"github.com/andres-erbsen/clock"
	"github.com/willf/bitset"
)

// Priority levels for piece requests. Streaming readers inject High and
// Urgent priorities ahead of the playback position; everything else
// downloads at Normal via rarest-first.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityUrgent
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityUrgent:
		return "urgent"
	}
	return "unknown"
}

// Status enumerates possible statuses of a Request.
type Status int

const (
	// StatusPending denotes a valid request which is still in-flight.
	StatusPending Status = iota

	// StatusExpired denotes an in-flight request which has timed out on our
	// end.
	StatusExpired

	// StatusUnsent denotes an unsent request that is safe to retry to the
	// same peer.
	StatusUnsent

	// StatusInvalid denotes a completed request that resulted in an invalid
	// payload.
	StatusInvalid
)

// Request represents a piece request to a peer.
type Request struct {
	Piece    int
	PeerID   core.PeerID
	Status   Status
	Priority Priority

	sentAt time.Time
}

// Manager encapsulates thread-safe piece request bookkeeping. It is not
// responsible for sending nor receiving pieces in any way. At most one
// in-flight request per piece is allowed outside of endgame mode.
type Manager struct {
	sync.RWMutex

	// requests and requestsByPeer hold the same data, just indexed
	// differently. Endgame duplicates are keyed under the same piece.
	requests       map[int][]*Request
	requestsByPeer map[core.PeerID]map[int]*Request

	// priorities is the sticky priority overlay for not-yet-completed
	// pieces. Pieces absent from the map download at PriorityNormal.
	priorities map[int]Priority

	// attempts counts failed downloads per piece, for demotion scoring.
	attempts map[int]int

	clock         clock.Clock
	timeout       time.Duration
	pipelineLimit int
	demotionLimit int
}

// NewManager creates a new Manager.
func NewManager(
	clk clock.Clock, timeout time.Duration, pipelineLimit, demotionLimit int) *Manager {

	return &Manager{
		requests:       make(map[int][]*Request),
		requestsByPeer: make(map[core.PeerID]map[int]*Request),
		priorities:     make(map[int]Priority),
		attempts:       make(map[int]int),
		clock:          clk,
		timeout:        timeout,
		pipelineLimit:  pipelineLimit,
		demotionLimit:  demotionLimit,
	}
}

// Pin raises the priority of piece to at least p. Lowering a priority this
// way is a no-op; use Unpin.
func (m *Manager) Pin(piece int, p Priority) {
	m.Lock()
	defer m.Unlock()

	if cur, ok := m.priorities[piece]; !ok || p > cur {
		m.priorities[piece] = p
	}
}

// Unpin resets the priority of piece back to normal. Used when a streaming
// window moves past stale prefetch requests.
func (m *Manager) Unpin(piece int) {
	m.Lock()
	defer m.Unlock()

	delete(m.priorities, piece)
}

// Priority returns the effective priority of piece.
func (m *Manager) Priority(piece int) Priority {
	m.RLock()
	defer m.RUnlock()

	return m.priority(piece)
}

func (m *Manager) priority(piece int) Priority {
	if p, ok := m.priorities[piece]; ok {
		return p
	}
	return PriorityNormal
}

// ReservePieces selects the next pieces to be requested from the given peer
// and saves them as pending to prevent duplicate requests. Selection orders
// by priority first, then rarest-first using the availability counters,
// then ascending piece index. In endgame mode, timed-out or still-pending
// pieces may be duplicated against a different peer.
func (m *Manager) ReservePieces(
	peerID core.PeerID,
	candidates *bitset.BitSet,
	numPeersByPiece syncutil.Counters,
	endgame bool) []int {

	m.Lock()
	defer m.Unlock()

	quota := m.pipelineLimit - m.numPendingByPeer(peerID)
	if quota <= 0 {
		return nil
	}

	var eligible []int
	for i, e := candidates.NextSet(0); e; i, e = candidates.NextSet(i + 1) {
		if m.reservable(peerID, int(i), endgame) {
			eligible = append(eligible, int(i))
		}
	}

	sort.SliceStable(eligible, func(i, j int) bool {
		pi, pj := eligible[i], eligible[j]
		prioI, prioJ := m.priority(pi), m.priority(pj)
		if prioI != prioJ {
			return prioI > prioJ
		}
		availI, availJ := numPeersByPiece.Get(pi), numPeersByPiece.Get(pj)
		if availI != availJ {
			return availI < availJ
		}
		return pi < pj
	})

	if len(eligible) > quota {
		eligible = eligible[:quota]
	}
	for _, piece := range eligible {
		m.addRequest(&Request{
			Piece:    piece,
			PeerID:   peerID,
			Status:   StatusPending,
			Priority: m.priority(piece),
			sentAt:   m.clock.Now(),
		})
	}
	return eligible
}

func (m *Manager) reservable(peerID core.PeerID, piece int, endgame bool) bool {
	if _, ok := m.requestsByPeer[peerID][piece]; ok {
		// Never duplicate a request against the same peer.
		return false
	}
	for _, r := range m.requests[piece] {
		if r.Status == StatusPending && !m.expired(r) {
			if !endgame {
				return false
			}
		}
	}
	return true
}

// MarkUnsent marks the piece request for piece sent to peerID as unsent.
func (m *Manager) MarkUnsent(peerID core.PeerID, piece int) {
	m.markStatus(peerID, piece, StatusUnsent)
}

// MarkInvalid marks the piece request for piece sent to peerID as invalid
// and bumps the failure count of the piece.
func (m *Manager) MarkInvalid(peerID core.PeerID, piece int) {
	m.Lock()
	defer m.Unlock()

	if r, ok := m.requestsByPeer[peerID][piece]; ok {
		r.Status = StatusInvalid
	}
	m.attempts[piece]++
	if m.attempts[piece] > m.demotionLimit {
		// Repeatedly failing pieces lose their boost so healthy requests are
		// not starved.
		if p, ok := m.priorities[piece]; ok && p > PriorityLow {
			m.priorities[piece] = p - 1
		}
	}
}

// Clear deletes the requests and priority overlay for piece. Should be
// called once piece is successfully written to storage.
func (m *Manager) Clear(piece int) {
	m.Lock()
	defer m.Unlock()

	for _, r := range m.requests[piece] {
		delete(m.requestsByPeer[r.PeerID], piece)
	}
	delete(m.requests, piece)
	delete(m.priorities, piece)
	delete(m.attempts, piece)
}

// PendingPieces returns the pieces currently held by valid in-flight
// requests.
func (m *Manager) PendingPieces() []int {
	m.RLock()
	defer m.RUnlock()

	var pieces []int
	for piece, rs := range m.requests {
		for _, r := range rs {
			if r.Status == StatusPending && !m.expired(r) {
				pieces = append(pieces, piece)
				break
			}
		}
	}
	sort.Ints(pieces)
	return pieces
}

// FailureCount returns how many invalid payloads have been received for
// piece.
func (m *Manager) FailureCount(piece int) int {
	m.RLock()
	defer m.RUnlock()

	return m.attempts[piece]
}

// GetFailedRequests returns a copy of all failed requests: expired, unsent,
// or invalid.
func (m *Manager) GetFailedRequests() []Request {
	m.RLock()
	defer m.RUnlock()

	var failed []Request
	for _, rs := range m.requests {
		for _, r := range rs {
			status := r.Status
			if status == StatusPending && m.expired(r) {
				status = StatusExpired
			}
			if status != StatusPending {
				failed = append(failed, Request{
					Piece:    r.Piece,
					PeerID:   r.PeerID,
					Status:   status,
					Priority: r.Priority,
				})
			}
		}
	}
	return failed
}

// ClearPeer deletes all requests for peerID, returning the pieces which
// were pending so they may be reassigned.
func (m *Manager) ClearPeer(peerID core.PeerID) []int {
	m.Lock()
	defer m.Unlock()

	var reclaimed []int
	for piece, r := range m.requestsByPeer[peerID] {
		if r.Status == StatusPending {
			reclaimed = append(reclaimed, piece)
		}
		m.removeFromPiece(piece, peerID)
	}
	delete(m.requestsByPeer, peerID)
	sort.Ints(reclaimed)
	return reclaimed
}

func (m *Manager) addRequest(r *Request) {
	m.requests[r.Piece] = append(m.requests[r.Piece], r)
	if m.requestsByPeer[r.PeerID] == nil {
		m.requestsByPeer[r.PeerID] = make(map[int]*Request)
	}
	m.requestsByPeer[r.PeerID][r.Piece] = r
}

func (m *Manager) removeFromPiece(piece int, peerID core.PeerID) {
	rs := m.requests[piece]
	for i, r := range rs {
		if r.PeerID == peerID {
			m.requests[piece] = append(rs[:i], rs[i+1:]...)
			break
		}
	}
	if len(m.requests[piece]) == 0 {
		delete(m.requests, piece)
	}
}

func (m *Manager) markStatus(peerID core.PeerID, piece int, s Status) {
	m.Lock()
	defer m.Unlock()

	if r, ok := m.requestsByPeer[peerID][piece]; ok {
		r.Status = s
	}
}

func (m *Manager) numPendingByPeer(peerID core.PeerID) int {
	var n int
	for _, r := range m.requestsByPeer[peerID] {
		if r.Status == StatusPending && !m.expired(r) {
			n++
		}
	}
	return n
}

func (m *Manager) expired(r *Request) bool {
	expiresAt := r.sentAt.Add(m.timeout)
	return m.clock.Now().After(expiresAt)
}

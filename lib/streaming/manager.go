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

// Package streaming mediates between HTTP range readers and the partially
// downloaded piece store: it maps byte ranges to pieces, injects priorities
// into the piece scheduler ahead of the read position, and blocks readers
// until the pieces they need are verified.
package streaming

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/streambit/streambit/core"
	"github.com/streambit/streambit/lib/torrent/scheduler/dispatch/piecerequest"
	"github.com/streambit/streambit/lib/torrent/storage"
	"github.com/streambit/streambit/utils/heap"
	"github.com/streambit/streambit/utils/log"

	"github.com/andres-erbsen/clock"
	"github.com/satori/go.uuid"
	"github.com/uber-go/tally"
	"go.uber.org/zap"
)

// ErrSessionNotFound occurs when a session id is unknown or already
// reaped.
var ErrSessionNotFound = errors.New("stream session not found")

// ReadTimeoutError occurs when a range read waited longer than the read
// timeout for its pieces.
type ReadTimeoutError struct {
	Missing []int
}

func (e ReadTimeoutError) Error() string {
	return fmt.Sprintf("timed out waiting for pieces: %v", e.Missing)
}

// PiecePinner is the subset of the torrent scheduler the streaming layer
// drives: raising and dropping piece priorities.
type PiecePinner interface {
	Pin(h core.InfoHash, piece int, priority piecerequest.Priority) error
	Unpin(h core.InfoHash, piece int) error
}

type pieceKey struct {
	hash  core.InfoHash
	piece int
}

// Manager owns all stream sessions and their prefetch tasks.
type Manager struct {
	config Config
	clk    clock.Clock
	pinner PiecePinner
	stats  tally.Scope
	logger *zap.SugaredLogger

	mu       sync.Mutex
	sessions map[string]*session
	waiters  map[pieceKey][]chan struct{}

	stopOnce sync.Once
	done     chan struct{}
}

// NewManager creates a new Manager and starts its reaper.
func NewManager(
	config Config,
	clk clock.Clock,
	pinner PiecePinner,
	stats tally.Scope) *Manager {

	config = config.applyDefaults()

	stats = stats.Tagged(map[string]string{
		"module": "streaming",
	})

	m := &Manager{
		config:   config,
		clk:      clk,
		pinner:   pinner,
		stats:    stats,
		logger:   log.Default(),
		sessions: make(map[string]*session),
		waiters:  make(map[pieceKey][]chan struct{}),
		done:     make(chan struct{}),
	}
	go m.reapLoop()
	return m
}

// Stop closes all sessions and stops the reaper.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		close(m.done)
		m.mu.Lock()
		for id := range m.sessions {
			m.closeSessionLocked(id)
		}
		m.mu.Unlock()
	})
}

// CreateSession opens a stream session on file fileIndex of torrent. The
// file's first and last pieces are pinned urgently: they typically hold the
// container header and index a player probes before playback.
func (m *Manager) CreateSession(torrent storage.Torrent, fileIndex int) (*SessionInfo, error) {
	files := torrent.Stat().MetaInfo().Files()
	if fileIndex < 0 || fileIndex >= len(files) {
		return nil, fmt.Errorf("file index %d out of bounds", fileIndex)
	}
	s := newSession(
		uuid.NewV4().String(), torrent, fileIndex, files[fileIndex], m.clk.Now())

	m.mu.Lock()
	m.sessions[s.id] = s
	m.mu.Unlock()

	h := torrent.InfoHash()
	first, _ := s.pieceRange(0, 1)
	m.pin(h, first, piecerequest.PriorityUrgent)
	m.pin(h, s.lastFilePiece(), piecerequest.PriorityUrgent)

	go m.prefetchLoop(s)
	s.nudge()

	m.log("session", s.id, "hash", h).Infof(
		"Opened stream session for file %s", files[fileIndex].Path)
	return s.info(), nil
}

// GetSession returns a snapshot of the session of id.
func (m *Manager) GetSession(id string) (*SessionInfo, error) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	m.mu.Unlock()
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s.info(), nil
}

// ListSessions returns snapshots of all live sessions.
func (m *Manager) ListSessions() []*SessionInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	infos := make([]*SessionInfo, 0, len(m.sessions))
	for _, s := range m.sessions {
		infos = append(infos, s.info())
	}
	return infos
}

// CloseSession terminates the session of id and its prefetch task.
func (m *Manager) CloseSession(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[id]; !ok {
		return ErrSessionNotFound
	}
	m.closeSessionLocked(id)
	return nil
}

func (m *Manager) closeSessionLocked(id string) {
	s := m.sessions[id]
	delete(m.sessions, id)
	s.close()

	h := s.torrent.InfoHash()
	s.mu.Lock()
	for piece := range s.pinned {
		m.pinner.Unpin(h, piece)
	}
	s.pinned = make(map[int]bool)
	s.mu.Unlock()
}

// PieceComplete wakes range reads and prefetchers waiting on the verified
// piece. Wire this to the scheduler's piece completion notifications.
func (m *Manager) PieceComplete(h core.InfoHash, piece int) {
	m.mu.Lock()
	k := pieceKey{h, piece}
	chans := m.waiters[k]
	delete(m.waiters, k)
	for _, s := range m.sessions {
		if s.torrent.InfoHash() == h {
			s.nudge()
		}
	}
	m.mu.Unlock()

	for _, c := range chans {
		close(c)
	}
}

// ReadRange returns the bytes of [start, start+length) within the
// session's file, blocking until every covering piece is verified, the
// context is cancelled, or the read timeout expires. Bytes of a single
// range are always delivered in order.
func (m *Manager) ReadRange(
	ctx context.Context, id string, start, length int64) ([]byte, error) {

	m.mu.Lock()
	s, ok := m.sessions[id]
	m.mu.Unlock()
	if !ok {
		return nil, ErrSessionNotFound
	}
	if start < 0 || start+length > s.file.Length {
		return nil, fmt.Errorf(
			"range [%d, %d) out of bounds for file size %d", start, start+length, s.file.Length)
	}

	// Seeks rebase the prefetch window around the new position.
	s.touch(m.clk.Now(), start, 0)
	s.nudge()

	abs := s.file.Offset + start
	deadline := m.clk.Now().Add(m.config.ReadTimeout)
	for {
		b, err := s.torrent.ReadRange(abs, length)
		if err == nil {
			s.touch(m.clk.Now(), start+length, length)
			s.nudge()
			m.stats.Counter("bytes_streamed").Inc(length)
			return b, nil
		}
		missing, ok := storage.IsNotReadyError(err)
		if !ok {
			return nil, err
		}

		// Pull the missing pieces to the front of the scheduler's queue.
		h := s.torrent.InfoHash()
		for i, piece := range missing {
			if i < m.config.UrgentWindow {
				m.pin(h, piece, piecerequest.PriorityUrgent)
			} else {
				m.pin(h, piece, piecerequest.PriorityHigh)
			}
		}

		if err := m.waitForPiece(ctx, s, h, missing[0], deadline); err != nil {
			return nil, err
		}
	}
}

// waitForPiece blocks until piece completes, ctx is done, the session
// closes, or deadline passes.
func (m *Manager) waitForPiece(
	ctx context.Context,
	s *session,
	h core.InfoHash,
	piece int,
	deadline time.Time) error {

	c := m.subscribe(h, piece)
	if s.torrent.HasPiece(piece) {
		// Completed between the failed read and the subscription.
		return nil
	}
	timeout := deadline.Sub(m.clk.Now())
	if timeout <= 0 {
		return ReadTimeoutError{Missing: []int{piece}}
	}
	timer := m.clk.Timer(timeout)
	defer timer.Stop()

	select {
	case <-c:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrSessionNotFound
	case <-timer.C:
		return ReadTimeoutError{Missing: []int{piece}}
	}
}

func (m *Manager) subscribe(h core.InfoHash, piece int) chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := pieceKey{h, piece}
	c := make(chan struct{})
	m.waiters[k] = append(m.waiters[k], c)
	return c
}

func (m *Manager) pin(h core.InfoHash, piece int, p piecerequest.Priority) {
	if err := m.pinner.Pin(h, piece, p); err != nil {
		m.log("hash", h, "piece", piece).Infof("Error pinning piece: %s", err)
	}
}

// prefetchLoop maintains the High-priority window ahead of the session's
// read position while the session lives. Window pins nearest the read head
// are issued first.
func (m *Manager) prefetchLoop(s *session) {
	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
			m.maintainWindow(s)
		}
	}
}

// maintainWindow pins the pieces in the session's current prefetch window
// and unpins stale window pins left behind by a seek.
func (m *Manager) maintainWindow(s *session) {
	h := s.torrent.InfoHash()
	pieceLength := s.torrent.MaxPieceLength()
	window := m.config.windowPieces(pieceLength)

	offset := s.getReadOffset()
	head, _ := s.pieceRange(offset, 1)
	last := s.lastFilePiece()

	want := make(map[int]bool)
	queue := heap.NewPriorityQueue()
	for i := 1; i <= window; i++ {
		piece := head + i
		if piece > last {
			break
		}
		if s.torrent.HasPiece(piece) {
			continue
		}
		want[piece] = true
		queue.Push(&heap.Item{Value: piece, Priority: i})
	}

	s.mu.Lock()
	stale := make([]int, 0)
	for piece := range s.pinned {
		if !want[piece] {
			stale = append(stale, piece)
			delete(s.pinned, piece)
		}
	}
	fresh := make([]int, 0)
	for {
		item, err := queue.Pop()
		if err != nil {
			break
		}
		piece := item.Value.(int)
		if !s.pinned[piece] {
			s.pinned[piece] = true
			fresh = append(fresh, piece)
		}
	}
	s.mu.Unlock()

	for _, piece := range stale {
		m.pinner.Unpin(h, piece)
	}
	for _, piece := range fresh {
		m.pin(h, piece, piecerequest.PriorityHigh)
	}
}

// reapLoop collects sessions which have been idle for longer than the idle
// timeout.
func (m *Manager) reapLoop() {
	ticker := m.clk.Ticker(m.config.ReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.reapIdleSessions()
		}
	}
}

func (m *Manager) reapIdleSessions() {
	now := m.clk.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	for id, s := range m.sessions {
		if now.Sub(s.getLastAccessed()) > m.config.IdleTimeout {
			m.log("session", id).Info("Reaping idle stream session")
			m.stats.Counter("reaped_sessions").Inc(1)
			m.closeSessionLocked(id)
		}
	}
}

func (m *Manager) log(args ...interface{}) *zap.SugaredLogger {
	return m.logger.With(args...)
}

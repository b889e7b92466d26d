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
package streaming

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/streambit/streambit/core"
	"github.com/streambit/streambit/lib/torrent/scheduler/dispatch/piecerequest"
	"github.com/streambit/streambit/lib/torrent/storage"
	"github.com/streambit/streambit/lib/torrent/storage/filestorage"
	"github.com/streambit/streambit/lib/torrent/storage/piecereader"

	"github.com/andres-erbsen/clock"
	"github.com/stretchr/testify/require"
	"github.com/uber-go/tally"
)

// fakePinner records pins and unpins.
type fakePinner struct {
	mu     sync.Mutex
	pins   map[int]piecerequest.Priority
	unpins map[int]bool
}

func newFakePinner() *fakePinner {
	return &fakePinner{
		pins:   make(map[int]piecerequest.Priority),
		unpins: make(map[int]bool),
	}
}

func (p *fakePinner) Pin(h core.InfoHash, piece int, priority piecerequest.Priority) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cur, ok := p.pins[piece]; !ok || priority > cur {
		p.pins[piece] = priority
	}
	delete(p.unpins, piece)
	return nil
}

func (p *fakePinner) Unpin(h core.InfoHash, piece int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.pins, piece)
	p.unpins[piece] = true
	return nil
}

func (p *fakePinner) priority(piece int) (piecerequest.Priority, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	prio, ok := p.pins[piece]
	return prio, ok
}

type managerFixture struct {
	manager *Manager
	pinner  *fakePinner
	torrent storage.Torrent
	blob    []byte
	cleanup func()
}

func newManagerFixture(t *testing.T, config Config, clk clock.Clock) *managerFixture {
	archive, cleanupArchive := filestorage.ArchiveFixture()

	blob := core.BlobFixture(256)
	mi := core.MetaInfoFixture("video.mp4", blob, 64, "")
	tor, err := archive.CreateTorrent(mi)
	require.NoError(t, err)

	pinner := newFakePinner()
	m := NewManager(config, clk, pinner, tally.NewTestScope("", nil))

	cleanup := func() {
		m.Stop()
		cleanupArchive()
	}
	return &managerFixture{m, pinner, tor, blob, cleanup}
}

func (f *managerFixture) writePiece(t *testing.T, pi int) {
	t.Helper()
	start := int64(pi) * 64
	end := start + f.torrent.PieceLength(pi)
	require.NoError(t, f.torrent.WritePiece(piecereader.NewBuffer(f.blob[start:end]), pi))
}

func TestCreateSessionPinsFirstAndLastPiece(t *testing.T) {
	require := require.New(t)

	f := newManagerFixture(t, Config{}, clock.New())
	defer f.cleanup()

	info, err := f.manager.CreateSession(f.torrent, 0)
	require.NoError(err)
	require.Equal("video.mp4", info.FileName)
	require.Equal(int64(256), info.FileSize)
	require.Equal("video/mp4", info.MimeType)

	prio, ok := f.pinner.priority(0)
	require.True(ok)
	require.Equal(piecerequest.PriorityUrgent, prio)

	prio, ok = f.pinner.priority(3)
	require.True(ok)
	require.Equal(piecerequest.PriorityUrgent, prio)
}

func TestReadRangeServesVerifiedBytes(t *testing.T) {
	require := require.New(t)

	f := newManagerFixture(t, Config{}, clock.New())
	defer f.cleanup()

	for pi := 0; pi < 4; pi++ {
		f.writePiece(t, pi)
	}

	info, err := f.manager.CreateSession(f.torrent, 0)
	require.NoError(err)

	b, err := f.manager.ReadRange(context.Background(), info.ID, 32, 64)
	require.NoError(err)
	require.Equal(f.blob[32:96], b)

	updated, err := f.manager.GetSession(info.ID)
	require.NoError(err)
	require.Equal(int64(64), updated.BytesServed)
	require.Equal(int64(96), updated.CurrentReadOffset)
}

func TestReadRangeBlocksUntilPieceCompletes(t *testing.T) {
	require := require.New(t)

	f := newManagerFixture(t, Config{}, clock.New())
	defer f.cleanup()

	// Piece 1 present, piece 0 missing.
	f.writePiece(t, 1)

	info, err := f.manager.CreateSession(f.torrent, 0)
	require.NoError(err)

	type result struct {
		b   []byte
		err error
	}
	resc := make(chan result, 1)
	go func() {
		b, err := f.manager.ReadRange(context.Background(), info.ID, 0, 128)
		resc <- result{b, err}
	}()

	select {
	case r := <-resc:
		t.Fatalf("read returned before piece was available: %v", r.err)
	case <-time.After(200 * time.Millisecond):
	}

	// The blocked read escalated the missing piece to urgent.
	prio, ok := f.pinner.priority(0)
	require.True(ok)
	require.Equal(piecerequest.PriorityUrgent, prio)

	f.writePiece(t, 0)
	f.manager.PieceComplete(f.torrent.InfoHash(), 0)

	select {
	case r := <-resc:
		require.NoError(r.err)
		require.Equal(f.blob[0:128], r.b)
	case <-time.After(5 * time.Second):
		t.Fatal("read did not unblock after piece completion")
	}
}

func TestReadRangeTimesOut(t *testing.T) {
	require := require.New(t)

	f := newManagerFixture(t, Config{ReadTimeout: 100 * time.Millisecond}, clock.New())
	defer f.cleanup()

	info, err := f.manager.CreateSession(f.torrent, 0)
	require.NoError(err)

	_, err = f.manager.ReadRange(context.Background(), info.ID, 0, 64)
	require.Error(err)
	require.IsType(ReadTimeoutError{}, err)
}

func TestReadRangeCancelledByContext(t *testing.T) {
	require := require.New(t)

	f := newManagerFixture(t, Config{}, clock.New())
	defer f.cleanup()

	info, err := f.manager.CreateSession(f.torrent, 0)
	require.NoError(err)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := f.manager.ReadRange(ctx, info.ID, 0, 64)
		errc <- err
	}()
	cancel()

	select {
	case err := <-errc:
		require.Equal(context.Canceled, err)
	case <-time.After(5 * time.Second):
		t.Fatal("read did not observe cancellation")
	}
}

func TestReadRangeOutOfBounds(t *testing.T) {
	require := require.New(t)

	f := newManagerFixture(t, Config{}, clock.New())
	defer f.cleanup()

	info, err := f.manager.CreateSession(f.torrent, 0)
	require.NoError(err)

	_, err = f.manager.ReadRange(context.Background(), info.ID, 300, 10)
	require.Error(err)
}

func TestMaintainWindowRebasesOnSeek(t *testing.T) {
	require := require.New(t)

	f := newManagerFixture(t, Config{MaxWindowPieces: 1}, clock.New())
	defer f.cleanup()

	info, err := f.manager.CreateSession(f.torrent, 0)
	require.NoError(err)

	m := f.manager
	m.mu.Lock()
	s := m.sessions[info.ID]
	m.mu.Unlock()

	// Window of one piece ahead of offset 0 pins piece 1.
	m.maintainWindow(s)
	_, ok := f.pinner.priority(1)
	require.True(ok)

	// Seek to the middle of the file; piece 1 is stale, piece 3 enters the
	// window.
	s.touch(time.Now(), 128, 0)
	m.maintainWindow(s)

	f.pinner.mu.Lock()
	defer f.pinner.mu.Unlock()
	require.True(f.pinner.unpins[1])
	_, pinned := f.pinner.pins[3]
	require.True(pinned)
}

func TestIdleSessionsAreReaped(t *testing.T) {
	require := require.New(t)

	clk := clock.NewMock()
	f := newManagerFixture(t, Config{}, clk)
	defer f.cleanup()

	info, err := f.manager.CreateSession(f.torrent, 0)
	require.NoError(err)

	m := f.manager
	m.mu.Lock()
	s := m.sessions[info.ID]
	m.mu.Unlock()

	clk.Add(11 * time.Minute)
	m.reapIdleSessions()

	_, err = m.GetSession(info.ID)
	require.Equal(ErrSessionNotFound, err)
	require.True(s.closed())
	require.Empty(m.ListSessions())
}

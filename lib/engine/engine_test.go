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
package engine

import (
	"context"
	"io/ioutil"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/streambit/streambit/core"
	"github.com/streambit/streambit/lib/metastore"
	"github.com/streambit/streambit/lib/streaming"
	"github.com/streambit/streambit/lib/torrent/scheduler/dispatch/piecerequest"
	"github.com/streambit/streambit/lib/torrent/storage/filestorage"
	"github.com/streambit/streambit/lib/torrent/storage/piecereader"
	"github.com/streambit/streambit/tracker/announceclient"

	"github.com/andres-erbsen/clock"
	"github.com/stretchr/testify/require"
	"github.com/uber-go/tally"
)

// fakeScheduler records scheduler calls. It also satisfies
// streaming.PiecePinner.
type fakeScheduler struct {
	mu      sync.Mutex
	added   map[core.InfoHash]bool
	stopped map[core.InfoHash]bool
	removed map[core.InfoHash]bool
}

func newFakeScheduler() *fakeScheduler {
	return &fakeScheduler{
		added:   make(map[core.InfoHash]bool),
		stopped: make(map[core.InfoHash]bool),
		removed: make(map[core.InfoHash]bool),
	}
}

func (s *fakeScheduler) Stop() {}

func (s *fakeScheduler) AddTorrent(mi *core.MetaInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.added[mi.InfoHash()] = true
	return nil
}

func (s *fakeScheduler) StopTorrent(h core.InfoHash) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped[h] = true
	return nil
}

func (s *fakeScheduler) RemoveTorrent(h core.InfoHash) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removed[h] = true
	return nil
}

func (s *fakeScheduler) Pin(core.InfoHash, int, piecerequest.Priority) error { return nil }

func (s *fakeScheduler) Unpin(core.InfoHash, int) error { return nil }

func (s *fakeScheduler) NumPeers(core.InfoHash) int { return 0 }

func (s *fakeScheduler) Probe() error { return nil }

type engineFixture struct {
	engine  *Engine
	store   *metastore.Store
	archive *filestorage.TorrentArchive
	sched   *fakeScheduler
	cleanup func()
}

func newEngineFixture(t *testing.T) *engineFixture {
	store, cleanupStore := metastore.StoreFixture()
	archive, cleanupArchive := filestorage.ArchiveFixture()

	dir, err := ioutil.TempDir("", "streambit-engine-test-")
	require.NoError(t, err)

	sched := newFakeScheduler()
	streams := streaming.NewManager(
		streaming.Config{}, clock.New(), sched, tally.NewTestScope("", nil))

	e := New(
		Config{TorrentDir: filepath.Join(dir, "torrents")},
		store,
		archive,
		clock.New(),
		tally.NewTestScope("", nil))
	e.SetScheduler(sched)
	e.SetStreams(streams)

	cleanup := func() {
		e.Stop()
		streams.Stop()
		cleanupArchive()
		cleanupStore()
		os.RemoveAll(dir)
	}
	return &engineFixture{e, store, archive, sched, cleanup}
}

// abcdeTorrent builds the canonical 5-byte, 2-byte-piece test torrent.
func abcdeTorrent(t *testing.T) ([]byte, *core.MetaInfo) {
	mi := core.MetaInfoFixture("show.mp4", []byte("abcde"), 2, "http://tracker/announce")
	raw, err := core.EncodeMetaInfo(mi)
	require.NoError(t, err)
	return raw, mi
}

func TestIngestPersistsTorrent(t *testing.T) {
	require := require.New(t)

	f := newEngineFixture(t)
	defer f.cleanup()

	raw, mi := abcdeTorrent(t)
	row, err := f.engine.Ingest(raw)
	require.NoError(err)
	require.Equal(mi.InfoHash().Hex(), row.InfoHash)
	require.Equal("show.mp4", row.Name)
	require.Equal(int64(5), row.TotalSize)
	require.Equal(3, row.PieceCount)
	require.Equal(metastore.TorrentStatusParsing, row.Status)

	pieces, err := f.store.GetPieces(row.ID)
	require.NoError(err)
	require.Len(pieces, 3)

	trackers, err := f.store.GetTrackers(row.ID)
	require.NoError(err)
	require.Len(trackers, 1)
	require.Equal("http://tracker/announce", trackers[0].URL)

	// Repeated ingest of the same info hash is rejected.
	_, err = f.engine.Ingest(raw)
	require.Equal(ErrDuplicateTorrent, err)
}

func TestIngestRejectsInvalidTorrent(t *testing.T) {
	require := require.New(t)

	f := newEngineFixture(t)
	defer f.cleanup()

	_, err := f.engine.Ingest([]byte("not bencoded at all"))
	require.Error(err)
	require.IsType(core.InvalidTorrentError{}, err)
}

func TestStartSchedulesAndTransitions(t *testing.T) {
	require := require.New(t)

	f := newEngineFixture(t)
	defer f.cleanup()

	raw, mi := abcdeTorrent(t)
	row, err := f.engine.Ingest(raw)
	require.NoError(err)

	require.NoError(f.engine.Start(row.ID))
	require.True(f.sched.added[mi.InfoHash()])

	reloaded, err := f.engine.Get(row.ID)
	require.NoError(err)
	require.Equal(metastore.TorrentStatusDownloading, reloaded.Status)
}

func TestPieceCompleteDrivesProgressAndCompletion(t *testing.T) {
	require := require.New(t)

	f := newEngineFixture(t)
	defer f.cleanup()

	raw, mi := abcdeTorrent(t)
	row, err := f.engine.Ingest(raw)
	require.NoError(err)
	require.NoError(f.engine.Start(row.ID))

	// Feed pieces out of order: 1 first.
	f.engine.PieceComplete(mi.InfoHash(), 1)
	f.engine.persistProgress()

	reloaded, err := f.engine.Get(row.ID)
	require.NoError(err)
	require.InDelta(1.0/3.0, reloaded.Progress, 0.001)

	f.engine.PieceComplete(mi.InfoHash(), 0)
	f.engine.PieceComplete(mi.InfoHash(), 2)
	f.engine.TorrentComplete(mi.InfoHash())

	reloaded, err = f.engine.Get(row.ID)
	require.NoError(err)
	require.Equal(metastore.TorrentStatusCompleted, reloaded.Status)
	require.Equal(1.0, reloaded.Progress)
}

func TestPauseAndResume(t *testing.T) {
	require := require.New(t)

	f := newEngineFixture(t)
	defer f.cleanup()

	raw, mi := abcdeTorrent(t)
	row, err := f.engine.Ingest(raw)
	require.NoError(err)

	// Pausing before start reports not active.
	require.Equal(ErrNotActive, f.engine.Pause(row.ID))

	require.NoError(f.engine.Start(row.ID))
	require.NoError(f.engine.Pause(row.ID))
	require.True(f.sched.stopped[mi.InfoHash()])

	reloaded, err := f.engine.Get(row.ID)
	require.NoError(err)
	require.Equal(metastore.TorrentStatusPaused, reloaded.Status)

	require.NoError(f.engine.Resume(row.ID))
	reloaded, err = f.engine.Get(row.ID)
	require.NoError(err)
	require.Equal(metastore.TorrentStatusDownloading, reloaded.Status)
}

func TestRemoveDeletesEverything(t *testing.T) {
	require := require.New(t)

	f := newEngineFixture(t)
	defer f.cleanup()

	raw, mi := abcdeTorrent(t)
	row, err := f.engine.Ingest(raw)
	require.NoError(err)
	require.NoError(f.engine.Start(row.ID))

	require.NoError(f.engine.Remove(row.ID))
	require.True(f.sched.removed[mi.InfoHash()])

	_, err = f.engine.Get(row.ID)
	require.Equal(ErrTorrentNotFound, err)
}

func TestStreamableFilesFiltersByMimeType(t *testing.T) {
	require := require.New(t)

	f := newEngineFixture(t)
	defer f.cleanup()

	blob := core.BlobFixture(100)
	mi := core.MultiFileMetaInfoFixture("pack", blob, []int64{40, 30, 30}, 50, "")
	raw, err := core.EncodeMetaInfo(mi)
	require.NoError(err)

	// Fixture paths carry no extension, so no file passes the mime
	// filter.
	row, err := f.engine.Ingest(raw)
	require.NoError(err)

	files, err := f.engine.Files(row.ID)
	require.NoError(err)
	require.Len(files, 3)

	streamable, err := f.engine.StreamableFiles(row.ID)
	require.NoError(err)
	require.Empty(streamable) // part0..part2 have no media extension.
}

func TestCreateStreamRequiresActiveTorrent(t *testing.T) {
	require := require.New(t)

	f := newEngineFixture(t)
	defer f.cleanup()

	raw, mi := abcdeTorrent(t)
	row, err := f.engine.Ingest(raw)
	require.NoError(err)

	_, err = f.engine.CreateStream(row.ID, 0)
	require.Equal(ErrNotActive, err)

	// Start marks the torrent active; the fake scheduler opens no storage,
	// so the test opens it through the archive.
	require.NoError(f.engine.Start(row.ID))
	tor, err := f.archive.CreateTorrent(mi)
	require.NoError(err)

	info, err := f.engine.CreateStream(row.ID, 0)
	require.NoError(err)
	require.Equal("show.mp4", info.FileName)

	require.NoError(tor.WritePiece(piecereader.NewBuffer([]byte("cd")), 1))
	f.engine.PieceComplete(mi.InfoHash(), 1)

	b, err := f.engine.Streams().ReadRange(context.Background(), info.ID, 2, 2)
	require.NoError(err)
	require.Equal([]byte("cd"), b)
}

func TestRestoreReactivatesRunningTorrents(t *testing.T) {
	require := require.New(t)

	f := newEngineFixture(t)
	defer f.cleanup()

	raw, mi := abcdeTorrent(t)
	row, err := f.engine.Ingest(raw)
	require.NoError(err)
	require.NoError(f.engine.Start(row.ID))

	// Simulate a restart: fresh engine over the same store and torrent dir.
	sched := newFakeScheduler()
	streams := streaming.NewManager(
		streaming.Config{}, clock.New(), sched, tally.NewTestScope("", nil))
	defer streams.Stop()
	e2 := New(f.engine.config, f.store, f.archive, clock.New(), tally.NewTestScope("", nil))
	e2.SetScheduler(sched)
	e2.SetStreams(streams)
	defer e2.Stop()

	require.NoError(e2.Restore())
	require.True(sched.added[mi.InfoHash()])

	reloaded, err := e2.Get(row.ID)
	require.NoError(err)
	require.Equal(metastore.TorrentStatusDownloading, reloaded.Status)

	// Allow async progress loop a beat before cleanup.
	time.Sleep(10 * time.Millisecond)
}

func TestAnnounceListenerPersistsTrackersAndPeers(t *testing.T) {
	require := require.New(t)

	f := newEngineFixture(t)
	defer f.cleanup()

	raw, mi := abcdeTorrent(t)
	row, err := f.engine.Ingest(raw)
	require.NoError(err)

	f.engine.AnnounceSuccess(mi.InfoHash(), "http://tracker/announce", &announceclient.Response{
		Peers: []*core.PeerInfo{
			{IP: "10.0.0.1", Port: 6881},
			{IP: "10.0.0.2", Port: 6882},
			{IP: "10.0.0.3", Port: 6883},
		},
		Interval: 1800 * time.Second,
		Seeders:  7,
		Leechers: 3,
	})

	trackers, err := f.store.GetTrackers(row.ID)
	require.NoError(err)
	require.Equal(metastore.TrackerStatusActive, trackers[0].Status)
	require.Equal(7, trackers[0].Seeders)
	require.Equal(3, trackers[0].Leechers)
	require.True(trackers[0].NextAnnounce.Valid)

	peers, err := f.store.GetPeers(row.ID)
	require.NoError(err)
	require.Len(peers, 3)

	f.engine.AnnounceFailure(mi.InfoHash(), "http://tracker/announce", context.DeadlineExceeded)
	trackers, err = f.store.GetTrackers(row.ID)
	require.NoError(err)
	require.Equal(metastore.TrackerStatusFailed, trackers[0].Status)
}

func TestStartUnknownTorrent(t *testing.T) {
	f := newEngineFixture(t)
	defer f.cleanup()

	require.Equal(t, ErrTorrentNotFound, f.engine.Start(42))
}

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
package scheduler

import (
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/streambit/streambit/core"
	"github.com/streambit/streambit/lib/torrent/scheduler/announcequeue"
	"github.com/streambit/streambit/lib/torrent/storage/filestorage"
	"github.com/streambit/streambit/lib/torrent/storage/piecereader"
	"github.com/streambit/streambit/tracker/announceclient"

	"github.com/stretchr/testify/require"
	"github.com/uber-go/tally"
)

// fakeAnnounceClient hands out a static peer list.
type fakeAnnounceClient struct {
	peers []*core.PeerInfo
}

func (c *fakeAnnounceClient) Announce(
	url string, req *announceclient.Request) (*announceclient.Response, error) {

	return &announceclient.Response{
		Peers:    c.peers,
		Interval: time.Second,
	}, nil
}

// completionListener signals torrent and piece completions.
type completionListener struct {
	NoopListener
	torrentComplete chan core.InfoHash
	pieceComplete   chan int
}

func newCompletionListener() *completionListener {
	return &completionListener{
		torrentComplete: make(chan core.InfoHash, 4),
		pieceComplete:   make(chan int, 1024),
	}
}

func (l *completionListener) TorrentComplete(h core.InfoHash) {
	l.torrentComplete <- h
}

func (l *completionListener) PieceComplete(h core.InfoHash, piece int) {
	l.pieceComplete <- piece
}

type testPeer struct {
	scheduler *scheduler
	archive   *filestorage.TorrentArchive
	listener  *completionListener
	addr      string
	cleanup   func()
}

func startTestPeer(t *testing.T, ac announceclient.Client) *testPeer {
	t.Helper()

	archive, cleanupArchive := filestorage.ArchiveFixture()

	pctx, err := NewPeerContext("127.0.0.1", 0)
	require.NoError(t, err)

	listener := newCompletionListener()

	config := Config{
		AnnounceTickInterval:    50 * time.Millisecond,
		DefaultAnnounceInterval: 100 * time.Millisecond,
	}
	s, err := newScheduler(config, archive, tally.NewTestScope("", nil), pctx, ac, listener)
	require.NoError(t, err)
	require.NoError(t, s.start(announcequeue.New()))

	_, port, err := net.SplitHostPort(s.listenerNet.Addr().String())
	require.NoError(t, err)

	cleanup := func() {
		s.Stop()
		cleanupArchive()
	}
	return &testPeer{s, archive, listener, "127.0.0.1:" + port, cleanup}
}

func TestSchedulerDownloadsTorrentFromSeeder(t *testing.T) {
	require := require.New(t)

	blob := core.BlobFixture(256)
	mi := core.MetaInfoFixture("blob", blob, 64, "http://tracker/announce")

	seeder := startTestPeer(t, announceclient.Disabled())
	defer seeder.cleanup()

	// Seed the blob into the seeder's archive.
	tor, err := seeder.archive.CreateTorrent(mi)
	require.NoError(err)
	for pi := 0; pi < mi.NumPieces(); pi++ {
		start := int64(pi) * 64
		end := start + mi.GetPieceLength(pi)
		require.NoError(tor.WritePiece(piecereader.NewBuffer(blob[start:end]), pi))
	}
	require.NoError(seeder.scheduler.AddTorrent(mi))

	leecher := startTestPeer(t, &fakeAnnounceClient{
		peers: []*core.PeerInfo{{IP: "127.0.0.1", Port: portOf(t, seeder.addr)}},
	})
	defer leecher.cleanup()

	require.NoError(leecher.scheduler.AddTorrent(mi))

	select {
	case h := <-leecher.listener.torrentComplete:
		require.Equal(mi.InfoHash(), h)
	case <-time.After(30 * time.Second):
		t.Fatal("timed out waiting for torrent completion")
	}

	ltor, err := leecher.archive.GetTorrent(mi.InfoHash())
	require.NoError(err)
	b, err := ltor.ReadRange(0, 256)
	require.NoError(err)
	require.Equal(blob, b)
}

func TestSchedulerStopTorrentUnregistersTorrent(t *testing.T) {
	require := require.New(t)

	mi := core.MetaInfoFixture("blob", core.BlobFixture(64), 16, "http://tracker/announce")

	p := startTestPeer(t, &fakeAnnounceClient{})
	defer p.cleanup()

	require.NoError(p.scheduler.AddTorrent(mi))
	require.NoError(p.scheduler.StopTorrent(mi.InfoHash()))

	// A second stop reports the torrent as gone.
	require.Equal(ErrTorrentNotFound, p.scheduler.StopTorrent(mi.InfoHash()))
}

func TestSchedulerPinUnknownTorrent(t *testing.T) {
	p := startTestPeer(t, &fakeAnnounceClient{})
	defer p.cleanup()

	var h core.InfoHash
	require.Equal(t, ErrTorrentNotFound, p.scheduler.Pin(h, 0, 0))
}

func TestSchedulerProbe(t *testing.T) {
	p := startTestPeer(t, &fakeAnnounceClient{})
	defer p.cleanup()

	require.NoError(t, p.scheduler.Probe())
}

func portOf(t *testing.T, addr string) int {
	t.Helper()
	_, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return port
}

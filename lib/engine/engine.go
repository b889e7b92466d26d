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

// Package engine composes the torrent subsystems: it ingests metainfo,
// persists domain state, drives the peer-wire scheduler, and feeds piece
// completions to the streaming layer.
package engine

import (
	"database/sql"
	"errors"
	"fmt"
	"io/ioutil"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/streambit/streambit/core"
	"github.com/streambit/streambit/lib/metastore"
	"github.com/streambit/streambit/lib/streaming"
	"github.com/streambit/streambit/lib/torrent/scheduler"
	"github.com/streambit/streambit/lib/torrent/scheduler/dispatch/piecerequest"
	"github.com/streambit/streambit/lib/torrent/storage"
	"github.com/streambit/streambit/tracker/announceclient"
	"github.com/streambit/streambit/utils/log"
	"github.com/streambit/streambit/utils/osutil"

	"github.com/andres-erbsen/clock"
	"github.com/uber-go/tally"
	"go.uber.org/zap"
)

// Engine errors surfaced to API callers.
var (
	ErrTorrentNotFound  = errors.New("torrent not found")
	ErrDuplicateTorrent = errors.New("torrent already exists")
	ErrNotActive        = errors.New("torrent is not active")
)

// torrentEntry caches in-memory state for a known torrent.
type torrentEntry struct {
	id     int64
	mi     *core.MetaInfo
	active bool
}

// Engine orchestrates the lifecycle of every torrent: parse, persist,
// announce, download, stream.
type Engine struct {
	config  Config
	store   *metastore.Store
	archive storage.TorrentArchive
	sched   scheduler.Scheduler
	streams *streaming.Manager
	clk     clock.Clock
	stats   tally.Scope
	logger  *zap.SugaredLogger

	mu      sync.Mutex
	entries map[core.InfoHash]*torrentEntry

	stopOnce sync.Once
	done     chan struct{}
}

// New creates a new Engine and starts its progress loop. The returned
// engine implements scheduler.Listener and streaming.PiecePinner; wire it
// into the scheduler and streaming constructors, then inject both via
// SetScheduler / SetStreams.
func New(
	config Config,
	store *metastore.Store,
	archive storage.TorrentArchive,
	clk clock.Clock,
	stats tally.Scope) *Engine {

	config = config.applyDefaults()

	stats = stats.Tagged(map[string]string{
		"module": "engine",
	})

	e := &Engine{
		config:  config,
		store:   store,
		archive: archive,
		clk:     clk,
		stats:   stats,
		logger:  log.Default(),
		entries: make(map[core.InfoHash]*torrentEntry),
		done:    make(chan struct{}),
	}
	go e.progressLoop()
	return e
}

// SetScheduler injects the scheduler. Split from the constructor because
// the scheduler itself is constructed with the engine as its listener.
func (e *Engine) SetScheduler(sched scheduler.Scheduler) {
	e.sched = sched
}

// SetStreams injects the stream session manager, which is constructed with
// the engine as its piece pinner.
func (e *Engine) SetStreams(streams *streaming.Manager) {
	e.streams = streams
}

// Pin implements streaming.PiecePinner by delegating to the scheduler.
func (e *Engine) Pin(h core.InfoHash, piece int, priority piecerequest.Priority) error {
	return e.sched.Pin(h, piece, priority)
}

// Unpin implements streaming.PiecePinner by delegating to the scheduler.
func (e *Engine) Unpin(h core.InfoHash, piece int) error {
	return e.sched.Unpin(h, piece)
}

// Stop terminates the progress loop.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.done) })
}

// Ingest parses raw torrent file bytes and persists the torrent, its
// pieces, file table, and trackers. Duplicate info hashes are rejected.
func (e *Engine) Ingest(raw []byte) (*metastore.Torrent, error) {
	mi, err := core.ParseMetaInfo(raw)
	if err != nil {
		return nil, err
	}
	h := mi.InfoHash()

	pieceHashes := make([]string, mi.NumPieces())
	for i := range pieceHashes {
		sum := mi.PieceHash(i)
		pieceHashes[i] = fmt.Sprintf("%x", sum[:])
	}
	var files []metastore.TorrentFile
	for _, f := range mi.Files() {
		files = append(files, metastore.TorrentFile{
			Path:   f.Path,
			Length: f.Length,
			Offset: f.Offset,
		})
	}
	var trackers []metastore.Tracker
	for tier, urls := range mi.AnnounceTiers() {
		for _, u := range urls {
			trackers = append(trackers, metastore.Tracker{
				URL:    u,
				Tier:   tier,
				Status: metastore.TrackerStatusActive,
			})
		}
	}

	row := &metastore.Torrent{
		InfoHash:    h.Hex(),
		Name:        mi.Name(),
		TotalSize:   mi.Length(),
		PieceLength: mi.PieceLength(),
		PieceCount:  mi.NumPieces(),
		Status:      metastore.TorrentStatusParsing,
	}
	if err := e.store.CreateTorrent(row, pieceHashes, files, trackers); err != nil {
		if err == metastore.ErrDuplicate {
			return nil, ErrDuplicateTorrent
		}
		return nil, fmt.Errorf("persist torrent: %s", err)
	}

	if err := e.saveTorrentFile(h, raw); err != nil {
		return nil, fmt.Errorf("save torrent file: %s", err)
	}

	e.mu.Lock()
	e.entries[h] = &torrentEntry{id: row.ID, mi: mi}
	e.mu.Unlock()

	e.stats.Counter("ingested_torrents").Inc(1)
	e.log("hash", h).Infof("Ingested torrent %s (%d pieces)", mi.Name(), mi.NumPieces())
	return row, nil
}

// Start transitions a torrent into the connecting / downloading states:
// the scheduler begins announcing and opening peer sessions.
func (e *Engine) Start(id int64) error {
	row, entry, err := e.lookup(id)
	if err != nil {
		return err
	}
	if entry.active {
		return nil
	}
	if err := e.store.UpdateTorrentStatus(id, metastore.TorrentStatusConnecting, ""); err != nil {
		return fmt.Errorf("update status: %s", err)
	}
	if err := e.sched.AddTorrent(entry.mi); err != nil {
		e.store.UpdateTorrentStatus(id, metastore.TorrentStatusError, err.Error())
		return fmt.Errorf("schedule torrent: %s", err)
	}
	e.mu.Lock()
	entry.active = true
	e.mu.Unlock()

	status := metastore.TorrentStatusDownloading
	if row.Progress >= 1.0 {
		status = metastore.TorrentStatusSeeding
	}
	return e.store.UpdateTorrentStatus(id, status, "")
}

// Pause stops announcing and downloading while retaining all persisted
// state and data.
func (e *Engine) Pause(id int64) error {
	_, entry, err := e.lookup(id)
	if err != nil {
		return err
	}
	if !entry.active {
		return ErrNotActive
	}
	if err := e.sched.StopTorrent(entry.mi.InfoHash()); err != nil &&
		err != scheduler.ErrTorrentNotFound {
		return fmt.Errorf("stop torrent: %s", err)
	}
	e.mu.Lock()
	entry.active = false
	e.mu.Unlock()
	return e.store.UpdateTorrentStatus(id, metastore.TorrentStatusPaused, "")
}

// Resume restarts a paused torrent, announcing with a fresh started event.
func (e *Engine) Resume(id int64) error {
	return e.Start(id)
}

// Remove stops the torrent and deletes its persisted rows and downloaded
// data.
func (e *Engine) Remove(id int64) error {
	_, entry, err := e.lookup(id)
	if err != nil {
		return err
	}
	h := entry.mi.InfoHash()
	if entry.active {
		if err := e.sched.RemoveTorrent(h); err != nil && err != scheduler.ErrTorrentNotFound {
			return fmt.Errorf("remove torrent: %s", err)
		}
	} else {
		if err := e.archive.DeleteTorrent(h); err != nil && err != storage.ErrNotFound {
			return fmt.Errorf("delete torrent data: %s", err)
		}
	}
	os.Remove(e.torrentFilePath(h))

	e.mu.Lock()
	delete(e.entries, h)
	e.mu.Unlock()

	return e.store.DeleteTorrent(entry.id)
}

// Get returns the persisted torrent of id.
func (e *Engine) Get(id int64) (*metastore.Torrent, error) {
	row, err := e.store.GetTorrent(id)
	if err == metastore.ErrNotFound {
		return nil, ErrTorrentNotFound
	}
	return row, err
}

// List returns all persisted torrents.
func (e *Engine) List() ([]*metastore.Torrent, error) {
	return e.store.ListTorrents()
}

// Files returns the file table of torrent id.
func (e *Engine) Files(id int64) ([]*metastore.TorrentFile, error) {
	if _, _, err := e.lookup(id); err != nil {
		return nil, err
	}
	return e.store.GetFiles(id)
}

// StreamableFiles returns the files of torrent id whose mime types are
// video or audio.
func (e *Engine) StreamableFiles(id int64) ([]*metastore.TorrentFile, error) {
	files, err := e.Files(id)
	if err != nil {
		return nil, err
	}
	var streamable []*metastore.TorrentFile
	for _, f := range files {
		mt := streaming.MimeType(f.Path)
		if strings.HasPrefix(mt, "video/") || strings.HasPrefix(mt, "audio/") {
			streamable = append(streamable, f)
		}
	}
	return streamable, nil
}

// CreateStream opens a stream session on file fileIndex of torrent id. The
// torrent must have been started so its backing storage is open.
func (e *Engine) CreateStream(id int64, fileIndex int) (*streaming.SessionInfo, error) {
	_, entry, err := e.lookup(id)
	if err != nil {
		return nil, err
	}
	t, err := e.archive.GetTorrent(entry.mi.InfoHash())
	if err != nil {
		if err == storage.ErrNotFound {
			return nil, ErrNotActive
		}
		return nil, err
	}
	return e.streams.CreateSession(t, fileIndex)
}

// Streams exposes the stream session manager.
func (e *Engine) Streams() *streaming.Manager {
	return e.streams
}

// Restore re-activates all torrents which were running at last shutdown.
func (e *Engine) Restore() error {
	rows, err := e.store.ListTorrents()
	if err != nil {
		return fmt.Errorf("list torrents: %s", err)
	}
	for _, row := range rows {
		h, err := core.NewInfoHashFromHex(row.InfoHash)
		if err != nil {
			return fmt.Errorf("parse info hash: %s", err)
		}
		raw, err := ioutil.ReadFile(e.torrentFilePath(h))
		if err != nil {
			e.log("hash", h).Errorf("Error restoring torrent file: %s", err)
			e.store.UpdateTorrentStatus(row.ID, metastore.TorrentStatusError, "torrent file missing")
			continue
		}
		mi, err := core.ParseMetaInfo(raw)
		if err != nil {
			return fmt.Errorf("parse metainfo: %s", err)
		}
		e.mu.Lock()
		e.entries[h] = &torrentEntry{id: row.ID, mi: mi}
		e.mu.Unlock()

		switch row.Status {
		case metastore.TorrentStatusConnecting,
			metastore.TorrentStatusDownloading,
			metastore.TorrentStatusSeeding,
			metastore.TorrentStatusCompleted:
			if err := e.Start(row.ID); err != nil {
				e.log("hash", h).Errorf("Error restoring torrent: %s", err)
			}
		}
	}
	return nil
}

// TorrentComplete implements scheduler.Listener. Fired once the final
// piece verifies.
func (e *Engine) TorrentComplete(h core.InfoHash) {
	entry, ok := e.entry(h)
	if !ok {
		return
	}
	if err := e.store.UpdateTorrentProgress(entry.id, 1.0); err != nil {
		e.log("hash", h).Errorf("Error persisting progress: %s", err)
	}
	if err := e.store.UpdateTorrentStatus(
		entry.id, metastore.TorrentStatusCompleted, ""); err != nil {
		e.log("hash", h).Errorf("Error persisting status: %s", err)
	}
	e.log("hash", h).Info("Torrent complete")
}

// PieceComplete implements scheduler.Listener: persists the verified piece
// and wakes blocked streaming reads.
func (e *Engine) PieceComplete(h core.InfoHash, piece int) {
	if entry, ok := e.entry(h); ok {
		if err := e.store.MarkPieceVerified(entry.id, piece); err != nil {
			e.log("hash", h, "piece", piece).Errorf("Error persisting piece: %s", err)
		}
	}
	if e.streams != nil {
		e.streams.PieceComplete(h, piece)
	}
}

// AnnounceSuccess implements scheduler.Listener: records tracker state and
// upserts the returned peers.
func (e *Engine) AnnounceSuccess(
	h core.InfoHash, url string, resp *announceclient.Response) {

	entry, ok := e.entry(h)
	if !ok {
		return
	}
	if err := e.store.RecordAnnounceSuccess(
		entry.id, url, resp.Interval, resp.Seeders, resp.Leechers); err != nil {
		e.log("hash", h, "url", url).Errorf("Error recording announce: %s", err)
	}
	for _, p := range resp.Peers {
		peer := &metastore.Peer{
			TorrentID: entry.id,
			IP:        p.IP,
			Port:      p.Port,
			Status:    metastore.PeerStatusDisconnected,
		}
		if err := e.store.UpsertPeer(peer); err != nil {
			e.log("hash", h).Errorf("Error upserting peer %s: %s", p.Addr(), err)
		}
	}
}

// AnnounceFailure implements scheduler.Listener.
func (e *Engine) AnnounceFailure(h core.InfoHash, url string, err error) {
	entry, ok := e.entry(h)
	if !ok {
		return
	}
	if serr := e.store.RecordAnnounceFailure(entry.id, url); serr != nil {
		e.log("hash", h, "url", url).Errorf("Error recording announce failure: %s", serr)
	}
}

// PeerConnected implements scheduler.Listener.
func (e *Engine) PeerConnected(h core.InfoHash, peerID core.PeerID, addr string) {
	entry, ok := e.entry(h)
	if !ok {
		return
	}
	ip, port := splitAddr(addr)
	peer := &metastore.Peer{
		TorrentID: entry.id,
		IP:        ip,
		Port:      port,
		PeerID:    nullString(peerID.String()),
		Status:    metastore.PeerStatusConnected,
	}
	if err := e.store.UpsertPeer(peer); err != nil {
		e.log("hash", h).Errorf("Error upserting connected peer: %s", err)
	}
}

// PeerDisconnected implements scheduler.Listener.
func (e *Engine) PeerDisconnected(h core.InfoHash, peerID core.PeerID) {
	e.updatePeerStatusByID(h, peerID, metastore.PeerStatusDisconnected)
}

// PeerBanned implements scheduler.Listener.
func (e *Engine) PeerBanned(h core.InfoHash, peerID core.PeerID) {
	e.updatePeerStatusByID(h, peerID, metastore.PeerStatusBanned)
}

func (e *Engine) updatePeerStatusByID(h core.InfoHash, peerID core.PeerID, status string) {
	entry, ok := e.entry(h)
	if !ok {
		return
	}
	if err := e.store.UpdatePeerStatusByPeerID(entry.id, peerID.String(), status); err != nil &&
		err != metastore.ErrNotFound {
		e.log("hash", h, "peer", peerID).Errorf("Error updating peer status: %s", err)
	}
}

// progressLoop periodically recomputes and persists the progress of every
// active torrent.
func (e *Engine) progressLoop() {
	ticker := e.clk.Ticker(e.config.ProgressInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.done:
			return
		case <-ticker.C:
			e.persistProgress()
		}
	}
}

func (e *Engine) persistProgress() {
	e.mu.Lock()
	var active []*torrentEntry
	for _, entry := range e.entries {
		if entry.active {
			active = append(active, entry)
		}
	}
	e.mu.Unlock()

	for _, entry := range active {
		verified, err := e.store.CountVerifiedPieces(entry.id)
		if err != nil {
			e.log().Errorf("Error counting verified pieces: %s", err)
			continue
		}
		progress := float64(verified) / float64(entry.mi.NumPieces())
		if err := e.store.UpdateTorrentProgress(entry.id, progress); err != nil {
			e.log().Errorf("Error persisting progress: %s", err)
		}
	}
}

func (e *Engine) lookup(id int64) (*metastore.Torrent, *torrentEntry, error) {
	row, err := e.store.GetTorrent(id)
	if err != nil {
		if err == metastore.ErrNotFound {
			return nil, nil, ErrTorrentNotFound
		}
		return nil, nil, err
	}
	h, err := core.NewInfoHashFromHex(row.InfoHash)
	if err != nil {
		return nil, nil, fmt.Errorf("parse info hash: %s", err)
	}
	entry, ok := e.entry(h)
	if !ok {
		return nil, nil, ErrTorrentNotFound
	}
	return row, entry, nil
}

func (e *Engine) entry(h core.InfoHash) (*torrentEntry, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	entry, ok := e.entries[h]
	return entry, ok
}

func (e *Engine) torrentFilePath(h core.InfoHash) string {
	return filepath.Join(e.config.TorrentDir, h.Hex()+".torrent")
}

func (e *Engine) saveTorrentFile(h core.InfoHash, raw []byte) error {
	path := e.torrentFilePath(h)
	if err := osutil.EnsureFilePresent(path, 0775); err != nil {
		return err
	}
	return ioutil.WriteFile(path, raw, 0664)
}

func splitAddr(addr string) (string, int) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return addr, 0
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return host, 0
	}
	return host, port
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func (e *Engine) log(args ...interface{}) *zap.SugaredLogger {
	return e.logger.With(args...)
}

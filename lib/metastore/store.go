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

// Package metastore persists torrent domain state -- torrents, pieces,
// trackers, peers and file tables -- in the embedded SQLite database.
// Callers receive owned value copies; mutations are expressed as writes of
// the mutated value.
package metastore

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// ErrNotFound occurs when a queried row does not exist.
var ErrNotFound = errors.New("metastore: not found")

// ErrDuplicate occurs when a unique constraint rejects a write.
var ErrDuplicate = errors.New("metastore: duplicate entry")

// Store exposes repositories for the torrent domain over a shared database
// handle.
type Store struct {
	db *sqlx.DB
}

// New creates a new Store.
func New(db *sqlx.DB) *Store {
	return &Store{db}
}

// CreateTorrent inserts t along with its pieces, files and trackers in one
// transaction. Returns ErrDuplicate if a torrent with the same info hash
// exists. On success, t.ID is populated.
func (s *Store) CreateTorrent(
	t *Torrent, pieceHashes []string, files []TorrentFile, trackers []Tracker) error {

	var exists int
	if err := s.db.Get(
		&exists, `SELECT COUNT(*) FROM torrents WHERE info_hash = ?`, t.InfoHash); err != nil {
		return fmt.Errorf("query torrent: %s", err)
	}
	if exists > 0 {
		return ErrDuplicate
	}

	tx, err := s.db.Beginx()
	if err != nil {
		return fmt.Errorf("begin tx: %s", err)
	}
	defer tx.Rollback()

	now := time.Now()
	t.CreatedAt = now
	t.UpdatedAt = now
	res, err := tx.Exec(`
		INSERT INTO torrents (
			info_hash, name, total_size, piece_length, piece_count,
			file_path, status, error_message, progress, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.InfoHash, t.Name, t.TotalSize, t.PieceLength, t.PieceCount,
		t.FilePath, t.Status, t.ErrorMessage, t.Progress, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert torrent: %s", err)
	}
	t.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("last insert id: %s", err)
	}

	for i, hash := range pieceHashes {
		if _, err := tx.Exec(`
			INSERT INTO pieces (torrent_id, piece_index, hash, downloaded, verified)
			VALUES (?, ?, ?, 0, 0)`,
			t.ID, i, hash); err != nil {
			return fmt.Errorf("insert piece %d: %s", i, err)
		}
	}
	for _, f := range files {
		if _, err := tx.Exec(`
			INSERT INTO torrent_files (torrent_id, path, length, file_offset)
			VALUES (?, ?, ?, ?)`,
			t.ID, f.Path, f.Length, f.Offset); err != nil {
			return fmt.Errorf("insert file %s: %s", f.Path, err)
		}
	}
	for _, tr := range trackers {
		if _, err := tx.Exec(`
			INSERT INTO trackers (torrent_id, url, tier, status)
			VALUES (?, ?, ?, ?)`,
			t.ID, tr.URL, tr.Tier, tr.Status); err != nil {
			return fmt.Errorf("insert tracker %s: %s", tr.URL, err)
		}
	}
	return tx.Commit()
}

// GetTorrent returns the torrent of id.
func (s *Store) GetTorrent(id int64) (*Torrent, error) {
	var t Torrent
	if err := s.db.Get(&t, `SELECT * FROM torrents WHERE id = ?`, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &t, nil
}

// GetTorrentByHash returns the torrent with the given hex info hash.
func (s *Store) GetTorrentByHash(infoHash string) (*Torrent, error) {
	var t Torrent
	if err := s.db.Get(&t, `SELECT * FROM torrents WHERE info_hash = ?`, infoHash); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &t, nil
}

// ListTorrents returns all torrents, most recently created first.
func (s *Store) ListTorrents() ([]*Torrent, error) {
	var ts []*Torrent
	if err := s.db.Select(&ts, `SELECT * FROM torrents ORDER BY created_at DESC, id DESC`); err != nil {
		return nil, err
	}
	return ts, nil
}

// UpdateTorrentStatus sets the status (and error message) of torrent id.
func (s *Store) UpdateTorrentStatus(id int64, status, errorMessage string) error {
	return s.execAffectingOne(`
		UPDATE torrents SET status = ?, error_message = ?, updated_at = ?
		WHERE id = ?`,
		status, errorMessage, time.Now(), id)
}

// UpdateTorrentProgress sets the download progress of torrent id.
func (s *Store) UpdateTorrentProgress(id int64, progress float64) error {
	return s.execAffectingOne(`
		UPDATE torrents SET progress = ?, updated_at = ? WHERE id = ?`,
		progress, time.Now(), id)
}

// DeleteTorrent removes the torrent of id. Pieces, files, trackers and
// peers cascade.
func (s *Store) DeleteTorrent(id int64) error {
	return s.execAffectingOne(`DELETE FROM torrents WHERE id = ?`, id)
}

// GetPieces returns all pieces of a torrent ordered by index.
func (s *Store) GetPieces(torrentID int64) ([]*Piece, error) {
	var ps []*Piece
	err := s.db.Select(
		&ps, `SELECT * FROM pieces WHERE torrent_id = ? ORDER BY piece_index ASC`, torrentID)
	if err != nil {
		return nil, err
	}
	return ps, nil
}

// VerifiedPieceIndexes returns the indexes of all verified pieces of a
// torrent.
func (s *Store) VerifiedPieceIndexes(torrentID int64) ([]int, error) {
	var idxs []int
	err := s.db.Select(&idxs, `
		SELECT piece_index FROM pieces
		WHERE torrent_id = ? AND verified = 1
		ORDER BY piece_index ASC`, torrentID)
	if err != nil {
		return nil, err
	}
	return idxs, nil
}

// MarkPieceDownloaded flags a piece as downloaded but not yet verified.
func (s *Store) MarkPieceDownloaded(torrentID int64, pieceIndex int) error {
	return s.execAffectingOne(`
		UPDATE pieces SET downloaded = 1
		WHERE torrent_id = ? AND piece_index = ?`,
		torrentID, pieceIndex)
}

// MarkPieceVerified flags a piece as downloaded and verified.
func (s *Store) MarkPieceVerified(torrentID int64, pieceIndex int) error {
	return s.execAffectingOne(`
		UPDATE pieces SET downloaded = 1, verified = 1
		WHERE torrent_id = ? AND piece_index = ?`,
		torrentID, pieceIndex)
}

// ResetPiece reverts a piece to missing, e.g. after a verification failure.
func (s *Store) ResetPiece(torrentID int64, pieceIndex int) error {
	return s.execAffectingOne(`
		UPDATE pieces SET downloaded = 0, verified = 0
		WHERE torrent_id = ? AND piece_index = ?`,
		torrentID, pieceIndex)
}

// CountVerifiedPieces returns how many pieces of a torrent are verified.
func (s *Store) CountVerifiedPieces(torrentID int64) (int, error) {
	var n int
	err := s.db.Get(
		&n, `SELECT COUNT(*) FROM pieces WHERE torrent_id = ? AND verified = 1`, torrentID)
	return n, err
}

// GetFiles returns the file table of a torrent in concatenation order.
func (s *Store) GetFiles(torrentID int64) ([]*TorrentFile, error) {
	var fs []*TorrentFile
	err := s.db.Select(
		&fs, `SELECT * FROM torrent_files WHERE torrent_id = ? ORDER BY file_offset ASC`, torrentID)
	if err != nil {
		return nil, err
	}
	return fs, nil
}

// GetTrackers returns all trackers of a torrent in tier order.
func (s *Store) GetTrackers(torrentID int64) ([]*Tracker, error) {
	var ts []*Tracker
	err := s.db.Select(
		&ts, `SELECT * FROM trackers WHERE torrent_id = ? ORDER BY tier ASC, id ASC`, torrentID)
	if err != nil {
		return nil, err
	}
	return ts, nil
}

// RecordAnnounceSuccess updates a tracker row after a successful announce.
func (s *Store) RecordAnnounceSuccess(
	torrentID int64, url string, interval time.Duration, seeders, leechers int) error {

	now := time.Now()
	return s.execAffectingOne(`
		UPDATE trackers
		SET status = ?, last_announce = ?, next_announce = ?, seeders = ?, leechers = ?
		WHERE torrent_id = ? AND url = ?`,
		TrackerStatusActive, now, now.Add(interval), seeders, leechers, torrentID, url)
}

// RecordAnnounceFailure marks a tracker Failed, retaining next_announce to
// rate-limit retries.
func (s *Store) RecordAnnounceFailure(torrentID int64, url string) error {
	now := time.Now()
	return s.execAffectingOne(`
		UPDATE trackers SET status = ?, last_announce = ?
		WHERE torrent_id = ? AND url = ?`,
		TrackerStatusFailed, now, torrentID, url)
}

// UpsertPeer records a peer observation keyed on (torrent, ip, port).
func (s *Store) UpsertPeer(p *Peer) error {
	p.LastSeen = time.Now()
	_, err := s.db.Exec(`
		INSERT INTO peers (torrent_id, ip, port, peer_id, status, last_seen)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (torrent_id, ip, port)
		DO UPDATE SET peer_id = excluded.peer_id, status = excluded.status,
			last_seen = excluded.last_seen`,
		p.TorrentID, p.IP, p.Port, p.PeerID, p.Status, p.LastSeen)
	return err
}

// UpdatePeerStatusByPeerID sets the status of the peer with the given
// remote peer id.
func (s *Store) UpdatePeerStatusByPeerID(torrentID int64, peerID, status string) error {
	return s.execAffectingOne(`
		UPDATE peers SET status = ?, last_seen = ?
		WHERE torrent_id = ? AND peer_id = ?`,
		status, time.Now(), torrentID, peerID)
}

// UpdatePeerStatus sets the status of the peer at (torrentID, ip, port).
func (s *Store) UpdatePeerStatus(torrentID int64, ip string, port int, status string) error {
	return s.execAffectingOne(`
		UPDATE peers SET status = ?, last_seen = ?
		WHERE torrent_id = ? AND ip = ? AND port = ?`,
		status, time.Now(), torrentID, ip, port)
}

// GetPeers returns all peer observations of a torrent.
func (s *Store) GetPeers(torrentID int64) ([]*Peer, error) {
	var ps []*Peer
	err := s.db.Select(
		&ps, `SELECT * FROM peers WHERE torrent_id = ? ORDER BY last_seen DESC`, torrentID)
	if err != nil {
		return nil, err
	}
	return ps, nil
}

func (s *Store) execAffectingOne(query string, args ...interface{}) error {
	res, err := s.db.Exec(query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

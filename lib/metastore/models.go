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
package metastore

import (
	"database/sql"
	"time"
)

// Torrent lifecycle statuses.
const (
	TorrentStatusParsing     = "parsing"
	TorrentStatusConnecting  = "connecting"
	TorrentStatusDownloading = "downloading"
	TorrentStatusSeeding     = "seeding"
	TorrentStatusPaused      = "paused"
	TorrentStatusCompleted   = "completed"
	TorrentStatusError       = "error"
)

// Tracker statuses.
const (
	TrackerStatusActive   = "active"
	TrackerStatusFailed   = "failed"
	TrackerStatusDisabled = "disabled"
)

// Peer statuses.
const (
	PeerStatusDisconnected = "disconnected"
	PeerStatusConnecting   = "connecting"
	PeerStatusConnected    = "connected"
	PeerStatusBanned       = "banned"
)

// Torrent is a persisted torrent row.
type Torrent struct {
	ID           int64          `db:"id"`
	InfoHash     string         `db:"info_hash"`
	Name         string         `db:"name"`
	TotalSize    int64          `db:"total_size"`
	PieceLength  int64          `db:"piece_length"`
	PieceCount   int            `db:"piece_count"`
	FilePath     sql.NullString `db:"file_path"`
	Status       string         `db:"status"`
	ErrorMessage string         `db:"error_message"`
	Progress     float64        `db:"progress"`
	CreatedAt    time.Time      `db:"created_at"`
	UpdatedAt    time.Time      `db:"updated_at"`
}

// TorrentFile is a persisted file-table entry of a torrent. Offset is the
// position of the file's first byte within the torrent's logical byte
// array.
type TorrentFile struct {
	ID        int64  `db:"id"`
	TorrentID int64  `db:"torrent_id"`
	Path      string `db:"path"`
	Length    int64  `db:"length"`
	Offset    int64  `db:"file_offset"`
}

// Piece is a persisted piece row. The verified flag implies downloaded.
type Piece struct {
	ID         int64  `db:"id"`
	TorrentID  int64  `db:"torrent_id"`
	PieceIndex int    `db:"piece_index"`
	Hash       string `db:"hash"`
	Downloaded bool   `db:"downloaded"`
	Verified   bool   `db:"verified"`
}

// Tracker is a persisted tracker row of a torrent.
type Tracker struct {
	ID           int64        `db:"id"`
	TorrentID    int64        `db:"torrent_id"`
	URL          string       `db:"url"`
	Tier         int          `db:"tier"`
	Status       string       `db:"status"`
	LastAnnounce sql.NullTime `db:"last_announce"`
	NextAnnounce sql.NullTime `db:"next_announce"`
	Seeders      int          `db:"seeders"`
	Leechers     int          `db:"leechers"`
	Completed    int          `db:"completed"`
}

// Peer is a persisted peer observation.
type Peer struct {
	ID        int64          `db:"id"`
	TorrentID int64          `db:"torrent_id"`
	IP        string         `db:"ip"`
	Port      int            `db:"port"`
	PeerID    sql.NullString `db:"peer_id"`
	Status    string         `db:"status"`
	LastSeen  time.Time      `db:"last_seen"`
}

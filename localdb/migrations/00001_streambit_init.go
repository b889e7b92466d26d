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
package migrations

import (
	"database/sql"

	"github.com/pressly/goose"
)

func init() {
	goose.AddMigration(up00001, down00001)
}

func up00001(tx *sql.Tx) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS torrents (
			id            integer PRIMARY KEY AUTOINCREMENT,
			info_hash     text      NOT NULL UNIQUE,
			name          text      NOT NULL,
			total_size    integer   NOT NULL,
			piece_length  integer   NOT NULL,
			piece_count   integer   NOT NULL,
			file_path     text,
			status        text      NOT NULL,
			error_message text      NOT NULL DEFAULT '',
			progress      real      NOT NULL DEFAULT 0,
			created_at    timestamp NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at    timestamp NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS torrent_files (
			id         integer PRIMARY KEY AUTOINCREMENT,
			torrent_id integer NOT NULL REFERENCES torrents (id) ON DELETE CASCADE,
			path        text    NOT NULL,
			length      integer NOT NULL,
			file_offset integer NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS pieces (
			id          integer PRIMARY KEY AUTOINCREMENT,
			torrent_id  integer NOT NULL REFERENCES torrents (id) ON DELETE CASCADE,
			piece_index integer NOT NULL,
			hash        text    NOT NULL,
			downloaded  bool    NOT NULL DEFAULT 0,
			verified    bool    NOT NULL DEFAULT 0,
			UNIQUE (torrent_id, piece_index)
		);`,
		`CREATE TABLE IF NOT EXISTS trackers (
			id            integer PRIMARY KEY AUTOINCREMENT,
			torrent_id    integer NOT NULL REFERENCES torrents (id) ON DELETE CASCADE,
			url           text    NOT NULL,
			tier          integer NOT NULL DEFAULT 0,
			status        text    NOT NULL,
			last_announce timestamp,
			next_announce timestamp,
			seeders       integer NOT NULL DEFAULT 0,
			leechers      integer NOT NULL DEFAULT 0,
			completed     integer NOT NULL DEFAULT 0,
			UNIQUE (torrent_id, url)
		);`,
		`CREATE TABLE IF NOT EXISTS peers (
			id         integer PRIMARY KEY AUTOINCREMENT,
			torrent_id integer NOT NULL REFERENCES torrents (id) ON DELETE CASCADE,
			ip         text    NOT NULL,
			port       integer NOT NULL,
			peer_id    text,
			status     text    NOT NULL,
			last_seen  timestamp NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE (torrent_id, ip, port)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_pieces_torrent_verified
			ON pieces (torrent_id, verified);`,
		`CREATE INDEX IF NOT EXISTS idx_peers_torrent_status
			ON peers (torrent_id, status);`,
	}
	for _, stmt := range stmts {
		if _, err := tx.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func down00001(tx *sql.Tx) error {
	for _, table := range []string{"peers", "trackers", "pieces", "torrent_files", "torrents"} {
		if _, err := tx.Exec("DROP TABLE " + table + ";"); err != nil {
			return err
		}
	}
	return nil
}

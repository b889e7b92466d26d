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
	"io/ioutil"
	"os"
	"path/filepath"

	"github.com/streambit/streambit/localdb"
)

// StoreFixture returns a Store backed by a temp SQLite database, plus
// cleanup.
func StoreFixture() (*Store, func()) {
	dir, err := ioutil.TempDir("", "streambit-metastore-test-")
	if err != nil {
		panic(err)
	}
	db, err := localdb.New(localdb.Config{Source: filepath.Join(dir, "test.db")})
	if err != nil {
		os.RemoveAll(dir)
		panic(err)
	}
	cleanup := func() {
		db.Close()
		os.RemoveAll(dir)
	}
	return New(db), cleanup
}

// TorrentFixture returns an unsaved Torrent row.
func TorrentFixture(infoHash string) *Torrent {
	return &Torrent{
		InfoHash:    infoHash,
		Name:        "test.mp4",
		TotalSize:   256,
		PieceLength: 64,
		PieceCount:  4,
		Status:      TorrentStatusParsing,
	}
}

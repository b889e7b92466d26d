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
package filestorage

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/streambit/streambit/core"
	"github.com/streambit/streambit/lib/torrent/storage"
	"github.com/streambit/streambit/utils/osutil"
)

// TorrentArchive is a storage.TorrentArchive for disk-backed torrents. Each
// torrent's backing files are opened once and shared between all readers and
// writers.
type TorrentArchive struct {
	config Config

	mu       sync.Mutex
	torrents map[core.InfoHash]*Torrent
}

// NewTorrentArchive creates a new TorrentArchive.
func NewTorrentArchive(config Config) *TorrentArchive {
	return &TorrentArchive{
		config:   config.applyDefaults(),
		torrents: make(map[core.InfoHash]*Torrent),
	}
}

// Stat returns torrent info for h. Returns storage.ErrNotFound if the
// torrent has not been created.
func (a *TorrentArchive) Stat(h core.InfoHash) (*storage.TorrentInfo, error) {
	t, err := a.GetTorrent(h)
	if err != nil {
		return nil, err
	}
	return t.Stat(), nil
}

// CreateTorrent opens the torrent for mi, initializing backing files if
// they do not exist. Idempotent: the same Torrent instance is returned for
// repeated calls.
func (a *TorrentArchive) CreateTorrent(mi *core.MetaInfo) (storage.Torrent, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if t, ok := a.torrents[mi.InfoHash()]; ok {
		return t, nil
	}
	t, err := NewTorrent(a.config, mi)
	if err != nil {
		return nil, err
	}
	a.torrents[mi.InfoHash()] = t
	return t, nil
}

// GetTorrent returns the open torrent for h. Returns storage.ErrNotFound if
// the torrent has not been created.
func (a *TorrentArchive) GetTorrent(h core.InfoHash) (storage.Torrent, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	t, ok := a.torrents[h]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return t, nil
}

// DeleteTorrent closes the torrent for h and removes its backing files and
// status sidecar from disk.
func (a *TorrentArchive) DeleteTorrent(h core.InfoHash) error {
	a.mu.Lock()
	t, ok := a.torrents[h]
	delete(a.torrents, h)
	a.mu.Unlock()

	if !ok {
		return nil
	}
	t.Close()
	for _, bf := range t.files {
		if err := os.Remove(bf.path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove %s: %s", bf.path, err)
		}
	}
	statusPath := filepath.Join(a.config.DownloadDir, h.Hex()+_statusSuffix)
	if err := os.Remove(statusPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove status: %s", err)
	}
	return nil
}

// openBackingFiles opens every content file of mi for positional I/O,
// preallocating each to its final length.
func openBackingFiles(downloadDir string, mi *core.MetaInfo) ([]*backingFile, error) {
	var files []*backingFile
	for _, fi := range mi.Files() {
		path := filepath.Join(downloadDir, fi.Path)
		if err := osutil.EnsureFilePresent(path, 0775); err != nil {
			closeFiles(files)
			return nil, err
		}
		f, err := os.OpenFile(path, os.O_RDWR, 0775)
		if err != nil {
			closeFiles(files)
			return nil, fmt.Errorf("open %s: %s", path, err)
		}
		if info, err := f.Stat(); err == nil && info.Size() < fi.Length {
			if err := f.Truncate(fi.Length); err != nil {
				f.Close()
				closeFiles(files)
				return nil, fmt.Errorf("truncate %s: %s", path, err)
			}
		}
		files = append(files, &backingFile{
			path:   path,
			offset: fi.Offset,
			length: fi.Length,
			f:      f,
		})
	}
	return files, nil
}

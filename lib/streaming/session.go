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
	"mime"
	"path/filepath"
	"sync"
	"time"

	"github.com/streambit/streambit/core"
	"github.com/streambit/streambit/lib/torrent/storage"
)

// MimeType guesses the mime type of path from its extension, defaulting to
// application/octet-stream.
func MimeType(path string) string {
	mt := mime.TypeByExtension(filepath.Ext(path))
	if mt == "" {
		return "application/octet-stream"
	}
	return mt
}

// SessionInfo is an owned snapshot of a stream session, safe to serialize.
type SessionInfo struct {
	ID                string        `json:"session_id"`
	InfoHash          core.InfoHash `json:"-"`
	InfoHashHex       string        `json:"info_hash"`
	FileIndex         int           `json:"file_index"`
	FileName          string        `json:"file_name"`
	FileSize          int64         `json:"file_size"`
	MimeType          string        `json:"mime_type"`
	StartedAt         time.Time     `json:"started_at"`
	LastAccessed      time.Time     `json:"last_accessed"`
	BytesServed       int64         `json:"bytes_served"`
	CurrentReadOffset int64         `json:"current_read_offset"`
}

// session is the live state behind a SessionInfo.
type session struct {
	id        string
	torrent   storage.Torrent
	file      core.FileInfo
	fileIndex int
	mimeType  string
	startedAt time.Time

	mu           sync.Mutex
	lastAccessed time.Time
	bytesServed  int64
	readOffset   int64
	pinned       map[int]bool // High-priority window pins, for rebasing.

	wake     chan struct{} // Nudges the prefetcher.
	done     chan struct{} // Closed exactly once on session close.
	doneOnce sync.Once
}

func newSession(
	id string,
	torrent storage.Torrent,
	fileIndex int,
	file core.FileInfo,
	now time.Time) *session {

	return &session{
		id:           id,
		torrent:      torrent,
		file:         file,
		fileIndex:    fileIndex,
		mimeType:     MimeType(file.Path),
		startedAt:    now,
		lastAccessed: now,
		pinned:       make(map[int]bool),
		wake:         make(chan struct{}, 1),
		done:         make(chan struct{}),
	}
}

func (s *session) close() {
	s.doneOnce.Do(func() { close(s.done) })
}

func (s *session) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// nudge wakes the prefetcher without blocking.
func (s *session) nudge() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *session) touch(now time.Time, offset, served int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastAccessed = now
	s.readOffset = offset
	s.bytesServed += served
}

func (s *session) getLastAccessed() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastAccessed
}

func (s *session) getReadOffset() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readOffset
}

func (s *session) info() *SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return &SessionInfo{
		ID:                s.id,
		InfoHash:          s.torrent.InfoHash(),
		InfoHashHex:       s.torrent.InfoHash().Hex(),
		FileIndex:         s.fileIndex,
		FileName:          s.file.Path,
		FileSize:          s.file.Length,
		MimeType:          s.mimeType,
		StartedAt:         s.startedAt,
		LastAccessed:      s.lastAccessed,
		BytesServed:       s.bytesServed,
		CurrentReadOffset: s.readOffset,
	}
}

// pieceRange returns the inclusive piece span covering the file byte range
// [start, start+length) in torrent coordinates.
func (s *session) pieceRange(start, length int64) (first, last int) {
	abs := s.file.Offset + start
	pieceLength := s.torrent.MaxPieceLength()
	first = int(abs / pieceLength)
	if length <= 0 {
		return first, first
	}
	last = int((abs + length - 1) / pieceLength)
	return first, last
}

// lastFilePiece returns the index of the piece holding the file's final
// byte.
func (s *session) lastFilePiece() int {
	if s.file.Length == 0 {
		return int(s.file.Offset / s.torrent.MaxPieceLength())
	}
	return int((s.file.Offset + s.file.Length - 1) / s.torrent.MaxPieceLength())
}

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
package storage

import (
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/streambit/streambit/core"

	"github.com/willf/bitset"
)

// ErrNotFound occurs when a torrent is not found by a TorrentArchive.
var ErrNotFound = errors.New("torrent not found")

// ErrPieceComplete occurs when WritePiece is called for a piece which is
// already verified on disk. Clients should view this as a successful no-op.
var ErrPieceComplete = errors.New("piece is already complete")

// PieceVerificationError occurs when a piece payload does not hash to its
// expected SHA1 sum. The piece remains missing and must be re-requested.
type PieceVerificationError struct {
	Piece int
}

func (e PieceVerificationError) Error() string {
	return fmt.Sprintf("piece %d failed hash verification", e.Piece)
}

// IsPieceVerificationError returns true if err is a PieceVerificationError.
func IsPieceVerificationError(err error) bool {
	_, ok := err.(PieceVerificationError)
	return ok
}

// NotReadyError occurs when a range read touches pieces which are not yet
// verified. Missing holds the indexes of every needed piece, ascending.
type NotReadyError struct {
	Missing []int
}

func (e NotReadyError) Error() string {
	return fmt.Sprintf("pieces not ready: %v", e.Missing)
}

// IsNotReadyError returns the missing pieces if err is a NotReadyError.
func IsNotReadyError(err error) ([]int, bool) {
	nr, ok := err.(NotReadyError)
	if !ok {
		return nil, false
	}
	missing := append([]int(nil), nr.Missing...)
	sort.Ints(missing)
	return missing, true
}

// PieceReader defines operations for lazy piece readers.
type PieceReader interface {
	io.ReadCloser
	Length() int
}

// Torrent represents a read/write interface for a torrent's backing bytes.
type Torrent interface {
	Stat() *TorrentInfo
	NumPieces() int
	Length() int64
	PieceLength(piece int) int64
	MaxPieceLength() int64
	InfoHash() core.InfoHash
	Name() string
	Complete() bool
	BytesDownloaded() int64
	Bitfield() *bitset.BitSet
	String() string

	HasPiece(piece int) bool
	MissingPieces() []int

	WritePiece(src PieceReader, piece int) error
	GetPieceReader(piece int) (PieceReader, error)
	ReadRange(start, length int64) ([]byte, error)
}

// TorrentArchive creates and open torrents on the local disk.
type TorrentArchive interface {
	Stat(h core.InfoHash) (*TorrentInfo, error)
	CreateTorrent(mi *core.MetaInfo) (Torrent, error)
	GetTorrent(h core.InfoHash) (Torrent, error)
	DeleteTorrent(h core.InfoHash) error
}

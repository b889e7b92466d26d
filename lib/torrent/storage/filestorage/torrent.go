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
	"crypto/sha1"
	"fmt"
	"io"
	"io/ioutil"
	"os"
	"sort"

	"github.com/streambit/streambit/core"
	"github.com/streambit/streambit/lib/torrent/storage"
	"github.com/streambit/streambit/lib/torrent/storage/piecereader"

	"github.com/willf/bitset"
	"go.uber.org/atomic"
)

var errWritePieceConflict = fmt.Errorf("piece is already being written to")

// backingFile is a single content file of the torrent, opened once for
// positional I/O. offset/length describe its span within the torrent's
// logical byte array.
type backingFile struct {
	path   string
	offset int64
	length int64
	f      *os.File
}

// Torrent implements storage.Torrent on top of plain content files plus a
// piece status sidecar. It allows concurrent writes on distinct pieces and
// concurrent reads on all pieces. Behavior is undefined if multiple Torrent
// instances are backed by the same files.
type Torrent struct {
	metaInfo    *core.MetaInfo
	files       []*backingFile
	status      *statusFile
	pieces      []*piece
	numComplete *atomic.Int32
}

// NewTorrent opens (creating if necessary) the backing files for mi rooted
// at the download dir and restores piece statuses from the sidecar.
func NewTorrent(config Config, mi *core.MetaInfo) (*Torrent, error) {
	config = config.applyDefaults()

	files, err := openBackingFiles(config.DownloadDir, mi)
	if err != nil {
		return nil, fmt.Errorf("open backing files: %s", err)
	}
	status, err := openStatusFile(config.DownloadDir, mi)
	if err != nil {
		closeFiles(files)
		return nil, fmt.Errorf("open status file: %s", err)
	}
	pieces, numComplete := restorePieces(mi.NumPieces(), status.snapshot())

	return &Torrent{
		metaInfo:    mi,
		files:       files,
		status:      status,
		pieces:      pieces,
		numComplete: atomic.NewInt32(int32(numComplete)),
	}, nil
}

// Stat returns the storage.TorrentInfo for t.
func (t *Torrent) Stat() *storage.TorrentInfo {
	return storage.NewTorrentInfo(t.metaInfo, t.Bitfield())
}

// InfoHash returns the torrent metainfo hash.
func (t *Torrent) InfoHash() core.InfoHash {
	return t.metaInfo.InfoHash()
}

// Name returns the torrent display name.
func (t *Torrent) Name() string {
	return t.metaInfo.Name()
}

// NumPieces returns the number of pieces in the torrent.
func (t *Torrent) NumPieces() int {
	return len(t.pieces)
}

// Length returns the length of the torrent's logical byte array.
func (t *Torrent) Length() int64 {
	return t.metaInfo.Length()
}

// PieceLength returns the length of piece pi.
func (t *Torrent) PieceLength(pi int) int64 {
	return t.metaInfo.GetPieceLength(pi)
}

// MaxPieceLength returns the longest piece length of the torrent.
func (t *Torrent) MaxPieceLength() int64 {
	return t.metaInfo.PieceLength()
}

// Complete indicates whether every piece of the torrent is verified.
func (t *Torrent) Complete() bool {
	return int(t.numComplete.Load()) == len(t.pieces)
}

// BytesDownloaded returns an estimate of the number of bytes downloaded in
// the torrent.
func (t *Torrent) BytesDownloaded() int64 {
	n := int64(t.numComplete.Load()) * t.metaInfo.PieceLength()
	if n > t.metaInfo.Length() {
		return t.metaInfo.Length()
	}
	return n
}

// Bitfield returns the bitfield of verified pieces.
func (t *Torrent) Bitfield() *bitset.BitSet {
	bitfield := bitset.New(uint(len(t.pieces)))
	for i, p := range t.pieces {
		if p.complete() {
			bitfield.Set(uint(i))
		}
	}
	return bitfield
}

func (t *Torrent) String() string {
	downloaded := int(float64(t.BytesDownloaded()) / float64(t.metaInfo.Length()) * 100)
	return fmt.Sprintf(
		"torrent(name=%s, hash=%s, downloaded=%d%%)",
		t.Name(), t.InfoHash().Hex(), downloaded)
}

// HasPiece returns if piece pi is verified.
func (t *Torrent) HasPiece(pi int) bool {
	p, err := t.getPiece(pi)
	if err != nil {
		return false
	}
	return p.complete()
}

// MissingPieces returns the indexes of all missing pieces.
func (t *Torrent) MissingPieces() []int {
	var missing []int
	for i, p := range t.pieces {
		if !p.complete() {
			missing = append(missing, i)
		}
	}
	return missing
}

// WritePiece verifies src against the expected piece hash and writes it at
// piece pi. Payloads which fail verification are discarded and surface a
// storage.PieceVerificationError.
func (t *Torrent) WritePiece(src storage.PieceReader, pi int) error {
	p, err := t.getPiece(pi)
	if err != nil {
		return err
	}
	if int64(src.Length()) != t.PieceLength(pi) {
		return fmt.Errorf(
			"invalid piece length: expected %d, got %d", t.PieceLength(pi), src.Length())
	}

	// Exit quickly if the piece is not writable.
	if p.complete() {
		return storage.ErrPieceComplete
	}
	if p.dirty() {
		return errWritePieceConflict
	}

	dirty, complete := p.tryMarkDirty()
	if dirty {
		return errWritePieceConflict
	} else if complete {
		return storage.ErrPieceComplete
	}

	// At this point, we've determined that the piece is not complete and
	// ensured we are the only thread which may write the piece. We do not
	// block other threads from checking if the piece is writable.

	if err := t.writePiece(src, pi); err != nil {
		// Allow other threads to write this piece.
		p.markEmpty()
		return err
	}
	return nil
}

func (t *Torrent) writePiece(src storage.PieceReader, pi int) error {
	payload, err := ioutil.ReadAll(src)
	if err != nil {
		return fmt.Errorf("read piece payload: %s", err)
	}
	if sha1.Sum(payload) != t.metaInfo.PieceHash(pi) {
		return storage.PieceVerificationError{Piece: pi}
	}
	if err := t.writeAt(payload, t.pieceOffset(pi)); err != nil {
		return fmt.Errorf("write piece: %s", err)
	}
	if err := t.markPieceComplete(pi); err != nil {
		return fmt.Errorf("mark piece complete: %s", err)
	}
	return nil
}

// markPieceComplete must only be called once per piece.
func (t *Torrent) markPieceComplete(pi int) error {
	if err := t.status.setComplete(pi); err != nil {
		return fmt.Errorf("write piece status: %s", err)
	}
	t.pieces[pi].markComplete()
	t.numComplete.Inc()
	return nil
}

// GetPieceReader returns a reader for piece pi. Refuses unverified pieces.
func (t *Torrent) GetPieceReader(pi int) (storage.PieceReader, error) {
	p, err := t.getPiece(pi)
	if err != nil {
		return nil, err
	}
	if !p.complete() {
		return nil, storage.NotReadyError{Missing: []int{pi}}
	}
	start := t.pieceOffset(pi)
	length := t.PieceLength(pi)
	if bf := t.containingFile(start, length); bf != nil {
		return piecereader.NewFileReader(start-bf.offset, length, &opener{bf.path}), nil
	}
	// Piece straddles a file boundary; assemble it in memory.
	buf := make([]byte, length)
	if err := t.readAt(buf, start); err != nil {
		return nil, fmt.Errorf("read piece: %s", err)
	}
	return piecereader.NewBuffer(buf), nil
}

// ReadRange returns the bytes in [start, start+length) of the torrent's
// logical byte array. If any piece covering the range is unverified, returns
// a storage.NotReadyError listing every needed piece.
func (t *Torrent) ReadRange(start, length int64) ([]byte, error) {
	if start < 0 || length < 0 || start+length > t.Length() {
		return nil, fmt.Errorf(
			"range [%d, %d) out of bounds for length %d", start, start+length, t.Length())
	}
	if length == 0 {
		return nil, nil
	}
	firstPiece := int(start / t.metaInfo.PieceLength())
	lastPiece := int((start + length - 1) / t.metaInfo.PieceLength())

	var missing []int
	for pi := firstPiece; pi <= lastPiece; pi++ {
		if !t.pieces[pi].complete() {
			missing = append(missing, pi)
		}
	}
	if len(missing) > 0 {
		return nil, storage.NotReadyError{Missing: missing}
	}

	buf := make([]byte, length)
	if err := t.readAt(buf, start); err != nil {
		return nil, fmt.Errorf("read range: %s", err)
	}
	return buf, nil
}

// Close closes all backing files.
func (t *Torrent) Close() error {
	closeFiles(t.files)
	return t.status.Close()
}

func (t *Torrent) getPiece(pi int) (*piece, error) {
	if pi < 0 || pi >= len(t.pieces) {
		return nil, fmt.Errorf("invalid piece index %d: num pieces = %d", pi, len(t.pieces))
	}
	return t.pieces[pi], nil
}

// pieceOffset calculates the offset of piece pi in the torrent's logical
// byte array. Assumes pi is a valid piece index.
func (t *Torrent) pieceOffset(pi int) int64 {
	return t.metaInfo.PieceLength() * int64(pi)
}

// containingFile returns the single backing file containing [start,
// start+length), or nil if the span straddles a boundary.
func (t *Torrent) containingFile(start, length int64) *backingFile {
	i := sort.Search(len(t.files), func(i int) bool {
		return t.files[i].offset+t.files[i].length > start
	})
	if i == len(t.files) {
		return nil
	}
	bf := t.files[i]
	if start+length <= bf.offset+bf.length {
		return bf
	}
	return nil
}

// writeAt writes p at logical offset off, splitting the write across file
// boundaries.
func (t *Torrent) writeAt(p []byte, off int64) error {
	return t.span(int64(len(p)), off, func(bf *backingFile, fileOff, bufOff, n int64) error {
		_, err := bf.f.WriteAt(p[bufOff:bufOff+n], fileOff)
		return err
	})
}

// readAt fills p from logical offset off, splitting the read across file
// boundaries.
func (t *Torrent) readAt(p []byte, off int64) error {
	return t.span(int64(len(p)), off, func(bf *backingFile, fileOff, bufOff, n int64) error {
		_, err := io.ReadFull(io.NewSectionReader(bf.f, fileOff, n), p[bufOff:bufOff+n])
		return err
	})
}

// span visits each (file, file offset, buffer offset, n) chunk of a length
// byte operation starting at logical offset off.
func (t *Torrent) span(
	length, off int64, visit func(bf *backingFile, fileOff, bufOff, n int64) error) error {

	i := sort.Search(len(t.files), func(i int) bool {
		return t.files[i].offset+t.files[i].length > off
	})
	var done int64
	for ; done < length; i++ {
		if i >= len(t.files) {
			return fmt.Errorf("offset %d out of bounds", off+done)
		}
		bf := t.files[i]
		fileOff := off + done - bf.offset
		n := bf.length - fileOff
		if n > length-done {
			n = length - done
		}
		if n <= 0 {
			// Zero-length files occupy no span.
			continue
		}
		if err := visit(bf, fileOff, done, n); err != nil {
			return fmt.Errorf("file %s: %s", bf.path, err)
		}
		done += n
	}
	return nil
}

type opener struct {
	path string
}

func (o *opener) Open() (io.ReadSeekCloser, error) {
	return os.Open(o.path)
}

func closeFiles(files []*backingFile) {
	for _, bf := range files {
		if bf.f != nil {
			bf.f.Close()
		}
	}
}

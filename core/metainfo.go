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
package core

import (
	"bytes"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/jackpal/bencode-go"
)

// InvalidTorrentError occurs when a metainfo file cannot be parsed into a
// well-formed torrent.
type InvalidTorrentError struct {
	Reason string
}

func (e InvalidTorrentError) Error() string {
	return fmt.Sprintf("invalid torrent: %s", e.Reason)
}

func invalidTorrentf(format string, args ...interface{}) error {
	return InvalidTorrentError{fmt.Sprintf(format, args...)}
}

// FileInfo describes a single file within a torrent. Offset is the position
// of the file's first byte within the torrent's logical byte array.
type FileInfo struct {
	Path   string `json:"path"`
	Length int64  `json:"length"`
	Offset int64  `json:"offset"`
}

// MetaInfo contains torrent metadata decoded from a bencoded .torrent file.
type MetaInfo struct {
	announce     string
	announceList [][]string
	name         string
	pieceLength  int64
	pieceHashes  []byte // Concatenated 20-byte SHA1 sums.
	files        []FileInfo
	totalLength  int64
	infoHash     InfoHash
}

// ParseMetaInfo decodes a bencoded torrent file. The info hash is computed
// over the raw bencoded bytes of the info value exactly as they appear in
// data -- the dictionary is never re-encoded.
func ParseMetaInfo(data []byte) (*MetaInfo, error) {
	root, err := bencode.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, invalidTorrentf("bencode: %s", err)
	}
	dict, ok := root.(map[string]interface{})
	if !ok {
		return nil, invalidTorrentf("root is not a dictionary")
	}
	infoVal, ok := dict["info"]
	if !ok {
		return nil, invalidTorrentf("missing info dictionary")
	}
	info, ok := infoVal.(map[string]interface{})
	if !ok {
		return nil, invalidTorrentf("info is not a dictionary")
	}

	rawInfo, err := rawInfoBytes(data)
	if err != nil {
		return nil, err
	}

	mi := &MetaInfo{infoHash: NewInfoHashFromBytes(rawInfo)}

	mi.announce, _ = dict["announce"].(string)
	if l, ok := dict["announce-list"].([]interface{}); ok {
		for _, tierVal := range l {
			tier, ok := tierVal.([]interface{})
			if !ok {
				continue
			}
			var urls []string
			for _, u := range tier {
				if s, ok := u.(string); ok && s != "" {
					urls = append(urls, s)
				}
			}
			if len(urls) > 0 {
				mi.announceList = append(mi.announceList, urls)
			}
		}
	}

	mi.name, _ = info["name"].(string)

	pieceLength, ok := info["piece length"].(int64)
	if !ok || pieceLength <= 0 {
		return nil, invalidTorrentf("piece length must be positive")
	}
	mi.pieceLength = pieceLength

	pieces, ok := info["pieces"].(string)
	if !ok || len(pieces)%20 != 0 {
		return nil, invalidTorrentf("pieces length must be a multiple of 20")
	}
	mi.pieceHashes = []byte(pieces)

	if filesVal, ok := info["files"]; ok {
		files, ok := filesVal.([]interface{})
		if !ok {
			return nil, invalidTorrentf("files is not a list")
		}
		var offset int64
		for _, fv := range files {
			fdict, ok := fv.(map[string]interface{})
			if !ok {
				return nil, invalidTorrentf("file entry is not a dictionary")
			}
			length, ok := fdict["length"].(int64)
			if !ok || length < 0 {
				return nil, invalidTorrentf("file length must be non-negative")
			}
			pathVal, _ := fdict["path"].([]interface{})
			var components []string
			for _, pc := range pathVal {
				if s, ok := pc.(string); ok {
					components = append(components, s)
				}
			}
			if len(components) == 0 {
				return nil, invalidTorrentf("file entry missing path")
			}
			mi.files = append(mi.files, FileInfo{
				Path:   filepath.Join(append([]string{mi.name}, components...)...),
				Length: length,
				Offset: offset,
			})
			offset += length
		}
		mi.totalLength = offset
	} else {
		length, ok := info["length"].(int64)
		if !ok || length < 0 {
			return nil, invalidTorrentf("length must be non-negative")
		}
		mi.files = []FileInfo{{Path: mi.name, Length: length, Offset: 0}}
		mi.totalLength = length
	}

	expectedPieces := int((mi.totalLength + pieceLength - 1) / pieceLength)
	if mi.NumPieces() != expectedPieces {
		return nil, invalidTorrentf(
			"piece count mismatch: %d hashes for %d pieces", mi.NumPieces(), expectedPieces)
	}

	return mi, nil
}

// InfoHash returns the torrent InfoHash.
func (mi *MetaInfo) InfoHash() InfoHash {
	return mi.infoHash
}

// Name returns the display name of the torrent.
func (mi *MetaInfo) Name() string {
	return mi.name
}

// Length returns the total length of the torrent's logical byte array.
func (mi *MetaInfo) Length() int64 {
	return mi.totalLength
}

// NumPieces returns the number of pieces in the torrent.
func (mi *MetaInfo) NumPieces() int {
	return len(mi.pieceHashes) / 20
}

// PieceLength returns the nominal piece length. Note, the final piece may be
// shorter. Use GetPieceLength for the true lengths of each piece.
func (mi *MetaInfo) PieceLength() int64 {
	return mi.pieceLength
}

// GetPieceLength returns the length of piece i.
func (mi *MetaInfo) GetPieceLength(i int) int64 {
	n := mi.NumPieces()
	if i < 0 || i >= n {
		return 0
	}
	if i == n-1 {
		return mi.totalLength - mi.pieceLength*int64(i)
	}
	return mi.pieceLength
}

// PieceHash returns the expected SHA1 sum of piece i. Does not check bounds.
func (mi *MetaInfo) PieceHash(i int) [20]byte {
	var h [20]byte
	copy(h[:], mi.pieceHashes[i*20:(i+1)*20])
	return h
}

// Files returns the torrent's file table in concatenation order. Single-file
// torrents yield a one-entry table.
func (mi *MetaInfo) Files() []FileInfo {
	return mi.files
}

// AnnounceTiers returns the tiered tracker urls of the torrent. The primary
// announce url forms its own tier when no announce-list is present.
func (mi *MetaInfo) AnnounceTiers() [][]string {
	if len(mi.announceList) > 0 {
		return mi.announceList
	}
	if mi.announce != "" {
		return [][]string{{mi.announce}}
	}
	return nil
}

func (mi *MetaInfo) String() string {
	return fmt.Sprintf("metainfo(name=%s, hash=%s)", mi.name, mi.infoHash.Hex())
}

// rawInfoBytes returns the exact byte span of the info value within raw
// bencoded torrent data.
func rawInfoBytes(data []byte) ([]byte, error) {
	if len(data) == 0 || data[0] != 'd' {
		return nil, invalidTorrentf("root is not a dictionary")
	}
	pos := 1
	for pos < len(data) && data[pos] != 'e' {
		key, next, err := bencodeString(data, pos)
		if err != nil {
			return nil, err
		}
		end, err := bencodeValueEnd(data, next)
		if err != nil {
			return nil, err
		}
		if key == "info" {
			return data[next:end], nil
		}
		pos = end
	}
	return nil, invalidTorrentf("missing info dictionary")
}

func bencodeString(data []byte, pos int) (s string, next int, err error) {
	colon := bytes.IndexByte(data[pos:], ':')
	if colon < 0 {
		return "", 0, invalidTorrentf("malformed string at offset %d", pos)
	}
	n, err := parseBencodeInt(data[pos : pos+colon])
	if err != nil || n < 0 {
		return "", 0, invalidTorrentf("malformed string length at offset %d", pos)
	}
	start := pos + colon + 1
	end := start + int(n)
	if end > len(data) {
		return "", 0, invalidTorrentf("string exceeds input at offset %d", pos)
	}
	return string(data[start:end]), end, nil
}

// bencodeValueEnd returns the offset one past the bencoded value starting at
// pos.
func bencodeValueEnd(data []byte, pos int) (int, error) {
	if pos >= len(data) {
		return 0, invalidTorrentf("truncated input at offset %d", pos)
	}
	switch data[pos] {
	case 'i':
		end := bytes.IndexByte(data[pos:], 'e')
		if end < 0 {
			return 0, invalidTorrentf("unterminated integer at offset %d", pos)
		}
		return pos + end + 1, nil
	case 'l', 'd':
		cur := pos + 1
		for cur < len(data) && data[cur] != 'e' {
			var err error
			cur, err = bencodeValueEnd(data, cur)
			if err != nil {
				return 0, err
			}
		}
		if cur >= len(data) {
			return 0, invalidTorrentf("unterminated collection at offset %d", pos)
		}
		return cur + 1, nil
	default:
		_, next, err := bencodeString(data, pos)
		return next, err
	}
}

func parseBencodeInt(b []byte) (int64, error) {
	var n int64
	if len(b) == 0 {
		return 0, invalidTorrentf("empty integer")
	}
	for _, c := range b {
		if c < '0' || c > '9' {
			return 0, invalidTorrentf("bad digit %q", c)
		}
		n = n*10 + int64(c-'0')
	}
	return n, nil
}

// EncodeMetaInfo bencodes mi back into torrent file bytes. Used by fixtures
// and ingest round-trip tests.
func EncodeMetaInfo(mi *MetaInfo) ([]byte, error) {
	info := map[string]interface{}{
		"name":         mi.name,
		"piece length": mi.pieceLength,
		"pieces":       string(mi.pieceHashes),
	}
	if len(mi.files) == 1 && mi.files[0].Path == mi.name {
		info["length"] = mi.totalLength
	} else {
		var files []map[string]interface{}
		for _, f := range mi.files {
			rel, err := filepath.Rel(mi.name, f.Path)
			if err != nil {
				return nil, fmt.Errorf("relativize path: %s", err)
			}
			files = append(files, map[string]interface{}{
				"length": f.Length,
				"path":   strings.Split(rel, string(filepath.Separator)),
			})
		}
		info["files"] = files
	}
	root := map[string]interface{}{
		"info": info,
	}
	if mi.announce != "" {
		root["announce"] = mi.announce
	}
	if len(mi.announceList) > 0 {
		root["announce-list"] = mi.announceList
	}
	var b bytes.Buffer
	if err := bencode.Marshal(&b, root); err != nil {
		return nil, fmt.Errorf("bencode: %s", err)
	}
	return b.Bytes(), nil
}

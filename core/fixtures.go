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
	"crypto/sha1"
	"fmt"
	"math/rand"
)

// PieceHashesFixture chunks blob into pieceLength pieces and returns the
// concatenated SHA1 sums.
func PieceHashesFixture(blob []byte, pieceLength int64) []byte {
	var sums []byte
	for start := int64(0); start < int64(len(blob)); start += pieceLength {
		end := start + pieceLength
		if end > int64(len(blob)) {
			end = int64(len(blob))
		}
		h := sha1.Sum(blob[start:end])
		sums = append(sums, h[:]...)
	}
	return sums
}

// MetaInfoFixture builds a single-file MetaInfo describing blob, round-
// tripped through bencoding so the info hash matches real ingested bytes.
func MetaInfoFixture(name string, blob []byte, pieceLength int64, announce string) *MetaInfo {
	mi := &MetaInfo{
		announce:    announce,
		name:        name,
		pieceLength: pieceLength,
		pieceHashes: PieceHashesFixture(blob, pieceLength),
		files:       []FileInfo{{Path: name, Length: int64(len(blob)), Offset: 0}},
		totalLength: int64(len(blob)),
	}
	return reparse(mi)
}

// MultiFileMetaInfoFixture builds a multi-file MetaInfo whose logical byte
// array is blob split at the given file lengths.
func MultiFileMetaInfoFixture(
	name string, blob []byte, fileLengths []int64, pieceLength int64, announce string) *MetaInfo {

	var files []FileInfo
	var offset int64
	for i, l := range fileLengths {
		files = append(files, FileInfo{
			Path:   fmt.Sprintf("%s/part%d", name, i),
			Length: l,
			Offset: offset,
		})
		offset += l
	}
	if offset != int64(len(blob)) {
		panic(fmt.Sprintf("file lengths sum to %d, blob is %d bytes", offset, len(blob)))
	}
	mi := &MetaInfo{
		announce:    announce,
		name:        name,
		pieceLength: pieceLength,
		pieceHashes: PieceHashesFixture(blob, pieceLength),
		files:       files,
		totalLength: int64(len(blob)),
	}
	return reparse(mi)
}

func reparse(mi *MetaInfo) *MetaInfo {
	raw, err := EncodeMetaInfo(mi)
	if err != nil {
		panic(err)
	}
	parsed, err := ParseMetaInfo(raw)
	if err != nil {
		panic(err)
	}
	return parsed
}

// BlobFixture returns size random bytes.
func BlobFixture(size int64) []byte {
	b := make([]byte, size)
	rand.Read(b)
	return b
}

// PeerIDFixture returns a randomly generated PeerID.
func PeerIDFixture() PeerID {
	p, err := RandomPeerID()
	if err != nil {
		panic(err)
	}
	return p
}

// PeerInfoFixture returns a randomly generated PeerInfo.
func PeerInfoFixture() *PeerInfo {
	return NewPeerInfo(PeerIDFixture(), "192.168.1.1", rand.Intn(65535)+1)
}

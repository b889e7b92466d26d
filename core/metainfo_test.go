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
	"crypto/sha1"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseMetaInfoRoundTrip(t *testing.T) {
	require := require.New(t)

	blob := BlobFixture(256)
	mi := MetaInfoFixture("test.mp4", blob, 64, "http://tracker/announce")

	raw, err := EncodeMetaInfo(mi)
	require.NoError(err)

	parsed, err := ParseMetaInfo(raw)
	require.NoError(err)
	require.Equal(mi.InfoHash(), parsed.InfoHash())
	require.Equal(mi.Name(), parsed.Name())
	require.Equal(mi.Length(), parsed.Length())
	require.Equal(mi.NumPieces(), parsed.NumPieces())
	require.Equal(mi.Files(), parsed.Files())
	require.Equal(mi.AnnounceTiers(), parsed.AnnounceTiers())
}

func TestParseMetaInfoHashMatchesRawInfoBytes(t *testing.T) {
	require := require.New(t)

	mi := MetaInfoFixture("test.mp4", BlobFixture(100), 32, "http://tracker/announce")
	raw, err := EncodeMetaInfo(mi)
	require.NoError(err)

	infoSpan, err := rawInfoBytes(raw)
	require.NoError(err)
	require.Equal([20]byte(mi.InfoHash()), sha1.Sum(infoSpan))
}

func TestParseMetaInfoPieceLengths(t *testing.T) {
	require := require.New(t)

	// 5 bytes in 2-byte pieces: lengths 2, 2, 1.
	mi := MetaInfoFixture("f", []byte("abcde"), 2, "")
	require.Equal(3, mi.NumPieces())
	require.Equal(int64(2), mi.GetPieceLength(0))
	require.Equal(int64(2), mi.GetPieceLength(1))
	require.Equal(int64(1), mi.GetPieceLength(2))
	require.Equal(int64(0), mi.GetPieceLength(3))

	require.Equal([20]byte(sha1.Sum([]byte("e"))), mi.PieceHash(2))
}

func TestParseMetaInfoMultiFileOffsets(t *testing.T) {
	require := require.New(t)

	blob := BlobFixture(100)
	mi := MultiFileMetaInfoFixture("dir", blob, []int64{30, 50, 20}, 40, "")

	files := mi.Files()
	require.Len(files, 3)
	require.Equal(int64(0), files[0].Offset)
	require.Equal(int64(30), files[1].Offset)
	require.Equal(int64(80), files[2].Offset)
	require.Equal(int64(100), mi.Length())
}

func TestParseMetaInfoErrors(t *testing.T) {
	tests := []struct {
		description string
		input       string
	}{
		{"not a dictionary", "4:spam"},
		{"missing info", "d8:announce3:urle"},
		{"pieces not multiple of 20", "d4:infod6:lengthi10e4:name1:f12:piece lengthi2e6:pieces3:abceee"},
		{"piece length zero", "d4:infod6:lengthi10e4:name1:f12:piece lengthi0e6:pieces20:aaaaaaaaaaaaaaaaaaaaee"},
		{"negative file length", "d4:infod5:filesld6:lengthi-1e4:pathl1:feee4:name1:f12:piece lengthi2e6:pieces0:ee"},
	}
	for _, test := range tests {
		t.Run(test.description, func(t *testing.T) {
			_, err := ParseMetaInfo([]byte(test.input))
			require.Error(t, err)
			require.IsType(t, InvalidTorrentError{}, err)
		})
	}
}

func TestDecodeCompactPeers(t *testing.T) {
	require := require.New(t)

	b := []byte{
		192, 168, 1, 1, 0x1A, 0xE1, // 192.168.1.1:6881
		10, 0, 0, 2, 0x1A, 0xE2, // 10.0.0.2:6882
		127, 0, 0, 1, 0x00, 0x50, // 127.0.0.1:80
	}
	peers, err := DecodeCompactPeers(b)
	require.NoError(err)
	require.Len(peers, 3)
	require.Equal("192.168.1.1", peers[0].IP)
	require.Equal(6881, peers[0].Port)
	require.Equal("10.0.0.2", peers[1].IP)
	require.Equal(6882, peers[1].Port)
	require.Equal("127.0.0.1", peers[2].IP)
	require.Equal(80, peers[2].Port)

	_, err = DecodeCompactPeers(b[:5])
	require.Error(err)
}

func TestMetaInfoBufferRoundTrip(t *testing.T) {
	require := require.New(t)

	mi := MetaInfoFixture("f", []byte("abcde"), 2, "http://t/announce")
	raw, err := EncodeMetaInfo(mi)
	require.NoError(err)

	again, err := ParseMetaInfo(bytes.TrimSpace(raw))
	require.NoError(err)
	require.Equal(mi.InfoHash(), again.InfoHash())
}

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
package conn

import (
	"net"
	"testing"
	"time"

	"github.com/streambit/streambit/core"
	"github.com/streambit/streambit/lib/torrent/storage"

	"github.com/stretchr/testify/require"
	"github.com/willf/bitset"
)

func torrentInfoFixture(name string, blob []byte, pieceLength int64) *storage.TorrentInfo {
	mi := core.MetaInfoFixture(name, blob, pieceLength, "")
	return storage.NewTorrentInfo(mi, bitset.New(uint(mi.NumPieces())))
}

func TestHandshakeEncodeLength(t *testing.T) {
	require := require.New(t)

	hs := &handshake{
		infoHash: core.MetaInfoFixture("f", []byte("abc"), 2, "").InfoHash(),
		peerID:   core.PeerIDFixture(),
	}
	b := hs.encode()
	require.Len(b, 68)
	require.Equal(byte(19), b[0])
	require.Equal("BitTorrent protocol", string(b[1:20]))
}

func TestHandshakerInitializeAndAccept(t *testing.T) {
	require := require.New(t)

	info := torrentInfoFixture("blob", core.BlobFixture(64), 16)

	local := HandshakerFixture(ConfigFixture())
	remote := HandshakerFixture(ConfigFixture())

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(err)
	defer lis.Close()

	accepted := make(chan *Conn, 1)
	go func() {
		nc, err := lis.Accept()
		if err != nil {
			return
		}
		pc, err := remote.Accept(nc)
		if err != nil {
			nc.Close()
			return
		}
		c, err := remote.Establish(pc, info)
		if err != nil {
			nc.Close()
			return
		}
		accepted <- c
	}()

	c, err := local.Initialize(lis.Addr().String(), info)
	require.NoError(err)
	defer c.Close()

	select {
	case rc := <-accepted:
		defer rc.Close()
		require.Equal(local.localPeerID, rc.PeerID())
		require.Equal(remote.localPeerID, c.PeerID())
		require.Equal(info.InfoHash(), c.InfoHash())
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for accepted conn")
	}
}

func TestHandshakerRejectsInfoHashMismatch(t *testing.T) {
	require := require.New(t)

	local := HandshakerFixture(ConfigFixture())
	remote := HandshakerFixture(ConfigFixture())

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(err)
	defer lis.Close()

	go func() {
		nc, err := lis.Accept()
		if err != nil {
			return
		}
		pc, err := remote.Accept(nc)
		if err != nil {
			nc.Close()
			return
		}
		// The acceptor opened a different torrent than the dialer.
		other := torrentInfoFixture("other", core.BlobFixture(32), 16)
		if _, err := remote.Establish(pc, other); err != nil {
			nc.Close()
		}
	}()

	info := torrentInfoFixture("blob", core.BlobFixture(64), 16)
	_, err = local.Initialize(lis.Addr().String(), info)
	require.Error(err)
}

func TestHandshakerRejectsBadProtocol(t *testing.T) {
	require := require.New(t)

	h := HandshakerFixture(ConfigFixture())

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(err)
	defer lis.Close()

	go func() {
		nc, err := net.Dial("tcp", lis.Addr().String())
		if err != nil {
			return
		}
		defer nc.Close()
		b := make([]byte, 68)
		b[0] = 42 // Wrong protocol name length.
		nc.Write(b)
		time.Sleep(time.Second)
	}()

	nc, err := lis.Accept()
	require.NoError(err)
	defer nc.Close()

	_, err = h.Accept(nc)
	require.Error(err)
}

func TestHandshakerRejectsOwnPeerID(t *testing.T) {
	require := require.New(t)

	h := HandshakerFixture(ConfigFixture())
	info := torrentInfoFixture("blob", core.BlobFixture(64), 16)

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(err)
	defer lis.Close()

	go func() {
		nc, err := net.Dial("tcp", lis.Addr().String())
		if err != nil {
			return
		}
		defer nc.Close()
		// Echo a handshake advertising the acceptor's own peer id.
		hs := &handshake{infoHash: info.InfoHash(), peerID: h.localPeerID}
		nc.Write(hs.encode())
		time.Sleep(time.Second)
	}()

	nc, err := lis.Accept()
	require.NoError(err)
	defer nc.Close()

	_, err = h.Accept(nc)
	require.Error(err)
}

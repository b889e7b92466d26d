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
package dispatch

import (
	"fmt"
	"sync"
	"time"

	"github.com/streambit/streambit/core"
	"github.com/streambit/streambit/lib/torrent/scheduler/conn"

	"github.com/andres-erbsen/clock"
	"github.com/willf/bitset"
	"go.uber.org/atomic"
)

// Messages defines a subset of conn.Conn methods which Dispatcher requires
// to communicate with remote peers.
type Messages interface {
	Send(msg *conn.Message) error
	Receiver() <-chan *conn.Message
	Close()
}

// block identifies a single block request within a piece.
type block struct {
	piece  int
	begin  int
	length int
}

func (b block) String() string {
	return fmt.Sprintf("block(piece=%d, begin=%d, length=%d)", b.piece, b.begin, b.length)
}

// peer consolidates bookkeeping for a remote peer, including the BitTorrent
// choke / interest flag pairs and the block request pipeline.
type peer struct {
	id core.PeerID

	// bitfield is the local view of the remote peer's pieces.
	bitfield *syncBitfield

	messages Messages

	pstats *peerStats

	clk clock.Clock

	mu sync.Mutex

	// Flag pairs per the wire protocol, initialized (true, false, true,
	// false).
	amChoking      bool
	amInterested   bool
	peerChoking    bool
	peerInterested bool

	// blockQueue holds blocks reserved against this peer but not yet
	// requested; inflight counts requested, unanswered blocks.
	blockQueue []block
	inflight   int

	lastGoodPieceReceived atomic.Int64
	lastPieceSent         atomic.Int64
}

func newPeer(
	peerID core.PeerID,
	b *bitset.BitSet,
	messages Messages,
	clk clock.Clock,
	pstats *peerStats) *peer {

	return &peer{
		id:          peerID,
		bitfield:    newSyncBitfield(b),
		messages:    messages,
		pstats:      pstats,
		clk:         clk,
		amChoking:   true,
		peerChoking: true,
	}
}

func (p *peer) String() string {
	return p.id.String()
}

func (p *peer) getLastGoodPieceReceived() time.Time {
	return time.Unix(0, p.lastGoodPieceReceived.Load())
}

func (p *peer) touchLastGoodPieceReceived() {
	p.lastGoodPieceReceived.Store(p.clk.Now().UnixNano())
}

func (p *peer) getLastPieceSent() time.Time {
	return time.Unix(0, p.lastPieceSent.Load())
}

func (p *peer) touchLastPieceSent() {
	p.lastPieceSent.Store(p.clk.Now().UnixNano())
}

// peerStats tracks lifetime stats for a peer. Persists on peer removal so
// reconnecting peers retain their ban score.
type peerStats struct {
	pieceRequestsSent       atomic.Int64
	pieceRequestsReceived   atomic.Int64
	piecesSent              atomic.Int64
	goodPiecesReceived      atomic.Int64
	duplicatePiecesReceived atomic.Int64
	invalidPiecesReceived   atomic.Int64

	// consecutiveHashFailures drives banning. Reset by any good piece.
	consecutiveHashFailures atomic.Int64
}

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
	"errors"
	"fmt"
	"io/ioutil"
	"sync"
	"time"

	"github.com/streambit/streambit/core"
	"github.com/streambit/streambit/lib/torrent/scheduler/conn"
	"github.com/streambit/streambit/lib/torrent/scheduler/dispatch/piecerequest"
	"github.com/streambit/streambit/lib/torrent/storage"
	"github.com/streambit/streambit/lib/torrent/storage/piecereader"
	"github.com/streambit/streambit/utils/syncutil"

	"github.com/andres-erbsen/clock"
	"github.com/uber-go/tally"
	"github.com/willf/bitset"
	"go.uber.org/zap"
	"golang.org/x/sync/syncmap"
)

var (
	errPeerAlreadyDispatched = errors.New("peer is already dispatched for the torrent")
	errPieceOutOfBounds      = errors.New("piece index out of bounds")
	errBlockMismatch         = errors.New("block does not match an in-flight request")
)

// Events defines Dispatcher events.
type Events interface {
	DispatcherComplete(*Dispatcher)
	PeerRemoved(core.PeerID, core.InfoHash)
	PeerBanned(core.PeerID, core.InfoHash)
	PieceComplete(core.InfoHash, int)
}

// pieceAssembly buffers the blocks of an in-flight piece until all have
// arrived and the piece can be handed to storage.
type pieceAssembly struct {
	buf      []byte
	received *bitset.BitSet
	total    int
}

func newPieceAssembly(pieceLength int64, blockSize int) *pieceAssembly {
	numBlocks := int((pieceLength + int64(blockSize) - 1) / int64(blockSize))
	return &pieceAssembly{
		buf:      make([]byte, pieceLength),
		received: bitset.New(uint(numBlocks)),
		total:    numBlocks,
	}
}

func (a *pieceAssembly) complete() bool {
	return int(a.received.Count()) == a.total
}

// Dispatcher coordinates torrent state with sending / receiving messages
// between multiple peers. As such, Dispatcher and Torrent have a one-to-one
// relationship, while Dispatcher and Conn have a one-to-many relationship.
type Dispatcher struct {
	config              Config
	stats               tally.Scope
	clk                 clock.Clock
	createdAt           time.Time
	localPeerID         core.PeerID
	torrent             *torrentAccessWatcher
	peers               syncmap.Map // core.PeerID -> *peer
	peerStats           syncmap.Map // core.PeerID -> *peerStats, persists on peer removal.
	numPeersByPiece     syncutil.Counters
	pieceRequestManager *piecerequest.Manager

	assemblyMu sync.Mutex
	assemblies map[int]*pieceAssembly

	pendingPiecesDoneOnce sync.Once
	pendingPiecesDone     chan struct{}
	completeOnce          sync.Once
	events                Events
	logger                *zap.SugaredLogger
}

// New creates a new Dispatcher.
func New(
	config Config,
	stats tally.Scope,
	clk clock.Clock,
	events Events,
	peerID core.PeerID,
	t storage.Torrent,
	logger *zap.SugaredLogger) *Dispatcher {

	d := newDispatcher(config, stats, clk, events, peerID, t, logger)

	// Exits when d.pendingPiecesDone is closed.
	go d.watchPendingPieceRequests()

	if t.Complete() {
		d.complete()
	}

	return d
}

// newDispatcher creates a new Dispatcher with no side-effects for testing
// purposes.
func newDispatcher(
	config Config,
	stats tally.Scope,
	clk clock.Clock,
	events Events,
	peerID core.PeerID,
	t storage.Torrent,
	logger *zap.SugaredLogger) *Dispatcher {

	config = config.applyDefaults()

	stats = stats.Tagged(map[string]string{
		"module": "dispatch",
	})

	return &Dispatcher{
		config:      config,
		stats:       stats,
		clk:         clk,
		createdAt:   clk.Now(),
		localPeerID: peerID,
		torrent:     newTorrentAccessWatcher(t, clk),
		numPeersByPiece: syncutil.NewCounters(t.NumPieces()),
		pieceRequestManager: piecerequest.NewManager(
			clk, config.PieceRequestTimeout, config.PipelineLimit, config.DemotionLimit),
		assemblies:        make(map[int]*pieceAssembly),
		pendingPiecesDone: make(chan struct{}),
		events:            events,
		logger:            logger,
	}
}

// InfoHash returns d's torrent hash.
func (d *Dispatcher) InfoHash() core.InfoHash {
	return d.torrent.InfoHash()
}

// Name returns d's torrent display name.
func (d *Dispatcher) Name() string {
	return d.torrent.Name()
}

// Length returns d's torrent length.
func (d *Dispatcher) Length() int64 {
	return d.torrent.Length()
}

// Stat returns d's TorrentInfo.
func (d *Dispatcher) Stat() *storage.TorrentInfo {
	return d.torrent.Stat()
}

// Complete returns true if d's torrent is complete.
func (d *Dispatcher) Complete() bool {
	return d.torrent.Complete()
}

// BytesDownloaded returns the number of bytes downloaded of d's torrent.
func (d *Dispatcher) BytesDownloaded() int64 {
	return d.torrent.BytesDownloaded()
}

// CreatedAt returns when d was created.
func (d *Dispatcher) CreatedAt() time.Time {
	return d.createdAt
}

// LastGoodPieceReceived returns when d last received a valid and needed
// piece from peerID.
func (d *Dispatcher) LastGoodPieceReceived(peerID core.PeerID) time.Time {
	v, ok := d.peers.Load(peerID)
	if !ok {
		return time.Time{}
	}
	return v.(*peer).getLastGoodPieceReceived()
}

// LastPieceSent returns when d last sent a piece to peerID.
func (d *Dispatcher) LastPieceSent(peerID core.PeerID) time.Time {
	v, ok := d.peers.Load(peerID)
	if !ok {
		return time.Time{}
	}
	return v.(*peer).getLastPieceSent()
}

// LastReadTime returns when d's torrent was last read from.
func (d *Dispatcher) LastReadTime() time.Time {
	return d.torrent.getLastReadTime()
}

// LastWriteTime returns when d's torrent was last written to.
func (d *Dispatcher) LastWriteTime() time.Time {
	return d.torrent.getLastWriteTime()
}

// Empty returns true if the Dispatcher has no peers.
func (d *Dispatcher) Empty() bool {
	empty := true
	d.peers.Range(func(k, v interface{}) bool {
		empty = false
		return false
	})
	return empty
}

// NumPeers returns the number of peers connected to the dispatcher.
func (d *Dispatcher) NumPeers() int {
	var n int
	d.peers.Range(func(k, v interface{}) bool {
		n++
		return true
	})
	return n
}

// Pin raises the priority of piece, triggering immediate requests against
// connected peers which have it. Used by streaming readers to reorder work
// ahead of the playback position. No-op if piece is already complete.
func (d *Dispatcher) Pin(piece int, priority piecerequest.Priority) {
	if piece < 0 || piece >= d.torrent.NumPieces() || d.torrent.HasPiece(piece) {
		return
	}
	d.pieceRequestManager.Pin(piece, priority)

	d.peers.Range(func(k, v interface{}) bool {
		p := v.(*peer)
		if p.bitfield.Has(uint(piece)) {
			d.maybeRequestMorePieces(p)
		}
		return true
	})
}

// Unpin drops the priority boost of piece, e.g. when a streaming window
// moves past it.
func (d *Dispatcher) Unpin(piece int) {
	d.pieceRequestManager.Unpin(piece)
}

// PieceFailureCount returns how many invalid payloads were received for
// piece.
func (d *Dispatcher) PieceFailureCount(piece int) int {
	return d.pieceRequestManager.FailureCount(piece)
}

// AddPeer registers a new peer with the Dispatcher.
func (d *Dispatcher) AddPeer(peerID core.PeerID, b *bitset.BitSet, messages Messages) error {
	p, err := d.addPeer(peerID, b, messages)
	if err != nil {
		return err
	}
	d.updateInterest(p)
	d.maybeRequestMorePieces(p)
	go d.feed(p)
	return nil
}

// addPeer creates and inserts a new peer into the Dispatcher. Split from
// AddPeer with no goroutine side-effects for testing purposes.
func (d *Dispatcher) addPeer(
	peerID core.PeerID, b *bitset.BitSet, messages Messages) (*peer, error) {

	pstats := &peerStats{}
	if s, ok := d.peerStats.LoadOrStore(peerID, pstats); ok {
		pstats = s.(*peerStats)
	}

	p := newPeer(peerID, b, messages, d.clk, pstats)
	if _, ok := d.peers.LoadOrStore(peerID, p); ok {
		return nil, errPeerAlreadyDispatched
	}

	for _, i := range p.bitfield.GetAllSet() {
		d.numPeersByPiece.Increment(int(i))
	}
	return p, nil
}

func (d *Dispatcher) removePeer(p *peer) {
	d.peers.Delete(p.id)
	d.pieceRequestManager.ClearPeer(p.id)

	for _, i := range p.bitfield.GetAllSet() {
		d.numPeersByPiece.Decrement(int(i))
	}
}

// TearDown closes all Dispatcher connections.
func (d *Dispatcher) TearDown() {
	d.pendingPiecesDoneOnce.Do(func() {
		close(d.pendingPiecesDone)
	})

	d.peers.Range(func(k, v interface{}) bool {
		p := v.(*peer)
		d.log("peer", p).Info("Dispatcher teardown closing connection")
		p.messages.Close()
		return true
	})
}

func (d *Dispatcher) String() string {
	return fmt.Sprintf("Dispatcher(%s)", d.torrent)
}

func (d *Dispatcher) complete() {
	d.completeOnce.Do(func() { go d.events.DispatcherComplete(d) })
	d.pendingPiecesDoneOnce.Do(func() { close(d.pendingPiecesDone) })

	d.peers.Range(func(k, v interface{}) bool {
		p := v.(*peer)
		if p.bitfield.Complete() {
			// Close connections to other completed peers since those
			// connections are now useless.
			d.log("peer", p).Info("Closing connection to completed peer")
			p.messages.Close()
		} else {
			p.mu.Lock()
			if p.amInterested {
				p.amInterested = false
				p.messages.Send(conn.NewNotInterestedMessage())
			}
			p.mu.Unlock()
		}
		return true
	})
}

func (d *Dispatcher) endgame() bool {
	if d.config.DisableEndgame {
		return false
	}
	remaining := d.torrent.NumPieces() - int(d.torrent.Bitfield().Count())
	return remaining <= d.config.EndgameThreshold
}

// maybeRequestMorePieces reserves additional pieces against p and feeds its
// block pipeline.
func (d *Dispatcher) maybeRequestMorePieces(p *peer) {
	candidates := p.bitfield.Intersection(d.torrent.Bitfield().Complement())

	pieces := d.pieceRequestManager.ReservePieces(p.id, candidates, d.numPeersByPiece, d.endgame())
	for _, piece := range pieces {
		d.enqueueBlocks(p, piece)
		p.pstats.pieceRequestsSent.Inc()
	}
	if len(pieces) > 0 {
		d.fillBlockPipeline(p)
	}
}

// enqueueBlocks appends every block of piece to p's request queue, creating
// the piece assembly if one is not already in progress.
func (d *Dispatcher) enqueueBlocks(p *peer, piece int) {
	pieceLength := d.torrent.PieceLength(piece)

	d.assemblyMu.Lock()
	if _, ok := d.assemblies[piece]; !ok {
		d.assemblies[piece] = newPieceAssembly(pieceLength, d.config.BlockSize)
	}
	d.assemblyMu.Unlock()

	p.mu.Lock()
	for begin := int64(0); begin < pieceLength; begin += int64(d.config.BlockSize) {
		length := int64(d.config.BlockSize)
		if begin+length > pieceLength {
			length = pieceLength - begin
		}
		p.blockQueue = append(p.blockQueue, block{piece, int(begin), int(length)})
	}
	p.mu.Unlock()
}

// fillBlockPipeline sends queued block requests until p's window is full.
// No requests are emitted while the remote peer is choking us.
func (d *Dispatcher) fillBlockPipeline(p *peer) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for p.inflight < d.config.RequestWindow && len(p.blockQueue) > 0 && !p.peerChoking {
		b := p.blockQueue[0]
		p.blockQueue = p.blockQueue[1:]
		if err := p.messages.Send(conn.NewRequestMessage(b.piece, b.begin, b.length)); err != nil {
			// Connection closed; the piece becomes eligible for another
			// peer.
			d.pieceRequestManager.MarkUnsent(p.id, b.piece)
			return
		}
		p.inflight++
	}
}

func (d *Dispatcher) resendFailedPieceRequests() {
	failedRequests := d.pieceRequestManager.GetFailedRequests()
	if len(failedRequests) > 0 {
		d.log().Infof("Resending %d failed piece requests", len(failedRequests))
		d.stats.Counter("piece_request_failures").Inc(int64(len(failedRequests)))
	}

	for _, r := range failedRequests {
		d.peers.Range(func(k, v interface{}) bool {
			p := v.(*peer)
			if (r.Status == piecerequest.StatusExpired || r.Status == piecerequest.StatusInvalid) &&
				r.PeerID == p.id {
				// Do not resend to the same peer for expired or invalid
				// requests.
				return true
			}

			b := d.torrent.Bitfield()
			candidates := p.bitfield.Intersection(b.Complement())
			if !candidates.Test(uint(r.Piece)) {
				return true
			}
			nb := bitset.New(b.Len()).Set(uint(r.Piece))
			pieces := d.pieceRequestManager.ReservePieces(p.id, nb, d.numPeersByPiece, d.endgame())
			if len(pieces) == 0 {
				return true
			}
			d.enqueueBlocks(p, r.Piece)
			d.fillBlockPipeline(p)
			return false
		})
	}
}

func (d *Dispatcher) watchPendingPieceRequests() {
	for {
		select {
		case <-d.clk.After(d.config.PieceRequestTimeout / 2):
			d.resendFailedPieceRequests()
		case <-d.pendingPiecesDone:
			return
		}
	}
}

// feed reads off of peer and handles incoming messages. When peer's
// messages close, the feed goroutine removes peer from the Dispatcher and
// exits.
func (d *Dispatcher) feed(p *peer) {
	for msg := range p.messages.Receiver() {
		if err := d.dispatch(p, msg); err != nil {
			d.log("peer", p).Errorf("Error dispatching message: %s", err)
		}
	}
	d.removePeer(p)
	d.events.PeerRemoved(p.id, d.torrent.InfoHash())
}

func (d *Dispatcher) dispatch(p *peer, msg *conn.Message) error {
	switch msg.ID {
	case conn.MsgChoke:
		d.handleChoke(p)
	case conn.MsgUnchoke:
		d.handleUnchoke(p)
	case conn.MsgInterested:
		d.handleInterested(p)
	case conn.MsgNotInterested:
		d.handleNotInterested(p)
	case conn.MsgHave:
		return d.handleHave(p, msg.Index)
	case conn.MsgBitfield:
		d.handleBitfield(p, msg.Bitfield)
	case conn.MsgRequest:
		d.handleRequest(p, msg.Index, msg.Begin, msg.Length)
	case conn.MsgPiece:
		return d.handleBlock(p, msg.Index, msg.Begin, msg.Block)
	case conn.MsgCancel:
		// Outbound sends are serialized, so by the time a cancel arrives the
		// block is already on the wire.
	default:
		return fmt.Errorf("unknown message id: %d", msg.ID)
	}
	return nil
}

func (d *Dispatcher) handleChoke(p *peer) {
	p.mu.Lock()
	p.peerChoking = true
	p.mu.Unlock()
}

func (d *Dispatcher) handleUnchoke(p *peer) {
	p.mu.Lock()
	p.peerChoking = false
	p.mu.Unlock()

	d.maybeRequestMorePieces(p)
	d.fillBlockPipeline(p)
}

func (d *Dispatcher) handleInterested(p *peer) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.peerInterested = true
	if p.amChoking {
		p.amChoking = false
		p.messages.Send(conn.NewUnchokeMessage())
	}
}

func (d *Dispatcher) handleNotInterested(p *peer) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.peerInterested = false
}

func (d *Dispatcher) handleHave(p *peer, piece int) error {
	if piece < 0 || piece >= d.torrent.NumPieces() {
		return errPieceOutOfBounds
	}
	if !p.bitfield.Has(uint(piece)) {
		p.bitfield.Set(uint(piece))
		d.numPeersByPiece.Increment(piece)
	}
	d.updateInterest(p)
	d.maybeRequestMorePieces(p)
	return nil
}

func (d *Dispatcher) handleBitfield(p *peer, b *bitset.BitSet) {
	for _, i := range p.bitfield.GetAllSet() {
		d.numPeersByPiece.Decrement(int(i))
	}
	for i, e := b.NextSet(0); e; i, e = b.NextSet(i + 1) {
		if int(i) >= d.torrent.NumPieces() {
			break
		}
		p.bitfield.Set(i)
		d.numPeersByPiece.Increment(int(i))
	}
	d.updateInterest(p)
	d.maybeRequestMorePieces(p)
}

// handleRequest serves a verified block back to the remote peer.
func (d *Dispatcher) handleRequest(p *peer, piece, begin, length int) {
	p.pstats.pieceRequestsReceived.Inc()

	p.mu.Lock()
	choking := p.amChoking
	p.mu.Unlock()
	if choking {
		return
	}
	if piece < 0 || piece >= d.torrent.NumPieces() || !d.torrent.HasPiece(piece) {
		return
	}
	if begin < 0 || length <= 0 || int64(begin+length) > d.torrent.PieceLength(piece) {
		d.log("peer", p, "piece", piece).Error("Rejecting piece request: bad block bounds")
		return
	}
	pr, err := d.torrent.GetPieceReader(piece)
	if err != nil {
		d.log("peer", p, "piece", piece).Errorf("Error getting reader for requested piece: %s", err)
		return
	}
	defer pr.Close()
	payload, err := ioutil.ReadAll(pr)
	if err != nil {
		d.log("peer", p, "piece", piece).Errorf("Error reading requested piece: %s", err)
		return
	}
	if err := p.messages.Send(
		conn.NewPieceMessage(piece, begin, payload[begin:begin+length])); err != nil {
		return
	}
	p.touchLastPieceSent()
	p.pstats.piecesSent.Inc()
}

// handleBlock copies an arriving block into its piece assembly. Completed
// assemblies are verified and handed to storage.
func (d *Dispatcher) handleBlock(p *peer, piece, begin int, payload []byte) error {
	p.mu.Lock()
	if p.inflight > 0 {
		p.inflight--
	}
	p.mu.Unlock()

	if piece < 0 || piece >= d.torrent.NumPieces() {
		return errPieceOutOfBounds
	}

	d.assemblyMu.Lock()
	a, ok := d.assemblies[piece]
	if !ok {
		d.assemblyMu.Unlock()
		// Late block for a piece that has already completed or been reset.
		p.pstats.duplicatePiecesReceived.Inc()
		d.fillBlockPipeline(p)
		return nil
	}
	if begin%d.config.BlockSize != 0 || begin+len(payload) > len(a.buf) {
		d.assemblyMu.Unlock()
		return errBlockMismatch
	}
	copy(a.buf[begin:], payload)
	a.received.Set(uint(begin / d.config.BlockSize))
	done := a.complete()
	var buf []byte
	if done {
		buf = a.buf
		delete(d.assemblies, piece)
	}
	d.assemblyMu.Unlock()

	if done {
		d.writePiece(p, piece, buf)
	}

	d.fillBlockPipeline(p)
	return nil
}

func (d *Dispatcher) writePiece(p *peer, piece int, buf []byte) {
	err := d.torrent.WritePiece(piecereader.NewBuffer(buf), piece)
	switch {
	case err == nil:
		d.pieceRequestManager.Clear(piece)
		p.pstats.goodPiecesReceived.Inc()
		p.pstats.consecutiveHashFailures.Store(0)
		p.touchLastGoodPieceReceived()

		d.events.PieceComplete(d.torrent.InfoHash(), piece)
		d.announcePiece(piece, p.id)

		if d.torrent.Complete() {
			d.complete()
		}
		d.maybeRequestMorePieces(p)

	case err == storage.ErrPieceComplete:
		d.pieceRequestManager.Clear(piece)
		p.pstats.duplicatePiecesReceived.Inc()

	case storage.IsPieceVerificationError(err):
		d.log("peer", p, "piece", piece).Errorf("Error writing piece payload: %s", err)
		d.stats.Counter("piece_verification_failures").Inc(1)
		d.pieceRequestManager.MarkInvalid(p.id, piece)
		p.pstats.invalidPiecesReceived.Inc()

		failures := p.pstats.consecutiveHashFailures.Inc()
		if int(failures) >= d.config.BanLimit {
			d.log("peer", p).Errorf("Banning peer after %d consecutive hash failures", failures)
			d.events.PeerBanned(p.id, d.torrent.InfoHash())
			p.messages.Close()
		}

	default:
		d.log("peer", p, "piece", piece).Errorf("Error writing piece payload: %s", err)
		d.pieceRequestManager.MarkInvalid(p.id, piece)
	}
}

// announcePiece advertises a newly completed piece to every other connected
// peer.
func (d *Dispatcher) announcePiece(piece int, from core.PeerID) {
	d.peers.Range(func(k, v interface{}) bool {
		if k.(core.PeerID) == from {
			return true
		}
		v.(*peer).messages.Send(conn.NewHaveMessage(piece))
		return true
	})
}

// updateInterest flips our interest flag based on whether p has pieces we
// are missing.
func (d *Dispatcher) updateInterest(p *peer) {
	candidates := p.bitfield.Intersection(d.torrent.Bitfield().Complement())
	interested := candidates.Count() > 0

	p.mu.Lock()
	defer p.mu.Unlock()

	if interested && !p.amInterested {
		if p.messages.Send(conn.NewInterestedMessage()) == nil {
			p.amInterested = true
		}
	} else if !interested && p.amInterested {
		if p.messages.Send(conn.NewNotInterestedMessage()) == nil {
			p.amInterested = false
		}
	}
}

func (d *Dispatcher) log(args ...interface{}) *zap.SugaredLogger {
	args = append(args, "torrent", d.torrent)
	return d.logger.With(args...)
}

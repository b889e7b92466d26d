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
package scheduler

import (
	"time"

	"github.com/streambit/streambit/core"
	"github.com/streambit/streambit/lib/torrent/scheduler/conn"
	"github.com/streambit/streambit/lib/torrent/scheduler/dispatch"
	"github.com/streambit/streambit/lib/torrent/storage"
	"github.com/streambit/streambit/tracker/announceclient"
	"github.com/streambit/streambit/utils/timeutil"
)

// event describes an external event which modifies state. While the event
// is applying, it is guaranteed to be the only accessor of state.
type event interface {
	apply(*state)
}

// eventLoop represents a serialized list of events to be applied to
// scheduler state.
type eventLoop interface {
	send(event) bool
	sendTimeout(e event, timeout time.Duration) error
	run(*state)
	stop()
}

type baseEventLoop struct {
	events chan event
	done   chan struct{}
}

func newEventLoop() *baseEventLoop {
	return &baseEventLoop{
		events: make(chan event),
		done:   make(chan struct{}),
	}
}

// send sends a new event into l. Should never be called by the same
// goroutine running l (i.e. within apply methods), else deadlock will
// occur. Returns false if l is not running.
func (l *baseEventLoop) send(e event) bool {
	select {
	case l.events <- e:
		return true
	case <-l.done:
		return false
	}
}

func (l *baseEventLoop) sendTimeout(e event, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case l.events <- e:
		return nil
	case <-l.done:
		return ErrSchedulerStopped
	case <-timer.C:
		return ErrSendEventTimedOut
	}
}

func (l *baseEventLoop) run(s *state) {
	for {
		select {
		case e := <-l.events:
			e.apply(s)
		case <-l.done:
			return
		}
	}
}

func (l *baseEventLoop) stop() {
	close(l.done)
}

type liftedEventLoop struct {
	eventLoop
	sched *scheduler
}

// liftEventLoop lifts events from subpackages into an eventLoop.
func liftEventLoop(l eventLoop, s *scheduler) *liftedEventLoop {
	return &liftedEventLoop{l, s}
}

func (l *liftedEventLoop) ConnClosed(c *conn.Conn) {
	l.send(connClosedEvent{c})
}

func (l *liftedEventLoop) DispatcherComplete(d *dispatch.Dispatcher) {
	l.send(dispatcherCompleteEvent{d})
}

func (l *liftedEventLoop) PeerRemoved(peerID core.PeerID, h core.InfoHash) {
	go l.sched.listener.PeerDisconnected(h, peerID)
}

func (l *liftedEventLoop) PeerBanned(peerID core.PeerID, h core.InfoHash) {
	l.send(peerBannedEvent{peerID, h})
}

// PieceComplete bypasses the event loop: piece completions are frequent and
// only notify subscribers.
func (l *liftedEventLoop) PieceComplete(h core.InfoHash, piece int) {
	go l.sched.listener.PieceComplete(h, piece)
}

// connClosedEvent occurs when a connection is closed.
type connClosedEvent struct {
	c *conn.Conn
}

// apply ejects the conn from the scheduler's active connections.
func (e connClosedEvent) apply(s *state) {
	s.conns.DeleteActive(e.c)
	if err := s.conns.Blacklist(e.c.PeerID(), e.c.InfoHash()); err != nil {
		s.log("conn", e.c).Infof("Cannot blacklist active conn: %s", err)
	}
}

// incomingHandshakeEvent occurs when a handshake was received from a new
// connection.
type incomingHandshakeEvent struct {
	pc *conn.PendingConn
}

// apply rejects incoming handshakes for unknown torrents or when the
// torrent is at capacity, and asynchronously establishes the connection
// otherwise.
func (e incomingHandshakeEvent) apply(s *state) {
	if err := s.conns.AddPending(e.pc.PeerID(), e.pc.InfoHash()); err != nil {
		s.log("peer", e.pc.PeerID(), "hash", e.pc.InfoHash()).Infof(
			"Rejecting incoming handshake: %s", err)
		e.pc.Close()
		return
	}
	if _, ok := s.torrentControls[e.pc.InfoHash()]; !ok {
		s.log("hash", e.pc.InfoHash()).Info("Rejecting incoming handshake: torrent not found")
		s.conns.DeletePending(e.pc.PeerID(), e.pc.InfoHash())
		e.pc.Close()
		return
	}
	go s.sched.establishIncomingHandshake(e.pc)
}

// failedIncomingHandshakeEvent occurs when a pending incoming connection
// fails to handshake.
type failedIncomingHandshakeEvent struct {
	peerID   core.PeerID
	infoHash core.InfoHash
}

func (e failedIncomingHandshakeEvent) apply(s *state) {
	s.conns.DeletePending(e.peerID, e.infoHash)
}

// incomingConnEvent occurs when a pending incoming connection finishes
// handshaking.
type incomingConnEvent struct {
	c    *conn.Conn
	info *storage.TorrentInfo
}

// apply transitions a fully-handshaked incoming conn from pending to
// active.
func (e incomingConnEvent) apply(s *state) {
	if err := s.addIncomingConn(e.c, e.info); err != nil {
		s.log("conn", e.c).Errorf("Error adding incoming conn: %s", err)
		e.c.Close()
		return
	}
	s.log("conn", e.c).Info("Added incoming conn")
}

// failedOutgoingHandshakeEvent occurs when a pending outgoing connection
// fails to handshake.
type failedOutgoingHandshakeEvent struct {
	addr     string
	infoHash core.InfoHash
}

func (e failedOutgoingHandshakeEvent) apply(s *state) {
	id := dialPeerID(e.addr)
	s.conns.DeletePending(id, e.infoHash)
	if err := s.conns.Blacklist(id, e.infoHash); err != nil {
		s.log("addr", e.addr, "hash", e.infoHash).Infof("Cannot blacklist pending conn: %s", err)
	}
}

// outgoingConnEvent occurs when a pending outgoing connection finishes
// handshaking.
type outgoingConnEvent struct {
	addr string
	c    *conn.Conn
	info *storage.TorrentInfo
}

// apply transitions a fully-handshaked outgoing conn from pending to
// active.
func (e outgoingConnEvent) apply(s *state) {
	if err := s.addOutgoingConn(e.addr, e.c, e.info); err != nil {
		s.log("conn", e.c).Errorf("Error adding outgoing conn: %s", err)
		e.c.Close()
		return
	}
	s.log("conn", e.c).Infof("Added outgoing conn with %d%% downloaded", e.info.PercentDownloaded())
}

// announceTickEvent occurs periodically to pull torrents which have reached
// their next announce time off the announce queue.
type announceTickEvent struct{}

// apply pulls the next ready torrent and asynchronously announces it to its
// current tracker.
func (e announceTickEvent) apply(s *state) {
	var skipped []core.InfoHash
	for {
		h, ok := s.announceQueue.Next(s.sched.clock.Now())
		if !ok {
			break
		}
		if s.conns.Saturated(h) {
			// No connection slot would be available for returned peers;
			// delay the announce.
			skipped = append(skipped, h)
			continue
		}
		ctrl, ok := s.torrentControls[h]
		if !ok {
			s.log("hash", h).Error("Pulled unknown torrent off announce queue")
			continue
		}
		s.sched.announceFromControl(h, ctrl)
		break
	}
	for _, h := range skipped {
		s.announceQueue.Ready(h, s.sched.clock.Now().Add(s.sched.config.AnnounceTickInterval))
	}
}

// announceResultEvent occurs when an announce response was received from a
// tracker.
type announceResultEvent struct {
	infoHash core.InfoHash
	url      string
	resp     *announceclient.Response
}

// apply opens connections to returned peers if there is capacity, and
// re-schedules the next announce per the tracker's interval.
func (e announceResultEvent) apply(s *state) {
	ctrl, ok := s.torrentControls[e.infoHash]
	if !ok {
		s.log("hash", e.infoHash).Info("Torrent removed after announce response received")
		return
	}
	ctrl.announce.succeeded(e.resp.Interval)
	s.announceQueue.Ready(e.infoHash, s.sched.clock.Now().Add(ctrl.announce.interval))

	go s.sched.listener.AnnounceSuccess(e.infoHash, e.url, e.resp)

	if ctrl.dispatcher.Complete() {
		// Torrent is already complete, don't open any new connections.
		return
	}
	for _, p := range e.resp.Peers {
		if p.PeerID == s.sched.pctx.PeerID {
			// Tracker may return our own peer.
			continue
		}
		addr := p.Addr()
		id := dialPeerID(addr)
		if s.conns.Blacklisted(id, e.infoHash) {
			continue
		}
		if err := s.conns.AddPending(id, e.infoHash); err != nil {
			if err == errTorrentAtCapacity {
				break
			}
			continue
		}
		go s.sched.initializeOutgoingHandshake(addr, ctrl.dispatcher.Stat())
	}
}

// announceErrEvent occurs when an announce request fails.
type announceErrEvent struct {
	infoHash core.InfoHash
	url      string
	err      error
}

// apply rotates the torrent to its next tracker and rate-limits the retry.
func (e announceErrEvent) apply(s *state) {
	s.log("hash", e.infoHash, "url", e.url).Errorf("Error announcing: %s", e.err)
	ctrl, ok := s.torrentControls[e.infoHash]
	if !ok {
		return
	}
	ctrl.announce.failed()
	s.announceQueue.Ready(e.infoHash, s.sched.clock.Now().Add(ctrl.announce.interval))

	go s.sched.listener.AnnounceFailure(e.infoHash, e.url, e.err)
}

// newTorrentEvent occurs when a new torrent was requested for download.
type newTorrentEvent struct {
	torrent storage.Torrent
	tiers   [][]string
	errc    chan error
}

// apply begins leeching a new torrent and announces it immediately.
func (e newTorrentEvent) apply(s *state) {
	ctrl, ok := s.torrentControls[e.torrent.InfoHash()]
	if !ok {
		var err error
		ctrl, err = s.addTorrent(e.torrent, e.tiers)
		if err != nil {
			e.errc <- err
			return
		}
		s.log("torrent", e.torrent).Info("Added new torrent")
	}
	e.errc <- nil

	if h, ok := s.announceQueue.Next(s.sched.clock.Now()); ok {
		if h == e.torrent.InfoHash() {
			s.sched.announceFromControl(h, ctrl)
		} else {
			s.announceQueue.Ready(h, s.sched.clock.Now())
		}
	}
}

// dispatcherCompleteEvent occurs when a dispatcher finishes downloading its
// torrent.
type dispatcherCompleteEvent struct {
	dispatcher *dispatch.Dispatcher
}

// apply queues the torrent's final "completed" announce.
func (e dispatcherCompleteEvent) apply(s *state) {
	infoHash := e.dispatcher.InfoHash()

	s.conns.ClearBlacklist(infoHash)
	ctrl, ok := s.torrentControls[infoHash]
	if !ok {
		s.log("dispatcher", e.dispatcher).Error("Completed dispatcher not found")
		return
	}
	ctrl.announce.markCompleted()

	s.log("hash", infoHash).Info("Torrent complete")
	go s.sched.listener.TorrentComplete(infoHash)

	// Announce the completion immediately.
	s.sched.announceFromControl(infoHash, ctrl)
}

// peerBannedEvent occurs when a dispatcher bans a peer for repeated hash
// failures.
type peerBannedEvent struct {
	peerID   core.PeerID
	infoHash core.InfoHash
}

func (e peerBannedEvent) apply(s *state) {
	if err := s.conns.Ban(e.peerID, e.infoHash); err != nil {
		s.log("peer", e.peerID, "hash", e.infoHash).Infof("Cannot ban peer: %s", err)
	}
	go s.sched.listener.PeerBanned(e.infoHash, e.peerID)
}

// stopTorrentEvent stops leeching a torrent while retaining its persisted
// state, e.g. on pause.
type stopTorrentEvent struct {
	infoHash core.InfoHash
	errc     chan error
}

func (e stopTorrentEvent) apply(s *state) {
	ctrl, ok := s.torrentControls[e.infoHash]
	if !ok {
		e.errc <- ErrTorrentNotFound
		return
	}
	s.sched.announceStopped(e.infoHash, ctrl)
	s.removeTorrent(e.infoHash)
	e.errc <- nil
}

// removeTorrentEvent stops a torrent and deletes its data from disk.
type removeTorrentEvent struct {
	infoHash core.InfoHash
	errc     chan error
}

func (e removeTorrentEvent) apply(s *state) {
	if ctrl, ok := s.torrentControls[e.infoHash]; ok {
		s.sched.announceStopped(e.infoHash, ctrl)
		s.removeTorrent(e.infoHash)
	}
	e.errc <- s.sched.torrentArchive.DeleteTorrent(e.infoHash)
}

// preemptionTickEvent occurs periodically to preempt unneeded conns.
type preemptionTickEvent struct{}

func (e preemptionTickEvent) apply(s *state) {
	for _, c := range s.conns.ActiveConns() {
		ctrl, ok := s.torrentControls[c.InfoHash()]
		if !ok {
			s.log("conn", c).Error(
				"Invariant violation: active conn not assigned to dispatcher")
			c.Close()
			continue
		}
		lastProgress := timeutil.MostRecent(
			c.CreatedAt(),
			ctrl.dispatcher.LastGoodPieceReceived(c.PeerID()),
			ctrl.dispatcher.LastPieceSent(c.PeerID()))
		if s.sched.clock.Now().Sub(lastProgress) > s.sched.config.ConnTTI {
			s.log("conn", c).Info("Closing idle conn")
			c.Close()
			continue
		}
		if s.sched.clock.Now().Sub(c.CreatedAt()) > s.sched.config.ConnTTL {
			s.log("conn", c).Info("Closing expired conn")
			c.Close()
		}
	}
}

// emitStatsEvent occurs periodically to emit scheduler stats.
type emitStatsEvent struct{}

func (e emitStatsEvent) apply(s *state) {
	s.sched.stats.Gauge("torrents").Update(float64(len(s.torrentControls)))
}

// probeEvent occurs when a probe is manually requested via scheduler API.
// The event loop is unbuffered, so if a probe can be successfully sent,
// then the event loop is healthy.
type probeEvent struct{}

func (e probeEvent) apply(*state) {}

// shutdownEvent stops the event loop and tears down all active torrents and
// connections.
type shutdownEvent struct{}

func (e shutdownEvent) apply(s *state) {
	for h, ctrl := range s.torrentControls {
		s.sched.announceStopped(h, ctrl)
		ctrl.dispatcher.TearDown()
	}
	for _, c := range s.conns.ActiveConns() {
		s.log("conn", c).Info("Closing conn to stop scheduler")
		c.Close()
	}
	s.sched.eventLoop.stop()
}

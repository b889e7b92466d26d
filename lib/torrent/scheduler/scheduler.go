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
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/uber-go/tally"
	"go.uber.org/zap"
	"golang.org/x/sync/syncmap"

	"github.com/streambit/streambit/core"
	"github.com/streambit/streambit/lib/torrent/scheduler/announcequeue"
	"github.com/streambit/streambit/lib/torrent/scheduler/conn"
	"github.com/streambit/streambit/lib/torrent/scheduler/dispatch"
	"github.com/streambit/streambit/lib/torrent/scheduler/dispatch/piecerequest"
	"github.com/streambit/streambit/lib/torrent/storage"
	"github.com/streambit/streambit/tracker/announceclient"
	"github.com/streambit/streambit/utils/log"
)

// Scheduler errors.
var (
	ErrTorrentNotFound   = errors.New("torrent not found")
	ErrSchedulerStopped  = errors.New("scheduler has been stopped")
	ErrSendEventTimedOut = errors.New("event loop send timed out")
)

// PeerContext identifies the local peer to trackers and remote peers.
type PeerContext struct {
	PeerID core.PeerID
	IP     string
	Port   int
}

// NewPeerContext generates a PeerContext with a random peer id.
func NewPeerContext(ip string, port int) (PeerContext, error) {
	peerID, err := core.RandomPeerID()
	if err != nil {
		return PeerContext{}, fmt.Errorf("random peer id: %s", err)
	}
	return PeerContext{PeerID: peerID, IP: ip, Port: port}, nil
}

// Scheduler defines operations for the peer-wire engine: it accepts
// torrents to leech, announces them to their trackers, maintains peer
// sessions, and reorders piece work under streaming pressure.
type Scheduler interface {
	Stop()
	AddTorrent(mi *core.MetaInfo) error
	StopTorrent(h core.InfoHash) error
	RemoveTorrent(h core.InfoHash) error
	Pin(h core.InfoHash, piece int, priority piecerequest.Priority) error
	Unpin(h core.InfoHash, piece int) error
	NumPeers(h core.InfoHash) int
	Probe() error
}

type scheduler struct {
	pctx           PeerContext
	config         Config
	clock          clock.Clock
	torrentArchive storage.TorrentArchive
	stats          tally.Scope

	handshaker *conn.Handshaker

	eventLoop *liftedEventLoop

	listener Listener

	listenerNet net.Listener

	announceTick   <-chan time.Time
	preemptionTick <-chan time.Time
	emitStatsTick  <-chan time.Time

	announceClient announceclient.Client

	// dispatchers mirrors the event loop's torrent controls for lock-free
	// reads on hot paths (Pin / Unpin / Stat).
	dispatchers syncmap.Map // core.InfoHash -> *dispatch.Dispatcher

	logger *zap.SugaredLogger

	// The following fields orchestrate the stopping of the scheduler.
	stopOnce sync.Once      // Ensures the stop sequence is executed only once.
	done     chan struct{}  // Signals all goroutines to exit.
	wg       sync.WaitGroup // Waits for eventLoop, listenLoop and tickerLoop to exit.
}

// schedOverrides defines scheduler fields which may be overridden for
// testing purposes.
type schedOverrides struct {
	clock     clock.Clock
	eventLoop eventLoop
}

// Option overrides a default scheduler field.
type Option func(*schedOverrides)

// WithClock overrides the scheduler clock.
func WithClock(c clock.Clock) Option {
	return func(o *schedOverrides) { o.clock = c }
}

func withEventLoop(l eventLoop) Option {
	return func(o *schedOverrides) { o.eventLoop = l }
}

// New creates and starts a Scheduler.
func New(
	config Config,
	ta storage.TorrentArchive,
	stats tally.Scope,
	pctx PeerContext,
	announceClient announceclient.Client,
	listener Listener,
	options ...Option) (Scheduler, error) {

	s, err := newScheduler(config, ta, stats, pctx, announceClient, listener, options...)
	if err != nil {
		return nil, err
	}
	if err := s.start(announcequeue.New()); err != nil {
		return nil, err
	}
	return s, nil
}

// newScheduler creates a scheduler with no side effects for testing
// purposes.
func newScheduler(
	config Config,
	ta storage.TorrentArchive,
	stats tally.Scope,
	pctx PeerContext,
	announceClient announceclient.Client,
	listener Listener,
	options ...Option) (*scheduler, error) {

	config = config.applyDefaults()

	if listener == nil {
		listener = NoopListener{}
	}

	stats = stats.Tagged(map[string]string{
		"module": "scheduler",
	})

	overrides := schedOverrides{
		clock:     clock.New(),
		eventLoop: newEventLoop(),
	}
	for _, opt := range options {
		opt(&overrides)
	}

	var preemptionTick <-chan time.Time
	if !config.DisablePreemption {
		preemptionTick = overrides.clock.Tick(config.PreemptionInterval)
	}

	s := &scheduler{
		pctx:           pctx,
		config:         config,
		clock:          overrides.clock,
		torrentArchive: ta,
		stats:          stats,
		listener:       listener,
		announceTick:   overrides.clock.Tick(config.AnnounceTickInterval),
		preemptionTick: preemptionTick,
		emitStatsTick:  overrides.clock.Tick(config.EmitStatsInterval),
		announceClient: announceClient,
		logger:         log.Default(),
		done:           make(chan struct{}),
	}
	s.eventLoop = liftEventLoop(overrides.eventLoop, s)
	s.handshaker = conn.NewHandshaker(
		config.Conn, stats, overrides.clock, pctx.PeerID, s.eventLoop, s.logger)

	if config.DisablePreemption {
		s.log().Warn("Preemption disabled")
	}
	if config.Blacklist.Disabled {
		s.log().Warn("Blacklisting disabled")
	}

	return s, nil
}

// start asynchronously starts all scheduler loops.
func (s *scheduler) start(aq announcequeue.Queue) error {
	s.log().Infof(
		"Scheduler starting as peer %s on addr %s:%d",
		s.pctx.PeerID, s.pctx.IP, s.pctx.Port)

	l, err := net.Listen("tcp", fmt.Sprintf(":%d", s.pctx.Port))
	if err != nil {
		return err
	}
	s.listenerNet = l

	s.wg.Add(3)
	go s.runEventLoop(aq) // Careful, this should be the only reference to aq.
	go s.listenLoop()
	go s.tickerLoop()

	return nil
}

// Stop shuts down the scheduler.
func (s *scheduler) Stop() {
	s.stopOnce.Do(func() {
		s.log().Info("Stopping scheduler...")

		close(s.done)
		s.listenerNet.Close()
		s.eventLoop.send(shutdownEvent{})

		// Waits for all loops to stop.
		s.wg.Wait()

		s.log().Info("Scheduler stopped")
	})
}

// AddTorrent opens the storage torrent for mi and begins leeching and
// announcing it. Returns once the torrent is registered; download progress
// is reported through the Listener.
func (s *scheduler) AddTorrent(mi *core.MetaInfo) error {
	t, err := s.torrentArchive.CreateTorrent(mi)
	if err != nil {
		return fmt.Errorf("create torrent: %s", err)
	}

	// Buffer size of 1 so sends do not block.
	errc := make(chan error, 1)
	if !s.eventLoop.send(newTorrentEvent{t, mi.AnnounceTiers(), errc}) {
		return ErrSchedulerStopped
	}
	return <-errc
}

// StopTorrent stops leeching and announcing h. Persisted state and
// downloaded data are retained.
func (s *scheduler) StopTorrent(h core.InfoHash) error {
	errc := make(chan error, 1)
	if !s.eventLoop.send(stopTorrentEvent{h, errc}) {
		return ErrSchedulerStopped
	}
	return <-errc
}

// RemoveTorrent stops h and deletes its data from disk.
func (s *scheduler) RemoveTorrent(h core.InfoHash) error {
	errc := make(chan error, 1)
	if !s.eventLoop.send(removeTorrentEvent{h, errc}) {
		return ErrSchedulerStopped
	}
	return <-errc
}

// Pin raises the priority of piece within torrent h. Used by streaming
// readers to pull pieces ahead of the playback position.
func (s *scheduler) Pin(h core.InfoHash, piece int, priority piecerequest.Priority) error {
	d, ok := s.dispatchers.Load(h)
	if !ok {
		return ErrTorrentNotFound
	}
	d.(*dispatch.Dispatcher).Pin(piece, priority)
	return nil
}

// Unpin resets the priority of piece within torrent h.
func (s *scheduler) Unpin(h core.InfoHash, piece int) error {
	d, ok := s.dispatchers.Load(h)
	if !ok {
		return ErrTorrentNotFound
	}
	d.(*dispatch.Dispatcher).Unpin(piece)
	return nil
}

// NumPeers returns the number of connected peers for h.
func (s *scheduler) NumPeers(h core.InfoHash) int {
	d, ok := s.dispatchers.Load(h)
	if !ok {
		return 0
	}
	return d.(*dispatch.Dispatcher).NumPeers()
}

// Probe verifies that the scheduler event loop is running and unblocked.
func (s *scheduler) Probe() error {
	return s.eventLoop.sendTimeout(probeEvent{}, s.config.ProbeTimeout)
}

func (s *scheduler) runEventLoop(aq announcequeue.Queue) {
	defer s.wg.Done()

	s.eventLoop.run(newState(s, aq))
}

// listenLoop accepts incoming connections.
func (s *scheduler) listenLoop() {
	defer s.wg.Done()

	s.log().Infof("Listening on %s", s.listenerNet.Addr().String())
	for {
		nc, err := s.listenerNet.Accept()
		if err != nil {
			s.log().Infof("Error accepting new conn, exiting listen loop: %s", err)
			return
		}
		go func() {
			pc, err := s.handshaker.Accept(nc)
			if err != nil {
				s.log().Infof("Error accepting handshake, closing net conn: %s", err)
				nc.Close()
				return
			}
			s.eventLoop.send(incomingHandshakeEvent{pc})
		}()
	}
}

// tickerLoop periodically emits various tick events.
func (s *scheduler) tickerLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.announceTick:
			s.eventLoop.send(announceTickEvent{})
		case <-s.preemptionTick:
			s.eventLoop.send(preemptionTickEvent{})
		case <-s.emitStatsTick:
			s.eventLoop.send(emitStatsEvent{})
		case <-s.done:
			return
		}
	}
}

// announceFromControl snapshots announce parameters from ctrl and issues
// the announce off the event loop goroutine.
func (s *scheduler) announceFromControl(h core.InfoHash, ctrl *torrentControl) {
	url, ok := ctrl.announce.url()
	if !ok {
		return
	}
	req := &announceclient.Request{
		InfoHash:   h,
		PeerID:     s.pctx.PeerID,
		Port:       s.pctx.Port,
		Downloaded: ctrl.dispatcher.BytesDownloaded(),
		Left:       ctrl.dispatcher.Length() - ctrl.dispatcher.BytesDownloaded(),
		Event:      ctrl.announce.event(),
	}
	go s.announce(h, url, req)
}

func (s *scheduler) announce(h core.InfoHash, url string, req *announceclient.Request) {
	resp, err := s.announceClient.Announce(url, req)
	if err != nil {
		if err != announceclient.ErrDisabled {
			s.eventLoop.send(announceErrEvent{h, url, err})
		}
		return
	}
	s.eventLoop.send(announceResultEvent{h, url, resp})
}

// announceStopped issues a best-effort "stopped" event to the torrent's
// current tracker.
func (s *scheduler) announceStopped(h core.InfoHash, ctrl *torrentControl) {
	url, ok := ctrl.announce.url()
	if !ok {
		return
	}
	req := &announceclient.Request{
		InfoHash:   h,
		PeerID:     s.pctx.PeerID,
		Port:       s.pctx.Port,
		Downloaded: ctrl.dispatcher.BytesDownloaded(),
		Left:       ctrl.dispatcher.Length() - ctrl.dispatcher.BytesDownloaded(),
		Event:      announceclient.EventStopped,
	}
	go s.announceClient.Announce(url, req)
}

// failIncomingHandshake cleans up a pending incoming conn which could not
// be established.
func (s *scheduler) failIncomingHandshake(pc *conn.PendingConn, err error) {
	s.log(
		"peer", pc.PeerID(),
		"hash", pc.InfoHash()).Infof("Error accepting incoming handshake: %s", err)
	pc.Close()
	s.eventLoop.send(failedIncomingHandshakeEvent{pc.PeerID(), pc.InfoHash()})
}

// establishIncomingHandshake attempts to establish a pending conn
// initialized by a remote peer. Success / failure is communicated via
// events.
func (s *scheduler) establishIncomingHandshake(pc *conn.PendingConn) {
	info, err := s.torrentArchive.Stat(pc.InfoHash())
	if err != nil {
		s.failIncomingHandshake(pc, fmt.Errorf("torrent stat: %s", err))
		return
	}
	c, err := s.handshaker.Establish(pc, info)
	if err != nil {
		s.failIncomingHandshake(pc, fmt.Errorf("establish handshake: %s", err))
		return
	}
	s.eventLoop.send(incomingConnEvent{c, info})
}

// initializeOutgoingHandshake attempts to initialize a conn to a remote
// peer. Success / failure is communicated via events.
func (s *scheduler) initializeOutgoingHandshake(addr string, info *storage.TorrentInfo) {
	c, err := s.handshaker.Initialize(addr, info)
	if err != nil {
		s.log(
			"hash", info.InfoHash(),
			"addr", addr).Infof("Error initializing outgoing handshake: %s", err)
		s.eventLoop.send(failedOutgoingHandshakeEvent{addr, info.InfoHash()})
		return
	}
	s.eventLoop.send(outgoingConnEvent{addr, c, info})
}

func (s *scheduler) log(args ...interface{}) *zap.SugaredLogger {
	return s.logger.With(args...)
}

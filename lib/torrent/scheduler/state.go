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
	"fmt"

	"github.com/streambit/streambit/core"
	"github.com/streambit/streambit/lib/torrent/scheduler/announcequeue"
	"github.com/streambit/streambit/lib/torrent/scheduler/conn"
	"github.com/streambit/streambit/lib/torrent/scheduler/dispatch"
	"github.com/streambit/streambit/lib/torrent/storage"

	"github.com/willf/bitset"
	"go.uber.org/zap"
)

// torrentControl bundles torrent control structures.
type torrentControl struct {
	dispatcher *dispatch.Dispatcher
	announce   *announceState
}

// state is modified exclusively by the event loop.
type state struct {
	sched           *scheduler
	torrentControls map[core.InfoHash]*torrentControl
	conns           *connState
	announceQueue   announcequeue.Queue
}

func newState(s *scheduler, aq announcequeue.Queue) *state {
	return &state{
		sched:           s,
		torrentControls: make(map[core.InfoHash]*torrentControl),
		conns: newConnState(
			s.pctx.PeerID,
			s.config.Blacklist,
			s.config.MaxOpenConnectionsPerTorrent,
			s.clock),
		announceQueue: aq,
	}
}

// addTorrent initializes a torrentControl for t and enters it into the
// announce rotation.
func (s *state) addTorrent(t storage.Torrent, tiers [][]string) (*torrentControl, error) {
	h := t.InfoHash()
	if _, ok := s.torrentControls[h]; ok {
		return nil, fmt.Errorf("torrent already added")
	}
	ctrl := &torrentControl{
		dispatcher: dispatch.New(
			s.sched.config.Dispatch,
			s.sched.stats,
			s.sched.clock,
			s.sched.eventLoop,
			s.sched.pctx.PeerID,
			t,
			s.sched.logger),
		announce: newAnnounceState(tiers, s.sched.config.DefaultAnnounceInterval),
	}
	s.torrentControls[h] = ctrl
	s.sched.dispatchers.Store(h, ctrl.dispatcher)
	s.conns.InitCapacity(h)
	s.announceQueue.Add(h)
	return ctrl, nil
}

// removeTorrent tears down the torrentControl of h, closing every conn. The
// storage torrent is left untouched.
func (s *state) removeTorrent(h core.InfoHash) {
	ctrl, ok := s.torrentControls[h]
	if !ok {
		return
	}
	ctrl.dispatcher.TearDown()
	s.announceQueue.Eject(h)
	s.conns.ClearBlacklist(h)
	s.conns.FreeCapacity(h)
	s.sched.dispatchers.Delete(h)
	delete(s.torrentControls, h)

	for _, c := range s.conns.ActiveConns() {
		if c.InfoHash() == h {
			c.Close()
		}
	}
}

// addIncomingConn upgrades an established incoming conn into the dispatcher
// of its torrent.
func (s *state) addIncomingConn(c *conn.Conn, info *storage.TorrentInfo) error {
	if err := s.conns.MovePendingToActive(c); err != nil {
		return fmt.Errorf("move pending to active: %s", err)
	}
	return s.registerConn(c, info)
}

// addOutgoingConn upgrades an established outgoing conn into the dispatcher
// of its torrent. The pending slot was reserved under the dial address
// before the remote peer id was known.
func (s *state) addOutgoingConn(addr string, c *conn.Conn, info *storage.TorrentInfo) error {
	s.conns.DeletePending(dialPeerID(addr), c.InfoHash())
	if err := s.conns.AddActive(c); err != nil {
		return fmt.Errorf("add active: %s", err)
	}
	return s.registerConn(c, info)
}

func (s *state) registerConn(c *conn.Conn, info *storage.TorrentInfo) error {
	ctrl, ok := s.torrentControls[c.InfoHash()]
	if !ok {
		return fmt.Errorf("torrent not found")
	}
	// The remote bitfield arrives as the peer's first wire message.
	empty := bitset.New(uint(info.MetaInfo().NumPieces()))
	if err := ctrl.dispatcher.AddPeer(c.PeerID(), empty, c); err != nil {
		return fmt.Errorf("add peer: %s", err)
	}
	c.Start()
	go s.sched.listener.PeerConnected(c.InfoHash(), c.PeerID(), c.RemoteAddr())
	return nil
}

// dialPeerID derives a synthetic peer id from a dial address, used to track
// pending outgoing conns before the real peer id is learned during the
// handshake.
func dialPeerID(addr string) core.PeerID {
	p, err := core.HashedPeerID(addr)
	if err != nil {
		panic(fmt.Sprintf("hashed peer id: %s", err))
	}
	return p
}

func (s *state) log(args ...interface{}) *zap.SugaredLogger {
	return s.sched.log(args...)
}

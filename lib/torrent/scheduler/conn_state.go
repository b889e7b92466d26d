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
	"math"
	"time"

	"github.com/streambit/streambit/core"
	"github.com/streambit/streambit/lib/torrent/scheduler/conn"
	"github.com/streambit/streambit/utils/log"

	"github.com/andres-erbsen/clock"
)

var errTorrentAtCapacity = errors.New("torrent is at capacity")
var errConnAlreadyPending = errors.New("conn is already pending")
var errConnAlreadyActive = errors.New("conn is already active")

type blacklistError struct {
	remaining time.Duration
}

func (e blacklistError) Error() string {
	return fmt.Sprintf("conn is blacklisted for another %.1f seconds", e.remaining.Seconds())
}

type connKey struct {
	peerID   core.PeerID
	infoHash core.InfoHash
}

type blacklistEntry struct {
	expiration time.Time
	failures   int
}

func (e *blacklistEntry) Blacklisted(now time.Time) bool {
	return e.Remaining(now) > 0
}

func (e *blacklistEntry) Remaining(now time.Time) time.Duration {
	return e.expiration.Sub(now)
}

// connState tracks pending and active conns, and the capacity each torrent
// has for more of them. Failed conns are blacklisted with exponential
// expiration so dead peers are not hammered.
type connState struct {
	localPeerID core.PeerID
	config      BlacklistConfig
	capacity    map[core.InfoHash]int
	active      map[connKey]*conn.Conn
	pending     map[connKey]bool
	blacklist   map[connKey]*blacklistEntry
	maxPerTorrent int
	clk         clock.Clock
}

func newConnState(
	localPeerID core.PeerID,
	config BlacklistConfig,
	maxPerTorrent int,
	clk clock.Clock) *connState {

	return &connState{
		localPeerID:   localPeerID,
		config:        config,
		capacity:      make(map[core.InfoHash]int),
		active:        make(map[connKey]*conn.Conn),
		pending:       make(map[connKey]bool),
		blacklist:     make(map[connKey]*blacklistEntry),
		maxPerTorrent: maxPerTorrent,
		clk:           clk,
	}
}

// InitCapacity initializes the connection capacity for the torrent of
// infoHash.
func (s *connState) InitCapacity(infoHash core.InfoHash) {
	s.capacity[infoHash] = s.maxPerTorrent
}

// FreeCapacity clears all capacity tracking for infoHash.
func (s *connState) FreeCapacity(infoHash core.InfoHash) {
	delete(s.capacity, infoHash)
}

// ActiveConns returns a list of all active conns.
func (s *connState) ActiveConns() []*conn.Conn {
	conns := make([]*conn.Conn, 0, len(s.active))
	for _, c := range s.active {
		conns = append(conns, c)
	}
	return conns
}

// Saturated returns true if the torrent of infoHash has reached its max
// capacity of active conns.
func (s *connState) Saturated(infoHash core.InfoHash) bool {
	if _, ok := s.capacity[infoHash]; !ok {
		return false
	}
	var numActive int
	for k := range s.active {
		if k.infoHash == infoHash {
			numActive++
		}
	}
	return numActive >= s.maxPerTorrent
}

// Blacklist blacklists peerID/infoHash for InitialExpiration plus
// (ExpirationBackoff^failures - 1) seconds, capped at MaxExpiration.
func (s *connState) Blacklist(peerID core.PeerID, infoHash core.InfoHash) error {
	return s.blacklistFor(peerID, infoHash, 0)
}

// Ban blacklists peerID/infoHash for the long ban expiration, used for
// peers which repeatedly served corrupt pieces.
func (s *connState) Ban(peerID core.PeerID, infoHash core.InfoHash) error {
	return s.blacklistFor(peerID, infoHash, s.config.BanExpiration)
}

func (s *connState) blacklistFor(
	peerID core.PeerID, infoHash core.InfoHash, d time.Duration) error {

	if s.config.Disabled {
		return nil
	}
	k := connKey{peerID, infoHash}
	e, ok := s.blacklist[k]
	if ok && e.Blacklisted(s.clk.Now()) && d == 0 {
		return errors.New("conn is already blacklisted")
	}
	if !ok {
		e = &blacklistEntry{}
		s.blacklist[k] = e
	}
	if d == 0 {
		n := math.Ceil(math.Pow(s.config.ExpirationBackoff, float64(e.failures))) - 1
		d = s.config.InitialExpiration + time.Duration(n)*time.Second
		if d > s.config.MaxExpiration {
			d = s.config.MaxExpiration
		}
	}
	e.expiration = s.clk.Now().Add(d)
	e.failures++
	log.With("peer", peerID, "hash", infoHash).Infof(
		"Conn blacklisted for %.1f seconds after %d failures", d.Seconds(), e.failures)
	return nil
}

// Blacklisted returns true if peerID/infoHash is currently blacklisted.
func (s *connState) Blacklisted(peerID core.PeerID, infoHash core.InfoHash) bool {
	e, ok := s.blacklist[connKey{peerID, infoHash}]
	return ok && e.Blacklisted(s.clk.Now())
}

// ClearBlacklist resets the blacklist for all peers of infoHash.
func (s *connState) ClearBlacklist(h core.InfoHash) {
	for k := range s.blacklist {
		if k.infoHash == h {
			delete(s.blacklist, k)
		}
	}
}

// AddPending reserves a conn slot for peerID/infoHash while its handshake
// is in flight.
func (s *connState) AddPending(peerID core.PeerID, infoHash core.InfoHash) error {
	k := connKey{peerID, infoHash}
	if e, ok := s.blacklist[k]; ok {
		now := s.clk.Now()
		if e.Blacklisted(now) {
			return blacklistError{remaining: e.Remaining(now)}
		}
	}
	if s.capacity[infoHash] == 0 {
		return errTorrentAtCapacity
	}
	if s.pending[k] {
		return errConnAlreadyPending
	}
	if _, ok := s.active[k]; ok {
		return errConnAlreadyActive
	}
	s.pending[k] = true
	s.capacity[infoHash]--
	return nil
}

// DeletePending frees the slot reserved via AddPending.
func (s *connState) DeletePending(peerID core.PeerID, infoHash core.InfoHash) {
	k := connKey{peerID, infoHash}
	if !s.pending[k] {
		return
	}
	delete(s.pending, k)
	if _, ok := s.capacity[infoHash]; ok {
		s.capacity[infoHash]++
	}
}

// MovePendingToActive upgrades a pending conn to active.
func (s *connState) MovePendingToActive(c *conn.Conn) error {
	k := connKey{c.PeerID(), c.InfoHash()}
	if !s.pending[k] {
		return errors.New("conn must be pending to transition to active")
	}
	delete(s.pending, k)
	s.active[k] = c
	return nil
}

// AddActive inserts a conn directly into the active set, consuming a
// capacity slot. Used for outgoing conns whose pending slot was tracked
// under the dial address.
func (s *connState) AddActive(c *conn.Conn) error {
	k := connKey{c.PeerID(), c.InfoHash()}
	if _, ok := s.active[k]; ok {
		return errConnAlreadyActive
	}
	if s.capacity[k.infoHash] == 0 {
		return errTorrentAtCapacity
	}
	s.active[k] = c
	s.capacity[k.infoHash]--
	return nil
}

// DeleteActive removes an active conn. Returns false if the conn was not
// active (e.g. it was replaced by a newer conn to the same peer).
func (s *connState) DeleteActive(c *conn.Conn) bool {
	k := connKey{c.PeerID(), c.InfoHash()}
	cur, ok := s.active[k]
	if !ok || cur != c {
		return false
	}
	delete(s.active, k)
	if _, ok := s.capacity[k.infoHash]; ok {
		s.capacity[k.infoHash]++
	}
	return true
}

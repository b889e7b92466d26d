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
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/streambit/streambit/core"
	"github.com/streambit/streambit/lib/torrent/storage"

	"github.com/andres-erbsen/clock"
	"github.com/uber-go/tally"
	"go.uber.org/zap"
)

const _protocolName = "BitTorrent protocol"

// handshake is the fixed 68-byte connection preamble: a one byte protocol
// name length, the protocol name, eight reserved bytes, the info hash, and
// the sender's peer id.
type handshake struct {
	infoHash core.InfoHash
	peerID   core.PeerID
}

func (h *handshake) encode() []byte {
	b := make([]byte, 0, 68)
	b = append(b, byte(len(_protocolName)))
	b = append(b, _protocolName...)
	b = append(b, make([]byte, 8)...) // Reserved.
	b = append(b, h.infoHash.Bytes()...)
	b = append(b, h.peerID.Bytes()...)
	return b
}

func readHandshake(nc net.Conn, timeout time.Duration) (*handshake, error) {
	if err := nc.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, fmt.Errorf("set read deadline: %s", err)
	}
	var b [68]byte
	if _, err := io.ReadFull(nc, b[:]); err != nil {
		return nil, fmt.Errorf("read handshake: %s", err)
	}
	if int(b[0]) != len(_protocolName) {
		return nil, fmt.Errorf("unexpected protocol name length: %d", b[0])
	}
	if string(b[1:20]) != _protocolName {
		return nil, errors.New("unexpected protocol name")
	}
	var h handshake
	copy(h.infoHash[:], b[28:48])
	peerID, err := core.NewPeerIDFromBytes(b[48:68])
	if err != nil {
		return nil, fmt.Errorf("peer id: %s", err)
	}
	h.peerID = peerID
	return &h, nil
}

func sendHandshake(nc net.Conn, h *handshake, timeout time.Duration) error {
	if err := nc.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return fmt.Errorf("set write deadline: %s", err)
	}
	b := h.encode()
	for len(b) > 0 {
		n, err := nc.Write(b)
		if err != nil {
			return fmt.Errorf("write handshake: %s", err)
		}
		b = b[n:]
	}
	return nil
}

// PendingConn represents a half-opened connection initialized by a remote
// peer: their handshake has been read, ours not yet sent.
type PendingConn struct {
	handshake *handshake
	nc        net.Conn
}

// PeerID returns the remote peer id.
func (pc *PendingConn) PeerID() core.PeerID {
	return pc.handshake.peerID
}

// InfoHash returns the info hash of the torrent the remote peer wants to
// open.
func (pc *PendingConn) InfoHash() core.InfoHash {
	return pc.handshake.infoHash
}

// Close closes the connection.
func (pc *PendingConn) Close() {
	pc.nc.Close()
}

// Handshaker establishes connections to other peers.
type Handshaker struct {
	config      Config
	stats       tally.Scope
	clk         clock.Clock
	localPeerID core.PeerID
	events      Events
	logger      *zap.SugaredLogger
}

// NewHandshaker creates a new Handshaker.
func NewHandshaker(
	config Config,
	stats tally.Scope,
	clk clock.Clock,
	localPeerID core.PeerID,
	events Events,
	logger *zap.SugaredLogger) *Handshaker {

	config = config.applyDefaults()

	stats = stats.Tagged(map[string]string{
		"module": "conn",
	})

	return &Handshaker{
		config:      config,
		stats:       stats,
		clk:         clk,
		localPeerID: localPeerID,
		events:      events,
		logger:      logger,
	}
}

// Accept upgrades a raw network connection opened by a remote peer into a
// PendingConn. Rejects peers which advertise our own peer id.
func (h *Handshaker) Accept(nc net.Conn) (*PendingConn, error) {
	hs, err := readHandshake(nc, h.config.HandshakeTimeout)
	if err != nil {
		return nil, err
	}
	if hs.peerID == h.localPeerID {
		return nil, errors.New("remote peer advertises our own peer id")
	}
	return &PendingConn{hs, nc}, nil
}

// Establish upgrades a PendingConn returned via Accept into a fully
// established Conn by replying with our handshake and bitfield.
func (h *Handshaker) Establish(pc *PendingConn, info *storage.TorrentInfo) (*Conn, error) {
	if pc.handshake.infoHash != info.InfoHash() {
		return nil, errors.New("info hash mismatch")
	}
	hs := &handshake{infoHash: info.InfoHash(), peerID: h.localPeerID}
	if err := sendHandshake(pc.nc, hs, h.config.HandshakeTimeout); err != nil {
		return nil, fmt.Errorf("send handshake: %s", err)
	}
	if err := sendMessageWithTimeout(
		pc.nc, NewBitfieldMessage(info.Bitfield()), h.config.HandshakeTimeout); err != nil {
		return nil, fmt.Errorf("send bitfield: %s", err)
	}
	c, err := h.newConn(pc.nc, pc.handshake.peerID, info, true)
	if err != nil {
		return nil, fmt.Errorf("new conn: %s", err)
	}
	return c, nil
}

// Initialize returns a fully established Conn for the given torrent to the
// given address: dials, exchanges handshakes, and advertises our bitfield.
func (h *Handshaker) Initialize(addr string, info *storage.TorrentInfo) (*Conn, error) {
	nc, err := net.DialTimeout("tcp", addr, h.config.ConnectTimeout)
	if err != nil {
		return nil, fmt.Errorf("dial: %s", err)
	}
	c, err := h.fullHandshake(nc, info)
	if err != nil {
		nc.Close()
		return nil, err
	}
	return c, nil
}

func (h *Handshaker) fullHandshake(nc net.Conn, info *storage.TorrentInfo) (*Conn, error) {
	hs := &handshake{infoHash: info.InfoHash(), peerID: h.localPeerID}
	if err := sendHandshake(nc, hs, h.config.HandshakeTimeout); err != nil {
		return nil, fmt.Errorf("send handshake: %s", err)
	}
	remote, err := readHandshake(nc, h.config.HandshakeTimeout)
	if err != nil {
		return nil, err
	}
	if remote.infoHash != info.InfoHash() {
		return nil, errors.New("info hash mismatch")
	}
	if remote.peerID == h.localPeerID {
		return nil, errors.New("remote peer advertises our own peer id")
	}
	if err := sendMessageWithTimeout(
		nc, NewBitfieldMessage(info.Bitfield()), h.config.HandshakeTimeout); err != nil {
		return nil, fmt.Errorf("send bitfield: %s", err)
	}
	c, err := h.newConn(nc, remote.peerID, info, false)
	if err != nil {
		return nil, fmt.Errorf("new conn: %s", err)
	}
	return c, nil
}

func (h *Handshaker) newConn(
	nc net.Conn,
	remotePeerID core.PeerID,
	info *storage.TorrentInfo,
	openedByRemote bool) (*Conn, error) {

	return newConn(
		h.config,
		h.stats,
		h.clk,
		h.events,
		nc,
		h.localPeerID,
		remotePeerID,
		info,
		openedByRemote,
		h.logger)
}

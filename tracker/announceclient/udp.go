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
package announceclient

import (
	"encoding/binary"
	"fmt"
	"math/rand"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/streambit/streambit/core"

	"github.com/andres-erbsen/clock"
)

// BEP-15 protocol constants.
const (
	_udpProtocolID = 0x41727101980

	_actionConnect  = 0
	_actionAnnounce = 1
	_actionError    = 3

	// A connection id handed out by the tracker may be reused for one
	// minute.
	_connectionIDTTL = time.Minute
)

type udpConnection struct {
	id         uint64
	obtainedAt time.Time
}

// udpClient announces over UDP per BEP-15.
type udpClient struct {
	config Config
	clk    clock.Clock

	mu          sync.Mutex
	connections map[string]udpConnection
}

func newUDPClient(config Config, clk clock.Clock) *udpClient {
	return &udpClient{
		config:      config,
		clk:         clk,
		connections: make(map[string]udpConnection),
	}
}

func (c *udpClient) Announce(u *url.URL, req *Request) (*Response, error) {
	addr, err := net.ResolveUDPAddr("udp", u.Host)
	if err != nil {
		return nil, fmt.Errorf("resolve tracker addr: %s", err)
	}
	nc, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return nil, fmt.Errorf("dial tracker: %s", err)
	}
	defer nc.Close()

	// Retransmit with exponential backoff: attempt n times out after
	// base * 2^n.
	var lastErr error
	for n := 0; n <= c.config.UDPMaxRetransmits; n++ {
		timeout := c.config.UDPRetryBase * (1 << uint(n))
		resp, err := c.announceOnce(nc, u.Host, req, timeout)
		if err == nil {
			return resp, nil
		}
		if IsTrackerError(err) {
			return nil, err
		}
		lastErr = err
	}
	return nil, fmt.Errorf("announce retries exhausted: %s", lastErr)
}

func (c *udpClient) announceOnce(
	nc *net.UDPConn, host string, req *Request, timeout time.Duration) (*Response, error) {

	connID, err := c.connectionID(nc, host, timeout)
	if err != nil {
		return nil, err
	}

	txn := rand.Uint32()
	packet := encodeAnnounceRequest(connID, txn, req)
	if err := nc.SetDeadline(time.Now().Add(timeout)); err != nil {
		return nil, fmt.Errorf("set deadline: %s", err)
	}
	if _, err := nc.Write(packet); err != nil {
		return nil, fmt.Errorf("write announce: %s", err)
	}

	buf := make([]byte, 4096)
	for {
		n, err := nc.Read(buf)
		if err != nil {
			return nil, fmt.Errorf("read announce response: %s", err)
		}
		if n < 8 {
			continue
		}
		action := binary.BigEndian.Uint32(buf[0:4])
		if binary.BigEndian.Uint32(buf[4:8]) != txn {
			// Response to a stale transaction; discard and keep waiting.
			continue
		}
		switch action {
		case _actionAnnounce:
			return decodeAnnounceResponse(buf[:n])
		case _actionError:
			return nil, TrackerError{string(buf[8:n])}
		default:
			return nil, fmt.Errorf("unexpected announce action: %d", action)
		}
	}
}

// connectionID returns a cached connection id for host, performing the
// BEP-15 connect exchange if the cached one is missing or older than a
// minute.
func (c *udpClient) connectionID(nc *net.UDPConn, host string, timeout time.Duration) (uint64, error) {
	c.mu.Lock()
	cached, ok := c.connections[host]
	c.mu.Unlock()
	if ok && c.clk.Now().Sub(cached.obtainedAt) < _connectionIDTTL {
		return cached.id, nil
	}

	txn := rand.Uint32()
	packet := make([]byte, 16)
	binary.BigEndian.PutUint64(packet[0:8], _udpProtocolID)
	binary.BigEndian.PutUint32(packet[8:12], _actionConnect)
	binary.BigEndian.PutUint32(packet[12:16], txn)

	if err := nc.SetDeadline(time.Now().Add(timeout)); err != nil {
		return 0, fmt.Errorf("set deadline: %s", err)
	}
	if _, err := nc.Write(packet); err != nil {
		return 0, fmt.Errorf("write connect: %s", err)
	}

	buf := make([]byte, 64)
	for {
		n, err := nc.Read(buf)
		if err != nil {
			return 0, fmt.Errorf("read connect response: %s", err)
		}
		if n < 16 {
			continue
		}
		if binary.BigEndian.Uint32(buf[4:8]) != txn {
			continue
		}
		if binary.BigEndian.Uint32(buf[0:4]) != _actionConnect {
			return 0, fmt.Errorf("unexpected connect action: %d", binary.BigEndian.Uint32(buf[0:4]))
		}
		id := binary.BigEndian.Uint64(buf[8:16])
		c.mu.Lock()
		c.connections[host] = udpConnection{id: id, obtainedAt: c.clk.Now()}
		c.mu.Unlock()
		return id, nil
	}
}

// encodeAnnounceRequest packs the fixed 98-byte BEP-15 announce packet.
func encodeAnnounceRequest(connID uint64, txn uint32, req *Request) []byte {
	b := make([]byte, 98)
	binary.BigEndian.PutUint64(b[0:8], connID)
	binary.BigEndian.PutUint32(b[8:12], _actionAnnounce)
	binary.BigEndian.PutUint32(b[12:16], txn)
	copy(b[16:36], req.InfoHash.Bytes())
	copy(b[36:56], req.PeerID.Bytes())
	binary.BigEndian.PutUint64(b[56:64], uint64(req.Downloaded))
	binary.BigEndian.PutUint64(b[64:72], uint64(req.Left))
	binary.BigEndian.PutUint64(b[72:80], uint64(req.Uploaded))
	binary.BigEndian.PutUint32(b[80:84], req.Event.Code())
	binary.BigEndian.PutUint32(b[84:88], 0) // IP: default.
	binary.BigEndian.PutUint32(b[88:92], rand.Uint32())
	numWant := int32(-1)
	if req.NumWant > 0 {
		numWant = int32(req.NumWant)
	}
	binary.BigEndian.PutUint32(b[92:96], uint32(numWant))
	binary.BigEndian.PutUint16(b[96:98], uint16(req.Port))
	return b
}

func decodeAnnounceResponse(b []byte) (*Response, error) {
	if len(b) < 20 {
		return nil, fmt.Errorf("announce response too short: %d bytes", len(b))
	}
	peers, err := core.DecodeCompactPeers(b[20:])
	if err != nil {
		return nil, err
	}
	return &Response{
		Peers:    peers,
		Interval: time.Duration(binary.BigEndian.Uint32(b[8:12])) * time.Second,
		Leechers: int(binary.BigEndian.Uint32(b[12:16])),
		Seeders:  int(binary.BigEndian.Uint32(b[16:20])),
	}, nil
}

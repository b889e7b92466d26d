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
	"encoding/binary"
	"fmt"
	"net"
)

// PeerInfo defines peer metadata returned by a tracker announce.
type PeerInfo struct {
	PeerID PeerID `json:"peer_id"`
	IP     string `json:"ip"`
	Port   int    `json:"port"`
}

// NewPeerInfo creates a new PeerInfo.
func NewPeerInfo(peerID PeerID, ip string, port int) *PeerInfo {
	return &PeerInfo{
		PeerID: peerID,
		IP:     ip,
		Port:   port,
	}
}

// Addr returns the "ip:port" dial address of p.
func (p *PeerInfo) Addr() string {
	return fmt.Sprintf("%s:%d", p.IP, p.Port)
}

func (p *PeerInfo) String() string {
	return fmt.Sprintf("peer(id=%s, addr=%s)", p.PeerID, p.Addr())
}

// DecodeCompactPeers converts a compact peer list, 6 bytes per peer (4 byte
// IPv4 address followed by a big-endian port), into PeerInfos.
func DecodeCompactPeers(b []byte) ([]*PeerInfo, error) {
	if len(b)%6 != 0 {
		return nil, fmt.Errorf("invalid compact peers length: %d", len(b))
	}
	peers := make([]*PeerInfo, 0, len(b)/6)
	for i := 0; i < len(b); i += 6 {
		ip := net.IP(b[i : i+4]).String()
		port := int(binary.BigEndian.Uint16(b[i+4 : i+6]))
		peers = append(peers, &PeerInfo{IP: ip, Port: port})
	}
	return peers, nil
}

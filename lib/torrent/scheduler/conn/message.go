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
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/streambit/streambit/utils/memsize"

	"github.com/willf/bitset"
)

// MessageID enumerates the peer wire message types.
type MessageID byte

// Peer wire message ids per the BitTorrent protocol.
const (
	MsgChoke         MessageID = 0
	MsgUnchoke       MessageID = 1
	MsgInterested    MessageID = 2
	MsgNotInterested MessageID = 3
	MsgHave          MessageID = 4
	MsgBitfield      MessageID = 5
	MsgRequest       MessageID = 6
	MsgPiece         MessageID = 7
	MsgCancel        MessageID = 8
)

func (id MessageID) String() string {
	switch id {
	case MsgChoke:
		return "choke"
	case MsgUnchoke:
		return "unchoke"
	case MsgInterested:
		return "interested"
	case MsgNotInterested:
		return "not_interested"
	case MsgHave:
		return "have"
	case MsgBitfield:
		return "bitfield"
	case MsgRequest:
		return "request"
	case MsgPiece:
		return "piece"
	case MsgCancel:
		return "cancel"
	}
	return fmt.Sprintf("unknown(%d)", byte(id))
}

// Maximum supported wire message size, including block payloads and
// bitfields for very large torrents.
const maxMessageSize = 4 * memsize.MB

// Message is a single peer wire message. A KeepAlive message carries no id
// and no payload.
type Message struct {
	ID        MessageID
	KeepAlive bool

	// Index is set for have / request / piece / cancel messages.
	Index int

	// Begin and Length are set for request / cancel messages; Begin also for
	// piece messages.
	Begin  int
	Length int

	// Bitfield is set for bitfield messages.
	Bitfield *bitset.BitSet

	// Block is the payload of a piece message.
	Block []byte
}

// NewKeepAliveMessage returns a zero-length keep-alive Message.
func NewKeepAliveMessage() *Message {
	return &Message{KeepAlive: true}
}

// NewChokeMessage returns a choke Message.
func NewChokeMessage() *Message {
	return &Message{ID: MsgChoke}
}

// NewUnchokeMessage returns an unchoke Message.
func NewUnchokeMessage() *Message {
	return &Message{ID: MsgUnchoke}
}

// NewInterestedMessage returns an interested Message.
func NewInterestedMessage() *Message {
	return &Message{ID: MsgInterested}
}

// NewNotInterestedMessage returns a not-interested Message.
func NewNotInterestedMessage() *Message {
	return &Message{ID: MsgNotInterested}
}

// NewHaveMessage returns a have Message announcing piece index.
func NewHaveMessage(index int) *Message {
	return &Message{ID: MsgHave, Index: index}
}

// NewBitfieldMessage returns a bitfield Message for b.
func NewBitfieldMessage(b *bitset.BitSet) *Message {
	return &Message{ID: MsgBitfield, Bitfield: b}
}

// NewRequestMessage returns a request Message for a block.
func NewRequestMessage(index, begin, length int) *Message {
	return &Message{ID: MsgRequest, Index: index, Begin: begin, Length: length}
}

// NewPieceMessage returns a piece Message carrying a block payload.
func NewPieceMessage(index, begin int, block []byte) *Message {
	return &Message{ID: MsgPiece, Index: index, Begin: begin, Block: block}
}

// NewCancelMessage returns a cancel Message for a block.
func NewCancelMessage(index, begin, length int) *Message {
	return &Message{ID: MsgCancel, Index: index, Begin: begin, Length: length}
}

func (m *Message) String() string {
	if m.KeepAlive {
		return "message(keep_alive)"
	}
	switch m.ID {
	case MsgHave:
		return fmt.Sprintf("message(have, index=%d)", m.Index)
	case MsgRequest, MsgCancel:
		return fmt.Sprintf(
			"message(%s, index=%d, begin=%d, length=%d)", m.ID, m.Index, m.Begin, m.Length)
	case MsgPiece:
		return fmt.Sprintf(
			"message(piece, index=%d, begin=%d, length=%d)", m.Index, m.Begin, len(m.Block))
	}
	return fmt.Sprintf("message(%s)", m.ID)
}

// payload serializes the message body following the id byte.
func (m *Message) payload() ([]byte, error) {
	switch m.ID {
	case MsgChoke, MsgUnchoke, MsgInterested, MsgNotInterested:
		return nil, nil
	case MsgHave:
		b := make([]byte, 4)
		binary.BigEndian.PutUint32(b, uint32(m.Index))
		return b, nil
	case MsgBitfield:
		return encodeBitfield(m.Bitfield), nil
	case MsgRequest, MsgCancel:
		b := make([]byte, 12)
		binary.BigEndian.PutUint32(b[0:4], uint32(m.Index))
		binary.BigEndian.PutUint32(b[4:8], uint32(m.Begin))
		binary.BigEndian.PutUint32(b[8:12], uint32(m.Length))
		return b, nil
	case MsgPiece:
		b := make([]byte, 8+len(m.Block))
		binary.BigEndian.PutUint32(b[0:4], uint32(m.Index))
		binary.BigEndian.PutUint32(b[4:8], uint32(m.Begin))
		copy(b[8:], m.Block)
		return b, nil
	}
	return nil, fmt.Errorf("unknown message id: %d", m.ID)
}

func sendMessage(nc net.Conn, msg *Message) error {
	if msg.KeepAlive {
		return binary.Write(nc, binary.BigEndian, uint32(0))
	}
	payload, err := msg.payload()
	if err != nil {
		return err
	}
	header := make([]byte, 5)
	binary.BigEndian.PutUint32(header[0:4], uint32(1+len(payload)))
	header[4] = byte(msg.ID)
	if _, err := nc.Write(header); err != nil {
		return fmt.Errorf("write header: %s", err)
	}
	for len(payload) > 0 {
		n, err := nc.Write(payload)
		if err != nil {
			return fmt.Errorf("write payload: %s", err)
		}
		payload = payload[n:]
	}
	return nil
}

func sendMessageWithTimeout(nc net.Conn, msg *Message, timeout time.Duration) error {
	// NOTE: We do not use the clock interface here because the net package
	// uses the system clock when evaluating deadlines.
	if err := nc.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return fmt.Errorf("set write deadline: %s", err)
	}
	return sendMessage(nc, msg)
}

func readMessage(nc net.Conn) (*Message, error) {
	var header [4]byte
	if _, err := io.ReadFull(nc, header[:]); err != nil {
		return nil, fmt.Errorf("read message length: %s", err)
	}
	msglen := binary.BigEndian.Uint32(header[:])
	if msglen == 0 {
		return NewKeepAliveMessage(), nil
	}
	if uint64(msglen) > maxMessageSize {
		return nil, fmt.Errorf("message exceeds max size: %d > %d", msglen, maxMessageSize)
	}
	body := make([]byte, msglen)
	if _, err := io.ReadFull(nc, body); err != nil {
		return nil, fmt.Errorf("read message body: %s", err)
	}
	return decodeMessage(MessageID(body[0]), body[1:])
}

func decodeMessage(id MessageID, payload []byte) (*Message, error) {
	switch id {
	case MsgChoke, MsgUnchoke, MsgInterested, MsgNotInterested:
		if len(payload) != 0 {
			return nil, fmt.Errorf("unexpected payload for %s message", id)
		}
		return &Message{ID: id}, nil
	case MsgHave:
		if len(payload) != 4 {
			return nil, fmt.Errorf("invalid have payload length: %d", len(payload))
		}
		return &Message{ID: id, Index: int(binary.BigEndian.Uint32(payload))}, nil
	case MsgBitfield:
		return &Message{ID: id, Bitfield: decodeBitfield(payload)}, nil
	case MsgRequest, MsgCancel:
		if len(payload) != 12 {
			return nil, fmt.Errorf("invalid %s payload length: %d", id, len(payload))
		}
		return &Message{
			ID:     id,
			Index:  int(binary.BigEndian.Uint32(payload[0:4])),
			Begin:  int(binary.BigEndian.Uint32(payload[4:8])),
			Length: int(binary.BigEndian.Uint32(payload[8:12])),
		}, nil
	case MsgPiece:
		if len(payload) < 8 {
			return nil, fmt.Errorf("invalid piece payload length: %d", len(payload))
		}
		return &Message{
			ID:    id,
			Index: int(binary.BigEndian.Uint32(payload[0:4])),
			Begin: int(binary.BigEndian.Uint32(payload[4:8])),
			Block: payload[8:],
		}, nil
	}
	return nil, fmt.Errorf("unknown message id: %d", id)
}

func readMessageWithTimeout(nc net.Conn, timeout time.Duration) (*Message, error) {
	// NOTE: We do not use the clock interface here because the net package
	// uses the system clock when evaluating deadlines.
	if err := nc.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, fmt.Errorf("set read deadline: %s", err)
	}
	return readMessage(nc)
}

// encodeBitfield packs b into wire format: one bit per piece, high bit
// first, padded to a whole byte.
func encodeBitfield(b *bitset.BitSet) []byte {
	wire := make([]byte, (b.Len()+7)/8)
	for i, e := b.NextSet(0); e; i, e = b.NextSet(i + 1) {
		wire[i/8] |= 0x80 >> (i % 8)
	}
	return wire
}

// decodeBitfield unpacks wire format into a bitset. Spare padding bits are
// ignored.
func decodeBitfield(wire []byte) *bitset.BitSet {
	b := bitset.New(uint(len(wire) * 8))
	for i := uint(0); i < uint(len(wire)*8); i++ {
		if wire[i/8]&(0x80>>(i%8)) != 0 {
			b.Set(i)
		}
	}
	return b
}

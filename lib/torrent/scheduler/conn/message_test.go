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
	"net"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/willf/bitset"
)

func roundTrip(t *testing.T, msg *Message) *Message {
	t.Helper()

	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	errc := make(chan error, 1)
	go func() {
		errc <- sendMessage(client, msg)
	}()
	received, err := readMessage(server)
	require.NoError(t, err)
	require.NoError(t, <-errc)
	return received
}

func TestMessageRoundTrip(t *testing.T) {
	tests := []*Message{
		NewKeepAliveMessage(),
		NewChokeMessage(),
		NewUnchokeMessage(),
		NewInterestedMessage(),
		NewNotInterestedMessage(),
		NewHaveMessage(42),
		NewRequestMessage(3, 16384, 16384),
		NewCancelMessage(3, 16384, 16384),
		NewPieceMessage(7, 32768, []byte("some block bytes")),
	}
	for _, msg := range tests {
		t.Run(msg.String(), func(t *testing.T) {
			received := roundTrip(t, msg)
			require.Equal(t, msg, received)
		})
	}
}

func TestBitfieldMessageRoundTrip(t *testing.T) {
	require := require.New(t)

	b := bitset.New(10)
	b.Set(0)
	b.Set(3)
	b.Set(9)

	received := roundTrip(t, NewBitfieldMessage(b))
	require.Equal(MsgBitfield, received.ID)
	// The wire bitfield is padded to a whole byte.
	require.Equal(uint(16), received.Bitfield.Len())
	for i := uint(0); i < 10; i++ {
		require.Equal(b.Test(i), received.Bitfield.Test(i), "bit %d", i)
	}
}

func TestBitfieldWireFormatIsMSBFirst(t *testing.T) {
	require := require.New(t)

	b := bitset.New(8)
	b.Set(0)

	wire := encodeBitfield(b)
	require.Equal([]byte{0x80}, wire)

	b.Set(7)
	wire = encodeBitfield(b)
	require.Equal([]byte{0x81}, wire)
}

func TestReadMessageRejectsOversized(t *testing.T) {
	require := require.New(t)

	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		// Advertise an absurd message length.
		client.Write([]byte{0xFF, 0xFF, 0xFF, 0xFF})
	}()

	_, err := readMessage(server)
	require.Error(err)
}

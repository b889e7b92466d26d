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
	"github.com/streambit/streambit/core"
	"github.com/streambit/streambit/tracker/announceclient"
)

// Listener receives scheduler notifications. Callbacks are invoked outside
// the event loop and must not call back into the scheduler synchronously
// with the expectation of ordering.
type Listener interface {
	// TorrentComplete fires once when every piece of the torrent has been
	// verified.
	TorrentComplete(h core.InfoHash)

	// PieceComplete fires for every piece verified and persisted.
	PieceComplete(h core.InfoHash, piece int)

	// AnnounceSuccess fires after each successful tracker exchange.
	AnnounceSuccess(h core.InfoHash, url string, resp *announceclient.Response)

	// AnnounceFailure fires after a failed tracker exchange.
	AnnounceFailure(h core.InfoHash, url string, err error)

	// PeerConnected / PeerDisconnected track active peer sessions.
	PeerConnected(h core.InfoHash, peerID core.PeerID, addr string)
	PeerDisconnected(h core.InfoHash, peerID core.PeerID)

	// PeerBanned fires when a peer crosses the verification-failure ban
	// threshold.
	PeerBanned(h core.InfoHash, peerID core.PeerID)
}

// NoopListener is a Listener which ignores all notifications.
type NoopListener struct{}

// TorrentComplete noops.
func (NoopListener) TorrentComplete(core.InfoHash) {}

// PieceComplete noops.
func (NoopListener) PieceComplete(core.InfoHash, int) {}

// AnnounceSuccess noops.
func (NoopListener) AnnounceSuccess(core.InfoHash, string, *announceclient.Response) {}

// AnnounceFailure noops.
func (NoopListener) AnnounceFailure(core.InfoHash, string, error) {}

// PeerConnected noops.
func (NoopListener) PeerConnected(core.InfoHash, core.PeerID, string) {}

// PeerDisconnected noops.
func (NoopListener) PeerDisconnected(core.InfoHash, core.PeerID) {}

// PeerBanned noops.
func (NoopListener) PeerBanned(core.InfoHash, core.PeerID) {}

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
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/streambit/streambit/core"

	"github.com/andres-erbsen/clock"
)

// ErrDisabled is returned when announcing is disabled.
var ErrDisabled = errors.New("announcing disabled")

// ErrUnsupportedScheme is returned for announce urls which are neither
// http(s) nor udp.
var ErrUnsupportedScheme = errors.New("unsupported tracker scheme")

// TrackerError wraps a failure reason reported by the tracker itself, as
// opposed to a transport failure.
type TrackerError struct {
	Msg string
}

func (e TrackerError) Error() string {
	return fmt.Sprintf("tracker error: %s", e.Msg)
}

// IsTrackerError returns true if err was reported by the tracker.
func IsTrackerError(err error) bool {
	_, ok := err.(TrackerError)
	return ok
}

// Event is the announce event reported to the tracker.
type Event int

// Announce events. The wire encodings follow BEP-3 (strings) and BEP-15
// (codes).
const (
	EventNone Event = iota
	EventCompleted
	EventStarted
	EventStopped
)

func (e Event) String() string {
	switch e {
	case EventCompleted:
		return "completed"
	case EventStarted:
		return "started"
	case EventStopped:
		return "stopped"
	}
	return ""
}

// Code returns the BEP-15 event code of e.
func (e Event) Code() uint32 {
	return uint32(e)
}

// Request carries the client state reported on each announce.
type Request struct {
	InfoHash   core.InfoHash
	PeerID     core.PeerID
	Port       int
	Uploaded   int64
	Downloaded int64
	Left       int64
	Event      Event
	NumWant    int
}

// Response is a normalized announce response.
type Response struct {
	Peers    []*core.PeerInfo
	Interval time.Duration
	Seeders  int
	Leechers int
}

// Client announces to a single tracker url, dispatching on the url scheme.
type Client interface {
	Announce(announceURL string, req *Request) (*Response, error)
}

type client struct {
	http *httpClient
	udp  *udpClient
}

// New creates a new Client.
func New(config Config, clk clock.Clock) Client {
	config = config.applyDefaults()
	return &client{
		http: newHTTPClient(config),
		udp:  newUDPClient(config, clk),
	}
}

// Announce dispatches the announce on the url scheme. May return a
// TrackerError if the tracker reports a failure.
func (c *client) Announce(announceURL string, req *Request) (*Response, error) {
	u, err := url.Parse(announceURL)
	if err != nil {
		return nil, fmt.Errorf("parse announce url: %s", err)
	}
	switch u.Scheme {
	case "http", "https":
		return c.http.Announce(u, req)
	case "udp":
		return c.udp.Announce(u, req)
	}
	return nil, ErrUnsupportedScheme
}

// DisabledClient rejects all announces. Suitable for test rigs which should
// not be announcing.
type DisabledClient struct{}

// Disabled returns a new DisabledClient.
func Disabled() Client {
	return DisabledClient{}
}

// Announce always returns error.
func (c DisabledClient) Announce(announceURL string, req *Request) (*Response, error) {
	return nil, ErrDisabled
}

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
	"time"

	"github.com/streambit/streambit/tracker/announceclient"
)

// announceState tracks the tracker rotation of a single torrent: its tiered
// announce urls, the cursor into them, the interval assigned by the last
// successful announce, and which lifecycle event the next announce must
// carry.
type announceState struct {
	urls     []string // Flattened in tier order.
	cursor   int
	interval time.Duration

	startedSent   bool
	completedDue  bool
	completedSent bool
}

func newAnnounceState(tiers [][]string, defaultInterval time.Duration) *announceState {
	var urls []string
	for _, tier := range tiers {
		urls = append(urls, tier...)
	}
	return &announceState{
		urls:     urls,
		interval: defaultInterval,
	}
}

// url returns the tracker url the next announce should target.
func (a *announceState) url() (string, bool) {
	if len(a.urls) == 0 {
		return "", false
	}
	return a.urls[a.cursor], true
}

// event returns the event the next announce must report: started on the
// first successful exchange, completed once after the torrent finishes.
func (a *announceState) event() announceclient.Event {
	if !a.startedSent {
		return announceclient.EventStarted
	}
	if a.completedDue && !a.completedSent {
		return announceclient.EventCompleted
	}
	return announceclient.EventNone
}

// succeeded records a successful announce against the current url.
func (a *announceState) succeeded(interval time.Duration) {
	switch a.event() {
	case announceclient.EventStarted:
		a.startedSent = true
	case announceclient.EventCompleted:
		a.completedSent = true
	}
	if interval > 0 {
		a.interval = interval
	}
}

// failed rotates the cursor to the next url in tier order.
func (a *announceState) failed() {
	if len(a.urls) == 0 {
		return
	}
	a.cursor = (a.cursor + 1) % len(a.urls)
}

// markCompleted queues a completed event for the next announce.
func (a *announceState) markCompleted() {
	a.completedDue = true
}

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
	"github.com/streambit/streambit/core"
	"github.com/streambit/streambit/utils/log"

	"github.com/andres-erbsen/clock"
	"github.com/uber-go/tally"
)

type noopEvents struct{}

func (e noopEvents) ConnClosed(*Conn) {}

// NoopEvents returns Events which ignore all conn events.
func NoopEvents() Events {
	return noopEvents{}
}

// HandshakerFixture returns a Handshaker for a random local peer, suitable
// for testing.
func HandshakerFixture(config Config) *Handshaker {
	return NewHandshaker(
		config,
		tally.NewTestScope("", nil),
		clock.New(),
		core.PeerIDFixture(),
		NoopEvents(),
		log.Default())
}

// ConfigFixture returns a conn Config with the default timeouts.
func ConfigFixture() Config {
	return Config{}.applyDefaults()
}

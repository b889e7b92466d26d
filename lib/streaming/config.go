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
package streaming

import (
	"time"

	"github.com/streambit/streambit/utils/memsize"
)

// Config defines streaming configuration.
type Config struct {
	// BufferSizeMB sizes the per-session prefetch window in megabytes. The
	// window is converted to pieces by dividing by the torrent's piece
	// length.
	BufferSizeMB int `yaml:"buffer_size_mb"`

	// UrgentWindow is the number of pieces immediately ahead of the read
	// head requested at urgent priority.
	UrgentWindow int `yaml:"urgent_window"`

	// MaxWindowPieces caps the prefetch window regardless of piece length.
	MaxWindowPieces int `yaml:"max_window_pieces"`

	// ReadTimeout bounds how long a range read waits for missing pieces
	// before giving up.
	ReadTimeout time.Duration `yaml:"read_timeout"`

	// IdleTimeout reaps sessions which have not been accessed within the
	// window.
	IdleTimeout time.Duration `yaml:"idle_timeout"`

	// ReapInterval is how often idle sessions are collected.
	ReapInterval time.Duration `yaml:"reap_interval"`
}

func (c Config) applyDefaults() Config {
	if c.BufferSizeMB == 0 {
		c.BufferSizeMB = 64
	}
	if c.UrgentWindow == 0 {
		c.UrgentWindow = 3
	}
	if c.MaxWindowPieces == 0 {
		c.MaxWindowPieces = 20
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = 30 * time.Second
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = 10 * time.Minute
	}
	if c.ReapInterval == 0 {
		c.ReapInterval = time.Minute
	}
	return c
}

// windowPieces converts the configured buffer size into a piece count for
// the given piece length.
func (c Config) windowPieces(pieceLength int64) int {
	n := int(int64(c.BufferSizeMB) * int64(memsize.MB) / pieceLength)
	if n < 1 {
		n = 1
	}
	if n > c.MaxWindowPieces {
		n = c.MaxWindowPieces
	}
	return n
}

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
package dispatch

import (
	"time"

	"github.com/streambit/streambit/utils/memsize"
)

// Config defines the configuration for piece dispatch.
type Config struct {
	// BlockSize is the number of bytes requested per wire request message.
	// The last block of a piece is the remainder.
	BlockSize int `yaml:"block_size"`

	// RequestWindow caps in-flight block requests per peer.
	RequestWindow int `yaml:"request_window"`

	// PieceRequestTimeout bounds how long a piece may stay assigned to a
	// peer before it is eligible for reassignment.
	PieceRequestTimeout time.Duration `yaml:"piece_request_timeout"`

	// PipelineLimit limits the total number of pieces reserved against a
	// single peer at a time.
	PipelineLimit int `yaml:"pipeline_limit"`

	// EndgameThreshold is the number of remaining pieces under which
	// duplicate in-flight requests are allowed.
	EndgameThreshold int `yaml:"endgame_threshold"`

	DisableEndgame bool `yaml:"disable_endgame"`

	// DemotionLimit is the number of failed downloads after which a piece's
	// priority boost is demoted.
	DemotionLimit int `yaml:"demotion_limit"`

	// BanLimit is the number of consecutive hash failures after which a
	// peer is banned.
	BanLimit int `yaml:"ban_limit"`
}

func (c Config) applyDefaults() Config {
	if c.BlockSize == 0 {
		c.BlockSize = int(16 * memsize.KB)
	}
	if c.RequestWindow == 0 {
		c.RequestWindow = 8
	}
	if c.PieceRequestTimeout == 0 {
		c.PieceRequestTimeout = 30 * time.Second
	}
	if c.PipelineLimit == 0 {
		c.PipelineLimit = 3
	}
	if c.EndgameThreshold == 0 {
		c.EndgameThreshold = 5
	}
	if c.DemotionLimit == 0 {
		c.DemotionLimit = 3
	}
	if c.BanLimit == 0 {
		c.BanLimit = 3
	}
	return c
}

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
package apiserver

import (
	"time"

	"github.com/streambit/streambit/utils/memsize"
)

// Config defines Server configuration.
type Config struct {
	// ChunkSize is the number of bytes streamed per ReadRange call while
	// serving a response body.
	ChunkSize int `yaml:"chunk_size"`

	// FetchTimeout bounds downloading a .torrent file referenced by url.
	FetchTimeout time.Duration `yaml:"fetch_timeout"`

	// MaxTorrentSize caps accepted .torrent file uploads.
	MaxTorrentSize int64 `yaml:"max_torrent_size"`

	// EnableRequestLogging enables detailed request logging.
	EnableRequestLogging bool `yaml:"enable_request_logging"`
}

func (c Config) applyDefaults() Config {
	if c.ChunkSize == 0 {
		c.ChunkSize = int(256 * memsize.KB)
	}
	if c.FetchTimeout == 0 {
		c.FetchTimeout = 30 * time.Second
	}
	if c.MaxTorrentSize == 0 {
		c.MaxTorrentSize = int64(10 * memsize.MB)
	}
	return c
}

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
package engine

import "time"

// Config defines engine configuration.
type Config struct {
	// TorrentDir is where ingested .torrent files are retained so torrents
	// survive process restarts with their exact info dictionaries.
	TorrentDir string `yaml:"torrent_dir"`

	// ProgressInterval is how often download progress is recomputed and
	// persisted for active torrents.
	ProgressInterval time.Duration `yaml:"progress_interval"`
}

func (c Config) applyDefaults() Config {
	if c.TorrentDir == "" {
		c.TorrentDir = "torrents"
	}
	if c.ProgressInterval == 0 {
		c.ProgressInterval = time.Second
	}
	return c
}

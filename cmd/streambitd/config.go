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
package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/streambit/streambit/apiserver"
	"github.com/streambit/streambit/lib/engine"
	"github.com/streambit/streambit/lib/streaming"
	"github.com/streambit/streambit/lib/torrent/scheduler"
	"github.com/streambit/streambit/lib/torrent/storage/filestorage"
	"github.com/streambit/streambit/localdb"
	"github.com/streambit/streambit/metrics"
	"github.com/streambit/streambit/tracker/announceclient"

	"go.uber.org/zap"
)

// Config defines streambitd configuration.
type Config struct {
	ZapLogging zap.Config           `yaml:"zap"`
	Metrics    metrics.Config       `yaml:"metrics"`
	Database   localdb.Config       `yaml:"database"`
	Storage    filestorage.Config   `yaml:"storage"`
	Engine     engine.Config        `yaml:"engine"`
	Scheduler  scheduler.Config     `yaml:"scheduler"`
	Announce   announceclient.Config `yaml:"announce"`
	Streaming  streaming.Config     `yaml:"streaming"`
	APIServer  apiserver.Config     `yaml:"apiserver"`

	APIHost  string `yaml:"api_host"`
	APIPort  int    `yaml:"api_port"`
	PeerIP   string `yaml:"peer_ip"`
	PeerPort int    `yaml:"peer_port"`
}

func (c Config) applyDefaults() Config {
	if c.APIHost == "" {
		c.APIHost = "127.0.0.1"
	}
	if c.APIPort == 0 {
		c.APIPort = 3000
	}
	if c.PeerPort == 0 {
		c.PeerPort = 6881
	}
	return c
}

// applyEnvOverrides layers the environment variable surface on top of the
// file config.
func (c Config) applyEnvOverrides() (Config, error) {
	if v := os.Getenv("DATABASE_PATH"); v != "" {
		c.Database.Source = v
	}
	if v := os.Getenv("API_HOST"); v != "" {
		c.APIHost = v
	}
	if v := os.Getenv("API_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return c, fmt.Errorf("invalid API_PORT: %s", err)
		}
		c.APIPort = port
	}
	if v := os.Getenv("DOWNLOAD_DIR"); v != "" {
		c.Storage.DownloadDir = v
	}
	if v := os.Getenv("STREAMING_BUFFER_SIZE_MB"); v != "" {
		mb, err := strconv.Atoi(v)
		if err != nil {
			return c, fmt.Errorf("invalid STREAMING_BUFFER_SIZE_MB: %s", err)
		}
		c.Streaming.BufferSizeMB = mb
	}
	if v := os.Getenv("MAX_PEERS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return c, fmt.Errorf("invalid MAX_PEERS: %s", err)
		}
		c.Scheduler.MaxOpenConnectionsPerTorrent = n
	}
	if v := os.Getenv("PIECE_TIMEOUT_SECONDS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return c, fmt.Errorf("invalid PIECE_TIMEOUT_SECONDS: %s", err)
		}
		c.Scheduler.Dispatch.PieceRequestTimeout = time.Duration(n) * time.Second
	}
	if v := os.Getenv("CONNECTION_TIMEOUT_SECONDS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return c, fmt.Errorf("invalid CONNECTION_TIMEOUT_SECONDS: %s", err)
		}
		c.Scheduler.Conn.ConnectTimeout = time.Duration(n) * time.Second
	}
	if v := os.Getenv("PEER_PORT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return c, fmt.Errorf("invalid PEER_PORT: %s", err)
		}
		c.PeerPort = n
	}
	return c, nil
}

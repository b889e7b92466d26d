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

	"github.com/streambit/streambit/lib/torrent/scheduler/conn"
	"github.com/streambit/streambit/lib/torrent/scheduler/dispatch"
)

// Config is the scheduler configuration.
type Config struct {
	// AnnounceTickInterval is how often the announce queue is polled for
	// torrents which have reached their next announce time.
	AnnounceTickInterval time.Duration `yaml:"announce_tick_interval"`

	// DefaultAnnounceInterval is used until a tracker reports its own
	// interval. A failed announce is retried after the current interval,
	// which is the tracker's once one was reported.
	DefaultAnnounceInterval time.Duration `yaml:"default_announce_interval"`

	// PreemptionInterval is how often conns are inspected for idleness and
	// expiration.
	PreemptionInterval time.Duration `yaml:"preemption_interval"`

	// ConnTTI is the duration a conn may go without transmitting needed
	// pieces before it is closed.
	ConnTTI time.Duration `yaml:"conn_tti"`

	// ConnTTL is the max lifetime of a conn.
	ConnTTL time.Duration `yaml:"conn_ttl"`

	// MaxOpenConnectionsPerTorrent caps concurrent peer sessions per
	// torrent.
	MaxOpenConnectionsPerTorrent int `yaml:"max_open_connections_per_torrent"`

	// EmitStatsInterval is how often scheduler gauges are emitted.
	EmitStatsInterval time.Duration `yaml:"emit_stats_interval"`

	// ProbeTimeout bounds the health probe of the event loop.
	ProbeTimeout time.Duration `yaml:"probe_timeout"`

	DisablePreemption bool `yaml:"disable_preemption"`

	Blacklist BlacklistConfig `yaml:"blacklist"`

	Conn conn.Config `yaml:"conn"`

	Dispatch dispatch.Config `yaml:"dispatch"`
}

func (c Config) applyDefaults() Config {
	if c.AnnounceTickInterval == 0 {
		c.AnnounceTickInterval = time.Second
	}
	if c.DefaultAnnounceInterval == 0 {
		c.DefaultAnnounceInterval = 30 * time.Minute
	}
	if c.PreemptionInterval == 0 {
		c.PreemptionInterval = 30 * time.Second
	}
	if c.ConnTTI == 0 {
		c.ConnTTI = 10 * time.Minute
	}
	if c.ConnTTL == 0 {
		c.ConnTTL = time.Hour
	}
	if c.MaxOpenConnectionsPerTorrent == 0 {
		c.MaxOpenConnectionsPerTorrent = 50
	}
	if c.EmitStatsInterval == 0 {
		c.EmitStatsInterval = 10 * time.Second
	}
	if c.ProbeTimeout == 0 {
		c.ProbeTimeout = 3 * time.Second
	}
	c.Blacklist = c.Blacklist.applyDefaults()
	return c
}

// BlacklistConfig tunes connection blacklisting after handshake or
// transport failures.
type BlacklistConfig struct {
	Disabled          bool          `yaml:"disabled"`
	InitialExpiration time.Duration `yaml:"initial_expiration"`
	ExpirationBackoff float64       `yaml:"expiration_backoff"`
	MaxExpiration     time.Duration `yaml:"max_expiration"`

	// BanExpiration is applied to peers banned for repeated verification
	// failures.
	BanExpiration time.Duration `yaml:"ban_expiration"`
}

func (c BlacklistConfig) applyDefaults() BlacklistConfig {
	if c.InitialExpiration == 0 {
		c.InitialExpiration = 30 * time.Second
	}
	if c.ExpirationBackoff == 0 {
		c.ExpirationBackoff = 2
	}
	if c.MaxExpiration == 0 {
		c.MaxExpiration = 10 * time.Minute
	}
	if c.BanExpiration == 0 {
		c.BanExpiration = 24 * time.Hour
	}
	return c
}

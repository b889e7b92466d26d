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

import "time"

// Config defines announce client configuration.
type Config struct {
	// Timeout bounds a single HTTP announce, or the first UDP
	// request/response exchange.
	Timeout time.Duration `yaml:"timeout"`

	// UDPRetryBase is the base of the UDP retransmit schedule. Per BEP-15
	// attempt n times out after UDPRetryBase * 2^n.
	UDPRetryBase time.Duration `yaml:"udp_retry_base"`

	// UDPMaxRetransmits caps the BEP-15 retransmit exponent.
	UDPMaxRetransmits int `yaml:"udp_max_retransmits"`
}

func (c Config) applyDefaults() Config {
	if c.Timeout == 0 {
		c.Timeout = 15 * time.Second
	}
	if c.UDPRetryBase == 0 {
		c.UDPRetryBase = 15 * time.Second
	}
	if c.UDPMaxRetransmits == 0 {
		c.UDPMaxRetransmits = 8
	}
	return c
}

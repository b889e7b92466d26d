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

import "time"

// Config defines Conn configuration.
type Config struct {
	// ConnectTimeout bounds dialing the remote peer.
	ConnectTimeout time.Duration `yaml:"connect_timeout"`

	// HandshakeTimeout bounds each read / write of the handshake exchange.
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`

	// KeepAliveInterval is how long an idle outbound stream waits before a
	// keep-alive message is sent.
	KeepAliveInterval time.Duration `yaml:"keep_alive_interval"`

	// IdleTimeout closes the connection if no inbound message arrives within
	// the window.
	IdleTimeout time.Duration `yaml:"idle_timeout"`

	SenderBufferSize   int `yaml:"sender_buffer_size"`
	ReceiverBufferSize int `yaml:"receiver_buffer_size"`
}

func (c Config) applyDefaults() Config {
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.KeepAliveInterval == 0 {
		c.KeepAliveInterval = 2 * time.Minute
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = 2 * time.Minute
	}
	if c.SenderBufferSize == 0 {
		c.SenderBufferSize = 64
	}
	if c.ReceiverBufferSize == 0 {
		c.ReceiverBufferSize = 64
	}
	return c
}

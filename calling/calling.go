/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

// Package calling implements one-to-one calls: the peer session engine,
// the direct-call lifecycle manager, ringback, and the REST sub-clients for
// call history and ICE server discovery.
package calling

import (
	"github.com/tejzpr/callmesh/meshsdk"
)

// Client is the top-level Calling client that aggregates the REST sub-clients.
type Client struct {
	core   *meshsdk.Client
	config *Config

	history    *HistoryClient
	iceServers *ICEServerClient
}

// New creates a new Calling client.
func New(core *meshsdk.Client, config *Config) *Client {
	if config == nil {
		config = DefaultConfig()
	}

	return &Client{
		core:   core,
		config: config,
	}
}

// History returns the sub-client for submitting and listing call history records.
func (c *Client) History() *HistoryClient {
	if c.history == nil {
		c.history = newHistoryClient(c.core, c.config)
	}
	return c.history
}

// ICEServers returns the sub-client that discovers STUN/TURN servers.
func (c *Client) ICEServers() *ICEServerClient {
	if c.iceServers == nil {
		c.iceServers = newICEServerClient(c.core, c.config)
	}
	return c.iceServers
}

/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package calling

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/pion/webrtc/v4"

	"github.com/tejzpr/callmesh/meshsdk"
)

// ICEServerClient discovers the STUN/TURN servers to use for new
// connections.
type ICEServerClient struct {
	core   *meshsdk.Client
	config *Config
}

func newICEServerClient(core *meshsdk.Client, config *Config) *ICEServerClient {
	return &ICEServerClient{
		core:   core,
		config: config,
	}
}

// iceServer is the browser RTCIceServer shape: urls may be a string or a
// list.
type iceServer struct {
	URLs       json.RawMessage `json:"urls"`
	Username   string          `json:"username,omitempty"`
	Credential string          `json:"credential,omitempty"`
}

func (s iceServer) urls() []string {
	var list []string
	if err := json.Unmarshal(s.URLs, &list); err == nil {
		return list
	}
	var one string
	if err := json.Unmarshal(s.URLs, &one); err == nil && one != "" {
		return []string{one}
	}
	return nil
}

// Fetch returns the server's ICE servers. It never fails: any error is
// logged and yields the configured fallback, which is empty by default.
func (c *ICEServerClient) Fetch(ctx context.Context) []webrtc.ICEServer {
	if c.config.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.RequestTimeout)
		defer cancel()
	}

	resp, err := c.core.RequestWithContext(ctx, http.MethodGet, "ice-servers", nil, nil)
	if err != nil {
		c.core.GetLogger().Printf("calling: fetching ICE servers: %v", err)
		return c.config.FallbackICEServers
	}

	var body struct {
		ICEServers []iceServer `json:"iceServers"`
	}
	if err := meshsdk.ParseResponse(resp, &body); err != nil {
		c.core.GetLogger().Printf("calling: fetching ICE servers: %v", err)
		return c.config.FallbackICEServers
	}

	servers := make([]webrtc.ICEServer, 0, len(body.ICEServers))
	for _, s := range body.ICEServers {
		urls := s.urls()
		if len(urls) == 0 {
			continue
		}
		server := webrtc.ICEServer{URLs: urls, Username: s.Username}
		if s.Credential != "" {
			server.Credential = s.Credential
			server.CredentialType = webrtc.ICECredentialTypePassword
		}
		servers = append(servers, server)
	}
	return servers
}

/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package calling

import (
	"context"
	"net/http"
	"testing"

	"github.com/pion/webrtc/v4"
)

func TestICEServerClient_Fetch(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/ice-servers" {
			t.Errorf("Unexpected path %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"iceServers":[
			{"urls":"stun:stun.example.com:3478"},
			{"urls":["turn:turn.example.com:3478","turns:turn.example.com:5349"],"username":"u","credential":"p"},
			{"urls":[]}
		]}`))
	})

	servers := client.ICEServers().Fetch(context.Background())
	if len(servers) != 2 {
		t.Fatalf("Expected 2 servers, got %d: %+v", len(servers), servers)
	}
	if len(servers[0].URLs) != 1 || servers[0].URLs[0] != "stun:stun.example.com:3478" {
		t.Errorf("Unexpected stun entry: %+v", servers[0])
	}
	turn := servers[1]
	if len(turn.URLs) != 2 || turn.Username != "u" || turn.Credential != "p" {
		t.Errorf("Unexpected turn entry: %+v", turn)
	}
	if turn.CredentialType != webrtc.ICECredentialTypePassword {
		t.Errorf("Expected password credential type, got %v", turn.CredentialType)
	}
}

func TestICEServerClient_FetchFallback(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})

	if servers := client.ICEServers().Fetch(context.Background()); len(servers) != 0 {
		t.Errorf("Expected no servers on failure, got %+v", servers)
	}

	fallback := []webrtc.ICEServer{{URLs: []string{"stun:fallback.example.com"}}}
	client.config.FallbackICEServers = fallback
	servers := client.ICEServers().Fetch(context.Background())
	if len(servers) != 1 || servers[0].URLs[0] != "stun:fallback.example.com" {
		t.Errorf("Expected the fallback list, got %+v", servers)
	}
}

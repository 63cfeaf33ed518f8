/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package signalserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pion/webrtc/v4"

	"github.com/tejzpr/callmesh/calling"
	"github.com/tejzpr/callmesh/meshsdk"
	"github.com/tejzpr/callmesh/rooms"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

var quietSlog = slog.New(slog.NewTextHandler(io.Discard, nil))

func newTestServer(t *testing.T, mutate func(*Config)) (*Server, *httptest.Server) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.JWTSecret = testSecret
	cfg.RoomCapacity = 3
	cfg.PresenceInterval = 0
	cfg.Logger = quietSlog
	if mutate != nil {
		mutate(cfg)
	}
	s, err := New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return s, ts
}

func userToken(t *testing.T, s *Server, user string) string {
	t.Helper()
	token, _, err := s.Tokens().IssueUser(user)
	if err != nil {
		t.Fatalf("IssueUser failed: %v", err)
	}
	return token
}

func restClient(t *testing.T, ts *httptest.Server, token string) *meshsdk.Client {
	t.Helper()
	core, err := meshsdk.NewClient(token, &meshsdk.Config{
		BaseURL:    ts.URL + "/api",
		Timeout:    5 * time.Second,
		HttpClient: ts.Client(),
		Logger:     log.New(io.Discard, "", 0),
	})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	return core
}

func TestNew_RequiresSecret(t *testing.T) {
	if _, err := New(&Config{JWTSecret: "short"}); err == nil {
		t.Error("Expected a short secret refused")
	}
}

func TestHealth(t *testing.T) {
	_, ts := newTestServer(t, nil)
	resp, err := ts.Client().Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected 200, got %d", resp.StatusCode)
	}
}

func TestIssueToken(t *testing.T) {
	s, ts := newTestServer(t, nil)

	post := func(body string) *http.Response {
		resp, err := ts.Client().Post(ts.URL+"/api/auth/token", "application/json", bytes.NewBufferString(body))
		if err != nil {
			t.Fatalf("POST failed: %v", err)
		}
		return resp
	}

	resp := post(`{"userId":"alice"}`)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	var out tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	claims, err := s.Tokens().Parse(out.Token)
	if err != nil || claims.UserID != "alice" {
		t.Errorf("Expected a token for alice, got %v %+v", err, claims)
	}

	for _, body := range []string{`{}`, `{"userId":"  "}`, `{"userId":"guest-123"}`, `nope`} {
		r := post(body)
		r.Body.Close()
		if r.StatusCode != http.StatusBadRequest {
			t.Errorf("Expected 400 for %s, got %d", body, r.StatusCode)
		}
	}
}

func TestAuthRequired(t *testing.T) {
	s, ts := newTestServer(t, nil)

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"malformed", "Token abc", http.StatusUnauthorized},
		{"invalid", "Bearer abc", http.StatusUnauthorized},
		{"user", "Bearer " + userToken(t, s, "alice"), http.StatusOK},
	}
	_, guestToken, _, _ := s.Tokens().IssueGuest("r1", "", 0)
	tests = append(tests, struct {
		name   string
		header string
		want   int
	}{"guest", "Bearer " + guestToken, http.StatusForbidden})

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req, _ := http.NewRequest(http.MethodGet, ts.URL+"/api/ice-servers", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			resp, err := ts.Client().Do(req)
			if err != nil {
				t.Fatalf("request failed: %v", err)
			}
			resp.Body.Close()
			if resp.StatusCode != tc.want {
				t.Errorf("Expected %d, got %d", tc.want, resp.StatusCode)
			}
		})
	}
}

func TestICEServers(t *testing.T) {
	s, ts := newTestServer(t, func(c *Config) {
		c.ICEServers = []ICEServer{
			{URLs: []string{"stun:stun.example.com:3478"}},
			{URLs: []string{"turn:turn.example.com:3478"}, Username: "u", Credential: "p"},
		}
	})

	client := calling.New(restClient(t, ts, userToken(t, s, "alice")), calling.DefaultConfig())
	servers := client.ICEServers().Fetch(context.Background())
	if len(servers) != 2 {
		t.Fatalf("Expected 2 servers, got %d", len(servers))
	}
	if servers[1].Username != "u" || servers[1].Credential != "p" || servers[1].CredentialType != webrtc.ICECredentialTypePassword {
		t.Errorf("Unexpected TURN entry: %+v", servers[1])
	}
}

func TestCallHistory(t *testing.T) {
	s, ts := newTestServer(t, nil)
	ctx := context.Background()
	alice := calling.New(restClient(t, ts, userToken(t, s, "alice")), calling.DefaultConfig()).History()
	bob := calling.New(restClient(t, ts, userToken(t, s, "bob")), calling.DefaultConfig()).History()

	rec := &calling.HistoryRecord{
		SessionID:       "s1",
		OwnerID:         "someone-else",
		PeerID:          "bob",
		Direction:       calling.DirectionOutgoing,
		Status:          calling.HistoryCompleted,
		DurationSeconds: 42,
		CallType:        calling.CallTypeAudio,
	}
	saved, err := alice.Submit(ctx, rec)
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if saved.ID == "" || saved.OwnerID != "alice" || saved.EndedAt.IsZero() {
		t.Errorf("Expected the record owned by the caller with times set, got %+v", saved)
	}

	// A resubmission of the same session is not a new record.
	again, err := alice.Submit(ctx, rec)
	if err != nil || again.ID != saved.ID {
		t.Errorf("Expected the stored record back, got %v %+v", err, again)
	}

	page, err := alice.List(ctx, 10)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(page.Items) != 1 || page.Items[0].DurationSeconds != 42 {
		t.Errorf("Expected one record, got %+v", page.Items)
	}
	if page, _ := bob.List(ctx, 10); len(page.Items) != 0 {
		t.Errorf("Expected bob to see none of alice's history, got %d", len(page.Items))
	}

	_, err = alice.Submit(ctx, &calling.HistoryRecord{PeerID: "bob", RoomID: "r1", Status: calling.HistoryCompleted, Direction: calling.DirectionOutgoing})
	if err == nil {
		t.Error("Expected a record with both targets refused")
	}

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/api/call-history?max=zero", nil)
	req.Header.Set("Authorization", "Bearer "+userToken(t, s, "alice"))
	resp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected 400 for a bad max, got %d", resp.StatusCode)
	}
}

func TestRoomsAPI(t *testing.T) {
	s, ts := newTestServer(t, nil)
	ctx := context.Background()
	alice := rooms.New(restClient(t, ts, userToken(t, s, "alice")), nil)
	bob := rooms.New(restClient(t, ts, userToken(t, s, "bob")), nil)

	created, err := alice.Create(ctx, &rooms.Room{Name: "standup", IsPrivate: true, Password: "pw"})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if created.ID == "" || created.CreatorID != "alice" || created.Password != "" || created.Capacity != 3 {
		t.Errorf("Unexpected room: %+v", created)
	}
	if _, err := alice.Create(ctx, &rooms.Room{ID: created.ID, Name: "dup"}); err == nil {
		t.Error("Expected a duplicate id refused")
	} else {
		var conflict *meshsdk.ConflictError
		if !errors.As(err, &conflict) {
			t.Errorf("Expected ConflictError, got %v", err)
		}
	}

	got, err := bob.Get(ctx, created.ID)
	if err != nil || got.Name != "standup" || !got.IsPrivate {
		t.Fatalf("Get failed: %v %+v", err, got)
	}
	if _, err := bob.Get(ctx, "missing"); !meshsdk.IsNotFound(err) {
		t.Errorf("Expected not found, got %v", err)
	}

	page, err := bob.List(ctx, nil)
	if err != nil || len(page.Items) != 1 {
		t.Fatalf("List failed: %v %+v", err, page)
	}
	if page, _ := bob.List(ctx, &rooms.ListOptions{ActiveOnly: true}); len(page.Items) != 0 {
		t.Errorf("Expected no active rooms, got %d", len(page.Items))
	}
	_ = s.rooms.AddMember(ctx, created.ID, "carol")
	if page, _ := bob.List(ctx, &rooms.ListOptions{ActiveOnly: true}); len(page.Items) != 1 || page.Items[0].MemberCount != 1 {
		t.Errorf("Expected the room active with one member, got %+v", page.Items)
	}

	if _, err := bob.CreateInvite(ctx, created.ID, nil); err == nil {
		t.Error("Expected only the creator to invite")
	}
	invite, err := alice.CreateInvite(ctx, created.ID, &rooms.InviteOptions{Name: "Visitor", TTL: time.Hour})
	if err != nil {
		t.Fatalf("CreateInvite failed: %v", err)
	}
	claims, err := s.Tokens().Parse(invite.Token)
	if err != nil || claims.RoomID != created.ID || claims.GuestID != invite.GuestID {
		t.Errorf("Unexpected invite: %v %+v", err, claims)
	}

	var forbidden *meshsdk.ForbiddenError
	if err := bob.Delete(ctx, created.ID); !errors.As(err, &forbidden) {
		t.Errorf("Expected ForbiddenError, got %v", err)
	}
	if err := alice.Delete(ctx, created.ID); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := alice.Get(ctx, created.ID); !meshsdk.IsNotFound(err) {
		t.Errorf("Expected the room gone, got %v", err)
	}
}

func TestCreateRoom_Validation(t *testing.T) {
	s, ts := newTestServer(t, nil)
	token := userToken(t, s, "alice")

	for name, body := range map[string]string{
		"no name":          `{"name":" "}`,
		"private no pw":    `{"name":"x","isPrivate":true}`,
		"capacity too low": `{"name":"x","capacity":1}`,
		"capacity too big": `{"name":"x","capacity":50}`,
	} {
		t.Run(name, func(t *testing.T) {
			req, _ := http.NewRequest(http.MethodPost, ts.URL+"/api/rooms", bytes.NewBufferString(body))
			req.Header.Set("Authorization", "Bearer "+token)
			req.Header.Set("Content-Type", "application/json")
			resp, err := ts.Client().Do(req)
			if err != nil {
				t.Fatalf("request failed: %v", err)
			}
			resp.Body.Close()
			if resp.StatusCode != http.StatusBadRequest {
				t.Errorf("Expected 400, got %d", resp.StatusCode)
			}
		})
	}
}

func TestOriginFilter(t *testing.T) {
	_, ts := newTestServer(t, func(c *Config) {
		c.AllowedOrigins = []string{"http://app.example.com"}
	})

	tests := []struct {
		origin string
		method string
		want   int
	}{
		{"", http.MethodGet, http.StatusOK},
		{"http://app.example.com", http.MethodGet, http.StatusOK},
		{"http://app.example.com", http.MethodOptions, http.StatusNoContent},
		{"http://evil.example.com", http.MethodGet, http.StatusForbidden},
	}
	for _, tc := range tests {
		req, _ := http.NewRequest(tc.method, ts.URL+"/health", nil)
		if tc.origin != "" {
			req.Header.Set("Origin", tc.origin)
		}
		resp, err := ts.Client().Do(req)
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != tc.want {
			t.Errorf("%s %q: expected %d, got %d", tc.method, tc.origin, tc.want, resp.StatusCode)
		}
		if tc.want == http.StatusOK && tc.origin != "" && resp.Header.Get("Access-Control-Allow-Origin") != tc.origin {
			t.Errorf("Expected CORS header for %q", tc.origin)
		}
	}
}

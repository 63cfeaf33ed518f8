/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package callmesh

import (
	"context"
	"errors"
	"io"
	"log"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tejzpr/callmesh/calling"
	"github.com/tejzpr/callmesh/guest"
	"github.com/tejzpr/callmesh/meshsdk"
	"github.com/tejzpr/callmesh/roomcall"
	"github.com/tejzpr/callmesh/rooms"
	"github.com/tejzpr/callmesh/rtc/rtctest"
	"github.com/tejzpr/callmesh/signaling"
	"github.com/tejzpr/callmesh/signalserver"
)

var quiet = log.New(io.Discard, "", 0)

func startServer(t *testing.T) (*signalserver.Server, *httptest.Server) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	cfg := signalserver.DefaultConfig()
	cfg.JWTSecret = "0123456789abcdef0123456789abcdef"
	cfg.PresenceInterval = 0
	cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	s, err := signalserver.New(cfg)
	if err != nil {
		t.Fatalf("signalserver.New failed: %v", err)
	}
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return s, ts
}

func testConfig(ts *httptest.Server) *Config {
	transport := signaling.DefaultConfig()
	transport.URL = "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	return &Config{
		REST: &meshsdk.Config{
			BaseURL:    ts.URL + "/api",
			Timeout:    5 * time.Second,
			HttpClient: ts.Client(),
		},
		Transport: transport,
		Factory:   &rtctest.Factory{},
		Devices:   &rtctest.Devices{},
		Logger:    quiet,
	}
}

func connectedClient(t *testing.T, s *signalserver.Server, ts *httptest.Server, user string) *Client {
	t.Helper()
	token, _, err := s.Tokens().IssueUser(user)
	if err != nil {
		t.Fatalf("IssueUser failed: %v", err)
	}
	c, err := NewClient(user, token, testConfig(ts))
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	t.Cleanup(c.Close)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	waitFor(t, user+" online", func() bool { return s.Hub().Online(user) })
	return c
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestNewClient(t *testing.T) {
	if _, err := NewClient("", "token", nil); err == nil {
		t.Error("Expected an error for an empty user id")
	}
	if _, err := NewClient("alice", "", &Config{Factory: &rtctest.Factory{}}); err == nil {
		t.Error("Expected an error for an empty token")
	}

	c, err := NewClient("alice", "token", &Config{Factory: &rtctest.Factory{}, Logger: quiet})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	defer c.Close()

	if c.UserID() != "alice" || c.Core().GetAccessToken() != "token" {
		t.Error("Expected the identity kept")
	}
	if c.Calling() != c.Calling() || c.Rooms() != c.Rooms() {
		t.Error("Expected plugins to be cached")
	}
	if c.Calls() == nil || c.RoomCalls() == nil || c.History() == nil {
		t.Error("Expected the managers wired")
	}
	if c.Transport().Subscribers() != 2 {
		t.Errorf("Expected both managers subscribed, got %d", c.Transport().Subscribers())
	}
}

func TestClient_DirectCallAndHistory(t *testing.T) {
	s, ts := startServer(t)
	alice := connectedClient(t, s, ts, "alice")
	bob := connectedClient(t, s, ts, "bob")

	if err := alice.Calls().StartCall("bob"); err != nil {
		t.Fatalf("StartCall failed: %v", err)
	}
	waitFor(t, "bob ringing", func() bool {
		sess := bob.Calls().Session()
		return sess.Status == calling.StatusCalling && sess.Direction == calling.DirectionIncoming
	})
	if err := bob.Calls().AcceptCall(); err != nil {
		t.Fatalf("AcceptCall failed: %v", err)
	}
	waitFor(t, "alice connected", func() bool { return alice.Calls().Session().Status == calling.StatusConnected })

	// One activity at a time per client.
	if err := alice.RoomCalls().JoinRoom("r1", ""); !errors.Is(err, roomcall.ErrBusy) {
		t.Errorf("Expected ErrBusy while in a call, got %v", err)
	}

	sessionID := alice.Calls().Session().SessionID
	if err := alice.Calls().StopCall(""); err != nil {
		t.Fatalf("StopCall failed: %v", err)
	}
	waitFor(t, "bob hung up", func() bool { return bob.Calls().Session().Status != calling.StatusConnected })

	var (
		page *calling.HistoryPage
		err  error
	)
	waitFor(t, "history stored", func() bool {
		page, err = alice.Calling().History().List(context.Background(), 10)
		return err == nil && len(page.Items) == 1
	})
	rec := page.Items[0]
	if rec.SessionID != sessionID || rec.OwnerID != "alice" || rec.PeerID != "bob" || rec.Status != calling.HistoryCompleted {
		t.Errorf("Unexpected history record: %+v", rec)
	}

	// The answering side never submits.
	if page, err := bob.Calling().History().List(context.Background(), 10); err != nil || len(page.Items) != 0 {
		t.Errorf("Expected no history for bob, got %v %+v", err, page)
	}
}

func TestClient_RoomWithGuest(t *testing.T) {
	s, ts := startServer(t)
	alice := connectedClient(t, s, ts, "alice")

	room, err := alice.Rooms().Create(context.Background(), &rooms.Room{ID: "r1", Name: "Standup", IsPrivate: true, Password: "pw"})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := alice.RoomCalls().JoinRoom(room.ID, "pw"); err != nil {
		t.Fatalf("JoinRoom failed: %v", err)
	}
	waitFor(t, "alice joined", func() bool { return alice.RoomCalls().Session().Status == roomcall.StatusJoined })

	// The room blocks direct calls.
	if err := alice.Calls().StartCall("bob"); !errors.Is(err, calling.ErrBusy) {
		t.Errorf("Expected ErrBusy, got %v", err)
	}

	invite, err := alice.Rooms().CreateInvite(context.Background(), room.ID, &rooms.InviteOptions{Name: "Visitor"})
	if err != nil {
		t.Fatalf("CreateInvite failed: %v", err)
	}

	cfg := testConfig(ts)
	g, err := NewGuestSession(invite.Token, cfg)
	if err != nil {
		t.Fatalf("NewGuestSession failed: %v", err)
	}
	t.Cleanup(g.Leave)
	if err := g.Join(context.Background()); err != nil {
		t.Fatalf("guest Join failed: %v", err)
	}
	waitFor(t, "guest joined", func() bool { return g.Snapshot().Status == guest.StatusJoined })
	waitFor(t, "alice sees the guest", func() bool { return len(alice.RoomCalls().Session().Members) == 2 })

	if g.Snapshot().GuestID != invite.GuestID {
		t.Errorf("Expected guest id %s, got %s", invite.GuestID, g.Snapshot().GuestID)
	}
	waitFor(t, "guest offer answered", func() bool {
		p := cfg.Factory.(*rtctest.Factory).Last()
		return p != nil && p.HasRemoteDescription()
	})

	g.Leave()
	waitFor(t, "guest removed", func() bool { return len(alice.RoomCalls().Session().Members) == 1 })
}

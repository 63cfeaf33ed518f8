/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package mesh

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"github.com/tejzpr/callmesh/rtc"
	"github.com/tejzpr/callmesh/rtc/rtctest"
	"github.com/tejzpr/callmesh/signaling"
	"github.com/tejzpr/callmesh/signaling/signalingtest"
)

type fixture struct {
	mesh    *Mesh
	sent    *signalingtest.Recorder
	factory *rtctest.Factory
	devices *rtctest.Devices
}

func newFixture(t *testing.T, self string) *fixture {
	t.Helper()
	f := &fixture{
		sent:    signalingtest.NewRecorder(),
		factory: &rtctest.Factory{},
		devices: &rtctest.Devices{},
	}
	m, err := New(&Config{
		Self:     self,
		Signaler: f.sent,
		Factory:  f.factory,
		Devices:  f.devices,
		Logger:   log.New(io.Discard, "", 0),
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	f.mesh = m
	t.Cleanup(m.CleanupAll)
	return f
}

func sdp(typ webrtc.SDPType, body string) webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: typ, SDP: body}
}

func cand(s string) webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{Candidate: s}
}

// audioTrack is a remote track that blocks until closed.
type audioTrack struct {
	done chan struct{}
	once sync.Once
}

func newAudioTrack() *audioTrack { return &audioTrack{done: make(chan struct{})} }

func (a *audioTrack) ID() string { return "audio" }
func (a *audioTrack) Kind() webrtc.RTPCodecType { return webrtc.RTPCodecTypeAudio }
func (a *audioTrack) ReadRTP() (*rtp.Packet, interceptor.Attributes, error) {
	<-a.done
	return nil, nil, io.EOF
}
func (a *audioTrack) end() { a.once.Do(func() { close(a.done) }) }

func TestNew_RequiresCollaborators(t *testing.T) {
	if _, err := New(nil); err == nil {
		t.Error("Expected error for nil config")
	}
	if _, err := New(&Config{Signaler: signalingtest.NewRecorder()}); err == nil {
		t.Error("Expected error without a factory")
	}
}

func TestSendOfferToPeer(t *testing.T) {
	ctx := context.Background()

	t.Run("NoRoom", func(t *testing.T) {
		f := newFixture(t, "alice")
		if err := f.mesh.SendOfferToPeer(ctx, "bob"); err != nil {
			t.Fatalf("Expected no-op, got %v", err)
		}
		if len(f.sent.Sent()) != 0 || len(f.factory.Peers()) != 0 {
			t.Error("Expected nothing to happen without a room")
		}
	})

	t.Run("Self", func(t *testing.T) {
		f := newFixture(t, "alice")
		f.mesh.SetRoom("r1")
		if err := f.mesh.SendOfferToPeer(ctx, "alice"); err != nil {
			t.Fatalf("Expected no-op, got %v", err)
		}
		if len(f.sent.Sent()) != 0 {
			t.Error("Expected no offer to self")
		}
	})

	t.Run("Offer", func(t *testing.T) {
		f := newFixture(t, "alice")
		f.mesh.SetRoom("r1")
		if err := f.mesh.SendOfferToPeer(ctx, "bob"); err != nil {
			t.Fatalf("SendOfferToPeer failed: %v", err)
		}

		offers := f.sent.OfType(signaling.TypeRoomOffer)
		if len(offers) != 1 {
			t.Fatalf("Expected 1 room-offer, got %d", len(offers))
		}
		offer := offers[0].(*signaling.RoomOffer)
		if offer.RoomID != "r1" || offer.To != "bob" || offer.From != "alice" {
			t.Errorf("Unexpected offer routing: %+v", offer)
		}
		if offer.SDP.Type != webrtc.SDPTypeOffer {
			t.Errorf("Expected offer SDP, got %s", offer.SDP.Type)
		}

		pc := f.factory.Last()
		if pc.Audio() == nil || !pc.LowLatency() {
			t.Error("Expected shared audio attached with the priority hint")
		}
		peers := f.mesh.Peers()
		if len(peers) != 1 || peers[0].ID != "bob" || peers[0].State != PeerConnecting {
			t.Errorf("Unexpected peers: %+v", peers)
		}
	})

	t.Run("LocalCandidatesRelayed", func(t *testing.T) {
		f := newFixture(t, "alice")
		f.mesh.SetRoom("r1")
		if err := f.mesh.SendOfferToPeer(ctx, "bob"); err != nil {
			t.Fatalf("SendOfferToPeer failed: %v", err)
		}
		f.factory.Last().EmitCandidate(cand("c1"))

		ice := f.sent.OfType(signaling.TypeRoomICE)
		if len(ice) != 1 {
			t.Fatalf("Expected 1 room-ice, got %d", len(ice))
		}
		msg := ice[0].(*signaling.RoomICE)
		if msg.RoomID != "r1" || msg.To != "bob" || msg.Candidate.Candidate != "c1" {
			t.Errorf("Unexpected room-ice: %+v", msg)
		}
	})

	t.Run("ReofferReplacesConnection", func(t *testing.T) {
		f := newFixture(t, "alice")
		f.mesh.SetRoom("r1")
		_ = f.mesh.SendOfferToPeer(ctx, "bob")
		first := f.factory.Last()
		_ = f.mesh.SendOfferToPeer(ctx, "bob")

		if !first.Closed() {
			t.Error("Expected the previous connection to be closed")
		}
		if len(f.factory.Peers()) != 2 || len(f.mesh.Peers()) != 1 {
			t.Error("Expected one record with a fresh connection")
		}
		// Candidates from the old connection must not leak.
		first.EmitCandidate(cand("old"))
		if n := len(f.sent.OfType(signaling.TypeRoomICE)); n != 0 {
			t.Errorf("Expected stale candidate to be dropped, got %d", n)
		}
	})
}

func TestHandleRoomOffer_QueuedCandidates(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "alice")
	f.mesh.SetRoom("r1")

	for _, c := range []string{"c1", "c2", "c3"} {
		if err := f.mesh.HandleRoomICE(&signaling.RoomICE{RoomID: "r1", From: "bob", Candidate: cand(c)}); err != nil {
			t.Fatalf("HandleRoomICE failed: %v", err)
		}
	}
	if len(f.factory.Peers()) != 0 {
		t.Fatal("Candidates alone must not create a connection")
	}

	err := f.mesh.HandleRoomOffer(ctx, &signaling.RoomOffer{RoomID: "r1", From: "bob", To: "alice", SDP: sdp(webrtc.SDPTypeOffer, "o")})
	if err != nil {
		t.Fatalf("HandleRoomOffer failed: %v", err)
	}

	answers := f.sent.OfType(signaling.TypeRoomAnswer)
	if len(answers) != 1 {
		t.Fatalf("Expected 1 room-answer, got %d", len(answers))
	}
	if a := answers[0].(*signaling.RoomAnswer); a.To != "bob" || a.RoomID != "r1" {
		t.Errorf("Unexpected answer routing: %+v", a)
	}

	got := f.factory.Last().Candidates()
	if len(got) != 3 || got[0].Candidate != "c1" || got[2].Candidate != "c3" {
		t.Errorf("Expected queued candidates applied in order, got %v", got)
	}

	// Later candidates go straight in.
	_ = f.mesh.HandleRoomICE(&signaling.RoomICE{RoomID: "r1", From: "bob", Candidate: cand("c4")})
	if n := len(f.factory.Last().Candidates()); n != 4 {
		t.Errorf("Expected 4 candidates, got %d", n)
	}
}

func TestHandleRoomAnswer(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "alice")
	f.mesh.SetRoom("r1")
	if err := f.mesh.SendOfferToPeer(ctx, "bob"); err != nil {
		t.Fatalf("SendOfferToPeer failed: %v", err)
	}
	pc := f.factory.Last()

	_ = f.mesh.HandleRoomICE(&signaling.RoomICE{RoomID: "r1", From: "bob", Candidate: cand("early")})
	if len(pc.Candidates()) != 0 {
		t.Fatal("Expected candidate to be queued before the answer")
	}

	if err := f.mesh.HandleRoomAnswer(&signaling.RoomAnswer{RoomID: "r1", From: "bob", SDP: sdp(webrtc.SDPTypeAnswer, "a1")}); err != nil {
		t.Fatalf("HandleRoomAnswer failed: %v", err)
	}
	if r := pc.Remote(); r == nil || r.SDP != "a1" {
		t.Fatalf("Expected answer applied, got %v", r)
	}
	if got := pc.Candidates(); len(got) != 1 || got[0].Candidate != "early" {
		t.Errorf("Expected queued candidate drained, got %v", got)
	}

	// A duplicate answer is ignored.
	if err := f.mesh.HandleRoomAnswer(&signaling.RoomAnswer{RoomID: "r1", From: "bob", SDP: sdp(webrtc.SDPTypeAnswer, "a2")}); err != nil {
		t.Fatalf("duplicate answer returned error: %v", err)
	}
	if r := pc.Remote(); r.SDP != "a1" {
		t.Errorf("Expected first answer to stick, got %q", r.SDP)
	}

	// An answer from a stranger is ignored.
	if err := f.mesh.HandleRoomAnswer(&signaling.RoomAnswer{RoomID: "r1", From: "mallory", SDP: sdp(webrtc.SDPTypeAnswer, "x")}); err != nil {
		t.Errorf("unknown answer returned error: %v", err)
	}
}

func TestRoomMessagesDropped(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "alice")
	f.mesh.SetRoom("r1")

	tests := []struct {
		name string
		msg  *signaling.RoomOffer
	}{
		{"ForeignRoom", &signaling.RoomOffer{RoomID: "r2", From: "bob", SDP: sdp(webrtc.SDPTypeOffer, "o")}},
		{"NoSender", &signaling.RoomOffer{RoomID: "r1", SDP: sdp(webrtc.SDPTypeOffer, "o")}},
		{"FromSelf", &signaling.RoomOffer{RoomID: "r1", From: "alice", SDP: sdp(webrtc.SDPTypeOffer, "o")}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if err := f.mesh.HandleRoomOffer(ctx, tc.msg); err != nil {
				t.Fatalf("Expected silent drop, got %v", err)
			}
			if len(f.sent.Sent()) != 0 || len(f.factory.Peers()) != 0 {
				t.Error("Expected message to be dropped")
			}
		})
	}

	_ = f.mesh.HandleRoomICE(&signaling.RoomICE{RoomID: "r2", From: "bob", Candidate: cand("c")})
	if len(f.mesh.Peers()) != 0 {
		t.Error("Expected foreign room-ice to be dropped")
	}
}

func TestHandleRoomOffer_Glare(t *testing.T) {
	ctx := context.Background()
	offer := &signaling.RoomOffer{RoomID: "r1", From: "bob", SDP: sdp(webrtc.SDPTypeOffer, "remote")}

	t.Run("PoliteYields", func(t *testing.T) {
		f := newFixture(t, "alice")
		f.mesh.SetRoom("r1")
		_ = f.mesh.SendOfferToPeer(ctx, "bob")
		own := f.factory.Last()

		if err := f.mesh.HandleRoomOffer(ctx, offer); err != nil {
			t.Fatalf("HandleRoomOffer failed: %v", err)
		}
		if !own.Closed() {
			t.Error("Expected own offer to be rolled back")
		}
		if n := len(f.sent.OfType(signaling.TypeRoomAnswer)); n != 1 {
			t.Errorf("Expected an answer, got %d", n)
		}
	})

	t.Run("ImpoliteIgnores", func(t *testing.T) {
		f := newFixture(t, "carol")
		f.mesh.SetRoom("r1")
		_ = f.mesh.SendOfferToPeer(ctx, "bob")
		own := f.factory.Last()

		if err := f.mesh.HandleRoomOffer(ctx, offer); err != nil {
			t.Fatalf("HandleRoomOffer failed: %v", err)
		}
		if own.Closed() {
			t.Error("Expected own offer to survive")
		}
		if n := len(f.sent.OfType(signaling.TypeRoomAnswer)); n != 0 {
			t.Errorf("Expected no answer, got %d", n)
		}
	})
}

func TestCleanupPeer_Isolation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "alice")
	f.mesh.SetRoom("r1")
	_ = f.mesh.SendOfferToPeer(ctx, "bob")
	bob := f.factory.Last()
	_ = f.mesh.SendOfferToPeer(ctx, "dave")
	dave := f.factory.Last()

	track := newAudioTrack()
	defer track.end()
	bob.EmitTrack(track)
	f.mesh.SetPeerVolume("bob", 0.3)
	f.mesh.SetPeerVolume("dave", 0.6)

	sink := f.mesh.lookup("bob").sink.Load()
	if sink == nil || sink.Volume() != 0.3 {
		t.Fatalf("Expected bob's sink at 0.3, got %v", sink)
	}

	f.mesh.CleanupPeer("bob")

	if !bob.Closed() || dave.Closed() {
		t.Error("Expected only bob's connection to close")
	}
	if !sink.Released() {
		t.Error("Expected bob's sink to be released")
	}
	if f.mesh.PeerVolume("bob") != 1 || f.mesh.PeerVolume("dave") != 0.6 {
		t.Error("Expected bob's volume forgotten and dave's kept")
	}
	peers := f.mesh.Peers()
	if len(peers) != 1 || peers[0].ID != "dave" {
		t.Errorf("Expected only dave left, got %+v", peers)
	}

	f.mesh.CleanupPeer("bob")
	f.mesh.CleanupPeer("nobody")
}

func TestSetPeerVolume(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "alice")
	f.mesh.SetRoom("r1")

	f.mesh.SetPeerVolume("bob", 4)
	if v := f.mesh.PeerVolume("bob"); v != 1 {
		t.Errorf("Expected clamp to 1, got %v", v)
	}
	f.mesh.SetPeerVolume("bob", -2)
	if v := f.mesh.PeerVolume("bob"); v != 0 {
		t.Errorf("Expected clamp to 0, got %v", v)
	}

	// The stored volume applies to a sink created later.
	f.mesh.SetPeerVolume("bob", 0.4)
	_ = f.mesh.SendOfferToPeer(ctx, "bob")
	track := newAudioTrack()
	defer track.end()
	f.factory.Last().EmitTrack(track)
	if s := f.mesh.lookup("bob").sink.Load(); s == nil || s.Volume() != 0.4 {
		t.Errorf("Expected sink at stored volume 0.4, got %v", s)
	}
}

func TestLocalStream(t *testing.T) {
	ctx := context.Background()

	t.Run("SingleFlight", func(t *testing.T) {
		f := newFixture(t, "alice")
		f.devices.Delay = 30 * time.Millisecond
		f.mesh.SetRoom("r1")

		var wg sync.WaitGroup
		for i := 0; i < 5; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := f.mesh.EnsureLocalStream(ctx); err != nil {
					t.Errorf("EnsureLocalStream failed: %v", err)
				}
			}()
		}
		wg.Wait()
		if n := f.devices.Calls(); n != 1 {
			t.Errorf("Expected 1 acquisition, got %d", n)
		}
	})

	t.Run("MuteCarriesOver", func(t *testing.T) {
		f := newFixture(t, "alice")
		f.mesh.SetRoom("r1")
		f.mesh.SetMuted(true)
		s, err := f.mesh.EnsureLocalStream(ctx)
		if err != nil {
			t.Fatalf("EnsureLocalStream failed: %v", err)
		}
		if !s.Muted() {
			t.Error("Expected stream acquired while muted to start muted")
		}
		f.mesh.SetMuted(false)
		if s.Muted() {
			t.Error("Expected unmute to reach the stream")
		}
	})

	t.Run("Denied", func(t *testing.T) {
		f := newFixture(t, "alice")
		f.devices.MicErr = rtc.ErrPermissionDenied
		f.mesh.SetRoom("r1")
		err := f.mesh.SendOfferToPeer(ctx, "bob")
		if !errors.Is(err, ErrLocalMedia) || !errors.Is(err, rtc.ErrPermissionDenied) {
			t.Errorf("Expected wrapped permission error, got %v", err)
		}
		if len(f.sent.Sent()) != 0 {
			t.Error("Expected no offer without a microphone")
		}
	})

	t.Run("StaleAcquisition", func(t *testing.T) {
		f := newFixture(t, "alice")
		f.devices.Delay = 50 * time.Millisecond
		f.mesh.SetRoom("r1")

		errc := make(chan error, 1)
		go func() { errc <- f.mesh.SendOfferToPeer(ctx, "bob") }()
		time.Sleep(10 * time.Millisecond)
		f.mesh.CleanupAll()

		if err := <-errc; !errors.Is(err, ErrStale) {
			t.Fatalf("Expected ErrStale, got %v", err)
		}
		streams := f.devices.Streams()
		if len(streams) != 1 || !streams[0].Audio.Stopped() {
			t.Error("Expected the late stream to be stopped")
		}
		if len(f.sent.Sent()) != 0 || len(f.factory.Peers()) != 0 {
			t.Error("Expected no connection or offer for a stale room")
		}
	})
}

func TestCleanupAll(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "alice")
	f.mesh.SetRoom("r1")
	f.mesh.SetMuted(true)
	_ = f.mesh.SendOfferToPeer(ctx, "bob")
	_ = f.mesh.SendOfferToPeer(ctx, "dave")
	stream := f.devices.Streams()[0]

	f.mesh.CleanupAll()
	f.mesh.CleanupAll()

	for _, pc := range f.factory.Peers() {
		if !pc.Closed() {
			t.Error("Expected every connection closed")
		}
	}
	if !stream.Audio.Stopped() {
		t.Error("Expected shared stream stopped")
	}
	if f.mesh.HasLocalStream() || f.mesh.Muted() || f.mesh.RoomID() != "" || len(f.mesh.Peers()) != 0 {
		t.Error("Expected mesh state reset")
	}

	f.sent.Reset()
	if err := f.mesh.SendOfferToPeer(ctx, "bob"); err != nil || len(f.sent.Sent()) != 0 {
		t.Errorf("Expected offers to be no-ops after cleanup, err=%v", err)
	}
}

// waitForPrompt blocks until the microphone has been requested n times.
func (f *fixture) waitForPrompt(t *testing.T, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for f.devices.Calls() < n {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for the microphone prompt")
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestCleanupPeer_DuringNegotiation(t *testing.T) {
	ctx := context.Background()

	t.Run("OfferWaitingOnMicrophone", func(t *testing.T) {
		f := newFixture(t, "alice")
		f.devices.Delay = 50 * time.Millisecond
		f.mesh.SetRoom("r1")

		errc := make(chan error, 1)
		go func() { errc <- f.mesh.SendOfferToPeer(ctx, "bob") }()
		f.waitForPrompt(t, 1)
		f.mesh.CleanupPeer("bob")

		err := <-errc
		if !errors.Is(err, ErrPeerLeft) || !errors.Is(err, ErrStale) {
			t.Fatalf("Expected ErrPeerLeft, got %v", err)
		}
		if n := len(f.sent.OfType(signaling.TypeRoomOffer)); n != 0 {
			t.Errorf("Expected no room-offer to a departed peer, got %d", n)
		}
		if peers := f.mesh.Peers(); len(peers) != 0 {
			t.Errorf("Expected no peer records, got %+v", peers)
		}
		if len(f.factory.Peers()) != 0 {
			t.Error("Expected no connection to a departed peer")
		}
		if !f.mesh.HasLocalStream() {
			t.Error("The shared stream belongs to the room and stays")
		}
	})

	t.Run("AnswerWaitingOnMicrophone", func(t *testing.T) {
		f := newFixture(t, "alice")
		f.devices.Delay = 50 * time.Millisecond
		f.mesh.SetRoom("r1")

		errc := make(chan error, 1)
		go func() {
			errc <- f.mesh.HandleRoomOffer(ctx, &signaling.RoomOffer{RoomID: "r1", From: "bob", To: "alice", SDP: sdp(webrtc.SDPTypeOffer, "o")})
		}()
		f.waitForPrompt(t, 1)
		f.mesh.CleanupPeer("bob")

		if err := <-errc; !errors.Is(err, ErrPeerLeft) {
			t.Fatalf("Expected ErrPeerLeft, got %v", err)
		}
		if n := len(f.sent.OfType(signaling.TypeRoomAnswer)); n != 0 {
			t.Errorf("Expected no answer to a departed peer, got %d", n)
		}
		if peers := f.mesh.Peers(); len(peers) != 0 {
			t.Errorf("Expected no peer records, got %+v", peers)
		}
	})

	t.Run("Rejoin", func(t *testing.T) {
		f := newFixture(t, "alice")
		f.mesh.SetRoom("r1")
		if err := f.mesh.SendOfferToPeer(ctx, "bob"); err != nil {
			t.Fatalf("SendOfferToPeer failed: %v", err)
		}
		first := f.factory.Last()
		f.mesh.CleanupPeer("bob")

		// A member who comes back is offered afresh.
		if err := f.mesh.SendOfferToPeer(ctx, "bob"); err != nil {
			t.Fatalf("SendOfferToPeer after rejoin failed: %v", err)
		}
		if !first.Closed() || f.factory.Last() == first || f.factory.Last().Closed() {
			t.Error("Expected a new open connection replacing the closed one")
		}
		peers := f.mesh.Peers()
		if len(peers) != 1 || peers[0].State != PeerConnecting {
			t.Errorf("Unexpected peers: %+v", peers)
		}
	})
}

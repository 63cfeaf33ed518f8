/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package calling

import (
	"context"
	"errors"
	"io"
	"log"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/tejzpr/callmesh/rtc"
	"github.com/tejzpr/callmesh/rtc/rtctest"
	"github.com/tejzpr/callmesh/signaling"
	"github.com/tejzpr/callmesh/signaling/signalingtest"
)

var quiet = log.New(io.Discard, "", 0)

func newTestEngine(t *testing.T, self string) (*Engine, *signalingtest.Recorder, *rtctest.Factory, *rtctest.Devices) {
	t.Helper()
	sent := signalingtest.NewRecorder()
	factory := &rtctest.Factory{}
	devices := &rtctest.Devices{}
	e, err := NewEngine(&EngineConfig{
		Self:     self,
		Signaler: sent,
		Factory:  factory,
		Devices:  devices,
		Logger:   quiet,
	})
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	t.Cleanup(e.Cleanup)
	return e, sent, factory, devices
}

// dial reserves e for an outgoing call and starts it.
func dial(e *Engine, peerID, sessionID string) error {
	epoch, err := e.Reserve(peerID, true)
	if err != nil {
		return err
	}
	return e.StartCall(context.Background(), epoch, sessionID, CallTypeAudio)
}

func offerFrom(from, session string) *signaling.Offer {
	return &signaling.Offer{
		To:        "alice",
		From:      from,
		SDP:       webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "remote-offer"},
		SessionID: session,
		CallType:  string(CallTypeAudio),
	}
}

func TestEngine_StartCall(t *testing.T) {
	e, sent, factory, _ := newTestEngine(t, "alice")

	if err := dial(e, "bob", "s1"); err != nil {
		t.Fatalf("StartCall failed: %v", err)
	}

	offers := sent.OfType(signaling.TypeOffer)
	if len(offers) != 1 {
		t.Fatalf("Expected 1 offer, got %d", len(offers))
	}
	offer := offers[0].(*signaling.Offer)
	if offer.To != "bob" || offer.From != "alice" || offer.SessionID != "s1" || offer.CallType != "audio" {
		t.Errorf("Unexpected offer: %+v", offer)
	}

	pc := factory.Last()
	if pc.Audio() == nil || pc.Video() == nil {
		t.Error("Expected audio and placeholder video attached before the offer")
	}
	if !pc.LowLatency() {
		t.Error("Expected low latency audio preference")
	}

	if err := dial(e, "carol", "s2"); !errors.Is(err, ErrCallActive) {
		t.Errorf("Expected ErrCallActive, got %v", err)
	}
	if len(factory.Peers()) != 1 {
		t.Error("Second call must not create a connection")
	}
}

func TestEngine_AnswerOnceAndDrain(t *testing.T) {
	e, _, factory, _ := newTestEngine(t, "alice")
	if err := dial(e, "bob", "s1"); err != nil {
		t.Fatalf("StartCall failed: %v", err)
	}
	pc := factory.Last()

	e.HandleRemoteICECandidate("bob", webrtc.ICECandidateInit{Candidate: "c1"})
	e.HandleRemoteICECandidate("bob", webrtc.ICECandidateInit{Candidate: "c2"})
	if len(pc.Candidates()) != 0 {
		t.Fatal("Expected candidates queued before the answer")
	}

	answer := &signaling.Answer{From: "bob", SDP: webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "a1"}}
	applied, err := e.HandleRemoteAnswer(answer)
	if err != nil || !applied {
		t.Fatalf("Expected answer applied, got %v %v", applied, err)
	}
	got := pc.Candidates()
	if len(got) != 2 || got[0].Candidate != "c1" || got[1].Candidate != "c2" {
		t.Errorf("Expected FIFO drain, got %v", got)
	}

	applied, err = e.HandleRemoteAnswer(&signaling.Answer{From: "bob", SDP: webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "a2"}})
	if err != nil || applied {
		t.Errorf("Expected second answer ignored, got %v %v", applied, err)
	}
	if pc.Remote().SDP != "a1" {
		t.Error("Second answer must not replace the first")
	}

	e.HandleRemoteICECandidate("bob", webrtc.ICECandidateInit{Candidate: "c3"})
	if n := len(pc.Candidates()); n != 3 {
		t.Errorf("Expected late candidate applied directly, got %d", n)
	}
}

func TestEngine_HandleRemoteOffer(t *testing.T) {
	ctx := context.Background()
	e, sent, factory, _ := newTestEngine(t, "alice")

	epoch, err := e.Reserve("bob", false)
	if err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}
	// Candidates arrive before the offer is answered and before any
	// connection exists.
	e.HandleRemoteICECandidate("bob", webrtc.ICECandidateInit{Candidate: "early"})
	if len(factory.Peers()) != 0 {
		t.Fatal("Candidates must not create a connection")
	}

	if err := e.HandleRemoteOffer(ctx, epoch, offerFrom("bob", "s1")); err != nil {
		t.Fatalf("HandleRemoteOffer failed: %v", err)
	}

	if n := len(sent.OfType(signaling.TypeAnswer)); n != 1 {
		t.Fatalf("Expected 1 answer, got %d", n)
	}
	pc := factory.Last()
	if pc.Remote() == nil || pc.Remote().SDP != "remote-offer" {
		t.Error("Expected the offer applied as remote description")
	}
	if got := pc.Candidates(); len(got) != 1 || got[0].Candidate != "early" {
		t.Errorf("Expected early candidate drained, got %v", got)
	}

	// An answer is meaningless on the answering side.
	if applied, _ := e.HandleRemoteAnswer(&signaling.Answer{From: "bob"}); applied {
		t.Error("Incoming call must not accept an answer")
	}
}

func TestEngine_MicDenied(t *testing.T) {
	e, sent, factory, devices := newTestEngine(t, "alice")
	devices.MicErr = rtc.ErrPermissionDenied

	err := dial(e, "bob", "s1")
	if !errors.Is(err, ErrLocalMedia) || !errors.Is(err, rtc.ErrPermissionDenied) {
		t.Errorf("Expected wrapped permission error, got %v", err)
	}
	if len(sent.Sent()) != 0 || len(factory.Peers()) != 0 {
		t.Error("Expected nothing sent or created")
	}
}

func TestEngine_NotConnected(t *testing.T) {
	e, sent, _, _ := newTestEngine(t, "alice")
	sent.SetOpen(false)
	if err := dial(e, "bob", "s1"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Expected ErrNotConnected, got %v", err)
	}
}

func TestEngine_MuteAndScreenShare(t *testing.T) {
	ctx := context.Background()
	e, sent, factory, devices := newTestEngine(t, "alice")

	if err := e.StartScreenShare(ctx); !errors.Is(err, ErrNoCall) {
		t.Errorf("Expected ErrNoCall, got %v", err)
	}

	if err := dial(e, "bob", "s1"); err != nil {
		t.Fatalf("StartCall failed: %v", err)
	}
	pc := factory.Last()
	stream := devices.Streams()[0]

	e.SetMuted(true)
	if !stream.Muted() {
		t.Error("Expected local audio disabled")
	}
	e.SetMuted(false)
	if stream.Muted() {
		t.Error("Expected local audio enabled")
	}

	placeholder := pc.Video()
	if err := e.StartScreenShare(ctx); err != nil {
		t.Fatalf("StartScreenShare failed: %v", err)
	}
	if pc.Video() == placeholder || !e.Sharing() {
		t.Error("Expected the display track on the video sender")
	}
	if err := e.StopScreenShare(); err != nil {
		t.Fatalf("StopScreenShare failed: %v", err)
	}
	if pc.Video() != placeholder || e.Sharing() {
		t.Error("Expected the placeholder back on the video sender")
	}
	if n := pc.VideoSwaps(); n != 2 {
		t.Errorf("Expected 2 track swaps on one transceiver, got %d", n)
	}

	shares := sent.OfType(signaling.TypeScreenShare)
	if len(shares) != 2 || !shares[0].(*signaling.ScreenShare).Active || shares[1].(*signaling.ScreenShare).Active {
		t.Errorf("Expected screen-share on then off, got %v", shares)
	}

	if err := e.StopScreenShare(); err != nil {
		t.Errorf("Expected StopScreenShare to be a no-op, got %v", err)
	}
}

func TestEngine_Cleanup(t *testing.T) {
	e, sent, factory, devices := newTestEngine(t, "alice")
	if err := dial(e, "bob", "s1"); err != nil {
		t.Fatalf("StartCall failed: %v", err)
	}
	e.HandleRemoteICECandidate("bob", webrtc.ICECandidateInit{Candidate: "queued"})

	e.Cleanup()
	e.Cleanup()

	if !factory.Last().Closed() {
		t.Error("Expected connection closed")
	}
	if !devices.Streams()[0].Audio.Stopped() {
		t.Error("Expected microphone released")
	}
	if e.Active() {
		t.Error("Expected engine free after cleanup")
	}

	// Local candidates from the dead connection are not relayed.
	sent.Reset()
	factory.Last().EmitCandidate(webrtc.ICECandidateInit{Candidate: "late"})
	if len(sent.Sent()) != 0 {
		t.Error("Expected no candidates after cleanup")
	}

	// The engine is reusable and the old queue is gone.
	if err := dial(e, "bob", "s2"); err != nil {
		t.Fatalf("StartCall after cleanup failed: %v", err)
	}
	if _, err := e.HandleRemoteAnswer(&signaling.Answer{From: "bob", SDP: webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "a"}}); err != nil {
		t.Fatalf("HandleRemoteAnswer failed: %v", err)
	}
	if n := len(factory.Last().Candidates()); n != 0 {
		t.Errorf("Expected discarded queue, got %d candidates", n)
	}
}

func TestEngine_StaleReservation(t *testing.T) {
	ctx := context.Background()

	t.Run("CleanedUpBeforeSetup", func(t *testing.T) {
		e, sent, factory, devices := newTestEngine(t, "alice")
		epoch, err := e.Reserve("bob", false)
		if err != nil {
			t.Fatalf("Reserve failed: %v", err)
		}
		e.Cleanup()

		if err := e.HandleRemoteOffer(ctx, epoch, offerFrom("bob", "s1")); !errors.Is(err, ErrStale) {
			t.Errorf("Expected ErrStale, got %v", err)
		}
		if len(sent.Sent()) != 0 || len(factory.Peers()) != 0 || devices.Calls() != 0 {
			t.Error("Expected no side effects from a stale reservation")
		}
		if e.Active() {
			t.Error("A stale setup must not reserve the engine")
		}
	})

	t.Run("CleanedUpDuringMicPrompt", func(t *testing.T) {
		e, sent, factory, devices := newTestEngine(t, "alice")
		devices.Delay = 50 * time.Millisecond
		epoch, err := e.Reserve("bob", true)
		if err != nil {
			t.Fatalf("Reserve failed: %v", err)
		}

		done := make(chan error, 1)
		go func() { done <- e.StartCall(ctx, epoch, "s1", CallTypeAudio) }()
		waitFor(t, "microphone prompt", func() bool { return devices.Calls() == 1 })
		e.Cleanup()

		if err := <-done; !errors.Is(err, ErrStale) {
			t.Errorf("Expected ErrStale, got %v", err)
		}
		if len(sent.Sent()) != 0 || len(factory.Peers()) != 0 {
			t.Error("Expected nothing sent or created after cleanup")
		}
		if !devices.Streams()[0].Audio.Stopped() {
			t.Error("Expected the late microphone released")
		}
		if e.Active() {
			t.Error("Expected engine free")
		}
	})

	t.Run("ReleaseLeavesNewerCall", func(t *testing.T) {
		e, _, factory, _ := newTestEngine(t, "alice")
		old, _ := e.Reserve("bob", true)
		e.Cleanup()
		if err := dial(e, "carol", "s2"); err != nil {
			t.Fatalf("dial failed: %v", err)
		}
		e.Release(old)
		if !e.Active() || factory.Last().Closed() {
			t.Error("Release of an old epoch must not touch the current call")
		}
	})
}

func TestEngine_CandidatesFromStrangersDropped(t *testing.T) {
	e, _, factory, _ := newTestEngine(t, "alice")

	// Nothing is reserved, so nothing is kept.
	e.HandleRemoteICECandidate("mallory", webrtc.ICECandidateInit{Candidate: "idle"})

	if err := dial(e, "bob", "s1"); err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	e.HandleRemoteICECandidate("mallory", webrtc.ICECandidateInit{Candidate: "stranger"})
	e.HandleRemoteICECandidate("bob", webrtc.ICECandidateInit{Candidate: "bob"})

	if _, err := e.HandleRemoteAnswer(&signaling.Answer{From: "bob", SDP: webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "a"}}); err != nil {
		t.Fatalf("HandleRemoteAnswer failed: %v", err)
	}
	got := factory.Last().Candidates()
	if len(got) != 1 || got[0].Candidate != "bob" {
		t.Errorf("Expected only the peer's candidate, got %v", got)
	}
}


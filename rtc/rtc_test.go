/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package rtc

import (
	"context"
	"errors"
	"io"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

func candidate(s string) webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{Candidate: s}
}

func TestCandidateQueue(t *testing.T) {
	var q CandidateQueue
	q.Push(candidate("a"))
	q.Push(candidate("b"))
	q.Push(candidate("c"))
	if q.Len() != 3 {
		t.Fatalf("Expected 3 queued, got %d", q.Len())
	}

	got := q.Drain()
	if len(got) != 3 || got[0].Candidate != "a" || got[2].Candidate != "c" {
		t.Errorf("Expected FIFO order, got %v", got)
	}
	if q.Len() != 0 || len(q.Drain()) != 0 {
		t.Error("Expected queue to be empty after drain")
	}

	q.Push(candidate("d"))
	q.Reset()
	if q.Len() != 0 {
		t.Error("Expected Reset to discard candidates")
	}
}

func TestClampVolume(t *testing.T) {
	tests := []struct {
		in, want float64
	}{
		{0.5, 0.5},
		{-1, 0},
		{0, 0},
		{1, 1},
		{3.2, 1},
		{math.NaN(), 1},
	}
	for _, tc := range tests {
		if got := ClampVolume(tc.in); got != tc.want {
			t.Errorf("ClampVolume(%v) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

type chanTrack struct {
	pkts chan *rtp.Packet
}

func (c *chanTrack) ID() string { return "remote-audio" }
func (c *chanTrack) Kind() webrtc.RTPCodecType { return webrtc.RTPCodecTypeAudio }
func (c *chanTrack) ReadRTP() (*rtp.Packet, interceptor.Attributes, error) {
	pkt, ok := <-c.pkts
	if !ok {
		return nil, nil, io.EOF
	}
	return pkt, nil, nil
}

type recordingOutput struct {
	mu      sync.Mutex
	volumes []float64
}

func (r *recordingOutput) WriteRTP(peerID string, pkt *rtp.Packet, volume float64) error {
	r.mu.Lock()
	r.volumes = append(r.volumes, volume)
	r.mu.Unlock()
	return nil
}

func (r *recordingOutput) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.volumes)
}

func TestAudioSink(t *testing.T) {
	track := &chanTrack{pkts: make(chan *rtp.Packet, 4)}
	out := &recordingOutput{}
	sink := NewAudioSink("bob", track, out, 2)
	if sink.Volume() != 1 {
		t.Errorf("Expected clamped volume 1, got %v", sink.Volume())
	}

	done := make(chan struct{})
	go func() {
		sink.Run()
		close(done)
	}()

	track.pkts <- &rtp.Packet{}
	sink.SetVolume(0.25)
	track.pkts <- &rtp.Packet{}

	deadline := time.Now().Add(time.Second)
	for out.count() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if out.count() != 2 {
		t.Fatalf("Expected 2 packets forwarded, got %d", out.count())
	}

	sink.Release()
	sink.Release()
	if !sink.Released() {
		t.Error("Expected sink to be released")
	}
	track.pkts <- &rtp.Packet{}
	close(track.pkts)
	<-done
	if out.count() != 2 {
		t.Errorf("Expected no packets after release, got %d", out.count())
	}
}

func TestAudioTrack(t *testing.T) {
	src := NewSilenceSource(5 * time.Millisecond)
	track, err := NewAudioTrack("audio", "test", src)
	if err != nil {
		t.Fatalf("NewAudioTrack failed: %v", err)
	}
	if !track.Enabled() {
		t.Error("Expected new track to be enabled")
	}
	if track.Track().Kind() != webrtc.RTPCodecTypeAudio {
		t.Errorf("Expected audio kind, got %s", track.Track().Kind())
	}

	stream := &LocalStream{Audio: track}
	stream.SetMuted(true)
	if !stream.Muted() || track.Enabled() {
		t.Error("Expected muted stream to disable its track")
	}
	stream.SetMuted(false)
	if stream.Muted() {
		t.Error("Expected unmuted stream")
	}

	stream.Stop()
	stream.Stop()
	if !track.Stopped() {
		t.Error("Expected track to be stopped")
	}
	if _, err := src.ReadSample(); !errors.Is(err, ErrSourceClosed) {
		t.Errorf("Expected source closed, got %v", err)
	}
}

func TestLocalStream_NilSafe(t *testing.T) {
	var s *LocalStream
	s.SetMuted(true)
	s.Stop()
	if !s.Muted() {
		t.Error("Expected nil stream to report muted")
	}
}

func TestPlaceholderVideo(t *testing.T) {
	v, err := NewPlaceholderVideo("test")
	if err != nil {
		t.Fatalf("NewPlaceholderVideo failed: %v", err)
	}
	if !v.Placeholder() {
		t.Error("Expected placeholder")
	}
	if v.Track().Kind() != webrtc.RTPCodecTypeVideo {
		t.Errorf("Expected video kind, got %s", v.Track().Kind())
	}
	v.Stop()
	v.Stop()
	if !v.Stopped() {
		t.Error("Expected stopped")
	}
}

func TestSyntheticDevices(t *testing.T) {
	ctx := context.Background()

	stream, err := (&SyntheticDevices{}).GetUserMedia(ctx)
	if err != nil {
		t.Fatalf("GetUserMedia failed: %v", err)
	}
	stream.Stop()

	if _, err := (&SyntheticDevices{DenyMicrophone: true}).GetUserMedia(ctx); !errors.Is(err, ErrPermissionDenied) {
		t.Errorf("Expected ErrPermissionDenied, got %v", err)
	}
	if _, err := (&SyntheticDevices{}).GetDisplayMedia(ctx); !errors.Is(err, ErrNoDevice) {
		t.Errorf("Expected ErrNoDevice, got %v", err)
	}
}

func TestPionPeer_OfferCarriesAudioAndVideo(t *testing.T) {
	factory, err := NewFactory(nil)
	if err != nil {
		t.Fatalf("NewFactory failed: %v", err)
	}

	offerer, err := factory.NewPeerConn(nil)
	if err != nil {
		t.Fatalf("NewPeerConn failed: %v", err)
	}
	defer offerer.Close()

	audio, _ := NewAudioTrack("audio", "test", NewSilenceSource(20*time.Millisecond))
	defer audio.Stop()
	placeholder, _ := NewPlaceholderVideo("test")

	if err := offerer.SetAudioTrack(audio.Track()); err != nil {
		t.Fatalf("SetAudioTrack failed: %v", err)
	}
	if err := offerer.SetVideoTrack(placeholder.Track()); err != nil {
		t.Fatalf("SetVideoTrack failed: %v", err)
	}
	if err := offerer.PreferLowLatencyAudio(); err != nil {
		t.Fatalf("PreferLowLatencyAudio failed: %v", err)
	}

	offer, err := offerer.CreateOffer(context.Background())
	if err != nil {
		t.Fatalf("CreateOffer failed: %v", err)
	}
	if !strings.Contains(offer.SDP, "m=audio") || !strings.Contains(offer.SDP, "m=video") {
		t.Errorf("Expected audio and video sections in offer:\n%s", offer.SDP)
	}

	// Swapping the video track must reuse the transceiver.
	screen, _ := NewVideoTrack("screen", "test", nil)
	if err := offerer.SetVideoTrack(screen.Track()); err != nil {
		t.Fatalf("replace video failed: %v", err)
	}
	if n := len(offerer.(*pionPeer).pc.GetTransceivers()); n != 2 {
		t.Errorf("Expected 2 transceivers, got %d", n)
	}

	answerer, err := factory.NewPeerConn(nil)
	if err != nil {
		t.Fatalf("NewPeerConn failed: %v", err)
	}
	defer answerer.Close()

	if answerer.HasRemoteDescription() {
		t.Error("Expected no remote description yet")
	}
	if err := answerer.SetRemoteDescription(offer); err != nil {
		t.Fatalf("SetRemoteDescription failed: %v", err)
	}
	if !answerer.HasRemoteDescription() {
		t.Error("Expected remote description")
	}
	remoteAudio, _ := NewAudioTrack("audio", "peer", NewSilenceSource(20*time.Millisecond))
	defer remoteAudio.Stop()
	if err := answerer.SetAudioTrack(remoteAudio.Track()); err != nil {
		t.Fatalf("answerer SetAudioTrack failed: %v", err)
	}
	answer, err := answerer.CreateAnswer(context.Background())
	if err != nil {
		t.Fatalf("CreateAnswer failed: %v", err)
	}
	if err := offerer.SetRemoteDescription(answer); err != nil {
		t.Fatalf("offerer SetRemoteDescription failed: %v", err)
	}
}

func TestPionPeer_Closed(t *testing.T) {
	factory, err := NewFactory(nil)
	if err != nil {
		t.Fatalf("NewFactory failed: %v", err)
	}
	pc, err := factory.NewPeerConn(nil)
	if err != nil {
		t.Fatalf("NewPeerConn failed: %v", err)
	}
	if err := pc.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := pc.Close(); err != nil {
		t.Errorf("second Close should be a no-op, got %v", err)
	}
	if err := pc.AddICECandidate(candidate("candidate:1 1 udp 1 127.0.0.1 9 typ host")); !errors.Is(err, ErrClosed) {
		t.Errorf("Expected ErrClosed, got %v", err)
	}
	if _, err := pc.CreateOffer(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("Expected ErrClosed, got %v", err)
	}
}

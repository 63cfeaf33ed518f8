/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package calling

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/tejzpr/callmesh/meshsdk"
	"github.com/tejzpr/callmesh/rtc"
	"github.com/tejzpr/callmesh/signaling"
)

var (
	// ErrCallActive is returned when a call is already in progress.
	ErrCallActive = errors.New("calling: a call is already active")
	// ErrNoCall is returned by operations that need an active call.
	ErrNoCall = errors.New("calling: no active call")
	// ErrNotConnected is returned when the signaling channel refused a send.
	ErrNotConnected = errors.New("calling: signaling channel not connected")
	// ErrStale is returned when the call was torn down during a blocking step.
	ErrStale = errors.New("calling: call ended during setup")
	// ErrLocalMedia wraps a failure to acquire the microphone or display.
	ErrLocalMedia = errors.New("calling: local media unavailable")
)

// EngineConfig holds the configuration for an Engine
type EngineConfig struct {
	Self     string
	Signaler signaling.Sender
	Factory  rtc.Factory
	Devices  rtc.MediaDevices

	// ICEServers is consulted before each new connection.
	ICEServers func(ctx context.Context) []webrtc.ICEServer

	// Output receives remote audio.
	Output rtc.AudioOutput

	// OnConnectionFailed is called when ICE gives up on the connection.
	OnConnectionFailed func()

	Logger meshsdk.Logger
}

// Engine owns the single peer connection of a direct call and its local and
// remote media. It has no notion of call status; Manager drives it.
type Engine struct {
	config *EngineConfig
	logger meshsdk.Logger

	mu          sync.Mutex
	epoch       uint64
	peerID      string
	outgoing    bool
	answered    bool
	pc          rtc.PeerConn
	stream      *rtc.LocalStream
	placeholder *rtc.VideoTrack
	screen      *rtc.VideoTrack
	sink        *rtc.AudioSink
	muted       bool
	remoteShare bool

	// early holds candidates from the reserved peer, even before any
	// connection exists.
	early rtc.CandidateQueue
}

// NewEngine creates an Engine. Signaler and Factory are required.
func NewEngine(config *EngineConfig) (*Engine, error) {
	if config == nil || config.Signaler == nil || config.Factory == nil {
		return nil, errors.New("calling: signaler and factory are required")
	}
	cfg := *config
	if cfg.Devices == nil {
		cfg.Devices = rtc.DefaultDevices()
	}
	if cfg.Output == nil {
		cfg.Output = rtc.NopOutput{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Engine{
		config: &cfg,
		logger: logger,
	}, nil
}

func (e *Engine) live(epoch uint64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.epoch == epoch
}

// Reserve claims the engine for a call with peerID and returns the epoch
// that StartCall or HandleRemoteOffer must present. Candidates from peerID
// are queued from here on. Cleanup releases the reservation and invalidates
// the epoch.
func (e *Engine) Reserve(peerID string, outgoing bool) (uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.peerID != "" {
		return 0, ErrCallActive
	}
	e.peerID = peerID
	e.outgoing = outgoing
	e.answered = false
	return e.epoch, nil
}

// reservation returns the peer held under epoch.
func (e *Engine) reservation(epoch uint64) (peerID string, outgoing bool, ok bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.epoch != epoch || e.peerID == "" {
		return "", false, false
	}
	return e.peerID, e.outgoing, true
}

// media acquires the microphone and builds the placeholder video track.
func (e *Engine) media(ctx context.Context) (*rtc.LocalStream, *rtc.VideoTrack, error) {
	stream, err := e.config.Devices.GetUserMedia(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrLocalMedia, err)
	}
	placeholder, err := rtc.NewPlaceholderVideo("callmesh")
	if err != nil {
		stream.Stop()
		return nil, nil, err
	}
	return stream, placeholder, nil
}

func (e *Engine) iceServers(ctx context.Context) []webrtc.ICEServer {
	if e.config.ICEServers == nil {
		return nil
	}
	return e.config.ICEServers(ctx)
}

// connect creates the connection and wires its callbacks to epoch.
func (e *Engine) connect(ctx context.Context, peerID string, epoch uint64) (rtc.PeerConn, error) {
	pc, err := e.config.Factory.NewPeerConn(e.iceServers(ctx))
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}
	pc.OnICECandidate(func(c webrtc.ICECandidateInit) {
		if !e.live(epoch) {
			return
		}
		e.config.Signaler.Send(&signaling.ICECandidate{To: peerID, From: e.config.Self, Candidate: c})
	})
	pc.OnTrack(func(track rtc.RemoteTrack) {
		if track.Kind() != webrtc.RTPCodecTypeAudio {
			return
		}
		sink := rtc.NewAudioSink(peerID, track, e.config.Output, 1)
		e.mu.Lock()
		if e.epoch != epoch {
			e.mu.Unlock()
			return
		}
		old := e.sink
		e.sink = sink
		e.mu.Unlock()
		if old != nil {
			old.Release()
		}
		go sink.Run()
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		if s != webrtc.PeerConnectionStateFailed || !e.live(epoch) {
			return
		}
		e.logger.Printf("calling: connection to %s failed", peerID)
		if e.config.OnConnectionFailed != nil {
			e.config.OnConnectionFailed()
		}
	})
	return pc, nil
}

// attach puts the local tracks on pc: audio on the audio transceiver and
// the placeholder on the video transceiver.
func attach(pc rtc.PeerConn, stream *rtc.LocalStream, placeholder *rtc.VideoTrack) error {
	if err := pc.SetAudioTrack(stream.Audio.Track()); err != nil {
		return err
	}
	if err := pc.SetVideoTrack(placeholder.Track()); err != nil {
		return err
	}
	return pc.PreferLowLatencyAudio()
}

// install publishes a negotiated connection and sends msg if the call is
// still live. Otherwise everything is released and ErrStale returned. The
// send happens under the lock so nothing goes out after Cleanup.
func (e *Engine) install(epoch uint64, pc rtc.PeerConn, stream *rtc.LocalStream, placeholder *rtc.VideoTrack, msg signaling.Message, answering bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.epoch != epoch {
		_ = pc.Close()
		stream.Stop()
		placeholder.Stop()
		return ErrStale
	}
	stream.SetMuted(e.muted)
	e.pc = pc
	e.stream = stream
	e.placeholder = placeholder
	if !e.config.Signaler.Send(msg) {
		return ErrNotConnected
	}
	if answering {
		e.answered = true
		e.drainLocked()
	}
	return nil
}

// prepare acquires local media and a connection for the call held under
// epoch, checking liveness after each blocking step.
func (e *Engine) prepare(ctx context.Context, epoch uint64, peerID string) (rtc.PeerConn, *rtc.LocalStream, *rtc.VideoTrack, error) {
	stream, placeholder, err := e.media(ctx)
	if err != nil {
		return nil, nil, nil, err
	}
	if !e.live(epoch) {
		stream.Stop()
		placeholder.Stop()
		return nil, nil, nil, ErrStale
	}
	pc, err := e.connect(ctx, peerID, epoch)
	if err != nil {
		stream.Stop()
		placeholder.Stop()
		return nil, nil, nil, err
	}
	return pc, stream, placeholder, nil
}

func (e *Engine) drainLocked() {
	for _, c := range e.early.Drain() {
		if err := e.pc.AddICECandidate(c); err != nil {
			e.logger.Printf("calling: queued candidate from %s: %v", e.peerID, err)
		}
	}
}

// StartCall acquires local media, builds the connection with audio and
// placeholder video transceivers and sends the offer. epoch comes from an
// outgoing Reserve; if the call was cleaned up since, StartCall returns
// ErrStale without side effects.
func (e *Engine) StartCall(ctx context.Context, epoch uint64, sessionID string, callType CallType) error {
	peerID, outgoing, ok := e.reservation(epoch)
	if !ok || !outgoing {
		return ErrStale
	}

	pc, stream, placeholder, err := e.prepare(ctx, epoch, peerID)
	if err != nil {
		return err
	}
	offer, err := func() (webrtc.SessionDescription, error) {
		if err := attach(pc, stream, placeholder); err != nil {
			return webrtc.SessionDescription{}, err
		}
		return pc.CreateOffer(ctx)
	}()
	if err != nil {
		_ = pc.Close()
		stream.Stop()
		placeholder.Stop()
		return fmt.Errorf("failed to create offer: %w", err)
	}
	return e.install(epoch, pc, stream, placeholder, &signaling.Offer{
		To:        peerID,
		From:      e.config.Self,
		SDP:       offer,
		CallType:  string(callType),
		SessionID: sessionID,
	}, false)
}

// HandleRemoteOffer answers an inbound offer, then applies any candidates
// that arrived ahead of it. epoch comes from an incoming Reserve for the
// offer's sender.
func (e *Engine) HandleRemoteOffer(ctx context.Context, epoch uint64, offer *signaling.Offer) error {
	peerID, outgoing, ok := e.reservation(epoch)
	if !ok || outgoing || peerID != offer.From {
		return ErrStale
	}

	pc, stream, placeholder, err := e.prepare(ctx, epoch, peerID)
	if err != nil {
		return err
	}
	answer, err := func() (webrtc.SessionDescription, error) {
		if err := pc.SetRemoteDescription(offer.SDP); err != nil {
			return webrtc.SessionDescription{}, err
		}
		// The offer already created both transceivers; attaching reuses them.
		if err := attach(pc, stream, placeholder); err != nil {
			return webrtc.SessionDescription{}, err
		}
		return pc.CreateAnswer(ctx)
	}()
	if err != nil {
		_ = pc.Close()
		stream.Stop()
		placeholder.Stop()
		return fmt.Errorf("failed to answer: %w", err)
	}
	return e.install(epoch, pc, stream, placeholder, &signaling.Answer{To: peerID, From: e.config.Self, SDP: answer}, true)
}

// HandleRemoteAnswer applies the answer to our offer. Only the first answer
// from the called peer counts; anything else is ignored.
func (e *Engine) HandleRemoteAnswer(answer *signaling.Answer) (applied bool, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pc == nil || !e.outgoing || e.answered || answer.From != e.peerID {
		e.logger.Printf("calling: ignoring unexpected answer from %s", answer.From)
		return false, nil
	}
	if err := e.pc.SetRemoteDescription(answer.SDP); err != nil {
		return false, fmt.Errorf("failed to apply answer: %w", err)
	}
	e.answered = true
	e.drainLocked()
	return true, nil
}

// HandleRemoteICECandidate applies c when the connection to the reserved
// peer has a remote description, and queues it otherwise. Candidates from
// anyone else are dropped.
func (e *Engine) HandleRemoteICECandidate(peerID string, c webrtc.ICECandidateInit) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if peerID == "" || peerID != e.peerID {
		e.logger.Printf("calling: dropping candidate from %q outside the current call", peerID)
		return
	}
	if e.pc != nil && e.pc.HasRemoteDescription() {
		if err := e.pc.AddICECandidate(c); err != nil {
			e.logger.Printf("calling: candidate from %s: %v", peerID, err)
		}
		return
	}
	e.early.Push(c)
}

// SetMuted toggles the local audio track. No renegotiation happens.
func (e *Engine) SetMuted(muted bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.muted = muted
	e.stream.SetMuted(muted)
}

// StartScreenShare swaps the placeholder for a display capture on the
// existing video transceiver and tells the peer.
func (e *Engine) StartScreenShare(ctx context.Context) error {
	e.mu.Lock()
	if e.pc == nil {
		e.mu.Unlock()
		return ErrNoCall
	}
	if e.screen != nil {
		e.mu.Unlock()
		return nil
	}
	epoch, peerID := e.epoch, e.peerID
	e.mu.Unlock()

	screen, err := e.config.Devices.GetDisplayMedia(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrLocalMedia, err)
	}

	e.mu.Lock()
	if e.epoch != epoch || e.pc == nil || e.screen != nil {
		e.mu.Unlock()
		screen.Stop()
		return ErrStale
	}
	if err := e.pc.SetVideoTrack(screen.Track()); err != nil {
		e.mu.Unlock()
		screen.Stop()
		return fmt.Errorf("failed to share screen: %w", err)
	}
	e.screen = screen
	e.mu.Unlock()

	e.config.Signaler.Send(&signaling.ScreenShare{To: peerID, From: e.config.Self, Active: true})
	return nil
}

// StopScreenShare puts the placeholder back. It does nothing when not
// sharing.
func (e *Engine) StopScreenShare() error {
	e.mu.Lock()
	screen := e.screen
	if screen == nil || e.pc == nil {
		e.mu.Unlock()
		return nil
	}
	e.screen = nil
	err := e.pc.SetVideoTrack(e.placeholder.Track())
	peerID := e.peerID
	e.mu.Unlock()

	screen.Stop()
	if err != nil {
		return fmt.Errorf("failed to restore placeholder: %w", err)
	}
	e.config.Signaler.Send(&signaling.ScreenShare{To: peerID, From: e.config.Self, Active: false})
	return nil
}

// SetRemoteScreenShare records whether the remote video carries content.
func (e *Engine) SetRemoteScreenShare(active bool) {
	e.mu.Lock()
	e.remoteShare = active
	e.mu.Unlock()
}

func (e *Engine) RemoteScreenShare() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.remoteShare
}

func (e *Engine) Sharing() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.screen != nil
}

// Active reports whether the engine is reserved for a call.
func (e *Engine) Active() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.peerID != ""
}

func (e *Engine) PeerID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.peerID
}

// Cleanup tears everything down and discards queued candidates. Setup
// still in flight is abandoned. Safe to call from any state, any number of
// times.
func (e *Engine) Cleanup() {
	e.mu.Lock()
	release := e.resetLocked()
	e.mu.Unlock()
	release()
}

// Release cleans up the call reserved under epoch. It does nothing once
// that call is gone, so it never touches a newer reservation.
func (e *Engine) Release(epoch uint64) {
	e.mu.Lock()
	if e.epoch != epoch {
		e.mu.Unlock()
		return
	}
	release := e.resetLocked()
	e.mu.Unlock()
	release()
}

// resetLocked invalidates the epoch and detaches every resource. The
// returned func stops them and must run without the lock.
func (e *Engine) resetLocked() func() {
	e.epoch++
	pc, stream, placeholder, screen, sink := e.pc, e.stream, e.placeholder, e.screen, e.sink
	e.pc, e.stream, e.placeholder, e.screen, e.sink = nil, nil, nil, nil, nil
	e.peerID = ""
	e.outgoing = false
	e.answered = false
	e.muted = false
	e.remoteShare = false
	e.early.Reset()

	return func() {
		if pc != nil {
			_ = pc.Close()
		}
		stream.Stop()
		if placeholder != nil {
			placeholder.Stop()
		}
		if screen != nil {
			screen.Stop()
		}
		if sink != nil {
			sink.Release()
		}
	}
}

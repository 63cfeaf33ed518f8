/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package rtc

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// ErrClosed is returned by operations on a closed PeerConn.
var ErrClosed = errors.New("rtc: peer connection closed")

// RemoteTrack is the read side of an inbound track. *webrtc.TrackRemote
// satisfies it.
type RemoteTrack interface {
	ID() string
	Kind() webrtc.RTPCodecType
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
}

// PeerConn is one negotiated connection to a remote participant.
type PeerConn interface {
	// SetAudioTrack attaches track to the audio transceiver, replacing the
	// outbound track if one is already attached.
	SetAudioTrack(track webrtc.TrackLocal) error
	// SetVideoTrack does the same for the video transceiver. Swapping tracks
	// never adds or removes transceivers, so no renegotiation is needed.
	SetVideoTrack(track webrtc.TrackLocal) error
	// PreferLowLatencyAudio pins the audio transceiver to Opus.
	PreferLowLatencyAudio() error

	CreateOffer(ctx context.Context) (webrtc.SessionDescription, error)
	CreateAnswer(ctx context.Context) (webrtc.SessionDescription, error)
	SetRemoteDescription(desc webrtc.SessionDescription) error
	HasRemoteDescription() bool
	AddICECandidate(c webrtc.ICECandidateInit) error

	OnICECandidate(func(c webrtc.ICECandidateInit))
	OnTrack(func(track RemoteTrack))
	OnConnectionStateChange(func(state webrtc.PeerConnectionState))

	Close() error
}

// Factory creates peer connections.
type Factory interface {
	NewPeerConn(iceServers []webrtc.ICEServer) (PeerConn, error)
}

// PionFactory creates PeerConns backed by pion.
type PionFactory struct {
	api    *webrtc.API
	config *Config
}

// NewFactory creates a PionFactory sharing one API across connections.
func NewFactory(config *Config) (*PionFactory, error) {
	if config == nil {
		config = DefaultConfig()
	}
	api, err := NewAPI(config)
	if err != nil {
		return nil, err
	}
	return &PionFactory{api: api, config: config}, nil
}

// NewPeerConn creates a connection using iceServers, or the configured
// defaults when the list is empty.
func (f *PionFactory) NewPeerConn(iceServers []webrtc.ICEServer) (PeerConn, error) {
	if len(iceServers) == 0 {
		iceServers = f.config.ICEServers
	}
	pc, err := f.api.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}
	return &pionPeer{pc: pc}, nil
}

type pionPeer struct {
	mu     sync.Mutex
	pc     *webrtc.PeerConnection
	closed bool
}

func (p *pionPeer) SetAudioTrack(track webrtc.TrackLocal) error {
	return p.setTrack(webrtc.RTPCodecTypeAudio, track)
}

func (p *pionPeer) SetVideoTrack(track webrtc.TrackLocal) error {
	return p.setTrack(webrtc.RTPCodecTypeVideo, track)
}

func (p *pionPeer) setTrack(kind webrtc.RTPCodecType, track webrtc.TrackLocal) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}

	for _, tr := range p.pc.GetTransceivers() {
		if tr.Kind() != kind || tr.Sender() == nil {
			continue
		}
		if err := tr.Sender().ReplaceTrack(track); err != nil {
			return fmt.Errorf("failed to replace %s track: %w", kind, err)
		}
		return nil
	}

	// AddTrack reuses a transceiver created by a remote offer when one
	// exists and upgrades it to sendrecv.
	sender, err := p.pc.AddTrack(track)
	if err != nil {
		return fmt.Errorf("failed to add %s track: %w", kind, err)
	}
	go drainRTCP(sender)
	return nil
}

// drainRTCP reads RTCP from the sender so interceptors keep running.
func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

func (p *pionPeer) PreferLowLatencyAudio() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, tr := range p.pc.GetTransceivers() {
		if tr.Kind() != webrtc.RTPCodecTypeAudio {
			continue
		}
		return tr.SetCodecPreferences([]webrtc.RTPCodecParameters{{
			RTPCodecCapability: webrtc.RTPCodecCapability{
				MimeType:    webrtc.MimeTypeOpus,
				ClockRate:   48000,
				Channels:    2,
				SDPFmtpLine: "minptime=10;useinbandfec=1",
			},
			PayloadType: 111,
		}})
	}
	return errors.New("rtc: no audio transceiver")
}

func (p *pionPeer) CreateOffer(ctx context.Context) (webrtc.SessionDescription, error) {
	return p.describe(ctx, func() (webrtc.SessionDescription, error) {
		return p.pc.CreateOffer(nil)
	})
}

func (p *pionPeer) CreateAnswer(ctx context.Context) (webrtc.SessionDescription, error) {
	return p.describe(ctx, func() (webrtc.SessionDescription, error) {
		return p.pc.CreateAnswer(nil)
	})
}

func (p *pionPeer) describe(ctx context.Context, create func() (webrtc.SessionDescription, error)) (webrtc.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return webrtc.SessionDescription{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return webrtc.SessionDescription{}, ErrClosed
	}

	desc, err := create()
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("failed to create session description: %w", err)
	}
	if err := p.pc.SetLocalDescription(desc); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("failed to set local description: %w", err)
	}
	if local := p.pc.LocalDescription(); local != nil {
		return *local, nil
	}
	return desc, nil
}

func (p *pionPeer) SetRemoteDescription(desc webrtc.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	if err := p.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("failed to set remote %s: %w", desc.Type, err)
	}
	return nil
}

func (p *pionPeer) HasRemoteDescription() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.closed && p.pc.RemoteDescription() != nil
}

func (p *pionPeer) AddICECandidate(c webrtc.ICECandidateInit) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	return p.pc.AddICECandidate(c)
}

func (p *pionPeer) OnICECandidate(h func(c webrtc.ICECandidateInit)) {
	p.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		// nil marks the end of gathering.
		if c == nil {
			return
		}
		h(c.ToJSON())
	})
}

func (p *pionPeer) OnTrack(h func(track RemoteTrack)) {
	p.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		h(track)
	})
}

func (p *pionPeer) OnConnectionStateChange(h func(state webrtc.PeerConnectionState)) {
	p.pc.OnConnectionStateChange(h)
}

func (p *pionPeer) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	if err := p.pc.Close(); err != nil {
		log.Printf("rtc: close peer connection: %v", err)
		return err
	}
	return nil
}

/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

// Package rtctest provides in-memory peer connections and media devices
// for exercising session engines without ICE or real capture.
package rtctest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/tejzpr/callmesh/rtc"
)

// Factory hands out Peers and remembers them in creation order.
type Factory struct {
	mu    sync.Mutex
	peers []*Peer

	// Err, when set, fails every NewPeerConn call.
	Err error
}

func (f *Factory) NewPeerConn(iceServers []webrtc.ICEServer) (rtc.PeerConn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	p := &Peer{ICEServers: iceServers, n: len(f.peers) + 1}
	f.peers = append(f.peers, p)
	return p, nil
}

// Peers returns every peer created so far.
func (f *Factory) Peers() []*Peer {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*Peer, len(f.peers))
	copy(out, f.peers)
	return out
}

// Last returns the most recently created peer, or nil.
func (f *Factory) Last() *Peer {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.peers) == 0 {
		return nil
	}
	return f.peers[len(f.peers)-1]
}

// Peer is a PeerConn that records what was done to it.
type Peer struct {
	ICEServers []webrtc.ICEServer

	// Error knobs, read at call time.
	OfferErr  error
	AnswerErr error
	RemoteErr error

	n          int
	mu         sync.Mutex
	audio      webrtc.TrackLocal
	video      webrtc.TrackLocal
	videoSwaps int
	lowLatency bool
	local      *webrtc.SessionDescription
	remote     *webrtc.SessionDescription
	candidates []webrtc.ICECandidateInit
	closed     bool
	onICE      func(webrtc.ICECandidateInit)
	onTrack    func(rtc.RemoteTrack)
	onState    func(webrtc.PeerConnectionState)
}

func (p *Peer) SetAudioTrack(track webrtc.TrackLocal) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return rtc.ErrClosed
	}
	p.audio = track
	return nil
}

func (p *Peer) SetVideoTrack(track webrtc.TrackLocal) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return rtc.ErrClosed
	}
	if p.video != nil {
		p.videoSwaps++
	}
	p.video = track
	return nil
}

func (p *Peer) PreferLowLatencyAudio() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.audio == nil {
		return errors.New("rtctest: no audio transceiver")
	}
	p.lowLatency = true
	return nil
}

func (p *Peer) CreateOffer(ctx context.Context) (webrtc.SessionDescription, error) {
	return p.describe(ctx, webrtc.SDPTypeOffer, p.OfferErr)
}

func (p *Peer) CreateAnswer(ctx context.Context) (webrtc.SessionDescription, error) {
	p.mu.Lock()
	hasRemote := p.remote != nil
	p.mu.Unlock()
	if !hasRemote {
		return webrtc.SessionDescription{}, errors.New("rtctest: answer without remote offer")
	}
	return p.describe(ctx, webrtc.SDPTypeAnswer, p.AnswerErr)
}

func (p *Peer) describe(ctx context.Context, typ webrtc.SDPType, fail error) (webrtc.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return webrtc.SessionDescription{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return webrtc.SessionDescription{}, rtc.ErrClosed
	}
	if fail != nil {
		return webrtc.SessionDescription{}, fail
	}
	desc := webrtc.SessionDescription{Type: typ, SDP: fmt.Sprintf("v=0 fake-%s-%d", typ, p.n)}
	p.local = &desc
	return desc, nil
}

func (p *Peer) SetRemoteDescription(desc webrtc.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return rtc.ErrClosed
	}
	if p.RemoteErr != nil {
		return p.RemoteErr
	}
	p.remote = &desc
	return nil
}

func (p *Peer) HasRemoteDescription() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remote != nil
}

func (p *Peer) AddICECandidate(c webrtc.ICECandidateInit) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return rtc.ErrClosed
	}
	if p.remote == nil {
		return errors.New("rtctest: candidate before remote description")
	}
	p.candidates = append(p.candidates, c)
	return nil
}

func (p *Peer) OnICECandidate(h func(webrtc.ICECandidateInit)) {
	p.mu.Lock()
	p.onICE = h
	p.mu.Unlock()
}

func (p *Peer) OnTrack(h func(rtc.RemoteTrack)) {
	p.mu.Lock()
	p.onTrack = h
	p.mu.Unlock()
}

func (p *Peer) OnConnectionStateChange(h func(webrtc.PeerConnectionState)) {
	p.mu.Lock()
	p.onState = h
	p.mu.Unlock()
}

func (p *Peer) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

// EmitCandidate simulates local ICE gathering.
func (p *Peer) EmitCandidate(c webrtc.ICECandidateInit) {
	p.mu.Lock()
	h := p.onICE
	p.mu.Unlock()
	if h != nil {
		h(c)
	}
}

// EmitTrack simulates an inbound remote track.
func (p *Peer) EmitTrack(t rtc.RemoteTrack) {
	p.mu.Lock()
	h := p.onTrack
	p.mu.Unlock()
	if h != nil {
		h(t)
	}
}

// EmitState simulates a connection state change.
func (p *Peer) EmitState(s webrtc.PeerConnectionState) {
	p.mu.Lock()
	h := p.onState
	p.mu.Unlock()
	if h != nil {
		h(s)
	}
}

func (p *Peer) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *Peer) Audio() webrtc.TrackLocal {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.audio
}

func (p *Peer) Video() webrtc.TrackLocal {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.video
}

// VideoSwaps counts SetVideoTrack calls that replaced an existing track.
func (p *Peer) VideoSwaps() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.videoSwaps
}

func (p *Peer) LowLatency() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lowLatency
}

func (p *Peer) Remote() *webrtc.SessionDescription {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remote
}

// Candidates returns the remote candidates applied, in order.
func (p *Peer) Candidates() []webrtc.ICECandidateInit {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]webrtc.ICECandidateInit, len(p.candidates))
	copy(out, p.candidates)
	return out
}

// Devices is an rtc.MediaDevices whose behavior is set per test.
type Devices struct {
	// MicErr fails GetUserMedia.
	MicErr error
	// DisplayErr fails GetDisplayMedia.
	DisplayErr error
	// Delay blocks GetUserMedia, as an open permission prompt would.
	Delay time.Duration

	mu      sync.Mutex
	calls   int
	streams []*rtc.LocalStream
}

func (d *Devices) GetUserMedia(ctx context.Context) (*rtc.LocalStream, error) {
	d.mu.Lock()
	d.calls++
	d.mu.Unlock()
	if d.Delay > 0 {
		select {
		case <-time.After(d.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if d.MicErr != nil {
		return nil, d.MicErr
	}
	audio, err := rtc.NewAudioTrack("audio", "test", rtc.NewSilenceSource(20*time.Millisecond))
	if err != nil {
		return nil, err
	}
	s := &rtc.LocalStream{Audio: audio}
	d.mu.Lock()
	d.streams = append(d.streams, s)
	d.mu.Unlock()
	return s, nil
}

func (d *Devices) GetDisplayMedia(ctx context.Context) (*rtc.VideoTrack, error) {
	if d.DisplayErr != nil {
		return nil, d.DisplayErr
	}
	return rtc.NewVideoTrack("screen", "test", nil)
}

// Calls is the number of GetUserMedia calls.
func (d *Devices) Calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

// Streams returns every stream handed out.
func (d *Devices) Streams() []*rtc.LocalStream {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*rtc.LocalStream, len(d.streams))
	copy(out, d.streams)
	return out
}

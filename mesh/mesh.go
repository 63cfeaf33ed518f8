/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

// Package mesh implements the room peer mesh: one independently negotiated
// peer connection per room member, all sharing a single microphone stream.
//
// The mesh never offers on its own. Callers decide who gets an offer (the
// roster on join, each newcomer afterwards) and the mesh answers whatever
// arrives. Every blocking step is followed by a check of the room epoch, so
// work started for a room that has since been left is thrown away.
package mesh

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v4"

	"github.com/tejzpr/callmesh/meshsdk"
	"github.com/tejzpr/callmesh/rtc"
	"github.com/tejzpr/callmesh/signaling"
)

var (
	// ErrStale is returned when the room changed while a step was blocked.
	ErrStale = errors.New("mesh: room changed during negotiation")
	// ErrLocalMedia wraps a failure to acquire the microphone.
	ErrLocalMedia = errors.New("mesh: local media unavailable")
	// ErrPeerLeft is returned when the peer was cleaned up while a step
	// for it was blocked. It matches ErrStale.
	ErrPeerLeft = fmt.Errorf("%w: peer left", ErrStale)
)

// PeerState is the negotiation state of one peer.
type PeerState int32

const (
	PeerNone PeerState = iota
	PeerConnecting
	PeerConnected
	PeerClosed
)

func (s PeerState) String() string {
	switch s {
	case PeerConnecting:
		return "connecting"
	case PeerConnected:
		return "connected"
	case PeerClosed:
		return "closed"
	}
	return "none"
}

// Config holds the configuration for a Mesh
type Config struct {
	// Self is the local user id. Offers are never sent to it.
	Self string

	Signaler signaling.Sender
	Factory  rtc.Factory
	Devices  rtc.MediaDevices

	// ICEServers is consulted before each new connection. Nil means host
	// candidates only.
	ICEServers func(ctx context.Context) []webrtc.ICEServer

	// Output receives remote audio.
	Output rtc.AudioOutput

	Logger meshsdk.Logger
}

// PeerInfo is a snapshot of one peer.
type PeerInfo struct {
	ID     string
	State  PeerState
	Volume float64
}

// peer is the record for one remote member. mu serializes negotiation for
// this peer only.
type peer struct {
	mu           sync.Mutex
	id           string
	pc           rtc.PeerConn
	queue        rtc.CandidateQueue
	offerPending bool

	// removed is set once CleanupPeer dropped this record. Work holding
	// the record must not start a connection on it.
	removed atomic.Bool

	// gen changes whenever pc is replaced or closed; callbacks from an older
	// connection compare against it and bail.
	gen   atomic.Uint64
	state atomic.Int32
	sink  atomic.Pointer[rtc.AudioSink]
}

func (p *peer) State() PeerState { return PeerState(p.state.Load()) }

// closeConnLocked tears down the current connection. p.mu must be held.
func (p *peer) closeConnLocked() {
	p.gen.Add(1)
	if p.pc != nil {
		_ = p.pc.Close()
		p.pc = nil
	}
	p.offerPending = false
	if s := p.sink.Swap(nil); s != nil {
		s.Release()
	}
}

func (p *peer) close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closeConnLocked()
	p.queue.Reset()
	p.state.Store(int32(PeerClosed))
}

// Mesh is the set of peer connections for the room this client is in.
type Mesh struct {
	config *Config
	logger meshsdk.Logger

	mu      sync.Mutex
	roomID  string
	epoch   uint64
	peers   map[string]*peer
	volumes map[string]float64
	// departures counts CleanupPeer calls per peer id, so work that blocked
	// across a departure can tell.
	departures map[string]uint64
	muted   bool
	stream  *rtc.LocalStream

	// streamMu makes microphone acquisition single-flight.
	streamMu sync.Mutex
}

// New creates a Mesh. Signaler and Factory are required.
func New(config *Config) (*Mesh, error) {
	if config == nil || config.Signaler == nil || config.Factory == nil {
		return nil, errors.New("mesh: signaler and factory are required")
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
	return &Mesh{
		config:  &cfg,
		logger:  logger,
		peers:      make(map[string]*peer),
		volumes:    make(map[string]float64),
		departures: make(map[string]uint64),
	}, nil
}

// SetRoom scopes the mesh to roomID. Switching rooms invalidates in-flight
// work for the previous one.
func (m *Mesh) SetRoom(roomID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.roomID == roomID {
		return
	}
	m.roomID = roomID
	m.epoch++
}

// ClearRoom unscopes the mesh without releasing anything. Use CleanupAll to
// tear down.
func (m *Mesh) ClearRoom() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.roomID = ""
	m.epoch++
}

func (m *Mesh) RoomID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.roomID
}

func (m *Mesh) snapshot() (string, uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.roomID, m.epoch
}

// track captures what peerFor later checks for id: the room, its epoch and
// how often id has departed.
func (m *Mesh) track(id string) (roomID string, epoch, departures uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.roomID, m.epoch, m.departures[id]
}

func (m *Mesh) live(epoch uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.epoch == epoch && m.roomID != ""
}

// EnsureLocalStream returns the shared microphone stream, acquiring it on
// first use. Concurrent callers share one acquisition.
func (m *Mesh) EnsureLocalStream(ctx context.Context) (*rtc.LocalStream, error) {
	_, epoch := m.snapshot()

	m.streamMu.Lock()
	defer m.streamMu.Unlock()

	m.mu.Lock()
	if s := m.stream; s != nil {
		m.mu.Unlock()
		return s, nil
	}
	m.mu.Unlock()

	s, err := m.config.Devices.GetUserMedia(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLocalMedia, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.epoch != epoch {
		s.Stop()
		return nil, ErrStale
	}
	s.SetMuted(m.muted)
	m.stream = s
	return s, nil
}

func (m *Mesh) iceServers(ctx context.Context) []webrtc.ICEServer {
	if m.config.ICEServers == nil {
		return nil
	}
	return m.config.ICEServers(ctx)
}

// polite reports whether the local side yields when both sides offer to
// each other at once. The smaller id is polite.
func (m *Mesh) polite(remote string) bool {
	return m.config.Self < remote
}

func (m *Mesh) lookup(id string) *peer {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.peers[id]
}

// peerFor returns the record for id, creating it if needed. It returns nil
// when the epoch moved on or id departed since departures was captured.
func (m *Mesh) peerFor(id string, epoch, departures uint64) *peer {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.epoch != epoch || m.departures[id] != departures {
		return nil
	}
	p, ok := m.peers[id]
	if !ok {
		p = &peer{id: id}
		m.peers[id] = p
	}
	return p
}

func (m *Mesh) volume(id string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v, ok := m.volumes[id]; ok {
		return v
	}
	return 1
}

// connectLocked builds a fresh connection for p carrying the shared audio.
// p.mu must be held.
func (m *Mesh) connectLocked(p *peer, roomID string, epoch uint64, ice []webrtc.ICEServer, stream *rtc.LocalStream) (rtc.PeerConn, error) {
	p.closeConnLocked()

	pc, err := m.config.Factory.NewPeerConn(ice)
	if err != nil {
		return nil, err
	}
	if err := pc.SetAudioTrack(stream.Audio.Track()); err != nil {
		_ = pc.Close()
		return nil, err
	}
	if err := pc.PreferLowLatencyAudio(); err != nil {
		m.logger.Printf("mesh: audio priority hint for %s: %v", p.id, err)
	}

	gen := p.gen.Add(1)
	peerID := p.id
	pc.OnICECandidate(func(c webrtc.ICECandidateInit) {
		if p.gen.Load() != gen || !m.live(epoch) {
			return
		}
		m.config.Signaler.Send(&signaling.RoomICE{RoomID: roomID, To: peerID, From: m.config.Self, Candidate: c})
	})
	pc.OnTrack(func(track rtc.RemoteTrack) {
		if track.Kind() != webrtc.RTPCodecTypeAudio || p.gen.Load() != gen {
			return
		}
		sink := rtc.NewAudioSink(peerID, track, m.config.Output, m.volume(peerID))
		if old := p.sink.Swap(sink); old != nil {
			old.Release()
		}
		go sink.Run()
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		if p.gen.Load() != gen {
			return
		}
		switch s {
		case webrtc.PeerConnectionStateConnected:
			p.state.Store(int32(PeerConnected))
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			m.logger.Printf("mesh: connection to %s %s", peerID, s)
			p.state.Store(int32(PeerClosed))
		}
	})

	p.pc = pc
	p.state.Store(int32(PeerConnecting))
	return pc, nil
}

// claim returns the locked record for id, provided neither the room nor
// id's membership changed since epoch and departures were captured.
func (m *Mesh) claim(id string, epoch, departures uint64) (*peer, error) {
	p := m.peerFor(id, epoch, departures)
	if p == nil {
		if m.live(epoch) {
			return nil, ErrPeerLeft
		}
		return nil, ErrStale
	}
	p.mu.Lock()
	if err := m.stillWanted(p, epoch); err != nil {
		p.mu.Unlock()
		return nil, err
	}
	return p, nil
}

// stillWanted checks, with p.mu held, that p is still part of the room
// joined under epoch.
func (m *Mesh) stillWanted(p *peer, epoch uint64) error {
	switch {
	case !m.live(epoch):
		return ErrStale
	case p.removed.Load():
		return ErrPeerLeft
	}
	return nil
}

// drainLocked applies candidates queued before the remote description was
// set. p.mu must be held.
func (m *Mesh) drainLocked(p *peer) {
	for _, c := range p.queue.Drain() {
		if err := p.pc.AddICECandidate(c); err != nil {
			m.logger.Printf("mesh: queued candidate for %s: %v", p.id, err)
		}
	}
}

// SendOfferToPeer builds a fresh connection to peerID and sends it an
// offer. It does nothing when no room is set.
func (m *Mesh) SendOfferToPeer(ctx context.Context, peerID string) error {
	roomID, epoch, departures := m.track(peerID)
	if roomID == "" || peerID == "" || peerID == m.config.Self {
		return nil
	}

	stream, err := m.EnsureLocalStream(ctx)
	if err != nil {
		return err
	}
	ice := m.iceServers(ctx)

	p, err := m.claim(peerID, epoch, departures)
	if err != nil {
		return err
	}
	defer p.mu.Unlock()

	p.queue.Reset()
	pc, err := m.connectLocked(p, roomID, epoch, ice, stream)
	if err != nil {
		return fmt.Errorf("failed to create connection to %s: %w", peerID, err)
	}
	offer, err := pc.CreateOffer(ctx)
	if err != nil {
		p.closeConnLocked()
		return fmt.Errorf("failed to create offer for %s: %w", peerID, err)
	}
	if err := m.stillWanted(p, epoch); err != nil {
		p.closeConnLocked()
		return err
	}
	p.offerPending = true
	m.config.Signaler.Send(&signaling.RoomOffer{RoomID: roomID, To: peerID, From: m.config.Self, SDP: offer})
	return nil
}

// accept reports whether a room message should be processed, logging why
// not otherwise.
func (m *Mesh) accept(msg signaling.RoomScoped, from string) (string, uint64, bool) {
	roomID, epoch := m.snapshot()
	switch {
	case from == "" || from == m.config.Self:
		m.logger.Printf("mesh: dropping %s without a usable sender", msg.Type())
	case roomID == "" || msg.Room() != roomID:
		m.logger.Printf("mesh: dropping %s for room %q", msg.Type(), msg.Room())
	default:
		return roomID, epoch, true
	}
	return "", 0, false
}

// HandleRoomOffer answers an offer from another member.
func (m *Mesh) HandleRoomOffer(ctx context.Context, msg *signaling.RoomOffer) error {
	roomID, epoch, ok := m.accept(msg, msg.From)
	if !ok {
		return nil
	}
	_, _, departures := m.track(msg.From)

	// The stream is acquired before the peer lock so a permission prompt
	// never holds up that peer's candidates.
	stream, err := m.EnsureLocalStream(ctx)
	if err != nil {
		return err
	}
	ice := m.iceServers(ctx)

	p, err := m.claim(msg.From, epoch, departures)
	if err != nil {
		return err
	}
	defer p.mu.Unlock()

	if p.offerPending && !m.polite(msg.From) {
		m.logger.Printf("mesh: ignoring colliding offer from %s", msg.From)
		return nil
	}

	pc, err := m.connectLocked(p, roomID, epoch, ice, stream)
	if err != nil {
		return fmt.Errorf("failed to create connection to %s: %w", msg.From, err)
	}
	if err := pc.SetRemoteDescription(msg.SDP); err != nil {
		p.closeConnLocked()
		return fmt.Errorf("failed to apply offer from %s: %w", msg.From, err)
	}
	answer, err := pc.CreateAnswer(ctx)
	if err != nil {
		p.closeConnLocked()
		return fmt.Errorf("failed to answer %s: %w", msg.From, err)
	}
	if err := m.stillWanted(p, epoch); err != nil {
		p.closeConnLocked()
		return err
	}
	m.config.Signaler.Send(&signaling.RoomAnswer{RoomID: roomID, To: msg.From, From: m.config.Self, SDP: answer})
	m.drainLocked(p)
	return nil
}

// HandleRoomAnswer applies the answer to an offer this side sent.
func (m *Mesh) HandleRoomAnswer(msg *signaling.RoomAnswer) error {
	if _, _, ok := m.accept(msg, msg.From); !ok {
		return nil
	}
	p := m.lookup(msg.From)
	if p == nil {
		m.logger.Printf("mesh: answer from unknown peer %s", msg.From)
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pc == nil || !p.offerPending {
		m.logger.Printf("mesh: unexpected answer from %s", msg.From)
		return nil
	}
	if err := p.pc.SetRemoteDescription(msg.SDP); err != nil {
		return fmt.Errorf("failed to apply answer from %s: %w", msg.From, err)
	}
	p.offerPending = false
	m.drainLocked(p)
	return nil
}

// HandleRoomICE applies a candidate, or queues it until the connection has
// a remote description.
func (m *Mesh) HandleRoomICE(msg *signaling.RoomICE) error {
	if _, _, ok := m.accept(msg, msg.From); !ok {
		return nil
	}
	_, epoch, departures := m.track(msg.From)
	p := m.peerFor(msg.From, epoch, departures)
	if p == nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pc == nil || !p.pc.HasRemoteDescription() {
		p.queue.Push(msg.Candidate)
		return nil
	}
	if err := p.pc.AddICECandidate(msg.Candidate); err != nil {
		return fmt.Errorf("failed to add candidate from %s: %w", msg.From, err)
	}
	return nil
}

// SetPeerVolume sets the playback volume for one peer, clamped to [0, 1].
// The value is kept across renegotiation.
func (m *Mesh) SetPeerVolume(peerID string, v float64) {
	v = rtc.ClampVolume(v)
	m.mu.Lock()
	m.volumes[peerID] = v
	p := m.peers[peerID]
	m.mu.Unlock()
	if p != nil {
		if s := p.sink.Load(); s != nil {
			s.SetVolume(v)
		}
	}
}

func (m *Mesh) PeerVolume(peerID string) float64 { return m.volume(peerID) }

// SetMuted mutes the shared stream, now and for any stream acquired later.
func (m *Mesh) SetMuted(muted bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.muted = muted
	m.stream.SetMuted(muted)
}

func (m *Mesh) Muted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.muted
}

// HasLocalStream reports whether the microphone is currently held.
func (m *Mesh) HasLocalStream() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stream != nil
}

// Peers returns a snapshot of every peer record, ordered by id.
func (m *Mesh) Peers() []PeerInfo {
	m.mu.Lock()
	out := make([]PeerInfo, 0, len(m.peers))
	for id, p := range m.peers {
		v, ok := m.volumes[id]
		if !ok {
			v = 1
		}
		out = append(out, PeerInfo{ID: id, State: p.State(), Volume: v})
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// CleanupPeer closes the connection to peerID and forgets its queue, sink
// and volume. Other peers are untouched.
func (m *Mesh) CleanupPeer(peerID string) {
	m.mu.Lock()
	p := m.peers[peerID]
	delete(m.peers, peerID)
	delete(m.volumes, peerID)
	m.departures[peerID]++
	m.mu.Unlock()
	if p != nil {
		p.removed.Store(true)
		p.close()
	}
}

// CleanupAll releases every peer and the microphone and unscopes the mesh.
// Safe to call more than once.
func (m *Mesh) CleanupAll() {
	m.mu.Lock()
	m.epoch++
	m.roomID = ""
	peers := m.peers
	m.peers = make(map[string]*peer)
	m.volumes = make(map[string]float64)
	m.departures = make(map[string]uint64)
	stream := m.stream
	m.stream = nil
	m.muted = false
	m.mu.Unlock()

	for _, p := range peers {
		p.removed.Store(true)
		p.close()
	}
	stream.Stop()
}

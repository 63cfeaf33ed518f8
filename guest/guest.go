/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

// Package guest joins a room with an invite token instead of an account.
// A guest gets its own signaling connection, keeps no history and leaves
// the room on any failure.
package guest

import (
	"context"
	"errors"
	"fmt"
	"log"
	"slices"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/tejzpr/callmesh/calling"
	"github.com/tejzpr/callmesh/mesh"
	"github.com/tejzpr/callmesh/meshsdk"
	"github.com/tejzpr/callmesh/roomcall"
	"github.com/tejzpr/callmesh/rtc"
	"github.com/tejzpr/callmesh/signaling"
)

// Status is the guest session state.
type Status string

const (
	StatusIdle       Status = "idle"
	StatusConnecting Status = "connecting"
	StatusJoining    Status = "joining"
	StatusJoined     Status = "joined"
	StatusLeft       Status = "left"
	StatusError      Status = "error"
)

// Kinds a guest can fail with in addition to the room kinds.
const (
	KindInvalidToken roomcall.ErrorKind = "invalidToken"
	KindDisconnected roomcall.ErrorKind = "disconnected"
)

const (
	EventStatus = "status"
	EventError  = "error"
)

// ErrAlreadyStarted is returned by Join on a session that already ran.
var ErrAlreadyStarted = errors.New("guest: session already started")

// Conn is the dedicated connection a guest signals over.
// *signaling.Transport satisfies it.
type Conn interface {
	signaling.Channel
	Connect(ctx context.Context, id signaling.Identity) error
	Disconnect()
}

// Config holds the configuration for a guest Session
type Config struct {
	Token string

	// Transport configures the dedicated connection. Ignored when Conn is
	// set.
	Transport *signaling.Config
	Conn      Conn

	Factory    rtc.Factory
	Devices    rtc.MediaDevices
	ICEServers func(ctx context.Context) []webrtc.ICEServer
	Output     rtc.AudioOutput

	Logger meshsdk.Logger
}

// Snapshot is the observable state of a guest session.
type Snapshot struct {
	Status        Status             `json:"status"`
	RoomID        string             `json:"roomId,omitempty"`
	GuestID       string             `json:"guestId,omitempty"`
	Members       []string           `json:"members"`
	LocalMicMuted bool               `json:"localMicMuted"`
	LastError     roomcall.ErrorKind `json:"lastError,omitempty"`
}

// Session is one guest visit to one room. It is single use: after it
// leaves or fails, create a new one.
type Session struct {
	config *Config
	logger meshsdk.Logger
	events *calling.EventEmitter

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	status    Status
	claims    *Claims
	conn      Conn
	mesh      *mesh.Mesh
	unsub     func()
	members   []string
	muted     bool
	lastError roomcall.ErrorKind
}

func New(config *Config) *Session {
	if config == nil {
		config = &Config{}
	}
	cfg := *config
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	s := &Session{
		config: &cfg,
		logger: logger,
		events: calling.NewEventEmitter(),
		status: StatusIdle,
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s
}

func (s *Session) On(event string, handler calling.EventHandler) { s.events.On(event, handler) }

// Mesh returns the peer mesh once Join has started, nil before.
func (s *Session) Mesh() *mesh.Mesh {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mesh
}

func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		Status:        s.status,
		Members:       slices.Clone(s.members),
		LocalMicMuted: s.muted,
		LastError:     s.lastError,
	}
	if s.claims != nil {
		snap.RoomID = s.claims.RoomID
		snap.GuestID = s.claims.GuestID
	}
	return snap
}

func (s *Session) setStatus(st Status) {
	s.mu.Lock()
	s.status = st
	s.mu.Unlock()
	s.events.Emit(EventStatus, s.Snapshot())
}

// Join decodes the token, connects and asks to join the token's room. A
// bad token fails before anything is dialed.
func (s *Session) Join(ctx context.Context) error {
	s.mu.Lock()
	if s.status != StatusIdle {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	claims, err := DecodeToken(s.config.Token)
	if err != nil {
		s.status = StatusError
		s.lastError = KindInvalidToken
		s.mu.Unlock()
		s.logger.Printf("guest: %v", err)
		s.events.Emit(EventError, KindInvalidToken)
		s.events.Emit(EventStatus, s.Snapshot())
		return err
	}

	conn := s.config.Conn
	if conn == nil {
		conn = signaling.New(s.transportConfig())
	}
	mx, err := mesh.New(&mesh.Config{
		Self:       claims.GuestID,
		Signaler:   conn,
		Factory:    s.config.Factory,
		Devices:    s.config.Devices,
		ICEServers: s.config.ICEServers,
		Output:     s.config.Output,
		Logger:     s.logger,
	})
	if err != nil {
		s.mu.Unlock()
		return err
	}
	s.claims = claims
	s.conn = conn
	s.mesh = mx
	s.status = StatusConnecting
	s.mu.Unlock()

	s.unsub = conn.Subscribe(signaling.Handler{
		OnMessage: s.handleMessage,
		OnClose:   s.handleClose,
	})
	s.events.Emit(EventStatus, s.Snapshot())

	if err := conn.Connect(ctx, signaling.Identity{UserID: claims.GuestID, Token: s.config.Token}); err != nil {
		s.fail(KindDisconnected, fmt.Errorf("connecting: %w", err))
		return err
	}

	s.setStatus(StatusJoining)
	if !conn.Send(&signaling.JoinRoom{RoomID: claims.RoomID}) {
		s.fail(KindDisconnected, errors.New("join-room not sent"))
		return roomcall.ErrNotConnected
	}
	return nil
}

func (s *Session) transportConfig() *signaling.Config {
	cfg := signaling.DefaultConfig()
	if s.config.Transport != nil {
		c := *s.config.Transport
		cfg = &c
	}
	if cfg.Logger == nil {
		cfg.Logger = s.logger
	}
	return cfg
}

// Leave sends leave-room and closes the connection.
func (s *Session) Leave() {
	s.mu.Lock()
	active := s.status == StatusConnecting || s.status == StatusJoining || s.status == StatusJoined
	if active {
		s.status = StatusLeft
	}
	s.mu.Unlock()
	if !active {
		return
	}
	s.teardown()
	s.events.Emit(EventStatus, s.Snapshot())
}

// fail leaves the room and closes the connection. The session ends in
// StatusError.
func (s *Session) fail(kind roomcall.ErrorKind, err error) {
	s.mu.Lock()
	if s.status == StatusError || s.status == StatusLeft {
		s.mu.Unlock()
		return
	}
	s.status = StatusError
	s.lastError = kind
	s.mu.Unlock()

	s.logger.Printf("guest: %s: %v", kind, err)
	s.teardown()
	s.events.Emit(EventError, kind)
	s.events.Emit(EventStatus, s.Snapshot())
}

func (s *Session) teardown() {
	s.mu.Lock()
	conn, mx, unsub, claims := s.conn, s.mesh, s.unsub, s.claims
	s.unsub = nil
	s.members = nil
	s.mu.Unlock()

	if conn != nil && claims != nil {
		conn.Send(&signaling.LeaveRoom{RoomID: claims.RoomID})
	}
	if mx != nil {
		mx.CleanupAll()
	}
	if unsub != nil {
		unsub()
	}
	if conn != nil {
		conn.Disconnect()
	}
	s.cancel()
}

// ToggleMicMute flips the microphone and returns the new state.
func (s *Session) ToggleMicMute() (bool, error) {
	s.mu.Lock()
	if s.status != StatusJoining && s.status != StatusJoined {
		s.mu.Unlock()
		return false, roomcall.ErrNotInRoom
	}
	s.muted = !s.muted
	muted, mx := s.muted, s.mesh
	s.mu.Unlock()

	mx.SetMuted(muted)
	s.events.Emit(EventStatus, s.Snapshot())
	return muted, nil
}

func (s *Session) SetPeerVolume(peerID string, volume float64) error {
	s.mu.Lock()
	ok := s.status == StatusJoined && slices.Contains(s.members, peerID)
	mx := s.mesh
	s.mu.Unlock()
	if !ok {
		return roomcall.ErrNotInRoom
	}
	mx.SetPeerVolume(peerID, volume)
	return nil
}

func (s *Session) handleMessage(msg signaling.Message) {
	s.mu.Lock()
	mx := s.mesh
	s.mu.Unlock()
	if mx == nil {
		return
	}

	switch msg := msg.(type) {
	case *signaling.RoomJoined:
		s.handleRoomJoined(msg)
	case *signaling.RoomUserJoined:
		s.handleUserJoined(msg)
	case *signaling.RoomUserLeft:
		s.handleUserLeft(msg)
	case *signaling.RoomOffer:
		go func() {
			if err := mx.HandleRoomOffer(s.ctx, msg); err != nil {
				s.meshFailed(msg.From, err)
			}
		}()
	case *signaling.RoomAnswer:
		if err := mx.HandleRoomAnswer(msg); err != nil {
			s.logger.Printf("guest: %v", err)
		}
	case *signaling.RoomICE:
		if err := mx.HandleRoomICE(msg); err != nil {
			s.logger.Printf("guest: %v", err)
		}
	case *signaling.Error:
		s.fail(roomcall.ClassifyServerError(msg.Message), errors.New(msg.Message))
	}
}

func (s *Session) meshFailed(peerID string, err error) {
	switch {
	case errors.Is(err, mesh.ErrStale):
	case errors.Is(err, mesh.ErrLocalMedia):
		s.fail(roomcall.KindMicDenied, err)
	default:
		s.logger.Printf("guest: negotiation with %s: %v", peerID, err)
	}
}

func (s *Session) handleRoomJoined(msg *signaling.RoomJoined) {
	s.mu.Lock()
	if s.status != StatusJoining || msg.RoomID != s.claims.RoomID {
		s.mu.Unlock()
		return
	}
	self := s.claims.GuestID
	s.members = s.members[:0]
	for _, id := range msg.Members {
		if id != "" && !slices.Contains(s.members, id) {
			s.members = append(s.members, id)
		}
	}
	var others []string
	for _, id := range s.members {
		if id != self {
			others = append(others, id)
		}
	}
	mx, muted := s.mesh, s.muted
	s.mu.Unlock()

	mx.SetRoom(msg.RoomID)
	mx.SetMuted(muted)
	s.setStatus(StatusJoined)

	if len(others) == 0 {
		return
	}
	go func() {
		if _, err := mx.EnsureLocalStream(s.ctx); err != nil {
			s.meshFailed("", err)
			return
		}
		for _, id := range others {
			go s.offer(mx, id)
		}
	}()
}

func (s *Session) offer(mx *mesh.Mesh, peerID string) {
	if err := mx.SendOfferToPeer(s.ctx, peerID); err != nil {
		s.meshFailed(peerID, err)
	}
}

func (s *Session) handleUserJoined(msg *signaling.RoomUserJoined) {
	s.mu.Lock()
	if s.status != StatusJoined || msg.RoomID != s.claims.RoomID ||
		msg.UserID == s.claims.GuestID || slices.Contains(s.members, msg.UserID) {
		s.mu.Unlock()
		return
	}
	s.members = append(s.members, msg.UserID)
	mx := s.mesh
	s.mu.Unlock()

	s.events.Emit(EventStatus, s.Snapshot())
	go s.offer(mx, msg.UserID)
}

func (s *Session) handleUserLeft(msg *signaling.RoomUserLeft) {
	s.mu.Lock()
	i := slices.Index(s.members, msg.UserID)
	if s.status != StatusJoined || msg.RoomID != s.claims.RoomID || i < 0 {
		s.mu.Unlock()
		return
	}
	s.members = slices.Delete(s.members, i, i+1)
	mx := s.mesh
	s.mu.Unlock()

	mx.CleanupPeer(msg.UserID)
	s.events.Emit(EventStatus, s.Snapshot())
}

// handleClose ends the visit: a guest never waits for a reconnect.
func (s *Session) handleClose(ev signaling.CloseEvent) {
	if ev.Deliberate {
		return
	}
	s.fail(KindDisconnected, fmt.Errorf("connection closed with code %d", ev.Code))
}

/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

// Package roomcall owns the room session state machine: joining and
// creating rooms, offering to the roster and to newcomers, mapping server
// errors and recording one history entry per room session.
package roomcall

import (
	"context"
	"errors"
	"log"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/tejzpr/callmesh/activity"
	"github.com/tejzpr/callmesh/calling"
	"github.com/tejzpr/callmesh/mesh"
	"github.com/tejzpr/callmesh/meshsdk"
	"github.com/tejzpr/callmesh/rtc"
	"github.com/tejzpr/callmesh/signaling"
)

// Status is the room session state.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusJoining Status = "joining"
	StatusJoined  Status = "joined"
)

// Event keys for Manager.On.
const (
	// EventStatus carries a Session snapshot.
	EventStatus = "status"
	// EventError carries an ErrorKind.
	EventError = "error"
)

// Session is a snapshot of the room this client is in.
type Session struct {
	SessionID     string             `json:"sessionId,omitempty"`
	RoomID        string             `json:"roomId,omitempty"`
	Status        Status             `json:"status"`
	Members       []string           `json:"members"`
	LocalMicMuted bool               `json:"localMicMuted"`
	PeerVolumes   map[string]float64 `json:"peerVolumes,omitempty"`
	JoinedAt      *time.Time         `json:"joinedAt,omitempty"`
	Created       bool               `json:"created"`
	LastError     ErrorKind          `json:"lastError,omitempty"`
}

// CreateOptions describe a room to create.
type CreateOptions struct {
	RoomID    string
	Name      string
	Password  string
	IsPrivate bool
}

// Config holds the configuration for a Manager
type Config struct {
	Self    string
	Channel signaling.Channel
	Factory rtc.Factory
	Devices rtc.MediaDevices

	ICEServers func(ctx context.Context) []webrtc.ICEServer
	Output     rtc.AudioOutput

	// Reporter submits history. Nil disables history.
	Reporter *calling.HistoryReporter

	// Guard is shared with the direct-call manager.
	Guard *activity.Guard

	Logger meshsdk.Logger
}

// Manager is the room-call lifecycle manager.
type Manager struct {
	config *Config
	logger meshsdk.Logger
	mesh   *mesh.Mesh
	guard  *activity.Guard
	events *calling.EventEmitter

	ctx    context.Context
	cancel context.CancelFunc
	unsub  func()

	mu      sync.Mutex
	gen     uint64
	session Session
}

// New creates a Manager and subscribes it to the channel.
func New(config *Config) (*Manager, error) {
	if config == nil || config.Channel == nil {
		return nil, errors.New("roomcall: channel is required")
	}
	cfg := *config
	if cfg.Guard == nil {
		cfg.Guard = &activity.Guard{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	mx, err := mesh.New(&mesh.Config{
		Self:       cfg.Self,
		Signaler:   cfg.Channel,
		Factory:    cfg.Factory,
		Devices:    cfg.Devices,
		ICEServers: cfg.ICEServers,
		Output:     cfg.Output,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}

	m := &Manager{
		config:  &cfg,
		logger:  logger,
		mesh:    mx,
		guard:   cfg.Guard,
		events:  calling.NewEventEmitter(),
		session: Session{Status: StatusIdle},
	}
	m.ctx, m.cancel = context.WithCancel(context.Background())
	m.unsub = cfg.Channel.Subscribe(signaling.Handler{
		OnMessage: m.handleMessage,
		OnClose:   m.handleClose,
	})
	return m, nil
}

func (m *Manager) On(event string, handler calling.EventHandler) { m.events.On(event, handler) }

func (m *Manager) Off(event string) { m.events.Off(event) }

// Mesh exposes the peer mesh, e.g. for per-peer connection state.
func (m *Manager) Mesh() *mesh.Mesh { return m.mesh }

// Session returns a snapshot of the current room session.
func (m *Manager) Session() Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *Manager) snapshotLocked() Session {
	s := m.session
	s.Members = slices.Clone(m.session.Members)
	if len(s.Members) > 0 {
		s.PeerVolumes = make(map[string]float64, len(s.Members))
		for _, id := range s.Members {
			if id != m.config.Self {
				s.PeerVolumes[id] = m.mesh.PeerVolume(id)
			}
		}
	}
	return s
}

func (m *Manager) emitStatus() {
	m.events.Emit(EventStatus, m.Session())
}

func (m *Manager) emitError(kind ErrorKind) {
	m.mu.Lock()
	m.session.LastError = kind
	m.mu.Unlock()
	m.events.Emit(EventError, kind)
}

// JoinRoom joins an existing room.
func (m *Manager) JoinRoom(roomID, password string) error {
	return m.join(&signaling.JoinRoom{RoomID: strings.TrimSpace(roomID), Password: password})
}

// CreateRoom creates a room and joins it. A private room needs a password.
func (m *Manager) CreateRoom(opts CreateOptions) error {
	if opts.IsPrivate && opts.Password == "" {
		return ErrPasswordRequired
	}
	return m.join(&signaling.JoinRoom{
		RoomID:    strings.TrimSpace(opts.RoomID),
		Password:  opts.Password,
		Create:    true,
		Name:      strings.TrimSpace(opts.Name),
		IsPrivate: opts.IsPrivate,
	})
}

func (m *Manager) join(req *signaling.JoinRoom) error {
	if req.RoomID == "" {
		return ErrRoomIDRequired
	}

	m.mu.Lock()
	if m.session.Status != StatusIdle {
		m.mu.Unlock()
		return ErrAlreadyInRoom
	}
	if err := m.guard.Acquire(activity.Room); err != nil {
		m.mu.Unlock()
		return ErrBusy
	}
	if !m.config.Channel.Send(req) {
		m.guard.Release(activity.Room)
		m.mu.Unlock()
		return ErrNotConnected
	}
	m.gen++
	m.session = Session{
		SessionID: uuid.NewString(),
		RoomID:    req.RoomID,
		Status:    StatusJoining,
		Created:   req.Create,
	}
	m.mu.Unlock()

	m.emitStatus()
	return nil
}

// LeaveRoom leaves the room, records history and releases all media.
func (m *Manager) LeaveRoom() error {
	m.mu.Lock()
	status, roomID := m.session.Status, m.session.RoomID
	m.mu.Unlock()
	if status == StatusIdle {
		return ErrNotInRoom
	}

	m.config.Channel.Send(&signaling.LeaveRoom{RoomID: roomID})
	m.end(calling.HistoryCompleted)
	return nil
}

// ToggleMicMute flips the shared microphone and returns the new state.
func (m *Manager) ToggleMicMute() (bool, error) {
	m.mu.Lock()
	if m.session.Status == StatusIdle {
		m.mu.Unlock()
		return false, ErrNotInRoom
	}
	m.session.LocalMicMuted = !m.session.LocalMicMuted
	muted := m.session.LocalMicMuted
	m.mu.Unlock()

	m.mesh.SetMuted(muted)
	m.emitStatus()
	return muted, nil
}

// SetPeerVolume sets one member's playback volume, clamped to [0, 1].
func (m *Manager) SetPeerVolume(peerID string, volume float64) error {
	m.mu.Lock()
	ok := m.session.Status == StatusJoined && slices.Contains(m.session.Members, peerID)
	m.mu.Unlock()
	if !ok {
		return ErrNotInRoom
	}
	m.mesh.SetPeerVolume(peerID, volume)
	m.emitStatus()
	return nil
}

// end is the single exit from a room session. outcome is recorded only
// if the room was joined.
func (m *Manager) end(outcome calling.HistoryStatus) {
	m.mu.Lock()
	if m.session.Status == StatusIdle {
		m.mu.Unlock()
		return
	}
	var rec *calling.HistoryRecord
	s := m.session
	if s.Status == StatusJoined && s.JoinedAt != nil {
		now := time.Now()
		dir := calling.DirectionIncoming
		if s.Created {
			dir = calling.DirectionOutgoing
		}
		rec = &calling.HistoryRecord{
			SessionID:       s.SessionID,
			RoomID:          s.RoomID,
			Direction:       dir,
			Status:          outcome,
			DurationSeconds: int(now.Sub(*s.JoinedAt).Seconds()),
			CallType:        calling.CallTypeRoom,
			StartedAt:       *s.JoinedAt,
			EndedAt:         now,
		}
	}
	m.gen++
	m.session = Session{Status: StatusIdle, LastError: s.LastError}
	m.mu.Unlock()

	if rec != nil && m.config.Reporter != nil {
		go m.config.Reporter.Report(context.WithoutCancel(m.ctx), rec)
	}
	m.mesh.CleanupAll()
	m.guard.Release(activity.Room)
	m.emitStatus()
}

func (m *Manager) handleMessage(msg signaling.Message) {
	switch msg := msg.(type) {
	case *signaling.RoomJoined:
		m.handleRoomJoined(msg)
	case *signaling.RoomUserJoined:
		m.handleUserJoined(msg)
	case *signaling.RoomUserLeft:
		m.handleUserLeft(msg)
	case *signaling.RoomOffer:
		gen := m.currentGen()
		go func() {
			if err := m.mesh.HandleRoomOffer(m.ctx, msg); err != nil {
				m.meshFailed(gen, msg.From, err)
			}
		}()
	case *signaling.RoomAnswer:
		if err := m.mesh.HandleRoomAnswer(msg); err != nil {
			m.logger.Printf("roomcall: %v", err)
		}
	case *signaling.RoomICE:
		if err := m.mesh.HandleRoomICE(msg); err != nil {
			m.logger.Printf("roomcall: %v", err)
		}
	case *signaling.Error:
		m.handleServerError(msg)
	}
}

func (m *Manager) currentGen() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gen
}

func (m *Manager) handleRoomJoined(msg *signaling.RoomJoined) {
	m.mu.Lock()
	if m.session.Status != StatusJoining || msg.RoomID != m.session.RoomID {
		m.mu.Unlock()
		m.logger.Printf("roomcall: unexpected room-joined for %q", msg.RoomID)
		return
	}
	members := make([]string, 0, len(msg.Members))
	for _, id := range msg.Members {
		if id != "" && !slices.Contains(members, id) {
			members = append(members, id)
		}
	}
	now := time.Now()
	m.session.Status = StatusJoined
	m.session.Members = members
	m.session.JoinedAt = &now
	m.session.LastError = ""
	muted := m.session.LocalMicMuted
	gen := m.gen
	m.mu.Unlock()

	m.mesh.SetRoom(msg.RoomID)
	m.mesh.SetMuted(muted)
	m.emitStatus()

	var others []string
	for _, id := range members {
		if id != m.config.Self {
			others = append(others, id)
		}
	}
	if len(others) == 0 {
		return
	}

	go func() {
		if _, err := m.mesh.EnsureLocalStream(m.ctx); err != nil {
			m.meshFailed(gen, "", err)
			return
		}
		for _, id := range others {
			go m.offer(gen, id)
		}
	}()
}

func (m *Manager) offer(gen uint64, peerID string) {
	if err := m.mesh.SendOfferToPeer(m.ctx, peerID); err != nil {
		m.meshFailed(gen, peerID, err)
	}
}

// meshFailed handles an error from the mesh. Losing the microphone ends
// the room session; anything else only affects one peer.
func (m *Manager) meshFailed(gen uint64, peerID string, err error) {
	switch {
	case errors.Is(err, mesh.ErrStale):
		return
	case errors.Is(err, mesh.ErrLocalMedia):
		m.micDenied(gen, err)
	default:
		m.logger.Printf("roomcall: negotiation with %s: %v", peerID, err)
	}
}

// micDenied leaves the room that was just joined: a member without media
// must not stay half-joined.
func (m *Manager) micDenied(gen uint64, err error) {
	m.mu.Lock()
	if m.gen != gen || m.session.Status == StatusIdle {
		m.mu.Unlock()
		return
	}
	roomID := m.session.RoomID
	m.gen++
	m.session = Session{Status: StatusIdle, LastError: KindMicDenied}
	m.mu.Unlock()

	m.logger.Printf("roomcall: microphone unavailable in %s: %v", roomID, err)
	m.config.Channel.Send(&signaling.LeaveRoom{RoomID: roomID})
	m.mesh.CleanupAll()
	m.guard.Release(activity.Room)
	m.events.Emit(EventError, KindMicDenied)
	m.emitStatus()
}

func (m *Manager) handleUserJoined(msg *signaling.RoomUserJoined) {
	if msg.UserID == m.config.Self {
		return
	}
	m.mu.Lock()
	if m.session.Status != StatusJoined || msg.RoomID != m.session.RoomID || slices.Contains(m.session.Members, msg.UserID) {
		m.mu.Unlock()
		return
	}
	m.session.Members = append(m.session.Members, msg.UserID)
	gen := m.gen
	m.mu.Unlock()

	m.emitStatus()
	go m.offer(gen, msg.UserID)
}

func (m *Manager) handleUserLeft(msg *signaling.RoomUserLeft) {
	m.mu.Lock()
	if m.session.Status != StatusJoined || msg.RoomID != m.session.RoomID {
		m.mu.Unlock()
		return
	}
	i := slices.Index(m.session.Members, msg.UserID)
	if i < 0 {
		m.mu.Unlock()
		return
	}
	m.session.Members = slices.Delete(m.session.Members, i, i+1)
	m.mu.Unlock()

	m.mesh.CleanupPeer(msg.UserID)
	m.emitStatus()
}

func (m *Manager) handleServerError(msg *signaling.Error) {
	kind := ClassifyServerError(msg.Message)
	m.logger.Printf("roomcall: server error %q (%s)", msg.Message, kind)

	m.mu.Lock()
	joining := m.session.Status == StatusJoining
	if joining {
		m.gen++
		m.session = Session{Status: StatusIdle}
	}
	m.mu.Unlock()

	if joining {
		m.mesh.CleanupAll()
		m.guard.Release(activity.Room)
	}
	m.emitError(kind)
	if joining {
		m.emitStatus()
	}
}

// handleClose treats losing the channel as leaving: a joined session is
// recorded as failed.
func (m *Manager) handleClose(ev signaling.CloseEvent) {
	m.mu.Lock()
	status := m.session.Status
	m.mu.Unlock()
	if status == StatusIdle {
		return
	}
	m.logger.Printf("roomcall: signaling closed (code %d) while %s", ev.Code, status)
	m.end(calling.HistoryFailed)
}

// Close leaves any room and unsubscribes from the channel.
func (m *Manager) Close() {
	_ = m.LeaveRoom()
	m.unsub()
	m.cancel()
	m.mesh.CleanupAll()
}

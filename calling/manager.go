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
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/tejzpr/callmesh/activity"
	"github.com/tejzpr/callmesh/meshsdk"
	"github.com/tejzpr/callmesh/rtc"
	"github.com/tejzpr/callmesh/signaling"
)

var (
	// ErrPeerRequired is returned by StartCall without a peer id.
	ErrPeerRequired = errors.New("calling: peer id is required")
	// ErrSelfCall is returned by StartCall with the local user's own id.
	ErrSelfCall = errors.New("calling: cannot call yourself")
	// ErrNoIncomingCall is returned by AcceptCall with nothing to accept.
	ErrNoIncomingCall = errors.New("calling: no incoming call to accept")
	// ErrBusy is returned when a room session holds the microphone.
	ErrBusy = errors.New("calling: busy in a room")
)

// ManagerConfig holds the configuration for a Manager
type ManagerConfig struct {
	Self    string
	Channel signaling.Channel
	Factory rtc.Factory
	Devices rtc.MediaDevices

	ICEServers func(ctx context.Context) []webrtc.ICEServer

	// Output plays remote audio and ringback.
	Output rtc.AudioOutput

	// Reporter submits history. Nil disables history.
	Reporter *HistoryReporter

	// Guard is shared with the room manager. Nil means a private guard.
	Guard *activity.Guard

	// GraceDelay is how long a finished call stays visible before the
	// manager returns to idle.
	GraceDelay time.Duration

	Logger meshsdk.Logger
}

// DefaultGraceDelay is the UI grace period after a call ends.
const DefaultGraceDelay = 1500 * time.Millisecond

// Manager is the direct-call lifecycle manager. It owns the call status
// state machine, ringback, the duration ticker and history submission, and
// drives an Engine from inbound signaling.
//
// Actions return only validation errors. Failures during setup surface as
// EventError and a local hangup.
type Manager struct {
	config   *ManagerConfig
	logger   meshsdk.Logger
	engine   *Engine
	ringback *Ringback
	guard    *activity.Guard
	events   *EventEmitter

	ctx    context.Context
	cancel context.CancelFunc
	unsub  func()

	mu      sync.Mutex
	gen     uint64
	session Session
	pending *signaling.Offer
	// epoch is the engine reservation held by the current call.
	epoch uint64
	// latched is set once the current session's outcome is settled, so it
	// is reported at most once.
	latched   bool
	tickStop  chan struct{}
	graceStop *time.Timer
}

// NewManager creates a Manager and subscribes it to the channel.
func NewManager(config *ManagerConfig) (*Manager, error) {
	if config == nil || config.Channel == nil {
		return nil, errors.New("calling: channel is required")
	}
	cfg := *config
	if cfg.GraceDelay == 0 {
		cfg.GraceDelay = DefaultGraceDelay
	}
	if cfg.Guard == nil {
		cfg.Guard = &activity.Guard{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}

	m := &Manager{
		config:   &cfg,
		logger:   logger,
		ringback: NewRingback(cfg.Output),
		guard:    cfg.Guard,
		events:   NewEventEmitter(),
		session:  Session{Status: StatusIdle},
	}
	engine, err := NewEngine(&EngineConfig{
		Self:               cfg.Self,
		Signaler:           cfg.Channel,
		Factory:            cfg.Factory,
		Devices:            cfg.Devices,
		ICEServers:         cfg.ICEServers,
		Output:             cfg.Output,
		OnConnectionFailed: m.onConnectionFailed,
		Logger:             logger,
	})
	if err != nil {
		return nil, err
	}
	m.engine = engine
	m.ctx, m.cancel = context.WithCancel(context.Background())
	m.unsub = cfg.Channel.Subscribe(signaling.Handler{
		OnMessage: m.handleMessage,
		OnClose:   m.handleClose,
	})
	return m, nil
}

// On registers a handler for one of the Event* keys.
func (m *Manager) On(event string, handler EventHandler) { m.events.On(event, handler) }

// Off removes all handlers for event.
func (m *Manager) Off(event string) { m.events.Off(event) }

// Session returns a snapshot of the current call.
func (m *Manager) Session() Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session
}

// Engine exposes the session engine, e.g. to read remote screen-share state.
func (m *Manager) Engine() *Engine { return m.engine }

// Ringing reports whether ringback is playing.
func (m *Manager) Ringing() bool { return m.ringback.Playing() }

func (m *Manager) emitStatus(s Session) { m.events.Emit(EventStatus, s) }

// StartCall calls peerID.
func (m *Manager) StartCall(peerID string) error {
	peerID = strings.TrimSpace(peerID)
	switch {
	case peerID == "":
		return ErrPeerRequired
	case peerID == m.config.Self:
		return ErrSelfCall
	}

	m.mu.Lock()
	if status := m.session.Status; status != StatusIdle {
		m.mu.Unlock()
		m.logger.Printf("calling: start call to %s ignored, call already %s", peerID, status)
		return ErrCallActive
	}
	if err := m.guard.Acquire(activity.Call); err != nil {
		m.mu.Unlock()
		return fmt.Errorf("%w: %w", ErrBusy, err)
	}
	epoch, err := m.engine.Reserve(peerID, true)
	if err != nil {
		m.guard.Release(activity.Call)
		m.mu.Unlock()
		return err
	}
	m.gen++
	gen := m.gen
	m.epoch = epoch
	m.latched = false
	m.session = Session{
		SessionID: uuid.NewString(),
		PeerID:    peerID,
		Direction: DirectionOutgoing,
		Status:    StatusCalling,
		StartedAt: time.Now(),
		CallType:  CallTypeAudio,
	}
	s := m.session
	m.mu.Unlock()

	m.emitStatus(s)
	m.ringback.Start()

	go func() {
		err := m.engine.StartCall(m.ctx, epoch, s.SessionID, s.CallType)
		if err != nil && !errors.Is(err, ErrStale) {
			m.setupFailed(gen, err)
		}
	}()
	return nil
}

// AcceptCall answers the pending incoming call.
func (m *Manager) AcceptCall() error {
	m.mu.Lock()
	if m.pending == nil || m.session.Status != StatusCalling || m.session.Direction != DirectionIncoming {
		m.mu.Unlock()
		return ErrNoIncomingCall
	}
	offer := m.pending
	m.pending = nil
	gen, epoch := m.gen, m.epoch
	m.mu.Unlock()

	go func() {
		if err := m.engine.HandleRemoteOffer(m.ctx, epoch, offer); err != nil {
			if !errors.Is(err, ErrStale) {
				m.setupFailed(gen, err)
			}
			return
		}
		m.markConnected(gen)
	}()
	return nil
}

// StopCall hangs up, or declines a pending incoming call when reason is
// rejected. Stopping an idle or finished call does nothing.
func (m *Manager) StopCall(reason signaling.HangupReason) error {
	if reason == "" {
		reason = signaling.HangupEnded
	}
	m.mu.Lock()
	gen, status, peerID := m.gen, m.session.Status, m.session.PeerID
	m.mu.Unlock()
	if status == StatusIdle || status.Terminal() {
		return nil
	}

	// The engine is released first so no answer or offer can follow the
	// hangup.
	if m.finishGen(gen, true, reason) {
		m.config.Channel.Send(&signaling.Hangup{To: peerID, From: m.config.Self, Reason: reason})
	}
	return nil
}

// ToggleMicMute flips the microphone and returns the new muted state.
func (m *Manager) ToggleMicMute() (bool, error) {
	m.mu.Lock()
	if m.session.Status != StatusCalling && m.session.Status != StatusConnected {
		m.mu.Unlock()
		return false, ErrNoCall
	}
	m.session.IsMicMuted = !m.session.IsMicMuted
	muted := m.session.IsMicMuted
	s := m.session
	m.mu.Unlock()

	m.engine.SetMuted(muted)
	m.emitStatus(s)
	return muted, nil
}

// StartScreenShare shares the screen on the connected call. Display
// capture happens in the background; failure is reported as EventError.
func (m *Manager) StartScreenShare() error {
	m.mu.Lock()
	if m.session.Status != StatusConnected {
		m.mu.Unlock()
		return ErrNoCall
	}
	gen := m.gen
	m.mu.Unlock()

	go func() {
		if err := m.engine.StartScreenShare(m.ctx); err != nil {
			if !errors.Is(err, ErrStale) {
				m.logger.Printf("calling: screen share: %v", err)
				m.events.Emit(EventError, ErrorScreenShare)
			}
			return
		}
		m.updateSharing(gen)
	}()
	return nil
}

func (m *Manager) StopScreenShare() error {
	m.mu.Lock()
	if m.session.Status != StatusConnected {
		m.mu.Unlock()
		return ErrNoCall
	}
	gen := m.gen
	m.mu.Unlock()

	if err := m.engine.StopScreenShare(); err != nil {
		m.logger.Printf("calling: stop screen share: %v", err)
	}
	m.updateSharing(gen)
	return nil
}

func (m *Manager) updateSharing(gen uint64) {
	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		return
	}
	m.session.ScreenSharing = m.engine.Sharing()
	s := m.session
	m.mu.Unlock()
	m.emitStatus(s)
}

// setupFailed turns an engine failure into a local hangup.
func (m *Manager) setupFailed(gen uint64, err error) {
	m.mu.Lock()
	current := m.gen == gen
	peerID := m.session.PeerID
	m.mu.Unlock()
	if !current {
		return
	}

	m.logger.Printf("calling: call setup with %s failed: %v", peerID, err)
	kind := ErrorNegotiation
	switch {
	case errors.Is(err, rtc.ErrPermissionDenied), errors.Is(err, ErrLocalMedia):
		kind = ErrorMicDenied
	case errors.Is(err, ErrNotConnected):
		kind = ErrorNotConnected
	}
	m.events.Emit(EventError, kind)

	if m.finishGen(gen, true, signaling.HangupEnded) {
		m.config.Channel.Send(&signaling.Hangup{To: peerID, From: m.config.Self, Reason: signaling.HangupEnded})
	}
}

func (m *Manager) onConnectionFailed() {
	m.mu.Lock()
	gen := m.gen
	m.mu.Unlock()
	m.events.Emit(EventError, ErrorConnectionFailed)
	m.finishGen(gen, true, signaling.HangupEnded)
}

// markConnected records the moment media was negotiated and starts the
// duration ticker.
func (m *Manager) markConnected(gen uint64) {
	m.mu.Lock()
	if m.gen != gen || m.session.Status != StatusCalling {
		m.mu.Unlock()
		return
	}
	now := time.Now()
	m.session.ConnectedAt = &now
	m.session.Status = StatusConnected
	stop := make(chan struct{})
	m.tickStop = stop
	s := m.session
	m.mu.Unlock()

	m.ringback.Stop()
	go m.tick(gen, now, stop)
	m.emitStatus(s)
}

func (m *Manager) tick(gen uint64, since time.Time, stop chan struct{}) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
		m.mu.Lock()
		if m.gen != gen {
			m.mu.Unlock()
			return
		}
		m.session.DurationSeconds = int(time.Since(since).Seconds())
		d := m.session.DurationSeconds
		m.mu.Unlock()
		m.events.Emit(EventDuration, d)
	}
}

func (m *Manager) finish(local bool, reason signaling.HangupReason) {
	m.mu.Lock()
	gen := m.gen
	m.mu.Unlock()
	m.finishGen(gen, local, reason)
}

// finishGen is the single terminal transition. It runs at most once per
// call: later calls find the status already terminal and return false.
func (m *Manager) finishGen(gen uint64, local bool, reason signaling.HangupReason) bool {
	m.mu.Lock()
	if m.gen != gen || m.session.Status == StatusIdle || m.session.Status.Terminal() {
		m.mu.Unlock()
		return false
	}
	now := time.Now()
	s := &m.session
	connected := s.ConnectedAt != nil
	if connected {
		s.DurationSeconds = int(now.Sub(*s.ConnectedAt).Seconds())
	}
	s.Status = StatusEnded
	if reason == signaling.HangupRejected && !connected {
		s.Status = StatusRejected
	}
	if m.tickStop != nil {
		close(m.tickStop)
		m.tickStop = nil
	}
	m.pending = nil

	var rec *HistoryRecord
	if !m.latched {
		m.latched = true
		// Only the caller reports; the callee just settles its latch.
		if s.Direction == DirectionOutgoing {
			rec = &HistoryRecord{
				SessionID:       s.SessionID,
				PeerID:          s.PeerID,
				Direction:       s.Direction,
				Status:          Classify(s.Direction, connected, reason, local),
				DurationSeconds: s.DurationSeconds,
				CallType:        s.CallType,
				StartedAt:       s.StartedAt,
				EndedAt:         now,
			}
		}
	}

	m.gen++
	next := m.gen
	if m.graceStop != nil {
		m.graceStop.Stop()
	}
	m.graceStop = time.AfterFunc(m.config.GraceDelay, func() { m.teardown(next) })
	snapshot := *s
	m.mu.Unlock()

	m.ringback.Stop()
	m.engine.Cleanup()
	m.emitStatus(snapshot)

	if rec != nil && m.config.Reporter != nil {
		go m.config.Reporter.Report(context.WithoutCancel(m.ctx), rec)
	}
	return true
}

// teardown returns to idle once the grace period is over.
func (m *Manager) teardown(gen uint64) {
	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		return
	}
	m.gen++
	m.session = Session{Status: StatusIdle}
	m.latched = false
	m.graceStop = nil
	epoch := m.epoch
	s := m.session
	m.mu.Unlock()

	m.engine.Release(epoch)
	m.guard.Release(activity.Call)
	m.emitStatus(s)
}

func (m *Manager) handleMessage(msg signaling.Message) {
	switch msg := msg.(type) {
	case *signaling.Offer:
		m.handleOffer(msg)
	case *signaling.Answer:
		m.handleAnswer(msg)
	case *signaling.ICECandidate:
		m.engine.HandleRemoteICECandidate(msg.From, msg.Candidate)
	case *signaling.Hangup:
		m.handleHangup(msg)
	case *signaling.ScreenShare:
		m.handleScreenShare(msg)
	}
}

func (m *Manager) handleOffer(offer *signaling.Offer) {
	if offer.From == "" || offer.From == m.config.Self {
		m.logger.Printf("calling: dropping offer without a usable sender")
		return
	}

	m.mu.Lock()
	if m.session.Status != StatusIdle {
		duplicate := offer.SessionID != "" && offer.SessionID == m.session.SessionID
		m.mu.Unlock()
		if !duplicate {
			m.logger.Printf("calling: busy, rejecting offer from %s", offer.From)
			m.config.Channel.Send(&signaling.Hangup{To: offer.From, From: m.config.Self, Reason: signaling.HangupRejected})
		}
		return
	}
	if err := m.guard.Acquire(activity.Call); err != nil {
		m.mu.Unlock()
		m.logger.Printf("calling: in a room, rejecting offer from %s", offer.From)
		m.config.Channel.Send(&signaling.Hangup{To: offer.From, From: m.config.Self, Reason: signaling.HangupRejected})
		return
	}
	// Reserving now lets candidates that trail the offer queue up while
	// the call rings.
	epoch, err := m.engine.Reserve(offer.From, false)
	if err != nil {
		m.guard.Release(activity.Call)
		m.mu.Unlock()
		m.logger.Printf("calling: engine busy, rejecting offer from %s", offer.From)
		m.config.Channel.Send(&signaling.Hangup{To: offer.From, From: m.config.Self, Reason: signaling.HangupRejected})
		return
	}

	sessionID := offer.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	callType := CallType(offer.CallType)
	if callType == "" {
		callType = CallTypeAudio
	}
	m.gen++
	m.epoch = epoch
	m.latched = false
	m.pending = offer
	m.session = Session{
		SessionID: sessionID,
		PeerID:    offer.From,
		Direction: DirectionIncoming,
		Status:    StatusCalling,
		StartedAt: time.Now(),
		CallType:  callType,
	}
	s := m.session
	m.mu.Unlock()

	m.emitStatus(s)
	m.events.Emit(EventIncoming, s)
}

func (m *Manager) handleAnswer(answer *signaling.Answer) {
	m.mu.Lock()
	ok := m.session.Status == StatusCalling && m.session.Direction == DirectionOutgoing && answer.From == m.session.PeerID
	gen := m.gen
	m.mu.Unlock()
	if !ok {
		m.logger.Printf("calling: ignoring answer from %s", answer.From)
		return
	}

	applied, err := m.engine.HandleRemoteAnswer(answer)
	if err != nil {
		m.setupFailed(gen, err)
		return
	}
	if applied {
		m.markConnected(gen)
	}
}

func (m *Manager) handleHangup(h *signaling.Hangup) {
	m.mu.Lock()
	match := h.From != "" && h.From == m.session.PeerID
	m.mu.Unlock()
	if !match {
		return
	}
	m.finish(false, h.Reason)
}

func (m *Manager) handleScreenShare(msg *signaling.ScreenShare) {
	m.mu.Lock()
	if msg.From != m.session.PeerID || m.session.Status != StatusConnected {
		m.mu.Unlock()
		return
	}
	m.session.RemoteScreenShare = msg.Active
	m.mu.Unlock()

	m.engine.SetRemoteScreenShare(msg.Active)
	m.events.Emit(EventScreenShare, msg.Active)
}

// handleClose treats losing the channel as the remote side hanging up.
func (m *Manager) handleClose(ev signaling.CloseEvent) {
	m.mu.Lock()
	active := m.session.Status == StatusCalling || m.session.Status == StatusConnected
	m.mu.Unlock()
	if !active {
		return
	}
	m.logger.Printf("calling: signaling closed (code %d) during call", ev.Code)
	m.finish(false, signaling.HangupEnded)
}

// Close hangs up any call, stops timers and unsubscribes from the channel.
func (m *Manager) Close() {
	_ = m.StopCall(signaling.HangupEnded)
	m.unsub()
	m.cancel()

	m.mu.Lock()
	m.gen++
	if m.graceStop != nil {
		m.graceStop.Stop()
		m.graceStop = nil
	}
	m.mu.Unlock()

	m.ringback.Stop()
	m.engine.Cleanup()
	m.guard.Release(activity.Call)
}

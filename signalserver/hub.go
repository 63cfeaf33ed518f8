/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package signalserver

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/tejzpr/callmesh/signaling"
)

const (
	sendBufferSize = 256
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxFrameSize   = 1 << 20
)

// Error texts sent in error frames. Clients map them to fixed kinds by
// substring, so the wording matters.
const (
	msgRoomNotFound     = "Room not found"
	msgRoomExists       = "Room already exists"
	msgRoomFull         = "Room is full"
	msgRoomClosed       = "Room is closed"
	msgPasswordRequired = "Password required"
	msgPasswordInvalid  = "Invalid password"
	msgNameRequired     = "Room name is required"
	msgGuestRoom        = "Guests can only join the room they were invited to"
	msgNotInRoom        = "Not a member of this room"
	msgUnsupported      = "Unsupported message type"
	msgInternal         = "Internal server error"
)

// HubConfig holds the configuration for a Hub
type HubConfig struct {
	Rooms            RoomStore
	Tokens           *TokenIssuer
	RoomCapacity     int
	PresenceInterval time.Duration
	AllowedOrigins   []string
	Logger           *slog.Logger
}

// Hub relays signaling frames between connected users and owns live room
// membership for this instance.
type Hub struct {
	config   HubConfig
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[string]*client
	members map[string][]string
}

type client struct {
	id     string
	claims *Claims
	conn   *websocket.Conn
	send   chan []byte
	done   chan struct{}
	once   sync.Once

	// guarded by Hub.mu
	room     string
	lastSeen time.Time
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

func NewHub(cfg HubConfig) *Hub {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.RoomCapacity <= 0 {
		cfg.RoomCapacity = 8
	}
	h := &Hub{
		config:  cfg,
		logger:  cfg.Logger,
		clients: make(map[string]*client),
		members: make(map[string][]string),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	if len(h.config.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.config.AllowedOrigins {
		if origin == allowed {
			return true
		}
	}
	return false
}

// ServeWS authenticates and upgrades a signaling connection. The token
// comes from the Authorization header or the token query parameter.
func (h *Hub) ServeWS(c *gin.Context) {
	token := bearerToken(c.Request)
	if token == "" {
		token = strings.TrimSpace(c.Query("token"))
	}
	if token == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "token is required"})
		return
	}
	claims, err := h.config.Tokens.Parse(token)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid token"})
		return
	}
	if uid := c.Query("userId"); uid != "" && uid != claims.UserID {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "userId does not match token"})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("ws upgrade failed", "err", err)
		return
	}

	cl := &client{
		id:     claims.UserID,
		claims: claims,
		conn:   conn,
		send:   make(chan []byte, sendBufferSize),
		done:   make(chan struct{}),
	}
	h.register(cl)

	go h.writePump(cl)
	h.readPump(cl)
}

func (h *Hub) register(cl *client) {
	h.mu.Lock()
	old := h.clients[cl.id]
	cl.lastSeen = time.Now()
	h.clients[cl.id] = cl
	h.mu.Unlock()

	if old != nil {
		h.logger.Info("replacing existing connection", "user", cl.id)
		h.disconnect(old)
	}
	h.logger.Info("user connected", "user", cl.id, "guest", cl.claims.IsGuest())
	h.broadcastAll(&signaling.UserStatus{UserID: cl.id, Status: "online"}, cl.id)
}

// disconnect tears down cl: it leaves its room and, if it is still the
// registered connection for its user, announces the user offline.
func (h *Hub) disconnect(cl *client) {
	cl.close()

	h.mu.Lock()
	current := h.clients[cl.id] == cl
	if current {
		delete(h.clients, cl.id)
	}
	room := cl.room
	h.mu.Unlock()

	if room != "" {
		h.leave(context.Background(), cl, room)
	}
	if current {
		h.logger.Info("user disconnected", "user", cl.id)
		h.broadcastAll(&signaling.UserStatus{UserID: cl.id, Status: "offline"}, cl.id)
	}
}

func (h *Hub) readPump(cl *client) {
	defer h.disconnect(cl)

	cl.conn.SetReadLimit(maxFrameSize)
	_ = cl.conn.SetReadDeadline(time.Now().Add(pongWait))
	cl.conn.SetPongHandler(func(string) error {
		return cl.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := cl.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("ws read failed", "user", cl.id, "err", err)
			}
			return
		}
		_ = cl.conn.SetReadDeadline(time.Now().Add(pongWait))
		h.touch(cl)

		msg, err := signaling.Decode(data)
		if err != nil {
			h.logger.Debug("dropping inbound frame", "user", cl.id, "err", err)
			continue
		}
		h.handle(context.Background(), cl, msg)
	}
}

func (h *Hub) writePump(cl *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		cl.close()
	}()

	for {
		select {
		case <-cl.done:
			_ = cl.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		case data := <-cl.send:
			_ = cl.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := cl.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				h.logger.Debug("ws write failed", "user", cl.id, "err", err)
				return
			}
		case <-ticker.C:
			_ = cl.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := cl.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Hub) touch(cl *client) {
	h.mu.Lock()
	cl.lastSeen = time.Now()
	h.mu.Unlock()
}

func (h *Hub) deliver(cl *client, msg signaling.Message) {
	data, err := signaling.Encode(msg)
	if err != nil {
		h.logger.Error("failed to encode frame", "type", msg.Type(), "err", err)
		return
	}
	select {
	case cl.send <- data:
	case <-cl.done:
	default:
		h.logger.Warn("send buffer full, dropping frame", "user", cl.id, "type", msg.Type())
	}
}

func (h *Hub) lookup(userID string) *client {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.clients[userID]
}

// relay delivers msg to userID and reports whether that user is online.
func (h *Hub) relay(userID string, msg signaling.Message) bool {
	target := h.lookup(userID)
	if target == nil {
		return false
	}
	h.deliver(target, msg)
	return true
}

func (h *Hub) broadcastAll(msg signaling.Message, except string) {
	h.mu.Lock()
	targets := make([]*client, 0, len(h.clients))
	for id, cl := range h.clients {
		if id != except {
			targets = append(targets, cl)
		}
	}
	h.mu.Unlock()
	for _, cl := range targets {
		h.deliver(cl, msg)
	}
}

func (h *Hub) sendError(cl *client, text string) {
	h.deliver(cl, &signaling.Error{Message: text})
}

// handle routes one inbound frame. The sender is always stamped from the
// authenticated identity, never trusted from the frame.
func (h *Hub) handle(ctx context.Context, cl *client, msg signaling.Message) {
	switch m := msg.(type) {
	case *signaling.Offer:
		m.From = cl.id
		if !h.relay(m.To, m) {
			// Nobody will ever answer; end the caller's ringing.
			h.deliver(cl, &signaling.Hangup{From: m.To, To: cl.id, Reason: signaling.HangupEnded})
		}
	case *signaling.Answer:
		m.From = cl.id
		h.relay(m.To, m)
	case *signaling.ICECandidate:
		m.From = cl.id
		h.relay(m.To, m)
	case *signaling.Hangup:
		m.From = cl.id
		h.relay(m.To, m)
	case *signaling.ScreenShare:
		m.From = cl.id
		h.relay(m.To, m)
	case *signaling.ChatMessage:
		m.From = cl.id
		h.relay(m.To, m)

	case *signaling.JoinRoom:
		h.join(ctx, cl, m)
	case *signaling.LeaveRoom:
		h.leave(ctx, cl, m.RoomID)

	case *signaling.RoomOffer:
		m.From = cl.id
		h.relayInRoom(cl, m.RoomID, m.To, m)
	case *signaling.RoomAnswer:
		m.From = cl.id
		h.relayInRoom(cl, m.RoomID, m.To, m)
	case *signaling.RoomICE:
		m.From = cl.id
		h.relayInRoom(cl, m.RoomID, m.To, m)

	case *signaling.PresencePong:
		// lastSeen already refreshed
	case *signaling.PresenceCheck:
		h.deliver(cl, &signaling.PresencePong{})

	default:
		h.logger.Debug("unsupported client frame", "user", cl.id, "type", msg.Type())
		h.sendError(cl, msgUnsupported)
	}
}

func (h *Hub) relayInRoom(cl *client, roomID, to string, msg signaling.Message) {
	h.mu.Lock()
	ok := cl.room == roomID && contains(h.members[roomID], to)
	h.mu.Unlock()
	if !ok {
		h.logger.Debug("dropping room frame outside membership", "user", cl.id, "room", roomID, "to", to)
		return
	}
	h.relay(to, msg)
}

func (h *Hub) resolveRoom(ctx context.Context, cl *client, m *signaling.JoinRoom) (*RoomRecord, string) {
	if cl.claims.IsGuest() && (m.Create || m.RoomID != cl.claims.RoomID) {
		return nil, msgGuestRoom
	}

	if m.Create {
		name := strings.TrimSpace(m.Name)
		if name == "" {
			return nil, msgNameRequired
		}
		if m.IsPrivate && m.Password == "" {
			return nil, msgPasswordRequired
		}
		room := &RoomRecord{
			ID:        m.RoomID,
			Name:      name,
			IsPrivate: m.IsPrivate,
			CreatorID: cl.id,
			Capacity:  h.config.RoomCapacity,
			Created:   time.Now().UTC(),
		}
		if m.IsPrivate {
			if err := room.SetPassword(m.Password); err != nil {
				h.logger.Error("hashing room password", "err", err)
				return nil, msgInternal
			}
		}
		if err := h.config.Rooms.Create(ctx, room); err != nil {
			if errors.Is(err, ErrRoomExists) {
				return nil, msgRoomExists
			}
			h.logger.Error("creating room", "room", m.RoomID, "err", err)
			return nil, msgInternal
		}
		h.logger.Info("room created", "room", room.ID, "creator", cl.id)
		return room, ""
	}

	room, err := h.config.Rooms.Get(ctx, m.RoomID)
	if errors.Is(err, ErrRoomNotFound) {
		return nil, msgRoomNotFound
	}
	if err != nil {
		h.logger.Error("loading room", "room", m.RoomID, "err", err)
		return nil, msgInternal
	}
	// An invite admits its guest without the password.
	if room.IsPrivate && !cl.claims.IsGuest() {
		if m.Password == "" {
			return nil, msgPasswordRequired
		}
		if !room.CheckPassword(m.Password) {
			return nil, msgPasswordInvalid
		}
	}
	return room, ""
}

func (h *Hub) join(ctx context.Context, cl *client, m *signaling.JoinRoom) {
	room, problem := h.resolveRoom(ctx, cl, m)
	if problem != "" {
		h.sendError(cl, problem)
		return
	}

	h.mu.Lock()
	previous := cl.room
	h.mu.Unlock()
	if previous != "" && previous != room.ID {
		h.leave(ctx, cl, previous)
	}

	capacity := room.Capacity
	if capacity <= 0 {
		capacity = h.config.RoomCapacity
	}

	h.mu.Lock()
	roster := h.members[room.ID]
	fresh := !contains(roster, cl.id)
	if fresh && len(roster) >= capacity {
		h.mu.Unlock()
		h.sendError(cl, msgRoomFull)
		return
	}
	if fresh {
		roster = append(roster, cl.id)
		h.members[room.ID] = roster
	}
	cl.room = room.ID
	snapshot := append([]string(nil), roster...)
	h.mu.Unlock()

	if err := h.config.Rooms.AddMember(ctx, room.ID, cl.id); err != nil {
		h.logger.Warn("recording room member", "room", room.ID, "user", cl.id, "err", err)
	}

	h.deliver(cl, &signaling.RoomJoined{RoomID: room.ID, Members: snapshot})
	if fresh {
		h.roomBroadcast(room.ID, &signaling.RoomUserJoined{RoomID: room.ID, UserID: cl.id}, cl.id)
	}
	h.logger.Info("room joined", "room", room.ID, "user", cl.id, "members", len(snapshot))
}

func (h *Hub) leave(ctx context.Context, cl *client, roomID string) {
	h.mu.Lock()
	if cl.room != roomID || !contains(h.members[roomID], cl.id) {
		h.mu.Unlock()
		return
	}
	cl.room = ""
	remaining := remove(h.members[roomID], cl.id)
	if len(remaining) == 0 {
		delete(h.members, roomID)
	} else {
		h.members[roomID] = remaining
	}
	h.mu.Unlock()

	if err := h.config.Rooms.RemoveMember(ctx, roomID, cl.id); err != nil {
		h.logger.Warn("removing room member", "room", roomID, "user", cl.id, "err", err)
	}
	h.roomBroadcast(roomID, &signaling.RoomUserLeft{RoomID: roomID, UserID: cl.id}, cl.id)
	h.logger.Info("room left", "room", roomID, "user", cl.id)
}

func (h *Hub) roomBroadcast(roomID string, msg signaling.Message, except string) {
	h.mu.Lock()
	var targets []*client
	for _, id := range h.members[roomID] {
		if id == except {
			continue
		}
		if cl := h.clients[id]; cl != nil {
			targets = append(targets, cl)
		}
	}
	h.mu.Unlock()
	for _, cl := range targets {
		h.deliver(cl, msg)
	}
}

// CloseRoom evicts every member of roomID, telling each the room closed.
func (h *Hub) CloseRoom(roomID string) {
	h.mu.Lock()
	var evicted []*client
	for _, id := range h.members[roomID] {
		if cl := h.clients[id]; cl != nil && cl.room == roomID {
			cl.room = ""
			evicted = append(evicted, cl)
		}
	}
	delete(h.members, roomID)
	h.mu.Unlock()

	for _, cl := range evicted {
		h.sendError(cl, msgRoomClosed)
	}
}

// Members returns the live roster of roomID on this instance.
func (h *Hub) Members(roomID string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.members[roomID]...)
}

// Online reports whether userID has a connection on this instance.
func (h *Hub) Online(userID string) bool {
	return h.lookup(userID) != nil
}

// Run sends presence checks until ctx is done. Connections silent for two
// intervals are dropped.
func (h *Hub) Run(ctx context.Context) {
	interval := h.config.PresenceInterval
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			h.sweep(now, 2*interval)
		}
	}
}

func (h *Hub) sweep(now time.Time, maxSilence time.Duration) {
	h.mu.Lock()
	var stale, live []*client
	for _, cl := range h.clients {
		if now.Sub(cl.lastSeen) > maxSilence {
			stale = append(stale, cl)
		} else {
			live = append(live, cl)
		}
	}
	h.mu.Unlock()

	for _, cl := range stale {
		h.logger.Info("dropping silent connection", "user", cl.id)
		h.disconnect(cl)
	}
	for _, cl := range live {
		h.deliver(cl, &signaling.PresenceCheck{})
	}
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func remove(list []string, v string) []string {
	out := list[:0:0]
	for _, s := range list {
		if s != v {
			out = append(out, s)
		}
	}
	return out
}

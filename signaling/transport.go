/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

// Package signaling implements the shared signaling channel: the wire
// message variants and a Transport that multiplexes one WebSocket
// connection per identity across any number of subscribers.
package signaling

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tejzpr/callmesh/meshsdk"
)

// Config holds the configuration for a Transport
type Config struct {
	// URL is the signaling endpoint, e.g. wss://calls.example.com/ws
	URL string

	// ReconnectDelay is the fixed wait before redialing after an unexpected close.
	ReconnectDelay time.Duration

	PingInterval     time.Duration
	PongTimeout      time.Duration
	WriteTimeout     time.Duration
	HandshakeTimeout time.Duration

	// Dialer overrides the default gorilla dialer.
	Dialer Dialer

	// OnInvalidate is called for presence-class messages (user-status) so a
	// cache of online users can be refreshed. The message is still delivered
	// to subscribers.
	OnInvalidate func(msg Message)

	Logger meshsdk.Logger
}

// DefaultConfig returns the default configuration for a Transport
func DefaultConfig() *Config {
	return &Config{
		URL:              "ws://localhost:8080/ws",
		ReconnectDelay:   3 * time.Second,
		PingInterval:     30 * time.Second,
		PongTimeout:      10 * time.Second,
		WriteTimeout:     10 * time.Second,
		HandshakeTimeout: 10 * time.Second,
	}
}

// Dialer opens WebSocket connections. *websocket.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, urlStr string, requestHeader http.Header) (*websocket.Conn, *http.Response, error)
}

// Sender is the send half of a Transport, which is all the session
// engines need.
type Sender interface {
	Send(msg Message) bool
}

// Channel is what a session manager needs from a Transport: sending, and
// a subscription to inbound messages and connection lifecycle.
type Channel interface {
	Sender
	Subscribe(h Handler) (unsubscribe func())
}

// Identity is who the connection is authenticated as.
type Identity struct {
	UserID string
	Token  string
}

// CloseEvent describes the end of one connection.
type CloseEvent struct {
	// Code is the WebSocket close code, or CloseAbnormalClosure when the
	// connection dropped without a close frame.
	Code int
	// Deliberate is true when the close was initiated locally.
	Deliberate bool
	Err        error
}

// Handler receives transport events. Nil callbacks are skipped.
type Handler struct {
	OnMessage func(msg Message)
	OnOpen    func()
	OnClose   func(ev CloseEvent)
}

type subscriber struct {
	id uint64
	h  Handler
}

// link is one live connection. gen ties it to the Transport generation that
// dialed it; a generation bump marks every older link as deliberately closed.
type link struct {
	conn *websocket.Conn
	gen  uint64
	done chan struct{}
}

// Transport is the connection manager for the signaling channel. Create one
// per process and inject it into every consumer.
type Transport struct {
	config *Config
	dialer Dialer
	logger meshsdk.Logger

	mu          sync.Mutex
	writeMu     sync.Mutex
	link        *link
	identity    Identity
	hasIdentity bool
	gen         uint64
	subs        []subscriber
	nextSubID   uint64
	retry       *time.Timer
}

// New creates a Transport. It does not dial until Connect is called.
func New(config *Config) *Transport {
	if config == nil {
		config = DefaultConfig()
	}
	dialer := config.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: config.HandshakeTimeout,
		}
	}
	logger := config.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Transport{config: config, dialer: dialer, logger: logger}
}

// Subscribe registers h and returns a function that removes it. When the last
// subscriber leaves, the connection is closed with a normal close code.
func (t *Transport) Subscribe(h Handler) (unsubscribe func()) {
	t.mu.Lock()
	t.nextSubID++
	id := t.nextSubID
	t.subs = append(t.subs, subscriber{id: id, h: h})
	t.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			t.mu.Lock()
			for i, s := range t.subs {
				if s.id == id {
					t.subs = append(t.subs[:i:i], t.subs[i+1:]...)
					break
				}
			}
			remaining := len(t.subs)
			t.mu.Unlock()
			if remaining == 0 {
				t.Disconnect()
			}
		})
	}
}

// Subscribers returns the number of registered subscribers.
func (t *Transport) Subscribers() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs)
}

// Connect dials the signaling server as id. Calling it again with the same
// identity while connected is a no-op; a different identity force-closes the
// current connection and dials immediately.
func (t *Transport) Connect(ctx context.Context, id Identity) error {
	if id.UserID == "" {
		return errors.New("signaling: identity requires a user id")
	}

	t.mu.Lock()
	if t.hasIdentity && t.identity == id && t.link != nil {
		t.mu.Unlock()
		return nil
	}
	old := t.link
	t.link = nil
	t.identity = id
	t.hasIdentity = true
	t.gen++
	gen := t.gen
	t.stopRetryLocked()
	t.mu.Unlock()

	if old != nil {
		t.logger.Printf("signaling: identity changed, closing current connection")
		t.closeLink(old)
	}
	return t.dial(ctx, gen)
}

// Disconnect closes the connection with a normal close code and cancels any
// pending reconnect.
func (t *Transport) Disconnect() {
	t.mu.Lock()
	t.gen++
	l := t.link
	t.link = nil
	t.stopRetryLocked()
	t.mu.Unlock()

	if l != nil {
		t.closeLink(l)
	}
}

// IsOpen reports whether a connection is currently established.
func (t *Transport) IsOpen() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.link != nil
}

// Identity returns the identity of the last Connect call.
func (t *Transport) Identity() Identity {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.identity
}

// Send writes msg to the server. When the channel is not open it logs and
// returns false; nothing is queued.
func (t *Transport) Send(msg Message) bool {
	t.mu.Lock()
	l := t.link
	t.mu.Unlock()
	if l == nil {
		t.logger.Printf("signaling: channel not open, dropping %s", msg.Type())
		return false
	}

	data, err := Encode(msg)
	if err != nil {
		t.logger.Printf("signaling: %v", err)
		return false
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if t.config.WriteTimeout > 0 {
		_ = l.conn.SetWriteDeadline(time.Now().Add(t.config.WriteTimeout))
	}
	if err := l.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.logger.Printf("signaling: failed to send %s: %v", msg.Type(), err)
		return false
	}
	return true
}

func (t *Transport) dial(ctx context.Context, gen uint64) error {
	t.mu.Lock()
	id := t.identity
	t.mu.Unlock()

	target, err := t.endpoint(id)
	if err != nil {
		return err
	}
	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+id.Token)

	conn, _, err := t.dialer.DialContext(ctx, target, headers)
	if err != nil {
		t.logger.Printf("signaling: dial failed: %v", err)
		t.scheduleReconnect(gen)
		return fmt.Errorf("failed to connect to signaling server: %w", err)
	}

	l := &link{conn: conn, gen: gen, done: make(chan struct{})}

	t.mu.Lock()
	if gen != t.gen {
		t.mu.Unlock()
		_ = conn.Close()
		return nil
	}
	t.link = l
	t.mu.Unlock()

	deadline := t.config.PingInterval + t.config.PongTimeout
	if deadline > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(deadline))
	}
	conn.SetPongHandler(func(string) error {
		if deadline > 0 {
			return conn.SetReadDeadline(time.Now().Add(deadline))
		}
		return nil
	})

	go t.readLoop(l)
	if t.config.PingInterval > 0 {
		go t.pingLoop(l)
	}

	for _, h := range t.handlers() {
		if h.OnOpen != nil {
			h.OnOpen()
		}
	}
	return nil
}

func (t *Transport) endpoint(id Identity) (string, error) {
	u, err := url.Parse(t.config.URL)
	if err != nil {
		return "", fmt.Errorf("invalid signaling URL: %w", err)
	}
	q := u.Query()
	q.Set("userId", id.UserID)
	if id.Token != "" {
		q.Set("token", id.Token)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (t *Transport) readLoop(l *link) {
	for {
		_, data, err := l.conn.ReadMessage()
		if err != nil {
			t.handleClosed(l, err)
			return
		}
		if deadline := t.config.PingInterval + t.config.PongTimeout; deadline > 0 {
			_ = l.conn.SetReadDeadline(time.Now().Add(deadline))
		}

		msg, err := Decode(data)
		if err != nil {
			t.logger.Printf("signaling: dropping inbound frame: %v", err)
			continue
		}

		switch msg.(type) {
		case *PresenceCheck:
			t.Send(&PresencePong{})
			continue
		case *UserStatus:
			if t.config.OnInvalidate != nil {
				t.config.OnInvalidate(msg)
			}
		}

		for _, h := range t.handlers() {
			if h.OnMessage != nil {
				h.OnMessage(msg)
			}
		}
	}
}

func (t *Transport) pingLoop(l *link) {
	ticker := time.NewTicker(t.config.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
			t.writeMu.Lock()
			err := l.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(t.config.PongTimeout))
			t.writeMu.Unlock()
			if err != nil {
				// The read loop observes the broken connection and reconnects.
				return
			}
		}
	}
}

func (t *Transport) handleClosed(l *link, err error) {
	close(l.done)
	_ = l.conn.Close()

	code := websocket.CloseAbnormalClosure
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		code = ce.Code
	}

	t.mu.Lock()
	deliberate := l.gen != t.gen
	if t.link == l {
		t.link = nil
	}
	t.mu.Unlock()

	if !deliberate {
		t.logger.Printf("signaling: connection closed (code %d): %v", code, err)
	}
	ev := CloseEvent{Code: code, Deliberate: deliberate, Err: err}
	for _, h := range t.handlers() {
		if h.OnClose != nil {
			h.OnClose(ev)
		}
	}

	if !deliberate && code != websocket.CloseNormalClosure {
		t.scheduleReconnect(l.gen)
	}
}

func (t *Transport) scheduleReconnect(gen uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if gen != t.gen || len(t.subs) == 0 || !t.hasIdentity {
		return
	}
	t.stopRetryLocked()
	t.retry = time.AfterFunc(t.config.ReconnectDelay, func() {
		t.mu.Lock()
		if gen != t.gen || t.link != nil || len(t.subs) == 0 {
			t.mu.Unlock()
			return
		}
		t.gen++
		next := t.gen
		t.mu.Unlock()

		t.logger.Printf("signaling: reconnecting")
		_ = t.dial(context.Background(), next)
	})
}

func (t *Transport) stopRetryLocked() {
	if t.retry != nil {
		t.retry.Stop()
		t.retry = nil
	}
}

func (t *Transport) closeLink(l *link) {
	t.writeMu.Lock()
	_ = l.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client disconnect"),
		time.Now().Add(time.Second))
	t.writeMu.Unlock()
	_ = l.conn.Close()
}

func (t *Transport) handlers() []Handler {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Handler, len(t.subs))
	for i, s := range t.subs {
		out[i] = s.h
	}
	return out
}

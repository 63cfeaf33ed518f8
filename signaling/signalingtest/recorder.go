/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

// Package signalingtest provides an in-memory signaling.Channel that
// records outbound messages and lets tests inject inbound ones, for testing
// session engines without a server.
package signalingtest

import (
	"sync"
	"time"

	"github.com/tejzpr/callmesh/signaling"
)

// Recorder records every message passed to Send. It starts open.
type Recorder struct {
	mu     sync.Mutex
	closed bool
	sent   []signaling.Message
	notify chan struct{}

	subs   map[int]signaling.Handler
	nextID int
}

func NewRecorder() *Recorder {
	return &Recorder{notify: make(chan struct{}, 1), subs: make(map[int]signaling.Handler)}
}

func (r *Recorder) Subscribe(h signaling.Handler) func() {
	r.mu.Lock()
	id := r.nextID
	r.nextID++
	r.subs[id] = h
	r.mu.Unlock()
	return func() {
		r.mu.Lock()
		delete(r.subs, id)
		r.mu.Unlock()
	}
}

// Subscribers is the number of live subscriptions.
func (r *Recorder) Subscribers() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}

func (r *Recorder) handlers() []signaling.Handler {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]signaling.Handler, 0, len(r.subs))
	for _, h := range r.subs {
		out = append(out, h)
	}
	return out
}

// Deliver hands msg to every subscriber, as the read loop would.
func (r *Recorder) Deliver(msg signaling.Message) {
	for _, h := range r.handlers() {
		if h.OnMessage != nil {
			h.OnMessage(msg)
		}
	}
}

// Drop simulates the connection going away: Send starts failing and every
// subscriber sees ev.
func (r *Recorder) Drop(ev signaling.CloseEvent) {
	r.SetOpen(false)
	for _, h := range r.handlers() {
		if h.OnClose != nil {
			h.OnClose(ev)
		}
	}
}

// Open marks the recorder open and notifies subscribers.
func (r *Recorder) Open() {
	r.SetOpen(true)
	for _, h := range r.handlers() {
		if h.OnOpen != nil {
			h.OnOpen()
		}
	}
}

// SetOpen controls whether Send succeeds. A closed recorder drops messages
// and returns false, like a Transport with no connection.
func (r *Recorder) SetOpen(open bool) {
	r.mu.Lock()
	r.closed = !open
	r.mu.Unlock()
}

func (r *Recorder) Send(msg signaling.Message) bool {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return false
	}
	r.sent = append(r.sent, msg)
	r.mu.Unlock()
	select {
	case r.notify <- struct{}{}:
	default:
	}
	return true
}

// Sent returns a copy of everything sent so far.
func (r *Recorder) Sent() []signaling.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]signaling.Message, len(r.sent))
	copy(out, r.sent)
	return out
}

// OfType returns the sent messages with the given type tag.
func (r *Recorder) OfType(t signaling.MessageType) []signaling.Message {
	var out []signaling.Message
	for _, m := range r.Sent() {
		if m.Type() == t {
			out = append(out, m)
		}
	}
	return out
}

// Reset forgets recorded messages.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.sent = nil
	r.mu.Unlock()
}

// WaitFor blocks until at least n messages of type t were sent or the
// timeout expires, and returns what it found.
func (r *Recorder) WaitFor(t signaling.MessageType, n int, timeout time.Duration) []signaling.Message {
	deadline := time.After(timeout)
	for {
		if got := r.OfType(t); len(got) >= n {
			return got
		}
		select {
		case <-r.notify:
		case <-deadline:
			return r.OfType(t)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

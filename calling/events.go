/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package calling

import "sync"

// ---- Manager Event Keys ----

// Events emitted by Manager
const (
	// EventStatus carries a Session snapshot after every state change.
	EventStatus = "status"
	// EventIncoming carries the Session of a new inbound offer.
	EventIncoming = "incoming"
	// EventDuration carries the elapsed seconds of a connected call.
	EventDuration = "duration"
	// EventError carries an ErrorKind.
	EventError = "error"
	// EventScreenShare carries whether the remote side is sharing.
	EventScreenShare = "screenshare"
)

// ErrorKind is a user-facing failure category. Raw error text never
// reaches the UI.
type ErrorKind string

const (
	ErrorMicDenied        ErrorKind = "micDenied"
	ErrorNegotiation      ErrorKind = "negotiation"
	ErrorNotConnected     ErrorKind = "notConnected"
	ErrorScreenShare      ErrorKind = "screenShare"
	ErrorConnectionFailed ErrorKind = "connectionFailed"
)

// ---- Event Emitter ----

// EventHandler is a callback function for events
type EventHandler func(data interface{})

// EventEmitter provides a simple event pub/sub system
type EventEmitter struct {
	mu       sync.RWMutex
	handlers map[string][]EventHandler
}

// NewEventEmitter creates a new EventEmitter
func NewEventEmitter() *EventEmitter {
	return &EventEmitter{
		handlers: make(map[string][]EventHandler),
	}
}

// On registers an event handler for a specific event type
func (e *EventEmitter) On(event string, handler EventHandler) {
	if handler == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[event] = append(e.handlers[event], handler)
}

// Off removes all handlers for a specific event type
func (e *EventEmitter) Off(event string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.handlers, event)
}

// Emit fires an event, calling all registered handlers
func (e *EventEmitter) Emit(event string, data interface{}) {
	e.mu.RLock()
	handlers := make([]EventHandler, len(e.handlers[event]))
	copy(handlers, e.handlers[event])
	e.mu.RUnlock()

	for _, handler := range handlers {
		handler(data)
	}
}

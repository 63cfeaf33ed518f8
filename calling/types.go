/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package calling

import (
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/tejzpr/callmesh/meshsdk"
)

// ---- Enums / Constants ----

// Direction tells which side started a call or room session
type Direction string

const (
	DirectionIncoming Direction = "incoming"
	DirectionOutgoing Direction = "outgoing"
)

// Status is the lifecycle state of a direct call
type Status string

const (
	StatusIdle      Status = "idle"
	StatusCalling   Status = "calling"
	StatusConnected Status = "connected"
	StatusEnded     Status = "ended"
	StatusRejected  Status = "rejected"
)

// Terminal reports whether s is ended or rejected.
func (s Status) Terminal() bool {
	return s == StatusEnded || s == StatusRejected
}

// CallType labels the media a session carries
type CallType string

const (
	CallTypeAudio CallType = "audio"
	CallTypeRoom  CallType = "room"
)

// HistoryStatus is the recorded outcome of a call or room session
type HistoryStatus string

const (
	HistoryCompleted HistoryStatus = "completed"
	HistoryMissed    HistoryStatus = "missed"
	HistoryRejected  HistoryStatus = "rejected"
	HistoryFailed    HistoryStatus = "failed"
)

// ---- Call History Types ----

// HistoryRecord is one call-outcome record. Exactly one of PeerID and
// RoomID is set. SessionID is the idempotency key shared by both sides of
// a direct call.
type HistoryRecord struct {
	ID              string        `json:"id,omitempty"`
	SessionID       string        `json:"sessionId,omitempty"`
	OwnerID         string        `json:"ownerId,omitempty"`
	PeerID          string        `json:"peerId,omitempty"`
	RoomID          string        `json:"roomId,omitempty"`
	Direction       Direction     `json:"direction"`
	Status          HistoryStatus `json:"status"`
	DurationSeconds int           `json:"durationSeconds"`
	CallType        CallType      `json:"callType"`
	StartedAt       time.Time     `json:"startedAt"`
	EndedAt         time.Time     `json:"endedAt"`
}

// HistoryPage is a page of history records
type HistoryPage struct {
	Items []HistoryRecord `json:"items"`
	*meshsdk.Page
}

// ---- Session Types ----

// Session is a snapshot of the direct call
type Session struct {
	SessionID         string     `json:"sessionId,omitempty"`
	PeerID            string     `json:"peerId,omitempty"`
	Direction         Direction  `json:"direction,omitempty"`
	Status            Status     `json:"status"`
	StartedAt         time.Time  `json:"startedAt"`
	ConnectedAt       *time.Time `json:"connectedAt,omitempty"`
	CallType          CallType   `json:"callType,omitempty"`
	DurationSeconds   int        `json:"durationSeconds"`
	IsMicMuted        bool       `json:"isMicMuted"`
	RemoteScreenShare bool       `json:"remoteScreenShare"`
	ScreenSharing     bool       `json:"screenSharing"`
}

// ---- Config Types ----

// Config holds configuration for the Calling client
type Config struct {
	// FallbackICEServers are used when the server list cannot be fetched.
	// Empty by default, so a failed fetch yields host candidates only.
	FallbackICEServers []webrtc.ICEServer

	// RequestTimeout bounds each REST call made by the sub-clients
	RequestTimeout time.Duration
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		RequestTimeout: 10 * time.Second,
	}
}

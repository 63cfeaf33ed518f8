/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package signaling

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/pion/webrtc/v4"
)

// MessageType is the "type" tag carried by every frame on the wire.
type MessageType string

const (
	TypeOffer          MessageType = "offer"
	TypeAnswer         MessageType = "answer"
	TypeICECandidate   MessageType = "ice-candidate"
	TypeHangup         MessageType = "hangup"
	TypeScreenShare    MessageType = "screen-share"
	TypeJoinRoom       MessageType = "join-room"
	TypeLeaveRoom      MessageType = "leave-room"
	TypeRoomJoined     MessageType = "room-joined"
	TypeRoomUserJoined MessageType = "room-user-joined"
	TypeRoomUserLeft   MessageType = "room-user-left"
	TypeRoomOffer      MessageType = "room-offer"
	TypeRoomAnswer     MessageType = "room-answer"
	TypeRoomICE        MessageType = "room-ice"
	TypePresenceCheck  MessageType = "presence-check"
	TypePresencePong   MessageType = "presence-pong"
	TypeUserStatus     MessageType = "user-status"
	TypeChatMessage    MessageType = "chat-message"
	TypeError          MessageType = "error"
)

var (
	// ErrUnknownType is returned by Decode for a type tag with no variant.
	ErrUnknownType = errors.New("signaling: unknown message type")
	// ErrMalformed is returned by Decode for frames that are not valid JSON
	// or that lack a field their variant requires.
	ErrMalformed = errors.New("signaling: malformed message")
)

// HangupReason tells the remote side why a direct call ended.
type HangupReason string

const (
	HangupEnded    HangupReason = "ended"
	HangupRejected HangupReason = "rejected"
)

// Message is one decoded signaling frame. The concrete type is always a
// pointer to one of the variant structs below.
type Message interface {
	Type() MessageType
}

// RoomScoped is implemented by every variant that belongs to a room.
type RoomScoped interface {
	Message
	Room() string
}

type validator interface {
	validate() error
}

// Offer starts a direct call.
type Offer struct {
	To        string                    `json:"to,omitempty"`
	From      string                    `json:"from,omitempty"`
	SDP       webrtc.SessionDescription `json:"sdp"`
	CallType  string                    `json:"callType,omitempty"`
	SessionID string                    `json:"sessionId,omitempty"`
}

// Answer accepts a direct call.
type Answer struct {
	To   string                    `json:"to,omitempty"`
	From string                    `json:"from,omitempty"`
	SDP  webrtc.SessionDescription `json:"sdp"`
}

// ICECandidate carries one trickled candidate for a direct call.
type ICECandidate struct {
	To        string                  `json:"to,omitempty"`
	From      string                  `json:"from,omitempty"`
	Candidate webrtc.ICECandidateInit `json:"candidate"`
}

// Hangup ends or rejects a direct call.
type Hangup struct {
	To     string       `json:"to,omitempty"`
	From   string       `json:"from,omitempty"`
	Reason HangupReason `json:"reason"`
}

// ScreenShare tells the peer whether the video transceiver carries real
// content.
type ScreenShare struct {
	To     string `json:"to,omitempty"`
	From   string `json:"from,omitempty"`
	Active bool   `json:"active"`
}

// JoinRoom asks the server to join (or, with Create, create) a room.
type JoinRoom struct {
	RoomID    string `json:"roomId"`
	Password  string `json:"password,omitempty"`
	Create    bool   `json:"create,omitempty"`
	Name      string `json:"name,omitempty"`
	IsPrivate bool   `json:"isPrivate,omitempty"`
}

type LeaveRoom struct {
	RoomID string `json:"roomId"`
}

// RoomJoined is the server's roster snapshot after a successful join.
type RoomJoined struct {
	RoomID  string   `json:"roomId"`
	Members []string `json:"members"`
}

type RoomUserJoined struct {
	RoomID string `json:"roomId"`
	UserID string `json:"userId"`
}

type RoomUserLeft struct {
	RoomID string `json:"roomId"`
	UserID string `json:"userId"`
}

type RoomOffer struct {
	RoomID string                    `json:"roomId"`
	To     string                    `json:"to,omitempty"`
	From   string                    `json:"from,omitempty"`
	SDP    webrtc.SessionDescription `json:"sdp"`
}

type RoomAnswer struct {
	RoomID string                    `json:"roomId"`
	To     string                    `json:"to,omitempty"`
	From   string                    `json:"from,omitempty"`
	SDP    webrtc.SessionDescription `json:"sdp"`
}

type RoomICE struct {
	RoomID    string                  `json:"roomId"`
	To        string                  `json:"to,omitempty"`
	From      string                  `json:"from,omitempty"`
	Candidate webrtc.ICECandidateInit `json:"candidate"`
}

type PresenceCheck struct{}

type PresencePong struct{}

// UserStatus announces that a user came online or went offline.
type UserStatus struct {
	UserID string `json:"userId"`
	Status string `json:"status"`
}

type ChatMessage struct {
	To   string `json:"to,omitempty"`
	From string `json:"from,omitempty"`
	Text string `json:"text"`
}

// Error is a server-side failure. Message is free text and must be mapped
// to a fixed kind before it reaches a user.
type Error struct {
	Message string `json:"message"`
}

func (*Offer) Type() MessageType { return TypeOffer }
func (*Answer) Type() MessageType { return TypeAnswer }
func (*ICECandidate) Type() MessageType { return TypeICECandidate }
func (*Hangup) Type() MessageType { return TypeHangup }
func (*ScreenShare) Type() MessageType { return TypeScreenShare }
func (*JoinRoom) Type() MessageType { return TypeJoinRoom }
func (*LeaveRoom) Type() MessageType { return TypeLeaveRoom }
func (*RoomJoined) Type() MessageType { return TypeRoomJoined }
func (*RoomUserJoined) Type() MessageType { return TypeRoomUserJoined }
func (*RoomUserLeft) Type() MessageType { return TypeRoomUserLeft }
func (*RoomOffer) Type() MessageType { return TypeRoomOffer }
func (*RoomAnswer) Type() MessageType { return TypeRoomAnswer }
func (*RoomICE) Type() MessageType { return TypeRoomICE }
func (*PresenceCheck) Type() MessageType { return TypePresenceCheck }
func (*PresencePong) Type() MessageType { return TypePresencePong }
func (*UserStatus) Type() MessageType { return TypeUserStatus }
func (*ChatMessage) Type() MessageType { return TypeChatMessage }
func (*Error) Type() MessageType { return TypeError }

func (m *JoinRoom) Room() string { return m.RoomID }
func (m *LeaveRoom) Room() string { return m.RoomID }
func (m *RoomJoined) Room() string { return m.RoomID }
func (m *RoomUserJoined) Room() string { return m.RoomID }
func (m *RoomUserLeft) Room() string { return m.RoomID }
func (m *RoomOffer) Room() string { return m.RoomID }
func (m *RoomAnswer) Room() string { return m.RoomID }
func (m *RoomICE) Room() string { return m.RoomID }

func requireSDP(sdp webrtc.SessionDescription) error {
	if sdp.SDP == "" {
		return errors.New("missing sdp")
	}
	return nil
}

func requireRoom(roomID string) error {
	if roomID == "" {
		return errors.New("missing roomId")
	}
	return nil
}

func (m *Offer) validate() error { return requireSDP(m.SDP) }
func (m *Answer) validate() error { return requireSDP(m.SDP) }

func (m *ICECandidate) validate() error {
	if m.Candidate.Candidate == "" {
		return errors.New("missing candidate")
	}
	return nil
}

func (m *Hangup) validate() error {
	switch m.Reason {
	case "":
		m.Reason = HangupEnded
	case HangupEnded, HangupRejected:
	default:
		return fmt.Errorf("unknown hangup reason %q", m.Reason)
	}
	return nil
}

func (m *JoinRoom) validate() error { return requireRoom(m.RoomID) }
func (m *LeaveRoom) validate() error { return requireRoom(m.RoomID) }
func (m *RoomJoined) validate() error { return requireRoom(m.RoomID) }

func (m *RoomUserJoined) validate() error {
	if m.UserID == "" {
		return errors.New("missing userId")
	}
	return requireRoom(m.RoomID)
}

func (m *RoomUserLeft) validate() error {
	if m.UserID == "" {
		return errors.New("missing userId")
	}
	return requireRoom(m.RoomID)
}

func (m *RoomOffer) validate() error {
	if err := requireRoom(m.RoomID); err != nil {
		return err
	}
	return requireSDP(m.SDP)
}

func (m *RoomAnswer) validate() error {
	if err := requireRoom(m.RoomID); err != nil {
		return err
	}
	return requireSDP(m.SDP)
}

func (m *RoomICE) validate() error {
	if err := requireRoom(m.RoomID); err != nil {
		return err
	}
	if m.Candidate.Candidate == "" {
		return errors.New("missing candidate")
	}
	return nil
}

func newMessage(t MessageType) Message {
	switch t {
	case TypeOffer:
		return &Offer{}
	case TypeAnswer:
		return &Answer{}
	case TypeICECandidate:
		return &ICECandidate{}
	case TypeHangup:
		return &Hangup{}
	case TypeScreenShare:
		return &ScreenShare{}
	case TypeJoinRoom:
		return &JoinRoom{}
	case TypeLeaveRoom:
		return &LeaveRoom{}
	case TypeRoomJoined:
		return &RoomJoined{}
	case TypeRoomUserJoined:
		return &RoomUserJoined{}
	case TypeRoomUserLeft:
		return &RoomUserLeft{}
	case TypeRoomOffer:
		return &RoomOffer{}
	case TypeRoomAnswer:
		return &RoomAnswer{}
	case TypeRoomICE:
		return &RoomICE{}
	case TypePresenceCheck:
		return &PresenceCheck{}
	case TypePresencePong:
		return &PresencePong{}
	case TypeUserStatus:
		return &UserStatus{}
	case TypeChatMessage:
		return &ChatMessage{}
	case TypeError:
		return &Error{}
	}
	return nil
}

// Decode parses one frame into its variant. Frames with an unknown type or
// missing required fields are rejected rather than partially decoded.
func Decode(data []byte) (Message, error) {
	var envelope struct {
		Type MessageType `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	msg := newMessage(envelope.Type)
	if msg == nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, envelope.Type)
	}
	if err := json.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, envelope.Type, err)
	}
	if v, ok := msg.(validator); ok {
		if err := v.validate(); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, envelope.Type, err)
		}
	}
	return msg, nil
}

// Encode renders msg as a JSON object with its "type" tag first.
func Encode(msg Message) ([]byte, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s: %w", msg.Type(), err)
	}
	tag, err := json.Marshal(msg.Type())
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, len(body)+len(tag)+9)
	out = append(out, `{"type":`...)
	out = append(out, tag...)
	if len(body) > 2 {
		out = append(out, ',')
		out = append(out, body[1:]...)
		return out, nil
	}
	return append(out, '}'), nil
}

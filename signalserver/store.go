/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package signalserver

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"
)

var (
	ErrRoomNotFound = errors.New("room not found")
	ErrRoomExists   = errors.New("room already exists")
)

// RoomRecord is the stored metadata of a room. Live membership is tracked
// alongside it so that every server instance sees the same member count.
type RoomRecord struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	IsPrivate    bool      `json:"isPrivate"`
	PasswordHash []byte    `json:"passwordHash,omitempty"`
	CreatorID    string    `json:"creatorId"`
	Capacity     int       `json:"capacity"`
	Created      time.Time `json:"created"`
}

// SetPassword stores a bcrypt hash of password.
func (r *RoomRecord) SetPassword(password string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	r.PasswordHash = hash
	return nil
}

// CheckPassword reports whether password opens the room. Public rooms
// accept anything.
func (r *RoomRecord) CheckPassword(password string) bool {
	if !r.IsPrivate {
		return true
	}
	return bcrypt.CompareHashAndPassword(r.PasswordHash, []byte(password)) == nil
}

// RoomStore persists rooms and their membership.
type RoomStore interface {
	Create(ctx context.Context, room *RoomRecord) error
	Get(ctx context.Context, roomID string) (*RoomRecord, error)
	List(ctx context.Context) ([]RoomRecord, error)
	Delete(ctx context.Context, roomID string) error

	AddMember(ctx context.Context, roomID, userID string) error
	RemoveMember(ctx context.Context, roomID, userID string) error
	MemberCount(ctx context.Context, roomID string) (int, error)
}

// MemoryRoomStore keeps rooms in process memory.
type MemoryRoomStore struct {
	mu      sync.RWMutex
	rooms   map[string]RoomRecord
	members map[string]map[string]struct{}
}

func NewMemoryRoomStore() *MemoryRoomStore {
	return &MemoryRoomStore{
		rooms:   make(map[string]RoomRecord),
		members: make(map[string]map[string]struct{}),
	}
}

func (s *MemoryRoomStore) Create(ctx context.Context, room *RoomRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rooms[room.ID]; ok {
		return ErrRoomExists
	}
	s.rooms[room.ID] = *room
	return nil
}

func (s *MemoryRoomStore) Get(ctx context.Context, roomID string) (*RoomRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	room, ok := s.rooms[roomID]
	if !ok {
		return nil, ErrRoomNotFound
	}
	return &room, nil
}

func (s *MemoryRoomStore) List(ctx context.Context) ([]RoomRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]RoomRecord, 0, len(s.rooms))
	for _, r := range s.rooms {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Created.After(out[j].Created) })
	return out, nil
}

func (s *MemoryRoomStore) Delete(ctx context.Context, roomID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rooms[roomID]; !ok {
		return ErrRoomNotFound
	}
	delete(s.rooms, roomID)
	delete(s.members, roomID)
	return nil
}

func (s *MemoryRoomStore) AddMember(ctx context.Context, roomID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rooms[roomID]; !ok {
		return ErrRoomNotFound
	}
	set := s.members[roomID]
	if set == nil {
		set = make(map[string]struct{})
		s.members[roomID] = set
	}
	set[userID] = struct{}{}
	return nil
}

func (s *MemoryRoomStore) RemoveMember(ctx context.Context, roomID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.members[roomID], userID)
	return nil
}

func (s *MemoryRoomStore) MemberCount(ctx context.Context, roomID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.members[roomID]), nil
}

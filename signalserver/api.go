/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package signalserver

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/tejzpr/callmesh/calling"
)

const (
	defaultHistoryPage = 50
	maxHistoryPage     = 100
)

type tokenRequest struct {
	UserID string `json:"userId" binding:"required"`
}

type tokenResponse struct {
	Token     string    `json:"token"`
	UserID    string    `json:"userId"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// issueToken hands out a user token for any id. It stands in for a real
// login flow.
func (s *Server) issueToken(c *gin.Context) {
	var req tokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "userId is required"})
		return
	}
	userID := strings.TrimSpace(req.UserID)
	if userID == "" || strings.HasPrefix(userID, "guest-") {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid userId"})
		return
	}
	token, expires, err := s.tokens.IssueUser(userID)
	if err != nil {
		s.logger.Error("issuing token", "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to generate token"})
		return
	}
	c.JSON(http.StatusOK, tokenResponse{Token: token, UserID: userID, ExpiresAt: expires})
}

func (s *Server) iceServers(c *gin.Context) {
	servers := s.config.ICEServers
	if servers == nil {
		servers = []ICEServer{}
	}
	c.JSON(http.StatusOK, gin.H{"iceServers": servers})
}

func (s *Server) submitHistory(c *gin.Context) {
	var rec calling.HistoryRecord
	if err := c.ShouldBindJSON(&rec); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}
	rec.ID = ""
	rec.OwnerID = claimsFrom(c).UserID
	if err := rec.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	normalizeTimes(&rec, time.Now().UTC())

	saved, created, err := s.history.Add(c.Request.Context(), &rec)
	if err != nil {
		s.logger.Error("storing call history", "owner", rec.OwnerID, "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to store call history"})
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	c.JSON(status, saved)
}

func (s *Server) listHistory(c *gin.Context) {
	max := defaultHistoryPage
	if v := c.Query("max"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "max must be a positive integer"})
			return
		}
		max = min(n, maxHistoryPage)
	}

	items, err := s.history.List(c.Request.Context(), claimsFrom(c).UserID, max)
	if err != nil {
		s.logger.Error("listing call history", "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list call history"})
		return
	}
	if items == nil {
		items = []calling.HistoryRecord{}
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

type createRoomRequest struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	IsPrivate bool   `json:"isPrivate"`
	Password  string `json:"password"`
	Capacity  int    `json:"capacity"`
}

// roomView is the public shape of a room. It never carries the password.
type roomView struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	IsPrivate   bool      `json:"isPrivate"`
	CreatorID   string    `json:"creatorId"`
	Active      bool      `json:"active"`
	MemberCount int       `json:"memberCount"`
	Capacity    int       `json:"capacity"`
	Created     time.Time `json:"created"`
}

func (s *Server) view(c *gin.Context, room *RoomRecord) roomView {
	count, err := s.rooms.MemberCount(c.Request.Context(), room.ID)
	if err != nil {
		s.logger.Warn("counting room members", "room", room.ID, "err", err)
	}
	return roomView{
		ID:          room.ID,
		Name:        room.Name,
		IsPrivate:   room.IsPrivate,
		CreatorID:   room.CreatorID,
		Active:      count > 0,
		MemberCount: count,
		Capacity:    room.Capacity,
		Created:     room.Created,
	}
}

func (s *Server) createRoom(c *gin.Context) {
	var req createRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	switch {
	case req.Name == "":
		c.JSON(http.StatusBadRequest, gin.H{"error": msgNameRequired})
		return
	case req.IsPrivate && req.Password == "":
		c.JSON(http.StatusBadRequest, gin.H{"error": msgPasswordRequired})
		return
	case req.Capacity != 0 && (req.Capacity < 2 || req.Capacity > s.config.RoomCapacity):
		c.JSON(http.StatusBadRequest, gin.H{"error": "capacity must be between 2 and " + strconv.Itoa(s.config.RoomCapacity)})
		return
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.Capacity == 0 {
		req.Capacity = s.config.RoomCapacity
	}

	room := &RoomRecord{
		ID:        req.ID,
		Name:      req.Name,
		IsPrivate: req.IsPrivate,
		CreatorID: claimsFrom(c).UserID,
		Capacity:  req.Capacity,
		Created:   time.Now().UTC(),
	}
	if req.IsPrivate {
		if err := room.SetPassword(req.Password); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create room"})
			return
		}
	}

	if err := s.rooms.Create(c.Request.Context(), room); err != nil {
		if errors.Is(err, ErrRoomExists) {
			c.JSON(http.StatusConflict, gin.H{"error": msgRoomExists})
			return
		}
		s.logger.Error("creating room", "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create room"})
		return
	}
	s.logger.Info("room created", "room", room.ID, "creator", room.CreatorID)
	c.JSON(http.StatusCreated, s.view(c, room))
}

func (s *Server) listRooms(c *gin.Context) {
	rooms, err := s.rooms.List(c.Request.Context())
	if err != nil {
		s.logger.Error("listing rooms", "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list rooms"})
		return
	}

	max := 0
	if v := c.Query("max"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			max = n
		}
	}
	activeOnly := c.Query("active") == "true"

	items := make([]roomView, 0, len(rooms))
	for i := range rooms {
		v := s.view(c, &rooms[i])
		if activeOnly && !v.Active {
			continue
		}
		items = append(items, v)
		if max > 0 && len(items) == max {
			break
		}
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

func (s *Server) loadRoom(c *gin.Context) (*RoomRecord, bool) {
	room, err := s.rooms.Get(c.Request.Context(), c.Param("roomId"))
	if errors.Is(err, ErrRoomNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": msgRoomNotFound})
		return nil, false
	}
	if err != nil {
		s.logger.Error("loading room", "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load room"})
		return nil, false
	}
	return room, true
}

func (s *Server) getRoom(c *gin.Context) {
	room, ok := s.loadRoom(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, s.view(c, room))
}

func (s *Server) deleteRoom(c *gin.Context) {
	room, ok := s.loadRoom(c)
	if !ok {
		return
	}
	if room.CreatorID != claimsFrom(c).UserID {
		c.JSON(http.StatusForbidden, gin.H{"error": "Only the room creator can delete the room"})
		return
	}
	if err := s.rooms.Delete(c.Request.Context(), room.ID); err != nil && !errors.Is(err, ErrRoomNotFound) {
		s.logger.Error("deleting room", "room", room.ID, "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to delete room"})
		return
	}
	s.hub.CloseRoom(room.ID)
	s.logger.Info("room deleted", "room", room.ID)
	c.Status(http.StatusNoContent)
}

type inviteRequest struct {
	Name       string `json:"name"`
	TTLSeconds int    `json:"ttlSeconds"`
}

type inviteResponse struct {
	Token     string    `json:"token"`
	RoomID    string    `json:"roomId"`
	GuestID   string    `json:"guestId"`
	ExpiresAt time.Time `json:"expiresAt"`
}

func (s *Server) createInvite(c *gin.Context) {
	room, ok := s.loadRoom(c)
	if !ok {
		return
	}
	if room.CreatorID != claimsFrom(c).UserID {
		c.JSON(http.StatusForbidden, gin.H{"error": "Only the room creator can invite guests"})
		return
	}
	var req inviteRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
			return
		}
	}
	if req.TTLSeconds < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "ttlSeconds must not be negative"})
		return
	}

	claims, token, expires, err := s.tokens.IssueGuest(room.ID, strings.TrimSpace(req.Name), time.Duration(req.TTLSeconds)*time.Second)
	if err != nil {
		s.logger.Error("issuing guest token", "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to generate token"})
		return
	}
	c.JSON(http.StatusCreated, inviteResponse{
		Token:     token,
		RoomID:    room.ID,
		GuestID:   claims.GuestID,
		ExpiresAt: expires,
	})
}

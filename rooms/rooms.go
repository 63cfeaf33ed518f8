/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package rooms

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/tejzpr/callmesh/meshsdk"
)

// Room represents a call room
type Room struct {
	ID          string     `json:"id,omitempty"`
	Name        string     `json:"name,omitempty"`
	IsPrivate   bool       `json:"isPrivate,omitempty"`
	Password    string     `json:"password,omitempty"`
	CreatorID   string     `json:"creatorId,omitempty"`
	Active      bool       `json:"active"`
	MemberCount int        `json:"memberCount"`
	Capacity    int        `json:"capacity,omitempty"`
	Created     *time.Time `json:"created,omitempty"`
}

// ListOptions contains the options for listing rooms
type ListOptions struct {
	// ActiveOnly limits the list to rooms that have members.
	ActiveOnly bool
	Max        int
}

// RoomsPage represents a paginated list of rooms
type RoomsPage struct {
	Items []Room `json:"items"`
	*meshsdk.Page
}

// Invite is a guest invitation to a room. Token is what a guest joins
// with.
type Invite struct {
	Token     string     `json:"token"`
	RoomID    string     `json:"roomId,omitempty"`
	GuestID   string     `json:"guestId,omitempty"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

// InviteOptions describe a guest invitation.
type InviteOptions struct {
	// Name is shown to the room as the guest's display name.
	Name string `json:"name,omitempty"`
	// TTL is how long the token stays valid. Zero uses the server default.
	TTL time.Duration `json:"-"`
}

// Config holds the configuration for the Rooms plugin
type Config struct {
	// RequestTimeout bounds each call when the context has no deadline.
	RequestTimeout time.Duration
}

// DefaultConfig returns the default configuration for the Rooms plugin
func DefaultConfig() *Config {
	return &Config{RequestTimeout: 10 * time.Second}
}

// Client is the rooms API client
type Client struct {
	core   *meshsdk.Client
	config *Config
}

// New creates a new Rooms plugin
func New(core *meshsdk.Client, config *Config) *Client {
	if config == nil {
		config = DefaultConfig()
	}

	return &Client{
		core:   core,
		config: config,
	}
}

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); !ok && c.config.RequestTimeout > 0 {
		return context.WithTimeout(ctx, c.config.RequestTimeout)
	}
	return context.WithCancel(ctx)
}

// Create creates a new room. A private room needs a password.
func (c *Client) Create(ctx context.Context, room *Room) (*Room, error) {
	if room == nil || room.Name == "" {
		return nil, fmt.Errorf("name is required")
	}
	if room.IsPrivate && room.Password == "" {
		return nil, fmt.Errorf("password is required for a private room")
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	resp, err := c.core.RequestWithContext(ctx, http.MethodPost, "rooms", nil, room)
	if err != nil {
		return nil, err
	}

	var result Room
	if err := meshsdk.ParseResponse(resp, &result); err != nil {
		return nil, err
	}

	return &result, nil
}

// Get returns a single room by ID
func (c *Client) Get(ctx context.Context, roomID string) (*Room, error) {
	if roomID == "" {
		return nil, fmt.Errorf("roomID is required")
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	resp, err := c.core.RequestWithRetry(ctx, http.MethodGet, "rooms/"+url.PathEscape(roomID), nil, nil)
	if err != nil {
		return nil, err
	}

	var room Room
	if err := meshsdk.ParseResponse(resp, &room); err != nil {
		return nil, err
	}

	return &room, nil
}

// List returns a list of rooms
func (c *Client) List(ctx context.Context, options *ListOptions) (*RoomsPage, error) {
	if options == nil {
		options = &ListOptions{}
	}

	params := url.Values{}
	if options.ActiveOnly {
		params.Set("active", "true")
	}
	if options.Max > 0 {
		params.Set("max", strconv.Itoa(options.Max))
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	resp, err := c.core.RequestWithRetry(ctx, http.MethodGet, "rooms", params, nil)
	if err != nil {
		return nil, err
	}

	page, err := meshsdk.NewPage(resp, c.core)
	if err != nil {
		return nil, err
	}

	roomsPage := &RoomsPage{
		Page:  page,
		Items: make([]Room, len(page.Items)),
	}
	for i, item := range page.Items {
		if err := json.Unmarshal(item, &roomsPage.Items[i]); err != nil {
			return nil, fmt.Errorf("error parsing room: %w", err)
		}
	}

	return roomsPage, nil
}

// Delete removes a room
func (c *Client) Delete(ctx context.Context, roomID string) error {
	if roomID == "" {
		return fmt.Errorf("roomID is required")
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	resp, err := c.core.RequestWithContext(ctx, http.MethodDelete, "rooms/"+url.PathEscape(roomID), nil, nil)
	if err != nil {
		return err
	}
	if err := meshsdk.ParseResponse(resp, nil); err != nil {
		return err
	}

	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	return nil
}

// CreateInvite issues a guest token for roomID.
func (c *Client) CreateInvite(ctx context.Context, roomID string, options *InviteOptions) (*Invite, error) {
	if roomID == "" {
		return nil, fmt.Errorf("roomID is required")
	}
	if options == nil {
		options = &InviteOptions{}
	}
	body := struct {
		Name       string `json:"name,omitempty"`
		TTLSeconds int    `json:"ttlSeconds,omitempty"`
	}{Name: options.Name, TTLSeconds: int(options.TTL / time.Second)}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	resp, err := c.core.RequestWithContext(ctx, http.MethodPost, "rooms/"+url.PathEscape(roomID)+"/invites", nil, body)
	if err != nil {
		return nil, err
	}

	var invite Invite
	if err := meshsdk.ParseResponse(resp, &invite); err != nil {
		return nil, err
	}
	if invite.Token == "" {
		return nil, fmt.Errorf("server returned an empty invite token")
	}

	return &invite, nil
}

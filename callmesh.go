/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package callmesh

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/tejzpr/callmesh/activity"
	"github.com/tejzpr/callmesh/calling"
	"github.com/tejzpr/callmesh/guest"
	"github.com/tejzpr/callmesh/meshsdk"
	"github.com/tejzpr/callmesh/roomcall"
	"github.com/tejzpr/callmesh/rooms"
	"github.com/tejzpr/callmesh/rtc"
	"github.com/tejzpr/callmesh/signaling"
)

// Config holds the configuration for a Client. Nil sections use each
// package's defaults.
type Config struct {
	REST      *meshsdk.Config
	Transport *signaling.Config
	Calling   *calling.Config
	Rooms     *rooms.Config
	RTC       *rtc.Config

	// Factory overrides the pion peer connection factory built from RTC.
	Factory rtc.Factory
	Devices rtc.MediaDevices
	Output  rtc.AudioOutput

	// Outbox records history submissions that failed.
	Outbox calling.HistoryOutbox
	// OnHistoryChanged is called when the history list should be refetched.
	OnHistoryChanged func()

	Logger meshsdk.Logger
}

// Client is the top-level callmesh client for one signed-in user. It shares
// one signaling transport between the direct-call and room-call managers.
type Client struct {
	userID string
	config *Config
	logger meshsdk.Logger

	// Core client for the REST API
	core      *meshsdk.Client
	transport *signaling.Transport
	factory   rtc.Factory
	guard     *activity.Guard
	reporter  *calling.HistoryReporter

	calls     *calling.Manager
	roomCalls *roomcall.Manager

	// Mutex for lazy initialization of the REST plugins
	mu            sync.Mutex
	callingClient *calling.Client
	roomsClient   *rooms.Client
}

// NewClient creates a client for userID authenticated by token. It does not
// connect; call Connect once handlers are registered.
func NewClient(userID, token string, config *Config) (*Client, error) {
	if userID == "" {
		return nil, errors.New("user id cannot be empty")
	}
	if config == nil {
		config = &Config{}
	}
	cfg := *config
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	if cfg.Devices == nil {
		cfg.Devices = rtc.DefaultDevices()
	}
	if cfg.Output == nil {
		cfg.Output = rtc.NopOutput{}
	}

	restCfg := meshsdk.DefaultConfig()
	if cfg.REST != nil {
		rc := *cfg.REST
		restCfg = &rc
	}
	if restCfg.Logger == nil {
		restCfg.Logger = cfg.Logger
	}
	core, err := meshsdk.NewClient(token, restCfg)
	if err != nil {
		return nil, err
	}

	factory := cfg.Factory
	if factory == nil {
		pf, err := rtc.NewFactory(cfg.RTC)
		if err != nil {
			return nil, fmt.Errorf("creating peer connection factory: %w", err)
		}
		factory = pf
	}

	transportCfg := signaling.DefaultConfig()
	if cfg.Transport != nil {
		tc := *cfg.Transport
		transportCfg = &tc
	}
	if transportCfg.Logger == nil {
		transportCfg.Logger = cfg.Logger
	}

	c := &Client{
		userID:    userID,
		config:    &cfg,
		logger:    cfg.Logger,
		core:      core,
		transport: signaling.New(transportCfg),
		factory:   factory,
		guard:     &activity.Guard{},
	}

	c.reporter = calling.NewHistoryReporter(&calling.ReporterConfig{
		Submitter:        c.Calling().History(),
		Outbox:           cfg.Outbox,
		OnHistoryChanged: cfg.OnHistoryChanged,
		Logger:           cfg.Logger,
	})

	c.calls, err = calling.NewManager(&calling.ManagerConfig{
		Self:       userID,
		Channel:    c.transport,
		Factory:    factory,
		Devices:    cfg.Devices,
		ICEServers: c.iceServers,
		Output:     cfg.Output,
		Reporter:   c.reporter,
		Guard:      c.guard,
		Logger:     cfg.Logger,
	})
	if err != nil {
		return nil, err
	}

	c.roomCalls, err = roomcall.New(&roomcall.Config{
		Self:       userID,
		Channel:    c.transport,
		Factory:    factory,
		Devices:    cfg.Devices,
		ICEServers: c.iceServers,
		Output:     cfg.Output,
		Reporter:   c.reporter,
		Guard:      c.guard,
		Logger:     cfg.Logger,
	})
	if err != nil {
		c.calls.Close()
		return nil, err
	}
	return c, nil
}

func (c *Client) iceServers(ctx context.Context) []webrtc.ICEServer {
	return c.Calling().ICEServers().Fetch(ctx)
}

// UserID returns the signed-in user
func (c *Client) UserID() string { return c.userID }

// Core returns the REST core client
func (c *Client) Core() *meshsdk.Client { return c.core }

// Transport returns the shared signaling transport
func (c *Client) Transport() *signaling.Transport { return c.transport }

// Calling returns the Calling plugin (history and ICE servers)
func (c *Client) Calling() *calling.Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.callingClient == nil {
		c.callingClient = calling.New(c.core, c.config.Calling)
	}
	return c.callingClient
}

// Rooms returns the Rooms plugin
func (c *Client) Rooms() *rooms.Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.roomsClient == nil {
		c.roomsClient = rooms.New(c.core, c.config.Rooms)
	}
	return c.roomsClient
}

// Calls returns the direct-call manager
func (c *Client) Calls() *calling.Manager { return c.calls }

// RoomCalls returns the room-call manager
func (c *Client) RoomCalls() *roomcall.Manager { return c.roomCalls }

// History returns the shared history reporter
func (c *Client) History() *calling.HistoryReporter { return c.reporter }

// Connect opens the signaling connection as the client's user.
func (c *Client) Connect(ctx context.Context) error {
	return c.transport.Connect(ctx, signaling.Identity{
		UserID: c.userID,
		Token:  c.core.GetAccessToken(),
	})
}

// NewGuestSession creates a guest session for an invite token. Guests have
// no REST access, so peers use the RTC config's ICE servers.
func NewGuestSession(token string, config *Config) (*guest.Session, error) {
	if config == nil {
		config = &Config{}
	}
	factory := config.Factory
	if factory == nil {
		pf, err := rtc.NewFactory(config.RTC)
		if err != nil {
			return nil, fmt.Errorf("creating peer connection factory: %w", err)
		}
		factory = pf
	}
	devices := config.Devices
	if devices == nil {
		devices = rtc.DefaultDevices()
	}
	return guest.New(&guest.Config{
		Token:     token,
		Transport: config.Transport,
		Factory:   factory,
		Devices:   devices,
		Output:    config.Output,
		Logger:    config.Logger,
	}), nil
}

// Close ends any call or room session and disconnects.
func (c *Client) Close() {
	c.calls.Close()
	c.roomCalls.Close()
	c.transport.Disconnect()
}

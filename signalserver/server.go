/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

// Package signalserver is a reference signaling server for callmesh
// clients: a REST API for tokens, rooms, ICE servers and call history, and
// a WebSocket hub that relays the signaling protocol.
package signalserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// ICEServer is one STUN/TURN entry handed to clients.
type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

// Config holds the configuration for a Server
type Config struct {
	JWTSecret     string
	TokenTTL      time.Duration
	GuestTokenTTL time.Duration

	// AllowedOrigins restricts browser origins. Empty allows all.
	AllowedOrigins []string

	ICEServers       []ICEServer
	RoomCapacity     int
	PresenceInterval time.Duration

	// Rooms and History default to in-memory stores.
	Rooms   RoomStore
	History HistoryStore

	Logger *slog.Logger
}

// DefaultConfig returns the default configuration for a Server
func DefaultConfig() *Config {
	return &Config{
		TokenTTL:         24 * time.Hour,
		GuestTokenTTL:    2 * time.Hour,
		RoomCapacity:     8,
		PresenceInterval: 30 * time.Second,
	}
}

type Server struct {
	config  *Config
	logger  *slog.Logger
	tokens  *TokenIssuer
	rooms   RoomStore
	history HistoryStore
	hub     *Hub
	engine  *gin.Engine
}

func New(config *Config) (*Server, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if len(config.JWTSecret) < 16 {
		return nil, errors.New("jwt secret must be at least 16 bytes")
	}
	cfg := *config
	defaults := DefaultConfig()
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = defaults.TokenTTL
	}
	if cfg.GuestTokenTTL <= 0 {
		cfg.GuestTokenTTL = defaults.GuestTokenTTL
	}
	if cfg.RoomCapacity <= 0 {
		cfg.RoomCapacity = defaults.RoomCapacity
	}
	if cfg.Rooms == nil {
		cfg.Rooms = NewMemoryRoomStore()
	}
	if cfg.History == nil {
		cfg.History = NewMemoryHistoryStore()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	s := &Server{
		config:  &cfg,
		logger:  cfg.Logger,
		tokens:  NewTokenIssuer(cfg.JWTSecret, cfg.TokenTTL, cfg.GuestTokenTTL),
		rooms:   cfg.Rooms,
		history: cfg.History,
	}
	s.hub = NewHub(HubConfig{
		Rooms:            cfg.Rooms,
		Tokens:           s.tokens,
		RoomCapacity:     cfg.RoomCapacity,
		PresenceInterval: cfg.PresenceInterval,
		AllowedOrigins:   cfg.AllowedOrigins,
		Logger:           cfg.Logger,
	})
	s.engine = s.routes()
	return s, nil
}

func (s *Server) Handler() http.Handler { return s.engine }

func (s *Server) Hub() *Hub { return s.hub }

func (s *Server) Tokens() *TokenIssuer { return s.tokens }

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger(), originFilter(s.config.AllowedOrigins))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := r.Group("/api")
	{
		api.POST("/auth/token", s.issueToken)

		authed := api.Group("", s.tokens.requireAuth())
		authed.GET("/ice-servers", s.iceServers)
		authed.POST("/call-history", s.submitHistory)
		authed.GET("/call-history", s.listHistory)
		authed.POST("/rooms", s.createRoom)
		authed.GET("/rooms", s.listRooms)
		authed.GET("/rooms/:roomId", s.getRoom)
		authed.DELETE("/rooms/:roomId", s.deleteRoom)
		authed.POST("/rooms/:roomId/invites", s.createInvite)
	}

	r.GET("/ws", s.hub.ServeWS)
	return r
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("http request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start))
	}
}

// originFilter rejects browser requests from origins outside allowed and
// answers CORS preflights. An empty list allows every origin.
func originFilter(allowed []string) gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin != "" {
			ok := len(allowed) == 0
			for _, a := range allowed {
				if origin == a {
					ok = true
					break
				}
			}
			if !ok {
				c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "Origin not allowed"})
				return
			}
			c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
			c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
			c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		}
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// Run serves on addr until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	hubCtx, stopHub := context.WithCancel(ctx)
	defer stopHub()
	go s.hub.Run(hubCtx)

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("signal server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serving: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

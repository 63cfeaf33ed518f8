/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

// Command signal-server runs the reference callmesh signaling server.
//
// Usage:
//
//	CONFIG_PATH=config.yaml CALLMESH_JWT_SECRET=... go run ./cmd/signal-server
package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"

	"github.com/tejzpr/callmesh/config"
	"github.com/tejzpr/callmesh/logger"
	"github.com/tejzpr/callmesh/signalserver"
)

func main() {
	// --- config ---
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if err := cfg.RequireServerSecret(); err != nil {
		log.Fatalf("config: %v", err)
	}

	lg := logger.Init(cfg.LoggerConfig())
	lg.Info("starting signal-server", "env", cfg.Logging.Env, "version", cfg.Logging.Version)

	if logger.ParseEnv(cfg.Logging.Env) == logger.EnvProd {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srvCfg := signalserver.DefaultConfig()
	srvCfg.JWTSecret = cfg.Server.JWTSecret
	srvCfg.TokenTTL = cfg.Server.TokenTTL
	srvCfg.GuestTokenTTL = cfg.Server.GuestTokenTTL
	srvCfg.AllowedOrigins = cfg.Server.AllowedOrigins
	srvCfg.RoomCapacity = cfg.Server.RoomCapacity
	srvCfg.PresenceInterval = cfg.Server.PresenceInterval
	srvCfg.Logger = lg
	for _, ice := range cfg.Server.ICEServers {
		srvCfg.ICEServers = append(srvCfg.ICEServers, signalserver.ICEServer{
			URLs:       ice.URLs,
			Username:   ice.Username,
			Credential: ice.Credential,
		})
	}

	// --- redis ---
	if cfg.Server.RedisAddr != "" {
		rooms, err := signalserver.NewRedisRoomStore(ctx, signalserver.RedisConfig{
			Addr:     cfg.Server.RedisAddr,
			Password: cfg.Server.RedisPassword,
			DB:       cfg.Server.RedisDB,
		})
		if err != nil {
			fatal(lg, "redis", err)
		}
		defer rooms.Close()
		srvCfg.Rooms = rooms
		lg.Info("redis room store ready", "addr", cfg.Server.RedisAddr)
	}

	// --- postgres ---
	if cfg.Server.PostgresDSN != "" {
		history, err := signalserver.NewPostgresHistoryStore(ctx, signalserver.PostgresConfig{
			DSN:             cfg.Server.PostgresDSN,
			ApplicationName: cfg.Logging.Service,
		})
		if err != nil {
			fatal(lg, "postgres", err)
		}
		defer history.Close()
		srvCfg.History = history
		lg.Info("postgres history store ready")
	}

	srv, err := signalserver.New(srvCfg)
	if err != nil {
		fatal(lg, "signal server", err)
	}
	if err := srv.Run(ctx, cfg.Server.Addr); err != nil {
		fatal(lg, "serve", err)
	}
	lg.Info("signal-server stopped")
}

func fatal(lg *slog.Logger, what string, err error) {
	lg.Error(what, "err", err)
	os.Exit(1)
}

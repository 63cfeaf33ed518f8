/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

// Package logger builds the structured logger used by the callmesh
// binaries and adapts it to the Printf interface the libraries accept.
package logger

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	mu  sync.Mutex
	def *slog.Logger
)

// New builds a logger for cfg without touching the slog default.
func New(cfg Config) *slog.Logger {
	if cfg.Env == "" {
		cfg.Env = DetectEnv()
	}
	if cfg.Service == "" {
		cfg.Service = "callmesh"
	}
	if cfg.Output == nil {
		cfg.Output = os.Stdout
	}
	cfg.InstanceID = ensureInstanceID(cfg.InstanceID)

	if cfg.Backend == "" {
		if cfg.Env == EnvDev {
			cfg.Backend = BackendStd
		} else {
			cfg.Backend = BackendZap
		}
	}

	var h slog.Handler
	switch cfg.Backend {
	case BackendZap:
		h = newZapHandler(cfg)
	default:
		h = newStdHandler(cfg)
	}

	return slog.New(h.WithAttrs(commonAttrs(cfg)))
}

// Init builds a logger for cfg and installs it as the slog default.
func Init(cfg Config) *slog.Logger {
	l := New(cfg)
	slog.SetDefault(l)

	mu.Lock()
	def = l
	mu.Unlock()
	return l
}

// L returns the logger installed by Init, initializing one from the
// environment if Init was never called.
func L() *slog.Logger {
	mu.Lock()
	l := def
	mu.Unlock()
	if l != nil {
		return l
	}
	return Init(Config{})
}

func ensureInstanceID(v string) string {
	if v != "" {
		return v
	}
	hn, _ := os.Hostname()
	return hn + "-" + uuid.New().String()[:8]
}

func commonAttrs(cfg Config) []slog.Attr {
	return []slog.Attr{
		slog.String("service", cfg.Service),
		slog.String("env", string(cfg.Env)),
		slog.String("version", cfg.Version),
		slog.String("instance_id", cfg.InstanceID),
		slog.Time("started_at", time.Now()),
	}
}

// PrintfLogger satisfies meshsdk.Logger on top of slog.
type PrintfLogger struct {
	l     *slog.Logger
	level slog.Level
}

// Printf adapts l for the callmesh libraries. Messages are logged at info
// level.
func Printf(l *slog.Logger) *PrintfLogger {
	if l == nil {
		l = L()
	}
	return &PrintfLogger{l: l, level: slog.LevelInfo}
}

// AtLevel returns a copy that logs every message at level.
func (p *PrintfLogger) AtLevel(level slog.Level) *PrintfLogger {
	return &PrintfLogger{l: p.l, level: level}
}

func (p *PrintfLogger) Printf(format string, args ...interface{}) {
	p.l.Log(context.Background(), p.level, fmt.Sprintf(format, args...))
}

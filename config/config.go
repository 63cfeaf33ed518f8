/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

// Package config loads the callmesh YAML configuration and applies
// CALLMESH_* environment overrides on top of it.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const defaultPath = "config.yaml"

// Client configures the calling client binaries.
type Client struct {
	BaseURL        string        `yaml:"baseUrl"`      // REST base, e.g. http://localhost:8080/api
	SignalingURL   string        `yaml:"signalingUrl"` // ws://localhost:8080/ws
	Token          string        `yaml:"token"`
	UserID         string        `yaml:"userId"`
	ReconnectDelay time.Duration `yaml:"reconnectDelay"`
	RequestTimeout time.Duration `yaml:"requestTimeout"`
	OutboxPath     string        `yaml:"outboxPath"`
}

type ICEServer struct {
	URLs       []string `yaml:"urls"`
	Username   string   `yaml:"username"`
	Credential string   `yaml:"credential"`
}

// Server configures the reference signaling server.
type Server struct {
	Addr           string        `yaml:"addr"`
	JWTSecret      string        `yaml:"jwtSecret"`
	TokenTTL       time.Duration `yaml:"tokenTtl"`
	GuestTokenTTL  time.Duration `yaml:"guestTokenTtl"`
	AllowedOrigins []string      `yaml:"allowedOrigins"`

	// RedisAddr selects the Redis room store; empty keeps rooms in memory.
	RedisAddr     string `yaml:"redisAddr"`
	RedisPassword string `yaml:"redisPassword"`
	RedisDB       int    `yaml:"redisDb"`

	// PostgresDSN selects the Postgres history store; empty keeps history
	// in memory.
	PostgresDSN string `yaml:"postgresDsn"`

	ICEServers       []ICEServer   `yaml:"iceServers"`
	RoomCapacity     int           `yaml:"roomCapacity"`
	PresenceInterval time.Duration `yaml:"presenceInterval"`
}

type Logging struct {
	Env       string `yaml:"env"`     // dev|stage|prod
	Service   string `yaml:"service"` // signal-server
	Version   string `yaml:"version"`
	Backend   string `yaml:"backend"` // std|zap
	Level     string `yaml:"level"`   // debug|info|warn|error
	AddSource bool   `yaml:"addSource"`
	Debug     bool   `yaml:"debug"`
}

type Config struct {
	Client  Client  `yaml:"client"`
	Server  Server  `yaml:"server"`
	Logging Logging `yaml:"logging"`
}

// Load reads CONFIG_PATH (default config.yaml). A missing default file is
// not an error: the environment and defaults are enough to run locally.
func Load() (*Config, error) {
	path := os.Getenv("CONFIG_PATH")
	explicit := path != ""
	if !explicit {
		path = defaultPath
	}

	cfg, err := LoadFile(path)
	if err != nil && !explicit && errors.Is(err, fs.ErrNotExist) {
		cfg = &Config{}
		if err := cfg.finish(); err != nil {
			return nil, err
		}
		return cfg, nil
	}
	return cfg, err
}

// LoadFile reads the YAML file at path, then applies the environment.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse decodes YAML, then applies the environment.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.finish(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) finish() error {
	if err := c.applyEnv(); err != nil {
		return err
	}
	return c.validate()
}

func (c *Config) applyEnv() error {
	setString(&c.Client.BaseURL, "CALLMESH_BASE_URL")
	setString(&c.Client.SignalingURL, "CALLMESH_SIGNALING_URL")
	setString(&c.Client.Token, "CALLMESH_TOKEN")
	setString(&c.Client.UserID, "CALLMESH_USER_ID")
	setString(&c.Client.OutboxPath, "CALLMESH_OUTBOX_PATH")
	if err := setDuration(&c.Client.ReconnectDelay, "CALLMESH_RECONNECT_DELAY"); err != nil {
		return err
	}

	setString(&c.Server.Addr, "CALLMESH_ADDR")
	setString(&c.Server.JWTSecret, "CALLMESH_JWT_SECRET")
	setString(&c.Server.RedisAddr, "CALLMESH_REDIS_ADDR")
	setString(&c.Server.RedisPassword, "CALLMESH_REDIS_PASSWORD")
	setString(&c.Server.PostgresDSN, "CALLMESH_POSTGRES_DSN")
	if v := os.Getenv("CALLMESH_ALLOWED_ORIGINS"); v != "" {
		c.Server.AllowedOrigins = splitList(v)
	}
	if v := os.Getenv("CALLMESH_ROOM_CAPACITY"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: CALLMESH_ROOM_CAPACITY: %w", err)
		}
		c.Server.RoomCapacity = n
	}

	setString(&c.Logging.Env, "APP_ENV")
	setString(&c.Logging.Level, "CALLMESH_LOG_LEVEL")
	setString(&c.Logging.Backend, "CALLMESH_LOG_BACKEND")
	return nil
}

func (c *Config) validate() error {
	if c.Client.BaseURL == "" {
		c.Client.BaseURL = "http://localhost:8080/api"
	}
	if c.Client.SignalingURL == "" {
		c.Client.SignalingURL = "ws://localhost:8080/ws"
	}
	if c.Client.ReconnectDelay == 0 {
		c.Client.ReconnectDelay = 3 * time.Second
	}
	if c.Client.RequestTimeout == 0 {
		c.Client.RequestTimeout = 30 * time.Second
	}
	if c.Client.OutboxPath == "" {
		c.Client.OutboxPath = "callmesh-outbox.db"
	}

	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Server.TokenTTL == 0 {
		c.Server.TokenTTL = 24 * time.Hour
	}
	if c.Server.GuestTokenTTL == 0 {
		c.Server.GuestTokenTTL = 2 * time.Hour
	}
	if c.Server.RoomCapacity == 0 {
		c.Server.RoomCapacity = 8
	}
	if c.Server.RoomCapacity < 2 {
		return errors.New("server.roomCapacity must be at least 2")
	}
	if c.Server.PresenceInterval == 0 {
		c.Server.PresenceInterval = 30 * time.Second
	}
	for i, s := range c.Server.ICEServers {
		if len(s.URLs) == 0 {
			return fmt.Errorf("server.iceServers[%d].urls is required", i)
		}
	}

	if c.Logging.Service == "" {
		c.Logging.Service = "callmesh"
	}
	if c.Logging.Env == "" {
		c.Logging.Env = "dev"
	}
	if c.Logging.Version == "" {
		c.Logging.Version = "v0.1.0"
	}
	return nil
}

// RequireServerSecret reports whether the server can issue tokens.
func (c *Config) RequireServerSecret() error {
	if len(c.Server.JWTSecret) < 16 {
		return errors.New("server.jwtSecret must be at least 16 bytes")
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setDuration(dst *time.Duration, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("config: %s: %w", key, err)
	}
	*dst = d
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

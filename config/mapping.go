/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package config

import (
	"github.com/tejzpr/callmesh/logger"
	"github.com/tejzpr/callmesh/meshsdk"
	"github.com/tejzpr/callmesh/signaling"
)

// LoggerConfig maps the logging section onto logger.Config.
func (c *Config) LoggerConfig() logger.Config {
	return logger.Config{
		Service:   c.Logging.Service,
		Version:   c.Logging.Version,
		Env:       logger.ParseEnv(c.Logging.Env),
		Backend:   logger.Backend(c.Logging.Backend),
		Level:     logger.ParseLevel(c.Logging.Level),
		Debug:     c.Logging.Debug,
		AddSource: c.Logging.AddSource,
	}
}

// RESTConfig maps the client section onto the REST core configuration.
func (c *Config) RESTConfig(l meshsdk.Logger) *meshsdk.Config {
	cfg := meshsdk.DefaultConfig()
	cfg.BaseURL = c.Client.BaseURL
	cfg.Timeout = c.Client.RequestTimeout
	cfg.Logger = l
	return cfg
}

// TransportConfig maps the client section onto the signaling transport.
func (c *Config) TransportConfig(l meshsdk.Logger) *signaling.Config {
	cfg := signaling.DefaultConfig()
	cfg.URL = c.Client.SignalingURL
	cfg.ReconnectDelay = c.Client.ReconnectDelay
	cfg.Logger = l
	return cfg
}

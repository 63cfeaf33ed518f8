/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

// Package rtc wraps pion/webrtc for the call engines: peer connections with
// pre-provisioned transceivers, early ICE candidate queues, local capture
// streams and per-peer remote audio sinks.
package rtc

import (
	"fmt"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
)

// Config holds peer connection settings shared by every connection a
// Factory creates.
type Config struct {
	// ICEServers is used when the caller supplies no servers of its own.
	ICEServers []webrtc.ICEServer

	DisconnectedTimeout time.Duration
	FailedTimeout       time.Duration
	KeepAliveInterval   time.Duration
}

// DefaultConfig returns a Config with a public STUN server and ICE timeouts
// loose enough to ride out short relay hiccups.
func DefaultConfig() *Config {
	return &Config{
		ICEServers: []webrtc.ICEServer{
			{URLs: []string{"stun:stun.l.google.com:19302"}},
		},
		DisconnectedTimeout: 15 * time.Second,
		FailedTimeout:       60 * time.Second,
		KeepAliveInterval:   2 * time.Second,
	}
}

// NewAPI builds a pion API with the default codecs (Opus, VP8, ...) and the
// default interceptors (NACK, RTCP reports, TWCC).
func NewAPI(config *Config) (*webrtc.API, error) {
	if config == nil {
		config = DefaultConfig()
	}

	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("failed to register codecs: %w", err)
	}

	// A custom MediaEngine needs the interceptors registered explicitly or
	// incoming SRTP is never surfaced through OnTrack.
	i := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, i); err != nil {
		return nil, fmt.Errorf("failed to register default interceptors: %w", err)
	}

	settings := webrtc.SettingEngine{}
	settings.SetICETimeouts(config.DisconnectedTimeout, config.FailedTimeout, config.KeepAliveInterval)

	return webrtc.NewAPI(
		webrtc.WithMediaEngine(m),
		webrtc.WithInterceptorRegistry(i),
		webrtc.WithSettingEngine(settings),
	), nil
}

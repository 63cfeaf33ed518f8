/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package rtc

import (
	"math"
	"sync"
	"sync/atomic"

	"github.com/pion/rtp"
)

// AudioOutput plays remote audio. volume is already clamped to [0, 1].
type AudioOutput interface {
	WriteRTP(peerID string, pkt *rtp.Packet, volume float64) error
}

// NopOutput discards audio.
type NopOutput struct{}

func (NopOutput) WriteRTP(string, *rtp.Packet, float64) error { return nil }

// ClampVolume limits v to [0, 1]. NaN is treated as full volume.
func ClampVolume(v float64) float64 {
	switch {
	case math.IsNaN(v):
		return 1
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

// AudioSink forwards one remote audio track to an AudioOutput at its own
// volume.
type AudioSink struct {
	peerID string
	track  RemoteTrack
	out    AudioOutput

	volume   atomic.Uint64
	released atomic.Bool
	once     sync.Once
}

// NewAudioSink creates a sink. Call Run in its own goroutine.
func NewAudioSink(peerID string, track RemoteTrack, out AudioOutput, volume float64) *AudioSink {
	if out == nil {
		out = NopOutput{}
	}
	s := &AudioSink{peerID: peerID, track: track, out: out}
	s.SetVolume(volume)
	return s
}

// Run reads the track until it ends or the sink is released.
func (s *AudioSink) Run() {
	for {
		pkt, _, err := s.track.ReadRTP()
		if err != nil || s.released.Load() {
			return
		}
		_ = s.out.WriteRTP(s.peerID, pkt, s.Volume())
	}
}

func (s *AudioSink) PeerID() string { return s.peerID }

func (s *AudioSink) SetVolume(v float64) {
	s.volume.Store(math.Float64bits(ClampVolume(v)))
}

func (s *AudioSink) Volume() float64 {
	return math.Float64frombits(s.volume.Load())
}

// Release stops forwarding. The track itself ends when its connection closes.
func (s *AudioSink) Release() {
	s.once.Do(func() { s.released.Store(true) })
}

func (s *AudioSink) Released() bool { return s.released.Load() }

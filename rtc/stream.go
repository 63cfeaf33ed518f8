/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package rtc

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
)

// opusSilence is a single Opus frame that decodes to 20ms of silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

// ErrSourceClosed is returned by a SampleSource after Close.
var ErrSourceClosed = errors.New("rtc: sample source closed")

// SampleSource produces encoded media samples, one per call.
type SampleSource interface {
	ReadSample() (media.Sample, error)
	Close() error
}

// AudioTrack is a local Opus track fed from a SampleSource. Disabling it
// keeps packets flowing but replaces their payload with silence, the same
// way a muted capture track behaves.
type AudioTrack struct {
	track   *webrtc.TrackLocalStaticSample
	src     SampleSource
	enabled atomic.Bool
	stopped atomic.Bool
	once    sync.Once
}

// NewAudioTrack creates the track and starts pumping src into it.
func NewAudioTrack(id, streamID string, src SampleSource) (*AudioTrack, error) {
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		id, streamID,
	)
	if err != nil {
		return nil, err
	}
	a := &AudioTrack{track: track, src: src}
	a.enabled.Store(true)
	go a.pump()
	return a, nil
}

func (a *AudioTrack) pump() {
	for !a.stopped.Load() {
		sample, err := a.src.ReadSample()
		if err != nil {
			return
		}
		if !a.enabled.Load() {
			sample.Data = opusSilence
		}
		if err := a.track.WriteSample(sample); err != nil {
			return
		}
	}
}

// Track returns the pion track to attach to a sender.
func (a *AudioTrack) Track() webrtc.TrackLocal { return a.track }

func (a *AudioTrack) SetEnabled(enabled bool) { a.enabled.Store(enabled) }

func (a *AudioTrack) Enabled() bool { return a.enabled.Load() }

// Stop ends the track and closes its source. Safe to call more than once.
func (a *AudioTrack) Stop() {
	a.once.Do(func() {
		a.stopped.Store(true)
		_ = a.src.Close()
	})
}

func (a *AudioTrack) Stopped() bool { return a.stopped.Load() }

// LocalStream is one microphone capture.
type LocalStream struct {
	Audio *AudioTrack
}

// SetMuted toggles the audio track without touching the connection.
func (s *LocalStream) SetMuted(muted bool) {
	if s != nil && s.Audio != nil {
		s.Audio.SetEnabled(!muted)
	}
}

func (s *LocalStream) Muted() bool {
	return s == nil || s.Audio == nil || !s.Audio.Enabled()
}

// Stop releases the capture. Safe to call more than once.
func (s *LocalStream) Stop() {
	if s != nil && s.Audio != nil {
		s.Audio.Stop()
	}
}

// VideoTrack is a local VP8 track. A placeholder has no source and sends
// nothing, so the remote side sees a muted track on the reserved
// transceiver.
type VideoTrack struct {
	track   *webrtc.TrackLocalStaticSample
	src     SampleSource
	stopped atomic.Bool
	once    sync.Once
}

// NewPlaceholderVideo creates the muted track that reserves the video
// transceiver until a screen share replaces it.
func NewPlaceholderVideo(streamID string) (*VideoTrack, error) {
	return NewVideoTrack("placeholder", streamID, nil)
}

// NewVideoTrack creates a VP8 track pumping src. src may be nil.
func NewVideoTrack(id, streamID string, src SampleSource) (*VideoTrack, error) {
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
		id, streamID,
	)
	if err != nil {
		return nil, err
	}
	v := &VideoTrack{track: track, src: src}
	if src != nil {
		go v.pump()
	}
	return v, nil
}

func (v *VideoTrack) pump() {
	for !v.stopped.Load() {
		sample, err := v.src.ReadSample()
		if err != nil {
			return
		}
		if err := v.track.WriteSample(sample); err != nil {
			return
		}
	}
}

func (v *VideoTrack) Track() webrtc.TrackLocal { return v.track }

// Placeholder reports whether the track carries no content.
func (v *VideoTrack) Placeholder() bool { return v.src == nil }

// Stop ends the track. Safe to call more than once.
func (v *VideoTrack) Stop() {
	v.once.Do(func() {
		v.stopped.Store(true)
		if v.src != nil {
			_ = v.src.Close()
		}
	})
}

func (v *VideoTrack) Stopped() bool { return v.stopped.Load() }

// SilenceSource emits Opus silence frames at real-time pace.
type SilenceSource struct {
	frame  time.Duration
	ticker *time.Ticker
	done   chan struct{}
	once   sync.Once
}

// NewSilenceSource creates a source producing one frame every frame period.
func NewSilenceSource(frame time.Duration) *SilenceSource {
	if frame <= 0 {
		frame = 20 * time.Millisecond
	}
	return &SilenceSource{frame: frame, ticker: time.NewTicker(frame), done: make(chan struct{})}
}

func (s *SilenceSource) ReadSample() (media.Sample, error) {
	select {
	case <-s.done:
		return media.Sample{}, ErrSourceClosed
	case <-s.ticker.C:
		return media.Sample{Data: opusSilence, Duration: s.frame}, nil
	}
}

func (s *SilenceSource) Close() error {
	s.once.Do(func() {
		s.ticker.Stop()
		close(s.done)
	})
	return nil
}

/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package rtc

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrPermissionDenied is returned when capture was refused.
	ErrPermissionDenied = errors.New("rtc: media permission denied")
	// ErrNoDevice is returned when no capture device of the requested kind exists.
	ErrNoDevice = errors.New("rtc: no capture device")
)

// MediaDevices acquires local capture. Both calls may block for as long as
// a permission prompt is open.
type MediaDevices interface {
	GetUserMedia(ctx context.Context) (*LocalStream, error)
	GetDisplayMedia(ctx context.Context) (*VideoTrack, error)
}

// SyntheticDevices stands in for real hardware: the microphone produces
// silence and there is no display to capture.
type SyntheticDevices struct {
	// DenyMicrophone makes GetUserMedia fail with ErrPermissionDenied.
	DenyMicrophone bool
}

func (d *SyntheticDevices) GetUserMedia(ctx context.Context) (*LocalStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if d.DenyMicrophone {
		return nil, ErrPermissionDenied
	}
	audio, err := NewAudioTrack("audio", "callmesh", NewSilenceSource(20*time.Millisecond))
	if err != nil {
		return nil, err
	}
	return &LocalStream{Audio: audio}, nil
}

func (d *SyntheticDevices) GetDisplayMedia(ctx context.Context) (*VideoTrack, error) {
	return nil, ErrNoDevice
}

/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

//go:build mediadevices

package rtc

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	_ "github.com/pion/mediadevices/pkg/driver/screen"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
)

// DefaultDevices captures the microphone and screen through
// pion/mediadevices. It falls back to synthetic devices when the encoders
// cannot be initialised.
func DefaultDevices() MediaDevices {
	opusParams, err := opus.NewParams()
	if err != nil {
		log.Printf("rtc: opus encoder unavailable, using synthetic devices: %v", err)
		return &SyntheticDevices{}
	}
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		log.Printf("rtc: vp8 encoder unavailable, using synthetic devices: %v", err)
		return &SyntheticDevices{}
	}
	vpxParams.BitRate = 1_500_000

	return &captureDevices{
		selector: mediadevices.NewCodecSelector(
			mediadevices.WithAudioEncoders(&opusParams),
			mediadevices.WithVideoEncoders(&vpxParams),
		),
	}
}

type captureDevices struct {
	selector *mediadevices.CodecSelector
}

func (d *captureDevices) GetUserMedia(ctx context.Context) (*LocalStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Audio: func(*mediadevices.MediaTrackConstraints) {},
		Codec: d.selector,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	}
	tracks := stream.GetAudioTracks()
	if len(tracks) == 0 {
		return nil, ErrNoDevice
	}

	src, err := newEncodedSource(tracks[0], webrtc.MimeTypeOpus, 48000)
	if err != nil {
		tracks[0].Close()
		return nil, err
	}
	audio, err := NewAudioTrack("audio", "callmesh", src)
	if err != nil {
		_ = src.Close()
		return nil, err
	}
	return &LocalStream{Audio: audio}, nil
}

func (d *captureDevices) GetDisplayMedia(ctx context.Context) (*VideoTrack, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	stream, err := mediadevices.GetDisplayMedia(mediadevices.MediaStreamConstraints{
		Video: func(*mediadevices.MediaTrackConstraints) {},
		Codec: d.selector,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	}
	tracks := stream.GetVideoTracks()
	if len(tracks) == 0 {
		return nil, ErrNoDevice
	}

	src, err := newEncodedSource(tracks[0], webrtc.MimeTypeVP8, 90000)
	if err != nil {
		tracks[0].Close()
		return nil, err
	}
	return NewVideoTrack("screen", "callmesh", src)
}

// encodedSource adapts a mediadevices encoded reader to SampleSource.
type encodedSource struct {
	track     mediadevices.Track
	reader    mediadevices.EncodedReadCloser
	clockRate uint32
}

func newEncodedSource(track mediadevices.Track, mimeType string, clockRate uint32) (*encodedSource, error) {
	reader, err := track.NewEncodedReader(mimeType)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s encoder: %w", mimeType, err)
	}
	return &encodedSource{track: track, reader: reader, clockRate: clockRate}, nil
}

func (s *encodedSource) ReadSample() (media.Sample, error) {
	buf, release, err := s.reader.Read()
	if err != nil {
		return media.Sample{}, err
	}
	defer release()

	data := make([]byte, len(buf.Data))
	copy(data, buf.Data)
	return media.Sample{
		Data:     data,
		Duration: time.Duration(buf.Samples) * time.Second / time.Duration(s.clockRate),
	}, nil
}

func (s *encodedSource) Close() error {
	_ = s.reader.Close()
	return s.track.Close()
}

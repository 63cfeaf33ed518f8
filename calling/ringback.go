/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package calling

import (
	"encoding/binary"
	"math"
	"sync"
	"time"

	"github.com/pion/rtp"

	"github.com/tejzpr/callmesh/rtc"
)

const (
	ringbackFrequency  = 425.0
	ringbackSampleRate = 8000
	ringbackFrame      = 20 * time.Millisecond
	ringbackOn         = time.Second
	ringbackCycle      = 4 * time.Second
	ringbackAmplitude  = 0.25

	// RingbackPeerID is the peer id ringback frames are written under.
	RingbackPeerID = "ringback"

	// ringbackPayloadType is the static RTP type for 16-bit linear PCM. The
	// clock rate here is 8kHz mono rather than the static 44.1kHz.
	ringbackPayloadType = 11
)

// Ringback plays the caller-side ringing tone: a 425Hz sine, one second on
// and three off, as 20ms frames of big-endian 16-bit PCM written to an
// AudioOutput.
type Ringback struct {
	out rtc.AudioOutput

	mu   sync.Mutex
	stop chan struct{}
	done chan struct{}
}

func NewRingback(out rtc.AudioOutput) *Ringback {
	if out == nil {
		out = rtc.NopOutput{}
	}
	return &Ringback{out: out}
}

// Start begins playback. It does nothing if already playing.
func (r *Ringback) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stop != nil {
		return
	}
	r.stop = make(chan struct{})
	r.done = make(chan struct{})
	go r.run(r.stop, r.done)
}

// Stop ends playback and waits for the last frame. Safe to call when not
// playing.
func (r *Ringback) Stop() {
	r.mu.Lock()
	stop, done := r.stop, r.done
	r.stop, r.done = nil, nil
	r.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-done
}

func (r *Ringback) Playing() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stop != nil
}

func (r *Ringback) run(stop, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(ringbackFrame)
	defer ticker.Stop()

	samplesPerFrame := int(ringbackSampleRate * ringbackFrame / time.Second)
	framesPerCycle := int(ringbackCycle / ringbackFrame)
	framesOn := int(ringbackOn / ringbackFrame)

	var seq uint16
	var ts uint32
	for frame := 0; ; frame++ {
		pos := frame % framesPerCycle
		if pos < framesOn {
			pkt := &rtp.Packet{
				Header: rtp.Header{
					Version:        2,
					PayloadType:    ringbackPayloadType,
					SequenceNumber: seq,
					Timestamp:      ts,
					Marker:         pos == 0,
				},
				Payload: renderTone(pos*samplesPerFrame, samplesPerFrame),
			}
			seq++
			_ = r.out.WriteRTP(RingbackPeerID, pkt, 1)
		}
		ts += uint32(samplesPerFrame)

		select {
		case <-stop:
			return
		case <-ticker.C:
		}
	}
}

// renderTone returns n samples of the ringback sine starting at sample
// offset start.
func renderTone(start, n int) []byte {
	buf := make([]byte, n*2)
	for i := 0; i < n; i++ {
		t := float64(start+i) / ringbackSampleRate
		v := ringbackAmplitude * math.Sin(2*math.Pi*ringbackFrequency*t)
		binary.BigEndian.PutUint16(buf[i*2:], uint16(int16(v*math.MaxInt16)))
	}
	return buf
}

/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package calling

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/tejzpr/callmesh/meshsdk"
	"github.com/tejzpr/callmesh/signaling"
)

// HistorySubmitter stores one record. *HistoryClient satisfies it.
type HistorySubmitter interface {
	Submit(ctx context.Context, rec *HistoryRecord) (*HistoryRecord, error)
}

// HistoryOutbox keeps records whose submission failed, for the user to
// resend later. Nothing resends them automatically.
type HistoryOutbox interface {
	Save(ctx context.Context, rec *HistoryRecord, cause error) error
}

// DefaultRefreshDelays are when listeners are told to reload history after
// a successful submission: the server may index the record with a delay.
var DefaultRefreshDelays = []time.Duration{0, 800 * time.Millisecond, 1800 * time.Millisecond}

// ReporterConfig holds the configuration for a HistoryReporter
type ReporterConfig struct {
	Submitter HistorySubmitter
	Outbox    HistoryOutbox

	RefreshDelays []time.Duration
	Timeout       time.Duration

	// OnHistoryChanged is called once per refresh delay after a successful
	// submission.
	OnHistoryChanged func()

	Logger meshsdk.Logger
}

// HistoryReporter submits history records and fans out refresh signals.
// It is shared by the direct-call and room managers.
type HistoryReporter struct {
	config *ReporterConfig
	logger meshsdk.Logger

	mu     sync.Mutex
	timers []*time.Timer
	closed bool
}

func NewHistoryReporter(config *ReporterConfig) *HistoryReporter {
	if config == nil {
		config = &ReporterConfig{}
	}
	cfg := *config
	if cfg.RefreshDelays == nil {
		cfg.RefreshDelays = DefaultRefreshDelays
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &HistoryReporter{config: &cfg, logger: logger}
}

// Report submits rec. On failure the record goes to the outbox. Report
// blocks for the duration of the request; callers run it in a goroutine.
func (r *HistoryReporter) Report(ctx context.Context, rec *HistoryRecord) {
	if r.config.Submitter == nil {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, r.config.Timeout)
	defer cancel()

	if _, err := r.config.Submitter.Submit(ctx, rec); err != nil {
		r.logger.Printf("calling: history submission for %s failed: %v", rec.SessionID, err)
		if r.config.Outbox != nil {
			if oerr := r.config.Outbox.Save(context.WithoutCancel(ctx), rec, err); oerr != nil {
				r.logger.Printf("calling: saving history to outbox: %v", oerr)
			}
		}
		return
	}
	r.scheduleRefresh()
}

func (r *HistoryReporter) scheduleRefresh() {
	notify := r.config.OnHistoryChanged
	if notify == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	for _, d := range r.config.RefreshDelays {
		r.timers = append(r.timers, time.AfterFunc(d, notify))
	}
}

// Close cancels pending refresh signals.
func (r *HistoryReporter) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	for _, t := range r.timers {
		t.Stop()
	}
	r.timers = nil
}

// Classify maps how a direct call ended to its recorded outcome.
//
//	connected                                  -> completed
//	incoming, rejected locally                 -> rejected
//	incoming, otherwise                        -> missed
//	outgoing, reason rejected                  -> rejected
//	outgoing, ended locally                    -> failed
//	outgoing, ended remotely                   -> missed
func Classify(dir Direction, connected bool, reason signaling.HangupReason, local bool) HistoryStatus {
	if connected {
		return HistoryCompleted
	}
	if dir == DirectionIncoming {
		if local && reason == signaling.HangupRejected {
			return HistoryRejected
		}
		return HistoryMissed
	}
	switch {
	case reason == signaling.HangupRejected:
		return HistoryRejected
	case local:
		return HistoryFailed
	default:
		return HistoryMissed
	}
}

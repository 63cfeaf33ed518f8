/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package signalserver

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tejzpr/callmesh/calling"
)

// HistoryStore persists call history per owner. Adding a record whose
// session id the owner already stored returns the stored record, so a
// resubmission never creates a duplicate.
type HistoryStore interface {
	Add(ctx context.Context, rec *calling.HistoryRecord) (saved *calling.HistoryRecord, created bool, err error)
	List(ctx context.Context, ownerID string, max int) ([]calling.HistoryRecord, error)
}

// MemoryHistoryStore keeps history in process memory.
type MemoryHistoryStore struct {
	mu      sync.Mutex
	records map[string][]calling.HistoryRecord
}

func NewMemoryHistoryStore() *MemoryHistoryStore {
	return &MemoryHistoryStore{records: make(map[string][]calling.HistoryRecord)}
}

func (s *MemoryHistoryStore) Add(ctx context.Context, rec *calling.HistoryRecord) (*calling.HistoryRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	owned := s.records[rec.OwnerID]
	if rec.SessionID != "" {
		for i := range owned {
			if owned[i].SessionID == rec.SessionID {
				existing := owned[i]
				return &existing, false, nil
			}
		}
	}

	saved := *rec
	saved.ID = uuid.NewString()
	s.records[rec.OwnerID] = append(owned, saved)
	return &saved, true, nil
}

func (s *MemoryHistoryStore) List(ctx context.Context, ownerID string, max int) ([]calling.HistoryRecord, error) {
	s.mu.Lock()
	out := append([]calling.HistoryRecord(nil), s.records[ownerID]...)
	s.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool { return out[i].EndedAt.After(out[j].EndedAt) })
	if max > 0 && len(out) > max {
		out = out[:max]
	}
	return out, nil
}

func normalizeTimes(rec *calling.HistoryRecord, now time.Time) {
	if rec.EndedAt.IsZero() {
		rec.EndedAt = now
	}
	if rec.StartedAt.IsZero() {
		rec.StartedAt = rec.EndedAt.Add(-time.Duration(rec.DurationSeconds) * time.Second)
	}
}

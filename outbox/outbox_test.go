/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package outbox

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/tejzpr/callmesh/calling"
)

// compile-time check
var _ calling.HistoryOutbox = (*Store)(nil)

type flakySubmitter struct {
	fail map[string]bool
	got  []string
}

func (f *flakySubmitter) Submit(ctx context.Context, rec *calling.HistoryRecord) (*calling.HistoryRecord, error) {
	if f.fail[rec.SessionID] {
		return nil, errors.New("still down")
	}
	f.got = append(f.got, rec.SessionID)
	return rec, nil
}

func openTemp(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "outbox.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func record(session string) *calling.HistoryRecord {
	return &calling.HistoryRecord{
		SessionID: session,
		PeerID:    "bob",
		Direction: calling.DirectionOutgoing,
		Status:    calling.HistoryFailed,
		CallType:  calling.CallTypeAudio,
	}
}

func TestSaveAndPending(t *testing.T) {
	ctx := context.Background()
	s := openTemp(t)

	if err := s.Save(ctx, record("s1"), errors.New("503")); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if err := s.Save(ctx, record("s2"), nil); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if err := s.Save(ctx, record("s1"), errors.New("timeout")); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	entries, err := s.Pending(ctx)
	if err != nil {
		t.Fatalf("Pending failed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("Expected 2 entries, got %d", len(entries))
	}
	byKey := map[string]Entry{}
	for _, e := range entries {
		byKey[e.Key] = e
	}
	if e := byKey["s1"]; e.Attempts != 2 || e.Cause != "timeout" || e.Record.PeerID != "bob" {
		t.Errorf("Unexpected s1 entry: %+v", e)
	}
	if e := byKey["s2"]; e.Attempts != 1 || e.Cause != "" {
		t.Errorf("Unexpected s2 entry: %+v", e)
	}
}

func TestSave_NoSessionID(t *testing.T) {
	ctx := context.Background()
	s := openTemp(t)
	_ = s.Save(ctx, record(""), nil)
	_ = s.Save(ctx, record(""), nil)

	entries, _ := s.Pending(ctx)
	if len(entries) != 2 {
		t.Errorf("Expected records without a session kept apart, got %d", len(entries))
	}
	if err := s.Save(ctx, nil, nil); err == nil {
		t.Error("Expected error for a nil record")
	}
}

func TestReplay(t *testing.T) {
	ctx := context.Background()
	s := openTemp(t)
	for _, id := range []string{"s1", "s2", "s3"} {
		_ = s.Save(ctx, record(id), errors.New("down"))
	}

	sub := &flakySubmitter{fail: map[string]bool{"s2": true}}
	sent, err := s.Replay(ctx, sub)
	if sent != 2 {
		t.Errorf("Expected 2 sent, got %d", sent)
	}
	if err == nil {
		t.Error("Expected the s2 failure reported")
	}

	entries, _ := s.Pending(ctx)
	if len(entries) != 1 || entries[0].Key != "s2" || entries[0].Attempts != 2 {
		t.Errorf("Expected only s2 left with 2 attempts, got %+v", entries)
	}

	sub.fail = nil
	if sent, err := s.Replay(ctx, sub); sent != 1 || err != nil {
		t.Errorf("Expected s2 sent, got %d %v", sent, err)
	}
	if entries, _ := s.Pending(ctx); len(entries) != 0 {
		t.Errorf("Expected empty outbox, got %d", len(entries))
	}
}

func TestReporterIntegration(t *testing.T) {
	ctx := context.Background()
	s := openTemp(t)
	r := calling.NewHistoryReporter(&calling.ReporterConfig{
		Submitter: &flakySubmitter{fail: map[string]bool{"s9": true}},
		Outbox:    s,
	})
	defer r.Close()

	r.Report(ctx, record("s9"))

	entries, err := s.Pending(ctx)
	if err != nil {
		t.Fatalf("Pending failed: %v", err)
	}
	if len(entries) != 1 || entries[0].Key != "s9" || entries[0].Cause != "still down" {
		t.Errorf("Expected the failed record in the outbox, got %+v", entries)
	}
}

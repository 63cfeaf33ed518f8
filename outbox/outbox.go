/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

// Package outbox keeps call history records whose submission failed, in a
// local SQLite file, until the user resends them.
package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/tejzpr/callmesh/calling"
)

// Entry is one stored record.
type Entry struct {
	Key      string
	Record   *calling.HistoryRecord
	Cause    string
	Attempts int
	FailedAt time.Time
}

// Store is a SQLite-backed calling.HistoryOutbox.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// Open opens (or creates) the outbox at path. ":memory:" works for tests.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One connection: an in-memory database is per connection.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, err
		}
	}

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS history_outbox (
		key        TEXT PRIMARY KEY,
		record     TEXT NOT NULL,
		cause      TEXT NOT NULL DEFAULT '',
		attempts   INTEGER NOT NULL DEFAULT 1,
		failed_at  INTEGER NOT NULL
	)`)
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Save stores rec. Saving the same session again bumps its attempt count
// instead of adding a row.
func (s *Store) Save(ctx context.Context, rec *calling.HistoryRecord, cause error) error {
	if rec == nil {
		return errors.New("outbox: record is required")
	}
	key := rec.SessionID
	if key == "" {
		key = uuid.NewString()
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("outbox: encoding record: %w", err)
	}
	var msg string
	if cause != nil {
		msg = cause.Error()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.ExecContext(ctx, `INSERT INTO history_outbox (key, record, cause, attempts, failed_at)
		VALUES (?, ?, ?, 1, ?)
		ON CONFLICT(key) DO UPDATE SET
			record=excluded.record,
			cause=excluded.cause,
			attempts=history_outbox.attempts + 1,
			failed_at=excluded.failed_at`,
		key, string(data), msg, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("outbox: saving %s: %w", key, err)
	}
	return nil
}

// Pending returns stored records, oldest failure first.
func (s *Store) Pending(ctx context.Context) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, `SELECT key, record, cause, attempts, failed_at FROM history_outbox ORDER BY failed_at, key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []Entry
	for rows.Next() {
		var (
			e        Entry
			data     string
			failedAt int64
		)
		if err := rows.Scan(&e.Key, &data, &e.Cause, &e.Attempts, &failedAt); err != nil {
			return nil, err
		}
		e.Record = &calling.HistoryRecord{}
		if err := json.Unmarshal([]byte(data), e.Record); err != nil {
			return nil, fmt.Errorf("outbox: decoding %s: %w", e.Key, err)
		}
		e.FailedAt = time.UnixMilli(failedAt)
		result = append(result, e)
	}
	return result, rows.Err()
}

// Remove forgets one record.
func (s *Store) Remove(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `DELETE FROM history_outbox WHERE key = ?`, key)
	return err
}

// Replay resends every stored record once. Records that go through are
// removed; the rest stay with their attempt count bumped. It returns how
// many were sent and the last submission error, if any.
func (s *Store) Replay(ctx context.Context, sub calling.HistorySubmitter) (int, error) {
	entries, err := s.Pending(ctx)
	if err != nil {
		return 0, err
	}

	sent := 0
	var lastErr error
	for _, e := range entries {
		if _, err := sub.Submit(ctx, e.Record); err != nil {
			lastErr = err
			if serr := s.Save(ctx, e.Record, err); serr != nil {
				return sent, serr
			}
			continue
		}
		if err := s.Remove(ctx, e.Key); err != nil {
			return sent, err
		}
		sent++
	}
	return sent, lastErr
}

/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package signalserver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tejzpr/callmesh/calling"
)

const historySchema = `
CREATE TABLE IF NOT EXISTS call_history (
	id               TEXT PRIMARY KEY,
	owner_id         TEXT NOT NULL,
	session_id       TEXT NOT NULL DEFAULT '',
	peer_id          TEXT NOT NULL DEFAULT '',
	room_id          TEXT NOT NULL DEFAULT '',
	direction        TEXT NOT NULL,
	status           TEXT NOT NULL,
	duration_seconds INTEGER NOT NULL DEFAULT 0,
	call_type        TEXT NOT NULL DEFAULT '',
	started_at       TIMESTAMPTZ NOT NULL,
	ended_at         TIMESTAMPTZ NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS call_history_owner_session
	ON call_history (owner_id, session_id) WHERE session_id <> '';
CREATE INDEX IF NOT EXISTS call_history_owner_ended
	ON call_history (owner_id, ended_at DESC);
`

const historyColumns = `id, owner_id, session_id, peer_id, room_id, direction, status, duration_seconds, call_type, started_at, ended_at`

// PostgresConfig holds the pool settings for a PostgresHistoryStore
type PostgresConfig struct {
	DSN             string
	MaxConns        int32
	MaxConnLifetime time.Duration
	ApplicationName string
}

// PostgresHistoryStore keeps history in a call_history table.
type PostgresHistoryStore struct {
	db *pgxpool.Pool
}

// NewPostgresHistoryStore opens a pool, pings it, and creates the table if
// needed.
func NewPostgresHistoryStore(ctx context.Context, cfg PostgresConfig) (*PostgresHistoryStore, error) {
	pc, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, err
	}
	if cfg.MaxConns > 0 {
		pc.MaxConns = cfg.MaxConns
	}
	if cfg.MaxConnLifetime > 0 {
		pc.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.ApplicationName != "" {
		if pc.ConnConfig.RuntimeParams == nil {
			pc.ConnConfig.RuntimeParams = map[string]string{}
		}
		pc.ConnConfig.RuntimeParams["application_name"] = cfg.ApplicationName
	}

	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, err
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, err
	}
	if _, err := pool.Exec(ctx, historySchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("creating call_history: %w", err)
	}
	return &PostgresHistoryStore{db: pool}, nil
}

func (s *PostgresHistoryStore) Close() {
	s.db.Close()
}

func scanHistory(row pgx.Row) (*calling.HistoryRecord, error) {
	var (
		r         calling.HistoryRecord
		direction string
		status    string
		callType  string
	)
	if err := row.Scan(&r.ID, &r.OwnerID, &r.SessionID, &r.PeerID, &r.RoomID, &direction, &status,
		&r.DurationSeconds, &callType, &r.StartedAt, &r.EndedAt); err != nil {
		return nil, err
	}
	r.Direction = calling.Direction(direction)
	r.Status = calling.HistoryStatus(status)
	r.CallType = calling.CallType(callType)
	return &r, nil
}

func (s *PostgresHistoryStore) Add(ctx context.Context, rec *calling.HistoryRecord) (*calling.HistoryRecord, bool, error) {
	row := s.db.QueryRow(ctx, `
		INSERT INTO call_history (`+historyColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (owner_id, session_id) WHERE session_id <> '' DO NOTHING
		RETURNING `+historyColumns,
		uuid.NewString(), rec.OwnerID, rec.SessionID, rec.PeerID, rec.RoomID,
		string(rec.Direction), string(rec.Status), rec.DurationSeconds, string(rec.CallType),
		rec.StartedAt, rec.EndedAt)

	saved, err := scanHistory(row)
	if err == nil {
		return saved, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, fmt.Errorf("inserting call history: %w", err)
	}

	existing, err := scanHistory(s.db.QueryRow(ctx, `
		SELECT `+historyColumns+` FROM call_history
		WHERE owner_id = $1 AND session_id = $2`, rec.OwnerID, rec.SessionID))
	if err != nil {
		return nil, false, fmt.Errorf("loading existing call history: %w", err)
	}
	return existing, false, nil
}

func (s *PostgresHistoryStore) List(ctx context.Context, ownerID string, max int) ([]calling.HistoryRecord, error) {
	if max <= 0 {
		max = maxHistoryPage
	}
	rows, err := s.db.Query(ctx, `
		SELECT `+historyColumns+` FROM call_history
		WHERE owner_id = $1
		ORDER BY ended_at DESC, id DESC
		LIMIT $2`, ownerID, max)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []calling.HistoryRecord
	for rows.Next() {
		r, err := scanHistory(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package store

import (
	"context"
	"fmt"
)

// All wall-clock and simulated timestamps are stored as BIGINT unix
// milliseconds so both backends scan them identically.

func (s *Store) migrate(ctx context.Context) error {
	pk := s.dialect.AutoIncrementPK()

	migrations := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			config_id TEXT NOT NULL DEFAULT '',
			config_snapshot TEXT NOT NULL DEFAULT '',
			duration_days INTEGER NOT NULL,
			speed_factor INTEGER NOT NULL,
			status TEXT NOT NULL DEFAULT 'idle',
			created_at BIGINT NOT NULL,
			started_at BIGINT,
			expires_at BIGINT,
			stopped_at BIGINT,
			interrupted_at BIGINT,
			simulated_timestamp BIGINT,
			current_tick BIGINT NOT NULL DEFAULT 0,
			last_snapshot_at BIGINT
		)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS car_events (
			id %s,
			session_id TEXT NOT NULL,
			car_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			location TEXT NOT NULL DEFAULT '',
			payload TEXT,
			timestamp BIGINT NOT NULL
		)`, pk),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS stop_events (
			id %s,
			session_id TEXT NOT NULL,
			stop_id TEXT NOT NULL,
			location TEXT NOT NULL DEFAULT '',
			reason TEXT NOT NULL DEFAULT '',
			type TEXT NOT NULL DEFAULT '',
			category TEXT NOT NULL DEFAULT '',
			severity TEXT NOT NULL DEFAULT '',
			start_time BIGINT NOT NULL,
			end_time BIGINT,
			duration_ms BIGINT,
			status TEXT NOT NULL DEFAULT 'IN_PROGRESS'
		)`, pk),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS buffer_states (
			id %s,
			session_id TEXT NOT NULL,
			buffer_id TEXT NOT NULL,
			capacity INTEGER NOT NULL DEFAULT 0,
			current_count INTEGER NOT NULL DEFAULT 0,
			car_ids TEXT NOT NULL DEFAULT '[]',
			status TEXT NOT NULL DEFAULT '',
			timestamp BIGINT NOT NULL
		)`, pk),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS plant_snapshots (
			id %s,
			session_id TEXT NOT NULL,
			timestamp BIGINT NOT NULL,
			total_cars INTEGER NOT NULL DEFAULT 0,
			completed_cars INTEGER NOT NULL DEFAULT 0,
			active_stops INTEGER NOT NULL DEFAULT 0,
			snapshot_data TEXT
		)`, pk),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS oee (
			id %s,
			session_id TEXT NOT NULL,
			date TEXT NOT NULL,
			location TEXT NOT NULL,
			availability DOUBLE PRECISION NOT NULL DEFAULT 0,
			performance DOUBLE PRECISION NOT NULL DEFAULT 0,
			quality DOUBLE PRECISION NOT NULL DEFAULT 0,
			oee DOUBLE PRECISION NOT NULL DEFAULT 0
		)`, pk),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS mttr_mtbf (
			id %s,
			session_id TEXT NOT NULL,
			date TEXT NOT NULL,
			location TEXT NOT NULL,
			mttr_ms DOUBLE PRECISION NOT NULL DEFAULT 0,
			mtbf_ms DOUBLE PRECISION NOT NULL DEFAULT 0,
			stop_count INTEGER NOT NULL DEFAULT 0
		)`, pk),
		`CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_user_id ON sessions(user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_expires_at ON sessions(expires_at)`,
		`CREATE INDEX IF NOT EXISTS idx_car_events_session ON car_events(session_id, timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_car_events_type ON car_events(session_id, event_type)`,
		`CREATE INDEX IF NOT EXISTS idx_stop_events_session ON stop_events(session_id, status)`,
		`CREATE INDEX IF NOT EXISTS idx_buffer_states_session ON buffer_states(session_id, buffer_id, timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_plant_snapshots_session ON plant_snapshots(session_id, timestamp)`,
	}

	for i, m := range migrations {
		if _, err := s.db.ExecContext(ctx, m); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}
	return nil
}

// sessionScopedTables lists every table whose rows are owned by a session
// and must be deleted atomically with it.
var sessionScopedTables = []string{
	"car_events",
	"stop_events",
	"buffer_states",
	"plant_snapshots",
	"oee",
	"mttr_mtbf",
}

// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ManuGH/plantsim/internal/domain/session/model"
)

// MaxEventRows is the hard cap on rows returned by event reads. Requests
// above it are clamped and flagged as truncated.
const MaxEventRows = 10_000

// EventRepo persists the per-session time-series tables.
type EventRepo struct {
	s *Store
}

func clampLimit(limit int) int {
	if limit <= 0 || limit > MaxEventRows {
		return MaxEventRows
	}
	return limit
}

// --- writes (worker persistence sidecar) ---

// InsertCarEvent appends a car event row and assigns its id.
func (r *EventRepo) InsertCarEvent(ctx context.Context, ev *model.CarEvent) error {
	id, err := r.s.insertRow(ctx, `INSERT INTO car_events
		(session_id, car_id, event_type, location, payload, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)`,
		ev.SessionID, ev.CarID, string(ev.EventType), ev.Location,
		nullJSON(ev.Payload), ev.Timestamp)
	if err != nil {
		return fmt.Errorf("insert car event: %w", err)
	}
	ev.ID = id
	return nil
}

// OpenStop appends a stop event row in IN_PROGRESS state.
func (r *EventRepo) OpenStop(ctx context.Context, ev *model.StopEvent) error {
	id, err := r.s.insertRow(ctx, `INSERT INTO stop_events
		(session_id, stop_id, location, reason, type, category, severity, start_time, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.SessionID, ev.StopID, ev.Location, ev.Reason, ev.Type,
		ev.Category, ev.Severity, ev.StartTime, model.StopInProgress)
	if err != nil {
		return fmt.Errorf("open stop: %w", err)
	}
	ev.ID = id
	return nil
}

// CloseStop completes an in-progress stop. The stop_events table is
// append-only apart from this one update.
func (r *EventRepo) CloseStop(ctx context.Context, sessionID, stopID string, endTime, durationMS int64) error {
	_, err := r.s.exec(ctx, `UPDATE stop_events
		SET end_time = ?, duration_ms = ?, status = ?
		WHERE session_id = ? AND stop_id = ? AND status = ?`,
		endTime, durationMS, model.StopCompleted, sessionID, stopID, model.StopInProgress)
	if err != nil {
		return fmt.Errorf("close stop: %w", err)
	}
	return nil
}

// InsertBufferState appends a buffer occupancy sample. CarIDs is stored
// as a JSON array column.
func (r *EventRepo) InsertBufferState(ctx context.Context, st *model.BufferState) error {
	carIDs, err := json.Marshal(st.CarIDs)
	if err != nil {
		return fmt.Errorf("marshal car_ids: %w", err)
	}
	id, err := r.s.insertRow(ctx, `INSERT INTO buffer_states
		(session_id, buffer_id, capacity, current_count, car_ids, status, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		st.SessionID, st.BufferID, st.Capacity, st.Count, string(carIDs), st.Status, st.Timestamp)
	if err != nil {
		return fmt.Errorf("insert buffer state: %w", err)
	}
	st.ID = id
	return nil
}

// InsertPlantSnapshot appends a plant snapshot row.
func (r *EventRepo) InsertPlantSnapshot(ctx context.Context, sn *model.PlantSnapshot) error {
	id, err := r.s.insertRow(ctx, `INSERT INTO plant_snapshots
		(session_id, timestamp, total_cars, completed_cars, active_stops, snapshot_data)
		VALUES (?, ?, ?, ?, ?, ?)`,
		sn.SessionID, sn.Timestamp, sn.TotalCars, sn.CompletedCars, sn.ActiveStops,
		nullJSON(sn.SnapshotData))
	if err != nil {
		return fmt.Errorf("insert plant snapshot: %w", err)
	}
	sn.ID = id
	return nil
}

// InsertOEE appends a periodic OEE aggregate.
func (r *EventRepo) InsertOEE(ctx context.Context, s *model.OEESample) error {
	id, err := r.s.insertRow(ctx, `INSERT INTO oee
		(session_id, date, location, availability, performance, quality, oee)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		s.SessionID, s.Date, s.Location, s.Availability, s.Performance, s.Quality, s.OEE)
	if err != nil {
		return fmt.Errorf("insert oee: %w", err)
	}
	s.ID = id
	return nil
}

// InsertMTTRMTBF appends a periodic MTTR/MTBF aggregate.
func (r *EventRepo) InsertMTTRMTBF(ctx context.Context, s *model.MTTRMTBFSample) error {
	id, err := r.s.insertRow(ctx, `INSERT INTO mttr_mtbf
		(session_id, date, location, mttr_ms, mtbf_ms, stop_count)
		VALUES (?, ?, ?, ?, ?, ?)`,
		s.SessionID, s.Date, s.Location, s.MTTRMS, s.MTBFMS, s.StopCount)
	if err != nil {
		return fmt.Errorf("insert mttr_mtbf: %w", err)
	}
	s.ID = id
	return nil
}

// --- session-bound reads (query surface) ---

const carEventColumns = `id, session_id, car_id, event_type, location, payload, timestamp`

// ListCarEvents returns the newest car events for a session, capped at
// MaxEventRows. The second return value reports whether the cap bit.
func (r *EventRepo) ListCarEvents(ctx context.Context, sessionID string, limit int) ([]model.CarEvent, bool, error) {
	limit = clampLimit(limit)
	rows, err := r.s.query(ctx, `SELECT `+carEventColumns+` FROM car_events
		WHERE session_id = ? ORDER BY timestamp DESC, id DESC LIMIT `+fmt.Sprint(limit+1), sessionID)
	if err != nil {
		return nil, false, err
	}
	defer func() { _ = rows.Close() }()
	var out []model.CarEvent
	for rows.Next() {
		var (
			ev      model.CarEvent
			evType  string
			payload sql.NullString
		)
		if err := rows.Scan(&ev.ID, &ev.SessionID, &ev.CarID, &evType, &ev.Location, &payload, &ev.Timestamp); err != nil {
			return nil, false, err
		}
		ev.EventType = model.CarEventType(evType)
		if payload.Valid {
			ev.Payload = json.RawMessage(payload.String)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, false, err
	}
	if len(out) > limit {
		return out[:limit], true, nil
	}
	return out, false, nil
}

const stopEventColumns = `id, session_id, stop_id, location, reason, type, category, severity,
	start_time, end_time, duration_ms, status`

// ListStopEvents returns the newest stop events for a session.
func (r *EventRepo) ListStopEvents(ctx context.Context, sessionID string, limit int) ([]model.StopEvent, bool, error) {
	limit = clampLimit(limit)
	rows, err := r.s.query(ctx, `SELECT `+stopEventColumns+` FROM stop_events
		WHERE session_id = ? ORDER BY start_time DESC, id DESC LIMIT `+fmt.Sprint(limit+1), sessionID)
	if err != nil {
		return nil, false, err
	}
	out, err := scanStops(rows)
	if err != nil {
		return nil, false, err
	}
	if len(out) > limit {
		return out[:limit], true, nil
	}
	return out, false, nil
}

// ListBufferStates returns the newest buffer samples for a session.
func (r *EventRepo) ListBufferStates(ctx context.Context, sessionID string, limit int) ([]model.BufferState, bool, error) {
	limit = clampLimit(limit)
	rows, err := r.s.query(ctx, `SELECT id, session_id, buffer_id, capacity, current_count, car_ids, status, timestamp
		FROM buffer_states WHERE session_id = ?
		ORDER BY timestamp DESC, id DESC LIMIT `+fmt.Sprint(limit+1), sessionID)
	if err != nil {
		return nil, false, err
	}
	out, err := scanBufferStates(rows)
	if err != nil {
		return nil, false, err
	}
	if len(out) > limit {
		return out[:limit], true, nil
	}
	return out, false, nil
}

// ListPlantSnapshots returns the newest snapshots for a session.
func (r *EventRepo) ListPlantSnapshots(ctx context.Context, sessionID string, limit int) ([]model.PlantSnapshot, bool, error) {
	limit = clampLimit(limit)
	rows, err := r.s.query(ctx, `SELECT id, session_id, timestamp, total_cars, completed_cars, active_stops, snapshot_data
		FROM plant_snapshots WHERE session_id = ?
		ORDER BY timestamp DESC, id DESC LIMIT `+fmt.Sprint(limit+1), sessionID)
	if err != nil {
		return nil, false, err
	}
	defer func() { _ = rows.Close() }()
	var out []model.PlantSnapshot
	for rows.Next() {
		sn, err := scanSnapshot(rows)
		if err != nil {
			return nil, false, err
		}
		out = append(out, *sn)
	}
	if err := rows.Err(); err != nil {
		return nil, false, err
	}
	if len(out) > limit {
		return out[:limit], true, nil
	}
	return out, false, nil
}

// --- recovery queries ---

// LatestPlantSnapshot returns the snapshot with the highest timestamp,
// ties broken by larger id (last writer wins). Nil when none exists.
func (r *EventRepo) LatestPlantSnapshot(ctx context.Context, sessionID string) (*model.PlantSnapshot, error) {
	row := r.s.queryRow(ctx, `SELECT id, session_id, timestamp, total_cars, completed_cars, active_stops, snapshot_data
		FROM plant_snapshots WHERE session_id = ?
		ORDER BY timestamp DESC, id DESC LIMIT 1`, sessionID)
	sn, err := scanSnapshot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return sn, nil
}

// LatestBufferStates returns the most recent sample per distinct buffer,
// ties on timestamp broken by larger id.
func (r *EventRepo) LatestBufferStates(ctx context.Context, sessionID string) ([]model.BufferState, error) {
	rows, err := r.s.query(ctx, `SELECT id, session_id, buffer_id, capacity, current_count, car_ids, status, timestamp
		FROM buffer_states b
		WHERE session_id = ?
		AND id = (
			SELECT b2.id FROM buffer_states b2
			WHERE b2.session_id = b.session_id AND b2.buffer_id = b.buffer_id
			ORDER BY b2.timestamp DESC, b2.id DESC LIMIT 1
		)
		ORDER BY buffer_id`, sessionID)
	if err != nil {
		return nil, err
	}
	return scanBufferStates(rows)
}

// CompletedCarIDs returns the distinct set of cars with a COMPLETED event.
func (r *EventRepo) CompletedCarIDs(ctx context.Context, sessionID string) ([]string, error) {
	rows, err := r.s.query(ctx, `SELECT DISTINCT car_id FROM car_events
		WHERE session_id = ? AND event_type = ? ORDER BY car_id`,
		sessionID, string(model.CarCompleted))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ActiveStops returns stops still IN_PROGRESS, oldest first.
func (r *EventRepo) ActiveStops(ctx context.Context, sessionID string) ([]model.StopEvent, error) {
	rows, err := r.s.query(ctx, `SELECT `+stopEventColumns+` FROM stop_events
		WHERE session_id = ? AND status = ? ORDER BY start_time, id`,
		sessionID, model.StopInProgress)
	if err != nil {
		return nil, err
	}
	return scanStops(rows)
}

// --- scan helpers ---

func scanStops(rows *sql.Rows) ([]model.StopEvent, error) {
	defer func() { _ = rows.Close() }()
	var out []model.StopEvent
	for rows.Next() {
		var (
			ev                  model.StopEvent
			endTime, durationMS sql.NullInt64
		)
		if err := rows.Scan(&ev.ID, &ev.SessionID, &ev.StopID, &ev.Location, &ev.Reason,
			&ev.Type, &ev.Category, &ev.Severity, &ev.StartTime, &endTime, &durationMS, &ev.Status); err != nil {
			return nil, err
		}
		if endTime.Valid {
			v := endTime.Int64
			ev.EndTime = &v
		}
		if durationMS.Valid {
			v := durationMS.Int64
			ev.DurationMS = &v
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func scanBufferStates(rows *sql.Rows) ([]model.BufferState, error) {
	defer func() { _ = rows.Close() }()
	var out []model.BufferState
	for rows.Next() {
		var (
			st     model.BufferState
			carIDs string
		)
		if err := rows.Scan(&st.ID, &st.SessionID, &st.BufferID, &st.Capacity, &st.Count,
			&carIDs, &st.Status, &st.Timestamp); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(carIDs), &st.CarIDs); err != nil {
			// Tolerate malformed legacy rows; occupancy count survives.
			st.CarIDs = nil
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func scanSnapshot(row rowScanner) (*model.PlantSnapshot, error) {
	var (
		sn   model.PlantSnapshot
		data sql.NullString
	)
	err := row.Scan(&sn.ID, &sn.SessionID, &sn.Timestamp, &sn.TotalCars,
		&sn.CompletedCars, &sn.ActiveStops, &data)
	if err != nil {
		return nil, err
	}
	if data.Valid {
		sn.SnapshotData = json.RawMessage(data.String)
	}
	return &sn, nil
}

func nullJSON(raw json.RawMessage) sql.NullString {
	if len(raw) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(raw), Valid: true}
}

// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ManuGH/plantsim/internal/domain/session/model"
)

// SessionRepo persists session rows.
type SessionRepo struct {
	s *Store
}

const sessionColumns = `id, user_id, name, config_id, config_snapshot,
	duration_days, speed_factor, status,
	created_at, started_at, expires_at, stopped_at, interrupted_at,
	simulated_timestamp, current_tick, last_snapshot_at`

// Create inserts a new session row.
func (r *SessionRepo) Create(ctx context.Context, rec *model.SessionRecord) error {
	_, err := r.s.exec(ctx, `INSERT INTO sessions (`+sessionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.UserID, rec.Name, rec.ConfigID, rec.ConfigSnapshot,
		rec.DurationDays, rec.SpeedFactor, string(rec.Status),
		unixMS(rec.CreatedAt), unixMSPtr(rec.StartedAt), unixMSPtr(rec.ExpiresAt),
		unixMSPtr(rec.StoppedAt), unixMSPtr(rec.InterruptedAt),
		nullInt64(rec.SimulatedTimestamp), rec.CurrentTick, unixMSPtr(rec.LastSnapshotAt),
	)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

// Get retrieves a session by id.
func (r *SessionRepo) Get(ctx context.Context, id string) (*model.SessionRecord, error) {
	row := r.s.queryRow(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	return scanSession(row)
}

// GetOwned resolves a session by (id, user). A missing row and an
// ownership mismatch return the same ErrNotFound.
func (r *SessionRepo) GetOwned(ctx context.Context, id, userID string) (*model.SessionRecord, error) {
	row := r.s.queryRow(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = ? AND user_id = ?`, id, userID)
	return scanSession(row)
}

// Save writes back every mutable field of the row.
func (r *SessionRepo) Save(ctx context.Context, rec *model.SessionRecord) error {
	res, err := r.s.exec(ctx, `UPDATE sessions SET
		name = ?, status = ?,
		started_at = ?, expires_at = ?, stopped_at = ?, interrupted_at = ?,
		simulated_timestamp = ?, current_tick = ?, last_snapshot_at = ?
		WHERE id = ?`,
		rec.Name, string(rec.Status),
		unixMSPtr(rec.StartedAt), unixMSPtr(rec.ExpiresAt), unixMSPtr(rec.StoppedAt),
		unixMSPtr(rec.InterruptedAt),
		nullInt64(rec.SimulatedTimestamp), rec.CurrentTick, unixMSPtr(rec.LastSnapshotAt),
		rec.ID,
	)
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateCheckpoint persists the worker's clock cursor. Ticks only move
// forward; stale writes after a restart are ignored.
func (r *SessionRepo) UpdateCheckpoint(ctx context.Context, id string, simTS, tick int64) error {
	_, err := r.s.exec(ctx, `UPDATE sessions
		SET simulated_timestamp = ?, current_tick = ?
		WHERE id = ? AND current_tick <= ?`,
		simTS, tick, id, tick)
	return err
}

// TouchSnapshot records the wall time of the latest persisted snapshot.
func (r *SessionRepo) TouchSnapshot(ctx context.Context, id string, at time.Time) error {
	_, err := r.s.exec(ctx, `UPDATE sessions SET last_snapshot_at = ? WHERE id = ?`,
		unixMS(at), id)
	return err
}

// ListByUser returns every session owned by the user, newest first.
func (r *SessionRepo) ListByUser(ctx context.Context, userID string) ([]*model.SessionRecord, error) {
	rows, err := r.s.query(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE user_id = ? ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	return scanSessions(rows)
}

// ListByStatus returns sessions in any of the given statuses.
func (r *SessionRepo) ListByStatus(ctx context.Context, statuses ...model.SessionStatus) ([]*model.SessionRecord, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(statuses)), ",")
	args := make([]any, len(statuses))
	for i, st := range statuses {
		args[i] = string(st)
	}
	rows, err := r.s.query(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE status IN (`+placeholders+`) ORDER BY created_at`, args...)
	if err != nil {
		return nil, err
	}
	return scanSessions(rows)
}

// ListExpired returns active sessions whose expiry has passed.
func (r *SessionRepo) ListExpired(ctx context.Context, now time.Time) ([]*model.SessionRecord, error) {
	rows, err := r.s.query(ctx, `SELECT `+sessionColumns+` FROM sessions
		WHERE status IN ('running', 'paused') AND expires_at IS NOT NULL AND expires_at < ?`,
		unixMS(now))
	if err != nil {
		return nil, err
	}
	return scanSessions(rows)
}

// CountActive counts sessions in running or paused, globally or (with a
// non-empty userID) per user. Admission decisions always read this, never
// an in-memory cache.
func (r *SessionRepo) CountActive(ctx context.Context, userID string) (int, error) {
	q := `SELECT COUNT(*) FROM sessions WHERE status IN ('running', 'paused')`
	args := []any{}
	if userID != "" {
		q += ` AND user_id = ?`
		args = append(args, userID)
	}
	var n int
	if err := r.s.queryRow(ctx, q, args...).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// MarkInterrupted flips every running/paused row to interrupted and
// returns the affected records. Startup reconciliation step 1.
func (r *SessionRepo) MarkInterrupted(ctx context.Context, now time.Time) ([]*model.SessionRecord, error) {
	affected, err := r.ListByStatus(ctx, model.StatusRunning, model.StatusPaused)
	if err != nil {
		return nil, err
	}
	if len(affected) == 0 {
		return nil, nil
	}
	_, err = r.s.exec(ctx, `UPDATE sessions SET status = 'interrupted', interrupted_at = ?
		WHERE status IN ('running', 'paused')`, unixMS(now))
	if err != nil {
		return nil, err
	}
	ts := now
	for _, rec := range affected {
		rec.Status = model.StatusInterrupted
		rec.InterruptedAt = &ts
	}
	return affected, nil
}

// MarkExpired expires rows whose window has passed and that are not
// already terminal or interrupted. Startup reconciliation step 2.
func (r *SessionRepo) MarkExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := r.s.exec(ctx, `UPDATE sessions SET status = 'expired', stopped_at = ?
		WHERE expires_at IS NOT NULL AND expires_at < ?
		AND status NOT IN ('stopped', 'expired', 'interrupted')`,
		unixMS(now), unixMS(now))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// MarkStaleInterruptedStopped garbage-collects interrupted rows older
// than the cutoff. Startup reconciliation step 3.
func (r *SessionRepo) MarkStaleInterruptedStopped(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.s.exec(ctx, `UPDATE sessions
		SET status = 'stopped', stopped_at = ?, interrupted_at = NULL
		WHERE status = 'interrupted' AND interrupted_at IS NOT NULL AND interrupted_at < ?`,
		unixMS(time.Now()), unixMS(cutoff))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// DeleteWithData removes the session row and every session-scoped event
// row in one transaction.
func (r *SessionRepo) DeleteWithData(ctx context.Context, id string) error {
	return r.s.withTx(ctx, func(tx *sql.Tx) error {
		for _, table := range sessionScopedTables {
			q := r.s.dialect.Rebind(`DELETE FROM ` + table + ` WHERE session_id = ?`)
			if _, err := tx.ExecContext(ctx, q, id); err != nil {
				return fmt.Errorf("delete %s: %w", table, err)
			}
		}
		q := r.s.dialect.Rebind(`DELETE FROM sessions WHERE id = ?`)
		res, err := tx.ExecContext(ctx, q, id)
		if err != nil {
			return fmt.Errorf("delete session: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*model.SessionRecord, error) {
	var (
		rec                                            model.SessionRecord
		status                                         string
		createdAt                                      int64
		startedAt, expiresAt, stoppedAt, interruptedAt sql.NullInt64
		simTS, lastSnapshotAt                          sql.NullInt64
	)
	err := row.Scan(
		&rec.ID, &rec.UserID, &rec.Name, &rec.ConfigID, &rec.ConfigSnapshot,
		&rec.DurationDays, &rec.SpeedFactor, &status,
		&createdAt, &startedAt, &expiresAt, &stoppedAt, &interruptedAt,
		&simTS, &rec.CurrentTick, &lastSnapshotAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan session: %w", err)
	}
	rec.Status = model.SessionStatus(status)
	rec.CreatedAt = fromUnixMS(createdAt)
	rec.StartedAt = fromUnixMSPtr(startedAt)
	rec.ExpiresAt = fromUnixMSPtr(expiresAt)
	rec.StoppedAt = fromUnixMSPtr(stoppedAt)
	rec.InterruptedAt = fromUnixMSPtr(interruptedAt)
	if simTS.Valid {
		v := simTS.Int64
		rec.SimulatedTimestamp = &v
	}
	rec.LastSnapshotAt = fromUnixMSPtr(lastSnapshotAt)
	return &rec, nil
}

func scanSessions(rows *sql.Rows) ([]*model.SessionRecord, error) {
	defer func() { _ = rows.Close() }()
	var out []*model.SessionRecord
	for rows.Next() {
		rec, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func unixMS(t time.Time) int64 {
	return t.UnixMilli()
}

func unixMSPtr(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func fromUnixMS(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func fromUnixMSPtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromUnixMS(v.Int64)
	return &t
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

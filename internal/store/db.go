// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package store is the durable layer for sessions and the per-session
// time-series tables. It owns all SQL, including the dialect branch
// between the embedded sqlite backend and postgres.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a row does not exist or is not visible to
// the requesting user. The two cases are deliberately indistinguishable.
var ErrNotFound = errors.New("store: not found")

// Config selects and parameterizes the backend.
type Config struct {
	// Backend is "sqlite" (default) or "postgres".
	Backend string
	// DSN is the sqlite file path or the postgres connection string.
	DSN string
}

// Store bundles the database handle, its dialect and the repositories.
type Store struct {
	db      *sql.DB
	dialect Dialect

	Sessions *SessionRepo
	Events   *EventRepo
}

// Open connects, applies migrations and returns a ready Store.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	d, err := DialectFor(cfg.Backend)
	if err != nil {
		return nil, err
	}

	dsn := cfg.DSN
	if d.Name() == "sqlite" {
		if dir := filepath.Dir(dsn); dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create store directory: %w", err)
			}
		}
		dsn = fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)", dsn)
	}

	db, err := sql.Open(d.DriverName(), dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", d.Name(), err)
	}
	if d.Name() == "sqlite" {
		// Single writer; the sqlite backend serializes writes anyway.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s store: %w", d.Name(), err)
	}

	s := &Store{db: db, dialect: d}
	s.Sessions = &SessionRepo{s: s}
	s.Events = &EventRepo{s: s}

	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// Dialect exposes the active dialect tag (for diagnostics).
func (s *Store) Dialect() string {
	return s.dialect.Name()
}

func (s *Store) exec(ctx context.Context, q string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.dialect.Rebind(q), args...)
}

func (s *Store) query(ctx context.Context, q string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.dialect.Rebind(q), args...)
}

func (s *Store) queryRow(ctx context.Context, q string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, s.dialect.Rebind(q), args...)
}

// insertRow inserts and returns the generated id, using RETURNING where
// the dialect has it and LastInsertId otherwise.
func (s *Store) insertRow(ctx context.Context, q string, args ...any) (int64, error) {
	if s.dialect.SupportsReturning() {
		var id int64
		err := s.queryRow(ctx, q+" RETURNING id", args...).Scan(&id)
		return id, err
	}
	res, err := s.exec(ctx, q, args...)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// withTx runs fn inside a transaction, rolling back on error or panic.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

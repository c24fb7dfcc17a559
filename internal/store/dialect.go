// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package store

import (
	"fmt"
	"strings"
)

// Dialect abstracts the differences between the supported SQL backends.
// Repositories write queries with `?` placeholders; the dialect rewrites
// them where needed. The dialect branch never leaks out of this package.
type Dialect interface {
	Name() string
	DriverName() string
	// Rebind rewrites `?` placeholders into the dialect's positional form.
	Rebind(query string) string
	// SupportsReturning reports whether INSERT ... RETURNING id is usable.
	// Where it is not, inserts fall back to LastInsertId.
	SupportsReturning() bool
	// AutoIncrementPK is the column clause for a synthetic integer key.
	AutoIncrementPK() string
}

type sqliteDialect struct{}

func (sqliteDialect) Name() string            { return "sqlite" }
func (sqliteDialect) DriverName() string      { return "sqlite" }
func (sqliteDialect) Rebind(q string) string  { return q }
func (sqliteDialect) SupportsReturning() bool { return false }
func (sqliteDialect) AutoIncrementPK() string { return "INTEGER PRIMARY KEY AUTOINCREMENT" }

type postgresDialect struct{}

func (postgresDialect) Name() string       { return "postgres" }
func (postgresDialect) DriverName() string { return "pgx" }

// Rebind converts `?` placeholders to `$1..$n`. Queries in this package
// do not embed literal question marks.
func (postgresDialect) Rebind(q string) string {
	var b strings.Builder
	b.Grow(len(q) + 8)
	n := 0
	for i := 0; i < len(q); i++ {
		if q[i] == '?' {
			n++
			b.WriteString(fmt.Sprintf("$%d", n))
			continue
		}
		b.WriteByte(q[i])
	}
	return b.String()
}

func (postgresDialect) SupportsReturning() bool { return true }
func (postgresDialect) AutoIncrementPK() string { return "BIGSERIAL PRIMARY KEY" }

// DialectFor resolves a configured backend name.
func DialectFor(name string) (Dialect, error) {
	switch name {
	case "", "sqlite":
		return sqliteDialect{}, nil
	case "postgres":
		return postgresDialect{}, nil
	default:
		return nil, fmt.Errorf("unknown store backend: %s", name)
	}
}

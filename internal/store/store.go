// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package store implements the durable incident record, backed in memory, by
// a JSON file, by SQLite or by PostgreSQL.
package store

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"go.astrophena.name/statusrelay/internal/incident"
)

// Store is a durable record of incidents keyed by id.
//
// Implementations must be safe for concurrent use, and a Put must be atomic:
// readers see either the previous record or the new one, never a mix.
type Store interface {
	// Get retrieves the incident with the given id.
	// It must return (nil, nil) if there is none.
	Get(ctx context.Context, id string) (*incident.Incident, error)
	// Put inserts or replaces the incident with inc.ID.
	Put(ctx context.Context, inc *incident.Incident) error
	// All returns every stored incident ordered by id.
	All(ctx context.Context) ([]*incident.Incident, error)
	// Close closes the store and releases any resources.
	Close() error
}

// ErrNoIncidentID is returned by Put for an incident without an id.
var ErrNoIncidentID = errors.New("store: incident has no id")

// Open opens the store described by dsn:
//
//	mem:                          in-memory, lost on exit
//	postgres://... postgresql://  PostgreSQL
//	sqlite:path, path.db          SQLite
//	path.json or any other path   JSON file
func Open(ctx context.Context, dsn string) (Store, error) {
	switch {
	case dsn == "":
		return nil, errors.New("store: empty DSN")
	case dsn == "mem:":
		return NewMemStore(), nil
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return NewPostgresStore(ctx, dsn)
	case strings.HasPrefix(dsn, "sqlite:"):
		return NewSQLiteStore(ctx, strings.TrimPrefix(dsn, "sqlite:"))
	case strings.HasSuffix(dsn, ".db"), strings.HasSuffix(dsn, ".sqlite"), strings.HasSuffix(dsn, ".sqlite3"):
		return NewSQLiteStore(ctx, dsn)
	default:
		return NewJSONFile(dsn)
	}
}

// Redact hides the password in a PostgreSQL DSN for logging.
func Redact(dsn string) string {
	scheme, rest, ok := strings.Cut(dsn, "://")
	if !ok {
		return dsn
	}
	userinfo, host, ok := strings.Cut(rest, "@")
	if !ok {
		return dsn
	}
	if user, _, hasPass := strings.Cut(userinfo, ":"); hasPass {
		return fmt.Sprintf("%s://%s:xxxxx@%s", scheme, user, host)
	}
	return dsn
}

func clone(inc *incident.Incident) *incident.Incident {
	if inc == nil {
		return nil
	}
	c := *inc
	return &c
}

func sortByID(incs []*incident.Incident) []*incident.Incident {
	slices.SortFunc(incs, func(a, b *incident.Incident) int { return strings.Compare(a.ID, b.ID) })
	return incs
}

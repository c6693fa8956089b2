// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"

	"go.astrophena.name/statusrelay/internal/incident"
)

// SQLiteStore is a SQLite implementation of the [Store] interface.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if needed) the SQLite database at path.
func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// A single connection serializes writers and keeps :memory: databases
	// alive between calls.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA busy_timeout=5000;",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("store: %s: %w", pragma, err)
		}
	}

	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS incidents (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			status TEXT NOT NULL,
			body TEXT NOT NULL DEFAULT '',
			link TEXT NOT NULL DEFAULT '',
			message_handle TEXT NOT NULL DEFAULT '',
			last_updated TEXT NOT NULL DEFAULT ''
		);
	`); err != nil {
		db.Close()
		return nil, err
	}

	return &SQLiteStore{db: db}, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanIncident(row scanner) (*incident.Incident, error) {
	var (
		inc    incident.Incident
		status string
	)
	if err := row.Scan(&inc.ID, &inc.Title, &status, &inc.Body, &inc.Link, &inc.MessageHandle, &inc.LastUpdated); err != nil {
		return nil, err
	}
	// Unknown status names degrade to Unknown rather than failing the read.
	inc.Status, _ = incident.ParseStatus(status)
	return &inc, nil
}

const selectColumns = `SELECT id, title, status, body, link, message_handle, last_updated FROM incidents`

// Get retrieves the incident with the given id.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*incident.Incident, error) {
	inc, err := scanIncident(s.db.QueryRowContext(ctx, selectColumns+` WHERE id = ?;`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return inc, err
}

// Put inserts or replaces an incident in a single statement.
func (s *SQLiteStore) Put(ctx context.Context, inc *incident.Incident) error {
	if inc.ID == "" {
		return ErrNoIncidentID
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO incidents (id, title, status, body, link, message_handle, last_updated)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			title = excluded.title,
			status = excluded.status,
			body = excluded.body,
			link = excluded.link,
			message_handle = excluded.message_handle,
			last_updated = excluded.last_updated;
	`, inc.ID, inc.Title, inc.Status.String(), inc.Body, inc.Link, inc.MessageHandle, inc.LastUpdated)
	return err
}

// All returns every incident ordered by id.
func (s *SQLiteStore) All(ctx context.Context) ([]*incident.Incident, error) {
	rows, err := s.db.QueryContext(ctx, selectColumns+` ORDER BY id;`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var incs []*incident.Incident
	for rows.Next() {
		inc, err := scanIncident(rows)
		if err != nil {
			return nil, err
		}
		incs = append(incs, inc)
	}
	return incs, rows.Err()
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

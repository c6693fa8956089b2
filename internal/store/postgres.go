// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package store

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"go.astrophena.name/statusrelay/internal/incident"
)

// PostgresStore is a PostgreSQL implementation of the [Store] interface.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore and connects to the database.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}

	if _, err := pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS incidents (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			status TEXT NOT NULL,
			body TEXT NOT NULL DEFAULT '',
			link TEXT NOT NULL DEFAULT '',
			message_handle TEXT NOT NULL DEFAULT '',
			last_updated TEXT NOT NULL DEFAULT '',
			written_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
	`); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

// Get retrieves the incident with the given id.
func (s *PostgresStore) Get(ctx context.Context, id string) (*incident.Incident, error) {
	inc, err := scanIncident(s.pool.QueryRow(ctx, selectColumns+` WHERE id = $1;`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return inc, err
}

// Put inserts or replaces an incident.
func (s *PostgresStore) Put(ctx context.Context, inc *incident.Incident) error {
	if inc.ID == "" {
		return ErrNoIncidentID
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO incidents (id, title, status, body, link, message_handle, last_updated, written_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		ON CONFLICT (id) DO UPDATE SET
			title = $2,
			status = $3,
			body = $4,
			link = $5,
			message_handle = $6,
			last_updated = $7,
			written_at = NOW();
	`, inc.ID, inc.Title, inc.Status.String(), inc.Body, inc.Link, inc.MessageHandle, inc.LastUpdated)
	return err
}

// All returns every incident ordered by id.
func (s *PostgresStore) All(ctx context.Context) ([]*incident.Incident, error) {
	rows, err := s.pool.Query(ctx, selectColumns+` ORDER BY id;`)
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

// Close closes the connection pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

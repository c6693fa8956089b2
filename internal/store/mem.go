// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package store

import (
	"context"
	"sync"

	"go.astrophena.name/statusrelay/internal/incident"
)

// MemStore is an in-memory implementation of the [Store] interface, used for
// dry runs and tests.
type MemStore struct {
	mu   sync.RWMutex
	data map[string]*incident.Incident
}

// NewMemStore creates an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{data: make(map[string]*incident.Incident)}
}

// Get retrieves the incident with the given id.
func (s *MemStore) Get(_ context.Context, id string) (*incident.Incident, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	// Return a copy to prevent the caller from mutating the store.
	return clone(s.data[id]), nil
}

// Put inserts or replaces an incident.
func (s *MemStore) Put(_ context.Context, inc *incident.Incident) error {
	if inc.ID == "" {
		return ErrNoIncidentID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[inc.ID] = clone(inc)
	return nil
}

// All returns every incident ordered by id.
func (s *MemStore) All(_ context.Context) ([]*incident.Incident, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	incs := make([]*incident.Incident, 0, len(s.data))
	for _, inc := range s.data {
		incs = append(incs, clone(inc))
	}
	return sortByID(incs), nil
}

// Close is a no-op for MemStore.
func (s *MemStore) Close() error { return nil }

// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"go.astrophena.name/statusrelay/internal/atomicio"
	"go.astrophena.name/statusrelay/internal/incident"
	"go.astrophena.name/statusrelay/internal/syncx"
)

// jsonBackups is how many previous versions of the file are kept.
const jsonBackups = 3

// JSONFile is a file-backed implementation of the [Store] interface. The
// whole file is rewritten atomically on every Put.
type JSONFile struct {
	path string
	data *syncx.Protected[jsonStore]
}

type jsonStore struct {
	Incidents map[string]*incident.Incident `json:"incidents"`
}

// NewJSONFile opens the JSON file at path, creating its directory when
// needed. A missing file is an empty store.
func NewJSONFile(path string) (*JSONFile, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	js, err := atomicio.ReadJSON[jsonStore](path)
	if err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}
	if js.Incidents == nil {
		js.Incidents = make(map[string]*incident.Incident)
	}
	return &JSONFile{path: path, data: syncx.Protect(js)}, nil
}

// Get retrieves the incident with the given id.
func (s *JSONFile) Get(_ context.Context, id string) (*incident.Incident, error) {
	var inc *incident.Incident
	s.data.ReadAccess(func(js jsonStore) {
		inc = clone(js.Incidents[id])
	})
	return inc, nil
}

// Put inserts or replaces an incident and writes the file. If the write
// fails, the in-memory view is left unchanged.
func (s *JSONFile) Put(_ context.Context, inc *incident.Incident) error {
	if inc.ID == "" {
		return ErrNoIncidentID
	}
	var err error
	s.data.WriteAccess(func(js *jsonStore) {
		prev, existed := js.Incidents[inc.ID]
		js.Incidents[inc.ID] = clone(inc)
		if err = atomicio.WriteJSON(s.path, js, atomicio.Options{Backups: jsonBackups}); err != nil {
			if existed {
				js.Incidents[inc.ID] = prev
			} else {
				delete(js.Incidents, inc.ID)
			}
		}
	})
	return err
}

// All returns every incident ordered by id.
func (s *JSONFile) All(_ context.Context) ([]*incident.Incident, error) {
	var incs []*incident.Incident
	s.data.ReadAccess(func(js jsonStore) {
		incs = make([]*incident.Incident, 0, len(js.Incidents))
		for _, inc := range js.Incidents {
			incs = append(incs, clone(inc))
		}
	})
	return sortByID(incs), nil
}

// Close closes the file store.
func (s *JSONFile) Close() error { return nil }

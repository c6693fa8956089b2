// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package atomicio provides atomic file writing with optional backups.
package atomicio

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"time"
)

const backupTimeFormat = "20060102150405.999999999"

// Options control how [WriteFile] treats the file being replaced.
type Options struct {
	// Backups is how many previous versions to keep next to the file as
	// name.<timestamp>.bak. Zero keeps none.
	Backups int
	// Perm is the mode of the written file. Zero means 0o600.
	Perm fs.FileMode
}

// WriteFile writes data to name atomically: readers see either the old or
// the new contents, never a partial write.
func WriteFile(name string, data []byte, opts Options) (err error) {
	perm := opts.Perm
	if perm == 0 {
		perm = 0o600
	}

	// The temporary file must live on the same filesystem for os.Rename to
	// be atomic.
	f, err := os.CreateTemp(filepath.Dir(name), "."+filepath.Base(name)+".tmp")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			f.Close()
			os.Remove(f.Name())
		}
	}()

	if _, err := f.Write(data); err != nil {
		return err
	}
	if err := f.Chmod(perm); err != nil {
		return err
	}
	if err := f.Sync(); err != nil {
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}

	if opts.Backups > 0 {
		if err := backup(name); err != nil {
			return err
		}
	}

	if err := os.Rename(f.Name(), name); err != nil {
		return err
	}

	if opts.Backups > 0 {
		return pruneBackups(name, opts.Backups)
	}
	return nil
}

// WriteJSON marshals v as indented JSON and writes it with [WriteFile].
func WriteJSON(name string, v any, opts Options) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("atomicio: encoding %s: %w", name, err)
	}
	return WriteFile(name, append(b, '\n'), opts)
}

// ReadJSON reads and decodes name into a new T. A missing file yields the
// zero T and no error.
func ReadJSON[T any](name string) (T, error) {
	var v T
	b, err := os.ReadFile(name)
	if errors.Is(err, fs.ErrNotExist) {
		return v, nil
	}
	if err != nil {
		return v, err
	}
	if err := json.Unmarshal(b, &v); err != nil {
		return v, fmt.Errorf("atomicio: decoding %s: %w", name, err)
	}
	return v, nil
}

func backup(name string) error {
	_, err := os.Stat(name)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	// Copy rather than rename so that name never disappears, even briefly.
	b, err := os.ReadFile(name)
	if err != nil {
		return err
	}
	return os.WriteFile(name+"."+time.Now().UTC().Format(backupTimeFormat)+".bak", b, 0o600)
}

func pruneBackups(name string, keep int) error {
	backups, err := filepath.Glob(name + ".*.bak")
	if err != nil {
		return err
	}
	if len(backups) <= keep {
		return nil
	}

	slices.Sort(backups)
	for _, b := range backups[:len(backups)-keep] {
		if err := os.Remove(b); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	return nil
}

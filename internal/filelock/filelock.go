// © 2026 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package filelock provides non-blocking advisory file locks used to keep a
// single relay process per incident store.
package filelock

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"syscall"
)

// ErrAlreadyLocked indicates the lock is currently held by another process.
var ErrAlreadyLocked = errors.New("already locked")

// Lock is a held file lock.
type Lock struct {
	path string
	file *os.File
}

// Acquire obtains a non-blocking exclusive lock on path and records owner in
// the file so that [Owner] can report who holds it.
func Acquire(path, owner string) (*Lock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		if closeErr := f.Close(); closeErr != nil {
			return nil, errors.Join(err, closeErr)
		}
		if errors.Is(err, syscall.EWOULDBLOCK) || errors.Is(err, syscall.EAGAIN) {
			if prev, _ := Owner(path); prev != "" {
				return nil, fmt.Errorf("%w by %s", ErrAlreadyLocked, prev)
			}
			return nil, ErrAlreadyLocked
		}
		return nil, err
	}

	l := &Lock{path: path, file: f}
	if err := l.writeOwner(owner); err != nil {
		return nil, errors.Join(err, l.Release())
	}
	return l, nil
}

func (l *Lock) writeOwner(owner string) error {
	if err := l.file.Truncate(0); err != nil {
		return err
	}
	if _, err := l.file.Seek(0, 0); err != nil {
		return err
	}
	if owner == "" {
		return nil
	}
	_, err := l.file.WriteString(owner + "\n")
	return err
}

// Path returns the locked file path.
func (l *Lock) Path() string { return l.path }

// Release unlocks and closes the file. It is safe to call on a nil Lock.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	f := l.file
	l.file = nil
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_UN); err != nil {
		return errors.Join(err, f.Close())
	}
	return f.Close()
}

// Owner returns what the last holder recorded in path.
func Owner(path string) (string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(b)), nil
}

// IsLocked reports whether path is currently locked by another process.
func IsLocked(path string) bool {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return false
	}
	defer f.Close()

	err = syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB)
	if err == nil {
		_ = syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
		return false
	}
	return errors.Is(err, syscall.EWOULDBLOCK) || errors.Is(err, syscall.EAGAIN)
}

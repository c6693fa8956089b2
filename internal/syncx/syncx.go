// © 2024 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package syncx contains useful synchronization primitives.
package syncx

import "sync"

// Protect wraps T into [Protected].
func Protect[T any](val T) *Protected[T] { return &Protected[T]{val: val} }

// Protected provides synchronized access to a value of type T.
type Protected[T any] struct {
	mu  sync.RWMutex
	val T
}

// ReadAccess executes f with the value under a read lock.
func (p *Protected[T]) ReadAccess(f func(T)) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	f(p.val)
}

// WriteAccess executes f with a pointer to the value under a write lock, so
// f may replace the value wholesale.
func (p *Protected[T]) WriteAccess(f func(*T)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	f(&p.val)
}

// Load returns a copy of the protected value.
func (p *Protected[T]) Load() T {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.val
}

// Store replaces the protected value.
func (p *Protected[T]) Store(val T) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.val = val
}

// Lazy represents a lazily computed value.
type Lazy[T any] struct {
	once sync.Once
	val  T
	err  error
}

// Get returns T, calling f to compute it, if necessary.
func (l *Lazy[T]) Get(f func() T) T {
	l.once.Do(func() { l.val = f() })
	return l.val
}

// GetErr returns T and an error, calling f to compute them, if necessary.
func (l *Lazy[T]) GetErr(f func() (T, error)) (T, error) {
	l.once.Do(func() { l.val, l.err = f() })
	return l.val, l.err
}

// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package logger provides a structured logger that travels in a
// [context.Context] together with its adjustable level.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
)

// Logger is a [slog.Logger] with a level that can be changed at runtime.
type Logger struct {
	*slog.Logger
	Level *slog.LevelVar
}

// New returns a Logger that writes text records to w at the info level.
func New(w io.Writer) *Logger {
	level := new(slog.LevelVar)
	return &Logger{
		Logger: slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})),
		Level:  level,
	}
}

type ctxKey struct{}

// Put returns a copy of ctx carrying l.
func Put(ctx context.Context, l *Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, l)
}

// Get returns the Logger carried by ctx. If there is none, it returns a
// Logger wrapping [slog.Default].
func Get(ctx context.Context) *Logger {
	if l, ok := ctx.Value(ctxKey{}).(*Logger); ok {
		return l
	}
	return &Logger{Logger: slog.Default(), Level: new(slog.LevelVar)}
}

// ParseLevel parses a level name such as "debug" or "WARN". An empty string
// means info.
func ParseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if strings.TrimSpace(s) == "" {
		return slog.LevelInfo, nil
	}
	if err := level.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log level %q", s)
	}
	return level, nil
}

// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package rules evaluates user-supplied Starlark rules that keep incidents
// out of the channel.
//
// A rule file defines a function named block_rule that takes one incident
// and returns true to block it:
//
//	def block_rule(incident):
//	    return "maintenance" in incident.title.lower()
//
// The incident is a struct with the fields id, title, status, body, link and
// last_updated, all strings.
package rules

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
	"go.starlark.net/syntax"

	"go.astrophena.name/statusrelay/internal/incident"
	"go.astrophena.name/statusrelay/internal/logger"
)

// maxSteps bounds one evaluation so that a looping rule can't stall a pass.
const maxSteps = 1_000_000

// Rule is a compiled block rule. It is safe for concurrent use.
type Rule struct {
	name string
	fn   starlark.Callable
}

// Load reads and compiles the rule file at path.
func Load(path string) (*Rule, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Compile(filepath.Base(path), string(src))
}

// Compile compiles a rule from source. name is used in error messages.
func Compile(name, src string) (*Rule, error) {
	thread := &starlark.Thread{
		Name:  name,
		Print: func(_ *starlark.Thread, msg string) {},
	}
	globals, err := starlark.ExecFileOptions(&syntax.FileOptions{}, thread, name, src, nil)
	if err != nil {
		return nil, fmt.Errorf("rules: %w", err)
	}
	fn, ok := globals["block_rule"].(starlark.Callable)
	if !ok {
		return nil, errors.New("rules: " + name + " must define a block_rule function")
	}
	return &Rule{name: name, fn: fn}, nil
}

// Name returns the rule file name.
func (r *Rule) Name() string { return r.name }

// Blocked reports whether the rule blocks inc.
func (r *Rule) Blocked(ctx context.Context, inc *incident.Incident) (bool, error) {
	log := logger.Get(ctx)
	thread := &starlark.Thread{
		Name: r.name,
		Print: func(_ *starlark.Thread, msg string) {
			log.Info(msg, "rule", r.name, "incident", inc.ID)
		},
	}
	thread.SetMaxExecutionSteps(maxSteps)

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			thread.Cancel(ctx.Err().Error())
		case <-done:
		}
	}()

	val, err := starlark.Call(thread, r.fn, starlark.Tuple{toStarlark(inc)}, nil)
	if err != nil {
		return false, fmt.Errorf("rules: %s: %w", r.name, err)
	}
	return bool(val.Truth()), nil
}

func toStarlark(inc *incident.Incident) starlark.Value {
	return starlarkstruct.FromStringDict(starlarkstruct.Default, starlark.StringDict{
		"id":           starlark.String(inc.ID),
		"title":        starlark.String(inc.Title),
		"status":       starlark.String(inc.Status.String()),
		"body":         starlark.String(inc.Body),
		"link":         starlark.String(inc.Link),
		"last_updated": starlark.String(inc.LastUpdated),
	})
}

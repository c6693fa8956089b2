// © 2024 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package clitest provides utilities for testing command-line applications.
package clitest

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"go.astrophena.name/statusrelay/internal/cli"
)

// Case represents a single test case for a command-line application.
type Case[App cli.App] struct {
	// Args are the command-line arguments to pass to the application.
	Args []string
	// Env are the environment variables visible to the application.
	Env map[string]string
	// WantErr is the expected error, checked with errors.Is.
	WantErr error
	// WantInStdout is the expected substring of the standard output.
	WantInStdout string
	// WantInStderr is the expected substring of the standard error.
	WantInStderr string
	// CheckFunc is an optional function to perform additional checks after the
	// application has run.
	CheckFunc func(*testing.T, App)
}

// Run runs the provided test cases against applications built by setup.
func Run[App cli.App](t *testing.T, setup func(*testing.T) App, cases map[string]Case[App]) {
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			app := setup(t)

			var stdout, stderr bytes.Buffer
			env := &cli.Env{
				Args:   tc.Args,
				Getenv: func(name string) string { return tc.Env[name] },
				Stdin:  strings.NewReader(""),
				Stdout: &stdout,
				Stderr: &stderr,
			}

			err := cli.Run(cli.WithEnv(context.Background(), env), app)
			switch {
			case err == nil && tc.WantErr != nil:
				t.Fatalf("must fail with error: %v", tc.WantErr)
			case err != nil && tc.WantErr == nil:
				t.Fatalf("unexpected error: %v\nstderr:\n%s", err, stderr.String())
			case err != nil && !errors.Is(err, tc.WantErr):
				t.Fatalf("got error: %v, want %v", err, tc.WantErr)
			}

			if tc.WantInStdout != "" && !strings.Contains(stdout.String(), tc.WantInStdout) {
				t.Errorf("stdout must contain %q, got: %q", tc.WantInStdout, stdout.String())
			}
			if tc.WantInStderr != "" && !strings.Contains(stderr.String(), tc.WantInStderr) {
				t.Errorf("stderr must contain %q, got: %q", tc.WantInStderr, stderr.String())
			}

			if tc.CheckFunc != nil {
				tc.CheckFunc(t, app)
			}
		})
	}
}

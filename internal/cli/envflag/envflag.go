// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package envflag defines command-line flags whose defaults come from
// environment variables.
package envflag

import (
	"errors"
	"flag"
	"fmt"
	"strconv"
)

// Type is a constraint that permits only types supported by envflag package.
type Type interface {
	int | int64 | bool | string
}

// Set binds flags of a [flag.FlagSet] to environment variables.
type Set struct {
	fs     *flag.FlagSet
	getenv func(string) string
	errs   []error
}

// New returns a Set that registers flags on fs and reads environment
// variables with getenv.
func New(fs *flag.FlagSet, getenv func(string) string) *Set {
	return &Set{fs: fs, getenv: getenv}
}

// Err reports environment variables that held values not parseable as the
// type of their flag.
func (s *Set) Err() error { return errors.Join(s.errs...) }

// Value defines a flag with the given name, default value and usage. If the
// environment variable envName is set, its value replaces the default; an
// explicit flag on the command line wins over both.
func Value[T Type](s *Set, name, envName string, value T, usage string) *T {
	result := new(T)
	*result = value

	if env := s.getenv(envName); env != "" {
		if err := parse(env, result); err != nil {
			s.errs = append(s.errs, fmt.Errorf("%s: %w", envName, err))
		}
	}

	s.fs.Var(&flagValue[T]{result}, name, usage+" Can be overridden by "+envName+" environment variable.")
	return result
}

type flagValue[T Type] struct{ v *T }

func (f *flagValue[T]) String() string {
	if f.v == nil {
		return ""
	}
	return fmt.Sprint(*f.v)
}

func (f *flagValue[T]) Set(s string) error { return parse(s, f.v) }

// IsBoolFlag lets boolean flags be passed without a value.
func (f *flagValue[T]) IsBoolFlag() bool {
	_, ok := any(f.v).(*bool)
	return ok
}

func parse[T Type](s string, dst *T) error {
	switch p := any(dst).(type) {
	case *int:
		v, err := strconv.Atoi(s)
		if err != nil {
			return err
		}
		*p = v
	case *int64:
		v, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return err
		}
		*p = v
	case *bool:
		v, err := strconv.ParseBool(s)
		if err != nil {
			return err
		}
		*p = v
	case *string:
		*p = s
	}
	return nil
}

// © 2024 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package syncx

import (
	"errors"
	"sync"
	"testing"

	"go.astrophena.name/statusrelay/internal/testutil"
)

func TestProtected(t *testing.T) {
	t.Parallel()

	t.Run("read access", func(t *testing.T) {
		p := Protect(42)
		var result int
		p.ReadAccess(func(val int) { result = val })
		testutil.AssertEqual(t, result, 42)
	})

	t.Run("write access replaces value", func(t *testing.T) {
		p := Protect("old")
		p.WriteAccess(func(val *string) { *val = "new" })
		testutil.AssertEqual(t, p.Load(), "new")
	})

	t.Run("concurrent access", func(t *testing.T) {
		p := Protect(0)
		var wg sync.WaitGroup
		for range 100 {
			wg.Go(func() {
				p.WriteAccess(func(val *int) { *val += 1 })
			})
		}
		wg.Wait()
		testutil.AssertEqual(t, p.Load(), 100)
	})
}

func TestLazy(t *testing.T) {
	t.Parallel()

	var (
		l     Lazy[int]
		calls int
	)
	for range 3 {
		got := l.Get(func() int {
			calls++
			return 7
		})
		testutil.AssertEqual(t, got, 7)
	}
	testutil.AssertEqual(t, calls, 1)

	var le Lazy[string]
	wantErr := errors.New("boom")
	_, err := le.GetErr(func() (string, error) { return "", wantErr })
	if !errors.Is(err, wantErr) {
		t.Fatalf("GetErr() error = %v, want %v", err, wantErr)
	}
}

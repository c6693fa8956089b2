// © 2024 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package version provides the version and build information.
package version

import (
	"os"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"strings"
	"sync"
)

// Info is the version and build information of the current binary.
type Info struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Commit  string `json:"commit"`   // BuildInfo's vcs.revision
	BuiltAt string `json:"built_at"` // BuildInfo's vcs.time
	Go      string `json:"go"`
	OS      string `json:"os"`
	Arch    string `json:"arch"`
}

// String implements the fmt.Stringer interface.
func (i Info) String() string {
	var sb strings.Builder
	sb.WriteString(i.Name + " " + i.Version + " (" + i.Go + ", " + i.OS + "/" + i.Arch + ")\n")
	if i.Commit != "" && i.BuiltAt != "" {
		sb.WriteString("commit " + i.Commit + "\n")
		sb.WriteString("built at " + i.BuiltAt + "\n")
	}
	return sb.String()
}

// used in tests
var loadFunc = debug.ReadBuildInfo

var info = sync.OnceValue(func() Info { return loadInfo(loadFunc) })

// CmdName returns the base name of the current binary.
func CmdName() string { return info().Name }

// Version returns the version and build information of the current binary.
func Version() Info { return info() }

// UserAgent returns a User-Agent header value identifying this binary in
// outgoing HTTP requests.
func UserAgent() string { return userAgent(info()) }

func userAgent(i Info) string {
	ver := i.Version
	if ver == "devel" && i.Commit != "" {
		ver = i.Commit
	}
	return i.Name + "/" + ver + " (+https://astrophena.name/bleep-bloop)"
}

func loadInfo(load func() (*debug.BuildInfo, bool)) Info {
	i := Info{
		Name:    "statusrelay",
		Version: "devel",
		Go:      runtime.Version(),
		OS:      runtime.GOOS,
		Arch:    runtime.GOARCH,
	}
	if exe, err := os.Executable(); err == nil {
		if name := filepath.Base(exe); !strings.HasSuffix(name, ".test") {
			i.Name = name
		}
	}

	bi, ok := load()
	if !ok {
		return i
	}
	if bi.Main.Version != "" && bi.Main.Version != "(devel)" {
		i.Version = bi.Main.Version
	}
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			i.Commit = s.Value
		case "vcs.time":
			i.BuiltAt = s.Value
		}
	}
	return i
}

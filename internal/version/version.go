// Package version carries the build identity stamped in with -ldflags, e.g.
//
//	-X github.com/arcadecast/arcadecast/internal/version.Version=v0.3.0
package version

import (
	"fmt"
	"runtime"
	"time"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
	CommitID  = "unknown"
)

// BuildInfo describes the running binary.
type BuildInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`
}

// Info returns the build identity of the running binary.
func Info() BuildInfo {
	return BuildInfo{
		Version:   Version,
		Commit:    CommitID,
		BuildTime: humanBuildTime(),
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}
}

// String is the one-line form used in banners and logs.
func (b BuildInfo) String() string {
	return fmt.Sprintf("%s (%s, %s)", b.Version, shortCommit(b.Commit), b.Platform)
}

// humanBuildTime renders an RFC 3339 stamp; anything else passes through.
func humanBuildTime() string {
	t, err := time.Parse(time.RFC3339, BuildTime)
	if err != nil {
		return BuildTime
	}
	return t.UTC().Format("Mon Jan 2 15:04:05 2006")
}

func shortCommit(c string) string {
	if len(c) > 7 {
		return c[:7]
	}
	return c
}

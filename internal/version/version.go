// Package version carries build information set with -ldflags, e.g.
//
//	go build -ldflags "-X github.com/shizukutanaka/mamoru/internal/version.Version=1.2.0"
package version

import "runtime"

var (
	Version   = "0.1.0-dev"
	BuildDate = ""
	GitCommit = ""
)

// Info is the build information of the running binary.
type Info struct {
	Version   string `json:"version"`
	BuildDate string `json:"build_date,omitempty"`
	GitCommit string `json:"git_commit,omitempty"`
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`
}

// Get returns the current build information.
func Get() Info {
	return Info{
		Version:   Version,
		BuildDate: BuildDate,
		GitCommit: GitCommit,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}
}

// Package version carries build metadata stamped with -ldflags, falling back
// to the module build info embedded by the go toolchain.
package version

import (
	"fmt"
	"runtime/debug"
	"strings"
)

const AppName = "windowgate"

// set via -ldflags "-X github.com/keithlinneman/windowgate/internal/version.Version=..."
var (
	Version    = "dev"
	Commit     = "none"
	CommitDate string
	BuildDate  string
	BuildID    string
	GoVersion  string
	VCSDirty   *bool
)

type Info struct {
	App        string `json:"app"`
	Version    string `json:"version"`
	Commit     string `json:"commit"`
	CommitDate string `json:"commit_date,omitempty"`
	BuildDate  string `json:"build_date,omitempty"`
	BuildID    string `json:"build_id,omitempty"`
	GoVersion  string `json:"go_version"`
	VCSDirty   *bool  `json:"vcs_dirty,omitempty"`
}

func Get() Info {
	out := Info{
		App:        AppName,
		Version:    Version,
		Commit:     Commit,
		CommitDate: CommitDate,
		BuildDate:  BuildDate,
		BuildID:    BuildID,
		GoVersion:  GoVersion,
		VCSDirty:   VCSDirty,
	}

	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return out
	}
	out.GoVersion = bi.GoVersion
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			if out.Commit == "none" && s.Value != "" {
				out.Commit = s.Value
			}
		case "vcs.time":
			if out.BuildDate == "" {
				out.BuildDate = s.Value
			}
			if out.CommitDate == "" {
				out.CommitDate = s.Value
			}
		case "vcs.modified":
			if s.Value == "true" || s.Value == "false" {
				dirty := s.Value == "true"
				out.VCSDirty = &dirty
			}
		}
	}
	return out
}

// ShortCommit is the first 12 characters of the commit hash.
func (i Info) ShortCommit() string {
	if len(i.Commit) > 12 {
		return i.Commit[:12]
	}
	return i.Commit
}

// String is the single line printed by -V.
func (i Info) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s (commit %s", i.App, i.Version, i.ShortCommit())
	if i.VCSDirty != nil && *i.VCSDirty {
		b.WriteString(", dirty")
	}
	if i.BuildDate != "" {
		fmt.Fprintf(&b, ", built %s", i.BuildDate)
	}
	fmt.Fprintf(&b, ", %s)", i.GoVersion)
	return b.String()
}

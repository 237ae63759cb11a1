// Package version reports the build identity ghostflow advertises in log
// lines, the health endpoint, and user-agent strings.
//
// The commit is resolved in order: the -ldflags override baked into release
// images, the vcs.revision the Go toolchain stamps into the binary, then
// "dev" for ad-hoc builds and tests.
package version

import "runtime/debug"

// AppName prefixes every identifier this package produces.
const AppName = "ghostflow"

// commitOverride is injected with
// -ldflags "-X github.com/ghostflow-ai/ghostflow/pkg/version.commitOverride=<sha>"
// for image builds that strip the .git directory.
var commitOverride string

// GitCommit is the short commit hash identifying this build, or "dev" when
// no VCS metadata is available.
var GitCommit = resolveCommit()

func resolveCommit() string {
	if commitOverride != "" {
		return shorten(commitOverride)
	}
	if rev := vcsRevision(); rev != "" {
		return shorten(rev)
	}
	return "dev"
}

func vcsRevision() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, s := range info.Settings {
		if s.Key == "vcs.revision" {
			return s.Value
		}
	}
	return ""
}

func shorten(rev string) string {
	if len(rev) > 8 {
		return rev[:8]
	}
	return rev
}

// Full returns "ghostflow/<commit>", the identifier the health endpoint and
// startup log report.
func Full() string {
	return AppName + "/" + GitCommit
}

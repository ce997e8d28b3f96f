// Package version exposes the release and build identity baked into the
// binary at link time, and the one human-readable string cmd prints for
// --version.
package version

import (
	"bytes"
	"fmt"
	"runtime"
	"strings"

	ver "github.com/hashicorp/go-version"
	"golang.org/x/sys/unix"
)

var (
	// releaseVersionRaw is overwritten at link time with -ldflags -X,
	// normally from a CURRENT_VERSION file baked in at build time.
	releaseVersionRaw = "0.0.0"

	// gitSHA is overwritten the same way, with the commit the binary was
	// built from.
	gitSHA = "unknown"

	parsedRelease = ver.Must(ver.NewSemver(strings.TrimSpace(releaseVersionRaw)))
)

// ReleaseVersion is the parsed semver this binary was built as.
func ReleaseVersion() *ver.Version {
	return parsedRelease
}

// GitVersion is the commit SHA this binary was built from.
func GitVersion() string {
	return gitSHA
}

// hostArch reports the machine's actual architecture via uname(2), in
// GOARCH naming for the common machine names, falling back to the
// Go-reported GOARCH if the syscall fails.
func hostArch() string {
	var uts unix.Utsname
	if err := unix.Uname(&uts); err != nil {
		return runtime.GOARCH
	}
	machine := string(bytes.TrimRight(uts.Machine[:], "\x00"))
	switch machine {
	case "x86_64":
		return "amd64"
	case "aarch64":
		return "arm64"
	case "i386", "i686":
		return "386"
	}
	return machine
}

// CLIDisplayString is the one-line identity string printed for --version:
// release, git SHA, and the architecture the binary targets, noting any
// mismatch against the machine actually running it (e.g. an amd64 binary
// under emulation on arm64).
func CLIDisplayString() string {
	arch := runtime.GOARCH
	if host := hostArch(); host != "" && host != runtime.GOARCH {
		arch = fmt.Sprintf("built for %s, running on %s", runtime.GOARCH, host)
	}
	return fmt.Sprintf("%s (%s, %s)", parsedRelease.String(), gitSHA, arch)
}

package abi

import (
	"runtime"
	"strings"

	"github.com/cockroachdb/errors"
)

// Version of the workspace; bumped whenever the boundary layout changes.
const Version = "0.3.0"

// UnloadingFlag marks modules built with unloading support.
const UnloadingFlag = "unloading"

const fingerprintSeparator = "|"

// ErrMalformedFingerprint is returned by ParseFingerprint.
var ErrMalformedFingerprint = errors.New("malformed compatibility fingerprint")

// Fingerprint is the decoded form of a compatibility string.
type Fingerprint struct {
	Toolchain string
	Target    string
	Backend   string
	Version   string
	Unloading bool
}

func (f Fingerprint) String() string {
	flag := ""
	if f.Unloading {
		flag = UnloadingFlag
	}
	return strings.Join([]string{f.Toolchain, f.Target, f.Backend, f.Version, flag}, fingerprintSeparator)
}

// HostFingerprint describes the running binary. A module built by the same
// toolchain for the same target with this workspace version carries the same string.
func HostFingerprint() Fingerprint {
	return Fingerprint{
		Toolchain: runtime.Version(),
		Target:    runtime.GOOS + "/" + runtime.GOARCH,
		Backend:   runtime.Compiler,
		Version:   Version,
		Unloading: true,
	}
}

// ParseFingerprint splits a compatibility string.
func ParseFingerprint(s string) (f Fingerprint, err error) {
	parts := strings.Split(s, fingerprintSeparator)
	if len(parts) != 5 {
		return f, errors.Wrapf(ErrMalformedFingerprint, "%q has %d fields", s, len(parts))
	}
	switch parts[4] {
	case UnloadingFlag:
		f.Unloading = true
	case "":
	default:
		return f, errors.Wrapf(ErrMalformedFingerprint, "unknown flag %q", parts[4])
	}
	f.Toolchain, f.Target, f.Backend, f.Version = parts[0], parts[1], parts[2], parts[3]
	return
}

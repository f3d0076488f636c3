package version

import (
	goVersion "github.com/hashicorp/go-version"

	"github.com/sidkik/mirror/pkg/errors"
)

// EmptyValue is the value we use when running a version that wasn't compiled
// by `make`. This is helpful for telling when we're running in a unit test.
const EmptyValue = "set-by-make"

// Version is the latest tag on git for releases. On non-release commits, it may
// include additional information such as the most recent commit hash.
var Version = EmptyValue

// ProtocolVersion is the version of the sync protocol spoken by this binary.
// Peers can sync if their protocols have the same major version.
const ProtocolVersion = "1.0.0"

// CheckCompatible returns an error if a peer running protocol `remote` can't
// sync with this binary.
func CheckCompatible(remote string) error {
	local, err := goVersion.NewVersion(ProtocolVersion)
	if err != nil {
		return errors.WithContext(err, "parse local protocol version")
	}

	remoteVersion, err := goVersion.NewVersion(remote)
	if err != nil {
		return errors.IncompatibleVersionError{Local: ProtocolVersion, Remote: remote}
	}

	if majorVersion(local) != majorVersion(remoteVersion) {
		return errors.IncompatibleVersionError{Local: ProtocolVersion, Remote: remote}
	}
	return nil
}

func majorVersion(v *goVersion.Version) int {
	segments := v.Segments()
	if len(segments) == 0 {
		return 0
	}
	return segments[0]
}

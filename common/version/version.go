package version

import (
	"github.com/blang/semver"
)

var CURRENT_VERSION = semver.MustParse("1.2.0")

//	Version spoken in request and reply frames. Peers must agree on the major version.
var PROTOCOL_VERSION = semver.MustParse("1.0.0")

func Compatible(v semver.Version) bool {
	return v.Major == PROTOCOL_VERSION.Major
}

//	CompatibleString parses v and reports whether it is Compatible. Unparsable
//	versions are incompatible.
func CompatibleString(v string) bool {
	parsed, err := semver.Parse(v)
	if err != nil {
		return false
	}
	return Compatible(parsed)
}

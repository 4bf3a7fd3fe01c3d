package version

import (
	"strings"

	"github.com/Masterminds/semver/v3"
)

// Unknown is reported for versions that cannot be determined.
const Unknown = "unknown"

// Diff is the semantic distance between two versions.
type Diff string

const (
	DiffNone    Diff = "none"
	DiffPatch   Diff = "patch"
	DiffMinor   Diff = "minor"
	DiffMajor   Diff = "major"
	DiffUnknown Diff = "unknown"

	// DiffPrerelease marks a pre-release target. It is never a patch, so
	// release candidates always go through approval.
	DiffPrerelease Diff = "prerelease"
)

// Delta is the result of comparing a deployed version with a candidate.
type Delta struct {
	UpdateAvailable bool `json:"updateAvailable"`
	Diff            Diff `json:"diffClass"`
}

func parse(s string) (*semver.Version, bool) {
	v, err := semver.StrictNewVersion(strings.TrimPrefix(s, "v"))
	if err != nil {
		return nil, false
	}
	return v, true
}

// Classify compares current with latest. When both are strict semver the
// delta is semantic; otherwise any difference counts as an update of
// unknown size. An empty latest means no candidate is known.
func Classify(current, latest string) Delta {
	if latest == "" || latest == Unknown {
		return Delta{Diff: DiffUnknown}
	}

	cur, ok1 := parse(current)
	lat, ok2 := parse(latest)
	if !ok1 || !ok2 {
		return Delta{UpdateAvailable: current != latest, Diff: DiffUnknown}
	}

	if !cur.LessThan(lat) {
		return Delta{Diff: DiffNone}
	}
	switch {
	case lat.Prerelease() != "":
		return Delta{UpdateAvailable: true, Diff: DiffPrerelease}
	case cur.Major() != lat.Major():
		return Delta{UpdateAvailable: true, Diff: DiffMajor}
	case cur.Minor() != lat.Minor():
		return Delta{UpdateAvailable: true, Diff: DiffMinor}
	default:
		// Same major.minor: a patch bump or the release of a deployed
		// pre-release.
		return Delta{UpdateAvailable: true, Diff: DiffPatch}
	}
}

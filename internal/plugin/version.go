package plugin

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// prereleaseComparator matches a comparator version carrying a
// prerelease tag, e.g. ">=2.0.0-beta" or "^1.4.0-rc.1".
var prereleaseComparator = regexp.MustCompile(`\d+\.\d+\.\d+-[0-9A-Za-z]`)

// Range is a parsed semantic-version range ("^1.2.0", "~2.1",
// ">=1.0.0 <2.0.0", "1.x || 2.x"). Versions with a prerelease tag only
// satisfy ranges that themselves name a prerelease.
type Range struct {
	raw        string
	constraint *semver.Constraints
	prerelease bool
}

// ParseRange parses a range. An empty range matches every version.
func ParseRange(s string) (*Range, error) {
	raw := strings.TrimSpace(s)
	expr := raw
	if expr == "" {
		expr = "*"
	}
	c, err := semver.NewConstraint(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid version range %q: %w", s, err)
	}
	return &Range{
		raw:        raw,
		constraint: c,
		prerelease: prereleaseComparator.MatchString(expr),
	}, nil
}

// MustParseRange is like ParseRange but panics on error.
func MustParseRange(s string) *Range {
	r, err := ParseRange(s)
	if err != nil {
		panic(err)
	}
	return r
}

// String returns the range as written.
func (r *Range) String() string {
	if r.raw == "" {
		return "*"
	}
	return r.raw
}

// Check reports whether v satisfies the range.
func (r *Range) Check(v *semver.Version) bool {
	if v == nil {
		return false
	}
	return r.constraint.Check(v)
}

// TargetsPrerelease reports whether any comparator names a prerelease,
// which opts the range into matching prerelease versions.
func (r *Range) TargetsPrerelease() bool {
	return r.prerelease
}

// ParseVersion parses a semantic version. A leading "v" and missing minor
// or patch components are accepted.
func ParseVersion(s string) (*semver.Version, error) {
	v, err := semver.NewVersion(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("invalid version %q: %w", s, err)
	}
	return v, nil
}

// BaseVersion strips prerelease and build metadata.
func BaseVersion(v *semver.Version) *semver.Version {
	return semver.New(v.Major(), v.Minor(), v.Patch(), "", "")
}

// Satisfies reports whether version satisfies rangeExpr.
func Satisfies(rangeExpr, version string) (bool, error) {
	r, err := ParseRange(rangeExpr)
	if err != nil {
		return false, err
	}
	v, err := ParseVersion(version)
	if err != nil {
		return false, err
	}
	return r.Check(v), nil
}

// IsDevelopmentVersion reports whether v is the 0.0.0 development marker.
func IsDevelopmentVersion(v *semver.Version) bool {
	return v != nil && v.Major() == 0 && v.Minor() == 0 && v.Patch() == 0 &&
		v.Prerelease() == "" && v.Metadata() == ""
}

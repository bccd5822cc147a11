// Package version provides bundle and capability versions plus version ranges.
//
// Versions follow the major.minor.micro.qualifier shape used by module
// manifests. Ranges accept either interval notation ("[1.0,2.0)", "1.0" for an
// open-ended floor) or semantic version constraints ("^1.2", ">=1.0 <2.0").
//
// This is a thin wrapper around github.com/Masterminds/semver/v3.
package version

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	mm "github.com/Masterminds/semver/v3"
)

var (
	ErrInvalidVersion = errors.New("invalid version")
	ErrInvalidRange   = errors.New("invalid version range")
)

// Version is an immutable version value. The zero value is 0.0.0.
type Version struct {
	v *mm.Version
}

// Empty is the 0.0.0 version.
var Empty = Version{}

// Parse parses a version string. An empty string yields 0.0.0.
func Parse(raw string) (Version, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Empty, nil
	}
	if v, ok := parseDotted(raw); ok {
		return Version{v: v}, nil
	}
	v, err := mm.NewVersion(raw)
	if err != nil {
		return Empty, fmt.Errorf("%w %q: %w", ErrInvalidVersion, raw, err)
	}
	return Version{v: v}, nil
}

// MustParse is like Parse but panics on error.
func MustParse(raw string) Version {
	v, err := Parse(raw)
	if err != nil {
		panic(err)
	}
	return v
}

// parseDotted handles the up-to-four segment form where the fourth segment is
// a free-form qualifier.
func parseDotted(raw string) (*mm.Version, bool) {
	parts := strings.SplitN(raw, ".", 4)
	nums := [3]uint64{}
	for i := 0; i < len(parts) && i < 3; i++ {
		n, err := strconv.ParseUint(parts[i], 10, 64)
		if err != nil {
			return nil, false
		}
		nums[i] = n
	}
	qualifier := ""
	if len(parts) == 4 {
		qualifier = parts[3]
		if qualifier == "" {
			return nil, false
		}
		for _, r := range qualifier {
			if !(r == '-' || r == '_' || r >= '0' && r <= '9' || r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z') {
				return nil, false
			}
		}
	}
	return mm.New(nums[0], nums[1], nums[2], "", qualifier), true
}

func (v Version) sem() *mm.Version {
	if v.v == nil {
		return mm.New(0, 0, 0, "", "")
	}
	return v.v
}

func (v Version) Major() uint64 { return v.sem().Major() }
func (v Version) Minor() uint64 { return v.sem().Minor() }
func (v Version) Micro() uint64 { return v.sem().Patch() }

// Qualifier returns the fourth segment, if any.
func (v Version) Qualifier() string { return v.sem().Metadata() }

// Compare returns -1, 0 or 1. Qualifiers compare lexically after the numeric
// segments and any pre-release tag.
func (v Version) Compare(o Version) int {
	if c := v.sem().Compare(o.sem()); c != 0 {
		return c
	}
	return strings.Compare(v.Qualifier(), o.Qualifier())
}

func (v Version) Equal(o Version) bool { return v.Compare(o) == 0 }

func (v Version) String() string {
	s := v.sem()
	out := fmt.Sprintf("%d.%d.%d", s.Major(), s.Minor(), s.Patch())
	if pre := s.Prerelease(); pre != "" {
		out += "-" + pre
	}
	if q := s.Metadata(); q != "" {
		out += "." + q
	}
	return out
}

// MarshalText lets versions appear as plain strings in YAML and JSON output.
func (v Version) MarshalText() ([]byte, error) {
	return []byte(v.String()), nil
}

func (v *Version) UnmarshalText(b []byte) error {
	parsed, err := Parse(string(b))
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

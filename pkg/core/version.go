package core

import (
	"fmt"
	"regexp"
)

var versionPattern = regexp.MustCompile(`\b(\d+)\.(\d)\.(\d)\b`)

// Version is a firmware version triple as reported by the device.
type Version struct {
	Major uint8
	Minor uint8
	Patch uint8
}

// NewVersion creates a Version from its components.
func NewVersion(major, minor, patch uint8) Version {
	return Version{Major: major, Minor: minor, Patch: patch}
}

// VersionFromBytes parses a Version from a 3-byte wire encoding.
func VersionFromBytes(data []byte) (Version, error) {
	if len(data) < 3 {
		return Version{}, fmt.Errorf("%w: version requires 3 bytes, got %d", ErrBadResponse, len(data))
	}
	return Version{Major: data[0], Minor: data[1], Patch: data[2]}, nil
}

// VersionFromString extracts the first x.y.z version found in a string.
// Several firmware responses report the version as ASCII text.
func VersionFromString(s string) (Version, error) {
	m := versionPattern.FindStringSubmatch(s)
	if m == nil {
		return Version{}, fmt.Errorf("%w: no version found in %q", ErrBadResponse, s)
	}
	var v Version
	fmt.Sscanf(m[0], "%d.%d.%d", &v.Major, &v.Minor, &v.Patch)
	return v, nil
}

// Compare returns -1, 0 or 1 depending on whether v is older than, equal to
// or newer than other.
func (v Version) Compare(other Version) int {
	a := [3]uint8{v.Major, v.Minor, v.Patch}
	b := [3]uint8{other.Major, other.Minor, other.Patch}
	for i := 0; i < 3; i++ {
		if a[i] < b[i] {
			return -1
		}
		if a[i] > b[i] {
			return 1
		}
	}
	return 0
}

// AtLeast returns true if v is the given version or newer.
func (v Version) AtLeast(major, minor, patch uint8) bool {
	return v.Compare(Version{major, minor, patch}) >= 0
}

// Less returns true if v is older than the given version.
func (v Version) Less(major, minor, patch uint8) bool {
	return v.Compare(Version{major, minor, patch}) < 0
}

// IsZero returns true for the zero Version.
func (v Version) IsZero() bool {
	return v == Version{}
}

// Bytes returns the 3-byte wire encoding.
func (v Version) Bytes() []byte {
	return []byte{v.Major, v.Minor, v.Patch}
}

// String returns the dotted decimal form.
func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

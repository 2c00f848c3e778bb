package version

import (
	"fmt"
	"strconv"
	"strings"
)

// Version is a parsed dotted version. Missing minor/patch parts read as 0,
// so "2" and "2.0.0" compare equal.
type Version struct {
	Major int
	Minor int
	Patch int
}

func Parse(s string) (Version, error) {
	if s == "" {
		return Version{}, fmt.Errorf("empty version string")
	}

	parts := strings.Split(s, ".")
	if len(parts) > 3 {
		return Version{}, fmt.Errorf("invalid version format %q", s)
	}

	var nums [3]int
	for i, part := range parts {
		n, err := strconv.Atoi(part)
		if err != nil {
			return Version{}, fmt.Errorf("invalid version component %q: %v", part, err)
		}
		if n < 0 {
			return Version{}, fmt.Errorf("version component cannot be negative")
		}
		nums[i] = n
	}
	return Version{Major: nums[0], Minor: nums[1], Patch: nums[2]}, nil
}

// Compare returns -1, 0 or 1 as v is older than, equal to or newer than o.
func (v Version) Compare(o Version) int {
	pairs := [][2]int{{v.Major, o.Major}, {v.Minor, o.Minor}, {v.Patch, o.Patch}}
	for _, p := range pairs {
		if p[0] < p[1] {
			return -1
		}
		if p[0] > p[1] {
			return 1
		}
	}
	return 0
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// IsCompatible reports whether a license issued for one major version
// covers the requesting app. 1.x licenses work with any 1.y.z build and
// nothing else.
func IsCompatible(licenseVersion, requestedVersion string) (bool, error) {
	license, err := Parse(licenseVersion)
	if err != nil {
		return false, fmt.Errorf("invalid license version: %v", err)
	}
	requested, err := Parse(requestedVersion)
	if err != nil {
		return false, fmt.Errorf("invalid app version: %v", err)
	}
	return license.Major == requested.Major, nil
}

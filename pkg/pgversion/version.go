// Package pgversion parses and compares PostgreSQL version numbers.
//
// PostgreSQL's versioning scheme changed with release 10: before that the
// "major" release was the first two components (9.6) and the third was the
// patch level (9.6.24); from 10 onwards the major release is a single number
// and the second component is the patch level (16.2). See
// https://www.postgresql.org/support/versioning/ for details.
package pgversion

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
)

// ErrInvalid is returned when a string does not contain a recognizable
// PostgreSQL version number.
var ErrInvalid = errors.New("no PostgreSQL version found")

var versionRe = regexp.MustCompile(`\b(\d+)\.(\d+)(?:\.(\d+))?\b`)

// Version is a fully resolved PostgreSQL release number, as reported by
// `postgres --version`. For releases before 10 all three components are
// meaningful; for 10 and later only Major and Minor are.
type Version struct {
	Major int
	Minor int
	Patch int
}

// Parse extracts a version from free-text output such as
// "postgres (PostgreSQL) 9.6.24" or "postgres (PostgreSQL) 16.0 (Homebrew)".
// Leading and trailing garbage is tolerated; the string must contain at
// least a MAJOR.MINOR pair consistent with PostgreSQL's versioning scheme.
func Parse(s string) (Version, error) {
	m := versionRe.FindStringSubmatch(s)
	if m == nil {
		return Version{}, fmt.Errorf("%w in %q", ErrInvalid, s)
	}

	major, err := strconv.Atoi(m[1])
	if err != nil {
		return Version{}, fmt.Errorf("%w in %q: %v", ErrInvalid, s, err)
	}
	minor, err := strconv.Atoi(m[2])
	if err != nil {
		return Version{}, fmt.Errorf("%w in %q: %v", ErrInvalid, s, err)
	}

	v := Version{Major: major, Minor: minor}
	switch {
	case m[3] != "" && major >= 10:
		// 10 and later have only two components.
		return Version{}, fmt.Errorf("%w: %q has a patch component but is not a pre-10 release", ErrInvalid, s)
	case m[3] == "" && major < 10:
		return Version{}, fmt.Errorf("%w: %q is missing the patch component of a pre-10 release", ErrInvalid, s)
	case m[3] != "":
		v.Patch, err = strconv.Atoi(m[3])
		if err != nil {
			return Version{}, fmt.Errorf("%w in %q: %v", ErrInvalid, s, err)
		}
	}
	return v, nil
}

// Pre10 reports whether this release predates PostgreSQL 10.
func (v Version) Pre10() bool {
	return v.Major < 10
}

// String renders the canonical form: "9.6.24" for pre-10 releases,
// "16.0" for 10 and later.
func (v Version) String() string {
	if v.Pre10() {
		return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
	}
	return fmt.Sprintf("%d.%d", v.Major, v.Minor)
}

// Compare returns -1, 0, or 1 ordering v against other. The patch component
// participates only for pre-10 releases, where it is the patch level; for 10
// and later the Minor component already is the patch level.
func (v Version) Compare(other Version) int {
	if c := cmp(v.Major, other.Major); c != 0 {
		return c
	}
	if c := cmp(v.Minor, other.Minor); c != 0 {
		return c
	}
	if v.Pre10() && other.Pre10() {
		return cmp(v.Patch, other.Patch)
	}
	return 0
}

// AtLeast reports whether v is major.minor or newer. Used for the
// version-dependent server argument forms.
func (v Version) AtLeast(major, minor int) bool {
	if v.Major != major {
		return v.Major > major
	}
	return v.Minor >= minor
}

func cmp(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

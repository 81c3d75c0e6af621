package version

import (
	"fmt"
	"strings"

	goversion "github.com/hashicorp/go-version"
)

// Version is a workload release number rendered as v{major}.{minor}
type Version struct {
	Major int
	Minor int
}

// Initial is the version produced by a workload's first deploy
var Initial = Version{Major: 1, Minor: 0}

// Parse parses a version of the form "v1.4" or "1.4"
func Parse(s string) (Version, error) {
	v, err := goversion.NewVersion(s)
	if err != nil {
		return Version{}, fmt.Errorf("invalid version %q: %w", s, err)
	}
	if v.Prerelease() != "" || v.Metadata() != "" {
		return Version{}, fmt.Errorf("invalid version %q: pre-release and metadata are not supported", s)
	}

	// go-version pads to three segments, so count them in the input
	if strings.Count(strings.TrimPrefix(s, "v"), ".") != 1 {
		return Version{}, fmt.Errorf("invalid version %q: expected v{major}.{minor}", s)
	}

	segs := v.Segments()
	return Version{Major: segs[0], Minor: segs[1]}, nil
}

// MustParse is like Parse but panics on error. Intended for tests and constants.
func MustParse(s string) Version {
	v, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return v
}

// Next returns the version that follows v
func (v Version) Next() Version {
	return Version{Major: v.Major, Minor: v.Minor + 1}
}

// Compare returns -1, 0 or 1 if v is lower, equal or higher than o
func (v Version) Compare(o Version) int {
	switch {
	case v.Major != o.Major:
		if v.Major < o.Major {
			return -1
		}
		return 1
	case v.Minor != o.Minor:
		if v.Minor < o.Minor {
			return -1
		}
		return 1
	}
	return 0
}

// Less reports whether v sorts before o
func (v Version) Less(o Version) bool {
	return v.Compare(o) < 0
}

// IsZero reports whether v is unset
func (v Version) IsZero() bool {
	return v.Major == 0 && v.Minor == 0
}

func (v Version) String() string {
	return fmt.Sprintf("v%d.%d", v.Major, v.Minor)
}

// MarshalText implements encoding.TextMarshaler
func (v Version) MarshalText() ([]byte, error) {
	return []byte(v.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (v *Version) UnmarshalText(b []byte) error {
	parsed, err := Parse(string(b))
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

package lang

import (
	"fmt"
	"strconv"
	"strings"
)

// Version is a Python language version (major.minor).
type Version struct {
	Major int
	Minor int
}

// ParseVersion parses a "major.minor" string such as "3.11".
func ParseVersion(s string) (Version, error) {
	major, minor, ok := strings.Cut(strings.TrimSpace(s), ".")
	if !ok {
		return Version{}, fmt.Errorf("invalid language version %q: want major.minor", s)
	}
	maj, err := strconv.Atoi(major)
	if err != nil || maj < 2 {
		return Version{}, fmt.Errorf("invalid major version in %q", s)
	}
	// Allow trailing micro component ("3.11.4").
	minor, _, _ = strings.Cut(minor, ".")
	mnr, err := strconv.Atoi(minor)
	if err != nil || mnr < 0 {
		return Version{}, fmt.Errorf("invalid minor version in %q", s)
	}
	return Version{Major: maj, Minor: mnr}, nil
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d", v.Major, v.Minor)
}

// AtLeast reports whether v >= major.minor.
func (v Version) AtLeast(major, minor int) bool {
	if v.Major != major {
		return v.Major > major
	}
	return v.Minor >= minor
}

// IsZero reports whether the version is unset.
func (v Version) IsZero() bool {
	return v.Major == 0 && v.Minor == 0
}

// BuiltinsModuleName returns the name of the module hosting builtin functions
// and types for the given language version.
func BuiltinsModuleName(v Version) string {
	if v.Major < 3 {
		return "__builtin__"
	}
	return "builtins"
}

// NamespacePackages reports whether directories without an __init__ marker
// are importable as packages.
func NamespacePackages(v Version) bool {
	return v.AtLeast(3, 3)
}

// IsIdentifier reports whether name can be used as a module or package name.
func IsIdentifier(name string) bool {
	if name == "" {
		return false
	}
	for i, r := range name {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case i > 0 && r >= '0' && r <= '9':
		case r > 127:
			// PEP 3131 allows non-ASCII identifiers; accept them here.
		default:
			return false
		}
	}
	return true
}

// Package pep503 implements the normalized naming rules of the packaging
// ecosystem: package names, extra names, and dependency group names all
// compare case-insensitively with runs of `-`, `_` and `.` collapsed to a
// single `-`.
//
// https://peps.python.org/pep-0503/#normalized-names
package pep503

import (
	"strings"

	"github.com/pkg/errors"
)

// A PackageName is a validated, normalized distribution name. The zero value
// is invalid; construct through ParsePackageName.
type PackageName string

// An ExtraName is a validated, normalized optional-dependency group name.
type ExtraName string

// A GroupName is a validated, normalized local dependency group name.
type GroupName string

// ParsePackageName validates and normalizes a distribution name.
func ParsePackageName(s string) (PackageName, error) {
	n, err := normalize(s)
	return PackageName(n), err
}

// ParseExtraName validates and normalizes an extra name.
func ParseExtraName(s string) (ExtraName, error) {
	n, err := normalize(s)
	return ExtraName(n), err
}

// ParseGroupName validates and normalizes a dependency group name.
func ParseGroupName(s string) (GroupName, error) {
	n, err := normalize(s)
	return GroupName(n), err
}

// MustPackageName is ParsePackageName for statically-known inputs.
func MustPackageName(s string) PackageName {
	n, err := ParsePackageName(s)
	if err != nil {
		panic(err)
	}
	return n
}

func (n PackageName) String() string { return string(n) }
func (n ExtraName) String() string   { return string(n) }
func (n GroupName) String() string   { return string(n) }

func isSeparator(c byte) bool {
	return c == '-' || c == '_' || c == '.'
}

func isNameByte(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9'
}

// normalize lowercases s and collapses separator runs to a single '-'. Names
// must be alphanumeric with interior separators only.
func normalize(s string) (string, error) {
	if s == "" {
		return "", errors.New("name must not be empty")
	}
	if isSeparator(s[0]) || isSeparator(s[len(s)-1]) {
		return "", errors.Errorf("name %q must not start or end with a separator", s)
	}

	var b strings.Builder
	b.Grow(len(s))
	sep := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case isSeparator(c):
			sep = true
		case isNameByte(c):
			if sep {
				b.WriteByte('-')
				sep = false
			}
			if c >= 'A' && c <= 'Z' {
				c += 'a' - 'A'
			}
			b.WriteByte(c)
		default:
			return "", errors.Errorf("name %q contains invalid character %q", s, c)
		}
	}
	return b.String(), nil
}

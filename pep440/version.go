// Package pep440 implements the ecosystem's version scheme: parsing,
// total ordering, specifier sets, and an interval-based version set algebra
// suitable for constraint solving.
//
// https://peps.python.org/pep-0440/
package pep440

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Pre-release phases, ordered below the final release.
const (
	PhaseAlpha     = -3
	PhaseBeta      = -2
	PhaseCandidate = -1
)

// maxReleaseParts bounds the release vector so that Version stays directly
// comparable and usable as a map key. Six covers effectively every package
// published to the public index.
const maxReleaseParts = 6

// Version holds a parsed version. The struct is directly comparable; two
// Versions are the same version exactly when they are ==.
type Version struct {
	Epoch      int
	ReleaseLen int
	Release    [maxReleaseParts]int
	PrePhase   int // 0 when absent
	PreNumber  int
	Post       bool
	PostNumber int
	Dev        bool
	DevNumber  int
	Local      string
}

// The version struct must stay directly comparable; it is used as a map key
// throughout the resolver.
var _ = Version{} == Version{}

// https://peps.python.org/pep-0440/#appendix-b-parsing-version-strings-with-regular-expressions
var versionRe = regexp.MustCompile(`^v?(?:(?:(?P<epoch>[0-9]+)!)?(?P<release>[0-9]+(?:\.[0-9]+)*)(?P<pre>[-_\.]?(?P<pre_l>a|b|c|rc|alpha|beta|pre|preview)[-_\.]?(?P<pre_n>[0-9]+)?)?(?P<post>(?:-(?P<post_n1>[0-9]+))|(?:[-_\.]?(?P<post_l>post|rev|r)[-_\.]?(?P<post_n2>[0-9]+)?))?(?P<dev>[-_\.]?dev[-_\.]?(?P<dev_n>[0-9]+)?)?)(?:\+(?P<local>[a-z0-9]+(?:[-_\.][a-z0-9]+)*))?$`)

// Parse parses a version string.
func Parse(input string) (Version, error) {
	m := versionRe.FindStringSubmatch(strings.ToLower(strings.TrimSpace(input)))
	if m == nil {
		return Version{}, errors.Errorf("invalid version %q", input)
	}

	get := func(name string) string {
		return m[versionRe.SubexpIndex(name)]
	}

	var v Version
	if e := get("epoch"); e != "" {
		n, err := strconv.Atoi(e)
		if err != nil {
			return Version{}, errors.Errorf("invalid epoch in %q", input)
		}
		v.Epoch = n
	}

	for i, part := range strings.Split(get("release"), ".") {
		if i >= maxReleaseParts {
			return Version{}, errors.Errorf("version %q has more than %d release components", input, maxReleaseParts)
		}
		n, err := strconv.Atoi(part)
		if err != nil {
			return Version{}, errors.Errorf("invalid release component in %q", input)
		}
		v.Release[i] = n
		v.ReleaseLen = i + 1
	}

	switch get("pre_l") {
	case "a", "alpha":
		v.PrePhase = PhaseAlpha
	case "b", "beta":
		v.PrePhase = PhaseBeta
	case "c", "rc", "pre", "preview":
		v.PrePhase = PhaseCandidate
	}
	if n := get("pre_n"); n != "" {
		v.PreNumber, _ = strconv.Atoi(n)
	}

	if get("post") != "" {
		v.Post = true
		if n := get("post_n1"); n != "" {
			v.PostNumber, _ = strconv.Atoi(n)
		} else if n := get("post_n2"); n != "" {
			v.PostNumber, _ = strconv.Atoi(n)
		}
	}

	if get("dev") != "" {
		v.Dev = true
		if n := get("dev_n"); n != "" {
			v.DevNumber, _ = strconv.Atoi(n)
		}
	}

	v.Local = get("local")
	return v, nil
}

// MustParse parses a version and panics on failure. For statically-known
// inputs only.
func MustParse(input string) Version {
	v, err := Parse(input)
	if err != nil {
		panic(err)
	}
	return v
}

func (v Version) String() string {
	var sb strings.Builder

	if v.Epoch > 0 {
		fmt.Fprintf(&sb, "%d!", v.Epoch)
	}

	n := v.ReleaseLen
	if n == 0 {
		n = 1
	}
	for i := 0; i < n; i++ {
		if i > 0 {
			sb.WriteByte('.')
		}
		fmt.Fprintf(&sb, "%d", v.Release[i])
	}

	switch v.PrePhase {
	case PhaseAlpha:
		fmt.Fprintf(&sb, "a%d", v.PreNumber)
	case PhaseBeta:
		fmt.Fprintf(&sb, "b%d", v.PreNumber)
	case PhaseCandidate:
		fmt.Fprintf(&sb, "rc%d", v.PreNumber)
	}

	if v.Post {
		fmt.Fprintf(&sb, ".post%d", v.PostNumber)
	}
	if v.Dev {
		fmt.Fprintf(&sb, ".dev%d", v.DevNumber)
	}
	if v.Local != "" {
		fmt.Fprintf(&sb, "+%s", v.Local)
	}

	return sb.String()
}

// IsPrerelease reports whether the version carries a pre-release or dev tag.
func (v Version) IsPrerelease() bool {
	return v.PrePhase != 0 || v.Dev
}

// WithoutLocal strips the local segment. The solver quantifies over
// local-free versions; local segments only matter for file identity.
func (v Version) WithoutLocal() Version {
	v.Local = ""
	return v
}

// ReleaseOnly strips everything but epoch and release, for release-level
// comparisons such as wildcard matching.
func (v Version) ReleaseOnly() Version {
	return Version{Epoch: v.Epoch, ReleaseLen: v.ReleaseLen, Release: v.Release}
}

// Compare returns -1, 0, or 1 ordering a against b.
//
// The suffix ordering follows the scheme's canonical sort:
//
//	1.0.dev1 < 1.0a1 < 1.0a1.post1 < 1.0rc1 < 1.0 < 1.0.post1.dev2 < 1.0.post1
//
// Local segments order lexically at the very end, so that the order is total;
// callers that want equality classes strip them with WithoutLocal first.
func Compare(a, b Version) int {
	if a.Epoch != b.Epoch {
		return cmpInt(a.Epoch, b.Epoch)
	}
	// Comparing the fixed-size arrays zero-pads shorter releases.
	for i := 0; i < maxReleaseParts; i++ {
		if a.Release[i] != b.Release[i] {
			return cmpInt(a.Release[i], b.Release[i])
		}
	}

	if c := cmpInt(a.preKey(), b.preKey()); c != 0 {
		return c
	}
	if a.PrePhase != 0 && b.PrePhase != 0 {
		if c := cmpInt(a.PreNumber, b.PreNumber); c != 0 {
			return c
		}
	}

	if c := cmpBool(a.Post, b.Post); c != 0 {
		return c
	}
	if c := cmpInt(a.PostNumber, b.PostNumber); c != 0 {
		return c
	}

	// A dev tag sorts below the corresponding untagged version.
	if c := cmpBool(!a.Dev, !b.Dev); c != 0 {
		return c
	}
	if c := cmpInt(a.DevNumber, b.DevNumber); c != 0 {
		return c
	}

	return strings.Compare(a.Local, b.Local)
}

// preKey collapses the pre-release phase into a sortable rank: a dev-only
// version sorts below every pre-release of the same release, and a final or
// post release sorts above all of them.
func (v Version) preKey() int {
	if v.PrePhase != 0 {
		return v.PrePhase
	}
	if v.Dev && !v.Post {
		return PhaseAlpha - 1
	}
	return 1
}

// Compare orders v against o.
func (v Version) Compare(o Version) int { return Compare(v, o) }

// Less reports whether v orders before o.
func (v Version) Less(o Version) bool { return Compare(v, o) < 0 }

// Equal reports whether v and o are the same version, local segment included.
func (v Version) Equal(o Version) bool { return v == o }

func cmpInt(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func cmpBool(a, b bool) int {
	switch {
	case !a && b:
		return -1
	case a && !b:
		return 1
	}
	return 0
}

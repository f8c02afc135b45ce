package cache

import (
	"fmt"
	"hash/fnv"
	"net/url"
	"strings"

	"github.com/pkg/errors"
)

// A CanonicalURL is a URL normalized for identity comparison: it papers over
// spellings like `github.com/foo/bar` vs `github.com/foo/bar.git` vs
// `git+https://...`. Canonical URLs are only for cache keys and equality;
// fetching always uses the original URL, so the underlying string is not
// exposed for anything but hashing.
type CanonicalURL struct {
	s string
}

// Canonicalize normalizes raw into its canonical form:
//
//   - a `git+` scheme prefix is stripped, along with any `@ref` suffix
//   - the fragment and query are dropped
//   - a trailing slash is removed
//   - a trailing `.git` path extension is removed
//   - hosts are lowercased; for hosts known to treat paths
//     case-insensitively (github.com), the path is lowercased too
func Canonicalize(raw string) (CanonicalURL, error) {
	s := strings.TrimSpace(raw)

	if rest, ok := strings.CutPrefix(s, "git+"); ok {
		// A git URL may end in a reference (branch, tag, or commit). Only
		// strip past the final path segment so ssh userinfo survives.
		if at := strings.LastIndex(rest, "@"); at > strings.LastIndex(rest, "/") {
			rest = rest[:at]
		}
		s = rest
	}

	u, err := url.Parse(s)
	if err != nil {
		return CanonicalURL{}, errors.Wrapf(err, "cannot canonicalize %q", raw)
	}

	u.Fragment = ""
	u.RawQuery = ""
	u.Host = strings.ToLower(u.Host)

	path := strings.TrimSuffix(u.Path, "/")
	if strings.HasSuffix(strings.ToLower(path), ".git") {
		path = path[:len(path)-len(".git")]
	}
	if u.Hostname() == "github.com" {
		path = strings.ToLower(path)
	}
	u.Path = path

	return CanonicalURL{s: u.String()}, nil
}

// MustCanonicalize is Canonicalize for statically-known inputs.
func MustCanonicalize(raw string) CanonicalURL {
	c, err := Canonicalize(raw)
	if err != nil {
		panic(err)
	}
	return c
}

// Equal reports whether two URLs canonicalize identically.
func (c CanonicalURL) Equal(o CanonicalURL) bool { return c.s == o.s }

// Digest returns the stable 64-bit hex digest used as this URL's cache key.
func (c CanonicalURL) Digest() string {
	h := fnv.New64a()
	h.Write([]byte(c.s))
	return fmt.Sprintf("%016x", h.Sum64())
}

// String renders the canonical form for logging. Never fetch from it.
func (c CanonicalURL) String() string { return c.s }

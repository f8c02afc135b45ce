// Package distribution models where a package-version comes from: a
// registry file, a direct URL, a git repository, or a local path. Each
// variant carries a stable identity used for cache keys and concurrency
// deduplication.
package distribution

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/wheelhouse-dev/wheelhouse/cache"
	"github.com/wheelhouse-dev/wheelhouse/pep440"
	"github.com/wheelhouse-dev/wheelhouse/pep503"
)

// An ID is a distribution's stable identity string. Two distributions with
// the same ID name the same artifact and may share cache entries and
// in-flight work.
type ID string

// Dist is the sealed union of distribution variants.
type Dist interface {
	fmt.Stringer
	// Name returns the normalized package name.
	Name() pep503.PackageName
	// ID computes the stable identity for caching and deduplication.
	ID() ID
	// Version returns the version when it is knowable without fetching:
	// present for registry distributions, absent for URL, git, and path
	// distributions until their metadata is extracted.
	Version() (pep440.Version, bool)

	dist()
}

func (RegistryDist) dist()  {}
func (DirectURLDist) dist() {}
func (GitDist) dist()       {}
func (PathDist) dist()      {}

// A File describes one downloadable artifact of a registry release, as
// listed by the simple index.
type File struct {
	Filename       string
	URL            string
	Hashes         []HashDigest
	Size           int64
	UploadTime     time.Time
	RequiresPython pep440.Specifiers
	Yanked         bool
	YankedReason   string
	// HasMetadata is set when the index serves the file's core metadata
	// standalone (PEP 658/714), so resolution can avoid fetching the
	// archive.
	HasMetadata bool
}

// IsWheel reports whether the file is a built distribution.
func (f File) IsWheel() bool {
	return strings.HasSuffix(f.Filename, ".whl")
}

// RegistryDist is a release file served by a package index.
type RegistryDist struct {
	Package  pep503.PackageName
	Release  pep440.Version
	IndexURL string
	File     File
}

func (d RegistryDist) Name() pep503.PackageName { return d.Package }

func (d RegistryDist) Version() (pep440.Version, bool) { return d.Release, true }

func (d RegistryDist) ID() ID {
	return ID(fmt.Sprintf("registry:%s:%s:%s:%s", d.IndexURL, d.Package, d.Release, d.File.Filename))
}

func (d RegistryDist) String() string {
	return fmt.Sprintf("%s==%s", d.Package, d.Release)
}

// DirectURLDist is a wheel or source archive at an arbitrary URL.
type DirectURLDist struct {
	Package pep503.PackageName
	URL     string
	// Subdirectory locates the project root inside the archive, for
	// archives that nest it.
	Subdirectory string
}

func (d DirectURLDist) Name() pep503.PackageName { return d.Package }

func (d DirectURLDist) Version() (pep440.Version, bool) {
	// A wheel URL encodes its version; archives reveal it only on build.
	if base := filepath.Base(d.URL); strings.HasSuffix(base, ".whl") {
		if i := strings.Index(base, "-"); i > 0 {
			if rest := base[i+1:]; rest != "" {
				if j := strings.Index(rest, "-"); j > 0 {
					if v, err := pep440.Parse(rest[:j]); err == nil {
						return v, true
					}
				}
			}
		}
	}
	return pep440.Version{}, false
}

func (d DirectURLDist) ID() ID {
	u, err := cache.Canonicalize(d.URL)
	if err != nil {
		return ID("url:" + d.URL + ":" + d.Subdirectory)
	}
	return ID("url:" + u.Digest() + ":" + d.Subdirectory)
}

func (d DirectURLDist) String() string {
	return fmt.Sprintf("%s @ %s", d.Package, d.URL)
}

// GitRefKind distinguishes the ways a git source may be pinned.
type GitRefKind int

const (
	// RefDefaultBranch follows the remote HEAD.
	RefDefaultBranch GitRefKind = iota
	// RefBranch names a branch.
	RefBranch
	// RefTag names a tag.
	RefTag
	// RefRev is an explicit (possibly abbreviated) revision.
	RefRev
	// RefNamed is an arbitrary ref the kind of which is not yet known.
	RefNamed
)

// A GitRef is a requested git reference prior to resolution.
type GitRef struct {
	Kind  GitRefKind
	Value string // empty for RefDefaultBranch
}

func (r GitRef) String() string {
	if r.Kind == RefDefaultBranch {
		return "HEAD"
	}
	return r.Value
}

// GitDist is a source tree in a git repository at some reference.
type GitDist struct {
	Package      pep503.PackageName
	URL          string // original URL, used for fetching
	Ref          GitRef
	Subdirectory string
	// Commit is the resolved 40-hex revision; empty until the precise
	// resolution step has run.
	Commit string
}

func (d GitDist) Name() pep503.PackageName { return d.Package }

func (d GitDist) Version() (pep440.Version, bool) { return pep440.Version{}, false }

// Resolved reports whether the reference has been pinned to a commit.
func (d GitDist) Resolved() bool { return len(d.Commit) == 40 }

// WithCommit returns a copy pinned to the resolved commit.
func (d GitDist) WithCommit(commit string) GitDist {
	d.Commit = commit
	return d
}

func (d GitDist) ID() ID {
	u, err := cache.Canonicalize(d.URL)
	key := ""
	if err != nil {
		key = d.URL
	} else {
		key = u.Digest()
	}
	if d.Resolved() {
		return ID("git:" + key + "@" + d.Commit + ":" + d.Subdirectory)
	}
	return ID("git:" + key + "@" + d.Ref.String() + ":" + d.Subdirectory)
}

func (d GitDist) String() string {
	return fmt.Sprintf("%s @ git+%s@%s", d.Package, d.URL, d.Ref)
}

// PathDist is a local directory or archive on disk.
type PathDist struct {
	Package pep503.PackageName
	// Path is the absolute filesystem path.
	Path string
	// Editable installs link the source tree instead of copying it.
	Editable bool
}

func (d PathDist) Name() pep503.PackageName { return d.Package }

func (d PathDist) Version() (pep440.Version, bool) { return pep440.Version{}, false }

func (d PathDist) ID() ID {
	p, err := filepath.Abs(d.Path)
	if err != nil {
		p = d.Path
	}
	if d.Editable {
		return ID("editable:" + p)
	}
	return ID("path:" + p)
}

func (d PathDist) String() string {
	return fmt.Sprintf("%s @ %s", d.Package, d.Path)
}

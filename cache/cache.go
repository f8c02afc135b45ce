// Package cache implements the on-disk content-addressed cache: named
// buckets under a root directory, canonical-URL keys, atomic entry
// finalization, freshness proofs, and pruning of stale layouts.
//
// Entries are immutable once finalized, and atomic rename is the only
// cross-process coordination; independent processes may share a cache root
// without locking.
package cache

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"

	"github.com/wheelhouse-dev/wheelhouse/internal/fs"
	"github.com/wheelhouse-dev/wheelhouse/pep440"
	"github.com/wheelhouse-dev/wheelhouse/pep503"
)

// A Bucket names a top-level cache subdirectory. Each bucket owns its key
// schema.
type Bucket string

const (
	// BucketArchives holds content-addressed extracted archives, keyed by URL.
	BucketArchives Bucket = "archives-v0"
	// BucketWheels holds built and downloaded wheels, keyed by name+version
	// or URL digest.
	BucketWheels Bucket = "wheels-v0"
	// BucketSimpleIndexes holds cached index responses (a bolt database).
	BucketSimpleIndexes Bucket = "simple-v0"
	// BucketGitRepos holds bare git repositories, keyed by URL digest.
	BucketGitRepos Bucket = "git-v0"
	// BucketBuilds holds ephemeral build environments and scratch space.
	BucketBuilds Bucket = "builds-v0"
)

// knownBuckets is the manifest Prune checks directories against.
var knownBuckets = []Bucket{
	BucketArchives,
	BucketWheels,
	BucketSimpleIndexes,
	BucketGitRepos,
	BucketBuilds,
}

// infoSuffix names the sidecar file carrying an entry's freshness proof.
const infoSuffix = ".cache-info.json"

// Cache is a handle on a cache root directory.
type Cache struct {
	root string
}

// New opens (creating if needed) a cache rooted at dir.
func New(dir string) (*Cache, error) {
	if dir == "" {
		return nil, errors.New("cache directory must not be empty")
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, errors.Wrapf(err, "creating cache root %s", abs)
	}
	return &Cache{root: abs}, nil
}

// Root returns the cache root directory.
func (c *Cache) Root() string { return c.root }

// Bucket returns the directory for a bucket, creating it if needed.
func (c *Cache) Bucket(b Bucket) (string, error) {
	dir := filepath.Join(c.root, string(b))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", errors.Wrapf(err, "creating bucket %s", b)
	}
	return dir, nil
}

// URLEntry returns the entry directory for a URL-keyed bucket.
func (c *Cache) URLEntry(b Bucket, u CanonicalURL) (string, error) {
	dir, err := c.Bucket(b)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, u.Digest()), nil
}

// NameEntry returns the entry directory for a name+version-keyed bucket.
func (c *Cache) NameEntry(b Bucket, name pep503.PackageName, version pep440.Version) (string, error) {
	dir, err := c.Bucket(b)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, string(name), version.String()), nil
}

// TempDir creates a scratch directory inside the bucket, so that a later
// Commit is a same-filesystem rename.
func (c *Cache) TempDir(b Bucket, pattern string) (string, error) {
	dir, err := c.Bucket(b)
	if err != nil {
		return "", err
	}
	return os.MkdirTemp(dir, "."+pattern+".*")
}

// TempFile creates a scratch file inside the bucket.
func (c *Cache) TempFile(b Bucket, pattern string) (*os.File, error) {
	dir, err := c.Bucket(b)
	if err != nil {
		return nil, err
	}
	return os.CreateTemp(dir, "."+pattern+".*")
}

// Commit finalizes a staged entry: src is renamed over dst and the freshness
// proof is recorded alongside. If another process won the race to dst, src
// is discarded and the existing entry stands.
func (c *Cache) Commit(src, dst string, proof Freshness) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}

	if _, err := os.Stat(dst); err == nil {
		// Entries are immutable: lose the race gracefully.
		_, rmErr := fs.RemoveAll(src)
		return rmErr
	}

	if err := fs.RenameWithFallback(src, dst); err != nil {
		return errors.Wrapf(err, "finalizing cache entry %s", dst)
	}
	return writeFreshness(dst, proof)
}

// Freshness is the proof a cache entry was derived from particular sources.
// Exactly one field group applies: a modification timestamp for file-derived
// entries, or a commit hash for git-derived ones.
type Freshness struct {
	ModTime time.Time `json:"mtime,omitempty"`
	Commit  string    `json:"commit,omitempty"`
}

// Matches reports whether two proofs agree.
func (f Freshness) Matches(other Freshness) bool {
	if f.Commit != "" || other.Commit != "" {
		return f.Commit == other.Commit
	}
	return f.ModTime.Equal(other.ModTime)
}

// Zero reports whether no proof was recorded.
func (f Freshness) Zero() bool {
	return f.Commit == "" && f.ModTime.IsZero()
}

func writeFreshness(entry string, proof Freshness) error {
	if proof.Zero() {
		return nil
	}
	data, err := json.Marshal(proof)
	if err != nil {
		return err
	}
	return fs.WriteAtomic(entry+infoSuffix, data, 0o644)
}

// Lookup checks for a finalized entry at path satisfying the freshness
// proof. A mismatched or unreadable proof means the entry is treated as
// absent; a missing proof only satisfies a zero expectation.
func (c *Cache) Lookup(path string, want Freshness) (bool, error) {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	if want.Zero() {
		return true, nil
	}

	data, err := os.ReadFile(path + infoSuffix)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	var have Freshness
	if err := json.Unmarshal(data, &have); err != nil {
		return false, errors.Wrapf(err, "corrupt cache info for %s", path)
	}
	return have.Matches(want), nil
}

// Remove deletes an entry and its freshness sidecar.
func (c *Cache) Remove(path string) error {
	if _, err := fs.RemoveAll(path); err != nil {
		return err
	}
	err := os.Remove(path + infoSuffix)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Clear removes the entire cache root.
func (c *Cache) Clear() (fs.Removal, error) {
	return fs.RemoveAll(c.root)
}

package cache

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/wheelhouse-dev/wheelhouse/internal/fs"
)

// Prune walks the top level of the cache root and removes any directory
// that is not a known bucket — dangling layouts left behind by older
// versions. Unrecognized plain files are left alone.
func (c *Cache) Prune(logger *logrus.Logger) (fs.Removal, error) {
	var total fs.Removal

	entries, err := os.ReadDir(c.root)
	if err != nil {
		if os.IsNotExist(err) {
			return total, nil
		}
		return total, err
	}

	known := make(map[string]bool, len(knownBuckets))
	for _, b := range knownBuckets {
		known[string(b)] = true
	}

	for _, entry := range entries {
		if !entry.IsDir() || known[entry.Name()] {
			continue
		}
		if strings.HasPrefix(entry.Name(), ".") {
			// In-flight staging directories; another process may own them.
			continue
		}

		path := filepath.Join(c.root, entry.Name())
		if logger != nil {
			logger.WithField("dir", entry.Name()).Info("pruning stale cache bucket")
		}
		r, err := fs.RemoveAll(path)
		total.Files += r.Files
		total.Dirs += r.Dirs
		total.Bytes += r.Bytes
		if err != nil {
			return total, err
		}
	}

	return total, nil
}

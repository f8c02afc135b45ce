package fs

import (
	"os"

	"github.com/karrick/godirwalk"
	"github.com/pkg/errors"
)

// Removal totals what RemoveAll cleaned up.
type Removal struct {
	Files uint64
	Dirs  uint64
	Bytes uint64
}

// RemoveAll removes path and everything under it, fixing up permissions as it
// goes: on a permission error it clears the read-only bit on the entry (and
// its parent directory) and retries. Directories are removed contents-first;
// if the OS races new entries into a directory mid-walk, removal falls back to
// os.RemoveAll for that subtree.
func RemoveAll(path string) (Removal, error) {
	var r Removal

	fi, err := os.Lstat(path)
	if os.IsNotExist(err) {
		return r, nil
	}
	if err != nil {
		return r, err
	}

	if !fi.IsDir() {
		if err := removeFile(path); err != nil {
			return r, err
		}
		r.Files++
		r.Bytes += uint64(fi.Size())
		return r, nil
	}

	err = godirwalk.Walk(path, &godirwalk.Options{
		Unsorted: true,
		PostChildrenCallback: func(dir string, _ *godirwalk.Dirent) error {
			r.Dirs++
			// Contents should be gone by now, but the OS may have raced new
			// entries in. os.RemoveAll handles that robustly.
			return os.RemoveAll(dir)
		},
		Callback: func(entry string, de *godirwalk.Dirent) error {
			if de.IsDir() {
				return nil
			}
			if fi, err := os.Lstat(entry); err == nil {
				r.Bytes += uint64(fi.Size())
			}
			r.Files++
			return removeFile(entry)
		},
		ErrorCallback: func(_ string, _ error) godirwalk.ErrorAction {
			return godirwalk.SkipNode
		},
	})
	if err != nil {
		return r, errors.Wrapf(err, "removing %s", path)
	}

	return r, nil
}

// removeFile removes a single file, clearing the read-only attribute and
// retrying once if the first attempt is denied.
func removeFile(path string) error {
	err := os.Remove(path)
	if err == nil || os.IsNotExist(err) {
		return nil
	}
	if !os.IsPermission(err) {
		return err
	}

	if fixReadOnly(path) {
		if err = os.Remove(path); err == nil || os.IsNotExist(err) {
			return nil
		}
	}
	return err
}

// fixReadOnly makes path and its parent writable, reporting whether anything
// changed.
func fixReadOnly(path string) bool {
	changed := false
	for _, p := range []string{path, parentDir(path)} {
		fi, err := os.Stat(p)
		if err != nil {
			continue
		}
		mode := fi.Mode()
		if mode&0200 == 0 {
			if err := os.Chmod(p, mode|0200); err == nil {
				changed = true
			}
		}
	}
	return changed
}

func parentDir(path string) string {
	if len(path) == 0 {
		return path
	}
	for i := len(path) - 1; i > 0; i-- {
		if os.IsPathSeparator(path[i]) {
			return path[:i]
		}
	}
	return path
}

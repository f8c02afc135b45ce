// Package pep427 implements the built-distribution format: wheel filename
// parsing, compatibility checks, and core-metadata extraction from wheel
// archives. Source archive naming (PEP 625) lives here too, since the two
// filename conventions are always consumed together.
//
// https://peps.python.org/pep-0427/#file-name-convention
package pep427

import (
	"strings"

	"github.com/pkg/errors"

	"github.com/wheelhouse-dev/wheelhouse/pep425"
	"github.com/wheelhouse-dev/wheelhouse/pep440"
	"github.com/wheelhouse-dev/wheelhouse/pep503"
)

// A WheelFilename is a parsed wheel file name:
//
//	{name}-{version}(-{build})?-{python}-{abi}-{platform}.whl
type WheelFilename struct {
	Name     pep503.PackageName
	Version  pep440.Version
	Build    string
	Tags     []pep425.Tag
	Filename string
}

// ParseWheelFilename parses filename, returning an error for anything that
// is not a well-formed wheel name.
func ParseWheelFilename(filename string) (WheelFilename, error) {
	stem := strings.TrimSuffix(filename, ".whl")
	if stem == filename {
		return WheelFilename{}, errors.Errorf("%q is not a wheel filename", filename)
	}

	parts := strings.Split(stem, "-")
	var build string
	switch {
	case len(parts) < 5:
		return WheelFilename{}, errors.Errorf("wheel filename %q must have at least 5 dash-separated parts", filename)
	case len(parts) == 6:
		build = parts[2]
	case len(parts) > 6:
		return WheelFilename{}, errors.Errorf("wheel filename %q must have at most 6 dash-separated parts", filename)
	}

	name, err := pep503.ParsePackageName(parts[0])
	if err != nil {
		return WheelFilename{}, errors.Wrapf(err, "wheel filename %q", filename)
	}
	version, err := pep440.Parse(parts[1])
	if err != nil {
		return WheelFilename{}, errors.Wrapf(err, "wheel filename %q", filename)
	}

	compressed := pep425.Tag{
		Python:   parts[len(parts)-3],
		ABI:      parts[len(parts)-2],
		Platform: parts[len(parts)-1],
	}

	return WheelFilename{
		Name:     name,
		Version:  version,
		Build:    build,
		Tags:     compressed.Decompress(),
		Filename: filename,
	}, nil
}

// Compatible reports whether the wheel can run under the given tag list.
func (w WheelFilename) Compatible(tags pep425.Tags) bool {
	return w.Preference(tags) >= 0
}

// Preference returns the best priority of any of the wheel's tags under the
// given list; smaller is better, -1 is incompatible.
func (w WheelFilename) Preference(tags pep425.Tags) int {
	best := -1
	for _, t := range w.Tags {
		p := tags.Priority(t)
		if p >= 0 && (best == -1 || p < best) {
			best = p
		}
	}
	return best
}

// A SourceDistFilename is a parsed source archive name, e.g.
// "name-1.0.tar.gz" (PEP 625) including the legacy .zip form.
type SourceDistFilename struct {
	Name      pep503.PackageName
	Version   pep440.Version
	Extension string
	Filename  string
}

var sdistExtensions = []string{".tar.gz", ".tar.bz2", ".tar.xz", ".zip", ".tgz"}

// ParseSourceDistFilename parses a source archive name. The package name is
// required because legacy names separate name from version with a dash that
// the name itself may also contain.
func ParseSourceDistFilename(filename string, name pep503.PackageName) (SourceDistFilename, error) {
	var ext string
	for _, e := range sdistExtensions {
		if strings.HasSuffix(filename, e) {
			ext = e
			break
		}
	}
	if ext == "" {
		return SourceDistFilename{}, errors.Errorf("%q is not a source archive filename", filename)
	}

	stem := strings.TrimSuffix(filename, ext)

	// The stem is {name}-{version}; the name portion may use any of the
	// unnormalized spellings, so strip by normalized comparison.
	i := strings.LastIndex(stem, "-")
	for i > 0 {
		candidate, err := pep503.ParsePackageName(stem[:i])
		if err == nil && candidate == name {
			break
		}
		i = strings.LastIndex(stem[:i], "-")
	}
	if i <= 0 {
		return SourceDistFilename{}, errors.Errorf("source archive %q does not match package %q", filename, name)
	}

	version, err := pep440.Parse(stem[i+1:])
	if err != nil {
		return SourceDistFilename{}, errors.Wrapf(err, "source archive %q", filename)
	}

	return SourceDistFilename{
		Name:      name,
		Version:   version,
		Extension: ext,
		Filename:  filename,
	}, nil
}

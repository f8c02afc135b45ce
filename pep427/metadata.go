package pep427

import (
	"archive/zip"
	"bufio"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"

	"github.com/wheelhouse-dev/wheelhouse/pep440"
	"github.com/wheelhouse-dev/wheelhouse/pep503"
	"github.com/wheelhouse-dev/wheelhouse/pep508"
)

// Metadata is the subset of a distribution's core metadata that resolution
// needs.
type Metadata struct {
	Name           pep503.PackageName
	Version        pep440.Version
	RequiresDist   []pep508.Requirement
	RequiresPython pep440.Specifiers
	ProvidesExtras []pep503.ExtraName
}

// ParseMetadata reads an RFC 822-style METADATA file.
func ParseMetadata(r io.Reader) (*Metadata, error) {
	md := &Metadata{}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			// Headers end at the first blank line; the body is the
			// long description.
			break
		}
		key, value, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		value = strings.TrimSpace(value)

		switch strings.ToLower(key) {
		case "name":
			name, err := pep503.ParsePackageName(value)
			if err != nil {
				return nil, errors.Wrap(err, "metadata Name")
			}
			md.Name = name
		case "version":
			v, err := pep440.Parse(value)
			if err != nil {
				return nil, errors.Wrap(err, "metadata Version")
			}
			md.Version = v
		case "requires-dist":
			req, err := pep508.ParseRequirement(value)
			if err != nil {
				return nil, errors.Wrapf(err, "metadata Requires-Dist %q", value)
			}
			md.RequiresDist = append(md.RequiresDist, req)
		case "requires-python":
			spec, err := pep440.ParseSpecifiers(value)
			if err != nil {
				return nil, errors.Wrapf(err, "metadata Requires-Python %q", value)
			}
			md.RequiresPython = spec
		case "provides-extra":
			extra, err := pep503.ParseExtraName(value)
			if err != nil {
				// Some published metadata carries malformed extra
				// names; they cannot be requested, so skip them.
				continue
			}
			md.ProvidesExtras = append(md.ProvidesExtras, extra)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	if md.Name == "" {
		return nil, errors.New("metadata is missing Name")
	}
	return md, nil
}

// MetadataFromZip locates the {name}-{version}.dist-info/METADATA member and
// parses it, without extracting the rest of the archive.
func MetadataFromZip(zr *zip.Reader) (*Metadata, error) {
	var member *zip.File
	for _, f := range zr.File {
		dir, base := path.Split(f.Name)
		if base != "METADATA" {
			continue
		}
		if !strings.HasSuffix(strings.TrimSuffix(dir, "/"), ".dist-info") {
			continue
		}
		// Guard against METADATA files nested below the dist-info dir.
		if strings.Count(f.Name, "/") != 1 {
			continue
		}
		member = f
		break
	}
	if member == nil {
		return nil, errors.New("wheel has no .dist-info/METADATA member")
	}

	rc, err := member.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	return ParseMetadata(rc)
}

// MetadataFromWheel opens the wheel on disk and extracts its metadata.
func MetadataFromWheel(wheelPath string) (*Metadata, error) {
	zr, err := zip.OpenReader(wheelPath)
	if err != nil {
		return nil, errors.Wrapf(err, "opening wheel %s", wheelPath)
	}
	defer zr.Close()

	return MetadataFromZip(&zr.Reader)
}

// MetadataFromReaderAt extracts metadata from a wheel backed by an arbitrary
// ReaderAt — typically a range-request view of a remote file, so that only
// the central directory and the METADATA member are actually fetched.
func MetadataFromReaderAt(r io.ReaderAt, size int64) (*Metadata, error) {
	zr, err := zip.NewReader(r, size)
	if err != nil {
		return nil, errors.Wrap(err, "reading wheel archive")
	}
	return MetadataFromZip(zr)
}

// ExtractWheel unpacks a wheel archive into destDir, preserving member
// paths. It refuses members that would escape the destination.
func ExtractWheel(wheelPath, destDir string) error {
	zr, err := zip.OpenReader(wheelPath)
	if err != nil {
		return errors.Wrapf(err, "opening wheel %s", wheelPath)
	}
	defer zr.Close()

	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		name := path.Clean(f.Name)
		if strings.HasPrefix(name, "../") || path.IsAbs(name) {
			return errors.Errorf("wheel member %q escapes the archive root", f.Name)
		}

		target := filepath.Join(destDir, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}

		rc, err := f.Open()
		if err != nil {
			return err
		}
		out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
		if err != nil {
			rc.Close()
			return err
		}
		if _, err := io.Copy(out, rc); err != nil {
			out.Close()
			rc.Close()
			return err
		}
		if err := out.Close(); err != nil {
			rc.Close()
			return err
		}
		rc.Close()
	}

	return nil
}

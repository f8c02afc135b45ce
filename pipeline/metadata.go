package pipeline

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/wheelhouse-dev/wheelhouse/cache"
	"github.com/wheelhouse-dev/wheelhouse/distribution"
	"github.com/wheelhouse-dev/wheelhouse/internal/fs"
	"github.com/wheelhouse-dev/wheelhouse/pep427"
)

// RangePeeker is the optional fetcher capability of reading a remote
// wheel's metadata through partial requests; *index.Client implements it.
type RangePeeker interface {
	PeekMetadata(ctx context.Context, url string) (*pep427.Metadata, bool, error)
}

// Metadata produces resolution metadata for a distribution, doing the least
// work that can answer: remote wheels use standalone metadata documents,
// then range-request peeks, then full fetches; source archives always get a
// full build; source trees and git checkouts try the prepare-metadata hook
// first. Static metadata inside source archives and trees is not read.
func (p *Pipeline) Metadata(ctx context.Context, dist distribution.Dist, policy distribution.HashPolicy) (*pep427.Metadata, error) {
	switch d := dist.(type) {
	case distribution.RegistryDist:
		if d.File.IsWheel() {
			return p.wheelMetadata(ctx, dist, d.File.URL, d.File.HasMetadata, policy)
		}
		return p.builtMetadata(ctx, dist, policy)

	case distribution.DirectURLDist:
		if base := remoteBasename(d.URL); len(base) > 4 && base[len(base)-4:] == ".whl" {
			return p.wheelMetadata(ctx, dist, d.URL, false, policy)
		}
		return p.builtMetadata(ctx, dist, policy)

	case distribution.GitDist:
		resolved, err := p.ResolvePrecise(ctx, d)
		if err != nil {
			return nil, err
		}
		exportDir, err := p.Cache.TempDir(cache.BucketBuilds, "metadata-git")
		if err != nil {
			return nil, err
		}
		defer fs.RemoveAll(exportDir)
		if err := p.Git.Export(ctx, resolved, exportDir); err != nil {
			return nil, err
		}
		root := exportDir
		if d.Subdirectory != "" {
			root = filepath.Join(exportDir, filepath.FromSlash(d.Subdirectory))
		}
		return p.treeMetadata(ctx, resolved, root)

	case distribution.PathDist:
		return p.treeMetadata(ctx, d, d.Path)
	}
	return nil, errors.Errorf("unsupported distribution %T", dist)
}

// wheelMetadata answers for remote wheels without a build.
func (p *Pipeline) wheelMetadata(ctx context.Context, dist distribution.Dist, url string, hasStandalone bool, policy distribution.HashPolicy) (*pep427.Metadata, error) {
	// Standalone metadata document (served alongside the file).
	if hasStandalone {
		rc, _, err := p.Client.FetchURL(ctx, url+".metadata")
		if err == nil {
			defer rc.Close()
			data, err := io.ReadAll(rc)
			if err == nil {
				if md, err := pep427.ParseMetadata(bytes.NewReader(data)); err == nil {
					return md, nil
				}
			}
		}
		// Fall through: a bad standalone document is not fatal.
	}

	// Range-request peek into the wheel's central directory.
	if peeker, ok := p.Client.(RangePeeker); ok {
		if md, ok, err := peeker.PeekMetadata(ctx, url); err == nil && ok {
			return md, nil
		}
	}

	// Full download through the normal pipeline; the wheel lands in cache
	// either way, so install reuses it.
	lw, err := p.Wheel(ctx, dist, policy)
	if err != nil {
		return nil, err
	}
	return pep427.MetadataFromWheel(lw.Path)
}

// builtMetadata drives a full build and reads the wheel's metadata.
func (p *Pipeline) builtMetadata(ctx context.Context, dist distribution.Dist, policy distribution.HashPolicy) (*pep427.Metadata, error) {
	lw, err := p.Wheel(ctx, dist, policy)
	if err != nil {
		return nil, err
	}
	return pep427.MetadataFromWheel(lw.Path)
}

// treeMetadata answers for an on-disk source tree, preferring the cheap
// prepare-metadata hook over a full wheel build.
func (p *Pipeline) treeMetadata(ctx context.Context, dist distribution.Dist, root string) (*pep427.Metadata, error) {
	if fi, err := os.Stat(root); err == nil && fi.IsDir() {
		distInfo, ok, err := p.Builder.PrepareMetadata(ctx, string(dist.Name()), root)
		if err == nil && ok {
			defer fs.RemoveAll(filepath.Dir(distInfo))
			f, err := os.Open(filepath.Join(distInfo, "METADATA"))
			if err == nil {
				defer f.Close()
				return pep427.ParseMetadata(f)
			}
		}
	}
	return p.builtMetadata(ctx, dist, distribution.HashNone())
}

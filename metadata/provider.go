// Package metadata is the resolver's async facade over the index and the
// distribution pipeline: it answers "which versions exist" and "what does
// this version require", memoizing both behind once-maps so a resolver run
// asks each question at most once no matter how often the solver revisits a
// package.
package metadata

import (
	"context"
	"sort"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/wheelhouse-dev/wheelhouse/distribution"
	"github.com/wheelhouse-dev/wheelhouse/index"
	"github.com/wheelhouse-dev/wheelhouse/oncemap"
	"github.com/wheelhouse-dev/wheelhouse/pep425"
	"github.com/wheelhouse-dev/wheelhouse/pep427"
	"github.com/wheelhouse-dev/wheelhouse/pep440"
	"github.com/wheelhouse-dev/wheelhouse/pep503"
	"github.com/wheelhouse-dev/wheelhouse/pipeline"
)

// A Candidate is one installable version of a package, carrying the file
// the pipeline would materialize for it.
type Candidate struct {
	Version pep440.Version
	Dist    distribution.RegistryDist
	// WheelPriority is the tag preference of the chosen file; sdist-only
	// candidates use a large sentinel so wheels win ties.
	WheelPriority int
	IsWheel       bool
	Yanked        bool
}

// BuildPolicy restricts which artifact kinds may be used, per package or
// globally (the empty name).
type BuildPolicy struct {
	NoBinary map[pep503.PackageName]bool
	NoBuild  map[pep503.PackageName]bool
}

func (p BuildPolicy) binaryForbidden(name pep503.PackageName) bool {
	return p.NoBinary[name] || p.NoBinary[""]
}

func (p BuildPolicy) buildForbidden(name pep503.PackageName) bool {
	return p.NoBuild[name] || p.NoBuild[""]
}

// Provider answers version and dependency queries with per-run memoization.
type Provider struct {
	Client   *index.Client
	Pipeline *pipeline.Pipeline
	Tags     pep425.Tags
	// PythonVersion filters files by their requires-python range.
	PythonVersion pep440.Version
	// ExcludeNewer drops files uploaded after the cutoff, for
	// reproducible resolutions. Zero disables the filter.
	ExcludeNewer time.Time
	Build        BuildPolicy
	HashPolicy   distribution.HashPolicy
	Logger       *logrus.Logger

	onceVersions *oncemap.OnceMap[pep503.PackageName, versionsResult]
	onceMeta     *oncemap.OnceMap[distribution.ID, metadataResult]
}

type versionsResult struct {
	candidates []Candidate
	err        error
}

type metadataResult struct {
	md  *pep427.Metadata
	err error
}

// NewProvider assembles a Provider.
func NewProvider(client *index.Client, pl *pipeline.Pipeline, tags pep425.Tags, pythonVersion pep440.Version) *Provider {
	return &Provider{
		Client:        client,
		Pipeline:      pl,
		Tags:          tags,
		PythonVersion: pythonVersion,
		Logger:        logrus.StandardLogger(),
		onceVersions:  oncemap.New[pep503.PackageName, versionsResult](),
		onceMeta:      oncemap.New[distribution.ID, metadataResult](),
	}
}

// Versions lists the installable candidates for a package, newest first.
// Results are memoized for the run; the disk cache below dedupes across
// runs.
func (p *Provider) Versions(ctx context.Context, name pep503.PackageName) ([]Candidate, error) {
	if p.onceVersions.Register(name) {
		candidates, err := p.fetchVersions(ctx, name)
		p.onceVersions.Done(name, versionsResult{candidates: candidates, err: err})
	}
	res, err := p.onceVersions.Wait(ctx, name)
	if err != nil {
		return nil, err
	}
	return res.candidates, res.err
}

func (p *Provider) fetchVersions(ctx context.Context, name pep503.PackageName) ([]Candidate, error) {
	files, indexURL, err := p.Client.Simple(ctx, name)
	if err != nil {
		var nf *index.NotFoundError
		if errors.As(err, &nf) {
			// Absence is an ordinary "no versions" outcome, not an error.
			return nil, nil
		}
		return nil, err
	}

	// Pick the best file per version: the most preferred compatible
	// wheel, else the source archive.
	type slot struct {
		file     distribution.File
		priority int
		isWheel  bool
		yanked   bool
		have     bool
	}
	slots := make(map[pep440.Version]*slot)

	for _, f := range files {
		if !p.fileUsable(f) {
			continue
		}

		version, priority, isWheel, ok := p.classify(name, f)
		if !ok {
			continue
		}

		key := version.WithoutLocal()
		s := slots[key]
		if s == nil {
			s = &slot{}
			slots[key] = s
		}
		better := !s.have ||
			(isWheel && !s.isWheel) ||
			(isWheel == s.isWheel && priority < s.priority)
		if better {
			*s = slot{file: f, priority: priority, isWheel: isWheel, yanked: f.Yanked, have: true}
		}
	}

	out := make([]Candidate, 0, len(slots))
	for version, s := range slots {
		out = append(out, Candidate{
			Version: version,
			Dist: distribution.RegistryDist{
				Package:  name,
				Release:  version,
				IndexURL: indexURL,
				File:     s.file,
			},
			WheelPriority: s.priority,
			IsWheel:       s.isWheel,
			Yanked:        s.yanked,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[j].Version.Less(out[i].Version) })
	return out, nil
}

// fileUsable applies the requires-python and exclude-newer filters; the
// build policy is applied in classify.
func (p *Provider) fileUsable(f distribution.File) bool {
	if len(f.RequiresPython) > 0 && p.PythonVersion.ReleaseLen > 0 {
		if !f.RequiresPython.Contains(p.PythonVersion) {
			return false
		}
	}
	if !p.ExcludeNewer.IsZero() && !f.UploadTime.IsZero() && f.UploadTime.After(p.ExcludeNewer) {
		return false
	}
	return true
}

// classify parses the filename, applies tag compatibility, and reports the
// candidate version with its wheel preference.
func (p *Provider) classify(name pep503.PackageName, f distribution.File) (pep440.Version, int, bool, bool) {
	if f.IsWheel() {
		if p.Build.binaryForbidden(name) {
			return pep440.Version{}, 0, false, false
		}
		wf, err := pep427.ParseWheelFilename(f.Filename)
		if err != nil || wf.Name != name {
			return pep440.Version{}, 0, false, false
		}
		priority := wf.Preference(p.Tags)
		if len(p.Tags) > 0 && priority < 0 {
			return pep440.Version{}, 0, false, false
		}
		if priority < 0 {
			priority = 1 << 20
		}
		return wf.Version, priority, true, true
	}

	if p.Build.buildForbidden(name) {
		return pep440.Version{}, 0, false, false
	}
	sd, err := pep427.ParseSourceDistFilename(f.Filename, name)
	if err != nil {
		return pep440.Version{}, 0, false, false
	}
	return sd.Version, 1 << 20, false, true
}

// Metadata returns the resolution metadata for a distribution, memoized by
// identity.
func (p *Provider) Metadata(ctx context.Context, dist distribution.Dist) (*pep427.Metadata, error) {
	id := dist.ID()
	if p.onceMeta.Register(id) {
		md, err := p.Pipeline.Metadata(ctx, dist, p.HashPolicy)
		p.onceMeta.Done(id, metadataResult{md: md, err: err})
	}
	res, err := p.onceMeta.Wait(ctx, id)
	if err != nil {
		return nil, err
	}
	return res.md, res.err
}

package resolver

import (
	"context"
	"net/url"
	"path/filepath"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"github.com/wheelhouse-dev/wheelhouse/distribution"
	"github.com/wheelhouse-dev/wheelhouse/metadata"
	"github.com/wheelhouse-dev/wheelhouse/pep440"
	"github.com/wheelhouse-dev/wheelhouse/pep503"
	"github.com/wheelhouse-dev/wheelhouse/pep508"
	"github.com/wheelhouse-dev/wheelhouse/solver"
)

// pkgKey encodes a solver package: "name" or "name[extra]".
func pkgKey(name pep503.PackageName, extra pep503.ExtraName) solver.Package {
	if extra == "" {
		return solver.Package(name)
	}
	return solver.Package(string(name) + "[" + string(extra) + "]")
}

func splitKey(pkg solver.Package) (pep503.PackageName, pep503.ExtraName) {
	s := string(pkg)
	if i := strings.IndexByte(s, '['); i >= 0 {
		return pep503.PackageName(s[:i]), pep503.ExtraName(strings.TrimSuffix(s[i+1:], "]"))
	}
	return pep503.PackageName(s), ""
}

// pubProvider implements solver.Provider over the metadata Source,
// applying the manifest's policies.
type pubProvider struct {
	ctx    context.Context
	source Source
	m      Manifest
	filter *forkFilter

	// constraints tighten Choose's admissible set per package.
	constraints map[pep503.PackageName]pep440.VersionSet
	preferences map[pep503.PackageName]pep440.Version
	// direct marks root-required names, for lowest-direct ordering.
	direct map[pep503.PackageName]bool

	// pinned maps packages introduced by URL, git, or path requirements
	// to their distribution; such packages have exactly one candidate.
	pinned map[pep503.PackageName]distribution.Dist

	// seenRequirements records the requirement list of the most recently
	// queried version of each package, for edge construction and fork
	// detection.
	mu               sync.Mutex
	seenRequirements map[solver.Package][]pep508.Requirement
	versionsByPkg    map[pep503.PackageName]pep440.Version

	// err captures the first hard provider failure so the driver can
	// surface it with context instead of a bare solver error.
	err error
}

func newPubProvider(ctx context.Context, source Source, m Manifest, filter *forkFilter) *pubProvider {
	p := &pubProvider{
		ctx:              ctx,
		source:           source,
		m:                m,
		filter:           filter,
		constraints:      make(map[pep503.PackageName]pep440.VersionSet),
		preferences:      make(map[pep503.PackageName]pep440.Version),
		direct:           make(map[pep503.PackageName]bool),
		pinned:           make(map[pep503.PackageName]distribution.Dist),
		seenRequirements: make(map[solver.Package][]pep508.Requirement),
		versionsByPkg:    make(map[pep503.PackageName]pep440.Version),
	}

	for _, c := range m.Constraints {
		set := c.Specifiers.VersionSet()
		if existing, ok := p.constraints[c.Name]; ok {
			set = existing.Intersect(set)
		}
		p.constraints[c.Name] = set
	}
	for _, pin := range m.Preferences {
		p.preferences[pin.Name] = pin.Version.WithoutLocal()
	}
	return p
}

// rootDependencies converts the manifest requirements into solver edges,
// registering pinned sources along the way.
func (p *pubProvider) rootDependencies() ([]solver.Dependency, error) {
	var out []solver.Dependency
	for _, req := range p.m.Requirements {
		if p.filter.drop(req) {
			continue
		}
		applies, err := p.applies(req, "")
		if err != nil {
			return nil, err
		}
		if !applies {
			continue
		}

		deps, err := p.requirementDeps(req)
		if err != nil {
			return nil, err
		}
		for _, d := range deps {
			name, _ := splitKey(d.Pkg)
			p.direct[name] = true
			out = append(out, d)
		}
	}
	if len(out) == 0 {
		return nil, errors.New("no requirements apply to the target environment")
	}
	return out, nil
}

// applies evaluates a requirement's marker when an environment is fixed.
// In universal mode every requirement applies and markers become edges.
func (p *pubProvider) applies(req pep508.Requirement, extra pep503.ExtraName) (bool, error) {
	if p.m.Env == nil {
		if extra != "" {
			// Extra nodes take only the requirements gated on their
			// extra, matched syntactically in universal mode.
			return markerMentionsExtra(req.Marker, extra), nil
		}
		return !markerMentionsAnyExtra(req.Marker), nil
	}

	env := *p.m.Env
	env.Extra = string(extra)
	return req.Evaluate(&env)
}

func markerMentionsExtra(m *pep508.Marker, extra pep503.ExtraName) bool {
	return strings.Contains(m.String(), `extra == "`+string(extra)+`"`) ||
		strings.Contains(m.String(), `extra == '`+string(extra)+`'`)
}

func markerMentionsAnyExtra(m *pep508.Marker) bool {
	return strings.Contains(m.String(), "extra ==")
}

// requirementDeps maps one requirement onto solver dependencies: the base
// package plus one virtual package per requested extra.
func (p *pubProvider) requirementDeps(req pep508.Requirement) ([]solver.Dependency, error) {
	set := req.Specifiers.VersionSet()

	if req.URL != "" {
		dist, err := distFromURL(req.Name, req.URL)
		if err != nil {
			return nil, err
		}
		if existing, ok := p.pinned[req.Name]; ok && existing.ID() != dist.ID() {
			return nil, errors.Errorf("%s is pinned to two different sources", req.Name)
		}
		p.pinned[req.Name] = dist
		set = pep440.FullSet()
	}

	deps := []solver.Dependency{{Pkg: pkgKey(req.Name, ""), Set: set}}
	for _, extra := range req.Extras {
		deps = append(deps, solver.Dependency{Pkg: pkgKey(req.Name, extra), Set: set})
	}
	return deps, nil
}

// distFromURL classifies a direct reference by scheme.
func distFromURL(name pep503.PackageName, raw string) (distribution.Dist, error) {
	if strings.HasPrefix(raw, "git+") {
		ref := distribution.GitRef{Kind: distribution.RefDefaultBranch}
		urlPart := raw
		if at := strings.LastIndex(raw, "@"); at > strings.LastIndex(raw, "/") {
			ref = distribution.GitRef{Kind: distribution.RefNamed, Value: raw[at+1:]}
			urlPart = raw[:at]
		}
		return distribution.GitDist{Package: name, URL: urlPart, Ref: ref}, nil
	}

	u, err := url.Parse(raw)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid URL for %s", name)
	}
	switch u.Scheme {
	case "file":
		return distribution.PathDist{Package: name, Path: filepath.FromSlash(u.Path)}, nil
	case "http", "https":
		return distribution.DirectURLDist{Package: name, URL: raw, Subdirectory: subdirFragment(u)}, nil
	case "":
		return distribution.PathDist{Package: name, Path: raw}, nil
	}
	return nil, errors.Errorf("unsupported URL scheme %q for %s", u.Scheme, name)
}

func subdirFragment(u *url.URL) string {
	vals, err := url.ParseQuery(u.Fragment)
	if err != nil {
		return ""
	}
	return vals.Get("subdirectory")
}

// fail records the first hard failure and converts it into an
// unavailability so the solver can terminate cleanly.
func (p *pubProvider) fail(err error) {
	p.mu.Lock()
	if p.err == nil {
		p.err = err
	}
	p.mu.Unlock()
}

// Choose implements candidate selection: resolution mode ordering,
// preferences first, pre-releases gated, yanked versions only when pinned.
func (p *pubProvider) Choose(pkg solver.Package, set pep440.VersionSet) (pep440.Version, bool, error) {
	name, _ := splitKey(pkg)

	if c, ok := p.constraints[name]; ok {
		set = set.Intersect(c)
	}

	// Pinned sources have exactly one version: whatever their metadata
	// declares.
	if dist, ok := p.pinned[name]; ok {
		md, err := p.source.Metadata(p.ctx, dist)
		if err != nil {
			p.fail(errors.Wrapf(err, "reading metadata of %s", dist))
			return pep440.Version{}, false, nil
		}
		v := md.Version.WithoutLocal()
		p.noteVersion(name, v)
		if !set.Contains(v) {
			return pep440.Version{}, false, nil
		}
		return v, true, nil
	}

	candidates, err := p.source.Versions(p.ctx, name)
	if err != nil {
		p.fail(errors.Wrapf(err, "listing versions of %s", name))
		return pep440.Version{}, false, nil
	}

	ordered := p.order(name, candidates)

	// Preferred version first, when admissible.
	if pref, ok := p.preferences[name]; ok && set.Contains(pref) {
		for _, c := range ordered {
			if c.Version == pref && !c.Yanked {
				p.noteVersion(name, pref)
				return pref, true, nil
			}
		}
	}

	pick := func(allowPrerelease bool) (pep440.Version, bool) {
		for _, c := range ordered {
			if !set.Contains(c.Version) {
				continue
			}
			if c.Yanked && !set.Equal(pep440.Singleton(c.Version)) {
				continue
			}
			if c.Version.IsPrerelease() && !allowPrerelease && !set.Equal(pep440.Singleton(c.Version)) {
				continue
			}
			return c.Version, true
		}
		return pep440.Version{}, false
	}

	if v, ok := pick(false); ok {
		p.noteVersion(name, v)
		return v, true, nil
	}
	// Ranges satisfiable only by pre-releases admit them.
	if v, ok := pick(true); ok {
		p.noteVersion(name, v)
		return v, true, nil
	}
	return pep440.Version{}, false, nil
}

func (p *pubProvider) noteVersion(name pep503.PackageName, v pep440.Version) {
	p.mu.Lock()
	p.versionsByPkg[name] = v
	p.mu.Unlock()
}

// order applies the resolution mode to the newest-first candidate list.
func (p *pubProvider) order(name pep503.PackageName, candidates []metadata.Candidate) []metadata.Candidate {
	lowest := p.m.Mode == ModeLowest ||
		(p.m.Mode == ModeLowestDirect && p.direct[name])
	if !lowest {
		return candidates
	}
	out := make([]metadata.Candidate, len(candidates))
	for i, c := range candidates {
		out[len(out)-1-i] = c
	}
	return out
}

// Dependencies answers the solver with a version's requirement edges.
func (p *pubProvider) Dependencies(pkg solver.Package, v pep440.Version) ([]solver.Dependency, bool, error) {
	name, extra := splitKey(pkg)

	dist, err := p.distFor(name, v)
	if err != nil {
		p.fail(err)
		return nil, true, nil
	}
	if dist == nil {
		return nil, true, nil
	}

	md, err := p.source.Metadata(p.ctx, dist)
	if err != nil {
		p.fail(errors.Wrapf(err, "reading metadata of %s %s", name, v))
		return nil, true, nil
	}

	reqs := md.RequiresDist
	if override, ok := p.m.Overrides[name]; ok {
		reqs = override
	}

	var deps []solver.Dependency
	var kept []pep508.Requirement

	// A virtual extra package depends on its base at the same version.
	if extra != "" {
		deps = append(deps, solver.Dependency{Pkg: pkgKey(name, ""), Set: pep440.Singleton(v)})
	}

	for _, req := range reqs {
		if req.Name == name && extra == "" {
			return nil, false, &solver.SelfDependencyError{Pkg: pkg, Version: v}
		}
		if p.filter.drop(req) {
			continue
		}
		applies, err := p.applies(req, extra)
		if err != nil {
			p.fail(errors.Wrapf(err, "evaluating marker of %q", req.String()))
			return nil, true, nil
		}
		if !applies {
			continue
		}

		rdeps, err := p.requirementDeps(req)
		if err != nil {
			p.fail(err)
			return nil, true, nil
		}
		deps = append(deps, rdeps...)
		kept = append(kept, req)
	}

	p.mu.Lock()
	p.seenRequirements[pkg] = kept
	p.mu.Unlock()

	return deps, false, nil
}

// distFor locates the distribution backing (name, v).
func (p *pubProvider) distFor(name pep503.PackageName, v pep440.Version) (distribution.Dist, error) {
	if dist, ok := p.pinned[name]; ok {
		return dist, nil
	}
	candidates, err := p.source.Versions(p.ctx, name)
	if err != nil {
		return nil, errors.Wrapf(err, "listing versions of %s", name)
	}
	for _, c := range candidates {
		if c.Version == v {
			return c.Dist, nil
		}
	}
	return nil, nil
}

// Priority ranks more-constrained packages first; pinned sources have a
// single candidate and always go first.
func (p *pubProvider) Priority(pkg solver.Package, set pep440.VersionSet) int64 {
	name, _ := splitKey(pkg)
	if _, ok := p.pinned[name]; ok {
		return 1 << 40
	}

	candidates, err := p.source.Versions(p.ctx, name)
	if err != nil {
		return 0
	}
	n := int64(0)
	for _, c := range candidates {
		if set.Contains(c.Version) {
			n++
		}
	}
	return -n
}

// Package resolver adapts the solver core to the packaging ecosystem: it
// feeds the solver from the metadata provider, applies resolution modes,
// preferences, constraints, and overrides, evaluates markers (or carries
// them, in universal mode), and produces the resolution graph.
package resolver

import (
	"context"
	"log"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/wheelhouse-dev/wheelhouse/distribution"
	"github.com/wheelhouse-dev/wheelhouse/metadata"
	"github.com/wheelhouse-dev/wheelhouse/pep425"
	"github.com/wheelhouse-dev/wheelhouse/pep427"
	"github.com/wheelhouse-dev/wheelhouse/pep440"
	"github.com/wheelhouse-dev/wheelhouse/pep503"
	"github.com/wheelhouse-dev/wheelhouse/pep508"
	"github.com/wheelhouse-dev/wheelhouse/solver"
)

// Mode selects candidate ordering.
type Mode int

const (
	// ModeHighest prefers the newest compatible versions.
	ModeHighest Mode = iota
	// ModeLowest prefers the oldest compatible versions.
	ModeLowest
	// ModeLowestDirect prefers the oldest versions for root requirements
	// and the newest for transitive ones.
	ModeLowestDirect
)

// A Pin is a (name, version) preference, typically from a previous lock.
type Pin struct {
	Name    pep503.PackageName
	Version pep440.Version
}

// Manifest is the driver's complete input.
type Manifest struct {
	// Requirements are the roots.
	Requirements []pep508.Requirement
	// Constraints tighten versions without introducing dependencies.
	Constraints []pep508.Requirement
	// Overrides replace the declared dependencies of the named package.
	Overrides map[pep503.PackageName][]pep508.Requirement
	// Preferences are honored whenever the preferred version is valid.
	Preferences []Pin
	Mode        Mode
	// Env fixes the marker environment. Nil requests a universal
	// resolution: markers are carried into the graph unevaluated.
	Env  *pep508.Environment
	Tags pep425.Tags
	// HashPolicy is carried on the record but the resolver does not read
	// it; metadata fetches use the metadata provider's own HashPolicy.
	HashPolicy distribution.HashPolicy
}

// Source is the resolver's view of the metadata provider.
type Source interface {
	Versions(ctx context.Context, name pep503.PackageName) ([]metadata.Candidate, error)
	Metadata(ctx context.Context, dist distribution.Dist) (*pep427.Metadata, error)
}

// Resolver drives solver runs against a Source.
type Resolver struct {
	Source Source
	Logger *logrus.Logger
	// Trace receives solver trace output when set.
	Trace *log.Logger
}

// New returns a Resolver over the given source.
func New(source Source) *Resolver {
	return &Resolver{Source: source, Logger: logrus.StandardLogger()}
}

// Resolve computes a resolution graph for the manifest, forking into
// disjoint marker branches when a universal resolution requires it.
func (r *Resolver) Resolve(ctx context.Context, m Manifest) (*Graph, error) {
	if err := validateManifest(m); err != nil {
		return nil, err
	}

	p := newPubProvider(ctx, r.Source, m, nil)
	graph, err := r.run(ctx, p)
	if err == nil {
		return graph, nil
	}

	// A fixed environment has nothing to fork on.
	var ns *solver.NoSolutionError
	if m.Env != nil || !errors.As(err, &ns) {
		return nil, err
	}

	// Universal mode: a no-solution may come from conjoining requirement
	// branches that real environments never see together. Fork at the
	// first marker-divergent dependency observed during the failed pass
	// and union the branch graphs.
	fork, ok := findFork(m.Requirements, p.seenRequirements)
	if !ok {
		return nil, err
	}
	r.Logger.WithField("package", fork.dep).Info("forking universal resolution on marker-divergent dependency")

	var branches []*Graph
	for i := range fork.branches {
		pb := newPubProvider(ctx, r.Source, m, &forkFilter{point: fork, keep: i})
		g, berr := r.run(ctx, pb)
		if berr != nil {
			return nil, errors.Wrapf(berr, "resolving fork %q", fork.branches[i].marker.String())
		}
		g.annotate(fork.branches[i].marker)
		branches = append(branches, g)
	}
	return unionGraphs(branches), nil
}

func validateManifest(m Manifest) error {
	if len(m.Requirements) == 0 {
		return errors.New("manifest has no requirements")
	}
	for name, reqs := range m.Overrides {
		if len(reqs) == 0 {
			return errors.Errorf("override for %s is empty; delete it instead", name)
		}
	}
	return nil
}

// run executes a single solver pass over an assembled provider.
func (r *Resolver) run(ctx context.Context, p *pubProvider) (*Graph, error) {
	rootDeps, err := p.rootDependencies()
	if err != nil {
		return nil, err
	}

	s, err := solver.New(p, rootDeps, r.Trace)
	if err != nil {
		return nil, err
	}

	solution, err := s.Solve(ctx)
	if err != nil {
		if p.err != nil {
			// A provider failure surfaced through the solver; report the
			// underlying cause with its package context.
			return nil, p.err
		}
		return nil, err
	}

	return p.buildGraph(solution)
}

// forkPoint describes a marker-divergent dependency: one package declares
// the same dependency under different markers with different requirements.
type forkPoint struct {
	dep      pep503.PackageName
	branches []forkBranch
}

type forkBranch struct {
	marker *pep508.Marker
	req    pep508.Requirement
}

// forkFilter keeps only one branch's requirement during a forked run.
type forkFilter struct {
	point *forkPoint
	keep  int
}

// drop reports whether req (a requirement on the fork's dependency) belongs
// to a branch other than the kept one.
func (f *forkFilter) drop(req pep508.Requirement) bool {
	if f == nil || req.Name != f.point.dep {
		return false
	}
	for i, b := range f.point.branches {
		if i == f.keep {
			continue
		}
		if b.req.String() == req.String() {
			return true
		}
	}
	return false
}

// findFork scans the root requirements and every requirement list seen
// during the failed pass for a dependency declared twice under different
// markers.
func findFork(roots []pep508.Requirement, seen map[solver.Package][]pep508.Requirement) (*forkPoint, bool) {
	scan := func(reqs []pep508.Requirement) (*forkPoint, bool) {
		byName := make(map[pep503.PackageName][]pep508.Requirement)
		for _, req := range reqs {
			byName[req.Name] = append(byName[req.Name], req)
		}
		for name, group := range byName {
			if len(group) < 2 {
				continue
			}
			divergent := false
			for _, req := range group {
				if req.Marker.String() != group[0].Marker.String() {
					divergent = true
				}
			}
			if !divergent {
				continue
			}
			fp := &forkPoint{dep: name}
			for _, req := range group {
				fp.branches = append(fp.branches, forkBranch{marker: req.Marker, req: req})
			}
			return fp, true
		}
		return nil, false
	}

	if fp, ok := scan(roots); ok {
		return fp, true
	}
	for _, reqs := range seen {
		if fp, ok := scan(reqs); ok {
			return fp, true
		}
	}
	return nil, false
}

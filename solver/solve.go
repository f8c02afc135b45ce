package solver

import (
	"context"
	"log"
	"sort"

	"github.com/pkg/errors"

	"github.com/wheelhouse-dev/wheelhouse/pep440"
)

// A Dependency is one edge returned by the provider.
type Dependency struct {
	Pkg Package
	Set pep440.VersionSet
}

// Provider is the solver's oracle. From the solver's point of view every
// call has exactly three outcomes: a value, a clean "none", or an error
// that aborts solving (network and metadata failures are converted into
// "none"/unavailable by the driver before they reach the solver).
type Provider interface {
	// Choose picks a candidate version for pkg within set, or reports
	// that none exists. Candidate ordering policy (resolution modes,
	// preferences, pre-release gating) lives behind this call.
	Choose(pkg Package, set pep440.VersionSet) (pep440.Version, bool, error)

	// Dependencies lists the requirements of pkg at v. unavailable=true
	// means the version's metadata cannot be used; the solver records an
	// incompatibility and moves on.
	Dependencies(pkg Package, v pep440.Version) (deps []Dependency, unavailable bool, err error)

	// Priority ranks undecided packages; higher decides first. More
	// constrained packages should rank higher to fail fast.
	Priority(pkg Package, set pep440.VersionSet) int64
}

// Solver runs incompatibility-driven solving over a Provider.
type Solver struct {
	provider Provider

	arena []*Incompatibility
	// byPackage indexes arena entries that participate in propagation.
	byPackage map[Package][]incompatID
	indexed   map[incompatID]bool

	partial *partialSolution

	// lastConflict tie-breaks decision priority by conflict recency.
	lastConflict map[Package]int
	conflictSeq  int

	tl *log.Logger
}

// New prepares a Solver with the root requirements in place.
func New(provider Provider, rootDeps []Dependency, trace *log.Logger) (*Solver, error) {
	if provider == nil {
		return nil, errors.New("must provide a non-nil Provider")
	}

	s := &Solver{
		provider:     provider,
		byPackage:    make(map[Package][]incompatID),
		indexed:      make(map[incompatID]bool),
		partial:      newPartialSolution(),
		lastConflict: make(map[Package]int),
		tl:           trace,
	}

	for _, dep := range rootDeps {
		if dep.Pkg == Root {
			return nil, errors.New("root cannot depend on itself")
		}
		s.index(s.intern(rootRequirement(dep.Pkg, dep.Set)))
	}
	return s, nil
}

// intern appends inc to the arena and returns its id.
func (s *Solver) intern(inc *Incompatibility) incompatID {
	s.arena = append(s.arena, inc)
	return incompatID(len(s.arena) - 1)
}

// index registers an arena entry for unit propagation, at most once.
func (s *Solver) index(id incompatID) {
	if s.indexed[id] {
		return
	}
	s.indexed[id] = true
	for pkg := range s.arena[id].terms {
		s.byPackage[pkg] = append(s.byPackage[pkg], id)
	}
}

func (s *Solver) tracef(format string, args ...interface{}) {
	if s.tl != nil {
		s.tl.Printf(format, args...)
	}
}

// Solve runs the main loop: propagate, decide, repeat. It returns the
// chosen versions, or a *NoSolutionError with the derivation tree.
func (s *Solver) Solve(ctx context.Context) (map[Package]pep440.Version, error) {
	// The root is a decision like any other; its version is synthetic.
	s.partial.decide(Root, pep440.Version{ReleaseLen: 1})

	next := []Package{Root}
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		if err := s.unitPropagation(next); err != nil {
			return nil, err
		}

		pkg, ok := s.nextDecision()
		if !ok {
			s.tracef("solution reached after %d decisions", s.partial.decisionCount)
			return s.partial.solution(), nil
		}

		propagate, err := s.makeDecision(pkg)
		if err != nil {
			return nil, err
		}
		next = propagate
	}
}

// unitPropagation drains the changed-package worklist, deriving forced
// terms and resolving conflicts as they appear.
func (s *Solver) unitPropagation(changed []Package) error {
	for len(changed) > 0 {
		pkg := changed[len(changed)-1]
		changed = changed[:len(changed)-1]

	scan:
		// Newest incompatibilities first: learned clauses are the most
		// constraining.
		for i := len(s.byPackage[pkg]) - 1; i >= 0; i-- {
			id := s.byPackage[pkg][i]
			inc := s.arena[id]

			rel, unsat := s.partial.relate(inc)
			switch rel {
			case relationSatisfied:
				s.tracef("conflict: %s", inc)
				rootID, err := s.resolveConflict(id)
				if err != nil {
					return err
				}
				root := s.arena[rootID]

				rel2, unsat2 := s.partial.relate(root)
				if rel2 != relationAlmostSatisfied {
					return errors.Errorf("internal: root cause %s not almost-satisfied after backtracking", root)
				}
				term := root.terms[unsat2]
				s.partial.derive(unsat2, term.Negate(), rootID)
				s.tracef("derived (from conflict): %s %s", unsat2, term.Negate())

				changed = changed[:0]
				changed = append(changed, unsat2)
				break scan

			case relationAlmostSatisfied:
				term := inc.terms[unsat]
				s.partial.derive(unsat, term.Negate(), id)
				s.tracef("derived: %s %s", unsat, term.Negate())
				if !contains(changed, unsat) {
					changed = append(changed, unsat)
				}
			}
		}
	}
	return nil
}

// resolveConflict walks satisfier causes backward until the conflict has a
// single term at the current decision level, learning the root cause and
// backjumping. Returns the id of the learned clause, or *NoSolutionError
// when the conflict is absolute.
func (s *Solver) resolveConflict(id incompatID) (incompatID, error) {
	inc := s.arena[id]

	for {
		if inc.isTerminal() {
			return 0, &NoSolutionError{Tree: s.buildTree(id)}
		}

		var mostRecentPkg Package
		var mostRecentTerm Term
		var mostRecentSatisfier *assignment
		var difference *Term
		previousSatisfierLevel := 1

		for pkg, term := range inc.terms {
			satisfier := s.partial.satisfier(pkg, term)
			if satisfier == nil {
				return 0, errors.Errorf("internal: satisfied incompatibility %s has no satisfier for %s", inc, pkg)
			}

			s.conflictSeq++
			s.lastConflict[pkg] = s.conflictSeq

			switch {
			case mostRecentSatisfier == nil:
				mostRecentPkg, mostRecentTerm, mostRecentSatisfier = pkg, term, satisfier
			case mostRecentSatisfier.index < satisfier.index:
				if mostRecentSatisfier.level > previousSatisfierLevel {
					previousSatisfierLevel = mostRecentSatisfier.level
				}
				mostRecentPkg, mostRecentTerm, mostRecentSatisfier = pkg, term, satisfier
				difference = nil
			default:
				if satisfier.level > previousSatisfierLevel {
					previousSatisfierLevel = satisfier.level
				}
			}
		}

		// When the satisfier only partially covers the term, earlier
		// assignments contribute too; their level caps the backjump.
		if !mostRecentSatisfier.term.Satisfies(mostRecentTerm) {
			d := mostRecentSatisfier.term.Difference(mostRecentTerm)
			difference = &d
			if prev := s.partial.satisfier(mostRecentPkg, d.Negate()); prev != nil {
				if prev.level > previousSatisfierLevel {
					previousSatisfierLevel = prev.level
				}
			}
		}

		if mostRecentSatisfier.isDecision || previousSatisfierLevel < mostRecentSatisfier.level {
			s.partial.backtrack(previousSatisfierLevel)
			s.tracef("backtracked to level %d, learned %s", previousSatisfierLevel, inc)

			// The learned clause enters propagation; intermediate
			// derivations stayed in the arena for the failure tree only.
			if s.arena[id] != inc {
				id = s.intern(inc)
			}
			s.index(id)
			return id, nil
		}

		// Resolve with the satisfier's cause.
		causeID := mostRecentSatisfier.cause
		cause := s.arena[causeID]

		prior := &Incompatibility{
			terms: make(map[Package]Term, len(inc.terms)+len(cause.terms)),
			cause: DerivedCause{Left: id, Right: causeID},
		}
		for pkg, term := range inc.terms {
			if pkg != mostRecentPkg {
				prior.add(pkg, term)
			}
		}
		for pkg, term := range cause.terms {
			if pkg != mostRecentPkg {
				prior.add(pkg, term)
			}
		}
		if difference != nil {
			prior.add(mostRecentPkg, difference.Negate())
		}

		id = s.intern(prior)
		inc = prior
		s.tracef("resolved to prior cause: %s", inc)
	}
}

// nextDecision picks the undecided package to decide next: provider
// priority first, then recency of conflict involvement, then name order
// for determinism.
func (s *Solver) nextDecision() (Package, bool) {
	candidates := s.partial.undecidedPositive()
	if len(candidates) == 0 {
		return "", false
	}

	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		pa := s.provider.Priority(a, s.partial.constraint(a).Set)
		pb := s.provider.Priority(b, s.partial.constraint(b).Set)
		if pa != pb {
			return pa > pb
		}
		if s.lastConflict[a] != s.lastConflict[b] {
			return s.lastConflict[a] > s.lastConflict[b]
		}
		return a < b
	})
	return candidates[0], true
}

// makeDecision queries the provider for pkg and either decides a version
// (recording its dependencies as incompatibilities) or records why none
// could be chosen.
func (s *Solver) makeDecision(pkg Package) ([]Package, error) {
	term := s.partial.constraint(pkg)

	v, ok, err := s.provider.Choose(pkg, term.Set)
	if err != nil {
		return nil, errors.Wrapf(err, "choosing a version of %s", pkg)
	}
	if !ok {
		s.tracef("no versions of %s in %s", pkg, term.Set)
		s.index(s.intern(noVersions(pkg, term.Set)))
		return []Package{pkg}, nil
	}

	deps, unavail, err := s.provider.Dependencies(pkg, v)
	if err != nil {
		return nil, errors.Wrapf(err, "fetching dependencies of %s %s", pkg, v)
	}
	if unavail {
		s.tracef("%s %s is unavailable", pkg, v)
		s.index(s.intern(unavailable(pkg, v, "metadata unavailable")))
		return []Package{pkg}, nil
	}

	for _, dep := range deps {
		if dep.Pkg == pkg {
			return nil, &SelfDependencyError{Pkg: pkg, Version: v}
		}
		s.index(s.intern(dependency(pkg, pep440.Singleton(v), dep.Pkg, dep.Set)))
	}

	s.partial.decide(pkg, v)
	s.tracef("decided %s %s (%d deps)", pkg, v, len(deps))
	return []Package{pkg}, nil
}

func contains(pkgs []Package, p Package) bool {
	for _, x := range pkgs {
		if x == p {
			return true
		}
	}
	return false
}

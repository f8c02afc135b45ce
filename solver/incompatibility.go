package solver

import (
	"fmt"
	"sort"
	"strings"

	"github.com/wheelhouse-dev/wheelhouse/pep440"
)

// An incompatID indexes the solver's incompatibility arena. Interning
// incompatibilities behind small ids keeps equality and cause references
// O(1) no matter how large the clauses grow.
type incompatID int

// An Incompatibility is a clause stating that its terms cannot all hold at
// once. Externally-caused incompatibilities come from the problem itself
// (root requirements, dependencies, missing versions); derived ones are
// learned during conflict resolution.
type Incompatibility struct {
	terms map[Package]Term
	cause Cause
}

// Cause records where an incompatibility came from. The derivation tree on
// failure is walked through these.
type Cause interface{ cause() }

// RootCause marks the clause carrying a root requirement.
type RootCause struct{}

// NoVersionsCause marks "no version of Pkg satisfies Set".
type NoVersionsCause struct {
	Pkg Package
	Set pep440.VersionSet
}

// UnavailableCause marks a version whose metadata could not be obtained.
type UnavailableCause struct {
	Pkg     Package
	Version pep440.Version
	Reason  string
}

// DependencyCause marks "Pkg (in Versions) depends on Dep in DepSet".
type DependencyCause struct {
	Pkg      Package
	Versions pep440.VersionSet
	Dep      Package
	DepSet   pep440.VersionSet
}

// DerivedCause marks a clause learned by resolving two others.
type DerivedCause struct {
	Left, Right incompatID
}

func (RootCause) cause()        {}
func (NoVersionsCause) cause()  {}
func (UnavailableCause) cause() {}
func (DependencyCause) cause()  {}
func (DerivedCause) cause()     {}

// add inserts a term, intersecting with any existing term for the same
// package so the clause keeps at most one term per package.
func (inc *Incompatibility) add(pkg Package, term Term) {
	if existing, ok := inc.terms[pkg]; ok {
		term = existing.Intersect(term)
	}
	inc.terms[pkg] = term
}

// packages lists the mentioned packages in deterministic order.
func (inc *Incompatibility) packages() []Package {
	out := make([]Package, 0, len(inc.terms))
	for p := range inc.terms {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// isTerminal reports whether the clause proves the whole problem
// unsatisfiable: it has no terms, or only a positive term about the root.
func (inc *Incompatibility) isTerminal() bool {
	if len(inc.terms) == 0 {
		return true
	}
	if len(inc.terms) == 1 {
		for pkg, term := range inc.terms {
			return pkg == Root && term.Positive
		}
	}
	return false
}

func (inc *Incompatibility) String() string {
	if len(inc.terms) == 0 {
		return "(no solution)"
	}
	parts := make([]string, 0, len(inc.terms))
	for _, pkg := range inc.packages() {
		term := inc.terms[pkg]
		parts = append(parts, fmt.Sprintf("%s %s", pkg, term))
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

// dependency builds the clause for "pkg at versions needs dep in depSet":
// pkg∈versions ∧ dep∉depSet is impossible.
func dependency(pkg Package, versions pep440.VersionSet, dep Package, depSet pep440.VersionSet) *Incompatibility {
	inc := &Incompatibility{
		terms: map[Package]Term{
			pkg: positive(versions),
			dep: negative(depSet),
		},
		cause: DependencyCause{Pkg: pkg, Versions: versions, Dep: dep, DepSet: depSet},
	}
	return inc
}

// noVersions builds the clause for "nothing in set exists for pkg".
func noVersions(pkg Package, set pep440.VersionSet) *Incompatibility {
	return &Incompatibility{
		terms: map[Package]Term{pkg: positive(set)},
		cause: NoVersionsCause{Pkg: pkg, Set: set},
	}
}

// unavailable builds the clause for a version whose metadata is unusable.
func unavailable(pkg Package, v pep440.Version, reason string) *Incompatibility {
	return &Incompatibility{
		terms: map[Package]Term{pkg: positive(pep440.Singleton(v))},
		cause: UnavailableCause{Pkg: pkg, Version: v, Reason: reason},
	}
}

// rootRequirement builds the clause forcing a root dependency.
func rootRequirement(dep Package, set pep440.VersionSet) *Incompatibility {
	return &Incompatibility{
		terms: map[Package]Term{
			Root: positive(pep440.FullSet()),
			dep:  negative(set),
		},
		cause: RootCause{},
	}
}

// Package solver implements incompatibility-driven version solving:
// unit propagation over learned clauses, a level-indexed partial solution,
// and conflict resolution with backjumping. On failure it produces a
// derivation tree explaining why no solution exists.
//
// The solver is deliberately ecosystem-agnostic: packages are opaque keys
// and versions live in the interval algebra. The resolver driver supplies
// candidates and dependency lists through the Provider interface.
package solver

import (
	"github.com/wheelhouse-dev/wheelhouse/pep440"
)

// A Package is an opaque package key. The driver may encode virtual
// packages (a package with an extra enabled) into the key.
type Package string

// Root is the synthetic package standing for the caller's requirements.
const Root Package = "(root)"

// A Term is a statement about one package: either "the selected version is
// in Set" (positive) or "it is not in Set" (negative).
type Term struct {
	Positive bool
	Set      pep440.VersionSet
}

// Positive builds an affirmative term.
func positive(set pep440.VersionSet) Term { return Term{Positive: true, Set: set} }

// negative builds a negated term.
func negative(set pep440.VersionSet) Term { return Term{Positive: false, Set: set} }

// effective returns the set of versions the term admits.
func (t Term) effective() pep440.VersionSet {
	if t.Positive {
		return t.Set
	}
	return t.Set.Complement()
}

// Negate flips the term.
func (t Term) Negate() Term {
	return Term{Positive: !t.Positive, Set: t.Set}
}

// Intersect combines two statements about the same package.
func (t Term) Intersect(o Term) Term {
	switch {
	case t.Positive && o.Positive:
		return positive(t.Set.Intersect(o.Set))
	case !t.Positive && !o.Positive:
		return negative(t.Set.Union(o.Set))
	case t.Positive:
		return positive(t.Set.Intersect(o.Set.Complement()))
	default:
		return positive(o.Set.Intersect(t.Set.Complement()))
	}
}

// Difference returns the part of t not covered by o.
func (t Term) Difference(o Term) Term {
	return t.Intersect(o.Negate())
}

// Satisfies reports whether t being true forces o to be true: every
// version admitted by t is admitted by o. A negative statement can never
// prove a positive one — "not excluded" is not "selected".
func (t Term) Satisfies(o Term) bool {
	if o.Positive && !t.Positive {
		return false
	}
	return t.effective().Difference(o.effective()).IsEmpty()
}

// Contradicts reports whether t and o cannot both hold. Two negative terms
// never contradict: both hold when the package is not selected.
func (t Term) Contradicts(o Term) bool {
	if !t.Positive && !o.Positive {
		return false
	}
	return t.effective().Intersect(o.effective()).IsEmpty()
}

// IsEmpty reports whether the term admits no versions at all.
func (t Term) IsEmpty() bool {
	return t.effective().IsEmpty()
}

func (t Term) String() string {
	if t.Positive {
		return t.Set.String()
	}
	return "not " + t.Set.String()
}

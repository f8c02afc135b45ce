package solver

import (
	"github.com/wheelhouse-dev/wheelhouse/pep440"
)

// An assignment is one entry in the ordered partial solution: either a
// decision (a chosen version) or a derivation (a term forced by an
// incompatibility).
type assignment struct {
	pkg        Package
	term       Term
	isDecision bool
	version    pep440.Version // decisions only
	cause      incompatID     // derivations only
	level      int
	index      int
}

// pkgState caches the cumulative view of one package's assignments.
type pkgState struct {
	// derived is the intersection of every assigned term so far.
	derived Term
	// decided is set once a decision exists.
	decided bool
	version pep440.Version
	// indices into partialSolution.assignments, in order.
	indices []int
}

// partialSolution is the ordered assignment list plus per-package
// accumulators. Every derivation is entailed by prior assignments and the
// incompatibility recorded as its cause.
type partialSolution struct {
	assignments []assignment
	states      map[Package]*pkgState
	level       int
	// decisionCount tracks how many decisions are in the list.
	decisionCount int
}

func newPartialSolution() *partialSolution {
	return &partialSolution{states: make(map[Package]*pkgState)}
}

func (ps *partialSolution) state(pkg Package) *pkgState {
	st, ok := ps.states[pkg]
	if !ok {
		st = &pkgState{derived: negative(pep440.EmptySet())}
		ps.states[pkg] = st
	}
	return st
}

// constraint returns the cumulative term for pkg. With no assignments it is
// the vacuous "not in ∅", which admits everything.
func (ps *partialSolution) constraint(pkg Package) Term {
	if st, ok := ps.states[pkg]; ok {
		return st.derived
	}
	return negative(pep440.EmptySet())
}

// decided reports pkg's chosen version, if any.
func (ps *partialSolution) decided(pkg Package) (pep440.Version, bool) {
	if st, ok := ps.states[pkg]; ok && st.decided {
		return st.version, true
	}
	return pep440.Version{}, false
}

// derive appends a derivation at the current decision level.
func (ps *partialSolution) derive(pkg Package, term Term, cause incompatID) {
	a := assignment{
		pkg:   pkg,
		term:  term,
		cause: cause,
		level: ps.level,
		index: len(ps.assignments),
	}
	ps.assignments = append(ps.assignments, a)

	st := ps.state(pkg)
	st.derived = st.derived.Intersect(term)
	st.indices = append(st.indices, a.index)
}

// decide opens a new decision level and records the chosen version.
func (ps *partialSolution) decide(pkg Package, v pep440.Version) {
	ps.level++
	ps.decisionCount++
	a := assignment{
		pkg:        pkg,
		term:       positive(pep440.Singleton(v)),
		isDecision: true,
		version:    v,
		level:      ps.level,
		index:      len(ps.assignments),
	}
	ps.assignments = append(ps.assignments, a)

	st := ps.state(pkg)
	st.derived = st.derived.Intersect(a.term)
	st.decided = true
	st.version = v
	st.indices = append(st.indices, a.index)
}

// backtrack removes every assignment made after the given decision level
// and rebuilds the per-package accumulators.
func (ps *partialSolution) backtrack(level int) {
	keep := ps.assignments[:0]
	for _, a := range ps.assignments {
		if a.level <= level {
			keep = append(keep, a)
		}
	}
	ps.assignments = keep
	ps.level = level

	ps.states = make(map[Package]*pkgState, len(ps.states))
	ps.decisionCount = 0
	for i := range ps.assignments {
		a := &ps.assignments[i]
		a.index = i
		st := ps.state(a.pkg)
		st.derived = st.derived.Intersect(a.term)
		st.indices = append(st.indices, i)
		if a.isDecision {
			st.decided = true
			st.version = a.version
			ps.decisionCount++
		}
	}
}

// relation classifies an incompatibility against the current assignments.
type relation int

const (
	relationSatisfied relation = iota
	relationAlmostSatisfied
	relationContradicted
	relationInconclusive
)

// relate evaluates inc: satisfied when every term is entailed, almost
// satisfied when exactly one term is not (returned as the unsatisfied
// package), contradicted when some term cannot hold.
//
// A package with no assignments is undetermined for every term, not
// contradicted: in particular a negative any-version term ("a is not
// selected") still holds vacuously until something assigns a, and that is
// exactly how dependency clauses pull new packages into the solution.
func (ps *partialSolution) relate(inc *Incompatibility) (relation, Package) {
	var unsatisfied Package
	sawUnsatisfied := false

	for pkg, term := range inc.terms {
		st, assigned := ps.states[pkg]
		if !assigned || len(st.indices) == 0 {
			if sawUnsatisfied {
				return relationInconclusive, ""
			}
			sawUnsatisfied = true
			unsatisfied = pkg
			continue
		}

		cur := st.derived
		if cur.Contradicts(term) {
			return relationContradicted, pkg
		}
		if !cur.Satisfies(term) {
			if sawUnsatisfied {
				return relationInconclusive, ""
			}
			sawUnsatisfied = true
			unsatisfied = pkg
		}
	}

	if !sawUnsatisfied {
		return relationSatisfied, ""
	}
	return relationAlmostSatisfied, unsatisfied
}

// satisfier finds the earliest assignment for pkg at which the cumulative
// intersection of its assignments entails term.
func (ps *partialSolution) satisfier(pkg Package, term Term) *assignment {
	st, ok := ps.states[pkg]
	if !ok {
		return nil
	}

	acc := negative(pep440.EmptySet())
	for _, idx := range st.indices {
		a := &ps.assignments[idx]
		acc = acc.Intersect(a.term)
		if acc.Satisfies(term) {
			return a
		}
	}
	return nil
}

// undecidedPositive lists packages that have a positive cumulative
// constraint but no decision yet: the frontier for decision making.
func (ps *partialSolution) undecidedPositive() []Package {
	var out []Package
	for pkg, st := range ps.states {
		if st.decided {
			continue
		}
		if st.derived.Positive && !st.derived.IsEmpty() {
			out = append(out, pkg)
		}
	}
	return out
}

// solution extracts the decided versions, excluding the root.
func (ps *partialSolution) solution() map[Package]pep440.Version {
	out := make(map[Package]pep440.Version, ps.decisionCount)
	for pkg, st := range ps.states {
		if st.decided && pkg != Root {
			out[pkg] = st.version
		}
	}
	return out
}

package pep440

import (
	"sort"
	"strings"
)

// A bound is one end of an interval. An absent bound is unbounded in that
// direction.
type bound struct {
	v         Version
	inclusive bool
	present   bool
}

// An interval is a contiguous, non-empty run of versions between two bounds.
type interval struct {
	lo, hi bound
}

// A VersionSet is a canonical union of disjoint, sorted intervals over the
// version order. The canonical-form invariant makes structural equality
// coincide with set equality: every constructor and operation re-normalizes.
//
// The zero value is the empty set.
type VersionSet struct {
	ivs []interval
}

// EmptySet returns the set containing no versions.
func EmptySet() VersionSet { return VersionSet{} }

// FullSet returns the set containing every version.
func FullSet() VersionSet {
	return VersionSet{ivs: []interval{{}}}
}

// Singleton returns the set containing exactly v.
func Singleton(v Version) VersionSet {
	b := bound{v: v, inclusive: true, present: true}
	return VersionSet{ivs: []interval{{lo: b, hi: b}}}
}

// Range returns the half-open set [lo, hi). A nil pointer leaves that side
// unbounded.
func Range(lo, hi *Version) VersionSet {
	var iv interval
	if lo != nil {
		iv.lo = bound{v: *lo, inclusive: true, present: true}
	}
	if hi != nil {
		iv.hi = bound{v: *hi, inclusive: false, present: true}
	}
	if !nonEmpty(iv) {
		return EmptySet()
	}
	return VersionSet{ivs: []interval{iv}}
}

// IsEmpty reports whether the set contains no versions.
func (s VersionSet) IsEmpty() bool { return len(s.ivs) == 0 }

// IsFull reports whether the set contains every version.
func (s VersionSet) IsFull() bool {
	return len(s.ivs) == 1 && !s.ivs[0].lo.present && !s.ivs[0].hi.present
}

// Contains reports whether v is a member of the set.
func (s VersionSet) Contains(v Version) bool {
	for _, iv := range s.ivs {
		if iv.contains(v) {
			return true
		}
	}
	return false
}

func (iv interval) contains(v Version) bool {
	if iv.lo.present {
		c := Compare(v, iv.lo.v)
		if c < 0 || (c == 0 && !iv.lo.inclusive) {
			return false
		}
	}
	if iv.hi.present {
		c := Compare(v, iv.hi.v)
		if c > 0 || (c == 0 && !iv.hi.inclusive) {
			return false
		}
	}
	return true
}

// Equal reports set equality. Because both operands are canonical, this is
// plain structural comparison.
func (s VersionSet) Equal(o VersionSet) bool {
	if len(s.ivs) != len(o.ivs) {
		return false
	}
	for i := range s.ivs {
		if s.ivs[i] != o.ivs[i] {
			return false
		}
	}
	return true
}

// Complement returns the set of every version not in s.
func (s VersionSet) Complement() VersionSet {
	if s.IsEmpty() {
		return FullSet()
	}

	var out []interval
	var cursor bound // lower bound of the next gap; zero value = -inf

	for _, iv := range s.ivs {
		if iv.lo.present {
			gap := interval{
				lo: cursor,
				hi: bound{v: iv.lo.v, inclusive: !iv.lo.inclusive, present: true},
			}
			if nonEmpty(gap) {
				out = append(out, gap)
			}
		}
		if !iv.hi.present {
			// Set reaches +inf; nothing above.
			return VersionSet{ivs: out}
		}
		cursor = bound{v: iv.hi.v, inclusive: !iv.hi.inclusive, present: true}
	}

	out = append(out, interval{lo: cursor})
	return VersionSet{ivs: out}
}

// Intersect returns the versions common to s and o, via a linear merge of
// the two sorted interval lists.
func (s VersionSet) Intersect(o VersionSet) VersionSet {
	var out []interval
	i, j := 0, 0
	for i < len(s.ivs) && j < len(o.ivs) {
		a, b := s.ivs[i], o.ivs[j]

		lo := maxLo(a.lo, b.lo)
		hi := minHi(a.hi, b.hi)
		iv := interval{lo: lo, hi: hi}
		if nonEmpty(iv) {
			out = append(out, iv)
		}

		// Advance whichever interval ends first.
		if cmpHi(a.hi, b.hi) <= 0 {
			i++
		} else {
			j++
		}
	}
	return VersionSet{ivs: out}
}

// Union returns the versions in either s or o.
func (s VersionSet) Union(o VersionSet) VersionSet {
	merged := make([]interval, 0, len(s.ivs)+len(o.ivs))
	merged = append(merged, s.ivs...)
	merged = append(merged, o.ivs...)
	return canonicalize(merged)
}

// Difference returns the versions in s but not in o.
func (s VersionSet) Difference(o VersionSet) VersionSet {
	return s.Intersect(o.Complement())
}

func (s VersionSet) String() string {
	if s.IsEmpty() {
		return "∅"
	}
	if s.IsFull() {
		return "*"
	}

	var parts []string
	for _, iv := range s.ivs {
		switch {
		case iv.lo.present && iv.hi.present && iv.lo == iv.hi:
			parts = append(parts, "=="+iv.lo.v.String())
		default:
			var sb strings.Builder
			if iv.lo.present {
				if iv.lo.inclusive {
					sb.WriteString(">=")
				} else {
					sb.WriteString(">")
				}
				sb.WriteString(iv.lo.v.String())
			}
			if iv.hi.present {
				if iv.lo.present {
					sb.WriteString(",")
				}
				if iv.hi.inclusive {
					sb.WriteString("<=")
				} else {
					sb.WriteString("<")
				}
				sb.WriteString(iv.hi.v.String())
			}
			parts = append(parts, sb.String())
		}
	}
	return strings.Join(parts, " || ")
}

// VersionSet converts the clause into interval form. Local segments on the
// operand are dropped; the solver's domain is local-free.
func (s Specifier) VersionSet() VersionSet {
	v := s.Version.WithoutLocal()

	switch s.Op {
	case OpArbitraryEqual, OpEqual:
		if s.Wildcard {
			return wildcardSet(v)
		}
		return Singleton(v)
	case OpNotEqual:
		if s.Wildcard {
			return wildcardSet(v).Complement()
		}
		return Singleton(v).Complement()
	case OpLess:
		return VersionSet{ivs: []interval{{hi: bound{v: v, present: true}}}}
	case OpLessEqual:
		return VersionSet{ivs: []interval{{hi: bound{v: v, inclusive: true, present: true}}}}
	case OpGreater:
		return VersionSet{ivs: []interval{{lo: bound{v: v, present: true}}}}
	case OpGreaterEqual:
		return VersionSet{ivs: []interval{{lo: bound{v: v, inclusive: true, present: true}}}}
	case OpCompatible:
		lower := Specifier{Op: OpGreaterEqual, Version: v}
		upper := Specifier{Op: OpEqual, Version: compatiblePrefix(v), Wildcard: true}
		return lower.VersionSet().Intersect(upper.VersionSet())
	}
	return EmptySet()
}

// VersionSet converts the whole clause set into interval form. An empty set
// of clauses admits everything.
func (ss Specifiers) VersionSet() VersionSet {
	out := FullSet()
	for _, s := range ss {
		out = out.Intersect(s.VersionSet())
	}
	return out
}

// wildcardSet maps the prefix ==X.Y.* onto the interval [X.Y.dev0, X.(Y+1).dev0).
// The dev0 lower bound keeps pre-releases of the prefix inside the set.
func wildcardSet(prefix Version) VersionSet {
	lo := prefix.ReleaseOnly()
	lo.Dev = true

	hi := prefix.ReleaseOnly()
	if hi.ReleaseLen == 0 {
		hi.ReleaseLen = 1
	}
	hi.Release[hi.ReleaseLen-1]++
	hi.Dev = true

	return VersionSet{ivs: []interval{{
		lo: bound{v: lo, inclusive: true, present: true},
		hi: bound{v: hi, present: true},
	}}}
}

// --- bound ordering helpers ---

// cmpLo orders lower bounds; absent sorts first (-inf), and at equal
// versions an inclusive bound admits more, so it sorts first.
func cmpLo(a, b bound) int {
	switch {
	case !a.present && !b.present:
		return 0
	case !a.present:
		return -1
	case !b.present:
		return 1
	}
	if c := Compare(a.v, b.v); c != 0 {
		return c
	}
	return cmpBool(!a.inclusive, !b.inclusive)
}

// cmpHi orders upper bounds; absent sorts last (+inf), and at equal versions
// an exclusive bound admits less, so it sorts first.
func cmpHi(a, b bound) int {
	switch {
	case !a.present && !b.present:
		return 0
	case !a.present:
		return 1
	case !b.present:
		return -1
	}
	if c := Compare(a.v, b.v); c != 0 {
		return c
	}
	return cmpBool(a.inclusive, b.inclusive)
}

func maxLo(a, b bound) bound {
	if cmpLo(a, b) >= 0 {
		return a
	}
	return b
}

func minHi(a, b bound) bound {
	if cmpHi(a, b) <= 0 {
		return a
	}
	return b
}

// nonEmpty reports whether the interval admits at least one version.
func nonEmpty(iv interval) bool {
	if !iv.lo.present || !iv.hi.present {
		return true
	}
	c := Compare(iv.lo.v, iv.hi.v)
	if c < 0 {
		return true
	}
	return c == 0 && iv.lo.inclusive && iv.hi.inclusive
}

// touches reports whether a's upper end meets b's lower end with no gap in
// between, so their union is one contiguous interval.
func touches(a, b interval) bool {
	if !a.hi.present || !b.lo.present {
		return true
	}
	c := Compare(a.hi.v, b.lo.v)
	if c > 0 {
		return true
	}
	if c < 0 {
		return false
	}
	return a.hi.inclusive || b.lo.inclusive
}

// canonicalize sorts intervals and merges overlapping or touching runs,
// restoring the canonical-form invariant.
func canonicalize(ivs []interval) VersionSet {
	kept := ivs[:0]
	for _, iv := range ivs {
		if nonEmpty(iv) {
			kept = append(kept, iv)
		}
	}
	if len(kept) == 0 {
		return EmptySet()
	}

	sort.SliceStable(kept, func(i, j int) bool {
		if c := cmpLo(kept[i].lo, kept[j].lo); c != 0 {
			return c < 0
		}
		return cmpHi(kept[i].hi, kept[j].hi) < 0
	})

	out := []interval{kept[0]}
	for _, iv := range kept[1:] {
		last := &out[len(out)-1]
		if touches(*last, iv) {
			if cmpHi(iv.hi, last.hi) > 0 {
				last.hi = iv.hi
			}
			continue
		}
		out = append(out, iv)
	}
	return VersionSet{ivs: out}
}

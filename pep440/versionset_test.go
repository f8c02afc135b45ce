package pep440

import "testing"

var setProbes = []Version{
	MustParse("0.1"),
	MustParse("1.0.dev1"),
	MustParse("1.0a1"),
	MustParse("1.0"),
	MustParse("1.0.post1"),
	MustParse("1.2"),
	MustParse("1.5"),
	MustParse("2.0"),
	MustParse("2.0.1"),
	MustParse("3.0"),
	MustParse("10.0"),
}

func someSets(t *testing.T) map[string]VersionSet {
	t.Helper()
	one := MustParse("1.0")
	two := MustParse("2.0")
	three := MustParse("3.0")

	ss, err := ParseSpecifiers(">=1.2,<2.0")
	if err != nil {
		t.Fatal(err)
	}

	return map[string]VersionSet{
		"empty":       EmptySet(),
		"full":        FullSet(),
		"singleton":   Singleton(one),
		"range":       Range(&one, &two),
		"upper":       Range(nil, &three),
		"lower":       Range(&two, nil),
		"specifiers":  ss.VersionSet(),
		"notEqual":    Singleton(two).Complement(),
		"disjoint":    Singleton(one).Union(Singleton(three)),
		"twoRanges":   Range(&one, &two).Union(Range(&three, nil)),
		"intersected": Range(&one, &three).Intersect(Range(&two, nil)),
	}
}

func TestSetAlgebraLaws(t *testing.T) {
	sets := someSets(t)

	for name, s := range sets {
		// complement(complement(S)) == S
		if cc := s.Complement().Complement(); !cc.Equal(s) {
			t.Errorf("%s: double complement mismatch: %s vs %s", name, cc, s)
		}
		// S ∩ ¬S == ∅
		if in := s.Intersect(s.Complement()); !in.IsEmpty() {
			t.Errorf("%s: S ∩ ¬S = %s, want empty", name, in)
		}
		// S ∪ ¬S == *
		if un := s.Union(s.Complement()); !un.IsFull() {
			t.Errorf("%s: S ∪ ¬S = %s, want full", name, un)
		}
		// membership in complement flips
		for _, v := range setProbes {
			if s.Contains(v) == s.Complement().Contains(v) {
				t.Errorf("%s: %s is in both the set and its complement", name, v)
			}
		}
	}
}

func TestSetIntersectionMembership(t *testing.T) {
	sets := someSets(t)
	for aname, a := range sets {
		for bname, b := range sets {
			in := a.Intersect(b)
			un := a.Union(b)
			for _, v := range setProbes {
				if got, want := in.Contains(v), a.Contains(v) && b.Contains(v); got != want {
					t.Errorf("(%s ∩ %s).Contains(%s) = %v, want %v", aname, bname, v, got, want)
				}
				if got, want := un.Contains(v), a.Contains(v) || b.Contains(v); got != want {
					t.Errorf("(%s ∪ %s).Contains(%s) = %v, want %v", aname, bname, v, got, want)
				}
			}
			// Derived union must equal the direct one.
			derived := a.Complement().Intersect(b.Complement()).Complement()
			if !derived.Equal(un) {
				t.Errorf("(%s ∪ %s): derived union %s != %s", aname, bname, derived, un)
			}
		}
	}
}

func TestSetCanonicalForm(t *testing.T) {
	one := MustParse("1.0")
	two := MustParse("2.0")
	three := MustParse("3.0")

	// Touching intervals must merge into one.
	a := Range(&one, &two).Union(Range(&two, &three))
	b := Range(&one, &three)
	if !a.Equal(b) {
		t.Errorf("touching ranges did not canonicalize: %s vs %s", a, b)
	}

	// Overlapping intervals likewise.
	c := Range(&one, &three).Union(Range(&two, nil))
	d := Range(&one, nil)
	if !c.Equal(d) {
		t.Errorf("overlapping ranges did not canonicalize: %s vs %s", c, d)
	}

	// A singleton punched out of a range leaves a hole.
	e := Range(&one, &three).Intersect(Singleton(two).Complement())
	if e.Contains(two) {
		t.Error("hole still contains the removed version")
	}
	if !e.Contains(MustParse("1.5")) || !e.Contains(MustParse("2.5")) {
		t.Error("hole removed too much")
	}
}

func TestEmptyAndFull(t *testing.T) {
	if !EmptySet().Complement().IsFull() {
		t.Error("complement of empty should be full")
	}
	if !FullSet().Complement().IsEmpty() {
		t.Error("complement of full should be empty")
	}
	v := MustParse("1.0")
	if EmptySet().Contains(v) {
		t.Error("empty set contains nothing")
	}
	if !FullSet().Contains(v) {
		t.Error("full set contains everything")
	}
}

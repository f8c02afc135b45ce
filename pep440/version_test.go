package pep440

import (
	"sort"
	"testing"
)

func TestParse(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"1.0", "1.0"},
		{"v1.0", "1.0"},
		{"1.0.0", "1.0.0"},
		{"2!1.0", "2!1.0"},
		{"1.0a1", "1.0a1"},
		{"1.0.alpha.1", "1.0a1"},
		{"1.0b2", "1.0b2"},
		{"1.0rc1", "1.0rc1"},
		{"1.0.preview1", "1.0rc1"},
		{"1.0.post2", "1.0.post2"},
		{"1.0-2", "1.0.post2"},
		{"1.0.rev2", "1.0.post2"},
		{"1.0.dev3", "1.0.dev3"},
		{"1.0a1.dev1", "1.0a1.dev1"},
		{"1.0+abc.5", "1.0+abc.5"},
		{"1.0+ABC.5", "1.0+abc.5"},
		{"  1.0  ", "1.0"},
	}

	for _, c := range cases {
		v, err := Parse(c.in)
		if err != nil {
			t.Errorf("Parse(%q): %v", c.in, err)
			continue
		}
		if got := v.String(); got != c.want {
			t.Errorf("Parse(%q).String() = %q, want %q", c.in, got, c.want)
		}
		// Parse-then-print must be stable.
		v2, err := Parse(v.String())
		if err != nil {
			t.Errorf("reparse %q: %v", v.String(), err)
			continue
		}
		if v2.String() != v.String() {
			t.Errorf("round trip unstable: %q -> %q", v.String(), v2.String())
		}
	}
}

func TestParseInvalid(t *testing.T) {
	for _, in := range []string{"", "abc", "1.0.0.0.0.0.0", "1.0+", "1!.0", "french toast"} {
		if _, err := Parse(in); err == nil {
			t.Errorf("Parse(%q): expected error", in)
		}
	}
}

func TestCompareOrdering(t *testing.T) {
	// The canonical suffix ordering, ascending.
	ordered := []string{
		"0.9",
		"1.0.dev1",
		"1.0a1.dev1",
		"1.0a1",
		"1.0a1.post1",
		"1.0b1",
		"1.0rc1",
		"1.0",
		"1.0.post1.dev2",
		"1.0.post1",
		"1.0.post2",
		"1.1",
		"2!0.1",
	}

	for i := range ordered {
		for j := range ordered {
			a, b := MustParse(ordered[i]), MustParse(ordered[j])
			got := Compare(a, b)
			want := 0
			if i < j {
				want = -1
			} else if i > j {
				want = 1
			}
			if got != want {
				t.Errorf("Compare(%s, %s) = %d, want %d", ordered[i], ordered[j], got, want)
			}
		}
	}
}

func TestCompareZeroPadding(t *testing.T) {
	if Compare(MustParse("1.0"), MustParse("1.0.0")) != 0 {
		t.Error("1.0 and 1.0.0 should compare equal")
	}
	if !MustParse("1.0.1").Less(MustParse("1.1")) {
		t.Error("1.0.1 should be less than 1.1")
	}
}

func TestSortVersions(t *testing.T) {
	vs := []Version{
		MustParse("1.5.0"),
		MustParse("1.0.0"),
		MustParse("2.0.0a1"),
		MustParse("2.0.0"),
		MustParse("1.0.0.post1"),
	}
	sort.Slice(vs, func(i, j int) bool { return vs[i].Less(vs[j]) })

	want := []string{"1.0.0", "1.0.0.post1", "1.5.0", "2.0.0a1", "2.0.0"}
	for i, w := range want {
		if vs[i].String() != w {
			t.Fatalf("sorted[%d] = %s, want %s", i, vs[i], w)
		}
	}
}

func TestIsPrerelease(t *testing.T) {
	for v, want := range map[string]bool{
		"1.0":       false,
		"1.0.post1": false,
		"1.0a1":     true,
		"1.0rc2":    true,
		"1.0.dev1":  true,
	} {
		if got := MustParse(v).IsPrerelease(); got != want {
			t.Errorf("IsPrerelease(%s) = %v, want %v", v, got, want)
		}
	}
}

func TestWithoutLocal(t *testing.T) {
	v := MustParse("1.0+local.tag")
	if v.WithoutLocal().String() != "1.0" {
		t.Errorf("got %s", v.WithoutLocal())
	}
	if Compare(v.WithoutLocal(), MustParse("1.0")) != 0 {
		t.Error("local-free versions should compare equal")
	}
}

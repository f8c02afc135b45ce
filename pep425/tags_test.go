package pep425

import "testing"

var cp311Linux = Tags{
	{Python: "cp311", ABI: "cp311", Platform: "manylinux_2_17_x86_64"},
	{Python: "cp311", ABI: "abi3", Platform: "manylinux_2_17_x86_64"},
	{Python: "cp311", ABI: "none", Platform: "manylinux_2_17_x86_64"},
	{Python: "py3", ABI: "none", Platform: "manylinux_2_17_x86_64"},
	{Python: "cp311", ABI: "none", Platform: "any"},
	{Python: "py3", ABI: "none", Platform: "any"},
	{Python: "py2", ABI: "none", Platform: "any"},
}

func TestParseTag(t *testing.T) {
	tag, ok := ParseTag("cp311-abi3-manylinux_2_17_x86_64")
	if !ok {
		t.Fatal("expected parse to succeed")
	}
	if tag.Python != "cp311" || tag.ABI != "abi3" || tag.Platform != "manylinux_2_17_x86_64" {
		t.Errorf("got %+v", tag)
	}

	if _, ok := ParseTag("py3-none"); ok {
		t.Error("two-part tag should not parse")
	}
}

func TestDecompress(t *testing.T) {
	tag := Tag{Python: "py2.py3", ABI: "none", Platform: "any"}
	got := tag.Decompress()
	if len(got) != 2 {
		t.Fatalf("expected 2 expansions, got %d", len(got))
	}
	if got[0].Python != "py2" || got[1].Python != "py3" {
		t.Errorf("got %+v", got)
	}
}

func TestPriority(t *testing.T) {
	cases := []struct {
		tag  string
		want int
	}{
		{"cp311-cp311-manylinux_2_17_x86_64", 0},
		{"cp311-abi3-manylinux_2_17_x86_64", 1},
		{"py3-none-any", 5},
		{"py2.py3-none-any", 5},
		{"cp310-cp310-manylinux_2_17_x86_64", -1},
		{"cp311-cp311-win_amd64", -1},
	}

	for _, c := range cases {
		tag, ok := ParseTag(c.tag)
		if !ok {
			t.Fatalf("ParseTag(%q) failed", c.tag)
		}
		if got := cp311Linux.Priority(tag); got != c.want {
			t.Errorf("Priority(%s) = %d, want %d", c.tag, got, c.want)
		}
		if wantCompat := c.want >= 0; cp311Linux.Compatible(tag) != wantCompat {
			t.Errorf("Compatible(%s) != %v", c.tag, wantCompat)
		}
	}
}

package distribution

import (
	"testing"

	"github.com/wheelhouse-dev/wheelhouse/pep440"
	"github.com/wheelhouse-dev/wheelhouse/pep503"
)

func TestRegistryIdentity(t *testing.T) {
	a := RegistryDist{
		Package:  pep503.MustPackageName("requests"),
		Release:  pep440.MustParse("2.31.0"),
		IndexURL: "https://pypi.org/simple",
		File:     File{Filename: "requests-2.31.0-py3-none-any.whl"},
	}
	b := a
	if a.ID() != b.ID() {
		t.Error("identical registry dists must share an ID")
	}

	b.File.Filename = "requests-2.31.0.tar.gz"
	if a.ID() == b.ID() {
		t.Error("different files must have different IDs")
	}

	if v, ok := a.Version(); !ok || v.String() != "2.31.0" {
		t.Error("registry dists always know their version")
	}
}

func TestDirectURLIdentity(t *testing.T) {
	a := DirectURLDist{Package: pep503.MustPackageName("pkg"), URL: "https://github.com/Foo/Bar.git/"}
	b := DirectURLDist{Package: pep503.MustPackageName("pkg"), URL: "git+https://github.com/foo/bar"}
	if a.ID() != b.ID() {
		t.Errorf("canonically-equal URLs must share an ID: %s vs %s", a.ID(), b.ID())
	}

	c := DirectURLDist{Package: a.Package, URL: a.URL, Subdirectory: "sub"}
	if a.ID() == c.ID() {
		t.Error("subdirectory must distinguish identity")
	}
}

func TestDirectURLWheelVersion(t *testing.T) {
	d := DirectURLDist{
		Package: pep503.MustPackageName("requests"),
		URL:     "https://files.example.com/requests-2.31.0-py3-none-any.whl",
	}
	v, ok := d.Version()
	if !ok || v.String() != "2.31.0" {
		t.Errorf("Version() = (%s, %v)", v, ok)
	}

	sdist := DirectURLDist{Package: d.Package, URL: "https://files.example.com/requests-2.31.0.tar.gz"}
	if _, ok := sdist.Version(); ok {
		t.Error("archive URLs must not claim a version before building")
	}
}

func TestGitIdentity(t *testing.T) {
	d := GitDist{
		Package: pep503.MustPackageName("pkg"),
		URL:     "https://github.com/foo/bar",
		Ref:     GitRef{Kind: RefBranch, Value: "main"},
	}
	if d.Resolved() {
		t.Error("unresolved dist should not claim a commit")
	}

	commit := "0123456789abcdef0123456789abcdef01234567"
	r := d.WithCommit(commit)
	if !r.Resolved() {
		t.Error("WithCommit should mark the dist resolved")
	}
	if d.ID() == r.ID() {
		t.Error("resolution must change identity from ref-keyed to commit-keyed")
	}

	// Same commit reached from a different ref spelling: same identity.
	viaTag := GitDist{Package: d.Package, URL: "git+https://github.com/Foo/Bar.git", Ref: GitRef{Kind: RefTag, Value: "v1"}}.WithCommit(commit)
	if r.ID() != viaTag.ID() {
		t.Errorf("resolved identity should depend on commit, not ref: %s vs %s", r.ID(), viaTag.ID())
	}
}

func TestHashPolicy(t *testing.T) {
	d1, err := ParseHashDigest("sha256:" + "aa")
	if err != nil {
		t.Fatal(err)
	}
	d2 := HashDigest{Algorithm: SHA256, Digest: "bb"}

	policy := HashValidate([]HashDigest{d1, d2})
	if err := policy.Check([]HashDigest{{Algorithm: SHA256, Digest: "bb"}}); err != nil {
		t.Errorf("one matching digest should pass: %v", err)
	}

	err = policy.Check([]HashDigest{{Algorithm: SHA256, Digest: "cc"}})
	if err == nil {
		t.Fatal("mismatch should fail")
	}
	if _, ok := err.(*HashMismatchError); !ok {
		t.Errorf("error should be a HashMismatchError, got %T", err)
	}

	if err := HashNone().Check(nil); err != nil {
		t.Error("none policy never fails")
	}

	algos := HashGenerate().Algorithms()
	if len(algos) != 1 || algos[0] != SHA256 {
		t.Errorf("generate policy should compute sha256, got %v", algos)
	}
}

func TestParseHashDigestInvalid(t *testing.T) {
	for _, in := range []string{"", "sha256", "sha256:", "whirlpool:abc"} {
		if _, err := ParseHashDigest(in); err == nil {
			t.Errorf("ParseHashDigest(%q): expected error", in)
		}
	}
}

package vcs

import (
	"context"
	"testing"

	"github.com/wheelhouse-dev/wheelhouse/cache"
	"github.com/wheelhouse-dev/wheelhouse/distribution"
	"github.com/wheelhouse-dev/wheelhouse/pep503"
)

func TestFetchURL(t *testing.T) {
	cases := map[string]string{
		"git+https://github.com/foo/bar":      "https://github.com/foo/bar",
		"git+https://github.com/foo/bar@main": "https://github.com/foo/bar",
		"https://github.com/foo/bar":          "https://github.com/foo/bar",
		"git+ssh://git@github.com/foo/bar":    "ssh://git@github.com/foo/bar",
	}
	for in, want := range cases {
		if got := fetchURL(in); got != want {
			t.Errorf("fetchURL(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestResolveRefFullCommit(t *testing.T) {
	// A full 40-hex revision needs no network at all.
	c, err := cache.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	g := NewGitSource(c)

	commit := "0123456789abcdef0123456789abcdef01234567"
	got, err := g.ResolveRef(context.Background(), "https://example.invalid/repo", distribution.GitRef{
		Kind:  distribution.RefRev,
		Value: commit,
	})
	if err != nil {
		t.Fatal(err)
	}
	if got != commit {
		t.Errorf("got %q", got)
	}
}

func TestExportRequiresResolution(t *testing.T) {
	c, err := cache.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	g := NewGitSource(c)

	d := distribution.GitDist{
		Package: pep503.MustPackageName("pkg"),
		URL:     "https://example.invalid/repo",
		Ref:     distribution.GitRef{Kind: distribution.RefBranch, Value: "main"},
	}
	if err := g.Export(context.Background(), d, t.TempDir()); err == nil {
		t.Error("exporting an unresolved dist must fail")
	}
}

func TestMirrorPathStable(t *testing.T) {
	c, err := cache.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	g := NewGitSource(c)

	a, err := g.MirrorPath("https://github.com/Foo/Bar.git")
	if err != nil {
		t.Fatal(err)
	}
	b, err := g.MirrorPath("git+https://github.com/foo/bar")
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Errorf("canonically-equal URLs should share a mirror: %q vs %q", a, b)
	}
}

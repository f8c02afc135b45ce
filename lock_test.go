package wheelhouse

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wheelhouse-dev/wheelhouse/distribution"
	"github.com/wheelhouse-dev/wheelhouse/pep440"
	"github.com/wheelhouse-dev/wheelhouse/pep503"
	"github.com/wheelhouse-dev/wheelhouse/pep508"
	"github.com/wheelhouse-dev/wheelhouse/resolver"
)

func sampleGraph(t *testing.T) *resolver.Graph {
	t.Helper()

	marker, err := pep508.ParseMarker(`python_version < "3.9"`)
	if err != nil {
		t.Fatal(err)
	}
	spec, err := pep440.ParseSpecifiers(">=1.0,<2.0")
	if err != nil {
		t.Fatal(err)
	}

	reqName := pep503.MustPackageName("requests")
	depName := pep503.MustPackageName("idna")

	g := &resolver.Graph{
		Nodes: []resolver.Node{
			{
				Name:    depName,
				Version: pep440.MustParse("1.5.0"),
				Dist: distribution.RegistryDist{
					Package:  depName,
					Release:  pep440.MustParse("1.5.0"),
					IndexURL: "https://pypi.org/simple",
					File: distribution.File{
						Filename: "idna-1.5.0-py3-none-any.whl",
						URL:      "https://files.example.com/idna-1.5.0-py3-none-any.whl",
					},
				},
				Hashes: []distribution.HashDigest{{Algorithm: distribution.SHA256, Digest: "abcd"}},
			},
			{
				Name:    reqName,
				Version: pep440.MustParse("2.31.0"),
				Dist: distribution.GitDist{
					Package: reqName,
					URL:     "https://github.com/psf/requests",
					Ref:     distribution.GitRef{Kind: distribution.RefRev, Value: "0123456789abcdef0123456789abcdef01234567"},
					Commit:  "0123456789abcdef0123456789abcdef01234567",
				},
			},
		},
		Edges: []resolver.Edge{
			{From: "requests", To: "idna", Set: spec.VersionSet(), Marker: marker},
		},
	}
	return g
}

func TestLockRoundTrip(t *testing.T) {
	g := sampleGraph(t)

	lf, err := LockFromGraph(g)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), LockName)
	require.NoError(t, WriteLock(path, lf))

	loaded, err := ReadLock(path)
	require.NoError(t, err)
	require.NotNil(t, loaded, "lockfile should exist")

	g2, err := loaded.Graph()
	require.NoError(t, err)

	require.Len(t, g2.Nodes, len(g.Nodes))
	require.Len(t, g2.Edges, len(g.Edges))

	// Node identity survives.
	git, ok := g2.Find("requests", "")
	require.True(t, ok, "requests node missing after round trip")
	gd, ok := git.Dist.(distribution.GitDist)
	require.True(t, ok)
	assert.True(t, gd.Resolved(), "git dist lost its commit")

	// Edge semantics survive: same set membership and marker.
	e := g2.Edges[0]
	assert.True(t, e.Set.Contains(pep440.MustParse("1.5.0")))
	assert.False(t, e.Set.Contains(pep440.MustParse("2.0.0")))
	assert.NotNil(t, e.Marker, "edge marker lost")

	// Serialize again: stable output.
	lf2, err := LockFromGraph(g2)
	require.NoError(t, err)
	assert.Len(t, lf2.Packages, len(lf.Packages))
}

func TestLockPreferences(t *testing.T) {
	lf, err := LockFromGraph(sampleGraph(t))
	require.NoError(t, err)
	pins, err := lf.Preferences()
	require.NoError(t, err)
	assert.Len(t, pins, 2)
}

func TestReadLockMissing(t *testing.T) {
	lf, err := ReadLock(filepath.Join(t.TempDir(), LockName))
	require.NoError(t, err)
	assert.Nil(t, lf, "missing lockfile should read as nil")
}

func TestParseSetExpr(t *testing.T) {
	cases := []struct {
		in       string
		contains []string
		excludes []string
	}{
		{"*", []string{"1.0", "99.0"}, nil},
		{">=1.0,<2.0", []string{"1.5"}, []string{"2.0", "0.9"}},
		{"==1.0", []string{"1.0"}, []string{"1.1"}},
		{"<1.0 || >1.0", []string{"0.5", "2.0"}, []string{"1.0"}},
	}
	for _, c := range cases {
		set, err := parseSetExpr(c.in)
		if err != nil {
			t.Errorf("parseSetExpr(%q): %v", c.in, err)
			continue
		}
		for _, v := range c.contains {
			if !set.Contains(pep440.MustParse(v)) {
				t.Errorf("parseSetExpr(%q) should contain %s", c.in, v)
			}
		}
		for _, v := range c.excludes {
			if set.Contains(pep440.MustParse(v)) {
				t.Errorf("parseSetExpr(%q) should not contain %s", c.in, v)
			}
		}
	}
}

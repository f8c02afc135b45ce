package wheelhouse

import (
	"os"
	"strings"

	"github.com/pelletier/go-toml"
	"github.com/pkg/errors"

	"github.com/wheelhouse-dev/wheelhouse/distribution"
	"github.com/wheelhouse-dev/wheelhouse/internal/fs"
	"github.com/wheelhouse-dev/wheelhouse/pep440"
	"github.com/wheelhouse-dev/wheelhouse/pep503"
	"github.com/wheelhouse-dev/wheelhouse/pep508"
	"github.com/wheelhouse-dev/wheelhouse/resolver"
	"github.com/wheelhouse-dev/wheelhouse/solver"
)

// lockVersion guards against older layouts; bump on incompatible change.
const lockVersion = 1

// Lockfile is the serialized form of a resolution graph. It doubles as the
// preference source for the next resolution.
type Lockfile struct {
	Version  int           `toml:"version"`
	Packages []LockPackage `toml:"package"`
}

// LockPackage is one graph node.
type LockPackage struct {
	Name    string   `toml:"name"`
	Extra   string   `toml:"extra,omitempty"`
	Version string   `toml:"version"`
	Source  string   `toml:"source"` // registry | url | git | path | editable
	URL     string   `toml:"url,omitempty"`
	Index   string   `toml:"index,omitempty"`
	File    string   `toml:"file,omitempty"`
	Commit  string   `toml:"commit,omitempty"`
	Path    string   `toml:"path,omitempty"`
	Hashes  []string `toml:"hashes,omitempty"`

	Deps []LockDep `toml:"deps,omitempty"`
}

// LockDep is one outgoing graph edge.
type LockDep struct {
	Name   string `toml:"name"`
	Extra  string `toml:"extra,omitempty"`
	Set    string `toml:"set"`
	Marker string `toml:"marker,omitempty"`
}

// LockFromGraph serializes a resolution graph.
func LockFromGraph(g *resolver.Graph) (*Lockfile, error) {
	lf := &Lockfile{Version: lockVersion}

	edgesByFrom := make(map[string][]resolver.Edge)
	for _, e := range g.Edges {
		edgesByFrom[string(e.From)] = append(edgesByFrom[string(e.From)], e)
	}

	for _, n := range g.Nodes {
		p := LockPackage{
			Name:    string(n.Name),
			Extra:   string(n.Extra),
			Version: n.Version.String(),
		}
		for _, h := range n.Hashes {
			p.Hashes = append(p.Hashes, h.String())
		}

		switch d := n.Dist.(type) {
		case distribution.RegistryDist:
			p.Source = "registry"
			p.Index = d.IndexURL
			p.File = d.File.Filename
			p.URL = d.File.URL
		case distribution.DirectURLDist:
			p.Source = "url"
			p.URL = d.URL
		case distribution.GitDist:
			p.Source = "git"
			p.URL = d.URL
			p.Commit = d.Commit
		case distribution.PathDist:
			if d.Editable {
				p.Source = "editable"
			} else {
				p.Source = "path"
			}
			p.Path = d.Path
		default:
			return nil, errors.Errorf("cannot serialize distribution %T", n.Dist)
		}

		key := string(n.Name)
		if n.Extra != "" {
			key += "[" + string(n.Extra) + "]"
		}
		for _, e := range edgesByFrom[key] {
			toName, toExtra := splitLockKey(string(e.To))
			p.Deps = append(p.Deps, LockDep{
				Name:   toName,
				Extra:  toExtra,
				Set:    e.Set.String(),
				Marker: e.Marker.String(),
			})
		}

		lf.Packages = append(lf.Packages, p)
	}
	return lf, nil
}

// Graph reconstructs the resolution graph from the lockfile.
func (lf *Lockfile) Graph() (*resolver.Graph, error) {
	if lf.Version != lockVersion {
		return nil, errors.Errorf("unsupported lockfile version %d", lf.Version)
	}

	g := &resolver.Graph{}
	for _, p := range lf.Packages {
		name, err := pep503.ParsePackageName(p.Name)
		if err != nil {
			return nil, errors.Wrapf(err, "lock package %q", p.Name)
		}
		version, err := pep440.Parse(p.Version)
		if err != nil {
			return nil, errors.Wrapf(err, "lock package %q", p.Name)
		}

		var extra pep503.ExtraName
		if p.Extra != "" {
			if extra, err = pep503.ParseExtraName(p.Extra); err != nil {
				return nil, err
			}
		}

		node := resolver.Node{Name: name, Extra: extra, Version: version}
		for _, h := range p.Hashes {
			d, err := distribution.ParseHashDigest(h)
			if err != nil {
				return nil, errors.Wrapf(err, "lock package %q", p.Name)
			}
			node.Hashes = append(node.Hashes, d)
		}

		switch p.Source {
		case "registry":
			node.Dist = distribution.RegistryDist{
				Package:  name,
				Release:  version,
				IndexURL: p.Index,
				File:     distribution.File{Filename: p.File, URL: p.URL, Hashes: node.Hashes},
			}
		case "url":
			node.Dist = distribution.DirectURLDist{Package: name, URL: p.URL}
		case "git":
			node.Dist = distribution.GitDist{
				Package: name,
				URL:     p.URL,
				Ref:     distribution.GitRef{Kind: distribution.RefRev, Value: p.Commit},
				Commit:  p.Commit,
			}
		case "path", "editable":
			node.Dist = distribution.PathDist{Package: name, Path: p.Path, Editable: p.Source == "editable"}
		default:
			return nil, errors.Errorf("unknown source kind %q in lockfile", p.Source)
		}

		g.Nodes = append(g.Nodes, node)

		from := lockKey(p.Name, p.Extra)
		for _, dep := range p.Deps {
			set, err := parseSetExpr(dep.Set)
			if err != nil {
				return nil, errors.Wrapf(err, "lock package %q dep %q", p.Name, dep.Name)
			}
			var marker *pep508.Marker
			if dep.Marker != "" {
				if marker, err = pep508.ParseMarker(dep.Marker); err != nil {
					return nil, errors.Wrapf(err, "lock package %q dep %q", p.Name, dep.Name)
				}
			}
			g.Edges = append(g.Edges, resolver.Edge{
				From:   from,
				To:     lockKey(dep.Name, dep.Extra),
				Set:    set,
				Marker: marker,
			})
		}
	}
	return g, nil
}

// Preferences extracts the lock's pins for the next resolution.
func (lf *Lockfile) Preferences() ([]resolver.Pin, error) {
	seen := make(map[string]bool)
	var out []resolver.Pin
	for _, p := range lf.Packages {
		if p.Extra != "" || seen[p.Name] {
			continue
		}
		seen[p.Name] = true
		name, err := pep503.ParsePackageName(p.Name)
		if err != nil {
			return nil, err
		}
		v, err := pep440.Parse(p.Version)
		if err != nil {
			return nil, err
		}
		out = append(out, resolver.Pin{Name: name, Version: v})
	}
	return out, nil
}

// WriteLock writes the lockfile atomically.
func WriteLock(path string, lf *Lockfile) error {
	data, err := toml.Marshal(lf)
	if err != nil {
		return errors.Wrap(err, "encoding lockfile")
	}
	return fs.WriteAtomic(path, data, 0o644)
}

// ReadLock loads a lockfile; a missing file returns (nil, nil).
func ReadLock(path string) (*Lockfile, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "reading lockfile %s", path)
	}
	var lf Lockfile
	if err := toml.Unmarshal(data, &lf); err != nil {
		return nil, errors.Wrapf(err, "parsing lockfile %s", path)
	}
	return &lf, nil
}

func lockKey(name, extra string) solver.Package {
	if extra == "" {
		return solver.Package(name)
	}
	return solver.Package(name + "[" + extra + "]")
}

func splitLockKey(key string) (string, string) {
	if i := strings.IndexByte(key, '['); i >= 0 {
		return key[:i], strings.TrimSuffix(key[i+1:], "]")
	}
	return key, ""
}

// parseSetExpr parses the lock's set syntax: "*" for the full set, "∅" for
// the empty set, specifier clauses for intervals, and " || " unions.
func parseSetExpr(s string) (pep440.VersionSet, error) {
	s = strings.TrimSpace(s)
	switch s {
	case "", "*":
		return pep440.FullSet(), nil
	case "∅":
		return pep440.EmptySet(), nil
	}

	out := pep440.EmptySet()
	for _, part := range strings.Split(s, "||") {
		part = strings.TrimSpace(part)
		if part == "*" {
			return pep440.FullSet(), nil
		}
		ss, err := pep440.ParseSpecifiers(part)
		if err != nil {
			return pep440.VersionSet{}, err
		}
		out = out.Union(ss.VersionSet())
	}
	return out, nil
}

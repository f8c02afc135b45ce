package resolver

import (
	"sort"

	"github.com/pkg/errors"

	"github.com/wheelhouse-dev/wheelhouse/distribution"
	"github.com/wheelhouse-dev/wheelhouse/pep440"
	"github.com/wheelhouse-dev/wheelhouse/pep503"
	"github.com/wheelhouse-dev/wheelhouse/pep508"
	"github.com/wheelhouse-dev/wheelhouse/solver"
)

// A Node is one resolved package (or package-with-extra).
type Node struct {
	Name    pep503.PackageName
	Extra   pep503.ExtraName
	Version pep440.Version
	Dist    distribution.Dist
	Hashes  []distribution.HashDigest
}

func (n Node) key() solver.Package { return pkgKey(n.Name, n.Extra) }

// An Edge is one dependency between resolved nodes, labeled with the
// version set that induced it and (in universal mode) its marker.
type Edge struct {
	From   solver.Package
	To     solver.Package
	Set    pep440.VersionSet
	Marker *pep508.Marker
}

// A Graph is the deterministic output of a resolution: given identical
// inputs, nodes and edges come out identically ordered.
type Graph struct {
	Nodes []Node
	Edges []Edge
}

// buildGraph assembles the graph from the solver's decisions and the
// requirement lists observed while solving.
func (p *pubProvider) buildGraph(solution map[solver.Package]pep440.Version) (*Graph, error) {
	g := &Graph{}

	for pkg, version := range solution {
		name, extra := splitKey(pkg)

		dist, err := p.distFor(name, version)
		if err != nil {
			return nil, err
		}
		if dist == nil {
			return nil, errors.Errorf("solved %s %s has no backing distribution", name, version)
		}

		node := Node{Name: name, Extra: extra, Version: version, Dist: dist}
		if rd, ok := dist.(distribution.RegistryDist); ok {
			node.Hashes = rd.File.Hashes
		}
		g.Nodes = append(g.Nodes, node)
	}

	for pkg, reqs := range p.seenRequirements {
		if _, solved := solution[pkg]; !solved {
			// Requirements observed during backtracked attempts.
			continue
		}
		name, extra := splitKey(pkg)

		if extra != "" {
			g.Edges = append(g.Edges, Edge{
				From: pkg,
				To:   pkgKey(name, ""),
				Set:  pep440.Singleton(solution[pkg]),
			})
		}

		for _, req := range reqs {
			set := req.Specifiers.VersionSet()
			if req.URL != "" {
				set = pep440.FullSet()
			}
			targets := []solver.Package{pkgKey(req.Name, "")}
			for _, e := range req.Extras {
				targets = append(targets, pkgKey(req.Name, e))
			}
			for _, to := range targets {
				if _, solved := solution[to]; !solved {
					continue
				}
				g.Edges = append(g.Edges, Edge{From: pkg, To: to, Set: set, Marker: req.Marker})
			}
		}
	}

	g.sort()
	return g, g.validate(solution)
}

// validate enforces graph soundness: every solved edge target satisfies
// its edge's version set.
func (g *Graph) validate(solution map[solver.Package]pep440.Version) error {
	for _, e := range g.Edges {
		v, ok := solution[e.To]
		if !ok {
			return errors.Errorf("edge %s -> %s points outside the solution", e.From, e.To)
		}
		if !e.Set.Contains(v.WithoutLocal()) {
			return errors.Errorf("edge %s -> %s: chosen %s violates %s", e.From, e.To, v, e.Set)
		}
	}
	return nil
}

func (g *Graph) sort() {
	sort.Slice(g.Nodes, func(i, j int) bool {
		a, b := g.Nodes[i], g.Nodes[j]
		if a.Name != b.Name {
			return a.Name < b.Name
		}
		if a.Extra != b.Extra {
			return a.Extra < b.Extra
		}
		return a.Version.Less(b.Version)
	})
	sort.Slice(g.Edges, func(i, j int) bool {
		a, b := g.Edges[i], g.Edges[j]
		if a.From != b.From {
			return a.From < b.From
		}
		if a.To != b.To {
			return a.To < b.To
		}
		return a.Marker.String() < b.Marker.String()
	})
}

// Find returns the node for a package key.
func (g *Graph) Find(name pep503.PackageName, extra pep503.ExtraName) (Node, bool) {
	for _, n := range g.Nodes {
		if n.Name == name && n.Extra == extra {
			return n, true
		}
	}
	return Node{}, false
}

// Pins extracts (name, version) pairs for feeding back as preferences.
func (g *Graph) Pins() []Pin {
	seen := make(map[pep503.PackageName]bool)
	var out []Pin
	for _, n := range g.Nodes {
		if n.Extra != "" || seen[n.Name] {
			continue
		}
		seen[n.Name] = true
		out = append(out, Pin{Name: n.Name, Version: n.Version})
	}
	return out
}

// annotate conjoins a fork marker onto every edge.
func (g *Graph) annotate(marker *pep508.Marker) {
	if marker == nil {
		return
	}
	for i := range g.Edges {
		g.Edges[i].Marker = pep508.And(g.Edges[i].Marker, marker)
	}
}

// unionGraphs merges fork branches: nodes deduplicate by (name, extra,
// version); edges deduplicate by endpoints and marker.
func unionGraphs(branches []*Graph) *Graph {
	out := &Graph{}
	seenNode := make(map[string]bool)
	seenEdge := make(map[string]bool)

	for _, g := range branches {
		for _, n := range g.Nodes {
			k := string(n.key()) + "@" + n.Version.String()
			if seenNode[k] {
				continue
			}
			seenNode[k] = true
			out.Nodes = append(out.Nodes, n)
		}
		for _, e := range g.Edges {
			k := string(e.From) + "->" + string(e.To) + ";" + e.Marker.String()
			if seenEdge[k] {
				continue
			}
			seenEdge[k] = true
			out.Edges = append(out.Edges, e)
		}
	}

	out.sort()
	return out
}

package solver

import (
	"fmt"
	"strings"

	"github.com/wheelhouse-dev/wheelhouse/pep440"
)

// SelfDependencyError reports a package that depends on itself, which is a
// hard input error rather than a conflict to search around.
type SelfDependencyError struct {
	Pkg     Package
	Version pep440.Version
}

func (e *SelfDependencyError) Error() string {
	return fmt.Sprintf("%s %s depends on itself", e.Pkg, e.Version)
}

// A DerivationTree explains a failed resolution. Leaves carry external
// causes; internal nodes are conflicts derived from their two children.
type DerivationTree struct {
	Terms map[Package]Term
	Cause Cause
	// Left and Right are set for derived nodes only.
	Left, Right *DerivationTree
}

// External reports whether the node is a leaf.
func (t *DerivationTree) External() bool {
	_, derived := t.Cause.(DerivedCause)
	return !derived
}

// buildTree materializes the derivation tree rooted at an arena entry.
func (s *Solver) buildTree(id incompatID) *DerivationTree {
	inc := s.arena[id]
	node := &DerivationTree{
		Terms: make(map[Package]Term, len(inc.terms)),
		Cause: inc.cause,
	}
	for pkg, term := range inc.terms {
		node.Terms[pkg] = term
	}
	if d, ok := inc.cause.(DerivedCause); ok {
		node.Left = s.buildTree(d.Left)
		node.Right = s.buildTree(d.Right)
	}
	return node
}

// NoSolutionError is the resolver's terminal failure: the derivation tree
// proves the requirements unsatisfiable.
type NoSolutionError struct {
	Tree *DerivationTree
}

func (e *NoSolutionError) Error() string {
	return "no solution found: " + Explain(e.Tree)
}

// Explain renders a derivation tree as a human-readable explanation,
// walking derived nodes depth-first so external facts print before the
// conclusions drawn from them.
func Explain(t *DerivationTree) string {
	var lines []string
	explain(t, &lines)
	return strings.Join(lines, "; ")
}

func explain(t *DerivationTree, lines *[]string) {
	if t == nil {
		return
	}
	if !t.External() {
		explain(t.Left, lines)
		explain(t.Right, lines)
		if len(t.Terms) == 0 {
			*lines = append(*lines, "so version solving failed")
		}
		return
	}
	*lines = append(*lines, externalLine(t))
}

func externalLine(t *DerivationTree) string {
	switch c := t.Cause.(type) {
	case RootCause:
		for pkg, term := range t.Terms {
			if pkg == Root {
				continue
			}
			return fmt.Sprintf("the requirements demand %s %s", pkg, term.Set)
		}
		return "the root requirements are unsatisfiable"
	case NoVersionsCause:
		return fmt.Sprintf("no versions of %s satisfy %s", c.Pkg, c.Set)
	case UnavailableCause:
		return fmt.Sprintf("%s %s is unusable (%s)", c.Pkg, c.Version, c.Reason)
	case DependencyCause:
		return fmt.Sprintf("%s %s depends on %s %s", c.Pkg, c.Versions, c.Dep, c.DepSet)
	}
	return "unknown cause"
}

// ExternalCauses flattens the tree's leaves, for diagnostics and tests.
func ExternalCauses(t *DerivationTree) []Cause {
	if t == nil {
		return nil
	}
	if t.External() {
		return []Cause{t.Cause}
	}
	out := ExternalCauses(t.Left)
	return append(out, ExternalCauses(t.Right)...)
}

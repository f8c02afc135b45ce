// Package pep508 implements dependency specifications: requirement strings
// with extras, version specifiers, direct URL references, and environment
// markers.
//
// https://peps.python.org/pep-0508/
package pep508

import (
	"strings"

	"github.com/pkg/errors"

	"github.com/wheelhouse-dev/wheelhouse/pep440"
)

// Environment carries the marker variables of a target interpreter.
//
// To capture a live environment:
//
//	python -c 'import json, platform, sys; ...'
type Environment struct {
	PythonVersion                string `toml:"python_version"`
	PythonFullVersion            string `toml:"python_full_version"`
	OSName                       string `toml:"os_name"`
	SysPlatform                  string `toml:"sys_platform"`
	PlatformRelease              string `toml:"platform_release"`
	PlatformSystem               string `toml:"platform_system"`
	PlatformVersion              string `toml:"platform_version"`
	PlatformMachine              string `toml:"platform_machine"`
	PlatformPythonImplementation string `toml:"platform_python_implementation"`
	ImplementationName           string `toml:"implementation_name"`
	ImplementationVersion        string `toml:"implementation_version"`

	// Extra is only defined while evaluating the dependencies of an
	// optional group.
	Extra string
}

func (e *Environment) lookup(name string) (string, bool) {
	switch name {
	case "python_version":
		return e.PythonVersion, true
	case "python_full_version":
		return e.PythonFullVersion, true
	case "os_name":
		return e.OSName, true
	case "sys_platform":
		return e.SysPlatform, true
	case "platform_release":
		return e.PlatformRelease, true
	case "platform_system":
		return e.PlatformSystem, true
	case "platform_version":
		return e.PlatformVersion, true
	case "platform_machine":
		return e.PlatformMachine, true
	case "platform_python_implementation":
		return e.PlatformPythonImplementation, true
	case "implementation_name":
		return e.ImplementationName, true
	case "implementation_version":
		return e.ImplementationVersion, true
	case "extra":
		return e.Extra, true
	}
	return "", false
}

// A Marker is a boolean expression over environment variables. The nil
// *Marker is "always true".
type Marker struct {
	node markerNode
}

// Evaluate evaluates the marker under env. A nil marker is true.
func (m *Marker) Evaluate(env *Environment) (bool, error) {
	if m == nil || m.node == nil {
		return true, nil
	}
	return m.node.eval(env)
}

func (m *Marker) String() string {
	if m == nil || m.node == nil {
		return ""
	}
	return m.node.str(false)
}

// And conjoins two markers; either may be nil.
func And(a, b *Marker) *Marker {
	switch {
	case a == nil || a.node == nil:
		return b
	case b == nil || b.node == nil:
		return a
	}
	return &Marker{node: markerAnd{l: a.node, r: b.node}}
}

// Not negates a marker. Used when forking a universal resolution into
// disjoint marker subsets.
func Not(m *Marker) *Marker {
	if m == nil || m.node == nil {
		return &Marker{node: markerNot{n: markerTrue{}}}
	}
	return &Marker{node: markerNot{n: m.node}}
}

type markerNode interface {
	eval(env *Environment) (bool, error)
	str(grouped bool) string
}

type markerTrue struct{}

func (markerTrue) eval(*Environment) (bool, error) { return true, nil }
func (markerTrue) str(bool) string                 { return "" }

type markerNot struct{ n markerNode }

func (m markerNot) eval(env *Environment) (bool, error) {
	v, err := m.n.eval(env)
	return !v, err
}

func (m markerNot) str(bool) string {
	return "not (" + m.n.str(false) + ")"
}

type markerOr struct{ l, r markerNode }

func (m markerOr) eval(env *Environment) (bool, error) {
	l, err := m.l.eval(env)
	if err != nil {
		return false, err
	}
	if l {
		return true, nil
	}
	return m.r.eval(env)
}

func (m markerOr) str(grouped bool) string {
	s := m.l.str(false) + " or " + m.r.str(false)
	if grouped {
		return "(" + s + ")"
	}
	return s
}

type markerAnd struct{ l, r markerNode }

func (m markerAnd) eval(env *Environment) (bool, error) {
	l, err := m.l.eval(env)
	if err != nil {
		return false, err
	}
	if !l {
		return false, nil
	}
	return m.r.eval(env)
}

func (m markerAnd) str(bool) string {
	return m.l.str(true) + " and " + m.r.str(true)
}

// operand is one side of a comparison: an environment variable or a quoted
// literal.
type operand struct {
	variable string
	literal  string
	isVar    bool
}

func (o operand) value(env *Environment) (string, error) {
	if !o.isVar {
		return o.literal, nil
	}
	v, ok := env.lookup(o.variable)
	if !ok {
		return "", errors.Errorf("unknown marker variable %q", o.variable)
	}
	return v, nil
}

func (o operand) String() string {
	if o.isVar {
		return o.variable
	}
	return "'" + o.literal + "'"
}

type markerCmp struct {
	lhs, rhs operand
	op       string
}

func (m markerCmp) str(bool) string {
	return m.lhs.String() + " " + m.op + " " + m.rhs.String()
}

func (m markerCmp) eval(env *Environment) (bool, error) {
	lhs, err := m.lhs.value(env)
	if err != nil {
		return false, err
	}
	rhs, err := m.rhs.value(env)
	if err != nil {
		return false, err
	}

	switch m.op {
	case "in":
		return strings.Contains(rhs, lhs), nil
	case "not in":
		return !strings.Contains(rhs, lhs), nil
	}

	// Compare as versions when both sides parse; fall back to string
	// comparison otherwise, per the specification's fallback rule.
	lv, lerr := pep440.Parse(lhs)
	rv, rerr := pep440.Parse(rhs)
	if lerr == nil && rerr == nil {
		return cmpSatisfied(m.op, pep440.Compare(lv, rv))
	}
	return cmpSatisfied(m.op, strings.Compare(lhs, rhs))
}

func cmpSatisfied(op string, c int) (bool, error) {
	switch op {
	case "==", "===":
		return c == 0, nil
	case "!=":
		return c != 0, nil
	case "<":
		return c < 0, nil
	case "<=":
		return c <= 0, nil
	case ">":
		return c > 0, nil
	case ">=":
		return c >= 0, nil
	case "~=":
		// The compatible operator rarely appears in markers; approximate
		// with >= which preserves its lower bound.
		return c >= 0, nil
	}
	return false, errors.Errorf("unsupported marker operator %q", op)
}

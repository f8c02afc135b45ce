package pep440

import (
	"strings"

	"github.com/pkg/errors"
)

// Operator enumerates the comparison operators a specifier may carry.
type Operator int

const (
	OpEqual Operator = iota
	OpNotEqual
	OpLess
	OpLessEqual
	OpGreater
	OpGreaterEqual
	OpCompatible
	OpArbitraryEqual
)

func (op Operator) String() string {
	switch op {
	case OpEqual:
		return "=="
	case OpNotEqual:
		return "!="
	case OpLess:
		return "<"
	case OpLessEqual:
		return "<="
	case OpGreater:
		return ">"
	case OpGreaterEqual:
		return ">="
	case OpCompatible:
		return "~="
	case OpArbitraryEqual:
		return "==="
	}
	return "??"
}

// A Specifier is a single version clause, e.g. ">=1.2" or "==1.4.*".
type Specifier struct {
	Op       Operator
	Version  Version
	Wildcard bool // set for ==X.* / !=X.* forms; Version holds the prefix
}

// Specifiers is a comma-joined conjunction of clauses. An empty set admits
// every version.
type Specifiers []Specifier

// ParseSpecifier parses one clause.
func ParseSpecifier(input string) (Specifier, error) {
	s := strings.TrimSpace(input)

	var op Operator
	switch {
	case strings.HasPrefix(s, "==="):
		op, s = OpArbitraryEqual, s[3:]
	case strings.HasPrefix(s, "=="):
		op, s = OpEqual, s[2:]
	case strings.HasPrefix(s, "!="):
		op, s = OpNotEqual, s[2:]
	case strings.HasPrefix(s, "<="):
		op, s = OpLessEqual, s[2:]
	case strings.HasPrefix(s, ">="):
		op, s = OpGreaterEqual, s[2:]
	case strings.HasPrefix(s, "~="):
		op, s = OpCompatible, s[2:]
	case strings.HasPrefix(s, "<"):
		op, s = OpLess, s[1:]
	case strings.HasPrefix(s, ">"):
		op, s = OpGreater, s[1:]
	default:
		return Specifier{}, errors.Errorf("specifier %q has no comparison operator", input)
	}
	s = strings.TrimSpace(s)

	wildcard := false
	if strings.HasSuffix(s, ".*") {
		if op != OpEqual && op != OpNotEqual {
			return Specifier{}, errors.Errorf("wildcard only allowed with == and !=: %q", input)
		}
		wildcard = true
		s = strings.TrimSuffix(s, ".*")
	}

	v, err := Parse(s)
	if err != nil {
		return Specifier{}, errors.Wrapf(err, "specifier %q", input)
	}

	if op == OpCompatible && v.ReleaseLen < 2 {
		return Specifier{}, errors.Errorf("~= requires at least two release components: %q", input)
	}

	return Specifier{Op: op, Version: v, Wildcard: wildcard}, nil
}

// ParseSpecifiers parses a comma-joined clause list, e.g. ">=1.2,<2.0".
func ParseSpecifiers(input string) (Specifiers, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return nil, nil
	}

	var out Specifiers
	for _, part := range strings.Split(input, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		spec, err := ParseSpecifier(part)
		if err != nil {
			return nil, err
		}
		out = append(out, spec)
	}
	return out, nil
}

func (s Specifier) String() string {
	if s.Wildcard {
		return s.Op.String() + s.Version.ReleaseOnly().String() + ".*"
	}
	return s.Op.String() + s.Version.String()
}

func (ss Specifiers) String() string {
	parts := make([]string, len(ss))
	for i, s := range ss {
		parts[i] = s.String()
	}
	return strings.Join(parts, ",")
}

// Contains reports whether v satisfies the clause. Local segments are
// ignored unless the clause itself pins one.
func (s Specifier) Contains(v Version) bool {
	sv := s.Version
	if sv.Local == "" {
		v = v.WithoutLocal()
	}

	switch s.Op {
	case OpArbitraryEqual:
		return v == sv
	case OpEqual:
		if s.Wildcard {
			return releasePrefixMatch(v, sv)
		}
		return Compare(v, sv) == 0
	case OpNotEqual:
		if s.Wildcard {
			return !releasePrefixMatch(v, sv)
		}
		return Compare(v, sv) != 0
	case OpLess:
		return Compare(v, sv) < 0
	case OpLessEqual:
		return Compare(v, sv) <= 0
	case OpGreater:
		return Compare(v, sv) > 0
	case OpGreaterEqual:
		return Compare(v, sv) >= 0
	case OpCompatible:
		lower := Specifier{Op: OpGreaterEqual, Version: sv}
		upper := Specifier{Op: OpEqual, Version: compatiblePrefix(sv), Wildcard: true}
		return lower.Contains(v) && upper.Contains(v)
	}
	return false
}

// Contains reports whether v satisfies every clause in the set.
func (ss Specifiers) Contains(v Version) bool {
	for _, s := range ss {
		if !s.Contains(v) {
			return false
		}
	}
	return true
}

// releasePrefixMatch implements wildcard matching: the epoch must agree and
// v's release, zero-padded, must start with sv's release components (so
// 1.4 matches the prefix 1.4.0).
func releasePrefixMatch(v, sv Version) bool {
	if v.Epoch != sv.Epoch {
		return false
	}
	for i := 0; i < sv.ReleaseLen; i++ {
		if v.Release[i] != sv.Release[i] {
			return false
		}
	}
	return true
}

// compatiblePrefix drops the final release component, turning the ~= operand
// into the wildcard prefix of its upper bound.
func compatiblePrefix(v Version) Version {
	p := v.ReleaseOnly()
	p.Release[p.ReleaseLen-1] = 0
	p.ReleaseLen--
	return p
}

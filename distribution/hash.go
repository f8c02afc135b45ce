package distribution

import (
	"crypto/md5"
	"crypto/sha256"
	"crypto/sha512"
	"hash"
	"strings"

	"github.com/pkg/errors"
)

// HashAlgorithm names a supported digest algorithm.
type HashAlgorithm string

const (
	MD5    HashAlgorithm = "md5"
	SHA256 HashAlgorithm = "sha256"
	SHA384 HashAlgorithm = "sha384"
	SHA512 HashAlgorithm = "sha512"
)

// New returns a fresh hasher for the algorithm.
func (a HashAlgorithm) New() (hash.Hash, error) {
	switch a {
	case MD5:
		return md5.New(), nil
	case SHA256:
		return sha256.New(), nil
	case SHA384:
		return sha512.New384(), nil
	case SHA512:
		return sha512.New(), nil
	}
	return nil, errors.Errorf("unsupported hash algorithm %q", a)
}

// A HashDigest pairs an algorithm with a lowercase hex digest.
type HashDigest struct {
	Algorithm HashAlgorithm `json:"algorithm" toml:"algorithm"`
	Digest    string        `json:"digest" toml:"digest"`
}

// ParseHashDigest parses the "algorithm:hexdigest" form used in lockfiles
// and index fragments.
func ParseHashDigest(s string) (HashDigest, error) {
	algo, hex, found := strings.Cut(s, ":")
	if !found || hex == "" {
		return HashDigest{}, errors.Errorf("invalid hash %q, expected algorithm:digest", s)
	}
	a := HashAlgorithm(strings.ToLower(algo))
	if _, err := a.New(); err != nil {
		return HashDigest{}, err
	}
	return HashDigest{Algorithm: a, Digest: strings.ToLower(hex)}, nil
}

func (d HashDigest) String() string {
	return string(d.Algorithm) + ":" + d.Digest
}

// HashPolicy states what to do about archive digests: nothing, generate
// SHA-256 for recording, or require a match against known digests.
type HashPolicy struct {
	kind     hashPolicyKind
	expected []HashDigest
}

type hashPolicyKind int

const (
	hashNone hashPolicyKind = iota
	hashGenerate
	hashValidate
)

// HashNone performs no digest work.
func HashNone() HashPolicy { return HashPolicy{kind: hashNone} }

// HashGenerate computes SHA-256 for every fetched archive so it can be
// recorded (e.g. into a lockfile).
func HashGenerate() HashPolicy { return HashPolicy{kind: hashGenerate} }

// HashValidate requires at least one of the expected digests to match the
// fetched content.
func HashValidate(expected []HashDigest) HashPolicy {
	return HashPolicy{kind: hashValidate, expected: expected}
}

// IsNone reports whether no digest work is requested.
func (p HashPolicy) IsNone() bool { return p.kind == hashNone }

// IsValidate reports whether a digest match is required.
func (p HashPolicy) IsValidate() bool { return p.kind == hashValidate }

// Algorithms returns the algorithms that must be computed while streaming.
func (p HashPolicy) Algorithms() []HashAlgorithm {
	switch p.kind {
	case hashNone:
		return nil
	case hashGenerate:
		return []HashAlgorithm{SHA256}
	}
	seen := map[HashAlgorithm]bool{}
	var out []HashAlgorithm
	for _, d := range p.expected {
		if !seen[d.Algorithm] {
			seen[d.Algorithm] = true
			out = append(out, d.Algorithm)
		}
	}
	return out
}

// Check validates computed digests against the policy. For a Validate
// policy at least one expected digest must match; a mismatch is a
// HashMismatchError.
func (p HashPolicy) Check(computed []HashDigest) error {
	if p.kind != hashValidate {
		return nil
	}
	for _, want := range p.expected {
		for _, got := range computed {
			if want.Algorithm == got.Algorithm && strings.EqualFold(want.Digest, got.Digest) {
				return nil
			}
		}
	}
	return &HashMismatchError{Expected: p.expected, Computed: computed}
}

// HashMismatchError reports that none of the expected digests matched the
// fetched content. It is fatal for the distribution and its result must
// never be cached.
type HashMismatchError struct {
	Expected []HashDigest
	Computed []HashDigest
}

func (e *HashMismatchError) Error() string {
	var sb strings.Builder
	sb.WriteString("hash mismatch: expected one of [")
	for i, d := range e.Expected {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(d.String())
	}
	sb.WriteString("], computed [")
	for i, d := range e.Computed {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(d.String())
	}
	sb.WriteString("]")
	return sb.String()
}

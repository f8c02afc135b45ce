package index

import (
	"strings"

	"github.com/armon/go-radix"

	"github.com/wheelhouse-dev/wheelhouse/pep503"
)

// Routes maps package names to index URLs. Exact pins win over prefix
// routes, which win over the default index. Prefix routes let an
// organization send everything under a naming convention ("acme-*") to an
// internal index while the rest falls through to the public one.
type Routes struct {
	exact map[pep503.PackageName]string
	trie  *radix.Tree
	def   string
}

// NewRoutes builds a routing table with the given default index.
func NewRoutes(defaultIndex string) *Routes {
	if defaultIndex == "" {
		defaultIndex = DefaultIndexURL
	}
	return &Routes{
		exact: make(map[pep503.PackageName]string),
		trie:  radix.New(),
		def:   strings.TrimSuffix(defaultIndex, "/"),
	}
}

// Pin routes a single package to an index.
func (r *Routes) Pin(name pep503.PackageName, indexURL string) {
	r.exact[name] = strings.TrimSuffix(indexURL, "/")
}

// PinPrefix routes every package whose normalized name starts with prefix.
// The longest matching prefix wins.
func (r *Routes) PinPrefix(prefix string, indexURL string) {
	r.trie.Insert(strings.ToLower(prefix), strings.TrimSuffix(indexURL, "/"))
}

// IndexFor returns the index URL responsible for name.
func (r *Routes) IndexFor(name pep503.PackageName) string {
	if u, ok := r.exact[name]; ok {
		return u
	}
	if _, v, ok := r.trie.LongestPrefix(string(name)); ok {
		return v.(string)
	}
	return r.def
}

// Default returns the fallback index URL.
func (r *Routes) Default() string { return r.def }

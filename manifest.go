// Package wheelhouse is the project-facing layer: the on-disk manifest and
// lockfile formats, and the install planner that walks a resolution graph
// through the distribution pipeline.
package wheelhouse

import (
	"os"

	"github.com/pelletier/go-toml"
	"github.com/pkg/errors"

	"github.com/wheelhouse-dev/wheelhouse/pep440"
	"github.com/wheelhouse-dev/wheelhouse/pep503"
	"github.com/wheelhouse-dev/wheelhouse/pep508"
	"github.com/wheelhouse-dev/wheelhouse/resolver"
)

// ManifestName is the project manifest filename.
const ManifestName = "wheelhouse.toml"

// LockName is the lockfile filename.
const LockName = "wheelhouse.lock"

// ProjectManifest is the parsed wheelhouse.toml.
type ProjectManifest struct {
	Project struct {
		Name           string   `toml:"name"`
		RequiresPython string   `toml:"requires-python"`
		Requirements   []string `toml:"requirements"`
		Constraints    []string `toml:"constraints"`
	} `toml:"project"`

	Overrides map[string][]string `toml:"overrides"`

	Indexes struct {
		Default string `toml:"default"`
		// Pins routes single packages; Prefixes routes normalized-name
		// prefixes to index URLs.
		Pins     map[string]string `toml:"pins"`
		Prefixes map[string]string `toml:"prefixes"`
	} `toml:"indexes"`

	Resolution struct {
		Mode string `toml:"mode"`
		// ExcludeNewer is an RFC 3339 timestamp bounding file uploads.
		ExcludeNewer string `toml:"exclude-newer"`
	} `toml:"resolution"`
}

// ReadManifest loads and validates a wheelhouse.toml.
func ReadManifest(path string) (*ProjectManifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading manifest %s", path)
	}
	var m ProjectManifest
	if err := toml.Unmarshal(data, &m); err != nil {
		return nil, errors.Wrapf(err, "parsing manifest %s", path)
	}
	if len(m.Project.Requirements) == 0 {
		return nil, errors.Errorf("manifest %s declares no requirements", path)
	}
	return &m, nil
}

// ResolverInputs translates the manifest into the driver's records. The
// marker environment comes from the caller; it describes the target
// interpreter, not the project. Tags are left unset.
func (m *ProjectManifest) ResolverInputs(env *pep508.Environment) (resolver.Manifest, error) {
	var out resolver.Manifest
	out.Env = env

	var err error
	if out.Requirements, err = parseRequirements(m.Project.Requirements); err != nil {
		return out, errors.Wrap(err, "requirements")
	}
	if out.Constraints, err = parseRequirements(m.Project.Constraints); err != nil {
		return out, errors.Wrap(err, "constraints")
	}

	if len(m.Overrides) > 0 {
		out.Overrides = make(map[pep503.PackageName][]pep508.Requirement, len(m.Overrides))
		for rawName, lines := range m.Overrides {
			name, err := pep503.ParsePackageName(rawName)
			if err != nil {
				return out, errors.Wrapf(err, "override %q", rawName)
			}
			reqs, err := parseRequirements(lines)
			if err != nil {
				return out, errors.Wrapf(err, "override %q", rawName)
			}
			out.Overrides[name] = reqs
		}
	}

	switch m.Resolution.Mode {
	case "", "highest":
		out.Mode = resolver.ModeHighest
	case "lowest":
		out.Mode = resolver.ModeLowest
	case "lowest-direct":
		out.Mode = resolver.ModeLowestDirect
	default:
		return out, errors.Errorf("unknown resolution mode %q", m.Resolution.Mode)
	}

	return out, nil
}

// RequiresPython parses the project's interpreter range, if declared.
func (m *ProjectManifest) RequiresPython() (pep440.Specifiers, error) {
	if m.Project.RequiresPython == "" {
		return nil, nil
	}
	return pep440.ParseSpecifiers(m.Project.RequiresPython)
}

func parseRequirements(lines []string) ([]pep508.Requirement, error) {
	var out []pep508.Requirement
	for _, line := range lines {
		req, err := pep508.ParseRequirement(line)
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	return out, nil
}

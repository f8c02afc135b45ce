// Package build turns source trees into wheels by driving a build backend
// in an isolated environment through the standard hook protocol
// (prepare_metadata_for_build_wheel, build_wheel, build_sdist).
package build

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/wheelhouse-dev/wheelhouse/cache"
)

// defaultBackend is assumed for trees without a [build-system] table.
var defaultBackend = BackendSpec{
	Backend:  "setuptools.build_meta:__legacy__",
	Requires: []string{"setuptools >= 40.8.0", "wheel"},
}

// BackendSpec is the [build-system] table of a source tree.
type BackendSpec struct {
	Backend  string   `toml:"build-backend"`
	Requires []string `toml:"requires"`
	Paths    []string `toml:"backend-path"`
}

// An EnvProvider materializes an ephemeral interpreter environment with the
// build requirements installed, returning the path of its interpreter. The
// actual virtual-environment machinery lives outside the core; tests and
// simple setups can use SystemEnv.
type EnvProvider interface {
	CreateBuildEnv(ctx context.Context, dir string, requires []string) (python string, err error)
}

// SystemEnv is the degenerate EnvProvider: it hands back a fixed
// interpreter and assumes the build requirements are importable there.
type SystemEnv struct {
	Python string
}

func (e SystemEnv) CreateBuildEnv(context.Context, string, []string) (string, error) {
	if e.Python == "" {
		return "python3", nil
	}
	return e.Python, nil
}

// BuildError carries a failed hook's captured output. Build failures are
// never retried; the output goes to the user verbatim.
type BuildError struct {
	Package string
	Hook    string
	Stdout  string
	Stderr  string
	Err     error
}

func (e *BuildError) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "build of %s failed in %s: %v", e.Package, e.Hook, e.Err)
	if out := strings.TrimSpace(e.Stdout); out != "" {
		sb.WriteString("\n--- stdout ---\n")
		sb.WriteString(out)
	}
	if errOut := strings.TrimSpace(e.Stderr); errOut != "" {
		sb.WriteString("\n--- stderr ---\n")
		sb.WriteString(errOut)
	}
	return sb.String()
}

func (e *BuildError) Unwrap() error { return e.Err }

// Builder runs build-backend hooks.
type Builder struct {
	Env    EnvProvider
	Cache  *cache.Cache
	Logger *logrus.Logger
}

// NewBuilder returns a Builder using the given environment provider.
func NewBuilder(c *cache.Cache, env EnvProvider) *Builder {
	if env == nil {
		env = SystemEnv{}
	}
	return &Builder{Env: env, Cache: c, Logger: logrus.StandardLogger()}
}

// ReadBackendSpec reads the source tree's build-system table, falling back
// to the legacy setuptools backend.
func ReadBackendSpec(srcDir string) (BackendSpec, error) {
	data, err := os.ReadFile(filepath.Join(srcDir, "pyproject.toml"))
	if os.IsNotExist(err) {
		return defaultBackend, nil
	}
	if err != nil {
		return BackendSpec{}, err
	}

	var doc struct {
		BuildSystem BackendSpec `toml:"build-system"`
	}
	if err := toml.Unmarshal(data, &doc); err != nil {
		return BackendSpec{}, errors.Wrap(err, "parsing pyproject.toml")
	}

	spec := doc.BuildSystem
	if spec.Backend == "" {
		spec = defaultBackend
	}
	return spec, nil
}

// BuildWheel runs the backend's build_wheel hook for the tree at srcDir and
// returns the path of the produced wheel. The scratch environment lives in
// the builds bucket and is removed on every exit path.
func (b *Builder) BuildWheel(ctx context.Context, pkg, srcDir string) (string, error) {
	return b.buildArtifact(ctx, pkg, srcDir, "build_wheel")
}

// BuildSdist runs the backend's build_sdist hook.
func (b *Builder) BuildSdist(ctx context.Context, pkg, srcDir string) (string, error) {
	return b.buildArtifact(ctx, pkg, srcDir, "build_sdist")
}

func (b *Builder) buildArtifact(ctx context.Context, pkg, srcDir, hook string) (string, error) {
	spec, err := ReadBackendSpec(srcDir)
	if err != nil {
		return "", err
	}

	envDir, err := b.Cache.TempDir(cache.BucketBuilds, "env")
	if err != nil {
		return "", err
	}
	defer os.RemoveAll(envDir)

	python, err := b.Env.CreateBuildEnv(ctx, envDir, spec.Requires)
	if err != nil {
		return "", errors.Wrapf(err, "creating build environment for %s", pkg)
	}

	outDir, err := b.Cache.TempDir(cache.BucketBuilds, "dist")
	if err != nil {
		return "", err
	}
	// On failure the scratch output dir goes too; on success the artifact
	// is moved out below first and this removal only clears leftovers.
	defer os.RemoveAll(outDir)

	artifact, err := b.runHook(ctx, pkg, python, srcDir, hook, spec, outDir)
	if err != nil {
		return "", err
	}

	// Move the artifact into a stable scratch location the caller owns.
	final, err := b.Cache.TempDir(cache.BucketBuilds, "out")
	if err != nil {
		return "", err
	}
	dst := filepath.Join(final, artifact)
	if err := os.Rename(filepath.Join(outDir, artifact), dst); err != nil {
		os.RemoveAll(final)
		return "", errors.Wrapf(err, "collecting built artifact for %s", pkg)
	}
	return dst, nil
}

// PrepareMetadata runs the optional prepare_metadata_for_build_wheel hook.
// ok is false when the backend does not implement it, in which case the
// caller must do a full wheel build to learn the metadata.
func (b *Builder) PrepareMetadata(ctx context.Context, pkg, srcDir string) (distInfo string, ok bool, err error) {
	spec, err := ReadBackendSpec(srcDir)
	if err != nil {
		return "", false, err
	}

	envDir, err := b.Cache.TempDir(cache.BucketBuilds, "env")
	if err != nil {
		return "", false, err
	}
	defer os.RemoveAll(envDir)

	python, err := b.Env.CreateBuildEnv(ctx, envDir, spec.Requires)
	if err != nil {
		return "", false, err
	}

	outDir, err := b.Cache.TempDir(cache.BucketBuilds, "metadata")
	if err != nil {
		return "", false, err
	}

	artifact, err := b.runHook(ctx, pkg, python, srcDir, "prepare_metadata_for_build_wheel", spec, outDir)
	if err != nil {
		os.RemoveAll(outDir)
		var be *BuildError
		if errors.As(err, &be) && strings.Contains(be.Stderr, "MissingHook") {
			return "", false, nil
		}
		return "", false, err
	}
	return filepath.Join(outDir, artifact), true, nil
}

// hookProgram drives the backend: import it, call the hook with the target
// directory, print the artifact name as the last stdout line. A missing
// optional hook raises MissingHook so the caller can tell it apart from a
// build failure.
const hookProgram = `
import importlib, os, sys

backend_name, hook, outdir = sys.argv[1], sys.argv[2], sys.argv[3]

path = backend_name.split(":")
mod = importlib.import_module(path[0])
backend = getattr(mod, path[1]) if len(path) > 1 else mod

fn = getattr(backend, hook, None)
if fn is None:
    print("MissingHook: " + hook, file=sys.stderr)
    sys.exit(3)

artifact = fn(outdir)
print(artifact)
`

func (b *Builder) runHook(ctx context.Context, pkg, python, srcDir, hook string, spec BackendSpec, outDir string) (string, error) {
	args := []string{"-c", hookProgram, spec.Backend, hook, outDir}

	cmd := exec.CommandContext(ctx, python, args...)
	cmd.Dir = srcDir
	cmd.Env = append(os.Environ(), backendPathEnv(srcDir, spec)...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	b.Logger.WithFields(logrus.Fields{"package": pkg, "hook": hook}).Debug("running build hook")
	if err := cmd.Run(); err != nil {
		return "", &BuildError{
			Package: pkg,
			Hook:    hook,
			Stdout:  stdout.String(),
			Stderr:  stderr.String(),
			Err:     err,
		}
	}

	lines := strings.Split(strings.TrimSpace(stdout.String()), "\n")
	artifact := strings.TrimSpace(lines[len(lines)-1])
	if artifact == "" {
		return "", &BuildError{
			Package: pkg,
			Hook:    hook,
			Stdout:  stdout.String(),
			Stderr:  stderr.String(),
			Err:     errors.New("hook produced no artifact name"),
		}
	}
	return artifact, nil
}

// backendPathEnv prepends in-tree backend paths to PYTHONPATH.
func backendPathEnv(srcDir string, spec BackendSpec) []string {
	if len(spec.Paths) == 0 {
		return nil
	}
	var paths []string
	for _, p := range spec.Paths {
		paths = append(paths, filepath.Join(srcDir, p))
	}
	if existing := os.Getenv("PYTHONPATH"); existing != "" {
		paths = append(paths, existing)
	}
	return []string{"PYTHONPATH=" + strings.Join(paths, string(os.PathListSeparator))}
}

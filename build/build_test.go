package build

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/wheelhouse-dev/wheelhouse/cache"
)

func TestReadBackendSpec(t *testing.T) {
	dir := t.TempDir()

	// No pyproject.toml: legacy setuptools.
	spec, err := ReadBackendSpec(dir)
	if err != nil {
		t.Fatal(err)
	}
	if spec.Backend != "setuptools.build_meta:__legacy__" {
		t.Errorf("default backend = %q", spec.Backend)
	}
	if len(spec.Requires) == 0 {
		t.Error("default backend should require setuptools")
	}

	// Declared backend.
	err = os.WriteFile(filepath.Join(dir, "pyproject.toml"), []byte(`
[build-system]
requires = ["hatchling"]
build-backend = "hatchling.build"
`), 0o644)
	if err != nil {
		t.Fatal(err)
	}
	spec, err = ReadBackendSpec(dir)
	if err != nil {
		t.Fatal(err)
	}
	if spec.Backend != "hatchling.build" || len(spec.Requires) != 1 {
		t.Errorf("got %+v", spec)
	}

	// A pyproject.toml without a [build-system] table also falls back.
	os.WriteFile(filepath.Join(dir, "pyproject.toml"), []byte("[project]\nname = \"x\"\n"), 0o644)
	spec, err = ReadBackendSpec(dir)
	if err != nil {
		t.Fatal(err)
	}
	if spec.Backend != "setuptools.build_meta:__legacy__" {
		t.Errorf("fallback backend = %q", spec.Backend)
	}
}

// fakeBackendConftest is a python "build backend" that writes a marker artifact.
const fakeBackendConftest = `
def build_wheel(outdir):
    name = "fake_pkg-1.0-py3-none-any.whl"
    with open(outdir + "/" + name, "w") as f:
        f.write("not really a wheel")
    return name
`

func pythonAvailable(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("test backend script assumes a unix python3")
	}
	if _, err := exec.LookPath("python3"); err != nil {
		t.Skip("python3 not available")
	}
}

func TestBuildWheelWithFakeBackend(t *testing.T) {
	pythonAvailable(t)

	src := t.TempDir()
	err := os.WriteFile(filepath.Join(src, "pyproject.toml"), []byte(`
[build-system]
requires = []
build-backend = "fake_backend"
backend-path = ["."]
`), 0o644)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(src, "fake_backend.py"), []byte(fakeBackendConftest), 0o644); err != nil {
		t.Fatal(err)
	}

	c, err := cache.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	b := NewBuilder(c, nil)

	wheel, err := b.BuildWheel(context.Background(), "fake-pkg", src)
	if err != nil {
		t.Fatalf("BuildWheel: %v", err)
	}
	defer os.RemoveAll(filepath.Dir(wheel))

	if filepath.Base(wheel) != "fake_pkg-1.0-py3-none-any.whl" {
		t.Errorf("wheel = %q", wheel)
	}
	if _, err := os.Stat(wheel); err != nil {
		t.Errorf("built wheel missing: %v", err)
	}
}

func TestBuildErrorCapturesOutput(t *testing.T) {
	pythonAvailable(t)

	src := t.TempDir()
	os.WriteFile(filepath.Join(src, "pyproject.toml"), []byte(`
[build-system]
requires = []
build-backend = "broken_backend"
backend-path = ["."]
`), 0o644)
	os.WriteFile(filepath.Join(src, "broken_backend.py"), []byte(`
import sys
def build_wheel(outdir):
    print("some build output")
    print("compilation failed", file=sys.stderr)
    raise RuntimeError("boom")
`), 0o644)

	c, _ := cache.New(t.TempDir())
	b := NewBuilder(c, nil)

	_, err := b.BuildWheel(context.Background(), "broken-pkg", src)
	if err == nil {
		t.Fatal("expected build failure")
	}
	be, ok := err.(*BuildError)
	if !ok {
		t.Fatalf("expected *BuildError, got %T", err)
	}
	if !strings.Contains(be.Stderr, "compilation failed") {
		t.Errorf("stderr not captured: %q", be.Stderr)
	}
	if !strings.Contains(be.Stdout, "some build output") {
		t.Errorf("stdout not captured: %q", be.Stdout)
	}
}

func TestPrepareMetadataMissingHook(t *testing.T) {
	pythonAvailable(t)

	src := t.TempDir()
	os.WriteFile(filepath.Join(src, "pyproject.toml"), []byte(`
[build-system]
requires = []
build-backend = "fake_backend"
backend-path = ["."]
`), 0o644)
	os.WriteFile(filepath.Join(src, "fake_backend.py"), []byte(fakeBackendConftest), 0o644)

	c, _ := cache.New(t.TempDir())
	b := NewBuilder(c, nil)

	_, ok, err := b.PrepareMetadata(context.Background(), "fake-pkg", src)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("backend without the hook should report ok=false")
	}
}

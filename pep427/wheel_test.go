package pep427

import (
	"archive/zip"
	"bytes"
	"strings"
	"testing"

	"github.com/wheelhouse-dev/wheelhouse/pep425"
	"github.com/wheelhouse-dev/wheelhouse/pep503"
)

func TestParseWheelFilename(t *testing.T) {
	cases := []struct {
		in      string
		name    string
		version string
		build   string
		tags    int
		err     bool
	}{
		{in: "requests-2.31.0-py3-none-any.whl", name: "requests", version: "2.31.0", tags: 1},
		{in: "cryptography-41.0.0-cp37-abi3-manylinux_2_17_x86_64.whl", name: "cryptography", version: "41.0.0", tags: 1},
		{in: "some_pkg-1.0-1-py2.py3-none-any.whl", name: "some-pkg", version: "1.0", build: "1", tags: 2},
		{in: "six-1.16.0-py2.py3-none-any.whl", name: "six", version: "1.16.0", tags: 2},
		{in: "notawheel.tar.gz", err: true},
		{in: "toofew-py3.whl", err: true},
		{in: "a-b-c-d-e-f-g.whl", err: true},
	}

	for _, c := range cases {
		w, err := ParseWheelFilename(c.in)
		if c.err {
			if err == nil {
				t.Errorf("ParseWheelFilename(%q): expected error", c.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseWheelFilename(%q): %v", c.in, err)
			continue
		}
		if string(w.Name) != c.name || w.Version.String() != c.version || w.Build != c.build || len(w.Tags) != c.tags {
			t.Errorf("ParseWheelFilename(%q) = %+v", c.in, w)
		}
	}
}

func TestWheelCompatibility(t *testing.T) {
	tags := pep425.Tags{
		{Python: "cp311", ABI: "cp311", Platform: "manylinux_2_17_x86_64"},
		{Python: "py3", ABI: "none", Platform: "any"},
	}

	pure, _ := ParseWheelFilename("requests-2.31.0-py3-none-any.whl")
	if !pure.Compatible(tags) {
		t.Error("pure wheel should be compatible")
	}
	if pure.Preference(tags) != 1 {
		t.Errorf("pure wheel preference = %d", pure.Preference(tags))
	}

	native, _ := ParseWheelFilename("x-1.0-cp311-cp311-manylinux_2_17_x86_64.whl")
	if native.Preference(tags) != 0 {
		t.Error("native wheel should be most preferred")
	}

	win, _ := ParseWheelFilename("x-1.0-cp311-cp311-win_amd64.whl")
	if win.Compatible(tags) {
		t.Error("windows wheel should be incompatible")
	}
}

func TestParseSourceDistFilename(t *testing.T) {
	name := pep503.MustPackageName("foo-bar")

	sd, err := ParseSourceDistFilename("foo-bar-1.2.3.tar.gz", name)
	if err != nil {
		t.Fatal(err)
	}
	if sd.Version.String() != "1.2.3" || sd.Extension != ".tar.gz" {
		t.Errorf("got %+v", sd)
	}

	sd, err = ParseSourceDistFilename("Foo_Bar-2.0.zip", name)
	if err != nil {
		t.Fatal(err)
	}
	if sd.Version.String() != "2.0" {
		t.Errorf("got %+v", sd)
	}

	if _, err := ParseSourceDistFilename("unrelated-1.0.tar.gz", name); err == nil {
		t.Error("mismatched name should fail")
	}
	if _, err := ParseSourceDistFilename("foo-bar-1.0.exe", name); err == nil {
		t.Error("unknown extension should fail")
	}
}

const sampleMetadata = `Metadata-Version: 2.1
Name: Sample-Package
Version: 1.2.3
Requires-Python: >=3.8
Provides-Extra: security
Requires-Dist: idna >=2.5
Requires-Dist: cryptography >=1.3.4 ; extra == 'security'

This is the long description.
Requires-Dist: not-a-real-dep
`

func TestParseMetadata(t *testing.T) {
	md, err := ParseMetadata(strings.NewReader(sampleMetadata))
	if err != nil {
		t.Fatal(err)
	}

	if string(md.Name) != "sample-package" {
		t.Errorf("name = %q", md.Name)
	}
	if md.Version.String() != "1.2.3" {
		t.Errorf("version = %s", md.Version)
	}
	if len(md.RequiresDist) != 2 {
		t.Fatalf("expected 2 requirements (body must not be scanned), got %d", len(md.RequiresDist))
	}
	if string(md.RequiresDist[0].Name) != "idna" {
		t.Errorf("first requirement = %s", md.RequiresDist[0].Name)
	}
	if md.RequiresDist[1].Marker == nil {
		t.Error("second requirement should carry its extra marker")
	}
	if len(md.ProvidesExtras) != 1 || string(md.ProvidesExtras[0]) != "security" {
		t.Errorf("extras = %v", md.ProvidesExtras)
	}
	if md.RequiresPython.String() != ">=3.8" {
		t.Errorf("requires-python = %s", md.RequiresPython)
	}
}

func buildTestWheel(t *testing.T, distInfo string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)

	w, err := zw.Create("sample/__init__.py")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.Write([]byte("")); err != nil {
		t.Fatal(err)
	}

	w, err = zw.Create(distInfo + "/METADATA")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.Write([]byte(sampleMetadata)); err != nil {
		t.Fatal(err)
	}

	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestMetadataFromReaderAt(t *testing.T) {
	data := buildTestWheel(t, "sample_package-1.2.3.dist-info")

	md, err := MetadataFromReaderAt(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatal(err)
	}
	if string(md.Name) != "sample-package" {
		t.Errorf("name = %q", md.Name)
	}
}

func TestMetadataFromZipMissing(t *testing.T) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, _ := zw.Create("sample/__init__.py")
	w.Write([]byte(""))
	zw.Close()

	zr, err := zip.NewReader(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := MetadataFromZip(zr); err == nil {
		t.Error("expected error for wheel without METADATA")
	}
}

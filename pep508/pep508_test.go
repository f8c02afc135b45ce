package pep508

import (
	"testing"

	"github.com/wheelhouse-dev/wheelhouse/pep440"
)

var linuxEnv = &Environment{
	PythonVersion:                "3.11",
	PythonFullVersion:            "3.11.4",
	OSName:                       "posix",
	SysPlatform:                  "linux",
	PlatformSystem:               "Linux",
	PlatformMachine:              "x86_64",
	PlatformPythonImplementation: "CPython",
	ImplementationName:           "cpython",
	ImplementationVersion:        "3.11.4",
}

func TestParseRequirement(t *testing.T) {
	cases := []struct {
		in      string
		name    string
		extras  int
		specs   string
		hasURL  bool
		hasMark bool
	}{
		{in: "requests", name: "requests"},
		{in: "requests >=2.8.1, ==2.8.*", name: "requests", specs: ">=2.8.1,==2.8.*"},
		{in: "requests[security]>=2.8.1", name: "requests", extras: 1, specs: ">=2.8.1"},
		{in: "requests[security,socks] (>=2.8.1)", name: "requests", extras: 2, specs: ">=2.8.1"},
		{in: "name @ https://example.com/name-1.0.tar.gz", name: "name", hasURL: true},
		{in: `requests ; python_version < "2.7"`, name: "requests", hasMark: true},
		{in: `Typing_Extensions>=4.0 ; sys_platform == "linux" and python_version >= "3.8"`, name: "typing-extensions", specs: ">=4.0", hasMark: true},
	}

	for _, c := range cases {
		r, err := ParseRequirement(c.in)
		if err != nil {
			t.Errorf("ParseRequirement(%q): %v", c.in, err)
			continue
		}
		if string(r.Name) != c.name {
			t.Errorf("%q: name = %q, want %q", c.in, r.Name, c.name)
		}
		if len(r.Extras) != c.extras {
			t.Errorf("%q: %d extras, want %d", c.in, len(r.Extras), c.extras)
		}
		if got := r.Specifiers.String(); got != c.specs {
			t.Errorf("%q: specifiers = %q, want %q", c.in, got, c.specs)
		}
		if (r.URL != "") != c.hasURL {
			t.Errorf("%q: URL = %q", c.in, r.URL)
		}
		if (r.Marker != nil) != c.hasMark {
			t.Errorf("%q: marker presence mismatch", c.in)
		}
	}
}

func TestParseRequirementInvalid(t *testing.T) {
	for _, in := range []string{"", ">=1.0", "name[", "name >=1.0 junk", "name ; python_version ??? '3'"} {
		if _, err := ParseRequirement(in); err == nil {
			t.Errorf("ParseRequirement(%q): expected error", in)
		}
	}
}

func TestMarkerEvaluate(t *testing.T) {
	cases := []struct {
		in   string
		want bool
	}{
		{`python_version < "2.7"`, false},
		{`python_version >= "3.8"`, true},
		{`python_version == "3.11"`, true},
		{`sys_platform == "linux"`, true},
		{`sys_platform == "win32"`, false},
		{`sys_platform == "win32" or python_version >= "3.8"`, true},
		{`sys_platform == "win32" and python_version >= "3.8"`, false},
		{`(sys_platform == "win32" or sys_platform == "linux") and python_version >= "3.8"`, true},
		{`"linux" in sys_platform`, true},
		{`"bsd" not in sys_platform`, true},
		{`platform_python_implementation == "CPython"`, true},
		{`python_full_version >= "3.11.2"`, true},
	}

	for _, c := range cases {
		m, err := ParseMarker(c.in)
		if err != nil {
			t.Errorf("ParseMarker(%q): %v", c.in, err)
			continue
		}
		got, err := m.Evaluate(linuxEnv)
		if err != nil {
			t.Errorf("Evaluate(%q): %v", c.in, err)
			continue
		}
		if got != c.want {
			t.Errorf("Evaluate(%q) = %v, want %v", c.in, got, c.want)
		}
	}
}

func TestMarkerVersionComparison(t *testing.T) {
	// "3.9" vs "3.11" must compare as versions, not strings.
	m, err := ParseMarker(`python_version >= "3.9"`)
	if err != nil {
		t.Fatal(err)
	}
	got, err := m.Evaluate(linuxEnv)
	if err != nil {
		t.Fatal(err)
	}
	if !got {
		t.Error("3.11 >= 3.9 should hold under version comparison")
	}
}

func TestMarkerExtra(t *testing.T) {
	m, err := ParseMarker(`extra == "security"`)
	if err != nil {
		t.Fatal(err)
	}

	env := *linuxEnv
	if ok, _ := m.Evaluate(&env); ok {
		t.Error("extra marker should be false without the extra set")
	}
	env.Extra = "security"
	if ok, _ := m.Evaluate(&env); !ok {
		t.Error("extra marker should be true with the extra set")
	}
}

func TestMarkerCombinators(t *testing.T) {
	a, _ := ParseMarker(`sys_platform == "linux"`)
	b, _ := ParseMarker(`python_version >= "3.8"`)

	both := And(a, b)
	if ok, _ := both.Evaluate(linuxEnv); !ok {
		t.Error("conjunction should hold")
	}
	neg := Not(a)
	if ok, _ := neg.Evaluate(linuxEnv); ok {
		t.Error("negation should not hold")
	}
	if And(nil, a) != a {
		t.Error("And with nil should return the other side")
	}

	var nilMarker *Marker
	if ok, _ := nilMarker.Evaluate(linuxEnv); !ok {
		t.Error("nil marker is always true")
	}
}

func TestRequirementEvaluate(t *testing.T) {
	r, err := ParseRequirement(`pywin32 ; sys_platform == "win32"`)
	if err != nil {
		t.Fatal(err)
	}
	ok, err := r.Evaluate(linuxEnv)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("win32-only requirement should not apply on linux")
	}
}

func TestRequirementRoundTrip(t *testing.T) {
	r, err := ParseRequirement(`requests[security] >=2.8.1 ; python_version >= "3.8"`)
	if err != nil {
		t.Fatal(err)
	}
	r2, err := ParseRequirement(r.String())
	if err != nil {
		t.Fatalf("reparse %q: %v", r.String(), err)
	}
	if r2.Name != r.Name || r2.Specifiers.String() != r.Specifiers.String() {
		t.Errorf("round trip mismatch: %q vs %q", r.String(), r2.String())
	}
	if !r.Specifiers.Contains(pep440.MustParse("2.8.3")) {
		t.Error("specifier evaluation through requirement failed")
	}
}

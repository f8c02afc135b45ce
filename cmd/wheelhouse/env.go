package main

import (
	"os"
	"runtime"

	"github.com/wheelhouse-dev/wheelhouse/pep508"
)

// probeEnvironment describes the target interpreter's marker environment.
// Interpreter discovery proper lives outside the core; this builds a
// serviceable description from the process environment, overridable via
// WHEELHOUSE_PYTHON_VERSION and WHEELHOUSE_PLATFORM.
func probeEnvironment() *pep508.Environment {
	env := &pep508.Environment{
		PythonVersion:                "3.11",
		PythonFullVersion:            "3.11.0",
		ImplementationName:           "cpython",
		ImplementationVersion:        "3.11.0",
		PlatformPythonImplementation: "CPython",
	}

	if v := os.Getenv("WHEELHOUSE_PYTHON_VERSION"); v != "" {
		env.PythonVersion = v
		env.PythonFullVersion = v
		env.ImplementationVersion = v
	}

	platform := runtime.GOOS
	if p := os.Getenv("WHEELHOUSE_PLATFORM"); p != "" {
		platform = p
	}
	switch platform {
	case "darwin":
		env.SysPlatform = "darwin"
		env.OSName = "posix"
		env.PlatformSystem = "Darwin"
	case "windows":
		env.SysPlatform = "win32"
		env.OSName = "nt"
		env.PlatformSystem = "Windows"
	default:
		env.SysPlatform = "linux"
		env.OSName = "posix"
		env.PlatformSystem = "Linux"
	}

	switch runtime.GOARCH {
	case "arm64":
		env.PlatformMachine = "aarch64"
	default:
		env.PlatformMachine = "x86_64"
	}

	return env
}

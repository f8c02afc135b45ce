// Command wheelhouse resolves and installs package dependencies: it reads
// wheelhouse.toml, computes a locked resolution graph, and materializes
// wheels into the shared cache for the installer to link.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// Exit conventions: 0 success, 1 runtime error, 2 usage error.
const (
	exitOK    = 0
	exitError = 1
	exitUsage = 2
)

type globalOptions struct {
	cacheDir string
	manifest string
	verbose  bool
	python   string
	indexURL string
}

func main() {
	opts := &globalOptions{}

	root := &cobra.Command{
		Use:           "wheelhouse",
		Short:         "resolve and install package dependencies",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(*cobra.Command, []string) {
			if opts.verbose {
				logrus.SetLevel(logrus.DebugLevel)
			}
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&opts.cacheDir, "cache-dir", defaultCacheDir(), "cache directory")
	pf.StringVar(&opts.manifest, "manifest", "wheelhouse.toml", "project manifest path")
	pf.StringVar(&opts.python, "python", "python3", "target interpreter")
	pf.StringVar(&opts.indexURL, "index-url", "", "override the default package index")
	pf.BoolVarP(&opts.verbose, "verbose", "v", false, "enable debug logging")
	pf.SetNormalizeFunc(func(_ *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
	})

	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return usageError{err}
	})

	root.AddCommand(
		newLockCommand(opts),
		newInstallCommand(opts),
		newCacheCommand(opts),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		if _, ok := err.(usageError); ok {
			os.Exit(exitUsage)
		}
		os.Exit(exitError)
	}
	os.Exit(exitOK)
}

type usageError struct{ error }

func defaultCacheDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return dir + "/wheelhouse"
	}
	return ".wheelhouse-cache"
}

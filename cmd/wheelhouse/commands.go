package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	wheelhouse "github.com/wheelhouse-dev/wheelhouse"
	"github.com/wheelhouse-dev/wheelhouse/build"
	"github.com/wheelhouse-dev/wheelhouse/cache"
	"github.com/wheelhouse-dev/wheelhouse/distribution"
	"github.com/wheelhouse-dev/wheelhouse/index"
	"github.com/wheelhouse-dev/wheelhouse/metadata"
	"github.com/wheelhouse-dev/wheelhouse/pep440"
	"github.com/wheelhouse-dev/wheelhouse/pep503"
	"github.com/wheelhouse-dev/wheelhouse/pipeline"
	"github.com/wheelhouse-dev/wheelhouse/resolver"
	"github.com/wheelhouse-dev/wheelhouse/vcs"
)

// stack bundles the assembled core components for one invocation.
type stack struct {
	cache    *cache.Cache
	client   *index.Client
	pipeline *pipeline.Pipeline
	provider *metadata.Provider
}

func (s *stack) close() {
	s.client.Close()
}

// buildStack assembles the core components. Probing a live interpreter is
// the job of an outer layer; the provider is built without compatibility
// tags or a target Python version, so neither filter is applied.
func buildStack(opts *globalOptions, m *wheelhouse.ProjectManifest) (*stack, error) {
	diskCache, err := cache.New(opts.cacheDir)
	if err != nil {
		return nil, err
	}

	defaultIndex := m.Indexes.Default
	if opts.indexURL != "" {
		defaultIndex = opts.indexURL
	}
	routes := index.NewRoutes(defaultIndex)
	for name, url := range m.Indexes.Pins {
		pkg, err := pep503.ParsePackageName(name)
		if err != nil {
			return nil, errors.Wrapf(err, "index pin %q", name)
		}
		routes.Pin(pkg, url)
	}
	for prefix, url := range m.Indexes.Prefixes {
		routes.PinPrefix(prefix, url)
	}

	client := index.NewClient(diskCache, routes)
	git := vcs.NewGitSource(diskCache)
	builder := build.NewBuilder(diskCache, build.SystemEnv{Python: opts.python})
	pl := pipeline.New(diskCache, client, git, builder, pipeline.DefaultConcurrency())

	provider := metadata.NewProvider(client, pl, nil, pep440.Version{})
	if m.Resolution.ExcludeNewer != "" {
		ts, err := time.Parse(time.RFC3339, m.Resolution.ExcludeNewer)
		if err != nil {
			return nil, errors.Wrap(err, "resolution.exclude-newer")
		}
		provider.ExcludeNewer = ts
	}
	return &stack{cache: diskCache, client: client, pipeline: pl, provider: provider}, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt)
}

func newLockCommand(opts *globalOptions) *cobra.Command {
	var universal bool

	cmd := &cobra.Command{
		Use:   "lock",
		Short: "resolve the manifest and write wheelhouse.lock",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			m, err := wheelhouse.ReadManifest(opts.manifest)
			if err != nil {
				return err
			}
			st, err := buildStack(opts, m)
			if err != nil {
				return err
			}
			defer st.close()

			rm, err := m.ResolverInputs(nil)
			if err != nil {
				return err
			}
			if !universal {
				rm.Env = probeEnvironment()
			}

			lockPath := filepath.Join(filepath.Dir(opts.manifest), wheelhouse.LockName)
			if prev, err := wheelhouse.ReadLock(lockPath); err == nil && prev != nil {
				if pins, err := prev.Preferences(); err == nil {
					rm.Preferences = pins
				}
			}

			graph, err := resolver.New(st.provider).Resolve(ctx, rm)
			if err != nil {
				return err
			}

			lf, err := wheelhouse.LockFromGraph(graph)
			if err != nil {
				return err
			}
			if err := wheelhouse.WriteLock(lockPath, lf); err != nil {
				return err
			}

			logrus.WithField("packages", len(lf.Packages)).Info("lockfile written")
			return nil
		},
	}
	cmd.Flags().BoolVar(&universal, "universal", false, "resolve for all environments, carrying markers into the lock")
	return cmd
}

func newInstallCommand(opts *globalOptions) *cobra.Command {
	var requireHashes bool

	cmd := &cobra.Command{
		Use:   "install",
		Short: "materialize the locked graph into cached wheels",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			m, err := wheelhouse.ReadManifest(opts.manifest)
			if err != nil {
				return err
			}
			st, err := buildStack(opts, m)
			if err != nil {
				return err
			}
			defer st.close()

			lockPath := filepath.Join(filepath.Dir(opts.manifest), wheelhouse.LockName)
			lf, err := wheelhouse.ReadLock(lockPath)
			if err != nil {
				return err
			}
			if lf == nil {
				return errors.Errorf("no %s found; run `wheelhouse lock` first", wheelhouse.LockName)
			}

			graph, err := lf.Graph()
			if err != nil {
				return err
			}

			policy := distribution.HashNone()
			if requireHashes {
				policy = distribution.HashValidate(nil)
			}

			plan, err := wheelhouse.Materialize(ctx, graph, st.pipeline, policy, logrus.StandardLogger())
			if err != nil {
				return err
			}

			for _, w := range plan.Wheels {
				fmt.Println(w.Path)
			}
			logrus.WithField("wheels", len(plan.Wheels)).Info("wheels ready for the installer")
			return nil
		},
	}
	cmd.Flags().BoolVar(&requireHashes, "require-hashes", false, "fail unless every artifact matches its locked hash")
	return cmd
}

func newCacheCommand(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "manage the wheelhouse cache",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "prune",
		Short: "remove cache layouts left behind by older versions",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			c, err := cache.New(opts.cacheDir)
			if err != nil {
				return err
			}
			r, err := c.Prune(logrus.StandardLogger())
			if err != nil {
				return err
			}
			fmt.Printf("pruned %d files, %d dirs, %d bytes\n", r.Files, r.Dirs, r.Bytes)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "clear",
		Short: "remove the entire cache",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			c, err := cache.New(opts.cacheDir)
			if err != nil {
				return err
			}
			r, err := c.Clear()
			if err != nil {
				return err
			}
			fmt.Printf("removed %d files, %d bytes\n", r.Files, r.Bytes)
			return nil
		},
	})

	return cmd
}

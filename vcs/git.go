// Package vcs manages git sources: resolving requested references to
// commits, maintaining local repository mirrors in the cache, and exporting
// pinned trees for building.
package vcs

import (
	"context"
	"regexp"
	"strings"

	mvcs "github.com/Masterminds/vcs"
	git "github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/storage/memory"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/wheelhouse-dev/wheelhouse/cache"
	"github.com/wheelhouse-dev/wheelhouse/distribution"
)

var hexCommitRe = regexp.MustCompile(`^[0-9a-f]{40}$`)

// GitSource fetches and exports git distributions through the shared cache.
type GitSource struct {
	Cache  *cache.Cache
	Logger *logrus.Logger
}

// NewGitSource returns a GitSource over the shared cache.
func NewGitSource(c *cache.Cache) *GitSource {
	return &GitSource{Cache: c, Logger: logrus.StandardLogger()}
}

// ResolveRef resolves a requested reference against the remote without
// cloning, by listing its advertised refs. The returned commit is always
// the full 40-hex form.
func (g *GitSource) ResolveRef(ctx context.Context, rawURL string, ref distribution.GitRef) (string, error) {
	if ref.Kind == distribution.RefRev && hexCommitRe.MatchString(ref.Value) {
		return ref.Value, nil
	}

	remote := git.NewRemote(memory.NewStorage(), &gitconfig.RemoteConfig{
		Name: "origin",
		URLs: []string{fetchURL(rawURL)},
	})
	refs, err := remote.ListContext(ctx, &git.ListOptions{})
	if err != nil {
		return "", errors.Wrapf(err, "listing refs of %s", rawURL)
	}

	byName := make(map[string]string, len(refs))
	var headTarget string
	for _, r := range refs {
		name := r.Name().String()
		if r.Type() == plumbing.SymbolicReference || name == "HEAD" {
			if r.Target() != "" {
				headTarget = r.Target().String()
			}
			if !r.Hash().IsZero() {
				byName["HEAD"] = r.Hash().String()
			}
			continue
		}
		byName[name] = r.Hash().String()
	}

	lookup := func(candidates ...string) (string, bool) {
		for _, c := range candidates {
			if h, ok := byName[c]; ok && h != "" {
				return h, true
			}
		}
		return "", false
	}

	switch ref.Kind {
	case distribution.RefDefaultBranch:
		if headTarget != "" {
			if h, ok := lookup(headTarget); ok {
				return h, nil
			}
		}
		if h, ok := lookup("HEAD", "refs/heads/main", "refs/heads/master"); ok {
			return h, nil
		}
	case distribution.RefBranch:
		if h, ok := lookup("refs/heads/" + ref.Value); ok {
			return h, nil
		}
	case distribution.RefTag:
		// Prefer the peeled tag object when present.
		if h, ok := lookup("refs/tags/"+ref.Value+"^{}", "refs/tags/"+ref.Value); ok {
			return h, nil
		}
	case distribution.RefNamed:
		if h, ok := lookup(
			"refs/tags/"+ref.Value+"^{}",
			"refs/tags/"+ref.Value,
			"refs/heads/"+ref.Value,
			ref.Value,
		); ok {
			return h, nil
		}
	case distribution.RefRev:
		// An abbreviated revision: match a unique prefix among advertised
		// tips, else fall back to resolving inside a local mirror.
		var match string
		for _, h := range byName {
			if strings.HasPrefix(h, ref.Value) {
				if match != "" && match != h {
					return "", errors.Errorf("revision %q is ambiguous in %s", ref.Value, rawURL)
				}
				match = h
			}
		}
		if match != "" {
			return match, nil
		}
		return g.resolveLocally(ctx, rawURL, ref.Value)
	}

	return "", errors.Errorf("reference %q not found in %s", ref, rawURL)
}

// resolveLocally syncs the mirror and asks git itself, for revisions that
// are not advertised tips.
func (g *GitSource) resolveLocally(ctx context.Context, rawURL, rev string) (string, error) {
	repo, err := g.ensureMirror(ctx, rawURL, "")
	if err != nil {
		return "", err
	}
	out, err := repo.RunFromDir("git", "rev-parse", rev+"^{commit}")
	if err != nil {
		return "", errors.Wrapf(err, "revision %q not found in %s", rev, rawURL)
	}
	commit := strings.TrimSpace(string(out))
	if !hexCommitRe.MatchString(commit) {
		return "", errors.Errorf("unexpected rev-parse output %q for %s", commit, rawURL)
	}
	return commit, nil
}

// Export materializes the distribution's tree (at its resolved commit) into
// destDir, honoring the subdirectory. The source mirror lives in the git
// bucket, keyed by canonical URL.
func (g *GitSource) Export(ctx context.Context, d distribution.GitDist, destDir string) error {
	if !d.Resolved() {
		return errors.Errorf("cannot export %s: reference not resolved to a commit", d)
	}

	repo, err := g.ensureMirror(ctx, d.URL, d.Commit)
	if err != nil {
		return err
	}

	if err := repo.UpdateVersion(d.Commit); err != nil {
		return errors.Wrapf(err, "checking out %s in %s", d.Commit, d.URL)
	}
	if err := repo.ExportDir(destDir); err != nil {
		return errors.Wrapf(err, "exporting %s@%s", d.URL, d.Commit)
	}
	return nil
}

// ensureMirror clones the repository into the git bucket on first use and
// fetches when the wanted commit is not yet present. An empty commit only
// guarantees the mirror exists and is synced.
func (g *GitSource) ensureMirror(ctx context.Context, rawURL, commit string) (*mvcs.GitRepo, error) {
	u, err := cache.Canonicalize(rawURL)
	if err != nil {
		return nil, err
	}
	dir, err := g.Cache.URLEntry(cache.BucketGitRepos, u)
	if err != nil {
		return nil, err
	}

	repo, err := mvcs.NewGitRepo(fetchURL(rawURL), dir)
	if err != nil {
		return nil, errors.Wrapf(err, "initializing repo for %s", rawURL)
	}

	if !repo.CheckLocal() {
		g.Logger.WithField("url", rawURL).Info("cloning git source")
		if err := repo.Get(); err != nil {
			return nil, errors.Wrapf(err, "cloning %s", rawURL)
		}
		return repo, nil
	}

	if commit != "" && repo.IsReference(commit) {
		return repo, nil
	}

	g.Logger.WithField("url", rawURL).Debug("fetching git source")
	if err := repo.Update(); err != nil {
		return nil, errors.Wrapf(err, "fetching %s", rawURL)
	}
	if commit != "" && !repo.IsReference(commit) {
		return nil, errors.Errorf("commit %s not found in %s after fetch", commit, rawURL)
	}
	return repo, nil
}

// fetchURL strips the `git+` transport prefix; everything after it is the
// real fetch URL.
func fetchURL(raw string) string {
	s := strings.TrimPrefix(raw, "git+")
	if at := strings.LastIndex(s, "@"); at > strings.LastIndex(s, "/") {
		s = s[:at]
	}
	return s
}

// MirrorPath reports where the mirror for a URL lives, for freshness
// bookkeeping by callers.
func (g *GitSource) MirrorPath(rawURL string) (string, error) {
	u, err := cache.Canonicalize(rawURL)
	if err != nil {
		return "", err
	}
	return g.Cache.URLEntry(cache.BucketGitRepos, u)
}

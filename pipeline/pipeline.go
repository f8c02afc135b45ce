// Package pipeline turns resolved distributions into local, validated
// wheels: registry lookups, archive fetches, git exports, isolated source
// builds, and finalization into the content-addressed cache.
//
// All side effects are idempotent. Per distribution identity the stages run
// serially behind a once-map; across identities work proceeds in parallel
// bounded by the configured concurrency.
package pipeline

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"hash"
	"hash/fnv"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	shutil "github.com/termie/go-shutil"
	"golang.org/x/sync/semaphore"

	"github.com/wheelhouse-dev/wheelhouse/build"
	"github.com/wheelhouse-dev/wheelhouse/cache"
	"github.com/wheelhouse-dev/wheelhouse/distribution"
	"github.com/wheelhouse-dev/wheelhouse/internal/fs"
	"github.com/wheelhouse-dev/wheelhouse/oncemap"
	"github.com/wheelhouse-dev/wheelhouse/pep427"
	"github.com/wheelhouse-dev/wheelhouse/vcs"
)

// Concurrency bounds the parallel stages. Zero fields take defaults derived
// from the CPU count. The pipeline enforces Downloads and Builds with
// semaphores; Installs receives a default but no stage reads it.
type Concurrency struct {
	Downloads int
	Builds    int
	Installs  int
}

// DefaultConcurrency derives sensible limits from the machine. Builds get a
// smaller share to keep memory pressure down.
func DefaultConcurrency() Concurrency {
	n := runtime.NumCPU()
	builds := n / 2
	if builds < 1 {
		builds = 1
	}
	return Concurrency{Downloads: 4 * n, Builds: builds, Installs: 2 * n}
}

func (c Concurrency) withDefaults() Concurrency {
	d := DefaultConcurrency()
	if c.Downloads <= 0 {
		c.Downloads = d.Downloads
	}
	if c.Builds <= 0 {
		c.Builds = d.Builds
	}
	if c.Installs <= 0 {
		c.Installs = d.Installs
	}
	return c
}

// A LocalWheel is the pipeline's product: a validated wheel on disk.
type LocalWheel struct {
	Dist     distribution.Dist
	Filename pep427.WheelFilename
	// Path points into the wheels bucket; the file is immutable.
	Path string
	// ArchiveHashes are the digests computed over the fetched archive
	// (the wheel itself for binary sources, the sdist for built ones).
	ArchiveHashes []distribution.HashDigest
}

// wheelResult is the shared once-map value: a finished wheel or its error.
type wheelResult struct {
	wheel LocalWheel
	err   error
}

type commitResult struct {
	commit string
	err    error
}

// Fetcher abstracts the network layer so tests can stub it; *index.Client
// is the production implementation.
type Fetcher interface {
	FetchURL(ctx context.Context, url string) (io.ReadCloser, int64, error)
}

// Pipeline coordinates distribution materialization.
type Pipeline struct {
	Cache   *cache.Cache
	Client  Fetcher
	Git     *vcs.GitSource
	Builder *build.Builder
	Logger  *logrus.Logger

	downloads *semaphore.Weighted
	builds    *semaphore.Weighted

	onceCommit *oncemap.OnceMap[string, commitResult]
	onceWheel  *oncemap.OnceMap[distribution.ID, wheelResult]
}

// New assembles a Pipeline.
func New(c *cache.Cache, client Fetcher, git *vcs.GitSource, builder *build.Builder, conc Concurrency) *Pipeline {
	conc = conc.withDefaults()
	return &Pipeline{
		Cache:      c,
		Client:     client,
		Git:        git,
		Builder:    builder,
		Logger:     logrus.StandardLogger(),
		downloads:  semaphore.NewWeighted(int64(conc.Downloads)),
		builds:     semaphore.NewWeighted(int64(conc.Builds)),
		onceCommit: oncemap.New[string, commitResult](),
		onceWheel:  oncemap.New[distribution.ID, wheelResult](),
	}
}

// ResolvePrecise pins a git distribution's reference to a commit, sharing
// in-flight resolutions keyed by (canonical URL, reference).
func (p *Pipeline) ResolvePrecise(ctx context.Context, d distribution.GitDist) (distribution.GitDist, error) {
	if d.Resolved() {
		return d, nil
	}

	u, err := cache.Canonicalize(d.URL)
	if err != nil {
		return d, err
	}
	key := u.Digest() + "@" + d.Ref.String()

	if p.onceCommit.Register(key) {
		commit, err := p.Git.ResolveRef(ctx, d.URL, d.Ref)
		p.onceCommit.Done(key, commitResult{commit: commit, err: err})
	}
	res, err := p.onceCommit.Wait(ctx, key)
	if err != nil {
		return d, err
	}
	if res.err != nil {
		return d, res.err
	}
	return d.WithCommit(res.commit), nil
}

// Wheel materializes dist into a cached wheel, satisfying policy. Identical
// concurrent requests share one execution; a second call after success is a
// pure cache hit with no network or build work.
func (p *Pipeline) Wheel(ctx context.Context, dist distribution.Dist, policy distribution.HashPolicy) (LocalWheel, error) {
	// Step: resolve precise (git only) — identity must be commit-based
	// before it can key any caches.
	if gd, ok := dist.(distribution.GitDist); ok {
		resolved, err := p.ResolvePrecise(ctx, gd)
		if err != nil {
			return LocalWheel{}, errors.Wrapf(err, "resolving %s", gd)
		}
		dist = resolved
	}

	id := dist.ID()

	// Step: locate in cache.
	if lw, ok, err := p.cachedWheel(dist, policy); err != nil {
		return LocalWheel{}, err
	} else if ok {
		return lw, nil
	}

	// Step: fetch/build, at most once per identity.
	if p.onceWheel.Register(id) {
		lw, err := p.materialize(ctx, dist, policy)
		if err != nil {
			// Publish the failure so current waiters see it. Nothing is
			// written to disk for failures, so a fresh run retries.
			p.onceWheel.Done(id, wheelResult{err: err})
		} else {
			p.onceWheel.Done(id, wheelResult{wheel: lw})
		}
	}

	res, err := p.onceWheel.Wait(ctx, id)
	if err != nil {
		return LocalWheel{}, err
	}
	if res.err != nil {
		return LocalWheel{}, res.err
	}

	// Validate against this caller's policy; other callers may require
	// different digests than the one that ran the fetch.
	if err := policy.Check(res.wheel.ArchiveHashes); err != nil {
		return LocalWheel{}, err
	}
	return res.wheel, nil
}

// entryDir returns the wheels-bucket entry directory for an identity.
func (p *Pipeline) entryDir(id distribution.ID) (string, error) {
	dir, err := p.Cache.Bucket(cache.BucketWheels)
	if err != nil {
		return "", err
	}
	h := fnv.New64a()
	h.Write([]byte(id))
	return filepath.Join(dir, fmt.Sprintf("%016x", h.Sum64())), nil
}

// cachedWheel implements the cache-lookup stage.
func (p *Pipeline) cachedWheel(dist distribution.Dist, policy distribution.HashPolicy) (LocalWheel, bool, error) {
	dir, err := p.entryDir(dist.ID())
	if err != nil {
		return LocalWheel{}, false, err
	}

	proof, err := p.freshness(dist)
	if err != nil {
		return LocalWheel{}, false, err
	}
	ok, err := p.Cache.Lookup(dir, proof)
	if err != nil || !ok {
		return LocalWheel{}, false, err
	}

	lw, err := readEntry(dist, dir)
	if err != nil {
		// Corrupt entries surface rather than being silently rebuilt.
		return LocalWheel{}, false, errors.Wrapf(err, "corrupt cache entry for %s", dist)
	}
	if err := policy.Check(lw.ArchiveHashes); err != nil {
		return LocalWheel{}, false, err
	}
	return lw, true, nil
}

// freshness computes the proof a cache entry must carry to serve dist.
func (p *Pipeline) freshness(dist distribution.Dist) (cache.Freshness, error) {
	switch d := dist.(type) {
	case distribution.GitDist:
		return cache.Freshness{Commit: d.Commit}, nil
	case distribution.PathDist:
		fi, err := os.Stat(d.Path)
		if err != nil {
			return cache.Freshness{}, errors.Wrapf(err, "stat %s", d.Path)
		}
		return cache.Freshness{ModTime: fi.ModTime()}, nil
	}
	// Registry files and URLs are immutable; identity alone suffices.
	return cache.Freshness{}, nil
}

// materialize runs fetch → validate → (build) → finalize for one identity.
func (p *Pipeline) materialize(ctx context.Context, dist distribution.Dist, policy distribution.HashPolicy) (LocalWheel, error) {
	switch d := dist.(type) {
	case distribution.RegistryDist:
		if d.File.IsWheel() {
			return p.fetchWheel(ctx, dist, d.File.URL, d.File.Filename, policy)
		}
		return p.buildFromArchive(ctx, dist, d.File.URL, d.File.Filename, "", policy)

	case distribution.DirectURLDist:
		base := remoteBasename(d.URL)
		if strings.HasSuffix(base, ".whl") {
			return p.fetchWheel(ctx, dist, d.URL, base, policy)
		}
		return p.buildFromArchive(ctx, dist, d.URL, base, d.Subdirectory, policy)

	case distribution.GitDist:
		return p.buildFromGit(ctx, d)

	case distribution.PathDist:
		return p.buildFromPath(ctx, d)
	}
	return LocalWheel{}, errors.Errorf("unsupported distribution %T", dist)
}

// fetchWheel streams a remote wheel into the cache, hashing in flight.
func (p *Pipeline) fetchWheel(ctx context.Context, dist distribution.Dist, url, filename string, policy distribution.HashPolicy) (LocalWheel, error) {
	wf, err := pep427.ParseWheelFilename(filename)
	if err != nil {
		return LocalWheel{}, err
	}

	archive, hashes, cleanup, err := p.fetchArchive(ctx, url, filename, policy)
	if err != nil {
		return LocalWheel{}, err
	}
	defer cleanup()

	if err := policy.Check(hashes); err != nil {
		return LocalWheel{}, err
	}

	return p.finalize(dist, wf, archive, hashes)
}

// buildFromArchive fetches a source archive, validates it, extracts it, and
// builds a wheel from the tree.
func (p *Pipeline) buildFromArchive(ctx context.Context, dist distribution.Dist, url, filename, subdirectory string, policy distribution.HashPolicy) (LocalWheel, error) {
	archive, hashes, cleanup, err := p.fetchArchive(ctx, url, filename, policy)
	if err != nil {
		return LocalWheel{}, err
	}
	defer cleanup()

	if err := policy.Check(hashes); err != nil {
		return LocalWheel{}, err
	}

	srcDir, err := p.Cache.TempDir(cache.BucketBuilds, "src")
	if err != nil {
		return LocalWheel{}, err
	}
	defer fs.RemoveAll(srcDir)

	if err := extractArchive(archive, srcDir); err != nil {
		return LocalWheel{}, errors.Wrapf(err, "extracting %s", filename)
	}
	root, err := sourceRoot(srcDir, subdirectory)
	if err != nil {
		return LocalWheel{}, err
	}

	return p.buildTree(ctx, dist, root, hashes)
}

// buildFromGit exports the pinned tree and builds it.
func (p *Pipeline) buildFromGit(ctx context.Context, d distribution.GitDist) (LocalWheel, error) {
	exportDir, err := p.Cache.TempDir(cache.BucketBuilds, "git")
	if err != nil {
		return LocalWheel{}, err
	}
	defer fs.RemoveAll(exportDir)

	if err := p.acquire(ctx, p.downloads); err != nil {
		return LocalWheel{}, err
	}
	err = p.Git.Export(ctx, d, exportDir)
	p.downloads.Release(1)
	if err != nil {
		return LocalWheel{}, err
	}

	root := exportDir
	if d.Subdirectory != "" {
		root = filepath.Join(exportDir, filepath.FromSlash(d.Subdirectory))
	}
	return p.buildTree(ctx, d, root, nil)
}

// buildFromPath copies the local tree (or extracts the local archive) into
// scratch space and builds it. Editable distributions take the same route:
// the wheel is built from the copy, not in place.
func (p *Pipeline) buildFromPath(ctx context.Context, d distribution.PathDist) (LocalWheel, error) {
	fi, err := os.Stat(d.Path)
	if err != nil {
		return LocalWheel{}, errors.Wrapf(err, "stat %s", d.Path)
	}

	srcDir, err := p.Cache.TempDir(cache.BucketBuilds, "path")
	if err != nil {
		return LocalWheel{}, err
	}
	defer fs.RemoveAll(srcDir)

	root := ""
	if fi.IsDir() {
		// CopyTree wants a nonexistent destination.
		root = filepath.Join(srcDir, "tree")
		if err := shutil.CopyTree(d.Path, root, nil); err != nil {
			return LocalWheel{}, errors.Wrapf(err, "copying %s", d.Path)
		}
	} else {
		if err := extractArchive(d.Path, srcDir); err != nil {
			return LocalWheel{}, err
		}
		if root, err = sourceRoot(srcDir, ""); err != nil {
			return LocalWheel{}, err
		}
	}

	return p.buildTree(ctx, d, root, nil)
}

// buildTree runs the isolated build and finalizes the produced wheel.
func (p *Pipeline) buildTree(ctx context.Context, dist distribution.Dist, root string, archiveHashes []distribution.HashDigest) (LocalWheel, error) {
	if err := p.acquire(ctx, p.builds); err != nil {
		return LocalWheel{}, err
	}
	defer p.builds.Release(1)

	wheelPath, err := p.Builder.BuildWheel(ctx, string(dist.Name()), root)
	if err != nil {
		return LocalWheel{}, err
	}
	defer fs.RemoveAll(filepath.Dir(wheelPath))

	wf, err := pep427.ParseWheelFilename(filepath.Base(wheelPath))
	if err != nil {
		return LocalWheel{}, errors.Wrap(err, "backend produced an invalid wheel name")
	}
	return p.finalize(dist, wf, wheelPath, archiveHashes)
}

// fetchArchive streams url to a temp file in the archives bucket, computing
// the policy's digests plus SHA-256 in flight. cleanup removes the temp
// file.
func (p *Pipeline) fetchArchive(ctx context.Context, url, filename string, policy distribution.HashPolicy) (path string, hashes []distribution.HashDigest, cleanup func(), err error) {
	if err := p.acquire(ctx, p.downloads); err != nil {
		return "", nil, nil, err
	}
	defer p.downloads.Release(1)

	body, _, err := p.Client.FetchURL(ctx, url)
	if err != nil {
		return "", nil, nil, err
	}
	defer body.Close()

	tmp, err := p.Cache.TempFile(cache.BucketArchives, filename)
	if err != nil {
		return "", nil, nil, err
	}
	cleanup = func() { os.Remove(tmp.Name()) }

	hashes, err = streamWithDigests(tmp, body, policy)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		cleanup()
		return "", nil, nil, errors.Wrapf(err, "downloading %s", url)
	}

	p.Logger.WithField("file", filename).Debug("fetched archive")
	return tmp.Name(), hashes, cleanup, nil
}

// streamWithDigests copies src to dst while computing the policy's digests
// (always including SHA-256, so every archive gets a recordable digest).
func streamWithDigests(dst io.Writer, src io.Reader, policy distribution.HashPolicy) ([]distribution.HashDigest, error) {
	algos := policy.Algorithms()
	hasSHA256 := false
	for _, a := range algos {
		if a == distribution.SHA256 {
			hasSHA256 = true
		}
	}
	if !hasSHA256 {
		algos = append(algos, distribution.SHA256)
	}

	writers := []io.Writer{dst}
	hashers := make([]hash.Hash, len(algos))
	for i, a := range algos {
		h, err := a.New()
		if err != nil {
			return nil, err
		}
		hashers[i] = h
		writers = append(writers, h)
	}

	if _, err := io.Copy(io.MultiWriter(writers...), src); err != nil {
		return nil, err
	}

	out := make([]distribution.HashDigest, len(algos))
	for i, a := range algos {
		out[i] = distribution.HashDigest{
			Algorithm: a,
			Digest:    hex.EncodeToString(hashers[i].Sum(nil)),
		}
	}
	return out, nil
}

// finalize stages the wheel and its recorded hashes, then renames the entry
// into the wheels bucket. Losing the rename race to a concurrent process is
// fine: entries are immutable, so the existing one is equivalent.
func (p *Pipeline) finalize(dist distribution.Dist, wf pep427.WheelFilename, wheelPath string, archiveHashes []distribution.HashDigest) (LocalWheel, error) {
	dir, err := p.entryDir(dist.ID())
	if err != nil {
		return LocalWheel{}, err
	}

	staging, err := p.Cache.TempDir(cache.BucketWheels, "finalize")
	if err != nil {
		return LocalWheel{}, err
	}

	if err := fs.RenameWithFallback(wheelPath, filepath.Join(staging, wf.Filename)); err != nil {
		fs.RemoveAll(staging)
		return LocalWheel{}, err
	}
	if err := writeEntryHashes(staging, archiveHashes); err != nil {
		fs.RemoveAll(staging)
		return LocalWheel{}, err
	}

	proof, err := p.freshness(dist)
	if err != nil {
		fs.RemoveAll(staging)
		return LocalWheel{}, err
	}
	if err := p.Cache.Commit(staging, dir, proof); err != nil {
		return LocalWheel{}, err
	}

	return readEntry(dist, dir)
}

const hashesFile = "hashes.json"

func writeEntryHashes(dir string, hashes []distribution.HashDigest) error {
	if len(hashes) == 0 {
		return nil
	}
	data, err := marshalHashes(hashes)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, hashesFile), data, 0o644)
}

// readEntry loads a finalized wheels-bucket entry.
func readEntry(dist distribution.Dist, dir string) (LocalWheel, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return LocalWheel{}, err
	}

	lw := LocalWheel{Dist: dist}
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".whl") {
			wf, err := pep427.ParseWheelFilename(e.Name())
			if err != nil {
				return LocalWheel{}, err
			}
			lw.Filename = wf
			lw.Path = filepath.Join(dir, e.Name())
		}
	}
	if lw.Path == "" {
		return LocalWheel{}, errors.Errorf("cache entry %s holds no wheel", dir)
	}

	if data, err := os.ReadFile(filepath.Join(dir, hashesFile)); err == nil {
		if lw.ArchiveHashes, err = unmarshalHashes(data); err != nil {
			return LocalWheel{}, errors.Wrapf(err, "corrupt hash record in %s", dir)
		}
	}
	return lw, nil
}

func (p *Pipeline) acquire(ctx context.Context, sem *semaphore.Weighted) error {
	if err := sem.Acquire(ctx, 1); err != nil {
		return err
	}
	return nil
}

// remoteBasename extracts the filename component of a URL, ignoring
// fragments and queries.
func remoteBasename(url string) string {
	s := url
	if i := strings.IndexAny(s, "#?"); i >= 0 {
		s = s[:i]
	}
	s = strings.TrimSuffix(s, "/")
	if i := strings.LastIndex(s, "/"); i >= 0 {
		s = s[i+1:]
	}
	return s
}

func marshalHashes(hashes []distribution.HashDigest) ([]byte, error) {
	return json.Marshal(hashes)
}

func unmarshalHashes(data []byte) ([]distribution.HashDigest, error) {
	var out []distribution.HashDigest
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

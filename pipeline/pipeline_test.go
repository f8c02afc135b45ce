package pipeline

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/wheelhouse-dev/wheelhouse/build"
	"github.com/wheelhouse-dev/wheelhouse/cache"
	"github.com/wheelhouse-dev/wheelhouse/distribution"
	"github.com/wheelhouse-dev/wheelhouse/pep440"
	"github.com/wheelhouse-dev/wheelhouse/pep503"
)

// stubFetcher serves canned bodies and counts requests.
type stubFetcher struct {
	mu       sync.Mutex
	bodies   map[string][]byte
	requests atomic.Int32
}

func (f *stubFetcher) FetchURL(_ context.Context, url string) (io.ReadCloser, int64, error) {
	f.requests.Add(1)
	f.mu.Lock()
	body, ok := f.bodies[url]
	f.mu.Unlock()
	if !ok {
		return nil, 0, os.ErrNotExist
	}
	return io.NopCloser(bytes.NewReader(body)), int64(len(body)), nil
}

func wheelBytes(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("pkg_a-1.0.0.dist-info/METADATA")
	if err != nil {
		t.Fatal(err)
	}
	io.WriteString(w, "Metadata-Version: 2.1\nName: pkg-a\nVersion: 1.0.0\n")
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func testPipeline(t *testing.T, fetcher *stubFetcher) *Pipeline {
	t.Helper()
	c, err := cache.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return New(c, fetcher, nil, build.NewBuilder(c, nil), Concurrency{})
}

func registryWheelDist(hashes []distribution.HashDigest) distribution.RegistryDist {
	return distribution.RegistryDist{
		Package:  pep503.MustPackageName("pkg-a"),
		Release:  pep440.MustParse("1.0.0"),
		IndexURL: "https://pypi.org/simple",
		File: distribution.File{
			Filename: "pkg_a-1.0.0-py3-none-any.whl",
			URL:      "https://files.example.com/pkg_a-1.0.0-py3-none-any.whl",
			Hashes:   hashes,
		},
	}
}

func TestWheelFetchAndCacheHit(t *testing.T) {
	data := wheelBytes(t)
	fetcher := &stubFetcher{bodies: map[string][]byte{
		"https://files.example.com/pkg_a-1.0.0-py3-none-any.whl": data,
	}}
	p := testPipeline(t, fetcher)
	dist := registryWheelDist(nil)

	lw, err := p.Wheel(context.Background(), dist, distribution.HashGenerate())
	if err != nil {
		t.Fatal(err)
	}

	first, err := os.ReadFile(lw.Path)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(first, data) {
		t.Error("cached wheel content differs from fetched content")
	}
	if len(lw.ArchiveHashes) == 0 {
		t.Fatal("generate policy should record a digest")
	}
	wantSum := sha256.Sum256(data)
	if lw.ArchiveHashes[0].Digest != hex.EncodeToString(wantSum[:]) {
		t.Error("recorded digest does not match content")
	}

	// Second run: byte-identical result, zero network traffic.
	before := fetcher.requests.Load()
	lw2, err := p.Wheel(context.Background(), dist, distribution.HashGenerate())
	if err != nil {
		t.Fatal(err)
	}
	second, err := os.ReadFile(lw2.Path)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(first, second) {
		t.Error("pipeline is not idempotent")
	}
	if fetcher.requests.Load() != before {
		t.Error("cache hit should perform no network I/O")
	}
}

func TestWheelSecondRunFreshPipeline(t *testing.T) {
	// A brand-new pipeline over the same cache dir must also skip the
	// network: the disk cache, not the in-memory once-map, is the source
	// of truth.
	data := wheelBytes(t)
	url := "https://files.example.com/pkg_a-1.0.0-py3-none-any.whl"
	dir := t.TempDir()
	dist := registryWheelDist(nil)

	c1, _ := cache.New(dir)
	f1 := &stubFetcher{bodies: map[string][]byte{url: data}}
	p1 := New(c1, f1, nil, build.NewBuilder(c1, nil), Concurrency{})
	if _, err := p1.Wheel(context.Background(), dist, distribution.HashNone()); err != nil {
		t.Fatal(err)
	}

	c2, _ := cache.New(dir)
	f2 := &stubFetcher{bodies: map[string][]byte{}} // would fail if touched
	p2 := New(c2, f2, nil, build.NewBuilder(c2, nil), Concurrency{})
	if _, err := p2.Wheel(context.Background(), dist, distribution.HashNone()); err != nil {
		t.Fatal(err)
	}
	if f2.requests.Load() != 0 {
		t.Error("warm cache run must not fetch")
	}
}

func TestHashValidation(t *testing.T) {
	data := wheelBytes(t)
	url := "https://files.example.com/pkg_a-1.0.0-py3-none-any.whl"
	fetcher := &stubFetcher{bodies: map[string][]byte{url: data}}
	p := testPipeline(t, fetcher)

	sum := sha256.Sum256(data)
	good := distribution.HashDigest{Algorithm: distribution.SHA256, Digest: hex.EncodeToString(sum[:])}
	bad := distribution.HashDigest{Algorithm: distribution.SHA256, Digest: strings.Repeat("0", 64)}

	if _, err := p.Wheel(context.Background(), registryWheelDist(nil), distribution.HashValidate([]distribution.HashDigest{good})); err != nil {
		t.Fatalf("matching digest should pass: %v", err)
	}

	p2 := testPipeline(t, fetcher)
	_, err := p2.Wheel(context.Background(), registryWheelDist(nil), distribution.HashValidate([]distribution.HashDigest{bad}))
	if err == nil {
		t.Fatal("mismatched digest should fail")
	}
	var mismatch *distribution.HashMismatchError
	if !errors.As(err, &mismatch) {
		t.Errorf("expected HashMismatchError, got %v", err)
	}

	// The failed artifact must not have been cached.
	dir, _ := p2.entryDir(registryWheelDist(nil).ID())
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Error("hash-mismatched artifact must never be cached")
	}
}

func TestConcurrentWheelDedup(t *testing.T) {
	data := wheelBytes(t)
	url := "https://files.example.com/pkg_a-1.0.0-py3-none-any.whl"
	fetcher := &stubFetcher{bodies: map[string][]byte{url: data}}
	p := testPipeline(t, fetcher)
	dist := registryWheelDist(nil)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := p.Wheel(context.Background(), dist, distribution.HashNone()); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	if n := fetcher.requests.Load(); n != 1 {
		t.Errorf("expected exactly 1 fetch for 20 concurrent requests, got %d", n)
	}
}

func TestRemoteBasename(t *testing.T) {
	cases := map[string]string{
		"https://x/a/b/pkg-1.0.tar.gz":         "pkg-1.0.tar.gz",
		"https://x/pkg.whl#sha256=aa":          "pkg.whl",
		"https://x/pkg.whl?token=1":            "pkg.whl",
		"https://x/dir/":                       "dir",
		"https://x/a/pkg-1.0-py3-none-any.whl": "pkg-1.0-py3-none-any.whl",
	}
	for in, want := range cases {
		if got := remoteBasename(in); got != want {
			t.Errorf("remoteBasename(%q) = %q, want %q", in, got, want)
		}
	}
}

package index

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/wheelhouse-dev/wheelhouse/cache"
	"github.com/wheelhouse-dev/wheelhouse/pep503"
)

const sampleSimpleJSON = `{
  "name": "requests",
  "files": [
    {
      "filename": "requests-2.30.0.tar.gz",
      "url": "https://files.example.com/requests-2.30.0.tar.gz",
      "hashes": {"sha256": "aaaa"},
      "requires-python": ">=3.7",
      "size": 1000,
      "upload-time": "2023-05-01T10:00:00Z"
    },
    {
      "filename": "requests-2.31.0-py3-none-any.whl",
      "url": "https://files.example.com/requests-2.31.0-py3-none-any.whl",
      "hashes": {"sha256": "bbbb", "md5": "cccc"},
      "requires-python": ">=3.7",
      "size": 2000,
      "core-metadata": {"sha256": "dddd"},
      "upload-time": "2023-05-22T10:00:00Z"
    },
    {
      "filename": "requests-2.29.0-py3-none-any.whl",
      "url": "https://files.example.com/requests-2.29.0-py3-none-any.whl",
      "hashes": {},
      "yanked": "broken release"
    }
  ]
}`

func testClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	disk, err := cache.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	c := NewClient(disk, NewRoutes(srv.URL))
	t.Cleanup(func() { c.Close() })
	return c, srv
}

func TestSimple(t *testing.T) {
	var hits atomic.Int32
	c, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.URL.Path != "/requests/" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/vnd.pypi.simple.v1+json")
		w.Write([]byte(sampleSimpleJSON))
	}))

	files, _, err := c.Simple(context.Background(), pep503.MustPackageName("requests"))
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 3 {
		t.Fatalf("expected 3 files, got %d", len(files))
	}

	wheel := files[1]
	if !wheel.IsWheel() || !wheel.HasMetadata || len(wheel.Hashes) != 2 {
		t.Errorf("wheel file parsed wrong: %+v", wheel)
	}
	if wheel.RequiresPython.String() != ">=3.7" {
		t.Errorf("requires-python = %q", wheel.RequiresPython)
	}

	yanked := files[2]
	if !yanked.Yanked || yanked.YankedReason != "broken release" {
		t.Errorf("yank parsing wrong: %+v", yanked)
	}

	// Second query must come from the response cache.
	if _, _, err := c.Simple(context.Background(), pep503.MustPackageName("requests")); err != nil {
		t.Fatal(err)
	}
	if n := hits.Load(); n != 1 {
		t.Errorf("expected 1 network hit, got %d", n)
	}
}

func TestSimpleNotFound(t *testing.T) {
	c, _ := testClient(t, http.NotFoundHandler())

	_, _, err := c.Simple(context.Background(), pep503.MustPackageName("no-such-package"))
	if err == nil {
		t.Fatal("expected error")
	}
	if _, ok := err.(*NotFoundError); !ok {
		t.Errorf("expected NotFoundError, got %T: %v", err, err)
	}
}

func TestSimpleRetriesServerErrors(t *testing.T) {
	var hits atomic.Int32
	c, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			http.Error(w, "boom", http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{"files": []}`))
	}))

	_, _, err := c.Simple(context.Background(), pep503.MustPackageName("flaky"))
	if err != nil {
		t.Fatalf("expected retries to succeed: %v", err)
	}
	if n := hits.Load(); n != 3 {
		t.Errorf("expected 3 attempts, got %d", n)
	}
}

func TestStaleCacheFallback(t *testing.T) {
	var failing atomic.Bool
	c, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if failing.Load() {
			http.Error(w, "down", http.StatusInternalServerError)
			return
		}
		w.Write([]byte(`{"files": []}`))
	}))
	c.MaxRetries = 0
	c.CacheTTL = time.Nanosecond // force staleness on the second call

	if _, _, err := c.Simple(context.Background(), pep503.MustPackageName("pkg")); err != nil {
		t.Fatal(err)
	}

	failing.Store(true)
	time.Sleep(time.Millisecond)
	if _, _, err := c.Simple(context.Background(), pep503.MustPackageName("pkg")); err != nil {
		t.Fatalf("stale cache should have served the outage: %v", err)
	}
}

func TestRoutes(t *testing.T) {
	r := NewRoutes("https://pypi.org/simple/")
	r.Pin(pep503.MustPackageName("secret-sauce"), "https://internal.example.com/simple")
	r.PinPrefix("acme-", "https://acme.example.com/simple/")

	if got := r.IndexFor(pep503.MustPackageName("requests")); got != "https://pypi.org/simple" {
		t.Errorf("default route = %q", got)
	}
	if got := r.IndexFor(pep503.MustPackageName("secret-sauce")); got != "https://internal.example.com/simple" {
		t.Errorf("pinned route = %q", got)
	}
	if got := r.IndexFor(pep503.MustPackageName("acme-widgets")); got != "https://acme.example.com/simple" {
		t.Errorf("prefix route = %q", got)
	}
}

func TestRangeReader(t *testing.T) {
	content := []byte("0123456789abcdef")
	c, srv := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.ServeContent(w, r, "file.bin", time.Time{}, bytes.NewReader(content))
	}))

	rr, ok, err := c.NewRangeReader(context.Background(), srv.URL+"/file.bin")
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("httptest.ServeContent supports ranges")
	}
	if rr.Size() != int64(len(content)) {
		t.Errorf("size = %d", rr.Size())
	}

	buf := make([]byte, 4)
	n, err := rr.ReadAt(buf, 10)
	if err != nil {
		t.Fatal(err)
	}
	if n != 4 || string(buf) != "abcd" {
		t.Errorf("ReadAt = %q (%d)", buf[:n], n)
	}
}

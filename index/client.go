// Package index implements the package-index client: the simple API in its
// JSON form, persistent response caching, bounded retries, range requests
// for metadata peeks, and routing of package names across multiple indexes.
package index

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/boltdb/bolt"
	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/wheelhouse-dev/wheelhouse/cache"
	"github.com/wheelhouse-dev/wheelhouse/distribution"
	"github.com/wheelhouse-dev/wheelhouse/pep440"
	"github.com/wheelhouse-dev/wheelhouse/pep503"
)

// DefaultIndexURL is the public index.
const DefaultIndexURL = "https://pypi.org/simple"

const simpleMediaType = "application/vnd.pypi.simple.v1+json"

// boltBucket is the single bucket inside the simple-index database.
var boltBucket = []byte("simple")

// Client answers simple-API queries with caching and retry.
type Client struct {
	HTTPClient *http.Client
	UserAgent  string
	// MaxRetries bounds retry attempts for transient network errors.
	// Non-retryable responses (404, malformed bodies) fail immediately.
	MaxRetries uint64
	// CacheTTL is how long a cached simple response stays fresh. Stale
	// entries are refetched; on network failure a stale entry is still
	// served as a fallback.
	CacheTTL time.Duration
	Routes   *Routes
	Logger   *logrus.Logger

	diskCache *cache.Cache

	mu sync.Mutex
	db *bolt.DB
}

// NewClient builds a Client over the shared disk cache.
func NewClient(diskCache *cache.Cache, routes *Routes) *Client {
	return &Client{
		HTTPClient: &http.Client{Timeout: 5 * time.Minute},
		UserAgent:  "wheelhouse",
		MaxRetries: 3,
		CacheTTL:   10 * time.Minute,
		Routes:     routes,
		Logger:     logrus.StandardLogger(),
		diskCache:  diskCache,
	}
}

// Close releases the response cache database.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.db == nil {
		return nil
	}
	err := c.db.Close()
	c.db = nil
	return err
}

// NotFoundError reports a 404 from the index: the package does not exist
// there. It is not retryable; the resolver turns it into a "no versions"
// incompatibility.
type NotFoundError struct {
	Package pep503.PackageName
	Index   string
}

func (e *NotFoundError) Error() string {
	return "package " + string(e.Package) + " not found on " + e.Index
}

// Simple returns the file list for a package from its routed index, in the
// order the index lists them. The raw response is cached on disk; within CacheTTL
// the network is not touched at all.
func (c *Client) Simple(ctx context.Context, name pep503.PackageName) ([]distribution.File, string, error) {
	indexURL := c.Routes.IndexFor(name)
	requestURL := strings.TrimSuffix(indexURL, "/") + "/" + string(name) + "/"

	body, err := c.cachedGet(ctx, requestURL, name, indexURL)
	if err != nil {
		return nil, indexURL, err
	}

	files, err := parseSimpleResponse(body)
	if err != nil {
		return nil, indexURL, errors.Wrapf(err, "malformed simple response for %s from %s", name, indexURL)
	}
	return files, indexURL, nil
}

// cachedGet serves the URL from the response cache when fresh, fetching and
// recording it otherwise.
func (c *Client) cachedGet(ctx context.Context, requestURL string, name pep503.PackageName, indexURL string) ([]byte, error) {
	key, err := cache.Canonicalize(requestURL)
	if err != nil {
		return nil, err
	}

	if body, fresh := c.readCached(key); fresh {
		return body, nil
	}

	body, err := c.fetchSimple(ctx, requestURL, name, indexURL)
	if err != nil {
		var nf *NotFoundError
		if !errors.As(err, &nf) {
			// Serve a stale cached copy over a network failure.
			if body, _ := c.readCachedAny(key); body != nil {
				c.Logger.WithField("url", requestURL).Warn("index unreachable, serving stale cached response")
				return body, nil
			}
		}
		return nil, err
	}

	c.writeCached(key, body)
	return body, nil
}

func (c *Client) fetchSimple(ctx context.Context, requestURL string, name pep503.PackageName, indexURL string) ([]byte, error) {
	var body []byte

	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Accept", simpleMediaType)
		req.Header.Set("User-Agent", c.UserAgent)

		resp, err := c.HTTPClient.Do(req)
		if err != nil {
			return err // transient; retry
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusOK:
		case resp.StatusCode == http.StatusNotFound:
			return backoff.Permanent(&NotFoundError{Package: name, Index: indexURL})
		case resp.StatusCode >= 500:
			return errors.Errorf("index returned %s", resp.Status)
		default:
			return backoff.Permanent(errors.Errorf("index returned %s", resp.Status))
		}

		body, err = io.ReadAll(resp.Body)
		return err
	}

	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), c.MaxRetries), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		return nil, err
	}
	return body, nil
}

// cachedResponse is the bolt record for one simple-API response.
type cachedResponse struct {
	FetchedAt time.Time `json:"fetched_at"`
	Body      []byte    `json:"body"`
}

func (c *Client) openDB() (*bolt.DB, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.db != nil {
		return c.db, nil
	}
	if c.diskCache == nil {
		return nil, errors.New("index client has no disk cache")
	}

	dir, err := c.diskCache.Bucket(cache.BucketSimpleIndexes)
	if err != nil {
		return nil, err
	}
	db, err := bolt.Open(dir+"/responses.db", 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, errors.Wrap(err, "opening simple-index cache")
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(boltBucket)
		return err
	}); err != nil {
		db.Close()
		return nil, err
	}
	c.db = db
	return db, nil
}

func (c *Client) readCached(key cache.CanonicalURL) ([]byte, bool) {
	body, fetchedAt := c.readCachedAny(key)
	if body == nil {
		return nil, false
	}
	return body, time.Since(fetchedAt) < c.CacheTTL
}

func (c *Client) readCachedAny(key cache.CanonicalURL) ([]byte, time.Time) {
	db, err := c.openDB()
	if err != nil {
		return nil, time.Time{}
	}

	var rec cachedResponse
	err = db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(boltBucket).Get([]byte(key.Digest()))
		if raw == nil {
			return errors.New("miss")
		}
		return json.Unmarshal(raw, &rec)
	})
	if err != nil {
		return nil, time.Time{}
	}
	return rec.Body, rec.FetchedAt
}

func (c *Client) writeCached(key cache.CanonicalURL, body []byte) {
	db, err := c.openDB()
	if err != nil {
		return
	}
	raw, err := json.Marshal(cachedResponse{FetchedAt: time.Now(), Body: body})
	if err != nil {
		return
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(boltBucket).Put([]byte(key.Digest()), raw)
	}); err != nil {
		c.Logger.WithError(err).Debug("cannot record simple response")
	}
}

// simpleFile mirrors the JSON simple API file object.
type simpleFile struct {
	Filename       string            `json:"filename"`
	URL            string            `json:"url"`
	Hashes         map[string]string `json:"hashes"`
	RequiresPython string            `json:"requires-python"`
	Size           int64             `json:"size"`
	UploadTime     string            `json:"upload-time"`
	Yanked         json.RawMessage   `json:"yanked"`
	CoreMetadata   json.RawMessage   `json:"core-metadata"`
}

type simpleResponse struct {
	Files []simpleFile `json:"files"`
}

func parseSimpleResponse(body []byte) ([]distribution.File, error) {
	var resp simpleResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, err
	}

	files := make([]distribution.File, 0, len(resp.Files))
	for _, sf := range resp.Files {
		f := distribution.File{
			Filename: sf.Filename,
			URL:      sf.URL,
			Size:     sf.Size,
		}

		for algo, digest := range sf.Hashes {
			d, err := distribution.ParseHashDigest(algo + ":" + digest)
			if err != nil {
				continue // unknown algorithms are skipped, not fatal
			}
			f.Hashes = append(f.Hashes, d)
		}
		sort.Slice(f.Hashes, func(i, j int) bool {
			return f.Hashes[i].Algorithm < f.Hashes[j].Algorithm
		})

		if sf.RequiresPython != "" {
			spec, err := pep440.ParseSpecifiers(sf.RequiresPython)
			if err == nil {
				f.RequiresPython = spec
			}
		}

		if len(sf.UploadTime) > 0 {
			if ts, err := time.Parse(time.RFC3339, sf.UploadTime); err == nil {
				f.UploadTime = ts
			}
		}

		// "yanked" is false, true, or a reason string.
		if len(sf.Yanked) > 0 {
			var reason string
			var flag bool
			if err := json.Unmarshal(sf.Yanked, &reason); err == nil {
				f.Yanked = true
				f.YankedReason = reason
			} else if err := json.Unmarshal(sf.Yanked, &flag); err == nil {
				f.Yanked = flag
			}
		}

		// "core-metadata" is false, true, or a hash object.
		if len(sf.CoreMetadata) > 0 && string(sf.CoreMetadata) != "false" {
			f.HasMetadata = true
		}

		files = append(files, f)
	}

	return files, nil
}

// FetchURL streams an arbitrary artifact URL with the same retry policy as
// index queries. The caller owns the response body.
func (c *Client) FetchURL(ctx context.Context, rawURL string) (io.ReadCloser, int64, error) {
	if _, err := url.Parse(rawURL); err != nil {
		return nil, 0, errors.Wrapf(err, "invalid artifact URL")
	}

	var rc io.ReadCloser
	var size int64

	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("User-Agent", c.UserAgent)

		resp, err := c.HTTPClient.Do(req)
		if err != nil {
			return err
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			if resp.StatusCode >= 500 {
				return errors.Errorf("fetching %s: %s", rawURL, resp.Status)
			}
			return backoff.Permanent(errors.Errorf("fetching %s: %s", rawURL, resp.Status))
		}
		rc = resp.Body
		size = resp.ContentLength
		return nil
	}

	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), c.MaxRetries), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		return nil, 0, err
	}
	return rc, size, nil
}

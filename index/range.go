package index

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/pkg/errors"

	"github.com/wheelhouse-dev/wheelhouse/pep427"
)

// A RangeReader is an io.ReaderAt over a remote file, implemented with HTTP
// range requests. It lets zip machinery peek at a wheel's central directory
// and METADATA member without downloading the archive.
type RangeReader struct {
	client *Client
	ctx    context.Context
	url    string
	size   int64
}

// NewRangeReader probes url with a HEAD request to learn its size and
// whether the server honors ranges. ok is false when ranges are
// unsupported; callers then fall back to a full download.
func (c *Client) NewRangeReader(ctx context.Context, url string) (r *RangeReader, ok bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return nil, false, err
	}
	req.Header.Set("User-Agent", c.UserAgent)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, false, err
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, false, errors.Errorf("HEAD %s: %s", url, resp.Status)
	}
	if resp.Header.Get("Accept-Ranges") != "bytes" || resp.ContentLength < 0 {
		return nil, false, nil
	}

	return &RangeReader{client: c, ctx: ctx, url: url, size: resp.ContentLength}, true, nil
}

// Size returns the remote file's length.
func (r *RangeReader) Size() int64 { return r.size }

// ReadAt fetches p's worth of bytes at off with a single range request.
func (r *RangeReader) ReadAt(p []byte, off int64) (int, error) {
	if off >= r.size {
		return 0, io.EOF
	}
	end := off + int64(len(p)) - 1
	if end >= r.size {
		end = r.size - 1
	}

	req, err := http.NewRequestWithContext(r.ctx, http.MethodGet, r.url, nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("User-Agent", r.client.UserAgent)
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", off, end))

	resp, err := r.client.HTTPClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusPartialContent {
		return 0, errors.Errorf("range request to %s returned %s", r.url, resp.Status)
	}

	n, err := io.ReadFull(resp.Body, p[:end-off+1])
	if err == io.ErrUnexpectedEOF {
		err = io.EOF
	}
	if err == nil && int64(n) == r.size-off && int64(len(p)) > int64(n) {
		err = io.EOF
	}
	return n, err
}

// PeekMetadata reads a remote wheel's core metadata through range requests
// alone. ok is false when the server cannot serve ranges or the peek fails;
// the caller then falls back to a full download.
func (c *Client) PeekMetadata(ctx context.Context, url string) (*pep427.Metadata, bool, error) {
	r, ok, err := c.NewRangeReader(ctx, url)
	if err != nil || !ok {
		return nil, false, err
	}
	md, err := pep427.MetadataFromReaderAt(r, r.Size())
	if err != nil {
		return nil, false, nil
	}
	return md, true, nil
}

// FetchMetadata retrieves the standalone core-metadata document for a file
// (PEP 658): the file's URL with ".metadata" appended.
func (c *Client) FetchMetadata(ctx context.Context, fileURL string) ([]byte, error) {
	rc, _, err := c.FetchURL(ctx, fileURL+".metadata")
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

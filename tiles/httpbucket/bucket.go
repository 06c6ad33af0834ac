// Package httpbucket provides the byte-range-read abstraction container
// readers use to fetch directory and tile bytes, whether the archive
// lives on local disk, behind an HTTP(S) endpoint, or in a cloud object
// store. Grounded on the teacher's pmtiles/bucket.go Bucket interface and
// its FileBucket/HTTPBucket/BucketAdapter implementations; gocloud.dev/blob
// backs the generic object-store path exactly as the teacher wires it.
//
// The HTTP implementation adds the retry-with-backoff behavior spec.md
// calls for and the teacher's HTTPBucket lacks: transient failures
// (connection errors, timeouts, body reads that fail mid-stream) retry up
// to three times (four attempts in all) with 1s/2s/4s backoff, while non-transient HTTP
// status codes fail immediately.
package httpbucket

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"gocloud.dev/blob"
)

// RangeBucket abstracts a byte-addressable store: local files, HTTP range
// requests, or a gocloud.dev object store.
type RangeBucket interface {
	Close() error
	NewRangeReader(ctx context.Context, key string, offset, length int64) (io.ReadCloser, error)
	NewRangeReaderEtag(ctx context.Context, key string, offset, length int64, etag string) (io.ReadCloser, string, error)
}

// RefreshRequiredError signals the remote object changed since the etag
// was captured (an If-Match mismatch, or a 412/416 response).
type RefreshRequiredError struct {
	StatusCode int
}

func (e *RefreshRequiredError) Error() string {
	return fmt.Sprintf("httpbucket: remote object changed (HTTP %d)", e.StatusCode)
}

func isRefreshRequiredCode(code int) bool {
	return code == http.StatusPreconditionFailed || code == http.StatusRequestedRangeNotSatisfiable
}

// FileBucket is a RangeBucket backed by a directory on local disk.
type FileBucket struct {
	Path string
}

func (b FileBucket) NewRangeReader(ctx context.Context, key string, offset, length int64) (io.ReadCloser, error) {
	body, _, err := b.NewRangeReaderEtag(ctx, key, offset, length, "")
	return body, err
}

func (b FileBucket) NewRangeReaderEtag(_ context.Context, key string, offset, length int64, etag string) (io.ReadCloser, string, error) {
	name := filepath.Join(b.Path, key)
	file, err := os.Open(name)
	if err != nil {
		return nil, "", err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return nil, "", err
	}
	sum := md5.Sum([]byte(fmt.Sprintf("%d %d", info.ModTime().UnixNano(), info.Size())))
	newEtag := fmt.Sprintf(`"%s"`, hex.EncodeToString(sum[:]))
	if etag != "" && etag != newEtag {
		return nil, "", &RefreshRequiredError{}
	}

	result := make([]byte, length)
	n, err := file.ReadAt(result, offset)
	if err != nil {
		return nil, "", err
	}
	if n != int(length) {
		return nil, "", fmt.Errorf("httpbucket: expected to read %d bytes but read %d", length, n)
	}
	return io.NopCloser(bytes.NewReader(result)), newEtag, nil
}

func (b FileBucket) Close() error { return nil }

// HTTPClient lets tests swap out the default client with a mock one.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// RetryPolicy controls HTTPBucket's retry-with-backoff behavior.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

// DefaultRetryPolicy retries transient failures 3 times (4 attempts in
// all) with 1s/2s/4s exponential backoff.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 4, BaseDelay: time.Second}
}

// HTTPBucket is a RangeBucket backed by HTTP range requests.
type HTTPBucket struct {
	BaseURL string
	Client  HTTPClient
	Retry   RetryPolicy
}

// NewHTTPBucket returns an HTTPBucket using http.DefaultClient and
// DefaultRetryPolicy.
func NewHTTPBucket(baseURL string) HTTPBucket {
	return HTTPBucket{BaseURL: baseURL, Client: http.DefaultClient, Retry: DefaultRetryPolicy()}
}

func (b HTTPBucket) NewRangeReader(ctx context.Context, key string, offset, length int64) (io.ReadCloser, error) {
	body, _, err := b.NewRangeReaderEtag(ctx, key, offset, length, "")
	return body, err
}

func (b HTTPBucket) NewRangeReaderEtag(ctx context.Context, key string, offset, length int64, etag string) (io.ReadCloser, string, error) {
	retry := b.Retry
	if retry.MaxAttempts <= 0 {
		retry = DefaultRetryPolicy()
	}

	var lastErr error
	delay := retry.BaseDelay
	for attempt := 1; attempt <= retry.MaxAttempts; attempt++ {
		body, gotEtag, err := b.attemptRangeRead(ctx, key, offset, length, etag)
		if err == nil {
			return body, gotEtag, nil
		}
		lastErr = err
		if !isTransient(err) || attempt == retry.MaxAttempts {
			return nil, "", err
		}
		select {
		case <-ctx.Done():
			return nil, "", ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return nil, "", lastErr
}

func (b HTTPBucket) attemptRangeRead(ctx context.Context, key string, offset, length int64, etag string) (io.ReadCloser, string, error) {
	reqURL := b.BaseURL + "/" + key
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, "", err
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", offset, offset+length-1))
	if etag != "" {
		req.Header.Set("If-Match", etag)
	}

	resp, err := b.Client.Do(req)
	if err != nil {
		return nil, "", err
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		resp.Body.Close()
		if isRefreshRequiredCode(resp.StatusCode) {
			return nil, "", &RefreshRequiredError{resp.StatusCode}
		}
		return nil, "", fmt.Errorf("httpbucket: HTTP error %d fetching %s", resp.StatusCode, reqURL)
	}

	data, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return nil, "", err
	}
	return io.NopCloser(bytes.NewReader(data)), resp.Header.Get("ETag"), nil
}

// isTransient reports whether err is worth retrying: network-level
// connection failures, timeouts, or a body read that failed mid-stream.
// A RefreshRequiredError or a non-2xx status is never transient.
func isTransient(err error) bool {
	var refresh *RefreshRequiredError
	if errors.As(err, &refresh) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return true
	}
	return errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF)
}

func (b HTTPBucket) Close() error { return nil }

// BucketAdapter wraps a gocloud.dev/blob.Bucket to satisfy RangeBucket,
// for object stores (S3, GCS, Azure) beyond plain HTTP and local files.
type BucketAdapter struct {
	Bucket *blob.Bucket
}

func (a BucketAdapter) NewRangeReader(ctx context.Context, key string, offset, length int64) (io.ReadCloser, error) {
	body, _, err := a.NewRangeReaderEtag(ctx, key, offset, length, "")
	return body, err
}

func (a BucketAdapter) NewRangeReaderEtag(ctx context.Context, key string, offset, length int64, _ string) (io.ReadCloser, string, error) {
	reader, err := a.Bucket.NewRangeReader(ctx, key, offset, length, nil)
	if err != nil {
		return nil, "", err
	}
	return reader, "", nil
}

func (a BucketAdapter) Close() error { return a.Bucket.Close() }

// NormalizeBucketKey splits a path or URL into a bucket base and a key
// within it, matching the teacher's NormalizeBucketKey. Generalized beyond
// the teacher's http-only special case: any key carrying a "scheme://"
// prefix (http(s), or a gocloud.dev/blob scheme like s3/gs/azblob) is split
// into its bucket-root URL and trailing path component the same way, so
// callers can pass a single combined URI for any bucket kind.
func NormalizeBucketKey(bucket, prefix, key string) (string, string, error) {
	if bucket != "" {
		return bucket, key, nil
	}
	if i := strings.Index(key, "://"); i > 0 {
		u, err := url.Parse(key)
		if err != nil {
			return "", "", err
		}
		dir, file := path.Split(u.Path)
		dir = strings.TrimSuffix(dir, "/")
		return u.Scheme + "://" + u.Host + dir, file, nil
	}
	fileProtocol := "file://"
	if string(os.PathSeparator) != "/" {
		fileProtocol += "/"
	}
	if prefix != "" {
		abs, err := filepath.Abs(prefix)
		if err != nil {
			return "", "", err
		}
		return fileProtocol + filepath.ToSlash(abs), key, nil
	}
	abs, err := filepath.Abs(key)
	if err != nil {
		return "", "", err
	}
	return fileProtocol + filepath.ToSlash(filepath.Dir(abs)), filepath.Base(abs), nil
}

// OpenBucket dispatches on the URL scheme: http(s):// gets an HTTPBucket,
// file:// a FileBucket, anything else is handed to gocloud.dev/blob.
func OpenBucket(ctx context.Context, bucketURL, bucketPrefix string) (RangeBucket, error) {
	if strings.HasPrefix(bucketURL, "http") {
		return NewHTTPBucket(bucketURL), nil
	}
	if strings.HasPrefix(bucketURL, "file") {
		fileProtocol := "file://"
		if string(os.PathSeparator) != "/" {
			fileProtocol += "/"
		}
		p := strings.Replace(bucketURL, fileProtocol, "", 1)
		return FileBucket{Path: filepath.FromSlash(p)}, nil
	}
	b, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, err
	}
	if bucketPrefix != "" && bucketPrefix != "/" && bucketPrefix != "." {
		b = blob.PrefixedBucket(b, path.Clean(bucketPrefix)+string(os.PathSeparator))
	}
	return BucketAdapter{Bucket: b}, nil
}

package httpbucket

import (
	"context"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedClient struct {
	responses []func() (*http.Response, error)
	calls     int
}

func (c *scriptedClient) Do(req *http.Request) (*http.Response, error) {
	i := c.calls
	c.calls++
	if i >= len(c.responses) {
		i = len(c.responses) - 1
	}
	return c.responses[i]()
}

func okResponse(body string) (*http.Response, error) {
	return &http.Response{
		StatusCode: http.StatusPartialContent,
		Body:       io.NopCloser(newStringReader(body)),
		Header:     http.Header{"ETag": []string{`"abc"`}},
	}, nil
}

func newStringReader(s string) *stringReadCloser {
	return &stringReadCloser{s: s}
}

type stringReadCloser struct {
	s   string
	pos int
}

func (r *stringReadCloser) Read(p []byte) (int, error) {
	if r.pos >= len(r.s) {
		return 0, io.EOF
	}
	n := copy(p, r.s[r.pos:])
	r.pos += n
	return n, nil
}

func TestHTTPBucketRetriesTransientFailures(t *testing.T) {
	attempts := 0
	client := &scriptedClient{responses: []func() (*http.Response, error){
		func() (*http.Response, error) { attempts++; return nil, &mockNetError{} },
		func() (*http.Response, error) { attempts++; return nil, &mockNetError{} },
		func() (*http.Response, error) { attempts++; return okResponse("hello") },
	}}
	b := HTTPBucket{BaseURL: "http://example.test", Client: client, Retry: RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond}}

	rc, err := b.NewRangeReader(context.Background(), "tiles.pmtiles", 0, 5)
	require.NoError(t, err)
	data, _ := io.ReadAll(rc)
	assert.Equal(t, "hello", string(data))
	assert.Equal(t, 3, attempts)
}

func TestHTTPBucketDoesNotRetryNonTransientStatus(t *testing.T) {
	client := &scriptedClient{responses: []func() (*http.Response, error){
		func() (*http.Response, error) {
			return &http.Response{StatusCode: http.StatusNotFound, Body: io.NopCloser(newStringReader(""))}, nil
		},
	}}
	b := HTTPBucket{BaseURL: "http://example.test", Client: client, Retry: RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond}}

	_, err := b.NewRangeReader(context.Background(), "tiles.pmtiles", 0, 5)
	require.Error(t, err)
	assert.Equal(t, 1, client.calls)
}

type mockNetError struct{}

func (e *mockNetError) Error() string   { return "mock network error" }
func (e *mockNetError) Timeout() bool   { return true }
func (e *mockNetError) Temporary() bool { return true }

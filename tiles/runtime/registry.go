// Package runtime implements TilesRuntime: the shared execution context
// (format registry, cache, event bus, progress) every container
// reader/writer and the VPL factory run inside (spec.md §4.10).
//
// Grounded on the teacher's pmtiles/bucket.go OpenBucket/NormalizeBucketKey
// driver-prefix resolution and pmtiles/server.go's cache/dispatch
// machinery, generalized from "always PMTiles" to the multi-format
// registry spec.md §4.10 requires.
package runtime

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/tiledepot/tilekit/tiles/dircontainer"
	"github.com/tiledepot/tilekit/tiles/httpbucket"
	"github.com/tiledepot/tilekit/tiles/mbtiles"
	"github.com/tiledepot/tilekit/tiles/pmtiles"
	"github.com/tiledepot/tilekit/tiles/source"
	"github.com/tiledepot/tilekit/tiles/tarcontainer"
	"github.com/tiledepot/tilekit/tiles/versatiles"
)

// cloudBucketSchemes are the gocloud.dev/blob driver schemes registered by
// cmd/tilekit's blank imports (azureblob, gcsblob, s3blob), mirroring the
// teacher's main.go set. "file" is excluded here since it is already a
// known driver prefix handled by openByDriver.
var cloudBucketSchemes = map[string]bool{"s3": true, "gs": true, "azblob": true}

// ReaderFactory opens a reader for a resolved local path or bucket key.
type ReaderFactory func(ctx context.Context, bucket httpbucket.RangeBucket, key string) (source.TileSource, error)

// ContainerRegistry maps a lowercase file extension to the reader factory
// that handles it. Immutable after NewContainerRegistry returns, except
// for the one-time SetVPLFactory wiring New performs, per spec.md §5
// ("Runtime registry: immutable after build").
type ContainerRegistry struct {
	readers map[string]ReaderFactory
	vpl     func(ctx context.Context, text string) (source.TileSource, error)
}

// NewContainerRegistry builds the registry with every built-in container
// format wired in. The "vpl:" driver prefix is inert until SetVPLFactory
// is called (New does this once, after constructing a vpl.Factory over
// this same registry, to break the registry<->vpl.Factory construction
// cycle without an import cycle: vpl.Factory depends on this type only
// through the ReaderOpener interface).
func NewContainerRegistry() *ContainerRegistry {
	r := &ContainerRegistry{readers: make(map[string]ReaderFactory)}
	r.readers["mbtiles"] = func(ctx context.Context, _ httpbucket.RangeBucket, key string) (source.TileSource, error) {
		return mbtiles.OpenReader(ctx, key)
	}
	r.readers["pmtiles"] = func(ctx context.Context, bucket httpbucket.RangeBucket, key string) (source.TileSource, error) {
		return pmtiles.OpenReader(ctx, bucket, key)
	}
	r.readers["versatiles"] = func(ctx context.Context, bucket httpbucket.RangeBucket, key string) (source.TileSource, error) {
		return versatiles.OpenReader(ctx, bucket, key)
	}
	r.readers["tar"] = func(ctx context.Context, _ httpbucket.RangeBucket, key string) (source.TileSource, error) {
		return tarcontainer.OpenReader(ctx, key)
	}
	return r
}

// GetReaderFromString resolves uri to a reader per spec.md §4.10's rules:
//  1. http(s)://... -> HTTP-backed reader chosen by URL extension.
//  2. s3://, gs://, azblob://... -> gocloud.dev/blob-backed reader (see
//     cmd/tilekit's blank driver imports) chosen by key extension.
//  3. a local path with a known extension -> local reader.
//  4. a path that is a directory -> directory reader.
//  5. a "driver:rest" prefix overrides extension sniffing ("-" reads
//     stdin into memory; "vpl:..." recurses into the pipeline factory).
func (reg *ContainerRegistry) GetReaderFromString(ctx context.Context, uri string) (source.TileSource, error) {
	if driver, rest, ok := splitDriverPrefix(uri); ok {
		return reg.openByDriver(ctx, driver, rest)
	}
	if strings.HasPrefix(uri, "http://") || strings.HasPrefix(uri, "https://") {
		return reg.openHTTP(ctx, uri)
	}
	if scheme := uriScheme(uri); cloudBucketSchemes[scheme] {
		return reg.openCloudBucket(ctx, uri)
	}
	if info, err := os.Stat(uri); err == nil && info.IsDir() {
		return dircontainer.OpenReader(ctx, uri)
	}
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(uri), "."))
	factory, ok := reg.readers[ext]
	if !ok {
		return nil, fmt.Errorf("runtime: no reader registered for extension %q (from %q)", ext, uri)
	}
	return factory(ctx, httpbucket.FileBucket{}, uri)
}

func uriScheme(uri string) string {
	i := strings.Index(uri, "://")
	if i <= 0 {
		return ""
	}
	return uri[:i]
}

// openCloudBucket resolves a combined "scheme://bucket/dir/key.ext" URI via
// httpbucket.NormalizeBucketKey + httpbucket.OpenBucket (the teacher's
// bucket.go pair, generalized to accept the combined form) and dispatches
// on key's extension.
func (reg *ContainerRegistry) openCloudBucket(ctx context.Context, uri string) (source.TileSource, error) {
	bucketURL, key, err := httpbucket.NormalizeBucketKey("", "", uri)
	if err != nil {
		return nil, fmt.Errorf("runtime: normalize bucket uri %q: %w", uri, err)
	}
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(key), "."))
	factory, ok := reg.readers[ext]
	if !ok {
		return nil, fmt.Errorf("runtime: no reader registered for extension %q (from %q)", ext, uri)
	}
	bucket, err := httpbucket.OpenBucket(ctx, bucketURL, "")
	if err != nil {
		return nil, fmt.Errorf("runtime: open bucket %q: %w", bucketURL, err)
	}
	return factory(ctx, bucket, key)
}

// splitDriverPrefix recognizes "driver:rest" prefixes (spec.md §4.10's
// rule 4), distinct from Windows drive letters or URL schemes already
// handled by the http(s):// check above.
func splitDriverPrefix(uri string) (driver, rest string, ok bool) {
	i := strings.Index(uri, ":")
	if i <= 0 {
		return "", "", false
	}
	driver = uri[:i]
	if strings.Contains(driver, "/") || strings.Contains(driver, "\\") {
		return "", "", false
	}
	switch driver {
	case "http", "https":
		return "", "", false
	}
	if _, known := knownDrivers[driver]; !known {
		return "", "", false
	}
	return driver, uri[i+1:], true
}

var knownDrivers = map[string]bool{
	"vpl": true, "mbtiles": true, "pmtiles": true, "versatiles": true,
	"tar": true, "dir": true, "file": true,
}

func (reg *ContainerRegistry) openByDriver(ctx context.Context, driver, rest string) (source.TileSource, error) {
	switch driver {
	case "vpl":
		if reg.vpl == nil {
			return nil, fmt.Errorf("runtime: no VPL factory wired into this registry")
		}
		text := rest
		if rest == "-" {
			data, err := io.ReadAll(os.Stdin)
			if err != nil {
				return nil, fmt.Errorf("runtime: read stdin: %w", err)
			}
			text = string(data)
		}
		return reg.vpl(ctx, text)
	case "dir", "file":
		return dircontainer.OpenReader(ctx, rest)
	default:
		factory, ok := reg.readers[driver]
		if !ok {
			return nil, fmt.Errorf("runtime: unknown driver %q", driver)
		}
		return factory(ctx, httpbucket.FileBucket{}, rest)
	}
}

func (reg *ContainerRegistry) openHTTP(ctx context.Context, uri string) (source.TileSource, error) {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(uri), "."))
	factory, ok := reg.readers[ext]
	if !ok {
		return nil, fmt.Errorf("runtime: no HTTP reader registered for extension %q (from %q)", ext, uri)
	}
	i := strings.LastIndex(uri, "/")
	if i < 0 {
		return nil, fmt.Errorf("runtime: malformed HTTP URI %q", uri)
	}
	base, key := uri[:i], uri[i+1:]
	bucket := httpbucket.NewHTTPBucket(base)
	return factory(ctx, bucket, key)
}

// OpenReader implements vpl.ReaderOpener, letting the VPL factory resolve
// from_container's filename argument through this same registry.
func (reg *ContainerRegistry) OpenReader(ctx context.Context, uri string) (source.TileSource, error) {
	return reg.GetReaderFromString(ctx, uri)
}

// SetVPLFactory wires fn as the handler for "vpl:" driver-prefixed URIs.
// Called exactly once, by New, after building a vpl.Factory over this
// registry.
func (reg *ContainerRegistry) SetVPLFactory(fn func(ctx context.Context, text string) (source.TileSource, error)) {
	reg.vpl = fn
}

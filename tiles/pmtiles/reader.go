package pmtiles

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/tiledepot/tilekit/tiles"
	"github.com/tiledepot/tilekit/tiles/cache"
	"github.com/tiledepot/tilekit/tiles/codec"
	"github.com/tiledepot/tilekit/tiles/httpbucket"
	"github.com/tiledepot/tilekit/tiles/source"
	"github.com/tiledepot/tilekit/tiles/stream"
)

// maxLeafDepth bounds leaf-directory dereferencing so a corrupt archive
// with a pointer cycle cannot hang a lookup; three levels (root -> leaf ->
// leaf-of-leaf) is more than any writer in this package ever produces.
const maxLeafDepth = 3

// defaultLeafCacheBytes is the byte budget for cached, decompressed leaf
// directory bytes, matching spec.md §4.4's ~100 MiB figure.
const defaultLeafCacheBytes = 100 << 20

// Reader is a source.TileSource backed by a PMTiles v3 archive.
type Reader struct {
	bucket   httpbucket.RangeBucket
	key      string
	header   HeaderV3
	metadata map[string]interface{}
	root     []EntryV3
	leafCache *cache.LimitedCache[tiles.ByteRange, tiles.Blob]
	tileJSON *source.TileJSON
	meta     source.TileSourceMetadata
}

// OpenReader fetches the header, root directory, and metadata from bucket
// at key and returns a ready Reader.
func OpenReader(ctx context.Context, bucket httpbucket.RangeBucket, key string) (*Reader, error) {
	headerBytes, err := readRange(ctx, bucket, key, 0, HeaderV3LenBytes)
	if err != nil {
		return nil, fmt.Errorf("pmtiles: read header: %w", err)
	}
	header, err := DeserializeHeader(headerBytes)
	if err != nil {
		return nil, err
	}

	rootBytes, err := readRange(ctx, bucket, key, int64(header.RootDir.Offset), int64(header.RootDir.Length))
	if err != nil {
		return nil, fmt.Errorf("pmtiles: read root directory: %w", err)
	}
	root, err := DeserializeEntries(rootBytes, header.InternalCompression)
	if err != nil {
		return nil, fmt.Errorf("pmtiles: parse root directory: %w", err)
	}

	var metadata map[string]interface{}
	if !header.Metadata.IsEmpty() {
		metaBytes, err := readRange(ctx, bucket, key, int64(header.Metadata.Offset), int64(header.Metadata.Length))
		if err != nil {
			return nil, fmt.Errorf("pmtiles: read metadata: %w", err)
		}
		metadata, err = deserializeMetadata(metaBytes, header.InternalCompression)
		if err != nil {
			return nil, fmt.Errorf("pmtiles: parse metadata: %w", err)
		}
	}

	r := &Reader{
		bucket:    bucket,
		key:       key,
		header:    header,
		metadata:  metadata,
		root:      root,
		leafCache: cache.NewLimitedCache[tiles.ByteRange, tiles.Blob](defaultLeafCacheBytes),
	}
	r.buildMetadata()
	return r, nil
}

func (r *Reader) buildMetadata() {
	compression, err := r.header.TileCompression.ToTileCompression()
	if err != nil {
		compression = tiles.CompressionUnknown
	}
	bbox := tiles.GeoBBox{
		MinLon: float64(r.header.MinLonE7) / 1e7,
		MinLat: float64(r.header.MinLatE7) / 1e7,
		MaxLon: float64(r.header.MaxLonE7) / 1e7,
		MaxLat: float64(r.header.MaxLatE7) / 1e7,
	}
	pyramid := tiles.NewFullPyramid().IntersectGeoBBox(bbox)
	pyramid.SetLevelMin(r.header.MinZoom)
	pyramid.SetLevelMax(r.header.MaxZoom)

	r.meta = source.TileSourceMetadata{
		TileFormat:      r.header.TileType.ToTileFormat(),
		TileCompression: compression,
		BBoxPyramid:     pyramid,
		Traversal:       source.Traversal{Order: source.TraversalPMTiles},
	}

	tj := source.NewTileJSON()
	tj.UpdateFromReaderParameters(&r.meta)
	tj.SetBounds(bbox)
	if r.metadata != nil {
		for k, v := range r.metadata {
			if k == "vector_layers" {
				if layers, ok := v.([]map[string]interface{}); ok {
					tj.SetVectorLayers(layers)
					continue
				}
			}
			tj.Set(k, v)
		}
	}
	r.tileJSON = tj
}

func (r *Reader) Metadata() *source.TileSourceMetadata { return &r.meta }
func (r *Reader) TileJSON() *source.TileJSON           { return r.tileJSON }
func (r *Reader) SourceType() source.SourceType        { return source.SourceType(fmt.Sprintf("container 'pmtiles' (%s)", r.key)) }

// GetTile looks up coord's Hilbert tile_id in the directory tree and
// returns its decoded content, or (nil, nil) if absent.
func (r *Reader) GetTile(ctx context.Context, coord tiles.TileCoord) (*source.Tile, error) {
	tileID := CoordToTileID(coord)
	entry, err := r.findEntry(ctx, r.root, tileID, 0)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, nil
	}

	data, err := readRange(ctx, r.bucket, r.key, int64(r.header.TileData.Offset+entry.Offset), int64(entry.Length))
	if err != nil {
		return nil, fmt.Errorf("pmtiles: read tile data: %w", err)
	}

	compression, err := r.header.TileCompression.ToTileCompression()
	if err != nil {
		return nil, err
	}
	tile := source.NewBlobTile(tiles.NewBlob(data), r.header.TileType.ToTileFormat(), compression)
	return &tile, nil
}

// GetTileStream fans GetTile out across the bbox using the shared I/O
// concurrency limit; PMTiles' directory layout has no cheaper bulk path
// than per-coordinate lookups over HTTP range requests.
func (r *Reader) GetTileStream(ctx context.Context, bbox tiles.TileBBox) (stream.TileStream[*source.Tile], error) {
	limits := stream.DefaultConcurrencyLimits()
	return source.GetTileStreamAny(ctx, r, bbox, limits.IOBound)
}

func (r *Reader) findEntry(ctx context.Context, entries []EntryV3, tileID uint64, depth int) (*EntryV3, error) {
	entry, found := FindTile(entries, tileID)
	if !found {
		return nil, nil
	}
	if entry.RunLength > 0 {
		return &entry, nil
	}
	if depth >= maxLeafDepth {
		return nil, fmt.Errorf("pmtiles: leaf directory nesting exceeds depth %d", maxLeafDepth)
	}

	leafRange := tiles.ByteRange{Offset: r.header.LeafDirs.Offset + entry.Offset, Length: uint64(entry.Length)}
	leafEntries, err := r.loadLeaf(ctx, leafRange)
	if err != nil {
		return nil, err
	}
	return r.findEntry(ctx, leafEntries, tileID, depth+1)
}

func (r *Reader) loadLeaf(ctx context.Context, rng tiles.ByteRange) ([]EntryV3, error) {
	if blob, ok := r.leafCache.Get(rng); ok {
		return DeserializeEntries(blob.Bytes(), PMCompressionNone)
	}
	raw, err := readRange(ctx, r.bucket, r.key, int64(rng.Offset), int64(rng.Length))
	if err != nil {
		return nil, fmt.Errorf("pmtiles: read leaf directory: %w", err)
	}
	entries, err := DeserializeEntries(raw, r.header.InternalCompression)
	if err != nil {
		return nil, err
	}
	cached, err := SerializeEntries(entries, PMCompressionNone)
	if err == nil {
		r.leafCache.Put(rng, tiles.NewBlob(cached))
	}
	return entries, nil
}

func (r *Reader) Close() error {
	return r.bucket.Close()
}

func readRange(ctx context.Context, bucket httpbucket.RangeBucket, key string, offset, length int64) ([]byte, error) {
	if length == 0 {
		return nil, nil
	}
	rc, err := bucket.NewRangeReader(ctx, key, offset, length)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

func deserializeMetadata(data []byte, compression PMTilesCompression) (map[string]interface{}, error) {
	decompressed, err := decompressInternal(data, compression)
	if err != nil {
		return nil, err
	}
	var out map[string]interface{}
	if err := json.Unmarshal(decompressed, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func decompressInternal(data []byte, compression PMTilesCompression) ([]byte, error) {
	switch compression {
	case PMCompressionNone:
		return data, nil
	case PMCompressionGzip:
		tc, _ := compression.ToTileCompression()
		blob, err := codec.Decompress(tiles.NewBlob(data), tc)
		if err != nil {
			return nil, err
		}
		return blob.Bytes(), nil
	default:
		return nil, fmt.Errorf("pmtiles: metadata compression %d not supported", compression)
	}
}


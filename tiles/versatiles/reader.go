package versatiles

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/tiledepot/tilekit/tiles"
	"github.com/tiledepot/tilekit/tiles/cache"
	"github.com/tiledepot/tilekit/tiles/httpbucket"
	"github.com/tiledepot/tilekit/tiles/source"
	"github.com/tiledepot/tilekit/tiles/stream"
)

// defaultBlockCacheBytes bounds cached decoded per-block tile indices.
const defaultBlockCacheBytes = 64 << 20

type cachedIndex struct {
	entries []TileIndexEntry
}

func (c cachedIndex) SizeBytes() int {
	return len(c.entries) * 12
}

// Reader is a source.TileSource backed by a VersaTiles v02 archive.
type Reader struct {
	bucket     httpbucket.RangeBucket
	key        string
	header     FileHeader
	blocks     map[tiles.TileCoord]BlockDefinition
	indexCache *cache.LimitedCache[tiles.TileCoord, cachedIndex]
	meta       source.TileSourceMetadata
	tileJSON   *source.TileJSON
}

// OpenReader fetches the header, block index, and metadata from bucket at
// key and returns a ready Reader.
func OpenReader(ctx context.Context, bucket httpbucket.RangeBucket, key string) (*Reader, error) {
	headerBytes, err := readRange(ctx, bucket, key, 0, HeaderLenBytes)
	if err != nil {
		return nil, fmt.Errorf("versatiles: read header: %w", err)
	}
	header, err := DeserializeHeader(headerBytes)
	if err != nil {
		return nil, err
	}

	blockIndexBytes, err := readRange(ctx, bucket, key, int64(header.BlocksRange.Offset), int64(header.BlocksRange.Length))
	if err != nil {
		return nil, fmt.Errorf("versatiles: read block index: %w", err)
	}
	blockDefs, err := DecodeBlockIndex(blockIndexBytes)
	if err != nil {
		return nil, fmt.Errorf("versatiles: parse block index: %w", err)
	}

	blocks := make(map[tiles.TileCoord]BlockDefinition, len(blockDefs))
	pyramid := tiles.NewEmptyPyramid()
	for _, b := range blockDefs {
		blocks[b.Offset] = b
		global := tiles.TileBBox{
			Level: b.Offset.Level,
			XMin:  b.Offset.X*BlockSize + b.TilesCoverage.XMin,
			YMin:  b.Offset.Y*BlockSize + b.TilesCoverage.YMin,
			XMax:  b.Offset.X*BlockSize + b.TilesCoverage.XMax,
			YMax:  b.Offset.Y*BlockSize + b.TilesCoverage.YMax,
		}
		pyramid.IncludeBBox(global)
	}

	var metadata map[string]interface{}
	if !header.MetaRange.IsEmpty() {
		metaBytes, err := readRange(ctx, bucket, key, int64(header.MetaRange.Offset), int64(header.MetaRange.Length))
		if err != nil {
			return nil, fmt.Errorf("versatiles: read metadata: %w", err)
		}
		if err := json.Unmarshal(metaBytes, &metadata); err != nil {
			return nil, fmt.Errorf("versatiles: parse metadata: %w", err)
		}
	}

	r := &Reader{
		bucket:     bucket,
		key:        key,
		header:     header,
		blocks:     blocks,
		indexCache: cache.NewLimitedCache[tiles.TileCoord, cachedIndex](defaultBlockCacheBytes),
	}

	r.meta = source.TileSourceMetadata{
		TileFormat:      header.TileFormat,
		TileCompression: header.TileCompression,
		BBoxPyramid:     pyramid,
		Traversal:       source.Traversal{Order: source.TraversalBlock256},
	}

	tj := source.NewTileJSON()
	tj.UpdateFromReaderParameters(&r.meta)
	tj.SetBounds(tiles.GeoBBox{
		MinLon: float64(header.MinLonE7) / 1e7,
		MinLat: float64(header.MinLatE7) / 1e7,
		MaxLon: float64(header.MaxLonE7) / 1e7,
		MaxLat: float64(header.MaxLatE7) / 1e7,
	})
	for k, v := range metadata {
		tj.Set(k, v)
	}
	r.tileJSON = tj
	return r, nil
}

func (r *Reader) Metadata() *source.TileSourceMetadata { return &r.meta }
func (r *Reader) TileJSON() *source.TileJSON           { return r.tileJSON }
func (r *Reader) SourceType() source.SourceType {
	return source.SourceType(fmt.Sprintf("container 'versatiles' (%s)", r.key))
}

// GetTile locates coord's 256x256 block, loads (and caches) its tile
// index, and returns the referenced tile bytes, or (nil, nil) if coord
// falls outside every block's coverage.
func (r *Reader) GetTile(ctx context.Context, coord tiles.TileCoord) (*source.Tile, error) {
	blockCoord := tiles.TileCoord{Level: coord.Level, X: coord.X / BlockSize, Y: coord.Y / BlockSize}
	block, ok := r.blocks[blockCoord]
	if !ok {
		return nil, nil
	}
	localX, localY := coord.X-blockCoord.X*BlockSize, coord.Y-blockCoord.Y*BlockSize
	if localX < block.TilesCoverage.XMin || localX > block.TilesCoverage.XMax ||
		localY < block.TilesCoverage.YMin || localY > block.TilesCoverage.YMax {
		return nil, nil
	}

	entries, err := r.loadIndex(ctx, block)
	if err != nil {
		return nil, err
	}
	width := block.TilesCoverage.Width()
	pos := int((localY-block.TilesCoverage.YMin)*width + (localX - block.TilesCoverage.XMin))
	if pos < 0 || pos >= len(entries) {
		return nil, nil
	}
	entry := entries[pos]
	if entry.Length == 0 {
		return nil, nil
	}

	data, err := readRange(ctx, r.bucket, r.key, int64(block.TilesRange.Offset+entry.Offset), int64(entry.Length))
	if err != nil {
		return nil, fmt.Errorf("versatiles: read tile data: %w", err)
	}
	tile := source.NewBlobTile(tiles.NewBlob(data), r.header.TileFormat, r.header.TileCompression)
	return &tile, nil
}

// GetTileStream fans GetTile out across the bbox using the shared
// I/O-bound concurrency limit.
func (r *Reader) GetTileStream(ctx context.Context, bbox tiles.TileBBox) (stream.TileStream[*source.Tile], error) {
	limits := stream.DefaultConcurrencyLimits()
	return source.GetTileStreamAny(ctx, r, bbox, limits.IOBound)
}

func (r *Reader) loadIndex(ctx context.Context, block BlockDefinition) ([]TileIndexEntry, error) {
	if cached, ok := r.indexCache.Get(block.Offset); ok {
		return cached.entries, nil
	}
	data, err := readRange(ctx, r.bucket, r.key, int64(block.IndexRange.Offset), int64(block.IndexRange.Length))
	if err != nil {
		return nil, fmt.Errorf("versatiles: read tile index: %w", err)
	}
	count := int(block.TilesCoverage.CountTiles())
	entries, err := DecodeTileIndex(data, count)
	if err != nil {
		return nil, err
	}
	r.indexCache.Put(block.Offset, cachedIndex{entries: entries})
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

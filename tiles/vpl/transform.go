package vpl

import (
	"context"
	"fmt"

	"github.com/tiledepot/tilekit/tiles"
	"github.com/tiledepot/tilekit/tiles/source"
	"github.com/tiledepot/tilekit/tiles/stream"
)

// tileFn is one transform's per-tile work: given the input tile (nil if
// absent), return the output tile (nil to drop it) or an error. Per
// spec.md §4.9's transform contract, it MUST NOT change the coord the
// caller is iterating.
type tileFn func(ctx context.Context, coord tiles.TileCoord, in *source.Tile) (*source.Tile, error)

// transformSource wraps a single input TileSource, applying fn to every
// tile per spec.md §4.9. Its per-tile work is dispatched through
// stream.MapParallelTry (CPU-bound), matching the spec's parallelism
// requirement for transforms.
type transformSource struct {
	name     string
	inner    source.TileSource
	meta     source.TileSourceMetadata
	tileJSON *source.TileJSON
	fn       tileFn
}

func newTransformSource(name string, inner source.TileSource, meta source.TileSourceMetadata, tj *source.TileJSON, fn tileFn) *transformSource {
	return &transformSource{name: name, inner: inner, meta: meta, tileJSON: tj, fn: fn}
}

func (t *transformSource) Metadata() *source.TileSourceMetadata { return &t.meta }
func (t *transformSource) TileJSON() *source.TileJSON           { return t.tileJSON }
func (t *transformSource) SourceType() source.SourceType {
	return source.SourceType(fmt.Sprintf("processor '%s' over %s", t.name, t.inner.SourceType()))
}

func (t *transformSource) GetTile(ctx context.Context, coord tiles.TileCoord) (*source.Tile, error) {
	if !t.meta.BBoxPyramid[coord.Level].Contains(coord) {
		return nil, nil
	}
	in, err := t.inner.GetTile(ctx, coord)
	if err != nil {
		return nil, err
	}
	return t.fn(ctx, coord, in)
}

func (t *transformSource) GetTileStream(ctx context.Context, bbox tiles.TileBBox) (stream.TileStream[*source.Tile], error) {
	effective := bbox.IntersectWithPyramid(t.meta.BBoxPyramid)
	if effective.IsEmpty() {
		return stream.Empty[*source.Tile](), nil
	}
	innerBBox := effective.IntersectWithPyramid(t.inner.Metadata().BBoxPyramid)
	in, err := t.inner.GetTileStream(ctx, innerBBox)
	if err != nil {
		return stream.TileStream[*source.Tile]{}, err
	}
	limits := stream.DefaultConcurrencyLimits()
	results := stream.MapParallelTry(ctx, in, limits.CPUBound, func(ctx context.Context, coord tiles.TileCoord, tile *source.Tile) (*source.Tile, error) {
		return t.fn(ctx, coord, tile)
	})
	out := stream.UnwrapResults(results, nil)
	return stream.FilterValue(out, func(tile *source.Tile) bool { return tile != nil }), nil
}

// identityFn copies the input tile through unchanged; used by transforms
// that only touch metadata (e.g. filter narrowing the bbox pyramid).
func identityFn(ctx context.Context, coord tiles.TileCoord, in *source.Tile) (*source.Tile, error) {
	return in, nil
}

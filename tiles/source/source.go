// Package source defines the uniform TileSource read contract every
// container reader and pipeline stage implements, plus the supporting
// TileSourceMetadata/Traversal/TileJSON/Tile/VectorTile value types.
//
// Grounded on the teacher's implicit reader contract (every
// pmtiles/*.go container speaks "give me bytes for this Zxy"); spec.md
// §4.3 names the trait explicitly, which this package materializes as the
// TileSource Go interface (analogous to the teacher's `Bucket` interface
// in pmtiles/bucket.go).
package source

import (
	"context"
	"fmt"

	"github.com/tiledepot/tilekit/tiles"
	"github.com/tiledepot/tilekit/tiles/stream"
)

// TraversalOrder is the natural iteration order a reader publishes.
type TraversalOrder uint8

const (
	TraversalAny TraversalOrder = iota
	TraversalRowMajor
	TraversalZOrder
	TraversalPMTiles
	TraversalBlock256
)

// Traversal describes the ordering regime and coord range a reader (or a
// writer's requirement) declares.
type Traversal struct {
	Order    TraversalOrder
	TileMin  tiles.TileCoord
	TileMax  tiles.TileCoord
}

// TileSourceMetadata is the immutable descriptor a reader exposes.
type TileSourceMetadata struct {
	TileFormat      tiles.TileFormat
	TileCompression tiles.TileCompression
	BBoxPyramid     tiles.TileBBoxPyramid
	Traversal       Traversal
}

// SourceType is a human-readable description of a source's kind, e.g.
// "container 'pmtiles'" or "processor 'filter' over container 'mbtiles'".
type SourceType string

// TileSource is the uniform read contract every container reader and
// pipeline operation implements.
type TileSource interface {
	Metadata() *TileSourceMetadata
	TileJSON() *TileJSON
	SourceType() SourceType
	GetTile(ctx context.Context, coord tiles.TileCoord) (*Tile, error)
	GetTileStream(ctx context.Context, bbox tiles.TileBBox) (stream.TileStream[*Tile], error)
}

// GetTileStreamAny is a convenience default for sources whose reader has no
// cheaper bulk path: it issues GetTile per coordinate in bbox, fanned out
// across the I/O-bound concurrency limit.
func GetTileStreamAny(ctx context.Context, src TileSource, bbox tiles.TileBBox, ioLimit int) (stream.TileStream[*Tile], error) {
	md := src.Metadata()
	effective := bbox.IntersectWithPyramid(md.BBoxPyramid)
	if effective.IsEmpty() {
		return stream.Empty[*Tile](), nil
	}
	s := stream.FromIterCoordParallel[*Tile](ctx, effective.IterCoords, ioLimit, func(ctx context.Context, c tiles.TileCoord) (*Tile, error) {
		return src.GetTile(ctx, c)
	})
	out := stream.UnwrapResults(s, nil)
	return stream.FilterValue(out, func(t *Tile) bool { return t != nil }), nil
}

// ErrOutsideBBox is returned by strict readers that distinguish
// out-of-bbox coords from "no content" coords internally, though the
// TileSource contract surfaces both as (nil, nil) per spec §4.3.
var ErrOutsideBBox = fmt.Errorf("source: coord outside declared bbox pyramid")

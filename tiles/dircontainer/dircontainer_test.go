package dircontainer

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/tiledepot/tilekit/tiles"
	"github.com/tiledepot/tilekit/tiles/source"
	"github.com/tiledepot/tilekit/tiles/stream"
)

type fixedSource struct {
	meta source.TileSourceMetadata
	tj   *source.TileJSON
}

func (f *fixedSource) Metadata() *source.TileSourceMetadata { return &f.meta }
func (f *fixedSource) TileJSON() *source.TileJSON           { return f.tj }
func (f *fixedSource) SourceType() source.SourceType        { return "test fixture" }

func (f *fixedSource) GetTile(ctx context.Context, coord tiles.TileCoord) (*source.Tile, error) {
	if !f.meta.BBoxPyramid[coord.Level].Contains(coord) {
		return nil, nil
	}
	payload := []byte(fmt.Sprintf("tile-%d-%d-%d", coord.Level, coord.X, coord.Y))
	tile := source.NewBlobTile(tiles.NewBlob(payload), tiles.FormatPNG, tiles.CompressionUncompressed)
	return &tile, nil
}

func (f *fixedSource) GetTileStream(ctx context.Context, bbox tiles.TileBBox) (stream.TileStream[*source.Tile], error) {
	return source.GetTileStreamAny(ctx, f, bbox, 4)
}

func TestWriteFromSourceRoundTrips(t *testing.T) {
	pyramid := tiles.NewEmptyPyramid()
	pyramid.IncludeBBox(tiles.TileBBox{Level: 1, XMin: 0, YMin: 0, XMax: 1, YMax: 1})
	src := &fixedSource{
		meta: source.TileSourceMetadata{TileFormat: tiles.FormatPNG, TileCompression: tiles.CompressionUncompressed, BBoxPyramid: pyramid},
		tj:   source.NewTileJSON(),
	}

	root := filepath.Join(t.TempDir(), "pyramid")
	if err := WriteFromSource(context.Background(), root, src); err != nil {
		t.Fatalf("WriteFromSource: %v", err)
	}

	reader, err := OpenReader(context.Background(), root)
	if err != nil {
		t.Fatalf("OpenReader: %v", err)
	}
	defer reader.Close()

	for y := uint32(0); y <= 1; y++ {
		for x := uint32(0); x <= 1; x++ {
			coord := tiles.TileCoord{Level: 1, X: x, Y: y}
			tile, err := reader.GetTile(context.Background(), coord)
			if err != nil {
				t.Fatalf("GetTile(%v): %v", coord, err)
			}
			if tile == nil {
				t.Fatalf("GetTile(%v) = nil, want a tile", coord)
			}
			blob, err := tile.AsBlob(tiles.CompressionUncompressed)
			if err != nil {
				t.Fatal(err)
			}
			want := fmt.Sprintf("tile-1-%d-%d", x, y)
			if string(blob.Bytes()) != want {
				t.Fatalf("GetTile(%v) = %q, want %q", coord, blob.Bytes(), want)
			}
		}
	}

	if outside, err := reader.GetTile(context.Background(), tiles.TileCoord{Level: 1, X: 5, Y: 5}); err != nil || outside != nil {
		t.Fatalf("expected nil/no-error for out-of-coverage coord, got %v, %v", outside, err)
	}
}

func TestNewWriterRequiresAbsolutePath(t *testing.T) {
	if _, err := NewWriter("relative/path"); err == nil {
		t.Fatal("expected error for relative writer root")
	}
}

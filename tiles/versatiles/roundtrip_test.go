package versatiles

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/tiledepot/tilekit/tiles"
	"github.com/tiledepot/tilekit/tiles/httpbucket"
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
	pyramid.IncludeBBox(tiles.TileBBox{Level: 3, XMin: 0, YMin: 0, XMax: 7, YMax: 7})

	src := &fixedSource{
		meta: source.TileSourceMetadata{
			TileFormat:      tiles.FormatPNG,
			TileCompression: tiles.CompressionUncompressed,
			BBoxPyramid:     pyramid,
		},
		tj: source.NewTileJSON(),
	}

	dir := t.TempDir()
	path := filepath.Join(dir, "test.versatiles")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}

	header, err := WriteFromSource(context.Background(), f, src)
	if err != nil {
		t.Fatalf("WriteFromSource: %v", err)
	}
	if header.MinZoom != 3 || header.MaxZoom != 3 {
		t.Fatalf("zoom range = [%d,%d], want [3,3]", header.MinZoom, header.MaxZoom)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}

	reader, err := OpenReader(context.Background(), httpbucket.FileBucket{Path: dir}, "test.versatiles")
	if err != nil {
		t.Fatalf("OpenReader: %v", err)
	}
	for y := uint32(0); y <= 7; y++ {
		for x := uint32(0); x <= 7; x++ {
			coord := tiles.TileCoord{Level: 3, X: x, Y: y}
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
			want := fmt.Sprintf("tile-3-%d-%d", x, y)
			if string(blob.Bytes()) != want {
				t.Fatalf("GetTile(%v) = %q, want %q", coord, blob.Bytes(), want)
			}
		}
	}

	outside, err := reader.GetTile(context.Background(), tiles.TileCoord{Level: 3, X: 100, Y: 100})
	if err != nil {
		t.Fatal(err)
	}
	if outside != nil {
		t.Fatal("expected nil for out-of-coverage coord")
	}
}

func TestBlockIndexContiguityInvariant(t *testing.T) {
	pyramid := tiles.NewEmptyPyramid()
	pyramid.IncludeBBox(tiles.TileBBox{Level: 9, XMin: 0, YMin: 0, XMax: 300, YMax: 10})
	src := &fixedSource{
		meta: source.TileSourceMetadata{TileFormat: tiles.FormatPNG, TileCompression: tiles.CompressionUncompressed, BBoxPyramid: pyramid},
		tj:   source.NewTileJSON(),
	}
	dir := t.TempDir()
	f, err := os.Create(filepath.Join(dir, "big.versatiles"))
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if _, err := WriteFromSource(context.Background(), f, src); err != nil {
		t.Fatalf("WriteFromSource: %v", err)
	}

	reader, err := OpenReader(context.Background(), httpbucket.FileBucket{Path: dir}, "big.versatiles")
	if err != nil {
		t.Fatalf("OpenReader: %v", err)
	}
	if len(reader.blocks) != 2 {
		t.Fatalf("got %d blocks, want 2", len(reader.blocks))
	}
	for _, block := range reader.blocks {
		if _, err := reader.loadIndex(context.Background(), block); err != nil {
			t.Fatalf("tile index of block %v at implied offset %d: %v", block.Offset, block.IndexRange.Offset, err)
		}
	}
}

package mbtiles

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
	return source.GetTileStreamAny(ctx, f, bbox, 1)
}

func TestWriteFromSourceRoundTripsWithYFlip(t *testing.T) {
	pyramid := tiles.NewEmptyPyramid()
	pyramid.IncludeBBox(tiles.TileBBox{Level: 2, XMin: 0, YMin: 0, XMax: 3, YMax: 3})

	src := &fixedSource{
		meta: source.TileSourceMetadata{
			TileFormat:      tiles.FormatPNG,
			TileCompression: tiles.CompressionUncompressed,
			BBoxPyramid:     pyramid,
		},
		tj: source.NewTileJSON(),
	}

	path := filepath.Join(t.TempDir(), "test.mbtiles")
	if err := WriteFromSource(context.Background(), path, src); err != nil {
		t.Fatalf("WriteFromSource: %v", err)
	}

	reader, err := OpenReader(context.Background(), path)
	if err != nil {
		t.Fatalf("OpenReader: %v", err)
	}
	defer reader.Close()

	if reader.Metadata().TileFormat != tiles.FormatPNG {
		t.Fatalf("TileFormat = %v, want PNG", reader.Metadata().TileFormat)
	}

	for y := uint32(0); y <= 3; y++ {
		for x := uint32(0); x <= 3; x++ {
			coord := tiles.TileCoord{Level: 2, X: x, Y: y}
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
			want := fmt.Sprintf("tile-2-%d-%d", x, y)
			if string(blob.Bytes()) != want {
				t.Fatalf("GetTile(%v) = %q, want %q", coord, blob.Bytes(), want)
			}
		}
	}

	outside, err := reader.GetTile(context.Background(), tiles.TileCoord{Level: 2, X: 100, Y: 100})
	if err != nil {
		t.Fatal(err)
	}
	if outside != nil {
		t.Fatal("expected nil for out-of-coverage coord")
	}
}

func TestFlipYIsSelfInverse(t *testing.T) {
	for z := uint8(0); z < 8; z++ {
		max := uint32(1)<<z - 1
		for y := uint32(0); y <= max; y++ {
			if flipY(z, flipY(z, y)) != y {
				t.Fatalf("flipY(z=%d) not self-inverse at y=%d", z, y)
			}
		}
	}
}

func TestSupportedCombination(t *testing.T) {
	cases := []struct {
		f    tiles.TileFormat
		c    tiles.TileCompression
		want bool
	}{
		{tiles.FormatPNG, tiles.CompressionUncompressed, true},
		{tiles.FormatJPG, tiles.CompressionUncompressed, true},
		{tiles.FormatWebP, tiles.CompressionUncompressed, true},
		{tiles.FormatMVT, tiles.CompressionGzip, true},
		{tiles.FormatMVT, tiles.CompressionUncompressed, false},
		{tiles.FormatPNG, tiles.CompressionGzip, false},
	}
	for _, c := range cases {
		if got := SupportedCombination(c.f, c.c); got != c.want {
			t.Errorf("SupportedCombination(%v, %v) = %v, want %v", c.f, c.c, got, c.want)
		}
	}
}

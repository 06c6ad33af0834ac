package pmtiles

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/tiledepot/tilekit/tiles"
	"github.com/tiledepot/tilekit/tiles/httpbucket"
	"github.com/tiledepot/tilekit/tiles/source"
)

func TestWriterRoundTripsThroughReader(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.pmtiles")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}

	w := NewWriter(f, tiles.FormatMVT, tiles.CompressionGzip)
	if _, err := f.Write(make([]byte, HeaderV3LenBytes)); err != nil {
		t.Fatal(err)
	}

	coords := []tiles.TileCoord{
		{Level: 0, X: 0, Y: 0},
		{Level: 1, X: 0, Y: 0},
		{Level: 1, X: 1, Y: 0},
		{Level: 1, X: 0, Y: 1},
		{Level: 1, X: 1, Y: 1},
	}
	sort.Slice(coords, func(i, j int) bool {
		return coords[i].GetHilbertIndex() < coords[j].GetHilbertIndex()
	})

	for _, c := range coords {
		payload := []byte(fmt.Sprintf("tile-%d-%d-%d", c.Level, c.X, c.Y))
		if err := w.AddTile(c, payload); err != nil {
			t.Fatalf("AddTile(%v): %v", c, err)
		}
	}

	tj := source.NewTileJSON()
	header, err := w.Finalize(tj)
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if header.AddressedTilesCount != uint64(len(coords)) {
		t.Fatalf("addressed tiles = %d, want %d", header.AddressedTilesCount, len(coords))
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}

	bucket := httpbucket.FileBucket{Path: dir}
	reader, err := OpenReader(context.Background(), bucket, "test.pmtiles")
	if err != nil {
		t.Fatalf("OpenReader: %v", err)
	}
	for _, c := range coords {
		tile, err := reader.GetTile(context.Background(), c)
		if err != nil {
			t.Fatalf("GetTile(%v): %v", c, err)
		}
		if tile == nil {
			t.Fatalf("GetTile(%v) = nil, want a tile", c)
		}
		blob, err := tile.AsBlob(tiles.CompressionGzip)
		if err != nil {
			t.Fatal(err)
		}
		if blob.Len() == 0 {
			t.Fatalf("GetTile(%v) returned empty blob", c)
		}
	}
}

func TestWriterRejectsOutOfOrderTiles(t *testing.T) {
	dir := t.TempDir()
	f, err := os.Create(filepath.Join(dir, "bad.pmtiles"))
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	w := NewWriter(f, tiles.FormatPNG, tiles.CompressionUncompressed)
	hi := tiles.TileCoord{Level: 2, X: 3, Y: 3}
	lo := tiles.TileCoord{Level: 0, X: 0, Y: 0}
	if err := w.AddTile(hi, []byte("a")); err != nil {
		t.Fatal(err)
	}
	if err := w.AddTile(lo, []byte("b")); err != nil {
		t.Fatal(err)
	}
	if _, err := w.Finalize(source.NewTileJSON()); err == nil {
		t.Fatal("expected Finalize to reject out-of-order tile_ids")
	}
}

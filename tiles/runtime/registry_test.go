package runtime

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tiledepot/tilekit/tiles"
	"github.com/tiledepot/tilekit/tiles/dircontainer"
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
	tile := source.NewBlobTile(tiles.NewBlob([]byte("x")), tiles.FormatPNG, tiles.CompressionUncompressed)
	return &tile, nil
}
func (f *fixedSource) GetTileStream(ctx context.Context, bbox tiles.TileBBox) (stream.TileStream[*source.Tile], error) {
	return source.GetTileStreamAny(ctx, f, bbox, 2)
}

func buildTestDirContainer(t *testing.T) string {
	t.Helper()
	pyramid := tiles.NewEmptyPyramid()
	pyramid.IncludeCoord(tiles.NewTileCoord(0, 0, 0))
	src := &fixedSource{
		meta: source.TileSourceMetadata{TileFormat: tiles.FormatPNG, TileCompression: tiles.CompressionUncompressed, BBoxPyramid: pyramid},
		tj:   source.NewTileJSON(),
	}
	root := filepath.Join(t.TempDir(), "pyramid")
	require.NoError(t, dircontainer.WriteFromSource(context.Background(), root, src))
	return root
}

func TestGetReaderFromStringDirectory(t *testing.T) {
	root := buildTestDirContainer(t)
	reg := NewContainerRegistry()
	src, err := reg.GetReaderFromString(context.Background(), root)
	require.NoError(t, err)
	require.NotNil(t, src)

	tile, err := src.GetTile(context.Background(), tiles.NewTileCoord(0, 0, 0))
	require.NoError(t, err)
	assert.NotNil(t, tile)
}

func TestGetReaderFromStringDirDriverPrefix(t *testing.T) {
	root := buildTestDirContainer(t)
	reg := NewContainerRegistry()
	src, err := reg.GetReaderFromString(context.Background(), "dir:"+root)
	require.NoError(t, err)
	require.NotNil(t, src)
}

func TestGetReaderFromStringUnknownExtension(t *testing.T) {
	reg := NewContainerRegistry()
	_, err := reg.GetReaderFromString(context.Background(), "world.unknownfmt")
	require.Error(t, err)
}

func TestGetReaderFromStringVPLWithoutFactoryIsError(t *testing.T) {
	reg := NewContainerRegistry()
	_, err := reg.GetReaderFromString(context.Background(), `vpl:from_debug`)
	require.Error(t, err)
}

func TestSplitDriverPrefixRejectsHTTPAndWindowsPaths(t *testing.T) {
	_, _, ok := splitDriverPrefix("https://example.org/a.pmtiles")
	assert.False(t, ok)
	_, _, ok = splitDriverPrefix(`C:\data\a.mbtiles`)
	assert.False(t, ok)
	driver, rest, ok := splitDriverPrefix("mbtiles:/data/a.mbtiles")
	require.True(t, ok)
	assert.Equal(t, "mbtiles", driver)
	assert.Equal(t, "/data/a.mbtiles", rest)
}

package vpl

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tiledepot/tilekit/tiles"
)

func newTestFactory() *Factory {
	return NewFactory(nil)
}

func TestOperationFromVPLDebugSource(t *testing.T) {
	f := newTestFactory()
	src, err := f.OperationFromVPL(context.Background(), `from_debug`)
	require.NoError(t, err)
	require.NotNil(t, src)
	assert.Equal(t, tiles.FormatPNG, src.Metadata().TileFormat)

	tile, err := src.GetTile(context.Background(), tiles.NewTileCoord(2, 1, 1))
	require.NoError(t, err)
	require.NotNil(t, tile)
	assert.Equal(t, tiles.FormatPNG, tile.Format())
}

func TestOperationFromVPLFilterNarrowsZoom(t *testing.T) {
	f := newTestFactory()
	src, err := f.OperationFromVPL(context.Background(), `from_debug | filter level_max=3`)
	require.NoError(t, err)

	maxLevel, ok := src.Metadata().BBoxPyramid.GetLevelMax()
	require.True(t, ok)
	assert.LessOrEqual(t, maxLevel, uint8(3))

	tile, err := src.GetTile(context.Background(), tiles.NewTileCoord(5, 1, 1))
	require.NoError(t, err)
	assert.Nil(t, tile)
}

func TestOperationFromVPLConvertRecompresses(t *testing.T) {
	f := newTestFactory()
	src, err := f.OperationFromVPL(context.Background(), `from_debug | convert compression="gzip"`)
	require.NoError(t, err)
	assert.Equal(t, tiles.CompressionGzip, src.Metadata().TileCompression)

	tile, err := src.GetTile(context.Background(), tiles.NewTileCoord(0, 0, 0))
	require.NoError(t, err)
	require.NotNil(t, tile)
	blob, err := tile.AsBlob(tiles.CompressionGzip)
	require.NoError(t, err)
	assert.Greater(t, blob.Len(), 0)
}

func TestOperationFromVPLUnknownOperationIsError(t *testing.T) {
	f := newTestFactory()
	_, err := f.OperationFromVPL(context.Background(), `not_a_real_op`)
	require.Error(t, err)
}

func TestOperationFromVPLTransformBeforeReadIsError(t *testing.T) {
	f := newTestFactory()
	_, err := f.OperationFromVPL(context.Background(), `filter level_max=3`)
	require.Error(t, err)
}

func TestOperationFromVPLEmptyPipelineIsError(t *testing.T) {
	f := newTestFactory()
	_, err := f.build(context.Background(), Pipeline{})
	require.Error(t, err)
}

func TestGetDocsIncludesBuiltinOperations(t *testing.T) {
	f := newTestFactory()
	docs := f.GetDocs()
	tags := make(map[string]bool, len(docs))
	for _, d := range docs {
		tags[d.Tag] = true
	}
	assert.True(t, tags["from_debug"])
	assert.True(t, tags["filter"])
	assert.True(t, tags["convert"])
}

package server

import (
	"context"
	"image"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tiledepot/tilekit/tiles"
	"github.com/tiledepot/tilekit/tiles/source"
	"github.com/tiledepot/tilekit/tiles/stream"
)

// fakeSource is a minimal in-memory TileSource covering z=0 x=0 y=0 only,
// used to exercise the HTTP layer without any container format.
type fakeSource struct {
	meta source.TileSourceMetadata
	tj   *source.TileJSON
}

func newFakeSource() *fakeSource {
	pyramid := tiles.NewEmptyPyramid()
	pyramid.IncludeCoord(tiles.NewTileCoord(0, 0, 0))
	tj := source.NewTileJSON()
	tj.Set("tilejson", "3.0.0")
	return &fakeSource{
		meta: source.TileSourceMetadata{
			TileFormat:      tiles.FormatPNG,
			TileCompression: tiles.CompressionUncompressed,
			BBoxPyramid:     pyramid,
		},
		tj: tj,
	}
}

func (s *fakeSource) Metadata() *source.TileSourceMetadata { return &s.meta }
func (s *fakeSource) TileJSON() *source.TileJSON           { return s.tj }
func (s *fakeSource) SourceType() source.SourceType        { return "fake" }
func (s *fakeSource) GetTile(ctx context.Context, coord tiles.TileCoord) (*source.Tile, error) {
	if !s.meta.BBoxPyramid[coord.Level].Contains(coord) {
		return nil, nil
	}
	img := image.NewRGBA(image.Rect(0, 0, 1, 1))
	t := source.NewImageTile(img, tiles.FormatPNG)
	return &t, nil
}
func (s *fakeSource) GetTileStream(ctx context.Context, bbox tiles.TileBBox) (stream.TileStream[*source.Tile], error) {
	return source.GetTileStreamAny(ctx, s, bbox, 1)
}

func TestServeTileReturns200(t *testing.T) {
	srv := New([]Source{{ID: "demo", Reader: newFakeSource()}}, CORSConfig{}, nil)
	req := httptest.NewRequest(http.MethodGet, "/tiles/demo/0/0/0.png", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "image/png", w.Header().Get("Content-Type"))
}

func TestServeTileMissingCoordReturns404(t *testing.T) {
	srv := New([]Source{{ID: "demo", Reader: newFakeSource()}}, CORSConfig{}, nil)
	req := httptest.NewRequest(http.MethodGet, "/tiles/demo/5/5/5.png", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestServeUnknownSourceReturns404(t *testing.T) {
	srv := New([]Source{{ID: "demo", Reader: newFakeSource()}}, CORSConfig{}, nil)
	req := httptest.NewRequest(http.MethodGet, "/tiles/nope/0/0/0.png", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestServeTileJSON(t *testing.T) {
	srv := New([]Source{{ID: "demo", Reader: newFakeSource()}}, CORSConfig{}, nil)
	req := httptest.NewRequest(http.MethodGet, "/tiles/demo/tiles.json", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Body.String(), "tilejson")
}

func TestServeTileHonorsAcceptEncodingBrotli(t *testing.T) {
	srv := New([]Source{{ID: "demo", Reader: newFakeSource()}}, CORSConfig{}, nil)
	req := httptest.NewRequest(http.MethodGet, "/tiles/demo/0/0/0.png", nil)
	req.Header.Set("Accept-Encoding", "identity;q=0, br")
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "br", w.Header().Get("Content-Encoding"))
}

func TestServeCORSAllowsConfiguredOrigin(t *testing.T) {
	srv := New([]Source{{ID: "demo", Reader: newFakeSource()}},
		CORSConfig{AllowedOrigins: []string{"https://*.example.org"}, MaxAgeSeconds: 600}, nil)
	req := httptest.NewRequest(http.MethodGet, "/tiles/demo/0/0/0.png", nil)
	req.Header.Set("Origin", "https://maps.example.org")
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	assert.Equal(t, "https://maps.example.org", w.Header().Get("Access-Control-Allow-Origin"))
}

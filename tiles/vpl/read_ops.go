package vpl

import (
	"context"
	"fmt"
	"image"
	"image/color"

	"github.com/tiledepot/tilekit/tiles"
	"github.com/tiledepot/tilekit/tiles/source"
	"github.com/tiledepot/tilekit/tiles/stream"
)

func registerReadOps(f *Factory) {
	f.registerRead("from_container",
		"Opens a container (MBTiles/PMTiles/VersaTiles/Tar/directory/HTTP URL) by filename or URI.",
		[]ArgSpec{{Name: "filename", Kind: "string", Required: true, Description: "path or URI of the container to open"}},
		readFromContainer)

	f.registerRead("from_debug",
		"Synthesizes a deterministic test pyramid (levels 0..8, a solid color per tile) without reading any container.",
		[]ArgSpec{{Name: "format", Kind: "string", Description: "png (default) or mvt"}},
		readFromDebug)

	f.registerRead("from_gdal_dem",
		"Reads a GDAL-backed DEM raster as an opaque tile source (external collaborator, not implemented in this build).",
		[]ArgSpec{{Name: "filename", Kind: "string", Required: true}},
		readFromGDALUnavailable("from_gdal_dem"))

	f.registerRead("from_gdal_raster",
		"Reads a GDAL-backed raster as an opaque tile source (external collaborator, not implemented in this build).",
		[]ArgSpec{{Name: "filename", Kind: "string", Required: true}},
		readFromGDALUnavailable("from_gdal_raster"))
}

func readFromContainer(ctx context.Context, f *Factory, node Node) (source.TileSource, error) {
	filename, err := requireStringArg(node, "filename")
	if err != nil {
		return nil, err
	}
	if f.opener == nil {
		return nil, fmt.Errorf("from_container: no container registry wired into this factory")
	}
	return f.opener.OpenReader(ctx, filename)
}

// readFromGDALUnavailable returns a builder that fails clearly: GDAL
// raster/DEM access is an external collaborator per spec.md §1 ("treated
// as opaque tile sources conforming to the tile-source interface"), not a
// component this repository implements.
func readFromGDALUnavailable(tag string) readOpFn {
	return func(ctx context.Context, f *Factory, node Node) (source.TileSource, error) {
		return nil, fmt.Errorf("%s: GDAL raster access is provided by an external collaborator, not this build", tag)
	}
}

// debugSource synthesizes tiles without touching disk: every coord in a
// fixed 0..8 pyramid returns a solid-color PNG (or a one-feature MVT)
// derived deterministically from its coordinate, for pipeline testing
// per spec.md §4.9's from_debug.
type debugSource struct {
	format   tiles.TileFormat
	meta     source.TileSourceMetadata
	tileJSON *source.TileJSON
}

const debugMaxLevel = 8

func readFromDebug(ctx context.Context, f *Factory, node Node) (source.TileSource, error) {
	formatName, err := stringArg(node, "format", "png")
	if err != nil {
		return nil, err
	}
	var format tiles.TileFormat
	switch formatName {
	case "png":
		format = tiles.FormatPNG
	case "mvt":
		format = tiles.FormatMVT
	default:
		return nil, fmt.Errorf("from_debug: unsupported format %q", formatName)
	}

	pyramid := tiles.NewEmptyPyramid()
	for z := uint8(0); z <= debugMaxLevel; z++ {
		n := uint32(1) << z
		pyramid.IncludeBBox(tiles.TileBBox{Level: z, XMin: 0, YMin: 0, XMax: n - 1, YMax: n - 1})
	}

	tj := source.NewTileJSON()
	tj.Set("tilejson", "3.0.0")
	tj.SetMinZoom(0)
	tj.SetMaxZoom(debugMaxLevel)
	tj.SetTileFormat(format)

	return &debugSource{
		format: format,
		meta: source.TileSourceMetadata{
			TileFormat:      format,
			TileCompression: tiles.CompressionUncompressed,
			BBoxPyramid:     pyramid,
		},
		tileJSON: tj,
	}, nil
}

func (s *debugSource) Metadata() *source.TileSourceMetadata { return &s.meta }
func (s *debugSource) TileJSON() *source.TileJSON           { return s.tileJSON }
func (s *debugSource) SourceType() source.SourceType        { return source.SourceType("processor 'from_debug'") }

func (s *debugSource) GetTile(ctx context.Context, coord tiles.TileCoord) (*source.Tile, error) {
	if !s.meta.BBoxPyramid[coord.Level].Contains(coord) {
		return nil, nil
	}
	if s.format == tiles.FormatMVT {
		vt := debugVectorTile(coord)
		t := source.NewVectorTileValue(vt)
		return &t, nil
	}
	img := debugImage(coord)
	t := source.NewImageTile(img, tiles.FormatPNG)
	return &t, nil
}

func (s *debugSource) GetTileStream(ctx context.Context, bbox tiles.TileBBox) (stream.TileStream[*source.Tile], error) {
	return source.GetTileStreamAny(ctx, s, bbox, stream.DefaultConcurrencyLimits().IOBound)
}

// debugImage returns a 256x256 solid color derived from the coord, so a
// pipeline of debug tiles is visually distinguishable per-coordinate in
// tests (used directly by E6's raster_flatten/raster_levels scenario).
func debugImage(coord tiles.TileCoord) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, 256, 256))
	r := uint8((coord.X * 37) % 256)
	g := uint8((coord.Y * 53) % 256)
	b := uint8((uint32(coord.Level) * 97) % 256)
	c := color.RGBA{R: r, G: g, B: b, A: 255}
	for y := 0; y < 256; y++ {
		for x := 0; x < 256; x++ {
			img.SetRGBA(x, y, c)
		}
	}
	return img
}

func debugVectorTile(coord tiles.TileCoord) *source.VectorTile {
	layer := source.VectorTileLayer{
		Name:   "debug",
		Extent: 4096,
		Keys:   []string{"z", "x", "y"},
		Values: []interface{}{int64(coord.Level), int64(coord.X), int64(coord.Y)},
	}
	feature := source.VectorTileFeature{
		ID:       1,
		GeomType: 1, // point
		Tags:     []uint32{0, 0, 1, 1, 2, 2},
		Geometry: []uint32{9, 2048<<1 ^ (2048 >> 31), 2048<<1 ^ (2048 >> 31)},
	}
	layer.Features = []source.VectorTileFeature{feature}
	return &source.VectorTile{Layers: []source.VectorTileLayer{layer}}
}

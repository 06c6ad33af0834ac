package vpl

import (
	"context"
	"fmt"

	"github.com/tiledepot/tilekit/tiles"
	"github.com/tiledepot/tilekit/tiles/source"
)

func registerConvertOp(f *Factory) {
	f.registerTransform("convert",
		"Transcodes a tile's format and/or compression; for raster conversions, decodes to image then re-encodes. Preserves TileCoord.",
		[]ArgSpec{
			{Name: "format", Kind: "string", Description: "target TileFormat, e.g. png"},
			{Name: "compression", Kind: "string", Description: "target compression: gzip|brotli|uncompressed"},
		},
		transformConvert)
}

func transformConvert(ctx context.Context, f *Factory, node Node, input source.TileSource) (source.TileSource, error) {
	inMeta := *input.Metadata()
	targetFormat := inMeta.TileFormat
	if name, err := stringArg(node, "format", ""); err != nil {
		return nil, err
	} else if name != "" {
		parsed := tiles.FormatFromExtension(name)
		if parsed == tiles.FormatUnknown {
			return nil, fmt.Errorf("convert: unknown format %q", name)
		}
		targetFormat = parsed
	}

	targetCompression := inMeta.TileCompression
	if name, err := stringArg(node, "compression", ""); err != nil {
		return nil, err
	} else if name != "" {
		parsed, err := parseCompressionName(name)
		if err != nil {
			return nil, fmt.Errorf("convert: %w", err)
		}
		targetCompression = parsed
	}

	outMeta := inMeta
	outMeta.TileFormat = targetFormat
	outMeta.TileCompression = targetCompression

	tj := input.TileJSON()
	tj.SetTileFormat(targetFormat)

	fn := func(ctx context.Context, coord tiles.TileCoord, in *source.Tile) (*source.Tile, error) {
		if in == nil {
			return nil, nil
		}
		if in.Format() == targetFormat {
			blob, err := in.AsBlob(targetCompression)
			if err != nil {
				return nil, err
			}
			t := source.NewBlobTile(blob, targetFormat, targetCompression)
			return &t, nil
		}
		if !targetFormat.IsVector() && !in.Format().IsVector() {
			img, err := in.AsImage()
			if err != nil {
				return nil, err
			}
			t := source.NewImageTile(img, targetFormat)
			blob, err := t.AsBlob(targetCompression)
			if err != nil {
				return nil, err
			}
			out := source.NewBlobTile(blob, targetFormat, targetCompression)
			return &out, nil
		}
		return nil, fmt.Errorf("convert: cannot convert %v to %v", in.Format(), targetFormat)
	}
	return newTransformSource("convert", input, outMeta, tj, fn), nil
}

func parseCompressionName(name string) (tiles.TileCompression, error) {
	switch name {
	case "uncompressed":
		return tiles.CompressionUncompressed, nil
	case "gzip":
		return tiles.CompressionGzip, nil
	case "brotli":
		return tiles.CompressionBrotli, nil
	default:
		return tiles.CompressionUnknown, fmt.Errorf("unknown compression %q", name)
	}
}

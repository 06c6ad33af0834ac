package versatiles

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/tiledepot/tilekit/tiles"
	"github.com/tiledepot/tilekit/tiles/source"
)

// dedupLimitBytes is the per-block content-dedup size cutoff: only tiles
// at or below this size are hashed and checked for reuse, per spec.md
// §4.5.
const dedupLimitBytes = 1000

// WriteFromSource streams every tile from src into a complete VersaTiles
// v02 archive at out, following the spec's fixed write order: header
// placeholder, metadata, blocks (256x256 bbox traversal), block index,
// then the header rewritten in place with finalized ranges.
func WriteFromSource(ctx context.Context, out io.WriteSeeker, src source.TileSource) (FileHeader, error) {
	md := src.Metadata()

	if _, err := out.Write(make([]byte, HeaderLenBytes)); err != nil {
		return FileHeader{}, fmt.Errorf("versatiles: reserve header: %w", err)
	}

	metaJSON, err := json.Marshal(src.TileJSON().Values())
	if err != nil {
		return FileHeader{}, fmt.Errorf("versatiles: marshal metadata: %w", err)
	}
	metaOffset := uint64(HeaderLenBytes)
	if _, err := out.Write(metaJSON); err != nil {
		return FileHeader{}, fmt.Errorf("versatiles: write metadata: %w", err)
	}
	metaRange := tiles.ByteRange{Offset: metaOffset, Length: uint64(len(metaJSON))}

	var cursor = metaRange.End()
	var blockDefs []BlockDefinition

	var writeErr error
	IterBlocks(md.BBoxPyramid, func(blockCoord tiles.TileCoord, coverage tiles.TileBBox) bool {
		def, n, err := writeBlock(ctx, out, src, md, blockCoord, coverage, cursor)
		if err != nil {
			writeErr = err
			return false
		}
		cursor += n
		blockDefs = append(blockDefs, def)
		return true
	})
	if writeErr != nil {
		return FileHeader{}, writeErr
	}

	blockIndexBytes, err := EncodeBlockIndex(blockDefs)
	if err != nil {
		return FileHeader{}, err
	}
	blocksRange := tiles.ByteRange{Offset: cursor, Length: uint64(len(blockIndexBytes))}
	if _, err := out.Write(blockIndexBytes); err != nil {
		return FileHeader{}, fmt.Errorf("versatiles: write block index: %w", err)
	}

	minZoom, _ := md.BBoxPyramid.GetLevelMin()
	maxZoom, _ := md.BBoxPyramid.GetLevelMax()
	bounds, ok := src.TileJSON().Bounds()
	if !ok {
		bounds = tiles.GeoBBox{MinLon: -180, MinLat: -85.0511, MaxLon: 180, MaxLat: 85.0511}
	}

	header := FileHeader{
		TileFormat:      md.TileFormat,
		TileCompression: md.TileCompression,
		MinZoom:         minZoom,
		MaxZoom:         maxZoom,
		MinLonE7:        int32(bounds.MinLon * 1e7),
		MinLatE7:        int32(bounds.MinLat * 1e7),
		MaxLonE7:        int32(bounds.MaxLon * 1e7),
		MaxLatE7:        int32(bounds.MaxLat * 1e7),
		MetaRange:       metaRange,
		BlocksRange:     blocksRange,
	}

	headerBytes, err := SerializeHeader(header)
	if err != nil {
		return FileHeader{}, err
	}
	if _, err := out.Seek(0, io.SeekStart); err != nil {
		return FileHeader{}, fmt.Errorf("versatiles: seek to header: %w", err)
	}
	if _, err := out.Write(headerBytes); err != nil {
		return FileHeader{}, fmt.Errorf("versatiles: write header: %w", err)
	}
	return header, nil
}

// writeBlock streams one block's tiles (deduplicating within the block)
// followed by its Brotli-compressed tile index, both starting at
// startOffset, and returns the block's definition plus the number of
// bytes written.
func writeBlock(ctx context.Context, out io.Writer, src source.TileSource, md *source.TileSourceMetadata, blockCoord tiles.TileCoord, coverage tiles.TileBBox, startOffset uint64) (BlockDefinition, uint64, error) {
	hashToRange := make(map[string]TileIndexEntry)
	entries := make([]TileIndexEntry, 0, coverage.CountTiles())

	cursor := uint64(0)
	for y := coverage.YMin; y <= coverage.YMax; y++ {
		for x := coverage.XMin; x <= coverage.XMax; x++ {
			global := tiles.TileCoord{
				Level: blockCoord.Level,
				X:     blockCoord.X*BlockSize + x,
				Y:     blockCoord.Y*BlockSize + y,
			}
			tile, err := src.GetTile(ctx, global)
			if err != nil {
				return BlockDefinition{}, 0, fmt.Errorf("versatiles: get tile %v: %w", global, err)
			}
			if tile == nil {
				entries = append(entries, TileIndexEntry{})
				continue
			}
			blob, err := tile.AsBlob(md.TileCompression)
			if err != nil {
				return BlockDefinition{}, 0, err
			}
			data := blob.Bytes()

			var key string
			dedup := len(data) <= dedupLimitBytes
			if dedup {
				key = string(data)
				if existing, ok := hashToRange[key]; ok {
					entries = append(entries, existing)
					continue
				}
			}

			if _, err := out.Write(data); err != nil {
				return BlockDefinition{}, 0, fmt.Errorf("versatiles: write tile data: %w", err)
			}
			entry := TileIndexEntry{Offset: cursor, Length: uint32(len(data))}
			if dedup {
				hashToRange[key] = entry
			}
			entries = append(entries, entry)
			cursor += uint64(len(data))
			if x == coverage.XMax {
				break
			}
		}
	}

	tilesRange := tiles.ByteRange{Offset: startOffset, Length: cursor}
	indexBytes, err := EncodeTileIndex(entries)
	if err != nil {
		return BlockDefinition{}, 0, err
	}
	if _, err := out.Write(indexBytes); err != nil {
		return BlockDefinition{}, 0, fmt.Errorf("versatiles: write tile index: %w", err)
	}
	indexRange := tiles.ByteRange{Offset: tilesRange.End(), Length: uint64(len(indexBytes))}

	def := BlockDefinition{
		Offset:        blockCoord,
		GlobalBBox:    blockGlobalBBox(blockCoord, coverage),
		TilesCoverage: coverage,
		TilesRange:    tilesRange,
		IndexRange:    indexRange,
	}
	return def, tilesRange.Length + indexRange.Length, nil
}

// Package dircontainer implements the plain-directory tile container:
// on disk <root>/<z>/<x>/<y>.<fmt>[.<cmp>] plus a tiles.json[.<cmp>]
// sibling, per spec.md §4.8/§6.4. The reader walks the whole <z>/<x>
// tree once when it is opened, to build the bbox pyramid and to check
// that all tiles share one (format, compression) pair, same as the Tar
// container; GetTile then reads a tile's file by its path. Directory
// entries are not listed lazily per access.
//
// Grounded on the teacher's path-building idiom (directory/URI handling
// spread across pmtiles/convert.go and pmtiles/bucket.go) generalized to
// os.MkdirAll/os.ReadDir, the standard library's natural fit for this
// concern.
package dircontainer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/tiledepot/tilekit/tiles"
	"github.com/tiledepot/tilekit/tiles/codec"
	"github.com/tiledepot/tilekit/tiles/source"
	"github.com/tiledepot/tilekit/tiles/stream"
)

// Reader is a source.TileSource backed by a tile pyramid laid out as
// plain files under root.
type Reader struct {
	root     string
	meta     source.TileSourceMetadata
	tileJSON *source.TileJSON
}

// OpenReader walks root's <z>/<x> subdirectories to discover the bbox
// pyramid and the single (format, compression) pair in use, and loads
// tiles.json if present.
func OpenReader(ctx context.Context, root string) (*Reader, error) {
	zEntries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("dircontainer: read %s: %w", root, err)
	}

	pyramid := tiles.NewEmptyPyramid()
	var format tiles.TileFormat
	var compression tiles.TileCompression
	formatSet := false

	for _, zEntry := range zEntries {
		if !zEntry.IsDir() {
			continue
		}
		z, err := strconv.ParseUint(zEntry.Name(), 10, 8)
		if err != nil {
			continue
		}
		xEntries, err := os.ReadDir(filepath.Join(root, zEntry.Name()))
		if err != nil {
			return nil, fmt.Errorf("dircontainer: read zoom dir %s: %w", zEntry.Name(), err)
		}
		for _, xEntry := range xEntries {
			if !xEntry.IsDir() {
				continue
			}
			x, err := strconv.ParseUint(xEntry.Name(), 10, 32)
			if err != nil {
				continue
			}
			yEntries, err := os.ReadDir(filepath.Join(root, zEntry.Name(), xEntry.Name()))
			if err != nil {
				return nil, fmt.Errorf("dircontainer: read column dir %s/%s: %w", zEntry.Name(), xEntry.Name(), err)
			}
			for _, yEntry := range yEntries {
				if yEntry.IsDir() {
					continue
				}
				y, entryFormat, entryCompression, ok := parseTileFilename(yEntry.Name())
				if !ok {
					continue
				}
				if !formatSet {
					format, compression, formatSet = entryFormat, entryCompression, true
				} else if entryFormat != format || entryCompression != compression {
					return nil, fmt.Errorf("dircontainer: inconsistent tile format/compression at %d/%d/%s (want %v/%v, got %v/%v)",
						z, x, yEntry.Name(), format, compression, entryFormat, entryCompression)
				}
				pyramid.IncludeCoord(tiles.TileCoord{Level: uint8(z), X: uint32(x), Y: y})
			}
		}
	}

	r := &Reader{
		root: root,
		meta: source.TileSourceMetadata{
			TileFormat:      format,
			TileCompression: compression,
			BBoxPyramid:     pyramid,
			Traversal:       source.Traversal{Order: source.TraversalAny},
		},
	}

	tj := source.NewTileJSON()
	if data, suffix, ok := readMetadataFile(root); ok {
		if raw, err := decodeSuffix(data, suffix); err == nil {
			if parsed, err := source.UnmarshalTileJSON(raw); err == nil {
				tj = parsed
			}
		}
	}
	tj.UpdateFromReaderParameters(&r.meta)
	r.tileJSON = tj
	return r, nil
}

func (r *Reader) Metadata() *source.TileSourceMetadata { return &r.meta }
func (r *Reader) TileJSON() *source.TileJSON           { return r.tileJSON }
func (r *Reader) SourceType() source.SourceType {
	return source.SourceType(fmt.Sprintf("container 'directory' (%s)", r.root))
}

// GetTile reads coord's tile file directly; a missing file is reported
// as (nil, nil) rather than an error.
func (r *Reader) GetTile(ctx context.Context, coord tiles.TileCoord) (*source.Tile, error) {
	ext, ok := r.meta.TileFormat.Extension()
	if !ok {
		return nil, fmt.Errorf("dircontainer: unknown tile format %v", r.meta.TileFormat)
	}
	name := fmt.Sprintf("%d.%s", coord.Y, ext)
	if suffix := r.meta.TileCompression.Extension(); suffix != "" {
		name += "." + suffix
	}
	path := filepath.Join(r.root, strconv.Itoa(int(coord.Level)), strconv.Itoa(int(coord.X)), name)

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dircontainer: read tile %v: %w", coord, err)
	}
	tile := source.NewBlobTile(tiles.NewBlob(data), r.meta.TileFormat, r.meta.TileCompression)
	return &tile, nil
}

func (r *Reader) GetTileStream(ctx context.Context, bbox tiles.TileBBox) (stream.TileStream[*source.Tile], error) {
	limits := stream.DefaultConcurrencyLimits()
	return source.GetTileStreamAny(ctx, r, bbox, limits.IOBound)
}

func (r *Reader) Close() error { return nil }

// parseTileFilename parses "<y>.<fmt>[.<cmp>]".
func parseTileFilename(name string) (uint32, tiles.TileFormat, tiles.TileCompression, bool) {
	compression := tiles.CompressionUncompressed
	switch {
	case strings.HasSuffix(name, ".gz"):
		compression = tiles.CompressionGzip
		name = strings.TrimSuffix(name, ".gz")
	case strings.HasSuffix(name, ".br"):
		compression = tiles.CompressionBrotli
		name = strings.TrimSuffix(name, ".br")
	}
	dot := strings.LastIndex(name, ".")
	if dot < 0 {
		return 0, 0, 0, false
	}
	y, err := strconv.ParseUint(name[:dot], 10, 32)
	if err != nil {
		return 0, 0, 0, false
	}
	format := tiles.FormatFromExtension(name[dot+1:])
	if format == tiles.FormatUnknown {
		return 0, 0, 0, false
	}
	return uint32(y), format, compression, true
}

var metadataBaseNames = []string{"tiles.json", "meta.json", "metadata.json"}

func readMetadataFile(root string) ([]byte, string, bool) {
	for _, base := range metadataBaseNames {
		for _, suffix := range []string{"", ".gz", ".br"} {
			path := filepath.Join(root, base+suffix)
			data, err := os.ReadFile(path)
			if err == nil {
				return data, strings.TrimPrefix(suffix, "."), true
			}
		}
	}
	return nil, "", false
}

func decodeSuffix(data []byte, suffix string) ([]byte, error) {
	switch suffix {
	case "gz":
		blob, err := codec.Decompress(tiles.NewBlob(data), tiles.CompressionGzip)
		if err != nil {
			return nil, err
		}
		return blob.Bytes(), nil
	case "br":
		blob, err := codec.Decompress(tiles.NewBlob(data), tiles.CompressionBrotli)
		if err != nil {
			return nil, err
		}
		return blob.Bytes(), nil
	default:
		return data, nil
	}
}

// Writer assembles a directory tile pyramid at an absolute root path,
// creating intermediate <z>/<x> directories on demand.
type Writer struct {
	root        string
	format      tiles.TileFormat
	compression tiles.TileCompression
	formatSet   bool
	pyramid     tiles.TileBBoxPyramid
}

// NewWriter opens root for writing; root must be an absolute path per
// spec.md §4.8.
func NewWriter(root string) (*Writer, error) {
	if !filepath.IsAbs(root) {
		return nil, fmt.Errorf("dircontainer: writer root %q must be an absolute path", root)
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("dircontainer: create root %s: %w", root, err)
	}
	return &Writer{root: root, pyramid: tiles.NewEmptyPyramid()}, nil
}

// AddTile writes one tile file, creating its <z>/<x> directory as needed.
func (w *Writer) AddTile(coord tiles.TileCoord, data []byte, format tiles.TileFormat, compression tiles.TileCompression) error {
	if !w.formatSet {
		w.format, w.compression, w.formatSet = format, compression, true
	} else if format != w.format || compression != w.compression {
		return fmt.Errorf("dircontainer: inconsistent tile format/compression at %v (have %v/%v, got %v/%v)",
			coord, w.format, w.compression, format, compression)
	}

	ext, ok := format.Extension()
	if !ok {
		return fmt.Errorf("dircontainer: tile %v has unknown format", coord)
	}
	dir := filepath.Join(w.root, strconv.Itoa(int(coord.Level)), strconv.Itoa(int(coord.X)))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("dircontainer: create dir %s: %w", dir, err)
	}
	name := fmt.Sprintf("%d.%s", coord.Y, ext)
	if suffix := compression.Extension(); suffix != "" {
		name += "." + suffix
	}
	if err := os.WriteFile(filepath.Join(dir, name), data, 0644); err != nil {
		return fmt.Errorf("dircontainer: write tile %v: %w", coord, err)
	}
	w.pyramid.IncludeCoord(coord)
	return nil
}

// Finalize writes the tiles.json metadata sibling file.
func (w *Writer) Finalize(tileJSON *source.TileJSON) error {
	minZoom, _ := w.pyramid.GetLevelMin()
	maxZoom, _ := w.pyramid.GetLevelMax()
	tileJSON.SetMinZoom(minZoom)
	tileJSON.SetMaxZoom(maxZoom)
	data, err := tileJSON.MarshalCompact()
	if err != nil {
		return fmt.Errorf("dircontainer: marshal tilejson: %w", err)
	}
	if err := os.WriteFile(filepath.Join(w.root, "tiles.json"), data, 0644); err != nil {
		return fmt.Errorf("dircontainer: write tiles.json: %w", err)
	}
	return nil
}

func (w *Writer) Close() error { return nil }

// WriteFromSource drains every tile from src into a complete directory
// pyramid at root.
func WriteFromSource(ctx context.Context, root string, src source.TileSource) error {
	md := src.Metadata()
	w, err := NewWriter(root)
	if err != nil {
		return err
	}

	var stepErr error
	for z := 0; z <= tiles.MaxLevel; z++ {
		b := md.BBoxPyramid[z]
		if b.IsEmpty() {
			continue
		}
		b.IterCoords(func(c tiles.TileCoord) bool {
			tile, err := src.GetTile(ctx, c)
			if err != nil {
				stepErr = err
				return false
			}
			if tile == nil {
				return true
			}
			blob, err := tile.AsBlob(md.TileCompression)
			if err != nil {
				stepErr = err
				return false
			}
			if err := w.AddTile(c, blob.Bytes(), md.TileFormat, md.TileCompression); err != nil {
				stepErr = err
				return false
			}
			return true
		})
		if stepErr != nil {
			return stepErr
		}
	}

	return w.Finalize(src.TileJSON())
}

// Package mbtiles implements the MBTiles SQLite container reader and
// writer, grounded directly on the teacher's (protomaps/go-pmtiles)
// pmtiles/convert.go ConvertMbtiles: the same zombiezen.com/go/sqlite
// PrepareTransient/Step query pattern and the same TMS row-flip
// (flipped_y = 2^z-1-y) translating on-disk south-origin rows to the
// internal XYZ convention, per spec.md §4.6/§6.3.
package mbtiles

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"zombiezen.com/go/sqlite"

	"github.com/tiledepot/tilekit/tiles"
	"github.com/tiledepot/tilekit/tiles/source"
	"github.com/tiledepot/tilekit/tiles/stream"
)

// SchemaStatements is the MBTiles SQL schema this package creates on
// write, one CREATE statement per element since execSQL runs a single
// statement at a time.
var SchemaStatements = []string{
	`CREATE TABLE metadata (name TEXT, value TEXT, UNIQUE(name))`,
	`CREATE TABLE tiles (zoom_level INTEGER, tile_column INTEGER, tile_row INTEGER, tile_data BLOB)`,
	`CREATE UNIQUE INDEX tile_index ON tiles(zoom_level, tile_column, tile_row)`,
}

// formatKey maps TileFormat to the MBTiles metadata "format" value.
func formatKey(f tiles.TileFormat) (string, error) {
	switch f {
	case tiles.FormatJPG:
		return "jpg", nil
	case tiles.FormatPNG:
		return "png", nil
	case tiles.FormatWebP:
		return "webp", nil
	case tiles.FormatMVT:
		return "pbf", nil
	default:
		return "", fmt.Errorf("mbtiles: unsupported tile format %v", f)
	}
}

func formatFromKey(key string) (tiles.TileFormat, error) {
	switch key {
	case "jpg", "jpeg":
		return tiles.FormatJPG, nil
	case "png":
		return tiles.FormatPNG, nil
	case "webp":
		return tiles.FormatWebP, nil
	case "pbf":
		return tiles.FormatMVT, nil
	default:
		return tiles.FormatUnknown, fmt.Errorf("mbtiles: unknown metadata format %q", key)
	}
}

// SupportedCombination reports whether (format, compression) is one of
// the writer's four supported pairs per spec.md §4.6.
func SupportedCombination(f tiles.TileFormat, c tiles.TileCompression) bool {
	switch {
	case f == tiles.FormatJPG && c == tiles.CompressionUncompressed:
		return true
	case f == tiles.FormatPNG && c == tiles.CompressionUncompressed:
		return true
	case f == tiles.FormatWebP && c == tiles.CompressionUncompressed:
		return true
	case f == tiles.FormatMVT && c == tiles.CompressionGzip:
		return true
	default:
		return false
	}
}

// flipY converts between MBTiles' TMS (south-origin) row convention and
// the internal XYZ (north-origin) convention; the transform is its own
// inverse.
func flipY(z uint8, y uint32) uint32 {
	return (uint32(1) << z) - 1 - y
}

// execSQL runs a single statement with no result rows, in the teacher's
// PrepareTransient/Step/Finalize idiom (pmtiles/convert.go never uses a
// one-shot Conn.Exec convenience method).
func execSQL(conn *sqlite.Conn, query string) error {
	stmt, _, err := conn.PrepareTransient(query)
	if err != nil {
		return err
	}
	defer stmt.Finalize()
	_, err = stmt.Step()
	return err
}

// Reader is a source.TileSource backed by an MBTiles SQLite database,
// opened read-only.
type Reader struct {
	conn     *sqlite.Conn
	path     string
	meta     source.TileSourceMetadata
	tileJSON *source.TileJSON
}

// OpenReader opens path read-only and loads its metadata/bbox pyramid.
func OpenReader(ctx context.Context, path string) (*Reader, error) {
	conn, err := sqlite.OpenConn(path, sqlite.OpenReadOnly)
	if err != nil {
		return nil, fmt.Errorf("mbtiles: open %s: %w", path, err)
	}
	r := &Reader{conn: conn, path: path}

	metaRows := make(map[string]string)
	{
		stmt, _, err := conn.PrepareTransient("SELECT name, value FROM metadata")
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("mbtiles: prepare metadata query: %w", err)
		}
		for {
			row, err := stmt.Step()
			if err != nil {
				stmt.Finalize()
				conn.Close()
				return nil, fmt.Errorf("mbtiles: read metadata: %w", err)
			}
			if !row {
				break
			}
			metaRows[stmt.ColumnText(0)] = stmt.ColumnText(1)
		}
		stmt.Finalize()
	}

	format := tiles.FormatUnknown
	if f, ok := metaRows["format"]; ok {
		if parsed, err := formatFromKey(f); err == nil {
			format = parsed
		}
	}
	compression := tiles.CompressionUncompressed
	if format == tiles.FormatMVT {
		compression = tiles.CompressionGzip
	}

	pyramid := tiles.NewEmptyPyramid()
	{
		stmt, _, err := conn.PrepareTransient("SELECT DISTINCT zoom_level, tile_column, tile_row FROM tiles")
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("mbtiles: prepare tile scan: %w", err)
		}
		for {
			row, err := stmt.Step()
			if err != nil {
				stmt.Finalize()
				conn.Close()
				return nil, fmt.Errorf("mbtiles: scan tiles: %w", err)
			}
			if !row {
				break
			}
			z := uint8(stmt.ColumnInt64(0))
			x := uint32(stmt.ColumnInt64(1))
			y := flipY(z, uint32(stmt.ColumnInt64(2)))
			pyramid.IncludeCoord(tiles.TileCoord{Level: z, X: x, Y: y})
		}
		stmt.Finalize()
	}

	r.meta = source.TileSourceMetadata{
		TileFormat:      format,
		TileCompression: compression,
		BBoxPyramid:     pyramid,
		Traversal:       source.Traversal{Order: source.TraversalAny},
	}

	tj := source.NewTileJSON()
	if rawJSON, ok := metaRows["json"]; ok {
		if parsed, err := source.UnmarshalTileJSON([]byte(rawJSON)); err == nil {
			tj = parsed
		}
	}
	for k, v := range metaRows {
		if k == "json" || k == "format" {
			continue
		}
		tj.Set(k, v)
	}
	tj.UpdateFromReaderParameters(&r.meta)
	r.tileJSON = tj
	return r, nil
}

func (r *Reader) Metadata() *source.TileSourceMetadata { return &r.meta }
func (r *Reader) TileJSON() *source.TileJSON           { return r.tileJSON }
func (r *Reader) SourceType() source.SourceType {
	return source.SourceType(fmt.Sprintf("container 'mbtiles' (%s)", r.path))
}

// GetTile converts coord's XYZ row to the on-disk TMS row and queries it.
func (r *Reader) GetTile(ctx context.Context, coord tiles.TileCoord) (*source.Tile, error) {
	tmsRow := flipY(coord.Level, coord.Y)
	stmt, err := r.conn.Prepare("SELECT tile_data FROM tiles WHERE zoom_level = ? AND tile_column = ? AND tile_row = ?")
	if err != nil {
		return nil, fmt.Errorf("mbtiles: prepare tile query: %w", err)
	}
	defer stmt.Reset()
	stmt.BindInt64(1, int64(coord.Level))
	stmt.BindInt64(2, int64(coord.X))
	stmt.BindInt64(3, int64(tmsRow))

	hasRow, err := stmt.Step()
	if err != nil {
		return nil, fmt.Errorf("mbtiles: query tile %v: %w", coord, err)
	}
	if !hasRow {
		return nil, nil
	}
	data := make([]byte, stmt.ColumnLen(0))
	stmt.ColumnBytes(0, data)
	tile := source.NewBlobTile(tiles.NewBlob(data), r.meta.TileFormat, r.meta.TileCompression)
	return &tile, nil
}

// GetTileStream fans GetTile out across the bbox. SQLite connections are
// not safe for concurrent use, so unlike other readers this uses a
// concurrency limit of 1: the teacher's own access pattern (a single
// *sqlite.Conn per ConvertMbtiles pass) is preserved rather than pooling
// connections, matching spec.md's "readers are created once, cloned
// cheaply" when the underlying store permits it.
func (r *Reader) GetTileStream(ctx context.Context, bbox tiles.TileBBox) (stream.TileStream[*source.Tile], error) {
	return source.GetTileStreamAny(ctx, r, bbox, 1)
}

func (r *Reader) Close() error {
	return r.conn.Close()
}

// Writer assembles an MBTiles SQLite database, batching inserts per
// spec.md §4.6 ("Writes batch >=2000 tile rows per transaction").
type Writer struct {
	conn        *sqlite.Conn
	insertStmt  *sqlite.Stmt
	format      tiles.TileFormat
	compression tiles.TileCompression
	pending     int
	batchSize   int
	pyramid     tiles.TileBBoxPyramid
}

// BatchSize is the default transaction batch size.
const BatchSize = 2000

// NewWriter creates (overwriting) path with the MBTiles schema, ready to
// accept tiles of the given (format, compression) pair.
func NewWriter(path string, format tiles.TileFormat, compression tiles.TileCompression) (*Writer, error) {
	if !SupportedCombination(format, compression) {
		return nil, fmt.Errorf("mbtiles: unsupported combination (%v, %v)", format, compression)
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("mbtiles: remove existing %s: %w", path, err)
	}
	conn, err := sqlite.OpenConn(path, sqlite.OpenReadWrite|sqlite.OpenCreate)
	if err != nil {
		return nil, fmt.Errorf("mbtiles: create %s: %w", path, err)
	}
	for _, stmt := range SchemaStatements {
		if err := execSQL(conn, stmt); err != nil {
			conn.Close()
			return nil, fmt.Errorf("mbtiles: create schema: %w", err)
		}
	}
	if err := execSQL(conn, "BEGIN"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("mbtiles: begin transaction: %w", err)
	}
	insertStmt, err := conn.Prepare("INSERT INTO tiles (zoom_level, tile_column, tile_row, tile_data) VALUES (?, ?, ?, ?)")
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("mbtiles: prepare insert: %w", err)
	}
	return &Writer{conn: conn, insertStmt: insertStmt, format: format, compression: compression, batchSize: BatchSize, pyramid: tiles.NewEmptyPyramid()}, nil
}

// AddTile inserts one tile, batching transactions of BatchSize rows.
func (w *Writer) AddTile(coord tiles.TileCoord, data []byte) error {
	tmsRow := flipY(coord.Level, coord.Y)
	w.insertStmt.BindInt64(1, int64(coord.Level))
	w.insertStmt.BindInt64(2, int64(coord.X))
	w.insertStmt.BindInt64(3, int64(tmsRow))
	w.insertStmt.BindBytes(4, data)
	if _, err := w.insertStmt.Step(); err != nil {
		return fmt.Errorf("mbtiles: insert tile %v: %w", coord, err)
	}
	if err := w.insertStmt.Reset(); err != nil {
		return fmt.Errorf("mbtiles: reset insert statement: %w", err)
	}

	w.pyramid.IncludeCoord(coord)
	w.pending++
	if w.pending >= w.batchSize {
		if err := execSQL(w.conn, "COMMIT"); err != nil {
			return fmt.Errorf("mbtiles: commit batch: %w", err)
		}
		if err := execSQL(w.conn, "BEGIN"); err != nil {
			return fmt.Errorf("mbtiles: begin batch: %w", err)
		}
		w.pending = 0
	}
	return nil
}

// Finalize writes metadata (including the "format" key and the reader's
// TileJSON stringified under "json") and commits the final transaction.
func (w *Writer) Finalize(tileJSON *source.TileJSON) error {
	fKey, err := formatKey(w.format)
	if err != nil {
		return err
	}
	minZoom, _ := w.pyramid.GetLevelMin()
	maxZoom, _ := w.pyramid.GetLevelMax()
	tileJSON.SetMinZoom(minZoom)
	tileJSON.SetMaxZoom(maxZoom)
	jsonBytes, err := json.Marshal(tileJSON.Values())
	if err != nil {
		return fmt.Errorf("mbtiles: marshal tilejson: %w", err)
	}

	rows := [][2]string{
		{"name", "tilekit"},
		{"format", fKey},
		{"minzoom", fmt.Sprintf("%d", minZoom)},
		{"maxzoom", fmt.Sprintf("%d", maxZoom)},
		{"json", string(jsonBytes)},
	}
	metaStmt, err := w.conn.Prepare("INSERT OR REPLACE INTO metadata (name, value) VALUES (?, ?)")
	if err != nil {
		return fmt.Errorf("mbtiles: prepare metadata insert: %w", err)
	}
	for _, row := range rows {
		metaStmt.BindText(1, row[0])
		metaStmt.BindText(2, row[1])
		if _, err := metaStmt.Step(); err != nil {
			return fmt.Errorf("mbtiles: insert metadata %s: %w", row[0], err)
		}
		if err := metaStmt.Reset(); err != nil {
			return fmt.Errorf("mbtiles: reset metadata statement: %w", err)
		}
	}

	if err := execSQL(w.conn, "COMMIT"); err != nil {
		return fmt.Errorf("mbtiles: commit final transaction: %w", err)
	}
	return nil
}

func (w *Writer) Close() error {
	return w.conn.Close()
}

// WriteFromSource drains every tile from src and writes a complete
// MBTiles database at path.
func WriteFromSource(ctx context.Context, path string, src source.TileSource) error {
	md := src.Metadata()
	w, err := NewWriter(path, md.TileFormat, md.TileCompression)
	if err != nil {
		return err
	}
	defer w.Close()

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
			if err := w.AddTile(c, blob.Bytes()); err != nil {
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

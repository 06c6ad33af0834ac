package versatiles

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/andybalholm/brotli"

	"github.com/tiledepot/tilekit/tiles"
)

// BlockSize is the fixed tile-count edge of a VersaTiles block (256x256).
const BlockSize = 256

// BlockDefinition describes one 256x256 block: its block-grid coordinate,
// the geographic bbox it covers, the sub-bbox of tiles it actually holds
// (within [0,255]^2 at the block's own sub-zoom), and its two on-disk
// byte ranges.
type BlockDefinition struct {
	Offset         tiles.TileCoord // Level = block zoom; X/Y = block column/row
	GlobalBBox     tiles.GeoBBox
	TilesCoverage  tiles.TileBBox // in [0,255]^2, sub-zoom = min(z, 8)
	TilesRange     tiles.ByteRange
	IndexRange     tiles.ByteRange
}

// blockDefLenBytes is the fixed encoded size of one BlockDefinition record:
// u8 z | u32 x | u32 y | u8 x_min | u8 y_min | u8 x_max | u8 y_max |
// u64 tiles_offset | u64 tiles_length | u32 index_length.
const blockDefLenBytes = 1 + 4 + 4 + 1 + 1 + 1 + 1 + 8 + 8 + 4

// EncodeBlockDefinition serializes one block record, big-endian.
func EncodeBlockDefinition(b BlockDefinition) []byte {
	buf := make([]byte, blockDefLenBytes)
	be := binary.BigEndian
	buf[0] = b.Offset.Level
	be.PutUint32(buf[1:5], b.Offset.X)
	be.PutUint32(buf[5:9], b.Offset.Y)
	buf[9] = uint8(b.TilesCoverage.XMin)
	buf[10] = uint8(b.TilesCoverage.YMin)
	buf[11] = uint8(b.TilesCoverage.XMax)
	buf[12] = uint8(b.TilesCoverage.YMax)
	be.PutUint64(buf[13:21], b.TilesRange.Offset)
	be.PutUint64(buf[21:29], b.TilesRange.Length)
	be.PutUint32(buf[29:33], uint32(b.IndexRange.Length))
	return buf
}

// DecodeBlockDefinition parses one block record and reconstructs its
// global geographic bbox and implied index range (the record itself only
// carries the index length; the offset is tiles_offset+tiles_length per
// the writer's contiguity invariant).
func DecodeBlockDefinition(d []byte) (BlockDefinition, error) {
	if len(d) < blockDefLenBytes {
		return BlockDefinition{}, fmt.Errorf("versatiles: block definition too short (%d bytes)", len(d))
	}
	be := binary.BigEndian
	var b BlockDefinition
	z := d[0]
	x := be.Uint32(d[1:5])
	y := be.Uint32(d[5:9])
	b.Offset = tiles.TileCoord{Level: z, X: x, Y: y}
	b.TilesCoverage = tiles.TileBBox{
		Level: z,
		XMin:  uint32(d[9]), YMin: uint32(d[10]),
		XMax: uint32(d[11]), YMax: uint32(d[12]),
	}
	b.TilesRange = tiles.ByteRange{Offset: be.Uint64(d[13:21]), Length: be.Uint64(d[21:29])}
	indexLen := be.Uint32(d[29:33])
	b.IndexRange = tiles.ByteRange{Offset: b.TilesRange.End(), Length: uint64(indexLen)}
	b.GlobalBBox = blockGlobalBBox(b.Offset, b.TilesCoverage)
	return b, nil
}

// blockGlobalBBox computes the geographic coverage of a block's non-empty
// tile coverage, at the block's own zoom level. coverage's X/Y are
// block-local (relative to blockCoord*BlockSize).
func blockGlobalBBox(blockCoord tiles.TileCoord, coverage tiles.TileBBox) tiles.GeoBBox {
	nw := tiles.TileCoord{
		Level: blockCoord.Level,
		X:     blockCoord.X*BlockSize + coverage.XMin,
		Y:     blockCoord.Y*BlockSize + coverage.YMin,
	}
	se := tiles.TileCoord{
		Level: blockCoord.Level,
		X:     nw.X + coverage.Width(),
		Y:     nw.Y + coverage.Height(),
	}
	nwLon, nwLat := nw.AsGeo()
	seLon, seLat := se.AsGeo()
	return tiles.GeoBBox{MinLon: nwLon, MinLat: seLat, MaxLon: seLon, MaxLat: nwLat}
}

// TileIndexEntry is one (offset, length) pair for a single tile within a
// block's tiles data section.
type TileIndexEntry struct {
	Offset uint64
	Length uint32
}

// EncodeTileIndex serializes a block's per-tile index in x-major order
// within the block's coverage, then Brotli-compresses it (the spec's
// "compact packed array of (offset, length)").
func EncodeTileIndex(entries []TileIndexEntry) ([]byte, error) {
	var raw bytes.Buffer
	tmp := make([]byte, 12)
	for _, e := range entries {
		binary.BigEndian.PutUint64(tmp[0:8], e.Offset)
		binary.BigEndian.PutUint32(tmp[8:12], e.Length)
		raw.Write(tmp)
	}
	var compressed bytes.Buffer
	w := brotli.NewWriterOptions(&compressed, brotli.WriterOptions{Quality: 10, LGWin: 19})
	if _, err := w.Write(raw.Bytes()); err != nil {
		return nil, fmt.Errorf("versatiles: brotli tile index: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return compressed.Bytes(), nil
}

// DecodeTileIndex reverses EncodeTileIndex, given the expected tile count.
func DecodeTileIndex(data []byte, count int) ([]TileIndexEntry, error) {
	r := brotli.NewReader(bytes.NewReader(data))
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("versatiles: decode tile index: %w", err)
	}
	if len(raw) != count*12 {
		return nil, fmt.Errorf("versatiles: tile index length %d, want %d for %d tiles", len(raw), count*12, count)
	}
	out := make([]TileIndexEntry, count)
	for i := 0; i < count; i++ {
		off := i * 12
		out[i] = TileIndexEntry{
			Offset: binary.BigEndian.Uint64(raw[off : off+8]),
			Length: binary.BigEndian.Uint32(raw[off+8 : off+12]),
		}
	}
	return out, nil
}

// EncodeBlockIndex Brotli-compresses a sequence of block definition
// records (the BlockIndex section, placed at the end of the file).
func EncodeBlockIndex(blocks []BlockDefinition) ([]byte, error) {
	var raw bytes.Buffer
	for _, b := range blocks {
		raw.Write(EncodeBlockDefinition(b))
	}
	var compressed bytes.Buffer
	w := brotli.NewWriterOptions(&compressed, brotli.WriterOptions{Quality: 10, LGWin: 19})
	if _, err := w.Write(raw.Bytes()); err != nil {
		return nil, fmt.Errorf("versatiles: brotli block index: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return compressed.Bytes(), nil
}

// DecodeBlockIndex reverses EncodeBlockIndex.
func DecodeBlockIndex(data []byte) ([]BlockDefinition, error) {
	r := brotli.NewReader(bytes.NewReader(data))
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("versatiles: decode block index: %w", err)
	}
	if len(raw)%blockDefLenBytes != 0 {
		return nil, fmt.Errorf("versatiles: block index length %d not a multiple of %d", len(raw), blockDefLenBytes)
	}
	n := len(raw) / blockDefLenBytes
	out := make([]BlockDefinition, n)
	for i := 0; i < n; i++ {
		def, err := DecodeBlockDefinition(raw[i*blockDefLenBytes : (i+1)*blockDefLenBytes])
		if err != nil {
			return nil, err
		}
		out[i] = def
	}
	return out, nil
}

// IterBlocks partitions a bbox pyramid into 256x256 block coordinates at
// every non-empty level, yielding each covered block's (level, bx, by)
// and the tile-local coverage bbox within it.
func IterBlocks(pyramid tiles.TileBBoxPyramid, yield func(blockCoord tiles.TileCoord, coverage tiles.TileBBox) bool) {
	for z := 0; z <= tiles.MaxLevel; z++ {
		level := uint8(z)
		b := pyramid[z]
		if b.IsEmpty() {
			continue
		}
		bxMin, byMin := b.XMin/BlockSize, b.YMin/BlockSize
		bxMax, byMax := b.XMax/BlockSize, b.YMax/BlockSize
		for by := byMin; by <= byMax; by++ {
			for bx := bxMin; bx <= bxMax; bx++ {
				blockCoord := tiles.TileCoord{Level: level, X: bx, Y: by}
				local := tiles.TileBBox{
					Level: level,
					XMin:  bx * BlockSize, YMin: by * BlockSize,
					XMax: bx*BlockSize + BlockSize - 1, YMax: by*BlockSize + BlockSize - 1,
				}
				coverage := b.Intersect(local)
				if coverage.IsEmpty() {
					continue
				}
				localCoverage := tiles.TileBBox{
					Level: level,
					XMin:  coverage.XMin - bx*BlockSize, YMin: coverage.YMin - by*BlockSize,
					XMax: coverage.XMax - bx*BlockSize, YMax: coverage.YMax - by*BlockSize,
				}
				if !yield(blockCoord, localCoverage) {
					return
				}
			}
		}
	}
}

// Package versatiles implements the VersaTiles v02 block/pyramid
// container: the 66-byte big-endian file header, 256x256-tile block
// layout, per-block Brotli-compressed tile index, and inter-tile content
// deduplication.
//
// The teacher (protomaps/go-pmtiles) has no VersaTiles support; this
// package is grounded by structural analogy to tiles/pmtiles's directory
// engine (the same "root index of byte ranges, recursively addressed
// sub-index" shape, here flattened to one level of 256x256 blocks instead
// of a Hilbert-ordered tree) and to andybalholm/brotli for per-block
// compression, matching spec.md §4.5/§6.2. Endianness is big-endian
// throughout, per spec.md §9 ("Writers MUST NOT use the host default").
package versatiles

import (
	"encoding/binary"
	"fmt"

	"github.com/tiledepot/tilekit/tiles"
)

// Magic is the fixed 14-byte file signature.
const Magic = "versatiles_v02"

// HeaderLenBytes is the fixed binary header size.
const HeaderLenBytes = 66

// FormatByte maps TileFormat to the on-disk format byte per spec.md §4.5.
func FormatByte(f tiles.TileFormat) (byte, error) {
	switch f {
	case tiles.FormatBIN:
		return 0x00, nil
	case tiles.FormatPNG:
		return 0x10, nil
	case tiles.FormatJPG:
		return 0x11, nil
	case tiles.FormatWebP:
		return 0x12, nil
	case tiles.FormatAVIF:
		return 0x13, nil
	case tiles.FormatSVG:
		return 0x14, nil
	case tiles.FormatMVT:
		return 0x20, nil
	case tiles.FormatGeoJSON:
		return 0x21, nil
	case tiles.FormatTopoJSON:
		return 0x22, nil
	case tiles.FormatJSON:
		return 0x23, nil
	default:
		return 0, fmt.Errorf("versatiles: unsupported tile format %v", f)
	}
}

// FormatFromByte is the inverse of FormatByte.
func FormatFromByte(b byte) (tiles.TileFormat, error) {
	switch b {
	case 0x00:
		return tiles.FormatBIN, nil
	case 0x10:
		return tiles.FormatPNG, nil
	case 0x11:
		return tiles.FormatJPG, nil
	case 0x12:
		return tiles.FormatWebP, nil
	case 0x13:
		return tiles.FormatAVIF, nil
	case 0x14:
		return tiles.FormatSVG, nil
	case 0x20:
		return tiles.FormatMVT, nil
	case 0x21:
		return tiles.FormatGeoJSON, nil
	case 0x22:
		return tiles.FormatTopoJSON, nil
	case 0x23:
		return tiles.FormatJSON, nil
	default:
		return tiles.FormatUnknown, fmt.Errorf("versatiles: unknown tile format byte 0x%02x", b)
	}
}

// CompressionByte maps TileCompression to the on-disk compression byte.
func CompressionByte(c tiles.TileCompression) (byte, error) {
	switch c {
	case tiles.CompressionUncompressed:
		return 0, nil
	case tiles.CompressionGzip:
		return 1, nil
	case tiles.CompressionBrotli:
		return 2, nil
	default:
		return 0, fmt.Errorf("versatiles: unsupported compression %v", c)
	}
}

// CompressionFromByte is the inverse of CompressionByte.
func CompressionFromByte(b byte) (tiles.TileCompression, error) {
	switch b {
	case 0:
		return tiles.CompressionUncompressed, nil
	case 1:
		return tiles.CompressionGzip, nil
	case 2:
		return tiles.CompressionBrotli, nil
	default:
		return tiles.CompressionUnknown, fmt.Errorf("versatiles: unknown compression byte %d", b)
	}
}

// FileHeader is the 66-byte big-endian file header.
type FileHeader struct {
	TileFormat      tiles.TileFormat
	TileCompression tiles.TileCompression
	MinZoom         uint8
	MaxZoom         uint8
	MinLonE7        int32
	MinLatE7        int32
	MaxLonE7        int32
	MaxLatE7        int32
	MetaRange       tiles.ByteRange
	BlocksRange     tiles.ByteRange
}

// SerializeHeader writes the 66-byte big-endian header.
func SerializeHeader(h FileHeader) ([]byte, error) {
	b := make([]byte, HeaderLenBytes)
	copy(b[0:14], Magic)

	fmtByte, err := FormatByte(h.TileFormat)
	if err != nil {
		return nil, err
	}
	b[14] = fmtByte

	compByte, err := CompressionByte(h.TileCompression)
	if err != nil {
		return nil, err
	}
	b[15] = compByte

	if h.MinZoom > h.MaxZoom {
		return nil, fmt.Errorf("versatiles: min_zoom %d > max_zoom %d", h.MinZoom, h.MaxZoom)
	}
	b[16] = h.MinZoom
	b[17] = h.MaxZoom

	if err := checkMercatorBounds(h.MinLonE7, h.MinLatE7, h.MaxLonE7, h.MaxLatE7); err != nil {
		return nil, err
	}

	be := binary.BigEndian
	be.PutUint32(b[18:22], uint32(h.MinLonE7))
	be.PutUint32(b[22:26], uint32(h.MinLatE7))
	be.PutUint32(b[26:30], uint32(h.MaxLonE7))
	be.PutUint32(b[30:34], uint32(h.MaxLatE7))
	be.PutUint64(b[34:42], h.MetaRange.Offset)
	be.PutUint64(b[42:50], h.MetaRange.Length)
	be.PutUint64(b[50:58], h.BlocksRange.Offset)
	be.PutUint64(b[58:66], h.BlocksRange.Length)
	return b, nil
}

func checkMercatorBounds(minLonE7, minLatE7, maxLonE7, maxLatE7 int32) error {
	if minLonE7 > maxLonE7 {
		return fmt.Errorf("versatiles: bbox[0] (%d) > bbox[2] (%d)", minLonE7, maxLonE7)
	}
	if minLatE7 > maxLatE7 {
		return fmt.Errorf("versatiles: bbox[1] (%d) > bbox[3] (%d)", minLatE7, maxLatE7)
	}
	limit := int32(tiles.WebMercatorLatLimit * 1e7)
	if minLatE7 < -limit || maxLatE7 > limit {
		return fmt.Errorf("versatiles: latitude outside Web Mercator bounds")
	}
	return nil
}

// DeserializeHeader parses the 66-byte big-endian header.
func DeserializeHeader(d []byte) (FileHeader, error) {
	var h FileHeader
	if len(d) < HeaderLenBytes {
		return h, fmt.Errorf("versatiles: header too short (%d bytes)", len(d))
	}
	if string(d[0:14]) != Magic {
		return h, fmt.Errorf("versatiles: magic number not detected; not a VersaTiles archive")
	}
	var err error
	h.TileFormat, err = FormatFromByte(d[14])
	if err != nil {
		return h, err
	}
	h.TileCompression, err = CompressionFromByte(d[15])
	if err != nil {
		return h, err
	}
	h.MinZoom = d[16]
	h.MaxZoom = d[17]
	be := binary.BigEndian
	h.MinLonE7 = int32(be.Uint32(d[18:22]))
	h.MinLatE7 = int32(be.Uint32(d[22:26]))
	h.MaxLonE7 = int32(be.Uint32(d[26:30]))
	h.MaxLatE7 = int32(be.Uint32(d[30:34]))
	h.MetaRange = tiles.ByteRange{Offset: be.Uint64(d[34:42]), Length: be.Uint64(d[42:50])}
	h.BlocksRange = tiles.ByteRange{Offset: be.Uint64(d[50:58]), Length: be.Uint64(d[58:66])}
	return h, nil
}

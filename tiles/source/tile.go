package source

import (
	"bytes"
	"fmt"
	"image"
	_ "image/jpeg"
	"image/png"

	"github.com/tiledepot/tilekit/tiles"
	"github.com/tiledepot/tilekit/tiles/codec"
)

// Tile is a polymorphic tile payload: a raw compressed Blob, a decoded
// raster image, or a decoded VectorTile. Conversions between
// representations happen lazily and are cached on the value. Image
// decode/encode here stands in for the "small image-blob interface"
// spec.md places out of scope (real PNG/JPEG/WebP/AVIF codecs are an
// external collaborator); PNG and JPEG can be decoded, and only PNG can be
// encoded.
type Tile struct {
	blob        *tiles.Blob
	compression tiles.TileCompression
	format      tiles.TileFormat
	image       image.Image
	vector      *VectorTile
}

// NewBlobTile wraps a raw, possibly-compressed blob.
func NewBlobTile(blob tiles.Blob, format tiles.TileFormat, compression tiles.TileCompression) Tile {
	return Tile{blob: &blob, compression: compression, format: format}
}

// NewImageTile wraps an already-decoded raster image.
func NewImageTile(img image.Image, format tiles.TileFormat) Tile {
	return Tile{image: img, format: format, compression: tiles.CompressionUncompressed}
}

// NewVectorTileValue wraps an already-decoded vector tile.
func NewVectorTileValue(vt *VectorTile) Tile {
	return Tile{vector: vt, format: tiles.FormatMVT, compression: tiles.CompressionUncompressed}
}

// Format returns the tile's declared format.
func (t Tile) Format() tiles.TileFormat {
	return t.format
}

// AsBlob returns the tile's bytes compressed under the requested
// compression, decoding/encoding as necessary; it does not mutate t.
func (t Tile) AsBlob(target tiles.TileCompression) (tiles.Blob, error) {
	if t.blob != nil {
		if t.compression == target {
			return *t.blob, nil
		}
		decoded, err := codec.Decompress(*t.blob, t.compression)
		if err != nil {
			return tiles.Blob{}, err
		}
		return codec.Compress(decoded, target)
	}
	if t.vector != nil {
		raw, err := t.vector.ToBlob()
		if err != nil {
			return tiles.Blob{}, err
		}
		return codec.Compress(tiles.NewBlob(raw), target)
	}
	if t.image != nil {
		raw, err := encodeImage(t.image, t.format)
		if err != nil {
			return tiles.Blob{}, err
		}
		return codec.Compress(tiles.NewBlob(raw), target)
	}
	return tiles.Blob{}, fmt.Errorf("tile: empty value")
}

// IntoBlob is AsBlob but also fixes t's cached representation to the
// resulting blob, amortizing repeated conversions.
func (t *Tile) IntoBlob(target tiles.TileCompression) (tiles.Blob, error) {
	b, err := t.AsBlob(target)
	if err != nil {
		return tiles.Blob{}, err
	}
	t.blob = &b
	t.compression = target
	t.image = nil
	t.vector = nil
	return b, nil
}

// AsImage decodes the tile to a raster image, if its format is a raster
// format.
func (t Tile) AsImage() (image.Image, error) {
	if t.image != nil {
		return t.image, nil
	}
	if t.blob == nil {
		return nil, fmt.Errorf("tile: not a raster tile")
	}
	raw, err := codec.Decompress(*t.blob, t.compression)
	if err != nil {
		return nil, err
	}
	img, _, err := image.Decode(bytes.NewReader(raw.Bytes()))
	if err != nil {
		return nil, fmt.Errorf("tile: decode image: %w", err)
	}
	return img, nil
}

// IntoImage is AsImage but also fixes t's cached representation.
func (t *Tile) IntoImage() (image.Image, error) {
	img, err := t.AsImage()
	if err != nil {
		return nil, err
	}
	t.image = img
	t.blob = nil
	t.vector = nil
	return img, nil
}

// AsVector decodes the tile to a VectorTile, if its format is MVT.
func (t Tile) AsVector() (*VectorTile, error) {
	if t.vector != nil {
		return t.vector, nil
	}
	if t.blob == nil {
		return nil, fmt.Errorf("tile: not a vector tile")
	}
	raw, err := codec.Decompress(*t.blob, t.compression)
	if err != nil {
		return nil, err
	}
	return VectorTileFromBlob(raw.Bytes())
}

// IntoVector is AsVector but also fixes t's cached representation.
func (t *Tile) IntoVector() (*VectorTile, error) {
	vt, err := t.AsVector()
	if err != nil {
		return nil, err
	}
	t.vector = vt
	t.blob = nil
	t.image = nil
	return vt, nil
}

func encodeImage(img image.Image, format tiles.TileFormat) ([]byte, error) {
	var buf bytes.Buffer
	switch format {
	case tiles.FormatPNG:
		if err := png.Encode(&buf, img); err != nil {
			return nil, fmt.Errorf("tile: encode png: %w", err)
		}
		return buf.Bytes(), nil
	default:
		return nil, fmt.Errorf("tile: unsupported raster encode target %v", format)
	}
}

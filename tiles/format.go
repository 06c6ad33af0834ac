package tiles

// TileFormat is the encoding of an individual tile's payload.
type TileFormat uint8

const (
	FormatUnknown TileFormat = iota
	FormatPNG
	FormatJPG
	FormatWebP
	FormatAVIF
	FormatSVG
	FormatMVT
	FormatJSON
	FormatTopoJSON
	FormatGeoJSON
	FormatBIN
)

// MimeType returns the MIME type for the format, or false if unknown.
func (f TileFormat) MimeType() (string, bool) {
	switch f {
	case FormatPNG:
		return "image/png", true
	case FormatJPG:
		return "image/jpeg", true
	case FormatWebP:
		return "image/webp", true
	case FormatAVIF:
		return "image/avif", true
	case FormatSVG:
		return "image/svg+xml", true
	case FormatMVT:
		return "application/x-protobuf", true
	case FormatJSON:
		return "application/json", true
	case FormatTopoJSON:
		return "application/json", true
	case FormatGeoJSON:
		return "application/geo+json", true
	case FormatBIN:
		return "application/octet-stream", true
	default:
		return "", false
	}
}

// Extension returns the file extension for the format (without leading
// dot), or false if unknown.
func (f TileFormat) Extension() (string, bool) {
	switch f {
	case FormatPNG:
		return "png", true
	case FormatJPG:
		return "jpg", true
	case FormatWebP:
		return "webp", true
	case FormatAVIF:
		return "avif", true
	case FormatSVG:
		return "svg", true
	case FormatMVT:
		return "mvt", true
	case FormatJSON:
		return "json", true
	case FormatTopoJSON:
		return "topojson", true
	case FormatGeoJSON:
		return "geojson", true
	case FormatBIN:
		return "bin", true
	default:
		return "", false
	}
}

// IsVector reports whether the format holds vector (MVT) content.
func (f TileFormat) IsVector() bool {
	return f == FormatMVT
}

// FormatFromExtension maps a bare file extension to a TileFormat.
func FormatFromExtension(ext string) TileFormat {
	switch ext {
	case "png":
		return FormatPNG
	case "jpg", "jpeg":
		return FormatJPG
	case "webp":
		return FormatWebP
	case "avif":
		return FormatAVIF
	case "svg":
		return FormatSVG
	case "mvt", "pbf":
		return FormatMVT
	case "json":
		return FormatJSON
	case "topojson":
		return FormatTopoJSON
	case "geojson":
		return FormatGeoJSON
	case "bin":
		return FormatBIN
	default:
		return FormatUnknown
	}
}

// TileCompression is the transport-layer (de)compression applied to a
// tile's bytes, independent of its TileFormat.
type TileCompression uint8

const (
	CompressionUnknown TileCompression = iota
	CompressionUncompressed
	CompressionGzip
	CompressionBrotli
)

// Extension returns the file-suffix token used by Tar/Directory
// containers for this compression, or "" for Uncompressed.
func (c TileCompression) Extension() string {
	switch c {
	case CompressionGzip:
		return "gz"
	case CompressionBrotli:
		return "br"
	default:
		return ""
	}
}

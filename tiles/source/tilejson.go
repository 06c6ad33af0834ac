package source

import (
	"encoding/json"

	"github.com/tiledepot/tilekit/tiles"
)

// TileJSON is a map of well-known TileJSON keys with typed accessors.
// Grounded on the teacher's pmtiles/tilejson.go, which assembles the same
// keys (tilejson, scheme, tiles, bounds, center, minzoom, maxzoom,
// vector_layers, attribution, description, name, version) from a
// map[string]interface{}.
type TileJSON struct {
	values map[string]interface{}
}

// NewTileJSON returns an empty TileJSON stamped with the spec version.
func NewTileJSON() *TileJSON {
	return &TileJSON{values: map[string]interface{}{
		"tilejson": "3.0.0",
		"scheme":   "xyz",
	}}
}

// Set stores an arbitrary key.
func (t *TileJSON) Set(key string, value interface{}) {
	t.values[key] = value
}

// Get returns the raw value for key.
func (t *TileJSON) Get(key string) (interface{}, bool) {
	v, ok := t.values[key]
	return v, ok
}

// Bounds returns the "bounds" key as [minLon,minLat,maxLon,maxLat].
func (t *TileJSON) Bounds() (tiles.GeoBBox, bool) {
	v, ok := t.values["bounds"]
	if !ok {
		return tiles.GeoBBox{}, false
	}
	arr, ok := v.([]float64)
	if !ok || len(arr) != 4 {
		return tiles.GeoBBox{}, false
	}
	return tiles.GeoBBox{MinLon: arr[0], MinLat: arr[1], MaxLon: arr[2], MaxLat: arr[3]}, true
}

// SetBounds stores the "bounds" key.
func (t *TileJSON) SetBounds(b tiles.GeoBBox) {
	t.values["bounds"] = []float64{b.MinLon, b.MinLat, b.MaxLon, b.MaxLat}
}

// MinZoom / MaxZoom / SetMinZoom / SetMaxZoom access the zoom-range keys.
func (t *TileJSON) MinZoom() (uint8, bool) {
	return t.getZoom("minzoom")
}

func (t *TileJSON) MaxZoom() (uint8, bool) {
	return t.getZoom("maxzoom")
}

func (t *TileJSON) getZoom(key string) (uint8, bool) {
	v, ok := t.values[key]
	if !ok {
		return 0, false
	}
	switch z := v.(type) {
	case uint8:
		return z, true
	case int:
		return uint8(z), true
	case float64:
		return uint8(z), true
	default:
		return 0, false
	}
}

func (t *TileJSON) SetMinZoom(z uint8) { t.values["minzoom"] = z }
func (t *TileJSON) SetMaxZoom(z uint8) { t.values["maxzoom"] = z }

// VectorLayers returns the "vector_layers" array of per-layer descriptors.
func (t *TileJSON) VectorLayers() []map[string]interface{} {
	v, ok := t.values["vector_layers"]
	if !ok {
		return nil
	}
	arr, ok := v.([]map[string]interface{})
	if !ok {
		return nil
	}
	return arr
}

func (t *TileJSON) SetVectorLayers(layers []map[string]interface{}) {
	t.values["vector_layers"] = layers
}

// SetTileFormat stores f's file extension under the "tile_format" key.
func (t *TileJSON) SetTileFormat(f tiles.TileFormat) {
	ext, _ := f.Extension()
	t.values["tile_format"] = ext
}

// SetTileSchema records the "tile_schema" key (e.g. "xyz" or "tms").
func (t *TileJSON) SetTileSchema(schema string) {
	t.values["tile_schema"] = schema
}

// UpdateFromReaderParameters sets minzoom/maxzoom from the reader's
// declared bbox pyramid and tile_format from its tile format. Bounds are
// not derived from the pyramid; an existing "bounds" value is left as is.
func (t *TileJSON) UpdateFromReaderParameters(md *TileSourceMetadata) {
	minZ, hasMin := md.BBoxPyramid.GetLevelMin()
	maxZ, hasMax := md.BBoxPyramid.GetLevelMax()
	if hasMin {
		t.SetMinZoom(minZ)
	}
	if hasMax {
		t.SetMaxZoom(maxZ)
	}
	t.SetTileFormat(md.TileFormat)
}

// MarshalCompact serializes to compact JSON, for on-disk storage.
func (t *TileJSON) MarshalCompact() ([]byte, error) {
	return json.Marshal(t.values)
}

// MarshalPretty serializes to indented JSON, for debug output.
func (t *TileJSON) MarshalPretty() ([]byte, error) {
	return json.MarshalIndent(t.values, "", "  ")
}

// UnmarshalTileJSON parses compact or pretty JSON into a TileJSON.
func UnmarshalTileJSON(data []byte) (*TileJSON, error) {
	var values map[string]interface{}
	if err := json.Unmarshal(data, &values); err != nil {
		return nil, err
	}
	return &TileJSON{values: values}, nil
}

// Values returns the underlying map, e.g. for merging into a container's
// native metadata blob (MBTiles' "json" key, PMTiles' metadata section).
func (t *TileJSON) Values() map[string]interface{} {
	return t.values
}

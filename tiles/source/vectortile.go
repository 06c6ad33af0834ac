// Decoded Mapbox Vector Tile (MVT) support. Decoding is grounded on the
// teacher's pmtiles/stats.go, which uses paulmach/protoscan's zero-copy
// field scanner to walk an MVT layer's features/keys/values without a full
// generated-code protobuf model. Encoding follows the teacher's own manual
// varint-writing idiom (pmtiles/directory.go's SerializeEntries) since MVT
// has no generated Go bindings in this pack.
package source

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/paulmach/protoscan"
)

// VectorTile is a decoded MVT: a set of named layers.
type VectorTile struct {
	Layers []VectorTileLayer
}

// VectorTileLayer is one MVT layer: a features list plus the keys/values
// interning pool its features' tags index into.
type VectorTileLayer struct {
	Name     string
	Extent   uint32
	Keys     []string
	Values   []interface{}
	Features []VectorTileFeature
}

// VectorTileFeature is one feature: a geometry plus (key-index,
// value-index) tag pairs into the owning layer's Keys/Values pool.
type VectorTileFeature struct {
	ID       uint64
	GeomType uint8 // 0=unknown 1=point 2=linestring 3=polygon
	Tags     []uint32
	Geometry []uint32
}

// Properties resolves f's tag pairs against layer's interning pool into a
// plain map, for transforms that want name-based access.
func (layer *VectorTileLayer) Properties(f *VectorTileFeature) map[string]interface{} {
	out := make(map[string]interface{}, len(f.Tags)/2)
	for i := 0; i+1 < len(f.Tags); i += 2 {
		keyIdx, valIdx := f.Tags[i], f.Tags[i+1]
		if int(keyIdx) >= len(layer.Keys) || int(valIdx) >= len(layer.Values) {
			continue
		}
		out[layer.Keys[keyIdx]] = layer.Values[valIdx]
	}
	return out
}

// SetProperties replaces f's properties with props, interning any new
// keys/values into the layer's pool.
func (layer *VectorTileLayer) SetProperties(f *VectorTileFeature, props map[string]interface{}) {
	keyIndex := make(map[string]uint32, len(layer.Keys))
	for i, k := range layer.Keys {
		keyIndex[k] = uint32(i)
	}
	tags := make([]uint32, 0, len(props)*2)
	for k, v := range props {
		ki, ok := keyIndex[k]
		if !ok {
			ki = uint32(len(layer.Keys))
			layer.Keys = append(layer.Keys, k)
			keyIndex[k] = ki
		}
		vi := uint32(len(layer.Values))
		layer.Values = append(layer.Values, v)
		tags = append(tags, ki, vi)
	}
	f.Tags = tags
}

const (
	mvtFieldTileLayers = 3

	mvtFieldLayerVersion  = 15
	mvtFieldLayerName     = 1
	mvtFieldLayerFeatures = 2
	mvtFieldLayerKeys     = 3
	mvtFieldLayerValues   = 4
	mvtFieldLayerExtent   = 5

	mvtFieldFeatureID       = 1
	mvtFieldFeatureTags     = 2
	mvtFieldFeatureType     = 3
	mvtFieldFeatureGeometry = 4

	mvtFieldValueString = 1
	mvtFieldValueFloat  = 2
	mvtFieldValueDouble = 3
	mvtFieldValueInt    = 4
	mvtFieldValueUint   = 5
	mvtFieldValueSint   = 6
	mvtFieldValueBool   = 7
)

// VectorTileFromBlob decodes raw (already-decompressed) MVT bytes.
func VectorTileFromBlob(data []byte) (*VectorTile, error) {
	vt := &VectorTile{}
	msg := protoscan.New(data)
	var layerMsg *protoscan.Message
	for msg.Next() {
		if msg.FieldNumber() != mvtFieldTileLayers {
			if err := msg.Skip(); err != nil {
				return nil, fmt.Errorf("vectortile: skip top-level field: %w", err)
			}
			continue
		}
		var err error
		layerMsg, err = msg.Message(layerMsg)
		if err != nil {
			return nil, fmt.Errorf("vectortile: read layer: %w", err)
		}
		layer, err := decodeLayer(layerMsg)
		if err != nil {
			return nil, err
		}
		vt.Layers = append(vt.Layers, layer)
	}
	return vt, nil
}

func decodeLayer(msg *protoscan.Message) (VectorTileLayer, error) {
	layer := VectorTileLayer{Extent: 4096}
	var featureMsg, valueMsg *protoscan.Message
	type rawFeature struct {
		id       uint64
		tags     []uint32
		geomType uint8
		geometry []uint32
	}
	var rawFeatures []rawFeature

	for msg.Next() {
		switch msg.FieldNumber() {
		case mvtFieldLayerName:
			name, err := msg.String()
			if err != nil {
				return layer, fmt.Errorf("vectortile: layer name: %w", err)
			}
			layer.Name = name
		case mvtFieldLayerExtent:
			extent, err := msg.Uint64()
			if err != nil {
				return layer, fmt.Errorf("vectortile: layer extent: %w", err)
			}
			layer.Extent = uint32(extent)
		case mvtFieldLayerVersion:
			if err := msg.Skip(); err != nil {
				return layer, err
			}
		case mvtFieldLayerKeys:
			key, err := msg.String()
			if err != nil {
				return layer, fmt.Errorf("vectortile: layer key: %w", err)
			}
			layer.Keys = append(layer.Keys, key)
		case mvtFieldLayerValues:
			var err error
			valueMsg, err = msg.Message(valueMsg)
			if err != nil {
				return layer, fmt.Errorf("vectortile: layer value: %w", err)
			}
			v, err := decodeValue(valueMsg)
			if err != nil {
				return layer, err
			}
			layer.Values = append(layer.Values, v)
		case mvtFieldLayerFeatures:
			var err error
			featureMsg, err = msg.Message(featureMsg)
			if err != nil {
				return layer, fmt.Errorf("vectortile: layer feature: %w", err)
			}
			rf, err := decodeFeature(featureMsg)
			if err != nil {
				return layer, err
			}
			rawFeatures = append(rawFeatures, rawFeature(rf))
		default:
			if err := msg.Skip(); err != nil {
				return layer, err
			}
		}
	}

	layer.Features = make([]VectorTileFeature, len(rawFeatures))
	for i, rf := range rawFeatures {
		layer.Features[i] = VectorTileFeature{ID: rf.id, GeomType: rf.geomType, Tags: rf.tags, Geometry: rf.geometry}
	}
	return layer, nil
}

type decodedFeature struct {
	id       uint64
	tags     []uint32
	geomType uint8
	geometry []uint32
}

func decodeFeature(msg *protoscan.Message) (decodedFeature, error) {
	var f decodedFeature
	for msg.Next() {
		switch msg.FieldNumber() {
		case mvtFieldFeatureID:
			id, err := msg.Uint64()
			if err != nil {
				return f, fmt.Errorf("vectortile: feature id: %w", err)
			}
			f.id = id
		case mvtFieldFeatureType:
			t, err := msg.Uint64()
			if err != nil {
				return f, fmt.Errorf("vectortile: feature type: %w", err)
			}
			f.geomType = uint8(t)
		case mvtFieldFeatureTags:
			vals, err := decodePackedUint32(msg)
			if err != nil {
				return f, fmt.Errorf("vectortile: feature tags: %w", err)
			}
			f.tags = vals
		case mvtFieldFeatureGeometry:
			vals, err := decodePackedUint32(msg)
			if err != nil {
				return f, fmt.Errorf("vectortile: feature geometry: %w", err)
			}
			f.geometry = vals
		default:
			if err := msg.Skip(); err != nil {
				return f, err
			}
		}
	}
	return f, nil
}

// decodePackedUint32 reads a packed-varint repeated field via the scanner's
// raw bytes, since protoscan exposes packed fields as a length-delimited
// byte run rather than individual varints.
func decodePackedUint32(msg *protoscan.Message) ([]uint32, error) {
	raw, err := msg.Bytes()
	if err != nil {
		return nil, err
	}
	out := make([]uint32, 0, len(raw)/2)
	for len(raw) > 0 {
		v, n := binary.Uvarint(raw)
		if n <= 0 {
			return nil, fmt.Errorf("malformed packed varint")
		}
		out = append(out, uint32(v))
		raw = raw[n:]
	}
	return out, nil
}

func decodeValue(msg *protoscan.Message) (interface{}, error) {
	var result interface{}
	for msg.Next() {
		switch msg.FieldNumber() {
		case mvtFieldValueString:
			s, err := msg.String()
			if err != nil {
				return nil, err
			}
			result = s
		case mvtFieldValueFloat:
			f, err := msg.Float32()
			if err != nil {
				return nil, err
			}
			result = float64(f)
		case mvtFieldValueDouble:
			f, err := msg.Float64()
			if err != nil {
				return nil, err
			}
			result = f
		case mvtFieldValueInt:
			i, err := msg.Int64()
			if err != nil {
				return nil, err
			}
			result = i
		case mvtFieldValueUint:
			u, err := msg.Uint64()
			if err != nil {
				return nil, err
			}
			result = u
		case mvtFieldValueSint:
			i, err := msg.Int64()
			if err != nil {
				return nil, err
			}
			result = i
		case mvtFieldValueBool:
			b, err := msg.Bool()
			if err != nil {
				return nil, err
			}
			result = b
		default:
			if err := msg.Skip(); err != nil {
				return nil, err
			}
		}
	}
	return result, nil
}

// ToBlob re-encodes the vector tile as raw MVT bytes, following the
// teacher's manual-varint encoding style (pmtiles/directory.go).
func (vt *VectorTile) ToBlob() ([]byte, error) {
	var out []byte
	for _, layer := range vt.Layers {
		layerBytes := encodeLayer(layer)
		out = appendTag(out, mvtFieldTileLayers, 2)
		out = appendVarint(out, uint64(len(layerBytes)))
		out = append(out, layerBytes...)
	}
	return out, nil
}

func encodeLayer(layer VectorTileLayer) []byte {
	var b []byte
	b = appendTag(b, mvtFieldLayerVersion, 0)
	b = appendVarint(b, 2)
	b = appendTag(b, mvtFieldLayerName, 2)
	b = appendVarint(b, uint64(len(layer.Name)))
	b = append(b, layer.Name...)

	for _, f := range layer.Features {
		fb := encodeFeature(f)
		b = appendTag(b, mvtFieldLayerFeatures, 2)
		b = appendVarint(b, uint64(len(fb)))
		b = append(b, fb...)
	}
	for _, k := range layer.Keys {
		b = appendTag(b, mvtFieldLayerKeys, 2)
		b = appendVarint(b, uint64(len(k)))
		b = append(b, k...)
	}
	for _, v := range layer.Values {
		vb := encodeValue(v)
		b = appendTag(b, mvtFieldLayerValues, 2)
		b = appendVarint(b, uint64(len(vb)))
		b = append(b, vb...)
	}
	b = appendTag(b, mvtFieldLayerExtent, 0)
	b = appendVarint(b, uint64(layer.Extent))
	return b
}

func encodeFeature(f VectorTileFeature) []byte {
	var b []byte
	b = appendTag(b, mvtFieldFeatureID, 0)
	b = appendVarint(b, f.ID)

	tagBytes := encodePackedUint32(f.Tags)
	b = appendTag(b, mvtFieldFeatureTags, 2)
	b = appendVarint(b, uint64(len(tagBytes)))
	b = append(b, tagBytes...)

	b = appendTag(b, mvtFieldFeatureType, 0)
	b = appendVarint(b, uint64(f.GeomType))

	geomBytes := encodePackedUint32(f.Geometry)
	b = appendTag(b, mvtFieldFeatureGeometry, 2)
	b = appendVarint(b, uint64(len(geomBytes)))
	b = append(b, geomBytes...)
	return b
}

func encodePackedUint32(values []uint32) []byte {
	var b []byte
	for _, v := range values {
		b = appendVarint(b, uint64(v))
	}
	return b
}

func encodeValue(v interface{}) []byte {
	var b []byte
	switch val := v.(type) {
	case string:
		b = appendTag(b, mvtFieldValueString, 2)
		b = appendVarint(b, uint64(len(val)))
		b = append(b, val...)
	case bool:
		b = appendTag(b, mvtFieldValueBool, 0)
		if val {
			b = append(b, 1)
		} else {
			b = append(b, 0)
		}
	case int64:
		b = appendTag(b, mvtFieldValueInt, 0)
		b = appendVarint(b, uint64(val))
	case uint64:
		b = appendTag(b, mvtFieldValueUint, 0)
		b = appendVarint(b, val)
	case float64:
		b = appendTag(b, mvtFieldValueDouble, 1)
		tmp := make([]byte, 8)
		binary.LittleEndian.PutUint64(tmp, math.Float64bits(val))
		b = append(b, tmp...)
	default:
		// unsupported value kinds are dropped rather than corrupting the tile
	}
	return b
}

func appendTag(b []byte, field int, wireType int) []byte {
	return appendVarint(b, uint64(field)<<3|uint64(wireType))
}

func appendVarint(b []byte, v uint64) []byte {
	tmp := make([]byte, binary.MaxVarintLen64)
	n := binary.PutUvarint(tmp, v)
	return append(b, tmp[:n]...)
}

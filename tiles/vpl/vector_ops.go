// vector_ops.go implements the MVT-targeted transforms: property
// filtering/joining and whole-layer filtering. The CSV/NDJSON join source
// loading is grounded on brawer/wikidata-qrank's encoding/csv usage
// (cmd/qrank-builder), the only pack example that reads tabular join data
// off disk.
package vpl

import (
	"bufio"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/tiledepot/tilekit/tiles"
	"github.com/tiledepot/tilekit/tiles/source"
)

func registerVectorOps(f *Factory) {
	f.registerTransform("vector_filter_properties",
		"Drops (or, if invert, keeps) properties whose \"<layer>/<key>\" matches a regex; updates tilejson.vector_layers.",
		[]ArgSpec{
			{Name: "regex", Kind: "string", Required: true},
			{Name: "invert", Kind: "bool", Description: "default false"},
		},
		transformVectorFilterProperties)

	f.registerTransform("vectortiles_filter_layers",
		"Retains or removes whole vector layers by name.",
		[]ArgSpec{
			{Name: "filter", Kind: "string", Required: true, Description: "comma-separated layer names"},
			{Name: "invert", Kind: "bool", Description: "default false"},
		},
		transformVectortilesFilterLayers)

	f.registerTransform("vector_update_properties",
		"Joins per-feature properties from a CSV/NDJSON file keyed by id_field; missing matches leave properties unchanged.",
		[]ArgSpec{
			{Name: "data_source_path", Kind: "string", Required: true},
			{Name: "id_field_tiles", Kind: "string", Required: true},
			{Name: "id_field_data", Kind: "string", Required: true},
			{Name: "layer_name", Kind: "string", Description: "restrict the join to one layer; default all layers"},
		},
		transformVectorUpdateProperties)
}

func transformVectorFilterProperties(ctx context.Context, f *Factory, node Node, input source.TileSource) (source.TileSource, error) {
	pattern, err := requireStringArg(node, "regex")
	if err != nil {
		return nil, err
	}
	invert, err := boolArg(node, "invert", false)
	if err != nil {
		return nil, err
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("vector_filter_properties: invalid regex: %w", err)
	}

	meta := *input.Metadata()
	tj := input.TileJSON()
	updateVectorLayersAfterPropertyFilter(tj, re, invert)

	fn := func(ctx context.Context, coord tiles.TileCoord, in *source.Tile) (*source.Tile, error) {
		if in == nil {
			return nil, nil
		}
		vt, err := in.AsVector()
		if err != nil {
			return nil, err
		}
		out := &source.VectorTile{Layers: make([]source.VectorTileLayer, len(vt.Layers))}
		for i, layer := range vt.Layers {
			out.Layers[i] = filterLayerProperties(layer, re, invert)
		}
		t := source.NewVectorTileValue(out)
		return &t, nil
	}
	return newTransformSource("vector_filter_properties", input, meta, tj, fn), nil
}

func filterLayerProperties(layer source.VectorTileLayer, re *regexp.Regexp, invert bool) source.VectorTileLayer {
	out := layer
	out.Features = make([]source.VectorTileFeature, len(layer.Features))
	for i, feat := range layer.Features {
		props := layer.Properties(&feat)
		kept := make(map[string]interface{}, len(props))
		for k, v := range props {
			match := re.MatchString(layer.Name + "/" + k)
			if match == invert {
				kept[k] = v
			}
		}
		nf := feat
		out.SetProperties(&nf, kept)
		out.Features[i] = nf
	}
	return out
}

// updateVectorLayersAfterPropertyFilter rewrites each vector layer's
// "fields" entry in tilejson.vector_layers to drop filtered-out keys,
// per spec.md §4.9.
func updateVectorLayersAfterPropertyFilter(tj *source.TileJSON, re *regexp.Regexp, invert bool) {
	layers := tj.VectorLayers()
	if layers == nil {
		return
	}
	for _, layer := range layers {
		name, _ := layer["id"].(string)
		fields, ok := layer["fields"].(map[string]interface{})
		if !ok {
			continue
		}
		kept := make(map[string]interface{}, len(fields))
		for k, v := range fields {
			match := re.MatchString(name + "/" + k)
			if match == invert {
				kept[k] = v
			}
		}
		layer["fields"] = kept
	}
	tj.SetVectorLayers(layers)
}

func transformVectortilesFilterLayers(ctx context.Context, f *Factory, node Node, input source.TileSource) (source.TileSource, error) {
	filterCSV, err := requireStringArg(node, "filter")
	if err != nil {
		return nil, err
	}
	invert, err := boolArg(node, "invert", false)
	if err != nil {
		return nil, err
	}
	names := make(map[string]bool)
	for _, n := range strings.Split(filterCSV, ",") {
		n = strings.TrimSpace(n)
		if n != "" {
			names[n] = true
		}
	}

	meta := *input.Metadata()
	tj := input.TileJSON()
	layers := tj.VectorLayers()
	if layers != nil {
		filtered := make([]map[string]interface{}, 0, len(layers))
		for _, layer := range layers {
			name, _ := layer["id"].(string)
			if names[name] != invert {
				filtered = append(filtered, layer)
			}
		}
		tj.SetVectorLayers(filtered)
	}

	fn := func(ctx context.Context, coord tiles.TileCoord, in *source.Tile) (*source.Tile, error) {
		if in == nil {
			return nil, nil
		}
		vt, err := in.AsVector()
		if err != nil {
			return nil, err
		}
		out := &source.VectorTile{}
		for _, layer := range vt.Layers {
			if names[layer.Name] != invert {
				out.Layers = append(out.Layers, layer)
			}
		}
		t := source.NewVectorTileValue(out)
		return &t, nil
	}
	return newTransformSource("vectortiles_filter_layers", input, meta, tj, fn), nil
}

func transformVectorUpdateProperties(ctx context.Context, f *Factory, node Node, input source.TileSource) (source.TileSource, error) {
	dataPath, err := requireStringArg(node, "data_source_path")
	if err != nil {
		return nil, err
	}
	idFieldTiles, err := requireStringArg(node, "id_field_tiles")
	if err != nil {
		return nil, err
	}
	idFieldData, err := requireStringArg(node, "id_field_data")
	if err != nil {
		return nil, err
	}
	layerName, err := stringArg(node, "layer_name", "")
	if err != nil {
		return nil, err
	}

	joinData, newFieldNames, err := loadJoinData(dataPath, idFieldData)
	if err != nil {
		return nil, fmt.Errorf("vector_update_properties: %w", err)
	}

	meta := *input.Metadata()
	tj := input.TileJSON()
	addJoinedFieldsToVectorLayers(tj, layerName, newFieldNames)

	fn := func(ctx context.Context, coord tiles.TileCoord, in *source.Tile) (*source.Tile, error) {
		if in == nil {
			return nil, nil
		}
		vt, err := in.AsVector()
		if err != nil {
			return nil, err
		}
		out := &source.VectorTile{Layers: make([]source.VectorTileLayer, len(vt.Layers))}
		for i, layer := range vt.Layers {
			if layerName != "" && layer.Name != layerName {
				out.Layers[i] = layer
				continue
			}
			out.Layers[i] = joinLayerProperties(layer, joinData, idFieldTiles)
		}
		t := source.NewVectorTileValue(out)
		return &t, nil
	}
	return newTransformSource("vector_update_properties", input, meta, tj, fn), nil
}

func joinLayerProperties(layer source.VectorTileLayer, joinData map[string]map[string]interface{}, idFieldTiles string) source.VectorTileLayer {
	out := layer
	out.Features = make([]source.VectorTileFeature, len(layer.Features))
	for i, feat := range layer.Features {
		props := layer.Properties(&feat)
		nf := feat
		if key, ok := props[idFieldTiles]; ok {
			if row, found := joinData[fmt.Sprint(key)]; found {
				for k, v := range row {
					props[k] = v
				}
				out.SetProperties(&nf, props)
			}
		}
		out.Features[i] = nf
	}
	return out
}

// loadJoinData reads a CSV (".csv") or newline-delimited JSON (".ndjson"/
// ".jsonl") file into a map keyed by idField's stringified value, and
// returns the set of field names present (minus idField), in no
// particular order, so callers can publish them into
// tilejson.vector_layers[...].fields.
func loadJoinData(path, idField string) (map[string]map[string]interface{}, []string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()

	rows := make(map[string]map[string]interface{})
	fieldSet := make(map[string]bool)

	if strings.HasSuffix(path, ".ndjson") || strings.HasSuffix(path, ".jsonl") {
		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			var row map[string]interface{}
			if err := json.Unmarshal([]byte(line), &row); err != nil {
				return nil, nil, fmt.Errorf("parse ndjson row: %w", err)
			}
			key, ok := row[idField]
			if !ok {
				continue
			}
			rows[fmt.Sprint(key)] = row
			for k := range row {
				if k != idField {
					fieldSet[k] = true
				}
			}
		}
		if err := scanner.Err(); err != nil {
			return nil, nil, err
		}
	} else {
		r := csv.NewReader(f)
		header, err := r.Read()
		if err != nil {
			return nil, nil, fmt.Errorf("read csv header: %w", err)
		}
		idCol := -1
		for i, h := range header {
			if h == idField {
				idCol = i
			} else {
				fieldSet[h] = true
			}
		}
		if idCol < 0 {
			return nil, nil, fmt.Errorf("csv has no column %q", idField)
		}
		for {
			rec, err := r.Read()
			if err != nil {
				break
			}
			row := make(map[string]interface{}, len(header))
			for i, h := range header {
				if i < len(rec) {
					row[h] = rec[i]
				}
			}
			rows[rec[idCol]] = row
		}
	}

	fields := make([]string, 0, len(fieldSet))
	for k := range fieldSet {
		fields = append(fields, k)
	}
	return rows, fields, nil
}

func addJoinedFieldsToVectorLayers(tj *source.TileJSON, layerName string, newFields []string) {
	layers := tj.VectorLayers()
	for _, layer := range layers {
		name, _ := layer["id"].(string)
		if layerName != "" && name != layerName {
			continue
		}
		fields, ok := layer["fields"].(map[string]interface{})
		if !ok {
			fields = make(map[string]interface{})
		}
		for _, nf := range newFields {
			if _, exists := fields[nf]; !exists {
				fields[nf] = "String"
			}
		}
		layer["fields"] = fields
	}
	tj.SetVectorLayers(layers)
}

package vpl

import (
	"context"
	"fmt"

	"github.com/tiledepot/tilekit/tiles"
	"github.com/tiledepot/tilekit/tiles/source"
)

func registerFilterOp(f *Factory) {
	f.registerTransform("filter",
		"Intersects the source's bbox pyramid with an optional geo bbox and/or zoom range; tiles outside the result are absent, not empty blobs.",
		[]ArgSpec{
			{Name: "bbox", Kind: "array", Description: "[minLon,minLat,maxLon,maxLat]"},
			{Name: "level_min", Kind: "number", Description: "inclusive minimum zoom"},
			{Name: "level_max", Kind: "number", Description: "inclusive maximum zoom"},
		},
		transformFilter)
}

func transformFilter(ctx context.Context, f *Factory, node Node, input source.TileSource) (source.TileSource, error) {
	inMeta := *input.Metadata()
	pyramid := inMeta.BBoxPyramid

	bboxArg, err := numberArrayArg(node, "bbox")
	if err != nil {
		return nil, err
	}
	var geoBBox *tiles.GeoBBox
	if bboxArg != nil {
		if len(bboxArg) != 4 {
			return nil, fmt.Errorf("filter: bbox must have exactly 4 elements")
		}
		g := tiles.GeoBBox{MinLon: bboxArg[0], MinLat: bboxArg[1], MaxLon: bboxArg[2], MaxLat: bboxArg[3]}
		pyramid = pyramid.IntersectGeoBBox(g)
		geoBBox = &g
	}

	haveMin := false
	haveMax := false
	levelMin, err := numberArg(node, "level_min", 0)
	if err != nil {
		return nil, err
	}
	if _, ok := node.Args["level_min"]; ok {
		haveMin = true
	}
	levelMax, err := numberArg(node, "level_max", float64(tiles.MaxLevel))
	if err != nil {
		return nil, err
	}
	if _, ok := node.Args["level_max"]; ok {
		haveMax = true
	}
	if haveMin && haveMax && levelMin > levelMax {
		return nil, fmt.Errorf("filter: level_min (%v) > level_max (%v)", levelMin, levelMax)
	}
	if haveMin {
		pyramid.SetLevelMin(uint8(levelMin))
	}
	if haveMax {
		pyramid.SetLevelMax(uint8(levelMax))
	}

	outMeta := inMeta
	outMeta.BBoxPyramid = pyramid

	tj := input.TileJSON()
	if geoBBox != nil {
		tj.SetBounds(*geoBBox)
	}
	if haveMin {
		tj.SetMinZoom(uint8(levelMin))
	}
	if haveMax {
		tj.SetMaxZoom(uint8(levelMax))
	}

	return newTransformSource("filter", input, outMeta, tj, identityFn), nil
}

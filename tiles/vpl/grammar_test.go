package vpl

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePipelineSingleNode(t *testing.T) {
	p, err := ParsePipeline(`from_container filename="world.mbtiles"`)
	require.NoError(t, err)
	require.Len(t, p.Nodes, 1)
	assert.Equal(t, "from_container", p.Nodes[0].Name)
	assert.Equal(t, Value{Kind: ValueString, Str: "world.mbtiles"}, p.Nodes[0].Args["filename"])
}

func TestParsePipelineChain(t *testing.T) {
	p, err := ParsePipeline(`from_container filename='a.mbtiles' | filter level_max=10 | convert compression="brotli"`)
	require.NoError(t, err)
	require.Len(t, p.Nodes, 3)
	assert.Equal(t, "from_container", p.Nodes[0].Name)
	assert.Equal(t, "filter", p.Nodes[1].Name)
	assert.Equal(t, Value{Kind: ValueNumber, Num: 10}, p.Nodes[1].Args["level_max"])
	assert.Equal(t, "convert", p.Nodes[2].Name)
}

func TestParsePipelineArrayArgument(t *testing.T) {
	p, err := ParsePipeline(`filter bbox=[-10, 40, 10, 50]`)
	require.NoError(t, err)
	arr := p.Nodes[0].Args["bbox"]
	require.Equal(t, ValueArray, arr.Kind)
	require.Len(t, arr.Array, 4)
	assert.Equal(t, -10.0, arr.Array[0].Num)
	assert.Equal(t, 50.0, arr.Array[3].Num)
}

func TestParsePipelineNestedPipelinesInArray(t *testing.T) {
	p, err := ParsePipeline(`from_vectortiles_merged sources=[from_container filename="a.mbtiles", from_container filename="b.mbtiles"]`)
	require.NoError(t, err)
	require.Len(t, p.Nodes, 1)
	sources := p.Nodes[0].Args["sources"]
	require.Equal(t, ValueArray, sources.Kind)
	require.Len(t, sources.Array, 2)
	for _, elem := range sources.Array {
		require.Equal(t, ValuePipeline, elem.Kind)
		assert.Equal(t, "from_container", elem.Pipeline.Nodes[0].Name)
	}
}

func TestParsePipelineBooleanArgument(t *testing.T) {
	p, err := ParsePipeline(`some_op flag=true other=false`)
	require.NoError(t, err)
	assert.Equal(t, Value{Kind: ValueBool, Bool: true}, p.Nodes[0].Args["flag"])
	assert.Equal(t, Value{Kind: ValueBool, Bool: false}, p.Nodes[0].Args["other"])
}

func TestParsePipelineUnterminatedStringIsError(t *testing.T) {
	_, err := ParsePipeline(`from_container filename="unterminated`)
	require.Error(t, err)
	var perr *ParseError
	assert.ErrorAs(t, err, &perr)
}

func TestParsePipelineTrailingInputIsError(t *testing.T) {
	_, err := ParsePipeline(`filter level_max=10 garbage`)
	require.Error(t, err)
}

func TestParsePipelineMissingOperationNameIsError(t *testing.T) {
	_, err := ParsePipeline(`| filter level_max=10`)
	require.Error(t, err)
}

func TestParsePipelineEscapedQuoteInString(t *testing.T) {
	p, err := ParsePipeline(`from_container filename="a \"quoted\" name.mbtiles"`)
	require.NoError(t, err)
	assert.Equal(t, `a "quoted" name.mbtiles`, p.Nodes[0].Args["filename"].Str)
}

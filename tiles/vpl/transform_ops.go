package vpl

// registerTransformOps wires every transform operation's builder into the
// factory. Split across raster_ops.go (raster_levels/raster_flatten),
// vector_ops.go (vector_filter_properties/vectortiles_filter_layers/
// vector_update_properties), and this file's filter/convert.
func registerTransformOps(f *Factory) {
	registerFilterOp(f)
	registerConvertOp(f)
	registerRasterOps(f)
	registerVectorOps(f)
}

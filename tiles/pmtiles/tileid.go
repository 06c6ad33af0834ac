package pmtiles

import "github.com/tiledepot/tilekit/tiles"

// CoordToTileID returns the Hilbert curve tile_id PMTiles indexes by,
// reusing tiles.TileCoord's Hilbert traversal (itself grounded on the
// teacher's pmtiles/tile_id.go ZxyToID).
func CoordToTileID(c tiles.TileCoord) uint64 {
	return c.GetHilbertIndex()
}

// TileIDToCoord is the inverse of CoordToTileID.
func TileIDToCoord(id uint64) tiles.TileCoord {
	return tiles.HilbertIndexToCoord(id)
}

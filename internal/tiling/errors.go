package tiling

import "fmt"

// TilingError signals malformed input dimensions or an unusable tiling
// configuration. It is fatal: a run cannot proceed without a valid grid.
type TilingError struct {
	Reason string
}

func (e *TilingError) Error() string {
	return fmt.Sprintf("tiling error: %s", e.Reason)
}

// CoordinateError signals a lookup for a tile id the grid never produced.
// It indicates an internal bug, not an external failure, and aborts the run.
type CoordinateError struct {
	Tile TileID
}

func (e *CoordinateError) Error() string {
	return fmt.Sprintf("coordinate error: no offset recorded for tile %s", e.Tile)
}

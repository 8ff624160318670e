package tiling

// Point is a pixel coordinate. Detections arrive as floats from the model
// side, so the mapper works in float64 throughout.
type Point struct {
	X float64
	Y float64
}

// Box is an axis-aligned bounding box [x0,y0,x1,y1].
type Box [4]float64

// TilePoint pairs a point with the tile whose local frame it lives in, for
// the batch transform.
type TilePoint struct {
	Tile  TileID
	Point Point
}

// Mapper translates coordinates between a tile's local frame and the source
// image's global frame. It is pure and stateless beyond the offsets captured
// from the grid at construction.
type Mapper struct {
	offsets map[TileID]Rect
}

// NewMapper captures the tile offsets of a grid.
func NewMapper(g *Grid) *Mapper {
	m := &Mapper{offsets: make(map[TileID]Rect, len(g.Tiles))}
	for id, r := range g.offsets {
		m.offsets[id] = r
	}
	return m
}

// ToGlobal translates a tile-local point into the source image frame.
func (m *Mapper) ToGlobal(id TileID, p Point) (Point, error) {
	off, ok := m.offsets[id]
	if !ok {
		return Point{}, &CoordinateError{Tile: id}
	}
	return Point{X: p.X + float64(off.X), Y: p.Y + float64(off.Y)}, nil
}

// ToLocal is the inverse of ToGlobal. Used only for diagnostics.
func (m *Mapper) ToLocal(id TileID, p Point) (Point, error) {
	off, ok := m.offsets[id]
	if !ok {
		return Point{}, &CoordinateError{Tile: id}
	}
	return Point{X: p.X - float64(off.X), Y: p.Y - float64(off.Y)}, nil
}

// BoxToGlobal translates a tile-local bounding box into the image frame.
func (m *Mapper) BoxToGlobal(id TileID, b Box) (Box, error) {
	off, ok := m.offsets[id]
	if !ok {
		return Box{}, &CoordinateError{Tile: id}
	}
	dx, dy := float64(off.X), float64(off.Y)
	return Box{b[0] + dx, b[1] + dy, b[2] + dx, b[3] + dy}, nil
}

// PolygonToGlobal translates every vertex of a tile-local polygon. Point
// lists are handled identically to single points.
func (m *Mapper) PolygonToGlobal(id TileID, poly []Point) ([]Point, error) {
	off, ok := m.offsets[id]
	if !ok {
		return nil, &CoordinateError{Tile: id}
	}
	out := make([]Point, len(poly))
	dx, dy := float64(off.X), float64(off.Y)
	for i, p := range poly {
		out[i] = Point{X: p.X + dx, Y: p.Y + dy}
	}
	return out, nil
}

// BatchToGlobal transforms a list of (tile, point) pairs, returning the
// results in the same order. Callers downstream of fusion never carry tile
// offsets themselves.
func (m *Mapper) BatchToGlobal(items []TilePoint) ([]Point, error) {
	out := make([]Point, len(items))
	for i, it := range items {
		p, err := m.ToGlobal(it.Tile, it.Point)
		if err != nil {
			return nil, err
		}
		out[i] = p
	}
	return out, nil
}

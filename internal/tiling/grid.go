package tiling

import (
	"fmt"

	"github.com/rs/zerolog/log"
)

// TileID identifies a tile by its grid position.
type TileID struct {
	Row int
	Col int
}

func (id TileID) String() string { return fmt.Sprintf("r%dc%d", id.Row, id.Col) }

// Rect is a pixel rectangle in global image coordinates.
type Rect struct {
	X int
	Y int
	W int
	H int
}

// Margins records the overlap band shared with each neighbour, in pixels.
// Outer edges of the image carry zero margin.
type Margins struct {
	Left   int
	Top    int
	Right  int
	Bottom int
}

// Tile is one rectangular sub-region of the source image. Tiles are created
// once by Build and never mutated.
type Tile struct {
	ID      TileID
	Rect    Rect
	Overlap Margins
}

// Options controls grid construction. MaxSide is the vision model's
// resolution ceiling; adjacent tiles share an overlap band of
// MaxSide*OverlapRatio pixels so detections near a cut line appear whole in
// at least one tile.
type Options struct {
	MaxSide      int
	OverlapRatio float64
	MinSide      int
	MaxTiles     int
}

// MaxTileSide reports the largest tile side Build emits without coarsening:
// the configured ceiling plus one overlap band for a merged trailing sliver.
// Tiles past this bound only appear when MaxTiles forces a coarser grid, and
// their images must be downscaled before reaching a resolution-bounded
// consumer.
func (o Options) MaxTileSide() int {
	side := o.MaxSide
	if side <= 0 {
		side = 2048
	}
	return side + (side - stepFor(side, o.OverlapRatio))
}

// Grid is the tiling plan for one source image.
type Grid struct {
	ImageW  int
	ImageH  int
	Rows    int
	Cols    int
	Side    int
	Step    int
	Tiles   []Tile
	offsets map[TileID]Rect
}

// Build computes a deterministic tiling plan for an image of the given
// dimensions. Images that fit within MaxSide produce a single tile.
func Build(imageW, imageH int, opts Options) (*Grid, error) {
	if imageW <= 0 || imageH <= 0 {
		return nil, &TilingError{Reason: fmt.Sprintf("invalid image dimensions %dx%d", imageW, imageH)}
	}
	if opts.MaxSide <= 0 {
		opts.MaxSide = 2048
	}
	if opts.OverlapRatio < 0 || opts.OverlapRatio >= 0.5 {
		return nil, &TilingError{Reason: fmt.Sprintf("overlap ratio %.2f out of range [0,0.5)", opts.OverlapRatio)}
	}
	if opts.MinSide <= 0 {
		opts.MinSide = opts.MaxSide / 8
	}
	if opts.MaxTiles <= 0 {
		opts.MaxTiles = 256
	}

	g := &Grid{ImageW: imageW, ImageH: imageH, offsets: map[TileID]Rect{}}

	// Fast path: the whole image fits under the resolution ceiling.
	if imageW <= opts.MaxSide && imageH <= opts.MaxSide {
		g.Rows, g.Cols = 1, 1
		g.Side = max(imageW, imageH)
		g.Step = g.Side
		t := Tile{ID: TileID{0, 0}, Rect: Rect{0, 0, imageW, imageH}}
		g.Tiles = []Tile{t}
		g.offsets[t.ID] = t.Rect
		return g, nil
	}

	side := opts.MaxSide
	step := stepFor(side, opts.OverlapRatio)
	cols := ceilDiv(imageW, step)
	rows := ceilDiv(imageH, step)

	// Clamp tile count by coarsening the grid. Larger tiles trade model
	// fidelity for a bounded number of provider calls.
	for rows*cols > opts.MaxTiles {
		side += side / 4
		step = stepFor(side, opts.OverlapRatio)
		cols = ceilDiv(imageW, step)
		rows = ceilDiv(imageH, step)
	}

	xCuts := cuts(imageW, side, step, opts.MinSide)
	yCuts := cuts(imageH, side, step, opts.MinSide)
	g.Rows, g.Cols = len(yCuts), len(xCuts)
	g.Side, g.Step = side, step

	overlap := side - step
	for r, yc := range yCuts {
		for c, xc := range xCuts {
			t := Tile{
				ID:   TileID{Row: r, Col: c},
				Rect: Rect{X: xc.off, Y: yc.off, W: xc.size, H: yc.size},
			}
			if c > 0 {
				t.Overlap.Left = overlap
			}
			if c < g.Cols-1 {
				t.Overlap.Right = overlap
			}
			if r > 0 {
				t.Overlap.Top = overlap
			}
			if r < g.Rows-1 {
				t.Overlap.Bottom = overlap
			}
			g.Tiles = append(g.Tiles, t)
			g.offsets[t.ID] = t.Rect
		}
	}

	log.Debug().
		Int("image_w", imageW).
		Int("image_h", imageH).
		Int("rows", g.Rows).
		Int("cols", g.Cols).
		Int("side", side).
		Int("step", step).
		Msg("built tiling plan")

	return g, nil
}

// Offset returns the pixel rect of a tile, or a CoordinateError for an
// unknown id.
func (g *Grid) Offset(id TileID) (Rect, error) {
	r, ok := g.offsets[id]
	if !ok {
		return Rect{}, &CoordinateError{Tile: id}
	}
	return r, nil
}

// TileCount reports the number of tiles in the plan.
func (g *Grid) TileCount() int { return len(g.Tiles) }

type cut struct {
	off  int
	size int
}

// cuts lays out offsets along one axis: full-size tiles shifted by step,
// with the final tile clipped to the image bound. A trailing sliver narrower
// than minSide is merged into the previous tile instead of emitted.
func cuts(dim, side, step, minSide int) []cut {
	n := ceilDiv(dim, step)
	out := make([]cut, 0, n)
	for i := 0; i < n; i++ {
		off := i * step
		size := side
		if off+size > dim {
			size = dim - off
		}
		if size < minSide && len(out) > 0 {
			prev := &out[len(out)-1]
			prev.size = dim - prev.off
			break
		}
		out = append(out, cut{off: off, size: size})
	}
	return out
}

func stepFor(side int, overlap float64) int {
	s := int(float64(side) * (1 - overlap))
	if s < 1 {
		s = 1
	}
	return s
}

func ceilDiv(a, b int) int { return (a + b - 1) / b }

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

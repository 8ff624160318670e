package tiling

import (
	"errors"
	"reflect"
	"testing"
)

func defaultOpts() Options {
	return Options{MaxSide: 2048, OverlapRatio: 0.10, MinSide: 256, MaxTiles: 256}
}

func TestBuildSingleTileWhenImageFits(t *testing.T) {
	g, err := Build(1024, 1024, defaultOpts())
	if err != nil {
		t.Fatal(err)
	}
	if g.TileCount() != 1 {
		t.Fatalf("expected 1 tile for 1024x1024, got %d", g.TileCount())
	}
	want := Rect{0, 0, 1024, 1024}
	if g.Tiles[0].Rect != want {
		t.Fatalf("tile rect = %+v, want %+v", g.Tiles[0].Rect, want)
	}
	if g.Tiles[0].Overlap != (Margins{}) {
		t.Fatalf("single tile should have no overlap margins, got %+v", g.Tiles[0].Overlap)
	}
}

func TestBuild4096GridHandComputed(t *testing.T) {
	// side=2048, overlap=10% -> step=1843, 4096/1843 -> 3 rows x 3 cols.
	g, err := Build(4096, 4096, defaultOpts())
	if err != nil {
		t.Fatal(err)
	}
	if g.Rows != 3 || g.Cols != 3 {
		t.Fatalf("grid = %dx%d, want 3x3", g.Rows, g.Cols)
	}
	cases := []struct {
		id   TileID
		rect Rect
	}{
		{TileID{0, 0}, Rect{0, 0, 2048, 2048}},
		{TileID{0, 1}, Rect{1843, 0, 2048, 2048}},
		{TileID{0, 2}, Rect{3686, 0, 410, 2048}},
		{TileID{1, 1}, Rect{1843, 1843, 2048, 2048}},
		{TileID{2, 2}, Rect{3686, 3686, 410, 410}},
	}
	for _, c := range cases {
		got, err := g.Offset(c.id)
		if err != nil {
			t.Fatalf("%s: %v", c.id, err)
		}
		if got != c.rect {
			t.Errorf("%s rect = %+v, want %+v", c.id, got, c.rect)
		}
	}
}

func TestBuildDeterministic(t *testing.T) {
	a, err := Build(5000, 3000, defaultOpts())
	if err != nil {
		t.Fatal(err)
	}
	b, err := Build(5000, 3000, defaultOpts())
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(a.Tiles, b.Tiles) {
		t.Fatal("identical inputs produced different tilings")
	}
}

func TestBuildCoversImageWithoutGaps(t *testing.T) {
	dims := []struct{ w, h int }{
		{1, 1}, {2048, 2048}, {2049, 2048}, {4096, 4096},
		{10000, 700}, {3000, 9999}, {2300, 2300},
	}
	opts := defaultOpts()
	for _, d := range dims {
		g, err := Build(d.w, d.h, opts)
		if err != nil {
			t.Fatalf("%dx%d: %v", d.w, d.h, err)
		}
		covered := make([]bool, d.w)
		rowCovered := make([]bool, d.h)
		// None of these dimensions trips the tile-count clamp, so every
		// tile must respect the configured bound including the sliver
		// allowance.
		maxAllowed := opts.MaxTileSide()
		for _, tl := range g.Tiles {
			r := tl.Rect
			if r.W > maxAllowed || r.H > maxAllowed {
				t.Fatalf("%dx%d: tile %s exceeds side %d: %+v", d.w, d.h, tl.ID, maxAllowed, r)
			}
			if r.X < 0 || r.Y < 0 || r.X+r.W > d.w || r.Y+r.H > d.h {
				t.Fatalf("%dx%d: tile %s out of bounds: %+v", d.w, d.h, tl.ID, r)
			}
			for x := r.X; x < r.X+r.W; x++ {
				covered[x] = true
			}
			for y := r.Y; y < r.Y+r.H; y++ {
				rowCovered[y] = true
			}
		}
		for x, ok := range covered {
			if !ok {
				t.Fatalf("%dx%d: column %d not covered by any tile", d.w, d.h, x)
			}
		}
		for y, ok := range rowCovered {
			if !ok {
				t.Fatalf("%dx%d: row %d not covered by any tile", d.w, d.h, y)
			}
		}
	}
}

func TestOptionsMaxTileSide(t *testing.T) {
	// 2048 ceiling, 10% overlap: step 1843, one 205px band
	if got := defaultOpts().MaxTileSide(); got != 2253 {
		t.Errorf("MaxTileSide() = %d, want 2253", got)
	}
	// zero value falls back to the 2048 default with no overlap band
	if got := (Options{}).MaxTileSide(); got != 2048 {
		t.Errorf("zero options MaxTileSide() = %d, want 2048", got)
	}
}

func TestBuildOverlapBandWidth(t *testing.T) {
	opts := defaultOpts()
	g, err := Build(4096, 4096, opts)
	if err != nil {
		t.Fatal(err)
	}
	want := int(float64(g.Side) * opts.OverlapRatio)
	for _, tl := range g.Tiles {
		if tl.ID.Col == 0 {
			continue
		}
		left, err := g.Offset(TileID{Row: tl.ID.Row, Col: tl.ID.Col - 1})
		if err != nil {
			t.Fatal(err)
		}
		band := left.X + left.W - tl.Rect.X
		if band > left.W {
			band = left.W
		}
		if diff := band - want; diff < -1 || diff > 1 {
			t.Errorf("tile %s: overlap band %d, want %d (+-1px)", tl.ID, band, want)
		}
	}
}

func TestBuildMergesTrailingSliver(t *testing.T) {
	// 2049px with MinSide 256: trailing 206px column must merge into the
	// previous tile rather than emit a sub-minimum sliver.
	g, err := Build(2049, 1000, defaultOpts())
	if err != nil {
		t.Fatal(err)
	}
	if g.Cols != 1 {
		t.Fatalf("expected trailing sliver merged into 1 column, got %d", g.Cols)
	}
	if g.Tiles[0].Rect.W != 2049 {
		t.Fatalf("merged tile width = %d, want 2049", g.Tiles[0].Rect.W)
	}
}

func TestBuildClampsTileCount(t *testing.T) {
	opts := defaultOpts()
	opts.MaxTiles = 9
	g, err := Build(20000, 20000, opts)
	if err != nil {
		t.Fatal(err)
	}
	if g.TileCount() > 9 {
		t.Fatalf("tile count %d exceeds clamp 9", g.TileCount())
	}
}

func TestBuildRejectsBadDimensions(t *testing.T) {
	for _, d := range []struct{ w, h int }{{0, 100}, {100, 0}, {-5, 100}} {
		_, err := Build(d.w, d.h, defaultOpts())
		var te *TilingError
		if !errors.As(err, &te) {
			t.Errorf("Build(%d,%d): expected TilingError, got %v", d.w, d.h, err)
		}
	}
}

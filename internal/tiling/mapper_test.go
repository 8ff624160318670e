package tiling

import (
	"errors"
	"testing"
)

func buildTestGrid(t *testing.T) *Grid {
	t.Helper()
	g, err := Build(4096, 4096, defaultOpts())
	if err != nil {
		t.Fatal(err)
	}
	return g
}

func TestMapperRoundTrip(t *testing.T) {
	g := buildTestGrid(t)
	m := NewMapper(g)
	pts := []Point{{0, 0}, {10.5, 99.25}, {2047, 2047}}
	for _, tl := range g.Tiles {
		for _, p := range pts {
			gp, err := m.ToGlobal(tl.ID, p)
			if err != nil {
				t.Fatal(err)
			}
			lp, err := m.ToLocal(tl.ID, gp)
			if err != nil {
				t.Fatal(err)
			}
			if lp != p {
				t.Fatalf("tile %s: round trip %+v -> %+v -> %+v", tl.ID, p, gp, lp)
			}
		}
	}
}

func TestMapperBoxRestoration(t *testing.T) {
	g, err := Build(4096, 1024, Options{MaxSide: 1024, OverlapRatio: 0, MinSide: 128, MaxTiles: 64})
	if err != nil {
		t.Fatal(err)
	}
	m := NewMapper(g)
	// Tile at offset (1024,0): local [10,10,50,50] -> global [1034,10,1074,50].
	got, err := m.BoxToGlobal(TileID{Row: 0, Col: 1}, Box{10, 10, 50, 50})
	if err != nil {
		t.Fatal(err)
	}
	want := Box{1034, 10, 1074, 50}
	if got != want {
		t.Fatalf("restored box = %v, want %v", got, want)
	}
}

func TestMapperPolygonMatchesPointwise(t *testing.T) {
	g := buildTestGrid(t)
	m := NewMapper(g)
	id := TileID{Row: 1, Col: 2}
	poly := []Point{{0, 0}, {100, 0}, {100, 80}, {0, 80}}
	out, err := m.PolygonToGlobal(id, poly)
	if err != nil {
		t.Fatal(err)
	}
	for i, p := range poly {
		want, err := m.ToGlobal(id, p)
		if err != nil {
			t.Fatal(err)
		}
		if out[i] != want {
			t.Fatalf("vertex %d: %+v, want %+v", i, out[i], want)
		}
	}
}

func TestMapperBatchPreservesOrder(t *testing.T) {
	g := buildTestGrid(t)
	m := NewMapper(g)
	items := []TilePoint{
		{Tile: TileID{2, 2}, Point: Point{1, 1}},
		{Tile: TileID{0, 0}, Point: Point{5, 5}},
		{Tile: TileID{1, 0}, Point: Point{9, 9}},
	}
	out, err := m.BatchToGlobal(items)
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != len(items) {
		t.Fatalf("got %d points, want %d", len(out), len(items))
	}
	for i, it := range items {
		want, _ := m.ToGlobal(it.Tile, it.Point)
		if out[i] != want {
			t.Fatalf("index %d out of order: %+v, want %+v", i, out[i], want)
		}
	}
}

func TestMapperUnknownTileIsCoordinateError(t *testing.T) {
	g := buildTestGrid(t)
	m := NewMapper(g)
	_, err := m.ToGlobal(TileID{Row: 99, Col: 99}, Point{0, 0})
	var ce *CoordinateError
	if !errors.As(err, &ce) {
		t.Fatalf("expected CoordinateError, got %v", err)
	}
}

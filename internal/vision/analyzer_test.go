package vision

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/local/drawingfusion/internal/ai"
	"github.com/local/drawingfusion/internal/ocr"
	"github.com/local/drawingfusion/internal/overview"
	"github.com/local/drawingfusion/internal/tiling"
)

type stubCaller struct {
	resp ai.Response
	err  error
	last ai.Request
}

func (s *stubCaller) Call(ctx context.Context, req ai.Request, preferEngine string) (ai.Response, string, string, error) {
	s.last = req
	return s.resp, "stub", "stub-model", s.err
}

func testTile() tiling.Tile {
	return tiling.Tile{ID: tiling.TileID{Row: 1, Col: 2}, Rect: tiling.Rect{X: 3686, Y: 1843, W: 410, H: 2048}}
}

const sampleJSON = `{"components":[{"id":"KZ1","type":"column","dimension":"600x600","material":"C40","confidence":0.92,"bbox":[10,20,110,220]}]}`

func TestParseComponentsDirect(t *testing.T) {
	comps, err := ParseComponents(sampleJSON)
	if err != nil {
		t.Fatal(err)
	}
	if len(comps) != 1 || comps[0].ID != "KZ1" || comps[0].Box != (tiling.Box{10, 20, 110, 220}) {
		t.Fatalf("got %+v", comps)
	}
}

func TestParseComponentsFencedEqualsUnwrapped(t *testing.T) {
	plain, err := ParseComponents(sampleJSON)
	if err != nil {
		t.Fatal(err)
	}
	fenced, err := ParseComponents("```json\n" + sampleJSON + "\n```")
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(plain, fenced) {
		t.Fatalf("fenced parse differs: %+v vs %+v", plain, fenced)
	}
}

func TestParseComponentsEmbeddedBlock(t *testing.T) {
	raw := "Here are the detections I found:\n" + sampleJSON + "\nTell me if anything is missing."
	comps, err := ParseComponents(raw)
	if err != nil {
		t.Fatal(err)
	}
	if len(comps) != 1 {
		t.Fatalf("got %+v", comps)
	}
}

func TestParseComponentsBareArray(t *testing.T) {
	comps, err := ParseComponents(`[{"id":"GL2","confidence":0.5,"bbox":[0,0,10,10]}]`)
	if err != nil {
		t.Fatal(err)
	}
	if len(comps) != 1 || comps[0].ID != "GL2" {
		t.Fatalf("got %+v", comps)
	}
}

func TestParseComponentsClampsConfidence(t *testing.T) {
	comps, err := ParseComponents(`{"components":[{"id":"A1","confidence":3.5},{"id":"A2","confidence":-1}]}`)
	if err != nil {
		t.Fatal(err)
	}
	if comps[0].Confidence != 1 || comps[1].Confidence != 0 {
		t.Fatalf("confidences = %v, %v", comps[0].Confidence, comps[1].Confidence)
	}
}

func TestAnalyzeTileMalformedResponseYieldsEmptyList(t *testing.T) {
	caller := &stubCaller{resp: ai.Response{Text: "I could not find any structured data"}}
	a := NewAnalyzer(caller, Options{})
	comps, err := a.AnalyzeTile(context.Background(), "run1", testTile(), "img", "image/jpeg", nil, overview.Overview{})
	if err != nil {
		t.Fatalf("malformed response must not propagate an error, got %v", err)
	}
	if len(comps) != 0 {
		t.Fatalf("got %+v, want empty", comps)
	}
}

func TestAnalyzeTileProviderFailurePropagates(t *testing.T) {
	wantErr := errors.New("provider down")
	caller := &stubCaller{err: wantErr}
	a := NewAnalyzer(caller, Options{})
	_, err := a.AnalyzeTile(context.Background(), "run1", testTile(), "img", "image/jpeg", nil, overview.Overview{})
	if !errors.Is(err, wantErr) {
		t.Fatalf("err = %v, want %v", err, wantErr)
	}
}

func TestAnalyzeTileTagsComponentsWithSourceTile(t *testing.T) {
	caller := &stubCaller{resp: ai.Response{Text: sampleJSON}}
	a := NewAnalyzer(caller, Options{})
	comps, err := a.AnalyzeTile(context.Background(), "run1", testTile(), "img", "image/jpeg", nil, overview.Overview{})
	if err != nil {
		t.Fatal(err)
	}
	if comps[0].SourceTile != (tiling.TileID{Row: 1, Col: 2}) {
		t.Fatalf("source tile = %v", comps[0].SourceTile)
	}
	if comps[0].Stage != StageTileLocal {
		t.Fatalf("stage = %v, want tile_local", comps[0].Stage)
	}
}

func TestBuildPromptContents(t *testing.T) {
	caller := &stubCaller{resp: ai.Response{Text: sampleJSON}}
	a := NewAnalyzer(caller, Options{MaxOverviewChars: 500})
	regions := []ocr.TextRegion{
		{Text: "KZ1", Class: ocr.ClassComponentID, Confidence: 0.9, Box: tiling.Box{5, 5, 40, 18}},
	}
	ov := overview.Overview{DrawingTitle: "Column layout", ComponentIDs: []string{"KZ1", "KZ2"}}
	_, err := a.AnalyzeTile(context.Background(), "run1", testTile(), "img", "image/jpeg", regions, ov)
	if err != nil {
		t.Fatal(err)
	}
	p := caller.last.UserPrompt
	for _, want := range []string{"row 1, col 2", "410x2048", "KZ1 [component_id]", "Column layout"} {
		if !strings.Contains(p, want) {
			t.Fatalf("prompt missing %q:\n%s", want, p)
		}
	}
	if caller.last.ImageBase64 != "img" {
		t.Fatal("tile image not attached to request")
	}
}

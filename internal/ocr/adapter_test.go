package ocr

import (
	"context"
	"errors"
	"testing"

	"github.com/local/drawingfusion/internal/tiling"
)

type stubProvider struct {
	regions []RawRegion
	err     error
}

func (s *stubProvider) Recognize(ctx context.Context, imageBytes []byte) ([]RawRegion, error) {
	return s.regions, s.err
}

func TestClassify(t *testing.T) {
	cases := []struct {
		text string
		want Class
	}{
		{"KZ1", ClassComponentID},
		{"GZ12", ClassComponentID},
		{"L-3", ClassComponentID},
		{"KL-21a", ClassComponentID},
		{"300x600", ClassDimension},
		{"300×600", ClassDimension},
		{"200X400X12", ClassDimension},
		{"C30", ClassMaterial},
		{"C30/37", ClassMaterial},
		{"HRB400", ClassMaterial},
		{"Q235B", ClassMaterial},
		{"A", ClassAxisLabel},
		{"7", ClassAxisLabel},
		{"12", ClassAxisLabel},
		{"see detail 5", ClassOther},
		{"", ClassOther},
		{"kz1", ClassOther},
	}
	for _, c := range cases {
		if got := Classify(c.text); got != c.want {
			t.Errorf("Classify(%q) = %s, want %s", c.text, got, c.want)
		}
	}
}

func TestRecognizeSortsReadingOrder(t *testing.T) {
	p := &stubProvider{regions: []RawRegion{
		{Text: "third", Confidence: 0.9, Box: tiling.Box{10, 200, 60, 220}},
		{Text: "second", Confidence: 0.9, Box: tiling.Box{400, 50, 450, 70}},
		{Text: "first", Confidence: 0.9, Box: tiling.Box{20, 50, 80, 70}},
	}}
	a := NewAdapter("stub", p, 0)
	got, err := a.Recognize(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"first", "second", "third"}
	for i, w := range want {
		if got[i].Text != w {
			t.Fatalf("position %d = %q, want %q (order %v)", i, got[i].Text, w, got)
		}
	}
}

func TestRecognizeDropsLowConfidenceAndEmpty(t *testing.T) {
	p := &stubProvider{regions: []RawRegion{
		{Text: "KZ1", Confidence: 0.95, Box: tiling.Box{0, 0, 10, 10}},
		{Text: "noise", Confidence: 0.1, Box: tiling.Box{0, 20, 10, 30}},
		{Text: "   ", Confidence: 0.99, Box: tiling.Box{0, 40, 10, 50}},
	}}
	a := NewAdapter("stub", p, 0.3)
	got, err := a.Recognize(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Text != "KZ1" {
		t.Fatalf("got %v, want single KZ1 region", got)
	}
	if got[0].Class != ClassComponentID {
		t.Fatalf("class = %s, want component_id", got[0].Class)
	}
}

func TestRecognizeWrapsProviderFailure(t *testing.T) {
	p := &stubProvider{err: errors.New("engine crashed")}
	a := NewAdapter("stub", p, 0)
	_, err := a.Recognize(context.Background(), nil)
	var re *RecognitionError
	if !errors.As(err, &re) {
		t.Fatalf("expected RecognitionError, got %v", err)
	}
	if re.Provider != "stub" {
		t.Fatalf("provider = %q", re.Provider)
	}
}

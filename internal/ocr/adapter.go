// Package ocr is the text-recognition channel. The adapter wraps an external
// recognition provider behind a uniform contract and does exactly two things
// on top of it: semantic classification of each string and reading-order
// sorting. Anything smarter belongs to fusion.
package ocr

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/local/drawingfusion/internal/tiling"
)

// Class is the semantic class of a recognized string.
type Class string

const (
	ClassComponentID Class = "component_id"
	ClassDimension   Class = "dimension"
	ClassMaterial    Class = "material"
	ClassAxisLabel   Class = "axis_label"
	ClassOther       Class = "other"
)

// RawRegion is what a provider returns: text, confidence and a tile-local box.
type RawRegion struct {
	Text       string
	Confidence float64
	Box        tiling.Box
}

// TextRegion is a classified recognition hit, tile-local, read-only after
// creation.
type TextRegion struct {
	Text       string
	Confidence float64
	Box        tiling.Box
	Class      Class
}

// Provider is the capability interface for the external OCR collaborator.
type Provider interface {
	Recognize(ctx context.Context, imageBytes []byte) ([]RawRegion, error)
}

// RecognitionError wraps a provider failure. Callers mark the tile failed and
// carry on; it never aborts a run.
type RecognitionError struct {
	Provider string
	Err      error
}

func (e *RecognitionError) Error() string {
	return fmt.Sprintf("recognition failed (%s): %v", e.Provider, e.Err)
}

func (e *RecognitionError) Unwrap() error { return e.Err }

var (
	componentIDRe = regexp.MustCompile(`^[A-Z]{1,3}-?\d+[a-z]?$`)
	dimensionRe   = regexp.MustCompile(`^\d+\s*[×xX*]\s*\d+(\s*[×xX*]\s*\d+)?$`)
	materialRe    = regexp.MustCompile(`^(C\d{2}(/\d{2})?|HRB\d{3}|HPB\d{3}|Q\d{3}[A-Z]?)$`)
	axisLabelRe   = regexp.MustCompile(`^([A-Z]|\d{1,2})$`)
)

// readingOrderK dominates row ordering in the composite sort key y*K + x.
// It must exceed any plausible tile width.
const readingOrderK = 100000.0

// Adapter wraps a Provider with classification and reading-order sorting.
type Adapter struct {
	provider      Provider
	name          string
	minConfidence float64
}

func NewAdapter(name string, p Provider, minConfidence float64) *Adapter {
	return &Adapter{provider: p, name: name, minConfidence: minConfidence}
}

// Recognize runs the provider on one tile image and returns classified
// regions in reading order (top-to-bottom, then left-to-right).
func (a *Adapter) Recognize(ctx context.Context, tileImage []byte) ([]TextRegion, error) {
	raw, err := a.provider.Recognize(ctx, tileImage)
	if err != nil {
		return nil, &RecognitionError{Provider: a.name, Err: err}
	}

	regions := make([]TextRegion, 0, len(raw))
	for _, r := range raw {
		text := strings.TrimSpace(r.Text)
		if text == "" || r.Confidence < a.minConfidence {
			continue
		}
		regions = append(regions, TextRegion{
			Text:       text,
			Confidence: r.Confidence,
			Box:        r.Box,
			Class:      Classify(text),
		})
	}
	SortReadingOrder(regions)
	return regions, nil
}

// Classify assigns a semantic class to a recognized string using the drawing
// annotation conventions: component marks like KZ1 or L-12, dimension pairs
// like 300x600, concrete/steel grades like C30 or HRB400, and single-char
// axis labels.
func Classify(text string) Class {
	t := strings.TrimSpace(text)
	// Material grades like C30 or HRB400 also fit the component-id shape,
	// so they must be tested first.
	switch {
	case materialRe.MatchString(t):
		return ClassMaterial
	case dimensionRe.MatchString(t):
		return ClassDimension
	case componentIDRe.MatchString(t):
		return ClassComponentID
	case axisLabelRe.MatchString(t):
		return ClassAxisLabel
	default:
		return ClassOther
	}
}

// SortReadingOrder sorts regions top-to-bottom then left-to-right using the
// composite key y*K + x on the box's top-left corner.
func SortReadingOrder(regions []TextRegion) {
	sort.SliceStable(regions, func(i, j int) bool {
		return readingKey(regions[i].Box) < readingKey(regions[j].Box)
	})
}

func readingKey(b tiling.Box) float64 { return b[1]*readingOrderK + b[0] }

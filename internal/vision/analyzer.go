// Package vision is the per-tile vision channel: it prompts the vision
// collaborator with the tile image, the tile's OCR hits and a bounded
// overview excerpt, and parses the structured response defensively.
package vision

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/local/drawingfusion/internal/ai"
	"github.com/local/drawingfusion/internal/llmjson"
	"github.com/local/drawingfusion/internal/ocr"
	"github.com/local/drawingfusion/internal/overview"
	"github.com/local/drawingfusion/internal/tiling"
)

// Stage tracks a component's coordinate frame through the pipeline.
type Stage string

const (
	StageTileLocal Stage = "tile_local"
	StageGlobal    Stage = "global"
	StageCanonical Stage = "canonical"
)

// Component is a candidate detection. Created tile-local by the analyzer;
// the coordinate restore produces a new global-frame value rather than
// mutating shared state.
type Component struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Dimension  string         `json:"dimension"`
	Material   string         `json:"material"`
	Confidence float64        `json:"confidence"`
	Box        tiling.Box     `json:"bbox"`
	Polygon    []tiling.Point `json:"polygon,omitempty"`

	SourceTile tiling.TileID `json:"-"`
	Stage      Stage         `json:"-"`
}

// Caller is the vision call surface. Satisfied by dispatch.Dispatcher.
type Caller interface {
	Call(ctx context.Context, req ai.Request, preferEngine string) (ai.Response, string, string, error)
}

// Options bounds the per-tile prompt.
type Options struct {
	MaxOverviewChars int
	MaxOCRLines      int
	MaxTokens        int
	PreferEngine     string
}

type Analyzer struct {
	caller Caller
	opts   Options
}

func NewAnalyzer(caller Caller, opts Options) *Analyzer {
	if opts.MaxOverviewChars <= 0 {
		opts.MaxOverviewChars = 2000
	}
	if opts.MaxOCRLines <= 0 {
		opts.MaxOCRLines = 120
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = 4096
	}
	return &Analyzer{caller: caller, opts: opts}
}

// AnalyzeTile runs the vision channel for one tile. A provider failure is
// returned to the caller (the tile is marked failed). A malformed response
// is not an error; it degrades to an empty component list so a single bad
// tile never fails the run.
func (a *Analyzer) AnalyzeTile(ctx context.Context, runID string, tile tiling.Tile, imageB64, imageMIME string, regions []ocr.TextRegion, ov overview.Overview) ([]Component, error) {
	req := ai.Request{
		RunID:        runID,
		TileRef:      tile.ID.String(),
		ImageBase64:  imageB64,
		ImageMIME:    imageMIME,
		SystemPrompt: visionSystemPrompt,
		UserPrompt:   a.buildPrompt(tile, regions, ov),
		MaxTokens:    a.opts.MaxTokens,
	}
	resp, provider, model, err := a.caller.Call(ctx, req, a.opts.PreferEngine)
	if err != nil {
		return nil, err
	}

	comps, perr := ParseComponents(resp.Text)
	if perr != nil {
		log.Warn().
			Str("run_id", runID).
			Str("tile", tile.ID.String()).
			Str("provider", provider).
			Str("model", model).
			Err(perr).
			Msg("vision response unparseable, returning empty component list for tile")
		return nil, nil
	}
	for i := range comps {
		comps[i].SourceTile = tile.ID
		comps[i].Stage = StageTileLocal
	}
	return comps, nil
}

const visionSystemPrompt = `You analyze one tile of a large engineering drawing.
Identify every structural component visible in the tile image.
Return only JSON of the form:
{"components":[{"id":"","type":"","dimension":"","material":"","confidence":0.0,"bbox":[x0,y0,x1,y1]}]}
Coordinates are pixels within this tile image. Use an empty id when no mark is legible.`

func (a *Analyzer) buildPrompt(tile tiling.Tile, regions []ocr.TextRegion, ov overview.Overview) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Tile position: row %d, col %d. Tile size: %dx%d px.\n",
		tile.ID.Row, tile.ID.Col, tile.Rect.W, tile.Rect.H)

	if len(regions) > 0 {
		b.WriteString("\nOCR hits in this tile (text [class] @ x0,y0,x1,y1):\n")
		n := len(regions)
		if n > a.opts.MaxOCRLines {
			n = a.opts.MaxOCRLines
		}
		for _, r := range regions[:n] {
			fmt.Fprintf(&b, "%s [%s] @ %.0f,%.0f,%.0f,%.0f\n",
				r.Text, r.Class, r.Box[0], r.Box[1], r.Box[2], r.Box[3])
		}
		if n < len(regions) {
			fmt.Fprintf(&b, "...and %d more hits omitted\n", len(regions)-n)
		}
	} else {
		b.WriteString("\nNo OCR hits in this tile.\n")
	}

	if excerpt := ov.Excerpt(a.opts.MaxOverviewChars); excerpt != "" {
		b.WriteString("\nDrawing context:\n")
		b.WriteString(excerpt)
	}

	b.WriteString("\nList every component with id/type/dimension/material/bbox/confidence as JSON.")
	return b.String()
}

type componentsPayload struct {
	Components []Component `json:"components"`
}

// ParseComponents recovers the component list from a model response using
// the ordered strategies in llmjson. A response that parses but carries no
// components yields an empty, non-nil-error result.
func ParseComponents(raw string) ([]Component, error) {
	var payload componentsPayload
	if err := llmjson.Unmarshal(raw, &payload); err == nil {
		return clampConfidence(payload.Components), nil
	}
	// Some models return the bare array.
	var arr []Component
	if err := llmjson.Unmarshal(raw, &arr); err == nil {
		return clampConfidence(arr), nil
	}
	return nil, llmjson.ErrNoJSON
}

func clampConfidence(comps []Component) []Component {
	for i := range comps {
		if comps[i].Confidence < 0 {
			comps[i].Confidence = 0
		}
		if comps[i].Confidence > 1 {
			comps[i].Confidence = 1
		}
	}
	return comps
}

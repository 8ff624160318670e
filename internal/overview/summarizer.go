// Package overview builds the run-wide summary document that gives every
// tile's vision call shared context.
package overview

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog/log"

	"github.com/local/drawingfusion/internal/ai"
	"github.com/local/drawingfusion/internal/llmjson"
	"github.com/local/drawingfusion/internal/ocr"
	"github.com/local/drawingfusion/internal/tiling"
)

// Overview is the global-context document consumed read-only by every vision
// call. Built once per run.
type Overview struct {
	DrawingTitle   string   `json:"drawing_title"`
	DrawingNumber  string   `json:"drawing_number"`
	Scale          string   `json:"scale"`
	ComponentIDs   []string `json:"component_ids"`
	ComponentTypes []string `json:"component_types"`
	MaterialGrades []string `json:"material_grades"`
	AxisLabels     []string `json:"axis_labels"`
	Complexity     string   `json:"complexity"`
	// Degraded marks an overview assembled from classified OCR hits alone,
	// without the summarization call.
	Degraded bool `json:"degraded,omitempty"`
}

// TileText carries one tile's recognized regions into the summarizer.
type TileText struct {
	Tile    tiling.TileID
	Regions []ocr.TextRegion
}

// Caller is the summarization call surface. Satisfied by dispatch.Dispatcher.
type Caller interface {
	Call(ctx context.Context, req ai.Request, preferEngine string) (ai.Response, string, string, error)
}

// Options bounds the summarization prompt and call.
type Options struct {
	MaxPromptChars int
	MaxTokens      int
	CallTimeout    time.Duration
	PreferEngine   string
}

type Summarizer struct {
	caller Caller
	opts   Options
}

func NewSummarizer(caller Caller, opts Options) *Summarizer {
	if opts.MaxPromptChars <= 0 {
		opts.MaxPromptChars = 12000
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = 1024
	}
	return &Summarizer{caller: caller, opts: opts}
}

const truncationMarker = "...[truncated]"

// Build aggregates all tiles' text hits into one Overview. On any provider
// or parse failure it degrades to an overview built purely from the
// classified regions; this step never blocks the pipeline.
func (s *Summarizer) Build(ctx context.Context, runID string, tiles []TileText, m *tiling.Mapper) Overview {
	entries := dedupRegions(tiles, m)
	fallback := fromClassified(entries)

	if s.caller == nil {
		fallback.Degraded = true
		return fallback
	}

	prompt := buildPrompt(entries, s.opts.MaxPromptChars)
	req := ai.Request{
		RunID:        runID,
		SystemPrompt: summarySystemPrompt,
		UserPrompt:   prompt,
		MaxTokens:    s.opts.MaxTokens,
		Timeout:      s.opts.CallTimeout,
	}
	resp, provider, model, err := s.caller.Call(ctx, req, s.opts.PreferEngine)
	if err != nil {
		log.Warn().Err(err).Str("run_id", runID).Msg("overview summarization failed, degrading to classified regions")
		fallback.Degraded = true
		return fallback
	}

	var ov Overview
	if err := llmjson.Unmarshal(resp.Text, &ov); err != nil {
		log.Warn().Err(err).Str("run_id", runID).Str("provider", provider).Str("model", model).
			Msg("overview response unparseable, degrading to classified regions")
		fallback.Degraded = true
		return fallback
	}

	// The model summarizes; the classified hits remain the source of truth
	// for vocabulary lists it left empty.
	if len(ov.ComponentIDs) == 0 {
		ov.ComponentIDs = fallback.ComponentIDs
	}
	if len(ov.MaterialGrades) == 0 {
		ov.MaterialGrades = fallback.MaterialGrades
	}
	if len(ov.AxisLabels) == 0 {
		ov.AxisLabels = fallback.AxisLabels
	}
	if ov.Complexity == "" {
		ov.Complexity = fallback.Complexity
	}
	return ov
}

// Excerpt renders a bounded plain-text digest of the overview for embedding
// into per-tile vision prompts.
func (o Overview) Excerpt(maxChars int) string {
	var b strings.Builder
	if o.DrawingTitle != "" {
		fmt.Fprintf(&b, "Drawing: %s", o.DrawingTitle)
		if o.DrawingNumber != "" {
			fmt.Fprintf(&b, " (%s)", o.DrawingNumber)
		}
		b.WriteString("\n")
	}
	if o.Scale != "" {
		fmt.Fprintf(&b, "Scale: %s\n", o.Scale)
	}
	if len(o.ComponentTypes) > 0 {
		fmt.Fprintf(&b, "Component types: %s\n", strings.Join(o.ComponentTypes, ", "))
	}
	if len(o.ComponentIDs) > 0 {
		fmt.Fprintf(&b, "Known component ids: %s\n", strings.Join(o.ComponentIDs, ", "))
	}
	if len(o.MaterialGrades) > 0 {
		fmt.Fprintf(&b, "Material grades: %s\n", strings.Join(o.MaterialGrades, ", "))
	}
	if len(o.AxisLabels) > 0 {
		fmt.Fprintf(&b, "Axis labels: %s\n", strings.Join(o.AxisLabels, ", "))
	}
	s := b.String()
	if maxChars > 0 && len(s) > maxChars {
		cut := maxChars - len(truncationMarker)
		if cut < 0 {
			cut = 0
		}
		// never split a multi-byte rune
		for cut > 0 && !utf8.RuneStart(s[cut]) {
			cut--
		}
		s = s[:cut] + truncationMarker
	}
	return s
}

const summarySystemPrompt = `You are reading OCR text extracted from an engineering drawing.
Summarize the drawing as JSON with fields: drawing_title, drawing_number, scale,
component_ids (array), component_types (array), material_grades (array),
axis_labels (array), complexity ("low", "medium" or "high").
Return only JSON.`

type entry struct {
	text   string
	class  ocr.Class
	global tiling.Point
}

// dedupRegions flattens per-tile hits into reading order and drops
// near-identical text at near-identical global positions. This is a cheap
// string+distance check, deliberately far weaker than fusion.
func dedupRegions(tiles []TileText, m *tiling.Mapper) []entry {
	const positionEps = 16.0
	var out []entry
	for _, tt := range tiles {
		for _, r := range tt.Regions {
			p := tiling.Point{X: r.Box[0], Y: r.Box[1]}
			if m != nil {
				gp, err := m.ToGlobal(tt.Tile, p)
				if err == nil {
					p = gp
				}
			}
			dup := false
			for _, e := range out {
				if e.text == r.Text &&
					math.Abs(e.global.X-p.X) < positionEps &&
					math.Abs(e.global.Y-p.Y) < positionEps {
					dup = true
					break
				}
			}
			if !dup {
				out = append(out, entry{text: r.Text, class: r.Class, global: p})
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].global.Y*100000+out[i].global.X < out[j].global.Y*100000+out[j].global.X
	})
	return out
}

// buildPrompt renders entries into a hard-capped prompt. Overflow is cut at
// a line boundary and marked; text is never dropped silently.
func buildPrompt(entries []entry, maxChars int) string {
	var b strings.Builder
	b.WriteString("OCR text in reading order (text [class] @ x,y):\n")
	truncated := false
	for _, e := range entries {
		line := fmt.Sprintf("%s [%s] @ %.0f,%.0f\n", e.text, e.class, e.global.X, e.global.Y)
		if b.Len()+len(line)+len(truncationMarker) > maxChars {
			truncated = true
			break
		}
		b.WriteString(line)
	}
	if truncated {
		b.WriteString(truncationMarker)
	}
	return b.String()
}

// fromClassified assembles the degraded overview directly from classified
// hits: vocabulary lists with empty drawing metadata.
func fromClassified(entries []entry) Overview {
	ov := Overview{}
	seen := map[ocr.Class]map[string]bool{}
	add := func(class ocr.Class, text string) bool {
		if seen[class] == nil {
			seen[class] = map[string]bool{}
		}
		if seen[class][text] {
			return false
		}
		seen[class][text] = true
		return true
	}
	for _, e := range entries {
		switch e.class {
		case ocr.ClassComponentID:
			if add(e.class, e.text) {
				ov.ComponentIDs = append(ov.ComponentIDs, e.text)
			}
		case ocr.ClassMaterial:
			if add(e.class, e.text) {
				ov.MaterialGrades = append(ov.MaterialGrades, e.text)
			}
		case ocr.ClassAxisLabel:
			if add(e.class, e.text) {
				ov.AxisLabels = append(ov.AxisLabels, e.text)
			}
		}
	}
	switch {
	case len(entries) > 400:
		ov.Complexity = "high"
	case len(entries) > 120:
		ov.Complexity = "medium"
	default:
		ov.Complexity = "low"
	}
	return ov
}

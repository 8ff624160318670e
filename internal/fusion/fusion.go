// Package fusion collapses per-tile component candidates into a canonical
// list. Candidates from overlapping tiles describe the same physical
// component more than once; fusion groups them by text and spatial
// similarity, merges each group field by field, and flags real conflicts
// instead of silently discarding one side.
package fusion

import (
	"sort"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/local/drawingfusion/internal/metrics"
	"github.com/local/drawingfusion/internal/tiling"
	"github.com/local/drawingfusion/internal/vision"
)

// Component is a fused, drawing-level component.
type Component struct {
	ID         string         `json:"id"`
	Type       string         `json:"type,omitempty"`
	Dimension  string         `json:"dimension,omitempty"`
	Material   string         `json:"material,omitempty"`
	Confidence float64        `json:"confidence"`
	Box        tiling.Box     `json:"bbox"`
	Polygon    []tiling.Point `json:"polygon,omitempty"`

	// SourceTiles lists every tile that contributed a candidate.
	SourceTiles []tiling.TileID `json:"source_tiles"`

	// Conflict marks components whose candidates agreed on identity but
	// disagreed on dimension. Each disputed dimension is kept as its own
	// entry so no reading is lost.
	Conflict bool `json:"conflict,omitempty"`
}

// Stats summarizes one fusion pass.
type Stats struct {
	Candidates int
	Canonical  int
	DedupRatio float64
}

type Options struct {
	// TextThreshold and IoUThreshold gate the primary merge rule:
	// near-identical text plus any real overlap.
	TextThreshold float64
	IoUThreshold  float64
	// StrongIoU with WeakText catches split labels: boxes that all but
	// coincide merge even when OCR mangled half the text.
	StrongIoU float64
	WeakText  float64
	// CellSize quantizes candidate centers for pair pruning. Only
	// candidates in the same or neighboring cells are compared.
	CellSize float64
}

type Fuser struct {
	opts Options
}

func New(opts Options) *Fuser {
	if opts.TextThreshold <= 0 {
		opts.TextThreshold = 0.9
	}
	if opts.IoUThreshold <= 0 {
		opts.IoUThreshold = 0.3
	}
	if opts.StrongIoU <= 0 {
		opts.StrongIoU = 0.7
	}
	if opts.WeakText <= 0 {
		opts.WeakText = 0.5
	}
	if opts.CellSize <= 0 {
		opts.CellSize = 512
	}
	return &Fuser{opts: opts}
}

// Fuse merges candidates into canonical components. The result is sorted in
// reading order (top to bottom, left to right) and is stable: fusing the
// output again yields the same list.
func (f *Fuser) Fuse(runID string, candidates []vision.Component) ([]Component, Stats) {
	if len(candidates) == 0 {
		return nil, Stats{}
	}

	groups := f.group(candidates)

	var out []Component
	for _, idxs := range groups {
		out = append(out, f.mergeGroup(candidates, idxs)...)
	}

	sort.SliceStable(out, func(i, j int) bool {
		ki := out[i].Box[1]*100000 + out[i].Box[0]
		kj := out[j].Box[1]*100000 + out[j].Box[0]
		return ki < kj
	})

	stats := Stats{Candidates: len(candidates), Canonical: len(out)}
	stats.DedupRatio = 1 - float64(stats.Canonical)/float64(stats.Candidates)
	metrics.ObserveFusion(stats.Candidates, stats.Canonical)
	log.Debug().
		Str("run_id", runID).
		Int("candidates", stats.Candidates).
		Int("canonical", stats.Canonical).
		Float64("dedup_ratio", stats.DedupRatio).
		Msg("fusion complete")
	return out, stats
}

// group partitions candidate indices into merge groups via union-find.
// Pair comparison is pruned to candidates whose box centers fall in the
// same or adjacent grid cells.
func (f *Fuser) group(cands []vision.Component) [][]int {
	parent := make([]int, len(cands))
	for i := range parent {
		parent[i] = i
	}
	var find func(int) int
	find = func(i int) int {
		for parent[i] != i {
			parent[i] = parent[parent[i]]
			i = parent[i]
		}
		return i
	}
	union := func(a, b int) {
		ra, rb := find(a), find(b)
		if ra != rb {
			parent[rb] = ra
		}
	}

	type cell struct{ cx, cy int }
	cells := make(map[cell][]int, len(cands))
	for i, c := range cands {
		cx := int(((c.Box[0] + c.Box[2]) / 2) / f.opts.CellSize)
		cy := int(((c.Box[1] + c.Box[3]) / 2) / f.opts.CellSize)
		cells[cell{cx, cy}] = append(cells[cell{cx, cy}], i)
	}

	for key, idxs := range cells {
		for dx := -1; dx <= 1; dx++ {
			for dy := -1; dy <= 1; dy++ {
				neighbor := cell{key.cx + dx, key.cy + dy}
				others, ok := cells[neighbor]
				if !ok {
					continue
				}
				for _, i := range idxs {
					for _, j := range others {
						if j <= i {
							continue
						}
						if f.mergeable(cands[i], cands[j]) {
							union(i, j)
						}
					}
				}
			}
		}
	}

	byRoot := make(map[int][]int)
	for i := range cands {
		r := find(i)
		byRoot[r] = append(byRoot[r], i)
	}
	groups := make([][]int, 0, len(byRoot))
	for _, idxs := range byRoot {
		sort.Ints(idxs)
		groups = append(groups, idxs)
	}
	sort.Slice(groups, func(a, b int) bool { return groups[a][0] < groups[b][0] })
	return groups
}

func (f *Fuser) mergeable(a, b vision.Component) bool {
	iou := IoU(a.Box, b.Box)
	if iou <= 0 {
		return false
	}
	sim := TextSimilarity(a.ID, b.ID)
	switch {
	case sim >= f.opts.TextThreshold && iou >= f.opts.IoUThreshold:
		return true
	case iou >= f.opts.StrongIoU && sim >= f.opts.WeakText:
		return true
	case sameID(a.ID, b.ID) && iou >= f.opts.IoUThreshold:
		return true
	}
	return false
}

func sameID(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}

// mergeGroup collapses one merge group. Candidates that agree on dimension
// (or carry none) fuse into a single component; distinct non-empty
// dimensions split into one component each, all flagged as conflicting.
func (f *Fuser) mergeGroup(cands []vision.Component, idxs []int) []Component {
	byDim := make(map[string][]int)
	var dims []string
	nonEmpty := 0
	for _, i := range idxs {
		d := strings.TrimSpace(cands[i].Dimension)
		if _, ok := byDim[d]; !ok {
			dims = append(dims, d)
		}
		byDim[d] = append(byDim[d], i)
		if d != "" {
			nonEmpty++
		}
	}

	distinctDims := 0
	for _, d := range dims {
		if d != "" {
			distinctDims++
		}
	}

	if distinctDims <= 1 {
		return []Component{f.mergeOne(cands, idxs, false)}
	}

	// Conflicting dimensions. Dimensionless candidates join the first
	// dimensioned sub-group rather than forming a phantom component.
	sort.Strings(dims)
	var out []Component
	orphans := byDim[""]
	first := true
	for _, d := range dims {
		if d == "" {
			continue
		}
		sub := byDim[d]
		if first && len(orphans) > 0 {
			sub = append(append([]int{}, sub...), orphans...)
			sort.Ints(sub)
		}
		first = false
		out = append(out, f.mergeOne(cands, sub, true))
	}
	return out
}

func (f *Fuser) mergeOne(cands []vision.Component, idxs []int, conflict bool) Component {
	best := idxs[0]
	for _, i := range idxs[1:] {
		if cands[i].Confidence > cands[best].Confidence {
			best = i
		}
	}

	c := Component{
		ID:         cands[best].ID,
		Type:       cands[best].Type,
		Dimension:  cands[best].Dimension,
		Material:   cands[best].Material,
		Confidence: cands[best].Confidence,
		Box:        cands[best].Box,
		Polygon:    cands[best].Polygon,
		Conflict:   conflict,
	}

	// Remaining candidates fill gaps in confidence order and grow the box
	// to cover every sighting.
	order := append([]int{}, idxs...)
	sort.Slice(order, func(a, b int) bool {
		return cands[order[a]].Confidence > cands[order[b]].Confidence
	})
	seen := make(map[tiling.TileID]bool)
	for _, i := range order {
		cd := cands[i]
		if c.Type == "" {
			c.Type = cd.Type
		}
		if c.Dimension == "" {
			c.Dimension = cd.Dimension
		}
		if c.Material == "" {
			c.Material = cd.Material
		}
		if len(c.Polygon) == 0 {
			c.Polygon = cd.Polygon
		}
		c.Box[0] = minf(c.Box[0], cd.Box[0])
		c.Box[1] = minf(c.Box[1], cd.Box[1])
		c.Box[2] = maxf(c.Box[2], cd.Box[2])
		c.Box[3] = maxf(c.Box[3], cd.Box[3])
		if !seen[cd.SourceTile] {
			seen[cd.SourceTile] = true
			c.SourceTiles = append(c.SourceTiles, cd.SourceTile)
		}
	}
	sort.Slice(c.SourceTiles, func(a, b int) bool {
		if c.SourceTiles[a].Row != c.SourceTiles[b].Row {
			return c.SourceTiles[a].Row < c.SourceTiles[b].Row
		}
		return c.SourceTiles[a].Col < c.SourceTiles[b].Col
	})
	return c
}

// Package engine runs the whole analysis pipeline for one drawing: load
// pixels, cut the tile grid, run OCR and vision per tile, lift hits into
// drawing coordinates and fuse them into a canonical component list.
package engine

import (
	"context"
	"errors"
	"fmt"
	"image"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/local/drawingfusion/internal/filetype"
	"github.com/local/drawingfusion/internal/fusion"
	"github.com/local/drawingfusion/internal/imaging"
	"github.com/local/drawingfusion/internal/metrics"
	"github.com/local/drawingfusion/internal/ocr"
	"github.com/local/drawingfusion/internal/overview"
	"github.com/local/drawingfusion/internal/runcache"
	"github.com/local/drawingfusion/internal/scheduler"
	"github.com/local/drawingfusion/internal/store"
	"github.com/local/drawingfusion/internal/tiling"
	"github.com/local/drawingfusion/internal/vision"
)

// ErrCancelled reports that a run was stopped on request.
var ErrCancelled = errors.New("run cancelled")

// Recognizer is the OCR channel.
type Recognizer interface {
	Recognize(ctx context.Context, tileImage []byte) ([]ocr.TextRegion, error)
}

// OverviewBuilder produces the drawing-level summary fed to vision prompts.
type OverviewBuilder interface {
	Build(ctx context.Context, runID string, tiles []overview.TileText, m *tiling.Mapper) overview.Overview
}

// TileAnalyzer is the vision channel.
type TileAnalyzer interface {
	AnalyzeTile(ctx context.Context, runID string, tile tiling.Tile, imageB64, imageMIME string, regions []ocr.TextRegion, ov overview.Overview) ([]vision.Component, error)
}

// StatusSink receives run state transitions. Satisfied by store.RedisStatus.
type StatusSink interface {
	Set(ctx context.Context, runID string, st store.Status) error
}

// CancelChecker reports externally requested cancellation. Satisfied by
// store.RunStore. The engine polls it at phase boundaries; the server also
// cancels the context for calls already in flight.
type CancelChecker interface {
	IsCancelled(ctx context.Context, runID string) (bool, error)
}

// OutcomeSink records per-tile results for postmortems. Satisfied by
// store.RunStore.
type OutcomeSink interface {
	SaveTileOutcome(ctx context.Context, runID, tile, state string, components int, errMsg string) error
}

type Options struct {
	Tiling      tiling.Options
	RasterDPI   float64
	JPEGQuality int
	OCRTimeout  time.Duration
	BatchSize   int
	MaxInflight int
	CallTimeout time.Duration
}

type Engine struct {
	opts       Options
	recognizer Recognizer
	summarizer OverviewBuilder
	analyzer   TileAnalyzer
	fuser      *fusion.Fuser

	// optional sinks, nil-safe
	status   StatusSink
	cancels  CancelChecker
	outcomes OutcomeSink
}

func New(recognizer Recognizer, summarizer OverviewBuilder, analyzer TileAnalyzer, fuser *fusion.Fuser, opts Options) *Engine {
	if opts.JPEGQuality <= 0 {
		opts.JPEGQuality = 85
	}
	if opts.RasterDPI <= 0 {
		opts.RasterDPI = 200
	}
	return &Engine{
		opts:       opts,
		recognizer: recognizer,
		summarizer: summarizer,
		analyzer:   analyzer,
		fuser:      fuser,
	}
}

// WithSinks attaches the optional status, cancellation and outcome stores.
func (e *Engine) WithSinks(status StatusSink, cancels CancelChecker, outcomes OutcomeSink) *Engine {
	e.status = status
	e.cancels = cancels
	e.outcomes = outcomes
	return e
}

// RunStats summarizes one run.
type RunStats struct {
	TileCount   int           `json:"tile_count"`
	CacheHits   int64         `json:"cache_hits"`
	CacheMisses int64         `json:"cache_misses"`
	FailedTiles int           `json:"failed_tiles"`
	Candidates  int           `json:"candidates"`
	DedupRatio  float64       `json:"dedup_ratio"`
	Duration    time.Duration `json:"duration_ns"`
}

// RunResult is the final payload for one drawing.
type RunResult struct {
	RunID      string             `json:"run_id"`
	ImageW     int                `json:"image_width"`
	ImageH     int                `json:"image_height"`
	Overview   overview.Overview  `json:"overview"`
	Components []fusion.Component `json:"components"`
	Stats      RunStats           `json:"stats"`
}

// Run analyzes one drawing. A nil error with FailedTiles > 0 means a
// partial result: tiles that failed are listed in the stats but the rest
// of the drawing is still fused and returned.
func (e *Engine) Run(ctx context.Context, runID string, input []byte, page int) (*RunResult, error) {
	started := time.Now()
	cache := runcache.New()

	img, err := e.loadPixels(ctx, input, page)
	if err != nil {
		e.setStatus(ctx, runID, store.StateFailed, 100, err.Error())
		metrics.IncRunCompleted("failed")
		return nil, err
	}

	bounds := img.Bounds()
	e.setStatus(ctx, runID, store.StateTiling, 5, "building tile grid")

	grid, err := tiling.Build(bounds.Dx(), bounds.Dy(), e.opts.Tiling)
	if err != nil {
		e.setStatus(ctx, runID, store.StateFailed, 100, err.Error())
		metrics.IncRunCompleted("failed")
		return nil, err
	}
	mapper := tiling.NewMapper(grid)
	log.Info().
		Str("run_id", runID).
		Int("width", bounds.Dx()).
		Int("height", bounds.Dy()).
		Int("tiles", grid.TileCount()).
		Int("rows", grid.Rows).
		Int("cols", grid.Cols).
		Msg("tile grid built")

	if err := e.checkCancelled(ctx, runID); err != nil {
		return nil, err
	}

	// Tile images are cut once and shared by both channels. OCR runs on the
	// full-resolution crop; the vision payload is downscaled back under the
	// resolution ceiling when the tile-count clamp grew tiles past it, and
	// the scale is kept so detections can be lifted back to source pixels.
	ceiling := e.opts.Tiling.MaxTileSide()
	tileImages := make(map[tiling.TileID][]byte, grid.TileCount())
	visionImages := make(map[tiling.TileID]string, grid.TileCount())
	tileScales := make(map[tiling.TileID]float64, grid.TileCount())
	for _, t := range grid.Tiles {
		crop := imaging.CropTile(img, t.Rect)
		data, err := imaging.EncodeJPEG(crop, e.opts.JPEGQuality)
		if err != nil {
			e.setStatus(ctx, runID, store.StateFailed, 100, err.Error())
			metrics.IncRunCompleted("failed")
			return nil, fmt.Errorf("failed to encode tile %s: %w", t.ID, err)
		}
		tileImages[t.ID] = data

		scaled, scale := imaging.DownscaleToFit(crop, ceiling)
		tileScales[t.ID] = scale
		if scale == 1 {
			visionImages[t.ID] = imaging.ToBase64(data)
			continue
		}
		sdata, err := imaging.EncodeJPEG(scaled, e.opts.JPEGQuality)
		if err != nil {
			e.setStatus(ctx, runID, store.StateFailed, 100, err.Error())
			metrics.IncRunCompleted("failed")
			return nil, fmt.Errorf("failed to encode tile %s: %w", t.ID, err)
		}
		visionImages[t.ID] = imaging.ToBase64(sdata)
	}

	e.setStatus(ctx, runID, store.StateExtracting, 15, "running text recognition")
	tileTexts := e.runOCR(ctx, runID, grid, tileImages, cache)

	if err := e.checkCancelled(ctx, runID); err != nil {
		return nil, err
	}

	ov := e.summarizer.Build(ctx, runID, tileTexts, mapper)

	e.setStatus(ctx, runID, store.StateExtracting, 40, "analyzing tiles")
	regionsByTile := make(map[tiling.TileID][]ocr.TextRegion, len(tileTexts))
	for _, tt := range tileTexts {
		regionsByTile[tt.Tile] = tt.Regions
	}

	jobs := make([]scheduler.TileJob, len(grid.Tiles))
	for i, t := range grid.Tiles {
		jobs[i] = scheduler.TileJob{
			Tile:      t,
			ImageB64:  visionImages[t.ID],
			ImageMIME: "image/jpeg",
			Regions:   len(regionsByTile[t.ID]),
		}
	}

	sched := scheduler.New(cache, scheduler.Options{
		BatchSize:   e.opts.BatchSize,
		MaxInflight: e.opts.MaxInflight,
		CallTimeout: e.opts.CallTimeout,
	})
	outcomes := sched.Run(ctx, runID, jobs, func(ctx context.Context, job scheduler.TileJob) ([]vision.Component, error) {
		return e.analyzer.AnalyzeTile(ctx, runID, job.Tile, job.ImageB64, job.ImageMIME, regionsByTile[job.Tile.ID], ov)
	})

	if err := e.checkCancelled(ctx, runID); err != nil {
		return nil, err
	}

	e.setStatus(ctx, runID, store.StateFusing, 85, "fusing candidates")

	candidates, failed, err := e.globalize(runID, outcomes, mapper, tileScales)
	if err != nil {
		// a coordinate failure is an internal bug, not a provider hiccup
		e.setStatus(ctx, runID, store.StateFailed, 100, err.Error())
		metrics.IncRunCompleted("failed")
		return nil, err
	}

	components, fstats := e.fuser.Fuse(runID, candidates)

	hits, misses := cache.Stats()
	result := &RunResult{
		RunID:      runID,
		ImageW:     bounds.Dx(),
		ImageH:     bounds.Dy(),
		Overview:   ov,
		Components: components,
		Stats: RunStats{
			TileCount:   grid.TileCount(),
			CacheHits:   hits,
			CacheMisses: misses,
			FailedTiles: failed,
			Candidates:  fstats.Candidates,
			DedupRatio:  fstats.DedupRatio,
			Duration:    time.Since(started),
		},
	}

	state, runMetric := store.StateCompleted, "success"
	if failed > 0 {
		state, runMetric = store.StatePartial, "partial"
	}
	e.setStatus(ctx, runID, state, 100, fmt.Sprintf("%d components from %d tiles", len(components), grid.TileCount()))
	metrics.IncRunCompleted(runMetric)
	log.Info().
		Str("run_id", runID).
		Str("state", state).
		Int("components", len(components)).
		Int("failed_tiles", failed).
		Dur("duration", result.Stats.Duration).
		Msg("run finished")
	return result, nil
}

func (e *Engine) loadPixels(ctx context.Context, input []byte, page int) (image.Image, error) {
	info, err := filetype.Detect(input)
	if err != nil {
		return nil, err
	}
	if err := info.Validate(); err != nil {
		return nil, err
	}
	if info.Kind == filetype.KindPDF {
		pages, err := imaging.PDFPageCount(input)
		if err != nil {
			return nil, err
		}
		page, err = normalizePage(page, pages)
		if err != nil {
			return nil, err
		}
		return imaging.RasterizePDF(input, page, e.opts.RasterDPI)
	}
	img, _, err := imaging.Decode(input)
	return img, err
}

// normalizePage defaults an unset page to 1 and rejects pages past the end
// of the document.
func normalizePage(page, pages int) (int, error) {
	if page < 1 {
		page = 1
	}
	if page > pages {
		return 0, fmt.Errorf("page %d requested but document has %d pages", page, pages)
	}
	return page, nil
}

// runOCR feeds every tile through text recognition. Results go through the
// run cache so a tile is never OCRed twice, and a failed tile degrades to
// an empty region list instead of stopping the run.
func (e *Engine) runOCR(ctx context.Context, runID string, grid *tiling.Grid, tileImages map[tiling.TileID][]byte, cache *runcache.Cache) []overview.TileText {
	out := make([]overview.TileText, 0, grid.TileCount())
	for _, t := range grid.Tiles {
		key := runcache.Key{Tile: t.ID, Channel: runcache.ChannelText}
		v, cached, err := cache.GetOrCompute(ctx, key, func(ctx context.Context) (any, error) {
			octx := ctx
			if e.opts.OCRTimeout > 0 {
				var cancel context.CancelFunc
				octx, cancel = context.WithTimeout(ctx, e.opts.OCRTimeout)
				defer cancel()
			}
			return e.recognizer.Recognize(octx, tileImages[t.ID])
		})
		if cached {
			metrics.IncCacheHit(string(runcache.ChannelText))
		} else {
			metrics.IncCacheMiss(string(runcache.ChannelText))
		}
		if err != nil {
			log.Warn().Err(err).Str("run_id", runID).Str("tile", t.ID.String()).Msg("text recognition failed, tile degrades to vision only")
			metrics.IncTile(string(runcache.ChannelText), "failed")
			out = append(out, overview.TileText{Tile: t.ID})
			continue
		}
		metrics.IncTile(string(runcache.ChannelText), "success")
		regions, _ := v.([]ocr.TextRegion)
		out = append(out, overview.TileText{Tile: t.ID, Regions: regions})
	}
	return out
}

// globalize lifts every tile-local candidate into drawing coordinates and
// records per-tile outcomes. Candidates from downscaled vision payloads are
// first unscaled back to the tile's source pixels.
func (e *Engine) globalize(runID string, outcomes []scheduler.Outcome, mapper *tiling.Mapper, scales map[tiling.TileID]float64) ([]vision.Component, int, error) {
	var candidates []vision.Component
	failed := 0
	ctx := context.Background()

	for _, o := range outcomes {
		if o.Err != nil {
			failed++
			e.saveOutcome(ctx, runID, o.Tile.String(), "failed", 0, o.Err.Error())
			continue
		}
		for _, c := range o.Components {
			if sc, ok := scales[c.SourceTile]; ok && sc != 1 && sc > 0 {
				for i := range c.Box {
					c.Box[i] /= sc
				}
				for i := range c.Polygon {
					c.Polygon[i].X /= sc
					c.Polygon[i].Y /= sc
				}
			}
			box, err := mapper.BoxToGlobal(c.SourceTile, c.Box)
			if err != nil {
				return nil, 0, err
			}
			poly, err := mapper.PolygonToGlobal(c.SourceTile, c.Polygon)
			if err != nil {
				return nil, 0, err
			}
			c.Box = box
			c.Polygon = poly
			c.Stage = vision.StageGlobal
			candidates = append(candidates, c)
		}
		e.saveOutcome(ctx, runID, o.Tile.String(), "done", len(o.Components), "")
	}
	return candidates, failed, nil
}

func (e *Engine) setStatus(ctx context.Context, runID, state string, progress int, msg string) {
	if e.status == nil {
		return
	}
	st := store.Status{Status: state, Progress: progress, Message: msg}
	now := time.Now()
	if state == store.StateCompleted || state == store.StatePartial || state == store.StateFailed || state == store.StateCancelled {
		st.End = &now
	}
	if err := e.status.Set(ctx, runID, st); err != nil {
		log.Warn().Err(err).Str("run_id", runID).Msg("failed to persist run status")
	}
}

func (e *Engine) saveOutcome(ctx context.Context, runID, tile, state string, components int, errMsg string) {
	if e.outcomes == nil {
		return
	}
	if err := e.outcomes.SaveTileOutcome(ctx, runID, tile, state, components, errMsg); err != nil {
		log.Warn().Err(err).Str("run_id", runID).Str("tile", tile).Msg("failed to persist tile outcome")
	}
}

func (e *Engine) checkCancelled(ctx context.Context, runID string) error {
	if err := ctx.Err(); err != nil {
		e.setStatus(context.Background(), runID, store.StateCancelled, 100, "run cancelled")
		metrics.IncRunCompleted("cancelled")
		return fmt.Errorf("%w: %v", ErrCancelled, err)
	}
	if e.cancels == nil {
		return nil
	}
	cancelled, err := e.cancels.IsCancelled(ctx, runID)
	if err != nil {
		log.Warn().Err(err).Str("run_id", runID).Msg("cancellation check failed, run continues")
		return nil
	}
	if cancelled {
		e.setStatus(context.Background(), runID, store.StateCancelled, 100, "run cancelled")
		metrics.IncRunCompleted("cancelled")
		return ErrCancelled
	}
	return nil
}

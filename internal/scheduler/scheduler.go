// Package scheduler drives the vision channel: tiles are partitioned into
// fixed-size batches and processed with bounded concurrency, with the run
// cache consulted before any provider call is issued.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/local/drawingfusion/internal/metrics"
	"github.com/local/drawingfusion/internal/runcache"
	"github.com/local/drawingfusion/internal/tiling"
	"github.com/local/drawingfusion/internal/vision"
)

// TileJob is one tile's worth of vision work.
type TileJob struct {
	Tile      tiling.Tile
	ImageB64  string
	ImageMIME string
	Regions   int // OCR hit count, for logging only
}

// Outcome records how one tile fared. Every scheduled tile gets exactly one
// outcome; a failed tile never aborts the batch or the run.
type Outcome struct {
	Tile       tiling.TileID
	Components []vision.Component
	Err        error
	Cached     bool
	Skipped    bool // cancellation hit before the call was issued
	Duration   time.Duration
}

// AnalyzeFunc runs the vision channel for one tile.
type AnalyzeFunc func(ctx context.Context, job TileJob) ([]vision.Component, error)

type Options struct {
	BatchSize   int
	MaxInflight int
	CallTimeout time.Duration
}

type Scheduler struct {
	opts  Options
	cache *runcache.Cache
}

func New(cache *runcache.Cache, opts Options) *Scheduler {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 8
	}
	if opts.MaxInflight <= 0 {
		opts.MaxInflight = 4
	}
	return &Scheduler{opts: opts, cache: cache}
}

// Run processes all jobs and returns one outcome per job, in job order.
// Batches run sequentially; tiles within a batch run concurrently up to
// MaxInflight. The cache guarantees the vision producer fires at most once
// per tile even if the same tile appears in multiple jobs or batches.
// Cancellation stops issuing new calls; in-flight calls finish or time out.
func (s *Scheduler) Run(ctx context.Context, runID string, jobs []TileJob, analyze AnalyzeFunc) []Outcome {
	outcomes := make([]Outcome, len(jobs))

	for start := 0; start < len(jobs); start += s.opts.BatchSize {
		end := start + s.opts.BatchSize
		if end > len(jobs) {
			end = len(jobs)
		}
		s.runBatch(ctx, runID, jobs[start:end], outcomes[start:end], analyze)
	}

	failed := 0
	for _, o := range outcomes {
		if o.Err != nil {
			failed++
		}
	}
	log.Info().
		Str("run_id", runID).
		Int("tiles", len(jobs)).
		Int("failed", failed).
		Msg("vision scheduling complete")
	return outcomes
}

func (s *Scheduler) runBatch(ctx context.Context, runID string, jobs []TileJob, outcomes []Outcome, analyze AnalyzeFunc) {
	sem := make(chan struct{}, s.opts.MaxInflight)
	var wg sync.WaitGroup

	for i, job := range jobs {
		outcomes[i].Tile = job.Tile.ID

		key := runcache.Key{Tile: job.Tile.ID, Channel: runcache.ChannelVision}

		// Completed results short-circuit without spending a worker slot.
		if v, ok := s.cache.Peek(key); ok {
			outcomes[i].Components = v.([]vision.Component)
			outcomes[i].Cached = true
			metrics.IncCacheHit(string(runcache.ChannelVision))
			metrics.IncTile(string(runcache.ChannelVision), "cached")
			continue
		}

		// Cancellation is checked before each new call is issued; tiles
		// already in flight are left to finish on their own deadline.
		if ctx.Err() != nil {
			outcomes[i].Err = ctx.Err()
			outcomes[i].Skipped = true
			metrics.IncTile(string(runcache.ChannelVision), "skipped")
			continue
		}

		wg.Add(1)
		sem <- struct{}{}
		go func(i int, job TileJob) {
			defer wg.Done()
			defer func() { <-sem }()

			start := time.Now()
			v, cached, err := s.cache.GetOrCompute(ctx, key, func(ctx context.Context) (any, error) {
				cctx := ctx
				if s.opts.CallTimeout > 0 {
					var cancel context.CancelFunc
					cctx, cancel = context.WithTimeout(ctx, s.opts.CallTimeout)
					defer cancel()
				}
				return analyze(cctx, job)
			})
			outcomes[i].Duration = time.Since(start)
			outcomes[i].Cached = cached
			if cached {
				metrics.IncCacheHit(string(runcache.ChannelVision))
			} else {
				metrics.IncCacheMiss(string(runcache.ChannelVision))
			}
			if err != nil {
				outcomes[i].Err = err
				metrics.IncTile(string(runcache.ChannelVision), "failed")
				log.Warn().
					Err(err).
					Str("run_id", runID).
					Str("tile", job.Tile.ID.String()).
					Dur("duration", outcomes[i].Duration).
					Msg("tile vision call failed, run continues")
				return
			}
			if v != nil {
				outcomes[i].Components = v.([]vision.Component)
			}
			metrics.IncTile(string(runcache.ChannelVision), "success")
		}(i, job)
	}

	wg.Wait()
}

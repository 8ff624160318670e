package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/local/drawingfusion/internal/runcache"
	"github.com/local/drawingfusion/internal/tiling"
	"github.com/local/drawingfusion/internal/vision"
)

func makeJobs(n int) []TileJob {
	jobs := make([]TileJob, n)
	for i := range jobs {
		jobs[i] = TileJob{
			Tile: tiling.Tile{
				ID:   tiling.TileID{Row: 0, Col: i},
				Rect: tiling.Rect{X: i * 1000, Y: 0, W: 1000, H: 1000},
			},
			ImageB64:  "aW1n",
			ImageMIME: "image/jpeg",
		}
	}
	return jobs
}

func TestRunAllTilesGetOutcomes(t *testing.T) {
	jobs := makeJobs(10)
	s := New(runcache.New(), Options{BatchSize: 4, MaxInflight: 2})

	var calls int32
	outcomes := s.Run(context.Background(), "run-1", jobs, func(ctx context.Context, job TileJob) ([]vision.Component, error) {
		atomic.AddInt32(&calls, 1)
		return []vision.Component{{ID: job.Tile.ID.String()}}, nil
	})

	if len(outcomes) != len(jobs) {
		t.Fatalf("outcomes = %d, want %d", len(outcomes), len(jobs))
	}
	if got := atomic.LoadInt32(&calls); got != 10 {
		t.Fatalf("analyze calls = %d, want 10", got)
	}
	for i, o := range outcomes {
		if o.Tile != jobs[i].Tile.ID {
			t.Errorf("outcome %d tile = %v, want %v", i, o.Tile, jobs[i].Tile.ID)
		}
		if o.Err != nil {
			t.Errorf("outcome %d err = %v", i, o.Err)
		}
		if len(o.Components) != 1 || o.Components[0].ID != jobs[i].Tile.ID.String() {
			t.Errorf("outcome %d components = %+v", i, o.Components)
		}
	}
}

func TestRunBoundedConcurrency(t *testing.T) {
	jobs := makeJobs(12)
	s := New(runcache.New(), Options{BatchSize: 12, MaxInflight: 3})

	var inflight, peak int32
	var mu sync.Mutex
	outcomes := s.Run(context.Background(), "run-bound", jobs, func(ctx context.Context, job TileJob) ([]vision.Component, error) {
		cur := atomic.AddInt32(&inflight, 1)
		mu.Lock()
		if cur > peak {
			peak = cur
		}
		mu.Unlock()
		time.Sleep(10 * time.Millisecond)
		atomic.AddInt32(&inflight, -1)
		return nil, nil
	})

	if len(outcomes) != 12 {
		t.Fatalf("outcomes = %d", len(outcomes))
	}
	mu.Lock()
	defer mu.Unlock()
	if peak > 3 {
		t.Fatalf("peak inflight = %d, want <= 3", peak)
	}
}

// A tile appearing twice must trigger exactly one provider call; the second
// occurrence is served from the run cache.
func TestRunAtMostOncePerTile(t *testing.T) {
	jobs := makeJobs(3)
	jobs = append(jobs, jobs[0], jobs[1], jobs[2])

	cache := runcache.New()
	s := New(cache, Options{BatchSize: 6, MaxInflight: 4})

	var calls int32
	outcomes := s.Run(context.Background(), "run-dup", jobs, func(ctx context.Context, job TileJob) ([]vision.Component, error) {
		atomic.AddInt32(&calls, 1)
		return []vision.Component{{ID: "A"}}, nil
	})

	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Fatalf("analyze calls = %d, want 3", got)
	}
	cachedCount := 0
	for _, o := range outcomes {
		if o.Err != nil {
			t.Fatalf("unexpected error for %v: %v", o.Tile, o.Err)
		}
		if len(o.Components) != 1 {
			t.Fatalf("tile %v components = %d, want 1", o.Tile, len(o.Components))
		}
		if o.Cached {
			cachedCount++
		}
	}
	if cachedCount != 3 {
		t.Fatalf("cached outcomes = %d, want 3", cachedCount)
	}
}

// A rerun over the same cache skips scheduling entirely via Peek.
func TestRunSecondPassServedFromCache(t *testing.T) {
	jobs := makeJobs(4)
	cache := runcache.New()
	s := New(cache, Options{BatchSize: 4, MaxInflight: 2})

	var calls int32
	analyze := func(ctx context.Context, job TileJob) ([]vision.Component, error) {
		atomic.AddInt32(&calls, 1)
		return []vision.Component{{ID: job.Tile.ID.String()}}, nil
	}

	s.Run(context.Background(), "run-a", jobs, analyze)
	outcomes := s.Run(context.Background(), "run-a", jobs, analyze)

	if got := atomic.LoadInt32(&calls); got != 4 {
		t.Fatalf("analyze calls = %d, want 4", got)
	}
	for _, o := range outcomes {
		if !o.Cached {
			t.Errorf("tile %v not served from cache", o.Tile)
		}
		if len(o.Components) != 1 {
			t.Errorf("tile %v lost its components on reread", o.Tile)
		}
	}
}

func TestRunFailureDoesNotAbort(t *testing.T) {
	jobs := makeJobs(5)
	s := New(runcache.New(), Options{BatchSize: 2, MaxInflight: 2})

	boom := errors.New("provider down")
	outcomes := s.Run(context.Background(), "run-fail", jobs, func(ctx context.Context, job TileJob) ([]vision.Component, error) {
		if job.Tile.ID.Col == 2 {
			return nil, boom
		}
		return []vision.Component{{ID: "ok"}}, nil
	})

	failed, ok := 0, 0
	for _, o := range outcomes {
		if o.Err != nil {
			failed++
			if !errors.Is(o.Err, boom) {
				t.Errorf("tile %v err = %v, want provider error", o.Tile, o.Err)
			}
		} else {
			ok++
		}
	}
	if failed != 1 || ok != 4 {
		t.Fatalf("failed = %d, ok = %d, want 1/4", failed, ok)
	}
}

func TestRunCancellationStopsNewIssues(t *testing.T) {
	jobs := makeJobs(8)
	s := New(runcache.New(), Options{BatchSize: 2, MaxInflight: 1})

	ctx, cancel := context.WithCancel(context.Background())
	var calls int32
	outcomes := s.Run(ctx, "run-cancel", jobs, func(ctx context.Context, job TileJob) ([]vision.Component, error) {
		if atomic.AddInt32(&calls, 1) == 2 {
			cancel()
		}
		return nil, nil
	})

	skipped := 0
	for _, o := range outcomes {
		if o.Skipped {
			skipped++
			if !errors.Is(o.Err, context.Canceled) {
				t.Errorf("skipped tile %v err = %v, want context.Canceled", o.Tile, o.Err)
			}
		}
	}
	if skipped == 0 {
		t.Fatal("cancellation did not skip any tiles")
	}
	if got := atomic.LoadInt32(&calls); got == int32(len(jobs)) {
		t.Fatal("all tiles were still issued after cancel")
	}
}

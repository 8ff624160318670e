package store

import (
	"context"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
)

const (
	cancelKey = "runs:cancelled:set"
	resultTTL = 7 * 24 * time.Hour
)

// RunStore records per-tile outcomes and the final result payload.
type RunStore struct {
	client *redis.Client
}

func NewRunStore(client *redis.Client) *RunStore {
	return &RunStore{client: client}
}

func (s *RunStore) tileKey(runID, tile string) string {
	return fmt.Sprintf("run:%s:tile:%s", runID, tile)
}

func (s *RunStore) resultKey(runID string) string {
	return fmt.Sprintf("run:%s:result", runID)
}

// SaveTileOutcome records how one tile fared, for progress reporting and
// postmortems on partial runs.
func (s *RunStore) SaveTileOutcome(ctx context.Context, runID, tile, state string, components int, errMsg string) error {
	m := map[string]interface{}{
		"state":      state,
		"components": components,
	}
	if errMsg != "" {
		m["error"] = errMsg
	}
	key := s.tileKey(runID, tile)
	if err := s.client.HSet(ctx, key, m).Err(); err != nil {
		return err
	}
	return s.client.Expire(ctx, key, resultTTL).Err()
}

// GetTileOutcome returns the recorded state for a tile, or ok=false when
// nothing was recorded.
func (s *RunStore) GetTileOutcome(ctx context.Context, runID, tile string) (state string, errMsg string, ok bool, err error) {
	res, err := s.client.HGetAll(ctx, s.tileKey(runID, tile)).Result()
	if err != nil {
		return "", "", false, err
	}
	if len(res) == 0 {
		return "", "", false, nil
	}
	return res["state"], res["error"], true, nil
}

// SaveResult stores the final result JSON for the run.
func (s *RunStore) SaveResult(ctx context.Context, runID string, payload []byte) error {
	return s.client.Set(ctx, s.resultKey(runID), payload, resultTTL).Err()
}

// GetResult fetches the final result JSON, ok=false when the run has no
// stored result yet.
func (s *RunStore) GetResult(ctx context.Context, runID string) ([]byte, bool, error) {
	res, err := s.client.Get(ctx, s.resultKey(runID)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return res, true, nil
}

// CancelRun marks a run as cancelled. The engine checks this between tiles.
func (s *RunStore) CancelRun(ctx context.Context, runID string) error {
	return s.client.SAdd(ctx, cancelKey, runID).Err()
}

// IsCancelled returns true if the run was cancelled.
func (s *RunStore) IsCancelled(ctx context.Context, runID string) (bool, error) {
	return s.client.SIsMember(ctx, cancelKey, runID).Result()
}

// ClearCancel removes the cancellation mark once the run has wound down.
func (s *RunStore) ClearCancel(ctx context.Context, runID string) error {
	return s.client.SRem(ctx, cancelKey, runID).Err()
}

package limiter

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// Adaptive combines a per-provider/model in-process in-flight limit with a
// Redis-backed circuit-breaker cooldown shared across instances.
type Adaptive struct {
	rdb         *redis.Client
	maxInflight int
	baseBackoff time.Duration
	maxBackoff  time.Duration
	mu          sync.Mutex
	sem         map[string]chan struct{}
}

type Options struct {
	MaxInflight int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

// New builds a limiter on top of an existing Redis client. The client is
// shared with the status store; the limiter does not own its lifecycle.
func New(rdb *redis.Client, opts Options) *Adaptive {
	if opts.MaxInflight <= 0 {
		opts.MaxInflight = 2
	}
	if opts.BaseBackoff <= 0 {
		opts.BaseBackoff = 30 * time.Second
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = 5 * time.Minute
	}
	return &Adaptive{
		rdb:         rdb,
		maxInflight: opts.MaxInflight,
		baseBackoff: opts.BaseBackoff,
		maxBackoff:  opts.MaxBackoff,
		sem:         map[string]chan struct{}{},
	}
}

func (a *Adaptive) key(provider, model string) string {
	return fmt.Sprintf("cb:%s:%s", strings.ToLower(provider), strings.ToLower(model))
}

// IsOpen returns true if the breaker is open (cooldown active). Without a
// Redis client the breaker is always closed.
func (a *Adaptive) IsOpen(ctx context.Context, provider, model string) bool {
	if a.rdb == nil {
		return false
	}
	ts, err := a.rdb.Get(ctx, a.key(provider, model)).Int64()
	if err != nil {
		return false
	}
	return time.Now().Unix() < ts
}

// Open sets/extends the cooldown with exponential backoff per attempt.
func (a *Adaptive) Open(ctx context.Context, provider, model string) {
	if a.rdb == nil {
		return
	}
	k := a.key(provider, model)
	cntKey := k + ":attempts"
	attempts, _ := a.rdb.Incr(ctx, cntKey).Result()
	d := a.backoffFor(attempts)
	until := time.Now().Add(d).Unix()
	_ = a.rdb.Set(ctx, k, until, d).Err()
}

// backoffFor doubles the cooldown per consecutive trip. The shift is capped
// so a long outage cannot overflow the duration into a negative value.
func (a *Adaptive) backoffFor(attempts int64) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	if attempts > 10 {
		attempts = 10
	}
	d := a.baseBackoff * (1 << (attempts - 1))
	if d > a.maxBackoff {
		d = a.maxBackoff
	}
	return d
}

// Close resets the breaker for provider/model.
func (a *Adaptive) Close(ctx context.Context, provider, model string) {
	if a.rdb == nil {
		return
	}
	k := a.key(provider, model)
	_ = a.rdb.Del(ctx, k, k+":attempts").Err()
}

// Allow tries to reserve a local in-process slot for provider:model.
// Returns a release function and true if allowed; otherwise nil,false.
func (a *Adaptive) Allow(provider, model string) (func(), bool) {
	key := strings.ToLower(provider) + ":" + strings.ToLower(model)
	a.mu.Lock()
	ch, ok := a.sem[key]
	if !ok {
		ch = make(chan struct{}, a.maxInflight)
		a.sem[key] = ch
	}
	a.mu.Unlock()
	select {
	case ch <- struct{}{}:
		return func() { <-ch }, true
	default:
		return func() {}, false
	}
}

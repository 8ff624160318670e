// Package dispatch routes provider calls with rate-limit-aware failover
// across provider/model pairs and a shared circuit breaker.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/local/drawingfusion/internal/ai"
	"github.com/local/drawingfusion/internal/config"
	"github.com/local/drawingfusion/internal/limiter"
	"github.com/local/drawingfusion/internal/metrics"
)

// Dispatcher fans a single logical request out over the configured failover
// ladder: primary provider's primary model, then (on rate limit) its
// secondary model, then the secondary provider's primary model.
type Dispatcher struct {
	providers config.ProvidersConfig
	clients   map[string]ai.Client
	lim       *limiter.Adaptive
}

// New builds a dispatcher over injected provider clients. lim may be nil in
// tests; the breaker and in-flight limits are then disabled.
func New(providers config.ProvidersConfig, clients map[string]ai.Client, lim *limiter.Adaptive) *Dispatcher {
	return &Dispatcher{providers: providers, clients: clients, lim: lim}
}

type attempt struct {
	provider string
	model    string
	// rateLimitOnly attempts are tried only when the previous error was a
	// rate limit on the same provider.
	rateLimitOnly bool
}

// Call executes req against the failover ladder and returns the response
// together with the provider and model that served it.
func (d *Dispatcher) Call(ctx context.Context, req ai.Request, preferEngine string) (ai.Response, string, string, error) {
	primary := d.providers.PrimaryEngine
	secondary := d.providers.SecondaryEngine
	if preferEngine != "" {
		primary = preferEngine
		if primary == "openai" {
			secondary = "anthropic"
		} else {
			secondary = "openai"
		}
	}

	ladder := []attempt{
		{provider: primary, model: d.model(primary, "primary")},
		{provider: primary, model: d.model(primary, "secondary"), rateLimitOnly: true},
		{provider: secondary, model: d.model(secondary, "primary")},
	}

	var lastErr error
	rateLimited := false
	for _, a := range ladder {
		if a.model == "" {
			continue
		}
		if a.rateLimitOnly && !rateLimited {
			continue
		}
		if ctx.Err() != nil {
			return ai.Response{}, "", "", ctx.Err()
		}
		if d.lim != nil && d.lim.IsOpen(ctx, a.provider, a.model) {
			log.Debug().Str("provider", a.provider).Str("model", a.model).Msg("breaker open, skipping")
			continue
		}

		release := func() {}
		if d.lim != nil {
			var ok bool
			release, ok = d.lim.Allow(a.provider, a.model)
			if !ok {
				lastErr = &RateLimitError{Provider: a.provider, Model: a.model, Reason: "local in-flight limit"}
				rateLimited = true
				continue
			}
		}

		resp, err := d.callOne(ctx, a.provider, a.model, req)
		release()
		if err == nil {
			if d.lim != nil {
				d.lim.Close(ctx, a.provider, a.model)
				metrics.BreakerClosed(a.provider, a.model)
			}
			return resp, a.provider, a.model, nil
		}

		lastErr = err
		rateLimited = ai.IsRateLimited(err) || isTimeoutLike(err)
		if rateLimited && d.lim != nil {
			d.lim.Open(ctx, a.provider, a.model)
			metrics.BreakerOpened(a.provider, a.model)
		}
		if isFatalError(err) && !ai.IsContentRefused(err) {
			// No point walking the ladder for malformed requests.
			break
		}
		log.Warn().
			Err(err).
			Str("run_id", req.RunID).
			Str("tile", req.TileRef).
			Str("provider", a.provider).
			Str("model", a.model).
			Bool("transient", isTransientError(err)).
			Msg("provider call failed, trying next rung")
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("no usable provider/model for engines %s/%s", primary, secondary)
	}
	return ai.Response{}, "", "", lastErr
}

func (d *Dispatcher) callOne(ctx context.Context, provider, model string, req ai.Request) (ai.Response, error) {
	client, ok := d.clients[provider]
	if !ok {
		return ai.Response{}, &ValidationError{Message: "unknown provider: " + provider}
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	req.Model = model
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	resp, err := client.Do(cctx, req)
	dur := time.Since(start)

	if err != nil && cctx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
		metrics.ObserveProvider(provider, model, "timeout", dur)
		return ai.Response{}, &RateLimitError{Provider: provider, Model: model, Reason: "timeout"}
	}

	result := "success"
	switch {
	case err == nil:
	case ai.IsRateLimited(err):
		result = "rate_limited"
	case isTransientError(err):
		result = "transient"
	case isFatalError(err):
		result = "fatal"
	default:
		result = "unknown"
	}
	metrics.ObserveProvider(provider, model, result, dur)
	return resp, err
}

func (d *Dispatcher) model(provider, tier string) string {
	var m config.ProviderModels
	switch provider {
	case "openai":
		m = d.providers.OpenAI
	case "anthropic":
		m = d.providers.Anthropic
	default:
		return ""
	}
	if tier == "secondary" {
		return m.Secondary
	}
	return m.Primary
}

func isTimeoutLike(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var rl *RateLimitError
	return errors.As(err, &rl)
}

package ai

import (
	"context"
	"errors"
	"time"
)

// Request is a generic inference request for one tile or one summary call.
type Request struct {
	RunID   string
	TileRef string // "r0c1" for tile calls, empty for the overview summary
	Model   string
	Timeout time.Duration

	// Vision fields; empty for text-only summarization calls.
	ImageBase64 string
	ImageMIME   string

	SystemPrompt string
	UserPrompt   string
	MaxTokens    int
}

type Response struct {
	Text      string
	TokensIn  int
	TokensOut int
}

// Client is the capability interface for a model provider. Concrete
// implementations are injected at construction time; nothing downstream
// branches on provider type tags.
type Client interface {
	Name() string
	Do(ctx context.Context, req Request) (Response, error)
}

var (
	ErrRateLimited    = errors.New("rate_limited")
	ErrContentRefused = errors.New("content_refused")
)

func IsRateLimited(err error) bool    { return errors.Is(err, ErrRateLimited) }
func IsContentRefused(err error) bool { return errors.Is(err, ErrContentRefused) }

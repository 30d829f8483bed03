package providers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// MaxFallbackAttempts caps retries across a logical provider's model chain.
const MaxFallbackAttempts = 5

// FallbackProvider wraps a back-end with a primary model and an ordered list
// of fallback models. Model-unavailable failures advance to the next model
// in the chain; every other class is raised immediately.
type FallbackProvider struct {
	inner       Provider
	primary     string
	fallbacks   []string
	maxAttempts int
}

// NewFallbackProvider builds the chain. An empty primary uses the inner
// provider's default model.
func NewFallbackProvider(inner Provider, primary string, fallbacks []string) *FallbackProvider {
	if primary == "" {
		primary = inner.DefaultModel()
	}
	return &FallbackProvider{
		inner:       inner,
		primary:     primary,
		fallbacks:   fallbacks,
		maxAttempts: MaxFallbackAttempts,
	}
}

func (p *FallbackProvider) Name() string         { return p.inner.Name() }
func (p *FallbackProvider) DefaultModel() string { return p.primary }

// ChatStream walks the model chain. A model override on the request pins the
// first attempt; the chain still applies after it.
func (p *FallbackProvider) ChatStream(ctx context.Context, req ChatRequest, onChunk func(StreamChunk)) (*ChatResponse, error) {
	chain := make([]string, 0, 1+len(p.fallbacks))
	if req.Model != "" && req.Model != p.primary {
		chain = append(chain, req.Model)
	}
	chain = append(chain, p.primary)
	chain = append(chain, p.fallbacks...)

	attempts := 0
	var lastErr error
	for _, model := range chain {
		if attempts >= p.maxAttempts {
			break
		}
		attempts++

		attempt := req
		attempt.Model = model
		resp, err := p.inner.ChatStream(ctx, attempt, onChunk)
		if err == nil {
			return resp, nil
		}
		if !errors.Is(err, ErrModelUnavailable) {
			return nil, err
		}
		lastErr = err
		slog.Warn("model unavailable, trying next in chain",
			"provider", p.inner.Name(), "model", model, "attempt", attempts)
	}
	return nil, fmt.Errorf("%w: chain exhausted after %d attempts: %v", ErrModelUnavailable, attempts, lastErr)
}

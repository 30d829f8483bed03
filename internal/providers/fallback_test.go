package providers

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

// scriptedProvider fails for models in the unavailable set and succeeds
// otherwise, recording the models tried.
type scriptedProvider struct {
	unavailable map[string]bool
	failWith    error
	tried       []string
}

func (s *scriptedProvider) Name() string         { return "scripted" }
func (s *scriptedProvider) DefaultModel() string { return "primary" }

func (s *scriptedProvider) ChatStream(_ context.Context, req ChatRequest, onChunk func(StreamChunk)) (*ChatResponse, error) {
	s.tried = append(s.tried, req.Model)
	if s.unavailable[req.Model] {
		if s.failWith != nil {
			return nil, s.failWith
		}
		return nil, fmt.Errorf("%w: model %s", ErrModelUnavailable, req.Model)
	}
	if onChunk != nil {
		onChunk(StreamChunk{Content: "ok from " + req.Model})
		onChunk(StreamChunk{Done: true})
	}
	return &ChatResponse{Content: "ok from " + req.Model}, nil
}

func TestFallback_AdvancesOnModelUnavailable(t *testing.T) {
	inner := &scriptedProvider{unavailable: map[string]bool{"primary": true}}
	p := NewFallbackProvider(inner, "primary", []string{"backup-1", "backup-2"})

	var chunks []string
	resp, err := p.ChatStream(context.Background(), ChatRequest{}, func(c StreamChunk) {
		if c.Content != "" {
			chunks = append(chunks, c.Content)
		}
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Content != "ok from backup-1" {
		t.Errorf("content = %q, want response from backup-1", resp.Content)
	}
	if len(chunks) == 0 {
		t.Error("client should see an uninterrupted stream from the fallback")
	}
	if len(inner.tried) != 2 {
		t.Errorf("tried = %v, want primary then backup-1", inner.tried)
	}
}

func TestFallback_ChainExhausted(t *testing.T) {
	inner := &scriptedProvider{unavailable: map[string]bool{
		"primary": true, "b1": true, "b2": true, "b3": true, "b4": true, "b5": true,
	}}
	p := NewFallbackProvider(inner, "primary", []string{"b1", "b2", "b3", "b4", "b5"})

	_, err := p.ChatStream(context.Background(), ChatRequest{}, nil)
	if !errors.Is(err, ErrModelUnavailable) {
		t.Fatalf("err = %v, want ErrModelUnavailable", err)
	}
	if len(inner.tried) != MaxFallbackAttempts {
		t.Errorf("attempts = %d, want capped at %d", len(inner.tried), MaxFallbackAttempts)
	}
}

func TestFallback_TerminalErrorsNotRetried(t *testing.T) {
	for _, tc := range []struct {
		name string
		err  error
	}{
		{"unauthorized", fmt.Errorf("%w: bad key", ErrUnauthorized)},
		{"quota", fmt.Errorf("%w: slow down", ErrQuota)},
		{"timeout", fmt.Errorf("%w: deadline", ErrTimeout)},
	} {
		t.Run(tc.name, func(t *testing.T) {
			inner := &scriptedProvider{unavailable: map[string]bool{"primary": true}, failWith: tc.err}
			p := NewFallbackProvider(inner, "primary", []string{"backup"})

			_, err := p.ChatStream(context.Background(), ChatRequest{}, nil)
			if !errors.Is(err, tc.err) {
				t.Fatalf("err = %v, want %v unchanged", err, tc.err)
			}
			if len(inner.tried) != 1 {
				t.Errorf("tried = %v, terminal errors must not advance the chain", inner.tried)
			}
		})
	}
}

func TestClassifyHTTP(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		want   error
	}{
		{"404 is model unavailable", 404, "no such thing", ErrModelUnavailable},
		{"400 mentioning model", 400, "The model `x` does not exist", ErrModelUnavailable},
		{"401 is unauthorized", 401, "bad key", ErrUnauthorized},
		{"429 is quota", 429, "rate limited", ErrQuota},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := ClassifyHTTP(&HTTPError{Status: tc.status, Body: tc.body})
			if !errors.Is(got, tc.want) {
				t.Errorf("ClassifyHTTP(%d) = %v, want %v", tc.status, got, tc.want)
			}
		})
	}

	t.Run("400 without model token passes through", func(t *testing.T) {
		orig := &HTTPError{Status: 400, Body: "malformed json"}
		got := ClassifyHTTP(orig)
		if errors.Is(got, ErrModelUnavailable) {
			t.Error("generic 400 must not trigger fallback")
		}
	})
}

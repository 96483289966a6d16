package provider

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/teranos/prompter/ai/anthropic"
	"github.com/teranos/prompter/ai/llm"
	"github.com/teranos/prompter/ai/openrouter"
	"github.com/teranos/prompter/errors"
)

// Factory builds an adapter for a provider. The provider's credential is
// already decrypted.
type Factory func(p *Provider, opts AdapterOptions) (llm.Adapter, error)

// AdapterOptions carries settings shared by every adapter
type AdapterOptions struct {
	Timeout time.Duration
	Logger  *zap.SugaredLogger
}

// DefaultFactories returns one factory per supported family
func DefaultFactories() map[Family]Factory {
	return map[Family]Factory{
		FamilyOpenAI:    newOpenAICompatible(false),
		FamilyLocal:     newOpenAICompatible(true),
		FamilyAnthropic: newAnthropic,
	}
}

func newOpenAICompatible(local bool) Factory {
	return func(p *Provider, opts AdapterOptions) (llm.Adapter, error) {
		return openrouter.NewClient(openrouter.Config{
			Name:    p.Name,
			APIKey:  p.APIKey,
			BaseURL: p.BaseURL,
			Local:   local,
			Timeout: opts.Timeout,
			Logger:  opts.Logger,
		}), nil
	}
}

func newAnthropic(p *Provider, opts AdapterOptions) (llm.Adapter, error) {
	return anthropic.NewClient(anthropic.Config{
		Name:    p.Name,
		APIKey:  p.APIKey,
		BaseURL: p.BaseURL,
		Timeout: opts.Timeout,
		Logger:  opts.Logger,
	}), nil
}

// newLimiter spaces calls evenly at requestsPerMinute with no burst
func newLimiter(requestsPerMinute int) *rate.Limiter {
	return rate.NewLimiter(rate.Limit(float64(requestsPerMinute)/60), 1)
}

// limitedAdapter waits on a shared per-provider limiter before each call
type limitedAdapter struct {
	provider string
	limiter  *rate.Limiter
	next     llm.Adapter
}

func (a *limitedAdapter) Generate(ctx context.Context, req llm.Request) (*llm.Response, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		if ctx.Err() == context.Canceled {
			return nil, errors.Mark(errors.Wrap(err, "canceled waiting for rate limit"), errors.ErrCanceled)
		}
		// The wait would outlast the deadline
		return nil, errors.Mark(errors.Wrapf(err, "%s client rate limit", a.provider), errors.ErrProviderRateLimited)
	}
	return a.next.Generate(ctx, req)
}

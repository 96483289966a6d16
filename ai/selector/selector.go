// Package selector resolves which provider and model serve a request.
//
// Resolution walks an ordered ladder of strategies and takes the first
// one that places the request on an active provider:
//
//  1. explicit model on the call
//  2. the template's structured model reference
//  3. the template's legacy free-text provider/model
//  4. the configured default (provider hint's default model, then the
//     engine's default_provider/default_model)
//  5. the global fallback, openrouter / openai/gpt-4o-mini
//
// The ladder reads the registry and nothing else; it has no side effects.
package selector

import (
	"context"

	"github.com/google/uuid"

	"github.com/teranos/prompter/ai/openrouter"
	"github.com/teranos/prompter/ai/provider"
	"github.com/teranos/prompter/errors"
	"github.com/teranos/prompter/prompt"
)

// Global fallback target
const (
	FallbackProvider = "openrouter"
	FallbackModel    = openrouter.DefaultModel
)

// Source names the ladder step that produced a resolution
type Source string

const (
	SourceExplicit          Source = "explicit"
	SourceTemplateModel     Source = "template_model"
	SourceTemplateLegacy    Source = "template_legacy"
	SourceConfiguredDefault Source = "configured_default"
	SourceGlobalFallback    Source = "global_fallback"
)

// Registry is the read-only view of the provider registry the ladder needs
type Registry interface {
	GetProvider(ctx context.Context, name string) (*provider.Provider, error)
	GetModel(ctx context.Context, id string) (*provider.Model, error)
	FindModel(ctx context.Context, providerName, name string) (*provider.Model, error)
	FindModelsByName(ctx context.Context, name string) ([]*provider.Model, error)
	DefaultModel(ctx context.Context, providerName string) (*provider.Model, error)
}

// Request carries everything the ladder may consult
type Request struct {
	Model       string // explicit model name or registry model ID
	Provider    string // provider hint
	Template    *prompt.Template
	Temperature *float64
	MaxTokens   *int
}

// Defaults is the service-level configured default
type Defaults struct {
	Provider string
	Model    string // empty selects the provider's default model
}

// Resolution is the outcome of the ladder
type Resolution struct {
	Provider    string
	Model       string
	ModelRecord *provider.Model // nil when the model is not registered
	Temperature float64
	MaxTokens   int
	Source      Source
	// PassedOver is the explicit model the ladder could not place and
	// resolved past; empty when the explicit step matched or none was asked.
	PassedOver  string
}

// step is one rung of the ladder. place returns nil when the step does
// not apply or cannot place the request.
type step struct {
	source Source
	place  func(ctx context.Context, s *Selector, req Request) (*placement, error)
}

type placement struct {
	provider *provider.Provider
	model    string
	record   *provider.Model
}

var ladder = []step{
	{SourceExplicit, placeExplicit},
	{SourceTemplateModel, placeTemplateModel},
	{SourceTemplateLegacy, placeTemplateLegacy},
	{SourceConfiguredDefault, placeConfiguredDefault},
	{SourceGlobalFallback, placeGlobalFallback},
}

// Selector runs the ladder against a registry
type Selector struct {
	registry Registry
	defaults Defaults
	steps    []step
}

// New returns a Selector using the standard ladder
func New(registry Registry, defaults Defaults) *Selector {
	return &Selector{registry: registry, defaults: defaults, steps: ladder}
}

// Resolve returns the first placement the ladder finds, or
// ErrNoModelConfigured when every step declines.
func (s *Selector) Resolve(ctx context.Context, req Request) (*Resolution, error) {
	for _, st := range s.steps {
		p, err := st.place(ctx, s, req)
		if err != nil {
			return nil, errors.Wrapf(err, "model selection (%s)", st.source)
		}
		if p == nil {
			continue
		}
		res := s.finish(p, req, st.source)
		if req.Model != "" && st.source != SourceExplicit {
			res.PassedOver = req.Model
		}
		return res, nil
	}
	return nil, errors.WithHint(
		errors.Mark(errors.New("no active provider could serve the request"), errors.ErrNoModelConfigured),
		"set engine.default_provider in am.toml or pass --model",
	)
}

// Order returns the ladder's sources in evaluation order
func Order() []Source {
	out := make([]Source, len(ladder))
	for i, st := range ladder {
		out[i] = st.source
	}
	return out
}

// finish applies parameter precedence: call, then template, then provider
func (s *Selector) finish(p *placement, req Request, source Source) *Resolution {
	res := &Resolution{
		Provider:    p.provider.Name,
		Model:       p.model,
		ModelRecord: p.record,
		Temperature: p.provider.DefaultTemperature,
		MaxTokens:   p.provider.DefaultMaxTokens,
		Source:      source,
	}
	t := req.Template
	switch {
	case req.Temperature != nil:
		res.Temperature = *req.Temperature
	case t != nil && t.Temperature != nil:
		res.Temperature = *t.Temperature
	}
	switch {
	case req.MaxTokens != nil:
		res.MaxTokens = *req.MaxTokens
	case t != nil && t.MaxTokens != nil:
		res.MaxTokens = *t.MaxTokens
	}
	if p.record != nil && p.record.MaxOutputTokens > 0 && res.MaxTokens > p.record.MaxOutputTokens {
		res.MaxTokens = p.record.MaxOutputTokens
	}
	return res
}

func placeExplicit(ctx context.Context, s *Selector, req Request) (*placement, error) {
	if req.Model == "" {
		return nil, nil
	}
	return s.placeName(ctx, req.Provider, req.Model)
}

func placeTemplateModel(ctx context.Context, s *Selector, req Request) (*placement, error) {
	if req.Template == nil || req.Template.ModelID == "" {
		return nil, nil
	}
	return s.placeID(ctx, req.Template.ModelID)
}

func placeTemplateLegacy(ctx context.Context, s *Selector, req Request) (*placement, error) {
	if req.Template == nil || req.Template.Model == "" {
		return nil, nil
	}
	hint := req.Template.Provider
	if hint == "" {
		hint = req.Provider
	}
	return s.placeName(ctx, hint, req.Template.Model)
}

func placeConfiguredDefault(ctx context.Context, s *Selector, req Request) (*placement, error) {
	hint := req.Provider
	if hint == "" && req.Template != nil {
		hint = req.Template.Provider
	}
	if hint != "" {
		p, err := s.placeDefault(ctx, hint)
		if p != nil || err != nil {
			return p, err
		}
	}

	if s.defaults.Provider == "" {
		return nil, nil
	}
	if s.defaults.Model == "" {
		return s.placeDefault(ctx, s.defaults.Provider)
	}
	return s.placeName(ctx, s.defaults.Provider, s.defaults.Model)
}

func placeGlobalFallback(ctx context.Context, s *Selector, _ Request) (*placement, error) {
	return s.placeName(ctx, FallbackProvider, FallbackModel)
}

// placeName places a model name (or registry ID) on providerName, or on
// any active provider offering it when providerName is empty. A name the
// registry does not know is accepted as-is on an explicitly named active
// provider.
func (s *Selector) placeName(ctx context.Context, providerName, model string) (*placement, error) {
	if _, err := uuid.Parse(model); err == nil {
		p, err := s.placeID(ctx, model)
		if p != nil || err != nil {
			return p, err
		}
	}

	if providerName != "" {
		prov, err := s.activeProvider(ctx, providerName)
		if prov == nil || err != nil {
			return nil, err
		}
		rec, err := s.registry.FindModel(ctx, providerName, model)
		switch {
		case errors.IsNotFoundError(err):
			return &placement{provider: prov, model: model}, nil
		case err != nil:
			return nil, err
		case !rec.Active:
			return nil, nil
		}
		return &placement{provider: prov, model: rec.Name, record: rec}, nil
	}

	candidates, err := s.registry.FindModelsByName(ctx, model)
	if err != nil {
		return nil, err
	}
	for _, rec := range candidates {
		if !rec.Active {
			continue
		}
		prov, err := s.activeProvider(ctx, rec.ProviderName)
		if err != nil {
			return nil, err
		}
		if prov != nil {
			return &placement{provider: prov, model: rec.Name, record: rec}, nil
		}
	}
	return nil, nil
}

func (s *Selector) placeID(ctx context.Context, id string) (*placement, error) {
	rec, err := s.registry.GetModel(ctx, id)
	if errors.IsNotFoundError(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !rec.Active {
		return nil, nil
	}
	prov, err := s.activeProvider(ctx, rec.ProviderName)
	if prov == nil || err != nil {
		return nil, err
	}
	return &placement{provider: prov, model: rec.Name, record: rec}, nil
}

func (s *Selector) placeDefault(ctx context.Context, providerName string) (*placement, error) {
	prov, err := s.activeProvider(ctx, providerName)
	if prov == nil || err != nil {
		return nil, err
	}
	rec, err := s.registry.DefaultModel(ctx, providerName)
	if errors.IsNotFoundError(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !rec.Active {
		return nil, nil
	}
	return &placement{provider: prov, model: rec.Name, record: rec}, nil
}

// activeProvider returns nil without error for unknown or inactive providers
func (s *Selector) activeProvider(ctx context.Context, name string) (*provider.Provider, error) {
	p, err := s.registry.GetProvider(ctx, name)
	if errors.IsNotFoundError(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !p.Active {
		return nil, nil
	}
	return p, nil
}

// Package engine coordinates prompt executions.
//
// A request moves through a fixed sequence of stages:
//
//	render -> select -> cache check -> (hit: respond)
//	                                -> (miss: call provider -> cache write -> ledger write -> respond)
//
// Render and select failures return immediately and are not recorded.
// Every invocation that resolves a provider and model produces exactly
// one ledger record, whether it ends in a cache hit, a successful call
// or a failure.
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/teranos/prompter/ai/cache"
	"github.com/teranos/prompter/ai/ledger"
	"github.com/teranos/prompter/ai/llm"
	"github.com/teranos/prompter/ai/provider"
	"github.com/teranos/prompter/ai/selector"
	"github.com/teranos/prompter/errors"
	"github.com/teranos/prompter/prompt"
)

const (
	DefaultProviderTimeout = 60 * time.Second
	DefaultMaxBackoff      = 5 * time.Second
)

// TemplateStore is the part of prompt.Store the engine uses
type TemplateStore interface {
	Resolve(ctx context.Context, ref prompt.Ref) (*prompt.Template, error)
	NewVersion(ctx context.Context, sourceID string, o prompt.Overrides) (*prompt.Template, error)
	Duplicate(ctx context.Context, sourceID, newName string) (*prompt.Template, error)
	RecordUsage(ctx context.Context, id string, at time.Time) error
}

// Registry resolves models for the selector and builds adapters
type Registry interface {
	selector.Registry
	GetAdapter(ctx context.Context, name string) (llm.Adapter, *provider.Provider, error)
}

// Options wires an Engine. Templates, Registry, Cache and Ledger are
// required.
type Options struct {
	Templates TemplateStore
	Registry  Registry
	Cache     *cache.Store
	Ledger    *ledger.Ledger
	Defaults  selector.Defaults

	ProviderTimeout  time.Duration // per attempt
	MaxRetries       int           // additional attempts for transient failures
	RetryBackoff     time.Duration // doubled after each failed attempt
	MaxBackoff       time.Duration
	SingleFlight     bool // one in-flight provider call per cache key
	SchemaValidation bool

	Logger *zap.SugaredLogger
}

// Engine executes templated and raw prompts
type Engine struct {
	templates TemplateStore
	registry  Registry
	selector  *selector.Selector
	cache     *cache.Store
	ledger    *ledger.Ledger
	schemas   *prompt.SchemaValidator
	flights   singleflight.Group

	providerTimeout  time.Duration
	maxRetries       int
	retryBackoff     time.Duration
	maxBackoff       time.Duration
	singleFlight     bool
	schemaValidation bool

	logger *zap.SugaredLogger
	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error
}

// New creates an Engine
func New(opts Options) (*Engine, error) {
	switch {
	case opts.Templates == nil:
		return nil, errors.New("engine requires a template store")
	case opts.Registry == nil:
		return nil, errors.New("engine requires a provider registry")
	case opts.Cache == nil:
		return nil, errors.New("engine requires a response cache")
	case opts.Ledger == nil:
		return nil, errors.New("engine requires an execution ledger")
	case opts.MaxRetries < 0:
		return nil, errors.NewInvalidRequestError("max retries must not be negative, got %d", opts.MaxRetries)
	}

	e := &Engine{
		templates:        opts.Templates,
		registry:         opts.Registry,
		selector:         selector.New(opts.Registry, opts.Defaults),
		cache:            opts.Cache,
		ledger:           opts.Ledger,
		schemas:          prompt.NewSchemaValidator(),
		providerTimeout:  opts.ProviderTimeout,
		maxRetries:       opts.MaxRetries,
		retryBackoff:     opts.RetryBackoff,
		maxBackoff:       opts.MaxBackoff,
		singleFlight:     opts.SingleFlight,
		schemaValidation: opts.SchemaValidation,
		logger:           opts.Logger,
		now:              time.Now,
		sleep:            sleepContext,
	}
	if e.providerTimeout <= 0 {
		e.providerTimeout = DefaultProviderTimeout
	}
	if e.maxBackoff <= 0 {
		e.maxBackoff = DefaultMaxBackoff
	}
	if e.logger == nil {
		e.logger = zap.NewNop().Sugar()
	}
	return e, nil
}

// ExecuteRequest runs a stored template against a context
type ExecuteRequest struct {
	Template       prompt.Ref
	Context        map[string]any
	Model          string // explicit model name or registry ID, overrides the template
	Provider       string // provider hint
	Temperature    *float64
	MaxTokens      *int
	DatasetEntryID string
}

// RawRequest runs literal prompts. When Context is set the prompts are
// rendered against it; otherwise they are sent verbatim.
type RawRequest struct {
	SystemPrompt   string
	UserPrompt     string
	Context        map[string]any
	Provider       string
	Model          string
	Temperature    *float64
	MaxTokens      *int
	DatasetEntryID string
}

// Result is the outcome of a successful execution
type Result struct {
	ExecutionID      string          `json:"execution_id"`
	Text             string          `json:"text"`
	Provider         string          `json:"provider"`
	Model            string          `json:"model"`
	CacheHit         bool            `json:"cache_hit"`
	CacheKey         string          `json:"cache_key"`
	TokensUsed       int             `json:"tokens_used"`
	PromptTokens     int             `json:"prompt_tokens"`
	CompletionTokens int             `json:"completion_tokens"`
	Cost             decimal.Decimal `json:"cost"`
	Attempts         int             `json:"attempts"`
	Duration         time.Duration   `json:"duration"`
	Source           selector.Source `json:"selection"`
	PassedOver       string          `json:"passed_over,omitempty"`
	TemplateID       string          `json:"template_id,omitempty"`
	TemplateVersion  int             `json:"template_version,omitempty"`
}

// Plan is what an execution would do, computed without calling a provider
type Plan struct {
	SystemPrompt string           `json:"system_prompt"`
	UserPrompt   string           `json:"user_prompt"`
	Provider     string           `json:"provider"`
	Model        string           `json:"model"`
	Temperature  float64          `json:"temperature"`
	MaxTokens    int              `json:"max_tokens"`
	Source       selector.Source  `json:"selection"`
	PassedOver   string           `json:"passed_over,omitempty"`
	CacheKey     string           `json:"cache_key"`
	Cached       bool             `json:"cached"`
	Template     *prompt.Template `json:"template,omitempty"`
}

// Stage names where an execution failed
type Stage string

const (
	StageRender   Stage = "render"
	StageSelect   Stage = "select"
	StageProvider Stage = "provider"
	StageValidate Stage = "validate"
)

// ExecutionError is the typed failure returned by Execute and ExecuteRaw.
// ExecutionID is set when the failure was recorded in the ledger.
type ExecutionError struct {
	Kind        errors.Kind
	Stage       Stage
	ExecutionID string
	Provider    string
	Model       string
	Attempts    int
	Err         error
}

func (e *ExecutionError) Error() string {
	if e.Provider != "" {
		return fmt.Sprintf("%s failed (%s/%s): %v", e.Stage, e.Provider, e.Model, e.Err)
	}
	return fmt.Sprintf("%s failed: %v", e.Stage, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

func newExecutionError(stage Stage, err error) *ExecutionError {
	return &ExecutionError{Kind: errors.KindOf(err), Stage: stage, Err: err}
}

// job is a rendered request ready for selection
type job struct {
	template       *prompt.Template
	context        map[string]any
	system         string
	user           string
	datasetEntryID string
	selection      selector.Request
}

// Execute renders a stored template and runs it
func (e *Engine) Execute(ctx context.Context, req ExecuteRequest) (*Result, error) {
	j, err := e.prepareTemplate(ctx, req)
	if err != nil {
		return nil, err
	}
	return e.run(ctx, j)
}

// ExecuteRaw runs literal prompts without a stored template
func (e *Engine) ExecuteRaw(ctx context.Context, req RawRequest) (*Result, error) {
	j, err := prepareRaw(req)
	if err != nil {
		return nil, err
	}
	return e.run(ctx, j)
}

// Preview renders and selects like Execute but never calls a provider,
// writes the cache or touches the ledger.
func (e *Engine) Preview(ctx context.Context, req ExecuteRequest) (*Plan, error) {
	j, err := e.prepareTemplate(ctx, req)
	if err != nil {
		return nil, err
	}
	return e.plan(ctx, j)
}

// PreviewRaw is Preview for literal prompts
func (e *Engine) PreviewRaw(ctx context.Context, req RawRequest) (*Plan, error) {
	j, err := prepareRaw(req)
	if err != nil {
		return nil, err
	}
	return e.plan(ctx, j)
}

// NewVersion derives the next version of a template
func (e *Engine) NewVersion(ctx context.Context, templateID string, o prompt.Overrides) (*prompt.Template, error) {
	t, err := e.templates.NewVersion(ctx, templateID, o)
	if err != nil {
		return nil, errors.Wrapf(err, "new version of %s", templateID)
	}
	return t, nil
}

// Duplicate copies a template into a new independent chain
func (e *Engine) Duplicate(ctx context.Context, templateID, newName string) (*prompt.Template, error) {
	t, err := e.templates.Duplicate(ctx, templateID, newName)
	if err != nil {
		return nil, errors.Wrapf(err, "duplicate %s as %s", templateID, newName)
	}
	return t, nil
}

func (e *Engine) prepareTemplate(ctx context.Context, req ExecuteRequest) (*job, error) {
	t, err := e.templates.Resolve(ctx, req.Template)
	if err != nil {
		return nil, newExecutionError(StageRender, err)
	}
	if e.schemaValidation {
		if err := e.schemas.ValidateInput(t.InputSchema, req.Context); err != nil {
			return nil, newExecutionError(StageRender, errors.Wrapf(err, "template %s", t.Name))
		}
	}
	system, user, err := prompt.Render(t, req.Context)
	if err != nil {
		return nil, newExecutionError(StageRender, err)
	}
	return &job{
		template:       t,
		context:        req.Context,
		system:         system,
		user:           user,
		datasetEntryID: req.DatasetEntryID,
		selection: selector.Request{
			Model:       req.Model,
			Provider:    req.Provider,
			Template:    t,
			Temperature: req.Temperature,
			MaxTokens:   req.MaxTokens,
		},
	}, nil
}

func prepareRaw(req RawRequest) (*job, error) {
	if req.UserPrompt == "" && req.SystemPrompt == "" {
		return nil, newExecutionError(StageRender,
			errors.NewInvalidRequestError("raw execution needs a system or user prompt"))
	}
	system, user, err := prompt.RenderRaw(req.SystemPrompt, req.UserPrompt, req.Context)
	if err != nil {
		return nil, newExecutionError(StageRender, err)
	}
	return &job{
		context:        req.Context,
		system:         system,
		user:           user,
		datasetEntryID: req.DatasetEntryID,
		selection: selector.Request{
			Model:       req.Model,
			Provider:    req.Provider,
			Temperature: req.Temperature,
			MaxTokens:   req.MaxTokens,
		},
	}, nil
}

func (e *Engine) plan(ctx context.Context, j *job) (*Plan, error) {
	res, err := e.selector.Resolve(ctx, j.selection)
	if err != nil {
		return nil, newExecutionError(StageSelect, err)
	}
	key := cache.Key(res.Provider, res.Model, res.Temperature, j.system, j.user)
	_, err = e.cache.Get(ctx, key)
	if err != nil && !errors.IsNotFoundError(err) {
		return nil, errors.Wrap(err, "cache check")
	}
	return &Plan{
		SystemPrompt: j.system,
		UserPrompt:   j.user,
		Provider:     res.Provider,
		Model:        res.Model,
		Temperature:  res.Temperature,
		MaxTokens:    res.MaxTokens,
		Source:       res.Source,
		PassedOver:   res.PassedOver,
		CacheKey:     key,
		Cached:       err == nil,
		Template:     j.template,
	}, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

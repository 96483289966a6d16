package engine

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/teranos/prompter/ai/cache"
	"github.com/teranos/prompter/ai/ledger"
	"github.com/teranos/prompter/ai/llm"
	"github.com/teranos/prompter/ai/selector"
	"github.com/teranos/prompter/errors"
	"github.com/teranos/prompter/logger"
)

// callOutcome is the result of the provider stage, shared between
// callers when single-flight is on.
type callOutcome struct {
	resp     *llm.Response
	text     string // text returned to callers
	attempts int
	stage    Stage
	err      error
}

func (e *Engine) run(ctx context.Context, j *job) (*Result, error) {
	start := e.now()
	log := logger.LoggerFromContext(ctx, e.logger)

	res, err := e.selector.Resolve(ctx, j.selection)
	if err != nil {
		return nil, newExecutionError(StageSelect, err)
	}
	key := cache.Key(res.Provider, res.Model, res.Temperature, j.system, j.user)
	log = log.With(
		logger.FieldProvider, res.Provider,
		logger.FieldModel, res.Model,
		logger.FieldSelection, res.Source,
		logger.FieldCacheKey, key,
	)
	if j.template != nil {
		log = log.With(logger.FieldTemplate, j.template.Name, logger.FieldTemplateVersion, j.template.Version)
	}
	if res.PassedOver != "" {
		log.Warnw("Requested model is not available, using a later selection step",
			logger.FieldRequested, res.PassedOver)
	}

	rec := e.newRecord(j, res, key)

	entry, hit, err := e.cache.Lookup(ctx, key)
	if err != nil {
		log.Warnw("Cache lookup failed, treating as miss", logger.FieldError, err)
		hit = false
	}
	if hit {
		rec.Response = &entry.Response
		rec.TokensUsed = entry.TokensUsed
		rec.CacheHit = true
		return e.succeed(ctx, log, j, res, rec, start)
	}

	var out *callOutcome
	if e.singleFlight {
		out = e.sharedCall(ctx, log, j, res, key)
	} else {
		out = e.call(ctx, log, j, res, key)
	}

	rec.Attempts = out.attempts
	if out.resp != nil {
		rec.PromptTokens = out.resp.PromptTokens
		rec.CompletionTokens = out.resp.CompletionTokens
		rec.TokensUsed = out.resp.Tokens()
		if res.ModelRecord != nil {
			rec.Cost = res.ModelRecord.Cost(out.resp.PromptTokens, out.resp.CompletionTokens)
		}
	}
	if out.err != nil {
		return nil, e.fail(ctx, log, rec, out, start)
	}

	text := out.text
	rec.Response = &text
	return e.succeed(ctx, log, j, res, rec, start)
}

// sharedCall joins the in-flight provider call for key, starting one when
// none is running. The shared call is detached from every caller and is
// bounded by the per-attempt timeouts; a caller whose context ends stops
// waiting without affecting the others.
func (e *Engine) sharedCall(ctx context.Context, log *zap.SugaredLogger, j *job, res *selector.Resolution, key string) *callOutcome {
	ch := e.flights.DoChan(key, func() (any, error) {
		return e.call(context.WithoutCancel(ctx), log, j, res, key), nil
	})
	select {
	case r := <-ch:
		return r.Val.(*callOutcome)
	case <-ctx.Done():
		return &callOutcome{
			stage: StageProvider,
			err:   errors.Mark(errors.Wrap(ctx.Err(), "execution canceled"), errors.ErrCanceled),
		}
	}
}

// call runs the provider stage: adapter lookup, the retry loop, output
// validation and the cache write.
func (e *Engine) call(ctx context.Context, log *zap.SugaredLogger, j *job, res *selector.Resolution, key string) *callOutcome {
	adapter, _, err := e.registry.GetAdapter(ctx, res.Provider)
	if err != nil {
		return &callOutcome{stage: StageProvider, err: err}
	}

	req := llm.Request{
		SystemPrompt: j.system,
		UserPrompt:   j.user,
		Model:        res.Model,
		Temperature:  res.Temperature,
		MaxTokens:    res.MaxTokens,
	}
	resp, attempts, err := e.generate(ctx, log, adapter, req)
	if err != nil {
		return &callOutcome{attempts: attempts, stage: StageProvider, err: err}
	}
	out := &callOutcome{resp: resp, text: resp.Text, attempts: attempts}

	if e.schemaValidation && j.template != nil {
		if err := e.schemas.ValidateOutput(j.template.OutputSchema, resp.Text); err != nil {
			out.stage = StageValidate
			out.err = errors.Wrapf(err, "template %s", j.template.Name)
			return out
		}
	}

	stored, err := e.cache.Put(context.WithoutCancel(ctx), &cache.Entry{
		Key:          key,
		Provider:     res.Provider,
		Model:        res.Model,
		Temperature:  res.Temperature,
		SystemPrompt: j.system,
		UserPrompt:   j.user,
		Response:     resp.Text,
		TokensUsed:   resp.Tokens(),
	})
	switch {
	case err != nil:
		log.Warnw("Failed to cache response", logger.FieldError, err)
	case !stored:
		log.Debugw("Response already cached by a concurrent execution")
	}
	return out
}

// generate calls the adapter, retrying transient failures with
// exponential backoff. Each attempt gets its own timeout.
func (e *Engine) generate(ctx context.Context, log *zap.SugaredLogger, adapter llm.Adapter, req llm.Request) (*llm.Response, int, error) {
	maxAttempts := e.maxRetries + 1
	backoff := e.retryBackoff

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, e.providerTimeout)
		resp, err := adapter.Generate(attemptCtx, req)
		attemptErr := attemptCtx.Err()
		cancel()

		if err == nil {
			if resp == nil {
				return nil, attempt, errors.Mark(errors.New("adapter returned no response"), errors.ErrProviderServer)
			}
			return resp, attempt, nil
		}
		if ctx.Err() != nil {
			return nil, attempt, errors.Mark(errors.Wrap(ctx.Err(), "execution canceled"), errors.ErrCanceled)
		}
		// our own per-attempt deadline fired; the adapter may not have noticed
		if attemptErr != nil && !errors.IsTransient(err) {
			err = errors.Mark(errors.Wrapf(err, "no response within %s", e.providerTimeout), errors.ErrProviderTimeout)
		}
		lastErr = err

		if !errors.IsTransient(err) || attempt == maxAttempts {
			return nil, attempt, err
		}

		log.Warnw("Provider call failed, retrying",
			logger.FieldAttempt, attempt,
			logger.FieldErrorKind, errors.KindOf(err),
			logger.FieldError, err,
			"backoff", backoff,
		)
		if err := e.sleep(ctx, backoff); err != nil {
			return nil, attempt, errors.Mark(errors.Wrap(err, "execution canceled"), errors.ErrCanceled)
		}
		backoff *= 2
		if backoff > e.maxBackoff {
			backoff = e.maxBackoff
		}
	}
	return nil, maxAttempts, lastErr
}

func (e *Engine) newRecord(j *job, res *selector.Resolution, key string) *ledger.Record {
	temperature := res.Temperature
	maxTokens := res.MaxTokens
	rec := &ledger.Record{
		DatasetEntryID: j.datasetEntryID,
		InputContext:   j.context,
		SystemPrompt:   j.system,
		UserPrompt:     j.user,
		Provider:       res.Provider,
		Model:          res.Model,
		Temperature:    &temperature,
		CacheKey:       key,
		Cost:           decimal.Zero,
	}
	if maxTokens > 0 {
		rec.MaxTokens = &maxTokens
	}
	if j.template != nil {
		rec.TemplateID = j.template.ID
		rec.TemplateName = j.template.Name
		rec.TemplateVersion = j.template.Version
	}
	return rec
}

func (e *Engine) succeed(ctx context.Context, log *zap.SugaredLogger, j *job, res *selector.Resolution, rec *ledger.Record, start time.Time) (*Result, error) {
	rec.Status = ledger.StatusSuccess
	rec.DurationMS = e.now().Sub(start).Milliseconds()
	recorded := e.record(ctx, log, rec)

	if j.template != nil {
		if err := e.templates.RecordUsage(context.WithoutCancel(ctx), j.template.ID, e.now()); err != nil {
			log.Warnw("Failed to record template usage", logger.FieldError, err)
		}
	}

	log.Infow("Execution succeeded",
		logger.FieldExecutionID, rec.ID,
		logger.FieldCacheHit, rec.CacheHit,
		logger.FieldTokens, rec.TokensUsed,
		logger.FieldDurationMS, rec.DurationMS,
	)

	result := &Result{
		Text:             *rec.Response,
		Provider:         res.Provider,
		Model:            res.Model,
		CacheHit:         rec.CacheHit,
		CacheKey:         rec.CacheKey,
		TokensUsed:       rec.TokensUsed,
		PromptTokens:     rec.PromptTokens,
		CompletionTokens: rec.CompletionTokens,
		Cost:             rec.Cost,
		Attempts:         rec.Attempts,
		Duration:         time.Duration(rec.DurationMS) * time.Millisecond,
		Source:           res.Source,
		PassedOver:       res.PassedOver,
	}
	if recorded {
		result.ExecutionID = rec.ID
	}
	if j.template != nil {
		result.TemplateID = j.template.ID
		result.TemplateVersion = j.template.Version
	}
	return result, nil
}

func (e *Engine) fail(ctx context.Context, log *zap.SugaredLogger, rec *ledger.Record, out *callOutcome, start time.Time) error {
	execErr := newExecutionError(out.stage, out.err)
	execErr.Provider = rec.Provider
	execErr.Model = rec.Model
	execErr.Attempts = out.attempts

	rec.Status = ledger.StatusFailure
	rec.ErrorKind = string(execErr.Kind)
	rec.ErrorMessage = out.err.Error()
	rec.DurationMS = e.now().Sub(start).Milliseconds()
	if e.record(ctx, log, rec) {
		execErr.ExecutionID = rec.ID
	}

	log.Errorw("Execution failed",
		logger.FieldExecutionID, rec.ID,
		logger.FieldErrorKind, execErr.Kind,
		logger.FieldAttempt, out.attempts,
		logger.FieldError, out.err,
	)
	return execErr
}

// record appends rec detached from caller cancellation, so the record is
// written whole even when the caller has gone away.
func (e *Engine) record(ctx context.Context, log *zap.SugaredLogger, rec *ledger.Record) bool {
	if err := e.ledger.Append(context.WithoutCancel(ctx), rec); err != nil {
		log.Errorw("Failed to write execution ledger", logger.FieldExecutionID, rec.ID, logger.FieldError, err)
		return false
	}
	return true
}

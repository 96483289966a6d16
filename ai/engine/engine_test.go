package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/teranos/prompter/ai/cache"
	"github.com/teranos/prompter/ai/ledger"
	"github.com/teranos/prompter/ai/llm"
	"github.com/teranos/prompter/ai/provider"
	"github.com/teranos/prompter/ai/selector"
	"github.com/teranos/prompter/errors"
	prtest "github.com/teranos/prompter/internal/testing"
	"github.com/teranos/prompter/prompt"
)

const testKey = "sk-test-secret-0000"

type generateFunc func(ctx context.Context, call int, req llm.Request) (*llm.Response, error)

// backend is a deterministic provider that counts its calls
type backend struct {
	mu       sync.Mutex
	calls    int
	requests []llm.Request
	fn       generateFunc
}

func (b *backend) Generate(ctx context.Context, req llm.Request) (*llm.Response, error) {
	b.mu.Lock()
	b.calls++
	n := b.calls
	b.requests = append(b.requests, req)
	b.mu.Unlock()
	return b.fn(ctx, n, req)
}

func (b *backend) callCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

func (b *backend) lastRequest() llm.Request {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.requests[len(b.requests)-1]
}

func reply(text string) generateFunc {
	return func(context.Context, int, llm.Request) (*llm.Response, error) {
		return &llm.Response{Text: text, PromptTokens: 100, CompletionTokens: 50}, nil
	}
}

type harness struct {
	engine    *Engine
	backend   *backend
	registry  *provider.Registry
	templates *prompt.Store
	cache     *cache.Store
	ledger    *ledger.Ledger
}

func newHarness(t *testing.T, fn generateFunc, configure func(*Options)) *harness {
	t.Helper()
	ctx := context.Background()
	log := zaptest.NewLogger(t).Sugar()
	conn := prtest.CreateTestDB(t)

	b := &backend{fn: fn}
	reg := provider.NewRegistry(conn, provider.Options{Logger: log})
	reg.RegisterFactory(provider.FamilyOpenAI, func(*provider.Provider, provider.AdapterOptions) (llm.Adapter, error) {
		return b, nil
	})

	require.NoError(t, reg.UpsertProvider(ctx, &provider.Provider{
		Name: "p", Family: provider.FamilyOpenAI, APIKey: testKey, Active: true,
		DefaultTemperature: 0.2, DefaultMaxTokens: 256,
	}))
	require.NoError(t, reg.UpsertModel(ctx, &provider.Model{
		ProviderName: "p", Name: "m", MaxOutputTokens: 1000, Active: true, IsDefault: true,
		InputPrice: decimal.RequireFromString("1.5"), OutputPrice: decimal.RequireFromString("2"),
	}))
	require.NoError(t, reg.UpsertModel(ctx, &provider.Model{
		ProviderName: "p", Name: "m2", Active: true,
	}))

	h := &harness{
		backend:   b,
		registry:  reg,
		templates: prompt.NewStore(conn, log),
		cache:     cache.NewStore(conn, log),
		ledger:    ledger.New(conn, log),
	}
	opts := Options{
		Templates:       h.templates,
		Registry:        reg,
		Cache:           h.cache,
		Ledger:          h.ledger,
		Defaults:        selector.Defaults{Provider: "p"},
		ProviderTimeout: 2 * time.Second,
		MaxRetries:      2,
		RetryBackoff:    time.Millisecond,
		Logger:          log,
	}
	if configure != nil {
		configure(&opts)
	}
	e, err := New(opts)
	require.NoError(t, err)
	e.sleep = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }
	h.engine = e
	return h
}

func (h *harness) createTemplate(t *testing.T, tpl *prompt.Template) *prompt.Template {
	t.Helper()
	created, err := h.templates.Create(context.Background(), tpl)
	require.NoError(t, err)
	return created
}

func (h *harness) records(t *testing.T) []*ledger.Record {
	t.Helper()
	records, err := h.ledger.List(context.Background(), ledger.Filter{})
	require.NoError(t, err)
	return records
}

func asExecutionError(t *testing.T, err error) *ExecutionError {
	t.Helper()
	var execErr *ExecutionError
	require.True(t, errors.As(err, &execErr), "expected *ExecutionError, got %T: %v", err, err)
	return execErr
}

func TestExecuteRaw_CacheHitSkipsProvider(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, reply("hello there"), nil)

	req := RawRequest{SystemPrompt: "S", UserPrompt: "U", Provider: "p", Model: "m"}
	first, err := h.engine.ExecuteRaw(ctx, req)
	require.NoError(t, err)
	second, err := h.engine.ExecuteRaw(ctx, req)
	require.NoError(t, err)

	assert.Equal(t, 1, h.backend.callCount())
	assert.Equal(t, first.Text, second.Text)
	assert.False(t, first.CacheHit)
	assert.True(t, second.CacheHit)
	assert.Equal(t, first.CacheKey, second.CacheKey)
	assert.Equal(t, cache.Key("p", "m", 0.2, "S", "U"), first.CacheKey)

	assert.Equal(t, "0.00025", first.Cost.String())
	assert.True(t, second.Cost.IsZero(), "hits cost nothing")
	assert.Equal(t, 150, second.TokensUsed)

	records := h.records(t)
	require.Len(t, records, 2, "one record per invocation, hits included")
	hits := 0
	for _, r := range records {
		assert.Equal(t, ledger.StatusSuccess, r.Status)
		if r.CacheHit {
			hits++
		}
	}
	assert.Equal(t, 1, hits)
}

func TestExecuteRaw_DifferentTemperatureMisses(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, reply("x"), nil)

	low, high := 0.2, 0.3
	_, err := h.engine.ExecuteRaw(ctx, RawRequest{UserPrompt: "U", Provider: "p", Model: "m", Temperature: &low})
	require.NoError(t, err)
	res, err := h.engine.ExecuteRaw(ctx, RawRequest{UserPrompt: "U", Provider: "p", Model: "m", Temperature: &high})
	require.NoError(t, err)

	assert.False(t, res.CacheHit)
	assert.Equal(t, 2, h.backend.callCount())
}

func TestExecuteRaw_RendersWithContext(t *testing.T) {
	h := newHarness(t, reply("ok"), nil)

	_, err := h.engine.ExecuteRaw(context.Background(), RawRequest{
		UserPrompt: "Hello {{ name | upper }}",
		Context:    map[string]any{"name": "ada"},
	})
	require.NoError(t, err)
	assert.Equal(t, "Hello ADA", h.backend.lastRequest().UserPrompt)
}

func TestExecuteRaw_EmptyPrompts(t *testing.T) {
	h := newHarness(t, reply("ok"), nil)
	_, err := h.engine.ExecuteRaw(context.Background(), RawRequest{})
	require.Error(t, err)
	assert.Equal(t, StageRender, asExecutionError(t, err).Stage)
	assert.Equal(t, 0, h.backend.callCount())
}

func TestExecute_RenderFailureNamesVariable(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, reply("never"), nil)
	h.createTemplate(t, &prompt.Template{Name: "repo-summary", UserPrompt: "Describe {{ repo_name }}"})

	_, err := h.engine.Execute(ctx, ExecuteRequest{
		Template: prompt.Ref{Name: "repo-summary"},
		Context:  map[string]any{"owner": "teranos"},
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrRender))
	assert.Contains(t, err.Error(), "repo_name")

	execErr := asExecutionError(t, err)
	assert.Equal(t, errors.KindRender, execErr.Kind)
	assert.Equal(t, StageRender, execErr.Stage)
	assert.Empty(t, execErr.ExecutionID)

	var renderErr *errors.RenderError
	require.True(t, errors.As(err, &renderErr))
	assert.Equal(t, "repo_name", renderErr.Variable)

	assert.Equal(t, 0, h.backend.callCount())
	assert.Empty(t, h.records(t))
}

func TestExecute_TemplateNotFound(t *testing.T) {
	h := newHarness(t, reply("never"), nil)
	_, err := h.engine.Execute(context.Background(), ExecuteRequest{Template: prompt.Ref{Name: "missing"}})
	require.Error(t, err)
	assert.Equal(t, errors.KindTemplateNotFound, asExecutionError(t, err).Kind)
	assert.Empty(t, h.records(t))
}

func TestExecute_ExplicitModelWins(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, reply("ok"), nil)
	h.createTemplate(t, &prompt.Template{Name: "tagger", UserPrompt: "Tag {{ text }}", Provider: "p", Model: "m"})

	res, err := h.engine.Execute(ctx, ExecuteRequest{
		Template: prompt.Ref{Name: "tagger"},
		Context:  map[string]any{"text": "go"},
		Model:    "m2",
	})
	require.NoError(t, err)
	assert.Equal(t, "m2", res.Model)
	assert.Equal(t, selector.SourceExplicit, res.Source)
	assert.Equal(t, "m2", h.backend.lastRequest().Model)

	res, err = h.engine.Execute(ctx, ExecuteRequest{
		Template: prompt.Ref{Name: "tagger"},
		Context:  map[string]any{"text": "go"},
	})
	require.NoError(t, err)
	assert.Equal(t, "m", res.Model)
	assert.Equal(t, selector.SourceTemplateLegacy, res.Source)
}

func TestExecute_RecordsTemplateUsageAndLedger(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, reply("summary"), nil)
	temp := 0.5
	tpl := h.createTemplate(t, &prompt.Template{
		Name:         "repo-summary",
		SystemPrompt: "You summarize repositories.",
		UserPrompt:   "Describe {{ repo_name }}",
		Temperature:  &temp,
	})

	res, err := h.engine.Execute(ctx, ExecuteRequest{
		Template:       prompt.Ref{ID: tpl.ID},
		Context:        map[string]any{"repo_name": "prompter"},
		DatasetEntryID: "row-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "summary", res.Text)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, tpl.ID, res.TemplateID)

	req := h.backend.lastRequest()
	assert.Equal(t, "You summarize repositories.", req.SystemPrompt)
	assert.Equal(t, "Describe prompter", req.UserPrompt)
	assert.InDelta(t, 0.5, req.Temperature, 1e-9)
	assert.Equal(t, 256, req.MaxTokens)

	got, err := h.templates.Get(ctx, tpl.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.UsageCount)
	assert.NotNil(t, got.LastUsedAt)

	rec, err := h.ledger.Get(ctx, res.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, tpl.ID, rec.TemplateID)
	assert.Equal(t, "repo-summary", rec.TemplateName)
	assert.Equal(t, 1, rec.TemplateVersion)
	assert.Equal(t, "row-1", rec.DatasetEntryID)
	assert.Equal(t, "prompter", rec.InputContext["repo_name"])
	assert.Equal(t, "Describe prompter", rec.UserPrompt)
	require.NotNil(t, rec.Response)
	assert.Equal(t, "summary", *rec.Response)
	assert.Equal(t, "p", rec.Provider)
	assert.Equal(t, "m", rec.Model)
	assert.Equal(t, 150, rec.TokensUsed)
	assert.Equal(t, 100, rec.PromptTokens)
	assert.Equal(t, 50, rec.CompletionTokens)
	assert.Equal(t, res.CacheKey, rec.CacheKey)
}

func TestExecute_RetriesTransientFailures(t *testing.T) {
	h := newHarness(t, func(_ context.Context, call int, _ llm.Request) (*llm.Response, error) {
		if call < 3 {
			return nil, llm.ClassifyHTTP("p", 503, []byte("overloaded"))
		}
		return &llm.Response{Text: "finally", TotalTokens: 7}, nil
	}, nil)

	res, err := h.engine.ExecuteRaw(context.Background(), RawRequest{UserPrompt: "U"})
	require.NoError(t, err)
	assert.Equal(t, "finally", res.Text)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, 3, h.backend.callCount())

	records := h.records(t)
	require.Len(t, records, 1)
	assert.Equal(t, 3, records[0].Attempts)
}

func TestExecute_RetriesExhausted(t *testing.T) {
	h := newHarness(t, func(context.Context, int, llm.Request) (*llm.Response, error) {
		return nil, llm.ClassifyHTTP("p", 429, []byte("slow down"))
	}, nil)

	_, err := h.engine.ExecuteRaw(context.Background(), RawRequest{UserPrompt: "U"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrProviderRateLimited))
	assert.Equal(t, 3, h.backend.callCount(), "first attempt plus two retries")

	execErr := asExecutionError(t, err)
	assert.Equal(t, errors.KindProviderRateLimited, execErr.Kind)
	assert.Equal(t, StageProvider, execErr.Stage)
	assert.Equal(t, 3, execErr.Attempts)
	require.NotEmpty(t, execErr.ExecutionID)

	rec, err := h.ledger.Get(context.Background(), execErr.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusFailure, rec.Status)
	assert.Equal(t, string(errors.KindProviderRateLimited), rec.ErrorKind)
	assert.Nil(t, rec.Response)

	st, err := h.cache.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, st.Entries, "failures are not cached")
}

func TestExecute_AuthFailureNotRetried(t *testing.T) {
	h := newHarness(t, func(context.Context, int, llm.Request) (*llm.Response, error) {
		return nil, llm.ClassifyHTTP("p", 401, []byte(`{"error":"invalid api key"}`))
	}, nil)

	_, err := h.engine.ExecuteRaw(context.Background(), RawRequest{UserPrompt: "U"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrProviderAuth))
	assert.Equal(t, 1, h.backend.callCount())
	assert.NotContains(t, err.Error(), testKey)

	records := h.records(t)
	require.Len(t, records, 1)
	assert.Equal(t, string(errors.KindProviderAuth), records[0].ErrorKind)
	assert.NotContains(t, records[0].ErrorMessage, testKey)
}

func TestExecute_AttemptTimeout(t *testing.T) {
	h := newHarness(t, func(ctx context.Context, _ int, _ llm.Request) (*llm.Response, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}, func(o *Options) {
		o.ProviderTimeout = 20 * time.Millisecond
		o.MaxRetries = 1
	})

	_, err := h.engine.ExecuteRaw(context.Background(), RawRequest{UserPrompt: "U"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrProviderTimeout))
	assert.Equal(t, 2, h.backend.callCount(), "timeouts are retried")
	assert.Len(t, h.records(t), 1)
}

func TestExecute_CallerCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	h := newHarness(t, func(callCtx context.Context, _ int, _ llm.Request) (*llm.Response, error) {
		cancel()
		<-callCtx.Done()
		return nil, callCtx.Err()
	}, nil)

	_, err := h.engine.ExecuteRaw(ctx, RawRequest{UserPrompt: "U"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrCanceled))
	assert.Equal(t, 1, h.backend.callCount())

	records := h.records(t)
	require.Len(t, records, 1, "the record is written whole despite cancellation")
	assert.Equal(t, string(errors.KindCanceled), records[0].ErrorKind)
}

func TestExecute_ProviderUnavailable(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, reply("never"), nil)
	require.NoError(t, h.registry.UpsertProvider(ctx, &provider.Provider{
		Name: "nokey", Family: provider.FamilyOpenAI, Active: true,
	}))

	_, err := h.engine.ExecuteRaw(ctx, RawRequest{UserPrompt: "U", Provider: "nokey", Model: "anything"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrProviderUnavailable))
	assert.Equal(t, 0, h.backend.callCount())

	records := h.records(t)
	require.Len(t, records, 1)
	assert.Equal(t, "nokey", records[0].Provider)
	assert.Equal(t, 0, records[0].Attempts)
}

func TestExecute_NoModelConfigured(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, reply("never"), nil)
	require.NoError(t, h.registry.SetProviderActive(ctx, "p", false))

	_, err := h.engine.ExecuteRaw(ctx, RawRequest{UserPrompt: "U"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrNoModelConfigured))

	execErr := asExecutionError(t, err)
	assert.Equal(t, StageSelect, execErr.Stage)
	assert.Equal(t, errors.KindNoModelConfigured, execErr.Kind)
	assert.Empty(t, h.records(t), "nothing to audit without a target")
}

func TestExecute_ConcurrentMissesFirstWriteWins(t *testing.T) {
	var arrived sync.WaitGroup
	arrived.Add(2)
	release := make(chan struct{})

	h := newHarness(t, func(_ context.Context, call int, _ llm.Request) (*llm.Response, error) {
		arrived.Done()
		arrived.Wait()
		if call == 1 {
			return &llm.Response{Text: "payload-1", TotalTokens: 1}, nil
		}
		<-release
		return &llm.Response{Text: "payload-2", TotalTokens: 2}, nil
	}, nil)

	results := make(chan *Result, 2)
	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			res, err := h.engine.ExecuteRaw(context.Background(), RawRequest{SystemPrompt: "S", UserPrompt: "U", Provider: "p", Model: "m"})
			errs <- err
			results <- res
		}()
	}

	require.NoError(t, <-errs)
	first := <-results
	assert.Equal(t, "payload-1", first.Text)
	close(release)
	require.NoError(t, <-errs)
	second := <-results
	assert.Equal(t, "payload-2", second.Text, "a losing write still returns its own response")

	assert.Equal(t, 2, h.backend.callCount())

	st, err := h.cache.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, st.Entries)

	entry, err := h.cache.Get(context.Background(), cache.Key("p", "m", 0.2, "S", "U"))
	require.NoError(t, err)
	assert.Equal(t, "payload-1", entry.Response)
	assert.Len(t, h.records(t), 2)
}

func TestExecute_SingleFlight(t *testing.T) {
	release := make(chan struct{})
	h := newHarness(t, func(context.Context, int, llm.Request) (*llm.Response, error) {
		<-release
		return &llm.Response{Text: "shared", TotalTokens: 3}, nil
	}, func(o *Options) { o.SingleFlight = true })

	const callers = 5
	var wg sync.WaitGroup
	var failures atomic.Int32
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := h.engine.ExecuteRaw(context.Background(), RawRequest{UserPrompt: "U"})
			if err != nil || res.Text != "shared" {
				failures.Add(1)
			}
		}()
	}
	time.Sleep(100 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Zero(t, failures.Load())
	assert.Equal(t, 1, h.backend.callCount())
	assert.Len(t, h.records(t), callers)
}

func TestExecute_SingleFlightCallerCancels(t *testing.T) {
	var once sync.Once
	started := make(chan struct{})
	release := make(chan struct{})
	h := newHarness(t, func(ctx context.Context, _ int, _ llm.Request) (*llm.Response, error) {
		once.Do(func() { close(started) })
		select {
		case <-release:
			return &llm.Response{Text: "shared", TotalTokens: 3}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}, func(o *Options) { o.SingleFlight = true })

	leaderCtx, cancelLeader := context.WithCancel(context.Background())
	defer cancelLeader()
	leaderErr := make(chan error, 1)
	go func() {
		_, err := h.engine.ExecuteRaw(leaderCtx, RawRequest{UserPrompt: "U"})
		leaderErr <- err
	}()
	<-started

	type outcome struct {
		res *Result
		err error
	}
	follower := make(chan outcome, 1)
	go func() {
		res, err := h.engine.ExecuteRaw(context.Background(), RawRequest{UserPrompt: "U"})
		follower <- outcome{res, err}
	}()
	time.Sleep(50 * time.Millisecond)

	cancelLeader()
	err := <-leaderErr
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrCanceled))

	close(release)
	got := <-follower
	require.NoError(t, got.err, "another caller's cancellation does not reach this one")
	assert.Equal(t, "shared", got.res.Text)
	assert.NotEmpty(t, got.res.ExecutionID)
	assert.Equal(t, 1, h.backend.callCount())

	statuses := map[ledger.Status]int{}
	for _, r := range h.records(t) {
		statuses[r.Status]++
	}
	assert.Equal(t, map[ledger.Status]int{ledger.StatusSuccess: 1, ledger.StatusFailure: 1}, statuses)

	_, err = h.cache.Get(context.Background(), got.res.CacheKey)
	assert.NoError(t, err, "the shared call still populates the cache")
}

func TestExecuteRaw_LedgerFailureOmitsExecutionID(t *testing.T) {
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer conn.Close()
	mock.ExpectExec("INSERT INTO executions").WillReturnError(errors.New("disk I/O error"))

	h := newHarness(t, reply("ok"), func(o *Options) { o.Ledger = ledger.New(conn, o.Logger) })

	res, err := h.engine.ExecuteRaw(context.Background(), RawRequest{UserPrompt: "U"})
	require.NoError(t, err, "the response is still returned")
	assert.Equal(t, "ok", res.Text)
	assert.Empty(t, res.ExecutionID, "no id for a record that was never written")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExecuteRaw_WarnsWhenModelPassedOver(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	h := newHarness(t, reply("ok"), func(o *Options) { o.Logger = zap.New(core).Sugar() })

	res, err := h.engine.ExecuteRaw(context.Background(), RawRequest{UserPrompt: "U", Model: "nobody-offers-this"})
	require.NoError(t, err)
	assert.Equal(t, "m", res.Model)
	assert.Equal(t, selector.SourceConfiguredDefault, res.Source)
	assert.Equal(t, "nobody-offers-this", res.PassedOver)

	warnings := logs.FilterMessage("Requested model is not available, using a later selection step").All()
	require.Len(t, warnings, 1)
	assert.Equal(t, "nobody-offers-this", warnings[0].ContextMap()["requested_model"])

	plan, err := h.engine.PreviewRaw(context.Background(), RawRequest{UserPrompt: "U", Model: "nobody-offers-this"})
	require.NoError(t, err)
	assert.Equal(t, "nobody-offers-this", plan.PassedOver)
}

func TestExecute_SchemaValidation(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, reply("not json"), func(o *Options) { o.SchemaValidation = true })
	h.createTemplate(t, &prompt.Template{
		Name:         "issue",
		UserPrompt:   "Write an issue about {{ topic }}",
		InputSchema:  `{"type":"object","required":["topic"],"properties":{"topic":{"type":"string"}}}`,
		OutputSchema: `{"type":"object","required":["title"]}`,
	})

	_, err := h.engine.Execute(ctx, ExecuteRequest{
		Template: prompt.Ref{Name: "issue"},
		Context:  map[string]any{"topic": 42},
	})
	require.Error(t, err)
	assert.Equal(t, StageRender, asExecutionError(t, err).Stage)
	assert.True(t, errors.Is(err, errors.ErrSchemaValidation))
	assert.Equal(t, 0, h.backend.callCount())
	assert.Empty(t, h.records(t))

	_, err = h.engine.Execute(ctx, ExecuteRequest{
		Template: prompt.Ref{Name: "issue"},
		Context:  map[string]any{"topic": "caching"},
	})
	require.Error(t, err)
	execErr := asExecutionError(t, err)
	assert.Equal(t, StageValidate, execErr.Stage)
	assert.Equal(t, errors.KindSchemaValidation, execErr.Kind)

	records := h.records(t)
	require.Len(t, records, 1)
	assert.Equal(t, ledger.StatusFailure, records[0].Status)

	st, err := h.cache.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, st.Entries, "invalid output is not cached")
}

func TestPreview(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, reply("ok"), nil)
	h.createTemplate(t, &prompt.Template{Name: "hello", UserPrompt: "Hi {{ name }}"})

	req := ExecuteRequest{Template: prompt.Ref{Name: "hello"}, Context: map[string]any{"name": "bo"}}
	plan, err := h.engine.Preview(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, "Hi bo", plan.UserPrompt)
	assert.Equal(t, "p", plan.Provider)
	assert.Equal(t, "m", plan.Model)
	assert.Equal(t, selector.SourceConfiguredDefault, plan.Source)
	assert.False(t, plan.Cached)
	assert.Equal(t, 0, h.backend.callCount())
	assert.Empty(t, h.records(t))

	_, err = h.engine.Execute(ctx, req)
	require.NoError(t, err)

	plan, err = h.engine.Preview(ctx, req)
	require.NoError(t, err)
	assert.True(t, plan.Cached)

	raw, err := h.engine.PreviewRaw(ctx, RawRequest{UserPrompt: "{{ literal }}"})
	require.NoError(t, err)
	assert.Equal(t, "{{ literal }}", raw.UserPrompt, "raw prompts without context are sent verbatim")
}

func TestAuthoring(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, reply("ok"), nil)
	tpl := h.createTemplate(t, &prompt.Template{Name: "base", UserPrompt: "Hello {{ who }}"})

	next, err := h.engine.NewVersion(ctx, tpl.ID, prompt.Overrides{})
	require.NoError(t, err)
	assert.Equal(t, 2, next.Version)
	assert.Equal(t, tpl.ID, next.ParentID)

	dup, err := h.engine.Duplicate(ctx, tpl.ID, "copy")
	require.NoError(t, err)
	assert.Equal(t, "copy", dup.Name)
	assert.Equal(t, 1, dup.Version)

	_, err = h.engine.Duplicate(ctx, tpl.ID, "base")
	assert.True(t, errors.Is(err, errors.ErrConflict))
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
}

package provider

import (
	"context"
	"database/sql"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/teranos/prompter/ai/llm"
	"github.com/teranos/prompter/db"
	"github.com/teranos/prompter/errors"
	"github.com/teranos/prompter/internal/secret"
)

const providerColumns = `name, display_name, family, api_key, base_url, default_temperature,
	default_max_tokens, requests_per_minute, active, created_at, updated_at`

const modelColumns = `id, provider_name, name, max_output_tokens, context_window, capabilities,
	input_price, output_price, active, is_default, created_at, updated_at`

// Options configures a Registry
type Options struct {
	// Box encrypts stored credentials; nil stores them as given
	Box *secret.Box
	// Timeout is passed to adapters as their HTTP timeout
	Timeout time.Duration
	Logger  *zap.SugaredLogger
}

// Registry persists providers and models and hands out adapters.
// It is safe for concurrent use.
type Registry struct {
	db     *sql.DB
	box    *secret.Box
	opts   AdapterOptions
	logger *zap.SugaredLogger
	now    func() time.Time

	mu        sync.Mutex
	factories map[Family]Factory
	adapters  map[string]cachedAdapter
}

type cachedAdapter struct {
	fingerprint string
	adapter     llm.Adapter
}

// NewRegistry creates a registry over db with the default factories
func NewRegistry(conn *sql.DB, opts Options) *Registry {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Registry{
		db:        conn,
		box:       opts.Box,
		opts:      AdapterOptions{Timeout: opts.Timeout, Logger: logger},
		logger:    logger,
		now:       time.Now,
		factories: DefaultFactories(),
		adapters:  make(map[string]cachedAdapter),
	}
}

// RegisterFactory installs or replaces the adapter factory for family.
// Cached adapters of that family are dropped.
func (r *Registry) RegisterFactory(family Family, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[family] = f
	r.adapters = make(map[string]cachedAdapter)
}

// GetAdapter returns the adapter for the named provider. It fails fast
// with ErrProviderUnavailable for unknown or inactive providers and for
// remote providers without a credential.
func (r *Registry) GetAdapter(ctx context.Context, name string) (llm.Adapter, *Provider, error) {
	p, err := r.GetProvider(ctx, name)
	if err != nil {
		if errors.IsNotFoundError(err) {
			return nil, nil, errors.Mark(errors.Newf("provider %s is not registered", name), errors.ErrProviderUnavailable)
		}
		return nil, nil, errors.Mark(err, errors.ErrProviderUnavailable)
	}
	if !p.Active {
		return nil, nil, errors.WithHint(
			errors.Mark(errors.Newf("provider %s is inactive", name), errors.ErrProviderUnavailable),
			"enable it with: prompter provider enable "+name,
		)
	}
	if p.RequiresCredential() && !p.HasCredential() {
		return nil, nil, errors.WithHint(
			errors.Mark(errors.Newf("provider %s has no credential configured", name), errors.ErrProviderUnavailable),
			"set its api_key_env variable and run: prompter provider sync",
		)
	}

	fp := fingerprint(p)

	r.mu.Lock()
	defer r.mu.Unlock()
	if cached, ok := r.adapters[name]; ok && cached.fingerprint == fp {
		return cached.adapter, p, nil
	}
	factory, ok := r.factories[p.Family]
	if !ok {
		return nil, nil, errors.Mark(errors.Newf("no adapter for provider family %s", p.Family), errors.ErrProviderUnavailable)
	}
	adapter, err := factory(p, r.opts)
	if err != nil {
		return nil, nil, errors.Mark(errors.Wrapf(err, "failed to build adapter for %s", name), errors.ErrProviderUnavailable)
	}
	if p.RequestsPerMinute > 0 {
		adapter = &limitedAdapter{provider: name, limiter: newLimiter(p.RequestsPerMinute), next: adapter}
	}
	r.adapters[name] = cachedAdapter{fingerprint: fp, adapter: adapter}
	return adapter, p, nil
}

// fingerprint changes whenever a setting baked into the adapter changes.
// It stays in memory only.
func fingerprint(p *Provider) string {
	return string(p.Family) + "\x00" + p.BaseURL + "\x00" + p.APIKey + "\x00" + strconv.Itoa(p.RequestsPerMinute)
}

// UpsertProvider creates or updates a provider by name. An empty APIKey
// keeps the stored credential.
func (r *Registry) UpsertProvider(ctx context.Context, p *Provider) error {
	if p.Name == "" {
		return errors.NewInvalidRequestError("provider name is required")
	}
	if _, err := ParseFamily(string(p.Family)); err != nil {
		return err
	}
	key, err := r.box.Seal(p.APIKey)
	if err != nil {
		return errors.Wrapf(err, "failed to encrypt credential for %s", p.Name)
	}

	now := r.now().UTC()
	_, err = r.db.ExecContext(ctx, `INSERT INTO providers (`+providerColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			display_name = excluded.display_name,
			family = excluded.family,
			api_key = CASE WHEN excluded.api_key = '' THEN providers.api_key ELSE excluded.api_key END,
			base_url = excluded.base_url,
			default_temperature = excluded.default_temperature,
			default_max_tokens = excluded.default_max_tokens,
			requests_per_minute = excluded.requests_per_minute,
			active = excluded.active,
			updated_at = excluded.updated_at`,
		p.Name, p.DisplayName, string(p.Family), key, p.BaseURL, p.DefaultTemperature,
		p.DefaultMaxTokens, p.RequestsPerMinute, db.BoolToInt(p.Active), now, now,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to upsert provider %s", p.Name)
	}
	r.logger.Debugw("provider upserted", "provider", p.Name, "family", p.Family, "active", p.Active)
	return nil
}

// GetProvider returns a provider with its credential decrypted
func (r *Registry) GetProvider(ctx context.Context, name string) (*Provider, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+providerColumns+` FROM providers WHERE name = ?`, name)
	p, err := scanProvider(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("provider %s not found", name)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load provider %s", name)
	}
	if p.APIKey, err = r.box.Open(p.APIKey); err != nil {
		return nil, errors.Wrapf(err, "failed to decrypt credential for %s", name)
	}
	return p, nil
}

// ListProviders returns all providers ordered by name. A credential that
// cannot be decrypted is reported as absent.
func (r *Registry) ListProviders(ctx context.Context) ([]*Provider, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+providerColumns+` FROM providers ORDER BY name`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list providers")
	}
	defer rows.Close()

	var out []*Provider
	for rows.Next() {
		p, err := scanProvider(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan provider")
		}
		if p.APIKey, err = r.box.Open(p.APIKey); err != nil {
			r.logger.Warnw("cannot decrypt provider credential", "provider", p.Name, "error", err)
			p.APIKey = ""
		}
		out = append(out, p)
	}
	return out, errors.Wrap(rows.Err(), "failed to iterate providers")
}

// SetProviderActive enables or disables a provider
func (r *Registry) SetProviderActive(ctx context.Context, name string, active bool) error {
	res, err := r.db.ExecContext(ctx, `UPDATE providers SET active = ?, updated_at = ? WHERE name = ?`,
		db.BoolToInt(active), r.now().UTC(), name)
	if err != nil {
		return errors.Wrapf(err, "failed to update provider %s", name)
	}
	return expectRow(res, "provider %s not found", name)
}

// DeleteProvider removes a provider and, by cascade, its models
func (r *Registry) DeleteProvider(ctx context.Context, name string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM providers WHERE name = ?`, name)
	if err != nil {
		return errors.Wrapf(err, "failed to delete provider %s", name)
	}
	r.mu.Lock()
	delete(r.adapters, name)
	r.mu.Unlock()
	return expectRow(res, "provider %s not found", name)
}

// UpsertModel creates or updates a model by (provider, name). When m is
// the default, the provider's previous default is cleared in the same
// transaction. m.ID is filled in.
func (r *Registry) UpsertModel(ctx context.Context, m *Model) error {
	if m.ProviderName == "" || m.Name == "" {
		return errors.NewInvalidRequestError("model requires a provider and a name")
	}
	caps, err := json.Marshal(nonNil(m.Capabilities))
	if err != nil {
		return errors.Wrap(err, "failed to encode capabilities")
	}
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	now := r.now().UTC()

	return r.inTx(ctx, func(tx *sql.Tx) error {
		if m.IsDefault {
			if _, err := tx.ExecContext(ctx,
				`UPDATE models SET is_default = 0, updated_at = ? WHERE provider_name = ? AND name != ? AND is_default = 1`,
				now, m.ProviderName, m.Name); err != nil {
				return errors.Wrap(err, "failed to clear previous default")
			}
		}
		err := tx.QueryRowContext(ctx, `INSERT INTO models (`+modelColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(provider_name, name) DO UPDATE SET
				max_output_tokens = excluded.max_output_tokens,
				context_window = excluded.context_window,
				capabilities = excluded.capabilities,
				input_price = excluded.input_price,
				output_price = excluded.output_price,
				active = excluded.active,
				is_default = excluded.is_default,
				updated_at = excluded.updated_at
			RETURNING id`,
			m.ID, m.ProviderName, m.Name, m.MaxOutputTokens, m.ContextWindow, string(caps),
			m.InputPrice.String(), m.OutputPrice.String(), db.BoolToInt(m.Active), db.BoolToInt(m.IsDefault), now, now,
		).Scan(&m.ID)
		if err != nil {
			if db.IsForeignKeyViolation(err) {
				return errors.NewNotFoundError("provider %s not found", m.ProviderName)
			}
			return errors.Wrapf(err, "failed to upsert model %s/%s", m.ProviderName, m.Name)
		}
		return nil
	})
}

// GetModel returns a model by ID
func (r *Registry) GetModel(ctx context.Context, id string) (*Model, error) {
	return r.getModel(ctx, "model "+id, `SELECT `+modelColumns+` FROM models WHERE id = ?`, id)
}

// FindModel returns the model name offered by provider
func (r *Registry) FindModel(ctx context.Context, provider, name string) (*Model, error) {
	return r.getModel(ctx, "model "+provider+"/"+name,
		`SELECT `+modelColumns+` FROM models WHERE provider_name = ? AND name = ?`, provider, name)
}

// FindModelsByName returns every provider's model called name, default
// models first, then by provider name.
func (r *Registry) FindModelsByName(ctx context.Context, name string) ([]*Model, error) {
	return r.queryModels(ctx, `SELECT `+modelColumns+` FROM models WHERE name = ?
		ORDER BY is_default DESC, provider_name`, name)
}

// ListModels returns the models of provider, or of all providers when
// provider is empty.
func (r *Registry) ListModels(ctx context.Context, provider string) ([]*Model, error) {
	if provider == "" {
		return r.queryModels(ctx, `SELECT `+modelColumns+` FROM models ORDER BY provider_name, name`)
	}
	return r.queryModels(ctx, `SELECT `+modelColumns+` FROM models WHERE provider_name = ? ORDER BY name`, provider)
}

// SetDefaultModel makes name the only default model of provider
func (r *Registry) SetDefaultModel(ctx context.Context, provider, name string) error {
	now := r.now().UTC()
	return r.inTx(ctx, func(tx *sql.Tx) error {
		var id string
		err := tx.QueryRowContext(ctx,
			`SELECT id FROM models WHERE provider_name = ? AND name = ?`, provider, name).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			return errors.NewNotFoundError("model %s/%s not found", provider, name)
		}
		if err != nil {
			return errors.Wrap(err, "failed to look up model")
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE models SET is_default = 0, updated_at = ? WHERE provider_name = ? AND is_default = 1`,
			now, provider); err != nil {
			return errors.Wrap(err, "failed to clear previous default")
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE models SET is_default = 1, updated_at = ? WHERE id = ?`, now, id); err != nil {
			return errors.Wrap(err, "failed to set default")
		}
		return nil
	})
}

// DefaultModel returns provider's default model
func (r *Registry) DefaultModel(ctx context.Context, provider string) (*Model, error) {
	return r.getModel(ctx, "default model for "+provider,
		`SELECT `+modelColumns+` FROM models WHERE provider_name = ? AND is_default = 1`, provider)
}

func (r *Registry) queryModels(ctx context.Context, query string, args ...any) ([]*Model, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query models")
	}
	defer rows.Close()

	var out []*Model
	for rows.Next() {
		m, err := scanModel(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan model")
		}
		out = append(out, m)
	}
	return out, errors.Wrap(rows.Err(), "failed to iterate models")
}

func (r *Registry) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return errors.Wrap(tx.Commit(), "failed to commit")
}

type scanner interface {
	Scan(dest ...any) error
}

func scanProvider(row scanner) (*Provider, error) {
	var p Provider
	var family string
	err := row.Scan(&p.Name, &p.DisplayName, &family, &p.APIKey, &p.BaseURL, &p.DefaultTemperature,
		&p.DefaultMaxTokens, &p.RequestsPerMinute, &p.Active, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	p.Family = Family(family)
	return &p, nil
}

func scanModel(row scanner) (*Model, error) {
	var (
		m        Model
		caps     string
		inPrice  string
		outPrice string
	)
	err := row.Scan(&m.ID, &m.ProviderName, &m.Name, &m.MaxOutputTokens, &m.ContextWindow, &caps,
		&inPrice, &outPrice, &m.Active, &m.IsDefault, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err = json.Unmarshal([]byte(caps), &m.Capabilities); err != nil {
		return nil, errors.Wrapf(err, "invalid capabilities for model %s", m.ID)
	}
	if m.InputPrice, err = decimal.NewFromString(inPrice); err != nil {
		return nil, errors.Wrapf(err, "invalid input price for model %s", m.ID)
	}
	if m.OutputPrice, err = decimal.NewFromString(outPrice); err != nil {
		return nil, errors.Wrapf(err, "invalid output price for model %s", m.ID)
	}
	return &m, nil
}

func (r *Registry) getModel(ctx context.Context, what, query string, args ...any) (*Model, error) {
	m, err := scanModel(r.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("%s not found", what)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load %s", what)
	}
	return m, nil
}

func expectRow(res sql.Result, format string, args ...any) error {
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to read affected rows")
	}
	if n == 0 {
		return errors.NewNotFoundError(format, args...)
	}
	return nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

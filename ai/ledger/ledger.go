// Package ledger is the append-only audit log of engine executions.
package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/teranos/prompter/db"
	"github.com/teranos/prompter/errors"
)

// Status of a finished execution
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
)

const recordColumns = `id, template_id, template_name, template_version, dataset_entry_id, input_context,
	system_prompt, user_prompt, response, provider, model, temperature, max_tokens,
	prompt_tokens, completion_tokens, tokens_used, cost, duration_ms, attempts,
	cache_hit, cache_key, status, error_kind, error_message, created_at`

// Record is one execution. Records are immutable once appended.
type Record struct {
	ID               string          `json:"id"`
	TemplateID       string          `json:"template_id,omitempty"`
	TemplateName     string          `json:"template_name,omitempty"`
	TemplateVersion  int             `json:"template_version,omitempty"`
	DatasetEntryID   string          `json:"dataset_entry_id,omitempty"`
	InputContext     map[string]any  `json:"input_context,omitempty"`
	SystemPrompt     string          `json:"system_prompt"`
	UserPrompt       string          `json:"user_prompt"`
	Response         *string         `json:"response,omitempty"` // nil on failure
	Provider         string          `json:"provider"`
	Model            string          `json:"model"`
	Temperature      *float64        `json:"temperature,omitempty"`
	MaxTokens        *int            `json:"max_tokens,omitempty"`
	PromptTokens     int             `json:"prompt_tokens"`
	CompletionTokens int             `json:"completion_tokens"`
	TokensUsed       int             `json:"tokens_used"`
	Cost             decimal.Decimal `json:"cost"`
	DurationMS       int64           `json:"duration_ms"`
	Attempts         int             `json:"attempts"`
	CacheHit         bool            `json:"cache_hit"`
	CacheKey         string          `json:"cache_key,omitempty"`
	Status           Status          `json:"status"`
	ErrorKind        string          `json:"error_kind,omitempty"`
	ErrorMessage     string          `json:"error_message,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
}

// Filter narrows List results. Zero fields match everything.
type Filter struct {
	TemplateName string
	Provider     string
	Model        string
	Status       Status
	Since        time.Time
	Limit        int
}

// Ledger appends and queries execution records
type Ledger struct {
	db     *sql.DB
	logger *zap.SugaredLogger
	now    func() time.Time
}

// New creates a ledger over db
func New(db *sql.DB, logger *zap.SugaredLogger) *Ledger {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Ledger{db: db, logger: logger, now: time.Now}
}

// Append writes r in a single statement, so a record is either stored
// whole or not at all. ID and CreatedAt are filled in when empty.
func (l *Ledger) Append(ctx context.Context, r *Record) error {
	if r.Status != StatusSuccess && r.Status != StatusFailure {
		return errors.NewInvalidRequestError("invalid execution status %q", r.Status)
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = l.now().UTC()
	}

	input := "{}"
	if len(r.InputContext) > 0 {
		data, err := json.Marshal(r.InputContext)
		if err != nil {
			l.logger.Warnw("input context not serializable, storing empty object", "execution_id", r.ID, "error", err)
		} else {
			input = string(data)
		}
	}

	_, err := l.db.ExecContext(ctx, `INSERT INTO executions (`+recordColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, nullString(r.TemplateID), nullString(r.TemplateName), nullInt(r.TemplateVersion),
		nullString(r.DatasetEntryID), input, r.SystemPrompt, r.UserPrompt, r.Response,
		r.Provider, r.Model, r.Temperature, r.MaxTokens,
		r.PromptTokens, r.CompletionTokens, r.TokensUsed, r.Cost.String(), r.DurationMS, r.Attempts,
		db.BoolToInt(r.CacheHit), r.CacheKey, string(r.Status), nullString(r.ErrorKind), nullString(r.ErrorMessage),
		r.CreatedAt,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to append execution %s", r.ID)
	}
	return nil
}

// Get returns one record
func (l *Ledger) Get(ctx context.Context, id string) (*Record, error) {
	r, err := scanRecord(l.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM executions WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("execution %s not found", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load execution %s", id)
	}
	return r, nil
}

// List returns matching records, newest first
func (l *Ledger) List(ctx context.Context, f Filter) ([]*Record, error) {
	var where []string
	var args []any
	add := func(clause string, arg any) {
		where = append(where, clause)
		args = append(args, arg)
	}
	if f.TemplateName != "" {
		add("template_name = ?", f.TemplateName)
	}
	if f.Provider != "" {
		add("provider = ?", f.Provider)
	}
	if f.Model != "" {
		add("model = ?", f.Model)
	}
	if f.Status != "" {
		add("status = ?", string(f.Status))
	}
	if !f.Since.IsZero() {
		add("created_at >= ?", f.Since.UTC())
	}

	query := `SELECT ` + recordColumns + ` FROM executions`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC, id`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list executions")
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan execution")
		}
		out = append(out, r)
	}
	return out, errors.Wrap(rows.Err(), "failed to iterate executions")
}

// Count returns the number of records
func (l *Ledger) Count(ctx context.Context) (int, error) {
	var n int
	err := l.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM executions`).Scan(&n)
	return n, errors.Wrap(err, "failed to count executions")
}

// Stats aggregates executions since a point in time
type Stats struct {
	TotalExecutions int             `json:"total_executions"`
	Successful      int             `json:"successful"`
	SuccessRate     float64         `json:"success_rate"`
	CacheHits       int             `json:"cache_hits"`
	CacheHitRate    float64         `json:"cache_hit_rate"`
	TotalTokens     int             `json:"total_tokens"`
	TotalCost       decimal.Decimal `json:"total_cost"`
	UniqueModels    int             `json:"unique_models"`
}

// Stats returns usage statistics for executions since since
func (l *Ledger) Stats(ctx context.Context, since time.Time) (*Stats, error) {
	var st Stats
	err := l.db.QueryRowContext(ctx, `SELECT
			COUNT(*),
			COUNT(CASE WHEN status = 'success' THEN 1 END),
			COUNT(CASE WHEN cache_hit = 1 THEN 1 END),
			COALESCE(SUM(tokens_used), 0),
			COUNT(DISTINCT CASE WHEN model != '' THEN provider || '/' || model END)
		FROM executions
		WHERE created_at >= ?`, since.UTC(),
	).Scan(&st.TotalExecutions, &st.Successful, &st.CacheHits, &st.TotalTokens, &st.UniqueModels)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read execution stats")
	}
	if st.TotalExecutions > 0 {
		st.SuccessRate = float64(st.Successful) / float64(st.TotalExecutions)
		st.CacheHitRate = float64(st.CacheHits) / float64(st.TotalExecutions)
	}

	// costs are decimal text; sum them exactly
	rows, err := l.db.QueryContext(ctx,
		`SELECT cost FROM executions WHERE created_at >= ? AND cost != '0'`, since.UTC())
	if err != nil {
		return nil, errors.Wrap(err, "failed to read execution costs")
	}
	defer rows.Close()
	for rows.Next() {
		var text string
		if err := rows.Scan(&text); err != nil {
			return nil, errors.Wrap(err, "failed to scan cost")
		}
		st.TotalCost = st.TotalCost.Add(parseCost(text))
	}
	return &st, errors.Wrap(rows.Err(), "failed to iterate costs")
}

// ModelBreakdown is usage for one provider/model pair
type ModelBreakdown struct {
	Provider          string          `json:"provider"`
	Model             string          `json:"model"`
	RequestCount      int             `json:"request_count"`
	CacheHits         int             `json:"cache_hits"`
	TotalTokens       int             `json:"total_tokens"`
	TotalCost         decimal.Decimal `json:"total_cost"`
	AvgResponseTimeMs float64         `json:"avg_response_time_ms"`
}

// ModelBreakdown returns successful usage grouped by provider and model,
// most expensive first.
func (l *Ledger) ModelBreakdown(ctx context.Context, since time.Time) ([]ModelBreakdown, error) {
	rows, err := l.db.QueryContext(ctx, `SELECT provider, model, cache_hit, tokens_used, cost, duration_ms
		FROM executions
		WHERE created_at >= ? AND status = 'success'`, since.UTC())
	if err != nil {
		return nil, errors.Wrap(err, "failed to read model breakdown")
	}
	defer rows.Close()

	groups := make(map[string]*ModelBreakdown)
	durations := make(map[string]int64)
	for rows.Next() {
		var (
			provider, model, cost string
			cacheHit              bool
			tokens                int
			duration              int64
		)
		if err := rows.Scan(&provider, &model, &cacheHit, &tokens, &cost, &duration); err != nil {
			return nil, errors.Wrap(err, "failed to scan model breakdown")
		}
		key := provider + "\x00" + model
		g, ok := groups[key]
		if !ok {
			g = &ModelBreakdown{Provider: provider, Model: model}
			groups[key] = g
		}
		g.RequestCount++
		if cacheHit {
			g.CacheHits++
		}
		g.TotalTokens += tokens
		g.TotalCost = g.TotalCost.Add(parseCost(cost))
		durations[key] += duration
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate model breakdown")
	}

	out := make([]ModelBreakdown, 0, len(groups))
	for key, g := range groups {
		g.AvgResponseTimeMs = float64(durations[key]) / float64(g.RequestCount)
		out = append(out, *g)
	}
	sort.Slice(out, func(i, j int) bool {
		if c := out[i].TotalCost.Cmp(out[j].TotalCost); c != 0 {
			return c > 0
		}
		if out[i].Provider != out[j].Provider {
			return out[i].Provider < out[j].Provider
		}
		return out[i].Model < out[j].Model
	})
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*Record, error) {
	var (
		r               Record
		templateID      sql.NullString
		templateName    sql.NullString
		templateVersion sql.NullInt64
		datasetEntryID  sql.NullString
		input           string
		response        sql.NullString
		temperature     sql.NullFloat64
		maxTokens       sql.NullInt64
		cost            string
		status          string
		errorKind       sql.NullString
		errorMessage    sql.NullString
	)
	err := row.Scan(&r.ID, &templateID, &templateName, &templateVersion, &datasetEntryID, &input,
		&r.SystemPrompt, &r.UserPrompt, &response, &r.Provider, &r.Model, &temperature, &maxTokens,
		&r.PromptTokens, &r.CompletionTokens, &r.TokensUsed, &cost, &r.DurationMS, &r.Attempts,
		&r.CacheHit, &r.CacheKey, &status, &errorKind, &errorMessage, &r.CreatedAt)
	if err != nil {
		return nil, err
	}

	r.TemplateID = templateID.String
	r.TemplateName = templateName.String
	r.TemplateVersion = int(templateVersion.Int64)
	r.DatasetEntryID = datasetEntryID.String
	r.Status = Status(status)
	r.ErrorKind = errorKind.String
	r.ErrorMessage = errorMessage.String
	r.Cost = parseCost(cost)
	if response.Valid {
		r.Response = &response.String
	}
	if temperature.Valid {
		r.Temperature = &temperature.Float64
	}
	if maxTokens.Valid {
		v := int(maxTokens.Int64)
		r.MaxTokens = &v
	}
	if input != "" && input != "{}" {
		if err := json.Unmarshal([]byte(input), &r.InputContext); err != nil {
			return nil, errors.Wrapf(err, "invalid input context for execution %s", r.ID)
		}
	}
	return &r, nil
}

func parseCost(text string) decimal.Decimal {
	d, err := decimal.NewFromString(text)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt(n int) sql.NullInt64 {
	return sql.NullInt64{Int64: int64(n), Valid: n != 0}
}

package cache

import (
	"context"
	"database/sql"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/prompter/errors"
)

const entryColumns = `cache_key, provider, model, temperature, system_prompt, user_prompt,
	response, tokens_used, hit_count, created_at, last_accessed_at`

// Entry is one cached response
type Entry struct {
	Key            string     `json:"cache_key"`
	Provider       string     `json:"provider"`
	Model          string     `json:"model"`
	Temperature    float64    `json:"temperature"`
	SystemPrompt   string     `json:"system_prompt"`
	UserPrompt     string     `json:"user_prompt"`
	Response       string     `json:"response"`
	TokensUsed     int        `json:"tokens_used"`
	HitCount       int        `json:"hit_count"`
	CreatedAt      time.Time  `json:"created_at"`
	LastAccessedAt *time.Time `json:"last_accessed_at,omitempty"`
}

// Stats summarizes the cache
type Stats struct {
	Entries     int `json:"entries"`
	Hits        int `json:"hits"`
	TokensSaved int `json:"tokens_saved"`
}

// Store is the SQLite-backed response cache. Stored responses are never
// rewritten; only hit bookkeeping changes.
type Store struct {
	db     *sql.DB
	logger *zap.SugaredLogger
	now    func() time.Time
}

// NewStore creates a cache store
func NewStore(db *sql.DB, logger *zap.SugaredLogger) *Store {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Store{db: db, logger: logger, now: time.Now}
}

// Lookup returns the entry for key and records the hit. A miss returns
// (nil, false, nil).
func (s *Store) Lookup(ctx context.Context, key string) (*Entry, bool, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE response_cache
		SET hit_count = hit_count + 1, last_accessed_at = ?
		WHERE cache_key = ?`, s.now().UTC(), key)
	if err != nil {
		return nil, false, errors.Wrap(err, "cache lookup failed")
	}
	if n, err := res.RowsAffected(); err != nil || n == 0 {
		return nil, false, errors.Wrap(err, "cache lookup failed")
	}

	e, err := scanEntry(s.db.QueryRowContext(ctx,
		`SELECT `+entryColumns+` FROM response_cache WHERE cache_key = ?`, key))
	if errors.Is(err, sql.ErrNoRows) {
		// invalidated between the two statements
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrap(err, "cache lookup failed")
	}
	return e, true, nil
}

// Get returns the entry for key without counting a hit
func (s *Store) Get(ctx context.Context, key string) (*Entry, error) {
	e, err := scanEntry(s.db.QueryRowContext(ctx,
		`SELECT `+entryColumns+` FROM response_cache WHERE cache_key = ?`, key))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("cache entry %s not found", key)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to load cache entry")
	}
	return e, nil
}

// Put stores e unless its key is already present. The first write wins:
// a losing concurrent write returns stored=false and no error. An empty
// e.Key is computed from the entry's fields.
func (s *Store) Put(ctx context.Context, e *Entry) (bool, error) {
	if e.Key == "" {
		e.Key = Key(e.Provider, e.Model, e.Temperature, e.SystemPrompt, e.UserPrompt)
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.now().UTC()
	}
	res, err := s.db.ExecContext(ctx, `INSERT INTO response_cache (
			cache_key, provider, model, temperature, system_prompt, user_prompt,
			response, tokens_used, hit_count, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, ?)
		ON CONFLICT(cache_key) DO NOTHING`,
		e.Key, e.Provider, e.Model, e.Temperature, e.SystemPrompt, e.UserPrompt,
		e.Response, e.TokensUsed, e.CreatedAt,
	)
	if err != nil {
		return false, errors.Wrap(err, "cache write failed")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "cache write failed")
	}
	if n == 0 {
		s.logger.Debugw("cache entry already present", "cache_key", e.Key)
	}
	return n == 1, nil
}

// Invalidate removes one entry, reporting whether it existed
func (s *Store) Invalidate(ctx context.Context, key string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM response_cache WHERE cache_key = ?`, key)
	if err != nil {
		return false, errors.Wrap(err, "failed to invalidate cache entry")
	}
	n, err := res.RowsAffected()
	return n > 0, errors.Wrap(err, "failed to invalidate cache entry")
}

// Clear removes every entry and returns how many were removed
func (s *Store) Clear(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM response_cache`)
	if err != nil {
		return 0, errors.Wrap(err, "failed to clear cache")
	}
	n, err := res.RowsAffected()
	return n, errors.Wrap(err, "failed to clear cache")
}

// Stats returns entry count, total hits and tokens served from cache
func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	var st Stats
	err := s.db.QueryRowContext(ctx, `SELECT
			COUNT(*),
			COALESCE(SUM(hit_count), 0),
			COALESCE(SUM(hit_count * tokens_used), 0)
		FROM response_cache`).Scan(&st.Entries, &st.Hits, &st.TokensSaved)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read cache stats")
	}
	return &st, nil
}

// List returns up to limit entries, most recently created first
func (s *Store) List(ctx context.Context, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+entryColumns+` FROM response_cache ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list cache entries")
	}
	defer rows.Close()

	var out []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan cache entry")
		}
		out = append(out, e)
	}
	return out, errors.Wrap(rows.Err(), "failed to iterate cache entries")
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (*Entry, error) {
	var e Entry
	var lastAccessed sql.NullTime
	err := row.Scan(&e.Key, &e.Provider, &e.Model, &e.Temperature, &e.SystemPrompt, &e.UserPrompt,
		&e.Response, &e.TokensUsed, &e.HitCount, &e.CreatedAt, &lastAccessed)
	if err != nil {
		return nil, err
	}
	if lastAccessed.Valid {
		e.LastAccessedAt = &lastAccessed.Time
	}
	return &e, nil
}

package prompt

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/teranos/prompter/db"
	"github.com/teranos/prompter/errors"
	"github.com/teranos/prompter/logger"
)

const templateColumns = `id, name, category, system_prompt, user_prompt, provider, model, model_id,
	temperature, max_tokens, input_schema, output_schema, version, parent_id, is_current, active,
	usage_count, last_used_at, created_at, updated_at`

// Store persists templates and their version chains in SQLite.
// It is safe for concurrent use; writers are serialized by the database.
type Store struct {
	db     *sql.DB
	logger *zap.SugaredLogger
	now    func() time.Time
}

// NewStore creates a template store. A nil logger disables logging.
func NewStore(db *sql.DB, log *zap.SugaredLogger) *Store {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Store{db: db, logger: log, now: time.Now}
}

// ListOptions filters List results
type ListOptions struct {
	Category        string
	IncludeInactive bool
}

// Create stores t as version 1 of a new chain. The name must not already
// have a chain; use NewVersion to extend one.
func (s *Store) Create(ctx context.Context, t *Template) (*Template, error) {
	created := t.clone()
	created.ID = uuid.NewString()
	created.Version = 1
	created.ParentID = ""
	created.IsCurrent = true
	created.Active = true
	created.UsageCount = 0
	created.LastUsedAt = nil
	created.CreatedAt = s.now().UTC()
	created.UpdatedAt = created.CreatedAt

	if err := created.Validate(); err != nil {
		return nil, err
	}

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if err := ensureNameFree(ctx, tx, created.Name); err != nil {
			return err
		}
		return insertTemplate(ctx, tx, created)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Infow("Template created",
		logger.FieldTemplate, created.Name,
		logger.FieldTemplateID, created.ID,
	)
	return created, nil
}

// NewVersion derives the next version of the chain from the template
// with id sourceID. The new version becomes current; the source and all
// earlier versions stay unchanged and retrievable by (name, version).
func (s *Store) NewVersion(ctx context.Context, sourceID string, o Overrides) (*Template, error) {
	var child *Template
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		source, err := scanTemplate(tx.QueryRowContext(ctx,
			`SELECT `+templateColumns+` FROM prompt_templates WHERE id = ?`, sourceID))
		if err != nil {
			return notFound(err, sourceID)
		}

		var latest int
		if err := tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(version), 0) FROM prompt_templates WHERE name = ?`, source.Name,
		).Scan(&latest); err != nil {
			return errors.Wrap(err, "failed to read latest version")
		}

		child, err = source.deriveVersion(latest+1, o, s.now().UTC())
		if err != nil {
			return err
		}
		if err := child.Validate(); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE prompt_templates SET is_current = 0, updated_at = ? WHERE name = ? AND is_current = 1`,
			child.CreatedAt, child.Name,
		); err != nil {
			return errors.Wrap(err, "failed to retire current version")
		}
		return insertTemplate(ctx, tx, child)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Infow("Template version created",
		logger.FieldTemplate, child.Name,
		logger.FieldTemplateVersion, child.Version,
		"parent_id", child.ParentID,
	)
	return child, nil
}

// Duplicate copies the template with id sourceID into a new chain named
// newName, starting again at version 1 with no parent.
func (s *Store) Duplicate(ctx context.Context, sourceID, newName string) (*Template, error) {
	newName = strings.TrimSpace(newName)
	if newName == "" {
		return nil, errors.NewInvalidRequestError("duplicate requires a new name")
	}

	var dup *Template
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		source, err := scanTemplate(tx.QueryRowContext(ctx,
			`SELECT `+templateColumns+` FROM prompt_templates WHERE id = ?`, sourceID))
		if err != nil {
			return notFound(err, sourceID)
		}
		if err := ensureNameFree(ctx, tx, newName); err != nil {
			return err
		}

		dup = source.duplicateAs(newName, s.now().UTC())
		return insertTemplate(ctx, tx, dup)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Infow("Template duplicated",
		logger.FieldTemplate, dup.Name,
		"source_id", sourceID,
	)
	return dup, nil
}

// Get returns the template with the given ID, active or not.
func (s *Store) Get(ctx context.Context, id string) (*Template, error) {
	t, err := scanTemplate(s.db.QueryRowContext(ctx,
		`SELECT `+templateColumns+` FROM prompt_templates WHERE id = ?`, id))
	if err != nil {
		return nil, notFound(err, id)
	}
	return t, nil
}

// Resolve looks up a template for execution. Missing and inactive
// templates both fail with ErrTemplateNotFound.
func (s *Store) Resolve(ctx context.Context, ref Ref) (*Template, error) {
	var row *sql.Row
	switch {
	case ref.ID != "":
		row = s.db.QueryRowContext(ctx, `SELECT `+templateColumns+` FROM prompt_templates WHERE id = ?`, ref.ID)
	case ref.Name != "" && ref.Version > 0:
		row = s.db.QueryRowContext(ctx, `SELECT `+templateColumns+` FROM prompt_templates WHERE name = ? AND version = ?`, ref.Name, ref.Version)
	case ref.Name != "":
		row = s.db.QueryRowContext(ctx, `SELECT `+templateColumns+` FROM prompt_templates WHERE name = ? AND is_current = 1`, ref.Name)
	default:
		return nil, errors.Mark(errors.New("empty template reference"), errors.ErrTemplateNotFound)
	}

	t, err := scanTemplate(row)
	if err != nil {
		return nil, notFound(err, ref.String())
	}
	if !t.Active {
		return nil, errors.Mark(errors.Newf("template %s is inactive", ref), errors.ErrTemplateNotFound)
	}
	return t, nil
}

// List returns the current version of every chain, ordered by name
func (s *Store) List(ctx context.Context, opts ListOptions) ([]*Template, error) {
	query := `SELECT ` + templateColumns + ` FROM prompt_templates WHERE is_current = 1`
	var args []any
	if !opts.IncludeInactive {
		query += ` AND active = 1`
	}
	if opts.Category != "" {
		query += ` AND category = ?`
		args = append(args, opts.Category)
	}
	query += ` ORDER BY name`
	return s.query(ctx, query, args...)
}

// ListVersions returns every version of a chain, oldest first
func (s *Store) ListVersions(ctx context.Context, name string) ([]*Template, error) {
	templates, err := s.query(ctx,
		`SELECT `+templateColumns+` FROM prompt_templates WHERE name = ? ORDER BY version`, name)
	if err != nil {
		return nil, err
	}
	if len(templates) == 0 {
		return nil, errors.Mark(errors.Newf("template %s", name), errors.ErrTemplateNotFound)
	}
	return templates, nil
}

// SetActive flips the active flag. History is never deleted.
func (s *Store) SetActive(ctx context.Context, id string, active bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE prompt_templates SET active = ?, updated_at = ? WHERE id = ?`,
		db.BoolToInt(active), s.now().UTC(), id)
	if err != nil {
		return errors.Wrap(err, "failed to update template")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Mark(errors.Newf("template %s", id), errors.ErrTemplateNotFound)
	}

	s.logger.Infow("Template active flag changed", logger.FieldTemplateID, id, "active", active)
	return nil
}

// RecordUsage bumps the usage counter and last-used timestamp
func (s *Store) RecordUsage(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE prompt_templates SET usage_count = usage_count + 1, last_used_at = ? WHERE id = ?`,
		at.UTC(), id)
	if err != nil {
		return errors.Wrapf(err, "failed to record usage of template %s", id)
	}
	return nil
}

func (s *Store) query(ctx context.Context, query string, args ...any) ([]*Template, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query templates")
	}
	defer rows.Close()

	var out []*Template
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, errors.Wrap(rows.Err(), "failed to iterate templates")
}

func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return errors.Wrap(tx.Commit(), "failed to commit")
}

func ensureNameFree(ctx context.Context, tx *sql.Tx, name string) error {
	var count int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM prompt_templates WHERE name = ?`, name,
	).Scan(&count); err != nil {
		return errors.Wrap(err, "failed to check template name")
	}
	if count > 0 {
		return errors.WithHint(
			errors.NewConflictError("template %s already exists", name),
			"use new-version to extend an existing template",
		)
	}
	return nil
}

func insertTemplate(ctx context.Context, tx *sql.Tx, t *Template) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO prompt_templates (`+templateColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Name, t.Category, t.SystemPrompt, t.UserPrompt, t.Provider, t.Model, nullString(t.ModelID),
		t.Temperature, t.MaxTokens, t.InputSchema, t.OutputSchema, t.Version, nullString(t.ParentID),
		db.BoolToInt(t.IsCurrent), db.BoolToInt(t.Active), t.UsageCount, t.LastUsedAt, t.CreatedAt, t.UpdatedAt,
	)
	if db.IsUniqueViolation(err) {
		return errors.NewConflictError("template %s version %d already exists", t.Name, t.Version)
	}
	return errors.Wrapf(err, "failed to insert template %s", t.Name)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTemplate(row scanner) (*Template, error) {
	var (
		t           Template
		modelID     sql.NullString
		parentID    sql.NullString
		temperature sql.NullFloat64
		maxTokens   sql.NullInt64
		lastUsedAt  sql.NullTime
	)
	err := row.Scan(&t.ID, &t.Name, &t.Category, &t.SystemPrompt, &t.UserPrompt, &t.Provider, &t.Model, &modelID,
		&temperature, &maxTokens, &t.InputSchema, &t.OutputSchema, &t.Version, &parentID, &t.IsCurrent, &t.Active,
		&t.UsageCount, &lastUsedAt, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}

	t.ModelID = modelID.String
	t.ParentID = parentID.String
	if temperature.Valid {
		t.Temperature = &temperature.Float64
	}
	if maxTokens.Valid {
		v := int(maxTokens.Int64)
		t.MaxTokens = &v
	}
	if lastUsedAt.Valid {
		t.LastUsedAt = &lastUsedAt.Time
	}
	return &t, nil
}

func notFound(err error, ref string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return errors.Mark(errors.Newf("template %s", ref), errors.ErrTemplateNotFound)
	}
	return errors.Wrapf(err, "failed to load template %s", ref)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

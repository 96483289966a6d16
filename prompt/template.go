// Package prompt stores versioned prompt templates and renders them
// against a caller-supplied context.
package prompt

import (
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/teranos/prompter/errors"
)

// Template is one version of a named prompt definition. Versions of the
// same name form a chain linked backwards through ParentID.
type Template struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	Category     string     `json:"category,omitempty"`
	SystemPrompt string     `json:"system_prompt,omitempty"`
	UserPrompt   string     `json:"user_prompt"`
	Provider     string     `json:"provider,omitempty"` // legacy free-text routing
	Model        string     `json:"model,omitempty"`    // legacy free-text routing
	ModelID      string     `json:"model_id,omitempty"` // structured registry reference
	Temperature  *float64   `json:"temperature,omitempty"`
	MaxTokens    *int       `json:"max_tokens,omitempty"`
	InputSchema  string     `json:"input_schema,omitempty"`
	OutputSchema string     `json:"output_schema,omitempty"`
	Version      int        `json:"version"`
	ParentID     string     `json:"parent_id,omitempty"`
	IsCurrent    bool       `json:"is_current"`
	Active       bool       `json:"active"`
	UsageCount   int        `json:"usage_count"`
	LastUsedAt   *time.Time `json:"last_used_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Ref identifies a template by ID, or by name with an optional version.
// A zero Version selects the current version of the chain.
type Ref struct {
	ID      string
	Name    string
	Version int
}

// ParseRef interprets s as a template ID when it is a UUID and as a
// name otherwise.
func ParseRef(s string, version int) Ref {
	if _, err := uuid.Parse(s); err == nil {
		return Ref{ID: s}
	}
	return Ref{Name: s, Version: version}
}

func (r Ref) String() string {
	switch {
	case r.ID != "":
		return r.ID
	case r.Version > 0:
		return r.Name + "@v" + strconv.Itoa(r.Version)
	default:
		return r.Name
	}
}

// Overrides replaces selected fields when deriving a new version.
// Nil fields are copied from the source.
type Overrides struct {
	Category     *string
	SystemPrompt *string
	UserPrompt   *string
	Provider     *string
	Model        *string
	ModelID      *string
	Temperature  *float64
	MaxTokens    *int
	InputSchema  *string
	OutputSchema *string
}

// IsZero reports whether no field is overridden
func (o Overrides) IsZero() bool {
	return o == Overrides{}
}

// deriveVersion builds the successor of t at version next. The parent
// pointer always points backwards: next must exceed t.Version.
func (t *Template) deriveVersion(next int, o Overrides, now time.Time) (*Template, error) {
	if next <= t.Version {
		return nil, errors.AssertionFailedf("version %d cannot descend from version %d", next, t.Version)
	}

	child := t.clone()
	child.ID = uuid.NewString()
	child.Version = next
	child.ParentID = t.ID
	child.IsCurrent = true
	child.Active = true
	child.UsageCount = 0
	child.LastUsedAt = nil
	child.CreatedAt = now
	child.UpdatedAt = now
	o.apply(child)
	return child, nil
}

// duplicateAs starts a new, unrelated chain under name.
func (t *Template) duplicateAs(name string, now time.Time) *Template {
	dup := t.clone()
	dup.ID = uuid.NewString()
	dup.Name = name
	dup.Version = 1
	dup.ParentID = ""
	dup.IsCurrent = true
	dup.Active = true
	dup.UsageCount = 0
	dup.LastUsedAt = nil
	dup.CreatedAt = now
	dup.UpdatedAt = now
	return dup
}

func (t *Template) clone() *Template {
	c := *t
	if t.Temperature != nil {
		v := *t.Temperature
		c.Temperature = &v
	}
	if t.MaxTokens != nil {
		v := *t.MaxTokens
		c.MaxTokens = &v
	}
	if t.LastUsedAt != nil {
		v := *t.LastUsedAt
		c.LastUsedAt = &v
	}
	return &c
}

func (o Overrides) apply(t *Template) {
	if o.Category != nil {
		t.Category = *o.Category
	}
	if o.SystemPrompt != nil {
		t.SystemPrompt = *o.SystemPrompt
	}
	if o.UserPrompt != nil {
		t.UserPrompt = *o.UserPrompt
	}
	if o.Provider != nil {
		t.Provider = *o.Provider
	}
	if o.Model != nil {
		t.Model = *o.Model
	}
	if o.ModelID != nil {
		t.ModelID = *o.ModelID
	}
	if o.Temperature != nil {
		v := *o.Temperature
		t.Temperature = &v
	}
	if o.MaxTokens != nil {
		v := *o.MaxTokens
		t.MaxTokens = &v
	}
	if o.InputSchema != nil {
		t.InputSchema = *o.InputSchema
	}
	if o.OutputSchema != nil {
		t.OutputSchema = *o.OutputSchema
	}
}

// Validate checks the authoring fields of a template
func (t *Template) Validate() error {
	if strings.TrimSpace(t.Name) == "" {
		return errors.NewInvalidRequestError("template name is required")
	}
	if strings.TrimSpace(t.UserPrompt) == "" {
		return errors.NewInvalidRequestError("template %s: user prompt is required", t.Name)
	}
	if err := ValidateText(t.SystemPrompt); err != nil {
		return errors.Mark(errors.Wrapf(err, "template %s: system prompt", t.Name), errors.ErrInvalidRequest)
	}
	if err := ValidateText(t.UserPrompt); err != nil {
		return errors.Mark(errors.Wrapf(err, "template %s: user prompt", t.Name), errors.ErrInvalidRequest)
	}
	if t.Temperature != nil && (*t.Temperature < 0.0 || *t.Temperature > 2.0) {
		return errors.NewInvalidRequestError("temperature must be between 0.0 and 2.0, got %f", *t.Temperature)
	}
	if t.MaxTokens != nil && *t.MaxTokens < 1 {
		return errors.NewInvalidRequestError("max_tokens must be positive, got %d", *t.MaxTokens)
	}
	if err := CheckSchema(t.InputSchema); err != nil {
		return errors.Mark(errors.Wrap(err, "input schema"), errors.ErrInvalidRequest)
	}
	if err := CheckSchema(t.OutputSchema); err != nil {
		return errors.Mark(errors.Wrap(err, "output schema"), errors.ErrInvalidRequest)
	}
	return nil
}

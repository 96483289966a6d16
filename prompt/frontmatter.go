package prompt

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/teranos/prompter/errors"
)

// Document is a template authored as markdown: YAML frontmatter followed
// by the user prompt body.
type Document struct {
	Metadata DocumentMetadata
	Body     string
}

// DocumentMetadata holds configuration from YAML frontmatter
type DocumentMetadata struct {
	Name         string   `yaml:"name"`
	Category     string   `yaml:"category,omitempty"`
	Description  string   `yaml:"description,omitempty"`
	Provider     string   `yaml:"provider,omitempty"`
	Model        string   `yaml:"model,omitempty"`
	Temperature  *float64 `yaml:"temperature,omitempty"`
	MaxTokens    *int     `yaml:"max_tokens,omitempty"`
	System       string   `yaml:"system,omitempty"`
	InputSchema  string   `yaml:"input_schema,omitempty"`
	OutputSchema string   `yaml:"output_schema,omitempty"`
}

// ParseDocument extracts YAML frontmatter and body from a template document.
//
//	---
//	name: issue-title
//	model: openai/gpt-4o-mini
//	temperature: 0.2
//	---
//	Suggest a title for {{ repo_name }}
func ParseDocument(content string) (*Document, error) {
	trimmed := strings.TrimLeft(content, "\ufeff \t\r\n")
	if !strings.HasPrefix(trimmed, "---") {
		return &Document{Body: strings.TrimSpace(content)}, nil
	}

	parts := strings.SplitN(trimmed, "---", 3)
	if len(parts) < 3 {
		return nil, errors.NewInvalidRequestError("unterminated frontmatter")
	}

	var metadata DocumentMetadata
	if frontmatter := strings.TrimSpace(parts[1]); frontmatter != "" {
		if err := yaml.Unmarshal([]byte(frontmatter), &metadata); err != nil {
			return nil, errors.Mark(errors.Wrap(err, "failed to parse frontmatter YAML"), errors.ErrInvalidRequest)
		}
	}

	return &Document{Metadata: metadata, Body: strings.TrimSpace(parts[2])}, nil
}

// Template converts the document into an unsaved template. fallbackName
// is used when the frontmatter has no name.
func (d *Document) Template(fallbackName string) *Template {
	name := d.Metadata.Name
	if name == "" {
		name = fallbackName
	}
	return &Template{
		Name:         name,
		Category:     d.Metadata.Category,
		SystemPrompt: d.Metadata.System,
		UserPrompt:   d.Body,
		Provider:     d.Metadata.Provider,
		Model:        d.Metadata.Model,
		Temperature:  d.Metadata.Temperature,
		MaxTokens:    d.Metadata.MaxTokens,
		InputSchema:  d.Metadata.InputSchema,
		OutputSchema: d.Metadata.OutputSchema,
	}
}

// ImportAction describes what Import did with a document
type ImportAction string

const (
	ImportCreated   ImportAction = "created"
	ImportVersioned ImportAction = "versioned"
	ImportUnchanged ImportAction = "unchanged"
)

// ImportResult reports the outcome of importing one document
type ImportResult struct {
	Path     string
	Action   ImportAction
	Template *Template
}

// ImportFile imports the document at path. A new name creates version 1;
// changed content on an existing name creates a new version; identical
// content is left alone. Fields absent from the document keep the values
// of the current version.
func (s *Store) ImportFile(ctx context.Context, path string) (*ImportResult, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read %s", path)
	}
	doc, err := ParseDocument(string(content))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse %s", path)
	}

	stem := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	incoming := doc.Template(stem)

	current, err := s.Resolve(ctx, Ref{Name: incoming.Name})
	if errors.Is(err, errors.ErrTemplateNotFound) {
		var versions []*Template
		if versions, err = s.ListVersions(ctx, incoming.Name); err == nil && len(versions) > 0 {
			// the chain exists but its current version is inactive
			current = versions[len(versions)-1]
		} else {
			created, err := s.Create(ctx, incoming)
			if err != nil {
				return nil, err
			}
			return &ImportResult{Path: path, Action: ImportCreated, Template: created}, nil
		}
	} else if err != nil {
		return nil, err
	}

	o := documentOverrides(doc)
	if sameContent(current, o) {
		return &ImportResult{Path: path, Action: ImportUnchanged, Template: current}, nil
	}

	next, err := s.NewVersion(ctx, current.ID, o)
	if err != nil {
		return nil, err
	}
	return &ImportResult{Path: path, Action: ImportVersioned, Template: next}, nil
}

// ImportDir imports every *.md document in dir
func (s *Store) ImportDir(ctx context.Context, dir string) ([]*ImportResult, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.md"))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list %s", dir)
	}

	var results []*ImportResult
	for _, path := range paths {
		res, err := s.ImportFile(ctx, path)
		if err != nil {
			return results, err
		}
		results = append(results, res)
	}
	return results, nil
}

func documentOverrides(d *Document) Overrides {
	m := d.Metadata
	return Overrides{
		Category:     &m.Category,
		SystemPrompt: &m.System,
		UserPrompt:   &d.Body,
		Provider:     &m.Provider,
		Model:        &m.Model,
		Temperature:  m.Temperature,
		MaxTokens:    m.MaxTokens,
		InputSchema:  &m.InputSchema,
		OutputSchema: &m.OutputSchema,
	}
}

func sameContent(t *Template, o Overrides) bool {
	candidate := t.clone()
	o.apply(candidate)
	return candidate.Category == t.Category &&
		candidate.SystemPrompt == t.SystemPrompt &&
		candidate.UserPrompt == t.UserPrompt &&
		candidate.Provider == t.Provider &&
		candidate.Model == t.Model &&
		candidate.InputSchema == t.InputSchema &&
		candidate.OutputSchema == t.OutputSchema &&
		equalPtr(candidate.Temperature, t.Temperature) &&
		equalPtr(candidate.MaxTokens, t.MaxTokens)
}

func equalPtr[T comparable](a, b *T) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

package provider

import (
	"context"
	_ "embed"
	"os"
	"sort"

	"github.com/BurntSushi/toml"
	"github.com/shopspring/decimal"

	"github.com/teranos/prompter/errors"
)

//go:embed default_catalog.toml
var defaultCatalog []byte

// Catalog is a declarative list of providers and their models
type Catalog struct {
	Providers map[string]CatalogProvider `toml:"providers"`
}

// CatalogProvider declares one provider
type CatalogProvider struct {
	DisplayName        string         `toml:"display_name"`
	Family             string         `toml:"family"`
	BaseURL            string         `toml:"base_url"`
	APIKeyEnv          string         `toml:"api_key_env"` // credential is read from this variable
	DefaultTemperature *float64       `toml:"default_temperature"`
	DefaultMaxTokens   int            `toml:"default_max_tokens"`
	RequestsPerMinute  int            `toml:"requests_per_minute"`
	Active             *bool          `toml:"active"` // defaults to true
	Models             []CatalogModel `toml:"models"`
}

// CatalogModel declares one model
type CatalogModel struct {
	Name            string          `toml:"name"`
	MaxOutputTokens int             `toml:"max_output_tokens"`
	ContextWindow   int             `toml:"context_window"`
	Capabilities    []string        `toml:"capabilities"`
	InputPrice      decimal.Decimal `toml:"input_price"`
	OutputPrice     decimal.Decimal `toml:"output_price"`
	Active          *bool           `toml:"active"`
	Default         bool            `toml:"default"`
}

// ApplyResult counts what a catalog wrote
type ApplyResult struct {
	Providers   int
	Models      int
	Credentials int // providers whose api_key_env was set
}

// DefaultCatalog returns the built-in catalog
func DefaultCatalog() *Catalog {
	c, err := ParseCatalog(defaultCatalog)
	if err != nil {
		panic(errors.Wrap(err, "built-in catalog is invalid"))
	}
	return c
}

// LoadCatalog reads a catalog file, or the built-in catalog when path is empty
func LoadCatalog(path string) (*Catalog, error) {
	if path == "" {
		return DefaultCatalog(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read catalog %s", path)
	}
	c, err := ParseCatalog(data)
	if err != nil {
		return nil, errors.Wrapf(err, "catalog %s", path)
	}
	return c, nil
}

// ParseCatalog decodes and validates catalog TOML
func ParseCatalog(data []byte) (*Catalog, error) {
	var c Catalog
	if _, err := toml.Decode(string(data), &c); err != nil {
		return nil, errors.Wrap(err, "failed to parse catalog")
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks families, model names and default uniqueness
func (c *Catalog) Validate() error {
	for name, p := range c.Providers {
		if _, err := ParseFamily(p.Family); err != nil {
			return errors.Wrapf(err, "provider %s", name)
		}
		if p.DefaultTemperature != nil && (*p.DefaultTemperature < 0 || *p.DefaultTemperature > 2) {
			return errors.NewInvalidRequestError("provider %s: default_temperature must be between 0 and 2", name)
		}
		seen := make(map[string]bool)
		defaults := 0
		for _, m := range p.Models {
			if m.Name == "" {
				return errors.NewInvalidRequestError("provider %s: model without a name", name)
			}
			if seen[m.Name] {
				return errors.NewInvalidRequestError("provider %s: model %s declared twice", name, m.Name)
			}
			seen[m.Name] = true
			if m.Default {
				defaults++
			}
		}
		if defaults > 1 {
			return errors.NewInvalidRequestError("provider %s: %d models marked default", name, defaults)
		}
	}
	return nil
}

// ProviderNames returns the declared provider names in sorted order
func (c *Catalog) ProviderNames() []string {
	names := make([]string, 0, len(c.Providers))
	for name := range c.Providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Apply upserts every provider and model into reg. Applying the same
// catalog twice leaves the registry unchanged. Credentials come from the
// environment; an unset variable keeps whatever key is already stored.
func (c *Catalog) Apply(ctx context.Context, reg *Registry) (*ApplyResult, error) {
	res := &ApplyResult{}
	for _, name := range c.ProviderNames() {
		cp := c.Providers[name]
		family, _ := ParseFamily(cp.Family)

		p := &Provider{
			Name:               name,
			DisplayName:        cp.DisplayName,
			Family:             family,
			BaseURL:            cp.BaseURL,
			DefaultTemperature: 0.2,
			DefaultMaxTokens:   cp.DefaultMaxTokens,
			RequestsPerMinute:  cp.RequestsPerMinute,
			Active:             boolOr(cp.Active, true),
		}
		if cp.DefaultTemperature != nil {
			p.DefaultTemperature = *cp.DefaultTemperature
		}
		if p.DefaultMaxTokens <= 0 {
			p.DefaultMaxTokens = 1000
		}
		if p.DisplayName == "" {
			p.DisplayName = name
		}
		if cp.APIKeyEnv != "" {
			if key := os.Getenv(cp.APIKeyEnv); key != "" {
				p.APIKey = key
				res.Credentials++
			}
		}
		if err := reg.UpsertProvider(ctx, p); err != nil {
			return res, err
		}
		res.Providers++

		for _, cm := range cp.Models {
			m := &Model{
				ProviderName:    name,
				Name:            cm.Name,
				MaxOutputTokens: cm.MaxOutputTokens,
				ContextWindow:   cm.ContextWindow,
				Capabilities:    cm.Capabilities,
				InputPrice:      cm.InputPrice,
				OutputPrice:     cm.OutputPrice,
				Active:          boolOr(cm.Active, true),
				IsDefault:       cm.Default,
			}
			if err := reg.UpsertModel(ctx, m); err != nil {
				return res, err
			}
			res.Models++
		}
	}
	return res, nil
}

func boolOr(b *bool, fallback bool) bool {
	if b == nil {
		return fallback
	}
	return *b
}

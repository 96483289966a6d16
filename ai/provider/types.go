// Package provider holds the registry of backend providers and their
// models, and builds llm.Adapters for them.
package provider

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/teranos/prompter/errors"
)

// Family selects the adapter implementation for a provider
type Family string

const (
	// FamilyOpenAI covers OpenRouter, OpenAI and any chat-completions API
	FamilyOpenAI Family = "openai-compatible"
	// FamilyAnthropic uses the Anthropic Messages API
	FamilyAnthropic Family = "anthropic"
	// FamilyLocal is an OpenAI-compatible server on a private network
	// (Ollama, LocalAI). It needs no credential.
	FamilyLocal Family = "local"
)

// ParseFamily converts a string to a Family, accepting common aliases
func ParseFamily(s string) (Family, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "openai-compatible", "openai", "openrouter", "or":
		return FamilyOpenAI, nil
	case "anthropic", "claude":
		return FamilyAnthropic, nil
	case "local", "ollama", "localai":
		return FamilyLocal, nil
	default:
		return "", errors.NewInvalidRequestError("unknown provider family: %s (valid: openai-compatible, anthropic, local)", s)
	}
}

// Provider is the configuration of one backend
type Provider struct {
	Name               string    `json:"name"`
	DisplayName        string    `json:"display_name"`
	Family             Family    `json:"family"`
	APIKey             string    `json:"-"`
	BaseURL            string    `json:"base_url,omitempty"`
	DefaultTemperature float64   `json:"default_temperature"`
	DefaultMaxTokens   int       `json:"default_max_tokens"`
	RequestsPerMinute  int       `json:"requests_per_minute,omitempty"`
	Active             bool      `json:"active"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// RequiresCredential reports whether calls need an API key
func (p *Provider) RequiresCredential() bool {
	return p.Family != FamilyLocal
}

// HasCredential reports whether an API key is configured
func (p *Provider) HasCredential() bool {
	return p.APIKey != ""
}

// Redacted returns a display form of the credential that never reveals
// more than its last four characters.
func (p *Provider) Redacted() string {
	switch {
	case p.APIKey == "":
		return "(none)"
	case len(p.APIKey) <= 8:
		return "****"
	default:
		return "****" + p.APIKey[len(p.APIKey)-4:]
	}
}

// Model is one deployable model offered by a provider
type Model struct {
	ID              string          `json:"id"`
	ProviderName    string          `json:"provider"`
	Name            string          `json:"name"`
	MaxOutputTokens int             `json:"max_output_tokens,omitempty"`
	ContextWindow   int             `json:"context_window,omitempty"`
	Capabilities    []string        `json:"capabilities,omitempty"`
	InputPrice      decimal.Decimal `json:"input_price"`  // USD per 1M prompt tokens
	OutputPrice     decimal.Decimal `json:"output_price"` // USD per 1M completion tokens
	Active          bool            `json:"active"`
	IsDefault       bool            `json:"is_default"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

var perMillion = decimal.NewFromInt(1_000_000)

// Cost computes the USD cost of a call with the given token counts
func (m *Model) Cost(promptTokens, completionTokens int) decimal.Decimal {
	in := m.InputPrice.Mul(decimal.NewFromInt(int64(promptTokens)))
	out := m.OutputPrice.Mul(decimal.NewFromInt(int64(completionTokens)))
	return in.Add(out).Div(perMillion)
}

// HasCapability reports whether the model is tagged with capability
func (m *Model) HasCapability(capability string) bool {
	for _, c := range m.Capabilities {
		if strings.EqualFold(c, capability) {
			return true
		}
	}
	return false
}

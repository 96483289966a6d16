package errors

import (
	"strings"
)

// Kind is the stable, machine-readable name of an engine failure class.
// Kinds are persisted in the execution ledger, so values must not change.
type Kind string

const (
	KindTemplateNotFound    Kind = "template_not_found"
	KindRender              Kind = "render_error"
	KindNoModelConfigured   Kind = "no_model_configured"
	KindProviderUnavailable Kind = "provider_unavailable"
	KindProviderAuth        Kind = "provider_auth_error"
	KindProviderRateLimited Kind = "provider_rate_limited"
	KindProviderTimeout     Kind = "provider_timeout"
	KindProviderServer      Kind = "provider_server_error"
	KindProviderRequest     Kind = "provider_request_error"
	KindSchemaValidation    Kind = "schema_validation_error"
	KindCanceled            Kind = "canceled"
	KindInternal            Kind = "internal"
)

// Engine failure sentinels. Producers attach them with Mark so the
// original message and stack survive while Is() keeps working.
var (
	ErrTemplateNotFound    = New("template not found")
	ErrRender              = New("render failed")
	ErrNoModelConfigured   = New("no model configured")
	ErrProviderUnavailable = New("provider unavailable")
	ErrProviderAuth        = New("provider rejected credentials")
	ErrProviderRateLimited = New("provider rate limited")
	ErrProviderTimeout     = New("provider timed out")
	ErrProviderServer      = New("provider server error")
	ErrProviderRequest     = New("provider rejected request")
	ErrSchemaValidation    = New("schema validation failed")
	ErrCanceled            = New("execution canceled")
)

var kindTable = []struct {
	sentinel error
	kind     Kind
}{
	{ErrTemplateNotFound, KindTemplateNotFound},
	{ErrRender, KindRender},
	{ErrNoModelConfigured, KindNoModelConfigured},
	{ErrProviderUnavailable, KindProviderUnavailable},
	{ErrProviderAuth, KindProviderAuth},
	{ErrProviderRateLimited, KindProviderRateLimited},
	{ErrProviderTimeout, KindProviderTimeout},
	{ErrProviderServer, KindProviderServer},
	{ErrProviderRequest, KindProviderRequest},
	{ErrSchemaValidation, KindSchemaValidation},
	{ErrCanceled, KindCanceled},
}

// KindOf returns the first engine kind found in err's chain, or
// KindInternal when err carries none. A nil error has no kind.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	for _, entry := range kindTable {
		if Is(err, entry.sentinel) {
			return entry.kind
		}
	}
	return KindInternal
}

// IsTransient reports whether err belongs to a class worth retrying:
// rate limiting, timeouts and backend 5xx responses.
func IsTransient(err error) bool {
	return err != nil && IsAny(err, ErrProviderRateLimited, ErrProviderTimeout, ErrProviderServer)
}

// RenderError reports a template that could not be rendered against the
// supplied context. Variable names the first missing placeholder.
type RenderError struct {
	Template string
	Variable string
	Missing  []string
	Reason   string
}

func (e *RenderError) Error() string {
	var b strings.Builder
	b.WriteString("render")
	if e.Template != "" {
		b.WriteString(" ")
		b.WriteString(e.Template)
	}
	switch {
	case len(e.Missing) > 1:
		b.WriteString(": missing required variables: ")
		b.WriteString(strings.Join(e.Missing, ", "))
	case e.Variable != "":
		b.WriteString(": missing required variable: ")
		b.WriteString(e.Variable)
	case e.Reason != "":
		b.WriteString(": ")
		b.WriteString(e.Reason)
	default:
		b.WriteString(" failed")
	}
	return b.String()
}

// Is makes every RenderError match ErrRender.
func (e *RenderError) Is(target error) bool {
	return target == ErrRender
}

// NewMissingVariableError builds a RenderError for the given missing names.
func NewMissingVariableError(template string, missing ...string) *RenderError {
	e := &RenderError{Template: template, Missing: missing}
	if len(missing) > 0 {
		e.Variable = missing[0]
	}
	return e
}

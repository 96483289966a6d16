package errors

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrapPreservesIdentity(t *testing.T) {
	original := New("original")
	wrapped := Wrapf(original, "wrapped: %d", 42)

	assert.Contains(t, wrapped.Error(), "wrapped: 42")
	assert.Contains(t, wrapped.Error(), "original")
	assert.True(t, Is(wrapped, original))
}

func TestWithHint(t *testing.T) {
	err := WithHint(New("error"), "set PROMPTER_SECRET_KEY")

	hints := GetAllHints(err)
	require.Len(t, hints, 1)
	assert.Equal(t, "set PROMPTER_SECRET_KEY", hints[0])
}

func TestNotFoundHelpers(t *testing.T) {
	err := NewNotFoundError("template %s", "summarize")
	assert.True(t, IsNotFoundError(err))
	assert.Equal(t, "template summarize", err.Error())

	assert.False(t, IsNotFoundError(nil))
	assert.False(t, IsNotFoundError(New("other")))
	assert.True(t, IsInvalidRequestError(NewInvalidRequestError("bad %s", "input")))
	assert.True(t, Is(NewConflictError("dup"), ErrConflict))
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, ""},
		{"unmarked", New("boom"), KindInternal},
		{"template", Mark(New("no such template"), ErrTemplateNotFound), KindTemplateNotFound},
		{"wrapped auth", Wrap(Mark(New("401"), ErrProviderAuth), "call"), KindProviderAuth},
		{"render struct", NewMissingVariableError("t", "repo_name"), KindRender},
		{"timeout", Mark(context.DeadlineExceeded, ErrProviderTimeout), KindProviderTimeout},
		{"schema", Mark(New("bad"), ErrSchemaValidation), KindSchemaValidation},
		{"canceled", Mark(context.Canceled, ErrCanceled), KindCanceled},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestIsTransient(t *testing.T) {
	assert.True(t, IsTransient(Mark(New("429"), ErrProviderRateLimited)))
	assert.True(t, IsTransient(Mark(New("deadline"), ErrProviderTimeout)))
	assert.True(t, IsTransient(Wrap(Mark(New("502"), ErrProviderServer), "attempt 1")))

	assert.False(t, IsTransient(nil))
	assert.False(t, IsTransient(Mark(New("401"), ErrProviderAuth)))
	assert.False(t, IsTransient(Mark(New("400"), ErrProviderRequest)))
	assert.False(t, IsTransient(New("unclassified")))
}

func TestRenderErrorNamesVariable(t *testing.T) {
	err := Wrap(NewMissingVariableError("issue-body", "repo_name"), "render user prompt")

	assert.True(t, Is(err, ErrRender))
	assert.Contains(t, err.Error(), "repo_name")

	var renderErr *RenderError
	require.True(t, As(err, &renderErr))
	assert.Equal(t, "repo_name", renderErr.Variable)
	assert.Equal(t, "issue-body", renderErr.Template)
}

func TestRenderErrorMessages(t *testing.T) {
	assert.Equal(t, "render t: missing required variables: a, b",
		NewMissingVariableError("t", "a", "b").Error())
	assert.Equal(t, "render: unknown filter \"shout\"",
		(&RenderError{Reason: `unknown filter "shout"`}).Error())
}

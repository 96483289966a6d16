package prompt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/prompter/errors"
)

func TestCompile(t *testing.T) {
	tests := []struct {
		name         string
		text         string
		wantErr      bool
		placeholders []string
	}{
		{name: "literal only", text: "Hello world"},
		{name: "empty text", text: ""},
		{name: "single placeholder", text: "Hello {{ name }}", placeholders: []string{"name"}},
		{name: "no spaces", text: "Hello {{name}}", placeholders: []string{"name"}},
		{name: "dot path", text: "{{ repo.owner.login }}", placeholders: []string{"repo.owner.login"}},
		{name: "repeated placeholder", text: "{{ a }} and {{ a }}", placeholders: []string{"a"}},
		{name: "filters", text: `{{ title | default:"untitled" | upper }}`, placeholders: []string{"title"}},
		{name: "pipe inside quoted default", text: `{{ sep | default:"a|b" }}`, placeholders: []string{"sep"}},
		{name: "invalid path", text: "{{ 9lives }}", wantErr: true},
		{name: "empty placeholder", text: "{{ }}", wantErr: true},
		{name: "unknown filter", text: "{{ name | shout }}", wantErr: true},
		{name: "default needs argument", text: "{{ name | default }}", wantErr: true},
		{name: "upper takes no argument", text: "{{ name | upper:1 }}", wantErr: true},
		{name: "truncate needs integer", text: "{{ name | truncate:many }}", wantErr: true},
		{name: "unterminated quote", text: `{{ name | default:"oops }}`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := Compile(tt.text)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, errors.ErrRender))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.placeholders, c.Placeholders())
			assert.Equal(t, tt.text, c.Raw())
		})
	}
}

func TestExecute(t *testing.T) {
	vars := map[string]any{
		"name":   "prompter",
		"stars":  float64(42),
		"ratio":  0.25,
		"active": true,
		"repo": map[string]any{
			"owner": map[string]any{"login": "teranos"},
			"tags":  []any{"go", "llm"},
		},
		"labels":  []string{"bug", "help wanted"},
		"padded":  "  spaced  ",
		"nothing": nil,
	}

	tests := []struct {
		name string
		text string
		want string
	}{
		{"literal", "plain text", "plain text"},
		{"string", "Repo: {{ name }}", "Repo: prompter"},
		{"integral float", "{{ stars }} stars", "42 stars"},
		{"fraction", "{{ ratio }}", "0.25"},
		{"bool", "{{ active }}", "true"},
		{"nested", "{{ repo.owner.login }}", "teranos"},
		{"slice index", "{{ repo.tags.1 }}", "llm"},
		{"upper", "{{ name | upper }}", "PROMPTER"},
		{"lower", "{{ repo.owner.login | upper | lower }}", "teranos"},
		{"trim", "[{{ padded | trim }}]", "[spaced]"},
		{"truncate", "{{ name | truncate:3 }}", "pro"},
		{"truncate longer than value", "{{ name | truncate:30 }}", "prompter"},
		{"join any slice", `{{ repo.tags | join:" / " }}`, "go / llm"},
		{"join default separator", "{{ labels | join }}", "bug, help wanted"},
		{"json", "{{ repo.tags | json }}", `["go","llm"]`},
		{"default when missing", `{{ missing | default:"n/a" }}`, "n/a"},
		{"default when nil", `{{ nothing | default:"none" }}`, "none"},
		{"default ignored when present", `{{ name | default:"x" }}`, "prompter"},
		{"default then filter", `{{ missing | default:"n/a" | upper }}`, "N/A"},
		{"filter then default", `{{ missing | upper | default:"n/a" }}`, "n/a"},
		{"empty string is present", `[{{ blank | default:"x" }}]`, "[]"},
	}
	vars["blank"] = ""

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := Compile(tt.text)
			require.NoError(t, err)
			got, err := c.Execute(vars)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestExecute_MissingVariableNamed(t *testing.T) {
	c, err := Compile("Create an issue for {{ repo_name }} about {{ topic }} in {{ repo_name }}")
	require.NoError(t, err)

	_, err = c.Execute(map[string]any{"topic": "caching"})
	require.Error(t, err)

	var renderErr *errors.RenderError
	require.True(t, errors.As(err, &renderErr))
	assert.Equal(t, "repo_name", renderErr.Variable)
	assert.Equal(t, []string{"repo_name"}, renderErr.Missing)
	assert.Contains(t, err.Error(), "repo_name")
}

func TestExecute_NeverBlanksMissingValues(t *testing.T) {
	c, err := Compile("{{ a }}{{ b.c }}")
	require.NoError(t, err)

	out, err := c.Execute(map[string]any{"b": "not a map"})
	require.Error(t, err)
	assert.Empty(t, out)

	var renderErr *errors.RenderError
	require.True(t, errors.As(err, &renderErr))
	assert.Equal(t, []string{"a", "b.c"}, renderErr.Missing)
}

func TestRequiredVariables(t *testing.T) {
	c, err := Compile(`{{ a }} {{ b | default:"x" }} {{ c | upper }}`)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "c"}, c.RequiredVariables())
}

func TestRender_TemplateNamedInError(t *testing.T) {
	tmpl := &Template{
		Name:         "issue-body",
		SystemPrompt: "You write issues for {{ org }}.",
		UserPrompt:   "Summarize {{ repo_name }}.",
	}

	_, _, err := Render(tmpl, map[string]any{})
	require.Error(t, err)

	var renderErr *errors.RenderError
	require.True(t, errors.As(err, &renderErr))
	assert.Equal(t, "issue-body", renderErr.Template)
	assert.Equal(t, []string{"org", "repo_name"}, renderErr.Missing)

	system, user, err := Render(tmpl, map[string]any{"org": "teranos", "repo_name": "prompter"})
	require.NoError(t, err)
	assert.Equal(t, "You write issues for teranos.", system)
	assert.Equal(t, "Summarize prompter.", user)
}

func TestRenderRaw(t *testing.T) {
	system, user, err := RenderRaw("S {{ not_a_var }}", "U", nil)
	require.NoError(t, err)
	assert.Equal(t, "S {{ not_a_var }}", system, "raw prompts without context are literal")
	assert.Equal(t, "U", user)

	system, user, err = RenderRaw("S", "Hi {{ who }}", map[string]any{"who": "there"})
	require.NoError(t, err)
	assert.Equal(t, "S", system)
	assert.Equal(t, "Hi there", user)
}

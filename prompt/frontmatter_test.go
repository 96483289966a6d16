package prompt

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const issueDoc = `---
name: issue-title
category: github
model: openai/gpt-4o-mini
provider: openrouter
temperature: 0.2
max_tokens: 120
system: You name GitHub issues.
---
Suggest a title for a bug in {{ repo_name }}.
`

func TestParseDocument(t *testing.T) {
	doc, err := ParseDocument(issueDoc)
	require.NoError(t, err)

	assert.Equal(t, "issue-title", doc.Metadata.Name)
	assert.Equal(t, "openrouter", doc.Metadata.Provider)
	require.NotNil(t, doc.Metadata.Temperature)
	assert.Equal(t, 0.2, *doc.Metadata.Temperature)
	assert.Equal(t, "Suggest a title for a bug in {{ repo_name }}.", doc.Body)

	tmpl := doc.Template("fallback")
	assert.Equal(t, "issue-title", tmpl.Name)
	assert.Equal(t, "You name GitHub issues.", tmpl.SystemPrompt)
}

func TestParseDocument_NoFrontmatter(t *testing.T) {
	doc, err := ParseDocument("Just a body with --- dashes inside\n")
	require.NoError(t, err)
	assert.Equal(t, "Just a body with --- dashes inside", doc.Body)
	assert.Equal(t, "fallback", doc.Template("fallback").Name)
}

func TestParseDocument_Errors(t *testing.T) {
	_, err := ParseDocument("---\nname: [unclosed\n---\nbody")
	assert.Error(t, err)

	_, err = ParseDocument("---\nname: only-header\n")
	assert.Error(t, err)
}

func TestImportFile(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	path := filepath.Join(t.TempDir(), "issue-title.md")

	require.NoError(t, os.WriteFile(path, []byte(issueDoc), 0644))
	res, err := store.ImportFile(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, ImportCreated, res.Action)
	assert.Equal(t, 1, res.Template.Version)

	res, err = store.ImportFile(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, ImportUnchanged, res.Action)

	changed := issueDoc + "Keep it under ten words.\n"
	require.NoError(t, os.WriteFile(path, []byte(changed), 0644))
	res, err = store.ImportFile(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, ImportVersioned, res.Action)
	assert.Equal(t, 2, res.Template.Version)
	assert.Contains(t, res.Template.UserPrompt, "ten words")
}

func TestImportDir(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	dir := t.TempDir()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "issue-title.md"), []byte(issueDoc), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "summary.md"), []byte("Summarize {{ text }}"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0644))

	results, err := store.ImportDir(ctx, dir)
	require.NoError(t, err)
	require.Len(t, results, 2)

	summary, err := store.Resolve(ctx, Ref{Name: "summary"})
	require.NoError(t, err)
	assert.Equal(t, "Summarize {{ text }}", summary.UserPrompt)
}

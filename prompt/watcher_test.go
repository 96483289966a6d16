package prompt

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestDirWatcher_ImportsChanges(t *testing.T) {
	store := newTestStore(t)
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "issue-title.md"), []byte(issueDoc), 0644))

	imported := make(chan *ImportResult, 16)
	w := NewDirWatcher(dir, store, 20*time.Millisecond, func(res *ImportResult) {
		imported <- res
	}, zaptest.NewLogger(t).Sugar())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	waitFor := func(action ImportAction) *ImportResult {
		t.Helper()
		deadline := time.After(5 * time.Second)
		for {
			select {
			case res := <-imported:
				if res.Action == action {
					return res
				}
			case <-deadline:
				t.Fatalf("timed out waiting for %s import", action)
				return nil
			}
		}
	}

	created := waitFor(ImportCreated)
	assert.Equal(t, "issue-title", created.Template.Name)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "issue-title.md"), []byte(issueDoc+"Be concise.\n"), 0644))
	versioned := waitFor(ImportVersioned)
	assert.Equal(t, 2, versioned.Template.Version)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not stop")
	}
}

func TestIsTemplateDocument(t *testing.T) {
	assert.True(t, isTemplateDocument("/p/issue.md"))
	assert.True(t, isTemplateDocument("README.MD"))
	assert.False(t, isTemplateDocument("/p/.issue.md"))
	assert.False(t, isTemplateDocument("/p/issue.md.swp"))
}

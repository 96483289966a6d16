package prompt

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/teranos/prompter/errors"
	"github.com/teranos/prompter/logger"
)

// ImportCallback is called after a watched document was imported
type ImportCallback func(*ImportResult)

// DirWatcher keeps a directory of template documents in sync with the
// store. Each changed *.md file is re-imported after a quiet period.
type DirWatcher struct {
	dir      string
	store    *Store
	logger   *zap.SugaredLogger
	debounce time.Duration
	onImport ImportCallback

	mu     sync.Mutex
	timers map[string]*time.Timer
	wg     sync.WaitGroup
}

// NewDirWatcher creates a watcher for dir. onImport may be nil.
func NewDirWatcher(dir string, store *Store, debounce time.Duration, onImport ImportCallback, log *zap.SugaredLogger) *DirWatcher {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}
	return &DirWatcher{
		dir:      dir,
		store:    store,
		logger:   log,
		debounce: debounce,
		onImport: onImport,
		timers:   make(map[string]*time.Timer),
	}
}

// Run imports the directory once, then watches it until ctx is done.
func (w *DirWatcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "failed to create fsnotify watcher")
	}
	defer watcher.Close()

	if err := watcher.Add(w.dir); err != nil {
		return errors.Wrapf(err, "failed to watch %s", w.dir)
	}

	results, err := w.store.ImportDir(ctx, w.dir)
	if err != nil {
		w.logger.Warnw("Initial template import incomplete", logger.FieldPath, w.dir, logger.FieldError, err)
	}
	for _, res := range results {
		w.report(res)
	}

	defer w.stopTimers()
	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !isTemplateDocument(event.Name) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				w.schedule(ctx, event.Name)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warnw("Template watcher error", logger.FieldError, err)
		}
	}
}

// schedule debounces rapid writes to the same file
func (w *DirWatcher) schedule(ctx context.Context, path string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if t, ok := w.timers[path]; ok {
		if t.Stop() {
			w.wg.Done()
		}
	}
	w.wg.Add(1)
	w.timers[path] = time.AfterFunc(w.debounce, func() {
		defer w.wg.Done()
		w.mu.Lock()
		delete(w.timers, path)
		w.mu.Unlock()

		res, err := w.store.ImportFile(ctx, path)
		if err != nil {
			w.logger.Errorw("Template import failed", logger.FieldFile, path, logger.FieldError, err)
			return
		}
		w.report(res)
	})
}

func (w *DirWatcher) report(res *ImportResult) {
	if res.Action != ImportUnchanged {
		w.logger.Infow("Template imported",
			logger.FieldFile, res.Path,
			logger.FieldTemplate, res.Template.Name,
			logger.FieldTemplateVersion, res.Template.Version,
			"action", string(res.Action),
		)
	}
	if w.onImport != nil {
		w.onImport(res)
	}
}

func (w *DirWatcher) stopTimers() {
	w.mu.Lock()
	for path, t := range w.timers {
		if t.Stop() {
			w.wg.Done()
		}
		delete(w.timers, path)
	}
	w.mu.Unlock()
	w.wg.Wait()
}

func isTemplateDocument(path string) bool {
	base := filepath.Base(path)
	return strings.EqualFold(filepath.Ext(base), ".md") && !strings.HasPrefix(base, ".")
}

package catalog

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/msageha/croc_campaign/internal/logging"
)

// Watcher records which catalog files changed on disk. The campaign loop
// drains the set at batch boundaries and reloads those catalogs; a task
// sequence already in progress is never altered.
type Watcher struct {
	watcher *fsnotify.Watcher
	log     *logging.Logger

	mu      sync.Mutex
	files   map[string]bool
	changed map[string]bool
	wg      sync.WaitGroup
}

// NewWatcher watches the directories holding paths. Directories are watched
// rather than files so editors that replace a file by rename are seen.
func NewWatcher(log *logging.Logger, paths ...string) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	w := &Watcher{
		watcher: fw,
		log:     log.With("catalog"),
		files:   make(map[string]bool),
		changed: make(map[string]bool),
	}
	dirs := map[string]bool{}
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			fw.Close()
			return nil, err
		}
		w.files[abs] = true
		dirs[filepath.Dir(abs)] = true
	}
	for dir := range dirs {
		if err := fw.Add(dir); err != nil {
			fw.Close()
			return nil, fmt.Errorf("watch %s: %w", dir, err)
		}
	}
	return w, nil
}

// Start runs the event loop until ctx is done or Close is called.
func (w *Watcher) Start(ctx context.Context) {
	w.wg.Add(1)
	go w.loop(ctx)
}

func (w *Watcher) loop(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			w.mark(event.Name)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Errorf("fsnotify error=%v", err)
		}
	}
}

func (w *Watcher) mark(name string) {
	abs, err := filepath.Abs(name)
	if err != nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.files[abs] {
		if !w.changed[abs] {
			w.log.Infof("catalog changed file=%s", abs)
		}
		w.changed[abs] = true
	}
}

// Changed reports whether path was modified since the last call and
// clears the mark.
func (w *Watcher) Changed(path string) bool {
	abs, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	c := w.changed[abs]
	delete(w.changed, abs)
	return c
}

func (w *Watcher) Close() error {
	err := w.watcher.Close()
	w.wg.Wait()
	return err
}

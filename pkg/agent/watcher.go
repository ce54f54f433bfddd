package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// Watcher hot-reloads agent definitions when their files change. Reload is
// best effort: a file that stops parsing keeps its previous definition.
type Watcher struct {
	loader  *Loader
	watcher *fsnotify.Watcher
	logger  *slog.Logger
	done    chan struct{}
}

// NewWatcher starts watching the loader's directory. Call Close to stop.
func NewWatcher(loader *Loader, logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := fsw.Add(loader.dir); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("watch %s: %w", loader.dir, err)
	}

	w := &Watcher{
		loader:  loader,
		watcher: fsw,
		logger:  logger,
		done:    make(chan struct{}),
	}
	go w.run()
	return w, nil
}

func (w *Watcher) run() {
	defer close(w.done)
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if !strings.HasSuffix(event.Name, ".md") {
				continue
			}
			if err := w.loader.LoadFile(context.Background(), event.Name); err != nil {
				w.logger.Warn("agent reload failed, keeping previous definition",
					"file", event.Name, "error", err)
				continue
			}
			w.logger.Info("agent reloaded", "file", event.Name)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("agent watcher error", "error", err)
		}
	}
}

// Close stops the watcher and waits for the event loop to exit.
func (w *Watcher) Close() error {
	err := w.watcher.Close()
	<-w.done
	return err
}

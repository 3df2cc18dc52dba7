package config

import (
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads the Store whenever the env file is written.
type Watcher struct {
	store    *Store
	path     string
	watcher  *fsnotify.Watcher
	debounce time.Duration
	done     chan struct{}
}

func NewWatcher(store *Store) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	path, err := filepath.Abs(store.Current().EnvFile)
	if err != nil {
		w.Close()
		return nil, err
	}
	return &Watcher{
		store:    store,
		path:     path,
		watcher:  w,
		debounce: 100 * time.Millisecond,
		done:     make(chan struct{}),
	}, nil
}

// Start watches the directory so editors that replace the file are seen too.
func (w *Watcher) Start() error {
	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return err
	}
	go w.loop()
	slog.Info("watching config file", "path", w.path)
	return nil
}

func (w *Watcher) Stop() {
	select {
	case <-w.done:
		return
	default:
		close(w.done)
	}
	w.watcher.Close()
}

func (w *Watcher) loop() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			// editors often write in several steps
			time.Sleep(w.debounce)
			if _, err := w.store.Reload(); err != nil {
				slog.Error("config reload failed", "path", w.path, "error", err)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			slog.Error("config watcher error", "error", err)
		case <-w.done:
			return
		}
	}
}

package sqlitebackend

import (
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/joeycumines/logiface"
)

// watcher calls reload whenever the database or its write-ahead log is
// written. The directory is watched, since SQLite creates and removes the
// auxiliary files.
type watcher struct {
	fs   *fsnotify.Watcher
	done chan struct{}
}

func startWatcher(path string, reload func(), logger *logiface.Logger[logiface.Event]) (*watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("sqlitebackend: watch %s: %w", path, err)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("sqlitebackend: watch %s: %w", path, err)
	}
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("sqlitebackend: watch %s: %w", path, err)
	}

	w := &watcher{fs: fw, done: make(chan struct{})}
	go w.run(abs, reload, logger)
	return w, nil
}

func (w *watcher) run(path string, reload func(), logger *logiface.Logger[logiface.Event]) {
	defer close(w.done)
	wal := path + "-wal"
	for {
		select {
		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if ev.Name != path && ev.Name != wal {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) {
				reload()
			}
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			logger.Warning().Err(err).Log("settings database watch error")
		}
	}
}

func (w *watcher) close() error {
	err := w.fs.Close()
	<-w.done
	return err
}

package config

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// watchDebounce collects the burst of events editors produce for one save.
const watchDebounce = 50 * time.Millisecond

// Watcher reloads a config file when it changes on disk.
type Watcher struct {
	watcher  *fsnotify.Watcher
	path     string
	onChange func(*Config, error)

	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
}

// Watch calls onChange with the reloaded configuration each time the file
// at path is written or replaced. A file that fails to load or validate is
// reported through the error argument and the previous configuration stays
// in force with the caller. Close stops watching.
func Watch(path string, onChange func(*Config, error)) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// Editors often replace the file, so the directory is watched.
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		_ = watcher.Close()
		return nil, err
	}

	w := &Watcher{
		watcher:  watcher,
		path:     abs,
		onChange: onChange,
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
	go w.watchLoop()
	return w, nil
}

// Close stops the watcher and waits for a reload in progress to finish.
func (w *Watcher) Close() error {
	var err error
	w.stopOnce.Do(func() {
		close(w.stopCh)
		err = w.watcher.Close()
		<-w.done
	})
	return err
}

func (w *Watcher) watchLoop() {
	defer close(w.done)

	debounce := time.NewTimer(0)
	<-debounce.C // drain initial timer

	for {
		select {
		case <-w.stopCh:
			debounce.Stop()
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			debounce.Reset(watchDebounce)

		case <-debounce.C:
			cfg, err := LoadFile(w.path)
			w.onChange(cfg, err)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.onChange(nil, err)
		}
	}
}

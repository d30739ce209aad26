package devserver

import (
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// ScriptWatcher reloads a script file whenever it changes on disk.
type ScriptWatcher struct {
	watcher  *fsnotify.Watcher
	path     string
	onChange func(*Script)
	log      zerolog.Logger

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// WatchScript watches path and calls onChange with every version that parses.
// Versions that fail to parse are logged and skipped.
func WatchScript(path string, onChange func(*Script), log zerolog.Logger) (*ScriptWatcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// Watch the directory: editors often replace the file instead of writing it.
	if err := w.Add(filepath.Dir(abs)); err != nil {
		w.Close()
		return nil, err
	}

	sw := &ScriptWatcher{
		watcher:  w,
		path:     abs,
		onChange: onChange,
		log:      log,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	go sw.run()
	return sw, nil
}

func (sw *ScriptWatcher) run() {
	defer close(sw.doneCh)

	for {
		select {
		case <-sw.stopCh:
			return
		case ev, ok := <-sw.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != sw.path {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				sw.reload()
			}
		case err, ok := <-sw.watcher.Errors:
			if !ok {
				return
			}
			sw.log.Error().Err(err).Msg("script watcher error")
		}
	}
}

func (sw *ScriptWatcher) reload() {
	script, err := LoadScript(sw.path)
	if err != nil {
		sw.log.Warn().Err(err).Msg("script reload skipped")
		return
	}
	sw.onChange(script)
}

// Stop stops watching.
func (sw *ScriptWatcher) Stop() error {
	sw.stopOnce.Do(func() { close(sw.stopCh) })
	<-sw.doneCh
	return sw.watcher.Close()
}

package migration

import (
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"pkt.systems/pslog"
	"pkt.systems/shardd/internal/loggingutil"
)

const watchDebounce = 100 * time.Millisecond

// Watcher observes the donor statedoc directory and invokes a callback
// when documents change, letting a node pick up migrations written by the
// donor state machine without restarting. Events are debounced so a burst
// of writes triggers one callback.
type Watcher struct {
	fsw    *fsnotify.Watcher
	logger pslog.Logger
	stop   chan struct{}
	done   chan struct{}
}

// WatchStateDocs starts watching dir. onChange runs on the watcher
// goroutine; it must not block for long.
func WatchStateDocs(dir string, onChange func(), logger pslog.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(dir); err != nil {
		_ = fsw.Close()
		return nil, err
	}
	w := &Watcher{
		fsw:    fsw,
		logger: loggingutil.EnsureLogger(logger),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go w.run(onChange)
	return w, nil
}

func (w *Watcher) run(onChange func()) {
	defer close(w.done)
	var pending *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			// Temp files are renamed into place; only published documents
			// matter.
			if !strings.HasSuffix(ev.Name, ".json") {
				continue
			}
			if pending == nil {
				pending = time.NewTimer(watchDebounce)
			} else {
				pending.Reset(watchDebounce)
			}
			fire = pending.C
		case <-fire:
			fire = nil
			w.logger.Debug("migration.statedocs.changed")
			onChange()
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("migration.statedocs.watch_error", "error", err)
		case <-w.stop:
			return
		}
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.stop)
	err := w.fsw.Close()
	<-w.done
	return err
}

// Package watch re-runs a callback when snapshot files change.
package watch

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const DefaultDebounce = 300 * time.Millisecond

// Watcher calls OnChange once per burst of writes to files matching Pattern
// inside Dirs. A burst ends after Debounce without further events.
type Watcher struct {
	Dirs     []string
	Pattern  string
	Debounce time.Duration
	OnChange func()
	Logger   *zap.Logger
}

// Run blocks until ctx is done or the underlying watcher fails.
func (w Watcher) Run(ctx context.Context) error {
	log := w.Logger
	if log == nil {
		log = zap.NewNop()
	}
	debounce := w.Debounce
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()
	for _, dir := range w.Dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
		if err := fw.Add(dir); err != nil {
			return err
		}
	}

	timer := time.NewTimer(debounce)
	if !timer.Stop() {
		<-timer.C
	}
	pending := false
	for {
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case evt, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if !w.matches(evt) {
				continue
			}
			log.Debug("snapshot changed", zap.String("path", evt.Name), zap.String("op", evt.Op.String()))
			if pending && !timer.Stop() {
				<-timer.C
			}
			timer.Reset(debounce)
			pending = true
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			log.Warn("watch error", zap.Error(err))
		case <-timer.C:
			pending = false
			w.OnChange()
		}
	}
}

func (w Watcher) matches(evt fsnotify.Event) bool {
	if !evt.Has(fsnotify.Write) && !evt.Has(fsnotify.Create) && !evt.Has(fsnotify.Rename) {
		return false
	}
	if w.Pattern == "" {
		return true
	}
	ok, _ := filepath.Match(w.Pattern, filepath.Base(evt.Name))
	return ok
}

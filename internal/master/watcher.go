package master

import (
	"context"
	"log/slog"
	"os"
	"time"
)

// configWatcher polls the master's config file for changes and invokes
// onChange when its mtime moves forward, giving an operator a file-drop
// alternative to SIGHUP for triggering a reload.
type configWatcher struct {
	path     string
	interval time.Duration
	log      *slog.Logger
	onChange func()

	cancel context.CancelFunc
}

func newConfigWatcher(path string, interval time.Duration, log *slog.Logger, onChange func()) *configWatcher {
	return &configWatcher{path: path, interval: interval, log: log, onChange: onChange}
}

func (w *configWatcher) start() {
	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel

	go func() {
		last, _ := w.modTime()
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				cur, err := w.modTime()
				if err != nil {
					continue
				}
				if cur.After(last) {
					last = cur
					w.log.Info("config file changed, triggering reload", "path", w.path)
					w.onChange()
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (w *configWatcher) stop() {
	if w.cancel != nil {
		w.cancel()
	}
}

func (w *configWatcher) modTime() (time.Time, error) {
	info, err := os.Stat(w.path)
	if err != nil {
		return time.Time{}, err
	}
	return info.ModTime(), nil
}

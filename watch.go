package rtpd

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"pkt.systems/pslog"
)

const watchDebounce = 250 * time.Millisecond

type configWatcher struct {
	w    *fsnotify.Watcher
	done chan struct{}
}

// WatchConfig re-runs Reload whenever the config file changes on disk.
// Editors tend to replace rather than rewrite files, so the watch covers
// the parent directory and filters events down to the config file name.
func (c *Core) WatchConfig() error {
	if c.cfgFile == "" {
		return fmt.Errorf("rtpd: core was not built from a file, nothing to watch")
	}
	if c.watcher != nil {
		return nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("rtpd: config watcher: %w", err)
	}
	dir := filepath.Dir(c.cfgFile)
	if err := w.Add(dir); err != nil {
		_ = w.Close()
		return fmt.Errorf("rtpd: watch %s: %w", dir, err)
	}
	cw := &configWatcher{w: w, done: make(chan struct{})}
	c.watcher = cw
	go cw.run(c.cfgFile, c.Reload, c.logger)
	c.logger.Info("core.watch", "file", c.cfgFile)
	return nil
}

func (cw *configWatcher) run(file string, reload func() error, logger pslog.Logger) {
	base := filepath.Base(file)
	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-cw.done:
			return
		case ev, ok := <-cw.w.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != base {
				continue
			}
			if !ev.Op.Has(fsnotify.Write) && !ev.Op.Has(fsnotify.Create) && !ev.Op.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(watchDebounce)
				fire = timer.C
			} else {
				timer.Reset(watchDebounce)
			}
		case <-fire:
			fire = nil
			timer = nil
			if err := reload(); err != nil {
				logger.Error("core.watch.reload_failed", "error", err)
			}
		case err, ok := <-cw.w.Errors:
			if !ok {
				return
			}
			logger.Warn("core.watch.error", "error", err)
		}
	}
}

func (cw *configWatcher) stop() {
	close(cw.done)
	_ = cw.w.Close()
}

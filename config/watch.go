package config

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/ZamarianPatrick/lazypig-plantcare/logx"
)

const reloadDebounce = 250 * time.Millisecond

// Watcher reloads the settings file whenever it changes on disk and hands the
// new settings to OnChange. Invalid files are logged and ignored.
type Watcher struct {
	Path     string
	Log      logx.Logger
	OnChange func(*Settings)
}

// Watch blocks until ctx is done. The parent directory is watched rather than
// the file itself so editors that replace the file on save are picked up.
func (w *Watcher) Watch(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()

	dir := filepath.Dir(w.Path)
	file := filepath.Base(w.Path)
	if err := fw.Add(dir); err != nil {
		return err
	}
	w.Log.Debug("settings watcher started", logx.String("path", w.Path))

	var (
		mu    sync.Mutex
		timer *time.Timer
	)
	defer func() {
		mu.Lock()
		if timer != nil {
			timer.Stop()
		}
		mu.Unlock()
	}()

	reload := func() {
		s, err := Load(w.Path)
		if err != nil {
			w.Log.Warn("settings reload rejected", logx.String("path", w.Path), logx.Err(err))
			return
		}
		w.Log.Info("settings reloaded", logx.String("path", w.Path))
		if w.OnChange != nil {
			w.OnChange(s)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if !strings.EqualFold(filepath.Base(ev.Name), file) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			mu.Lock()
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(reloadDebounce, reload)
			mu.Unlock()
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.Log.Warn("settings watch error", logx.Err(err))
		}
	}
}

package config

import (
	"log"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// watchDebounce coalesces the write bursts editors produce into one
// reload.
const watchDebounce = 250 * time.Millisecond

// Watch reloads the config file whenever it changes on disk and calls fn
// with each valid new configuration. Invalid edits are logged and skipped,
// the previous config stays in effect. The returned stop function ends the
// watch.
//
// The parent directory is watched rather than the file itself: editors
// that rename-and-replace would otherwise drop the watch on first save.
func Watch(path string, fn func(Config)) (stop func(), err error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	dir := filepath.Dir(path)
	if err := w.Add(dir); err != nil {
		w.Close()
		return nil, err
	}
	base := filepath.Base(path)

	done := make(chan struct{})
	go func() {
		var timer *time.Timer
		for {
			select {
			case <-done:
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Base(ev.Name) != base {
					continue
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
					continue
				}
				if timer != nil {
					timer.Stop()
				}
				timer = time.AfterFunc(watchDebounce, func() {
					cfg, err := Load(path)
					if err != nil {
						log.Printf("CONFIG: reload %s: %v", path, err)
						return
					}
					log.Printf("CONFIG: reloaded %s", path)
					fn(cfg)
				})
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.Printf("CONFIG: watch error: %v", err)
			}
		}
	}()

	return func() {
		close(done)
		w.Close()
	}, nil
}

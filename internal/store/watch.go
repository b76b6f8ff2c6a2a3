package store

import (
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

// Watch observes the accounts blob and invokes onChange after external
// modifications, debounced so editors and atomic renames fire once. Events
// caused by the store's own persists are suppressed via the write generation;
// re-minting session state on every self-write would orphan live sessions.
// The watcher stops when stop closes.
func (s *Store) Watch(stop <-chan struct{}, onChange func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	// Watch the directory: atomic rename replaces the file node, so watching
	// the file itself would lose the subscription after the first write.
	if err := watcher.Add(s.dir); err != nil {
		_ = watcher.Close()
		return err
	}

	go func() {
		defer watcher.Close()
		var timer *time.Timer
		target := filepath.Base(s.AccountsPath())
		var seen atomic.Uint64
		seen.Store(s.Generation())
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Base(ev.Name) != target {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if timer != nil {
					timer.Stop()
				}
				timer = time.AfterFunc(500*time.Millisecond, func() {
					// A generation advance since the last fire attributes the
					// burst to our own writes.
					gen := s.Generation()
					if seen.Swap(gen) != gen {
						return
					}
					onChange()
				})
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.WithError(err).Warn("store: watcher error")
			case <-stop:
				if timer != nil {
					timer.Stop()
				}
				return
			}
		}
	}()
	return nil
}

package roster

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const watchDebounce = 250 * time.Millisecond

// Watch reloads on changes to the rooms file and every resync interval until
// ctx is done. A non-positive interval disables the periodic resync.
func (r *Roster) Watch(ctx context.Context, resync time.Duration) error {
	if r.path == "" {
		return nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	// atomic saves swap the file by rename, so watch its directory
	target := filepath.Clean(r.path)
	if err := w.Add(filepath.Dir(target)); err != nil {
		w.Close()
		return err
	}

	go func() {
		defer w.Close()
		debounce := time.NewTimer(0)
		if !debounce.Stop() {
			<-debounce.C
		}
		var tick <-chan time.Time
		if resync > 0 {
			ticker := time.NewTicker(resync)
			defer ticker.Stop()
			tick = ticker.C
		}
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
					if !debounce.Stop() {
						select {
						case <-debounce.C:
						default:
						}
					}
					debounce.Reset(watchDebounce)
				}
			case <-debounce.C:
				r.reloadLogged(ctx)
			case <-tick:
				r.reloadLogged(ctx)
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				slog.Error("roster: watch error", "err", err)
			}
		}
	}()
	return nil
}

func (r *Roster) reloadLogged(ctx context.Context) {
	if _, err := r.Reload(ctx); err != nil {
		slog.Error("roster: reload failed", "err", err)
	}
}

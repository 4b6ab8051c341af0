package config

import (
	"context"
	"path/filepath"
	"slices"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
)

// reloadDelay collapses the burst of events editors produce for one save.
const reloadDelay = 100 * time.Millisecond

// Watch reloads the configuration at path whenever it changes and calls fn
// with the new configuration when its domain list differs from the previous
// one. Invalid revisions are logged and ignored. Watch blocks until ctx is
// done.
//
// The directory is watched rather than the file so that editors replacing
// the file by rename are seen.
func Watch(ctx context.Context, path string, fn func(*Config)) error {
	return Loader{}.Watch(ctx, path, fn)
}

// Watch is the Loader form of the package level Watch. The Loader's FS must
// be backed by the OS filesystem for change notifications to arrive.
func (l Loader) Watch(ctx context.Context, path string, fn func(*Config)) error {
	current, err := l.Load(path)
	if err != nil {
		return err
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "creating config watcher")
	}
	defer w.Close()

	if err := w.Add(filepath.Dir(path)); err != nil {
		return errors.Wrapf(err, "watching %q", path)
	}

	target := filepath.Clean(path)
	var (
		timer   *time.Timer
		pending <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			l.Logger.Warn().Err(err).Str("path", path).Msg("config watcher error")
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target || ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(reloadDelay)
			} else {
				timer.Reset(reloadDelay)
			}
			pending = timer.C
		case <-pending:
			pending = nil
			next, err := l.Load(path)
			if err != nil {
				l.Logger.Error().Err(err).Str("path", path).Msg("ignoring invalid config")
				continue
			}
			if slices.Equal(current.Domains, next.Domains) {
				l.Logger.Debug().Str("path", path).Msg("config changed without domain changes")
				current = next
				continue
			}
			added, removed := DiffDomains(current.Domains, next.Domains)
			l.Logger.Info().Strs("added", added).Strs("removed", removed).Msg("domains changed")
			current = next
			fn(next)
		}
	}
}

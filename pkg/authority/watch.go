package authority

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const reloadDelay = 500 * time.Millisecond

// Watch reloads the policy file whenever it changes until ctx is done. A
// policy that fails to compile is logged and the previous one stays active.
// The directory is watched rather than the file so editors that replace the
// file on save are followed.
func (a *PolicyAuthority) Watch(ctx context.Context) error {
	if a.path == "" {
		return fmt.Errorf("no policy file to watch")
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(a.path)); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", a.path, err)
	}

	go a.processEvents(ctx, watcher)

	a.logger.Info().Str("path", a.path).Msg("Started watching policy file")
	return nil
}

func (a *PolicyAuthority) processEvents(ctx context.Context, watcher *fsnotify.Watcher) {
	defer watcher.Close()

	target := filepath.Clean(a.path)
	var reloadTimer *time.Timer
	defer func() {
		if reloadTimer != nil {
			reloadTimer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			a.logger.Debug().
				Str("file", event.Name).
				Str("op", event.Op.String()).
				Msg("Policy file changed")

			if reloadTimer != nil {
				reloadTimer.Stop()
			}
			reloadTimer = time.AfterFunc(reloadDelay, func() {
				if err := a.reload(ctx); err != nil {
					a.logger.Error().Err(err).Msg("Failed to reload policy, keeping the previous one")
					return
				}
				a.logger.Info().Str("path", a.path).Msg("Policy reloaded")
			})

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			a.logger.Error().Err(err).Msg("Watcher error")
		}
	}
}

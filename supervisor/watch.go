package supervisor

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/ggoodman/devbridge-go/internal/logctx"
)

// Restarter is the part of a Supervisor that Watch drives.
type Restarter interface {
	Status() Status
	Restart(ctx context.Context) (Status, error)
}

var skipDirs = map[string]bool{
	".git":         true,
	"node_modules": true,
}

// Watch recursively watches paths and restarts r after a quiet period of
// debounce following any write, create, remove or rename. Runtimes that are
// not running are left alone. The watch is established before Watch returns
// and lives until ctx is done.
func Watch(ctx context.Context, r Restarter, paths []string, debounce time.Duration, log *slog.Logger) error {
	log = logctx.Wrap(log)
	if debounce <= 0 {
		debounce = DefaultWatchDebounce
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	for _, root := range paths {
		if err := addTree(w, root); err != nil {
			_ = w.Close()
			return fmt.Errorf("watch %s: %w", root, err)
		}
	}

	go func() {
		defer func() { _ = w.Close() }()

		timer := time.NewTimer(debounce)
		timer.Stop()

		for {
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Op&fsnotify.Create != 0 {
					if fi, err := os.Stat(ev.Name); err == nil && fi.IsDir() {
						_ = addTree(w, ev.Name)
					}
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
					continue
				}
				log.DebugContext(ctx, "watch.change", slog.String("path", ev.Name), slog.String("op", ev.Op.String()))
				timer.Reset(debounce)
			case <-timer.C:
				if r.Status().Phase != PhaseRunning {
					continue
				}
				log.InfoContext(ctx, "watch.restart")
				if _, err := r.Restart(ctx); err != nil {
					log.WarnContext(ctx, "watch.restart.fail", slog.String("err", err.Error()))
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.DebugContext(ctx, "watch.error", slog.String("err", err.Error()))
			}
		}
	}()
	return nil
}

func addTree(w *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if p == root {
				return err
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if p != root && skipDirs[d.Name()] {
			return filepath.SkipDir
		}
		return w.Add(p)
	})
}

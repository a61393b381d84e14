package store

import (
	"context"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watch evicts cached versions whose files change on disk, for instance when
// another process rewrites or removes them. It blocks until ctx is done.
func (s *ModelStore) Watch(ctx context.Context) error {
	return s.watch(ctx, nil)
}

func (s *ModelStore) watch(ctx context.Context, ready chan<- struct{}) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(s.dir); err != nil {
		return err
	}
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() {
			s.addDir(watcher, filepath.Join(s.dir, entry.Name()))
		}
	}
	s.logger.Info("watching models dir", zap.String("dir", s.dir))
	if ready != nil {
		close(ready)
	}

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			s.handleEvent(watcher, event)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn("models dir watcher error", zap.Error(err))
		}
	}
}

func (s *ModelStore) addDir(watcher *fsnotify.Watcher, dir string) {
	if err := watcher.Add(dir); err != nil {
		s.logger.Warn("watch model dir failed", zap.String("dir", dir), zap.Error(err))
	}
}

func (s *ModelStore) handleEvent(watcher *fsnotify.Watcher, event fsnotify.Event) {
	if event.Has(fsnotify.Create) && filepath.Dir(event.Name) == filepath.Clean(s.dir) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			s.addDir(watcher, event.Name)
			return
		}
	}
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) && !event.Has(fsnotify.Create) {
		return
	}
	if s.evict(event.Name) {
		s.logger.Info("model cache entry evicted",
			zap.String("file", event.Name),
			zap.String("op", event.Op.String()))
	}
}

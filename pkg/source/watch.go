package source

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/OFFIS-RIT/docgraph/pkg/common"
	"github.com/OFFIS-RIT/docgraph/pkg/logger"

	"github.com/fsnotify/fsnotify"
)

// Handler receives a document picked up by Watch.
type Handler func(ctx context.Context, doc common.Document) error

// Watch calls handle for every matching file created or rewritten in the
// folder until ctx is done. A file is handed over again only when its
// modification time changed. Read and handler errors are logged and do not
// stop the watch.
func (l *Local) Watch(ctx context.Context, handle Handler) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to initialize filesystem watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(l.dir); err != nil {
		return fmt.Errorf("watch %s: %w", l.dir, err)
	}
	logger.Info("[Source] Watching folder", "dir", l.dir, "extensions", l.exts)

	seen := make(map[string]time.Time)
	for {
		select {
		case <-ctx.Done():
			return nil
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("[Source] Watcher error", "dir", l.dir, "err", err)
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			if !l.matches(event.Name) {
				continue
			}
			info, err := os.Stat(event.Name)
			if err != nil || info.IsDir() {
				continue
			}
			if last, ok := seen[event.Name]; ok && last.Equal(info.ModTime()) {
				continue
			}
			seen[event.Name] = info.ModTime()

			doc, err := l.read(event.Name)
			if err != nil {
				logger.Warn("[Source] Failed to read file", "path", event.Name, "err", err)
				continue
			}
			if err := handle(ctx, doc); err != nil {
				if errors.Is(err, context.Canceled) {
					return nil
				}
				logger.Error("[Source] Failed to handle file", "path", filepath.Base(event.Name), "err", err)
			}
		}
	}
}

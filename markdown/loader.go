package markdown

import (
	"context"

	"github.com/fsnotify/fsnotify"

	"github.com/shardstore/occworker/internal/wlog"
)

// Watch starts an fsnotify watch on the rule directory so Reload runs
// promptly on a write instead of waiting for the next DoMarkdown call
// to notice the mtime change. It returns once ctx is canceled.
func (l *List) Watch(ctx context.Context) error {
	if l.path == "" {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(l.path); err != nil {
		return err
	}

	log := wlog.New("markdown")
	l.Reload()
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				l.Reload()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Printf("watch error on %s: %v", l.path, err)
		}
	}
}

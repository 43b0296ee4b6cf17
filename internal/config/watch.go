package config

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("config")

// Watch calls fn with the freshly loaded config every time the file at path
// is written or recreated, until ctx is done. Files that fail to load or
// validate are logged and skipped.
//
// The parent directory is watched rather than the file, so editors that
// save by rename are picked up too.
func Watch(ctx context.Context, path string, fn func(Config)) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		_ = w.Close()
		return fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}

	go func() {
		defer w.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != abs {
					continue
				}
				if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
					continue
				}
				cfg, err := Load(abs)
				if err != nil {
					log.Warnf("reload %s: %v", abs, err)
					continue
				}
				fn(cfg)
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.Warnf("watcher error: %v", err)
			}
		}
	}()
	return nil
}

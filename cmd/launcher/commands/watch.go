package commands

import (
	"context"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// isBuildFile reports whether a change to path can change the build model.
func isBuildFile(path string) bool {
	switch filepath.Ext(path) {
	case ".cue", ".star":
		return true
	}
	return false
}

// watchTree adds dir and its subdirectories to watcher, skipping hidden
// directories such as .git and the launcher's own state directory.
func watchTree(watcher *fsnotify.Watcher, dir string) error {
	return filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if p != dir && strings.HasPrefix(d.Name(), ".") {
			return filepath.SkipDir
		}
		return watcher.Add(p)
	})
}

// waitForChange blocks until a build file under dirs changed and no further
// change followed within delay.
func waitForChange(ctx context.Context, dirs []string, delay time.Duration) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	for _, dir := range dirs {
		if err := watchTree(watcher, dir); err != nil {
			log.Warn().Err(err).Str("dir", dir).Msg("Failed to watch directory")
		}
	}

	var settle <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-settle:
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("watcher closed")
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 || !isBuildFile(event.Name) {
				continue
			}
			log.Debug().Str("file", event.Name).Str("op", event.Op.String()).Msg("Build file changed")
			settle = time.After(delay)

		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("watcher closed")
			}
			log.Error().Err(err).Msg("Watcher error")
		}
	}
}

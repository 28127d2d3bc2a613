package scanner

import (
	"context"
	"io/fs"
	"log/slog"
	"path/filepath"
	"strings"
)

// Walker produces one consistent snapshot of the audio files under a folder.
type Walker struct {
	logger *slog.Logger
}

// NewWalker creates a walker.
func NewWalker(logger *slog.Logger) *Walker {
	return &Walker{logger: logger}
}

// Walk lists every audio file under root with its modification time.
// Hidden directories are skipped; unreadable entries are logged and skipped
// so one bad subtree cannot fail the whole scan. A failure on the root
// itself is fatal: an empty snapshot from an unreadable root would read as
// "every book was deleted", so the walk aborts instead.
func (w *Walker) Walk(ctx context.Context, root string) ([]fileEntry, error) {
	var entries []fileEntry

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if err != nil {
			if path == root || d == nil {
				return err
			}
			w.logger.Warn("skipping unreadable entry", "path", path, "error", err)
			if d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}

		if d.IsDir() {
			if path != root && strings.HasPrefix(d.Name(), ".") {
				return fs.SkipDir
			}
			return nil
		}

		if !audioExtensions[strings.ToLower(filepath.Ext(path))] {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			w.logger.Warn("skipping file without stat info", "path", path, "error", err)
			return nil
		}

		entries = append(entries, fileEntry{Path: path, ModTime: info.ModTime()})
		return nil
	})
	if err != nil {
		return nil, err
	}

	w.logger.Debug("filesystem snapshot complete", "root", root, "files", len(entries))
	return entries, nil
}

package syncer

import (
	"context"
	"io/fs"
	"path"
	"path/filepath"
	"time"

	"go.uber.org/zap"
)

// LocalFile is one regular file found under a sync folder
type LocalFile struct {
	Path    string
	RelPath string // slash-separated, relative to the folder root
	Size    int64
	ModTime time.Time
}

// Scan walks root and returns its regular files. Entries that vanish or
// cannot be read during the walk are logged and skipped. Symlinks and
// entries matching an exclude pattern are ignored.
func Scan(ctx context.Context, root string, exclude []string, logger *zap.Logger) ([]LocalFile, error) {
	var files []LocalFile

	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if err != nil {
			if p == root {
				return err
			}
			logger.Warn("Skipping unreadable entry", zap.String("path", p), zap.Error(err))
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if p == root {
			return nil
		}

		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)

		if excluded(rel, exclude) {
			if d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			logger.Warn("Skipping file", zap.String("path", p), zap.Error(err))
			return nil
		}

		files = append(files, LocalFile{
			Path:    p,
			RelPath: rel,
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return files, nil
}

// excluded matches patterns against the base name and the relative path
func excluded(rel string, patterns []string) bool {
	base := path.Base(rel)
	for _, pattern := range patterns {
		if ok, _ := path.Match(pattern, base); ok {
			return true
		}
		if ok, _ := path.Match(pattern, rel); ok {
			return true
		}
	}
	return false
}

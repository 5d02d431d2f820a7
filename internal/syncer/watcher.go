package syncer

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"s3drive/internal/checkpoint"
)

const (
	defaultInterval = 5 * time.Minute
	defaultDebounce = 2 * time.Second
)

// ErrNoFolders is returned by Watch when there is nothing to watch
var ErrNoFolders = errors.New("no enabled sync folders")

// Watch runs passes over the given folders, or every enabled folder when
// none are given, once at start, every Interval, and shortly after local
// changes settle. It returns nil when ctx ends.
func (r *Reconciler) Watch(ctx context.Context, folderIDs []int64) error {
	folders, err := r.watchedFolders(ctx, folderIDs)
	if err != nil {
		return err
	}
	if len(folders) == 0 {
		return ErrNoFolders
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	roots := make(map[int64]string, len(folders))
	ids := make([]int64, 0, len(folders))
	for _, f := range folders {
		root, err := filepath.Abs(f.LocalPath)
		if err != nil {
			return err
		}
		roots[f.ID] = root
		ids = append(ids, f.ID)
		r.watchTree(watcher, root)
	}

	interval := r.opts.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	debounce := r.opts.Debounce
	if debounce <= 0 {
		debounce = defaultDebounce
	}

	r.logger.Info("Watching sync folders",
		zap.Int("folders", len(folders)),
		zap.Duration("interval", interval),
		zap.Duration("debounce", debounce),
	)
	r.runPasses(ctx, ids)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	settle := time.NewTimer(debounce)
	settle.Stop()
	defer settle.Stop()

	dirty := make(map[int64]bool)
	for {
		select {
		case <-ctx.Done():
			return nil

		case <-ticker.C:
			r.runPasses(ctx, ids)

		case <-settle.C:
			pending := make([]int64, 0, len(dirty))
			for id := range dirty {
				pending = append(pending, id)
			}
			clear(dirty)
			sort.Slice(pending, func(i, j int) bool { return pending[i] < pending[j] })
			r.runPasses(ctx, pending)

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					r.watchTree(watcher, event.Name)
				}
			}

			id, rel := folderFor(roots, event.Name)
			if id == 0 || excluded(rel, r.opts.Exclude) {
				continue
			}
			dirty[id] = true
			settle.Reset(debounce)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			r.logger.Warn("File watcher error", zap.Error(err))
		}
	}
}

func (r *Reconciler) watchedFolders(ctx context.Context, folderIDs []int64) ([]*checkpoint.SyncFolder, error) {
	if len(folderIDs) == 0 {
		all, err := r.store.ListSyncFolders(ctx)
		if err != nil {
			return nil, err
		}
		var enabled []*checkpoint.SyncFolder
		for _, f := range all {
			if f.Enabled {
				enabled = append(enabled, f)
			}
		}
		return enabled, nil
	}

	folders := make([]*checkpoint.SyncFolder, 0, len(folderIDs))
	for _, id := range folderIDs {
		f, err := r.store.GetSyncFolder(ctx, id)
		if err != nil {
			return nil, err
		}
		if !f.Enabled {
			continue
		}
		folders = append(folders, f)
	}
	return folders, nil
}

func (r *Reconciler) runPasses(ctx context.Context, ids []int64) {
	for _, id := range ids {
		if ctx.Err() != nil {
			return
		}
		if _, err := r.ReconcileNow(ctx, id, false); err != nil && ctx.Err() == nil {
			r.logger.Error("Reconciliation failed", zap.Int64("folder_id", id), zap.Error(err))
		}
	}
}

// watchTree adds root and its subdirectories to the watcher. fsnotify does
// not watch recursively.
func (r *Reconciler) watchTree(watcher *fsnotify.Watcher, root string) {
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if d != nil && d.IsDir() && p != root {
				return fs.SkipDir
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if p != root {
			if rel, err := filepath.Rel(root, p); err == nil && excluded(filepath.ToSlash(rel), r.opts.Exclude) {
				return fs.SkipDir
			}
		}
		if err := watcher.Add(p); err != nil {
			r.logger.Warn("Failed to watch directory", zap.String("path", p), zap.Error(err))
		}
		return nil
	})
	if err != nil {
		r.logger.Warn("Failed to walk directory", zap.String("path", root), zap.Error(err))
	}
}

// folderFor maps a path to the folder with the longest matching root
func folderFor(roots map[int64]string, p string) (int64, string) {
	var (
		bestID   int64
		bestRoot string
	)
	for id, root := range roots {
		if p != root && !strings.HasPrefix(p, root+string(filepath.Separator)) {
			continue
		}
		if len(root) > len(bestRoot) {
			bestID, bestRoot = id, root
		}
	}
	if bestID == 0 {
		return 0, ""
	}

	rel, err := filepath.Rel(bestRoot, p)
	if err != nil {
		return 0, ""
	}
	return bestID, filepath.ToSlash(rel)
}

package syncer

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"s3drive/internal/checkpoint"
	"s3drive/internal/engine"
	"s3drive/internal/metrics"
	"s3drive/internal/storage"
)

// ErrFolderDisabled is returned when a pass is requested for a disabled folder
var ErrFolderDisabled = errors.New("sync folder is disabled")

// Store is the persistence the reconciler needs
type Store interface {
	checkpoint.SyncStore
	checkpoint.ListingCache
	FindOpenTransfer(ctx context.Context, dir checkpoint.Direction, localPath, remoteKey string) (*checkpoint.TransferRecord, error)
}

// Uploader submits uploads to the transfer engine
type Uploader interface {
	StartUpload(ctx context.Context, localPath, remoteKey string, opts ...engine.StartOption) (string, error)
}

// Options configures the reconciler
type Options struct {
	Exclude        []string
	ConflictPolicy ConflictPolicy
	CacheTTL       time.Duration
	Interval       time.Duration
	Debounce       time.Duration
}

// Report summarizes one reconciliation pass
type Report struct {
	FolderID      int64     `json:"folder_id"`
	Scanned       int       `json:"scanned"`
	Uploads       int       `json:"uploads"`
	Skipped       int       `json:"skipped"`
	Conflicts     int       `json:"conflicts"`
	AlreadyQueued int       `json:"already_queued"`
	Failed        int       `json:"failed"`
	Queued        []string  `json:"queued,omitempty"`
	Actions       []Action  `json:"actions"`
	StartedAt     time.Time `json:"started_at"`
	FinishedAt    time.Time `json:"finished_at"`
}

// Reconciler compares sync folders with their remote prefixes and submits
// the uploads needed for a one-way backup
type Reconciler struct {
	store    Store
	uploader Uploader
	remote   *RemoteIndex
	metrics  *metrics.Collector
	logger   *zap.Logger
	opts     Options
	now      func() time.Time

	// one pass at a time
	passMu sync.Mutex
}

// NewReconciler creates a reconciler
func NewReconciler(
	store Store,
	client storage.Client,
	uploader Uploader,
	metricsCollector *metrics.Collector,
	logger *zap.Logger,
	opts Options,
) *Reconciler {
	if !opts.ConflictPolicy.Valid() {
		opts.ConflictPolicy = PolicyAsk
	}
	return &Reconciler{
		store:    store,
		uploader: uploader,
		remote:   NewRemoteIndex(client, store, opts.CacheTTL, logger),
		metrics:  metricsCollector,
		logger:   logger,
		opts:     opts,
		now:      time.Now,
	}
}

// Reconcile computes the actions for folder using the cached remote listing
// when it is fresh
func (r *Reconciler) Reconcile(ctx context.Context, folder *checkpoint.SyncFolder) ([]Action, error) {
	return r.reconcile(ctx, folder, false)
}

func (r *Reconciler) reconcile(ctx context.Context, folder *checkpoint.SyncFolder, refresh bool) ([]Action, error) {
	logger := r.logger.With(zap.Int64("folder_id", folder.ID), zap.String("local_path", folder.LocalPath))

	root, err := filepath.Abs(folder.LocalPath)
	if err != nil {
		return nil, err
	}

	files, err := Scan(ctx, root, r.opts.Exclude, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to scan %s: %w", root, err)
	}

	prefix := NormalizePrefix(folder.RemotePrefix)
	listing, err := r.remote.Listing(ctx, prefix, refresh)
	if err != nil {
		return nil, err
	}

	states, err := r.store.GetSyncStates(ctx, folder.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load sync state: %w", err)
	}

	actions := make([]Action, 0, len(files))
	for _, file := range files {
		key := RemoteKey(prefix, file.RelPath)

		var remote *checkpoint.RemoteEntry
		if entry, ok := listing[key]; ok {
			remote = &entry
		}
		var state *checkpoint.SyncState
		if st, ok := states[file.RelPath]; ok {
			state = &st
		}

		action, err := decide(file, key, remote, state, r.opts.ConflictPolicy)
		if err != nil {
			logger.Warn("Skipping file", zap.String("path", file.Path), zap.Error(err))
			continue
		}
		actions = append(actions, action)
	}
	return actions, nil
}

// ReconcileNow runs a pass over one folder and submits its uploads to the
// engine. Keys that already have an open transfer are not submitted again.
func (r *Reconciler) ReconcileNow(ctx context.Context, folderID int64, refresh bool) (*Report, error) {
	r.passMu.Lock()
	defer r.passMu.Unlock()

	folder, err := r.store.GetSyncFolder(ctx, folderID)
	if err != nil {
		return nil, err
	}
	if !folder.Enabled {
		return nil, fmt.Errorf("%w: %d", ErrFolderDisabled, folderID)
	}

	report := &Report{FolderID: folderID, StartedAt: r.now()}
	logger := r.logger.With(zap.Int64("folder_id", folderID))

	actions, err := r.reconcile(ctx, folder, refresh)
	if err != nil {
		return nil, err
	}
	report.Scanned = len(actions)
	report.Actions = actions

	for _, action := range actions {
		r.metrics.IncReconcileAction(string(action.Kind))

		switch action.Kind {
		case ActionSkip:
			report.Skipped++
			continue
		case ActionConflict:
			report.Conflicts++
			logger.Warn("Sync conflict", zap.String("path", action.RelPath), zap.String("reason", action.Reason))
			continue
		}

		report.Uploads++
		_, err := r.store.FindOpenTransfer(ctx, checkpoint.DirectionUpload, action.LocalPath, action.RemoteKey)
		if err == nil {
			report.AlreadyQueued++
			continue
		}
		if !errors.Is(err, checkpoint.ErrNotFound) {
			return nil, err
		}

		id, err := r.uploader.StartUpload(ctx, action.LocalPath, action.RemoteKey,
			engine.WithSyncSource(folderID, action.file.ModTime))
		if err != nil {
			report.Failed++
			logger.Error("Failed to submit upload", zap.String("path", action.LocalPath), zap.Error(err))
			continue
		}
		report.Queued = append(report.Queued, id)
		logger.Debug("Queued upload",
			zap.String("path", action.RelPath),
			zap.String("reason", action.Reason),
			zap.String("transfer_id", id),
		)
	}

	report.FinishedAt = r.now()
	if err := r.store.MarkSynced(ctx, folderID, report.FinishedAt); err != nil {
		return nil, err
	}

	logger.Info("Reconciliation finished",
		zap.Int("scanned", report.Scanned),
		zap.Int("uploads", report.Uploads),
		zap.Int("queued", len(report.Queued)),
		zap.Int("skipped", report.Skipped),
		zap.Int("conflicts", report.Conflicts),
		zap.Int("failed", report.Failed),
	)
	return report, nil
}

// OnTransferCompleted records the sync state of an upload submitted by a
// sync pass and refreshes its cached listing row
func (r *Reconciler) OnTransferCompleted(ctx context.Context, t *checkpoint.TransferRecord) {
	if t.Direction != checkpoint.DirectionUpload || t.SyncFolderID == 0 {
		return
	}
	logger := r.logger.With(zap.String("transfer_id", t.ID), zap.Int64("folder_id", t.SyncFolderID))

	folder, err := r.store.GetSyncFolder(ctx, t.SyncFolderID)
	if err != nil {
		logger.Warn("Sync folder of completed transfer is gone", zap.Error(err))
		return
	}

	root, err := filepath.Abs(folder.LocalPath)
	if err != nil {
		logger.Error("Failed to resolve sync folder", zap.Error(err))
		return
	}
	rel, err := filepath.Rel(root, t.LocalPath)
	if err != nil {
		logger.Error("Completed transfer is outside its sync folder", zap.Error(err))
		return
	}

	err = r.store.SaveSyncState(ctx, checkpoint.SyncState{
		FolderID: folder.ID,
		RelPath:  filepath.ToSlash(rel),
		Size:     t.TotalSize,
		ModTime:  t.SourceModTime,
		ETag:     t.RemoteETag,
		SyncedAt: r.now(),
	})
	if err != nil {
		logger.Error("Failed to save sync state", zap.Error(err))
		return
	}

	lastModified := t.CompletedAt
	if lastModified.IsZero() {
		lastModified = r.now()
	}
	err = r.store.UpsertListingEntry(ctx, NormalizePrefix(folder.RemotePrefix), checkpoint.RemoteEntry{
		Key:          t.RemoteKey,
		Size:         t.TotalSize,
		ETag:         t.RemoteETag,
		LastModified: lastModified,
	})
	if err != nil {
		logger.Error("Failed to update cached listing", zap.Error(err))
	}
}

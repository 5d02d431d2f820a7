package engine

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"sort"
	"time"

	"go.uber.org/zap"

	"s3drive/internal/checkpoint"
	"s3drive/internal/storage"
	"s3drive/internal/worker"
)

const partialSuffix = ".partial"

var plainETag = regexp.MustCompile(`^[0-9a-f]{32}$`)

// PartialPath returns where a download of localPath stages its bytes
func PartialPath(localPath string) string {
	return localPath + partialSuffix
}

// execute drives one transfer until it completes, fails, stops, or the
// engine closes. The run holds the transfer's lease throughout and renews it
// from a heartbeat that also picks up stop requests from other processes.
func (e *Engine) execute(r *run) {
	defer e.wg.Done()
	defer func() {
		e.mu.Lock()
		delete(e.running, r.id)
		e.mu.Unlock()
		close(r.done)
	}()

	ctx := e.ctx
	logger := e.logger.With(zap.String("transfer_id", r.id))

	acquired, err := e.store.AcquireLease(ctx, r.id, e.owner, e.leaseTTL)
	if err != nil {
		if ctx.Err() == nil {
			logger.Error("Failed to lease transfer", zap.Error(err))
		}
		return
	}
	if !acquired {
		logger.Info("Transfer is running in another process")
		return
	}
	defer func() {
		if err := e.store.ReleaseLease(context.WithoutCancel(ctx), r.id, e.owner); err != nil {
			logger.Warn("Failed to release lease", zap.Error(err))
		}
	}()

	t, err := e.store.GetTransfer(ctx, r.id)
	if err != nil {
		if ctx.Err() == nil {
			logger.Error("Failed to load transfer", zap.Error(err))
		}
		return
	}
	if e.stopRequested(ctx, logger, t) {
		return
	}

	switch t.State {
	case checkpoint.StatePending:
		if err := e.store.TransitionTransfer(ctx, t.ID, checkpoint.StateActive, ""); err != nil {
			logger.Error("Failed to activate transfer", zap.Error(err))
			return
		}
		t.State = checkpoint.StateActive
	case checkpoint.StateActive:
	default:
		logger.Debug("Transfer is not runnable", zap.String("state", string(t.State)))
		return
	}

	defer func() {
		if p := recover(); p != nil {
			logger.Error("Transfer panicked", zap.Any("panic", p), zap.Stack("stack"))
			e.fail(logger, t, fmt.Errorf("internal error: %v", p))
		}
	}()

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	hbDone := make(chan struct{})
	go e.heartbeat(hbCtx, logger, r, hbDone)
	defer func() {
		stopHeartbeat()
		<-hbDone
	}()

	e.progress.Track(t.ID, t.TotalSize, t.BytesTransferred, checkpoint.StateActive)
	logger.Info("Starting transfer",
		zap.String("direction", string(t.Direction)),
		zap.String("local_path", t.LocalPath),
		zap.String("remote_key", t.RemoteKey),
		zap.Int64("size", t.TotalSize),
		zap.Int64("already_transferred", t.BytesTransferred),
	)

	if err := e.prepare(ctx, logger, t); err != nil {
		e.finish(logger, r, t, err, true)
		return
	}

	// a pause withdrawn mid-run can leave parts unscheduled
	for pass := 1; ; pass++ {
		tasks, err := e.pendingTasks(ctx, t)
		if err != nil {
			e.finish(logger, r, t, err, true)
			return
		}
		if !e.finish(logger, r, t, e.pool.Run(ctx, tasks, r.stopped), pass > 1) {
			return
		}
	}
}

// stopRequested applies a stop request persisted while no run held the
// transfer. It reports true when the transfer must not run.
func (e *Engine) stopRequested(ctx context.Context, logger *zap.Logger, t *checkpoint.TransferRecord) bool {
	switch t.StopRequest {
	case checkpoint.StopCancel:
		if checkpoint.CanTransition(t.State, checkpoint.StateCancelled) {
			if err := e.cancelTransfer(ctx, logger, t); err != nil {
				logger.Error("Failed to cancel transfer", zap.Error(err))
			}
		}
		return true
	case checkpoint.StopPause:
		if pausable(t.State) {
			if err := e.store.TransitionTransfer(ctx, t.ID, checkpoint.StatePaused, ""); err != nil {
				logger.Error("Failed to pause transfer", zap.Error(err))
				return true
			}
			e.progress.SetState(t.ID, checkpoint.StatePaused)
			logger.Info("Transfer paused")
		}
		return true
	}
	return false
}

// heartbeat renews the run's lease and forwards persisted stop requests to
// the run. Losing the lease stops the run without touching the record.
func (e *Engine) heartbeat(ctx context.Context, logger *zap.Logger, r *run, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(e.leaseTTL / 3)
	defer ticker.Stop()

	seen := checkpoint.StopNone
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		t, err := e.store.RenewLease(ctx, r.id, e.owner, e.leaseTTL)
		switch {
		case errors.Is(err, checkpoint.ErrLeaseLost):
			logger.Warn("Transfer lease lost")
			e.applyStop(r, stopLost)
			return
		case err != nil:
			if ctx.Err() == nil {
				logger.Warn("Failed to renew lease", zap.Error(err))
			}
			continue
		}

		// only act on changes so a local resume is not undone by a stale read
		if t.StopRequest == seen {
			continue
		}
		seen = t.StopRequest
		switch seen {
		case checkpoint.StopPause:
			e.applyStop(r, stopPause)
		case checkpoint.StopCancel:
			e.applyStop(r, stopCancel)
		default:
			e.applyStop(r, stopNone)
		}
	}
}

// finish moves the transfer to the state implied by how its run ended. It
// reports true when unfinished parts should be scheduled again.
func (e *Engine) finish(logger *zap.Logger, r *run, t *checkpoint.TransferRecord, runErr error, lastPass bool) bool {
	persistCtx := context.WithoutCancel(e.ctx)

	e.mu.Lock()
	stop := r.stop.Load()
	r.settled = true
	e.mu.Unlock()

	switch stop {
	case stopLost:
		logger.Warn("Transfer taken over by another process")
		return false
	case stopCancel:
		if err := e.cancelTransfer(persistCtx, logger, t); err != nil {
			logger.Error("Failed to cancel transfer", zap.Error(err))
		}
		return false
	}

	var partErr *worker.PartError
	switch {
	case errors.As(runErr, &partErr):
		e.fail(logger, t, partErr)
		return false
	case runErr != nil && e.ctx.Err() != nil:
		// engine shutdown, leave active for ResumeInterrupted
		if err := e.store.RequeueParts(persistCtx, t.ID); err != nil {
			logger.Error("Failed to requeue parts", zap.Error(err))
		}
		logger.Info("Transfer interrupted")
		return false
	case runErr != nil:
		e.fail(logger, t, runErr)
		return false
	}

	parts, err := e.store.ListParts(persistCtx, t.ID)
	if err != nil {
		e.fail(logger, t, err)
		return false
	}
	if allCompleted(parts) {
		if err := e.complete(e.ctx, logger, t, parts); err != nil {
			if e.ctx.Err() != nil {
				logger.Info("Transfer interrupted before completion")
				return false
			}
			e.fail(logger, t, err)
		}
		return false
	}

	if stop == stopPause {
		if err := e.store.TransitionTransfer(persistCtx, t.ID, checkpoint.StatePaused, ""); err != nil {
			logger.Error("Failed to pause transfer", zap.Error(err))
			return false
		}
		e.progress.SetState(t.ID, checkpoint.StatePaused)
		logger.Info("Transfer paused")
		return false
	}

	if !lastPass {
		e.mu.Lock()
		r.settled = false
		e.mu.Unlock()
		return true
	}
	e.fail(logger, t, checkpoint.ErrIncomplete)
	return false
}

// prepare validates the source and the remote session before parts run
func (e *Engine) prepare(ctx context.Context, logger *zap.Logger, t *checkpoint.TransferRecord) error {
	if t.Direction == checkpoint.DirectionDownload {
		return preparePartial(t)
	}

	info, err := os.Stat(t.LocalPath)
	if err != nil {
		return fmt.Errorf("failed to stat source: %w", err)
	}
	if info.Size() != t.TotalSize {
		return fmt.Errorf("source %s changed size: expected %d bytes, found %d", t.LocalPath, t.TotalSize, info.Size())
	}

	if t.TotalSize <= t.PartSize {
		return nil
	}

	if t.SessionToken != "" {
		_, err := e.client.ListParts(ctx, t.RemoteKey, t.SessionToken)
		if err == nil {
			return nil
		}
		if !errors.Is(err, storage.ErrNoSuchUpload) {
			return fmt.Errorf("failed to validate upload session: %w", err)
		}

		logger.Warn("Upload session vanished, restarting all parts", zap.String("session", t.SessionToken))
		if err := e.store.ResetAllParts(ctx, t.ID); err != nil {
			return err
		}
		t.BytesTransferred = 0
	}

	var token string
	err = e.withRetry(ctx, logger, "Initiate multipart", func() error {
		var err error
		token, err = e.client.InitiateMultipart(ctx, t.RemoteKey)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to initiate multipart upload: %w", err)
	}
	if err := e.store.SetSessionToken(ctx, t.ID, token); err != nil {
		return err
	}
	t.SessionToken = token
	return nil
}

// preparePartial makes sure the staging file exists at full size
func preparePartial(t *checkpoint.TransferRecord) error {
	f, err := os.OpenFile(PartialPath(t.LocalPath), os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open partial file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	if info.Size() != t.TotalSize {
		if err := f.Truncate(t.TotalSize); err != nil {
			return fmt.Errorf("failed to allocate partial file: %w", err)
		}
	}
	return nil
}

// pendingTasks turns the transfer's unfinished parts into worker tasks,
// re-planning when the part rows are missing
func (e *Engine) pendingTasks(ctx context.Context, t *checkpoint.TransferRecord) ([]worker.Task, error) {
	if err := e.store.RequeueParts(ctx, t.ID); err != nil {
		return nil, err
	}

	parts, err := e.store.ListParts(ctx, t.ID)
	if err != nil {
		return nil, err
	}
	if len(parts) == 0 {
		plan, err := e.limits.Plan(t.TotalSize, t.PartSize)
		if err != nil {
			return nil, err
		}
		if err := e.store.InsertParts(ctx, t.ID, partRecords(t.ID, plan)); err != nil {
			return nil, err
		}
		if parts, err = e.store.ListParts(ctx, t.ID); err != nil {
			return nil, err
		}
	}

	localPath := t.LocalPath
	if t.Direction == checkpoint.DirectionDownload {
		localPath = PartialPath(t.LocalPath)
	}
	single := t.Direction == checkpoint.DirectionUpload && len(parts) == 1

	var tasks []worker.Task
	for _, p := range parts {
		if p.State != checkpoint.PartPending {
			continue
		}
		tasks = append(tasks, worker.Task{
			TransferID:   t.ID,
			Direction:    t.Direction,
			LocalPath:    localPath,
			RemoteKey:    t.RemoteKey,
			SessionToken: t.SessionToken,
			RemoteETag:   t.RemoteETag,
			Owner:        e.owner,
			Single:       single,
			PartNumber:   p.PartNumber,
			Offset:       p.Offset,
			Length:       p.Length,
		})
	}
	return tasks, nil
}

// complete finalizes the remote object or the local file and marks the
// transfer completed
func (e *Engine) complete(ctx context.Context, logger *zap.Logger, t *checkpoint.TransferRecord, parts []checkpoint.PartRecord) error {
	var etag string
	switch {
	case t.Direction == checkpoint.DirectionDownload:
		if err := e.finalizeDownload(ctx, t); err != nil {
			return err
		}
	case len(parts) == 1 && t.SessionToken == "":
		etag = parts[0].IntegrityTag
	default:
		var err error
		etag, err = e.completeMultipart(ctx, logger, t, manifest(parts))
		if err != nil {
			return err
		}
	}

	persistCtx := context.WithoutCancel(ctx)
	if err := e.store.CompleteTransfer(persistCtx, t.ID, etag); err != nil {
		return err
	}

	e.progress.SetState(t.ID, checkpoint.StateCompleted)
	e.metrics.IncTransfer(string(t.Direction), string(checkpoint.StateCompleted))
	logger.Info("Transfer completed",
		zap.String("remote_key", t.RemoteKey),
		zap.Int64("size", t.TotalSize),
		zap.String("etag", etag),
	)

	done, err := e.store.GetTransfer(persistCtx, t.ID)
	if err != nil {
		logger.Error("Failed to reload completed transfer", zap.Error(err))
		return nil
	}
	for _, hook := range e.completionHooks() {
		hook(persistCtx, done)
	}
	return nil
}

func (e *Engine) completeMultipart(ctx context.Context, logger *zap.Logger, t *checkpoint.TransferRecord, parts []storage.CompletedPart) (string, error) {
	var etag string
	err := e.withRetry(ctx, logger, "Complete multipart", func() error {
		var err error
		etag, err = e.client.CompleteMultipart(ctx, t.RemoteKey, t.SessionToken, parts)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("failed to complete multipart upload: %w", err)
	}
	return etag, nil
}

// withRetry calls fn until it succeeds, fails permanently, or runs out of
// attempts, backing off a little longer each time
func (e *Engine) withRetry(ctx context.Context, logger *zap.Logger, op string, fn func() error) error {
	var lastErr error
	for attempt := 1; attempt <= e.retries; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err
		if !storage.IsRetryable(err) || ctx.Err() != nil || attempt == e.retries {
			break
		}
		logger.Warn(op+" failed, retrying", zap.Int("attempt", attempt), zap.Error(err))

		timer := time.NewTimer(time.Duration(attempt) * 100 * time.Millisecond)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return lastErr
}

// finalizeDownload checks the whole-file digest when the remote etag is a
// plain MD5 and moves the partial file into place
func (e *Engine) finalizeDownload(ctx context.Context, t *checkpoint.TransferRecord) error {
	partial := PartialPath(t.LocalPath)

	if e.verify && plainETag.MatchString(t.RemoteETag) {
		sum, err := fileMD5(partial)
		if err != nil {
			return err
		}
		if sum != t.RemoteETag {
			if err := e.store.ResetAllParts(context.WithoutCancel(ctx), t.ID); err != nil {
				e.logger.Error("Failed to reset parts", zap.String("transfer_id", t.ID), zap.Error(err))
			}
			return &storage.IntegrityError{Expected: t.RemoteETag, Actual: sum}
		}
	}

	if err := os.Rename(partial, t.LocalPath); err != nil {
		return fmt.Errorf("failed to move %s into place: %w", partial, err)
	}
	return nil
}

// cancelTransfer aborts the remote session, drops part rows and partial
// data, and marks the transfer cancelled
func (e *Engine) cancelTransfer(ctx context.Context, logger *zap.Logger, t *checkpoint.TransferRecord) error {
	if t.Direction == checkpoint.DirectionUpload && t.SessionToken != "" {
		err := e.client.AbortMultipart(ctx, t.RemoteKey, t.SessionToken)
		if err != nil && !errors.Is(err, storage.ErrNoSuchUpload) {
			logger.Warn("Failed to abort multipart upload", zap.String("session", t.SessionToken), zap.Error(err))
		}
	}
	if t.Direction == checkpoint.DirectionDownload {
		if err := os.Remove(PartialPath(t.LocalPath)); err != nil && !os.IsNotExist(err) {
			logger.Warn("Failed to remove partial file", zap.Error(err))
		}
	}

	if err := e.store.DeleteParts(ctx, t.ID); err != nil {
		return err
	}
	if err := e.store.TransitionTransfer(ctx, t.ID, checkpoint.StateCancelled, ""); err != nil {
		return err
	}

	e.progress.SetState(t.ID, checkpoint.StateCancelled)
	e.metrics.IncTransfer(string(t.Direction), string(checkpoint.StateCancelled))
	logger.Info("Transfer cancelled")
	return nil
}

func (e *Engine) fail(logger *zap.Logger, t *checkpoint.TransferRecord, cause error) {
	persistCtx := context.WithoutCancel(e.ctx)
	if err := e.store.RequeueParts(persistCtx, t.ID); err != nil {
		logger.Error("Failed to requeue parts", zap.Error(err))
	}
	if err := e.store.TransitionTransfer(persistCtx, t.ID, checkpoint.StateFailed, cause.Error()); err != nil {
		logger.Error("Failed to mark transfer failed", zap.Error(err))
		return
	}

	e.progress.SetState(t.ID, checkpoint.StateFailed)
	e.metrics.IncTransfer(string(t.Direction), string(checkpoint.StateFailed))
	logger.Error("Transfer failed", zap.Error(cause))
}

// manifest lists completed parts in ascending part number order
func manifest(parts []checkpoint.PartRecord) []storage.CompletedPart {
	out := make([]storage.CompletedPart, 0, len(parts))
	for _, p := range parts {
		out = append(out, storage.CompletedPart{
			PartNumber: p.PartNumber,
			ETag:       p.IntegrityTag,
			Size:       p.Length,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PartNumber < out[j].PartNumber })
	return out
}

func allCompleted(parts []checkpoint.PartRecord) bool {
	if len(parts) == 0 {
		return false
	}
	for _, p := range parts {
		if p.State != checkpoint.PartCompleted {
			return false
		}
	}
	return true
}

func fileMD5(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	sum := md5.New()
	if _, err := io.Copy(sum, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(sum.Sum(nil)), nil
}

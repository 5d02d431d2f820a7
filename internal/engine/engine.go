package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"s3drive/internal/checkpoint"
	"s3drive/internal/chunk"
	"s3drive/internal/metrics"
	"s3drive/internal/progress"
	"s3drive/internal/storage"
	"s3drive/internal/worker"
)

var (
	ErrClosed           = errors.New("engine is closed")
	ErrNotRunning       = errors.New("transfer is not running")
	ErrRunningElsewhere = errors.New("transfer is running in another process")
)

const defaultLeaseTTL = 30 * time.Second

const (
	stopNone int32 = iota
	stopPause
	stopCancel
	stopLost
)

// run is one in-process execution of a transfer. settled is set, under the
// engine mutex, once finish has read the stop flag for its final decision.
type run struct {
	id      string
	stop    atomic.Int32
	done    chan struct{}
	settled bool
}

func (r *run) stopped() bool {
	return r.stop.Load() != stopNone
}

// Engine schedules uploads and downloads, persists their state, and resumes
// them after interruption
type Engine struct {
	store    checkpoint.TransferStore
	client   storage.Client
	pool     *worker.Pool
	progress *progress.Aggregator
	metrics  *metrics.Collector
	logger   *zap.Logger
	partSize int64
	limits   chunk.Limits
	retries  int
	verify   bool
	owner    string
	leaseTTL time.Duration
	now      func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	running map[string]*run
	hooks   []CompletionHook
	closed  bool
}

// New creates an engine. Transfers run until Close is called.
func New(
	store checkpoint.TransferStore,
	client storage.Client,
	aggregator *progress.Aggregator,
	metricsCollector *metrics.Collector,
	logger *zap.Logger,
	opts Options,
) *Engine {
	if opts.PartSize <= 0 {
		opts.PartSize = chunk.DefaultPartSize
	}
	if opts.Limits.MaxParts == 0 {
		opts.Limits = chunk.DefaultLimits
	}
	if opts.Worker.Retries <= 0 {
		opts.Worker.Retries = 1
	}
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = defaultLeaseTTL
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		store:    store,
		client:   client,
		pool:     worker.NewPool(opts.Worker, client, store, aggregator, metricsCollector, logger),
		progress: aggregator,
		metrics:  metricsCollector,
		logger:   logger,
		partSize: opts.PartSize,
		limits:   opts.Limits,
		retries:  opts.Worker.Retries,
		verify:   opts.Worker.VerifyChecksums,
		owner:    uuid.NewString(),
		leaseTTL: opts.LeaseTTL,
		now:      time.Now,
		ctx:      ctx,
		cancel:   cancel,
		running:  make(map[string]*run),
	}
}

// AddCompletionHook registers a callback for completed transfers
func (e *Engine) AddCompletionHook(hook CompletionHook) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.hooks = append(e.hooks, hook)
}

// StartUpload plans and persists an upload of localPath to remoteKey and
// starts it in the background. The returned id identifies the transfer.
func (e *Engine) StartUpload(ctx context.Context, localPath, remoteKey string, opts ...StartOption) (string, error) {
	if e.isClosed() {
		return "", ErrClosed
	}

	o := e.startOptions(opts)
	absPath, err := filepath.Abs(localPath)
	if err != nil {
		return "", err
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return "", fmt.Errorf("failed to stat source: %w", err)
	}
	if !info.Mode().IsRegular() {
		return "", fmt.Errorf("%s is not a regular file", absPath)
	}

	modTime := o.sourceModTime
	if modTime.IsZero() {
		modTime = info.ModTime()
	}

	t := &checkpoint.TransferRecord{
		ID:            uuid.NewString(),
		Direction:     checkpoint.DirectionUpload,
		LocalPath:     absPath,
		RemoteKey:     remoteKey,
		TotalSize:     info.Size(),
		SyncFolderID:  o.syncFolderID,
		SourceModTime: modTime,
	}
	if err := e.create(ctx, t, o); err != nil {
		return "", err
	}
	return t.ID, nil
}

// StartDownload fetches remoteKey into localPath in the background. Bytes land
// in a partial file that is renamed into place on completion.
func (e *Engine) StartDownload(ctx context.Context, remoteKey, localPath string, opts ...StartOption) (string, error) {
	if e.isClosed() {
		return "", ErrClosed
	}

	o := e.startOptions(opts)
	absPath, err := filepath.Abs(localPath)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(filepath.Dir(absPath)); err != nil {
		return "", fmt.Errorf("failed to stat destination directory: %w", err)
	}

	info, err := e.client.Head(ctx, remoteKey)
	if err != nil {
		return "", fmt.Errorf("failed to head %s: %w", remoteKey, err)
	}

	t := &checkpoint.TransferRecord{
		ID:         uuid.NewString(),
		Direction:  checkpoint.DirectionDownload,
		LocalPath:  absPath,
		RemoteKey:  remoteKey,
		TotalSize:  info.Size,
		RemoteETag: info.ETag,
	}
	if err := e.create(ctx, t, o); err != nil {
		return "", err
	}
	return t.ID, nil
}

// create plans parts, persists the transfer and launches it
func (e *Engine) create(ctx context.Context, t *checkpoint.TransferRecord, o startOptions) error {
	plan, err := e.limits.Plan(t.TotalSize, o.partSize)
	if err != nil {
		return fmt.Errorf("failed to plan %s: %w", t.LocalPath, err)
	}

	t.PartSize = plan[0].Length
	t.State = checkpoint.StatePending
	if err := e.store.CreateTransfer(ctx, t, partRecords(t.ID, plan)); err != nil {
		return fmt.Errorf("failed to persist transfer: %w", err)
	}

	e.metrics.IncTransfer(string(t.Direction), string(checkpoint.StatePending))
	e.progress.Track(t.ID, t.TotalSize, 0, checkpoint.StatePending)
	e.logger.Info("Transfer queued",
		zap.String("transfer_id", t.ID),
		zap.String("direction", string(t.Direction)),
		zap.String("local_path", t.LocalPath),
		zap.String("remote_key", t.RemoteKey),
		zap.Int64("size", t.TotalSize),
		zap.Int("parts", len(plan)),
	)
	if o.queueOnly {
		return nil
	}
	return e.launch(t.ID)
}

// Pause stops scheduling new parts. Parts in flight finish first, so the
// transfer reaches the paused state asynchronously. A transfer driven by
// another process gets a pause request that its owner acts on.
func (e *Engine) Pause(ctx context.Context, id string) error {
	if r := e.lookup(id); r != nil {
		if err := e.store.RequestStop(ctx, id, checkpoint.StopPause); err != nil {
			return err
		}
		e.applyStop(r, stopPause)
		return nil
	}

	held, err := e.withLease(ctx, id, func(t *checkpoint.TransferRecord) error {
		if !pausable(t.State) {
			return fmt.Errorf("%w: %s is %s", ErrNotRunning, id, t.State)
		}
		if err := e.store.TransitionTransfer(ctx, id, checkpoint.StatePaused, ""); err != nil {
			return err
		}
		e.progress.SetState(id, checkpoint.StatePaused)
		return nil
	})
	if err != nil || held {
		return err
	}

	t, err := e.store.GetTransfer(ctx, id)
	if err != nil {
		return err
	}
	if !pausable(t.State) {
		return fmt.Errorf("%w: %s is %s", ErrNotRunning, id, t.State)
	}
	return e.store.RequestStop(ctx, id, checkpoint.StopPause)
}

// Resume restarts a paused or interrupted transfer from its checkpoint
func (e *Engine) Resume(ctx context.Context, id string) error {
	if r := e.lookup(id); r != nil {
		resumed, err := e.resumeRunning(ctx, r)
		if err != nil || resumed {
			return err
		}
		// the run already committed to its outcome, start over from the record
		select {
		case <-r.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	held, err := e.withLease(ctx, id, func(t *checkpoint.TransferRecord) error {
		switch t.State {
		case checkpoint.StatePaused:
			return e.store.TransitionTransfer(ctx, id, checkpoint.StateActive, "")
		case checkpoint.StatePending, checkpoint.StateActive:
			return nil
		}
		return fmt.Errorf("%w: cannot resume %s transfer", checkpoint.ErrInvalidTransition, t.State)
	})
	if err != nil {
		return err
	}
	if !held {
		return e.resumeElsewhere(ctx, id)
	}
	return e.launch(id)
}

// resumeRunning withdraws a pause from a run in this process. It reports
// false when the run has settled and can no longer be steered.
func (e *Engine) resumeRunning(ctx context.Context, r *run) (bool, error) {
	e.mu.Lock()
	settled := r.settled
	cancelling := r.stop.Load() == stopCancel
	e.mu.Unlock()

	switch {
	case settled:
		return false, nil
	case cancelling:
		return false, fmt.Errorf("%w: %s is being cancelled", checkpoint.ErrInvalidTransition, r.id)
	}

	if err := e.store.RequestStop(ctx, r.id, checkpoint.StopNone); err != nil {
		return false, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if r.settled {
		return false, nil
	}
	r.stop.CompareAndSwap(stopPause, stopNone)
	return true, nil
}

// resumeElsewhere withdraws a pending pause request from a transfer another
// process drives
func (e *Engine) resumeElsewhere(ctx context.Context, id string) error {
	t, err := e.store.GetTransfer(ctx, id)
	if err != nil {
		return err
	}
	switch t.StopRequest {
	case checkpoint.StopCancel:
		return fmt.Errorf("%w: %s is being cancelled", checkpoint.ErrInvalidTransition, id)
	case checkpoint.StopPause:
		return e.store.RequestStop(ctx, id, checkpoint.StopNone)
	}
	return nil
}

// Cancel stops a transfer, aborts its remote session and discards partial
// data. Idle transfers are cancelled before Cancel returns.
func (e *Engine) Cancel(ctx context.Context, id string) error {
	if r := e.lookup(id); r != nil {
		if e.cancelRunning(ctx, r) {
			return nil
		}
		select {
		case <-r.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	held, err := e.withLease(ctx, id, func(t *checkpoint.TransferRecord) error {
		if !checkpoint.CanTransition(t.State, checkpoint.StateCancelled) {
			return fmt.Errorf("%w: cannot cancel %s transfer", checkpoint.ErrInvalidTransition, t.State)
		}
		return e.cancelTransfer(ctx, e.logger.With(zap.String("transfer_id", id)), t)
	})
	if err != nil || held {
		return err
	}

	t, err := e.store.GetTransfer(ctx, id)
	if err != nil {
		return err
	}
	if !checkpoint.CanTransition(t.State, checkpoint.StateCancelled) {
		return fmt.Errorf("%w: cannot cancel %s transfer", checkpoint.ErrInvalidTransition, t.State)
	}
	return e.store.RequestStop(ctx, id, checkpoint.StopCancel)
}

// cancelRunning flags a run in this process for cancellation. It reports
// false when the run has settled.
func (e *Engine) cancelRunning(ctx context.Context, r *run) bool {
	if err := e.store.RequestStop(ctx, r.id, checkpoint.StopCancel); err != nil {
		e.logger.Warn("Failed to persist cancel request", zap.String("transfer_id", r.id), zap.Error(err))
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if r.settled {
		return false
	}
	r.stop.Store(stopCancel)
	return true
}

// Retry requeues the failed parts of a failed transfer and starts it again
func (e *Engine) Retry(ctx context.Context, id string) error {
	held, err := e.withLease(ctx, id, func(t *checkpoint.TransferRecord) error {
		if t.State != checkpoint.StateFailed {
			return fmt.Errorf("%w: cannot retry %s transfer", checkpoint.ErrInvalidTransition, t.State)
		}
		if err := e.store.RetryFailedParts(ctx, id); err != nil {
			return err
		}
		if err := e.store.TransitionTransfer(ctx, id, checkpoint.StatePending, ""); err != nil {
			return err
		}
		e.progress.Track(id, t.TotalSize, t.BytesTransferred, checkpoint.StatePending)
		return nil
	})
	if err != nil {
		return err
	}
	if !held {
		return fmt.Errorf("%w: %s", ErrRunningElsewhere, id)
	}
	return e.launch(id)
}

// Remove deletes a transfer from the queue, cancelling it first if needed
func (e *Engine) Remove(ctx context.Context, id string) error {
	if r := e.lookup(id); r != nil {
		e.cancelRunning(ctx, r)
		select {
		case <-r.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	for {
		held, err := e.withLease(ctx, id, func(t *checkpoint.TransferRecord) error {
			if !t.State.Terminal() {
				if err := e.cancelTransfer(ctx, e.logger.With(zap.String("transfer_id", id)), t); err != nil {
					return err
				}
			}
			return e.store.DeleteTransfer(ctx, id)
		})
		if err != nil {
			return err
		}
		if held {
			e.progress.Forget(id)
			return nil
		}

		// another process owns it, have it cancel and wait for the lease
		if err := e.store.RequestStop(ctx, id, checkpoint.StopCancel); err != nil {
			return err
		}
		if _, err := e.waitElsewhere(ctx, id); err != nil {
			return err
		}
	}
}

// Wait blocks until the transfer stops running, here or in another process,
// and returns its state
func (e *Engine) Wait(ctx context.Context, id string) (checkpoint.TransferState, error) {
	if r := e.lookup(id); r != nil {
		select {
		case <-r.done:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return e.waitElsewhere(ctx, id)
}

// waitElsewhere polls the store until no other process holds the lease
func (e *Engine) waitElsewhere(ctx context.Context, id string) (checkpoint.TransferState, error) {
	ticker := time.NewTicker(e.leaseTTL / 3)
	defer ticker.Stop()

	for {
		t, err := e.store.GetTransfer(ctx, id)
		if err != nil {
			return "", err
		}
		if !t.LeasedBy(e.owner, e.now()) {
			return t.State, nil
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}
	}
}

// Get returns the summary of one transfer
func (e *Engine) Get(ctx context.Context, id string) (Summary, error) {
	t, err := e.store.GetTransfer(ctx, id)
	if err != nil {
		return Summary{}, err
	}
	return e.summarize(t), nil
}

// ListActiveTransfers returns every transfer that has not reached a terminal
// state, oldest first
func (e *Engine) ListActiveTransfers(ctx context.Context) ([]Summary, error) {
	transfers, err := e.store.ListTransfers(ctx,
		checkpoint.StatePending,
		checkpoint.StateActive,
		checkpoint.StatePaused,
		checkpoint.StateFailed,
	)
	if err != nil {
		return nil, err
	}

	summaries := make([]Summary, 0, len(transfers))
	for _, t := range transfers {
		summaries = append(summaries, e.summarize(t))
	}
	sort.SliceStable(summaries, func(i, j int) bool {
		return summaries[i].CreatedAt.Before(summaries[j].CreatedAt)
	})
	return summaries, nil
}

// Subscribe streams progress snapshots of one transfer
func (e *Engine) Subscribe(id string) (<-chan progress.Snapshot, func()) {
	return e.progress.Subscribe(id)
}

// SubscribeAll streams progress snapshots of every transfer
func (e *Engine) SubscribeAll() (<-chan progress.Snapshot, func()) {
	return e.progress.SubscribeAll()
}

// ResumeInterrupted restarts transfers left pending or active by a previous
// process and returns how many were launched. Transfers another live process
// holds are skipped.
func (e *Engine) ResumeInterrupted(ctx context.Context) (int, error) {
	transfers, err := e.store.ListTransfers(ctx, checkpoint.StatePending, checkpoint.StateActive)
	if err != nil {
		return 0, err
	}

	launched := 0
	now := e.now()
	for _, t := range transfers {
		if e.lookup(t.ID) != nil || t.LeasedBy(e.owner, now) {
			continue
		}
		e.progress.Track(t.ID, t.TotalSize, t.BytesTransferred, t.State)
		if err := e.launch(t.ID); err != nil {
			return launched, err
		}
		launched++
	}

	if launched > 0 {
		e.logger.Info("Resuming interrupted transfers", zap.Int("count", launched))
	}
	return launched, nil
}

// Close stops all running transfers and waits for their workers. Interrupted
// transfers stay active and are picked up by ResumeInterrupted.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	e.cancel()
	e.wg.Wait()
	return nil
}

func (e *Engine) launch(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return ErrClosed
	}
	if _, ok := e.running[id]; ok {
		return nil
	}

	r := &run{id: id, done: make(chan struct{})}
	e.running[id] = r
	e.wg.Add(1)
	go e.execute(r)
	return nil
}

// withLease runs fn on the freshly loaded transfer while holding its lease.
// It reports false without calling fn when another process holds the lease.
func (e *Engine) withLease(ctx context.Context, id string, fn func(t *checkpoint.TransferRecord) error) (bool, error) {
	owner := e.controlOwner()
	acquired, err := e.store.AcquireLease(ctx, id, owner, e.leaseTTL)
	if err != nil || !acquired {
		return false, err
	}
	defer func() {
		if err := e.store.ReleaseLease(context.WithoutCancel(ctx), id, owner); err != nil {
			e.logger.Warn("Failed to release lease", zap.String("transfer_id", id), zap.Error(err))
		}
	}()

	t, err := e.store.GetTransfer(ctx, id)
	if err != nil {
		return true, err
	}
	return true, fn(t)
}

// controlOwner is the lease owner for short state changes made outside a
// run, kept apart from the runs' owner so releasing it never drops a run's
// lease
func (e *Engine) controlOwner() string {
	return e.owner + "/control"
}

// applyStop moves a run's stop flag unless the run has settled. A pause
// never overrides a cancel.
func (e *Engine) applyStop(r *run, stop int32) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if r.settled {
		return
	}

	switch stop {
	case stopPause:
		r.stop.CompareAndSwap(stopNone, stopPause)
	case stopNone:
		r.stop.CompareAndSwap(stopPause, stopNone)
	default:
		r.stop.Store(stop)
	}
}

func (e *Engine) lookup(id string) *run {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running[id]
}

func (e *Engine) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

func (e *Engine) completionHooks() []CompletionHook {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]CompletionHook(nil), e.hooks...)
}

func (e *Engine) startOptions(opts []StartOption) startOptions {
	o := startOptions{partSize: e.partSize}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func (e *Engine) summarize(t *checkpoint.TransferRecord) Summary {
	s := Summary{
		ID:               t.ID,
		Direction:        t.Direction,
		LocalPath:        t.LocalPath,
		RemoteKey:        t.RemoteKey,
		State:            t.State,
		Total:            t.TotalSize,
		BytesTransferred: t.BytesTransferred,
		Error:            t.Error,
		Running:          e.lookup(t.ID) != nil || t.LeasedBy(e.owner, e.now()),
		CreatedAt:        t.CreatedAt,
	}
	if snap, ok := e.progress.Snapshot(t.ID); ok {
		if snap.BytesTransferred > s.BytesTransferred {
			s.BytesTransferred = snap.BytesTransferred
		}
		s.Speed = snap.Speed
		s.ETA = snap.ETA
	}
	return s
}

func pausable(state checkpoint.TransferState) bool {
	return state == checkpoint.StatePending || state == checkpoint.StateActive
}

func partRecords(id string, plan []chunk.Part) []checkpoint.PartRecord {
	parts := make([]checkpoint.PartRecord, len(plan))
	for i, p := range plan {
		parts[i] = checkpoint.PartRecord{
			TransferID: id,
			PartNumber: p.Number,
			Offset:     p.Offset,
			Length:     p.Length,
			State:      checkpoint.PartPending,
		}
	}
	return parts
}

package engine

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"s3drive/internal/checkpoint"
	"s3drive/internal/chunk"
	"s3drive/internal/metrics"
	"s3drive/internal/progress"
	"s3drive/internal/storage"
	"s3drive/internal/storage/storagetest"
	"s3drive/internal/worker"
)

const mib = 1 << 20

type fixture struct {
	t     *testing.T
	store *checkpoint.SQLiteStore
	mem   *storagetest.Memory
	opts  Options
	dir   string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store, err := checkpoint.NewSQLiteStore(context.Background(), filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	return &fixture{
		t:     t,
		store: store,
		mem:   storagetest.NewMemory(),
		dir:   t.TempDir(),
		opts: Options{
			PartSize: 10 * mib,
			Worker: worker.Config{
				Concurrency:        1,
				MaxConcurrentParts: 4,
				Retries:            3,
				RetryBackoffMs:     1,
				PartTimeout:        30 * time.Second,
				VerifyChecksums:    true,
			},
		},
	}
}

func (f *fixture) engine() *Engine {
	e := New(f.store, f.mem, progress.NewAggregator(progress.Options{}), metrics.New(), zaptest.NewLogger(f.t), f.opts)
	f.t.Cleanup(func() { e.Close() })
	return e
}

func (f *fixture) file(name string, size int) (string, []byte) {
	f.t.Helper()

	data := make([]byte, size)
	rand.New(rand.NewSource(int64(size))).Read(data)
	path := filepath.Join(f.dir, name)
	require.NoError(f.t, os.WriteFile(path, data, 0o644))
	return path, data
}

func (f *fixture) transfer(id string) *checkpoint.TransferRecord {
	f.t.Helper()
	rec, err := f.store.GetTransfer(context.Background(), id)
	require.NoError(f.t, err)
	return rec
}

func wait(t *testing.T, e *Engine, id string) checkpoint.TransferState {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	state, err := e.Wait(ctx, id)
	require.NoError(t, err)
	return state
}

func md5Hex(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}

// gate blocks the upload of one part until released
type gate struct {
	part     int
	reached  chan struct{}
	release  chan struct{}
	reachOne sync.Once
}

func newGate(part int) *gate {
	return &gate{part: part, reached: make(chan struct{}), release: make(chan struct{})}
}

func (g *gate) hook(ctx context.Context, _ string, partNumber, _ int) error {
	if partNumber != g.part {
		return nil
	}
	g.reachOne.Do(func() { close(g.reached) })
	select {
	case <-g.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func TestUploadCompletes(t *testing.T) {
	f := newFixture(t)
	f.opts.Worker.Concurrency = 3
	e := f.engine()

	path, data := f.file("video.bin", 25*mib)

	var hooked []*checkpoint.TransferRecord
	var mu sync.Mutex
	e.AddCompletionHook(func(_ context.Context, rec *checkpoint.TransferRecord) {
		mu.Lock()
		defer mu.Unlock()
		hooked = append(hooked, rec)
	})

	id, err := e.StartUpload(context.Background(), path, "backup/video.bin")
	require.NoError(t, err)
	assert.Equal(t, checkpoint.StateCompleted, wait(t, e, id))

	stored, ok := f.mem.Object("backup/video.bin")
	require.True(t, ok)
	assert.True(t, bytes.Equal(data, stored))

	rec := f.transfer(id)
	assert.Equal(t, int64(25*mib), rec.BytesTransferred)
	assert.NotEmpty(t, rec.RemoteETag)
	assert.False(t, rec.CompletedAt.IsZero())
	assert.Equal(t, 1, f.mem.Initiated())
	assert.Equal(t, 0, f.mem.OpenSessions())

	mu.Lock()
	require.Len(t, hooked, 1)
	assert.Equal(t, id, hooked[0].ID)
	assert.Equal(t, checkpoint.StateCompleted, hooked[0].State)
	mu.Unlock()

	snap, ok := e.progress.Snapshot(id)
	require.True(t, ok)
	assert.Equal(t, int64(25*mib), snap.BytesTransferred)
	assert.Equal(t, checkpoint.StateCompleted, snap.State)
}

func TestSmallUploadUsesSinglePut(t *testing.T) {
	f := newFixture(t)
	e := f.engine()

	path, data := f.file("notes.txt", 4096)

	id, err := e.StartUpload(context.Background(), path, "docs/notes.txt")
	require.NoError(t, err)
	assert.Equal(t, checkpoint.StateCompleted, wait(t, e, id))

	assert.Equal(t, 1, f.mem.Puts())
	assert.Equal(t, 0, f.mem.Initiated())
	assert.Equal(t, md5Hex(data), f.transfer(id).RemoteETag)
}

func TestZeroByteUploadIsRejected(t *testing.T) {
	f := newFixture(t)
	e := f.engine()

	path, _ := f.file("empty", 0)

	_, err := e.StartUpload(context.Background(), path, "empty")
	require.ErrorIs(t, err, chunk.ErrEmptyFile)

	transfers, err := f.store.ListTransfers(context.Background())
	require.NoError(t, err)
	assert.Empty(t, transfers)
}

func TestPauseAndResumeUploadsOnlyRemainingParts(t *testing.T) {
	f := newFixture(t)
	e := f.engine()
	ctx := context.Background()

	path, data := f.file("archive.tar", 25*mib)
	g := newGate(2)
	f.mem.OnUploadPart = g.hook

	id, err := e.StartUpload(ctx, path, "backup/archive.tar")
	require.NoError(t, err)

	<-g.reached
	require.NoError(t, e.Pause(ctx, id))
	close(g.release)

	assert.Equal(t, checkpoint.StatePaused, wait(t, e, id))
	assert.Equal(t, map[int]int{1: 1, 2: 1}, f.mem.UploadPartCalls())
	assert.Equal(t, int64(20*mib), f.transfer(id).BytesTransferred)

	f.mem.OnUploadPart = nil
	require.NoError(t, e.Resume(ctx, id))
	assert.Equal(t, checkpoint.StateCompleted, wait(t, e, id))

	assert.Equal(t, map[int]int{1: 1, 2: 1, 3: 1}, f.mem.UploadPartCalls())
	completed := f.mem.Completed()
	require.Len(t, completed, 1)
	require.Len(t, completed[0], 3)
	for i, p := range completed[0] {
		assert.Equal(t, i+1, p.PartNumber)
	}

	stored, ok := f.mem.Object("backup/archive.tar")
	require.True(t, ok)
	assert.True(t, bytes.Equal(data, stored))
}

func TestManifestIsOrderedByPartNumber(t *testing.T) {
	f := newFixture(t)
	f.opts.PartSize = 5 * mib
	f.opts.Worker.Concurrency = 4
	e := f.engine()

	path, _ := f.file("ordered.bin", 20*mib)
	f.mem.OnUploadPart = func(ctx context.Context, _ string, partNumber, _ int) error {
		// later parts finish first
		time.Sleep(time.Duration(5-partNumber) * 30 * time.Millisecond)
		return nil
	}

	id, err := e.StartUpload(context.Background(), path, "ordered.bin")
	require.NoError(t, err)
	assert.Equal(t, checkpoint.StateCompleted, wait(t, e, id))

	completed := f.mem.Completed()
	require.Len(t, completed, 1)
	var numbers []int
	for _, p := range completed[0] {
		numbers = append(numbers, p.PartNumber)
	}
	assert.Equal(t, []int{1, 2, 3, 4}, numbers)
}

func TestCancelRunningUploadAbortsSession(t *testing.T) {
	f := newFixture(t)
	e := f.engine()
	ctx := context.Background()

	path, _ := f.file("big.iso", 25*mib)
	g := newGate(2)
	f.mem.OnUploadPart = g.hook

	id, err := e.StartUpload(ctx, path, "big.iso")
	require.NoError(t, err)

	<-g.reached
	require.NoError(t, e.Cancel(ctx, id))
	close(g.release)

	assert.Equal(t, checkpoint.StateCancelled, wait(t, e, id))

	rec := f.transfer(id)
	assert.Equal(t, []string{rec.SessionToken}, f.mem.Aborted())
	assert.Equal(t, 0, f.mem.OpenSessions())
	assert.Zero(t, f.mem.UploadPartCalls()[3])

	parts, err := f.store.ListParts(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, parts)

	_, ok := f.mem.Object("big.iso")
	assert.False(t, ok)
}

func TestCancelPausedTransferIsSynchronous(t *testing.T) {
	f := newFixture(t)
	e := f.engine()
	ctx := context.Background()

	path, _ := f.file("paused.bin", 25*mib)
	g := newGate(1)
	f.mem.OnUploadPart = g.hook

	id, err := e.StartUpload(ctx, path, "paused.bin")
	require.NoError(t, err)
	<-g.reached
	require.NoError(t, e.Pause(ctx, id))
	close(g.release)
	require.Equal(t, checkpoint.StatePaused, wait(t, e, id))

	require.NoError(t, e.Cancel(ctx, id))
	assert.Equal(t, checkpoint.StateCancelled, f.transfer(id).State)
	assert.Equal(t, 0, f.mem.OpenSessions())

	err = e.Resume(ctx, id)
	assert.ErrorIs(t, err, checkpoint.ErrInvalidTransition)
}

func TestRetryExhaustionFailsTransfer(t *testing.T) {
	f := newFixture(t)
	f.opts.Worker.Retries = 2
	e := f.engine()
	ctx := context.Background()

	path, data := f.file("flaky.bin", 25*mib)
	f.mem.OnUploadPart = func(_ context.Context, _ string, partNumber, _ int) error {
		if partNumber == 2 {
			return minio.ErrorResponse{StatusCode: 503, Code: "SlowDown"}
		}
		return nil
	}

	id, err := e.StartUpload(ctx, path, "flaky.bin")
	require.NoError(t, err)
	assert.Equal(t, checkpoint.StateFailed, wait(t, e, id))

	rec := f.transfer(id)
	assert.Contains(t, rec.Error, "part 2")
	assert.Equal(t, 2, f.mem.UploadPartCalls()[2])
	assert.Equal(t, 1, f.mem.OpenSessions(), "session stays open for retry")

	summaries, err := e.ListActiveTransfers(ctx)
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	assert.Equal(t, checkpoint.StateFailed, summaries[0].State)

	f.mem.OnUploadPart = nil
	require.NoError(t, e.Retry(ctx, id))
	assert.Equal(t, checkpoint.StateCompleted, wait(t, e, id))

	stored, ok := f.mem.Object("flaky.bin")
	require.True(t, ok)
	assert.True(t, bytes.Equal(data, stored))
	assert.Equal(t, 1, f.mem.Initiated())
}

func TestPermanentErrorFailsWithoutRetry(t *testing.T) {
	f := newFixture(t)
	e := f.engine()

	path, _ := f.file("denied.bin", 25*mib)
	f.mem.OnUploadPart = func(context.Context, string, int, int) error {
		return minio.ErrorResponse{StatusCode: 403, Code: "AccessDenied"}
	}

	id, err := e.StartUpload(context.Background(), path, "denied.bin")
	require.NoError(t, err)
	assert.Equal(t, checkpoint.StateFailed, wait(t, e, id))

	assert.Equal(t, map[int]int{1: 1}, f.mem.UploadPartCalls())
	assert.Contains(t, f.transfer(id).Error, "part 1")
}

func TestRetryRejectsNonFailedTransfer(t *testing.T) {
	f := newFixture(t)
	e := f.engine()

	path, _ := f.file("ok.bin", 1024)
	id, err := e.StartUpload(context.Background(), path, "ok.bin")
	require.NoError(t, err)
	require.Equal(t, checkpoint.StateCompleted, wait(t, e, id))

	err = e.Retry(context.Background(), id)
	assert.ErrorIs(t, err, checkpoint.ErrInvalidTransition)
}

func TestResumeAfterRestart(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	path, data := f.file("restart.bin", 25*mib)
	g := newGate(3)
	f.mem.OnUploadPart = g.hook

	first := f.engine()
	id, err := first.StartUpload(ctx, path, "restart.bin")
	require.NoError(t, err)
	<-g.reached
	require.NoError(t, first.Close())

	rec := f.transfer(id)
	assert.Equal(t, checkpoint.StateActive, rec.State)
	assert.Equal(t, int64(20*mib), rec.BytesTransferred)

	f.mem.OnUploadPart = nil
	second := f.engine()
	launched, err := second.ResumeInterrupted(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, launched)
	assert.Equal(t, checkpoint.StateCompleted, wait(t, second, id))

	assert.Equal(t, map[int]int{1: 1, 2: 1, 3: 2}, f.mem.UploadPartCalls())
	assert.Equal(t, 1, f.mem.Initiated())

	stored, ok := f.mem.Object("restart.bin")
	require.True(t, ok)
	assert.True(t, bytes.Equal(data, stored))
}

func TestResumeWithVanishedSessionRestartsParts(t *testing.T) {
	f := newFixture(t)
	e := f.engine()
	ctx := context.Background()

	path, data := f.file("expired.bin", 25*mib)
	g := newGate(2)
	f.mem.OnUploadPart = g.hook

	id, err := e.StartUpload(ctx, path, "expired.bin")
	require.NoError(t, err)
	<-g.reached
	require.NoError(t, e.Pause(ctx, id))
	close(g.release)
	require.Equal(t, checkpoint.StatePaused, wait(t, e, id))

	f.mem.OnUploadPart = nil
	f.mem.DropSession(f.transfer(id).SessionToken)

	require.NoError(t, e.Resume(ctx, id))
	assert.Equal(t, checkpoint.StateCompleted, wait(t, e, id))

	assert.Equal(t, 2, f.mem.Initiated())
	assert.Equal(t, map[int]int{1: 2, 2: 2, 3: 1}, f.mem.UploadPartCalls())

	stored, ok := f.mem.Object("expired.bin")
	require.True(t, ok)
	assert.True(t, bytes.Equal(data, stored))
}

func TestChangedSourceFailsOnResume(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	path, _ := f.file("growing.log", 25*mib)
	g := newGate(2)
	f.mem.OnUploadPart = g.hook

	first := f.engine()
	id, err := first.StartUpload(ctx, path, "growing.log")
	require.NoError(t, err)
	<-g.reached
	require.NoError(t, first.Close())

	fh, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0)
	require.NoError(t, err)
	_, err = fh.Write([]byte("more"))
	require.NoError(t, err)
	require.NoError(t, fh.Close())

	f.mem.OnUploadPart = nil
	second := f.engine()
	_, err = second.ResumeInterrupted(ctx)
	require.NoError(t, err)

	assert.Equal(t, checkpoint.StateFailed, wait(t, second, id))
	assert.Contains(t, f.transfer(id).Error, "changed size")
}

func TestDownloadRoundTrip(t *testing.T) {
	f := newFixture(t)
	f.opts.PartSize = 1 * mib
	f.opts.Worker.Concurrency = 3
	e := f.engine()

	data := make([]byte, 3*mib+123)
	rand.New(rand.NewSource(7)).Read(data)
	etag := f.mem.SetObject("photos/raw.dng", data, time.Now())

	dest := filepath.Join(f.dir, "raw.dng")
	id, err := e.StartDownload(context.Background(), "photos/raw.dng", dest)
	require.NoError(t, err)
	assert.Equal(t, checkpoint.StateCompleted, wait(t, e, id))

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data, got))

	_, err = os.Stat(PartialPath(dest))
	assert.True(t, os.IsNotExist(err))
	assert.Equal(t, etag, f.transfer(id).RemoteETag)
}

func TestDownloadOfChangedObjectFails(t *testing.T) {
	f := newFixture(t)
	f.opts.PartSize = 1 * mib
	e := f.engine()
	ctx := context.Background()

	data := make([]byte, 3*mib)
	f.mem.SetObject("doc.pdf", data, time.Now())

	var once sync.Once
	f.mem.OnGetRange = func(context.Context, string, int64, int) error {
		once.Do(func() { f.mem.SetObject("doc.pdf", append(data, 1), time.Now()) })
		return nil
	}

	dest := filepath.Join(f.dir, "doc.pdf")
	id, err := e.StartDownload(ctx, "doc.pdf", dest)
	require.NoError(t, err)
	assert.Equal(t, checkpoint.StateFailed, wait(t, e, id))

	_, err = os.Stat(dest)
	assert.True(t, os.IsNotExist(err))

	require.NoError(t, e.Cancel(ctx, id))
	_, err = os.Stat(PartialPath(dest))
	assert.True(t, os.IsNotExist(err))
}

func TestDownloadMissingObject(t *testing.T) {
	f := newFixture(t)
	e := f.engine()

	_, err := e.StartDownload(context.Background(), "missing", filepath.Join(f.dir, "missing"))
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestRemoveDeletesTransfer(t *testing.T) {
	f := newFixture(t)
	e := f.engine()
	ctx := context.Background()

	path, _ := f.file("remove.bin", 25*mib)
	g := newGate(1)
	f.mem.OnUploadPart = g.hook

	id, err := e.StartUpload(ctx, path, "remove.bin")
	require.NoError(t, err)
	<-g.reached

	done := make(chan error, 1)
	go func() { done <- e.Remove(ctx, id) }()
	close(g.release)
	require.NoError(t, <-done)

	_, err = f.store.GetTransfer(ctx, id)
	assert.ErrorIs(t, err, checkpoint.ErrNotFound)
	assert.Equal(t, 0, f.mem.OpenSessions())

	_, ok := e.progress.Snapshot(id)
	assert.False(t, ok)
}

func TestPauseFinishedTransfer(t *testing.T) {
	f := newFixture(t)
	e := f.engine()

	path, _ := f.file("done.bin", 1024)
	id, err := e.StartUpload(context.Background(), path, "done.bin")
	require.NoError(t, err)
	require.Equal(t, checkpoint.StateCompleted, wait(t, e, id))

	err = e.Pause(context.Background(), id)
	assert.ErrorIs(t, err, ErrNotRunning)
}

func TestStartAfterClose(t *testing.T) {
	f := newFixture(t)
	e := f.engine()
	require.NoError(t, e.Close())

	path, _ := f.file("late.bin", 1024)
	_, err := e.StartUpload(context.Background(), path, "late.bin")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestSyncSourceIsRecorded(t *testing.T) {
	f := newFixture(t)
	e := f.engine()

	path, _ := f.file("synced.txt", 2048)
	mtime := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	id, err := e.StartUpload(context.Background(), path, "sync/synced.txt", WithSyncSource(42, mtime))
	require.NoError(t, err)
	require.Equal(t, checkpoint.StateCompleted, wait(t, e, id))

	rec := f.transfer(id)
	assert.Equal(t, int64(42), rec.SyncFolderID)
	assert.True(t, mtime.Equal(rec.SourceModTime))
}

func TestPauseFromAnotherEngineReachesOwner(t *testing.T) {
	f := newFixture(t)
	f.opts.LeaseTTL = 300 * time.Millisecond
	ctx := context.Background()

	path, data := f.file("shared.bin", 25*mib)
	g := newGate(2)
	f.mem.OnUploadPart = g.hook

	owner := f.engine()
	other := f.engine()

	id, err := owner.StartUpload(ctx, path, "shared.bin")
	require.NoError(t, err)
	<-g.reached

	require.NoError(t, other.Pause(ctx, id))
	assert.Equal(t, checkpoint.StateActive, f.transfer(id).State, "only the owner moves a running transfer")
	assert.Equal(t, checkpoint.StopPause, f.transfer(id).StopRequest)

	require.Eventually(t, func() bool {
		r := owner.lookup(id)
		return r != nil && r.stop.Load() == stopPause
	}, 5*time.Second, 10*time.Millisecond)
	close(g.release)

	assert.Equal(t, checkpoint.StatePaused, wait(t, owner, id))
	assert.Equal(t, map[int]int{1: 1, 2: 1}, f.mem.UploadPartCalls())
	assert.Empty(t, f.mem.Completed())

	rec := f.transfer(id)
	assert.Empty(t, rec.Owner)
	assert.Equal(t, checkpoint.StopNone, rec.StopRequest)

	require.NoError(t, other.Resume(ctx, id))
	assert.Equal(t, checkpoint.StateCompleted, wait(t, other, id))
	assert.Equal(t, map[int]int{1: 1, 2: 1, 3: 1}, f.mem.UploadPartCalls())
	assert.Equal(t, 1, f.mem.Initiated())

	stored, ok := f.mem.Object("shared.bin")
	require.True(t, ok)
	assert.True(t, bytes.Equal(data, stored))
}

func TestResumeInterruptedSkipsLeasedTransfers(t *testing.T) {
	f := newFixture(t)
	f.opts.LeaseTTL = 300 * time.Millisecond
	ctx := context.Background()

	path, _ := f.file("busy.bin", 25*mib)
	g := newGate(2)
	f.mem.OnUploadPart = g.hook

	owner := f.engine()
	other := f.engine()

	id, err := owner.StartUpload(ctx, path, "busy.bin")
	require.NoError(t, err)
	<-g.reached

	launched, err := other.ResumeInterrupted(ctx)
	require.NoError(t, err)
	assert.Zero(t, launched)

	summary, err := other.Get(ctx, id)
	require.NoError(t, err)
	assert.True(t, summary.Running)

	close(g.release)
	assert.Equal(t, checkpoint.StateCompleted, wait(t, other, id))
	assert.Equal(t, map[int]int{1: 1, 2: 1, 3: 1}, f.mem.UploadPartCalls())
}

func TestCancelFromAnotherEngine(t *testing.T) {
	f := newFixture(t)
	f.opts.LeaseTTL = 300 * time.Millisecond
	ctx := context.Background()

	path, _ := f.file("doomed.bin", 25*mib)
	g := newGate(2)
	f.mem.OnUploadPart = g.hook

	owner := f.engine()
	other := f.engine()

	id, err := owner.StartUpload(ctx, path, "doomed.bin")
	require.NoError(t, err)
	<-g.reached

	require.NoError(t, other.Cancel(ctx, id))
	require.Eventually(t, func() bool {
		r := owner.lookup(id)
		return r != nil && r.stop.Load() == stopCancel
	}, 5*time.Second, 10*time.Millisecond)
	close(g.release)

	assert.Equal(t, checkpoint.StateCancelled, wait(t, other, id))
	assert.Equal(t, 0, f.mem.OpenSessions())
	assert.Len(t, f.mem.Aborted(), 1)
}

func TestLostLeaseStopsRunWithoutTouchingRecord(t *testing.T) {
	f := newFixture(t)
	f.opts.LeaseTTL = 300 * time.Millisecond
	ctx := context.Background()

	path, _ := f.file("stolen.bin", 25*mib)
	g := newGate(2)
	f.mem.OnUploadPart = g.hook

	e := f.engine()
	id, err := e.StartUpload(ctx, path, "stolen.bin")
	require.NoError(t, err)
	<-g.reached
	r := e.lookup(id)
	require.NotNil(t, r)

	// another process took over after this one looked dead
	require.NoError(t, f.store.ReleaseLease(ctx, id, e.owner))
	acquired, err := f.store.AcquireLease(ctx, id, "intruder", time.Minute)
	require.NoError(t, err)
	require.True(t, acquired)

	require.Eventually(t, func() bool { return r.stop.Load() == stopLost }, 5*time.Second, 10*time.Millisecond)
	close(g.release)
	select {
	case <-r.done:
	case <-time.After(10 * time.Second):
		t.Fatal("run did not stop")
	}

	rec := f.transfer(id)
	assert.Equal(t, checkpoint.StateActive, rec.State)
	assert.Equal(t, "intruder", rec.Owner)
	assert.Empty(t, f.mem.Completed())
	assert.Equal(t, map[int]int{1: 1, 2: 1}, f.mem.UploadPartCalls())
}

func TestStopRequestedWhileIdleIsHonoredOnStart(t *testing.T) {
	f := newFixture(t)
	e := f.engine()
	ctx := context.Background()

	path, _ := f.file("later.bin", 25*mib)
	id, err := e.StartUpload(ctx, path, "later.bin", WithQueueOnly())
	require.NoError(t, err)

	// a pause posted while a process held the transfer that then exited
	require.NoError(t, f.store.RequestStop(ctx, id, checkpoint.StopPause))

	launched, err := e.ResumeInterrupted(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, launched)
	assert.Equal(t, checkpoint.StatePaused, wait(t, e, id))
	assert.Zero(t, f.mem.TotalUploadPartCalls())
	assert.Zero(t, f.mem.Initiated())

	require.NoError(t, e.Resume(ctx, id))
	assert.Equal(t, checkpoint.StateCompleted, wait(t, e, id))
}

func TestQueueOnlyDefersStart(t *testing.T) {
	f := newFixture(t)
	e := f.engine()
	ctx := context.Background()

	path, data := f.file("queued.bin", 25*mib)
	id, err := e.StartUpload(ctx, path, "queued.bin", WithQueueOnly())
	require.NoError(t, err)

	assert.Nil(t, e.lookup(id))
	assert.Equal(t, checkpoint.StatePending, f.transfer(id).State)
	assert.Zero(t, f.mem.Initiated())
	assert.Zero(t, f.mem.TotalUploadPartCalls())

	launched, err := e.ResumeInterrupted(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, launched)
	assert.Equal(t, checkpoint.StateCompleted, wait(t, e, id))

	stored, ok := f.mem.Object("queued.bin")
	require.True(t, ok)
	assert.True(t, bytes.Equal(data, stored))
}

func TestResumeWaitsForSettledRun(t *testing.T) {
	f := newFixture(t)
	e := f.engine()
	ctx := context.Background()

	path, _ := f.file("settling.bin", 25*mib)
	id, err := e.StartUpload(ctx, path, "settling.bin", WithQueueOnly())
	require.NoError(t, err)
	require.NoError(t, f.store.TransitionTransfer(ctx, id, checkpoint.StatePaused, ""))

	// a run that already decided to pause but has not exited yet
	r := &run{id: id, done: make(chan struct{}), settled: true}
	r.stop.Store(stopPause)
	e.mu.Lock()
	e.running[id] = r
	e.mu.Unlock()

	resumed := make(chan error, 1)
	go func() { resumed <- e.Resume(ctx, id) }()

	select {
	case err := <-resumed:
		t.Fatalf("resume returned before the run exited: %v", err)
	case <-time.After(100 * time.Millisecond):
	}
	assert.Equal(t, stopPause, r.stop.Load())

	e.mu.Lock()
	delete(e.running, id)
	e.mu.Unlock()
	close(r.done)

	require.NoError(t, <-resumed)
	assert.Equal(t, checkpoint.StateCompleted, wait(t, e, id))
}

func TestTransientInitiateFailureIsRetried(t *testing.T) {
	f := newFixture(t)
	e := f.engine()

	path, data := f.file("throttled.bin", 25*mib)
	f.mem.OnInitiate = func(_ context.Context, _ string, call int) error {
		if call == 1 {
			return minio.ErrorResponse{StatusCode: 503, Code: "SlowDown"}
		}
		return nil
	}

	id, err := e.StartUpload(context.Background(), path, "throttled.bin")
	require.NoError(t, err)
	assert.Equal(t, checkpoint.StateCompleted, wait(t, e, id))
	assert.Equal(t, 1, f.mem.Initiated())

	stored, ok := f.mem.Object("throttled.bin")
	require.True(t, ok)
	assert.True(t, bytes.Equal(data, stored))
}

func TestPermanentInitiateFailureFailsTransfer(t *testing.T) {
	f := newFixture(t)
	e := f.engine()

	path, _ := f.file("forbidden.bin", 25*mib)
	var calls int
	f.mem.OnInitiate = func(context.Context, string, int) error {
		calls++
		return minio.ErrorResponse{StatusCode: 403, Code: "AccessDenied"}
	}

	id, err := e.StartUpload(context.Background(), path, "forbidden.bin")
	require.NoError(t, err)
	assert.Equal(t, checkpoint.StateFailed, wait(t, e, id))
	assert.Equal(t, 1, calls)
	assert.Contains(t, f.transfer(id).Error, "initiate multipart")
}

package worker

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"s3drive/internal/checkpoint"
	"s3drive/internal/chunk"
	"s3drive/internal/metrics"
	"s3drive/internal/storage"
	"s3drive/internal/storage/storagetest"
)

const testOwner = "worker-test"

type recordingReporter struct {
	mu        sync.Mutex
	inflight  int64
	committed int64
}

func (r *recordingReporter) Add(_ string, delta int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inflight += delta
}

func (r *recordingReporter) Commit(_ string, committed, partLen int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inflight -= partLen
	r.committed = committed
}

func (r *recordingReporter) values() (int64, int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.inflight, r.committed
}

type xorTransform struct{ key byte }

type xorReader struct {
	r   io.Reader
	key byte
}

func (x xorReader) Read(b []byte) (int, error) {
	n, err := x.r.Read(b)
	for i := 0; i < n; i++ {
		b[i] ^= x.key
	}
	return n, err
}

type xorWriter struct {
	w   io.Writer
	key byte
}

func (x xorWriter) Write(b []byte) (int, error) {
	out := make([]byte, len(b))
	for i := range b {
		out[i] = b[i] ^ x.key
	}
	return x.w.Write(out)
}

func (t xorTransform) Reader(r io.Reader, _ int64) io.Reader { return xorReader{r: r, key: t.key} }

func (t xorTransform) Writer(w io.Writer, _ int64) io.Writer { return xorWriter{w: w, key: t.key} }

// badETagClient returns a wrong etag for the first upload of each part
type badETagClient struct {
	*storagetest.Memory
	mu   sync.Mutex
	seen map[int]bool
}

func (c *badETagClient) UploadPart(ctx context.Context, key, uploadID string, partNumber int, r io.Reader, size int64) (string, error) {
	etag, err := c.Memory.UploadPart(ctx, key, uploadID, partNumber, r, size)
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.seen[partNumber] {
		c.seen[partNumber] = true
		return "00000000000000000000000000000000", nil
	}
	return etag, nil
}

type fixture struct {
	t        *testing.T
	store    *checkpoint.SQLiteStore
	client   storage.Client
	mem      *storagetest.Memory
	reporter *recordingReporter
	config   Config
	dir      string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store, err := checkpoint.NewSQLiteStore(context.Background(), filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	mem := storagetest.NewMemory()
	return &fixture{
		t:        t,
		store:    store,
		client:   mem,
		mem:      mem,
		reporter: &recordingReporter{},
		dir:      t.TempDir(),
		config: Config{
			Concurrency:        2,
			MaxConcurrentParts: 4,
			Retries:            3,
			RetryBackoffMs:     1,
			PartTimeout:        5 * time.Second,
			VerifyChecksums:    true,
		},
	}
}

func (f *fixture) pool() *Pool {
	return NewPool(f.config, f.client, f.store, f.reporter, metrics.New(), zaptest.NewLogger(f.t))
}

// upload creates a file and a transfer with an open multipart session
func (f *fixture) upload(id string, data []byte, partSize int64) []Task {
	f.t.Helper()
	ctx := context.Background()

	path := filepath.Join(f.dir, id)
	require.NoError(f.t, os.WriteFile(path, data, 0o644))

	plan, err := chunk.Plan(int64(len(data)), partSize)
	require.NoError(f.t, err)

	session, err := f.client.InitiateMultipart(ctx, "remote/"+id)
	require.NoError(f.t, err)

	rec := &checkpoint.TransferRecord{
		ID:           id,
		Direction:    checkpoint.DirectionUpload,
		LocalPath:    path,
		RemoteKey:    "remote/" + id,
		TotalSize:    int64(len(data)),
		PartSize:     partSize,
		SessionToken: session,
		State:        checkpoint.StateActive,
	}
	return f.create(rec, plan)
}

func (f *fixture) create(rec *checkpoint.TransferRecord, plan []chunk.Part) []Task {
	f.t.Helper()

	parts := make([]checkpoint.PartRecord, len(plan))
	tasks := make([]Task, len(plan))
	for i, p := range plan {
		parts[i] = checkpoint.PartRecord{PartNumber: p.Number, Offset: p.Offset, Length: p.Length}
		tasks[i] = Task{
			TransferID:   rec.ID,
			Owner:        testOwner,
			Direction:    rec.Direction,
			LocalPath:    rec.LocalPath,
			RemoteKey:    rec.RemoteKey,
			SessionToken: rec.SessionToken,
			RemoteETag:   rec.RemoteETag,
			PartNumber:   p.Number,
			Offset:       p.Offset,
			Length:       p.Length,
		}
	}
	require.NoError(f.t, f.store.CreateTransfer(context.Background(), rec, parts))
	acquired, err := f.store.AcquireLease(context.Background(), rec.ID, testOwner, time.Minute)
	require.NoError(f.t, err)
	require.True(f.t, acquired)
	return tasks
}

func (f *fixture) parts(id string) []checkpoint.PartRecord {
	f.t.Helper()
	parts, err := f.store.ListParts(context.Background(), id)
	require.NoError(f.t, err)
	return parts
}

func md5Hex(b []byte) string {
	sum := md5.Sum(b)
	return hex.EncodeToString(sum[:])
}

func never() bool { return false }

func TestRunUploadsAllParts(t *testing.T) {
	f := newFixture(t)
	data := bytes.Repeat([]byte("0123456789"), 25)
	tasks := f.upload("t1", data, 100)

	require.NoError(t, f.pool().Run(context.Background(), tasks, never))

	parts := f.parts("t1")
	require.Len(t, parts, 3)
	for _, p := range parts {
		assert.Equal(t, checkpoint.PartCompleted, p.State)
		assert.Equal(t, md5Hex(data[p.Offset:p.Offset+p.Length]), p.IntegrityTag)
		assert.Equal(t, 1, p.Attempts)
	}

	rec, err := f.store.GetTransfer(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, int64(250), rec.BytesTransferred)

	inflight, committed := f.reporter.values()
	assert.Zero(t, inflight)
	assert.Equal(t, int64(250), committed)
}

func TestRunRetriesTransientErrors(t *testing.T) {
	f := newFixture(t)
	f.mem.OnUploadPart = func(_ context.Context, _ string, partNumber, call int) error {
		if partNumber == 2 && call == 1 {
			return minio.ErrorResponse{StatusCode: 503, Code: "SlowDown"}
		}
		return nil
	}
	tasks := f.upload("t1", bytes.Repeat([]byte("x"), 250), 100)

	require.NoError(t, f.pool().Run(context.Background(), tasks, never))

	parts := f.parts("t1")
	assert.Equal(t, checkpoint.PartCompleted, parts[1].State)
	assert.Equal(t, 2, parts[1].Attempts)
	assert.Equal(t, 2, f.mem.UploadPartCalls()[2])

	inflight, committed := f.reporter.values()
	assert.Zero(t, inflight)
	assert.Equal(t, int64(250), committed)
}

func TestRunFailsAfterRetriesExhausted(t *testing.T) {
	f := newFixture(t)
	f.mem.OnUploadPart = func(_ context.Context, _ string, partNumber, _ int) error {
		if partNumber == 2 {
			return minio.ErrorResponse{StatusCode: 500, Code: "InternalError", Message: "boom"}
		}
		return nil
	}
	tasks := f.upload("t1", bytes.Repeat([]byte("x"), 250), 100)

	err := f.pool().Run(context.Background(), tasks, never)

	var partErr *PartError
	require.ErrorAs(t, err, &partErr)
	assert.Equal(t, 2, partErr.PartNumber)
	assert.Contains(t, err.Error(), "part 2:")
	assert.Equal(t, 3, f.mem.UploadPartCalls()[2])

	parts := f.parts("t1")
	assert.Equal(t, checkpoint.PartFailed, parts[1].State)
	assert.Equal(t, 3, parts[1].Attempts)
	assert.NotEmpty(t, parts[1].LastError)
}

func TestRunFailsImmediatelyOnPermanentError(t *testing.T) {
	f := newFixture(t)
	f.config.Concurrency = 1
	f.mem.OnUploadPart = func(_ context.Context, _ string, partNumber, _ int) error {
		if partNumber == 1 {
			return minio.ErrorResponse{StatusCode: 403, Code: "AccessDenied"}
		}
		return nil
	}
	tasks := f.upload("t1", bytes.Repeat([]byte("x"), 250), 100)

	err := f.pool().Run(context.Background(), tasks, never)

	var partErr *PartError
	require.ErrorAs(t, err, &partErr)
	assert.Equal(t, 1, partErr.PartNumber)
	assert.Equal(t, 1, f.mem.UploadPartCalls()[1])
	assert.Equal(t, checkpoint.PartFailed, f.parts("t1")[0].State)
}

func TestRunRetriesIntegrityMismatch(t *testing.T) {
	f := newFixture(t)
	f.client = &badETagClient{Memory: f.mem, seen: make(map[int]bool)}
	tasks := f.upload("t1", bytes.Repeat([]byte("y"), 150), 100)

	require.NoError(t, f.pool().Run(context.Background(), tasks, never))

	for _, p := range f.parts("t1") {
		assert.Equal(t, checkpoint.PartCompleted, p.State)
		assert.Equal(t, 2, p.Attempts)
	}
}

func TestRunStopsClaimingWhenStopped(t *testing.T) {
	f := newFixture(t)
	f.config.Concurrency = 1

	var stopped atomic.Bool
	f.mem.OnUploadPart = func(_ context.Context, _ string, partNumber, _ int) error {
		if partNumber == 1 {
			stopped.Store(true)
		}
		return nil
	}
	tasks := f.upload("t1", bytes.Repeat([]byte("z"), 250), 100)

	require.NoError(t, f.pool().Run(context.Background(), tasks, stopped.Load))

	parts := f.parts("t1")
	assert.Equal(t, checkpoint.PartCompleted, parts[0].State)
	assert.Equal(t, checkpoint.PartPending, parts[1].State)
	assert.Equal(t, checkpoint.PartPending, parts[2].State)
	assert.Equal(t, 1, f.mem.TotalUploadPartCalls())
}

func TestRunCancelReleasesInFlightParts(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())

	started := make(chan struct{}, 3)
	f.mem.OnUploadPart = func(ctx context.Context, _ string, _, _ int) error {
		started <- struct{}{}
		<-ctx.Done()
		return ctx.Err()
	}
	tasks := f.upload("t1", bytes.Repeat([]byte("z"), 250), 100)

	go func() {
		<-started
		cancel()
	}()

	err := f.pool().Run(ctx, tasks, never)
	assert.ErrorIs(t, err, context.Canceled)

	for _, p := range f.parts("t1") {
		assert.Equal(t, checkpoint.PartPending, p.State)
		assert.Zero(t, p.Attempts)
	}

	inflight, _ := f.reporter.values()
	assert.Zero(t, inflight)
}

func TestRunDownloadsRanges(t *testing.T) {
	f := newFixture(t)
	data := bytes.Repeat([]byte("abcdefghij"), 30)
	etag := f.mem.SetObject("remote/obj", data, time.Now())

	partial := filepath.Join(f.dir, "obj.partial")
	require.NoError(t, os.WriteFile(partial, make([]byte, len(data)), 0o644))

	plan, err := chunk.Plan(int64(len(data)), 128)
	require.NoError(t, err)
	tasks := f.create(&checkpoint.TransferRecord{
		ID:         "d1",
		Direction:  checkpoint.DirectionDownload,
		LocalPath:  partial,
		RemoteKey:  "remote/obj",
		TotalSize:  int64(len(data)),
		PartSize:   128,
		RemoteETag: etag,
		State:      checkpoint.StateActive,
	}, plan)

	require.NoError(t, f.pool().Run(context.Background(), tasks, never))

	got, err := os.ReadFile(partial)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	for _, p := range f.parts("d1") {
		assert.Equal(t, md5Hex(data[p.Offset:p.Offset+p.Length]), p.IntegrityTag)
	}
}

func TestRunDownloadFailsWhenObjectChanged(t *testing.T) {
	f := newFixture(t)
	data := bytes.Repeat([]byte("a"), 100)
	f.mem.SetObject("remote/obj", data, time.Now())

	partial := filepath.Join(f.dir, "obj.partial")
	require.NoError(t, os.WriteFile(partial, make([]byte, len(data)), 0o644))

	plan, err := chunk.Plan(int64(len(data)), 100)
	require.NoError(t, err)
	tasks := f.create(&checkpoint.TransferRecord{
		ID: "d1", Direction: checkpoint.DirectionDownload, LocalPath: partial, RemoteKey: "remote/obj",
		TotalSize: int64(len(data)), PartSize: 100, RemoteETag: "stale", State: checkpoint.StateActive,
	}, plan)

	err = f.pool().Run(context.Background(), tasks, never)
	var partErr *PartError
	require.ErrorAs(t, err, &partErr)
	assert.Equal(t, 1, f.mem.GetCalls())
}

func TestTransformRoundTrip(t *testing.T) {
	f := newFixture(t)
	f.config.Transform = xorTransform{key: 0x5a}
	data := bytes.Repeat([]byte("secret!"), 20)
	tasks := f.upload("t1", data, 1000)
	for i := range tasks {
		tasks[i].Single = true
	}

	require.NoError(t, f.pool().Run(context.Background(), tasks, never))

	stored, ok := f.mem.Object("remote/t1")
	require.True(t, ok)
	assert.NotEqual(t, data, stored)
	assert.Len(t, stored, len(data))

	partial := filepath.Join(f.dir, "back.partial")
	require.NoError(t, os.WriteFile(partial, make([]byte, len(data)), 0o644))
	dl := f.create(&checkpoint.TransferRecord{
		ID: "d1", Direction: checkpoint.DirectionDownload, LocalPath: partial, RemoteKey: "remote/t1",
		TotalSize: int64(len(data)), PartSize: 1000, State: checkpoint.StateActive,
	}, []chunk.Part{{Number: 1, Offset: 0, Length: int64(len(data))}})

	require.NoError(t, f.pool().Run(context.Background(), dl, never))

	got, err := os.ReadFile(partial)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestBandwidthLimit(t *testing.T) {
	f := newFixture(t)
	f.config.BandwidthLimit = streamBufferSize
	data := bytes.Repeat([]byte("b"), streamBufferSize+streamBufferSize/4)
	tasks := f.upload("t1", data, int64(len(data)))
	tasks[0].Single = true

	start := time.Now()
	require.NoError(t, f.pool().Run(context.Background(), tasks, never))
	assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)
}

func TestPartErrorUnwrap(t *testing.T) {
	cause := errors.New("cause")
	err := &PartError{PartNumber: 7, Err: cause}
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "part 7: cause", err.Error())
}

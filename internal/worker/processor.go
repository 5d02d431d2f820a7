package worker

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"math"
	"os"
	"regexp"
	"strconv"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"s3drive/internal/checkpoint"
	"s3drive/internal/metrics"
	"s3drive/internal/storage"
)

const streamBufferSize = 256 << 10

var plainETag = regexp.MustCompile(`^[0-9a-f]{32}$`)

// PartProcessor moves one part with retries
type PartProcessor struct {
	config    Config
	client    storage.Client
	store     checkpoint.TransferStore
	reporter  Reporter
	metrics   *metrics.Collector
	bandwidth *rate.Limiter
	logger    *zap.Logger
}

// Process claims the part, transfers it and records the result. It returns
// nil when the part completed or could not be claimed, a *PartError when the part
// failed for good, and the context error when ctx ends first. An interrupted
// part goes back to pending.
func (p *PartProcessor) Process(ctx context.Context, task Task) error {
	claimed, err := p.store.ClaimPart(ctx, task.TransferID, task.Owner, task.PartNumber)
	if err != nil {
		return fmt.Errorf("failed to claim part %d: %w", task.PartNumber, err)
	}
	if !claimed {
		return nil
	}

	// bookkeeping after the transfer must land even when ctx is cancelled
	persistCtx := context.WithoutCancel(ctx)
	direction := string(task.Direction)

	var lastErr error
	for attempt := 1; attempt <= p.config.Retries; attempt++ {
		startTime := time.Now()
		tag, err := p.attempt(ctx, task)
		if err == nil {
			transferred, err := p.store.CompletePart(persistCtx, task.TransferID, task.PartNumber, tag)
			if err != nil {
				p.reporter.Add(task.TransferID, -task.Length)
				return fmt.Errorf("failed to record part %d: %w", task.PartNumber, err)
			}
			p.reporter.Commit(task.TransferID, transferred, task.Length)
			p.metrics.AddBytes(direction, task.Length)
			p.metrics.ObservePart(direction, time.Since(startTime))
			p.logger.Debug("Part completed",
				zap.Int("part", task.PartNumber),
				zap.Int64("size", task.Length),
				zap.Int("attempt", attempt),
				zap.Duration("duration", time.Since(startTime)),
			)
			return nil
		}

		lastErr = err
		if ctx.Err() != nil {
			p.release(persistCtx, task)
			return ctx.Err()
		}

		p.logger.Warn("Part attempt failed",
			zap.Int("part", task.PartNumber),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)

		if !storage.IsRetryable(err) || attempt == p.config.Retries {
			break
		}

		if err := p.store.RecordAttempt(persistCtx, task.TransferID, task.PartNumber, err.Error()); err != nil {
			p.logger.Error("Failed to record part attempt", zap.Int("part", task.PartNumber), zap.Error(err))
		}
		p.metrics.IncRetry(direction)

		if err := sleep(ctx, p.calculateBackoff(attempt)); err != nil {
			p.release(persistCtx, task)
			return err
		}
	}

	if err := p.store.FailPart(persistCtx, task.TransferID, task.PartNumber, lastErr.Error()); err != nil {
		p.logger.Error("Failed to mark part failed", zap.Int("part", task.PartNumber), zap.Error(err))
	}
	return &PartError{PartNumber: task.PartNumber, Err: lastErr}
}

// attempt runs one bounded try and rolls back its progress on failure
func (p *PartProcessor) attempt(ctx context.Context, task Task) (string, error) {
	if p.config.PartTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.config.PartTimeout)
		defer cancel()
	}

	p.metrics.IncInflight()
	defer p.metrics.DecInflight()

	var sent atomic.Int64
	onBytes := func(n int) {
		sent.Add(int64(n))
		p.reporter.Add(task.TransferID, int64(n))
	}

	var (
		tag string
		err error
	)
	if task.Direction == checkpoint.DirectionDownload {
		tag, err = p.download(ctx, task, onBytes)
	} else {
		tag, err = p.upload(ctx, task, onBytes)
	}

	if n := sent.Load(); err != nil && n > 0 {
		p.reporter.Add(task.TransferID, -n)
	}
	return tag, err
}

func (p *PartProcessor) upload(ctx context.Context, task Task, onBytes func(int)) (string, error) {
	f, err := os.Open(task.LocalPath)
	if err != nil {
		return "", err
	}
	defer f.Close()

	section := io.NewSectionReader(f, task.Offset, task.Length)
	reader := p.config.Transform.Reader(section, task.Offset)

	var sum hash.Hash
	if p.config.VerifyChecksums {
		sum = md5.New()
		reader = io.TeeReader(reader, sum)
	}
	reader = &meteredReader{ctx: ctx, r: reader, limiter: p.bandwidth, onBytes: onBytes}

	var etag string
	if task.Single {
		etag, err = p.client.Put(ctx, task.RemoteKey, reader, task.Length)
	} else {
		etag, err = p.client.UploadPart(ctx, task.RemoteKey, task.SessionToken, task.PartNumber, reader, task.Length)
	}
	if err != nil {
		return "", err
	}
	if etag == "" {
		return "", &storage.IntegrityError{Expected: "etag", Actual: "none"}
	}

	if sum != nil && plainETag.MatchString(etag) {
		if local := hex.EncodeToString(sum.Sum(nil)); local != etag {
			return "", &storage.IntegrityError{Expected: local, Actual: etag}
		}
	}
	return etag, nil
}

func (p *PartProcessor) download(ctx context.Context, task Task, onBytes func(int)) (string, error) {
	body, err := p.client.GetRange(ctx, task.RemoteKey, task.Offset, task.Length, task.RemoteETag)
	if err != nil {
		return "", err
	}
	defer body.Close()

	f, err := os.OpenFile(task.LocalPath, os.O_WRONLY, 0)
	if err != nil {
		return "", err
	}
	defer f.Close()

	sum := md5.New()
	dst := io.MultiWriter(sum, p.config.Transform.Writer(io.NewOffsetWriter(f, task.Offset), task.Offset))
	src := &meteredReader{ctx: ctx, r: body, limiter: p.bandwidth, onBytes: onBytes}

	buf := make([]byte, streamBufferSize)
	n, err := io.CopyBuffer(dst, io.LimitReader(src, task.Length), buf)
	if err != nil {
		return "", err
	}
	if n != task.Length {
		return "", &storage.IntegrityError{
			Expected: strconv.FormatInt(task.Length, 10) + " bytes",
			Actual:   strconv.FormatInt(n, 10) + " bytes",
		}
	}
	if err := f.Sync(); err != nil {
		return "", err
	}
	return hex.EncodeToString(sum.Sum(nil)), nil
}

func (p *PartProcessor) release(ctx context.Context, task Task) {
	if err := p.store.ReleasePart(ctx, task.TransferID, task.PartNumber); err != nil {
		p.logger.Error("Failed to release part", zap.Int("part", task.PartNumber), zap.Error(err))
	}
}

func (p *PartProcessor) calculateBackoff(attempt int) time.Duration {
	base := time.Duration(p.config.RetryBackoffMs) * time.Millisecond
	return base * time.Duration(math.Pow(2, float64(attempt-1)))
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// meteredReader reports bytes as they are read and applies the bandwidth limit
type meteredReader struct {
	ctx     context.Context
	r       io.Reader
	limiter *rate.Limiter
	onBytes func(int)
}

func (m *meteredReader) Read(b []byte) (int, error) {
	if m.limiter != nil && len(b) > m.limiter.Burst() {
		b = b[:m.limiter.Burst()]
	}

	n, err := m.r.Read(b)
	if n > 0 {
		if m.limiter != nil {
			if werr := m.limiter.WaitN(m.ctx, n); werr != nil {
				return n, werr
			}
		}
		m.onBytes(n)
	}
	return n, err
}

package worker

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"s3drive/internal/checkpoint"
	"s3drive/internal/metrics"
	"s3drive/internal/storage"
)

// Reporter receives byte-level progress from part workers
type Reporter interface {
	Add(id string, delta int64)
	Commit(id string, committed, partLen int64)
}

// PartError is a fatal failure of one part
type PartError struct {
	PartNumber int
	Err        error
}

func (e *PartError) Error() string {
	return fmt.Sprintf("part %d: %v", e.PartNumber, e.Err)
}

func (e *PartError) Unwrap() error {
	return e.Err
}

// Pool runs part tasks with a per-transfer concurrency limit and a global
// cap shared by every transfer
type Pool struct {
	config    Config
	client    storage.Client
	store     checkpoint.TransferStore
	reporter  Reporter
	metrics   *metrics.Collector
	logger    *zap.Logger
	global    *semaphore.Weighted
	bandwidth *rate.Limiter
}

// NewPool creates a new worker pool
func NewPool(
	config Config,
	client storage.Client,
	store checkpoint.TransferStore,
	reporter Reporter,
	metricsCollector *metrics.Collector,
	logger *zap.Logger,
) *Pool {
	if config.Concurrency <= 0 {
		config.Concurrency = 1
	}
	if config.MaxConcurrentParts <= 0 {
		config.MaxConcurrentParts = config.Concurrency
	}
	if config.Retries <= 0 {
		config.Retries = 1
	}
	if config.Transform == nil {
		config.Transform = Identity{}
	}

	p := &Pool{
		config:   config,
		client:   client,
		store:    store,
		reporter: reporter,
		metrics:  metricsCollector,
		logger:   logger,
		global:   semaphore.NewWeighted(int64(config.MaxConcurrentParts)),
	}
	if config.BandwidthLimit > 0 {
		burst := int(config.BandwidthLimit)
		if burst < streamBufferSize {
			burst = streamBufferSize
		}
		p.bandwidth = rate.NewLimiter(rate.Limit(config.BandwidthLimit), burst)
	}
	return p
}

// Run processes tasks until all are done, one fails fatally, or stop reports
// true. Parts already in flight when stop flips finish normally. A fatal
// part error cancels the remaining in-flight parts of the same transfer and
// is returned as a *PartError.
func (p *Pool) Run(ctx context.Context, tasks []Task, stop func() bool) error {
	if len(tasks) == 0 {
		return nil
	}

	logger := p.logger.With(zap.String("transfer_id", tasks[0].TransferID))
	processor := &PartProcessor{
		config:    p.config,
		client:    p.client,
		store:     p.store,
		reporter:  p.reporter,
		metrics:   p.metrics,
		bandwidth: p.bandwidth,
		logger:    logger,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.config.Concurrency)

	for _, task := range tasks {
		if stop() || gctx.Err() != nil {
			break
		}

		task := task
		g.Go(func() error {
			if stop() {
				return nil
			}
			if err := p.global.Acquire(gctx, 1); err != nil {
				return err
			}
			defer p.global.Release(1)

			if stop() {
				return nil
			}
			return processor.Process(gctx, task)
		})
	}

	err := g.Wait()

	var partErr *PartError
	if errors.As(err, &partErr) {
		return partErr
	}
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

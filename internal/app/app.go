package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"s3drive/internal/checkpoint"
	"s3drive/internal/chunk"
	"s3drive/internal/config"
	"s3drive/internal/engine"
	"s3drive/internal/metrics"
	"s3drive/internal/progress"
	"s3drive/internal/storage"
	"s3drive/internal/syncer"
	"s3drive/internal/worker"
)

// App wires the storage client, state store, transfer engine and sync
// reconciler together
type App struct {
	cfg        *config.Config
	logger     *zap.Logger
	client     storage.Client
	store      checkpoint.Store
	metrics    *metrics.Collector
	progress   *progress.Aggregator
	engine     *engine.Engine
	reconciler *syncer.Reconciler
}

// New creates a new app instance
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	client, err := storage.New(ctx, storage.Config{
		Provider:  cfg.Storage.Provider,
		Endpoint:  cfg.Storage.Endpoint,
		Region:    cfg.Storage.Region,
		Bucket:    cfg.Storage.Bucket,
		AccessKey: cfg.Storage.AccessKey,
		SecretKey: cfg.Storage.SecretKey,
		Secure:    cfg.Storage.Secure,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}

	store, err := checkpoint.NewSQLiteStore(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to create checkpoint store: %w", err)
	}

	return newApp(cfg, logger, client, store), nil
}

func newApp(cfg *config.Config, logger *zap.Logger, client storage.Client, store checkpoint.Store) *App {
	metricsCollector := metrics.New()
	aggregator := progress.NewAggregator(progress.Options{
		Window:   cfg.Transfer.SpeedWindow,
		Interval: cfg.Transfer.ProgressInterval,
	})

	limits := chunk.DefaultLimits
	limits.MaxParts = cfg.Transfer.MaxParts

	eng := engine.New(store, client, aggregator, metricsCollector, logger, engine.Options{
		PartSize: cfg.Transfer.PartSize,
		Limits:   limits,
		Worker: worker.Config{
			Concurrency:        cfg.Transfer.Concurrency,
			MaxConcurrentParts: cfg.Transfer.MaxConcurrentParts,
			Retries:            cfg.Transfer.Retries,
			RetryBackoffMs:     cfg.Transfer.RetryBackoffMs,
			PartTimeout:        cfg.Transfer.PartTimeout,
			BandwidthLimit:     cfg.Transfer.BandwidthLimit,
			VerifyChecksums:    cfg.Transfer.VerifyChecksums,
		},
		LeaseTTL: cfg.Transfer.LeaseTTL,
	})

	reconciler := syncer.NewReconciler(store, client, eng, metricsCollector, logger, syncer.Options{
		Exclude:        cfg.Sync.Exclude,
		ConflictPolicy: syncer.ConflictPolicy(cfg.Sync.ConflictPolicy),
		CacheTTL:       cfg.Sync.RemoteCacheTTL,
		Interval:       cfg.Sync.Interval,
		Debounce:       cfg.Sync.Debounce,
	})
	eng.AddCompletionHook(reconciler.OnTransferCompleted)

	return &App{
		cfg:        cfg,
		logger:     logger,
		client:     client,
		store:      store,
		metrics:    metricsCollector,
		progress:   aggregator,
		engine:     eng,
		reconciler: reconciler,
	}
}

// Engine returns the transfer engine
func (a *App) Engine() *engine.Engine {
	return a.engine
}

// Client returns the object store client
func (a *App) Client() storage.Client {
	return a.client
}

// Store returns the state store
func (a *App) Store() checkpoint.Store {
	return a.store
}

// Reconciler returns the sync reconciler
func (a *App) Reconciler() *syncer.Reconciler {
	return a.reconciler
}

// StartMetrics serves Prometheus metrics in the background when an address
// is configured
func (a *App) StartMetrics(ctx context.Context) {
	if a.cfg.MetricsAddr == "" {
		return
	}

	go func() {
		a.logger.Info("Serving metrics", zap.String("addr", a.cfg.MetricsAddr))
		if err := a.metrics.StartServer(ctx, a.cfg.MetricsAddr); err != nil {
			a.logger.Error("Failed to start metrics server", zap.Error(err))
		}
	}()
}

// NewDisplay returns a progress display for out, or nil when progress is
// disabled or the terminal cannot redraw lines
func (a *App) NewDisplay(out io.Writer) *progress.Display {
	if !a.cfg.ShowProgress {
		a.logger.Debug("Progress display disabled (disabled in config)")
		return nil
	}
	if !progress.IsTerminalSupported() {
		a.logger.Debug("Progress display disabled (unsupported terminal)")
		return nil
	}
	return progress.NewDisplay(a.progress, out, time.Second)
}

// WaitAll blocks until every listed transfer stops running and reports the
// ones that did not complete
func (a *App) WaitAll(ctx context.Context, ids []string) error {
	var errs []error
	for _, id := range ids {
		state, err := a.engine.Wait(ctx, id)
		if err != nil {
			return err
		}
		if state == checkpoint.StateCompleted {
			continue
		}

		summary, err := a.engine.Get(ctx, id)
		if err != nil {
			return err
		}
		if summary.Error != "" {
			errs = append(errs, fmt.Errorf("transfer %s %s: %s", id, state, summary.Error))
		} else {
			errs = append(errs, fmt.Errorf("transfer %s %s", id, state))
		}
	}
	return errors.Join(errs...)
}

// Close stops running transfers and releases resources
func (a *App) Close() error {
	var errs []error
	if a.engine != nil {
		errs = append(errs, a.engine.Close())
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	return errors.Join(errs...)
}

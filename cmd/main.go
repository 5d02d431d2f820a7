package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"s3drive/internal/app"
	"s3drive/internal/config"
	"s3drive/internal/logger"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:   "s3drive",
	Short: "Resumable file transfers and folder backup for S3-compatible storage",
	Long: `Upload and download large files to S3-compatible storage in parallel parts,
resume them after crashes or network failures, and back up local folders
under a remote prefix.`,
	SilenceUsage: true,
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configFile, "config", "", "config file (default is ./config.yaml)")

	// Storage flags
	flags.String("provider", "minio", "Storage provider (minio/s3)")
	flags.String("endpoint", "", "Storage endpoint")
	flags.String("region", "us-east-1", "Storage region")
	flags.String("bucket", "", "Bucket name")
	flags.String("access-key", "", "Access key (or "+config.EnvAccessKey+")")
	flags.String("secret-key", "", "Secret key (or "+config.EnvSecretKey+")")
	flags.Bool("secure", true, "Use HTTPS")

	// Transfer flags
	flags.Int64("part-size", 10*1024*1024, "Part size in bytes")
	flags.Int("concurrency", 4, "Concurrent parts per transfer")
	flags.Int("max-concurrent-parts", 16, "Concurrent parts across all transfers")
	flags.Int("retries", 5, "Maximum attempts per part")
	flags.Int("retry-backoff-ms", 500, "Initial retry backoff in milliseconds")
	flags.Duration("part-timeout", 0, "Timeout for one part attempt")
	flags.Int64("bandwidth-limit", 0, "Bandwidth limit in bytes/second (0 is unlimited)")
	flags.Bool("verify-checksums", true, "Verify part and file checksums")

	// Sync flags
	flags.Duration("sync-interval", 0, "Interval between sync passes in watch mode")
	flags.String("conflict-policy", "ask", "What to do when both sides changed (ask/overwrite/skip)")
	flags.StringSlice("exclude", nil, "Glob patterns skipped by sync")

	flags.String("database", "./s3drive.db", "State database file")
	flags.String("log-level", "info", "Log level (debug/info/warn/error)")
	flags.String("metrics-addr", "", "Serve Prometheus metrics on this address")
	flags.Bool("show-progress", true, "Show progress display")

	rootCmd.AddCommand(
		uploadCmd(),
		downloadCmd(),
		resumeCmd(),
		pauseCmd(),
		cancelCmd(),
		retryCmd(),
		removeCmd(),
		listCmd(),
		syncCmd(),
		foldersCmd(),
		objectsCmd(),
	)
}

// runWithApp loads configuration, builds the app and runs fn until it
// returns or a shutdown signal arrives
func runWithApp(cmd *cobra.Command, fn func(ctx context.Context, a *app.App, log *zap.Logger) error) error {
	cfg, err := config.Load(configFile, cmd.Flags())
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer log.Sync()

	// Setup graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("failed to create app: %w", err)
	}
	a.StartMetrics(ctx)

	err = fn(ctx, a, log)
	if ctx.Err() != nil {
		log.Info("Received shutdown signal, gracefully stopping...")
	}

	if closeErr := a.Close(); closeErr != nil {
		log.Error("Error closing app", zap.Error(closeErr))
	}

	if ctx.Err() != nil && err != nil {
		fmt.Fprintln(os.Stderr, "Interrupted, run 's3drive resume' to continue unfinished transfers")
		return nil
	}
	return err
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

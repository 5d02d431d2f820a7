package engine

import (
	"context"
	"time"

	"s3drive/internal/checkpoint"
	"s3drive/internal/chunk"
	"s3drive/internal/worker"
)

// Options configures an Engine
type Options struct {
	PartSize int64
	Limits   chunk.Limits
	Worker   worker.Config

	// LeaseTTL bounds how long a transfer stays claimed by an engine that
	// stopped renewing it. Renewal runs every third of it.
	LeaseTTL time.Duration
}

// CompletionHook runs after a transfer reaches the completed state
type CompletionHook func(ctx context.Context, t *checkpoint.TransferRecord)

// StartOption customizes a new transfer
type StartOption func(*startOptions)

type startOptions struct {
	partSize      int64
	syncFolderID  int64
	sourceModTime time.Time
	queueOnly     bool
}

// WithPartSize overrides the configured part size for one transfer
func WithPartSize(size int64) StartOption {
	return func(o *startOptions) {
		o.partSize = size
	}
}

// WithSyncSource marks an upload as submitted by a sync folder pass. modTime
// is the local modification time the reconciler observed.
func WithSyncSource(folderID int64, modTime time.Time) StartOption {
	return func(o *startOptions) {
		o.syncFolderID = folderID
		o.sourceModTime = modTime
	}
}

// WithQueueOnly persists the transfer as pending without running it. It
// starts on the next Resume or ResumeInterrupted.
func WithQueueOnly() StartOption {
	return func(o *startOptions) {
		o.queueOnly = true
	}
}

// Summary is the caller-facing view of a transfer
type Summary struct {
	ID               string                   `json:"id"`
	Direction        checkpoint.Direction     `json:"direction"`
	LocalPath        string                   `json:"local_path"`
	RemoteKey        string                   `json:"remote_key"`
	State            checkpoint.TransferState `json:"state"`
	Total            int64                    `json:"total"`
	BytesTransferred int64                    `json:"bytes_transferred"`
	Speed            float64                  `json:"speed"`
	ETA              time.Duration            `json:"eta"`
	Error            string                   `json:"error,omitempty"`
	Running          bool                     `json:"running"`
	CreatedAt        time.Time                `json:"created_at"`
}

package storage

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrNoSuchUpload is returned when a multipart session no longer exists
var ErrNoSuchUpload = errors.New("multipart upload does not exist")

// ErrNotFound is returned when an object does not exist
var ErrNotFound = errors.New("object not found")

// Client defines the interface for S3-compatible storage operations.
// A client is bound to a single bucket and holds no per-transfer state,
// so one instance is shared by all workers.
type Client interface {
	// Object operations
	List(ctx context.Context, prefix string) (<-chan ObjectInfo, <-chan error)
	Head(ctx context.Context, key string) (ObjectInfo, error)
	GetRange(ctx context.Context, key string, offset, length int64, etag string) (io.ReadCloser, error)
	Put(ctx context.Context, key string, reader io.Reader, size int64) (string, error)
	Delete(ctx context.Context, key string) error
	Copy(ctx context.Context, srcKey, dstKey string) error

	// Multipart operations
	InitiateMultipart(ctx context.Context, key string) (string, error)
	UploadPart(ctx context.Context, key, uploadID string, partNumber int, reader io.Reader, size int64) (string, error)
	CompleteMultipart(ctx context.Context, key, uploadID string, parts []CompletedPart) (string, error)
	AbortMultipart(ctx context.Context, key, uploadID string) error
	ListParts(ctx context.Context, key, uploadID string) ([]CompletedPart, error)
}

// ObjectInfo contains object metadata
type ObjectInfo struct {
	Key          string
	Size         int64
	ETag         string
	LastModified time.Time
	ContentType  string
}

// CompletedPart represents a completed multipart upload part
type CompletedPart struct {
	PartNumber int
	ETag       string
	Size       int64
}

// Config contains client configuration
type Config struct {
	Provider  string
	Endpoint  string
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string
	Secure    bool
}

const (
	ProviderMinIO = "minio"
	ProviderS3    = "s3"
)

// New creates a client for the configured provider
func New(ctx context.Context, cfg Config) (Client, error) {
	switch cfg.Provider {
	case ProviderS3:
		client, err := NewS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return client, nil
	case ProviderMinIO, "":
		client, err := NewMinIOClient(cfg)
		if err != nil {
			return nil, err
		}
		return client, nil
	default:
		return nil, errors.New("unknown storage provider: " + cfg.Provider)
	}
}

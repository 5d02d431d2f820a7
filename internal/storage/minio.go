package storage

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinIOClient implements the Client interface using minio-go
type MinIOClient struct {
	client *minio.Client
	core   *minio.Core
	bucket string
}

// NewMinIOClient creates a new MinIO client
func NewMinIOClient(cfg Config) (*MinIOClient, error) {
	// Clean and validate endpoint
	endpoint, err := cleanEndpoint(cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint: %w", err)
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket is required")
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.Secure,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, err
	}

	return &MinIOClient{
		client: client,
		core:   &minio.Core{Client: client},
		bucket: cfg.Bucket,
	}, nil
}

// cleanEndpoint removes protocol and path from endpoint URL to get host:port format
func cleanEndpoint(endpoint string) (string, error) {
	if endpoint == "" {
		return "", fmt.Errorf("endpoint cannot be empty")
	}

	// If endpoint doesn't have protocol, add http:// for parsing
	if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		// Check if it's already in host:port format
		if strings.Contains(endpoint, "/") {
			return "", fmt.Errorf("endpoint contains path but no protocol")
		}
		return endpoint, nil
	}

	parsedURL, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("failed to parse endpoint URL: %w", err)
	}

	if parsedURL.Path != "" && parsedURL.Path != "/" {
		return "", fmt.Errorf("endpoint URL cannot have paths, only host:port is allowed (got path: %s)", parsedURL.Path)
	}

	return parsedURL.Host, nil
}

// List lists objects under prefix
func (c *MinIOClient) List(ctx context.Context, prefix string) (<-chan ObjectInfo, <-chan error) {
	objCh := make(chan ObjectInfo)
	errCh := make(chan error, 1)

	go func() {
		defer close(objCh)
		defer close(errCh)

		for obj := range c.client.ListObjects(ctx, c.bucket, minio.ListObjectsOptions{
			Prefix:    prefix,
			Recursive: true,
		}) {
			if obj.Err != nil {
				errCh <- mapMinIOError(obj.Err)
				return
			}

			select {
			case objCh <- ObjectInfo{
				Key:          obj.Key,
				Size:         obj.Size,
				ETag:         obj.ETag,
				LastModified: obj.LastModified,
				ContentType:  obj.ContentType,
			}:
			case <-ctx.Done():
				return
			}
		}
	}()

	return objCh, errCh
}

// Head gets object metadata
func (c *MinIOClient) Head(ctx context.Context, key string) (ObjectInfo, error) {
	info, err := c.client.StatObject(ctx, c.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		return ObjectInfo{}, mapMinIOError(err)
	}

	return ObjectInfo{
		Key:          info.Key,
		Size:         info.Size,
		ETag:         info.ETag,
		LastModified: info.LastModified,
		ContentType:  info.ContentType,
	}, nil
}

// GetRange streams length bytes of key starting at offset.
// A non-empty etag makes the request conditional on the object being unchanged.
func (c *MinIOClient) GetRange(ctx context.Context, key string, offset, length int64, etag string) (io.ReadCloser, error) {
	opts := minio.GetObjectOptions{}
	if err := opts.SetRange(offset, offset+length-1); err != nil {
		return nil, err
	}
	if etag != "" {
		if err := opts.SetMatchETag(etag); err != nil {
			return nil, err
		}
	}

	obj, err := c.client.GetObject(ctx, c.bucket, key, opts)
	if err != nil {
		return nil, mapMinIOError(err)
	}
	return &minioReader{obj}, nil
}

// Put uploads an object in a single request
func (c *MinIOClient) Put(ctx context.Context, key string, reader io.Reader, size int64) (string, error) {
	info, err := c.client.PutObject(ctx, c.bucket, key, reader, size, minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	if err != nil {
		return "", mapMinIOError(err)
	}
	return info.ETag, nil
}

// Delete removes an object
func (c *MinIOClient) Delete(ctx context.Context, key string) error {
	return mapMinIOError(c.client.RemoveObject(ctx, c.bucket, key, minio.RemoveObjectOptions{}))
}

// Copy copies an object within the bucket
func (c *MinIOClient) Copy(ctx context.Context, srcKey, dstKey string) error {
	_, err := c.client.CopyObject(ctx,
		minio.CopyDestOptions{Bucket: c.bucket, Object: dstKey},
		minio.CopySrcOptions{Bucket: c.bucket, Object: srcKey},
	)
	return mapMinIOError(err)
}

// InitiateMultipart initiates a multipart upload
func (c *MinIOClient) InitiateMultipart(ctx context.Context, key string) (string, error) {
	uploadID, err := c.core.NewMultipartUpload(ctx, c.bucket, key, minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	if err != nil {
		return "", mapMinIOError(err)
	}
	return uploadID, nil
}

// UploadPart uploads a part
func (c *MinIOClient) UploadPart(ctx context.Context, key, uploadID string, partNumber int, reader io.Reader, size int64) (string, error) {
	part, err := c.core.PutObjectPart(ctx, c.bucket, key, uploadID, partNumber, reader, size, minio.PutObjectPartOptions{})
	if err != nil {
		return "", mapMinIOError(err)
	}
	return part.ETag, nil
}

// CompleteMultipart completes a multipart upload
func (c *MinIOClient) CompleteMultipart(ctx context.Context, key, uploadID string, parts []CompletedPart) (string, error) {
	minioParts := make([]minio.CompletePart, len(parts))
	for i, part := range parts {
		minioParts[i] = minio.CompletePart{
			PartNumber: part.PartNumber,
			ETag:       part.ETag,
		}
	}

	info, err := c.core.CompleteMultipartUpload(ctx, c.bucket, key, uploadID, minioParts, minio.PutObjectOptions{})
	if err != nil {
		return "", mapMinIOError(err)
	}
	return info.ETag, nil
}

// AbortMultipart aborts a multipart upload
func (c *MinIOClient) AbortMultipart(ctx context.Context, key, uploadID string) error {
	return mapMinIOError(c.core.AbortMultipartUpload(ctx, c.bucket, key, uploadID))
}

// ListParts lists the parts already stored for a multipart upload
func (c *MinIOClient) ListParts(ctx context.Context, key, uploadID string) ([]CompletedPart, error) {
	var parts []CompletedPart
	marker := 0

	for {
		result, err := c.core.ListObjectParts(ctx, c.bucket, key, uploadID, marker, 1000)
		if err != nil {
			return nil, mapMinIOError(err)
		}

		for _, p := range result.ObjectParts {
			parts = append(parts, CompletedPart{
				PartNumber: p.PartNumber,
				ETag:       p.ETag,
				Size:       p.Size,
			})
		}

		if !result.IsTruncated {
			return parts, nil
		}
		marker = result.NextPartNumberMarker
	}
}

// minioReader surfaces lazily reported errors from minio.Object in our taxonomy
type minioReader struct {
	*minio.Object
}

func (r *minioReader) Read(p []byte) (int, error) {
	n, err := r.Object.Read(p)
	if err != nil && err != io.EOF {
		err = mapMinIOError(err)
	}
	return n, err
}

func mapMinIOError(err error) error {
	if err == nil {
		return nil
	}

	switch minio.ToErrorResponse(err).Code {
	case "NoSuchUpload":
		return fmt.Errorf("%w: %w", ErrNoSuchUpload, err)
	case "NoSuchKey", "NotFound":
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	}
	return err
}

package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3Client implements the Client interface using aws-sdk-go-v2.
// It is used for providers that speak the AWS dialect (AWS, R2).
type S3Client struct {
	client *s3.Client
	bucket string
}

// NewS3Client creates a new aws-sdk-go-v2 backed client
func NewS3Client(ctx context.Context, cfg Config) (*S3Client, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket is required")
	}

	region := cfg.Region
	if region == "" {
		region = "auto"
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKey,
			cfg.SecretKey,
			"",
		)))
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(endpointURL(cfg.Endpoint, cfg.Secure))
			o.UsePathStyle = true
		}
	})

	return &S3Client{client: client, bucket: cfg.Bucket}, nil
}

func endpointURL(endpoint string, secure bool) string {
	if strings.HasPrefix(endpoint, "http://") || strings.HasPrefix(endpoint, "https://") {
		return endpoint
	}
	if secure {
		return "https://" + endpoint
	}
	return "http://" + endpoint
}

// streaming bodies are not seekable, so payloads are sent unsigned
var unsignedPayload = s3.WithAPIOptions(v4.SwapComputePayloadSHA256ForUnsignedPayloadMiddleware)

// List lists objects under prefix
func (c *S3Client) List(ctx context.Context, prefix string) (<-chan ObjectInfo, <-chan error) {
	objCh := make(chan ObjectInfo)
	errCh := make(chan error, 1)

	go func() {
		defer close(objCh)
		defer close(errCh)

		paginator := s3.NewListObjectsV2Paginator(c.client, &s3.ListObjectsV2Input{
			Bucket: aws.String(c.bucket),
			Prefix: aws.String(prefix),
		})

		for paginator.HasMorePages() {
			page, err := paginator.NextPage(ctx)
			if err != nil {
				errCh <- mapS3Error(err)
				return
			}

			for _, obj := range page.Contents {
				select {
				case objCh <- ObjectInfo{
					Key:          aws.ToString(obj.Key),
					Size:         aws.ToInt64(obj.Size),
					ETag:         trimETag(aws.ToString(obj.ETag)),
					LastModified: aws.ToTime(obj.LastModified),
				}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return objCh, errCh
}

// Head gets object metadata
func (c *S3Client) Head(ctx context.Context, key string) (ObjectInfo, error) {
	out, err := c.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return ObjectInfo{}, mapS3Error(err)
	}

	return ObjectInfo{
		Key:          key,
		Size:         aws.ToInt64(out.ContentLength),
		ETag:         trimETag(aws.ToString(out.ETag)),
		LastModified: aws.ToTime(out.LastModified),
		ContentType:  aws.ToString(out.ContentType),
	}, nil
}

// GetRange streams length bytes of key starting at offset
func (c *S3Client) GetRange(ctx context.Context, key string, offset, length int64, etag string) (io.ReadCloser, error) {
	in := &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
		Range:  aws.String(fmt.Sprintf("bytes=%d-%d", offset, offset+length-1)),
	}
	if etag != "" {
		in.IfMatch = aws.String(`"` + etag + `"`)
	}

	out, err := c.client.GetObject(ctx, in)
	if err != nil {
		return nil, mapS3Error(err)
	}
	return out.Body, nil
}

// Put uploads an object in a single request
func (c *S3Client) Put(ctx context.Context, key string, reader io.Reader, size int64) (string, error) {
	out, err := c.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(c.bucket),
		Key:           aws.String(key),
		Body:          reader,
		ContentLength: aws.Int64(size),
		ContentType:   aws.String("application/octet-stream"),
	}, unsignedPayload)
	if err != nil {
		return "", mapS3Error(err)
	}
	return trimETag(aws.ToString(out.ETag)), nil
}

// Delete removes an object
func (c *S3Client) Delete(ctx context.Context, key string) error {
	_, err := c.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	return mapS3Error(err)
}

// Copy copies an object within the bucket
func (c *S3Client) Copy(ctx context.Context, srcKey, dstKey string) error {
	_, err := c.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(c.bucket),
		Key:        aws.String(dstKey),
		CopySource: aws.String(c.bucket + "/" + srcKey),
	})
	return mapS3Error(err)
}

// InitiateMultipart initiates a multipart upload
func (c *S3Client) InitiateMultipart(ctx context.Context, key string) (string, error) {
	out, err := c.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket:      aws.String(c.bucket),
		Key:         aws.String(key),
		ContentType: aws.String("application/octet-stream"),
	})
	if err != nil {
		return "", mapS3Error(err)
	}
	if out.UploadId == nil {
		return "", fmt.Errorf("no upload id returned for %s", key)
	}
	return *out.UploadId, nil
}

// UploadPart uploads a part
func (c *S3Client) UploadPart(ctx context.Context, key, uploadID string, partNumber int, reader io.Reader, size int64) (string, error) {
	out, err := c.client.UploadPart(ctx, &s3.UploadPartInput{
		Bucket:        aws.String(c.bucket),
		Key:           aws.String(key),
		UploadId:      aws.String(uploadID),
		PartNumber:    aws.Int32(int32(partNumber)),
		Body:          reader,
		ContentLength: aws.Int64(size),
	}, unsignedPayload)
	if err != nil {
		return "", mapS3Error(err)
	}
	return trimETag(aws.ToString(out.ETag)), nil
}

// CompleteMultipart completes a multipart upload
func (c *S3Client) CompleteMultipart(ctx context.Context, key, uploadID string, parts []CompletedPart) (string, error) {
	completed := make([]types.CompletedPart, len(parts))
	for i, part := range parts {
		completed[i] = types.CompletedPart{
			PartNumber: aws.Int32(int32(part.PartNumber)),
			ETag:       aws.String(part.ETag),
		}
	}

	out, err := c.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(c.bucket),
		Key:             aws.String(key),
		UploadId:        aws.String(uploadID),
		MultipartUpload: &types.CompletedMultipartUpload{Parts: completed},
	})
	if err != nil {
		return "", mapS3Error(err)
	}
	return trimETag(aws.ToString(out.ETag)), nil
}

// AbortMultipart aborts a multipart upload
func (c *S3Client) AbortMultipart(ctx context.Context, key, uploadID string) error {
	_, err := c.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(c.bucket),
		Key:      aws.String(key),
		UploadId: aws.String(uploadID),
	})
	return mapS3Error(err)
}

// ListParts lists the parts already stored for a multipart upload
func (c *S3Client) ListParts(ctx context.Context, key, uploadID string) ([]CompletedPart, error) {
	paginator := s3.NewListPartsPaginator(c.client, &s3.ListPartsInput{
		Bucket:   aws.String(c.bucket),
		Key:      aws.String(key),
		UploadId: aws.String(uploadID),
	})

	var parts []CompletedPart
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, mapS3Error(err)
		}
		for _, p := range page.Parts {
			parts = append(parts, CompletedPart{
				PartNumber: int(aws.ToInt32(p.PartNumber)),
				ETag:       trimETag(aws.ToString(p.ETag)),
				Size:       aws.ToInt64(p.Size),
			})
		}
	}
	return parts, nil
}

func trimETag(etag string) string {
	return strings.Trim(etag, `"`)
}

func mapS3Error(err error) error {
	if err == nil {
		return nil
	}

	var noUpload *types.NoSuchUpload
	if errors.As(err, &noUpload) {
		return fmt.Errorf("%w: %w", ErrNoSuchUpload, err)
	}
	var noKey *types.NoSuchKey
	var notFound *types.NotFound
	if errors.As(err, &noKey) || errors.As(err, &notFound) {
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	}
	return err
}

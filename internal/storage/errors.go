package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"strings"
	"syscall"

	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/smithy-go"
	"github.com/minio/minio-go/v7"
)

// IntegrityError reports a checksum or length mismatch for transferred bytes
type IntegrityError struct {
	Expected string
	Actual   string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("integrity mismatch: expected %s, got %s", e.Expected, e.Actual)
}

var retryableCodes = map[string]bool{
	"SlowDown":                   true,
	"Throttling":                 true,
	"ThrottlingException":        true,
	"RequestTimeout":             true,
	"RequestTimeTooSkewed":       true,
	"InternalError":              true,
	"ServiceUnavailable":         true,
	"XMinioServerNotInitialized": true,
}

// IsRetryable reports whether err is a transient failure worth another attempt.
// Timeouts, connection resets, throttling and 5xx responses are transient;
// auth failures, missing keys, other 4xx and local filesystem errors are not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var integrity *IntegrityError
	if errors.As(err, &integrity) {
		return true
	}

	if errors.Is(err, ErrNoSuchUpload) || errors.Is(err, ErrNotFound) {
		return false
	}

	var pathErr *fs.PathError
	if errors.As(err, &pathErr) {
		return false
	}

	if status, code, ok := responseStatus(err); ok {
		if retryableCodes[code] {
			return true
		}
		if status == 429 || status >= 500 {
			return true
		}
		if status >= 400 {
			return false
		}
	}

	if errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	return matchesTransientMessage(err)
}

// responseStatus extracts the HTTP status and provider error code, if any
func responseStatus(err error) (int, string, bool) {
	var minioErr minio.ErrorResponse
	if errors.As(err, &minioErr) && (minioErr.StatusCode != 0 || minioErr.Code != "") {
		return minioErr.StatusCode, minioErr.Code, true
	}

	status := 0
	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		status = respErr.HTTPStatusCode()
	}

	code := ""
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code = apiErr.ErrorCode()
	}

	if status == 0 && code == "" {
		return 0, "", false
	}
	return status, code, true
}

// matchesTransientMessage is a last resort for errors without structure
func matchesTransientMessage(err error) bool {
	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "temporary") ||
		strings.Contains(errStr, "internal server error") ||
		strings.Contains(errStr, "bad gateway") ||
		strings.Contains(errStr, "service unavailable") ||
		strings.Contains(errStr, "gateway timeout")
}

package worker

import (
	"io"
	"time"

	"s3drive/internal/checkpoint"
)

// Task represents one part of a transfer. LocalPath is the file read for
// uploads and the partial file written for downloads. Single sends the whole
// object with one put instead of a part upload. Owner is the lease holder
// the part is claimed under.
type Task struct {
	TransferID   string               `json:"transfer_id"`
	Owner        string               `json:"owner"`
	Direction    checkpoint.Direction `json:"direction"`
	LocalPath    string               `json:"local_path"`
	RemoteKey    string               `json:"remote_key"`
	SessionToken string               `json:"session_token,omitempty"`
	RemoteETag   string               `json:"remote_etag,omitempty"`
	Single       bool                 `json:"single"`
	PartNumber   int                  `json:"part_number"`
	Offset       int64                `json:"offset"`
	Length       int64                `json:"length"`
}

// Config contains worker configuration
type Config struct {
	Concurrency        int
	MaxConcurrentParts int
	Retries            int
	RetryBackoffMs     int
	PartTimeout        time.Duration
	BandwidthLimit     int64 // bytes/second, 0 is unlimited
	VerifyChecksums    bool
	Transform          Transform
}

// Transform wraps part streams. Wrappers receive the part's offset in the
// file and must preserve length.
type Transform interface {
	Reader(r io.Reader, offset int64) io.Reader
	Writer(w io.Writer, offset int64) io.Writer
}

// Identity is the default Transform
type Identity struct{}

func (Identity) Reader(r io.Reader, _ int64) io.Reader { return r }

func (Identity) Writer(w io.Writer, _ int64) io.Writer { return w }

package chunk

import (
	"errors"
	"fmt"
)

const (
	KiB int64 = 1024
	MiB       = 1024 * KiB
	GiB       = 1024 * MiB
)

// DefaultPartSize is used when no part size is configured
const DefaultPartSize = 10 * MiB

var (
	ErrEmptyFile       = errors.New("file is empty")
	ErrInvalidPartSize = errors.New("part size must be positive")
	ErrFileTooLarge    = errors.New("file exceeds provider multipart limits")
)

// Part is one contiguous byte range of a file
type Part struct {
	Number int
	Offset int64
	Length int64
}

// End returns the exclusive end offset of the part
func (p Part) End() int64 {
	return p.Offset + p.Length
}

// Limits describes the multipart constraints of a provider
type Limits struct {
	MaxParts    int
	MinPartSize int64
	MaxPartSize int64
	Granularity int64
}

// DefaultLimits matches S3 and R2 multipart constraints
var DefaultLimits = Limits{
	MaxParts:    10000,
	MinPartSize: 5 * MiB,
	MaxPartSize: 5 * GiB,
	Granularity: MiB,
}

// Plan splits totalSize bytes into parts using DefaultLimits
func Plan(totalSize, partSize int64) ([]Part, error) {
	return DefaultLimits.Plan(totalSize, partSize)
}

// Plan splits totalSize bytes into ordered parts of partSize bytes,
// escalating the part size when the count would exceed MaxParts.
func (l Limits) Plan(totalSize, partSize int64) ([]Part, error) {
	size, err := l.EffectivePartSize(totalSize, partSize)
	if err != nil {
		return nil, err
	}

	count := ceilDiv(totalSize, size)
	parts := make([]Part, 0, count)
	for i := int64(0); i < count; i++ {
		offset := i * size
		length := size
		if offset+length > totalSize {
			length = totalSize - offset
		}
		parts = append(parts, Part{
			Number: int(i) + 1,
			Offset: offset,
			Length: length,
		})
	}

	return parts, nil
}

// EffectivePartSize returns the part size Plan would use
func (l Limits) EffectivePartSize(totalSize, partSize int64) (int64, error) {
	if totalSize <= 0 {
		return 0, ErrEmptyFile
	}
	if partSize <= 0 {
		return 0, ErrInvalidPartSize
	}

	if totalSize <= partSize {
		return partSize, nil
	}

	if l.MaxParts > 0 && ceilDiv(totalSize, partSize) > int64(l.MaxParts) {
		partSize = ceilDiv(totalSize, int64(l.MaxParts))
		if l.Granularity > 0 {
			partSize = ceilDiv(partSize, l.Granularity) * l.Granularity
		}
		if l.MaxPartSize > 0 && partSize > l.MaxPartSize {
			return 0, fmt.Errorf("%w: %d bytes needs parts of %d bytes", ErrFileTooLarge, totalSize, partSize)
		}
	}

	return partSize, nil
}

// PartCount returns the number of parts Plan would produce
func (l Limits) PartCount(totalSize, partSize int64) (int, error) {
	size, err := l.EffectivePartSize(totalSize, partSize)
	if err != nil {
		return 0, err
	}
	return int(ceilDiv(totalSize, size)), nil
}

func ceilDiv(a, b int64) int64 {
	return (a + b - 1) / b
}

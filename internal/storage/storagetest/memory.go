// Package storagetest provides an in-memory storage.Client with call
// recording and fault injection for engine and sync tests.
package storagetest

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/minio/minio-go/v7"

	"s3drive/internal/storage"
)

// UploadPartHook runs before a part upload is stored. Returning an error
// fails the call; blocking delays it.
type UploadPartHook func(ctx context.Context, key string, partNumber, call int) error

// GetRangeHook runs before a ranged read is served
type GetRangeHook func(ctx context.Context, key string, offset int64, call int) error

// InitiateHook runs before a multipart session is created. Returning an
// error fails the call.
type InitiateHook func(ctx context.Context, key string, call int) error

type object struct {
	data         []byte
	etag         string
	lastModified time.Time
}

type session struct {
	key   string
	parts map[int][]byte
}

// Memory is an in-memory S3-compatible object store
type Memory struct {
	mu       sync.Mutex
	objects  map[string]object
	sessions map[string]*session
	nextID   int
	now      func() time.Time

	OnUploadPart UploadPartHook
	OnGetRange   GetRangeHook
	OnInitiate   InitiateHook

	uploadCalls   map[int]int
	getCalls      int
	initiated     int
	initiateCalls int
	aborted       []string
	completed     [][]storage.CompletedPart
	puts          int
}

// NewMemory creates an empty store
func NewMemory() *Memory {
	return &Memory{
		objects:     make(map[string]object),
		sessions:    make(map[string]*session),
		uploadCalls: make(map[int]int),
		now:         time.Now,
	}
}

// SetObject stores data under key as if it had been uploaded with a single put
func (m *Memory) SetObject(key string, data []byte, lastModified time.Time) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	etag := md5Hex(data)
	m.objects[key] = object{data: append([]byte(nil), data...), etag: etag, lastModified: lastModified}
	return etag
}

// Object returns the stored bytes for key
func (m *Memory) Object(key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	obj, ok := m.objects[key]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), obj.data...), true
}

// UploadPartCalls returns how many times each part number was uploaded
func (m *Memory) UploadPartCalls() map[int]int {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[int]int, len(m.uploadCalls))
	for k, v := range m.uploadCalls {
		out[k] = v
	}
	return out
}

// TotalUploadPartCalls returns the number of part upload calls
func (m *Memory) TotalUploadPartCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	total := 0
	for _, v := range m.uploadCalls {
		total += v
	}
	return total
}

// Completed returns the manifests passed to CompleteMultipart
func (m *Memory) Completed() [][]storage.CompletedPart {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]storage.CompletedPart(nil), m.completed...)
}

// Aborted returns the upload ids passed to AbortMultipart
func (m *Memory) Aborted() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.aborted...)
}

// Initiated returns how many multipart sessions were started
func (m *Memory) Initiated() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.initiated
}

// Puts returns how many single-request uploads were made
func (m *Memory) Puts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.puts
}

// GetCalls returns how many ranged reads were made
func (m *Memory) GetCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getCalls
}

// OpenSessions returns the number of multipart sessions not yet completed or aborted
func (m *Memory) OpenSessions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// DropSession forgets a multipart session, as a provider expiring it would
func (m *Memory) DropSession(uploadID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, uploadID)
}

func (m *Memory) List(ctx context.Context, prefix string) (<-chan storage.ObjectInfo, <-chan error) {
	m.mu.Lock()
	var infos []storage.ObjectInfo
	for key, obj := range m.objects {
		if strings.HasPrefix(key, prefix) {
			infos = append(infos, storage.ObjectInfo{
				Key:          key,
				Size:         int64(len(obj.data)),
				ETag:         obj.etag,
				LastModified: obj.lastModified,
			})
		}
	}
	m.mu.Unlock()

	sort.Slice(infos, func(i, j int) bool { return infos[i].Key < infos[j].Key })

	objCh := make(chan storage.ObjectInfo)
	errCh := make(chan error, 1)
	go func() {
		defer close(objCh)
		defer close(errCh)
		for _, info := range infos {
			select {
			case objCh <- info:
			case <-ctx.Done():
				return
			}
		}
	}()
	return objCh, errCh
}

func (m *Memory) Head(ctx context.Context, key string) (storage.ObjectInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	obj, ok := m.objects[key]
	if !ok {
		return storage.ObjectInfo{}, fmt.Errorf("%w: %s", storage.ErrNotFound, key)
	}
	return storage.ObjectInfo{
		Key:          key,
		Size:         int64(len(obj.data)),
		ETag:         obj.etag,
		LastModified: obj.lastModified,
	}, nil
}

func (m *Memory) GetRange(ctx context.Context, key string, offset, length int64, etag string) (io.ReadCloser, error) {
	m.mu.Lock()
	m.getCalls++
	call := m.getCalls
	hook := m.OnGetRange
	m.mu.Unlock()

	if hook != nil {
		if err := hook(ctx, key, offset, call); err != nil {
			return nil, err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	obj, ok := m.objects[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, key)
	}
	if etag != "" && etag != obj.etag {
		return nil, minio.ErrorResponse{StatusCode: 412, Code: "PreconditionFailed"}
	}
	if offset < 0 || offset+length > int64(len(obj.data)) {
		return nil, minio.ErrorResponse{StatusCode: 416, Code: "InvalidRange"}
	}
	return io.NopCloser(bytes.NewReader(append([]byte(nil), obj.data[offset:offset+length]...))), nil
}

func (m *Memory) Put(ctx context.Context, key string, reader io.Reader, size int64) (string, error) {
	data, err := io.ReadAll(reader)
	if err != nil {
		return "", err
	}
	if int64(len(data)) != size {
		return "", minio.ErrorResponse{StatusCode: 400, Code: "IncompleteBody"}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.puts++
	etag := md5Hex(data)
	m.objects[key] = object{data: data, etag: etag, lastModified: m.now()}
	return etag, nil
}

func (m *Memory) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

func (m *Memory) Copy(ctx context.Context, srcKey, dstKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	obj, ok := m.objects[srcKey]
	if !ok {
		return fmt.Errorf("%w: %s", storage.ErrNotFound, srcKey)
	}
	obj.lastModified = m.now()
	m.objects[dstKey] = obj
	return nil
}

func (m *Memory) InitiateMultipart(ctx context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.initiateCalls++
	if m.OnInitiate != nil {
		if err := m.OnInitiate(ctx, key, m.initiateCalls); err != nil {
			return "", err
		}
	}

	m.nextID++
	m.initiated++
	id := fmt.Sprintf("upload-%d", m.nextID)
	m.sessions[id] = &session{key: key, parts: make(map[int][]byte)}
	return id, nil
}

func (m *Memory) UploadPart(ctx context.Context, key, uploadID string, partNumber int, reader io.Reader, size int64) (string, error) {
	m.mu.Lock()
	m.uploadCalls[partNumber]++
	call := m.uploadCalls[partNumber]
	hook := m.OnUploadPart
	m.mu.Unlock()

	if hook != nil {
		if err := hook(ctx, key, partNumber, call); err != nil {
			return "", err
		}
	}

	data, err := io.ReadAll(reader)
	if err != nil {
		return "", err
	}
	if int64(len(data)) != size {
		return "", minio.ErrorResponse{StatusCode: 400, Code: "IncompleteBody"}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[uploadID]
	if !ok || s.key != key {
		return "", fmt.Errorf("%w: %s", storage.ErrNoSuchUpload, uploadID)
	}
	s.parts[partNumber] = data
	return md5Hex(data), nil
}

func (m *Memory) CompleteMultipart(ctx context.Context, key, uploadID string, parts []storage.CompletedPart) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.completed = append(m.completed, append([]storage.CompletedPart(nil), parts...))

	s, ok := m.sessions[uploadID]
	if !ok || s.key != key {
		return "", fmt.Errorf("%w: %s", storage.ErrNoSuchUpload, uploadID)
	}

	var (
		buf    bytes.Buffer
		hashes []byte
		last   int
	)
	for _, p := range parts {
		if p.PartNumber <= last {
			return "", minio.ErrorResponse{StatusCode: 400, Code: "InvalidPartOrder"}
		}
		last = p.PartNumber

		data, ok := s.parts[p.PartNumber]
		if !ok || md5Hex(data) != p.ETag {
			return "", minio.ErrorResponse{StatusCode: 400, Code: "InvalidPart"}
		}
		buf.Write(data)
		sum := md5.Sum(data)
		hashes = append(hashes, sum[:]...)
	}

	etag := fmt.Sprintf("%s-%d", md5Hex(hashes), len(parts))
	m.objects[key] = object{data: buf.Bytes(), etag: etag, lastModified: m.now()}
	delete(m.sessions, uploadID)
	return etag, nil
}

func (m *Memory) AbortMultipart(ctx context.Context, key, uploadID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.aborted = append(m.aborted, uploadID)
	if _, ok := m.sessions[uploadID]; !ok {
		return fmt.Errorf("%w: %s", storage.ErrNoSuchUpload, uploadID)
	}
	delete(m.sessions, uploadID)
	return nil
}

func (m *Memory) ListParts(ctx context.Context, key, uploadID string) ([]storage.CompletedPart, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[uploadID]
	if !ok || s.key != key {
		return nil, fmt.Errorf("%w: %s", storage.ErrNoSuchUpload, uploadID)
	}

	parts := make([]storage.CompletedPart, 0, len(s.parts))
	for n, data := range s.parts {
		parts = append(parts, storage.CompletedPart{PartNumber: n, ETag: md5Hex(data), Size: int64(len(data))})
	}
	sort.Slice(parts, func(i, j int) bool { return parts[i].PartNumber < parts[j].PartNumber })
	return parts, nil
}

func md5Hex(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}

var _ storage.Client = (*Memory)(nil)

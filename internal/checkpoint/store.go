package checkpoint

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound          = errors.New("record not found")
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrIncomplete        = errors.New("transfer has unfinished parts")
	ErrLeaseLost         = errors.New("transfer lease is held by another process")
)

// Direction is the way bytes move for a transfer
type Direction string

const (
	DirectionUpload   Direction = "upload"
	DirectionDownload Direction = "download"
)

// TransferState represents the lifecycle state of a transfer
type TransferState string

const (
	StatePending   TransferState = "pending"
	StateActive    TransferState = "active"
	StatePaused    TransferState = "paused"
	StateCompleted TransferState = "completed"
	StateFailed    TransferState = "failed"
	StateCancelled TransferState = "cancelled"
)

var transitions = map[TransferState][]TransferState{
	StatePending: {StateActive, StatePaused, StateCancelled},
	StateActive:  {StatePaused, StateCompleted, StateFailed, StateCancelled},
	StatePaused:  {StateActive, StateCancelled},
	StateFailed:  {StatePending, StateCancelled},
}

// CanTransition reports whether a transfer may move from one state to another
func CanTransition(from, to TransferState) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transitions are possible
func (s TransferState) Terminal() bool {
	switch s {
	case StateCompleted, StateCancelled:
		return true
	case StatePending, StateActive, StatePaused, StateFailed:
		return false
	}
	return false
}

// Valid reports whether s is a known state
func (s TransferState) Valid() bool {
	switch s {
	case StatePending, StateActive, StatePaused, StateCompleted, StateFailed, StateCancelled:
		return true
	}
	return false
}

// StopRequest asks the process holding a transfer's lease to stop it
type StopRequest string

const (
	StopNone   StopRequest = ""
	StopPause  StopRequest = "pause"
	StopCancel StopRequest = "cancel"
)

// PartState represents the state of a single byte range
type PartState string

const (
	PartPending    PartState = "pending"
	PartInProgress PartState = "in_progress"
	PartCompleted  PartState = "completed"
	PartFailed     PartState = "failed"
)

// TransferRecord represents one logical file movement
type TransferRecord struct {
	ID               string        `json:"id"`
	Direction        Direction     `json:"direction"`
	LocalPath        string        `json:"local_path"`
	RemoteKey        string        `json:"remote_key"`
	TotalSize        int64         `json:"total_size"`
	PartSize         int64         `json:"part_size"`
	SessionToken     string        `json:"session_token,omitempty"`
	RemoteETag       string        `json:"remote_etag,omitempty"`
	State            TransferState `json:"state"`
	BytesTransferred int64         `json:"bytes_transferred"`
	Error            string        `json:"error,omitempty"`
	SyncFolderID     int64         `json:"sync_folder_id,omitempty"`
	SourceModTime    time.Time     `json:"source_mod_time,omitempty"`
	CreatedAt        time.Time     `json:"created_at"`
	UpdatedAt        time.Time     `json:"updated_at"`
	CompletedAt      time.Time     `json:"completed_at,omitempty"`

	// Owner is the engine currently driving the transfer. The claim is
	// void once LeaseUntil passes.
	Owner       string      `json:"owner,omitempty"`
	LeaseUntil  time.Time   `json:"lease_until,omitempty"`
	StopRequest StopRequest `json:"stop_request,omitempty"`
}

// LeasedBy reports whether a live lease is held by anyone other than owner
func (t *TransferRecord) LeasedBy(owner string, now time.Time) bool {
	return t.Owner != "" && t.Owner != owner && t.LeaseUntil.After(now)
}

// PartRecord represents one byte range of a transfer
type PartRecord struct {
	TransferID   string    `json:"transfer_id"`
	PartNumber   int       `json:"part_number"`
	Offset       int64     `json:"offset"`
	Length       int64     `json:"length"`
	State        PartState `json:"state"`
	IntegrityTag string    `json:"integrity_tag,omitempty"`
	Attempts     int       `json:"attempts"`
	LastError    string    `json:"last_error,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// SyncFolder is a local directory backed up under a remote prefix
type SyncFolder struct {
	ID           int64     `json:"id"`
	LocalPath    string    `json:"local_path"`
	RemotePrefix string    `json:"remote_prefix"`
	Enabled      bool      `json:"enabled"`
	LastSyncAt   time.Time `json:"last_sync_at,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// SyncState is the local file state that produced a remote object
type SyncState struct {
	FolderID int64     `json:"folder_id"`
	RelPath  string    `json:"rel_path"`
	Size     int64     `json:"size"`
	ModTime  time.Time `json:"mod_time"`
	ETag     string    `json:"etag"`
	SyncedAt time.Time `json:"synced_at"`
}

// RemoteEntry is a cached remote listing row
type RemoteEntry struct {
	Key          string    `json:"key"`
	Size         int64     `json:"size"`
	ETag         string    `json:"etag"`
	LastModified time.Time `json:"last_modified"`
}

// TransferStore persists transfers and their parts
type TransferStore interface {
	CreateTransfer(ctx context.Context, t *TransferRecord, parts []PartRecord) error
	GetTransfer(ctx context.Context, id string) (*TransferRecord, error)
	ListTransfers(ctx context.Context, states ...TransferState) ([]*TransferRecord, error)
	FindOpenTransfer(ctx context.Context, dir Direction, localPath, remoteKey string) (*TransferRecord, error)
	SetSessionToken(ctx context.Context, id, token string) error
	TransitionTransfer(ctx context.Context, id string, to TransferState, errMsg string) error
	CompleteTransfer(ctx context.Context, id, remoteETag string) error
	DeleteTransfer(ctx context.Context, id string) error

	AcquireLease(ctx context.Context, id, owner string, ttl time.Duration) (bool, error)
	RenewLease(ctx context.Context, id, owner string, ttl time.Duration) (*TransferRecord, error)
	ReleaseLease(ctx context.Context, id, owner string) error
	RequestStop(ctx context.Context, id string, req StopRequest) error

	InsertParts(ctx context.Context, id string, parts []PartRecord) error
	ListParts(ctx context.Context, id string) ([]PartRecord, error)
	ClaimPart(ctx context.Context, id, owner string, partNumber int) (bool, error)
	RecordAttempt(ctx context.Context, id string, partNumber int, errMsg string) error
	CompletePart(ctx context.Context, id string, partNumber int, tag string) (int64, error)
	ReleasePart(ctx context.Context, id string, partNumber int) error
	FailPart(ctx context.Context, id string, partNumber int, errMsg string) error
	RequeueParts(ctx context.Context, id string) error
	RetryFailedParts(ctx context.Context, id string) error
	ResetAllParts(ctx context.Context, id string) error
	DeleteParts(ctx context.Context, id string) error
}

// SyncStore persists sync folder configuration and per-file sync state
type SyncStore interface {
	AddSyncFolder(ctx context.Context, localPath, remotePrefix string) (*SyncFolder, error)
	GetSyncFolder(ctx context.Context, id int64) (*SyncFolder, error)
	ListSyncFolders(ctx context.Context) ([]*SyncFolder, error)
	SetSyncFolderEnabled(ctx context.Context, id int64, enabled bool) error
	RemoveSyncFolder(ctx context.Context, id int64) error
	MarkSynced(ctx context.Context, id int64, at time.Time) error
	GetSyncStates(ctx context.Context, folderID int64) (map[string]SyncState, error)
	SaveSyncState(ctx context.Context, state SyncState) error
}

// ListingCache caches remote listings per prefix
type ListingCache interface {
	CachedListing(ctx context.Context, prefix string) ([]RemoteEntry, time.Time, error)
	ReplaceListing(ctx context.Context, prefix string, entries []RemoteEntry, at time.Time) error
	UpsertListingEntry(ctx context.Context, prefix string, entry RemoteEntry) error
	InvalidateListing(ctx context.Context, prefix string) error
}

// Store defines the interface for checkpoint persistence
type Store interface {
	TransferStore
	SyncStore
	ListingCache

	// Cleanup
	Close() error
}

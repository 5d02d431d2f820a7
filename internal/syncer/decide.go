package syncer

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"regexp"

	"s3drive/internal/checkpoint"
)

// ActionKind is what a reconciliation pass wants done with one local file
type ActionKind string

const (
	ActionUpload   ActionKind = "upload"
	ActionSkip     ActionKind = "skip"
	ActionConflict ActionKind = "conflict"
)

// ConflictPolicy resolves files changed both locally and remotely since the
// last sync
type ConflictPolicy string

const (
	PolicyAsk       ConflictPolicy = "ask"
	PolicyOverwrite ConflictPolicy = "overwrite"
	PolicySkip      ConflictPolicy = "skip"
)

// Valid reports whether p is a known policy
func (p ConflictPolicy) Valid() bool {
	switch p {
	case PolicyAsk, PolicyOverwrite, PolicySkip:
		return true
	}
	return false
}

// Action is the decision for one local file
type Action struct {
	Kind      ActionKind `json:"kind"`
	RelPath   string     `json:"rel_path"`
	LocalPath string     `json:"local_path"`
	RemoteKey string     `json:"remote_key"`
	Size      int64      `json:"size"`
	Reason    string     `json:"reason"`

	file LocalFile
}

var plainETag = regexp.MustCompile(`^[0-9a-f]{32}$`)

// decide compares one local file with its remote object and the state
// recorded when it was last synced
func decide(file LocalFile, key string, remote *checkpoint.RemoteEntry, state *checkpoint.SyncState, policy ConflictPolicy) (Action, error) {
	action := Action{
		RelPath:   file.RelPath,
		LocalPath: file.Path,
		RemoteKey: key,
		Size:      file.Size,
		file:      file,
	}
	result := func(kind ActionKind, reason string) (Action, error) {
		action.Kind = kind
		action.Reason = reason
		return action, nil
	}

	// empty files cannot be planned as transfers
	if file.Size == 0 {
		return result(ActionSkip, "empty file")
	}

	if remote == nil {
		return result(ActionUpload, "new file")
	}

	if state != nil {
		localChanged := state.Size != file.Size || !state.ModTime.Equal(file.ModTime)
		remoteChanged := remote.ETag != state.ETag

		switch {
		case !localChanged && !remoteChanged:
			return result(ActionSkip, "unchanged")
		case !localChanged:
			return result(ActionUpload, "remote object changed")
		case !remoteChanged:
			return result(ActionUpload, "local file changed")
		}

		switch policy {
		case PolicyOverwrite:
			return result(ActionUpload, "both changed, local wins")
		case PolicySkip:
			return result(ActionSkip, "both changed, remote kept")
		default:
			return result(ActionConflict, "both changed since last sync")
		}
	}

	if remote.Size != file.Size {
		return result(ActionUpload, "size differs")
	}

	if plainETag.MatchString(remote.ETag) {
		sum, err := fileMD5(file.Path)
		if err != nil {
			return Action{}, fmt.Errorf("failed to hash %s: %w", file.Path, err)
		}
		if sum == remote.ETag {
			return result(ActionSkip, "content matches")
		}
		return result(ActionUpload, "content differs")
	}

	if file.ModTime.After(remote.LastModified) {
		return result(ActionUpload, "local file is newer")
	}
	return result(ActionSkip, "remote object is newer")
}

func fileMD5(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	sum := md5.New()
	if _, err := io.Copy(sum, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(sum.Sum(nil)), nil
}

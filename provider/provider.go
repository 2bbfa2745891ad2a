package provider

import (
	"context"
	"errors"
	"io"
	"time"
)

var (
	// ErrNotFound is returned when an object does not exist.
	ErrNotFound = errors.New("object not found")

	// ErrBlockNotStaged is returned by Commit when a referenced block was
	// never staged.
	ErrBlockNotStaged = errors.New("block not staged")

	// ErrInvalidName is returned for object names that escape the container.
	ErrInvalidName = errors.New("invalid object name")

	// ErrInvalidRange is returned by ReadRange for an unsatisfiable range.
	ErrInvalidRange = errors.New("invalid byte range")
)

// ObjectInfo describes a committed object.
type ObjectInfo struct {
	Name         string
	Size         int64
	ContentType  string
	LastModified time.Time
}

// BlockStore is the object-storage capability the transfer engine writes
// through. Implementations hold no per-transfer state and are safe for
// concurrent use by many jobs.
type BlockStore interface {
	// EnsureContainer creates the destination namespace if needed.
	EnsureContainer(ctx context.Context) error

	// StageBlock uploads one block of object. Staging the same blockID again
	// replaces the earlier content. Blocks with different ids never affect
	// each other.
	StageBlock(ctx context.Context, object, blockID string, data []byte) error

	// Commit assembles object from the staged blocks in the given order and
	// releases them. Other staged blocks of object are left alone.
	Commit(ctx context.Context, object string, blockIDs []string, contentType string) error

	// Discard drops staged blocks that will never be committed. Unknown ids
	// are ignored.
	Discard(ctx context.Context, object string, blockIDs []string) error

	// Stat returns ErrNotFound when the object does not exist.
	Stat(ctx context.Context, object string) (ObjectInfo, error)

	// ReadRange streams bytes [start, end] inclusive of object.
	ReadRange(ctx context.Context, object string, start, end int64) (io.ReadCloser, error)
}

// CopyState is the lifecycle of a storage-side copy.
type CopyState string

const (
	CopyPending CopyState = "pending"
	CopySuccess CopyState = "success"
	CopyFailed  CopyState = "failed"
	CopyAborted CopyState = "aborted"
)

// CopyStatus is a snapshot of a storage-side copy.
type CopyStatus struct {
	ID          string
	State       CopyState
	Copied      int64
	Total       int64
	Description string
}

// RemoteCopier is implemented by stores that can fetch a public URL
// themselves, without the bytes passing through this process.
type RemoteCopier interface {
	StartCopy(ctx context.Context, object, sourceURL string) (copyID string, err error)
	CopyStatus(ctx context.Context, object string) (CopyStatus, error)
	AbortCopy(ctx context.Context, object, copyID string) error
}

// Exists reports whether object has been committed.
func Exists(ctx context.Context, s BlockStore, object string) (bool, error) {
	_, err := s.Stat(ctx, object)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

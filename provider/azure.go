package provider

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/streaming"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blockblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/container"
)

var (
	_ BlockStore   = (*AzureStore)(nil)
	_ RemoteCopier = (*AzureStore)(nil)
)

// AzureStore implements BlockStore and RemoteCopier on an Azure Blob
// Storage container using block blobs.
type AzureStore struct {
	container  *container.Client
	publicRead bool
}

// NewAzureStore connects to containerName with a storage account
// connection string.
func NewAzureStore(connectionString, containerName string, publicRead bool) (*AzureStore, error) {
	client, err := azblob.NewClientFromConnectionString(connectionString, nil)
	if err != nil {
		return nil, fmt.Errorf("unable to create azure blob client: %w", err)
	}

	return &AzureStore{
		container:  client.ServiceClient().NewContainerClient(containerName),
		publicRead: publicRead,
	}, nil
}

// azureBlockID encodes a block id the way the service requires: base64 of
// equal-length raw ids.
func azureBlockID(id string) string {
	return base64.StdEncoding.EncodeToString([]byte(id))
}

func (s *AzureStore) blob(object string) *blockblob.Client {
	return s.container.NewBlockBlobClient(object)
}

func (s *AzureStore) EnsureContainer(ctx context.Context) error {
	var opts *container.CreateOptions
	if s.publicRead {
		opts = &container.CreateOptions{Access: to.Ptr(container.PublicAccessTypeBlob)}
	}

	_, err := s.container.Create(ctx, opts)
	if err != nil && !bloberror.HasCode(err, bloberror.ContainerAlreadyExists) {
		return fmt.Errorf("failed to create container: %w", err)
	}
	return nil
}

func (s *AzureStore) StageBlock(ctx context.Context, object, blockID string, data []byte) error {
	if err := validName(object); err != nil {
		return err
	}

	body := streaming.NopCloser(bytes.NewReader(data))
	if _, err := s.blob(object).StageBlock(ctx, azureBlockID(blockID), body, nil); err != nil {
		return fmt.Errorf("failed to stage block %s of %s: %w", blockID, object, err)
	}
	return nil
}

func (s *AzureStore) Commit(ctx context.Context, object string, blockIDs []string, contentType string) error {
	if err := validName(object); err != nil {
		return err
	}

	encoded := make([]string, len(blockIDs))
	for i, id := range blockIDs {
		encoded[i] = azureBlockID(id)
	}

	opts := &blockblob.CommitBlockListOptions{}
	if contentType != "" {
		opts.HTTPHeaders = &blob.HTTPHeaders{BlobContentType: to.Ptr(contentType)}
	}

	if _, err := s.blob(object).CommitBlockList(ctx, encoded, opts); err != nil {
		if bloberror.HasCode(err, bloberror.InvalidBlockList) {
			return fmt.Errorf("%w: commit %s: %v", ErrBlockNotStaged, object, err)
		}
		return fmt.Errorf("failed to commit %s: %w", object, err)
	}
	return nil
}

// Discard is a no-op: the service drops uncommitted blocks on the next
// commit of the blob, or after a week.
func (s *AzureStore) Discard(ctx context.Context, object string, blockIDs []string) error {
	return validName(object)
}

func (s *AzureStore) Stat(ctx context.Context, object string) (ObjectInfo, error) {
	if err := validName(object); err != nil {
		return ObjectInfo{}, err
	}

	props, err := s.blob(object).GetProperties(ctx, nil)
	if err != nil {
		if bloberror.HasCode(err, bloberror.BlobNotFound) {
			return ObjectInfo{}, fmt.Errorf("%w: %s", ErrNotFound, object)
		}
		return ObjectInfo{}, fmt.Errorf("stat failed for %q: %w", object, err)
	}

	info := ObjectInfo{
		Name:        object,
		Size:        deref(props.ContentLength),
		ContentType: deref(props.ContentType),
	}
	if props.LastModified != nil {
		info.LastModified = *props.LastModified
	}
	return info, nil
}

func (s *AzureStore) ReadRange(ctx context.Context, object string, start, end int64) (io.ReadCloser, error) {
	if err := validName(object); err != nil {
		return nil, err
	}
	if start < 0 || end < start {
		return nil, fmt.Errorf("%w: %d-%d", ErrInvalidRange, start, end)
	}

	resp, err := s.blob(object).DownloadStream(ctx, &blob.DownloadStreamOptions{
		Range: blob.HTTPRange{Offset: start, Count: end - start + 1},
	})
	if err != nil {
		switch {
		case bloberror.HasCode(err, bloberror.BlobNotFound):
			return nil, fmt.Errorf("%w: %s", ErrNotFound, object)
		case bloberror.HasCode(err, bloberror.InvalidRange):
			return nil, fmt.Errorf("%w: %d-%d", ErrInvalidRange, start, end)
		}
		return nil, fmt.Errorf("failed to read %q: %w", object, err)
	}
	return resp.Body, nil
}

func (s *AzureStore) StartCopy(ctx context.Context, object, sourceURL string) (string, error) {
	if err := validName(object); err != nil {
		return "", err
	}

	resp, err := s.blob(object).StartCopyFromURL(ctx, sourceURL, nil)
	if err != nil {
		return "", fmt.Errorf("failed to start copy of %s: %w", object, err)
	}
	return deref(resp.CopyID), nil
}

func (s *AzureStore) CopyStatus(ctx context.Context, object string) (CopyStatus, error) {
	props, err := s.blob(object).GetProperties(ctx, nil)
	if err != nil {
		return CopyStatus{}, fmt.Errorf("failed to read copy status of %s: %w", object, err)
	}

	st := CopyStatus{
		ID:          deref(props.CopyID),
		State:       copyState(props.CopyStatus),
		Description: deref(props.CopyStatusDescription),
	}
	st.Copied, st.Total = parseCopyProgress(deref(props.CopyProgress))
	return st, nil
}

func (s *AzureStore) AbortCopy(ctx context.Context, object, copyID string) error {
	if _, err := s.blob(object).AbortCopyFromURL(ctx, copyID, nil); err != nil {
		// a copy that already finished cannot be aborted
		if bloberror.HasCode(err, bloberror.NoPendingCopyOperation) {
			return nil
		}
		return fmt.Errorf("failed to abort copy of %s: %w", object, err)
	}
	return nil
}

func copyState(st *blob.CopyStatusType) CopyState {
	if st == nil {
		return CopyPending
	}
	switch *st {
	case blob.CopyStatusTypeSuccess:
		return CopySuccess
	case blob.CopyStatusTypeFailed:
		return CopyFailed
	case blob.CopyStatusTypeAborted:
		return CopyAborted
	default:
		return CopyPending
	}
}

// parseCopyProgress parses the "copied/total" progress header.
func parseCopyProgress(s string) (copied, total int64) {
	a, b, ok := strings.Cut(s, "/")
	if !ok {
		return 0, 0
	}
	copied, _ = strconv.ParseInt(strings.TrimSpace(a), 10, 64)
	total, _ = strconv.ParseInt(strings.TrimSpace(b), 10, 64)
	return copied, total
}

func deref[T any](p *T) T {
	var zero T
	if p == nil {
		return zero
	}
	return *p
}

package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"
)

var (
	// ErrStatus is wrapped when a source answers with a non-2xx status.
	ErrStatus = errors.New("source returned an error status")

	// ErrNoBody is returned when a source response carries no body.
	ErrNoBody = errors.New("source returned no body")

	// ErrConsumed is returned when a one-shot stream is opened twice.
	ErrConsumed = errors.New("stream source already consumed")
)

// TransferSource is where the bytes of an import come from.
type TransferSource interface {
	// HasKnownLength reports whether Length is meaningful before reading.
	HasKnownLength() bool
	Length() int64
	RequiresCredential() bool
	// SupportsServerSideFetch reports whether a storage backend could fetch
	// the source by URL itself.
	SupportsServerSideFetch() bool
	// Open starts reading. The returned length is 0 when unknown.
	Open(ctx context.Context) (io.ReadCloser, int64, error)
	// String describes the source for logs and job records.
	String() string
}

// HTTPSource is a remote URL, optionally fetched with a caller credential.
type HTTPSource struct {
	URL          string
	Credential   Credential
	Credentialed bool
	Size         int64
	Client       *http.Client
}

func (s *HTTPSource) HasKnownLength() bool     { return s.Size > 0 }
func (s *HTTPSource) Length() int64            { return s.Size }
func (s *HTTPSource) RequiresCredential() bool { return s.Credentialed }
func (s *HTTPSource) String() string           { return s.URL }

func (s *HTTPSource) SupportsServerSideFetch() bool {
	return !s.Credentialed && s.Credential.IsZero()
}

func (s *HTTPSource) client() *http.Client {
	if s.Client != nil {
		return s.Client
	}
	return http.DefaultClient
}

func (s *HTTPSource) Open(ctx context.Context) (io.ReadCloser, int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.Credential.AuthorizedURL(s.URL), nil)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	s.Credential.Apply(req)

	resp, err := s.client().Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to fetch source: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		resp.Body.Close()
		return nil, 0, fmt.Errorf("%w: %s", ErrStatus, resp.Status)
	}
	if resp.Body == nil || resp.Body == http.NoBody {
		return nil, 0, ErrNoBody
	}

	size := resp.ContentLength
	if size < 0 {
		size = 0
	}
	return resp.Body, size, nil
}

// FileSource is a file on the local filesystem.
type FileSource struct {
	Path string
	Size int64
}

func (s *FileSource) HasKnownLength() bool          { return s.Size > 0 }
func (s *FileSource) Length() int64                 { return s.Size }
func (s *FileSource) RequiresCredential() bool      { return false }
func (s *FileSource) SupportsServerSideFetch() bool { return false }
func (s *FileSource) String() string                { return "file://" + s.Path }

func (s *FileSource) Open(ctx context.Context) (io.ReadCloser, int64, error) {
	select {
	case <-ctx.Done():
		return nil, 0, ctx.Err()
	default:
	}

	f, err := os.Open(s.Path)
	if err != nil {
		return nil, 0, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, err
	}
	return f, info.Size(), nil
}

// StreamSource wraps an already-open stream such as an upload request body.
// It can be opened once.
type StreamSource struct {
	Name string
	Size int64

	mu     sync.Mutex
	reader io.ReadCloser
}

// NewStreamSource wraps r. size is 0 when unknown.
func NewStreamSource(name string, r io.ReadCloser, size int64) *StreamSource {
	return &StreamSource{Name: name, Size: size, reader: r}
}

func (s *StreamSource) HasKnownLength() bool          { return s.Size > 0 }
func (s *StreamSource) Length() int64                 { return s.Size }
func (s *StreamSource) RequiresCredential() bool      { return false }
func (s *StreamSource) SupportsServerSideFetch() bool { return false }
func (s *StreamSource) String() string                { return "stream://" + s.Name }

func (s *StreamSource) Open(ctx context.Context) (io.ReadCloser, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.reader == nil {
		return nil, 0, ErrConsumed
	}
	r := s.reader
	s.reader = nil
	return r, s.Size, nil
}

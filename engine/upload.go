package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/deepansarkar03/streamverse/provider"
	"github.com/deepansarkar03/streamverse/store"
)

var (
	// ErrUploadNotFound is returned for unknown or finished sessions.
	ErrUploadNotFound = errors.New("upload session not found")

	// ErrUploadClosed is returned when a block arrives after completion began.
	ErrUploadClosed = errors.New("upload session is closed")

	// ErrMissingBlocks is returned by Complete when the staged ordinals are
	// not contiguous from zero.
	ErrMissingBlocks = errors.New("upload is missing blocks")

	// ErrInvalidBlock is returned for out-of-range ordinals and empty or
	// oversized blocks.
	ErrInvalidBlock = errors.New("invalid block")

	// ErrUploadAborted is recorded on the job when the client aborts.
	ErrUploadAborted = errors.New("upload aborted by client")

	// ErrSizeMismatch is returned by Complete when the staged bytes differ
	// from the size declared at Open.
	ErrSizeMismatch = errors.New("staged size does not match declared size")
)

// UploadManager tracks browser uploads that stage blocks one request at a
// time and commit at the end. Each session owns one job record.
type UploadManager struct {
	store    provider.BlockStore
	tracker  *JobTracker
	maxBlock int

	mu       sync.Mutex
	sessions map[string]*UploadSession
}

// NewUploadManager creates a manager accepting blocks up to maxBlock bytes.
func NewUploadManager(bs provider.BlockStore, tracker *JobTracker, maxBlock int) *UploadManager {
	if maxBlock <= 0 {
		maxBlock = DefaultBlockSize
	}
	return &UploadManager{
		store:    bs,
		tracker:  tracker,
		maxBlock: maxBlock,
		sessions: make(map[string]*UploadSession),
	}
}

// MaxBlockSize returns the largest block a session accepts.
func (m *UploadManager) MaxBlockSize() int { return m.maxBlock }

// Open starts a session for object. total is 0 when unknown.
func (m *UploadManager) Open(ctx context.Context, object, contentType string, total int64) (*UploadSession, error) {
	if err := m.store.EnsureContainer(ctx); err != nil {
		return nil, err
	}

	id := uuid.NewString()
	progress, err := m.tracker.Create(&store.JobRecord{
		ID:              id,
		Status:          store.StatusPending,
		SourceURL:       "upload://" + object,
		DestinationName: object,
		ContentType:     contentType,
		Strategy:        "browser-upload",
		Message:         "waiting for blocks",
		TotalBytes:      total,
	})
	if err != nil {
		return nil, err
	}

	s := &UploadSession{
		ID:          id,
		Object:      object,
		ContentType: contentType,
		Total:       total,
		manager:     m,
		progress:    progress,
		scope:       NewStagingScope(),
		staged:      make(map[int]int64),
		lastSeen:    m.tracker.now(),
	}

	m.mu.Lock()
	m.sessions[id] = s
	m.mu.Unlock()
	return s, nil
}

// Get returns an open session.
func (m *UploadManager) Get(id string) (*UploadSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrUploadNotFound
	}
	return s, nil
}

func (m *UploadManager) remove(id string) {
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
}

// Len returns the number of open sessions.
func (m *UploadManager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Sweep fails sessions that have received nothing for longer than idle and
// returns how many were closed.
func (m *UploadManager) Sweep(idle time.Duration) int {
	now := m.tracker.now()

	m.mu.Lock()
	var expired []*UploadSession
	for _, s := range m.sessions {
		if s.idleSince(now) > idle {
			expired = append(expired, s)
		}
	}
	m.mu.Unlock()

	for _, s := range expired {
		s.fail(fmt.Errorf("%w: no block for %s", ErrStalled, idle))
	}
	return len(expired)
}

// UploadSession is one browser upload in progress.
type UploadSession struct {
	ID          string
	Object      string
	ContentType string
	Total       int64

	manager  *UploadManager
	progress *Progress
	scope    string

	mu       sync.Mutex
	staged   map[int]int64
	bytes    int64
	closed   bool
	lastSeen time.Time
}

func (s *UploadSession) idleSince(now time.Time) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0
	}
	return now.Sub(s.lastSeen)
}

// Record returns a snapshot of the session's job.
func (s *UploadSession) Record() *store.JobRecord {
	return s.progress.Snapshot()
}

// StageBlock stores block ordinal. Blocks may arrive in any order and may be
// re-sent; the last write wins.
func (s *UploadSession) StageBlock(ctx context.Context, ordinal int, data []byte) error {
	if ordinal < 0 || int64(ordinal) > int64(MaxBlockOrdinal) {
		return fmt.Errorf("%w: ordinal %d", ErrInvalidBlock, ordinal)
	}
	if len(data) == 0 || len(data) > s.manager.maxBlock {
		return fmt.Errorf("%w: %d bytes, limit %d", ErrInvalidBlock, len(data), s.manager.maxBlock)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrUploadClosed
	}
	first := len(s.staged) == 0
	s.lastSeen = s.manager.tracker.now()
	s.mu.Unlock()

	if first {
		if err := s.progress.MarkActive("receiving blocks"); err != nil && !errors.Is(err, store.ErrInvalidTransition) {
			return err
		}
	}

	id := ScopedBlockID(s.scope, ordinal)
	if err := s.manager.store.StageBlock(ctx, s.Object, id, data); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		// Aborted while this block was in flight; nothing will commit it.
		_ = s.manager.store.Discard(context.WithoutCancel(ctx), s.Object, []string{id})
		return ErrUploadClosed
	}
	s.bytes += int64(len(data)) - s.staged[ordinal]
	s.staged[ordinal] = int64(len(data))
	s.lastSeen = s.manager.tracker.now()
	s.progress.Report(s.bytes, s.Total)
	return nil
}

// Complete commits the staged blocks in ordinal order and finishes the job.
// When blocks are missing the session stays open so they can be sent.
func (s *UploadSession) Complete(ctx context.Context) (*store.JobRecord, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrUploadClosed
	}
	ordinals := make([]int, 0, len(s.staged))
	for o := range s.staged {
		ordinals = append(ordinals, o)
	}
	sort.Ints(ordinals)
	if len(ordinals) == 0 {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: no blocks staged", ErrMissingBlocks)
	}
	if missing := missingOrdinals(ordinals); len(missing) > 0 {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %v", ErrMissingBlocks, missing)
	}
	if s.Total > 0 && s.bytes != s.Total {
		bytes := s.bytes
		s.mu.Unlock()
		if bytes < s.Total {
			return nil, fmt.Errorf("%w: staged %d of %d bytes", ErrMissingBlocks, bytes, s.Total)
		}
		return nil, fmt.Errorf("%w: staged %d bytes, declared %d", ErrSizeMismatch, bytes, s.Total)
	}
	s.closed = true
	bytes := s.bytes
	ids := s.blockIDs()
	s.mu.Unlock()

	defer s.manager.remove(s.ID)
	if err := s.manager.store.Commit(ctx, s.Object, ids, s.ContentType); err != nil {
		err = fmt.Errorf("commit %s: %w", s.Object, err)
		_ = s.manager.store.Discard(context.WithoutCancel(ctx), s.Object, ids)
		_ = s.progress.Fail(err)
		return nil, err
	}
	if err := s.progress.Complete(bytes, ""); err != nil {
		return nil, err
	}
	return s.progress.Snapshot(), nil
}

// Abort closes the session, fails its job and discards its staged blocks.
func (s *UploadSession) Abort() error {
	if !s.fail(ErrUploadAborted) {
		return ErrUploadClosed
	}
	return nil
}

func (s *UploadSession) fail(cause error) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.closed = true
	ids := s.blockIDs()
	s.mu.Unlock()

	s.manager.remove(s.ID)
	if len(ids) > 0 {
		// Best effort; the session is gone either way.
		_ = s.manager.store.Discard(context.Background(), s.Object, ids)
	}
	_ = s.progress.Fail(cause)
	return true
}

// blockIDs returns the staged block ids in ordinal order. s.mu must be held.
func (s *UploadSession) blockIDs() []string {
	ordinals := make([]int, 0, len(s.staged))
	for o := range s.staged {
		ordinals = append(ordinals, o)
	}
	sort.Ints(ordinals)

	ids := make([]string, len(ordinals))
	for i, o := range ordinals {
		ids[i] = ScopedBlockID(s.scope, o)
	}
	return ids
}

// missingOrdinals lists the gaps in a sorted ordinal list starting at zero,
// capped at 16 entries.
func missingOrdinals(sorted []int) []int {
	var missing []int
	want := 0
	for _, o := range sorted {
		for ; want < o && len(missing) < 16; want++ {
			missing = append(missing, want)
		}
		want = o + 1
	}
	return missing
}

package engine

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/deepansarkar03/streamverse/store"
)

func newTestUploads(maxBlock int) (*UploadManager, *memBlockStore, *fakeClock, store.Store) {
	tracker, cs, clock := newTestTracker()
	bs := newMemBlockStore()
	return NewUploadManager(bs, tracker, maxBlock), bs, clock, cs
}

func TestUpload_OutOfOrderBlocks(t *testing.T) {
	m, bs, _, s := newTestUploads(4)
	ctx := context.Background()

	sess, err := m.Open(ctx, "home.mp4", "video/mp4", 10)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	blocks := map[int][]byte{
		2: []byte("ij"),
		0: []byte("abcd"),
		1: []byte("efgh"),
	}
	for _, o := range []int{2, 0, 1} {
		if err := sess.StageBlock(ctx, o, blocks[o]); err != nil {
			t.Fatalf("StageBlock(%d) failed: %v", o, err)
		}
	}
	// re-sending a block replaces it without double counting
	if err := sess.StageBlock(ctx, 1, []byte("EFGH")); err != nil {
		t.Fatal(err)
	}

	record, err := sess.Complete(ctx)
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if record.Status != store.StatusCompleted {
		t.Errorf("Expected completed, got %s", record.Status)
	}
	if record.BytesTransferred != 10 {
		t.Errorf("Expected 10 bytes, got %d", record.BytesTransferred)
	}
	if got := bs.object("home.mp4"); !bytes.Equal(got, []byte("abcdEFGHij")) {
		t.Errorf("Unexpected object %q", got)
	}

	stored, err := s.Get(sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Status != store.StatusCompleted {
		t.Errorf("Expected stored record completed, got %s", stored.Status)
	}

	if _, err := m.Get(sess.ID); !errors.Is(err, ErrUploadNotFound) {
		t.Errorf("Expected finished session to be gone, got %v", err)
	}
}

func TestUpload_MissingBlocksKeepsSessionOpen(t *testing.T) {
	m, bs, _, _ := newTestUploads(4)
	ctx := context.Background()

	sess, _ := m.Open(ctx, "gap.mp4", "video/mp4", 0)
	sess.StageBlock(ctx, 0, []byte("a"))
	sess.StageBlock(ctx, 2, []byte("c"))

	if _, err := sess.Complete(ctx); !errors.Is(err, ErrMissingBlocks) {
		t.Fatalf("Expected ErrMissingBlocks, got %v", err)
	}
	if bs.commitCount() != 0 {
		t.Error("Expected no commit with a gap")
	}

	if err := sess.StageBlock(ctx, 1, []byte("b")); err != nil {
		t.Fatalf("Expected session to accept the missing block, got %v", err)
	}
	if _, err := sess.Complete(ctx); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if got := bs.object("gap.mp4"); string(got) != "abc" {
		t.Errorf("Unexpected object %q", got)
	}
}

func TestUpload_InvalidBlocks(t *testing.T) {
	m, _, _, _ := newTestUploads(4)
	ctx := context.Background()
	sess, _ := m.Open(ctx, "x.mp4", "video/mp4", 0)

	tests := []struct {
		name    string
		ordinal int
		data    []byte
	}{
		{"negative ordinal", -1, []byte("a")},
		{"empty block", 0, nil},
		{"oversized block", 0, []byte("abcde")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := sess.StageBlock(ctx, tt.ordinal, tt.data); !errors.Is(err, ErrInvalidBlock) {
				t.Errorf("Expected ErrInvalidBlock, got %v", err)
			}
		})
	}

	if _, err := sess.Complete(ctx); !errors.Is(err, ErrMissingBlocks) {
		t.Errorf("Expected ErrMissingBlocks with nothing staged, got %v", err)
	}
}

func TestUpload_Abort(t *testing.T) {
	m, bs, _, s := newTestUploads(4)
	ctx := context.Background()

	sess, _ := m.Open(ctx, "abort.mp4", "video/mp4", 0)
	sess.StageBlock(ctx, 0, []byte("a"))

	if err := sess.Abort(); err != nil {
		t.Fatal(err)
	}
	if err := sess.Abort(); !errors.Is(err, ErrUploadClosed) {
		t.Errorf("Expected second abort to report ErrUploadClosed, got %v", err)
	}
	if err := sess.StageBlock(ctx, 1, []byte("b")); !errors.Is(err, ErrUploadClosed) {
		t.Errorf("Expected ErrUploadClosed, got %v", err)
	}

	record, _ := s.Get(sess.ID)
	if record.Status != store.StatusFailed {
		t.Errorf("Expected failed, got %s", record.Status)
	}
	if record.Error != ErrUploadAborted.Error() {
		t.Errorf("Unexpected error %q", record.Error)
	}
	if n := bs.stagedCount(); n != 0 {
		t.Errorf("Expected aborted blocks discarded, %d left", n)
	}
}

func TestUpload_DeclaredSizeEnforced(t *testing.T) {
	m, bs, _, _ := newTestUploads(4)
	ctx := context.Background()

	sess, _ := m.Open(ctx, "sized.mp4", "video/mp4", 10)
	sess.StageBlock(ctx, 0, []byte("abcd"))
	sess.StageBlock(ctx, 1, []byte("efgh"))

	if _, err := sess.Complete(ctx); !errors.Is(err, ErrMissingBlocks) {
		t.Fatalf("Expected ErrMissingBlocks for a short upload, got %v", err)
	}
	if bs.commitCount() != 0 {
		t.Error("Expected no commit for a short upload")
	}

	// a re-sent block with a new size replaces the old count
	sess.StageBlock(ctx, 2, []byte("ijkl"))
	if _, err := sess.Complete(ctx); !errors.Is(err, ErrSizeMismatch) {
		t.Fatalf("Expected ErrSizeMismatch for an oversized upload, got %v", err)
	}
	sess.StageBlock(ctx, 2, []byte("ij"))

	record, err := sess.Complete(ctx)
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if record.BytesTransferred != 10 {
		t.Errorf("Expected 10 bytes, got %d", record.BytesTransferred)
	}
	if got := bs.object("sized.mp4"); string(got) != "abcdefghij" {
		t.Errorf("Unexpected object %q", got)
	}
}

func TestUpload_SessionsForSameObjectDoNotMix(t *testing.T) {
	m, bs, _, _ := newTestUploads(4)
	ctx := context.Background()

	first, _ := m.Open(ctx, "same.mp4", "video/mp4", 0)
	second, _ := m.Open(ctx, "same.mp4", "video/mp4", 0)

	first.StageBlock(ctx, 0, []byte("AAAA"))
	second.StageBlock(ctx, 0, []byte("BBBB"))
	first.StageBlock(ctx, 1, []byte("AA"))

	if _, err := first.Complete(ctx); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if got := bs.object("same.mp4"); string(got) != "AAAAAA" {
		t.Errorf("Unexpected object %q", got)
	}

	if err := second.Abort(); err != nil {
		t.Fatal(err)
	}
	if got := bs.object("same.mp4"); string(got) != "AAAAAA" {
		t.Errorf("Abort of another session changed the object to %q", got)
	}
	if n := bs.stagedCount(); n != 0 {
		t.Errorf("Expected no staged blocks left, %d remain", n)
	}
}

func TestUpload_SweepIdleSessions(t *testing.T) {
	m, bs, clock, s := newTestUploads(4)
	ctx := context.Background()

	idle, _ := m.Open(ctx, "idle.mp4", "video/mp4", 0)
	busy, _ := m.Open(ctx, "busy.mp4", "video/mp4", 0)

	clock.Advance(50 * time.Second)
	busy.StageBlock(ctx, 0, []byte("a"))
	clock.Advance(20 * time.Second)

	if n := m.Sweep(time.Minute); n != 1 {
		t.Fatalf("Expected 1 expired session, got %d", n)
	}
	if m.Len() != 1 {
		t.Errorf("Expected 1 open session, got %d", m.Len())
	}

	record, _ := s.Get(idle.ID)
	if record.Status != store.StatusFailed {
		t.Errorf("Expected idle session failed, got %s", record.Status)
	}
	if _, err := m.Get(busy.ID); err != nil {
		t.Errorf("Expected busy session to survive, got %v", err)
	}

	clock.Advance(2 * time.Minute)
	if n := m.Sweep(time.Minute); n != 1 {
		t.Fatalf("Expected the busy session to expire, got %d", n)
	}
	if n := bs.stagedCount(); n != 0 {
		t.Errorf("Expected swept blocks discarded, %d left", n)
	}
}

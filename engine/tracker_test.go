package engine

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/deepansarkar03/streamverse/source"
	"github.com/deepansarkar03/streamverse/store"
)

// countingStore counts Put calls on top of a MemoryStore.
type countingStore struct {
	*store.MemoryStore
	mu   sync.Mutex
	puts int
}

func (c *countingStore) Put(job *store.JobRecord) error {
	c.mu.Lock()
	c.puts++
	c.mu.Unlock()
	return c.MemoryStore.Put(job)
}

func (c *countingStore) putCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.puts
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestTracker() (*JobTracker, *countingStore, *fakeClock) {
	cs := &countingStore{MemoryStore: store.NewMemoryStore()}
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	jt := NewJobTracker(cs, DefaultProgressConfig)
	jt.now = clock.Now
	return jt, cs, clock
}

func TestJobTracker(t *testing.T) {
	tracker, s, _ := newTestTracker()

	job := TransferJob{
		ID:              "test-job",
		Source:          &source.HTTPSource{URL: "https://example.com/a.mp4", Size: 1000},
		DestinationName: "a.mp4",
		ContentType:     "video/mp4",
	}

	p, err := tracker.InitJob(job)
	if err != nil {
		t.Fatalf("Failed to init job: %v", err)
	}

	record, err := s.Get("test-job")
	if err != nil {
		t.Fatalf("Failed to get job: %v", err)
	}
	if record.Status != store.StatusPending {
		t.Errorf("Expected status %s, got %s", store.StatusPending, record.Status)
	}
	if record.TotalBytes != 1000 {
		t.Errorf("Expected total 1000, got %d", record.TotalBytes)
	}
	if record.SourceURL != "https://example.com/a.mp4" {
		t.Errorf("Unexpected source %q", record.SourceURL)
	}

	if err := p.MarkActive("transferring"); err != nil {
		t.Fatalf("Failed to mark active: %v", err)
	}
	record, _ = s.Get("test-job")
	if record.Status != store.StatusActive {
		t.Errorf("Expected status %s, got %s", store.StatusActive, record.Status)
	}

	if err := p.Complete(1000, "crc64:0000000000000001"); err != nil {
		t.Fatalf("Failed to mark completed: %v", err)
	}
	record, _ = s.Get("test-job")
	if record.Status != store.StatusCompleted {
		t.Errorf("Expected status %s, got %s", store.StatusCompleted, record.Status)
	}
	if pct, _ := record.Percent(); pct != 100 {
		t.Errorf("Expected 100 percent, got %d", pct)
	}
	if record.Checksum != "crc64:0000000000000001" {
		t.Errorf("Unexpected checksum %q", record.Checksum)
	}

	if err := p.MarkActive(""); !errors.Is(err, store.ErrInvalidTransition) {
		t.Errorf("Expected ErrInvalidTransition leaving a terminal state, got %v", err)
	}
	if err := p.Fail(errors.New("late")); err != nil {
		t.Errorf("Expected failing a finished job to be a no-op, got %v", err)
	}
	record, _ = s.Get("test-job")
	if record.Status != store.StatusCompleted {
		t.Errorf("Terminal status changed to %s", record.Status)
	}
}

func TestProgress_Throttled(t *testing.T) {
	tracker, s, clock := newTestTracker()

	p, err := tracker.InitJob(TransferJob{ID: "j", DestinationName: "a.mp4"})
	if err != nil {
		t.Fatal(err)
	}
	if err := p.MarkActive(""); err != nil {
		t.Fatal(err)
	}
	base := s.putCount()

	// 150 reports spread over 1.5s
	for i := 1; i <= 150; i++ {
		p.Report(int64(i*10), 2000)
		clock.Advance(10 * time.Millisecond)
	}

	if writes := s.putCount() - base; writes != 1 {
		t.Errorf("Expected one throttled write, got %d", writes)
	}

	if err := p.Flush(); err != nil {
		t.Fatal(err)
	}
	record, _ := s.Get("j")
	if record.BytesTransferred != 1500 {
		t.Errorf("Expected flushed bytes 1500, got %d", record.BytesTransferred)
	}
}

func TestProgress_Monotonic(t *testing.T) {
	tracker, s, clock := newTestTracker()

	p, _ := tracker.InitJob(TransferJob{ID: "j", DestinationName: "a.mp4"})
	p.MarkActive("")

	p.Report(500, 1000)
	clock.Advance(2 * time.Second)
	p.Report(200, 0)
	clock.Advance(2 * time.Second)
	p.Report(300, 0)
	p.Flush()

	record, _ := s.Get("j")
	if record.BytesTransferred != 500 {
		t.Errorf("Expected bytes to stay at 500, got %d", record.BytesTransferred)
	}
	if record.TotalBytes != 1000 {
		t.Errorf("Expected total to stay at 1000, got %d", record.TotalBytes)
	}
	if pct, ok := record.Percent(); !ok || pct != 50 {
		t.Errorf("Expected 50 percent, got %d (%v)", pct, ok)
	}
	if record.RateMBps <= 0 {
		t.Errorf("Expected a positive rate, got %f", record.RateMBps)
	}
}

func TestProgress_TerminalWriteNotThrottled(t *testing.T) {
	tracker, s, _ := newTestTracker()

	p, _ := tracker.InitJob(TransferJob{ID: "j", DestinationName: "a.mp4"})
	p.MarkActive("")
	p.Report(10, 0)
	p.Report(20, 0)

	if err := p.Fail(errors.New("source went away")); err != nil {
		t.Fatal(err)
	}
	record, _ := s.Get("j")
	if record.Status != store.StatusFailed {
		t.Fatalf("Expected failed, got %s", record.Status)
	}
	if record.Error != "source went away" {
		t.Errorf("Unexpected error %q", record.Error)
	}
	if record.BytesTransferred != 20 {
		t.Errorf("Expected last progress 20 in the terminal write, got %d", record.BytesTransferred)
	}
}

func TestProgress_CompleteWithUnknownTotal(t *testing.T) {
	tracker, s, _ := newTestTracker()

	p, _ := tracker.InitJob(TransferJob{ID: "j", DestinationName: "a.mp4"})
	p.MarkActive("")
	p.Report(4096, 0)

	record, _ := s.Get("j")
	if _, ok := record.Percent(); ok {
		t.Error("Expected no percentage while the total is unknown")
	}

	if err := p.Complete(8192, ""); err != nil {
		t.Fatal(err)
	}
	record, _ = s.Get("j")
	if record.TotalBytes != 8192 || record.BytesTransferred != 8192 {
		t.Errorf("Expected total and bytes of 8192, got %d/%d", record.BytesTransferred, record.TotalBytes)
	}
}

func TestProgress_FallbackRestartsAttempt(t *testing.T) {
	tracker, s, clock := newTestTracker()

	p, _ := tracker.InitJob(TransferJob{ID: "j", DestinationName: "a.mp4"})
	p.MarkActive("")
	p.SetStrategy("storage-copy", "")
	p.Report(600, 1000)
	clock.Advance(2 * time.Second)
	p.Flush()

	p.RecordFallback("storage-copy")
	p.SetStrategy("stream", "")
	clock.Advance(2 * time.Second)
	p.Report(100, 1000)
	clock.Advance(2 * time.Second)
	p.Report(200, 1000)
	p.Flush()

	record, _ := s.Get("j")
	if record.BytesTransferred != 600 {
		t.Errorf("Expected bytes to hold at 600, got %d", record.BytesTransferred)
	}
	if record.AttemptBytes != 200 {
		t.Errorf("Expected the stream attempt at 200 bytes, got %d", record.AttemptBytes)
	}
	want := 200.0 / 4 / (1024 * 1024)
	if record.RateMBps != want {
		t.Errorf("Expected the rate of the stream attempt %f, got %f", want, record.RateMBps)
	}
	if record.Strategy != "stream" {
		t.Errorf("Expected strategy stream, got %q", record.Strategy)
	}
}

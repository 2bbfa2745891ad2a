package engine

import (
	"errors"
	"sync"
	"time"

	"github.com/deepansarkar03/streamverse/store"
)

// ProgressConfig defines how often a running job's progress is saved.
type ProgressConfig struct {
	// Interval is the minimum time between two progress writes. Status
	// changes are always written.
	Interval time.Duration
}

// DefaultProgressConfig writes progress at most once per second.
var DefaultProgressConfig = ProgressConfig{
	Interval: time.Second,
}

// JobTracker wraps a store to create job records and hand out the single
// writer for each job.
type JobTracker struct {
	store  store.Store
	config ProgressConfig
	now    func() time.Time
}

// NewJobTracker creates a new JobTracker
func NewJobTracker(s store.Store, config ProgressConfig) *JobTracker {
	return &JobTracker{
		store:  s,
		config: config,
		now:    time.Now,
	}
}

// Store returns the underlying job registry.
func (jt *JobTracker) Store() store.Store { return jt.store }

// InitJob registers a pending record for the job and returns its writer.
func (jt *JobTracker) InitJob(job TransferJob) (*Progress, error) {
	now := jt.now()
	record := &store.JobRecord{
		ID:              job.ID,
		Status:          store.StatusPending,
		DestinationName: job.DestinationName,
		ContentType:     job.ContentType,
		Message:         "queued",
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if job.Source != nil {
		record.SourceURL = job.Source.String()
		record.TotalBytes = job.Source.Length()
	}
	return jt.Create(record)
}

// Create stores a new record and returns its writer.
func (jt *JobTracker) Create(record *store.JobRecord) (*Progress, error) {
	if record.CreatedAt.IsZero() {
		record.CreatedAt = jt.now()
		record.UpdatedAt = record.CreatedAt
	}
	if err := jt.store.Put(record); err != nil {
		return nil, err
	}
	now := jt.now()
	return &Progress{
		tracker:      jt,
		record:       record.Clone(),
		lastWrite:    now,
		attemptStart: now,
	}, nil
}

// Get returns a snapshot of the job.
func (jt *JobTracker) Get(id string) (*store.JobRecord, error) {
	return jt.store.Get(id)
}

// Progress is the only writer of one job's record. Its methods are safe for
// concurrent use; bytesTransferred never decreases.
//
// Each strategy counts from zero. The record keeps the high-water mark in
// BytesTransferred and the current strategy's count in AttemptBytes, which
// also drives the rate.
type Progress struct {
	tracker *JobTracker

	mu           sync.Mutex
	record       *store.JobRecord
	lastWrite    time.Time
	attemptStart time.Time
	dirty        bool
}

// ID returns the job id.
func (p *Progress) ID() string { return p.record.ID }

// Snapshot returns a copy of the current in-memory record.
func (p *Progress) Snapshot() *store.JobRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.record.Clone()
}

// Bytes returns the bytes transferred so far.
func (p *Progress) Bytes() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.record.BytesTransferred
}

// MarkActive moves the job to active.
func (p *Progress) MarkActive(message string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.record.Transition(store.StatusActive); err != nil {
		return err
	}
	if message != "" {
		p.record.Message = message
	}
	return p.save()
}

// SetStrategy records the strategy currently moving the bytes and starts a
// new attempt count.
func (p *Progress) SetStrategy(name, message string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.record.Status.Terminal() {
		return nil
	}
	p.record.Strategy = name
	p.record.Message = message
	p.record.AttemptBytes = 0
	p.record.RateMBps = 0
	p.attemptStart = p.tracker.now()
	return p.save()
}

// RecordFallback notes that strategy failed without surfacing the error.
func (p *Progress) RecordFallback(strategy string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.record.Status.Terminal() {
		return nil
	}
	p.record.Fallbacks = append(p.record.Fallbacks, strategy)
	return p.save()
}

// Report records that the current attempt has moved bytes of total. Writes
// to the store are throttled to the configured interval. BytesTransferred
// only follows counts above its high-water mark; total <= 0 keeps the
// previous total.
func (p *Progress) Report(bytes, total int64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.record.Status.Terminal() {
		return
	}
	if bytes != p.record.AttemptBytes {
		p.record.AttemptBytes = bytes
		p.dirty = true
	}
	if bytes > p.record.BytesTransferred {
		p.record.BytesTransferred = bytes
		p.dirty = true
	}
	if total > 0 && total != p.record.TotalBytes {
		p.record.TotalBytes = total
		p.dirty = true
	}
	if !p.dirty || p.tracker.now().Sub(p.lastWrite) < p.tracker.config.Interval {
		return
	}
	p.updateRate()
	// Progress writes are best effort; the terminal write reports errors.
	_ = p.save()
}

// Flush writes any throttled progress.
func (p *Progress) Flush() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.dirty || p.record.Status.Terminal() {
		return nil
	}
	p.updateRate()
	return p.save()
}

// Complete marks the job completed. The total is set to the bytes
// transferred when it was unknown or disagrees.
func (p *Progress) Complete(bytes int64, checksum string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.record.Transition(store.StatusCompleted); err != nil {
		return err
	}
	if bytes > p.record.BytesTransferred {
		p.record.BytesTransferred = bytes
	}
	if bytes > 0 {
		p.record.AttemptBytes = bytes
	}
	p.record.TotalBytes = p.record.BytesTransferred
	p.record.Checksum = checksum
	p.record.Message = "completed"
	p.record.Error = ""
	p.updateRate()
	return p.save()
}

// Fail marks the job failed with err's message. Failing a job that is
// already terminal is a no-op.
func (p *Progress) Fail(err error) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.record.Status.Terminal() {
		return nil
	}
	if terr := p.record.Transition(store.StatusFailed); terr != nil {
		return terr
	}
	if err == nil {
		err = errors.New("unknown error")
	}
	p.record.Error = err.Error()
	p.record.Message = "failed"
	p.record.RateMBps = 0
	return p.save()
}

func (p *Progress) updateRate() {
	elapsed := p.tracker.now().Sub(p.attemptStart).Seconds()
	if elapsed <= 0 {
		return
	}
	p.record.RateMBps = float64(p.record.AttemptBytes) / elapsed / (1024 * 1024)
}

// save must be called with p.mu held.
func (p *Progress) save() error {
	now := p.tracker.now()
	p.record.UpdatedAt = now
	if err := p.tracker.store.Put(p.record.Clone()); err != nil {
		return err
	}
	p.lastWrite = now
	p.dirty = false
	return nil
}

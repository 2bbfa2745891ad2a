package store

import (
	"errors"
	"fmt"
	"math"
	"time"
)

var (
	// ErrJobNotFound is returned when a job is unknown or was evicted.
	ErrJobNotFound = errors.New("job not found")

	// ErrInvalidTransition is returned when a status change would move a job
	// backwards or out of a terminal state.
	ErrInvalidTransition = errors.New("invalid job status transition")
)

// JobStatus represents the lifecycle stage of a transfer job.
type JobStatus string

const (
	StatusPending   JobStatus = "pending"
	StatusActive    JobStatus = "active"
	StatusCompleted JobStatus = "completed"
	StatusFailed    JobStatus = "failed"
)

// Terminal reports whether no further transitions are allowed.
func (s JobStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

func (s JobStatus) rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusActive:
		return 1
	case StatusCompleted, StatusFailed:
		return 2
	}
	return -1
}

// CanTransition reports whether a job in status s may move to next.
// Staying in the same non-terminal status is allowed.
func (s JobStatus) CanTransition(next JobStatus) bool {
	if s.Terminal() || next.rank() < 0 {
		return false
	}
	return next.rank() >= s.rank()
}

// JobRecord is the registry view of one transfer job. Credentials never
// appear here.
type JobRecord struct {
	ID               string    `json:"id"`
	Status           JobStatus `json:"status"`
	SourceURL        string    `json:"sourceUrl,omitempty"`
	DestinationName  string    `json:"destinationName"`
	ContentType      string    `json:"contentType,omitempty"`
	Strategy         string    `json:"strategy,omitempty"`
	Fallbacks        []string  `json:"fallbacks,omitempty"`
	Message          string    `json:"message,omitempty"`
	BytesTransferred int64     `json:"bytesTransferred"`
	AttemptBytes     int64     `json:"attemptBytes,omitempty"`
	TotalBytes       int64     `json:"totalBytes"`
	RateMBps         float64   `json:"instantaneousRateMBps"`
	Checksum         string    `json:"checksum,omitempty"`
	Error            string    `json:"error,omitempty"`
	CreatedAt        time.Time `json:"createdAt"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

// Clone returns an independent copy of the record.
func (r *JobRecord) Clone() *JobRecord {
	c := *r
	c.Fallbacks = append([]string(nil), r.Fallbacks...)
	return &c
}

// Percent returns round(100 * transferred / total) when the total is known.
// The value is held at 99 until the job completes.
func (r *JobRecord) Percent() (int, bool) {
	if r.Status == StatusCompleted {
		return 100, true
	}
	if r.TotalBytes <= 0 {
		return 0, false
	}
	p := int(math.Round(100 * float64(r.BytesTransferred) / float64(r.TotalBytes)))
	if p > 99 {
		p = 99
	}
	if p < 0 {
		p = 0
	}
	return p, true
}

// Transition moves the record to next, enforcing forward-only changes.
func (r *JobRecord) Transition(next JobStatus) error {
	if !r.Status.CanTransition(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, r.Status, next)
	}
	r.Status = next
	return nil
}

// Store is the job registry. Implementations must be safe for concurrent
// use and must hand out copies, so a reader never observes a record that
// is being mutated.
type Store interface {
	Get(id string) (*JobRecord, error)
	Put(job *JobRecord) error
	// Delete removes a job. Deleting an unknown id is not an error.
	Delete(id string) error
	List() ([]*JobRecord, error)
	Close() error
}

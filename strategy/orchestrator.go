package strategy

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/deepansarkar03/streamverse/engine"
	"github.com/deepansarkar03/streamverse/logging"
	"github.com/deepansarkar03/streamverse/source"
	"github.com/deepansarkar03/streamverse/store"
)

// ErrJobFinished is returned when cancelling a job that already ended.
var ErrJobFinished = errors.New("job already finished")

// Request is an import as callers submit it.
type Request struct {
	SourceURL       string             `json:"sourceUrl" binding:"required"`
	DestinationName string             `json:"destinationName,omitempty"`
	Credential      *source.Credential `json:"credential,omitempty"`
}

// Accepted is returned when an import is queued.
type Accepted struct {
	JobID           string `json:"jobId"`
	DestinationName string `json:"destinationName"`
}

// Options configures the orchestrator.
type Options struct {
	// HTTPClient fetches sources and preflights. It should not set an
	// overall timeout; large downloads are bounded by the engine instead.
	HTTPClient       *http.Client
	PreflightTimeout time.Duration
}

// Orchestrator registers imports and runs each through the first strategy
// that succeeds.
type Orchestrator struct {
	strategies []Strategy
	tracker    *engine.JobTracker
	client     *http.Client
	preflight  time.Duration
	log        logging.Logger

	mu   sync.Mutex
	pool *engine.WorkerPool
	jobs map[string]*trackedJob
}

type trackedJob struct {
	progress  *engine.Progress
	cancel    context.CancelCauseFunc
	cancelled bool
}

// NewOrchestrator tries strategies in the given order.
func NewOrchestrator(tracker *engine.JobTracker, strategies []Strategy, opts Options, log logging.Logger) *Orchestrator {
	if opts.HTTPClient == nil {
		opts.HTTPClient = http.DefaultClient
	}
	if opts.PreflightTimeout <= 0 {
		opts.PreflightTimeout = 15 * time.Second
	}
	if log == nil {
		log = logging.Discard()
	}
	return &Orchestrator{
		strategies: strategies,
		tracker:    tracker,
		client:     opts.HTTPClient,
		preflight:  opts.PreflightTimeout,
		log:        log,
		jobs:       make(map[string]*trackedJob),
	}
}

// SetPool attaches the worker pool Submit queues onto.
func (o *Orchestrator) SetPool(pool *engine.WorkerPool) {
	o.mu.Lock()
	o.pool = pool
	o.mu.Unlock()
}

// Tracker returns the job tracker.
func (o *Orchestrator) Tracker() *engine.JobTracker { return o.tracker }

// Prepare resolves the URL, probes it and derives the destination name.
// It moves no bytes.
func (o *Orchestrator) Prepare(ctx context.Context, req Request) (engine.TransferJob, error) {
	res, err := source.Resolve(req.SourceURL)
	if err != nil {
		return engine.TransferJob{}, err
	}

	var cred source.Credential
	if req.Credential != nil {
		cred = *req.Credential
	}

	pctx, cancel := context.WithTimeout(ctx, o.preflight)
	probe := source.Preflight(pctx, o.client, res.DirectURL, cred)
	cancel()

	fetchURL := res.DirectURL
	if cred.IsZero() && probe.FinalURL != "" {
		fetchURL = probe.FinalURL
	}

	name := source.DeriveName(req.DestinationName, res.DirectURL, probe.ContentType, probe.Disposition)
	return engine.TransferJob{
		ID: uuid.NewString(),
		Source: &source.HTTPSource{
			URL:          fetchURL,
			Credential:   cred,
			Credentialed: res.RequiresCredential,
			Size:         probe.Size,
			Client:       o.client,
		},
		DestinationName: name,
		ContentType:     source.VideoContentType(probe.ContentType),
		ServiceLabel:    res.ServiceLabel,
	}, nil
}

// Start prepares req and queues it. It returns once the job is registered.
func (o *Orchestrator) Start(ctx context.Context, req Request) (*store.JobRecord, error) {
	if len(o.strategies) == 0 {
		return nil, ErrNotConfigured
	}
	job, err := o.Prepare(ctx, req)
	if err != nil {
		return nil, err
	}
	return o.Submit(job)
}

// Submit registers job as pending and queues it on the worker pool.
func (o *Orchestrator) Submit(job engine.TransferJob) (*store.JobRecord, error) {
	o.mu.Lock()
	pool := o.pool
	o.mu.Unlock()
	if pool == nil {
		return nil, engine.ErrPoolStopped
	}

	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	p, err := o.register(job)
	if err != nil {
		return nil, err
	}

	if err := pool.Submit(job); err != nil {
		o.forget(job.ID)
		_ = o.tracker.Store().Delete(job.ID)
		return nil, err
	}
	o.log.Info(context.Background(), "import queued", "job", job.ID, "destination", job.DestinationName, "service", job.ServiceLabel)
	return p.Snapshot(), nil
}

// Handle is the worker pool handler. Jobs that were not submitted through
// Submit, such as directory walks, are registered here.
func (o *Orchestrator) Handle(ctx context.Context, job engine.TransferJob) error {
	o.mu.Lock()
	tj := o.jobs[job.ID]
	o.mu.Unlock()

	if tj == nil {
		if job.ID == "" {
			job.ID = uuid.NewString()
		}
		if _, err := o.register(job); err != nil {
			return err
		}
	}
	return o.run(ctx, job)
}

// Run registers job and runs it to completion on the calling goroutine.
func (o *Orchestrator) Run(ctx context.Context, job engine.TransferJob) (*store.JobRecord, error) {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	p, err := o.register(job)
	if err != nil {
		return nil, err
	}
	err = o.run(ctx, job)
	return p.Snapshot(), err
}

// Cancel stops a queued or running job.
func (o *Orchestrator) Cancel(id string) error {
	o.mu.Lock()
	tj, ok := o.jobs[id]
	if ok {
		tj.cancelled = true
		if tj.cancel != nil {
			tj.cancel(ErrCancelled)
		} else {
			// Still queued; pollers see the failure right away.
			_ = tj.progress.Fail(ErrCancelled)
		}
	}
	o.mu.Unlock()
	if ok {
		return nil
	}

	if _, err := o.tracker.Get(id); err != nil {
		return err
	}
	return ErrJobFinished
}

func (o *Orchestrator) register(job engine.TransferJob) (*engine.Progress, error) {
	p, err := o.tracker.InitJob(job)
	if err != nil {
		return nil, err
	}
	o.mu.Lock()
	o.jobs[job.ID] = &trackedJob{progress: p}
	o.mu.Unlock()
	return p, nil
}

func (o *Orchestrator) forget(id string) {
	o.mu.Lock()
	delete(o.jobs, id)
	o.mu.Unlock()
}

func (o *Orchestrator) run(ctx context.Context, job engine.TransferJob) error {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	defer o.forget(job.ID)

	o.mu.Lock()
	tj := o.jobs[job.ID]
	tj.cancel = cancel
	cancelled := tj.cancelled
	o.mu.Unlock()

	if cancelled {
		_ = tj.progress.Fail(ErrCancelled)
		return ErrCancelled
	}
	return o.Execute(ctx, job, tj.progress)
}

// Execute walks the strategy list for job, writing its outcome through p.
func (o *Orchestrator) Execute(ctx context.Context, job engine.TransferJob, p *engine.Progress) error {
	log := o.log.With("job", job.ID, "destination", job.DestinationName)

	if err := p.MarkActive("selecting transfer strategy"); err != nil {
		return err
	}

	var last error
	for _, s := range o.strategies {
		if !s.Applicable(job) {
			log.Debug(ctx, "strategy not applicable", "strategy", s.Name())
			continue
		}

		log.Info(ctx, "trying strategy", "strategy", s.Name())
		out, err := s.Attempt(ctx, job, p)
		if err == nil {
			if cerr := p.Complete(out.Bytes, out.Checksum); cerr != nil {
				return cerr
			}
			log.Info(ctx, "import completed", "strategy", s.Name(), "bytes", out.Bytes)
			return nil
		}

		if ctx.Err() != nil {
			err = context.Cause(ctx)
			_ = p.Fail(err)
			log.Info(ctx, "import stopped", "strategy", s.Name(), "error", err)
			return err
		}
		if !IsRetryable(err) {
			_ = p.Fail(err)
			log.Error(ctx, "import failed", "strategy", s.Name(), "error", err)
			return err
		}

		log.Warn(ctx, "strategy failed, falling back", "strategy", s.Name(), "error", err)
		_ = p.RecordFallback(s.Name())
		last = err
	}

	var err error
	if last == nil {
		err = ErrNoStrategy
	} else {
		var re *RetryableError
		if errors.As(last, &re) {
			last = re.Err
		}
		err = fmt.Errorf("%w: %w", ErrExhausted, last)
	}
	_ = p.Fail(err)
	log.Error(ctx, "import failed", "error", err)
	return err
}

package strategy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/deepansarkar03/streamverse/engine"
	"github.com/deepansarkar03/streamverse/logging"
	"github.com/deepansarkar03/streamverse/provider"
)

// CopyName identifies the storage-side copy strategy.
const CopyName = "storage-copy"

// CopyStrategy asks the block store to fetch the source URL itself, so no
// bytes pass through this process.
type CopyStrategy struct {
	copier       provider.RemoteCopier
	startTimeout time.Duration
	stallWindow  time.Duration
	pollInterval time.Duration
	log          logging.Logger
}

// CopyOptions tunes the copy strategy.
type CopyOptions struct {
	StartTimeout time.Duration
	StallWindow  time.Duration
	PollInterval time.Duration
}

// NewCopyStrategy wraps copier. A nil copier makes the strategy never apply.
func NewCopyStrategy(copier provider.RemoteCopier, opts CopyOptions, log logging.Logger) *CopyStrategy {
	if opts.StartTimeout <= 0 {
		opts.StartTimeout = 30 * time.Second
	}
	if opts.StallWindow <= 0 {
		opts.StallWindow = time.Minute
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if log == nil {
		log = logging.Discard()
	}
	return &CopyStrategy{
		copier:       copier,
		startTimeout: opts.StartTimeout,
		stallWindow:  opts.StallWindow,
		pollInterval: opts.PollInterval,
		log:          log,
	}
}

func (s *CopyStrategy) Name() string { return CopyName }

func (s *CopyStrategy) Applicable(job engine.TransferJob) bool {
	if s.copier == nil {
		return false
	}
	src, ok := httpSource(job)
	return ok && src.SupportsServerSideFetch()
}

func (s *CopyStrategy) Attempt(ctx context.Context, job engine.TransferJob, p *engine.Progress) (Outcome, error) {
	src, _ := httpSource(job)
	object := job.DestinationName

	if err := p.SetStrategy(CopyName, "storage is fetching the source"); err != nil {
		return Outcome{}, err
	}

	copyID, err := attemptWithDeadline(ctx, s.startTimeout,
		func(ctx context.Context) (string, error) {
			return s.copier.StartCopy(ctx, object, src.URL)
		},
		func(id string) {
			s.abort(context.Background(), object, id)
		},
	)
	if err != nil {
		if ctx.Err() != nil {
			return Outcome{}, context.Cause(ctx)
		}
		return Outcome{}, Retryable(CopyName, fmt.Errorf("start copy: %w", err))
	}

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	var copied int64
	lastChange := time.Now()

	for {
		select {
		case <-ctx.Done():
			s.abort(context.WithoutCancel(ctx), object, copyID)
			return Outcome{}, context.Cause(ctx)
		case <-ticker.C:
		}

		status, err := s.copier.CopyStatus(ctx, object)
		if err != nil && !errors.Is(err, provider.ErrNotFound) {
			s.log.Debug(ctx, "copy status failed", "object", object, "error", err)
		}

		switch {
		case err != nil:
			// Treated as no progress; the stall window bounds it.
		case status.State == provider.CopySuccess:
			total := status.Total
			if total <= 0 {
				total = status.Copied
			}
			p.Report(total, total)
			return Outcome{Bytes: total}, nil
		case status.State == provider.CopyFailed || status.State == provider.CopyAborted:
			return Outcome{}, Retryable(CopyName, fmt.Errorf("copy %s: %s", status.State, status.Description))
		case status.Copied > copied:
			copied = status.Copied
			lastChange = time.Now()
			p.Report(copied, status.Total)
		}

		if time.Since(lastChange) > s.stallWindow {
			s.abort(ctx, object, copyID)
			// Nothing was staged locally; the next strategy starts clean.
			return Outcome{}, Retryable(CopyName, fmt.Errorf("%w: copy made no progress for %s", engine.ErrStalled, s.stallWindow))
		}
	}
}

func (s *CopyStrategy) abort(ctx context.Context, object, copyID string) {
	if err := s.copier.AbortCopy(ctx, object, copyID); err != nil {
		s.log.Warn(ctx, "failed to abort storage copy", "object", object, "copy", copyID, "error", err)
	}
}

package strategy

import (
	"context"
	"sync/atomic"

	"github.com/deepansarkar03/streamverse/engine"
)

// StreamName identifies the in-process streaming strategy.
const StreamName = "stream"

// StreamStrategy reads the source in this process and stages it through
// the chunked transfer engine. It applies to every source.
type StreamStrategy struct {
	engine *engine.Engine
}

func NewStreamStrategy(e *engine.Engine) *StreamStrategy {
	return &StreamStrategy{engine: e}
}

func (s *StreamStrategy) Name() string { return StreamName }

func (s *StreamStrategy) Applicable(job engine.TransferJob) bool { return job.Source != nil }

func (s *StreamStrategy) Attempt(ctx context.Context, job engine.TransferJob, p *engine.Progress) (Outcome, error) {
	if err := p.SetStrategy(StreamName, "streaming from source"); err != nil {
		return Outcome{}, err
	}

	var moved atomic.Int64
	report := func(bytes, total int64) {
		moved.Store(bytes)
		p.Report(bytes, total)
	}

	res, err := s.engine.Transfer(ctx, job.Source, job.DestinationName, job.ContentType, report)
	if err != nil {
		if moved.Load() == 0 && ctx.Err() == nil {
			return Outcome{}, Retryable(StreamName, err)
		}
		return Outcome{}, err
	}
	return Outcome{Bytes: res.Bytes, Checksum: engine.FormatChecksum(res.Checksum)}, nil
}

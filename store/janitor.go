package store

import (
	"context"
	"time"

	"github.com/deepansarkar03/streamverse/logging"
)

// Evict deletes terminal jobs whose last update is older than retention.
// It returns the number of jobs removed.
func Evict(s Store, retention time.Duration, now time.Time) (int, error) {
	jobs, err := s.List()
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, job := range jobs {
		if !job.Status.Terminal() || now.Sub(job.UpdatedAt) < retention {
			continue
		}
		if err := s.Delete(job.ID); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

// RunJanitor evicts expired jobs every interval until ctx is done.
func RunJanitor(ctx context.Context, s Store, retention, interval time.Duration, log logging.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			n, err := Evict(s, retention, now)
			if err != nil {
				log.Warn(ctx, "job eviction failed", "error", err)
				continue
			}
			if n > 0 {
				log.Debug(ctx, "evicted finished jobs", "count", n)
			}
		}
	}
}

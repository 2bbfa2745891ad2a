package engine

import (
	"github.com/deepansarkar03/streamverse/source"
)

// TransferJob is one import queued for the worker pool.
type TransferJob struct {
	// ID is assigned when the job is registered.
	ID string

	Source source.TransferSource

	// DestinationName is the sanitized object name in the block store.
	DestinationName string

	ContentType string

	// ServiceLabel names the share-link provider the URL was resolved from.
	ServiceLabel string
}

// JobChannel is a channel used to queue and dispatch TransferJobs to workers
// in the worker pool.
type JobChannel chan TransferJob

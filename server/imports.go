package server

import (
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/deepansarkar03/streamverse/store"
	"github.com/deepansarkar03/streamverse/strategy"
)

// ProgressEvent is one message on the import events stream. The stream ends
// after an event with Success or Error set.
type ProgressEvent struct {
	Progress         *int            `json:"progress,omitempty"`
	BytesTransferred int64           `json:"bytesTransferred"`
	Status           store.JobStatus `json:"status"`
	Strategy         string          `json:"strategy,omitempty"`
	Error            string          `json:"error,omitempty"`
	Success          bool            `json:"success,omitempty"`
	FileName         string          `json:"fileName,omitempty"`
}

func eventFor(r *store.JobRecord) ProgressEvent {
	ev := ProgressEvent{
		BytesTransferred: r.BytesTransferred,
		Status:           r.Status,
		Strategy:         r.Strategy,
		Error:            r.Error,
	}
	if pct, ok := r.Percent(); ok {
		ev.Progress = &pct
	}
	if r.Status == store.StatusCompleted {
		ev.Success = true
		ev.FileName = r.DestinationName
	}
	return ev
}

func sameEvent(a, b ProgressEvent) bool {
	if (a.Progress == nil) != (b.Progress == nil) {
		return false
	}
	if a.Progress != nil && *a.Progress != *b.Progress {
		return false
	}
	return a.BytesTransferred == b.BytesTransferred && a.Status == b.Status && a.Strategy == b.Strategy
}

// StartImportHandler queues an import and answers 202 with its job id.
func (s *Server) StartImportHandler(c *gin.Context) {
	var req strategy.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	record, err := s.orchestrator.Start(c.Request.Context(), req)
	if err != nil {
		s.abortWithError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, strategy.Accepted{
		JobID:           record.ID,
		DestinationName: record.DestinationName,
	})
}

// GetImportHandler returns the current job snapshot.
func (s *Server) GetImportHandler(c *gin.Context) {
	record, err := s.orchestrator.Tracker().Get(c.Param("id"))
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, record)
}

// CancelImportHandler stops a queued or running import.
func (s *Server) CancelImportHandler(c *gin.Context) {
	if err := s.orchestrator.Cancel(c.Param("id")); err != nil {
		s.abortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ImportEventsHandler streams job progress as server-sent events until the
// job reaches a terminal state or the client goes away.
func (s *Server) ImportEventsHandler(c *gin.Context) {
	id := c.Param("id")
	tracker := s.orchestrator.Tracker()

	record, err := tracker.Get(id)
	if err != nil {
		s.abortWithError(c, err)
		return
	}

	ticker := time.NewTicker(s.opts.EventInterval)
	defer ticker.Stop()

	var last *ProgressEvent
	c.Stream(func(w io.Writer) bool {
		if record == nil {
			select {
			case <-c.Request.Context().Done():
				return false
			case <-ticker.C:
			}

			record, err = tracker.Get(id)
			if err != nil {
				c.SSEvent("progress", ProgressEvent{Status: store.StatusFailed, Error: err.Error()})
				return false
			}
		}

		ev := eventFor(record)
		terminal := record.Status.Terminal()
		record = nil

		if last != nil && !terminal && sameEvent(*last, ev) {
			return true
		}
		last = &ev
		c.SSEvent("progress", ev)
		return !terminal
	})
}

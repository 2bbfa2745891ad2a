package server

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/deepansarkar03/streamverse/engine"
	"github.com/deepansarkar03/streamverse/source"
	"github.com/deepansarkar03/streamverse/strategy"
)

// OpenUploadRequest starts a browser upload session.
type OpenUploadRequest struct {
	FileName    string `json:"fileName" binding:"required"`
	ContentType string `json:"contentType,omitempty"`
	Size        int64  `json:"size,omitempty"`
}

// OpenUploadResponse tells the client where to send blocks. The upload id
// is also the job id for polling.
type OpenUploadResponse struct {
	UploadID        string `json:"uploadId"`
	DestinationName string `json:"destinationName"`
	MaxBlockSize    int    `json:"maxBlockSize"`
}

func uploadContentType(declared, name string) string {
	if strings.HasPrefix(declared, "video/") {
		return declared
	}
	return source.ContentTypeForName(name)
}

// OpenUploadHandler creates an upload session.
func (s *Server) OpenUploadHandler(c *gin.Context) {
	if s.uploads == nil {
		s.abortWithError(c, strategy.ErrNotConfigured)
		return
	}

	var req OpenUploadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	name := source.Sanitize(req.FileName)
	session, err := s.uploads.Open(c.Request.Context(), name, uploadContentType(req.ContentType, name), req.Size)
	if err != nil {
		s.abortWithError(c, err)
		return
	}

	s.log.Info(c.Request.Context(), "upload opened", "job", session.ID, "destination", name, "size", req.Size)
	c.JSON(http.StatusCreated, OpenUploadResponse{
		UploadID:        session.ID,
		DestinationName: name,
		MaxBlockSize:    s.uploads.MaxBlockSize(),
	})
}

func (s *Server) session(c *gin.Context) (*engine.UploadSession, bool) {
	if s.uploads == nil {
		s.abortWithError(c, strategy.ErrNotConfigured)
		return nil, false
	}
	session, err := s.uploads.Get(c.Param("id"))
	if err != nil {
		s.abortWithError(c, err)
		return nil, false
	}
	return session, true
}

// StageBlockHandler stores one block. The body is the raw block.
func (s *Server) StageBlockHandler(c *gin.Context) {
	session, ok := s.session(c)
	if !ok {
		return
	}

	index, err := strconv.Atoi(c.Param("index"))
	if err != nil {
		s.abortWithError(c, fmt.Errorf("%w: index %q", engine.ErrInvalidBlock, c.Param("index")))
		return
	}

	// One byte over the limit is enough for StageBlock to reject it.
	data, err := io.ReadAll(io.LimitReader(c.Request.Body, int64(s.uploads.MaxBlockSize())+1))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := session.StageBlock(c.Request.Context(), index, data); err != nil {
		s.abortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// CompleteUploadHandler commits the staged blocks.
func (s *Server) CompleteUploadHandler(c *gin.Context) {
	session, ok := s.session(c)
	if !ok {
		return
	}

	record, err := session.Complete(c.Request.Context())
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	s.log.Info(c.Request.Context(), "upload completed", "job", record.ID, "bytes", record.BytesTransferred)
	c.JSON(http.StatusOK, record)
}

// AbortUploadHandler closes a session without committing.
func (s *Server) AbortUploadHandler(c *gin.Context) {
	session, ok := s.session(c)
	if !ok {
		return
	}
	if err := session.Abort(); err != nil {
		s.abortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// StreamUploadHandler pipes the request body through the engine and answers
// with the finished job.
func (s *Server) StreamUploadHandler(c *gin.Context) {
	name := source.Sanitize(c.Param("name"))
	size := c.Request.ContentLength
	if size < 0 {
		size = 0
	}

	job := engine.TransferJob{
		Source:          source.NewStreamSource(name, c.Request.Body, size),
		DestinationName: name,
		ContentType:     uploadContentType(c.ContentType(), name),
		ServiceLabel:    "Browser stream",
	}

	record, err := s.orchestrator.Run(c.Request.Context(), job)
	if err != nil {
		status := statusFor(err)
		if status == http.StatusInternalServerError {
			status = http.StatusBadGateway
		}
		c.AbortWithStatusJSON(status, gin.H{"error": err.Error(), "job": record})
		return
	}
	c.JSON(http.StatusOK, record)
}

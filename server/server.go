// Package server exposes imports, browser uploads and playback over HTTP.
package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"slices"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/deepansarkar03/streamverse/engine"
	"github.com/deepansarkar03/streamverse/logging"
	"github.com/deepansarkar03/streamverse/provider"
	"github.com/deepansarkar03/streamverse/source"
	"github.com/deepansarkar03/streamverse/store"
	"github.com/deepansarkar03/streamverse/strategy"
)

// SecretHeader carries the shared secret, when one is configured.
const SecretHeader = strategy.SecretHeader

type Options struct {
	Addr           string
	SharedSecret   string
	AllowedOrigins []string
	// Backend names the storage backend in health reports.
	Backend string
	// EventInterval is how often the events endpoint samples a job.
	EventInterval time.Duration
}

// Server wires the HTTP surface onto the orchestrator. uploads and blocks
// may be nil, in which case the endpoints that need them answer 503.
type Server struct {
	orchestrator *strategy.Orchestrator
	uploads      *engine.UploadManager
	blocks       provider.BlockStore
	opts         Options
	log          logging.Logger
}

func New(o *strategy.Orchestrator, uploads *engine.UploadManager, blocks provider.BlockStore, opts Options, log logging.Logger) *Server {
	if opts.EventInterval <= 0 {
		opts.EventInterval = 500 * time.Millisecond
	}
	if log == nil {
		log = logging.Discard()
	}
	return &Server{
		orchestrator: o,
		uploads:      uploads,
		blocks:       blocks,
		opts:         opts,
		log:          log,
	}
}

// Routes builds the gin router.
func (s *Server) Routes() http.Handler {
	corsConfig := cors.DefaultConfig()
	corsConfig.AllowHeaders = []string{
		"Authorization",
		"Content-Type",
		"Content-Range",
		"Range",
		SecretHeader,
	}
	corsConfig.ExposeHeaders = []string{"Content-Length", "Content-Range", "Accept-Ranges"}
	corsConfig.AllowMethods = []string{"GET", "HEAD", "POST", "PUT", "DELETE", "OPTIONS"}
	if len(s.opts.AllowedOrigins) == 0 || slices.Contains(s.opts.AllowedOrigins, "*") {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = s.opts.AllowedOrigins
	}

	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(
		gin.Recovery(),
		cors.New(corsConfig),
	)

	r.GET("/health", s.HealthHandler)
	r.GET("/api/videos/:name", s.VideoHandler)
	r.HEAD("/api/videos/:name", s.VideoHandler)

	api := r.Group("/api", s.secretMiddleware())
	api.POST("/imports", s.StartImportHandler)
	api.GET("/imports/:id", s.GetImportHandler)
	api.DELETE("/imports/:id", s.CancelImportHandler)
	api.GET("/imports/:id/events", s.ImportEventsHandler)

	api.POST("/uploads", s.OpenUploadHandler)
	api.PUT("/uploads/stream/:name", s.StreamUploadHandler)
	api.PUT("/uploads/:id/blocks/:index", s.StageBlockHandler)
	api.POST("/uploads/:id/complete", s.CompleteUploadHandler)
	api.DELETE("/uploads/:id", s.AbortUploadHandler)

	return r
}

// Serve listens on Options.Addr until ctx is done, then shuts down
// gracefully.
func (s *Server) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info(ctx, "listening", "addr", s.opts.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) secretMiddleware() gin.HandlerFunc {
	secret := []byte(s.opts.SharedSecret)
	return func(c *gin.Context) {
		if len(secret) == 0 {
			c.Next()
			return
		}
		if subtle.ConstantTimeCompare([]byte(c.GetHeader(SecretHeader)), secret) != 1 {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "invalid transfer secret"})
			return
		}
		c.Next()
	}
}

// HealthHandler reports liveness, the storage backend and job counts.
func (s *Server) HealthHandler(c *gin.Context) {
	counts := map[store.JobStatus]int{}
	jobs, err := s.orchestrator.Tracker().Store().List()
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "error": err.Error()})
		return
	}
	for _, j := range jobs {
		counts[j.Status]++
	}

	resp := gin.H{
		"status":  "ok",
		"backend": s.opts.Backend,
		"jobs":    counts,
	}
	if s.uploads != nil {
		resp["uploads"] = s.uploads.Len()
	}
	c.JSON(http.StatusOK, resp)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrJobNotFound),
		errors.Is(err, engine.ErrUploadNotFound),
		errors.Is(err, provider.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, source.ErrInvalidURL),
		errors.Is(err, source.ErrUnsupportedScheme),
		errors.Is(err, provider.ErrInvalidName),
		errors.Is(err, engine.ErrInvalidBlock),
		errors.Is(err, engine.ErrEmptySource):
		return http.StatusBadRequest
	case errors.Is(err, strategy.ErrJobFinished),
		errors.Is(err, engine.ErrUploadClosed),
		errors.Is(err, engine.ErrMissingBlocks),
		errors.Is(err, engine.ErrSizeMismatch):
		return http.StatusConflict
	case errors.Is(err, provider.ErrInvalidRange):
		return http.StatusRequestedRangeNotSatisfiable
	case errors.Is(err, strategy.ErrNotConfigured),
		errors.Is(err, strategy.ErrNoStrategy),
		errors.Is(err, engine.ErrQueueFull),
		errors.Is(err, engine.ErrPoolStopped):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (s *Server) abortWithError(c *gin.Context, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.log.Error(c.Request.Context(), "request failed", "path", c.FullPath(), "error", err)
	}
	c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
}

package server

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/deepansarkar03/streamverse/provider"
	"github.com/deepansarkar03/streamverse/strategy"
)

// parseRange parses a single "bytes=" range against size and returns the
// inclusive bounds. Multi-range requests are not supported.
func parseRange(header string, size int64) (int64, int64, error) {
	rng, ok := strings.CutPrefix(header, "bytes=")
	if !ok || strings.Contains(rng, ",") {
		return 0, 0, fmt.Errorf("%w: %q", provider.ErrInvalidRange, header)
	}
	first, last, ok := strings.Cut(strings.TrimSpace(rng), "-")
	if !ok {
		return 0, 0, fmt.Errorf("%w: %q", provider.ErrInvalidRange, header)
	}

	if first == "" {
		// Suffix range: the final n bytes.
		n, err := strconv.ParseInt(last, 10, 64)
		if err != nil || n <= 0 || size == 0 {
			return 0, 0, fmt.Errorf("%w: %q", provider.ErrInvalidRange, header)
		}
		return max(size-n, 0), size - 1, nil
	}

	start, err := strconv.ParseInt(first, 10, 64)
	if err != nil || start < 0 || start >= size {
		return 0, 0, fmt.Errorf("%w: %q of %d", provider.ErrInvalidRange, header, size)
	}
	end := size - 1
	if last != "" {
		end, err = strconv.ParseInt(last, 10, 64)
		if err != nil || end < start {
			return 0, 0, fmt.Errorf("%w: %q", provider.ErrInvalidRange, header)
		}
		end = min(end, size-1)
	}
	return start, end, nil
}

// VideoHandler serves a committed object, honouring a single byte range.
func (s *Server) VideoHandler(c *gin.Context) {
	if s.blocks == nil {
		s.abortWithError(c, strategy.ErrNotConfigured)
		return
	}

	ctx := c.Request.Context()
	name := c.Param("name")
	info, err := s.blocks.Stat(ctx, name)
	if err != nil {
		s.abortWithError(c, err)
		return
	}

	c.Header("Accept-Ranges", "bytes")
	c.Header("Content-Type", info.ContentType)
	c.Header("Last-Modified", info.LastModified.UTC().Format(http.TimeFormat))

	status := http.StatusOK
	start, end := int64(0), info.Size-1
	if h := c.GetHeader("Range"); h != "" {
		start, end, err = parseRange(h, info.Size)
		if err != nil {
			c.Header("Content-Range", fmt.Sprintf("bytes */%d", info.Size))
			s.abortWithError(c, err)
			return
		}
		status = http.StatusPartialContent
		c.Header("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, info.Size))
	}
	length := end - start + 1

	if c.Request.Method == http.MethodHead || length <= 0 {
		c.Header("Content-Length", strconv.FormatInt(max(length, 0), 10))
		c.Status(status)
		return
	}

	body, err := s.blocks.ReadRange(ctx, name, start, end)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	defer body.Close()

	c.DataFromReader(status, length, info.ContentType, body, nil)
}

package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/deepansarkar03/streamverse/provider"
	"github.com/deepansarkar03/streamverse/source"
)

// DefaultConcurrency is the number of blocks staged in parallel.
const DefaultConcurrency = 4

// ErrEmptySource is returned when a source ends before delivering a byte.
var ErrEmptySource = errors.New("source delivered no data")

// Config tunes the chunked transfer engine.
type Config struct {
	BlockSize   int
	Concurrency int

	// StallWindow aborts the read when no bytes arrive for this long.
	// Zero disables the watchdog.
	StallWindow time.Duration

	// SourceTimeout bounds the whole transfer. Zero means no limit.
	SourceTimeout time.Duration
}

// ProgressFunc receives the bytes read from the source so far and the total
// when known, 0 otherwise. It is called from several goroutines.
type ProgressFunc func(bytes, total int64)

// Result describes a committed object.
type Result struct {
	Object   string
	Blocks   int
	Bytes    int64
	Checksum uint64
}

// Engine splits a byte stream into fixed-size blocks, stages them
// concurrently and commits the ordered block list. Memory is bounded by
// Concurrency+1 blocks.
type Engine struct {
	store provider.BlockStore
	cfg   Config
	pool  *BufferPool
}

// New creates an engine writing to bs.
func New(bs provider.BlockStore, cfg Config) *Engine {
	if cfg.BlockSize <= 0 {
		cfg.BlockSize = DefaultBlockSize
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	return &Engine{
		store: bs,
		cfg:   cfg,
		pool:  NewBufferPool(cfg.BlockSize),
	}
}

// Config returns the effective configuration.
func (e *Engine) Config() Config { return e.cfg }

// Store returns the block store the engine commits to.
func (e *Engine) Store() provider.BlockStore { return e.store }

// Transfer opens src and streams it into object.
func (e *Engine) Transfer(ctx context.Context, src source.TransferSource, object, contentType string, report ProgressFunc) (*Result, error) {
	if e.cfg.SourceTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.SourceTimeout)
		defer cancel()
	}
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	body, size, err := src.Open(ctx)
	if err != nil {
		return nil, fmt.Errorf("open source: %w", err)
	}
	defer body.Close()

	if size <= 0 {
		size = src.Length()
	}

	watch := WatchStall(body, e.cfg.StallWindow, func(cause error) {
		cancel(cause)
		// Unblocks reads that do not observe ctx.
		body.Close()
	})
	defer watch.Stop()

	return e.run(ctx, cancel, watch, watch.Stop, size, object, contentType, report)
}

// Run streams r into object. A total <= 0 means the length is unknown.
func (e *Engine) Run(ctx context.Context, r io.Reader, total int64, object, contentType string, report ProgressFunc) (*Result, error) {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	return e.run(ctx, cancel, r, nil, total, object, contentType, report)
}

// run stages r block by block under a fresh staging scope, so concurrent
// runs for the same object never share blocks. readDone, when set, is called
// as soon as the source is no longer read.
func (e *Engine) run(ctx context.Context, cancel context.CancelCauseFunc, r io.Reader, readDone func(), total int64, object, contentType string, report ProgressFunc) (res *Result, err error) {
	if report == nil {
		report = func(int64, int64) {}
	}

	scope := NewStagingScope()
	var ids []string
	defer func() {
		if err != nil && len(ids) > 0 {
			// Best effort; the run has already failed.
			_ = e.store.Discard(context.WithoutCancel(ctx), object, ids)
		}
	}()

	sum := NewChecksumReader(r)
	counted := &countingReader{r: sum}
	counted.onRead = func(n int64) { report(n, total) }

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Concurrency)

	var readErr error
	for ordinal := 0; ; ordinal++ {
		if gctx.Err() != nil {
			break
		}
		if ordinal > MaxBlockOrdinal {
			readErr = fmt.Errorf("source exceeds %d blocks", int64(MaxBlockOrdinal)+1)
			break
		}

		buf := e.pool.Get()
		n, err := io.ReadFull(counted, *buf)
		if n > 0 {
			id := ScopedBlockID(scope, ordinal)
			ids = append(ids, id)
			data := (*buf)[:n]

			// Blocks until fewer than Concurrency stages are in flight.
			g.Go(func() error {
				defer e.pool.Put(buf)
				if err := e.store.StageBlock(gctx, object, id, data); err != nil {
					return fmt.Errorf("stage block %d: %w", ordinal, err)
				}
				report(counted.Count(), total)
				return nil
			})
		} else {
			e.pool.Put(buf)
		}

		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			break
		}
		if err != nil {
			readErr = err
			break
		}
	}

	if readDone != nil {
		readDone()
	}

	if readErr != nil {
		if cause := context.Cause(ctx); cause != nil {
			readErr = cause
		}
		cancel(readErr)
	}
	stageErr := g.Wait()

	if readErr != nil {
		return nil, fmt.Errorf("read source: %w", readErr)
	}
	if stageErr != nil {
		if cause := context.Cause(ctx); cause != nil && !errors.Is(cause, context.Canceled) {
			return nil, cause
		}
		return nil, stageErr
	}
	if err := ctx.Err(); err != nil {
		return nil, context.Cause(ctx)
	}
	if len(ids) == 0 {
		return nil, ErrEmptySource
	}
	if err := VerifyBlockList(ids); err != nil {
		return nil, err
	}

	if err := e.store.Commit(ctx, object, ids, contentType); err != nil {
		return nil, fmt.Errorf("commit %s: %w", object, err)
	}

	bytes := counted.Count()
	report(bytes, total)
	return &Result{
		Object:   object,
		Blocks:   len(ids),
		Bytes:    bytes,
		Checksum: sum.Checksum(),
	}, nil
}

type countingReader struct {
	r      io.Reader
	n      atomic.Int64
	onRead func(int64)
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	if n > 0 {
		total := c.n.Add(int64(n))
		if c.onRead != nil {
			c.onRead(total)
		}
	}
	return n, err
}

func (c *countingReader) Count() int64 { return c.n.Load() }

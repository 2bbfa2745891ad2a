package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/deepansarkar03/streamverse/logging"
)

var (
	// ErrQueueFull is returned by Submit when no queue slot is free.
	ErrQueueFull = errors.New("job queue is full")

	// ErrPoolStopped is returned by Submit after Stop.
	ErrPoolStopped = errors.New("worker pool stopped")
)

// JobHandler is a function that processes a TransferJob.
type JobHandler func(context.Context, TransferJob) error

// WorkerPool manages a dynamic set of workers processing jobs.
type WorkerPool struct {
	jobChan JobChannel
	handler JobHandler
	log     logging.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	workers     map[int]chan struct{}
	workerCount int
	nextID      int
	wg          sync.WaitGroup

	running atomic.Int64
}

// NewWorkerPool creates a new dynamic worker pool.
func NewWorkerPool(ctx context.Context, jobChan JobChannel, handler JobHandler, log logging.Logger) *WorkerPool {
	if log == nil {
		log = logging.Discard()
	}
	ctx, cancel := context.WithCancel(ctx)
	return &WorkerPool{
		jobChan: jobChan,
		handler: handler,
		log:     log,
		ctx:     ctx,
		cancel:  cancel,
		workers: make(map[int]chan struct{}),
	}
}

// Submit queues a job without blocking.
func (p *WorkerPool) Submit(job TransferJob) error {
	if p.ctx.Err() != nil {
		return ErrPoolStopped
	}
	select {
	case p.jobChan <- job:
		return nil
	default:
		return ErrQueueFull
	}
}

// SetWorkerCount scales the number of workers up or down gracefully.
func (p *WorkerPool) SetWorkerCount(count int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for p.workerCount < count {
		p.addWorker()
	}

	for p.workerCount > count {
		p.removeWorker()
	}
}

// WorkerCount returns the current target number of workers.
func (p *WorkerPool) WorkerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.workerCount
}

// Running returns the number of jobs being handled right now.
func (p *WorkerPool) Running() int { return int(p.running.Load()) }

// Queued returns the number of jobs waiting for a worker.
func (p *WorkerPool) Queued() int { return len(p.jobChan) }

func (p *WorkerPool) addWorker() {
	quitChan := make(chan struct{})
	id := p.nextID
	p.nextID++
	p.workers[id] = quitChan
	p.workerCount++
	p.wg.Add(1)

	go func(id int, quit chan struct{}) {
		defer p.wg.Done()
		for {
			select {
			case <-quit:
				return
			case <-p.ctx.Done():
				return
			default:
			}

			select {
			case <-quit:
				return
			case <-p.ctx.Done():
				return
			case job, ok := <-p.jobChan:
				if !ok {
					return
				}
				p.handle(id, job)
			}
		}
	}(id, quitChan)
}

func (p *WorkerPool) handle(worker int, job TransferJob) {
	p.running.Add(1)
	defer p.running.Add(-1)

	if err := p.handler(p.ctx, job); err != nil {
		p.log.Warn(p.ctx, "job failed", "worker", worker, "job", job.ID, "destination", job.DestinationName, "error", err)
		return
	}
	p.log.Debug(p.ctx, "job finished", "worker", worker, "job", job.ID)
}

func (p *WorkerPool) removeWorker() {
	for id, quit := range p.workers {
		// The worker exits once its current job finishes.
		close(quit)
		delete(p.workers, id)
		p.workerCount--
		return
	}
}

// Wait blocks until every worker has exited, which happens once the job
// channel is closed and drained.
func (p *WorkerPool) Wait() {
	p.wg.Wait()
}

// Stop initiates termination of all workers and waits for them to exit.
// Jobs currently running are cancelled through their context.
func (p *WorkerPool) Stop() {
	p.cancel()
	p.wg.Wait()
}

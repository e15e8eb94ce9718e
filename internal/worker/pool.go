package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/suPer8Hu/ai-genjobs/internal/logger"
)

var (
	ErrQueueFull = errors.New("worker queue full")
	ErrStopped   = errors.New("worker pool stopped")
)

// Handler executes one job. Errors are logged; the job record is the source
// of truth, so nothing is re-enqueued here.
type Handler func(ctx context.Context, jobID string) error

// Pool is a fixed set of goroutines draining a bounded queue of job ids. It
// implements generation.Dispatcher for the in-process dispatch mode.
type Pool struct {
	concurrency int
	jobs        chan string
	handler     Handler
	log         *logger.Logger

	mu      sync.RWMutex
	stopped bool
}

func NewPool(concurrency, queueSize int, handler Handler, log *logger.Logger) *Pool {
	if concurrency <= 0 {
		concurrency = 1
	}
	if queueSize < concurrency {
		queueSize = concurrency * 2
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Pool{
		concurrency: concurrency,
		jobs:        make(chan string, queueSize),
		handler:     handler,
		log:         log.With("component", "WorkerPool"),
	}
}

// Dispatch enqueues jobID without waiting for a free slot. A full queue is
// reported to the caller; the stuck-job sweep re-dispatches queued jobs later.
func (p *Pool) Dispatch(ctx context.Context, jobID string) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return ErrStopped
	}
	select {
	case p.jobs <- jobID:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return fmt.Errorf("%w (capacity %d)", ErrQueueFull, cap(p.jobs))
	}
}

// Run starts the workers and blocks until ctx is done and every in-flight
// handler has returned. Ids still queued at shutdown are dropped.
func (p *Pool) Run(ctx context.Context) error {
	p.log.Info("worker pool started", "concurrency", p.concurrency, "queue", cap(p.jobs))

	var wg sync.WaitGroup
	wg.Add(p.concurrency)
	for i := 0; i < p.concurrency; i++ {
		go func(workerID int) {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case id := <-p.jobs:
					p.handle(ctx, workerID, id)
				}
			}
		}(i)
	}

	<-ctx.Done()
	p.mu.Lock()
	p.stopped = true
	p.mu.Unlock()
	wg.Wait()
	p.log.Info("worker pool stopped", "dropped", len(p.jobs))
	return nil
}

func (p *Pool) handle(ctx context.Context, workerID int, jobID string) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("worker panic", "worker", workerID, "job_id", jobID, "panic", r)
		}
	}()
	if err := p.handler(ctx, jobID); err != nil {
		if ctx.Err() != nil {
			p.log.Warn("job interrupted by shutdown", "worker", workerID, "job_id", jobID)
			return
		}
		p.log.Error("job handler failed", "worker", workerID, "job_id", jobID, "cost", time.Since(start).String(), "error", err)
		return
	}
	if cost := time.Since(start); cost > 2*time.Second {
		p.log.Debug("job_timing", "worker", workerID, "job_id", jobID, "total", cost.String())
	}
}

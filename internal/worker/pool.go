package worker

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// DefaultQueueSize bounds the tasks a Pool accepts ahead of its workers.
const DefaultQueueSize = 256

// ErrPoolClosed is returned by Dispatch after Close.
var ErrPoolClosed = eris.New("worker: pool closed")

// ErrQueueFull is returned when the pool cannot accept more work.
var ErrQueueFull = eris.New("worker: queue full")

// Pool runs tasks on a fixed number of in-process workers. Each task's
// outcome is logged on its own; a failed task never stops the pool.
type Pool struct {
	handler     *Handler
	concurrency int
	queue       chan Task

	mu       sync.Mutex
	inflight map[string]bool
	closed   bool

	g *errgroup.Group
}

// NewPool creates a Pool. Call Start before dispatching.
func NewPool(handler *Handler, concurrency int) *Pool {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Pool{
		handler:     handler,
		concurrency: concurrency,
		queue:       make(chan Task, DefaultQueueSize),
		inflight:    make(map[string]bool),
	}
}

// Start launches the workers. Tasks run under ctx, not under the context
// passed to Dispatch, so they outlive the request that queued them.
func (p *Pool) Start(ctx context.Context) {
	p.g = &errgroup.Group{}
	for i := 0; i < p.concurrency; i++ {
		p.g.Go(func() error {
			for task := range p.queue {
				p.execute(ctx, task)
			}
			return nil
		})
	}
	zap.L().Info("worker: pool started", zap.Int("concurrency", p.concurrency))
}

// Dispatch queues task. It fails with ErrAlreadyRunning when a task with
// the same key is queued or running.
func (p *Pool) Dispatch(ctx context.Context, task Task) error {
	if err := task.Validate(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrPoolClosed
	}
	key := task.Key()
	if p.inflight[key] {
		return eris.Wrapf(ErrAlreadyRunning, "worker: %s", key)
	}
	select {
	case p.queue <- task:
	default:
		return ErrQueueFull
	}
	p.inflight[key] = true
	zap.L().Debug("worker: task queued", zap.String("task", task.String()))
	return nil
}

func (p *Pool) execute(ctx context.Context, task Task) {
	defer func() {
		p.mu.Lock()
		delete(p.inflight, task.Key())
		p.mu.Unlock()
	}()

	log := zap.L().With(zap.String("task", task.String()))
	start := time.Now()
	if err := p.handler.Run(ctx, task); err != nil {
		log.Error("worker: task failed", zap.Error(err), zap.Duration("elapsed", time.Since(start)))
		return
	}
	log.Info("worker: task complete", zap.Duration("elapsed", time.Since(start)))
}

// Close stops accepting tasks and waits for queued ones to finish.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()

	if p.g == nil {
		return nil
	}
	return p.g.Wait()
}

// RunAll executes tasks with at most concurrency running at once and
// waits for all of them. Failures are logged per task and counted; one
// failure does not cancel the others.
func RunAll(ctx context.Context, handler *Handler, tasks []Task, concurrency int) (failed int) {
	if concurrency <= 0 {
		concurrency = 1
	}
	var mu sync.Mutex
	g := &errgroup.Group{}
	g.SetLimit(concurrency)
	for _, task := range tasks {
		g.Go(func() error {
			if err := handler.Run(ctx, task); err != nil {
				zap.L().Error("worker: task failed", zap.String("task", task.String()), zap.Error(err))
				mu.Lock()
				failed++
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return failed
}

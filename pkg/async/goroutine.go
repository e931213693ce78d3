package async

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime/debug"
	"sync"
	"time"

	"github.com/platinummonkey/tollgate/pkg/observability"
)

var (
	// ErrPoolClosed is returned by Submit after Shutdown
	ErrPoolClosed = errors.New("worker pool shut down")
	// ErrQueueFull is returned by Submit when every queue slot is taken
	ErrQueueFull = errors.New("worker pool queue full")
)

// SafeGo executes fn in a goroutine with panic recovery and a timeout.
// Errors and panics are logged, never propagated.
func SafeGo(parentCtx context.Context, logger *observability.Logger, taskName string, timeout time.Duration, fn func(context.Context) error) {
	logger = orDiscard(logger)
	go func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(parentCtx), timeout)
		defer cancel()
		runTask(ctx, logger, taskName, fn)
	}()
}

// SafeGoNoError is SafeGo for functions that don't return errors
func SafeGoNoError(parentCtx context.Context, logger *observability.Logger, taskName string, timeout time.Duration, fn func(context.Context)) {
	SafeGo(parentCtx, logger, taskName, timeout, func(ctx context.Context) error {
		fn(ctx)
		return nil
	})
}

func runTask(ctx context.Context, logger *observability.Logger, taskName string, fn func(context.Context) error) {
	defer func() {
		if r := recover(); r != nil {
			logger.WithFields(map[string]interface{}{
				"task":  taskName,
				"panic": fmt.Sprintf("%v", r),
				"stack": string(debug.Stack()),
			}).Error("panic in background task")
		}
	}()

	if err := fn(ctx); err != nil {
		logger.WithField("task", taskName).WithError(err).Warn("background task failed")
	}
}

func orDiscard(logger *observability.Logger) *observability.Logger {
	if logger == nil {
		return observability.NewLogger(observability.InfoLevel, io.Discard)
	}
	return logger
}

// PoolConfig sizes a WorkerPool
type PoolConfig struct {
	Workers int
	Queue   int
	// Timeout bounds each task, default 30s
	Timeout time.Duration
}

// WorkerPool runs submitted tasks on a fixed set of workers
type WorkerPool struct {
	taskName string
	timeout  time.Duration
	logger   *observability.Logger

	mu     sync.RWMutex
	closed bool
	workCh chan func(context.Context) error
	doneCh chan struct{}

	ctx          context.Context
	cancel       context.CancelFunc
	shutdownOnce sync.Once
}

// NewWorkerPool starts the workers. Cancelling ctx stops them after their current task.
func NewWorkerPool(ctx context.Context, config PoolConfig, taskName string, logger *observability.Logger) *WorkerPool {
	if config.Workers <= 0 {
		config.Workers = 1
	}
	if config.Queue < 0 {
		config.Queue = 0
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}

	ctx, cancel := context.WithCancel(ctx)
	pool := &WorkerPool{
		taskName: taskName,
		timeout:  config.Timeout,
		logger:   orDiscard(logger),
		workCh:   make(chan func(context.Context) error, config.Queue),
		doneCh:   make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}

	var wg sync.WaitGroup
	for i := 0; i < config.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			pool.worker()
		}()
	}
	go func() {
		wg.Wait()
		close(pool.doneCh)
	}()

	return pool
}

// Submit queues a task without blocking
func (p *WorkerPool) Submit(fn func(context.Context) error) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return ErrPoolClosed
	}
	select {
	case p.workCh <- fn:
		return nil
	default:
		return ErrQueueFull
	}
}

// Shutdown stops accepting work and waits up to timeout for queued tasks to drain
func (p *WorkerPool) Shutdown(timeout time.Duration) error {
	var shutdownErr error

	p.shutdownOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		close(p.workCh)
		p.mu.Unlock()

		select {
		case <-p.doneCh:
			p.cancel()
		case <-time.After(timeout):
			p.cancel()
			shutdownErr = fmt.Errorf("worker pool shutdown timed out after %v", timeout)
		}
	})

	return shutdownErr
}

func (p *WorkerPool) worker() {
	for {
		select {
		case <-p.ctx.Done():
			return
		case fn, ok := <-p.workCh:
			if !ok {
				return
			}
			ctx, cancel := context.WithTimeout(p.ctx, p.timeout)
			runTask(ctx, p.logger, p.taskName, fn)
			cancel()
		}
	}
}

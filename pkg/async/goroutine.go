package async

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrPoolClosed is returned when submitting to a pool that has shut down
var ErrPoolClosed = errors.New("worker pool shut down")

var (
	loggerMu sync.RWMutex
	logger   = logrus.StandardLogger()
)

// SetLogger replaces the logger used for panics and background errors
func SetLogger(l *logrus.Logger) {
	if l == nil {
		return
	}
	loggerMu.Lock()
	logger = l
	loggerMu.Unlock()
}

func log() *logrus.Logger {
	loggerMu.RLock()
	defer loggerMu.RUnlock()
	return logger
}

// SafeGo runs fn in a goroutine bounded by timeout. Panics are recovered and
// errors are logged rather than propagated.
//
//	async.SafeGo(ctx, 10*time.Second, "webhook delivery", func(ctx context.Context) error {
//	    return sink.Deliver(ctx, evt)
//	})
func SafeGo(parentCtx context.Context, timeout time.Duration, taskName string, fn func(context.Context) error) {
	go func() {
		ctx, cancel := context.WithTimeout(parentCtx, timeout)
		defer cancel()

		if err := runGuarded(ctx, fn); err != nil {
			log().WithField("task", taskName).Errorf("background task failed: %v", err)
		}
	}()
}

// SafeGoNoError is SafeGo for functions without an error result
func SafeGoNoError(parentCtx context.Context, timeout time.Duration, taskName string, fn func(context.Context)) {
	SafeGo(parentCtx, timeout, taskName, func(ctx context.Context) error {
		fn(ctx)
		return nil
	})
}

// runGuarded calls fn and converts a panic into an error
func runGuarded(ctx context.Context, fn func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()
	return fn(ctx)
}

// WorkerPool runs submitted tasks on a fixed number of goroutines. Each task
// gets its own timeout; failures are reported on Errors.
type WorkerPool struct {
	taskName string
	timeout  time.Duration

	work   chan func(context.Context) error
	errs   chan error
	done   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex
	closed bool
	once   sync.Once
}

// NewWorkerPool starts workers goroutines that live until Shutdown.
//
//	pool := async.NewWorkerPool(ctx, 4, "webhook delivery", 30*time.Second)
//	defer pool.Shutdown(5 * time.Second)
func NewWorkerPool(ctx context.Context, workers int, taskName string, timeout time.Duration) *WorkerPool {
	if workers <= 0 {
		workers = 1
	}
	ctx, cancel := context.WithCancel(ctx)

	p := &WorkerPool{
		taskName: taskName,
		timeout:  timeout,
		work:     make(chan func(context.Context) error, workers*2),
		errs:     make(chan error, workers*10),
		done:     make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}

	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			p.run()
		}()
	}
	go func() {
		wg.Wait()
		close(p.done)
	}()

	return p
}

// Submit queues fn, blocking while the queue is full
func (p *WorkerPool) Submit(fn func(context.Context) error) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}

	select {
	case p.work <- fn:
		return nil
	case <-p.ctx.Done():
		return ErrPoolClosed
	}
}

// Errors returns task failures. Errors are dropped when nobody reads them.
func (p *WorkerPool) Errors() <-chan error {
	return p.errs
}

// Shutdown stops accepting work and waits up to timeout for queued tasks
func (p *WorkerPool) Shutdown(timeout time.Duration) error {
	var err error
	p.once.Do(func() {
		p.close()
		select {
		case <-p.done:
		case <-time.After(timeout):
			err = fmt.Errorf("worker pool shutdown timed out after %v", timeout)
		}
		p.cancel()
	})
	return err
}

func (p *WorkerPool) close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		close(p.work)
	}
}

// taskContext derives a task context; a zero timeout means no deadline
func (p *WorkerPool) taskContext() (context.Context, context.CancelFunc) {
	if p.timeout <= 0 {
		return context.WithCancel(p.ctx)
	}
	return context.WithTimeout(p.ctx, p.timeout)
}

func (p *WorkerPool) run() {
	for fn := range p.work {
		var err error
		if p.ctx.Err() != nil {
			err = p.ctx.Err()
		} else {
			ctx, cancel := p.taskContext()
			err = runGuarded(ctx, fn)
			cancel()
		}
		if err == nil {
			continue
		}
		select {
		case p.errs <- err:
		default:
			log().WithField("task", p.taskName).Warnf("error channel full, dropping: %v", err)
		}
	}
}

// Batch runs fn over items with a bounded number of workers and returns every
// error encountered.
func Batch[T any](ctx context.Context, items []T, workers int, taskName string, timeout time.Duration,
	fn func(context.Context, T) error) []error {

	pool := NewWorkerPool(ctx, workers, taskName, timeout)

	var (
		mu   sync.Mutex
		errs []error
	)
	for _, item := range items {
		item := item
		if err := pool.Submit(func(ctx context.Context) error {
			if err := runGuarded(ctx, func(ctx context.Context) error { return fn(ctx, item) }); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		}); err != nil {
			mu.Lock()
			errs = append(errs, err)
			mu.Unlock()
			break
		}
	}

	pool.close()
	<-pool.done
	pool.cancel()

	mu.Lock()
	defer mu.Unlock()
	return errs
}

package shared

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

var (
	ErrProcessorClosed  = errors.New("request processor is shut down")
	ErrShutdownTimedOut = errors.New("request processor shutdown timed out")
)

const DefaultShutdownTimeout = 5 * time.Second

// Processor runs handler bodies off the transport goroutines. With
// maxWorkers <= 0 it is unbounded.
type Processor struct {
	logger          *zap.Logger
	sem             *semaphore.Weighted
	ctx             context.Context
	cancel          context.CancelFunc
	wg              sync.WaitGroup
	mu              sync.RWMutex
	closed          bool
	shutdownTimeout time.Duration
}

func NewProcessor(logger *zap.Logger, maxWorkers int64, shutdownTimeout time.Duration) *Processor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if shutdownTimeout <= 0 {
		shutdownTimeout = DefaultShutdownTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Processor{
		logger:          logger,
		ctx:             ctx,
		cancel:          cancel,
		shutdownTimeout: shutdownTimeout,
	}
	if maxWorkers > 0 {
		p.sem = semaphore.NewWeighted(maxWorkers)
	}
	return p
}

// Execute schedules task. The task context is cancelled when a shutdown
// runs out of its grace period.
func (p *Processor) Execute(task func(ctx context.Context)) error {
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return ErrProcessorClosed
	}
	p.wg.Add(1)
	p.mu.RUnlock()

	go func() {
		defer p.wg.Done()
		if p.sem != nil {
			if err := p.sem.Acquire(p.ctx, 1); err != nil {
				p.logger.Warn("Task dropped before start", zap.Error(err))
				return
			}
			defer p.sem.Release(1)
		}
		defer func() {
			if r := recover(); r != nil {
				p.logger.Error("Panic recovered in task",
					zap.Any("panic", r),
					zap.ByteString("stack", debug.Stack()),
				)
			}
		}()
		task(p.ctx)
	}()
	return nil
}

// Shutdown stops accepting tasks and waits for running ones, at most for the
// configured grace period or until ctx is done.
func (p *Processor) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(p.shutdownTimeout)
	defer timer.Stop()
	defer p.cancel()

	select {
	case <-done:
		p.logger.Info("Request processor stopped")
		return nil
	case <-timer.C:
		p.logger.Warn("Request processor shutdown timed out, cancelling running tasks",
			zap.Duration("timeout", p.shutdownTimeout))
		return ErrShutdownTimedOut
	case <-ctx.Done():
		return fmt.Errorf("request processor shutdown: %w", ctx.Err())
	}
}

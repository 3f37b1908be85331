package service

import (
	"context"
	"fmt"
	"runtime"
	"sync"

	"dwoj/internal/judge/model"
	appErr "dwoj/pkg/errors"
	"dwoj/pkg/utils/logger"

	"go.uber.org/zap"
)

const defaultQueueSize = 64

// Judger runs one judging pass.
type Judger interface {
	Judge(ctx context.Context, submissionID int64) (*model.Submission, error)
}

// PoolConfig sizes the worker pool.
type PoolConfig struct {
	// Workers defaults to the number of CPUs.
	Workers   int
	QueueSize int
}

// Pool judges queued submissions on a fixed number of workers.
type Pool struct {
	judger  Judger
	queue   chan int64
	metrics *Metrics
	workers int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// NewPool starts the workers.
func NewPool(judger Judger, cfg PoolConfig, metrics *Metrics) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.NumCPU()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		judger:  judger,
		queue:   make(chan int64, cfg.QueueSize),
		metrics: metrics,
		workers: cfg.Workers,
		ctx:     ctx,
		cancel:  cancel,
	}
	for i := 0; i < cfg.Workers; i++ {
		p.wg.Add(1)
		go p.work()
	}
	return p
}

// Workers returns the number of workers.
func (p *Pool) Workers() int {
	return p.workers
}

// Submit queues a submission without blocking. A full queue is JudgeQueueFull.
func (p *Pool) Submit(submissionID int64) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return appErr.New(appErr.ServiceUnavailable).WithMessage("judge pool is stopped")
	}
	select {
	case p.queue <- submissionID:
		p.metrics.queueAdd(1)
		return nil
	default:
		return appErr.New(appErr.JudgeQueueFull).WithDetail("submission_id", submissionID)
	}
}

// Stop rejects new work and waits for queued passes to finish.
// When ctx ends first, running passes are canceled and ctx.Err() is returned once workers exit.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.cancel()
		<-done
		return ctx.Err()
	}
}

func (p *Pool) work() {
	defer p.wg.Done()
	for id := range p.queue {
		p.metrics.queueAdd(-1)
		p.judge(id)
	}
}

func (p *Pool) judge(submissionID int64) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error(p.ctx, "judge pass panicked",
				zap.Int64("submission_id", submissionID),
				zap.String("panic", fmt.Sprint(r)))
		}
	}()
	sub, err := p.judger.Judge(p.ctx, submissionID)
	switch {
	case err == nil:
	case appErr.Is(err, appErr.JudgeInProgress):
		logger.Info(p.ctx, "submission already being judged", zap.Int64("submission_id", submissionID))
	default:
		fields := []zap.Field{zap.Int64("submission_id", submissionID), zap.Error(err)}
		if sub != nil {
			fields = append(fields, zap.String("status", string(sub.Status)))
		}
		logger.Error(p.ctx, "judge pass failed", fields...)
	}
}

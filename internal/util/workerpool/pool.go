// Package workerpool bounds the goroutines used for peer send fan-out.
package workerpool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Task is a unit of work. Fn runs on a pool worker with panic recovery.
type Task struct {
	ID string
	Fn func(context.Context) error
}

// Pool executes tasks on a fixed set of workers with a bounded queue.
type Pool struct {
	name      string
	queue     chan Task
	logger    *zap.Logger
	wg        sync.WaitGroup
	stopOnce  sync.Once
	stopChan  chan struct{}
	completed uint64
	failed    uint64
	rejected  uint64
}

// Config holds pool sizing.
type Config struct {
	Name      string
	Workers   int
	QueueSize int
}

// New starts the pool's workers immediately.
func New(cfg Config, logger *zap.Logger) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 8
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	p := &Pool{
		name:     cfg.Name,
		queue:    make(chan Task, cfg.QueueSize),
		logger:   logger,
		stopChan: make(chan struct{}),
	}
	for i := 0; i < cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}

	logger.Info("worker pool started",
		zap.String("pool", cfg.Name),
		zap.Int("workers", cfg.Workers),
		zap.Int("queue_size", cfg.QueueSize))
	return p
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for {
		select {
		case <-p.stopChan:
			return
		case task := <-p.queue:
			if err := p.run(task); err != nil {
				atomic.AddUint64(&p.failed, 1)
				p.logger.Warn("task failed",
					zap.String("pool", p.name),
					zap.String("task_id", task.ID),
					zap.Error(err))
			} else {
				atomic.AddUint64(&p.completed, 1)
			}
		}
	}
}

func (p *Pool) run(task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return task.Fn(context.Background())
}

// TrySubmit enqueues a task without blocking. Returns false when the
// queue is full or the pool is stopped; callers treat a rejected send
// as a lost packet, which gossip tolerates.
func (p *Pool) TrySubmit(task Task) bool {
	select {
	case <-p.stopChan:
		atomic.AddUint64(&p.rejected, 1)
		return false
	case p.queue <- task:
		return true
	default:
		atomic.AddUint64(&p.rejected, 1)
		return false
	}
}

// Stop drains in-flight tasks, waiting up to timeout.
func (p *Pool) Stop(timeout time.Duration) error {
	var err error
	p.stopOnce.Do(func() {
		close(p.stopChan)
		done := make(chan struct{})
		go func() {
			p.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
			p.logger.Info("worker pool stopped", zap.String("pool", p.name))
		case <-time.After(timeout):
			err = fmt.Errorf("worker pool %q stop timed out after %v", p.name, timeout)
		}
	})
	return err
}

// Stats is a point-in-time snapshot of pool counters.
type Stats struct {
	Queued    int
	Completed uint64
	Failed    uint64
	Rejected  uint64
}

func (p *Pool) Stats() Stats {
	return Stats{
		Queued:    len(p.queue),
		Completed: atomic.LoadUint64(&p.completed),
		Failed:    atomic.LoadUint64(&p.failed),
		Rejected:  atomic.LoadUint64(&p.rejected),
	}
}

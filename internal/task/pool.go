package task

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// job is a unit of work run by the pool
type job struct {
	id string
	fn func(context.Context) error
}

// Pool runs admin tasks on a bounded set of goroutines. Tasks share the
// pool's context, which Stop cancels.
type Pool struct {
	name     string
	workers  int
	queue    chan job
	logger   *zap.Logger
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
	stopChan chan struct{}

	active    int32
	completed uint64
	failed    uint64
	rejected  uint64
}

// PoolConfig holds worker pool configuration
type PoolConfig struct {
	Name      string
	Workers   int
	QueueSize int
}

// NewPool creates a pool and starts its workers
func NewPool(cfg PoolConfig, logger *zap.Logger) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 16
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		name:     cfg.Name,
		workers:  cfg.Workers,
		queue:    make(chan job, cfg.QueueSize),
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		stopChan: make(chan struct{}),
	}
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}

	p.logger.Info("Task pool started",
		zap.String("name", p.name),
		zap.Int("workers", p.workers),
		zap.Int("queue_size", cfg.QueueSize))
	return p
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	for {
		select {
		case <-p.stopChan:
			return
		case j := <-p.queue:
			p.execute(id, j)
		}
	}
}

func (p *Pool) execute(workerID int, j job) {
	atomic.AddInt32(&p.active, 1)
	defer atomic.AddInt32(&p.active, -1)

	start := time.Now()
	err := p.safeExecute(j)
	if err != nil {
		atomic.AddUint64(&p.failed, 1)
		p.logger.Error("Task failed",
			zap.String("pool", p.name),
			zap.Int("worker_id", workerID),
			zap.String("task_id", j.id),
			zap.Duration("duration", time.Since(start)),
			zap.Error(err))
		return
	}
	atomic.AddUint64(&p.completed, 1)
	p.logger.Debug("Task completed",
		zap.String("pool", p.name),
		zap.String("task_id", j.id),
		zap.Duration("duration", time.Since(start)))
}

// safeExecute runs a job, turning a panic into an error
func (p *Pool) safeExecute(j job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
			p.logger.Error("Task panic recovered",
				zap.String("pool", p.name),
				zap.String("task_id", j.id),
				zap.Any("panic", r))
		}
	}()
	return j.fn(p.ctx)
}

// submit queues a job without blocking
func (p *Pool) submit(j job) error {
	select {
	case <-p.stopChan:
		atomic.AddUint64(&p.rejected, 1)
		return fmt.Errorf("task pool '%s' is stopped", p.name)
	default:
	}

	select {
	case p.queue <- j:
		return nil
	default:
		atomic.AddUint64(&p.rejected, 1)
		return fmt.Errorf("task pool '%s' queue is full", p.name)
	}
}

// Stop cancels running tasks and waits for the workers to exit
func (p *Pool) Stop(timeout time.Duration) error {
	var err error
	p.stopOnce.Do(func() {
		p.logger.Info("Stopping task pool", zap.String("name", p.name))
		close(p.stopChan)
		p.cancel()

		done := make(chan struct{})
		go func() {
			p.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(timeout):
			err = fmt.Errorf("task pool '%s' stop timeout after %v", p.name, timeout)
			p.logger.Warn("Task pool stop timeout", zap.String("name", p.name))
		}
	})
	return err
}

// PoolStats represents pool statistics
type PoolStats struct {
	Name      string `json:"name"`
	Workers   int    `json:"workers"`
	Active    int    `json:"active"`
	Queued    int    `json:"queued"`
	Completed uint64 `json:"completed"`
	Failed    uint64 `json:"failed"`
	Rejected  uint64 `json:"rejected"`
}

// Stats returns current pool statistics
func (p *Pool) Stats() PoolStats {
	return PoolStats{
		Name:      p.name,
		Workers:   p.workers,
		Active:    int(atomic.LoadInt32(&p.active)),
		Queued:    len(p.queue),
		Completed: atomic.LoadUint64(&p.completed),
		Failed:    atomic.LoadUint64(&p.failed),
		Rejected:  atomic.LoadUint64(&p.rejected),
	}
}

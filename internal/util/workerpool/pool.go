package workerpool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/devrev/pairdb/stream-node/internal/errors"
	"go.uber.org/zap"
)

// Task represents a unit of work to be executed.
// Fn receives the pool context, canceled by Cancel.
type Task struct {
	ID string
	Fn func(context.Context) error
}

// WorkerPool runs tasks on a fixed number of goroutines.
// Tasks may be long lived, a computation runner is one task for its whole life.
type WorkerPool struct {
	name       string
	maxWorkers int
	taskQueue  chan Task
	queueSize  int
	logger     *zap.Logger
	onFailure  func(task Task, err error)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	done   chan struct{}

	mu       sync.Mutex
	shutdown bool

	activeWorkers  int32
	totalTasks     uint64
	completedTasks uint64
	failedTasks    uint64
	rejectedTasks  uint64
}

// Config holds worker pool configuration
type Config struct {
	Name       string
	MaxWorkers int
	QueueSize  int
	Logger     *zap.Logger
	// OnFailure is called with the error of a failed or panicking task
	OnFailure func(task Task, err error)
}

// NewWorkerPool creates a worker pool and starts its workers
func NewWorkerPool(cfg Config) *WorkerPool {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 1
	}
	if cfg.QueueSize < cfg.MaxWorkers {
		cfg.QueueSize = cfg.MaxWorkers
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	pool := &WorkerPool{
		name:       cfg.Name,
		maxWorkers: cfg.MaxWorkers,
		queueSize:  cfg.QueueSize,
		taskQueue:  make(chan Task, cfg.QueueSize),
		logger:     cfg.Logger,
		onFailure:  cfg.OnFailure,
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}

	for i := 0; i < pool.maxWorkers; i++ {
		pool.wg.Add(1)
		go pool.worker(i)
	}
	go func() {
		pool.wg.Wait()
		close(pool.done)
	}()

	pool.logger.Debug("Worker pool started",
		zap.String("name", pool.name),
		zap.Int("max_workers", pool.maxWorkers),
		zap.Int("queue_size", pool.queueSize))

	return pool
}

// worker runs queued tasks until the queue is closed
func (p *WorkerPool) worker(id int) {
	defer p.wg.Done()
	for task := range p.taskQueue {
		p.executeTask(id, task)
	}
}

func (p *WorkerPool) executeTask(workerID int, task Task) {
	atomic.AddInt32(&p.activeWorkers, 1)
	defer atomic.AddInt32(&p.activeWorkers, -1)

	start := time.Now()
	err := p.safeExecute(task)
	duration := time.Since(start)

	if err != nil {
		atomic.AddUint64(&p.failedTasks, 1)
		p.logger.Error("Task failed",
			zap.String("pool", p.name),
			zap.Int("worker_id", workerID),
			zap.String("task_id", task.ID),
			zap.Duration("duration", duration),
			zap.Error(err))
		if p.onFailure != nil {
			p.onFailure(task, err)
		}
		return
	}
	atomic.AddUint64(&p.completedTasks, 1)
	p.logger.Debug("Task completed",
		zap.String("pool", p.name),
		zap.String("task_id", task.ID),
		zap.Duration("duration", duration))
}

// safeExecute executes a task with panic recovery
func (p *WorkerPool) safeExecute(task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.InternalError(fmt.Sprintf("task %s panicked: %v", task.ID, r), nil)
		}
	}()
	return task.Fn(p.ctx)
}

// Submit queues a task, it fails when the queue is full or the pool is shut down
func (p *WorkerPool) Submit(task Task) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.shutdown {
		atomic.AddUint64(&p.rejectedTasks, 1)
		return errors.IllegalState(fmt.Sprintf("worker pool '%s' is shut down", p.name))
	}
	select {
	case p.taskQueue <- task:
		atomic.AddUint64(&p.totalTasks, 1)
		return nil
	default:
		atomic.AddUint64(&p.rejectedTasks, 1)
		return errors.Unavailable(fmt.Sprintf("worker pool '%s' queue is full", p.name), nil)
	}
}

// Shutdown stops accepting tasks, queued and running tasks complete
func (p *WorkerPool) Shutdown() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.shutdown {
		p.shutdown = true
		close(p.taskQueue)
	}
}

// Cancel shuts the pool down and cancels the context given to tasks
func (p *WorkerPool) Cancel() {
	p.Shutdown()
	p.cancel()
}

// AwaitTermination waits for every task to complete after a shutdown.
// It returns false when the timeout expires first.
func (p *WorkerPool) AwaitTermination(timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-p.done:
		return true
	case <-timer.C:
		p.logger.Warn("Worker pool termination timeout",
			zap.String("name", p.name),
			zap.Duration("timeout", timeout))
		return false
	}
}

// Terminated reports whether the pool is shut down and all its tasks completed
func (p *WorkerPool) Terminated() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Done is closed once the pool has terminated
func (p *WorkerPool) Done() <-chan struct{} {
	return p.done
}

// Stats returns current worker pool statistics
func (p *WorkerPool) Stats() Stats {
	return Stats{
		Name:           p.name,
		MaxWorkers:     p.maxWorkers,
		ActiveWorkers:  int(atomic.LoadInt32(&p.activeWorkers)),
		QueueSize:      p.queueSize,
		QueuedTasks:    len(p.taskQueue),
		TotalTasks:     atomic.LoadUint64(&p.totalTasks),
		CompletedTasks: atomic.LoadUint64(&p.completedTasks),
		FailedTasks:    atomic.LoadUint64(&p.failedTasks),
		RejectedTasks:  atomic.LoadUint64(&p.rejectedTasks),
	}
}

// Stats represents worker pool statistics
type Stats struct {
	Name           string `json:"name"`
	MaxWorkers     int    `json:"max_workers"`
	ActiveWorkers  int    `json:"active_workers"`
	QueueSize      int    `json:"queue_size"`
	QueuedTasks    int    `json:"queued_tasks"`
	TotalTasks     uint64 `json:"total_tasks"`
	CompletedTasks uint64 `json:"completed_tasks"`
	FailedTasks    uint64 `json:"failed_tasks"`
	RejectedTasks  uint64 `json:"rejected_tasks"`
}

// WorkerUtilization returns the worker utilization as a percentage
func (s Stats) WorkerUtilization() float64 {
	if s.MaxWorkers == 0 {
		return 0
	}
	return (float64(s.ActiveWorkers) / float64(s.MaxWorkers)) * 100.0
}

// SuccessRate returns the task success rate as a percentage
func (s Stats) SuccessRate() float64 {
	if s.TotalTasks == 0 {
		return 100.0
	}
	return (float64(s.CompletedTasks) / float64(s.TotalTasks)) * 100.0
}

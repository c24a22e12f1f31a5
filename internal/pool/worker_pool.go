package pool

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// WorkerPool 协程池
//
// 用于限制并发协程数量，避免创建过多协程导致资源耗尽
type WorkerPool struct {
	maxWorkers int
	taskQueue  chan func()
	wg         sync.WaitGroup
	log        *zap.Logger

	mu     sync.RWMutex
	closed bool
}

// NewWorkerPool 创建协程池
//
// 参数:
//   - maxWorkers: 最大协程数
//   - queueSize: 任务队列大小
func NewWorkerPool(maxWorkers, queueSize int, log *zap.Logger) *WorkerPool {
	if maxWorkers <= 0 {
		maxWorkers = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &WorkerPool{
		maxWorkers: maxWorkers,
		taskQueue:  make(chan func(), queueSize),
		log:        log,
	}
}

// Start 启动协程池
func (p *WorkerPool) Start(ctx context.Context) {
	for i := 0; i < p.maxWorkers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
}

// TrySubmit 尝试提交任务
//
// 如果队列已满或协程池已停止，立即返回 false
func (p *WorkerPool) TrySubmit(task func()) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return false
	}
	select {
	case p.taskQueue <- task:
		return true
	default:
		return false
	}
}

// Stop 停止接收任务，等待队列中的任务执行完毕
func (p *WorkerPool) Stop() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.taskQueue)
	p.mu.Unlock()

	p.wg.Wait()
}

// worker 工作协程
func (p *WorkerPool) worker(ctx context.Context) {
	defer p.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case task, ok := <-p.taskQueue:
			if !ok {
				return
			}
			p.run(task)
		}
	}
}

func (p *WorkerPool) run(task func()) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("worker task panicked", zap.Any("panic", r), zap.Stack("stack"))
		}
	}()
	task()
}

// QueueDepth 当前排队任务数
func (p *WorkerPool) QueueDepth() int { return len(p.taskQueue) }

// QueueCapacity 队列容量
func (p *WorkerPool) QueueCapacity() int { return cap(p.taskQueue) }

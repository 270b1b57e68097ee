// Package worker 后台任务执行：进程内协程池与 Kafka 分发
package worker

import (
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"
)

// Pool 协程池；创建即启动，Stop 时执行完队列中剩余任务
type Pool struct {
	workers int
	queue   chan func()
	wg      sync.WaitGroup

	mu      sync.RWMutex
	stopped bool

	submitted atomic.Uint64
	executed  atomic.Uint64
	failed    atomic.Uint64
}

// Stats 协程池统计
type Stats struct {
	WorkerCount int    `json:"workerCount"`
	Submitted   uint64 `json:"submitted"`
	Executed    uint64 `json:"executed"`
	Failed      uint64 `json:"failed"`
	QueueLen    int    `json:"queueLen"`
	QueueCap    int    `json:"queueCap"`
}

// NewPool 创建并启动工作池
func NewPool(workers, queueSize int) *Pool {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	if queueSize <= 0 {
		queueSize = 1000
	}

	p := &Pool{
		workers: workers,
		queue:   make(chan func(), queueSize),
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}

	log.Debug().Int("workers", workers).Int("queue", queueSize).Msg("Worker pool started")
	return p
}

// Submit 提交任务（非阻塞，队列满或已停止时返回 false）
func (p *Pool) Submit(task func()) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.stopped {
		return false
	}

	select {
	case p.queue <- task:
		p.submitted.Add(1)
		return true
	default:
		log.Warn().Msg("Worker pool queue is full, task dropped")
		return false
	}
}

// Stop 停止接收新任务并等待已排队任务完成，可重复调用
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.queue)
	p.mu.Unlock()

	p.wg.Wait()
	log.Debug().Msg("Worker pool stopped")
}

// GetStats 获取统计信息
func (p *Pool) GetStats() Stats {
	return Stats{
		WorkerCount: p.workers,
		Submitted:   p.submitted.Load(),
		Executed:    p.executed.Load(),
		Failed:      p.failed.Load(),
		QueueLen:    len(p.queue),
		QueueCap:    cap(p.queue),
	}
}

// worker 工作协程
func (p *Pool) worker() {
	defer p.wg.Done()
	for task := range p.queue {
		if task == nil {
			continue
		}
		p.executeTask(task)
	}
}

// executeTask 执行任务并捕获 panic
func (p *Pool) executeTask(task func()) {
	defer func() {
		p.executed.Add(1)
		if r := recover(); r != nil {
			p.failed.Add(1)
			log.Error().Interface("panic", r).Msg("Panic recovered in async task")
		}
	}()
	task()
}

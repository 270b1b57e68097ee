package worker

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
)

// ErrQueueFull 协程池队列已满或已停止
var ErrQueueFull = errors.New("worker queue is full")

// DownloadJob 把一条图片记录推到 CDN 的后台任务
type DownloadJob struct {
	RecordID string    `json:"recordId"`
	Reason   string    `json:"reason"`
	QueuedAt time.Time `json:"queuedAt"`
}

// 任务来源
const (
	ReasonApproval = "approval"
	ReasonRetry    = "retry"
	ReasonManual   = "manual"
)

// Handler 执行下载任务
type Handler func(ctx context.Context, recordID string) error

// Dispatcher 后台任务分发
type Dispatcher interface {
	Dispatch(ctx context.Context, job DownloadJob) error
	Close() error
}

// PoolDispatcher 在进程内协程池中执行任务
type PoolDispatcher struct {
	pool    *Pool
	handler Handler
	timeout time.Duration
}

// NewPoolDispatcher 创建进程内分发器；timeout 限制单个任务的执行时间
func NewPoolDispatcher(pool *Pool, handler Handler, timeout time.Duration) *PoolDispatcher {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &PoolDispatcher{pool: pool, handler: handler, timeout: timeout}
}

// Dispatch 提交任务；不等待执行结果
func (d *PoolDispatcher) Dispatch(ctx context.Context, job DownloadJob) error {
	if job.QueuedAt.IsZero() {
		job.QueuedAt = time.Now()
	}
	ok := d.pool.Submit(func() {
		runJob(d.handler, job, d.timeout)
	})
	if !ok {
		return ErrQueueFull
	}
	return nil
}

// Close 分发器不拥有协程池，由调用方停止
func (d *PoolDispatcher) Close() error {
	return nil
}

// runJob 以独立上下文执行任务，请求结束不影响后台任务
func runJob(handler Handler, job DownloadJob, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := handler(ctx, job.RecordID); err != nil {
		log.Warn().Err(err).
			Str("record_id", job.RecordID).
			Str("reason", job.Reason).
			Msg("Download job failed")
		return
	}
	log.Debug().Str("record_id", job.RecordID).Str("reason", job.Reason).Msg("Download job finished")
}

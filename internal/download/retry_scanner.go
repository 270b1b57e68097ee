package download

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/anoixa/product-images/database/repo/records"
	"github.com/anoixa/product-images/internal/worker"
	"github.com/rs/zerolog/log"
)

// RetryScanner 重试扫描器
type RetryScanner struct {
	records     *records.Repository
	dispatcher  worker.Dispatcher
	interval    time.Duration
	lease       time.Duration
	maxAttempts int
	batchSize   int
	stopCh      chan struct{}
	stopOnce    sync.Once
	started     atomic.Bool
	done        chan struct{}
}

// NewRetryScanner 创建扫描器
func NewRetryScanner(recs *records.Repository, dispatcher worker.Dispatcher, interval time.Duration, maxAttempts int) *RetryScanner {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	return &RetryScanner{
		records:     recs,
		dispatcher:  dispatcher,
		interval:    interval,
		lease:       interval,
		maxAttempts: maxAttempts,
		batchSize:   100,
		stopCh:      make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// Start 启动扫描器
func (s *RetryScanner) Start() {
	if !s.started.CompareAndSwap(false, true) {
		return
	}
	ticker := time.NewTicker(s.interval)
	go func() {
		defer close(s.done)
		for {
			select {
			case <-ticker.C:
				s.ScanOnce(context.Background())
			case <-s.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
	log.Info().Dur("interval", s.interval).Msg("Retry scanner started")
}

// Stop 停止扫描器并等待后台协程退出
func (s *RetryScanner) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		if s.started.Load() {
			<-s.done
		}
	})
}

// ScanOnce 扫描并重新分发，返回分发成功的数量
func (s *RetryScanner) ScanOnce(ctx context.Context) int {
	now := time.Now()

	recs, err := s.records.WithContext(ctx).ListRetryable(now, s.maxAttempts, s.batchSize)
	if err != nil {
		log.Error().Err(err).Msg("Failed to list retryable images")
		return 0
	}
	if len(recs) == 0 {
		return 0
	}

	log.Debug().Int("count", len(recs)).Msg("Found retryable images")

	dispatched := 0
	for _, rec := range recs {
		// CAS：推迟下次重试时间，避免多个实例重复分发
		ok, err := s.records.WithContext(ctx).Lease(rec.ID, now, now.Add(s.lease))
		if err != nil || !ok {
			continue
		}
		if err := s.dispatcher.Dispatch(ctx, worker.DownloadJob{RecordID: rec.ID, Reason: worker.ReasonRetry}); err != nil {
			log.Warn().Err(err).Str("record_id", rec.ID).Msg("Failed to dispatch retry")
			continue
		}
		dispatched++
	}
	return dispatched
}
